package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/whisper/pairchat/internal/chat"
	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/moderation"
	"github.com/whisper/pairchat/internal/notify"
	"github.com/whisper/pairchat/internal/session"
)

// SubmitMessage handles chat text from userID: it is routed when the user is
// paired and rejected with a notice otherwise.
func (e *Engine) SubmitMessage(ctx context.Context, userID int64, text string) error {
	routed, err := e.Route(ctx, userID, text)
	if err != nil || routed {
		return err
	}

	queued, err := e.queue.IsQueued(ctx, userID)
	if err != nil {
		return fmt.Errorf("engine: submit %d: %w", userID, err)
	}
	if queued {
		return e.reject(ctx, userID, textSearchOnly, ErrSearchOnly)
	}
	return e.reject(ctx, userID, textIdle, ErrNoActiveSession)
}

// Route delivers text from sender to their peer, or runs it as a !stop,
// !next or !reveal command. Any routed text counts as activity and resets
// the inactivity deadline. It reports false when sender has no session.
func (e *Engine) Route(ctx context.Context, sender int64, text string) (bool, error) {
	rt, err := e.acquire(ctx, sender)
	if err != nil {
		return false, fmt.Errorf("engine: route %d: %w", sender, err)
	}
	if rt == nil {
		return false, nil
	}

	requeue, err := e.routeLocked(ctx, rt, sender, text)
	rt.Unlock()
	if err != nil {
		return true, err
	}

	if requeue {
		if _, err := e.TryMatch(ctx, sender); err != nil {
			return true, err
		}
	}
	return true, nil
}

// routeLocked requires rt's session lock. It reports whether sender was put
// back into the queue and should be matched once the lock is released.
func (e *Engine) routeLocked(ctx context.Context, rt *session.Runtime, sender int64, text string) (bool, error) {
	for u, h := range rt.Touch(e.now(), e.settings.Current().Window()) {
		e.notifier.RetractNotice(ctx, u, h)
	}

	switch chat.ParseCommand(text) {
	case chat.CmdStop:
		metrics.MessagesTotal.WithLabelValues("command").Inc()
		_, err := e.endLocked(ctx, rt, Ending{Reason: session.ReasonStop, By: sender})
		return false, err
	case chat.CmdNext:
		metrics.MessagesTotal.WithLabelValues("command").Inc()
		return e.nextLocked(ctx, rt, sender)
	case chat.CmdReveal:
		metrics.MessagesTotal.WithLabelValues("command").Inc()
		return false, e.revealLocked(ctx, rt, sender)
	}

	if err := chat.ValidateMessage(text); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		e.notice(ctx, sender, notify.KindRejected, invalidMessageText(err))
		return false, nil
	}

	clean, fired := moderation.Sanitize(text)
	if len(fired) > 0 {
		metrics.MessagesTotal.WithLabelValues("sanitized").Inc()
		e.log.Debug().Int64("session", rt.ID).Strs("rules", fired).Msg("message sanitized")
	}
	metrics.MessagesTotal.WithLabelValues("relayed").Inc()

	e.buffer.Add(rt.ID, chat.BufferedMessage{From: sender, Text: clean, Ts: e.now().Unix()})
	e.notifier.Notify(ctx, rt.Peer(sender), notify.Notice{Kind: notify.KindMessage, Text: clean, SessionID: rt.ID})
	return false, nil
}

// nextLocked ends the session with a recency separation and puts sender
// back into the queue. Without a stored preference it degrades to a stop
// and prompts sender to set one.
func (e *Engine) nextLocked(ctx context.Context, rt *session.Runtime, sender int64) (bool, error) {
	pref, err := e.profiles.GetPreference(ctx, sender)
	if err != nil {
		return false, fmt.Errorf("engine: next %d: %w", sender, err)
	}

	if pref == nil {
		ended, err := e.endLocked(ctx, rt, Ending{Reason: session.ReasonStop, By: sender, Quiet: true})
		if err != nil {
			return false, err
		}
		if ended {
			e.notice(ctx, sender, notify.KindPromptPreferences, textNextNeedsPref)
		}
		return false, nil
	}

	ended, err := e.endLocked(ctx, rt, Ending{
		Reason:      session.ReasonNext,
		By:          sender,
		BlockRounds: e.settings.Current().BlockRounds,
	})
	if err != nil || !ended {
		return false, err
	}

	if err := e.queue.Enqueue(ctx, sender, *pref); err != nil {
		return false, err
	}
	e.trackQueue(ctx)
	e.notice(ctx, sender, notify.KindSearching, textSearchingNext)
	return true, nil
}

func invalidMessageText(err error) string {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return textEmptyMessage
	case errors.Is(err, chat.ErrTooLong):
		return textTooLong
	default:
		return textInvalidEncoding
	}
}
