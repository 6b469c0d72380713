package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/whisper/pairchat/internal/feedback"
	"github.com/whisper/pairchat/internal/notify"
)

// Rate records userID's 1-5 star rating of their partner in sessionID.
func (e *Engine) Rate(ctx context.Context, userID, sessionID int64, stars int) error {
	if e.feedback == nil {
		return e.reject(ctx, userID, textNoFeedbackTarget, feedback.ErrNotParticipant)
	}

	recorded, err := e.feedback.Rate(ctx, sessionID, userID, stars)
	switch {
	case errors.Is(err, feedback.ErrInvalidStars):
		return e.reject(ctx, userID, textInvalidStars, err)
	case errors.Is(err, feedback.ErrNotParticipant):
		return e.reject(ctx, userID, textNotParticipant, err)
	case err != nil:
		return fmt.Errorf("engine: rate %d: %w", sessionID, err)
	}

	text := textRated
	if !recorded {
		text = textRatedAlready
	}
	e.notifier.Notify(ctx, userID, notify.Notice{Kind: notify.KindRated, Text: text, SessionID: sessionID})
	return nil
}

// Complain files a complaint about userID's partner in sessionID, attaching
// the session's last relayed messages, and counts it towards a search ban.
func (e *Engine) Complain(ctx context.Context, userID, sessionID int64, text string) error {
	if e.feedback == nil {
		return e.reject(ctx, userID, textNoFeedbackTarget, feedback.ErrNotParticipant)
	}

	about, err := e.feedback.Complain(ctx, sessionID, userID, text, e.buffer.Get(sessionID))
	switch {
	case errors.Is(err, feedback.ErrEmptyComplaint):
		return e.reject(ctx, userID, textEmptyMessage, err)
	case errors.Is(err, feedback.ErrNotParticipant):
		return e.reject(ctx, userID, textNotParticipant, err)
	case err != nil:
		return fmt.Errorf("engine: complain %d: %w", sessionID, err)
	}

	e.log.Info().Int64("session", sessionID).Int64("from", userID).Int64("about", about).Msg("complaint filed")
	e.notifier.Notify(ctx, userID, notify.Notice{Kind: notify.KindComplaintSaved, Text: textComplaintSaved, SessionID: sessionID})

	if e.bans != nil {
		banned, d, err := e.bans.RecordComplaint(ctx, about)
		switch {
		case err != nil:
			e.log.Warn().Err(err).Int64("user", about).Msg("complaint counter failed")
		case banned:
			e.log.Info().Int64("user", about).Dur("duration", d).Msg("search ban applied")
		}
	}
	return nil
}
