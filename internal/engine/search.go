package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/whisper/pairchat/internal/matching"
	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/notify"
	"github.com/whisper/pairchat/internal/session"
)

// maxClaimAttempts bounds how often TryMatch rescans after losing a claim
// race to a concurrent match.
const maxClaimAttempts = 3

// StartSearch puts userID into the waiting queue with their stored
// preference and tries to pair them right away.
func (e *Engine) StartSearch(ctx context.Context, userID int64) error {
	admin, err := e.profiles.IsAdmin(ctx, userID)
	if err != nil {
		return fmt.Errorf("engine: start search %d: %w", userID, err)
	}
	if admin {
		return e.reject(ctx, userID, textAdminAccount, ErrAdminAccount)
	}

	if e.bans != nil {
		banned, remaining, _, err := e.bans.IsBanned(ctx, userID)
		switch {
		case err != nil:
			e.log.Warn().Err(err).Int64("user", userID).Msg("ban check failed, allowing search")
		case banned:
			return e.reject(ctx, userID, bannedText(remaining), ErrBanned)
		}
	}

	pref, err := e.profiles.GetPreference(ctx, userID)
	if err != nil {
		return fmt.Errorf("engine: start search %d: %w", userID, err)
	}
	if pref == nil {
		e.notice(ctx, userID, notify.KindPromptPreferences, textSetPreference)
		return ErrNoPreference
	}

	busy, err := e.IsInActiveSession(ctx, userID)
	if err != nil {
		return fmt.Errorf("engine: start search %d: %w", userID, err)
	}
	if busy {
		return e.reject(ctx, userID, textInSession, ErrAlreadyInSession)
	}

	queued, err := e.queue.IsQueued(ctx, userID)
	if err != nil {
		return fmt.Errorf("engine: start search %d: %w", userID, err)
	}
	if queued {
		return e.reject(ctx, userID, textAlreadyQueued, ErrAlreadyQueued)
	}

	if err := e.queue.Enqueue(ctx, userID, *pref); err != nil {
		return err
	}
	e.trackQueue(ctx)
	e.log.Debug().Int64("user", userID).Str("gender", string(pref.Gender)).Str("seeking", string(pref.Seeking)).Msg("queued")
	e.notice(ctx, userID, notify.KindSearching, textSearching)

	_, err = e.TryMatch(ctx, userID)
	return err
}

// CancelSearch removes userID from the waiting queue.
func (e *Engine) CancelSearch(ctx context.Context, userID int64) error {
	queued, err := e.queue.IsQueued(ctx, userID)
	if err != nil {
		return fmt.Errorf("engine: cancel search %d: %w", userID, err)
	}
	if !queued {
		e.notice(ctx, userID, notify.KindSearchCancelled, textNotSearching)
		return nil
	}
	if err := e.queue.Dequeue(ctx, userID); err != nil {
		return err
	}
	e.trackQueue(ctx)
	e.notice(ctx, userID, notify.KindSearchCancelled, textSearchCancelled)
	return nil
}

// TryMatch pairs userID with the oldest compatible queued candidate. It
// returns nil, leaving the user queued, when nobody fits.
func (e *Engine) TryMatch(ctx context.Context, userID int64) (*session.Runtime, error) {
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		self, cand, err := e.matcher.FindCandidate(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("engine: find candidate for %d: %w", userID, err)
		}
		if self == nil || cand == nil {
			return nil, nil
		}

		claimed, err := e.queue.Claim(ctx, self.UserID, cand.UserID)
		if err != nil {
			return nil, err
		}
		if !claimed {
			// Someone else paired one of the two in the meantime.
			continue
		}

		rt, err := e.CreateSession(ctx, self.UserID, cand.UserID)
		if err != nil {
			e.restore(ctx, *self, *cand)
			return nil, err
		}
		e.trackQueue(ctx)

		now := float64(e.now().UnixMilli())
		for _, en := range []*matching.Entry{self, cand} {
			if wait := (now - en.EnqueuedAt) / 1000; wait >= 0 {
				metrics.MatchWait.Observe(wait)
			}
		}

		e.greet(ctx, rt)
		return rt, nil
	}
	return nil, nil
}

// restore puts claimed entries back after a failed session creation. Users
// who turned out to be in a session already stay out of the queue.
func (e *Engine) restore(ctx context.Context, entries ...matching.Entry) {
	keep := make([]matching.Entry, 0, len(entries))
	for _, en := range entries {
		busy, err := e.IsInActiveSession(ctx, en.UserID)
		if err == nil && busy {
			continue
		}
		keep = append(keep, en)
	}
	if err := e.queue.Restore(ctx, keep...); err != nil {
		e.log.Error().Err(err).Int("entries", len(keep)).Msg("failed to restore claimed queue entries")
	}
}

func (e *Engine) greet(ctx context.Context, rt *session.Runtime) {
	for _, u := range rt.Users() {
		peer := rt.Peer(u)
		e.notifier.Notify(ctx, u, notify.Notice{
			Kind:      notify.KindMatched,
			Text:      matchedText(e.ratingOf(ctx, peer), e.ratingOf(ctx, u)),
			SessionID: rt.ID,
		})
	}
}

func (e *Engine) ratingOf(ctx context.Context, userID int64) string {
	if e.feedback == nil {
		return formatRating(0, 0)
	}
	avg, n, err := e.feedback.AverageRating(ctx, userID)
	if err != nil {
		e.log.Warn().Err(err).Int64("user", userID).Msg("rating lookup failed")
		return formatRating(0, 0)
	}
	return formatRating(avg, n)
}

// SweepQueue retries TryMatch for every queued user, oldest first. It pairs
// users who were waiting across a restart or whose cooldown has decayed
// since they queued. Entries are never removed here. It returns the number
// of sessions created.
func (e *Engine) SweepQueue(ctx context.Context) (int, error) {
	entries, err := e.queue.Entries(ctx)
	if err != nil {
		return 0, err
	}

	matched := 0
	for _, en := range entries {
		if ctx.Err() != nil {
			break
		}
		rt, err := e.TryMatch(ctx, en.UserID)
		if err != nil {
			if !errors.Is(err, session.ErrUserBusy) {
				e.log.Warn().Err(err).Int64("user", en.UserID).Msg("sweep match failed")
			}
			continue
		}
		if rt != nil {
			matched++
		}
	}
	e.trackQueue(ctx)
	return matched, nil
}

func (e *Engine) trackQueue(ctx context.Context) {
	if n, err := e.queue.Size(ctx); err == nil {
		metrics.QueueSize.Set(float64(n))
	}
}
