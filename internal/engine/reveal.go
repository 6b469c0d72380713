package engine

import (
	"context"
	"fmt"

	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/notify"
	"github.com/whisper/pairchat/internal/session"
)

// RequestReveal opts requester into the mutual profile reveal of their
// current session.
func (e *Engine) RequestReveal(ctx context.Context, requester int64) error {
	rt, err := e.acquire(ctx, requester)
	if err != nil {
		return fmt.Errorf("engine: reveal %d: %w", requester, err)
	}
	if rt == nil {
		return e.reject(ctx, requester, textIdle, ErrNoActiveSession)
	}
	defer rt.Unlock()
	return e.revealLocked(ctx, rt, requester)
}

// revealLocked requires rt's session lock. Repeated requests before the
// peer agrees only repeat the waiting notice; the profile cards go out once,
// on the transition to mutual.
func (e *Engine) revealLocked(ctx context.Context, rt *session.Runtime, requester int64) error {
	peer := rt.Peer(requester)

	for _, u := range []int64{requester, peer} {
		ready, err := e.profiles.IsProfileComplete(ctx, u)
		if err != nil {
			return fmt.Errorf("engine: reveal %d: %w", requester, err)
		}
		if !ready {
			metrics.RevealsTotal.WithLabelValues("unavailable").Inc()
			e.notice(ctx, requester, notify.KindRevealUnavailable, textRevealNoProfile)
			return nil
		}
	}

	state, err := e.sessions.MarkReveal(ctx, rt.ID, requester)
	if err != nil {
		return fmt.Errorf("engine: reveal %d: %w", requester, err)
	}

	if state.AlreadyRequested {
		metrics.RevealsTotal.WithLabelValues("already").Inc()
		e.notice(ctx, requester, notify.KindRevealAlready, textRevealAlready)
		return nil
	}

	if !state.Mutual() {
		metrics.RevealsTotal.WithLabelValues("pending").Inc()
		e.notice(ctx, requester, notify.KindRevealPending, textRevealPending)
		e.notice(ctx, peer, notify.KindRevealPending, textRevealPeerAsks)
		return nil
	}

	metrics.RevealsTotal.WithLabelValues("mutual").Inc()
	for _, pair := range [][2]int64{{requester, peer}, {peer, requester}} {
		to, whose := pair[0], pair[1]
		snap, err := e.profiles.GetProfileSnapshot(ctx, whose)
		if err != nil {
			e.log.Error().Err(err).Int64("session", rt.ID).Int64("user", whose).Msg("profile snapshot failed")
			continue
		}
		if snap == nil {
			continue
		}
		e.notifier.Notify(ctx, to, notify.Notice{
			Kind:      notify.KindReveal,
			Text:      snap.Card(),
			SessionID: rt.ID,
			Profile:   snap,
		})
	}
	for _, u := range rt.Users() {
		e.notifier.Notify(ctx, u, notify.Notice{Kind: notify.KindRevealed, Text: textRevealed, SessionID: rt.ID})
	}
	e.log.Info().Int64("session", rt.ID).Msg("mutual reveal")
	return nil
}
