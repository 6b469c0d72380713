package engine

import (
	"context"
	"fmt"

	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/notify"
	"github.com/whisper/pairchat/internal/session"
	"github.com/whisper/pairchat/internal/settings"
)

// Ending describes why and by whom a session is torn down.
type Ending struct {
	Reason string
	// By is the user who ended the session, or 0 for the watchdog and
	// sweeps.
	By int64
	// BlockRounds > 0 records a recency separation of the two users.
	BlockRounds int
	// Quiet suppresses the initiator's end notice; the caller sends its own.
	Quiet bool
}

// CreateSession persists a new session for a and b, decaying both users'
// recency rows in the same transaction, and starts its watchdog.
func (e *Engine) CreateSession(ctx context.Context, a, b int64) (*session.Runtime, error) {
	sess, err := e.sessions.Create(ctx, a, b)
	if err != nil {
		return nil, fmt.Errorf("engine: create session %d/%d: %w", a, b, err)
	}

	rt := e.registry.Bind(session.NewRuntime(sess, e.now().Add(e.settings.Current().Window())))
	e.ensureWatchdog(rt)

	metrics.MatchesTotal.Inc()
	e.trackActive()
	e.log.Info().Int64("session", sess.ID).Int64("user_a", a).Int64("user_b", b).Msg("session started")
	return rt, nil
}

// EndSession is the single teardown path. It is safe to call concurrently
// and repeatedly: only the caller that deactivates the persisted row sends
// the end notices.
func (e *Engine) EndSession(ctx context.Context, rt *session.Runtime, end Ending) (bool, error) {
	rt.Lock()
	defer rt.Unlock()
	return e.endLocked(ctx, rt, end)
}

// endLocked requires rt's session lock.
func (e *Engine) endLocked(ctx context.Context, rt *session.Runtime, end Ending) (bool, error) {
	if rt.Closed() {
		return false, nil
	}

	ended, err := e.sessions.End(ctx, rt.ID, end.Reason, end.BlockRounds)
	if err != nil {
		return false, fmt.Errorf("engine: end session %d: %w", rt.ID, err)
	}

	handles, _ := rt.Close()
	e.registry.Unbind(rt)
	e.trackActive()
	for u, h := range handles {
		e.notifier.RetractNotice(ctx, u, h)
	}
	e.buffer.Retire(rt.ID)

	if !ended {
		e.log.Debug().Int64("session", rt.ID).Str("reason", end.Reason).Msg("session already ended elsewhere")
		return false, nil
	}

	metrics.SessionsEndedTotal.WithLabelValues(end.Reason).Inc()
	e.log.Info().Int64("session", rt.ID).Str("reason", end.Reason).Int64("by", end.By).Msg("session ended")

	e.sendEndNotices(ctx, rt, end)
	for _, u := range rt.Users() {
		e.notifier.Notify(ctx, u, notify.Notice{Kind: notify.KindFeedback, Text: textFeedback, SessionID: rt.ID})
	}
	return true, nil
}

func (e *Engine) sendEndNotices(ctx context.Context, rt *session.Runtime, end Ending) {
	send := func(u int64, kind, text string) {
		e.notifier.Notify(ctx, u, notify.Notice{Kind: kind, Text: text, SessionID: rt.ID})
	}

	switch end.Reason {
	case session.ReasonInactivity:
		for _, u := range rt.Users() {
			send(u, notify.KindInactivityEnded, textInactivityEnded)
		}
	case session.ReasonStop:
		if !end.Quiet {
			send(end.By, notify.KindSessionEnded, textStopped)
		}
		send(rt.Peer(end.By), notify.KindPeerLeft, textPeerStopped)
	case session.ReasonNext:
		send(rt.Peer(end.By), notify.KindPeerLeft, textPeerNext)
	}
}

// expire is the watchdog's termination hook. It re-checks the deadline under
// the session lock so a message that arrived while it waited wins.
func (e *Engine) expire(ctx context.Context, rt *session.Runtime) bool {
	rt.Lock()
	defer rt.Unlock()

	if rt.Closed() {
		return true
	}
	if rt.Remaining(e.now()) > 0 {
		return false
	}
	if _, err := e.endLocked(ctx, rt, Ending{Reason: session.ReasonInactivity}); err != nil {
		e.log.Error().Err(err).Int64("session", rt.ID).Msg("expiry failed, retrying next tick")
		return false
	}
	return true
}

// ApplySettings reacts to a settings change. A new inactivity window moves
// every live deadline to now + window, never closer than one watchdog tick.
// The warning threshold and block rounds are read on use and need nothing.
func (e *Engine) ApplySettings(old, updated settings.Values) {
	if old.InactivitySeconds == updated.InactivitySeconds {
		return
	}
	now := e.now()
	all := e.registry.All()
	for _, rt := range all {
		rt.Extend(now, updated.Window(), e.watchdog.Tick())
	}
	e.log.Info().Int("inactivity_seconds", updated.InactivitySeconds).Int("sessions", len(all)).Msg("inactivity window changed")
}

// SweepStale deactivates persisted active sessions older than the stale
// cutoff that this process is not serving.
func (e *Engine) SweepStale(ctx context.Context) (int, error) {
	n, err := e.sessions.DeactivateStale(ctx, e.cfg.StaleAfter, func(id int64) bool {
		return e.registry.Get(id) != nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.SessionsEndedTotal.WithLabelValues(session.ReasonStale).Add(float64(n))
		e.log.Info().Int("sessions", n).Msg("deactivated stale sessions")
	}
	return n, nil
}

func (e *Engine) trackActive() {
	metrics.ActiveSessions.Set(float64(e.registry.Len()))
}
