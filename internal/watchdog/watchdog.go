// Package watchdog enforces the silence timeout of active sessions. Each
// session gets one goroutine that warns both users shortly before the
// deadline, runs a live countdown on the warning, and expires the session
// when the deadline passes.
package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/pairchat/internal/logging"
	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/notify"
	"github.com/whisper/pairchat/internal/session"
)

// Config holds watchdog timing.
type Config struct {
	// Tick is the polling interval of both the watchdog and the countdown.
	// It must not exceed one second for the countdown to be accurate.
	Tick time.Duration
}

// DefaultConfig returns a one-second tick.
func DefaultConfig() Config {
	return Config{Tick: time.Second}
}

// Owner answers whether the given users are still bound to session id.
type Owner interface {
	Owns(id int64, users ...int64) bool
}

// ExpireFunc tears down a session whose deadline passed. It returns false
// when the session turned out to be still alive, for example because a
// message moved the deadline while the expiry waited for the session lock;
// the watchdog then keeps running.
type ExpireFunc func(ctx context.Context, rt *session.Runtime) bool

// Watchdog starts and runs per-session inactivity tasks.
type Watchdog struct {
	cfg       Config
	owner     Owner
	notifier  notify.Notifier
	expire    ExpireFunc
	threshold func() time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

// Option customizes a Watchdog.
type Option func(*Watchdog)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) { w.now = now }
}

// New creates a watchdog. threshold is read on every tick so a changed
// warning setting applies to running sessions.
func New(cfg Config, owner Owner, notifier notify.Notifier, threshold func() time.Duration, expire ExpireFunc, opts ...Option) *Watchdog {
	if cfg.Tick <= 0 || cfg.Tick > time.Second {
		cfg.Tick = time.Second
	}
	w := &Watchdog{
		cfg:       cfg,
		owner:     owner,
		notifier:  notifier,
		expire:    expire,
		threshold: threshold,
		now:       time.Now,
		log:       logging.Component("watchdog"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Tick returns the configured polling interval.
func (w *Watchdog) Tick() time.Duration { return w.cfg.Tick }

// WarningText is the text of the inactivity warning.
func WarningText(remaining int) string {
	return fmt.Sprintf("No messages for a while. This chat ends in %d seconds unless someone writes.", remaining)
}

// Start launches the watchdog goroutine for rt under parent. It returns
// false if rt already has a running watchdog or is closed.
func (w *Watchdog) Start(parent context.Context, rt *session.Runtime) bool {
	ctx, cancel := context.WithCancel(parent)
	if !rt.StartWatchdog(cancel) {
		return false
	}
	go w.run(ctx, rt)
	return true
}

func (w *Watchdog) run(ctx context.Context, rt *session.Runtime) {
	defer rt.WatchdogStopped()
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Int64("session", rt.ID).Msg("watchdog crashed")
		}
	}()

	ticker := time.NewTicker(w.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !w.tick(ctx, rt) {
			return
		}
	}
}

// tick runs one watchdog step and reports whether the task should continue.
func (w *Watchdog) tick(ctx context.Context, rt *session.Runtime) bool {
	if rt.Closed() || !w.owner.Owns(rt.ID, rt.UserA, rt.UserB) {
		w.log.Debug().Int64("session", rt.ID).Msg("session no longer registered, stopping")
		return false
	}

	remaining := rt.Remaining(w.now())
	if remaining <= 0 {
		w.log.Info().Int64("session", rt.ID).Msg("inactivity deadline reached")
		return !w.expire(context.WithoutCancel(ctx), rt)
	}

	if remaining <= w.thresholdSeconds() && !rt.Warned() {
		w.warn(ctx, rt, remaining)
	}
	return true
}

func (w *Watchdog) thresholdSeconds() int {
	return int(w.threshold() / time.Second)
}

func (w *Watchdog) warn(ctx context.Context, rt *session.Runtime, remaining int) {
	if !rt.BeginWarning(remaining) {
		return
	}
	metrics.WarningsTotal.Inc()

	for _, u := range rt.Users() {
		handle := w.notifier.Notify(ctx, u, notify.Notice{
			Kind:      notify.KindInactivityWarning,
			Text:      WarningText(remaining),
			SessionID: rt.ID,
			Remaining: remaining,
		})
		if !rt.SetNotice(u, handle) && handle != "" {
			// Torn down while the warning went out.
			w.notifier.RetractNotice(ctx, u, handle)
		}
	}

	cctx, cancel := context.WithCancel(ctx)
	rt.SetCountdown(cancel)
	go w.countdown(cctx, rt)
}
