// Package engine is the matching and session-lifecycle core. It pairs
// queued users, owns the live session runtimes and their watchdogs, relays
// chat traffic with its in-chat commands, and runs the reveal handshake.
//
// Every outward operation reports user-visible rejections through the
// notifier and also returns them as sentinel errors, so transports can log
// them at debug level and move on.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/pairchat/internal/chat"
	"github.com/whisper/pairchat/internal/logging"
	"github.com/whisper/pairchat/internal/matching"
	"github.com/whisper/pairchat/internal/notify"
	"github.com/whisper/pairchat/internal/profile"
	"github.com/whisper/pairchat/internal/session"
	"github.com/whisper/pairchat/internal/settings"
	"github.com/whisper/pairchat/internal/watchdog"
)

var (
	ErrNoActiveSession  = errors.New("engine: no active session")
	ErrAlreadyInSession = errors.New("engine: already in an active session")
	ErrAlreadyQueued    = errors.New("engine: already searching")
	ErrNoPreference     = errors.New("engine: preference not set")
	ErrAdminAccount     = errors.New("engine: admin accounts cannot search")
	ErrBanned           = errors.New("engine: user is banned from searching")
	ErrSearchOnly       = errors.New("engine: only cancel is available while searching")
)

// DefaultStaleAfter is the age after which a persisted active session with
// no live runtime is considered abandoned.
const DefaultStaleAfter = 24 * time.Hour

// Queue is the waiting queue as the engine uses it.
type Queue interface {
	matching.Lister
	Enqueue(ctx context.Context, userID int64, pref profile.Preference) error
	Dequeue(ctx context.Context, userID int64) error
	IsQueued(ctx context.Context, userID int64) (bool, error)
	Size(ctx context.Context) (int64, error)
	Claim(ctx context.Context, a, b int64) (bool, error)
	Restore(ctx context.Context, entries ...matching.Entry) error
}

// Sessions is the persisted session table.
type Sessions interface {
	Create(ctx context.Context, a, b int64) (*session.Session, error)
	ActiveFor(ctx context.Context, userID int64) (*session.Session, error)
	End(ctx context.Context, id int64, reason string, blockRounds int) (bool, error)
	MarkReveal(ctx context.Context, id, userID int64) (session.RevealState, error)
	DeactivateStale(ctx context.Context, olderThan time.Duration, keep func(id int64) bool) (int, error)
}

// Profiles is the preference store collaborator.
type Profiles interface {
	GetPreference(ctx context.Context, userID int64) (*profile.Preference, error)
	IsProfileComplete(ctx context.Context, userID int64) (bool, error)
	GetProfileSnapshot(ctx context.Context, userID int64) (*profile.Snapshot, error)
	IsAdmin(ctx context.Context, userID int64) (bool, error)
}

// Bans gates searching for users with too many complaints.
type Bans interface {
	IsBanned(ctx context.Context, userID int64) (bool, time.Duration, string, error)
	RecordComplaint(ctx context.Context, userID int64) (bool, time.Duration, error)
}

// Feedback stores post-chat ratings and complaints.
type Feedback interface {
	Rate(ctx context.Context, sessionID, from int64, stars int) (bool, error)
	Complain(ctx context.Context, sessionID, from int64, text string, messages []chat.BufferedMessage) (int64, error)
	AverageRating(ctx context.Context, userID int64) (float64, int, error)
}

// Settings supplies the current runtime-tunable values.
type Settings interface {
	Current() settings.Values
}

// Deps are the engine's collaborators. Bans and Feedback are optional.
type Deps struct {
	Queue    Queue
	Blocks   matching.Blocklist
	Sessions Sessions
	Profiles Profiles
	Bans     Bans
	Feedback Feedback
	Settings Settings
	Notifier notify.Notifier
}

// Config holds engine tuning that is fixed for the process lifetime.
type Config struct {
	Watchdog   watchdog.Config
	StaleAfter time.Duration
}

// DefaultConfig returns a one-second watchdog tick and a 24h stale cutoff.
func DefaultConfig() Config {
	return Config{Watchdog: watchdog.DefaultConfig(), StaleAfter: DefaultStaleAfter}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces time.Now for the engine and its watchdog.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the pairing core.
type Engine struct {
	queue    Queue
	matcher  *matching.Matcher
	sessions Sessions
	profiles Profiles
	bans     Bans
	feedback Feedback
	settings Settings
	notifier notify.Notifier

	registry *session.Registry
	watchdog *watchdog.Watchdog
	buffer   *chat.MessageBuffer

	cfg    Config
	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
}

// New wires an engine. Close stops every watchdog it started.
func New(cfg Config, deps Deps, opts ...Option) *Engine {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		queue:    deps.Queue,
		matcher:  matching.NewMatcher(deps.Queue, deps.Blocks),
		sessions: deps.Sessions,
		profiles: deps.Profiles,
		bans:     deps.Bans,
		feedback: deps.Feedback,
		settings: deps.Settings,
		notifier: deps.Notifier,
		registry: session.NewRegistry(),
		buffer:   chat.NewMessageBuffer(),
		cfg:      cfg,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		log:      logging.Component("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.watchdog = watchdog.New(cfg.Watchdog, e.registry, e.notifier,
		func() time.Duration { return e.settings.Current().Warning() },
		e.expire,
		watchdog.WithClock(e.now),
	)
	return e
}

// Close stops all watchdog and countdown goroutines. Persisted sessions stay
// active and are picked up again after a restart.
func (e *Engine) Close() {
	e.cancel()
}

// Registry exposes the live session index for inspection.
func (e *Engine) Registry() *session.Registry { return e.registry }

func (e *Engine) notice(ctx context.Context, userID int64, kind, text string) string {
	return e.notifier.Notify(ctx, userID, notify.Notice{Kind: kind, Text: text})
}

func (e *Engine) reject(ctx context.Context, userID int64, text string, err error) error {
	e.notice(ctx, userID, notify.KindRejected, text)
	return err
}

// materialize returns the live runtime userID participates in, rebuilding
// it from the persisted row when missing. It returns nil when the user has
// no active session.
func (e *Engine) materialize(ctx context.Context, userID int64) (*session.Runtime, error) {
	if rt := e.registry.Lookup(userID); rt != nil {
		e.ensureWatchdog(rt)
		return rt, nil
	}

	sess, err := e.sessions.ActiveFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}

	rt := session.NewRuntime(sess, e.now().Add(e.settings.Current().Window()))
	if bound := e.registry.Bind(rt); bound != rt {
		rt = bound
	} else {
		e.trackActive()
		e.log.Info().Int64("session", sess.ID).Int64("user", userID).Msg("runtime rebuilt from persisted session")
	}
	e.ensureWatchdog(rt)
	return rt, nil
}

func (e *Engine) ensureWatchdog(rt *session.Runtime) {
	if rt.Closed() || rt.WatchdogRunning() {
		return
	}
	e.watchdog.Start(e.ctx, rt)
}

// acquire materializes userID's runtime and takes its session lock. A
// runtime torn down while waiting for the lock is retried once, which
// observes the teardown. The caller must Unlock a non-nil result.
func (e *Engine) acquire(ctx context.Context, userID int64) (*session.Runtime, error) {
	for attempt := 0; attempt < 2; attempt++ {
		rt, err := e.materialize(ctx, userID)
		if err != nil || rt == nil {
			return nil, err
		}
		rt.Lock()
		if !rt.Closed() {
			return rt, nil
		}
		rt.Unlock()
	}
	return nil, nil
}

// IsInActiveSession reports whether userID is paired right now.
func (e *Engine) IsInActiveSession(ctx context.Context, userID int64) (bool, error) {
	if e.registry.Lookup(userID) != nil {
		return true, nil
	}
	sess, err := e.sessions.ActiveFor(ctx, userID)
	if err != nil {
		return false, err
	}
	return sess != nil, nil
}

// GetCurrentPeer returns userID's partner, or 0 when idle.
func (e *Engine) GetCurrentPeer(ctx context.Context, userID int64) (int64, error) {
	if rt := e.registry.Lookup(userID); rt != nil {
		return rt.Peer(userID), nil
	}
	sess, err := e.sessions.ActiveFor(ctx, userID)
	if err != nil || sess == nil {
		return 0, err
	}
	return sess.Peer(userID), nil
}

// LiveSession describes a runtime for inspection.
type LiveSession struct {
	ID        int64     `json:"id"`
	UserA     int64     `json:"user_a"`
	UserB     int64     `json:"user_b"`
	StartedAt time.Time `json:"started_at"`
	Remaining int       `json:"remaining_seconds"`
	Warned    bool      `json:"warned"`
}

// LiveSessions lists the runtimes this process is serving.
func (e *Engine) LiveSessions() []LiveSession {
	now := e.now()
	all := e.registry.All()
	out := make([]LiveSession, 0, len(all))
	for _, rt := range all {
		out = append(out, LiveSession{
			ID:        rt.ID,
			UserA:     rt.UserA,
			UserB:     rt.UserB,
			StartedAt: rt.StartedAt,
			Remaining: rt.Remaining(now),
			Warned:    rt.Warned(),
		})
	}
	return out
}
