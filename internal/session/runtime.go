package session

import (
	"context"
	"math"
	"sync"
	"time"
)

// Runtime is the in-memory state of one active session: its inactivity
// deadline, warning state and the handles of its background tasks. It is
// rebuilt from the persisted row whenever it is missing.
//
// Lock/Unlock serialize control operations (stop, next, reveal, expiry) on
// the session. Field access uses a separate internal mutex so the watchdog
// can read the deadline while a control operation is in progress.
type Runtime struct {
	ID        int64
	UserA     int64
	UserB     int64
	StartedAt time.Time

	op sync.Mutex

	mu              sync.Mutex
	deadline        time.Time
	warned          bool
	lastShown       int
	notices         map[int64]string // user -> warning notice handle
	stopWatchdog    context.CancelFunc
	stopCountdown   context.CancelFunc
	watchdogRunning bool
	closed          bool
}

// NewRuntime creates runtime state for sess with the given deadline.
func NewRuntime(sess *Session, deadline time.Time) *Runtime {
	return &Runtime{
		ID:        sess.ID,
		UserA:     sess.UserA,
		UserB:     sess.UserB,
		StartedAt: sess.StartedAt,
		deadline:  deadline,
		lastShown: -1,
	}
}

// Lock takes the per-session operation lock.
func (r *Runtime) Lock() { r.op.Lock() }

// Unlock releases the per-session operation lock.
func (r *Runtime) Unlock() { r.op.Unlock() }

// Peer returns the other participant, or 0.
func (r *Runtime) Peer(userID int64) int64 {
	switch userID {
	case r.UserA:
		return r.UserB
	case r.UserB:
		return r.UserA
	}
	return 0
}

// Users returns both participants.
func (r *Runtime) Users() [2]int64 { return [2]int64{r.UserA, r.UserB} }

// Deadline returns the current inactivity deadline.
func (r *Runtime) Deadline() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deadline
}

// Remaining returns the whole seconds left before the deadline, rounded up.
func (r *Runtime) Remaining(now time.Time) int {
	return int(math.Ceil(r.Deadline().Sub(now).Seconds()))
}

// Touch moves the deadline to now+window and drops any in-flight warning.
// It returns the warning notice handles the caller should retract.
func (r *Runtime) Touch(now time.Time, window time.Duration) map[int64]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.deadline = now.Add(window)
	return r.clearWarningLocked()
}

// Extend sets the deadline to now+window, but never closer than minLeft.
// An in-flight warning is left for the countdown to reconcile.
func (r *Runtime) Extend(now time.Time, window, minLeft time.Duration) {
	if window < minLeft {
		window = minLeft
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.deadline = now.Add(window)
	}
}

// Warned reports whether a warning is in flight.
func (r *Runtime) Warned() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.warned
}

// BeginWarning marks the warning as in flight. It returns false if a warning
// is already in flight or the runtime is closed.
func (r *Runtime) BeginWarning(remaining int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.warned {
		return false
	}
	r.warned = true
	r.lastShown = remaining
	return true
}

// SetNotice stores the warning notice handle shown to userID. It returns
// false if the runtime was closed or the warning cleared in the meantime, in
// which case the caller owns the handle.
func (r *Runtime) SetNotice(userID int64, handle string) bool {
	if handle == "" {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || !r.warned {
		return false
	}
	if r.notices == nil {
		r.notices = make(map[int64]string, 2)
	}
	r.notices[userID] = handle
	return true
}

// Notices returns a copy of the warning notice handles.
func (r *Runtime) Notices() map[int64]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]string, len(r.notices))
	for k, v := range r.notices {
		out[k] = v
	}
	return out
}

// ShouldShow records remaining as the displayed value and reports whether
// it differs from what was shown before.
func (r *Runtime) ShouldShow(remaining int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || !r.warned || r.lastShown == remaining {
		return false
	}
	r.lastShown = remaining
	return true
}

// ClearWarning drops the in-flight warning and returns the handles to retract.
func (r *Runtime) ClearWarning() map[int64]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clearWarningLocked()
}

func (r *Runtime) clearWarningLocked() map[int64]string {
	if r.stopCountdown != nil {
		r.stopCountdown()
		r.stopCountdown = nil
	}
	notices := r.notices
	r.notices = nil
	r.warned = false
	r.lastShown = -1
	return notices
}

// StartWatchdog registers the watchdog cancel func. It returns false, and
// cancels the new watchdog, if one is already running or the runtime is
// closed.
func (r *Runtime) StartWatchdog(cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.watchdogRunning {
		cancel()
		return false
	}
	r.stopWatchdog = cancel
	r.watchdogRunning = true
	return true
}

// WatchdogStopped is called by the watchdog goroutine as it exits.
func (r *Runtime) WatchdogStopped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchdogRunning = false
	r.stopWatchdog = nil
}

// WatchdogRunning reports whether a watchdog goroutine is live.
func (r *Runtime) WatchdogRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watchdogRunning
}

// SetCountdown registers the countdown cancel func, replacing and cancelling
// any previous one. A closed runtime cancels it immediately.
func (r *Runtime) SetCountdown(cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		cancel()
		return
	}
	if r.stopCountdown != nil {
		r.stopCountdown()
	}
	r.stopCountdown = cancel
}

// Close cancels the watchdog and countdown and marks the runtime closed. It
// returns the warning notice handles still displayed and whether this call
// did the closing.
func (r *Runtime) Close() (map[int64]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false
	}
	r.closed = true
	if r.stopWatchdog != nil {
		r.stopWatchdog()
		r.stopWatchdog = nil
	}
	notices := r.clearWarningLocked()
	return notices, true
}

// Closed reports whether the runtime has been torn down.
func (r *Runtime) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
