// Package settings stores the runtime-tunable engine values in PostgreSQL
// and notifies listeners when an administrator changes them.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/pairchat/internal/logging"
)

// Setting keys.
const (
	KeyInactivitySeconds = "inactivity_seconds"
	KeyWarningSeconds    = "warning_seconds"
	KeyBlockRounds       = "block_rounds"
)

var (
	// ErrUnknownKey is returned by Set for keys other than the ones above.
	ErrUnknownKey = errors.New("settings: unknown key")

	// ErrInvalidValue is returned by Set when the value fails validation.
	ErrInvalidValue = errors.New("settings: invalid value")
)

// Values is an immutable snapshot of the current settings.
type Values struct {
	InactivitySeconds int `json:"inactivity_seconds"`
	WarningSeconds    int `json:"warning_seconds"`
	BlockRounds       int `json:"block_rounds"`
}

// Window returns the inactivity window.
func (v Values) Window() time.Duration { return time.Duration(v.InactivitySeconds) * time.Second }

// Warning returns the warning threshold. A threshold that does not fit the
// window is cut to one second below it, so the warning still comes before
// the end.
func (v Values) Warning() time.Duration {
	if v.WarningSeconds >= v.InactivitySeconds {
		return v.Window() - time.Second
	}
	return time.Duration(v.WarningSeconds) * time.Second
}

// Known reports whether key names a setting.
func Known(key string) bool {
	switch key {
	case KeyInactivitySeconds, KeyWarningSeconds, KeyBlockRounds:
		return true
	}
	return false
}

// with checks n against the bounds of key alone, so the result never depends
// on the order in which keys are applied.
func (v Values) with(key string, n int) (Values, error) {
	switch key {
	case KeyInactivitySeconds:
		if n < 5 {
			return v, fmt.Errorf("%w: %s must be at least 5", ErrInvalidValue, key)
		}
		v.InactivitySeconds = n
	case KeyWarningSeconds:
		if n < 1 {
			return v, fmt.Errorf("%w: %s must be at least 1", ErrInvalidValue, key)
		}
		v.WarningSeconds = n
	case KeyBlockRounds:
		if n < 0 {
			return v, fmt.Errorf("%w: %s must not be negative", ErrInvalidValue, key)
		}
		v.BlockRounds = n
	default:
		return v, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return v, nil
}

// Store caches the settings table over a set of defaults.
type Store struct {
	db  *sql.DB
	log zerolog.Logger

	mu        sync.RWMutex
	current   Values
	listeners []func(old, updated Values)
}

// NewStore creates a store seeded with defaults. Call Load to merge the
// persisted rows.
func NewStore(db *sql.DB, defaults Values) *Store {
	return &Store{
		db:      db,
		log:     logging.Component("settings"),
		current: defaults,
	}
}

// Load merges persisted rows over the defaults. Unknown keys and invalid
// values are logged and skipped.
func (s *Store) Load(ctx context.Context) (Values, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return Values{}, fmt.Errorf("settings: load: %w", err)
	}
	defer rows.Close()

	stored := make(map[string]string)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return Values{}, fmt.Errorf("settings: scan: %w", err)
		}
		stored[key] = raw
	}
	if err := rows.Err(); err != nil {
		return Values{}, fmt.Errorf("settings: load: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.current
	for key, raw := range stored {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.log.Warn().Str("key", key).Str("value", raw).Msg("ignoring non-numeric setting")
			continue
		}
		next, err := v.with(key, n)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("ignoring setting")
			continue
		}
		v = next
	}
	if v.WarningSeconds >= v.InactivitySeconds {
		s.log.Warn().Int("warning_seconds", v.WarningSeconds).Int("inactivity_seconds", v.InactivitySeconds).
			Msg("warning does not fit the window, warning one second before the end")
	}

	s.current = v
	return v, nil
}

// Current returns the cached values.
func (s *Store) Current() Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// OnChange registers fn to run after every successful Set.
func (s *Store) OnChange(fn func(old, updated Values)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Set validates and persists one setting, then notifies listeners.
func (s *Store) Set(ctx context.Context, key, raw string) (Values, error) {
	if !Known(key) {
		return Values{}, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return Values{}, fmt.Errorf("%w: %q is not a number", ErrInvalidValue, raw)
	}

	s.mu.Lock()
	old := s.current
	updated, err := old.with(key, n)
	if err != nil {
		s.mu.Unlock()
		return Values{}, err
	}

	const query = `
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`
	if _, err := s.db.ExecContext(ctx, query, key, strconv.Itoa(n)); err != nil {
		s.mu.Unlock()
		return Values{}, fmt.Errorf("settings: set %s: %w", key, err)
	}
	s.current = updated
	listeners := append([]func(old, updated Values){}, s.listeners...)
	s.mu.Unlock()

	s.log.Info().Str("key", key).Int("value", n).Dur("warning", updated.Warning()).Msg("setting changed")
	for _, fn := range listeners {
		fn(old, updated)
	}
	return updated, nil
}
