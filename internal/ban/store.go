// Package ban keeps complaint-driven search bans in Redis. Ban records are
// plain keys whose TTL is the ban duration:
//
//	pair:ban:<user>        -> reason           (TTL: ban duration)
//	pair:complaints:<user> -> complaint count  (TTL: ComplaintWindow)
//	pair:offenses:<user>   -> ban count        (TTL: OffenseMemory)
package ban

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BanPrefix        = "pair:ban:"
	ComplaintsPrefix = "pair:complaints:"
	OffensesPrefix   = "pair:offenses:"

	// Escalating ban durations.
	Ban15Min  = 15 * time.Minute // 1st ban
	Ban1Hour  = 1 * time.Hour    // 2nd ban
	Ban24Hour = 24 * time.Hour   // 3rd+ ban

	// ComplaintWindow is how long the complaint counter lives. The window is
	// fixed from the first complaint, it does not slide.
	ComplaintWindow = 24 * time.Hour

	// OffenseMemory is how long earlier bans count towards escalation.
	OffenseMemory = 7 * 24 * time.Hour

	// AutoBanThreshold is the number of complaints within ComplaintWindow
	// that triggers a ban.
	AutoBanThreshold = 3

	ReasonComplaints = "complaints"
)

// Store manages ban records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func key(prefix string, user int64) string {
	return prefix + strconv.FormatInt(user, 10)
}

// IsBanned reports whether the user is currently banned, together with the
// time left and the recorded reason. Redis errors are returned so callers can
// decide how to handle them; the engine fails open.
func (s *Store) IsBanned(ctx context.Context, user int64) (bool, time.Duration, string, error) {
	k := key(BanPrefix, user)

	reason, err := s.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", fmt.Errorf("ban: get: %w", err)
	}

	ttl, err := s.client.TTL(ctx, k).Result()
	if err != nil {
		// The ban exists even if the TTL is unreadable.
		return true, 0, reason, nil
	}
	if ttl < 0 {
		ttl = 0
	}
	return true, ttl, reason, nil
}

// Ban bans a user for the given duration.
func (s *Store) Ban(ctx context.Context, user int64, duration time.Duration, reason string) error {
	if err := s.client.Set(ctx, key(BanPrefix, user), reason, duration).Err(); err != nil {
		return fmt.Errorf("ban: set: %w", err)
	}
	return nil
}

// Unban lifts a ban immediately.
func (s *Store) Unban(ctx context.Context, user int64) error {
	if err := s.client.Del(ctx, key(BanPrefix, user)).Err(); err != nil {
		return fmt.Errorf("ban: del: %w", err)
	}
	return nil
}

func escalationDuration(offenseCount int) time.Duration {
	switch {
	case offenseCount <= 1:
		return Ban15Min
	case offenseCount == 2:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// incrWindow increments a counter and sets its TTL on first increment only.
func (s *Store) incrWindow(ctx context.Context, k string, ttl time.Duration) (int64, error) {
	count, err := s.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := s.client.Expire(ctx, k, ttl).Err(); err != nil {
			return 0, err
		}
	}
	return count, nil
}

// OffenseCount returns how many bans the user collected within OffenseMemory.
func (s *Store) OffenseCount(ctx context.Context, user int64) (int, error) {
	val, err := s.client.Get(ctx, key(OffensesPrefix, user)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ban: offense count: %w", err)
	}
	return val, nil
}

// Escalate bumps the offense counter and applies a ban whose duration grows
// with it: 15 minutes, then 1 hour, then 24 hours.
func (s *Store) Escalate(ctx context.Context, user int64, reason string) (time.Duration, error) {
	count, err := s.incrWindow(ctx, key(OffensesPrefix, user), OffenseMemory)
	if err != nil {
		return 0, fmt.Errorf("ban: escalate: %w", err)
	}

	duration := escalationDuration(int(count))
	if err := s.Ban(ctx, user, duration, reason); err != nil {
		return 0, err
	}
	return duration, nil
}

// RecordComplaint counts a complaint against the user. The complaint that
// reaches AutoBanThreshold within ComplaintWindow resets the counter and
// escalates to a ban. It returns whether a ban was applied and its length.
func (s *Store) RecordComplaint(ctx context.Context, user int64) (bool, time.Duration, error) {
	k := key(ComplaintsPrefix, user)

	count, err := s.incrWindow(ctx, k, ComplaintWindow)
	if err != nil {
		return false, 0, fmt.Errorf("ban: record complaint: %w", err)
	}
	if count < AutoBanThreshold {
		return false, 0, nil
	}

	if err := s.client.Del(ctx, k).Err(); err != nil {
		return false, 0, fmt.Errorf("ban: reset complaints: %w", err)
	}
	duration, err := s.Escalate(ctx, user, ReasonComplaints)
	if err != nil {
		return false, 0, err
	}
	return true, duration, nil
}
