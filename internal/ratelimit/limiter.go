// Package ratelimit throttles gateway traffic with Redis INCR + EXPIRE fixed
// windows: chat messages and searches per user, connections per IP.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/whisper/pairchat/internal/logging"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "pair:rl:msg:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleMessage allows 5 chat messages per 10 seconds per user.
	RuleMessage = Rule{Key: "pair:rl:msg:", Limit: 5, Window: 10 * time.Second}

	// RuleSearch allows 10 search requests per minute per user.
	RuleSearch = Rule{Key: "pair:rl:search:", Limit: 10, Window: 1 * time.Minute}

	// RuleConnect allows 5 WebSocket connections per minute per IP.
	RuleConnect = Rule{Key: "pair:rl:conn:", Limit: 5, Window: 1 * time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client, log: logging.Component("ratelimit")}
}

// Allow checks whether identifier is within rule. It increments the counter
// and sets the expiry on first access.
//
// On Redis errors it fails open (returns true) so that a Redis outage does not
// block legitimate traffic; the error is still returned for logging.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	k := rule.Key + identifier

	count, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		l.log.Warn().Err(err).Str("key", k).Msg("incr failed, failing open")
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, k, rule.Window).Err(); err != nil {
			l.log.Warn().Err(err).Str("key", k).Msg("expire failed, failing open")
			// A counter without TTL would throttle forever.
			l.client.Del(ctx, k)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// AllowUser is Allow keyed by user id.
func (l *Limiter) AllowUser(ctx context.Context, user int64, rule Rule) (bool, error) {
	return l.Allow(ctx, strconv.FormatInt(user, 10), rule)
}

// Remaining returns the number of requests identifier has left in the current
// window. Returns the full limit if the key does not exist yet or Redis fails.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	k := rule.Key + identifier

	count, err := l.client.Get(ctx, k).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		l.log.Warn().Err(err).Str("key", k).Msg("get failed, failing open")
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// RetryAfter returns how long until identifier's window resets, in whole
// seconds, or 0 when there is no active window.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) int {
	ttl, err := l.client.TTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl <= 0 {
		return 0
	}
	return int((ttl + time.Second - 1) / time.Second)
}
