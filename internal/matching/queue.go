package matching

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/pairchat/internal/profile"
)

const (
	// Redis key patterns for the waiting queue.
	keyQueue       = "pair:queue"        // Sorted set, score = position from keySeq
	keySeq         = "pair:queue:seq"    // Counter handing out queue positions
	keyEntryPrefix = "pair:queue:entry:" // + <user_id> -> Hash (gender, seeking, enqueued_at, pos)
)

// Entry is a user's snapshot in the waiting queue.
type Entry struct {
	UserID     int64
	Preference profile.Preference
	EnqueuedAt float64 // Unix timestamp in milliseconds
	// Position orders the queue. It grows strictly with every enqueue, so
	// users who join within the same millisecond keep their arrival order.
	Position float64
}

// Queue is the durable FIFO of users seeking a partner. Entries carry no TTL;
// they leave only through Dequeue or Claim.
type Queue struct {
	rdb           *redis.Client
	claimScript   *redis.Script
	enqueueScript *redis.Script
}

// NewQueue creates a waiting queue backed by Redis.
func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{
		rdb:           rdb,
		claimScript:   redis.NewScript(claimPairLua),
		enqueueScript: redis.NewScript(enqueueLua),
	}
}

func member(userID int64) string { return strconv.FormatInt(userID, 10) }

func entryKey(userID int64) string { return keyEntryPrefix + member(userID) }

// Enqueue upserts the user's entry. Re-enqueueing replaces the previous
// snapshot and moves the user to the back of the queue.
func (q *Queue) Enqueue(ctx context.Context, userID int64, pref profile.Preference) error {
	keys := []string{keyQueue, keySeq, entryKey(userID)}
	args := []interface{}{member(userID), string(pref.Gender), string(pref.Seeking), time.Now().UnixMilli()}
	if err := q.enqueueScript.Run(ctx, q.rdb, keys, args...).Err(); err != nil {
		return fmt.Errorf("matching: enqueue %d: %w", userID, err)
	}
	return nil
}

// Dequeue removes the user's entry. Missing entries are a no-op.
func (q *Queue) Dequeue(ctx context.Context, userID int64) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, keyQueue, member(userID))
	pipe.Del(ctx, entryKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("matching: dequeue %d: %w", userID, err)
	}
	return nil
}

// Entry returns the user's queue entry, or nil if they are not queued.
func (q *Queue) Entry(ctx context.Context, userID int64) (*Entry, error) {
	result, err := q.rdb.HGetAll(ctx, entryKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("matching: get entry %d: %w", userID, err)
	}
	if len(result) == 0 {
		return nil, nil
	}
	return parseEntry(userID, result), nil
}

func parseEntry(userID int64, h map[string]string) *Entry {
	enqueuedAt, _ := strconv.ParseFloat(h["enqueued_at"], 64)
	pos, _ := strconv.ParseFloat(h["pos"], 64)
	return &Entry{
		UserID: userID,
		Preference: profile.Preference{
			Gender:  profile.Gender(h["gender"]),
			Seeking: profile.Seeking(h["seeking"]),
		},
		EnqueuedAt: enqueuedAt,
		Position:   pos,
	}
}

// Entries returns every queued entry in arrival order, oldest first.
func (q *Queue) Entries(ctx context.Context) ([]Entry, error) {
	members, err := q.rdb.ZRange(ctx, keyQueue, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("matching: list queue: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := q.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.HGetAll(ctx, keyEntryPrefix+m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("matching: load entries: %w", err)
	}

	entries := make([]Entry, 0, len(members))
	for i, m := range members {
		h := cmds[i].Val()
		if len(h) == 0 {
			continue // claimed between ZRANGE and HGETALL
		}
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, *parseEntry(id, h))
	}
	return entries, nil
}

// IsQueued reports whether the user is currently waiting.
func (q *Queue) IsQueued(ctx context.Context, userID int64) (bool, error) {
	_, err := q.rdb.ZScore(ctx, keyQueue, member(userID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Size returns the number of waiting users.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, keyQueue).Result()
}

// Claim atomically removes both users from the queue. It reports false and
// changes nothing if either of them is no longer queued.
func (q *Queue) Claim(ctx context.Context, a, b int64) (bool, error) {
	keys := []string{keyQueue, entryKey(a), entryKey(b)}
	n, err := q.claimScript.Run(ctx, q.rdb, keys, member(a), member(b)).Int()
	if err != nil {
		return false, fmt.Errorf("matching: claim %d/%d: %w", a, b, err)
	}
	return n == 1, nil
}

// Restore puts previously claimed entries back at their original positions.
func (q *Queue) Restore(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := q.rdb.TxPipeline()
	for _, e := range entries {
		pipe.ZAdd(ctx, keyQueue, redis.Z{Score: e.Position, Member: member(e.UserID)})
		pipe.HSet(ctx, entryKey(e.UserID), map[string]interface{}{
			"gender":      string(e.Preference.Gender),
			"seeking":     string(e.Preference.Seeking),
			"enqueued_at": fmt.Sprintf("%.0f", e.EnqueuedAt),
			"pos":         fmt.Sprintf("%.0f", e.Position),
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("matching: restore: %w", err)
	}
	return nil
}

// enqueueLua takes the next queue position and writes the member and its
// entry hash in one step.
const enqueueLua = `
local pos = redis.call('INCR', KEYS[2])
redis.call('ZADD', KEYS[1], pos, ARGV[1])
redis.call('HSET', KEYS[3], 'gender', ARGV[2], 'seeking', ARGV[3], 'enqueued_at', ARGV[4], 'pos', pos)
return pos
`

// claimPairLua removes both queue members and their entry hashes only when
// both are still present.
const claimPairLua = `
local queue = KEYS[1]
if not redis.call('ZSCORE', queue, ARGV[1]) then return 0 end
if not redis.call('ZSCORE', queue, ARGV[2]) then return 0 end

redis.call('ZREM', queue, ARGV[1], ARGV[2])
redis.call('DEL', KEYS[2], KEYS[3])
return 1
`
