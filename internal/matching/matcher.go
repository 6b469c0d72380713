// Package matching holds the waiting queue and the FIFO matcher that picks
// the oldest compatible, non-blocked partner for a queued user.
package matching

import (
	"context"
	"fmt"
)

// Lister is the read side of the waiting queue used by the Matcher.
type Lister interface {
	Entry(ctx context.Context, userID int64) (*Entry, error)
	Entries(ctx context.Context) ([]Entry, error)
}

// Blocklist reports partners a user must not be paired with right now.
// A partner blocked in either direction is included.
type Blocklist interface {
	Blocked(ctx context.Context, userID int64) (map[int64]bool, error)
}

// Matcher selects candidates from the waiting queue.
type Matcher struct {
	queue  Lister
	blocks Blocklist
}

// NewMatcher creates a matcher over the given queue and recency blocklist.
func NewMatcher(queue Lister, blocks Blocklist) *Matcher {
	return &Matcher{queue: queue, blocks: blocks}
}

// FindCandidate returns the oldest queued entry compatible with userID and
// not under a recency block with them, or nil when nobody fits or userID is
// not queued itself. The returned pair is not claimed.
func (m *Matcher) FindCandidate(ctx context.Context, userID int64) (requester, candidate *Entry, err error) {
	self, err := m.queue.Entry(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if self == nil {
		return nil, nil, nil
	}

	entries, err := m.queue.Entries(ctx)
	if err != nil {
		return nil, nil, err
	}

	blocked, err := m.blocks.Blocked(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("matching: blocklist %d: %w", userID, err)
	}

	for i := range entries {
		cand := &entries[i]
		if cand.UserID == userID {
			continue
		}
		if !Compatible(self.Preference, cand.Preference) {
			continue
		}
		if blocked[cand.UserID] {
			continue
		}
		return self, cand, nil
	}
	return self, nil, nil
}
