// Package recency keeps the directional cooldown rows that stop two users
// from being paired again right after one of them skipped the other.
//
// A user's own rows lose one round each time that user enters a new session,
// so each side's cooldown runs on its own match cadence.
package recency

import (
	"context"
	"fmt"

	"github.com/whisper/pairchat/internal/database"
)

// DefaultRounds is the block length recorded on separation.
const DefaultRounds = 2

// Row is one directional block.
type Row struct {
	UserID     int64 `json:"user_id"`
	PartnerID  int64 `json:"partner_id"`
	RoundsLeft int   `json:"rounds_left"`
}

// Decay takes one round off every row owned by userID. Rows on their last
// round are deleted rather than stored at zero.
func Decay(ctx context.Context, q database.Execer, userID int64) error {
	if _, err := q.ExecContext(ctx,
		`DELETE FROM recent_partners WHERE user_id = $1 AND rounds_left <= 1`,
		userID,
	); err != nil {
		return fmt.Errorf("recency: prune %d: %w", userID, err)
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE recent_partners SET rounds_left = rounds_left - 1 WHERE user_id = $1`,
		userID,
	); err != nil {
		return fmt.Errorf("recency: decay %d: %w", userID, err)
	}
	return nil
}

// Record blocks a and b from each other for rounds matches on each side,
// replacing any existing rows. rounds <= 0 records nothing.
func Record(ctx context.Context, q database.Execer, a, b int64, rounds int) error {
	if rounds <= 0 {
		return nil
	}
	const query = `
		INSERT INTO recent_partners (user_id, partner_id, rounds_left)
		VALUES ($1, $2, $3), ($2, $1, $3)
		ON CONFLICT (user_id, partner_id) DO UPDATE SET rounds_left = EXCLUDED.rounds_left`
	if _, err := q.ExecContext(ctx, query, a, b, rounds); err != nil {
		return fmt.Errorf("recency: record %d/%d: %w", a, b, err)
	}
	return nil
}

// Ledger serves reads of recent_partners outside of a transaction.
type Ledger struct {
	db database.Execer
}

// NewLedger creates a ledger over db.
func NewLedger(db database.Execer) *Ledger {
	return &Ledger{db: db}
}

// Blocked returns every partner userID is blocked with, in either direction.
func (l *Ledger) Blocked(ctx context.Context, userID int64) (map[int64]bool, error) {
	const query = `
		SELECT partner_id FROM recent_partners WHERE user_id = $1 AND rounds_left > 0
		UNION
		SELECT user_id FROM recent_partners WHERE partner_id = $1 AND rounds_left > 0`

	rows, err := l.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("recency: blocked %d: %w", userID, err)
	}
	defer rows.Close()

	blocked := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("recency: scan: %w", err)
		}
		blocked[id] = true
	}
	return blocked, rows.Err()
}

// Rows lists the rows owned by or pointing at userID.
func (l *Ledger) Rows(ctx context.Context, userID int64) ([]Row, error) {
	const query = `
		SELECT user_id, partner_id, rounds_left FROM recent_partners
		WHERE user_id = $1 OR partner_id = $1
		ORDER BY user_id, partner_id`

	rows, err := l.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("recency: rows %d: %w", userID, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.UserID, &r.PartnerID, &r.RoundsLeft); err != nil {
			return nil, fmt.Errorf("recency: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
