package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/whisper/pairchat/internal/database"
	"github.com/whisper/pairchat/internal/recency"
)

const sessionColumns = `id, a_id, b_id, active, a_reveal, b_reveal, started_at`

// Store persists sessions in the matches table.
type Store struct {
	db *sql.DB
}

// NewStore creates a session store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func scanSession(row interface{ Scan(...interface{}) error }) (*Session, error) {
	var s Session
	if err := row.Scan(&s.ID, &s.UserA, &s.UserB, &s.Active, &s.RevealA, &s.RevealB, &s.StartedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

// Create pairs a and b in one transaction: both users are locked, checked
// for an existing active session, have their recency rows decayed, and the
// new row is inserted.
func (s *Store) Create(ctx context.Context, a, b int64) (*Session, error) {
	sess := &Session{UserA: a, UserB: b, Active: true}

	err := database.InTx(ctx, s.db, func(tx *sql.Tx) error {
		first, second := a, b
		if first > second {
			first, second = second, first
		}
		for _, id := range []int64{first, second} {
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, id); err != nil {
				return fmt.Errorf("session: lock %d: %w", id, err)
			}
		}

		var busy bool
		const busyQuery = `
			SELECT EXISTS (
				SELECT 1 FROM matches
				WHERE active AND (a_id IN ($1, $2) OR b_id IN ($1, $2))
			)`
		if err := tx.QueryRowContext(ctx, busyQuery, a, b).Scan(&busy); err != nil {
			return fmt.Errorf("session: check busy: %w", err)
		}
		if busy {
			return ErrUserBusy
		}

		if err := recency.Decay(ctx, tx, a); err != nil {
			return err
		}
		if err := recency.Decay(ctx, tx, b); err != nil {
			return err
		}

		const insert = `INSERT INTO matches (a_id, b_id) VALUES ($1, $2) RETURNING id, started_at`
		if err := tx.QueryRowContext(ctx, insert, a, b).Scan(&sess.ID, &sess.StartedAt); err != nil {
			return fmt.Errorf("session: insert: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns the session with the given id, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, id int64) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM matches WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: get %d: %w", id, err)
	}
	return sess, nil
}

// ActiveFor returns the user's newest active session, or nil.
func (s *Store) ActiveFor(ctx context.Context, userID int64) (*Session, error) {
	const query = `SELECT ` + sessionColumns + ` FROM matches
		WHERE active AND (a_id = $1 OR b_id = $1)
		ORDER BY id DESC LIMIT 1`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: active for %d: %w", userID, err)
	}
	return sess, nil
}

// End deactivates the session if it is still active. When blockRounds > 0
// the separation is recorded in the recency ledger in the same
// transaction. It reports whether this call performed the transition;
// ending an inactive session is a no-op.
func (s *Store) End(ctx context.Context, id int64, reason string, blockRounds int) (bool, error) {
	var ended bool
	err := database.InTx(ctx, s.db, func(tx *sql.Tx) error {
		const query = `
			UPDATE matches SET active = FALSE, ended_at = NOW(), end_reason = $2
			WHERE id = $1 AND active
			RETURNING a_id, b_id`

		var a, b int64
		err := tx.QueryRowContext(ctx, query, id, reason).Scan(&a, &b)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("session: end %d: %w", id, err)
		}
		ended = true
		return recency.Record(ctx, tx, a, b, blockRounds)
	})
	if err != nil {
		return false, err
	}
	return ended, nil
}

// MarkReveal sets userID's reveal flag under a row lock and returns both
// flags as they stand afterwards.
func (s *Store) MarkReveal(ctx context.Context, id, userID int64) (RevealState, error) {
	var state RevealState
	err := database.InTx(ctx, s.db, func(tx *sql.Tx) error {
		const query = `SELECT a_id, b_id, a_reveal, b_reveal FROM matches WHERE id = $1 FOR UPDATE`

		var a, b int64
		var revealA, revealB bool
		err := tx.QueryRowContext(ctx, query, id).Scan(&a, &b, &revealA, &revealB)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("session: lock reveal %d: %w", id, err)
		}

		var update string
		switch userID {
		case a:
			state = RevealState{AlreadyRequested: revealA, Requester: true, Peer: revealB}
			update = `UPDATE matches SET a_reveal = TRUE WHERE id = $1`
		case b:
			state = RevealState{AlreadyRequested: revealB, Requester: true, Peer: revealA}
			update = `UPDATE matches SET b_reveal = TRUE WHERE id = $1`
		default:
			return ErrNotParticipant
		}

		if state.AlreadyRequested {
			return nil
		}
		if _, err := tx.ExecContext(ctx, update, id); err != nil {
			return fmt.Errorf("session: set reveal %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return RevealState{}, err
	}
	return state, nil
}

// DeactivateStale ends active sessions started more than olderThan ago,
// skipping any for which keep returns true. It returns how many rows it
// ended.
func (s *Store) DeactivateStale(ctx context.Context, olderThan time.Duration, keep func(id int64) bool) (int, error) {
	const query = `SELECT id FROM matches WHERE active AND started_at < NOW() - ($1 * INTERVAL '1 second')`

	rows, err := s.db.QueryContext(ctx, query, int64(olderThan.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("session: list stale: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("session: scan stale: %w", err)
		}
		if keep != nil && keep(id) {
			continue
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("session: list stale: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	const update = `
		UPDATE matches SET active = FALSE, ended_at = NOW(), end_reason = $2
		WHERE id = ANY($1) AND active`
	res, err := s.db.ExecContext(ctx, update, pq.Array(ids), ReasonStale)
	if err != nil {
		return 0, fmt.Errorf("session: deactivate stale: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountActive returns the number of active rows.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM matches WHERE active`).Scan(&n); err != nil {
		return 0, fmt.Errorf("session: count active: %w", err)
	}
	return n, nil
}
