// Package feedback stores post-chat ratings and complaints. Complaints carry
// the last few relayed messages of the session for moderator review.
package feedback

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/whisper/pairchat/internal/chat"
)

var (
	ErrInvalidStars   = errors.New("feedback: stars must be between 1 and 5")
	ErrNotParticipant = errors.New("feedback: user was not in this session")
	ErrEmptyComplaint = errors.New("feedback: complaint text is empty")
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// DefaultComplaintLimit caps ListComplaints when the filter sets no limit.
const DefaultComplaintLimit = 50

// Store manages ratings and complaints in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Complaint is one stored complaint.
type Complaint struct {
	ID        int64                  `json:"id"`
	SessionID int64                  `json:"session_id"`
	From      int64                  `json:"from"`
	About     int64                  `json:"about"`
	Text      string                 `json:"text"`
	Messages  []chat.BufferedMessage `json:"messages,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// ComplaintFilter narrows ListComplaints. Zero fields are ignored.
type ComplaintFilter struct {
	About int64
	From  int64
	Since time.Time
	Limit uint64
}

// NewStore creates a feedback store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// peerOf returns the other participant of a session, or ErrNotParticipant
// when the session is unknown or user was not in it.
func (s *Store) peerOf(ctx context.Context, sessionID, user int64) (int64, error) {
	const query = `SELECT a_id, b_id FROM matches WHERE id = $1`

	var a, b int64
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&a, &b)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotParticipant
	}
	if err != nil {
		return 0, fmt.Errorf("feedback: lookup session: %w", err)
	}

	switch user {
	case a:
		return b, nil
	case b:
		return a, nil
	}
	return 0, ErrNotParticipant
}

// Rate records a 1-5 star rating of the peer. Only the first rating per
// (session, rater) is kept; recorded is false for a repeat.
func (s *Store) Rate(ctx context.Context, sessionID, from int64, stars int) (recorded bool, err error) {
	if stars < 1 || stars > 5 {
		return false, ErrInvalidStars
	}
	to, err := s.peerOf(ctx, sessionID, from)
	if err != nil {
		return false, err
	}

	const query = `
		INSERT INTO ratings (match_id, from_user, to_user, stars)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (match_id, from_user) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query, sessionID, from, to, stars)
	if err != nil {
		return false, fmt.Errorf("feedback: insert rating: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("feedback: insert rating: %w", err)
	}
	return n > 0, nil
}

// Complain stores a complaint about the peer along with a snapshot of the
// session's recent messages. It returns the user complained about.
func (s *Store) Complain(ctx context.Context, sessionID, from int64, text string, messages []chat.BufferedMessage) (int64, error) {
	if text == "" {
		return 0, ErrEmptyComplaint
	}
	about, err := s.peerOf(ctx, sessionID, from)
	if err != nil {
		return 0, err
	}

	var messagesJSON []byte
	if len(messages) > 0 {
		messagesJSON, err = json.Marshal(messages)
		if err != nil {
			return 0, fmt.Errorf("feedback: marshal messages: %w", err)
		}
	}

	const query = `
		INSERT INTO complaints (match_id, from_user, about_user, text, messages)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.db.ExecContext(ctx, query, sessionID, from, about, text, messagesJSON); err != nil {
		return 0, fmt.Errorf("feedback: insert complaint: %w", err)
	}
	return about, nil
}

// AverageRating returns the mean stars a user received and how many ratings
// it is based on. Users with no ratings get (0, 0).
func (s *Store) AverageRating(ctx context.Context, user int64) (float64, int, error) {
	const query = `SELECT COALESCE(AVG(stars), 0), COUNT(*) FROM ratings WHERE to_user = $1`

	var (
		avg   float64
		count int
	)
	if err := s.db.QueryRowContext(ctx, query, user).Scan(&avg, &count); err != nil {
		return 0, 0, fmt.Errorf("feedback: average rating: %w", err)
	}
	return avg, count, nil
}

// ListComplaints returns complaints newest first.
func (s *Store) ListComplaints(ctx context.Context, f ComplaintFilter) ([]Complaint, error) {
	limit := f.Limit
	if limit == 0 {
		limit = DefaultComplaintLimit
	}

	q := psq.Select("id", "match_id", "from_user", "about_user", "text", "messages", "created_at").
		From("complaints").
		OrderBy("created_at DESC", "id DESC").
		Limit(limit)
	if f.About != 0 {
		q = q.Where(sq.Eq{"about_user": f.About})
	}
	if f.From != 0 {
		q = q.Where(sq.Eq{"from_user": f.From})
	}
	if !f.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"created_at": f.Since})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("feedback: build list: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("feedback: list complaints: %w", err)
	}
	defer rows.Close()

	var out []Complaint
	for rows.Next() {
		var (
			c   Complaint
			raw []byte
		)
		if err := rows.Scan(&c.ID, &c.SessionID, &c.From, &c.About, &c.Text, &raw, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("feedback: scan complaint: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &c.Messages); err != nil {
				return nil, fmt.Errorf("feedback: decode messages of %d: %w", c.ID, err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
