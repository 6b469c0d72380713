package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store reads and writes the users table.
type Store struct {
	db *sql.DB
}

// NewStore creates a profile store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureUser inserts a bare user row if none exists.
func (s *Store) EnsureUser(ctx context.Context, userID int64) error {
	const query = `INSERT INTO users (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("profile: ensure user: %w", err)
	}
	return nil
}

// GetPreference returns the stored preference, or nil when either half is unset.
func (s *Store) GetPreference(ctx context.Context, userID int64) (*Preference, error) {
	const query = `SELECT gender, seeking FROM users WHERE user_id = $1`

	var gender, seeking sql.NullString
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&gender, &seeking)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("profile: get preference: %w", err)
	}

	p := Preference{Gender: Gender(gender.String), Seeking: Seeking(seeking.String)}
	if !p.Valid() {
		return nil, nil
	}
	return &p, nil
}

// SetPreference stores gender and seeking, creating the user if needed.
func (s *Store) SetPreference(ctx context.Context, userID int64, p Preference) error {
	if !p.Valid() {
		return fmt.Errorf("profile: invalid preference %q/%q", p.Gender, p.Seeking)
	}
	const query = `
		INSERT INTO users (user_id, gender, seeking) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET gender = EXCLUDED.gender, seeking = EXCLUDED.seeking`
	if _, err := s.db.ExecContext(ctx, query, userID, string(p.Gender), string(p.Seeking)); err != nil {
		return fmt.Errorf("profile: set preference: %w", err)
	}
	return nil
}

// IsProfileComplete reports the reveal_ready flag. Unknown users are not ready.
func (s *Store) IsProfileComplete(ctx context.Context, userID int64) (bool, error) {
	const query = `SELECT reveal_ready FROM users WHERE user_id = $1`

	var ready bool
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&ready)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("profile: is complete: %w", err)
	}
	return ready, nil
}

// IsAdmin reports whether the user carries the admin role.
func (s *Store) IsAdmin(ctx context.Context, userID int64) (bool, error) {
	const query = `SELECT role = 'admin' FROM users WHERE user_id = $1`

	var admin bool
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&admin)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("profile: is admin: %w", err)
	}
	return admin, nil
}

// GetProfileSnapshot returns the public profile, or nil for unknown users.
func (s *Store) GetProfileSnapshot(ctx context.Context, userID int64) (*Snapshot, error) {
	const query = `
		SELECT first_name, last_name, faculty, COALESCE(age, 0), about, username, photos
		FROM users WHERE user_id = $1`

	snap := Snapshot{UserID: userID}
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&snap.FirstName,
		&snap.LastName,
		&snap.Faculty,
		&snap.Age,
		&snap.About,
		&snap.Username,
		pq.Array(&snap.Photos),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("profile: get snapshot: %w", err)
	}
	return &snap, nil
}

// SaveProfile updates the non-empty fields of snap and marks the profile
// ready for reveal.
func (s *Store) SaveProfile(ctx context.Context, snap Snapshot) error {
	b := psq.Update("users").
		Set("reveal_ready", true).
		Where(sq.Eq{"user_id": snap.UserID})

	if v := strings.TrimSpace(snap.FirstName); v != "" {
		b = b.Set("first_name", v)
	}
	if v := strings.TrimSpace(snap.LastName); v != "" {
		b = b.Set("last_name", v)
	}
	if v := strings.TrimSpace(snap.Faculty); v != "" {
		b = b.Set("faculty", v)
	}
	if snap.Age > 0 {
		b = b.Set("age", snap.Age)
	}
	if v := strings.TrimSpace(snap.About); v != "" {
		b = b.Set("about", v)
	}
	if v := strings.TrimPrefix(strings.TrimSpace(snap.Username), "@"); v != "" {
		b = b.Set("username", v)
	}
	if len(snap.Photos) > 0 {
		b = b.Set("photos", pq.Array(snap.Photos))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("profile: build update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("profile: save: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("profile: save: user %d not found", snap.UserID)
	}
	return nil
}

// GetPoints returns the user's point balance.
func (s *Store) GetPoints(ctx context.Context, userID int64) (int, error) {
	const query = `SELECT points FROM users WHERE user_id = $1`

	var points int
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&points)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("profile: get points: %w", err)
	}
	return points, nil
}

// AdjustPoints adds delta (possibly negative) to the balance and returns the
// new value.
func (s *Store) AdjustPoints(ctx context.Context, userID int64, delta int) (int, error) {
	const query = `UPDATE users SET points = points + $2 WHERE user_id = $1 RETURNING points`

	var points int
	err := s.db.QueryRowContext(ctx, query, userID, delta).Scan(&points)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("profile: adjust points: user %d not found", userID)
	}
	if err != nil {
		return 0, fmt.Errorf("profile: adjust points: %w", err)
	}
	return points, nil
}
