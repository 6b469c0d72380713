// Package session manages two-party chat sessions. Store persists them in
// PostgreSQL as the source of truth; Runtime and Registry hold the in-memory
// deadline and watchdog state of the sessions this process is serving.
package session

import (
	"errors"
	"time"
)

// End reasons recorded on the matches row.
const (
	ReasonStop       = "stop"
	ReasonNext       = "next"
	ReasonInactivity = "inactivity"
	ReasonStale      = "stale"
)

var (
	// ErrUserBusy is returned by Create when either user already has an
	// active session.
	ErrUserBusy = errors.New("session: user already in an active session")

	// ErrNotParticipant is returned when a user acts on a session they are
	// not part of.
	ErrNotParticipant = errors.New("session: user is not a participant")

	// ErrNotFound is returned when the session row does not exist.
	ErrNotFound = errors.New("session: not found")
)

// Session is one persisted pairing.
type Session struct {
	ID        int64     `json:"id"`
	UserA     int64     `json:"user_a"`
	UserB     int64     `json:"user_b"`
	Active    bool      `json:"active"`
	RevealA   bool      `json:"reveal_a"`
	RevealB   bool      `json:"reveal_b"`
	StartedAt time.Time `json:"started_at"`
}

// Peer returns the other participant, or 0 if userID is not in the session.
func (s *Session) Peer(userID int64) int64 {
	switch userID {
	case s.UserA:
		return s.UserB
	case s.UserB:
		return s.UserA
	}
	return 0
}

// IsParticipant reports whether userID is one of the two users.
func (s *Session) IsParticipant(userID int64) bool {
	return userID == s.UserA || userID == s.UserB
}

// RevealState is the outcome of MarkReveal.
type RevealState struct {
	// AlreadyRequested is true when the requester's flag was set before
	// this call.
	AlreadyRequested bool
	Requester        bool
	Peer             bool
}

// Mutual reports whether both participants have opted in.
func (r RevealState) Mutual() bool { return r.Requester && r.Peer }
