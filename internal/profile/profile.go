// Package profile holds user preferences and the public profile card shown
// to a partner after a mutual reveal.
package profile

import (
	"fmt"
	"strings"
)

// Gender is the user's own gender.
type Gender string

// Seeking is the gender a user wants to be paired with.
type Seeking string

const (
	Male   Gender = "male"
	Female Gender = "female"

	SeekMales   Seeking = "males"
	SeekFemales Seeking = "females"
	SeekAny     Seeking = "any"
)

// Valid reports whether g is a known gender.
func (g Gender) Valid() bool { return g == Male || g == Female }

// Valid reports whether s is a known seeking value.
func (s Seeking) Valid() bool { return s == SeekMales || s == SeekFemales || s == SeekAny }

// Accepts reports whether someone seeking s would take a partner of gender g.
func (s Seeking) Accepts(g Gender) bool {
	switch s {
	case SeekAny:
		return true
	case SeekMales:
		return g == Male
	case SeekFemales:
		return g == Female
	}
	return false
}

// Preference is a user's gender and what they are looking for.
type Preference struct {
	Gender  Gender  `json:"gender"`
	Seeking Seeking `json:"seeking"`
}

// Valid reports whether both halves are set to known values.
func (p Preference) Valid() bool { return p.Gender.Valid() && p.Seeking.Valid() }

// Snapshot is the public profile handed to the peer on mutual reveal.
type Snapshot struct {
	UserID    int64    `json:"user_id"`
	FirstName string   `json:"first_name" validate:"max=64"`
	LastName  string   `json:"last_name" validate:"max=64"`
	Faculty   string   `json:"faculty" validate:"max=128"`
	Age       int      `json:"age,omitempty" validate:"omitempty,min=14,max=120"`
	About     string   `json:"about" validate:"max=1000"`
	Username  string   `json:"username,omitempty" validate:"max=64"`
	Photos    []string `json:"photos,omitempty" validate:"max=10,dive,max=256"`
}

// Card renders the snapshot as a short text card: name and age, faculty,
// the first line of the about text, the rest of it, and the username.
func (s *Snapshot) Card() string {
	var b strings.Builder

	name := strings.TrimSpace(s.FirstName + " " + s.LastName)
	if name == "" {
		name = "Anonymous"
	}
	b.WriteString(name)
	if s.Age > 0 {
		fmt.Fprintf(&b, ", %d", s.Age)
	}
	if s.Faculty != "" {
		b.WriteString("\n")
		b.WriteString(s.Faculty)
	}

	about := strings.TrimSpace(s.About)
	if about != "" {
		first, rest, _ := strings.Cut(about, "\n")
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(first))
		if rest = strings.TrimSpace(rest); rest != "" {
			b.WriteString("\n")
			b.WriteString(rest)
		}
	}

	if s.Username != "" {
		b.WriteString("\n\n@")
		b.WriteString(strings.TrimPrefix(s.Username, "@"))
	}
	return b.String()
}
