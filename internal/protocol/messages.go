// Package protocol defines the JSON messages exchanged between clients and
// the gateway, and between the gateway and the pairing engine over NATS.
// Client frames use an envelope with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/whisper/pairchat/internal/profile"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Gateway message types.
const (
	TypeFind          = "find"
	TypeCancel        = "cancel"
	TypeMessage       = "message"
	TypeRate          = "rate"
	TypeComplain      = "complain"
	TypeSetPreference = "set_preference"
	TypeSaveProfile   = "save_profile"
	TypePing          = "ping"
)

// Gateway/Engine -> Client message types.
const (
	TypeConnected     = "connected"
	TypeNotice        = "notice"
	TypeNoticeEdit    = "notice_edit"
	TypeNoticeRetract = "notice_retract"
	TypeRateLimited   = "rate_limited"
	TypeError         = "error"
	TypePong          = "pong"
)

// Engine actions carried in ActionMsg.
const (
	ActionSearch        = "search"
	ActionCancel        = "cancel"
	ActionMessage       = "message"
	ActionRate          = "rate"
	ActionComplain      = "complain"
	ActionSetPreference = "set_preference"
	ActionSaveProfile   = "save_profile"
)

// Presence events carried in PresenceMsg.
const (
	PresenceConnect    = "connect"
	PresenceDisconnect = "disconnect"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Gateway message structs
// ---------------------------------------------------------------------------

// FindMsg asks to join the waiting queue with the stored preference.
type FindMsg struct {
	Type string `json:"type"`
}

// CancelMsg leaves the waiting queue.
type CancelMsg struct {
	Type string `json:"type"`
}

// ChatMsg is text for the current partner. The in-chat commands !stop,
// !next and !reveal travel as ordinary chat text.
type ChatMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// RateMsg rates the partner of a finished session.
type RateMsg struct {
	Type      string `json:"type"`
	SessionID int64  `json:"session_id"`
	Stars     int    `json:"stars"`
}

// ComplainMsg files a complaint about the partner of a session.
type ComplainMsg struct {
	Type      string `json:"type"`
	SessionID int64  `json:"session_id"`
	Text      string `json:"text"`
}

// SetPreferenceMsg stores the user's gender and who they are looking for.
type SetPreferenceMsg struct {
	Type    string          `json:"type"`
	Gender  profile.Gender  `json:"gender"`
	Seeking profile.Seeking `json:"seeking"`
}

// SaveProfileMsg stores the public profile used on mutual reveal.
type SaveProfileMsg struct {
	Type    string           `json:"type"`
	Profile profile.Snapshot `json:"profile"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg confirms the authenticated user id after the handshake.
type ConnectedMsg struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
}

// NoticeMsg is a user-visible notice from the engine. Handle identifies it
// for later edits or retraction.
type NoticeMsg struct {
	Type      string            `json:"type"`
	Handle    string            `json:"handle"`
	Kind      string            `json:"kind"`
	Text      string            `json:"text"`
	SessionID int64             `json:"session_id,omitempty"`
	Remaining int               `json:"remaining,omitempty"`
	Profile   *profile.Snapshot `json:"profile,omitempty"`
}

// NoticeEditMsg replaces the content of a previously sent notice.
type NoticeEditMsg struct {
	Type      string `json:"type"`
	Handle    string `json:"handle"`
	Kind      string `json:"kind"`
	Text      string `json:"text"`
	Remaining int    `json:"remaining,omitempty"`
}

// NoticeRetractMsg removes a previously sent notice.
type NoticeRetractMsg struct {
	Type   string `json:"type"`
	Handle string `json:"handle"`
}

// RateLimitedMsg is sent when the client has been throttled.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the gateway to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the gateway's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Gateway <-> Engine bus messages
// ---------------------------------------------------------------------------

// ActionMsg is a user action forwarded by the gateway on pair.action.
type ActionMsg struct {
	UserID     int64              `json:"user_id"`
	Action     string             `json:"action"`
	Text       string             `json:"text,omitempty"`
	SessionID  int64              `json:"session_id,omitempty"`
	Stars      int                `json:"stars,omitempty"`
	Preference profile.Preference `json:"preference"`
	Profile    *profile.Snapshot  `json:"profile,omitempty"`
}

// PresenceMsg reports a client connecting or disconnecting.
type PresenceMsg struct {
	UserID int64  `json:"user_id"`
	Event  string `json:"event"`
	Server string `json:"server"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// An error is returned for unknown or server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeFind:
		var m FindMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCancel:
		var m CancelMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRate:
		var m RateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeComplain:
		var m ComplainMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSetPreference:
		var m SetPreferenceMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSaveProfile:
		var m SaveProfileMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage marshals payload and injects msgType under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
