package notify

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/pairchat/internal/logging"
	"github.com/whisper/pairchat/internal/protocol"
)

// Publisher is the part of the NATS client the notifier needs.
type Publisher interface {
	PublishNotice(userID int64, data []byte) error
}

// NATSNotifier publishes notices on pair.notify.<user> for the gateway to
// forward to the user's connection.
type NATSNotifier struct {
	pub Publisher
	log zerolog.Logger
}

// NewNATSNotifier creates a notifier over pub.
func NewNATSNotifier(pub Publisher) *NATSNotifier {
	return &NATSNotifier{pub: pub, log: logging.Component("notify")}
}

// Notify publishes n and returns its handle, or "" on failure.
func (n *NATSNotifier) Notify(_ context.Context, userID int64, notice Notice) string {
	handle := uuid.NewString()
	msg := protocol.NoticeMsg{
		Type:      protocol.TypeNotice,
		Handle:    handle,
		Kind:      notice.Kind,
		Text:      notice.Text,
		SessionID: notice.SessionID,
		Remaining: notice.Remaining,
		Profile:   notice.Profile,
	}
	if !n.publish(userID, notice.Kind, msg) {
		return ""
	}
	return handle
}

// EditNotice replaces the content of a previously sent notice.
func (n *NATSNotifier) EditNotice(_ context.Context, userID int64, handle string, notice Notice) {
	if handle == "" {
		return
	}
	n.publish(userID, notice.Kind, protocol.NoticeEditMsg{
		Type:      protocol.TypeNoticeEdit,
		Handle:    handle,
		Kind:      notice.Kind,
		Text:      notice.Text,
		Remaining: notice.Remaining,
	})
}

// RetractNotice removes a previously sent notice.
func (n *NATSNotifier) RetractNotice(_ context.Context, userID int64, handle string) {
	if handle == "" {
		return
	}
	n.publish(userID, "retract", protocol.NoticeRetractMsg{
		Type:   protocol.TypeNoticeRetract,
		Handle: handle,
	})
}

func (n *NATSNotifier) publish(userID int64, kind string, msg interface{}) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		n.log.Error().Err(err).Int64("user", userID).Str("kind", kind).Msg("marshal notice")
		return false
	}
	if err := n.pub.PublishNotice(userID, data); err != nil {
		n.log.Debug().Err(err).Int64("user", userID).Str("kind", kind).Msg("notice not delivered")
		return false
	}
	return true
}
