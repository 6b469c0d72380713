package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairchat/internal/protocol"
)

type recordingPublisher struct {
	user int64
	data [][]byte
	err  error
}

func (p *recordingPublisher) PublishNotice(userID int64, data []byte) error {
	p.user = userID
	p.data = append(p.data, data)
	return p.err
}

func TestNotify_PublishesNoticeWithHandle(t *testing.T) {
	pub := &recordingPublisher{}
	n := NewNATSNotifier(pub)

	handle := n.Notify(context.Background(), 5, Notice{Kind: KindInactivityWarning, Text: "60s left", Remaining: 60})
	require.NotEmpty(t, handle)
	require.Len(t, pub.data, 1)
	assert.Equal(t, int64(5), pub.user)

	var msg protocol.NoticeMsg
	require.NoError(t, json.Unmarshal(pub.data[0], &msg))
	assert.Equal(t, protocol.TypeNotice, msg.Type)
	assert.Equal(t, handle, msg.Handle)
	assert.Equal(t, KindInactivityWarning, msg.Kind)
	assert.Equal(t, 60, msg.Remaining)
}

func TestNotify_FailureIsSwallowed(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("no responders")}
	n := NewNATSNotifier(pub)

	handle := n.Notify(context.Background(), 5, Notice{Kind: KindMatched})
	assert.Empty(t, handle)
}

func TestEditAndRetract(t *testing.T) {
	pub := &recordingPublisher{}
	n := NewNATSNotifier(pub)

	n.EditNotice(context.Background(), 5, "h1", Notice{Kind: KindInactivityWarning, Remaining: 59})
	n.RetractNotice(context.Background(), 5, "h1")
	n.RetractNotice(context.Background(), 5, "")
	require.Len(t, pub.data, 2)

	var edit protocol.NoticeEditMsg
	require.NoError(t, json.Unmarshal(pub.data[0], &edit))
	assert.Equal(t, protocol.TypeNoticeEdit, edit.Type)
	assert.Equal(t, 59, edit.Remaining)

	var retract protocol.NoticeRetractMsg
	require.NoError(t, json.Unmarshal(pub.data[1], &retract))
	assert.Equal(t, "h1", retract.Handle)
}
