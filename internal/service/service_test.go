package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairchat/internal/engine"
	"github.com/whisper/pairchat/internal/feedback"
	"github.com/whisper/pairchat/internal/notify"
	"github.com/whisper/pairchat/internal/profile"
	"github.com/whisper/pairchat/internal/protocol"
)

type call struct {
	op   string
	user int64
	arg  string
}

type fakeEngine struct {
	mu     sync.Mutex
	calls  []call
	sweeps int
	stale  int
	err    error
}

func (e *fakeEngine) record(op string, user int64, arg string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call{op, user, arg})
	return e.err
}

func (e *fakeEngine) StartSearch(_ context.Context, u int64) error {
	return e.record("search", u, "")
}

func (e *fakeEngine) CancelSearch(_ context.Context, u int64) error {
	return e.record("cancel", u, "")
}

func (e *fakeEngine) SubmitMessage(_ context.Context, u int64, text string) error {
	return e.record("message", u, text)
}

func (e *fakeEngine) Rate(_ context.Context, u, sid int64, stars int) error {
	return e.record("rate", u, fmt.Sprintf("%d:%d", sid, stars))
}

func (e *fakeEngine) Complain(_ context.Context, u, sid int64, text string) error {
	return e.record("complain", u, fmt.Sprintf("%d:%s", sid, text))
}

func (e *fakeEngine) SweepQueue(context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sweeps++
	return 0, nil
}

func (e *fakeEngine) SweepStale(context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stale++
	return 0, nil
}

func (e *fakeEngine) snapshot() []call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]call(nil), e.calls...)
}

func (e *fakeEngine) counts() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sweeps, e.stale
}

type fakeProfiles struct {
	mu      sync.Mutex
	ensured []int64
	prefs   map[int64]profile.Preference
	saved   []profile.Snapshot
}

func (p *fakeProfiles) EnsureUser(_ context.Context, u int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensured = append(p.ensured, u)
	return nil
}

func (p *fakeProfiles) SetPreference(_ context.Context, u int64, pref profile.Preference) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prefs == nil {
		p.prefs = make(map[int64]profile.Preference)
	}
	p.prefs[u] = pref
	return nil
}

func (p *fakeProfiles) SaveProfile(_ context.Context, snap profile.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = append(p.saved, snap)
	return nil
}

type fakeBus struct {
	actions  func([]byte)
	presence func([]byte)
}

func (b *fakeBus) SubscribeActions(h func([]byte)) error {
	b.actions = h
	return nil
}

func (b *fakeBus) SubscribePresence(h func([]byte)) error {
	b.presence = h
	return nil
}

type noticeLog struct {
	mu    sync.Mutex
	kinds map[int64][]string
}

func (n *noticeLog) Notify(_ context.Context, u int64, notice notify.Notice) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.kinds == nil {
		n.kinds = make(map[int64][]string)
	}
	n.kinds[u] = append(n.kinds[u], notice.Kind)
	return "h"
}

func (n *noticeLog) EditNotice(context.Context, int64, string, notify.Notice) {}

func (n *noticeLog) RetractNotice(context.Context, int64, string) {}

func (n *noticeLog) of(u int64) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.kinds[u]...)
}

type harness struct {
	svc   *Service
	eng   *fakeEngine
	prof  *fakeProfiles
	bus   *fakeBus
	notes *noticeLog
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{eng: &fakeEngine{}, prof: &fakeProfiles{}, bus: &fakeBus{}, notes: &noticeLog{}}
	h.svc = New(cfg, h.eng, h.prof, h.bus, h.notes)
	require.NoError(t, h.svc.Start())
	t.Cleanup(h.svc.Stop)
	return h
}

func (h *harness) send(t *testing.T, msg protocol.ActionMsg) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	h.bus.actions(data)
}

func TestDispatch(t *testing.T) {
	tests := []struct {
		msg  protocol.ActionMsg
		want call
	}{
		{protocol.ActionMsg{UserID: 1, Action: protocol.ActionSearch}, call{"search", 1, ""}},
		{protocol.ActionMsg{UserID: 2, Action: protocol.ActionCancel}, call{"cancel", 2, ""}},
		{protocol.ActionMsg{UserID: 3, Action: protocol.ActionMessage, Text: "!next"}, call{"message", 3, "!next"}},
		{protocol.ActionMsg{UserID: 4, Action: protocol.ActionRate, SessionID: 9, Stars: 4}, call{"rate", 4, "9:4"}},
		{protocol.ActionMsg{UserID: 5, Action: protocol.ActionComplain, SessionID: 9, Text: "rude"}, call{"complain", 5, "9:rude"}},
	}
	for _, tt := range tests {
		t.Run(tt.want.op, func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			h.send(t, tt.msg)
			h.svc.lanes.Wait()
			assert.Equal(t, []call{tt.want}, h.eng.snapshot())
		})
	}
}

func TestDispatch_IgnoresGarbage(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.bus.actions([]byte("{not json"))
	h.send(t, protocol.ActionMsg{Action: protocol.ActionSearch})
	h.send(t, protocol.ActionMsg{UserID: 1, Action: "teleport"})
	h.svc.lanes.Wait()

	assert.Empty(t, h.eng.snapshot())
}

func TestDispatch_KeepsPerUserOrder(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	const n = 50
	for i := 0; i < n; i++ {
		for _, u := range []int64{1, 2, 3} {
			h.send(t, protocol.ActionMsg{UserID: u, Action: protocol.ActionMessage, Text: fmt.Sprint(i)})
		}
	}
	h.svc.lanes.Wait()

	next := map[int64]int{}
	for _, c := range h.eng.snapshot() {
		assert.Equal(t, fmt.Sprint(next[c.user]), c.arg, "user %d out of order", c.user)
		next[c.user]++
	}
	for _, u := range []int64{1, 2, 3} {
		assert.Equal(t, n, next[u])
	}
}

func TestDispatch_RejectionsAreNotFatal(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.eng.err = engine.ErrNoPreference

	h.send(t, protocol.ActionMsg{UserID: 1, Action: protocol.ActionSearch})
	h.send(t, protocol.ActionMsg{UserID: 1, Action: protocol.ActionCancel})
	h.svc.lanes.Wait()

	assert.Len(t, h.eng.snapshot(), 2)
	assert.Empty(t, h.notes.of(1), "the engine already answered rejections")
	assert.True(t, isRejection(fmt.Errorf("wrapped: %w", engine.ErrBanned)))
	assert.True(t, isRejection(fmt.Errorf("engine: rate: %w", feedback.ErrInvalidStars)))
	assert.False(t, isRejection(fmt.Errorf("db down")))
}

func TestDispatch_FailureNotifiesUser(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.eng.err = fmt.Errorf("engine: end session 7: %w", errors.New("connection refused"))

	h.send(t, protocol.ActionMsg{UserID: 1, Action: protocol.ActionMessage, Text: "!stop"})
	h.svc.lanes.Wait()

	assert.Equal(t, []string{notify.KindRejected}, h.notes.of(1))
	assert.Empty(t, h.notes.of(2))
}

func TestSetPreference(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.send(t, protocol.ActionMsg{UserID: 1, Action: protocol.ActionSetPreference,
		Preference: profile.Preference{Gender: profile.Female, Seeking: profile.SeekAny}})
	h.send(t, protocol.ActionMsg{UserID: 2, Action: protocol.ActionSetPreference,
		Preference: profile.Preference{Gender: "robot", Seeking: profile.SeekAny}})
	h.svc.lanes.Wait()

	assert.Equal(t, profile.Preference{Gender: profile.Female, Seeking: profile.SeekAny}, h.prof.prefs[1])
	_, stored := h.prof.prefs[2]
	assert.False(t, stored)
	assert.Equal(t, []string{notify.KindPreferenceSaved}, h.notes.of(1))
	assert.Equal(t, []string{notify.KindRejected}, h.notes.of(2))
}

func TestSaveProfile(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.send(t, protocol.ActionMsg{UserID: 7, Action: protocol.ActionSaveProfile,
		Profile: &profile.Snapshot{UserID: 99, FirstName: "Dana", Age: 21}})
	h.send(t, protocol.ActionMsg{UserID: 8, Action: protocol.ActionSaveProfile,
		Profile: &profile.Snapshot{FirstName: "Kid", Age: 5}})
	h.send(t, protocol.ActionMsg{UserID: 9, Action: protocol.ActionSaveProfile})
	h.svc.lanes.Wait()

	require.Len(t, h.prof.saved, 1)
	assert.Equal(t, int64(7), h.prof.saved[0].UserID, "the sender owns the profile, not the payload")
	assert.Equal(t, []int64{7}, h.prof.ensured)
	assert.Equal(t, []string{notify.KindProfileSaved}, h.notes.of(7))
	assert.Equal(t, []string{notify.KindRejected}, h.notes.of(8))
	assert.Equal(t, []string{notify.KindRejected}, h.notes.of(9))
}

func TestSweepLoop(t *testing.T) {
	h := newHarness(t, Config{SweepInterval: 5 * time.Millisecond, StaleInterval: 20 * time.Millisecond})

	require.Eventually(t, func() bool {
		sweeps, stale := h.eng.counts()
		return sweeps >= 3 && stale >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestPresenceIsInformational(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	data, _ := json.Marshal(protocol.PresenceMsg{UserID: 1, Event: protocol.PresenceDisconnect, Server: "ws-1"})
	h.bus.presence(data)
	h.bus.presence([]byte("nope"))

	assert.Empty(t, h.eng.snapshot(), "a disconnect never touches the session")
}

func TestSerial_KeysRunConcurrently(t *testing.T) {
	s := newSerial()
	release := make(chan struct{})
	done := make(chan struct{})

	s.Submit(1, func() { <-release })
	s.Submit(2, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("key 2 was blocked behind key 1")
	}
	require.Eventually(t, func() bool { return s.Pending() == 1 }, time.Second, time.Millisecond)

	close(release)
	s.Wait()
	assert.Zero(t, s.Pending())
}
