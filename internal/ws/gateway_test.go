package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairchat/internal/auth"
	"github.com/whisper/pairchat/internal/profile"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/ratelimit"
)

const testSecret = "gateway-test-secret-0123"

type fakeBus struct {
	mu           sync.Mutex
	actions      []protocol.ActionMsg
	presence     []protocol.PresenceMsg
	notify       map[int64]func([]byte)
	unsubscribed []int64
	failActions  bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{notify: make(map[int64]func([]byte))}
}

func (b *fakeBus) PublishAction(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failActions {
		return errors.New("nats down")
	}
	var a protocol.ActionMsg
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	b.actions = append(b.actions, a)
	return nil
}

func (b *fakeBus) PublishPresence(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var p protocol.PresenceMsg
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	b.presence = append(b.presence, p)
	return nil
}

func (b *fakeBus) SubscribeNotify(user int64, handler func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notify[user] = handler
	return nil
}

func (b *fakeBus) UnsubscribeNotify(user int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.notify, user)
	b.unsubscribed = append(b.unsubscribed, user)
	return nil
}

func (b *fakeBus) failPublishing() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failActions = true
}

func (b *fakeBus) handler(user int64) func([]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.notify[user]
}

func (b *fakeBus) actionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.actions)
}

func (b *fakeBus) lastAction() protocol.ActionMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.actions[len(b.actions)-1]
}

func (b *fakeBus) events() []protocol.PresenceMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.PresenceMsg(nil), b.presence...)
}

func (b *fakeBus) unsubs() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.unsubscribed...)
}

// fakeLimiter denies the rules listed in deny.
type fakeLimiter struct {
	mu    sync.Mutex
	deny  map[string]bool
	retry int
}

func (l *fakeLimiter) block(rule ratelimit.Rule, retry int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deny[rule.Key] = true
	l.retry = retry
}

func (l *fakeLimiter) Allow(_ context.Context, id string, rule ratelimit.Rule) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.deny[rule.Key], nil
}

func (l *fakeLimiter) AllowUser(ctx context.Context, user int64, rule ratelimit.Rule) (bool, error) {
	return l.Allow(ctx, "u", rule)
}

func (l *fakeLimiter) RetryAfter(context.Context, string, ratelimit.Rule) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retry
}

type testGateway struct {
	g      *Gateway
	bus    *fakeBus
	lim    *fakeLimiter
	ts     *httptest.Server
	issuer *auth.Issuer
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.ServerName = "ws-test"
	cfg.ReadTimeout = time.Second
	cfg.WriteTimeout = time.Second

	tg := &testGateway{
		bus:    newFakeBus(),
		lim:    &fakeLimiter{deny: map[string]bool{}, retry: 4},
		issuer: auth.NewIssuer(testSecret),
	}
	tg.g = NewGateway(cfg, tg.bus, tg.lim, tg.issuer)
	require.NoError(t, tg.g.Server().Open())
	tg.ts = httptest.NewServer(tg.g.Server().Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tg.g.Shutdown(ctx)
		tg.ts.Close()
	})
	return tg
}

func (tg *testGateway) token(t *testing.T, user int64) string {
	t.Helper()
	tok, err := tg.issuer.IssueToken(user, auth.RoleUser, time.Hour)
	require.NoError(t, err)
	return tok
}

type client struct {
	conn net.Conn
	rw   io.ReadWriter
}

func (tg *testGateway) dial(t *testing.T, user int64) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(tg.ts.URL, "http") + "/ws?token=" + tg.token(t, user)
	conn, br, _, err := ws.Dial(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	c := &client{conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{r, conn}}

	hello := c.read(t)
	require.Equal(t, protocol.TypeConnected, hello["type"])
	require.EqualValues(t, user, hello["user_id"])
	return c
}

func (c *client) send(t *testing.T, frame string) {
	t.Helper()
	require.NoError(t, wsutil.WriteClientText(c.conn, []byte(frame)))
}

func (c *client) readRaw(t *testing.T) []byte {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	data, err := wsutil.ReadServerText(c.rw)
	require.NoError(t, err)
	return data
}

func (c *client) read(t *testing.T) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(c.readRaw(t), &m))
	return m
}

func TestHandshake_Rejections(t *testing.T) {
	tg := newTestGateway(t)

	expired, err := tg.issuer.IssueToken(1, auth.RoleUser, -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name  string
		query string
	}{
		{"no token", ""},
		{"garbage", "?token=garbage"},
		{"expired", "?token=" + expired},
		{"other secret", "?token=" + func() string {
			tok, _ := auth.NewIssuer("some-other-secret-value").IssueToken(1, auth.RoleUser, time.Hour)
			return tok
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(tg.ts.URL + "/ws" + tt.query)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
	assert.Zero(t, tg.g.Server().Connections().Count())
}

func TestHandshake_ConnectRateLimited(t *testing.T) {
	tg := newTestGateway(t)
	tg.lim.block(ratelimit.RuleConnect, 30)

	resp, err := http.Get(tg.ts.URL + "/ws?token=" + tg.token(t, 1))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "30", resp.Header.Get("Retry-After"))
}

func TestConnect_SubscribesAndAnnounces(t *testing.T) {
	tg := newTestGateway(t)
	tg.dial(t, 7)

	require.Eventually(t, func() bool { return tg.bus.handler(7) != nil }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(tg.bus.events()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, protocol.PresenceMsg{UserID: 7, Event: protocol.PresenceConnect, Server: "ws-test"}, tg.bus.events()[0])
	assert.NotNil(t, tg.g.Server().Connections().ByUser(7))
}

func TestForwardsActions(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  protocol.ActionMsg
	}{
		{"find", `{"type":"find"}`, protocol.ActionMsg{Action: protocol.ActionSearch}},
		{"cancel", `{"type":"cancel"}`, protocol.ActionMsg{Action: protocol.ActionCancel}},
		{"message", `{"type":"message","text":"!next"}`, protocol.ActionMsg{Action: protocol.ActionMessage, Text: "!next"}},
		{"rate", `{"type":"rate","session_id":3,"stars":5}`, protocol.ActionMsg{Action: protocol.ActionRate, SessionID: 3, Stars: 5}},
		{"complain", `{"type":"complain","session_id":3,"text":"rude"}`, protocol.ActionMsg{Action: protocol.ActionComplain, SessionID: 3, Text: "rude"}},
		{
			"set_preference",
			`{"type":"set_preference","gender":"female","seeking":"any"}`,
			protocol.ActionMsg{
				Action:     protocol.ActionSetPreference,
				Preference: profile.Preference{Gender: profile.Female, Seeking: profile.SeekAny},
			},
		},
		{
			"save_profile ignores forged user",
			`{"type":"save_profile","profile":{"user_id":99,"first_name":"Ann"}}`,
			protocol.ActionMsg{
				Action:  protocol.ActionSaveProfile,
				Profile: &profile.Snapshot{UserID: 7, FirstName: "Ann"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tg := newTestGateway(t)
			c := tg.dial(t, 7)

			c.send(t, tt.frame)
			require.Eventually(t, func() bool { return tg.bus.actionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

			want := tt.want
			want.UserID = 7
			assert.Equal(t, want, tg.bus.lastAction())
		})
	}
}

func TestPingPong(t *testing.T) {
	tg := newTestGateway(t)
	c := tg.dial(t, 1)

	c.send(t, `{"type":"ping"}`)
	assert.Equal(t, protocol.TypePong, c.read(t)["type"])
}

func TestBadFramesGetErrors(t *testing.T) {
	tg := newTestGateway(t)
	c := tg.dial(t, 1)

	for _, frame := range []string{`not json`, `{"type":"dance"}`, `{"text":"no type"}`} {
		c.send(t, frame)
		msg := c.read(t)
		assert.Equal(t, protocol.TypeError, msg["type"], frame)
		assert.Equal(t, "parse_error", msg["code"], frame)
	}
	assert.Zero(t, tg.bus.actionCount())
}

func TestMessageRateLimited(t *testing.T) {
	tg := newTestGateway(t)
	tg.lim.block(ratelimit.RuleMessage, 4)
	c := tg.dial(t, 1)

	c.send(t, `{"type":"message","text":"hi"}`)
	msg := c.read(t)
	assert.Equal(t, protocol.TypeRateLimited, msg["type"])
	assert.EqualValues(t, 4, msg["retry_after"])
	assert.Zero(t, tg.bus.actionCount())

	// searches have their own budget
	c.send(t, `{"type":"find"}`)
	require.Eventually(t, func() bool { return tg.bus.actionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestPublishFailureReportsUnavailable(t *testing.T) {
	tg := newTestGateway(t)
	tg.bus.failPublishing()
	c := tg.dial(t, 1)

	c.send(t, `{"type":"cancel"}`)
	msg := c.read(t)
	assert.Equal(t, protocol.TypeError, msg["type"])
	assert.Equal(t, "unavailable", msg["code"])
}

func TestNoticeWrittenThrough(t *testing.T) {
	tg := newTestGateway(t)
	c := tg.dial(t, 5)
	require.Eventually(t, func() bool { return tg.bus.handler(5) != nil }, 2*time.Second, 10*time.Millisecond)

	notice := `{"type":"notice","handle":"h1","kind":"matched","text":"You are connected"}`
	tg.bus.handler(5)([]byte(notice))

	assert.JSONEq(t, notice, string(c.readRaw(t)))
}

func TestNewerConnectionReplacesOlder(t *testing.T) {
	tg := newTestGateway(t)
	first := tg.dial(t, 9)
	require.Eventually(t, func() bool { return tg.bus.handler(9) != nil }, 2*time.Second, 10*time.Millisecond)

	second := tg.dial(t, 9)

	msg := first.read(t)
	assert.Equal(t, protocol.TypeError, msg["type"])
	assert.Equal(t, "replaced", msg["code"])

	assert.Equal(t, 1, tg.g.Server().Connections().Count())
	assert.Empty(t, tg.bus.unsubs(), "the newer connection keeps the subscription")

	// notices reach the newer socket
	require.Eventually(t, func() bool { return tg.bus.handler(9) != nil }, 2*time.Second, 10*time.Millisecond)
	tg.bus.handler(9)([]byte(`{"type":"notice","handle":"h","kind":"k","text":"t"}`))
	assert.Equal(t, protocol.TypeNotice, second.read(t)["type"])
}

func TestDisconnectUnsubscribes(t *testing.T) {
	tg := newTestGateway(t)
	c := tg.dial(t, 3)
	require.Eventually(t, func() bool { return tg.bus.handler(3) != nil }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.conn.Close())

	require.Eventually(t, func() bool { return len(tg.bus.unsubs()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{3}, tg.bus.unsubs())
	assert.Zero(t, tg.g.Server().Connections().Count())

	events := tg.bus.events()
	require.Len(t, events, 2)
	assert.Equal(t, protocol.PresenceDisconnect, events[1].Event)
}

func TestHealth(t *testing.T) {
	tg := newTestGateway(t)
	tg.dial(t, 1)

	resp, err := http.Get(tg.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Status      string `json:"status"`
		Server      string `json:"server"`
		Connections int    `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ws-test", body.Server)
	assert.Equal(t, 1, body.Connections)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		fwd    string
		want   string
	}{
		{"remote addr", "10.0.0.1:5555", "", "10.0.0.1"},
		{"forwarded", "10.0.0.1:5555", "203.0.113.9", "203.0.113.9"},
		{"forwarded chain", "10.0.0.1:5555", "203.0.113.9, 10.0.0.2", "203.0.113.9"},
		{"no port", "10.0.0.1", "", "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.RemoteAddr = tt.remote
			if tt.fwd != "" {
				r.Header.Set("X-Forwarded-For", tt.fwd)
			}
			assert.Equal(t, tt.want, clientIP(r))
		})
	}
}
