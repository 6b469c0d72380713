package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/pairchat/internal/auth"
	"github.com/whisper/pairchat/internal/logging"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/ratelimit"
)

var errNoToken = errors.New("ws: missing token")

// Bus is the slice of the NATS client the gateway uses.
type Bus interface {
	PublishAction(data []byte) error
	PublishPresence(data []byte) error
	SubscribeNotify(userID int64, handler func(data []byte)) error
	UnsubscribeNotify(userID int64) error
}

// Limiter throttles connects per IP and messages and searches per user.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	AllowUser(ctx context.Context, user int64, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) int
}

// Verifier validates client tokens.
type Verifier interface {
	Parse(token string) (*auth.Claims, error)
}

// Gateway bridges client sockets to the pairing engine: client frames become
// actions on pair.action, and notices on pair.notify.<user> are written back
// to the user's socket.
type Gateway struct {
	server     *Server
	dispatcher *MessageDispatcher
	bus        Bus
	limiter    Limiter
	verifier   Verifier
	log        zerolog.Logger
}

// NewGateway wires a Server with token authentication, rate limits and the
// action and notice bridges. limiter may be nil.
func NewGateway(config ServerConfig, bus Bus, limiter Limiter, verifier Verifier) *Gateway {
	g := &Gateway{
		bus:      bus,
		limiter:  limiter,
		verifier: verifier,
		log:      logging.Component("gateway"),
	}

	g.dispatcher = NewMessageDispatcher(nil)
	g.server = NewServer(config, g.dispatcher.Dispatch)
	g.dispatcher.SetServer(g.server)

	g.server.SetAuthenticator(g.authenticate)
	if limiter != nil {
		g.server.SetAdmission(g.admit)
	}
	g.server.SetOnConnect(g.connected)
	g.server.SetOnDisconnect(g.disconnected)

	g.dispatcher.Register(protocol.TypeFind, g.handleFind)
	g.dispatcher.Register(protocol.TypeCancel, g.handleCancel)
	g.dispatcher.Register(protocol.TypeMessage, g.handleMessage)
	g.dispatcher.Register(protocol.TypeRate, g.handleRate)
	g.dispatcher.Register(protocol.TypeComplain, g.handleComplain)
	g.dispatcher.Register(protocol.TypeSetPreference, g.handleSetPreference)
	g.dispatcher.Register(protocol.TypeSaveProfile, g.handleSaveProfile)
	return g
}

// Server returns the underlying WebSocket server.
func (g *Gateway) Server() *Server { return g.server }

// Start serves until Shutdown.
func (g *Gateway) Start() error { return g.server.Start() }

// Shutdown closes every client connection and stops the server.
func (g *Gateway) Shutdown(ctx context.Context) error { return g.server.Shutdown(ctx) }

// authenticate reads the token from ?token= or a Bearer header.
func (g *Gateway) authenticate(r *http.Request) (int64, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		return 0, errNoToken
	}
	claims, err := g.verifier.Parse(token)
	if err != nil {
		return 0, err
	}
	return claims.UserID()
}

func (g *Gateway) admit(r *http.Request) (bool, int) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	ip := clientIP(r)
	ok, err := g.limiter.Allow(ctx, ip, ratelimit.RuleConnect)
	if err != nil {
		g.log.Debug().Err(err).Str("ip", ip).Msg("connect limit check failed")
	}
	if ok {
		return true, 0
	}
	g.log.Info().Str("ip", ip).Msg("connect rate limited")
	return false, g.limiter.RetryAfter(ctx, ip, ratelimit.RuleConnect)
}

// clientIP prefers the first X-Forwarded-For hop set by the load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (g *Gateway) connected(c *Connection) {
	user := c.UserID
	err := g.bus.SubscribeNotify(user, func(data []byte) {
		g.deliver(user, data)
	})
	if err != nil {
		g.log.Error().Err(err).Int64("user", user).Msg("subscribe notify failed")
	}
	g.presence(user, protocol.PresenceConnect)
}

func (g *Gateway) disconnected(c *Connection) {
	// A newer connection for the same user keeps the subscription.
	if cur := g.server.Connections().ByUser(c.UserID); cur != nil && cur != c {
		return
	}
	if err := g.bus.UnsubscribeNotify(c.UserID); err != nil {
		g.log.Debug().Err(err).Int64("user", c.UserID).Msg("unsubscribe notify failed")
	}
	g.presence(c.UserID, protocol.PresenceDisconnect)
}

// deliver writes an engine notice, already a complete client frame, to the
// user's socket.
func (g *Gateway) deliver(user int64, data []byte) {
	err := g.server.SendToUser(user, data)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotConnected):
		g.log.Debug().Int64("user", user).Msg("notice for absent user dropped")
	default:
		g.log.Warn().Err(err).Int64("user", user).Msg("notice write failed")
		if c := g.server.Connections().ByUser(user); c != nil {
			g.server.RemoveConnection(c)
		}
	}
}

func (g *Gateway) presence(user int64, event string) {
	data, err := json.Marshal(protocol.PresenceMsg{
		UserID: user,
		Event:  event,
		Server: g.server.Config().ServerName,
	})
	if err != nil {
		return
	}
	if err := g.bus.PublishPresence(data); err != nil {
		g.log.Debug().Err(err).Int64("user", user).Str("event", event).Msg("presence publish failed")
	}
}

// allow applies rule to the connection's user and tells a throttled client
// when to retry. Limiter failures let the request through.
func (g *Gateway) allow(c *Connection, rule ratelimit.Rule) bool {
	if g.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := g.limiter.AllowUser(ctx, c.UserID, rule)
	if err != nil {
		g.log.Debug().Err(err).Int64("user", c.UserID).Msg("rate limit check failed")
	}
	if ok {
		return true
	}
	retry := g.limiter.RetryAfter(ctx, strconv.FormatInt(c.UserID, 10), rule)
	if err := g.server.send(c, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: retry}); err != nil {
		g.log.Debug().Err(err).Str("conn", c.ID).Msg("rate_limited reply failed")
	}
	return false
}

func (g *Gateway) forward(c *Connection, action protocol.ActionMsg) {
	action.UserID = c.UserID
	data, err := json.Marshal(action)
	if err != nil {
		g.log.Error().Err(err).Str("action", action.Action).Msg("marshal action")
		return
	}
	if err := g.bus.PublishAction(data); err != nil {
		g.log.Warn().Err(err).Int64("user", c.UserID).Str("action", action.Action).Msg("publish action failed")
		g.dispatcher.sendError(c, "unavailable", "service temporarily unavailable, try again")
	}
}

func (g *Gateway) handleFind(c *Connection, _ interface{}) {
	if !g.allow(c, ratelimit.RuleSearch) {
		return
	}
	g.forward(c, protocol.ActionMsg{Action: protocol.ActionSearch})
}

func (g *Gateway) handleCancel(c *Connection, _ interface{}) {
	g.forward(c, protocol.ActionMsg{Action: protocol.ActionCancel})
}

func (g *Gateway) handleMessage(c *Connection, msg interface{}) {
	m, ok := msg.(protocol.ChatMsg)
	if !ok {
		return
	}
	if !g.allow(c, ratelimit.RuleMessage) {
		return
	}
	g.forward(c, protocol.ActionMsg{Action: protocol.ActionMessage, Text: m.Text})
}

func (g *Gateway) handleRate(c *Connection, msg interface{}) {
	m, ok := msg.(protocol.RateMsg)
	if !ok {
		return
	}
	g.forward(c, protocol.ActionMsg{Action: protocol.ActionRate, SessionID: m.SessionID, Stars: m.Stars})
}

func (g *Gateway) handleComplain(c *Connection, msg interface{}) {
	m, ok := msg.(protocol.ComplainMsg)
	if !ok {
		return
	}
	g.forward(c, protocol.ActionMsg{Action: protocol.ActionComplain, SessionID: m.SessionID, Text: m.Text})
}

func (g *Gateway) handleSetPreference(c *Connection, msg interface{}) {
	m, ok := msg.(protocol.SetPreferenceMsg)
	if !ok {
		return
	}
	action := protocol.ActionMsg{Action: protocol.ActionSetPreference}
	action.Preference.Gender = m.Gender
	action.Preference.Seeking = m.Seeking
	g.forward(c, action)
}

func (g *Gateway) handleSaveProfile(c *Connection, msg interface{}) {
	m, ok := msg.(protocol.SaveProfileMsg)
	if !ok {
		return
	}
	p := m.Profile
	p.UserID = c.UserID
	g.forward(c, protocol.ActionMsg{Action: protocol.ActionSaveProfile, Profile: &p})
}
