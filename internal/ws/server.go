// Package ws is the client gateway: it upgrades authenticated HTTP requests
// to WebSocket connections, multiplexes their reads with epoll onto a bounded
// worker pool, and hands each text frame to a message callback.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/pairchat/internal/logging"
	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/protocol"
)

// maxFrameSize bounds a single client frame.
const maxFrameSize = 64 << 10

// pollTimeout lets the event loop notice shutdown without a wakeup fd.
const pollTimeout = 500 // ms

// ErrNotConnected is returned when the target user has no connection here.
var ErrNotConnected = errors.New("ws: user not connected")

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	ServerName     string        // reported in presence events and /health
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		ServerName:     "ws-1",
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator resolves the user behind an upgrade request.
type Authenticator func(r *http.Request) (int64, error)

// Admission decides whether the request may open a connection. When it may
// not, retryAfter is the number of seconds the client should wait.
type Admission func(r *http.Request) (ok bool, retryAfter int)

// Server upgrades HTTP connections to WebSocket, registers them with epoll
// and dispatches ready sockets to a bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	log          zerolog.Logger
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{}
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(conn *Connection)
	authenticate Authenticator
	admit        Admission
	httpServer   *http.Server
	done         chan struct{}
	openOnce     sync.Once
	stopOnce     sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. onMessage is called from a worker goroutine for
// every complete text frame.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	return &Server{
		config:     config,
		log:        logging.Component("ws"),
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// SetAuthenticator installs the handshake authenticator. Without one every
// upgrade is refused.
func (s *Server) SetAuthenticator(fn Authenticator) { s.authenticate = fn }

// SetAdmission installs a per-request admission check.
func (s *Server) SetAdmission(fn Admission) { s.admit = fn }

// SetOnConnect registers a callback run after a connection is registered.
func (s *Server) SetOnConnect(fn func(conn *Connection)) { s.onConnect = fn }

// SetOnDisconnect registers a callback run once for every connection that
// leaves the registry: read error, heartbeat timeout, close frame,
// replacement by a newer connection, or shutdown.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) { s.onDisconnect = fn }

// Open creates the epoll instance and starts the event loop and heartbeat.
// Start calls it; tests that serve Handler themselves call it directly.
func (s *Server) Open() error {
	var err error
	s.openOnce.Do(func() {
		s.epoll, err = NewEpoll()
		if err != nil {
			err = fmt.Errorf("ws: failed to create epoll: %w", err)
			return
		}
		s.startedAt = time.Now()
		go s.startEventLoop()
		StartHeartbeat(s, s.config.Heartbeat)
	})
	return err
}

// Handler returns the HTTP routes served by the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start opens the poller and blocks serving HTTP on ListenAddr.
func (s *Server) Start() error {
	if err := s.Open(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.Info().
		Str("addr", s.config.ListenAddr).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Str("server", s.config.ServerName).
		Msg("listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.admit != nil {
		if ok, retry := s.admit(r); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	if s.authenticate == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	userID, err := s.authenticate(r)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("handshake rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn().Err(err).Int64("user", userID).Msg("upgrade failed")
		return
	}

	c := &Connection{
		ID:        uuid.NewString(),
		UserID:    userID,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: time.Now(),
	}
	c.Touch()

	if prev := s.conns.Add(c); prev != nil {
		s.evict(prev)
	}
	metrics.Connections.Set(float64(s.conns.Count()))

	if err := s.send(c, protocol.TypeConnected, protocol.ConnectedMsg{UserID: userID}); err != nil {
		s.log.Warn().Err(err).Str("conn", c.ID).Msg("send connected failed")
	}

	if s.onConnect != nil {
		s.onConnect(c)
	}

	if err := s.epoll.Add(conn); err != nil {
		s.log.Error().Err(err).Str("conn", c.ID).Msg("epoll add failed")
		s.RemoveConnection(c)
		return
	}

	s.log.Info().
		Str("conn", c.ID).
		Int64("user", userID).
		Int("total", s.conns.Count()).
		Msg("connected")
}

// evict closes a connection that a newer one for the same user displaced.
func (s *Server) evict(prev *Connection) {
	_ = s.epoll.Remove(prev.Conn)
	_ = s.send(prev, protocol.TypeError, protocol.ErrorMsg{
		Code:    "replaced",
		Message: "signed in from another connection",
	})
	prev.Close()
	if s.onDisconnect != nil {
		s.onDisconnect(prev)
	}
	s.log.Info().Str("conn", prev.ID).Int64("user", prev.UserID).Msg("replaced")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Server      string `json:"server"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Server:      s.config.ServerName,
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait(pollTimeout)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error().Err(err).Msg("epoll wait")
			continue
		}

		for _, conn := range conns {
			conn := conn
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a ready socket. Control frames are handled
// without blocking on a data frame that may never arrive.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll can report the same socket twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer s.epoll.Rearm(netConn)
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// Stale readiness: nothing to read. The heartbeat reaps dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	if header.Length > maxFrameSize {
		s.log.Warn().Str("conn", c.ID).Int64("len", header.Length).Msg("frame too large")
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 || header.OpCode != ws.OpText {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection unregisters and closes c. Only the first caller for a
// given connection runs the disconnect callback.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.Connections.Set(float64(s.conns.Count()))

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	s.log.Info().
		Str("conn", c.ID).
		Int64("user", c.UserID).
		Int("total", s.conns.Count()).
		Msg("disconnected")
}

// SendToUser writes a text frame to the user's current connection.
func (s *Server) SendToUser(userID int64, data []byte) error {
	c := s.conns.ByUser(userID)
	if c == nil {
		return ErrNotConnected
	}
	return s.write(c, data)
}

func (s *Server) write(c *Connection, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// send builds a typed server message and writes it to c.
func (s *Server) send(c *Connection, msgType string, payload interface{}) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return err
	}
	return s.write(c, data)
}

// Connections returns the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Config returns the server configuration.
func (s *Server) Config() ServerConfig {
	return s.config
}

// Shutdown stops accepting upgrades, removes every connection (running the
// disconnect callback) and releases the poller.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.log.Info().Msg("shutting down")
		close(s.done)

		if s.httpServer != nil {
			if herr := s.httpServer.Shutdown(ctx); herr != nil {
				err = fmt.Errorf("ws: http shutdown: %w", herr)
			}
		}

		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}

		if s.epoll != nil {
			_ = s.epoll.Close()
		}
		s.log.Info().Msg("stopped")
	})
	return err
}
