package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
)

// Connection is one authenticated client socket. A user holds at most one
// connection per gateway; ID tells a replaced socket apart from its successor.
type Connection struct {
	ID         string   // connection id (UUID)
	UserID     int64    // authenticated user
	Conn       net.Conn // underlying TCP connection
	Fd         int      // file descriptor, -1 off linux
	CreatedAt  time.Time
	lastSeen   int64      // unix nanos of the last frame read, atomic
	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastSeen, time.Now().UnixNano())
}

// LastSeen returns the time of the last frame read from the client.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastSeen))
}

// WritePing sends a protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager indexes live connections by connection id, socket and
// user id.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
	byUser map[int64]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
		byUser: make(map[int64]*Connection),
	}
}

// Add registers conn and returns the connection it displaced for the same
// user, if any. The displaced connection is dropped from every index but is
// not closed.
func (cm *ConnectionManager) Add(conn *Connection) *Connection {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	prev := cm.byUser[conn.UserID]
	if prev != nil && prev != conn {
		delete(cm.byID, prev.ID)
		delete(cm.byConn, prev.Conn)
	} else {
		prev = nil
	}

	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.byUser[conn.UserID] = conn
	return prev
}

// Remove removes a connection by id and closes it. Returns false if the
// connection was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
		if cm.byUser[conn.UserID] == conn {
			delete(cm.byUser, conn.UserID)
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// ByUser returns the user's current connection, or nil.
func (cm *ConnectionManager) ByUser(userID int64) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byUser[userID]
}

// GetByConn returns the connection wrapping the socket c, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byConn[c]
}

// Count returns the current number of connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
