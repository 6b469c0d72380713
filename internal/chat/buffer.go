package chat

import "sync"

// MaxBufferMessages is the number of recent messages retained per session
// as context for complaints.
const MaxBufferMessages = 5

// MaxRetiredSessions is how many ended sessions keep their messages for
// post-chat complaints.
const MaxRetiredSessions = 1024

// BufferedMessage represents a single message stored in the ring buffer.
type BufferedMessage struct {
	From int64  `json:"from"` // sender user id
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// MessageBuffer stores the last N messages per session in memory.
// It is goroutine-safe and uses a ring buffer internally.
type MessageBuffer struct {
	mu      sync.RWMutex
	buffers map[int64]*ringBuffer // session id -> ring buffer
	retired map[int64]*ringBuffer // ended sessions, oldest evicted first
	order   []int64
}

// ringBuffer is a fixed-size circular buffer of BufferedMessage.
type ringBuffer struct {
	items []BufferedMessage
	pos   int
	count int
}

// NewMessageBuffer creates a new empty MessageBuffer.
func NewMessageBuffer() *MessageBuffer {
	return &MessageBuffer{
		buffers: make(map[int64]*ringBuffer),
		retired: make(map[int64]*ringBuffer),
	}
}

// Add appends a message to the session's ring buffer. If the buffer is full,
// the oldest message is overwritten.
func (mb *MessageBuffer) Add(sessionID int64, msg BufferedMessage) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	rb, ok := mb.buffers[sessionID]
	if !ok {
		rb = &ringBuffer{
			items: make([]BufferedMessage, MaxBufferMessages),
		}
		mb.buffers[sessionID] = rb
	}

	rb.items[rb.pos] = msg
	rb.pos = (rb.pos + 1) % MaxBufferMessages
	if rb.count < MaxBufferMessages {
		rb.count++
	}
}

// Get returns the last N messages for a session in chronological order
// (oldest first). Returns an empty slice if the session has no buffer.
func (mb *MessageBuffer) Get(sessionID int64) []BufferedMessage {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	rb, ok := mb.buffers[sessionID]
	if !ok {
		rb, ok = mb.retired[sessionID]
	}
	if !ok {
		return []BufferedMessage{}
	}

	result := make([]BufferedMessage, rb.count)
	// The oldest message is at position (pos - count) mod MaxBufferMessages.
	start := (rb.pos - rb.count + MaxBufferMessages) % MaxBufferMessages
	for i := 0; i < rb.count; i++ {
		result[i] = rb.items[(start+i)%MaxBufferMessages]
	}
	return result
}

// Retire moves a session's buffer out of the live set at teardown. Its
// messages stay readable through Get until MaxRetiredSessions newer
// sessions have been retired.
func (mb *MessageBuffer) Retire(sessionID int64) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	rb, ok := mb.buffers[sessionID]
	if !ok {
		return
	}
	delete(mb.buffers, sessionID)

	if _, dup := mb.retired[sessionID]; !dup {
		mb.order = append(mb.order, sessionID)
	}
	mb.retired[sessionID] = rb
	for len(mb.order) > MaxRetiredSessions {
		delete(mb.retired, mb.order[0])
		mb.order = mb.order[1:]
	}
}

// Remove deletes every trace of a session's messages.
func (mb *MessageBuffer) Remove(sessionID int64) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	delete(mb.buffers, sessionID)
	delete(mb.retired, sessionID)
}

// Live returns the number of sessions with a live buffer.
func (mb *MessageBuffer) Live() int {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return len(mb.buffers)
}
