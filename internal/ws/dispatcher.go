package ws

import (
	"github.com/whisper/pairchat/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage (protocol.ChatMsg, ...).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes client frames to handlers by message type. Ping is
// answered internally.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
}

// NewMessageDispatcher creates a MessageDispatcher bound to server, which may
// be nil and set later with SetServer.
func NewMessageDispatcher(server *Server) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
	}
}

// SetServer binds the dispatcher to server. NewServer takes Dispatch as its
// callback, so the dispatcher usually exists first.
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates handler with msgType, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.server.log.Debug().Err(err).Str("conn", conn.ID).Msg("parse error")
		d.sendError(conn, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.reply(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.server.log.Debug().Str("type", msgType).Str("conn", conn.ID).Msg("unsupported message type")
		d.sendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	handler(conn, msg)
}

func (d *MessageDispatcher) sendError(conn *Connection, code, message string) {
	d.reply(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (d *MessageDispatcher) reply(conn *Connection, msgType string, payload interface{}) {
	if err := d.server.send(conn, msgType, payload); err != nil {
		d.server.log.Debug().Err(err).Str("conn", conn.ID).Str("type", msgType).Msg("reply failed")
	}
}
