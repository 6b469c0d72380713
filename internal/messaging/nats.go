// Package messaging wraps the NATS connection shared by the gateway and the
// pairing engine. It owns subject naming and subscription bookkeeping.
package messaging

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/whisper/pairchat/internal/logging"
)

// NATS subjects.
const (
	SubjectAction   = "pair.action"   // gateway -> engine
	SubjectNotify   = "pair.notify"   // + .<user_id>, engine -> gateway
	SubjectPresence = "pair.presence" // gateway -> engine

	// QueueEngine is the queue group the engine subscribes pair.action with.
	QueueEngine = "pairsvc"
)

// NotifySubject returns the per-user notice subject.
func NotifySubject(userID int64) string {
	return SubjectNotify + "." + strconv.FormatInt(userID, 10)
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	log  zerolog.Logger
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "pairchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	logger := logging.Component("nats")

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info().Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn: nc,
		log:  logger,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// subscribe registers a handler under key and keeps the subscription for
// later cleanup. An existing subscription under the same key is replaced.
func (c *NATSClient) subscribe(key, subject, queue string, handler func(data []byte)) error {
	cb := func(msg *nats.Msg) { handler(msg.Data) }

	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = c.conn.QueueSubscribe(subject, queue, cb)
	} else {
		sub, err = c.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	if old, ok := c.subs[key]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

// PublishAction forwards a user action to the engine.
func (c *NATSClient) PublishAction(data []byte) error {
	return c.Publish(SubjectAction, data)
}

// SubscribeActions consumes user actions in the engine's queue group.
func (c *NATSClient) SubscribeActions(handler func(data []byte)) error {
	return c.subscribe(SubjectAction, SubjectAction, QueueEngine, handler)
}

// PublishNotice sends an engine notice to one user.
func (c *NATSClient) PublishNotice(userID int64, data []byte) error {
	return c.Publish(NotifySubject(userID), data)
}

// SubscribeNotify subscribes to a user's notices. A second subscription for
// the same user replaces the first.
func (c *NATSClient) SubscribeNotify(userID int64, handler func(data []byte)) error {
	subject := NotifySubject(userID)
	return c.subscribe(subject, subject, "", handler)
}

// UnsubscribeNotify drops a user's notice subscription.
func (c *NATSClient) UnsubscribeNotify(userID int64) error {
	return c.unsubscribe(NotifySubject(userID))
}

// PublishPresence reports a connect or disconnect.
func (c *NATSClient) PublishPresence(data []byte) error {
	return c.Publish(SubjectPresence, data)
}

// SubscribePresence consumes presence events.
func (c *NATSClient) SubscribePresence(handler func(data []byte)) error {
	return c.subscribe(SubjectPresence, SubjectPresence, QueueEngine, handler)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn().Err(err).Str("subject", subject).Msg("drain subscription")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("connection drain")
	}

	c.log.Info().Msg("client closed")
}

// unsubscribe removes and unsubscribes the subscription stored under key.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
