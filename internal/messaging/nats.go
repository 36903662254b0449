// Package messaging provides a NATS client wrapper used to forward a session's
// user-visible notices to other processes, and to follow them from a
// companion tool.
package messaging

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/megan/livesync/internal/notify"
)

// SubjectNotice is the subject prefix notices are published under, followed
// by the session instance id.
const SubjectNotice = "livesync.notice"

// NATSClient is a NATS connection plus the subscriptions it owns, keyed by
// subject.
type NATSClient struct {
	conn *nats.Conn
	log  zerolog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig configures the connection. MaxReconnects -1 retries forever.
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// DefaultNATSConfig targets a local server and keeps reconnecting.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "livesync",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS and returns a ready client.
func NewNATSClient(config NATSConfig, logger zerolog.Logger) (*NATSClient, error) {
	log := logger.With().Str("component", "nats").Logger()
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Debug().Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn: nc,
		log:  log,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Flush waits until the server has processed everything published so far.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Subscribe registers a handler for subject. The subscription is kept for
// Unsubscribe and Close.
func (c *NATSClient) Subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return errors.Wrapf(err, "nats subscribe %s", subject)
	}

	c.mu.Lock()
	if old, ok := c.subs[subject]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// Unsubscribe removes the subscription for subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return errors.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return errors.Wrapf(err, "nats unsubscribe %s", subject)
	}
	return nil
}

// Close drains all subscriptions and closes the connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn().Err(err).Str("subject", subject).Msg("drain failed")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("connection drain failed")
	}
}

// ---------------------------------------------------------------------------
// Notices
// ---------------------------------------------------------------------------

// NoticeSubject returns the subject a session instance's notices go to.
func NoticeSubject(instanceID string) string {
	return SubjectNotice + "." + instanceID
}

// NoticeForwarder publishes every notice of a session to NATS. Publishing
// failures are logged and otherwise ignored.
type NoticeForwarder struct {
	client  *NATSClient
	subject string
}

var _ notify.Sink = (*NoticeForwarder)(nil)

// NewNoticeForwarder creates a forwarder for instanceID.
func NewNoticeForwarder(client *NATSClient, instanceID string) *NoticeForwarder {
	return &NoticeForwarder{client: client, subject: NoticeSubject(instanceID)}
}

// Forward publishes n as JSON.
func (f *NoticeForwarder) Forward(n notify.Notice) {
	data, err := json.Marshal(n)
	if err != nil {
		f.client.log.Warn().Err(err).Msg("encode notice")
		return
	}
	if err := f.client.Publish(f.subject, data); err != nil {
		f.client.log.Warn().Err(err).Str("subject", f.subject).Msg("forward notice")
	}
}

// FollowNotices calls handler with every notice published for instanceID.
// An instance id of "*" follows every session.
func (c *NATSClient) FollowNotices(instanceID string, handler func(notify.Notice)) error {
	return c.Subscribe(NoticeSubject(instanceID), func(data []byte) {
		var n notify.Notice
		if err := json.Unmarshal(data, &n); err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed notice")
			return
		}
		handler(n)
	})
}
