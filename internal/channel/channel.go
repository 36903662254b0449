// Package channel owns the single realtime connection of a session. It runs
// the transport handshake, the application-level authenticate exchange, and
// publishes every inbound event on the session's bus.
//
// All methods must be called from the session's event loop.
package channel

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/megan/livesync/internal/bus"
	"github.com/megan/livesync/internal/credential"
	"github.com/megan/livesync/internal/eventloop"
	"github.com/megan/livesync/internal/metrics"
	"github.com/megan/livesync/internal/protocol"
	"github.com/megan/livesync/internal/syncerr"
)

// Transport is one established connection.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// DialFunc opens a transport carrying the bearer token.
type DialFunc func(ctx context.Context, token string) (Transport, error)

// Config holds channel tuning parameters.
type Config struct {
	ConnectTimeout time.Duration
}

// DefaultConfig returns the dashboard's socket defaults.
func DefaultConfig() Config {
	return Config{ConnectTimeout: 20 * time.Second}
}

type observer[T any] struct {
	fn       func(T)
	released bool
}

// Channel is the session's realtime channel.
type Channel struct {
	loop   *eventloop.Loop
	bus    *bus.Bus
	creds  credential.Source
	dial   DialFunc
	config Config
	log    zerolog.Logger

	state   State
	lastErr error
	conn    Transport
	// gen is bumped on every connect attempt and every disconnect; results
	// and frames carrying an older generation are discarded.
	gen uint64

	stateObs []*observer[State]
	errObs   []*observer[error]
}

// New creates a disconnected channel that publishes inbound events on b.
func New(loop *eventloop.Loop, b *bus.Bus, creds credential.Source, dial DialFunc, config Config, logger zerolog.Logger) *Channel {
	return &Channel{
		loop:   loop,
		bus:    b,
		creds:  creds,
		dial:   dial,
		config: config,
		log:    logger.With().Str("component", "channel").Logger(),
	}
}

// State returns the current state.
func (c *Channel) State() State { return c.state }

// LastError returns the most recent failure, cleared by the next connect
// attempt.
func (c *Channel) LastError() error { return c.lastErr }

// Bus returns the bus inbound events are published on.
func (c *Channel) Bus() *bus.Bus { return c.bus }

// OnStateChange registers fn to be called after every state transition. The
// returned function releases the registration; it must run on the loop.
func (c *Channel) OnStateChange(fn func(State)) (release func()) {
	o := &observer[State]{fn: fn}
	c.stateObs = append(c.stateObs, o)
	return func() { c.stateObs = without(c.stateObs, o) }
}

// OnError registers fn to be called with every classified failure.
func (c *Channel) OnError(fn func(error)) (release func()) {
	o := &observer[error]{fn: fn}
	c.errObs = append(c.errObs, o)
	return func() { c.errObs = without(c.errObs, o) }
}

// Connect starts a connection attempt. It is a no-op unless the channel is
// disconnected. Failures are reported through OnError, never returned.
func (c *Channel) Connect() {
	if c.state != Disconnected {
		c.log.Debug().Str("state", c.state.String()).Msg("connect ignored")
		return
	}

	cred, err := c.creds.Credential()
	if err != nil {
		c.fail(syncerr.New(syncerr.AuthMissing, "connect", err))
		return
	}

	c.gen++
	gen := c.gen
	c.lastErr = nil
	c.setState(Connecting)

	timeout := c.config.ConnectTimeout
	dial := c.dial
	c.loop.Go(func() func() {
		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		conn, err := dial(ctx, cred.Token)
		return func() { c.dialed(gen, cred, conn, err) }
	})
}

func (c *Channel) dialed(gen uint64, cred credential.Credential, conn Transport, err error) {
	if gen != c.gen {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.setState(Disconnected)
		c.fail(syncerr.New(syncerr.TransportError, "dial", err))
		return
	}

	c.conn = conn
	c.setState(Connected)
	c.Emit(protocol.TypeAuthenticate, protocol.AuthenticatePayload{
		Token:  cred.Token,
		UserID: cred.UserID,
	})
	go c.readLoop(gen, conn)
}

// readLoop runs on its own goroutine and hands every frame to the loop.
func (c *Channel) readLoop(gen uint64, conn Transport) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.loop.Post(func() { c.lost(gen, err) })
			return
		}
		if !c.loop.Post(func() { c.receive(gen, data) }) {
			return
		}
	}
}

func (c *Channel) lost(gen uint64, err error) {
	if gen != c.gen {
		return
	}
	c.gen++
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.setState(Disconnected)
	c.fail(syncerr.New(syncerr.TransportError, "read", err))
}

func (c *Channel) receive(gen uint64, data []byte) {
	if gen != c.gen {
		return
	}
	env, err := protocol.Decode(data)
	if err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed frame")
		return
	}
	metrics.EventsTotal.WithLabelValues("in", env.Type).Inc()

	switch env.Type {
	case protocol.TypeAuthenticated:
		if c.state == Connected {
			c.setState(Authenticated)
		}
	case protocol.TypeAuthenticationError:
		var p protocol.AuthenticationErrorPayload
		_ = protocol.DecodeData(env.Type, env.Data, &p)
		reason := p.Message
		if reason == "" {
			reason = "credential declined"
		}
		c.fail(syncerr.New(syncerr.AuthRejected, "authenticate", errors.New(reason)))
	}

	c.bus.Publish(env.Type, env.Data)
}

// Disconnect closes the connection and releases every handler registered on
// the bus and every observer. It is safe to call in any state and more than
// once.
func (c *Channel) Disconnect() {
	c.gen++
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.setState(Disconnected)
	c.bus.Clear()
	c.stateObs = nil
	c.errObs = nil
}

// Emit sends one event. When the transport is down the event is dropped and
// false is returned.
func (c *Channel) Emit(event string, payload interface{}) bool {
	if c.conn == nil || !c.state.Live() {
		c.log.Warn().Str("event", event).Str("state", c.state.String()).Msg("not connected, dropping event")
		metrics.EventsTotal.WithLabelValues("dropped", event).Inc()
		return false
	}
	data, err := protocol.Encode(event, payload)
	if err != nil {
		c.log.Error().Err(err).Str("event", event).Msg("failed to encode event")
		return false
	}
	if err := c.conn.WriteMessage(data); err != nil {
		// The read loop observes the broken connection and reports it.
		c.log.Warn().Err(err).Str("event", event).Msg("failed to send event")
		return false
	}
	metrics.EventsTotal.WithLabelValues("out", event).Inc()
	return true
}

// ---------------------------------------------------------------------------
// Event helpers
// ---------------------------------------------------------------------------

// JoinConversation asks the server to add this session to a room.
func (c *Channel) JoinConversation(conversationID string) bool {
	return c.Emit(protocol.TypeJoinConversation, conversationID)
}

// LeaveConversation asks the server to remove this session from a room.
func (c *Channel) LeaveConversation(conversationID string) bool {
	return c.Emit(protocol.TypeLeaveConversation, conversationID)
}

// StartTyping signals local typing activity.
func (c *Channel) StartTyping(conversationID string) bool {
	return c.Emit(protocol.TypeTypingStart, protocol.TypingPayload{ConversationID: conversationID})
}

// StopTyping signals the end of local typing activity.
func (c *Channel) StopTyping(conversationID string) bool {
	return c.Emit(protocol.TypeTypingStop, protocol.TypingPayload{ConversationID: conversationID})
}

// MarkAsRead sends a read receipt.
func (c *Channel) MarkAsRead(conversationID, messageID string) bool {
	return c.Emit(protocol.TypeMarkAsRead, protocol.MarkAsReadPayload{
		ConversationID: conversationID,
		MessageID:      messageID,
	})
}

// RequestHumanTakeover asks the backend to pause the bot for a conversation.
func (c *Channel) RequestHumanTakeover(conversationID string) bool {
	return c.Emit(protocol.TypeRequestHumanTakeover, protocol.TakeoverPayload{ConversationID: conversationID})
}

// AssignConversation assigns a conversation to an agent.
func (c *Channel) AssignConversation(conversationID, agentID string) bool {
	return c.Emit(protocol.TypeAssignConversation, protocol.AssignPayload{
		ConversationID: conversationID,
		AssignedTo:     agentID,
	})
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

func (c *Channel) setState(s State) {
	if s == c.state {
		return
	}
	prev := c.state
	c.state = s
	metrics.ChannelState.Set(float64(s))
	c.log.Info().Str("from", prev.String()).Str("to", s.String()).Msg("state changed")

	for _, o := range snapshot(c.stateObs) {
		if !o.released {
			o.fn(s)
		}
	}
}

func (c *Channel) fail(err *syncerr.Error) {
	c.lastErr = err
	metrics.ChannelErrors.WithLabelValues(string(err.Kind)).Inc()
	c.log.Warn().Err(err).Str("kind", string(err.Kind)).Msg("channel failure")

	for _, o := range snapshot(c.errObs) {
		if !o.released {
			o.fn(err)
		}
	}
}

func snapshot[T any](list []*observer[T]) []*observer[T] {
	return append(([]*observer[T])(nil), list...)
}

// without marks o released and returns a new list without it, so a snapshot
// being dispatched is left untouched.
func without[T any](list []*observer[T], o *observer[T]) []*observer[T] {
	o.released = true
	out := make([]*observer[T], 0, len(list))
	for _, x := range list {
		if x != o {
			out = append(out, x)
		}
	}
	return out
}
