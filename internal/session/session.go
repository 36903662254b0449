// Package session wires one owning view's sync layer: the realtime channel,
// room memberships, typing signals, refetch reconciliation, notices and the
// view state they feed. A Session is created when the view mounts and closed
// when it unmounts; nothing in it is shared with other sessions.
package session

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/megan/livesync/internal/api"
	"github.com/megan/livesync/internal/bus"
	"github.com/megan/livesync/internal/channel"
	"github.com/megan/livesync/internal/clock"
	"github.com/megan/livesync/internal/credential"
	"github.com/megan/livesync/internal/eventloop"
	"github.com/megan/livesync/internal/notify"
	"github.com/megan/livesync/internal/reconcile"
	"github.com/megan/livesync/internal/room"
	"github.com/megan/livesync/internal/syncerr"
	"github.com/megan/livesync/internal/typing"
	"github.com/megan/livesync/internal/view"
	"github.com/megan/livesync/internal/ws"
)

var (
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session: closed")
	// ErrNoConversation is returned when an operation needs a displayed
	// conversation and none is shown.
	ErrNoConversation = errors.New("session: no conversation displayed")
	// ErrNotConnected is returned when a realtime request could not be sent.
	ErrNotConnected = errors.New("session: channel not connected")
)

// Config groups the tuning of every component.
type Config struct {
	Channel   channel.Config
	Room      room.Config
	Typing    typing.Config
	Reconcile reconcile.Config
	Notify    notify.Config
}

// DefaultConfig returns the dashboard's defaults.
func DefaultConfig() Config {
	return Config{
		Channel:   channel.DefaultConfig(),
		Room:      room.DefaultConfig(),
		Typing:    typing.DefaultConfig(),
		Reconcile: reconcile.DefaultConfig(),
		Notify:    notify.DefaultConfig(),
	}
}

// Option customises a Session.
type Option func(*options)

type options struct {
	clock  clock.Clock
	mirror view.Mirror
	sinks  []notify.Sink
	id     string
}

// WithClock runs the session's timers on clk.
func WithClock(clk clock.Clock) Option { return func(o *options) { o.clock = clk } }

// WithMirror copies every view change to m.
func WithMirror(m view.Mirror) Option { return func(o *options) { o.mirror = m } }

// WithNoticeSink forwards every notice to s.
func WithNoticeSink(s notify.Sink) Option { return func(o *options) { o.sinks = append(o.sinks, s) } }

// WithID sets the instance id used by the mirror and notice forwarding.
func WithID(id string) Option { return func(o *options) { o.id = id } }

// WSDial adapts a websocket dialer to the channel.
func WSDial(d *ws.Dialer) channel.DialFunc {
	return func(ctx context.Context, token string) (channel.Transport, error) {
		conn, err := d.Dial(ctx, token)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Session is the sync layer of one owning view. Its methods are safe to call
// from any goroutine except the callbacks it invokes.
type Session struct {
	id   string
	loop *eventloop.Loop
	log  zerolog.Logger
	rest api.Collaborator

	bus     *bus.Bus
	channel *channel.Channel
	rooms   *room.Manager
	typing  *typing.Coordinator
	rec     *reconcile.Controller
	notices *notify.Queue
	state   *view.State
	scope   *bus.Scope
	syncer  *view.Syncer

	errMu   sync.Mutex
	onError []func(error)

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a session. Nothing is sent until Start.
func New(config Config, creds credential.Source, rest api.Collaborator, dial channel.DialFunc, logger zerolog.Logger, opts ...Option) *Session {
	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}

	s := &Session{
		id:   o.id,
		loop: eventloop.New(o.clock),
		log:  logger.With().Str("component", "session").Str("session", o.id).Logger(),
		rest: rest,
		done: make(chan struct{}),
	}

	s.loop.Do(func() {
		s.bus = bus.New()
		s.state = view.New(s.loop.Clock().Now)
		s.notices = notify.NewQueue(s.loop, config.Notify, logger)
		for _, sink := range o.sinks {
			s.notices.AddSink(sink)
		}

		s.channel = channel.New(s.loop, s.bus, creds, dial, config.Channel, logger)
		s.rooms = room.NewManager(s.loop, s.channel, config.Room, logger)

		s.typing = typing.New(s.loop, s.channel, config.Typing, logger)
		s.typing.SetRelevance(s.rooms.Member)
		s.typing.OnChange(func(_ string, users []string) { s.state.SetTyping(users) })

		s.rec = reconcile.New(s.loop, rest, s.channel, s.notices, s.state, config.Reconcile, logger)
		s.rec.SetRelevance(s.rooms.Member)
		s.rec.OnError(s.reportError)

		if o.mirror != nil {
			s.syncer = view.NewSyncer(o.mirror, o.id, logger)
			s.state.OnChange(s.syncer.Push)
		}
	})
	return s
}

// ID returns the session instance id.
func (s *Session) ID() string { return s.id }

// Start registers the components on the bus and connects the channel.
// Calling it again only retries the connection.
func (s *Session) Start() error {
	return s.do(func() {
		if s.scope == nil {
			s.wire()
		}
		s.channel.Connect()
	})
}

// wire registers the bus handlers and channel observers.
func (s *Session) wire() {
	s.scope = s.bus.Scope()
	s.rooms.Register(s.scope)
	s.typing.Register(s.scope)
	s.rec.Register(s.scope)

	s.channel.OnStateChange(func(st channel.State) {
		s.rooms.SetGate(st.Ready())
	})
	s.channel.OnError(func(err error) {
		s.notices.Notify(notify.KindError, channelNotice(err))
		s.reportError(err)
	})
}

// Reconnect starts a new connection attempt after a failure. Memberships are
// rejoined once the channel is ready again.
func (s *Session) Reconnect() error {
	return s.do(func() {
		if s.channel.State() != channel.Disconnected {
			return
		}
		s.channel.Connect()
	})
}

// OnError registers fn for every classified failure. Failures are also shown
// as notices.
func (s *Session) OnError(fn func(error)) {
	s.errMu.Lock()
	s.onError = append(s.onError, fn)
	s.errMu.Unlock()
}

// OnViewChange registers fn for view changes. fn runs on the session loop
// and must not call back into the session.
func (s *Session) OnViewChange(fn func(view.Change, view.Snapshot)) (release func()) {
	var rel func()
	_ = s.do(func() { rel = s.state.OnChange(fn) })
	if rel == nil {
		return func() {}
	}
	return func() { s.loop.Post(rel) }
}

// OnNotice registers fn for notices. fn runs on the session loop and must not
// call back into the session.
func (s *Session) OnNotice(fn func(notify.Event)) (release func()) {
	var rel func()
	_ = s.do(func() { rel = s.notices.Subscribe(fn) })
	if rel == nil {
		return func() {}
	}
	return func() { s.loop.Post(rel) }
}

// ChannelState returns the current channel state.
func (s *Session) ChannelState() channel.State {
	st := channel.Disconnected
	_ = s.do(func() { st = s.channel.State() })
	return st
}

// Snapshot returns a copy of the view state.
func (s *Session) Snapshot() view.Snapshot {
	var snap view.Snapshot
	_ = s.do(func() { snap = s.state.Snapshot() })
	return snap
}

// Rooms returns the observed conversations.
func (s *Session) Rooms() []string {
	var ids []string
	_ = s.do(func() { ids = s.rooms.Rooms() })
	return ids
}

// Notices returns the visible notices.
func (s *Session) Notices() []notify.Notice {
	var out []notify.Notice
	_ = s.do(func() { out = s.notices.Visible() })
	return out
}

// ---------------------------------------------------------------------------
// View operations
// ---------------------------------------------------------------------------

// ShowConversation displays conversation id. The previous room is left and
// its typing timer cleared before the new room is joined. An empty id closes
// the conversation.
func (s *Session) ShowConversation(id string) error {
	return s.do(func() {
		prev := s.rec.Conversation()
		if prev == id {
			return
		}
		if prev != "" {
			s.rooms.Leave(prev)
			s.typing.ClearRemote(prev)
		}
		s.typing.SetActive(id)
		if id != "" {
			s.rooms.Join(id)
		}
		s.rec.OpenConversation(id)
		s.log.Info().Str("from", prev).Str("to", id).Msg("conversation displayed")
	})
}

// ShowConnection watches the conversation list of a WhatsApp connection.
func (s *Session) ShowConnection(id string) error {
	return s.do(func() { s.rec.WatchConnection(id) })
}

// TypingActivity reports the current input text of the displayed
// conversation.
func (s *Session) TypingActivity(text string) error {
	return s.do(func() {
		if id := s.rec.Conversation(); id != "" {
			s.typing.NotifyLocalActivity(id, strings.TrimSpace(text) != "")
		}
	})
}

// SendMessage sends text to the displayed conversation and waits for the
// REST answer. Local typing stops first; on success the message list is
// refetched shortly after. Blank text is ignored.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	result := make(chan error, 1)
	err := s.do(func() {
		id := s.rec.Conversation()
		if id == "" {
			result <- ErrNoConversation
			return
		}
		s.typing.StopLocal(id)
		s.loop.Go(func() func() {
			_, err := s.rest.SendMessage(ctx, id, text, "text")
			return func() {
				if err != nil {
					s.log.Error().Err(err).Str("conversation", id).Msg("send failed")
					s.notices.Notify(notify.KindError, "Failed to send message")
				} else {
					s.notices.Notify(notify.KindSuccess, "Message sent")
					if s.rec.Conversation() == id {
						s.rec.RefreshAfterSend()
					}
				}
				result <- err
			}
		})
	})
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

// Takeover asks the backend to hand the displayed conversation from the bot
// to a human agent.
func (s *Session) Takeover() error {
	return s.request(func(id string) bool { return s.channel.RequestHumanTakeover(id) }, "Takeover requested")
}

// Assign assigns the displayed conversation to agentID.
func (s *Session) Assign(agentID string) error {
	return s.request(func(id string) bool { return s.channel.AssignConversation(id, agentID) }, "Conversation assigned")
}

func (s *Session) request(send func(conversationID string) bool, success string) error {
	var err error
	if derr := s.do(func() {
		id := s.rec.Conversation()
		switch {
		case id == "":
			err = ErrNoConversation
		case !send(id):
			err = ErrNotConnected
			s.notices.Notify(notify.KindError, "Not connected to the realtime service")
		default:
			s.notices.Notify(notify.KindSuccess, success)
		}
	}); derr != nil {
		return derr
	}
	return err
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// Close tears the session down: rooms are left, bus handlers released,
// timers cleared and the channel disconnected, in that order. It is safe to
// call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.loop.Do(func() {
			s.rooms.LeaveAll()
			if s.scope != nil {
				s.scope.Release()
			}
			s.typing.Reset()
			s.rec.Reset()
			s.notices.Close()
			s.channel.Disconnect()
		})
		close(s.done)
		s.loop.Close()
		if s.syncer != nil {
			s.syncer.Close()
		}
		s.log.Info().Msg("session closed")
	})
}

// do runs fn on the loop, or returns ErrClosed.
func (s *Session) do(fn func()) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	ran := false
	s.loop.Do(func() {
		fn()
		ran = true
	})
	if !ran {
		return ErrClosed
	}
	return nil
}

func (s *Session) reportError(err error) {
	s.errMu.Lock()
	fns := append(([]func(error))(nil), s.onError...)
	s.errMu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func channelNotice(err error) string {
	switch syncerr.KindOf(err) {
	case syncerr.AuthMissing:
		return "Not logged in"
	case syncerr.AuthRejected:
		return "Realtime authentication failed"
	default:
		return "Realtime connection lost"
	}
}
