// Package typing turns local input activity into rate-limited typing signals
// and keeps the set of remote participants currently typing in each
// conversation.
//
// All methods must be called from the session's event loop.
package typing

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/megan/livesync/internal/bus"
	"github.com/megan/livesync/internal/eventloop"
	"github.com/megan/livesync/internal/protocol"
)

// Emitter sends typing signals over the channel.
type Emitter interface {
	StartTyping(conversationID string) bool
	StopTyping(conversationID string) bool
}

// Config holds typing tuning parameters.
type Config struct {
	// IdleTimeout ends a local burst after this much inactivity.
	IdleTimeout time.Duration
	// RemoteTTL drops a remote typing entry that was not refreshed or stopped
	// within this window. Zero keeps entries until an explicit stop.
	RemoteTTL time.Duration
}

// DefaultConfig returns the default timings.
func DefaultConfig() Config {
	return Config{IdleTimeout: 2 * time.Second}
}

// ChangeFunc is called with the remote typing set of the displayed
// conversation whenever it changes.
type ChangeFunc func(conversationID string, users []string)

// Coordinator owns local typing timers and remote typing sets.
type Coordinator struct {
	loop   *eventloop.Loop
	emit   Emitter
	config Config
	log    zerolog.Logger

	relevant func(conversationID string) bool
	onChange ChangeFunc

	active string
	// local holds the idle timer of every conversation with an active burst.
	local  map[string]*eventloop.Timer
	remote map[string]map[string]*eventloop.Timer
}

// New creates a Coordinator.
func New(loop *eventloop.Loop, emit Emitter, config Config, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		loop:   loop,
		emit:   emit,
		config: config,
		log:    logger.With().Str("component", "typing").Logger(),
		local:  make(map[string]*eventloop.Timer),
		remote: make(map[string]map[string]*eventloop.Timer),
	}
}

// SetRelevance installs the check used to drop remote signals for rooms the
// session does not observe.
func (c *Coordinator) SetRelevance(fn func(conversationID string) bool) { c.relevant = fn }

// OnChange installs the displayed-set callback.
func (c *Coordinator) OnChange(fn ChangeFunc) { c.onChange = fn }

// Register subscribes the coordinator to remote typing signals.
func (c *Coordinator) Register(sc *bus.Scope) {
	sc.On(protocol.TypeUserTyping, func(data json.RawMessage) {
		var p protocol.UserTypingPayload
		if err := protocol.DecodeData(protocol.TypeUserTyping, data, &p); err != nil {
			c.log.Warn().Err(err).Msg("dropping user_typing")
			return
		}
		c.OnRemoteTyping(p.ConversationID, p.UserID, p.IsTyping)
	})
}

// ---------------------------------------------------------------------------
// Local activity
// ---------------------------------------------------------------------------

// NotifyLocalActivity reports an input change in conversationID. Content
// starts a burst (one typing_start) or extends it; empty content ends it
// immediately.
func (c *Coordinator) NotifyLocalActivity(conversationID string, hasContent bool) {
	if conversationID == "" {
		return
	}
	if !hasContent {
		c.StopLocal(conversationID)
		return
	}

	if t, ok := c.local[conversationID]; ok {
		t.Stop()
	} else {
		c.emit.StartTyping(conversationID)
	}
	c.local[conversationID] = c.loop.AfterFunc(c.config.IdleTimeout, func() {
		delete(c.local, conversationID)
		c.emit.StopTyping(conversationID)
	})
}

// StopLocal ends local typing in conversationID right away, for instance
// because the input was cleared or the message was sent.
func (c *Coordinator) StopLocal(conversationID string) {
	if t, ok := c.local[conversationID]; ok {
		t.Stop()
		delete(c.local, conversationID)
	}
	c.emit.StopTyping(conversationID)
}

// Typing reports whether a local burst is active in conversationID.
func (c *Coordinator) Typing(conversationID string) bool {
	_, ok := c.local[conversationID]
	return ok
}

// SetActive switches the displayed conversation. An active burst in the
// previous conversation is ended and its timer cancelled.
func (c *Coordinator) SetActive(conversationID string) {
	if conversationID == c.active {
		return
	}
	prev := c.active
	c.active = conversationID
	if _, ok := c.local[prev]; ok {
		c.StopLocal(prev)
	}
	c.notify(conversationID)
}

// Active returns the displayed conversation.
func (c *Coordinator) Active() string { return c.active }

// ---------------------------------------------------------------------------
// Remote activity
// ---------------------------------------------------------------------------

// OnRemoteTyping records a remote participant's typing state. Signals for
// rooms the session does not observe are dropped.
func (c *Coordinator) OnRemoteTyping(conversationID, userID string, isTyping bool) {
	if conversationID == "" || userID == "" {
		return
	}
	if c.relevant != nil && !c.relevant(conversationID) {
		c.log.Debug().Str("conversation", conversationID).Msg("typing signal for unobserved room dropped")
		return
	}

	set := c.remote[conversationID]
	if t, ok := set[userID]; ok {
		t.Stop()
	}

	if isTyping {
		if set == nil {
			set = make(map[string]*eventloop.Timer)
			c.remote[conversationID] = set
		}
		var ttl *eventloop.Timer
		if c.config.RemoteTTL > 0 {
			ttl = c.loop.AfterFunc(c.config.RemoteTTL, func() {
				delete(set, userID)
				c.log.Debug().Str("conversation", conversationID).Str("user", userID).Msg("remote typing expired")
				c.notify(conversationID)
			})
		}
		set[userID] = ttl
	} else {
		delete(set, userID)
		if len(set) == 0 {
			delete(c.remote, conversationID)
		}
	}

	c.notify(conversationID)
}

// Remote returns the users typing in conversationID, sorted.
func (c *Coordinator) Remote(conversationID string) []string {
	set := c.remote[conversationID]
	users := make([]string, 0, len(set))
	for u := range set {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Displayed returns the users typing in the displayed conversation.
func (c *Coordinator) Displayed() []string { return c.Remote(c.active) }

// ClearRemote forgets every remote entry of conversationID.
func (c *Coordinator) ClearRemote(conversationID string) {
	set, ok := c.remote[conversationID]
	if !ok {
		return
	}
	for _, t := range set {
		t.Stop()
	}
	delete(c.remote, conversationID)
	c.notify(conversationID)
}

// Reset cancels every timer without emitting anything.
func (c *Coordinator) Reset() {
	for id, t := range c.local {
		t.Stop()
		delete(c.local, id)
	}
	for id, set := range c.remote {
		for _, t := range set {
			t.Stop()
		}
		delete(c.remote, id)
	}
}

func (c *Coordinator) notify(conversationID string) {
	if c.onChange == nil || conversationID != c.active || conversationID == "" {
		return
	}
	c.onChange(conversationID, c.Remote(conversationID))
}
