// Package room tracks which conversation rooms the session observes. Joins
// are only sent while the channel is ready; requests made earlier are parked
// and sent once, a short settle delay after readiness.
//
// All methods must be called from the session's event loop.
package room

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/megan/livesync/internal/bus"
	"github.com/megan/livesync/internal/eventloop"
	"github.com/megan/livesync/internal/metrics"
	"github.com/megan/livesync/internal/protocol"
)

// Emitter sends room requests over the channel.
type Emitter interface {
	JoinConversation(conversationID string) bool
	LeaveConversation(conversationID string) bool
}

// Config holds room tuning parameters.
type Config struct {
	// SettleDelay is how long after the channel becomes ready a join may be
	// sent. The server accepts room operations slightly after its
	// authenticated acknowledgment.
	SettleDelay time.Duration
}

// DefaultConfig returns the default settle delay.
func DefaultConfig() Config {
	return Config{SettleDelay: 100 * time.Millisecond}
}

// Membership is the state of one observed conversation.
type Membership struct {
	ConversationID string
	Joined         bool // join sent while the gate was open
	Acked          bool // server confirmed the join

	timer *eventloop.Timer
}

// Manager owns the session's memberships.
type Manager struct {
	loop   *eventloop.Loop
	emit   Emitter
	config Config
	log    zerolog.Logger

	open     bool
	openedAt time.Time
	rooms    map[string]*Membership
	order    []string
}

// NewManager creates a Manager with a closed gate.
func NewManager(loop *eventloop.Loop, emit Emitter, config Config, logger zerolog.Logger) *Manager {
	return &Manager{
		loop:   loop,
		emit:   emit,
		config: config,
		log:    logger.With().Str("component", "room").Logger(),
		rooms:  make(map[string]*Membership),
	}
}

// Register subscribes the manager to join/leave acknowledgments.
func (m *Manager) Register(sc *bus.Scope) {
	sc.On(protocol.TypeJoinedConversation, func(data json.RawMessage) {
		id := protocol.ConversationID(data)
		if mb, ok := m.rooms[id]; ok && mb.Joined {
			mb.Acked = true
		}
		m.log.Debug().Str("conversation", id).Msg("join acknowledged")
	})
	sc.On(protocol.TypeLeftConversation, func(data json.RawMessage) {
		m.log.Debug().Str("conversation", protocol.ConversationID(data)).Msg("leave acknowledged")
	})
}

// SetGate opens or closes the readiness gate. Opening it schedules every
// membership that is not joined; closing it marks every membership stale.
func (m *Manager) SetGate(open bool) {
	if open == m.open {
		return
	}
	m.open = open

	if open {
		m.openedAt = m.loop.Clock().Now()
		for _, id := range m.order {
			if mb := m.rooms[id]; !mb.Joined {
				m.schedule(mb)
			}
		}
		return
	}

	for _, id := range m.order {
		mb := m.rooms[id]
		mb.timer.Stop()
		mb.timer = nil
		mb.Joined = false
		mb.Acked = false
	}
	metrics.RoomsJoined.Set(0)
	m.log.Debug().Int("rooms", len(m.order)).Msg("gate closed, memberships stale")
}

// Open reports whether the gate is open.
func (m *Manager) Open() bool { return m.open }

// Join requests observation of a conversation. Repeated requests for the same
// id are ignored.
func (m *Manager) Join(conversationID string) {
	if conversationID == "" {
		return
	}
	if _, ok := m.rooms[conversationID]; ok {
		return
	}
	mb := &Membership{ConversationID: conversationID}
	m.rooms[conversationID] = mb
	m.order = append(m.order, conversationID)

	if !m.open {
		m.log.Debug().Str("conversation", conversationID).Msg("join deferred until channel is ready")
		return
	}
	m.schedule(mb)
}

// Leave ends observation of a conversation. The leave request is sent even if
// the join was never acknowledged.
func (m *Manager) Leave(conversationID string) {
	mb, ok := m.rooms[conversationID]
	if !ok {
		return
	}
	mb.timer.Stop()
	delete(m.rooms, conversationID)
	for i, id := range m.order {
		if id == conversationID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.emit.LeaveConversation(conversationID)
	m.updateJoinedGauge()
}

// LeaveAll leaves every membership.
func (m *Manager) LeaveAll() {
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	for _, id := range ids {
		m.Leave(id)
	}
}

// Member reports whether events tagged with conversationID are currently
// relevant: the room is joined on a live, authenticated channel.
func (m *Manager) Member(conversationID string) bool {
	mb, ok := m.rooms[conversationID]
	return ok && mb.Joined
}

// Membership returns a copy of the membership for conversationID.
func (m *Manager) Membership(conversationID string) (Membership, bool) {
	mb, ok := m.rooms[conversationID]
	if !ok {
		return Membership{}, false
	}
	return Membership{ConversationID: mb.ConversationID, Joined: mb.Joined, Acked: mb.Acked}, true
}

// Rooms returns the requested conversation ids in request order.
func (m *Manager) Rooms() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

func (m *Manager) schedule(mb *Membership) {
	if mb.timer.Active() {
		return
	}
	wait := m.config.SettleDelay - m.loop.Clock().Now().Sub(m.openedAt)
	if wait <= 0 {
		m.send(mb)
		return
	}
	mb.timer = m.loop.AfterFunc(wait, func() { m.send(mb) })
}

func (m *Manager) send(mb *Membership) {
	mb.timer = nil
	if !m.open || mb.Joined || m.rooms[mb.ConversationID] != mb {
		return
	}
	if !m.emit.JoinConversation(mb.ConversationID) {
		m.log.Warn().Str("conversation", mb.ConversationID).Msg("join not sent")
		return
	}
	mb.Joined = true
	m.updateJoinedGauge()
	m.log.Info().Str("conversation", mb.ConversationID).Msg("joined room")
}

func (m *Manager) updateJoinedGauge() {
	n := 0
	for _, mb := range m.rooms {
		if mb.Joined {
			n++
		}
	}
	metrics.RoomsJoined.Set(float64(n))
}
