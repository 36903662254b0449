// Package notify is the transient notice queue of a session. Producers call
// Notify; the owning view subscribes to renders and dismissals. Notices
// dismiss themselves after a fixed time.
//
// All methods must be called from the session's event loop.
package notify

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/megan/livesync/internal/eventloop"
	"github.com/megan/livesync/internal/metrics"
)

// Kind is the severity of a notice.
type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindInfo    Kind = "info"
)

// Notice is one user-visible message.
type Notice struct {
	ID      uuid.UUID `json:"id"`
	Kind    Kind      `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Event is delivered to subscribers when a notice appears or goes away.
type Event struct {
	Notice    Notice
	Dismissed bool
}

// Sink receives a copy of every new notice, for forwarding outside the
// process.
type Sink interface {
	Forward(n Notice)
}

// Config holds queue tuning parameters.
type Config struct {
	TTL        time.Duration // auto-dismiss delay
	MaxVisible int           // older notices are dismissed beyond this
}

// DefaultConfig returns the dashboard's toast behaviour.
func DefaultConfig() Config {
	return Config{TTL: 4 * time.Second, MaxVisible: 3}
}

type entry struct {
	notice Notice
	timer  *eventloop.Timer
}

type subscriber struct {
	fn       func(Event)
	released bool
}

// Queue holds the visible notices.
type Queue struct {
	loop   *eventloop.Loop
	config Config
	log    zerolog.Logger

	visible []*entry
	subs    []*subscriber
	sinks   []Sink
}

// NewQueue creates an empty queue.
func NewQueue(loop *eventloop.Loop, config Config, logger zerolog.Logger) *Queue {
	return &Queue{
		loop:   loop,
		config: config,
		log:    logger.With().Str("component", "notify").Logger(),
	}
}

// Subscribe registers fn for notice events. The returned function releases
// it.
func (q *Queue) Subscribe(fn func(Event)) (release func()) {
	s := &subscriber{fn: fn}
	q.subs = append(q.subs, s)
	return func() { s.released = true }
}

// AddSink forwards every future notice to s.
func (q *Queue) AddSink(s Sink) {
	q.sinks = append(q.sinks, s)
}

// Notify shows a notice.
func (q *Queue) Notify(kind Kind, message string) Notice {
	n := Notice{
		ID:      uuid.New(),
		Kind:    kind,
		Message: message,
		At:      q.loop.Clock().Now(),
	}
	e := &entry{notice: n}
	if q.config.TTL > 0 {
		e.timer = q.loop.AfterFunc(q.config.TTL, func() { q.Dismiss(n.ID) })
	}
	q.visible = append(q.visible, e)
	metrics.NoticesTotal.WithLabelValues(string(kind)).Inc()

	ev := q.log.Info()
	if kind == KindError {
		ev = q.log.Warn()
	}
	ev.Str("kind", string(kind)).Str("notice", n.ID.String()).Msg(message)

	q.publish(Event{Notice: n})
	for _, s := range q.sinks {
		s.Forward(n)
	}

	for q.config.MaxVisible > 0 && len(q.visible) > q.config.MaxVisible {
		q.Dismiss(q.visible[0].notice.ID)
	}
	return n
}

// Success shows a success notice.
func (q *Queue) Success(message string) Notice { return q.Notify(KindSuccess, message) }

// Error shows an error notice.
func (q *Queue) Error(message string) Notice { return q.Notify(KindError, message) }

// Dismiss removes a notice before its timer fires. Unknown ids are ignored.
func (q *Queue) Dismiss(id uuid.UUID) {
	for i, e := range q.visible {
		if e.notice.ID != id {
			continue
		}
		e.timer.Stop()
		q.visible = append(q.visible[:i], q.visible[i+1:]...)
		q.publish(Event{Notice: e.notice, Dismissed: true})
		return
	}
}

// Visible returns the notices currently shown, oldest first.
func (q *Queue) Visible() []Notice {
	out := make([]Notice, len(q.visible))
	for i, e := range q.visible {
		out[i] = e.notice
	}
	return out
}

// Close cancels every pending dismissal and drops all notices silently.
func (q *Queue) Close() {
	for _, e := range q.visible {
		e.timer.Stop()
	}
	q.visible = nil
	q.subs = nil
}

func (q *Queue) publish(ev Event) {
	subs := make([]*subscriber, len(q.subs))
	copy(subs, q.subs)
	for _, s := range subs {
		if !s.released {
			s.fn(ev)
		}
	}
}
