// Package reconcile turns realtime notifications into REST refetches. Events
// carry no state the view trusts; they only decide when the authoritative
// copy is reloaded.
//
// All methods must be called from the session's event loop. REST calls run
// off the loop and their results are posted back.
package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/megan/livesync/internal/api"
	"github.com/megan/livesync/internal/bus"
	"github.com/megan/livesync/internal/eventloop"
	"github.com/megan/livesync/internal/metrics"
	"github.com/megan/livesync/internal/notify"
	"github.com/megan/livesync/internal/protocol"
	"github.com/megan/livesync/internal/syncerr"
	"github.com/megan/livesync/internal/view"
)

// Refetch targets, used as metric labels and error ops. The list refetch
// loads the conversation page and the stats together under TargetList;
// TargetStats names the stats half in wrapped errors.
const (
	TargetConversation = "conversation"
	TargetMessages     = "messages"
	TargetList         = "list"
	TargetStats        = "stats"
)

// Emitter sends read receipts over the channel.
type Emitter interface {
	MarkAsRead(conversationID, messageID string) bool
}

// Notifier shows transient notices.
type Notifier interface {
	Notify(kind notify.Kind, message string) notify.Notice
}

// Config holds reconciliation tuning parameters.
type Config struct {
	DebounceWindow   time.Duration // trailing window for list notifications
	SendRefreshDelay time.Duration // messages refetch after a send
	RequestTimeout   time.Duration
	StatsPeriod      string
	PageSize         int
}

// DefaultConfig returns the dashboard's timings.
func DefaultConfig() Config {
	return Config{
		DebounceWindow:   300 * time.Millisecond,
		SendRefreshDelay: 500 * time.Millisecond,
		RequestTimeout:   10 * time.Second,
		StatsPeriod:      "7d",
		PageSize:         50,
	}
}

// Controller decides when to refetch and stores the results in the view.
type Controller struct {
	loop    *eventloop.Loop
	rest    api.Collaborator
	emit    Emitter
	notices Notifier
	view    *view.State
	config  Config
	log     zerolog.Logger

	relevant func(conversationID string) bool
	onError  func(error)

	conversation string
	connection   string
	// convEpoch and listEpoch invalidate in-flight results when the target
	// changes or the controller is reset.
	convEpoch uint64
	listEpoch uint64
	// seq numbers the requests issued per target; only the latest one may
	// apply its result.
	seq map[string]uint64

	debounce map[string]*eventloop.Timer
	refresh  *eventloop.Timer
	read     map[string]struct{}
}

// New creates a Controller writing into state.
func New(loop *eventloop.Loop, rest api.Collaborator, emit Emitter, notices Notifier, state *view.State, config Config, logger zerolog.Logger) *Controller {
	return &Controller{
		loop:     loop,
		rest:     rest,
		emit:     emit,
		notices:  notices,
		view:     state,
		config:   config,
		log:      logger.With().Str("component", "reconcile").Logger(),
		relevant: func(string) bool { return true },
		debounce: make(map[string]*eventloop.Timer),
		read:     make(map[string]struct{}),
		seq:      make(map[string]uint64),
	}
}

// SetRelevance installs the check used to drop events for rooms the session
// does not observe.
func (c *Controller) SetRelevance(fn func(conversationID string) bool) { c.relevant = fn }

// OnError installs a callback for refetch failures.
func (c *Controller) OnError(fn func(error)) { c.onError = fn }

// Register subscribes the controller to the change notifications.
func (c *Controller) Register(sc *bus.Scope) {
	sc.On(protocol.TypeNewMessage, func(data json.RawMessage) {
		id := protocol.ConversationID(data)
		if !c.observing(id) {
			c.dropped(protocol.TypeNewMessage, id)
			return
		}
		c.RefreshMessages()
	})
	sc.On(protocol.TypeConversationUpdated, func(data json.RawMessage) {
		id := protocol.ConversationID(data)
		if !c.observing(id) {
			c.dropped(protocol.TypeConversationUpdated, id)
			return
		}
		c.RefreshConversation()
	})
	sc.On(protocol.TypeConversationsUpdated, func(data json.RawMessage) {
		var p protocol.ConversationsUpdatedPayload
		if err := protocol.DecodeData(protocol.TypeConversationsUpdated, data, &p); err != nil {
			c.log.Warn().Err(err).Msg("dropping conversations_updated")
			return
		}
		if c.connection == "" || p.ConnectionID != c.connection {
			c.dropped(protocol.TypeConversationsUpdated, p.ConnectionID)
			return
		}
		c.scheduleList(p.ConnectionID)
	})
}

func (c *Controller) observing(conversationID string) bool {
	return conversationID != "" && conversationID == c.conversation && c.relevant(conversationID)
}

func (c *Controller) dropped(event, id string) {
	metrics.EventsTotal.WithLabelValues("dropped", event).Inc()
	c.log.Debug().Str("event", event).Str("target", id).Msg("event not relevant, dropped")
}

// ---------------------------------------------------------------------------
// Targets
// ---------------------------------------------------------------------------

// OpenConversation makes id the displayed conversation and loads it. Results
// still in flight for the previous conversation are discarded.
func (c *Controller) OpenConversation(id string) {
	if id == c.conversation {
		return
	}
	c.convEpoch++
	c.refresh.Stop()
	c.refresh = nil
	c.read = make(map[string]struct{})
	c.conversation = id
	c.view.ShowConversation(id)
	if id == "" {
		return
	}
	c.RefreshConversation()
	c.RefreshMessages()
}

// Conversation returns the displayed conversation.
func (c *Controller) Conversation() string { return c.conversation }

// WatchConnection makes id the watched connection and loads its list and
// stats.
func (c *Controller) WatchConnection(id string) {
	if id == c.connection {
		return
	}
	c.listEpoch++
	if t, ok := c.debounce[c.connection]; ok {
		t.Stop()
		delete(c.debounce, c.connection)
	}
	c.connection = id
	c.view.ShowConnection(id)
	if id == "" {
		return
	}
	c.RefreshList()
}

// Connection returns the watched connection.
func (c *Controller) Connection() string { return c.connection }

// ---------------------------------------------------------------------------
// Refetches
// ---------------------------------------------------------------------------

// RefreshConversation reloads the displayed conversation's metadata.
func (c *Controller) RefreshConversation() {
	id, epoch := c.conversation, c.convEpoch
	if id == "" {
		return
	}
	c.view.SetLoading(func(l *view.Loading) { l.Conversation = true })
	c.fetch(TargetConversation, func(ctx context.Context) (func(), error) {
		conv, err := c.rest.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		return func() { c.view.SetConversation(conv) }, nil
	}, func() bool { return epoch == c.convEpoch })
}

// RefreshMessages reloads the first page of the displayed conversation's
// messages and marks the inbound ones read.
func (c *Controller) RefreshMessages() {
	id, epoch := c.conversation, c.convEpoch
	if id == "" {
		return
	}
	c.view.SetLoading(func(l *view.Loading) { l.Messages = true })
	c.fetch(TargetMessages, func(ctx context.Context) (func(), error) {
		page, err := c.rest.GetMessages(ctx, id, 1, c.config.PageSize)
		if err != nil {
			return nil, err
		}
		return func() {
			c.view.SetMessages(id, page.Messages)
			c.markRead(id, page.Messages)
		}, nil
	}, func() bool { return epoch == c.convEpoch })
}

// RefreshAfter reloads the messages after d, replacing an earlier pending
// reload.
func (c *Controller) RefreshAfter(d time.Duration) {
	if c.conversation == "" {
		return
	}
	c.refresh.Stop()
	c.refresh = c.loop.AfterFunc(d, func() {
		c.refresh = nil
		c.RefreshMessages()
	})
}

// RefreshAfterSend schedules the reload that follows a sent message.
func (c *Controller) RefreshAfterSend() { c.RefreshAfter(c.config.SendRefreshDelay) }

// RefreshList reloads the watched connection's list and stats together.
func (c *Controller) RefreshList() {
	conn, epoch := c.connection, c.listEpoch
	if conn == "" {
		return
	}

	c.view.SetLoading(func(l *view.Loading) { l.List = true })
	c.fetch(TargetList, func(ctx context.Context) (func(), error) {
		var (
			page  *api.ConversationPage
			stats *api.Stats
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			page, err = c.rest.GetConversations(gctx, api.ListQuery{ConnectionID: conn, Page: 1, Limit: c.config.PageSize})
			return errors.Wrap(err, TargetList)
		})
		g.Go(func() error {
			var err error
			stats, err = c.rest.GetStats(gctx, conn, c.config.StatsPeriod)
			return errors.Wrap(err, TargetStats)
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return func() {
			c.view.SetList(conn, page)
			c.view.SetStats(conn, stats)
		}, nil
	}, func() bool { return epoch == c.listEpoch })
}

func (c *Controller) scheduleList(topic string) {
	if t, ok := c.debounce[topic]; ok {
		t.Stop()
		metrics.CoalescedEvents.Inc()
	}
	c.debounce[topic] = c.loop.AfterFunc(c.config.DebounceWindow, func() {
		delete(c.debounce, topic)
		if topic == c.connection {
			c.RefreshList()
		}
	})
}

// Pending reports how many list refetches are waiting for their window to
// close.
func (c *Controller) Pending() int { return len(c.debounce) }

// Reset cancels every pending timer and discards in-flight results. Nothing
// is reported.
func (c *Controller) Reset() {
	for topic, t := range c.debounce {
		t.Stop()
		delete(c.debounce, topic)
	}
	c.refresh.Stop()
	c.refresh = nil
	c.convEpoch++
	c.listEpoch++
}

// fetch runs call off the loop and applies its result on the loop if current
// still holds and no newer request for target was issued meanwhile. Older
// results, failures included, are discarded as stale.
func (c *Controller) fetch(target string, call func(ctx context.Context) (func(), error), current func() bool) {
	c.seq[target]++
	seq := c.seq[target]
	c.loop.Go(func() func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
		defer cancel()

		start := time.Now()
		apply, err := call(ctx)
		metrics.RefetchLatency.Observe(time.Since(start).Seconds())

		return func() {
			if !current() || seq != c.seq[target] {
				metrics.RefetchesTotal.WithLabelValues(target, "stale").Inc()
				c.log.Debug().Str("target", target).Msg("discarding stale refetch")
				return
			}
			if err != nil {
				metrics.RefetchesTotal.WithLabelValues(target, "error").Inc()
				c.failed(target, err)
				return
			}
			metrics.RefetchesTotal.WithLabelValues(target, "ok").Inc()
			apply()
		}
	})
}

func (c *Controller) failed(target string, err error) {
	c.view.SetLoading(func(l *view.Loading) {
		switch target {
		case TargetConversation:
			l.Conversation = false
		case TargetMessages:
			l.Messages = false
		case TargetList:
			l.List = false
		}
	})

	serr := syncerr.New(syncerr.RefetchFailed, target, err)
	c.log.Error().Err(err).Str("target", target).Msg("refetch failed")

	msg := failureNotice[target]
	if errors.Is(err, syncerr.ErrUnauthorized) {
		msg = "Session expired, please log in again"
	}
	c.notices.Notify(notify.KindError, msg)
	if c.onError != nil {
		c.onError(serr)
	}
}

var failureNotice = map[string]string{
	TargetConversation: "Failed to load conversation",
	TargetMessages:     "Failed to load messages",
	TargetList:         "Failed to load conversations",
}

// markRead acknowledges inbound messages once each.
func (c *Controller) markRead(conversationID string, messages []api.Message) {
	for _, m := range messages {
		if !m.Inbound() || m.ID == "" {
			continue
		}
		if _, done := c.read[m.ID]; done {
			continue
		}
		if c.emit.MarkAsRead(conversationID, m.ID) {
			c.read[m.ID] = struct{}{}
		}
	}
}
