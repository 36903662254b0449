package reconcile

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/megan/livesync/internal/api"
	"github.com/megan/livesync/internal/bus"
	"github.com/megan/livesync/internal/clock"
	"github.com/megan/livesync/internal/eventloop"
	"github.com/megan/livesync/internal/notify"
	"github.com/megan/livesync/internal/protocol"
	"github.com/megan/livesync/internal/syncerr"
	"github.com/megan/livesync/internal/view"
)

// fakeAPI records calls per target. Each message fetch takes the next entry
// of gates, if any, and blocks until it is closed. The messages it returns
// are the ones set when the call was made.
type fakeAPI struct {
	mu       sync.Mutex
	calls    map[string]int
	fail     map[string]error
	messages []api.Message
	gates    []chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{calls: make(map[string]int), fail: make(map[string]error)}
}

func (f *fakeAPI) record(target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[target]++
	return f.fail[target]
}

func (f *fakeAPI) count(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[target]
}

func (f *fakeAPI) GetConversation(_ context.Context, id string) (*api.Conversation, error) {
	if err := f.record(TargetConversation); err != nil {
		return nil, err
	}
	return &api.Conversation{ID: id, Status: api.StatusActive}, nil
}

func (f *fakeAPI) GetMessages(_ context.Context, id string, page, limit int) (*api.MessagePage, error) {
	f.mu.Lock()
	f.calls[TargetMessages]++
	err := f.fail[TargetMessages]
	var gate chan struct{}
	if len(f.gates) > 0 {
		gate, f.gates = f.gates[0], f.gates[1:]
	}
	msgs := make([]api.Message, len(f.messages))
	for i, m := range f.messages {
		m.ConversationID = id
		msgs[i] = m
	}
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return &api.MessagePage{Messages: msgs}, nil
}

func (f *fakeAPI) setMessages(msgs ...api.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = msgs
}

func (f *fakeAPI) setGates(gates ...chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gates = gates
}

func (f *fakeAPI) SendMessage(context.Context, string, string, string) (*api.SendResult, error) {
	return &api.SendResult{}, nil
}

func (f *fakeAPI) GetConversations(_ context.Context, q api.ListQuery) (*api.ConversationPage, error) {
	if err := f.record(TargetList); err != nil {
		return nil, err
	}
	return &api.ConversationPage{Conversations: []api.Conversation{{ID: "c1", ConnectionID: q.ConnectionID}}}, nil
}

func (f *fakeAPI) GetStats(_ context.Context, connectionID, period string) (*api.Stats, error) {
	if err := f.record(TargetStats); err != nil {
		return nil, err
	}
	return &api.Stats{Period: period}, nil
}

type readRecorder struct {
	reads []string
}

func (r *readRecorder) MarkAsRead(conversationID, messageID string) bool {
	r.reads = append(r.reads, conversationID+"/"+messageID)
	return true
}

type harness struct {
	t      *testing.T
	clk    *clock.Manual
	loop   *eventloop.Loop
	bus    *bus.Bus
	api    *fakeAPI
	reads  *readRecorder
	queue  *notify.Queue
	state  *view.State
	ctrl   *Controller
	member map[string]bool
	errs   []error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clk:    clock.NewManual(time.Unix(0, 0)),
		bus:    bus.New(),
		api:    newFakeAPI(),
		reads:  &readRecorder{},
		member: map[string]bool{},
	}
	h.loop = eventloop.New(h.clk)
	t.Cleanup(h.loop.Close)

	h.loop.Do(func() {
		h.queue = notify.NewQueue(h.loop, notify.DefaultConfig(), zerolog.Nop())
		h.state = view.New(h.clk.Now)
		h.ctrl = New(h.loop, h.api, h.reads, h.queue, h.state, DefaultConfig(), zerolog.Nop())
		h.ctrl.SetRelevance(func(id string) bool { return h.member[id] })
		h.ctrl.OnError(func(err error) { h.errs = append(h.errs, err) })
		h.ctrl.Register(h.bus.Scope())
	})
	return h
}

func (h *harness) do(fn func()) {
	h.loop.Do(fn)
	h.loop.Settle()
}

func (h *harness) publish(event string, payload interface{}) {
	raw, err := json.Marshal(payload)
	require.NoError(h.t, err)
	h.do(func() { h.bus.Publish(event, raw) })
}

func (h *harness) advance(d time.Duration) {
	h.clk.Advance(d)
	h.loop.Settle()
}

func (h *harness) open(id string) {
	h.do(func() {
		h.member[id] = true
		h.ctrl.OpenConversation(id)
	})
}

func TestOpenConversation_InitialLoad(t *testing.T) {
	h := newHarness(t)
	h.api.messages = []api.Message{
		{ID: "m1", Direction: api.DirectionInbound},
		{ID: "m2", Direction: api.DirectionOutbound},
	}

	h.open("c1")

	assert.Equal(t, 1, h.api.count(TargetConversation))
	assert.Equal(t, 1, h.api.count(TargetMessages))
	h.do(func() {
		snap := h.state.Snapshot()
		require.NotNil(t, snap.Conversation)
		assert.Equal(t, "c1", snap.Conversation.ID)
		assert.Len(t, snap.Messages, 2)
		assert.False(t, snap.Loading.Messages)
	})
	assert.Equal(t, []string{"c1/m1"}, h.reads.reads)
}

func TestNewMessage_RefetchesMessagesOnly(t *testing.T) {
	h := newHarness(t)
	h.api.messages = []api.Message{{ID: "m1", Direction: api.DirectionInbound}}
	h.open("c1")

	h.api.messages = append(h.api.messages, api.Message{ID: "m3", Direction: api.DirectionInbound})
	h.publish(protocol.TypeNewMessage, map[string]string{"conversationId": "c1", "_id": "m3"})

	assert.Equal(t, 2, h.api.count(TargetMessages))
	assert.Equal(t, 1, h.api.count(TargetConversation))
	assert.Equal(t, []string{"c1/m1", "c1/m3"}, h.reads.reads)
}

func TestNewMessage_AfterLeaveIsDropped(t *testing.T) {
	h := newHarness(t)
	h.open("c1")

	h.do(func() { h.member["c1"] = false })
	h.publish(protocol.TypeNewMessage, map[string]string{"conversationId": "c1"})

	assert.Equal(t, 1, h.api.count(TargetMessages))
}

func TestNewMessage_OtherConversationIsDropped(t *testing.T) {
	h := newHarness(t)
	h.open("c1")
	h.do(func() { h.member["c2"] = true })

	h.publish(protocol.TypeNewMessage, map[string]string{"conversationId": "c2"})
	assert.Equal(t, 1, h.api.count(TargetMessages))
}

func TestConversationUpdated_RefetchesMetadataOnly(t *testing.T) {
	h := newHarness(t)
	h.open("c1")

	h.publish(protocol.TypeConversationUpdated, map[string]string{"conversationId": "c1"})

	assert.Equal(t, 2, h.api.count(TargetConversation))
	assert.Equal(t, 1, h.api.count(TargetMessages))
}

func TestConversationsUpdated_Debounced(t *testing.T) {
	h := newHarness(t)
	h.do(func() { h.ctrl.WatchConnection("wa1") })
	require.Equal(t, 1, h.api.count(TargetList))
	require.Equal(t, 1, h.api.count(TargetStats))

	for i := 0; i < 5; i++ {
		h.publish(protocol.TypeConversationsUpdated, map[string]string{"connectionId": "wa1"})
		if i < 4 {
			h.advance(50 * time.Millisecond)
		}
	}
	// Last event at 200ms; the window closes at 500ms.
	h.advance(299 * time.Millisecond)
	assert.Equal(t, 1, h.api.count(TargetList))

	h.advance(time.Millisecond)
	assert.Equal(t, 2, h.api.count(TargetList))
	assert.Equal(t, 2, h.api.count(TargetStats))

	h.advance(time.Second)
	assert.Equal(t, 2, h.api.count(TargetList))
	h.do(func() {
		assert.Equal(t, 0, h.ctrl.Pending())
		snap := h.state.Snapshot()
		assert.Len(t, snap.Conversations, 1)
		require.NotNil(t, snap.Stats)
		assert.Equal(t, "7d", snap.Stats.Period)
	})
}

func TestConversationsUpdated_OtherConnectionIgnored(t *testing.T) {
	h := newHarness(t)
	h.do(func() { h.ctrl.WatchConnection("wa1") })

	h.publish(protocol.TypeConversationsUpdated, map[string]string{"connectionId": "wa2"})
	h.advance(time.Second)

	assert.Equal(t, 1, h.api.count(TargetList))
}

func TestRefetchFailure_NoticeAndNoRetry(t *testing.T) {
	h := newHarness(t)
	h.api.fail[TargetMessages] = errors.New("boom")

	h.open("c1")
	h.advance(time.Second)

	assert.Equal(t, 1, h.api.count(TargetMessages))
	require.Len(t, h.errs, 1)
	assert.True(t, errors.Is(h.errs[0], syncerr.ErrRefetchFailed))
	h.do(func() {
		visible := h.queue.Visible()
		require.Len(t, visible, 1)
		assert.Equal(t, notify.KindError, visible[0].Kind)
		assert.Equal(t, "Failed to load messages", visible[0].Message)
		assert.False(t, h.state.Snapshot().Loading.Messages)
	})
}

func TestUnauthorized_AsksForLogin(t *testing.T) {
	h := newHarness(t)
	h.api.fail[TargetConversation] = syncerr.New(syncerr.Unauthorized, "GET /conversations/c1", nil)

	h.open("c1")

	h.do(func() {
		visible := h.queue.Visible()
		require.Len(t, visible, 1)
		assert.Equal(t, "Session expired, please log in again", visible[0].Message)
	})
}

func TestStaleResultDiscarded(t *testing.T) {
	h := newHarness(t)
	h.api.messages = []api.Message{{ID: "m1", Direction: api.DirectionInbound}}
	gate := make(chan struct{})
	h.api.setGates(gate)

	h.loop.Do(func() {
		h.member["c1"] = true
		h.ctrl.OpenConversation("c1")
		h.ctrl.OpenConversation("")
	})
	close(gate)
	h.loop.Settle()

	h.do(func() {
		assert.Empty(t, h.state.Snapshot().Messages)
	})
	assert.Empty(t, h.reads.reads)
}

func TestRefreshMessages_OlderResultDoesNotOverwriteNewer(t *testing.T) {
	h := newHarness(t)
	h.api.setMessages(api.Message{ID: "m1", Direction: api.DirectionOutbound})
	h.open("c1")

	// The first refetch answers slowly with the older page.
	slow := make(chan struct{})
	h.api.setGates(slow)
	h.loop.Do(func() { h.bus.Publish(protocol.TypeNewMessage, json.RawMessage(`{"conversationId":"c1"}`)) })
	require.Eventually(t, func() bool { return h.api.count(TargetMessages) == 2 }, time.Second, time.Millisecond)

	h.api.setMessages(
		api.Message{ID: "m1", Direction: api.DirectionOutbound},
		api.Message{ID: "m2", Direction: api.DirectionOutbound},
	)
	h.loop.Do(func() { h.bus.Publish(protocol.TypeNewMessage, json.RawMessage(`{"conversationId":"c1"}`)) })
	require.Eventually(t, func() bool {
		var n int
		h.loop.Do(func() { n = len(h.state.Snapshot().Messages) })
		return n == 2
	}, time.Second, time.Millisecond)

	close(slow)
	h.loop.Settle()

	h.do(func() {
		assert.Len(t, h.state.Snapshot().Messages, 2)
		assert.False(t, h.state.Snapshot().Loading.Messages)
	})
	assert.Empty(t, h.errs)
}

func TestRefreshList_OneFailureForBothHalves(t *testing.T) {
	h := newHarness(t)
	h.api.fail[TargetList] = errors.New("list down")
	h.api.fail[TargetStats] = errors.New("stats down")

	h.do(func() { h.ctrl.WatchConnection("wa1") })

	assert.Equal(t, 1, h.api.count(TargetList))
	assert.Equal(t, 1, h.api.count(TargetStats))
	require.Len(t, h.errs, 1)
	assert.True(t, errors.Is(h.errs[0], syncerr.ErrRefetchFailed))
	h.do(func() {
		visible := h.queue.Visible()
		require.Len(t, visible, 1)
		assert.Equal(t, "Failed to load conversations", visible[0].Message)
		snap := h.state.Snapshot()
		assert.False(t, snap.Loading.List)
		assert.Empty(t, snap.Conversations)
		assert.Nil(t, snap.Stats)
	})
}

func TestRefreshList_StatsFailureKeepsListUnapplied(t *testing.T) {
	h := newHarness(t)
	h.api.fail[TargetStats] = syncerr.New(syncerr.Unauthorized, "GET /conversations/stats/summary", nil)

	h.do(func() { h.ctrl.WatchConnection("wa1") })

	require.Len(t, h.errs, 1)
	h.do(func() {
		visible := h.queue.Visible()
		require.Len(t, visible, 1)
		assert.Equal(t, "Session expired, please log in again", visible[0].Message)
		assert.Empty(t, h.state.Snapshot().Conversations)
	})
}

func TestRefreshAfterSend(t *testing.T) {
	h := newHarness(t)
	h.open("c1")

	h.do(func() { h.ctrl.RefreshAfterSend() })
	h.advance(499 * time.Millisecond)
	assert.Equal(t, 1, h.api.count(TargetMessages))

	h.advance(time.Millisecond)
	assert.Equal(t, 2, h.api.count(TargetMessages))
}

func TestReset_CancelsTimers(t *testing.T) {
	h := newHarness(t)
	h.open("c1")
	h.do(func() { h.ctrl.WatchConnection("wa1") })

	h.publish(protocol.TypeConversationsUpdated, map[string]string{"connectionId": "wa1"})
	h.do(func() {
		h.ctrl.RefreshAfterSend()
		h.ctrl.Reset()
	})
	h.advance(time.Second)

	assert.Equal(t, 1, h.api.count(TargetList))
	assert.Equal(t, 1, h.api.count(TargetMessages))
	assert.Equal(t, 0, h.clk.Pending())
}
