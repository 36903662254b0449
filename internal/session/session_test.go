package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/megan/livesync/internal/api"
	"github.com/megan/livesync/internal/channel"
	"github.com/megan/livesync/internal/clock"
	"github.com/megan/livesync/internal/credential"
	"github.com/megan/livesync/internal/notify"
	"github.com/megan/livesync/internal/protocol"
	"github.com/megan/livesync/internal/view"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []protocol.Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeConn) WriteMessage(data []byte) error {
	env, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.written = append(f.written, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// sent returns the outbound events of type typ, with their conversation id.
func (f *fakeConn) sent(typ string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, env := range f.written {
		if env.Type == typ {
			out = append(out, protocol.ConversationID(env.Data))
		}
	}
	return out
}

func (f *fakeConn) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.written))
	for i, env := range f.written {
		out[i] = env.Type
	}
	return out
}

type fakeAPI struct {
	mu       sync.Mutex
	messages map[string]int
	sends    []string
	sendErr  error
}

func (f *fakeAPI) GetConversation(_ context.Context, id string) (*api.Conversation, error) {
	return &api.Conversation{ID: id}, nil
}

func (f *fakeAPI) GetMessages(_ context.Context, id string, _, _ int) (*api.MessagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[id]++
	return &api.MessagePage{Messages: []api.Message{{ID: id + "-m1", Direction: api.DirectionInbound}}}, nil
}

func (f *fakeAPI) SendMessage(_ context.Context, id, text, _ string) (*api.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sends = append(f.sends, id+":"+text)
	return &api.SendResult{MessageID: "m-new"}, nil
}

func (f *fakeAPI) GetConversations(context.Context, api.ListQuery) (*api.ConversationPage, error) {
	return &api.ConversationPage{}, nil
}

func (f *fakeAPI) GetStats(context.Context, string, string) (*api.Stats, error) {
	return &api.Stats{}, nil
}

func (f *fakeAPI) messageFetches(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[id]
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	t    *testing.T
	clk  *clock.Manual
	conn *fakeConn
	api  *fakeAPI
	s    *Session
}

func newHarness(t *testing.T, creds credential.Source) *harness {
	t.Helper()
	h := &harness{
		t:    t,
		clk:  clock.NewManual(time.Unix(0, 0)),
		conn: newFakeConn(),
		api:  &fakeAPI{messages: map[string]int{}},
	}
	dial := func(context.Context, string) (channel.Transport, error) { return h.conn, nil }
	h.s = New(DefaultConfig(), creds, h.api, dial, zerolog.Nop(), WithClock(h.clk), WithID("test"))
	t.Cleanup(h.s.Close)
	return h
}

func (h *harness) settle() { h.s.loop.Settle() }

func (h *harness) advance(d time.Duration) {
	h.clk.Advance(d)
	h.settle()
}

func (h *harness) push(event string, payload interface{}) {
	h.t.Helper()
	data, err := protocol.Encode(event, payload)
	require.NoError(h.t, err)
	h.conn.in <- data
}

func (h *harness) waitState(want channel.State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.s.ChannelState() == want }, 2*time.Second, 5*time.Millisecond)
	h.settle()
}

// connect starts the session and completes the authenticate handshake.
func (h *harness) connect() {
	h.t.Helper()
	require.NoError(h.t, h.s.Start())
	h.waitState(channel.Connected)
	h.push(protocol.TypeAuthenticated, map[string]bool{"success": true})
	h.waitState(channel.Authenticated)
}

func (h *harness) waitFor(cond func() bool) {
	h.t.Helper()
	require.Eventually(h.t, cond, 2*time.Second, 5*time.Millisecond)
	h.settle()
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestJoinWaitsForAuthenticationAndSettleDelay(t *testing.T) {
	h := newHarness(t, credential.Static{Token: "tok", UserID: "u1"})

	require.NoError(t, h.s.ShowConversation("c1"))
	h.settle()
	require.NoError(t, h.s.Start())
	h.waitState(channel.Connected)
	assert.Equal(t, []string{protocol.TypeAuthenticate}, h.conn.types())

	h.advance(50 * time.Millisecond)
	h.push(protocol.TypeAuthenticated, map[string]bool{"success": true})
	h.waitState(channel.Authenticated)

	h.advance(99 * time.Millisecond)
	assert.Empty(t, h.conn.sent(protocol.TypeJoinConversation))

	h.advance(time.Millisecond)
	assert.Equal(t, []string{"c1"}, h.conn.sent(protocol.TypeJoinConversation))

	h.advance(time.Second)
	assert.Equal(t, []string{"c1"}, h.conn.sent(protocol.TypeJoinConversation))
}

func TestSwitchConversation(t *testing.T) {
	h := newHarness(t, credential.Static{Token: "tok"})
	h.connect()
	h.advance(100 * time.Millisecond)

	require.NoError(t, h.s.ShowConversation("c1"))
	require.NoError(t, h.s.TypingActivity("hel"))
	require.NoError(t, h.s.ShowConversation("c2"))
	h.settle()

	assert.Equal(t, []string{"c1", "c2"}, h.conn.sent(protocol.TypeJoinConversation))
	assert.Equal(t, []string{"c1"}, h.conn.sent(protocol.TypeLeaveConversation))
	assert.Equal(t, []string{"c1"}, h.conn.sent(protocol.TypeTypingStart))
	assert.Equal(t, []string{"c1"}, h.conn.sent(protocol.TypeTypingStop))
	assert.Equal(t, []string{"c2"}, h.s.Rooms())

	// The cancelled idle timer of c1 must not fire.
	h.advance(3 * time.Second)
	assert.Equal(t, []string{"c1"}, h.conn.sent(protocol.TypeTypingStop))
}

func TestNewMessageRefetchesAndMarksRead(t *testing.T) {
	h := newHarness(t, credential.Static{Token: "tok"})
	h.connect()
	h.advance(100 * time.Millisecond)
	require.NoError(t, h.s.ShowConversation("c1"))
	h.settle()
	require.Equal(t, 1, h.api.messageFetches("c1"))
	assert.Equal(t, []string{"c1"}, h.conn.sent(protocol.TypeMarkAsRead))

	h.push(protocol.TypeNewMessage, map[string]string{"conversationId": "c1"})
	h.waitFor(func() bool { return h.api.messageFetches("c1") == 2 })

	// Already read: no second receipt for the same message.
	assert.Equal(t, []string{"c1"}, h.conn.sent(protocol.TypeMarkAsRead))
	assert.Len(t, h.s.Snapshot().Messages, 1)
}

func TestNewMessageAfterLeaveIsDropped(t *testing.T) {
	h := newHarness(t, credential.Static{Token: "tok"})
	h.connect()
	h.advance(100 * time.Millisecond)
	require.NoError(t, h.s.ShowConversation("c1"))
	h.settle()
	require.NoError(t, h.s.ShowConversation("c2"))
	h.settle()
	require.Equal(t, []string{"c1"}, h.conn.sent(protocol.TypeLeaveConversation))
	require.Equal(t, []string{"c1", "c2"}, h.conn.sent(protocol.TypeJoinConversation))

	// Frames are handled in order: once c2 is refetched, c1's event was seen.
	h.push(protocol.TypeNewMessage, map[string]string{"conversationId": "c1"})
	h.push(protocol.TypeNewMessage, map[string]string{"conversationId": "c2"})
	h.waitFor(func() bool { return h.api.messageFetches("c2") == 2 })

	assert.Equal(t, 1, h.api.messageFetches("c1"))
}

func TestNewMessageBeforeJoinIsDropped(t *testing.T) {
	h := newHarness(t, credential.Static{Token: "tok"})
	require.NoError(t, h.s.ShowConnection("wa1"))
	require.NoError(t, h.s.ShowConversation("c1"))
	h.settle()
	require.Equal(t, 1, h.api.messageFetches("c1"))

	// Authenticated, but the join is still waiting for the settle delay.
	h.connect()
	require.Empty(t, h.conn.sent(protocol.TypeJoinConversation))

	h.push(protocol.TypeNewMessage, map[string]string{"conversationId": "c1"})
	h.push(protocol.TypeConversationsUpdated, map[string]string{"connectionId": "wa1"})
	h.waitFor(func() bool {
		var n int
		h.s.loop.Do(func() { n = h.s.rec.Pending() })
		return n == 1
	})
	assert.Equal(t, 1, h.api.messageFetches("c1"))

	h.advance(100 * time.Millisecond)
	require.Equal(t, []string{"c1"}, h.conn.sent(protocol.TypeJoinConversation))
	h.push(protocol.TypeNewMessage, map[string]string{"conversationId": "c1"})
	h.waitFor(func() bool { return h.api.messageFetches("c1") == 2 })
}

func TestRemoteTypingShownForDisplayedConversation(t *testing.T) {
	h := newHarness(t, credential.Static{Token: "tok"})
	h.connect()
	h.advance(100 * time.Millisecond)
	require.NoError(t, h.s.ShowConversation("c1"))
	h.settle()

	h.push(protocol.TypeUserTyping, protocol.UserTypingPayload{ConversationID: "c1", UserID: "u2", IsTyping: true})
	h.waitFor(func() bool { return len(h.s.Snapshot().Typing) == 1 })
	assert.Equal(t, []string{"u2"}, h.s.Snapshot().Typing)

	h.push(protocol.TypeUserTyping, protocol.UserTypingPayload{ConversationID: "c1", UserID: "u2", IsTyping: false})
	h.waitFor(func() bool { return len(h.s.Snapshot().Typing) == 0 })
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t, credential.Static{Token: "tok"})
	h.connect()
	h.advance(100 * time.Millisecond)
	require.NoError(t, h.s.ShowConversation("c1"))
	require.NoError(t, h.s.TypingActivity("hello"))
	h.settle()

	require.NoError(t, h.s.SendMessage(context.Background(), "  hello  "))
	h.settle()

	assert.Equal(t, []string{"c1:hello"}, h.api.sends)
	assert.Equal(t, []string{"c1"}, h.conn.sent(protocol.TypeTypingStop))

	notices := h.s.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, notify.KindSuccess, notices[0].Kind)

	before := h.api.messageFetches("c1")
	h.advance(500 * time.Millisecond)
	assert.Equal(t, before+1, h.api.messageFetches("c1"))

	require.NoError(t, h.s.SendMessage(context.Background(), "   "))
	assert.Len(t, h.api.sends, 1)
}

func TestSendMessage_Failure(t *testing.T) {
	h := newHarness(t, credential.Static{Token: "tok"})
	h.api.sendErr = errors.New("whatsapp offline")
	require.NoError(t, h.s.ShowConversation("c1"))

	err := h.s.SendMessage(context.Background(), "hi")
	require.Error(t, err)
	h.settle()

	notices := h.s.Notices()
	require.NotEmpty(t, notices)
	assert.Equal(t, "Failed to send message", notices[len(notices)-1].Message)
}

func TestSendMessage_NoConversation(t *testing.T) {
	h := newHarness(t, credential.Static{Token: "tok"})
	assert.Equal(t, ErrNoConversation, h.s.SendMessage(context.Background(), "hi"))
}

func TestTakeoverAndAssign(t *testing.T) {
	h := newHarness(t, credential.Static{Token: "tok"})

	require.NoError(t, h.s.ShowConversation("c1"))
	assert.Equal(t, ErrNotConnected, h.s.Takeover())

	h.connect()
	require.NoError(t, h.s.Takeover())
	require.NoError(t, h.s.Assign("agent-7"))

	assert.Equal(t, []string{"c1"}, h.conn.sent(protocol.TypeRequestHumanTakeover))
	assert.Equal(t, []string{"c1"}, h.conn.sent(protocol.TypeAssignConversation))
}

func TestAuthMissingIsNoticed(t *testing.T) {
	h := newHarness(t, credential.Static{})
	var errs, also []error
	h.s.OnError(func(err error) { errs = append(errs, err) })
	h.s.OnError(func(err error) { also = append(also, err) })

	require.NoError(t, h.s.Start())
	h.settle()

	assert.Equal(t, channel.Disconnected, h.s.ChannelState())
	notices := h.s.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, "Not logged in", notices[0].Message)
	var got, gotAlso int
	h.s.loop.Do(func() { got, gotAlso = len(errs), len(also) })
	assert.Equal(t, 1, got)
	assert.Equal(t, 1, gotAlso)
}

func TestViewChangesAreObserved(t *testing.T) {
	h := newHarness(t, credential.Static{Token: "tok"})
	var mu sync.Mutex
	var changes []view.Change
	release := h.s.OnViewChange(func(c view.Change, _ view.Snapshot) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})
	defer release()

	require.NoError(t, h.s.ShowConnection("wa1"))
	h.settle()

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, changes, view.ChangeList)
	assert.Contains(t, changes, view.ChangeStats)
}

func TestCloseTeardownOrder(t *testing.T) {
	h := newHarness(t, credential.Static{Token: "tok"})
	h.connect()
	h.advance(100 * time.Millisecond)
	require.NoError(t, h.s.ShowConversation("c1"))
	require.NoError(t, h.s.TypingActivity("x"))
	h.settle()

	h.s.Close()

	types := h.conn.types()
	require.NotEmpty(t, types)
	assert.Equal(t, protocol.TypeLeaveConversation, types[len(types)-1])
	assert.Equal(t, 0, h.clk.Pending())
	select {
	case <-h.conn.closed:
	default:
		t.Fatal("transport not closed")
	}

	assert.Equal(t, ErrClosed, h.s.ShowConversation("c2"))
	h.s.Close()
}
