package messaging

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/megan/livesync/internal/notify"
)

// newTestClient connects to a local NATS server. The test is skipped when no
// server is running.
func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	config := DefaultNATSConfig()
	config.MaxReconnects = 0
	c, err := NewNATSClient(config, zerolog.Nop())
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestNoticeForwarder_RoundTrip(t *testing.T) {
	c := newTestClient(t)
	instance := "test_" + uuid.NewString()

	got := make(chan notify.Notice, 1)
	if err := c.FollowNotices(instance, func(n notify.Notice) { got <- n }); err != nil {
		t.Fatalf("FollowNotices() error: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}

	want := notify.Notice{ID: uuid.New(), Kind: notify.KindSuccess, Message: "Message sent", At: time.Now().UTC()}
	NewNoticeForwarder(c, instance).Forward(want)

	select {
	case n := <-got:
		if n.ID != want.ID || n.Kind != want.Kind || n.Message != want.Message {
			t.Errorf("notice = %+v, want %+v", n, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notice not received")
	}
}

func TestUnsubscribe_Unknown(t *testing.T) {
	c := newTestClient(t)
	if err := c.Unsubscribe("livesync.none"); err == nil {
		t.Error("expected error for unknown subscription")
	}
}

func TestNoticeSubject(t *testing.T) {
	if got := NoticeSubject("abc"); got != "livesync.notice.abc" {
		t.Errorf("NoticeSubject() = %q", got)
	}
}
