package eventloop

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/megan/livesync/internal/clock"
)

func TestLoop_RunsInPostOrder(t *testing.T) {
	l := New(clock.Real())
	defer l.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	l.Settle()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoop_GoPostsContinuation(t *testing.T) {
	l := New(clock.Real())
	defer l.Close()

	var result string
	l.Go(func() func() {
		time.Sleep(10 * time.Millisecond)
		return func() { result = "done" }
	})
	l.Settle()

	var seen string
	l.Do(func() { seen = result })
	assert.Equal(t, "done", seen)
}

func TestLoop_PostAfterClose(t *testing.T) {
	l := New(clock.Real())
	l.Close()
	l.Close()

	assert.False(t, l.Post(func() {}))
	l.Do(func() { t.Fatal("must not run after close") })
	l.Settle()
}

func TestLoop_CloseDrainsQueue(t *testing.T) {
	l := New(clock.Real())

	var mu sync.Mutex
	n := 0
	for i := 0; i < 10; i++ {
		l.Post(func() {
			mu.Lock()
			n++
			mu.Unlock()
		})
	}
	l.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, n)
}

// ---------------------------------------------------------------------------
// Timers
// ---------------------------------------------------------------------------

func TestTimer_FiresOnLoop(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	l := New(clk)
	defer l.Close()

	fired := 0
	l.Do(func() {
		l.AfterFunc(100*time.Millisecond, func() { fired++ })
	})

	clk.Advance(99 * time.Millisecond)
	l.Settle()
	l.Do(func() { assert.Equal(t, 0, fired) })

	clk.Advance(time.Millisecond)
	l.Settle()
	l.Do(func() { assert.Equal(t, 1, fired) })
}

func TestTimer_StopAfterClockFired(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	l := New(clk)
	defer l.Close()

	fired := false
	var tm *Timer
	block := make(chan struct{})

	l.Do(func() {
		tm = l.AfterFunc(10*time.Millisecond, func() { fired = true })
	})

	// Hold the loop so the expiry lands in the queue behind the Stop call.
	l.Post(func() { <-block })
	l.Post(func() { assert.True(t, tm.Stop()) })
	clk.Advance(10 * time.Millisecond)
	close(block)
	l.Settle()

	l.Do(func() {
		assert.False(t, fired)
		assert.False(t, tm.Active())
	})
}

func TestTimer_NilStop(t *testing.T) {
	var tm *Timer
	assert.False(t, tm.Stop())
	assert.False(t, tm.Active())
}
