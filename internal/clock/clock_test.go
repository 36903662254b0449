package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManual_FiresInDeadlineOrder(t *testing.T) {
	start := time.Unix(0, 0)
	m := NewManual(start)

	var fired []string
	var at []time.Duration
	record := func(name string) func() {
		return func() {
			fired = append(fired, name)
			at = append(at, m.Now().Sub(start))
		}
	}

	m.AfterFunc(300*time.Millisecond, record("c"))
	m.AfterFunc(100*time.Millisecond, record("a"))
	m.AfterFunc(200*time.Millisecond, record("b"))

	m.Advance(250 * time.Millisecond)
	require.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, at)
	assert.Equal(t, 250*time.Millisecond, m.Now().Sub(start))

	m.Advance(50 * time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, 0, m.Pending())
}

func TestManual_Stop(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	fired := false
	timer := m.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	m.Advance(2 * time.Second)
	assert.False(t, fired)
}

func TestManual_CallbackSchedulesWithinWindow(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var order []int
	m.AfterFunc(100*time.Millisecond, func() {
		order = append(order, 1)
		m.AfterFunc(100*time.Millisecond, func() { order = append(order, 2) })
	})

	m.Advance(250 * time.Millisecond)
	assert.Equal(t, []int{1, 2}, order)
}

func TestManual_SameDeadlineKeepsScheduleOrder(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		m.AfterFunc(time.Second, func() { order = append(order, i) })
	}
	m.Advance(time.Second)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}
