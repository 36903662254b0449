// Package eventloop provides the serial executor every session component runs
// on. State is only touched from the loop goroutine; transport reads, REST
// calls and timer expiries happen elsewhere and post their continuation back.
package eventloop

import (
	"sync"
	"time"

	"github.com/megan/livesync/internal/clock"
)

// Loop runs posted functions one at a time, in the order they were posted.
type Loop struct {
	clock clock.Clock

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	pending int
	closed  bool
	done    chan struct{}
}

// New starts a loop that uses clk for its timers.
func New(clk clock.Clock) *Loop {
	if clk == nil {
		clk = clock.Real()
	}
	l := &Loop{
		clock: clk,
		done:  make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// Clock returns the clock timers are scheduled on.
func (l *Loop) Clock() clock.Clock { return l.clock }

// Post queues fn. It returns false if the loop has been closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.queue = append(l.queue, fn)
	l.pending++
	l.cond.Broadcast()
	return true
}

// Do posts fn and waits until it has run. It must not be called from the
// loop itself.
func (l *Loop) Do(fn func()) {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return
	}
	select {
	case <-ran:
	case <-l.done:
	}
}

// Go runs work on its own goroutine and posts the continuation it returns,
// if any, back onto the loop.
func (l *Loop) Go(work func() func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.pending++
	l.mu.Unlock()

	go func() {
		defer l.finish()
		if next := work(); next != nil {
			l.Post(next)
		}
	}()
}

// Settle blocks until no posted function or Go work is outstanding. Timers
// that have not fired yet do not count.
func (l *Loop) Settle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.pending > 0 && !l.closed {
		l.cond.Wait()
	}
}

// Close stops accepting work, runs what is already queued and waits for the
// loop goroutine to exit. It is safe to call multiple times.
func (l *Loop) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		l.cond.Broadcast()
	}
	l.mu.Unlock()
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 && l.closed {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
		l.finish()
	}
}

func (l *Loop) finish() {
	l.mu.Lock()
	l.pending--
	if l.pending == 0 {
		l.cond.Broadcast()
	}
	l.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Timers
// ---------------------------------------------------------------------------

// Timer is a loop-bound one-shot timer. Stop must be called from the loop;
// once stopped the callback is guaranteed not to run, even if the underlying
// clock already fired and the callback is sitting in the queue.
type Timer struct {
	t       clock.Timer
	stopped bool
}

// AfterFunc schedules fn to run on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = l.clock.AfterFunc(d, func() {
		l.Post(func() {
			if tm.stopped {
				return
			}
			tm.stopped = true
			fn()
		})
	})
	return tm
}

// Stop cancels the timer. It reports whether the callback was still due.
func (t *Timer) Stop() bool {
	if t == nil || t.stopped {
		return false
	}
	t.stopped = true
	t.t.Stop()
	return true
}

// Active reports whether the timer is still due to fire.
func (t *Timer) Active() bool {
	return t != nil && !t.stopped
}
