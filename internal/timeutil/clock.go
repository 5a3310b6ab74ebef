// Package timeutil abstracts the wall clock so that every timer-driven part
// of the monitor (location polling, restart backoff, countdowns, cool-downs)
// can be driven deterministically in tests.
package timeutil

import (
	"sync"
	"time"
)

// Clock provides the time operations used by the monitor.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration

	// NewTimer fires once, at least d from now.
	NewTimer(d time.Duration) Timer

	// NewTicker fires every d until stopped.
	NewTicker(d time.Duration) Ticker
}

// Timer is a one-shot timer.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Ticker delivers ticks at intervals.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time                   { return time.Now() }
func (Real) Since(t time.Time) time.Duration  { return time.Since(t) }
func (Real) NewTimer(d time.Duration) Timer   { return realTimer{time.NewTimer(d)} }
func (Real) NewTicker(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }

type realTimer struct{ *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.Timer.C }

type realTicker struct{ *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.Ticker.C }

// Mock is a clock that only moves on [Mock.Advance]. Its timers and tickers
// fire from Advance, never on their own.
type Mock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*mockTimer
}

var _ Clock = (*Mock)(nil)

// NewMock returns a Mock set to t.
func NewMock(t time.Time) *Mock {
	return &Mock{now: t}
}

func (c *Mock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Mock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func (c *Mock) NewTimer(d time.Duration) Timer { return c.add(d, 0) }

func (c *Mock) NewTicker(d time.Duration) Ticker { return mockTicker{c.add(d, d)} }

func (c *Mock) add(d, period time.Duration) *mockTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &mockTimer{ch: make(chan time.Time, 1), due: c.now.Add(d), period: period}
	c.pending = append(c.pending, t)
	return t
}

// Advance moves the clock forward by d and fires whatever came due. Stopped
// and spent timers are dropped.
func (c *Mock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	live := c.pending[:0]
	var due []*mockTimer
	for _, t := range c.pending {
		if t.done() {
			continue
		}
		live = append(live, t)
		due = append(due, t)
	}
	clear(c.pending[len(live):])
	c.pending = live
	c.mu.Unlock()

	for _, t := range due {
		t.fire(now)
	}
}

// Timers returns the number of one-shot timers still armed. Tickers are not
// counted.
func (c *Mock) Timers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.pending {
		if t.period == 0 && !t.done() {
			n++
		}
	}
	return n
}

// mockTimer backs both Timer and Ticker; period is zero for a one-shot.
type mockTimer struct {
	ch     chan time.Time
	period time.Duration

	mu      sync.Mutex
	due     time.Time
	stopped bool
	fired   bool
}

func (t *mockTimer) C() <-chan time.Time { return t.ch }

func (t *mockTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	armed := !t.stopped && !t.fired
	t.stopped = true
	return armed
}

type mockTicker struct{ *mockTimer }

func (t mockTicker) Stop() { t.mockTimer.Stop() }

func (t *mockTimer) done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped || t.fired
}

// fire delivers at most one value per call; a full channel drops the tick
// like time.Ticker does.
func (t *mockTimer) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired || now.Before(t.due) {
		return
	}
	select {
	case t.ch <- now:
	default:
	}
	if t.period == 0 {
		t.fired = true
		return
	}
	for !t.due.After(now) {
		t.due = t.due.Add(t.period)
	}
}
