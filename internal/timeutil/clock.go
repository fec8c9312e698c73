// Package timeutil provides a testable abstraction over the time operations
// the coordinator depends on: the solve-tick ticker and the wall clock used
// to time each tick.
package timeutil

import (
	"sync"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTicker returns a ticker firing with the given period.
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers periodic ticks.
type Ticker interface {
	// C returns the channel on which ticks are delivered.
	C() <-chan time.Time

	// Stop turns the ticker off.
	Stop()
}

// RealClock implements Clock with the standard time package.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// NewTicker returns a ticker backed by time.Ticker.
func (RealClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// MockClock is a manually advanced clock for tests.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*MockTicker
}

// NewMockClock returns a MockClock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the mocked current time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward and fires tickers whose period elapsed.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	tickers := append([]*MockTicker(nil), c.tickers...)
	c.mu.Unlock()

	for _, t := range tickers {
		t.fireUpTo(now)
	}
}

// NewTicker returns a mock ticker driven by Advance.
func (c *MockClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &MockTicker{
		ch:   make(chan time.Time, 1),
		next: c.now.Add(d),
		per:  d,
	}
	c.tickers = append(c.tickers, t)
	return t
}

// MockTicker is a manually fired ticker.
type MockTicker struct {
	mu      sync.Mutex
	ch      chan time.Time
	next    time.Time
	per     time.Duration
	stopped bool
}

// C returns the tick channel.
func (t *MockTicker) C() <-chan time.Time { return t.ch }

// Stop turns the ticker off.
func (t *MockTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

// Trigger sends one tick immediately, regardless of the schedule.
func (t *MockTicker) Trigger(now time.Time) {
	select {
	case t.ch <- now:
	default:
	}
}

func (t *MockTicker) fireUpTo(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	for !t.next.After(now) {
		select {
		case t.ch <- t.next:
		default:
		}
		t.next = t.next.Add(t.per)
	}
}
