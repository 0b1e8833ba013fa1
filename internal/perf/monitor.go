// Package perf measures pipeline frame rate and decides when capture
// resolution should change.
package perf

import (
	"sync"
	"time"

	"github.com/ayusman/posecam/internal/sched"
)

// DefaultWindow is the measurement window of a Monitor.
const DefaultWindow = time.Second

// RateObserver receives the rate at every window close.
type RateObserver func(rate float64)

// Monitor counts produced frames and reports a rate once per window.
// The estimate depends on elapsed time only, so an irregular tick cadence
// still measures correctly.
type Monitor struct {
	window   time.Duration
	clock    sched.Clock
	observer RateObserver

	mu          sync.Mutex
	frames      int
	windowStart time.Time
	rate        float64
}

// NewMonitor creates a Monitor. A non-positive window selects DefaultWindow
// and a nil clock the system clock. observer may be nil.
func NewMonitor(window time.Duration, clock sched.Clock, observer RateObserver) *Monitor {
	if window <= 0 {
		window = DefaultWindow
	}
	if clock == nil {
		clock = sched.SystemClock()
	}
	return &Monitor{
		window:      window,
		clock:       clock,
		observer:    observer,
		windowStart: clock.Now(),
	}
}

// Tick records one produced frame. When the window has elapsed it computes
// the rate, resets the window and calls the observer outside the lock.
func (m *Monitor) Tick() {
	now := m.clock.Now()

	m.mu.Lock()
	m.frames++
	elapsed := now.Sub(m.windowStart)
	if elapsed < m.window {
		m.mu.Unlock()
		return
	}

	rate := float64(m.frames) * float64(time.Second) / float64(elapsed)
	m.rate = rate
	m.frames = 0
	m.windowStart = now
	observer := m.observer
	m.mu.Unlock()

	if observer != nil {
		observer(rate)
	}
}

// Rate returns the estimate from the last closed window.
func (m *Monitor) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate
}

// Reset discards the current window and the last estimate.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = 0
	m.rate = 0
	m.windowStart = m.clock.Now()
}

// Window returns the measurement window length.
func (m *Monitor) Window() time.Duration {
	return m.window
}
