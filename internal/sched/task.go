package sched

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultRefreshRate is the tick rate of the default source, matching a
// typical display refresh.
const DefaultRefreshRate = 60

// Source yields scheduling opportunities. Next blocks until the next
// opportunity or until ctx is done.
type Source interface {
	Next(ctx context.Context) (time.Time, error)
}

// intervalSource ticks on a fixed period. Ticks missed while the consumer is
// busy are dropped, so a slow callback lowers the effective rate.
type intervalSource struct {
	period time.Duration
	clock  Clock

	once   sync.Once
	ticker *time.Ticker
}

// Interval returns a Source that fires every period.
func Interval(period time.Duration) Source {
	return &intervalSource{period: period, clock: SystemClock()}
}

// Refresh returns a Source that fires hz times per second.
func Refresh(hz int) Source {
	if hz <= 0 {
		hz = DefaultRefreshRate
	}
	return Interval(time.Second / time.Duration(hz))
}

func (s *intervalSource) Next(ctx context.Context) (time.Time, error) {
	s.once.Do(func() {
		s.ticker = time.NewTicker(s.period)
	})

	select {
	case <-ctx.Done():
		s.ticker.Stop()
		return time.Time{}, ctx.Err()
	case <-s.ticker.C:
		return s.clock.Now(), nil
	}
}

// ManualSource is a Source driven by Fire. It is used by tests.
type ManualSource struct {
	ticks chan time.Time
}

// NewManualSource creates a ManualSource.
func NewManualSource() *ManualSource {
	return &ManualSource{ticks: make(chan time.Time)}
}

// Next waits for the next Fire.
func (s *ManualSource) Next(ctx context.Context) (time.Time, error) {
	select {
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	case now := <-s.ticks:
		return now, nil
	}
}

// Fire delivers a tick to a waiting consumer. It reports false if nobody
// took the tick within a second.
func (s *ManualSource) Fire(now time.Time) bool {
	select {
	case s.ticks <- now:
		return true
	case <-time.After(time.Second):
		return false
	}
}

// ErrTaskCanceled is reported by Task.Err after Cancel.
var ErrTaskCanceled = errors.New("task canceled")

// Task runs a callback once per opportunity from a Source on a single
// goroutine until canceled.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Start launches fn on every tick of src. The task stops when ctx is done,
// when Cancel is called, or when src returns an error.
func Start(ctx context.Context, src Source, fn func(now time.Time)) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go t.run(ctx, src, fn)
	return t
}

func (t *Task) run(ctx context.Context, src Source, fn func(now time.Time)) {
	defer close(t.done)

	for {
		now, err := src.Next(ctx)
		if err != nil {
			t.setErr(err)
			return
		}
		// Cancel may race with a tick that was already delivered.
		if ctx.Err() != nil {
			t.setErr(ctx.Err())
			return
		}
		fn(now)
	}
}

func (t *Task) setErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

// Cancel stops the task and waits for the running callback, if any, to
// return. No callback runs after Cancel returns. Safe to call more than once
// and on a nil Task, but not from inside the callback.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.setErr(ErrTaskCanceled)
	t.cancel()
	<-t.done
}

// Done is closed once the task goroutine has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns why the task stopped, or nil while it is running.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}
