package app

import (
	"errors"
	"sync"

	"github.com/ayusman/posecam/internal/capture"
	"github.com/ayusman/posecam/internal/detector"
	"github.com/ayusman/posecam/internal/perf"
)

// Snapshot is the observable state of a Controller at one moment.
type Snapshot struct {
	State      State                `json:"state"`
	Preset     capture.Resolution   `json:"preset"`
	DeviceID   string               `json:"device_id"`
	Rate       float64              `json:"rate"`
	Detections []detector.Detection `json:"detections"`
	AutoAdjust bool                 `json:"auto_adjust"`
	Settings   perf.Settings        `json:"settings"`
	Error      *ErrorInfo           `json:"error,omitempty"`
}

// ErrorInfo describes the last error in a form a UI can show.
type ErrorInfo struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
	Detail     string `json:"detail"`
}

// NewErrorInfo converts err for display. It returns nil for a nil error.
func NewErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}

	var (
		ce *capture.CaptureError
		ie *detector.InitError
	)
	switch {
	case errors.As(err, &ce):
		return &ErrorInfo{
			Kind:       ce.Kind.String(),
			Message:    ce.Kind.Message(),
			Suggestion: ce.Kind.Suggestion(),
			Detail:     err.Error(),
		}
	case errors.As(err, &ie):
		return &ErrorInfo{
			Kind:       "detector_init",
			Message:    "Pose detector failed to initialize.",
			Suggestion: "Check that Python, TensorFlow and the MoveNet service script are installed.",
			Detail:     err.Error(),
		}
	default:
		return &ErrorInfo{
			Kind:    "unknown",
			Message: "Unexpected error.",
			Detail:  err.Error(),
		}
	}
}

// Subscription receives snapshots. Its mailbox holds one value: a snapshot
// that was not received before the next one is published is replaced.
type Subscription struct {
	hub *hub
	ch  chan Snapshot

	mu      sync.Mutex
	closed  bool
	dropped uint64
}

// C returns the delivery channel. It is closed by Close.
func (s *Subscription) C() <-chan Snapshot {
	return s.ch
}

// Dropped returns how many snapshots were replaced before being received.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes and closes the channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s)
	s.shut()
}

func (s *Subscription) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func (s *Subscription) deliver(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case <-s.ch:
		s.dropped++
	default:
	}
	// Only this method sends and it holds mu, so the slot is free.
	s.ch <- snap
}

type hub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[*Subscription]struct{})}
}

func (h *hub) subscribe(initial Snapshot) *Subscription {
	s := &Subscription{hub: h, ch: make(chan Snapshot, 1)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.shut()
		return s
	}
	h.subs[s] = struct{}{}
	s.deliver(initial)
	return s
}

func (h *hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s)
}

func (h *hub) publish(snap Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		s.deliver(snap)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subs {
		s.shut()
		delete(h.subs, s)
	}
}
