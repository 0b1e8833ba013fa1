package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"gocv.io/x/gocv"
)

var (
	// ErrSuperseded is returned by a Start that lost to a later Start or Stop.
	ErrSuperseded = errors.New("capture start superseded")
	// ErrFrameNotReady means no usable frame is available yet.
	ErrFrameNotReady = errors.New("capture frame not ready")
	// ErrSessionClosed is returned after Close.
	ErrSessionClosed = errors.New("capture session closed")
)

// State is the lifecycle state of a Session.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	default:
		return "idle"
	}
}

// SessionStats counts handle lifecycle events.
type SessionStats struct {
	Acquired   uint64 `json:"acquired"`
	Released   uint64 `json:"released"`
	Superseded uint64 `json:"superseded"`
	Failed     uint64 `json:"failed"`
}

// Session owns at most one camera handle and the latest frame grabbed from
// it.
//
// A later Start always wins over an earlier one still acquiring: the earlier
// call's context is canceled, its handle (if the driver still returns one) is
// closed immediately and the call returns ErrSuperseded. Acquisitions are
// serialized so only one of them touches the device at a time.
type Session struct {
	opener Opener
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	res         Resolution
	deviceID    string
	handle      Handle
	gen         uint64
	cancelStart context.CancelFunc
	lastErr     error
	closed      bool

	acquire chan struct{}

	// frame is guarded by frameMu; scratch is only touched by Grab.
	frameMu    sync.Mutex
	frame      gocv.Mat
	frameReady bool
	scratch    gocv.Mat

	acquired   atomic.Uint64
	released   atomic.Uint64
	superseded atomic.Uint64
	failed     atomic.Uint64
}

// NewSession creates an idle Session that acquires handles from opener.
func NewSession(opener Opener, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		opener:  opener,
		logger:  logger,
		acquire: make(chan struct{}, 1),
		frame:   gocv.NewMat(),
		scratch: gocv.NewMat(),
	}
}

// Start acquires a handle at res on deviceID, closing the held handle first.
func (s *Session) Start(ctx context.Context, res Resolution, deviceID string) error {
	return s.start(ctx, res, deviceID, false)
}

// SwitchResolution restarts the session at res on the current device. It is
// a no-op unless the session is starting or active.
func (s *Session) SwitchResolution(ctx context.Context, res Resolution) error {
	s.mu.Lock()
	deviceID := s.deviceID
	s.mu.Unlock()
	return s.start(ctx, res, deviceID, true)
}

// SwitchDevice restarts the session on deviceID at the current resolution.
// It is a no-op unless the session is starting or active.
func (s *Session) SwitchDevice(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	res := s.res
	s.mu.Unlock()
	return s.start(ctx, res, deviceID, true)
}

// Switch restarts the session at res on deviceID. It is a no-op unless the
// session is starting or active.
func (s *Session) Switch(ctx context.Context, res Resolution, deviceID string) error {
	return s.start(ctx, res, deviceID, true)
}

func (s *Session) start(ctx context.Context, res Resolution, deviceID string, onlyIfLive bool) error {
	if err := res.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if onlyIfLive && s.state != StateStarting && s.state != StateActive {
		s.mu.Unlock()
		s.logger.Debug("capture: switch ignored, session not live", "state", s.state.String())
		return nil
	}

	s.gen++
	gen := s.gen
	if s.cancelStart != nil {
		s.cancelStart()
	}
	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancelStart = cancel

	old := s.handle
	s.handle = nil
	s.state = StateStarting
	s.res = res
	s.deviceID = deviceID
	s.mu.Unlock()

	s.clearFrame()
	if old != nil {
		s.release(old, "replaced")
	}

	select {
	case s.acquire <- struct{}{}:
	case <-startCtx.Done():
		return s.abandon(gen, startCtx.Err())
	}
	defer func() { <-s.acquire }()

	if !s.isCurrent(gen) {
		s.superseded.Add(1)
		return ErrSuperseded
	}

	s.logger.Info("capture: acquiring camera",
		"device", deviceID,
		"resolution", res.Dimensions(),
	)

	h, err := s.opener.Open(startCtx, Request{Resolution: res, DeviceID: deviceID})
	if err != nil && h != nil {
		s.acquired.Add(1)
		s.release(h, "failed open")
		h = nil
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		if h != nil {
			s.acquired.Add(1)
			s.release(h, "superseded")
		}
		s.superseded.Add(1)
		return ErrSuperseded
	}
	s.cancelStart = nil

	if err != nil {
		cerr := Classify(err, deviceID)
		s.state = StateIdle
		s.lastErr = cerr
		s.mu.Unlock()
		s.failed.Add(1)
		s.logger.Warn("capture: acquisition failed", "device", deviceID, "error", cerr)
		return cerr
	}

	s.handle = h
	s.state = StateActive
	s.lastErr = nil
	s.mu.Unlock()

	s.acquired.Add(1)
	s.logger.Info("capture: camera active",
		"handle", h.ID(),
		"device", deviceID,
		"resolution", h.Resolution().Dimensions(),
	)
	return nil
}

// abandon handles a start that gave up waiting for the acquisition slot.
func (s *Session) abandon(gen uint64, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		s.superseded.Add(1)
		return ErrSuperseded
	}
	s.cancelStart = nil
	s.state = StateIdle
	return cause
}

func (s *Session) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen
}

func (s *Session) release(h Handle, reason string) {
	if err := h.Close(); err != nil {
		s.logger.Warn("capture: error closing camera", "handle", h.ID(), "reason", reason, "error", err)
	}
	s.released.Add(1)
	s.logger.Debug("capture: camera released", "handle", h.ID(), "reason", reason)
}

// Stop supersedes any in-flight start and releases the held handle. Calling
// Stop on an idle session does nothing.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.handle == nil && s.cancelStart == nil && s.state == StateIdle {
		s.mu.Unlock()
		return nil
	}

	s.gen++
	gen := s.gen
	if s.cancelStart != nil {
		s.cancelStart()
		s.cancelStart = nil
	}
	h := s.handle
	s.handle = nil
	s.state = StateStopping
	s.mu.Unlock()

	s.clearFrame()

	var err error
	if h != nil {
		err = h.Close()
		s.released.Add(1)
		if err != nil {
			err = fmt.Errorf("close camera: %w", err)
		}
		s.logger.Info("capture: camera stopped", "handle", h.ID())
	}

	s.mu.Lock()
	if s.gen == gen {
		s.state = StateIdle
	}
	s.mu.Unlock()

	return err
}

// Close stops the session and frees its frame buffers. The session cannot
// be restarted afterwards.
func (s *Session) Close() error {
	err := s.Stop()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	// Wait for any acquisition still unwinding.
	s.acquire <- struct{}{}
	<-s.acquire

	s.frameMu.Lock()
	s.frame.Close()
	s.scratch.Close()
	s.frameReady = false
	s.frameMu.Unlock()

	return err
}

// Grab reads the next frame from the active handle into the frame slot. It
// blocks for as long as the driver takes to deliver a frame and must only be
// called from one goroutine.
func (s *Session) Grab() error {
	s.mu.Lock()
	h := s.handle
	gen := s.gen
	closed := s.closed
	s.mu.Unlock()

	if closed || h == nil {
		return ErrFrameNotReady
	}

	if err := h.Read(&s.scratch); err != nil {
		if errors.Is(err, ErrCameraNotOpen) || errors.Is(err, ErrFrameNotReady) {
			return ErrFrameNotReady
		}
		return fmt.Errorf("grab frame: %w", err)
	}
	if s.scratch.Empty() || s.scratch.Rows() == 0 || s.scratch.Cols() == 0 {
		return ErrFrameNotReady
	}

	s.frameMu.Lock()
	defer s.frameMu.Unlock()

	// The handle may have been replaced while the driver was reading.
	if !s.isCurrent(gen) {
		return ErrFrameNotReady
	}
	s.frame, s.scratch = s.scratch, s.frame
	s.frameReady = true
	return nil
}

// ReadFrame copies the latest grabbed frame into dst.
func (s *Session) ReadFrame(dst *gocv.Mat) error {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()

	if !s.frameReady || s.frame.Empty() || s.frame.Rows() == 0 || s.frame.Cols() == 0 {
		return ErrFrameNotReady
	}
	s.frame.CopyTo(dst)
	return nil
}

func (s *Session) clearFrame() {
	s.frameMu.Lock()
	s.frameReady = false
	s.frameMu.Unlock()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Resolution returns the resolution of the current or last start.
func (s *Session) Resolution() Resolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.res
}

// DeviceID returns the device of the current or last start.
func (s *Session) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// Err returns the error of the last failed start, cleared by a successful
// one.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Stats returns handle lifecycle counters.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		Acquired:   s.acquired.Load(),
		Released:   s.released.Load(),
		Superseded: s.superseded.Load(),
		Failed:     s.failed.Load(),
	}
}
