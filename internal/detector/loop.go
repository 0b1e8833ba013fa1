package detector

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

const (
	// DefaultInterval is the minimum time between two inference calls.
	DefaultInterval = 100 * time.Millisecond
	// DefaultReclaimInterval is how often the backend is asked to free
	// memory while the loop runs.
	DefaultReclaimInterval = 5 * time.Second
)

var (
	// ErrLoopStopped is returned by a Start that was stopped while the
	// backend initialized.
	ErrLoopStopped = errors.New("detection loop stopped")
	// ErrLoopClosed is returned after Close.
	ErrLoopClosed = errors.New("detection loop closed")
)

// LoopState is the lifecycle state of a Loop.
type LoopState int

const (
	LoopIdle LoopState = iota
	LoopInitializing
	LoopRunning
	LoopFailed
)

func (s LoopState) String() string {
	switch s {
	case LoopInitializing:
		return "initializing"
	case LoopRunning:
		return "running"
	case LoopFailed:
		return "failed"
	default:
		return "idle"
	}
}

// FrameSource supplies the latest capture frame. ReadFrame returns an error
// when no frame is available.
type FrameSource interface {
	ReadFrame(dst *gocv.Mat) error
}

// LoopConfig configures a Loop.
type LoopConfig struct {
	Interval        time.Duration
	ReclaimInterval time.Duration
	Backend         Config
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		Interval:        DefaultInterval,
		ReclaimInterval: DefaultReclaimInterval,
		Backend:         DefaultConfig(),
	}
}

// LoopStats counts loop activity.
type LoopStats struct {
	Inferences  uint64 `json:"inferences"`
	FrameErrors uint64 `json:"frame_errors"`
	Reclaims    uint64 `json:"reclaims"`
	NotReady    uint64 `json:"not_ready"`
}

// Loop runs throttled inference against a FrameSource. The caller drives
// it with Tick; inference runs on its own goroutine, one call at a time, so
// Tick never blocks on the backend.
//
// The Loop owns the backend model from the first successful Start until
// Dispose. It copies each frame into a buffer of its own, so it never holds
// on to the source's memory.
type Loop struct {
	backend Backend
	frames  FrameSource
	cfg     LoopConfig
	logger  *slog.Logger

	// initMu serializes backend initialization and disposal.
	initMu sync.Mutex

	mu          sync.Mutex
	state       LoopState
	model       *Model
	gen         uint64
	runCtx      context.Context
	runCancel   context.CancelFunc
	inFlight    bool
	lastInfer   time.Time
	lastReclaim time.Time
	detections  []Detection
	lastErr     error
	onResult    func([]Detection)
	stats       LoopStats
	closed      bool

	// frame is only touched by the goroutine holding inFlight.
	frame gocv.Mat
	wg    sync.WaitGroup
}

// NewLoop creates an idle Loop. Zero intervals select the defaults.
func NewLoop(backend Backend, frames FrameSource, cfg LoopConfig, logger *slog.Logger) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = DefaultReclaimInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		backend: backend,
		frames:  frames,
		cfg:     cfg,
		logger:  logger,
		frame:   gocv.NewMat(),
	}
}

// OnResult registers fn to receive every successful detection. fn runs on
// the inference goroutine and must not call back into the Loop's Stop or
// Dispose.
func (l *Loop) OnResult(fn func([]Detection)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onResult = fn
}

// Start initializes the backend on first use and starts accepting ticks.
// It is a no-op while running. Initialization failures are returned as
// *InitError and leave the loop in LoopFailed.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	if l.state == LoopRunning {
		l.mu.Unlock()
		return nil
	}
	l.state = LoopInitializing
	gen := l.gen
	l.mu.Unlock()

	model, err := l.ensureModel(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()

	if gen != l.gen {
		return ErrLoopStopped
	}
	if err != nil {
		l.state = LoopFailed
		l.lastErr = &InitError{Err: err}
		l.logger.Error("detector: initialization failed", "error", err)
		return l.lastErr
	}
	if l.state == LoopRunning {
		return nil
	}

	l.state = LoopRunning
	l.lastErr = nil
	l.lastInfer = time.Time{}
	l.lastReclaim = time.Time{}
	l.runCtx, l.runCancel = context.WithCancel(context.Background())
	l.logger.Info("detector: loop running",
		"model", model.ID,
		"interval", l.cfg.Interval,
	)
	return nil
}

// ensureModel returns the memoized model, initializing it if needed.
func (l *Loop) ensureModel(ctx context.Context) (*Model, error) {
	l.initMu.Lock()
	defer l.initMu.Unlock()

	l.mu.Lock()
	model := l.model
	l.mu.Unlock()
	if model != nil {
		return model, nil
	}

	model, err := l.backend.Initialize(ctx, l.cfg.Backend)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.model = model
	l.mu.Unlock()
	return model, nil
}

// Tick offers the loop a scheduling opportunity at now. It starts an
// inference only when running, when no inference is in flight and when at
// least the configured interval has passed since the previous one. A tick
// with no frame available does nothing.
func (l *Loop) Tick(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != LoopRunning || l.inFlight {
		return
	}

	reclaim := false
	if l.lastReclaim.IsZero() {
		l.lastReclaim = now
	} else if now.Sub(l.lastReclaim) >= l.cfg.ReclaimInterval {
		reclaim = true
		l.lastReclaim = now
	}

	infer := l.lastInfer.IsZero() || now.Sub(l.lastInfer) >= l.cfg.Interval
	if infer {
		if err := l.frames.ReadFrame(&l.frame); err != nil {
			l.stats.NotReady++
			infer = false
		}
	}
	if !infer && !reclaim {
		return
	}

	if infer {
		l.lastInfer = now
		l.stats.Inferences++
	}
	l.inFlight = true
	l.wg.Add(1)
	go l.run(l.runCtx, l.gen, l.model, infer, reclaim)
}

func (l *Loop) run(ctx context.Context, gen uint64, model *Model, infer, reclaim bool) {
	defer l.wg.Done()

	var (
		detections []Detection
		err        error
	)
	if infer {
		detections, err = l.backend.Infer(ctx, &l.frame, model)
	}
	if reclaim {
		if rerr := l.backend.Reclaim(ctx); rerr != nil {
			l.logger.Warn("detector: reclaim failed", "error", rerr)
		}
	}

	l.mu.Lock()
	l.inFlight = false
	if reclaim {
		l.stats.Reclaims++
	}
	if gen != l.gen || !infer {
		l.mu.Unlock()
		return
	}
	if err != nil {
		l.stats.FrameErrors++
		l.mu.Unlock()
		l.logger.Warn("detector: inference failed", "error", &FrameError{Err: err})
		return
	}
	l.detections = detections
	cb := l.onResult
	l.mu.Unlock()

	if cb != nil {
		cb(CloneDetections(detections))
	}
}

// Stop stops accepting ticks and clears the current detections. The result
// of an inference still in flight is discarded. Stop is idempotent.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
}

func (l *Loop) stopLocked() {
	if l.state == LoopIdle {
		return
	}
	l.gen++
	l.state = LoopIdle
	l.detections = nil
	if l.runCancel != nil {
		l.runCancel()
		l.runCancel = nil
	}
	l.logger.Debug("detector: loop stopped")
}

// Wait blocks until no inference or reclaim is in flight and no OnResult
// callback is running. Call it after Stop; it must not be called from the
// callback itself.
func (l *Loop) Wait() {
	l.wg.Wait()
}

// Dispose stops the loop, waits for in-flight work and releases the backend
// model. The next Start initializes the backend again.
func (l *Loop) Dispose() error {
	l.Stop()
	l.Wait()

	l.initMu.Lock()
	defer l.initMu.Unlock()

	l.mu.Lock()
	model := l.model
	l.model = nil
	l.mu.Unlock()

	if model == nil {
		return nil
	}
	return l.backend.Dispose(model)
}

// Close disposes the backend and frees the frame buffer. The loop cannot be
// started again.
func (l *Loop) Close() error {
	err := l.Dispose()

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		l.frame.Close()
	}
	return err
}

// Detections returns a copy of the latest detections.
func (l *Loop) Detections() []Detection {
	l.mu.Lock()
	defer l.mu.Unlock()
	return CloneDetections(l.detections)
}

// State returns the lifecycle state.
func (l *Loop) State() LoopState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Err returns the last initialization error, cleared by a successful Start.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// Stats returns activity counters.
func (l *Loop) Stats() LoopStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Initialized reports whether the backend model is loaded.
func (l *Loop) Initialized() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.model != nil
}
