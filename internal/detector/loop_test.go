package detector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gocv.io/x/gocv"
)

// stubFrames is a FrameSource serving a blank frame when ready.
type stubFrames struct {
	mu     sync.Mutex
	ready  bool
	width  int
	height int
	reads  int
}

func newStubFrames(width, height int) *stubFrames {
	return &stubFrames{ready: true, width: width, height: height}
}

func (s *stubFrames) ReadFrame(dst *gocv.Mat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if !s.ready {
		return errors.New("not ready")
	}
	m := gocv.NewMatWithSize(s.height, s.width, gocv.MatTypeCV8UC3)
	defer m.Close()
	m.CopyTo(dst)
	return nil
}

func (s *stubFrames) setReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestLoop(t *testing.T, backend Backend, frames FrameSource) *Loop {
	t.Helper()
	l := NewLoop(backend, frames, DefaultLoopConfig(), nil)
	t.Cleanup(func() { l.Close() })
	return l
}

// waitIdle waits until no inference is in flight.
func waitIdle(t *testing.T, l *Loop) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		l.mu.Lock()
		busy := l.inFlight
		l.mu.Unlock()
		if !busy {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for inference to finish")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLoop_StartIsMemoized(t *testing.T) {
	backend := NewMockBackend()
	l := newTestLoop(t, backend, newStubFrames(640, 480))
	ctx := context.Background()

	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := l.State(); got != LoopRunning {
		t.Errorf("State() = %v, want running", got)
	}
	if err := l.Start(ctx); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	l.Stop()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start() after Stop error = %v", err)
	}

	if got := backend.InitCalls(); got != 1 {
		t.Errorf("InitCalls() = %d, want 1", got)
	}
}

func TestLoop_InitFailure(t *testing.T) {
	backend := NewMockBackend()
	backend.SetInitError(errors.New("no model"))
	l := newTestLoop(t, backend, newStubFrames(640, 480))

	err := l.Start(context.Background())
	var initErr *InitError
	if !errors.As(err, &initErr) {
		t.Fatalf("Start() error = %v, want *InitError", err)
	}
	if got := l.State(); got != LoopFailed {
		t.Errorf("State() = %v, want failed", got)
	}

	l.Stop()
	if got := l.State(); got != LoopIdle {
		t.Errorf("State() after Stop = %v, want idle", got)
	}

	backend.SetInitError(nil)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("retry Start() error = %v", err)
	}
	if l.Err() != nil {
		t.Errorf("Err() = %v, want nil after successful retry", l.Err())
	}
}

func TestLoop_Throttle(t *testing.T) {
	backend := NewMockBackend()
	l := newTestLoop(t, backend, newStubFrames(640, 480))
	l.Start(context.Background())

	// 1000 ticks spread over 99ms of scheduler time.
	for i := 0; i < 1000; i++ {
		l.Tick(t0.Add(time.Duration(i) * 99 * time.Microsecond))
		waitIdle(t, l)
	}

	if got := backend.InferCalls(); got > 1 {
		t.Errorf("InferCalls() = %d, want at most 1", got)
	}
}

func TestLoop_ThrottleAcrossIntervals(t *testing.T) {
	backend := NewMockBackend()
	l := newTestLoop(t, backend, newStubFrames(640, 480))
	l.Start(context.Background())

	// 60 Hz for one second gives one inference per 100ms window.
	for i := 0; i < 60; i++ {
		l.Tick(t0.Add(time.Duration(i) * time.Second / 60))
		waitIdle(t, l)
	}

	if got := backend.InferCalls(); got != 10 {
		t.Errorf("InferCalls() = %d, want 10", got)
	}
}

func TestLoop_OneInferenceInFlight(t *testing.T) {
	backend := NewMockBackend()
	release := backend.Hold()
	l := newTestLoop(t, backend, newStubFrames(640, 480))
	l.Start(context.Background())

	l.Tick(t0)
	for i := 1; i <= 10; i++ {
		l.Tick(t0.Add(time.Duration(i) * time.Second))
	}
	release()
	waitIdle(t, l)

	if got := backend.InferCalls(); got != 1 {
		t.Errorf("InferCalls() = %d, want 1 while the first call was in flight", got)
	}
}

func TestLoop_Detections(t *testing.T) {
	backend := NewMockBackend()
	backend.SetDetections([]Detection{StandingPose()})
	frames := newStubFrames(320, 240)
	l := newTestLoop(t, backend, frames)

	results := make(chan []Detection, 1)
	l.OnResult(func(ds []Detection) { results <- ds })
	l.Start(context.Background())

	l.Tick(t0)

	select {
	case ds := <-results:
		if len(ds) != 1 {
			t.Fatalf("OnResult got %d detections, want 1", len(ds))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a result")
	}
	waitIdle(t, l)

	if got := len(l.Detections()); got != 1 {
		t.Errorf("Detections() has %d entries, want 1", got)
	}
	if w, h := backend.LastFrameSize(); w != 320 || h != 240 {
		t.Errorf("inferred frame = %dx%d, want 320x240", w, h)
	}

	l.Stop()
	if got := l.Detections(); got != nil {
		t.Errorf("Detections() after Stop = %v, want nil", got)
	}
}

func TestLoop_FrameNotReady(t *testing.T) {
	backend := NewMockBackend()
	frames := newStubFrames(640, 480)
	frames.setReady(false)
	l := newTestLoop(t, backend, frames)
	l.Start(context.Background())

	for i := 0; i < 5; i++ {
		l.Tick(t0.Add(time.Duration(i) * 200 * time.Millisecond))
	}
	waitIdle(t, l)

	if got := backend.InferCalls(); got != 0 {
		t.Errorf("InferCalls() = %d, want 0 without frames", got)
	}
	if got := l.Stats().NotReady; got != 5 {
		t.Errorf("Stats().NotReady = %d, want 5", got)
	}
	if l.Detections() != nil {
		t.Error("expected no detections without frames")
	}

	// The first ready frame is inferred right away.
	frames.setReady(true)
	l.Tick(t0.Add(time.Second))
	waitIdle(t, l)
	if got := backend.InferCalls(); got != 1 {
		t.Errorf("InferCalls() = %d, want 1", got)
	}
}

func TestLoop_FrameErrorKeepsPreviousDetection(t *testing.T) {
	backend := NewMockBackend()
	backend.SetDetections([]Detection{StandingPose()})
	l := newTestLoop(t, backend, newStubFrames(640, 480))
	l.Start(context.Background())

	l.Tick(t0)
	waitIdle(t, l)

	backend.SetInferError(errors.New("tensor shape mismatch"))
	l.Tick(t0.Add(200 * time.Millisecond))
	waitIdle(t, l)
	l.Tick(t0.Add(400 * time.Millisecond))
	waitIdle(t, l)

	if got := l.State(); got != LoopRunning {
		t.Errorf("State() = %v, want running after frame errors", got)
	}
	if got := len(l.Detections()); got != 1 {
		t.Errorf("Detections() has %d entries, want the previous 1", got)
	}
	if got := l.Stats().FrameErrors; got != 2 {
		t.Errorf("Stats().FrameErrors = %d, want 2", got)
	}

	backend.SetInferError(nil)
	backend.SetDetections(nil)
	l.Tick(t0.Add(600 * time.Millisecond))
	waitIdle(t, l)
	if got := len(l.Detections()); got != 0 {
		t.Errorf("Detections() has %d entries, want 0 after an empty result", got)
	}
}

func TestLoop_Reclaim(t *testing.T) {
	backend := NewMockBackend()
	l := newTestLoop(t, backend, newStubFrames(640, 480))
	l.Start(context.Background())

	// 12 seconds at 10 Hz: reclaim at 5s and 10s.
	for i := 0; i <= 120; i++ {
		l.Tick(t0.Add(time.Duration(i) * 100 * time.Millisecond))
		waitIdle(t, l)
	}

	if got := backend.ReclaimCalls(); got != 2 {
		t.Errorf("ReclaimCalls() = %d, want 2", got)
	}
	if got := l.Stats().Reclaims; got != 2 {
		t.Errorf("Stats().Reclaims = %d, want 2", got)
	}
}

func TestLoop_StopDiscardsInFlightResult(t *testing.T) {
	backend := NewMockBackend()
	backend.SetDetections([]Detection{StandingPose()})
	release := backend.Hold()
	l := newTestLoop(t, backend, newStubFrames(640, 480))

	called := make(chan struct{}, 1)
	l.OnResult(func([]Detection) { called <- struct{}{} })
	l.Start(context.Background())

	l.Tick(t0)
	l.Stop()
	l.Stop()
	release()
	waitIdle(t, l)

	select {
	case <-called:
		t.Error("OnResult called for an inference that finished after Stop")
	default:
	}
	if l.Detections() != nil {
		t.Error("expected no detections after Stop")
	}
	if got := l.State(); got != LoopIdle {
		t.Errorf("State() = %v, want idle", got)
	}
}

func TestLoop_TickIgnoredWhenIdle(t *testing.T) {
	backend := NewMockBackend()
	frames := newStubFrames(640, 480)
	l := newTestLoop(t, backend, frames)

	l.Tick(t0)

	if got := backend.InferCalls(); got != 0 {
		t.Errorf("InferCalls() = %d, want 0 before Start", got)
	}
	if frames.reads != 0 {
		t.Errorf("frame source read %d times before Start", frames.reads)
	}
}

func TestLoop_DisposeReinitializes(t *testing.T) {
	backend := NewMockBackend()
	l := newTestLoop(t, backend, newStubFrames(640, 480))
	ctx := context.Background()

	l.Start(ctx)
	l.Tick(t0)

	if err := l.Dispose(); err != nil {
		t.Fatalf("Dispose() error = %v", err)
	}
	if l.Initialized() {
		t.Error("expected no model after Dispose")
	}
	if got := backend.DisposeCalls(); got != 1 {
		t.Errorf("DisposeCalls() = %d, want 1", got)
	}

	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start() after Dispose error = %v", err)
	}
	if got := backend.InitCalls(); got != 2 {
		t.Errorf("InitCalls() = %d, want 2 after Dispose", got)
	}

	l.Tick(t0.Add(time.Second))
	waitIdle(t, l)
	if got := l.Stats().FrameErrors; got != 0 {
		t.Errorf("Stats().FrameErrors = %d, want 0 with the new model", got)
	}
}

func TestLoop_DisposeWaitsForInference(t *testing.T) {
	backend := NewMockBackend()
	release := backend.Hold()
	defer release()
	l := newTestLoop(t, backend, newStubFrames(640, 480))
	l.Start(context.Background())
	l.Tick(t0)

	done := make(chan struct{})
	go func() {
		l.Dispose()
		close(done)
	}()

	// Stop cancels the run context, which unblocks the held inference.
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dispose did not return")
	}
	if got := backend.DisposeCalls(); got != 1 {
		t.Errorf("DisposeCalls() = %d, want 1", got)
	}
}

func TestLoop_WaitCoversCallback(t *testing.T) {
	backend := NewMockBackend()
	l := newTestLoop(t, backend, newStubFrames(640, 480))

	entered := make(chan struct{})
	unblock := make(chan struct{})
	l.OnResult(func([]Detection) {
		close(entered)
		<-unblock
	})
	l.Start(context.Background())
	l.Tick(t0)

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("OnResult never called")
	}

	done := make(chan struct{})
	go func() {
		l.Stop()
		l.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned while OnResult was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(unblock)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after OnResult finished")
	}
}

func TestLoop_ClosedRejectsStart(t *testing.T) {
	l := NewLoop(NewMockBackend(), newStubFrames(640, 480), LoopConfig{}, nil)
	l.Close()

	if err := l.Start(context.Background()); !errors.Is(err, ErrLoopClosed) {
		t.Errorf("Start() after Close = %v, want ErrLoopClosed", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}
