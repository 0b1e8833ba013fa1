package detector

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"gocv.io/x/gocv"
)

// MockBackend is a test implementation of the Backend interface. It allows
// tests to control detection results and count backend calls.
type MockBackend struct {
	mu         sync.Mutex
	detections []Detection
	initErr    error
	inferErr   error
	gate       chan struct{}
	model      *Model

	initCalls    int
	inferCalls   int
	reclaimCalls int
	disposeCalls int
	lastFrame    [2]int
}

// NewMockBackend creates a new MockBackend instance.
func NewMockBackend() *MockBackend {
	return &MockBackend{}
}

// SetDetections sets the detections returned by Infer.
func (m *MockBackend) SetDetections(ds []Detection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detections = ds
}

// SetInitError sets the error returned by Initialize.
func (m *MockBackend) SetInitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initErr = err
}

// SetInferError sets the error returned by Infer.
func (m *MockBackend) SetInferError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inferErr = err
}

// Hold makes Infer block until the returned function is called or its
// context is done.
func (m *MockBackend) Hold() (release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gate := make(chan struct{})
	m.gate = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			close(gate)
			m.mu.Lock()
			if m.gate == gate {
				m.gate = nil
			}
			m.mu.Unlock()
		})
	}
}

// Initialize returns a fresh model, or the configured init error.
func (m *MockBackend) Initialize(ctx context.Context, cfg Config) (*Model, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initCalls++
	if m.initErr != nil {
		return nil, m.initErr
	}
	m.model = &Model{ID: uuid.NewString(), Accelerator: AcceleratorCPU, Config: cfg}
	return m.model, nil
}

// Infer returns the configured detections or error.
func (m *MockBackend) Infer(ctx context.Context, frame *gocv.Mat, model *Model) ([]Detection, error) {
	m.mu.Lock()
	m.inferCalls++
	m.lastFrame = [2]int{frame.Cols(), frame.Rows()}
	gate := m.gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model == nil || model == nil || model.ID != m.model.ID {
		return nil, ErrNotInitialized
	}
	if m.inferErr != nil {
		return nil, m.inferErr
	}
	return CloneDetections(m.detections), nil
}

// Reclaim counts the call.
func (m *MockBackend) Reclaim(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reclaimCalls++
	return nil
}

// Dispose drops the model.
func (m *MockBackend) Dispose(model *Model) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disposeCalls++
	m.model = nil
	return nil
}

// InitCalls returns how many times Initialize was called.
func (m *MockBackend) InitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initCalls
}

// InferCalls returns how many times Infer was called.
func (m *MockBackend) InferCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inferCalls
}

// ReclaimCalls returns how many times Reclaim was called.
func (m *MockBackend) ReclaimCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reclaimCalls
}

// DisposeCalls returns how many times Dispose was called.
func (m *MockBackend) DisposeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disposeCalls
}

// LastFrameSize returns the width and height of the last inferred frame.
func (m *MockBackend) LastFrameSize() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFrame[0], m.lastFrame[1]
}

// StandingPose returns a detection of a person standing upright facing the
// camera in a 640x480 frame.
func StandingPose() Detection {
	points := [NumKeypoints][2]float64{
		Nose:          {320, 80},
		LeftEye:       {330, 70},
		RightEye:      {310, 70},
		LeftEar:       {345, 75},
		RightEar:      {295, 75},
		LeftShoulder:  {370, 140},
		RightShoulder: {270, 140},
		LeftElbow:     {390, 210},
		RightElbow:    {250, 210},
		LeftWrist:     {395, 280},
		RightWrist:    {245, 280},
		LeftHip:       {350, 280},
		RightHip:      {290, 280},
		LeftKnee:      {352, 360},
		RightKnee:     {288, 360},
		LeftAnkle:     {354, 440},
		RightAnkle:    {286, 440},
	}

	score := 0.82
	d := Detection{Score: &score}
	for i, p := range points {
		d.Keypoints = append(d.Keypoints, Keypoint{
			Name:  KeypointNames[i],
			X:     p[0],
			Y:     p[1],
			Score: 0.9,
		})
	}
	return d
}
