package detector

import (
	"context"
	"fmt"

	"gocv.io/x/gocv"
)

// Model types understood by the MoveNet backend.
const (
	ModelLightning = "SinglePose.Lightning"
	ModelThunder   = "SinglePose.Thunder"
)

// Accelerators a model may run on.
const (
	AcceleratorGPU = "gpu"
	AcceleratorCPU = "cpu"
)

// Config holds inference backend options.
type Config struct {
	// ModelType is ModelLightning (faster) or ModelThunder (more accurate).
	ModelType string `yaml:"model_type"`

	// EnableSmoothing smooths keypoints across frames.
	EnableSmoothing bool `yaml:"enable_smoothing"`

	// MinPoseScore drops poses scoring below it (0.0-1.0).
	MinPoseScore float64 `yaml:"min_pose_score"`

	// MultiPoseMaxDimension caps the longer input side for multipose models.
	MultiPoseMaxDimension int `yaml:"multipose_max_dimension"`

	// PreferAccelerated tries the GPU first and falls back to the CPU.
	PreferAccelerated bool `yaml:"prefer_accelerated"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		ModelType:             ModelLightning,
		EnableSmoothing:       true,
		MinPoseScore:          0.25,
		MultiPoseMaxDimension: 256,
		PreferAccelerated:     true,
	}
}

// Validate checks the option ranges.
func (c Config) Validate() error {
	switch c.ModelType {
	case ModelLightning, ModelThunder:
	default:
		return fmt.Errorf("unknown model type %q", c.ModelType)
	}
	if c.MinPoseScore < 0 || c.MinPoseScore > 1 {
		return fmt.Errorf("min pose score %v out of range [0,1]", c.MinPoseScore)
	}
	if c.MultiPoseMaxDimension <= 0 {
		return fmt.Errorf("multipose max dimension must be positive, got %d", c.MultiPoseMaxDimension)
	}
	return nil
}

// Model is a handle to an initialized backend model.
type Model struct {
	ID          string
	Accelerator string
	Config      Config
}

// Backend runs pose inference. A Backend serves one Model at a time; the
// caller owns the Model between Initialize and Dispose.
type Backend interface {
	// Initialize loads the model described by cfg.
	Initialize(ctx context.Context, cfg Config) (*Model, error)

	// Infer detects poses in frame. It returns an empty slice when nobody
	// is visible.
	Infer(ctx context.Context, frame *gocv.Mat, m *Model) ([]Detection, error)

	// Reclaim frees transient allocations held by the backend.
	Reclaim(ctx context.Context) error

	// Dispose releases the model.
	Dispose(m *Model) error
}

// InitError is returned when the backend cannot be initialized. It is
// retryable by starting again.
type InitError struct {
	Err error
}

func (e *InitError) Error() string {
	return "detector init: " + e.Err.Error()
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// FrameError is a failed inference on a single frame.
type FrameError struct {
	Err error
}

func (e *FrameError) Error() string {
	return "detector frame: " + e.Err.Error()
}

func (e *FrameError) Unwrap() error {
	return e.Err
}
