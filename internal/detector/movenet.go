package detector

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"gocv.io/x/gocv"
)

// ScriptName is the MoveNet service script run by MoveNetBackend.
const ScriptName = "movenet_service.py"

var (
	// ErrScriptNotFound is returned when the service script cannot be found.
	ErrScriptNotFound = errors.New(ScriptName + " not found")
	// ErrNotInitialized is returned when inferring without a live model.
	ErrNotInitialized = errors.New("model not initialized")
)

// MoveNetBackend implements Backend with a Python MoveNet subprocess. Frames
// go to the process as a 4-byte big-endian length followed by a JPEG; each
// frame gets one JSON line back. A zero length asks the process to free
// memory.
type MoveNetBackend struct {
	// ScriptPath overrides the script search when set.
	ScriptPath string
	// Python overrides the interpreter search when set.
	Python string
	Logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	pending chan lineResult
	model   *Model
}

type lineResult struct {
	line string
	err  error
}

// NewMoveNetBackend creates a MoveNetBackend. The process starts on
// Initialize.
func NewMoveNetBackend(logger *slog.Logger) *MoveNetBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &MoveNetBackend{Logger: logger}
}

// Initialize starts the service process. With cfg.PreferAccelerated it asks
// for the GPU first and retries on the CPU if that fails.
func (b *MoveNetBackend) Initialize(ctx context.Context, cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.model != nil {
		return b.model, nil
	}

	script := b.ScriptPath
	if script == "" {
		script = findScript()
	}
	if script == "" {
		return nil, ErrScriptNotFound
	}

	accelerators := []string{AcceleratorCPU}
	if cfg.PreferAccelerated {
		accelerators = []string{AcceleratorGPU, AcceleratorCPU}
	}

	var lastErr error
	for _, acc := range accelerators {
		err := b.startProcess(ctx, script, cfg, acc)
		if err == nil {
			b.model = &Model{ID: uuid.NewString(), Accelerator: acc, Config: cfg}
			b.Logger.Info("detector: model ready",
				"model", b.model.ID,
				"type", cfg.ModelType,
				"accelerator", acc,
			)
			return b.model, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		b.Logger.Warn("detector: backend unavailable", "accelerator", acc, "error", err)
	}
	return nil, lastErr
}

func (b *MoveNetBackend) startProcess(ctx context.Context, script string, cfg Config, accelerator string) error {
	python := b.Python
	if python == "" {
		python = findVenvPython()
	}
	if python == "" {
		python = "python3"
	}

	args := []string{
		script,
		"--model", cfg.ModelType,
		"--device", accelerator,
		"--min-pose-score", strconv.FormatFloat(cfg.MinPoseScore, 'f', -1, 64),
		"--multipose-max-dimension", strconv.Itoa(cfg.MultiPoseMaxDimension),
	}
	if cfg.EnableSmoothing {
		args = append(args, "--smoothing")
	}

	cmd := exec.Command(python, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start movenet service: %w", err)
	}

	b.cmd = cmd
	b.stdin = stdin
	b.stdout = bufio.NewReader(stdout)
	b.pending = nil

	var hello struct {
		Ready  bool   `json:"ready"`
		Device string `json:"device"`
		Error  string `json:"error"`
	}
	err = b.read(ctx, &hello)
	if err == nil && !hello.Ready {
		err = fmt.Errorf("service not ready: %s", hello.Error)
	}
	if err != nil {
		stdin.Close()
		cmd.Process.Kill()
		cmd.Wait()
		b.cmd = nil
		b.stdin = nil
		b.stdout = nil
		b.pending = nil
		return err
	}
	return nil
}

// Infer encodes frame as JPEG, sends it and converts the reply from
// normalized to pixel coordinates.
func (b *MoveNetBackend) Infer(ctx context.Context, frame *gocv.Mat, m *Model) ([]Detection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.model == nil || m == nil || m.ID != b.model.ID {
		return nil, ErrNotInitialized
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, *frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	if err := b.send(buf.GetBytes()); err != nil {
		return nil, err
	}

	var response struct {
		Poses []jsonPose `json:"poses"`
		Error string     `json:"error"`
	}
	if err := b.read(ctx, &response); err != nil {
		return nil, err
	}
	if response.Error != "" {
		return nil, errors.New(response.Error)
	}

	w, h := float64(frame.Cols()), float64(frame.Rows())
	result := make([]Detection, 0, len(response.Poses))
	for _, p := range response.Poses {
		result = append(result, p.toDetection(w, h))
	}
	return result, nil
}

// Reclaim asks the service to release cached tensors.
func (b *MoveNetBackend) Reclaim(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.model == nil {
		return nil
	}
	if err := b.send(nil); err != nil {
		return err
	}
	var ack struct {
		Reclaimed bool `json:"reclaimed"`
	}
	return b.read(ctx, &ack)
}

// Dispose shuts down the service process.
func (b *MoveNetBackend) Dispose(m *Model) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.model == nil || (m != nil && m.ID != b.model.ID) {
		return nil
	}

	b.stdin.Close()
	err := b.cmd.Wait()
	b.Logger.Info("detector: model disposed", "model", b.model.ID)

	b.cmd = nil
	b.stdin = nil
	b.stdout = nil
	b.pending = nil
	b.model = nil
	return err
}

func (b *MoveNetBackend) send(data []byte) error {
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(data)))

	if _, err := b.stdin.Write(length); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := b.stdin.Write(data); err != nil {
		return fmt.Errorf("write data: %w", err)
	}
	return nil
}

// read decodes the next JSON line into v. A read that outlives its ctx is
// left pending and its line is discarded by the next read, so replies stay
// matched to requests.
func (b *MoveNetBackend) read(ctx context.Context, v any) error {
	if b.pending != nil {
		select {
		case <-b.pending:
			b.pending = nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ch := make(chan lineResult, 1)
	r := b.stdout
	go func() {
		line, err := r.ReadString('\n')
		ch <- lineResult{line, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("read response: %w", res.err)
		}
		if err := json.Unmarshal([]byte(res.line), v); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
		return nil
	case <-ctx.Done():
		b.pending = ch
		return ctx.Err()
	}
}

func findScript() string {
	execPath, err := os.Executable()
	var execDir string
	if err == nil {
		execDir = filepath.Dir(execPath)
	}

	candidates := []string{
		filepath.Join("scripts", ScriptName),
		filepath.Join("..", "scripts", ScriptName),
		filepath.Join(execDir, "scripts", ScriptName),
		filepath.Join(os.Getenv("HOME"), ".posecam", "scripts", ScriptName),
	}
	return firstExisting(candidates)
}

// findVenvPython looks for a Python interpreter in a virtual environment
// next to the working directory, the executable or ~/.posecam.
func findVenvPython() string {
	execPath, err := os.Executable()
	if err != nil {
		return ""
	}
	execDir := filepath.Dir(execPath)

	candidates := []string{
		"venv/bin/python",
		"../venv/bin/python",
		filepath.Join(execDir, "venv/bin/python"),
		filepath.Join(os.Getenv("HOME"), ".posecam/venv/bin/python"),
	}
	return firstExisting(candidates)
}

func firstExisting(paths []string) string {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			if abs, err := filepath.Abs(path); err == nil {
				return abs
			}
			return path
		}
	}
	return ""
}

// jsonPose is a pose as sent by the service, with coordinates in [0,1].
type jsonPose struct {
	Score     *float64       `json:"score"`
	Keypoints []jsonKeypoint `json:"keypoints"`
}

type jsonKeypoint struct {
	Name  string  `json:"name"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Score float64 `json:"score"`
}

func (p jsonPose) toDetection(width, height float64) Detection {
	d := Detection{
		Keypoints: make([]Keypoint, 0, len(p.Keypoints)),
		Score:     p.Score,
	}
	for _, kp := range p.Keypoints {
		d.Keypoints = append(d.Keypoints, Keypoint{
			Name:  kp.Name,
			X:     kp.X * width,
			Y:     kp.Y * height,
			Score: kp.Score,
		})
	}
	return d
}
