package detector

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"gocv.io/x/gocv"
)

// TestMoveNetHelperProcess stands in for the Python service when run as a
// child of the tests below.
func TestMoveNetHelperProcess(t *testing.T) {
	if os.Getenv("POSECAM_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	args := os.Getenv("POSECAM_HELPER_ARGS")
	if os.Getenv("POSECAM_HELPER_NO_GPU") == "1" && strings.Contains(args, "--device gpu") {
		fmt.Println(`{"ready":false,"error":"no gpu"}`)
		return
	}
	fmt.Println(`{"ready":true}`)

	in := bufio.NewReader(os.Stdin)
	for {
		var n uint32
		if err := binary.Read(in, binary.BigEndian, &n); err != nil {
			return
		}
		if n == 0 {
			fmt.Println(`{"reclaimed":true}`)
			continue
		}
		if _, err := io.CopyN(io.Discard, in, int64(n)); err != nil {
			return
		}
		fmt.Println(`{"poses":[{"score":0.8,"keypoints":[{"name":"nose","x":0.5,"y":0.25,"score":0.9}]}]}`)
	}
}

func newHelperBackend(t *testing.T) *MoveNetBackend {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("helper service needs /bin/sh")
	}

	script := filepath.Join(t.TempDir(), ScriptName)
	body := "#!/bin/sh\nPOSECAM_HELPER_ARGS=\"$*\" exec \"$POSECAM_TEST_BINARY\" -test.run='^TestMoveNetHelperProcess$'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}

	t.Setenv("POSECAM_WANT_HELPER_PROCESS", "1")
	t.Setenv("POSECAM_TEST_BINARY", os.Args[0])

	b := NewMoveNetBackend(nil)
	b.Python = "/bin/sh"
	b.ScriptPath = script
	return b
}

func TestMoveNetBackend_RoundTrip(t *testing.T) {
	b := newHelperBackend(t)
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.PreferAccelerated = false
	model, err := b.Initialize(ctx, cfg)
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer b.Dispose(model)

	if model.Accelerator != AcceleratorCPU {
		t.Errorf("expected cpu accelerator, got %s", model.Accelerator)
	}

	frame := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	defer frame.Close()

	ds, err := b.Infer(ctx, &frame, model)
	if err != nil {
		t.Fatalf("Infer() error = %v", err)
	}
	if len(ds) != 1 || len(ds[0].Keypoints) != 1 {
		t.Fatalf("expected one pose with one keypoint, got %+v", ds)
	}
	nose := ds[0].Keypoints[0]
	if nose.X != 320 || nose.Y != 120 {
		t.Errorf("nose = (%v, %v), want pixel coordinates (320, 120)", nose.X, nose.Y)
	}

	if err := b.Reclaim(ctx); err != nil {
		t.Errorf("Reclaim() error = %v", err)
	}

	// The stream stays in step after a reclaim.
	if _, err := b.Infer(ctx, &frame, model); err != nil {
		t.Errorf("Infer() after Reclaim error = %v", err)
	}
}

func TestMoveNetBackend_FallsBackToCPU(t *testing.T) {
	b := newHelperBackend(t)
	t.Setenv("POSECAM_HELPER_NO_GPU", "1")

	model, err := b.Initialize(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer b.Dispose(model)

	if model.Accelerator != AcceleratorCPU {
		t.Errorf("expected fallback to cpu, got %s", model.Accelerator)
	}
}

func TestMoveNetBackend_DisposeThenInfer(t *testing.T) {
	b := newHelperBackend(t)
	ctx := context.Background()

	model, err := b.Initialize(ctx, DefaultConfig())
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := b.Dispose(model); err != nil {
		t.Fatalf("Dispose() error = %v", err)
	}

	frame := gocv.NewMatWithSize(240, 320, gocv.MatTypeCV8UC3)
	defer frame.Close()
	if _, err := b.Infer(ctx, &frame, model); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Infer() after Dispose = %v, want ErrNotInitialized", err)
	}
}

func TestMoveNetBackend_ScriptNotFound(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	b := NewMoveNetBackend(nil)
	if findScript() != "" {
		t.Skip("service script installed next to the test binary")
	}
	if _, err := b.Initialize(context.Background(), DefaultConfig()); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("Initialize() = %v, want ErrScriptNotFound", err)
	}
}
