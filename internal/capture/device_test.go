package capture

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeNode(t *testing.T, root, node, name, index string) {
	t.Helper()
	dir := filepath.Join(root, node)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if name != "" {
		os.WriteFile(filepath.Join(dir, "name"), []byte(name+"\n"), 0o644)
	}
	if index != "" {
		os.WriteFile(filepath.Join(dir, "index"), []byte(index+"\n"), 0o644)
	}
}

func TestCameraEnumerator_Sysfs(t *testing.T) {
	root := t.TempDir()
	writeNode(t, root, "video2", "USB Webcam", "0")
	writeNode(t, root, "video3", "USB Webcam", "1")
	writeNode(t, root, "video0", "Integrated Camera", "0")
	writeNode(t, root, "video1", "Integrated Camera", "1")
	writeNode(t, root, "video4", "", "")
	writeNode(t, root, "media0", "", "")

	e := &CameraEnumerator{ScanLimit: 1, sysfsRoot: root}
	devices, err := e.Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices() error = %v", err)
	}

	want := []Device{
		{ID: "0", Label: "Integrated Camera", Index: 0},
		{ID: "2", Label: "USB Webcam", Index: 2},
		{ID: "4", Label: "Camera 5", Index: 4},
	}
	if len(devices) != len(want) {
		t.Fatalf("Devices() = %+v, want %+v", devices, want)
	}
	for i := range want {
		if devices[i] != want[i] {
			t.Errorf("Devices()[%d] = %+v, want %+v", i, devices[i], want[i])
		}
	}
}

func TestCameraEnumerator_EmptySysfs(t *testing.T) {
	e := &CameraEnumerator{sysfsRoot: t.TempDir()}
	devices, err := e.Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices() error = %v", err)
	}
	if len(devices) != 0 {
		t.Errorf("Devices() = %+v, want none", devices)
	}
}
