package capture

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gocv.io/x/gocv"
)

// DefaultScanLimit is how many camera indexes are scanned when the platform
// offers no device listing.
const DefaultScanLimit = 4

// Device describes an available capture device.
type Device struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Index int    `json:"index"`
}

// Enumerator lists capture devices.
type Enumerator interface {
	Devices(ctx context.Context) ([]Device, error)
}

// CameraEnumerator lists local cameras. On Linux it reads the video4linux
// class directory; elsewhere it scans indexes with OpenCV.
type CameraEnumerator struct {
	ScanLimit int
	sysfsRoot  string
}

// NewCameraEnumerator creates a CameraEnumerator with default settings.
func NewCameraEnumerator() *CameraEnumerator {
	return &CameraEnumerator{ScanLimit: DefaultScanLimit, sysfsRoot: "/sys/class/video4linux"}
}

// Devices returns the cameras currently present, ordered by index.
func (e *CameraEnumerator) Devices(ctx context.Context) ([]Device, error) {
	if devices, ok := e.listSysfs(); ok {
		return devices, nil
	}
	return e.scan(ctx)
}

func (e *CameraEnumerator) listSysfs() ([]Device, bool) {
	if e.sysfsRoot == "" {
		return nil, false
	}
	entries, err := os.ReadDir(e.sysfsRoot)
	if err != nil {
		return nil, false
	}

	var devices []Device
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "video") {
			continue
		}
		index, err := strconv.Atoi(strings.TrimPrefix(name, "video"))
		if err != nil {
			continue
		}

		// UVC cameras expose a metadata node next to each capture node.
		if idx, err := os.ReadFile(filepath.Join(e.sysfsRoot, name, "index")); err == nil {
			if strings.TrimSpace(string(idx)) != "0" {
				continue
			}
		}

		label := "Camera " + strconv.Itoa(index+1)
		if raw, err := os.ReadFile(filepath.Join(e.sysfsRoot, name, "name")); err == nil {
			if l := strings.TrimSpace(string(raw)); l != "" {
				label = l
			}
		}

		devices = append(devices, Device{ID: strconv.Itoa(index), Label: label, Index: index})
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].Index < devices[j].Index })
	return devices, true
}

func (e *CameraEnumerator) scan(ctx context.Context) ([]Device, error) {
	limit := e.ScanLimit
	if limit <= 0 {
		limit = DefaultScanLimit
	}

	var devices []Device
	for i := 0; i < limit; i++ {
		if err := ctx.Err(); err != nil {
			return devices, err
		}
		vc, err := gocv.OpenVideoCapture(i)
		if err != nil {
			continue
		}
		if vc.IsOpened() {
			devices = append(devices, Device{ID: strconv.Itoa(i), Label: "Camera " + strconv.Itoa(i+1), Index: i})
		}
		vc.Close()
	}
	return devices, nil
}
