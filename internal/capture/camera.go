// Package capture owns camera acquisition: resolution presets, the gocv
// backed camera handle, device enumeration and the capture session.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"gocv.io/x/gocv"
)

// DefaultFPS is the frame rate requested from the camera driver.
const DefaultFPS = 30

// ErrCameraNotOpen is returned when reading from a handle that is closed.
var ErrCameraNotOpen = errors.New("camera is not open")

// Request describes what to acquire.
type Request struct {
	Resolution Resolution
	DeviceID   string
}

// Handle is an open camera. Read and Close may be called concurrently; a
// Read racing a Close returns ErrCameraNotOpen.
type Handle interface {
	ID() string
	Read(dst *gocv.Mat) error
	Resolution() Resolution
	Close() error
}

// Opener acquires camera handles. Open may block while the device is being
// acquired; it should return promptly once ctx is done.
type Opener interface {
	Open(ctx context.Context, req Request) (Handle, error)
}

// cameraImpl is a Handle backed by a gocv.VideoCapture.
type cameraImpl struct {
	id       string
	deviceID int
	capture  *gocv.VideoCapture
	mu       sync.Mutex
	running  bool
	res      Resolution
}

func (c *cameraImpl) ID() string {
	return c.id
}

// Read grabs the next frame into dst.
func (c *cameraImpl) Read(dst *gocv.Mat) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.capture == nil {
		return ErrCameraNotOpen
	}

	if ok := c.capture.Read(dst); !ok {
		return errors.New("failed to read frame from camera")
	}

	if dst.Empty() {
		return ErrFrameNotReady
	}

	return nil
}

// Resolution returns the size the driver actually negotiated.
func (c *cameraImpl) Resolution() Resolution {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.res
}

// Close releases the device. Closing twice is a no-op.
func (c *cameraImpl) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.capture == nil {
		c.running = false
		return nil
	}

	err := c.capture.Close()
	c.capture = nil
	c.running = false

	return err
}

// CameraOpener opens local cameras through OpenCV.
//
// Opens of the same device are serialized. An Open abandoned through its
// context keeps the device until the driver call returns and the late
// capture is closed, so the next Open never races it.
type CameraOpener struct {
	// FPS requested from the driver; DefaultFPS when zero.
	FPS    int
	Logger *slog.Logger

	mu    sync.Mutex
	slots map[int]chan struct{}

	// Replaced in tests.
	nativeOpen func(index int) (*gocv.VideoCapture, error)
	checkNode  func(index int) error
}

// NewCameraOpener creates a CameraOpener with default settings.
func NewCameraOpener(logger *slog.Logger) *CameraOpener {
	if logger == nil {
		logger = slog.Default()
	}
	return &CameraOpener{FPS: DefaultFPS, Logger: logger}
}

type openResult struct {
	capture *gocv.VideoCapture
	err     error
}

// Open acquires the camera named by req.DeviceID (an index, "" meaning 0)
// at req.Resolution. If ctx is done first, Open returns ctx.Err() and the
// capture is closed as soon as the driver hands it back; until then the
// device stays reserved.
func (o *CameraOpener) Open(ctx context.Context, req Request) (Handle, error) {
	if err := req.Resolution.Validate(); err != nil {
		return nil, err
	}

	index, err := ParseDeviceIndex(req.DeviceID)
	if err != nil {
		return nil, &CaptureError{Kind: KindDeviceNotFound, DeviceID: req.DeviceID, Err: err}
	}

	slot := o.deviceSlot(index)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	checkNode := o.checkNode
	if checkNode == nil {
		checkNode = checkDeviceNode
	}
	if err := checkNode(index); err != nil {
		<-slot
		return nil, Classify(err, req.DeviceID)
	}

	nativeOpen := o.nativeOpen
	if nativeOpen == nil {
		nativeOpen = func(i int) (*gocv.VideoCapture, error) { return gocv.OpenVideoCapture(i) }
	}
	results := make(chan openResult, 1)
	go func() {
		vc, err := nativeOpen(index)
		results <- openResult{capture: vc, err: err}
	}()

	var res openResult
	select {
	case res = <-results:
		defer func() { <-slot }()
	case <-ctx.Done():
		// The slot goes with the driver call and is freed once it is over.
		go func() {
			late := <-results
			if late.capture != nil {
				late.capture.Close()
			}
			<-slot
		}()
		return nil, ctx.Err()
	}

	if res.err != nil {
		return nil, &CaptureError{Kind: KindUnknown, DeviceID: req.DeviceID, Err: res.err}
	}
	vc := res.capture
	if !vc.IsOpened() {
		vc.Close()
		return nil, &CaptureError{Kind: KindDeviceNotFound, DeviceID: req.DeviceID, Err: fmt.Errorf("device %d did not open", index)}
	}

	fps := o.FPS
	if fps <= 0 {
		fps = DefaultFPS
	}
	vc.Set(gocv.VideoCaptureFrameWidth, float64(req.Resolution.Width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(req.Resolution.Height))
	vc.Set(gocv.VideoCaptureFPS, float64(fps))

	actual := req.Resolution
	if w, h := int(vc.Get(gocv.VideoCaptureFrameWidth)), int(vc.Get(gocv.VideoCaptureFrameHeight)); w > 0 && h > 0 {
		actual.Width, actual.Height = w, h
	}

	cam := &cameraImpl{
		id:       uuid.NewString(),
		deviceID: index,
		capture:  vc,
		running:  true,
		res:      actual,
	}

	if actual.Width != req.Resolution.Width || actual.Height != req.Resolution.Height {
		o.logger().Warn("capture: driver negotiated a different size",
			"device", index,
			"requested", req.Resolution.Dimensions(),
			"actual", actual.Dimensions(),
		)
	}

	return cam, nil
}

// deviceSlot returns the semaphore guarding opens of camera index.
func (o *CameraOpener) deviceSlot(index int) chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.slots == nil {
		o.slots = make(map[int]chan struct{})
	}
	slot, ok := o.slots[index]
	if !ok {
		slot = make(chan struct{}, 1)
		o.slots[index] = slot
	}
	return slot
}

func (o *CameraOpener) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// ParseDeviceIndex converts a device id to an OpenCV camera index. The empty
// id selects the first camera.
func ParseDeviceIndex(id string) (int, error) {
	if id == "" {
		return 0, nil
	}
	index, err := strconv.Atoi(id)
	if err != nil || index < 0 {
		return 0, fmt.Errorf("invalid device id %q", id)
	}
	return index, nil
}

// checkDeviceNode checks the V4L2 node on Linux so that missing devices and
// permission problems are reported with a precise kind. Other platforms are
// left to OpenCV.
func checkDeviceNode(index int) error {
	if runtime.GOOS != "linux" {
		return nil
	}

	if _, err := os.Stat("/sys/class/video4linux"); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("no video4linux support: %w", errors.ErrUnsupported)
	}

	f, err := os.OpenFile(fmt.Sprintf("/dev/video%d", index), os.O_RDWR, 0)
	if err != nil {
		return err
	}
	return f.Close()
}
