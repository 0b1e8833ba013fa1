package capture

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"
)

// FakeOpener hands out in-memory camera handles for tests and demos. Frames
// are blank images at the requested resolution unless frames are supplied.
type FakeOpener struct {
	mu           sync.Mutex
	frames       []*gocv.Mat
	err          error
	failures     []error
	gate         chan struct{}
	ignoreCancel bool
	readDelay    time.Duration
	devices      []Device
	requests     []Request
	handles      []*FakeHandle
}

// NewFakeOpener creates a FakeOpener that plays back frames in a loop.
func NewFakeOpener(frames []*gocv.Mat) *FakeOpener {
	return &FakeOpener{
		frames:  frames,
		devices: []Device{{ID: "0", Label: "Fake Camera", Index: 0}},
	}
}

// SetError makes subsequent opens fail with err; nil restores success.
func (o *FakeOpener) SetError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

// FailNext makes the next open fail with err, ahead of any SetError error.
// Calls queue up.
func (o *FakeOpener) FailNext(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, err)
}

// Hold makes subsequent opens block until the returned function is called.
func (o *FakeOpener) Hold() (release func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	gate := make(chan struct{})
	o.gate = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			close(gate)
			o.mu.Lock()
			if o.gate == gate {
				o.gate = nil
			}
			o.mu.Unlock()
		})
	}
}

// SetIgnoreCancel makes held opens keep waiting after their context is done
// and then return a handle anyway, like a driver that cannot be interrupted.
func (o *FakeOpener) SetIgnoreCancel(ignore bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ignoreCancel = ignore
}

// SetReadDelay makes every Read take d, simulating a camera frame interval.
func (o *FakeOpener) SetReadDelay(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.readDelay = d
}

// SetDevices replaces the device list returned by Devices.
func (o *FakeOpener) SetDevices(devices []Device) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.devices = devices
}

// Devices implements Enumerator.
func (o *FakeOpener) Devices(ctx context.Context) ([]Device, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Device(nil), o.devices...), nil
}

// Open implements Opener.
func (o *FakeOpener) Open(ctx context.Context, req Request) (Handle, error) {
	o.mu.Lock()
	o.requests = append(o.requests, req)
	gate := o.gate
	ignoreCancel := o.ignoreCancel
	o.mu.Unlock()

	if gate != nil {
		if ignoreCancel {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.failures) > 0 {
		err := o.failures[0]
		o.failures = o.failures[1:]
		return nil, err
	}
	if o.err != nil {
		return nil, o.err
	}

	h := &FakeHandle{
		id:        uuid.NewString(),
		res:       req.Resolution,
		frames:    o.frames,
		readDelay: o.readDelay,
		open:      true,
	}
	o.handles = append(o.handles, h)
	return h, nil
}

// Requests returns every request seen so far.
func (o *FakeOpener) Requests() []Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Request(nil), o.requests...)
}

// Opened returns how many handles were handed out.
func (o *FakeOpener) Opened() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.handles)
}

// OpenHandles returns the handles that have not been closed.
func (o *FakeOpener) OpenHandles() []*FakeHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	var open []*FakeHandle
	for _, h := range o.handles {
		if h.IsOpen() {
			open = append(open, h)
		}
	}
	return open
}

// FakeHandle is a Handle produced by FakeOpener.
type FakeHandle struct {
	id        string
	res       Resolution
	frames    []*gocv.Mat
	index     int
	readDelay time.Duration

	mu   sync.Mutex
	open bool
}

func (h *FakeHandle) ID() string { return h.id }

func (h *FakeHandle) Resolution() Resolution { return h.res }

// Read copies the next playback frame, or a blank frame, into dst.
func (h *FakeHandle) Read(dst *gocv.Mat) error {
	if h.readDelay > 0 {
		time.Sleep(h.readDelay)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.open {
		return ErrCameraNotOpen
	}

	if len(h.frames) > 0 {
		if h.index >= len(h.frames) {
			h.index = 0
		}
		h.frames[h.index].CopyTo(dst)
		h.index++
		return nil
	}

	blank := gocv.NewMatWithSize(h.res.Height, h.res.Width, gocv.MatTypeCV8UC3)
	defer blank.Close()
	blank.CopyTo(dst)
	return nil
}

// Close marks the handle closed.
func (h *FakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.open = false
	return nil
}

// IsOpen reports whether Close has not been called.
func (h *FakeHandle) IsOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.open
}
