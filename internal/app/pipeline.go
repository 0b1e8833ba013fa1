package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ayusman/posecam/internal/capture"
	"github.com/ayusman/posecam/internal/perf"
)

// tick runs once per scheduling opportunity on the task goroutine:
// grab a frame, count it, then give the detection loop its turn.
func (c *Controller) tick(now time.Time) {
	if err := c.session.Grab(); err == nil {
		c.monitor.Tick()
	} else if !errors.Is(err, capture.ErrFrameNotReady) {
		c.logger.Debug("app: grab failed", "error", err)
	}
	c.loop.Tick(now)
}

// onRate receives every measurement window close.
func (c *Controller) onRate(rate float64) {
	c.mu.Lock()
	if c.state != Running {
		c.mu.Unlock()
		return
	}
	c.rate = rate

	if !c.settings.AutoAdjust || c.clock.Now().Sub(c.lastAdjust) < c.settings.AdjustInterval {
		c.mu.Unlock()
		c.publish()
		return
	}

	dir, next := c.ladder.Decide(rate, c.preset, c.settings)
	if dir == perf.Hold {
		c.mu.Unlock()
		c.publish()
		return
	}

	c.switchSeq++
	sw := pendingSwitch{
		epoch:      c.epoch,
		seq:        c.switchSeq,
		prev:       c.preset,
		prevDevice: c.deviceID,
		next:       next,
		nextDevice: c.deviceID,
	}
	ctx := c.runCtx
	c.state = Adjusting
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("app: adjusting resolution",
		"direction", dir,
		"rate", rate,
		"from", sw.prev,
		"to", sw.next,
	)
	c.publish()

	go func() {
		defer c.wg.Done()
		if err := c.switchTo(ctx, ctx, sw); err != nil && !errors.Is(err, ErrCanceled) && !errors.Is(err, capture.ErrSuperseded) {
			c.logger.Warn("app: automatic adjustment failed", "error", err)
		}
	}()
}

// SetResolution selects preset, which must be on the ladder. While stopped
// or starting the choice is stored and used by the next start. While running
// the camera is switched before returning; a switch already in flight,
// automatic or not, is superseded.
func (c *Controller) SetResolution(ctx context.Context, preset capture.Resolution) error {
	i := c.ladder.Index(preset)
	if i < 0 {
		return fmt.Errorf("%w: %s", perf.ErrUnknownPreset, preset)
	}

	c.mu.Lock()
	device := c.deviceID
	c.mu.Unlock()
	return c.change(ctx, c.ladder.Presets()[i], device)
}

// SetDevice selects the capture device, with the same semantics as
// SetResolution.
func (c *Controller) SetDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return errors.New("empty device id")
	}

	c.mu.Lock()
	preset := c.preset
	c.mu.Unlock()
	return c.change(ctx, preset, deviceID)
}

func (c *Controller) change(ctx context.Context, preset capture.Resolution, deviceID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	switch c.state {
	case Stopped, Starting:
		c.preset = preset
		c.deviceID = deviceID
		prefs := c.prefsLocked()
		c.mu.Unlock()

		c.persist(prefs)
		c.publish()
		return nil
	case Running:
		if c.preset == preset && c.deviceID == deviceID {
			c.mu.Unlock()
			return nil
		}
	}

	c.switchSeq++
	sw := pendingSwitch{
		epoch:      c.epoch,
		seq:        c.switchSeq,
		prev:       c.preset,
		prevDevice: c.deviceID,
		next:       preset,
		nextDevice: deviceID,
	}
	runCtx := c.runCtx
	c.state = Adjusting
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	c.logger.Info("app: switching camera", "preset", preset, "device", deviceID)
	c.publish()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(runCtx, cancel)()

	// The caller may give up on its switch, but the restore belongs to the
	// running pipeline.
	return c.switchTo(ctx, runCtx, sw)
}

type pendingSwitch struct {
	epoch      uint64
	seq        uint64
	prev       capture.Resolution
	prevDevice string
	next       capture.Resolution
	nextDevice string
}

// current reports whether sw still owns the session. Call with mu held.
func (c *Controller) current(sw pendingSwitch) error {
	if c.epoch != sw.epoch || c.state == Stopped {
		return ErrCanceled
	}
	if c.switchSeq != sw.seq {
		return capture.ErrSuperseded
	}
	return nil
}

// switchTo moves the session to the switch target using ctx. On failure,
// including ctx being done, it restores the previous preset and device using
// restoreCtx; if the restore fails too the controller stops. A switch whose
// ctx ended while restoreCtx is live was abandoned by its caller and is not
// recorded as a camera error.
func (c *Controller) switchTo(ctx, restoreCtx context.Context, sw pendingSwitch) error {
	// Start rather than Switch: a failed earlier switch leaves the session
	// idle and Switch would then do nothing.
	err := c.session.Start(ctx, sw.next, sw.nextDevice)

	c.mu.Lock()
	if cerr := c.current(sw); cerr != nil {
		c.mu.Unlock()
		return cerr
	}
	if err == nil {
		c.preset = sw.next
		c.deviceID = sw.nextDevice
		c.lastErr = nil
		c.commitLocked()
		prefs := c.prefsLocked()
		c.mu.Unlock()

		c.logger.Info("app: camera switched", "preset", sw.next, "device", sw.nextDevice)
		c.persist(prefs)
		c.publish()
		return nil
	}
	err = fmt.Errorf("switch to %s: %w", sw.next, err)
	abandoned := ctx.Err() != nil && restoreCtx.Err() == nil
	if !abandoned {
		c.lastErr = err
	}
	c.mu.Unlock()

	if abandoned {
		c.logger.Info("app: switch abandoned, restoring previous preset", "preset", sw.prev, "error", err)
	} else {
		c.logger.Warn("app: switch failed, restoring previous preset", "preset", sw.prev, "error", err)
	}

	rerr := c.session.Start(restoreCtx, sw.prev, sw.prevDevice)

	c.mu.Lock()
	if cerr := c.current(sw); cerr != nil {
		c.mu.Unlock()
		return err
	}
	if rerr == nil {
		c.preset = sw.prev
		c.deviceID = sw.prevDevice
		c.commitLocked()
		c.mu.Unlock()

		c.publish()
		return err
	}

	rerr = fmt.Errorf("restore %s: %w", sw.prev, rerr)
	c.lastErr = errors.Join(err, rerr)
	c.state = Stopped
	c.epoch++
	c.rate = 0
	if c.runCancel != nil {
		c.runCancel()
		c.runCancel = nil
	}
	c.mu.Unlock()

	// The scheduling task exits with runCtx; the next Enable or Disable
	// reaps it.
	c.loop.Stop()
	c.stopSession()
	c.logger.Error("app: stopped after failed restore", "error", rerr)
	c.publish()
	return errors.Join(err, rerr)
}

// commitLocked returns to Running after a switch. Call with mu held.
func (c *Controller) commitLocked() {
	c.state = Running
	c.lastAdjust = c.clock.Now()
	c.monitor.Reset()
}
