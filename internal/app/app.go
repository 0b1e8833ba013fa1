// Package app ties capture, pose detection and the adaptive resolution
// policy together into a Controller that can be enabled and disabled.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/posecam/internal/capture"
	"github.com/ayusman/posecam/internal/detector"
	"github.com/ayusman/posecam/internal/perf"
	"github.com/ayusman/posecam/internal/sched"
	"github.com/ayusman/posecam/internal/store"
)

var (
	// ErrCanceled is returned by Enable when Disable ran before it finished,
	// and by a resolution change that was overtaken by Disable.
	ErrCanceled = errors.New("operation canceled")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("controller closed")
)

// State is the lifecycle state of a Controller.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Adjusting
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Adjusting:
		return "adjusting"
	default:
		return "stopped"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Preferences persists the user's choices between runs.
type Preferences interface {
	Get() (store.Preferences, bool, error)
	Save(store.Preferences) error
}

// Config configures a Controller. Zero values select defaults.
type Config struct {
	Ladder   *perf.Ladder
	Settings perf.Settings
	// Window is the frame rate measurement window.
	Window time.Duration
	// Preset is the initial preset. Zero picks the capability recommendation.
	Preset   capture.Resolution
	DeviceID string
	Loop     detector.LoopConfig
	// Source drives the pipeline. Nil uses a display-refresh ticker.
	Source      sched.Source
	Clock       sched.Clock
	Preferences Preferences
	Logger      *slog.Logger
}

// Stats collects pipeline counters.
type Stats struct {
	Capture     capture.SessionStats `json:"capture"`
	Detector    detector.LoopStats   `json:"detector"`
	Subscribers int                  `json:"subscribers"`
}

// Controller owns the capture session and the detection loop and adapts the
// capture resolution to the measured frame rate.
type Controller struct {
	ladder  *perf.Ladder
	source  sched.Source
	clock   sched.Clock
	prefs   Preferences
	logger  *slog.Logger
	devices capture.Enumerator
	caps    perf.Capabilities

	session *capture.Session
	loop    *detector.Loop
	monitor *perf.Monitor

	// lifeMu serializes Enable against the blocking part of Disable.
	lifeMu sync.Mutex

	mu         sync.Mutex
	state      State
	epoch      uint64
	preset     capture.Resolution
	deviceID   string
	settings   perf.Settings
	rate       float64
	lastErr    error
	lastAdjust time.Time
	switchSeq  uint64
	task       *sched.Task
	runCtx     context.Context
	runCancel  context.CancelFunc
	closed     bool

	// wg tracks resolution switches.
	wg sync.WaitGroup

	// pubMu keeps snapshots in order; taken before mu.
	pubMu sync.Mutex
	hub   *hub
}

// New creates a stopped Controller. Saved preferences, when present,
// override the configured preset, device and auto-adjust flag.
func New(opener capture.Opener, devices capture.Enumerator, backend detector.Backend, cfg Config) (*Controller, error) {
	if cfg.Ladder == nil {
		cfg.Ladder = perf.DefaultLadder()
	}
	if cfg.Settings == (perf.Settings{}) {
		cfg.Settings = perf.DefaultSettings()
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = sched.SystemClock()
	}
	if cfg.Source == nil {
		cfg.Source = sched.Refresh(sched.DefaultRefreshRate)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	caps := perf.DetectCapabilities(cfg.Ladder)
	preset := cfg.Preset
	if preset.IsZero() {
		preset = caps.RecommendedPreset
	} else if cfg.Ladder.Index(preset) < 0 {
		return nil, fmt.Errorf("initial preset %s: %w", preset, perf.ErrUnknownPreset)
	}

	c := &Controller{
		ladder:   cfg.Ladder,
		source:   cfg.Source,
		clock:    cfg.Clock,
		prefs:    cfg.Preferences,
		logger:   cfg.Logger,
		devices:  devices,
		caps:     caps,
		preset:   preset,
		deviceID: cfg.DeviceID,
		settings: cfg.Settings,
		hub:      newHub(),
	}
	c.restorePreferences()

	c.session = capture.NewSession(opener, cfg.Logger)
	c.loop = detector.NewLoop(backend, c.session, cfg.Loop, cfg.Logger)
	c.loop.OnResult(func([]detector.Detection) { c.publish() })
	c.monitor = perf.NewMonitor(cfg.Window, cfg.Clock, c.onRate)

	c.logger.Info("app: controller ready",
		"preset", c.preset,
		"device", c.deviceID,
		"auto_adjust", c.settings.AutoAdjust,
		"level", caps.Level,
	)
	return c, nil
}

func (c *Controller) restorePreferences() {
	if c.prefs == nil {
		return
	}
	p, found, err := c.prefs.Get()
	if err != nil {
		c.logger.Warn("app: could not load preferences", "error", err)
		return
	}
	if !found {
		return
	}
	if res, ok := c.ladder.Find(p.PresetLabel); ok {
		c.preset = res
	} else if p.PresetLabel != "" {
		c.logger.Warn("app: saved preset not on ladder, ignoring", "preset", p.PresetLabel)
	}
	if p.DeviceID != "" {
		c.deviceID = p.DeviceID
	}
	c.settings.AutoAdjust = p.AutoAdjust
}

// Enable starts capture at the current preset and device, initializes the
// detector and begins scheduling. It returns once the controller is
// Running, or with the start error, in which case the controller is back to
// Stopped. It returns ErrCanceled if Disable ran in the meantime. Enabling a
// controller that is not stopped does nothing.
func (c *Controller) Enable(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != Stopped {
		c.mu.Unlock()
		return nil
	}
	old := c.task
	c.task = nil
	c.state = Starting
	c.lastErr = nil
	c.rate = 0
	c.epoch++
	epoch := c.epoch
	runCtx, runCancel := context.WithCancel(context.Background())
	c.runCtx, c.runCancel = runCtx, runCancel
	preset, deviceID := c.preset, c.deviceID
	c.mu.Unlock()
	c.publish()

	// Reap work left behind by a controller that stopped itself.
	old.Cancel()
	c.wg.Wait()

	if deviceID == "" {
		deviceID = c.firstDevice(ctx)
	}

	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(runCtx, cancel)()

	c.logger.Info("app: enabling", "preset", preset, "device", deviceID)

	err := c.session.Start(startCtx, preset, deviceID)
	if err != nil {
		err = fmt.Errorf("start capture: %w", err)
	} else if err = c.loop.Start(startCtx); err != nil {
		err = fmt.Errorf("start detector: %w", err)
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.loop.Stop()
		c.stopSession()
		return ErrCanceled
	}
	if err != nil {
		c.state = Stopped
		c.lastErr = err
		c.runCancel()
		c.runCancel = nil
		c.mu.Unlock()

		c.loop.Stop()
		c.stopSession()
		c.logger.Error("app: enable failed", "error", err)
		c.publish()
		return err
	}

	c.state = Running
	if c.deviceID == "" {
		c.deviceID = deviceID
	}
	c.lastAdjust = c.clock.Now()
	c.monitor.Reset()
	c.task = sched.Start(runCtx, c.source, c.tick)

	// A preset or device chosen while starting is applied now.
	want, wantDevice := c.preset, c.deviceID
	pending := want != preset || wantDevice != deviceID
	if pending {
		c.preset = preset
		c.deviceID = deviceID
	}
	c.mu.Unlock()

	c.logger.Info("app: running", "preset", preset, "device", deviceID)
	c.publish()

	if pending {
		return c.change(ctx, want, wantDevice)
	}
	return nil
}

func (c *Controller) firstDevice(ctx context.Context) string {
	if c.devices == nil {
		return ""
	}
	devices, err := c.devices.Devices(ctx)
	if err != nil {
		c.logger.Warn("app: device enumeration failed", "error", err)
		return ""
	}
	if len(devices) == 0 {
		return ""
	}
	return devices[0].ID
}

// Disable stops scheduling, the detector and capture, canceling any
// start or resolution switch in flight. When it returns no callback is
// running and the camera is released. Disable is idempotent.
func (c *Controller) Disable() {
	c.mu.Lock()
	wasStopped := c.state == Stopped && c.task == nil
	c.state = Stopped
	c.epoch++
	c.rate = 0
	if c.runCancel != nil {
		c.runCancel()
		c.runCancel = nil
	}
	c.mu.Unlock()

	// Supersede an in-flight acquisition so a pending Enable returns.
	c.stopSession()

	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.Lock()
	task := c.task
	c.task = nil
	c.mu.Unlock()

	task.Cancel()
	c.wg.Wait()
	c.loop.Stop()
	c.loop.Wait()
	// A restore attempt may have reacquired the camera after the first stop.
	c.stopSession()
	c.monitor.Reset()

	if !wasStopped {
		c.logger.Info("app: disabled")
		c.publish()
	}
}

func (c *Controller) stopSession() {
	if err := c.session.Stop(); err != nil {
		c.logger.Warn("app: error stopping capture", "error", err)
	}
}

// Close disables the controller and releases the detector backend and
// frame buffers. Subscriptions are closed.
func (c *Controller) Close() error {
	c.Disable()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := errors.Join(c.loop.Close(), c.session.Close())
	c.hub.close()
	return err
}

// SetAutoAdjust turns automatic resolution changes on or off.
func (c *Controller) SetAutoAdjust(on bool) {
	c.mu.Lock()
	if c.settings.AutoAdjust == on {
		c.mu.Unlock()
		return
	}
	c.settings.AutoAdjust = on
	prefs := c.prefsLocked()
	c.mu.Unlock()

	c.logger.Info("app: auto adjust changed", "enabled", on)
	c.persist(prefs)
	c.publish()
}

// SetSettings replaces the rate policy.
func (c *Controller) SetSettings(s perf.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	c.settings = s
	prefs := c.prefsLocked()
	c.mu.Unlock()

	c.persist(prefs)
	c.publish()
	return nil
}

// Settings returns the current rate policy.
func (c *Controller) Settings() perf.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Presets returns the resolution ladder, lowest first.
func (c *Controller) Presets() []capture.Resolution {
	return c.ladder.Presets()
}

// Ladder returns the resolution ladder.
func (c *Controller) Ladder() *perf.Ladder {
	return c.ladder
}

// Capabilities returns the host classification made at construction.
func (c *Controller) Capabilities() perf.Capabilities {
	return c.caps
}

// Devices lists the available capture devices.
func (c *Controller) Devices(ctx context.Context) ([]capture.Device, error) {
	if c.devices == nil {
		return nil, nil
	}
	return c.devices.Devices(ctx)
}

// ReadFrame copies the latest captured frame into dst.
func (c *Controller) ReadFrame(dst *gocv.Mat) error {
	return c.session.ReadFrame(dst)
}

// Detections returns the latest detections.
func (c *Controller) Detections() []detector.Detection {
	return c.loop.Detections()
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the last error, cleared by a successful Enable or switch.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Snapshot returns the current observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		State:      c.state,
		Preset:     c.preset,
		DeviceID:   c.deviceID,
		Rate:       c.rate,
		Detections: c.loop.Detections(),
		AutoAdjust: c.settings.AutoAdjust,
		Settings:   c.settings,
		Error:      NewErrorInfo(c.lastErr),
	}
}

// Subscribe returns a subscription that immediately holds the current
// snapshot and then receives one on every change.
func (c *Controller) Subscribe() *Subscription {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	return c.hub.subscribe(c.Snapshot())
}

// Stats returns pipeline counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Capture:     c.session.Stats(),
		Detector:    c.loop.Stats(),
		Subscribers: c.hub.count(),
	}
}

// publish sends the current snapshot to subscribers. It must not be called
// with mu held.
func (c *Controller) publish() {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	c.hub.publish(c.Snapshot())
}

func (c *Controller) prefsLocked() store.Preferences {
	return store.Preferences{
		PresetLabel: c.preset.Label,
		DeviceID:    c.deviceID,
		AutoAdjust:  c.settings.AutoAdjust,
	}
}

func (c *Controller) persist(p store.Preferences) {
	if c.prefs == nil {
		return
	}
	if err := c.prefs.Save(p); err != nil {
		c.logger.Warn("app: could not save preferences", "error", err)
	}
}
