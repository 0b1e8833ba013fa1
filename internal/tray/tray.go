// Package tray provides a system tray interface for posecam.
package tray

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getlantern/systray"

	"github.com/ayusman/posecam/internal/app"
	"github.com/ayusman/posecam/internal/capture"
)

// enableTimeout bounds a start triggered from the menu.
const enableTimeout = 30 * time.Second

// Controller is the part of app.Controller the tray drives.
type Controller interface {
	Enable(ctx context.Context) error
	Disable()
	SetAutoAdjust(on bool)
	SetResolution(ctx context.Context, preset capture.Resolution) error
	Presets() []capture.Resolution
	Snapshot() app.Snapshot
	Subscribe() *app.Subscription
}

// Tray represents the system tray application.
type Tray struct {
	ctrl   Controller
	logger *slog.Logger
	onOpen func()
	onQuit func()
	mu     sync.Mutex

	// Menu items stored for later updates
	menuToggle  *systray.MenuItem
	menuStatus  *systray.MenuItem
	menuError   *systray.MenuItem
	menuAuto    *systray.MenuItem
	menuPresets map[string]*systray.MenuItem
}

// New creates a Tray bound to ctrl.
func New(ctrl Controller, logger *slog.Logger) *Tray {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tray{ctrl: ctrl, logger: logger}
}

// OnOpen sets the callback for the "Open Preview" menu item.
func (t *Tray) OnOpen(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onOpen = fn
}

// OnQuit sets the callback function to be called when the quit menu item is clicked.
func (t *Tray) OnQuit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onQuit = fn
}

// Run starts the system tray application.
// This function blocks until Quit is called.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

// Quit removes the tray icon and makes Run return.
func (t *Tray) Quit() {
	systray.Quit()
}

// onReady is called when the system tray is ready.
// It sets up the menu structure.
func (t *Tray) onReady() {
	systray.SetTitle("posecam")
	systray.SetTooltip("posecam pose detection")

	t.mu.Lock()
	t.menuToggle = systray.AddMenuItem("○ Disabled", "Start or stop the camera and pose detection")
	t.menuStatus = systray.AddMenuItem("Stopped", "Current state")
	t.menuStatus.Disable()
	t.menuError = systray.AddMenuItem("", "Last error")
	t.menuError.Disable()
	t.menuError.Hide()
	systray.AddSeparator()

	t.menuAuto = systray.AddMenuItemCheckbox("Auto-adjust resolution", "Change resolution to keep the frame rate up", false)
	presets := systray.AddMenuItem("Resolution", "Capture resolution")
	t.menuPresets = make(map[string]*systray.MenuItem)
	for _, p := range t.ctrl.Presets() {
		item := presets.AddSubMenuItemCheckbox(p.Label, p.Dimensions(), false)
		t.menuPresets[p.Label] = item
		go t.watchPreset(p, item)
	}
	systray.AddSeparator()

	menuOpen := systray.AddMenuItem("Open Preview...", "Open the preview in a browser")
	menuQuit := systray.AddMenuItem("Quit", "Quit posecam")
	t.mu.Unlock()

	sub := t.ctrl.Subscribe()
	go func() {
		for snap := range sub.C() {
			t.render(snap)
		}
	}()

	// Handle menu item clicks in a separate goroutine
	go func() {
		defer sub.Close()
		for {
			select {
			case <-t.menuToggle.ClickedCh:
				t.handleToggle()
			case <-t.menuAuto.ClickedCh:
				t.ctrl.SetAutoAdjust(!t.ctrl.Snapshot().AutoAdjust)
			case <-menuOpen.ClickedCh:
				t.handleOpen()
			case <-menuQuit.ClickedCh:
				t.handleQuit()
				return
			}
		}
	}()
}

func (t *Tray) watchPreset(p capture.Resolution, item *systray.MenuItem) {
	for range item.ClickedCh {
		ctx, cancel := context.WithTimeout(context.Background(), enableTimeout)
		if err := t.ctrl.SetResolution(ctx, p); err != nil {
			t.logger.Warn("tray: resolution change failed", "preset", p, "error", err)
		}
		cancel()
	}
}

// onExit is called when the system tray is about to exit.
func (t *Tray) onExit() {}

// handleToggle enables a stopped controller and disables any other.
// Enabling runs in the background so the menu stays responsive.
func (t *Tray) handleToggle() {
	if t.ctrl.Snapshot().State != app.Stopped {
		t.ctrl.Disable()
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), enableTimeout)
		defer cancel()
		if err := t.ctrl.Enable(ctx); err != nil {
			t.logger.Warn("tray: enable failed", "error", err)
		}
	}()
}

func (t *Tray) handleOpen() {
	t.mu.Lock()
	callback := t.onOpen
	t.mu.Unlock()

	if callback != nil {
		callback()
	}
}

// handleQuit handles the quit menu item click.
func (t *Tray) handleQuit() {
	t.mu.Lock()
	callback := t.onQuit
	t.mu.Unlock()

	if callback != nil {
		callback()
	}

	systray.Quit()
}

// render updates the menu from a snapshot.
func (t *Tray) render(snap app.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.menuToggle == nil {
		return
	}
	t.menuToggle.SetTitle(ToggleTitle(snap.State))
	t.menuStatus.SetTitle(StatusLine(snap))

	if snap.Error != nil {
		t.menuError.SetTitle("⚠ " + snap.Error.Message)
		t.menuError.SetTooltip(snap.Error.Suggestion)
		t.menuError.Show()
	} else {
		t.menuError.Hide()
	}

	if snap.AutoAdjust {
		t.menuAuto.Check()
	} else {
		t.menuAuto.Uncheck()
	}
	for label, item := range t.menuPresets {
		if label == snap.Preset.Label {
			item.Check()
		} else {
			item.Uncheck()
		}
	}
}

// ToggleTitle returns the toggle item title for state.
func ToggleTitle(state app.State) string {
	if state == app.Stopped {
		return "○ Disabled"
	}
	return "● Enabled"
}

// StatusLine summarizes a snapshot in one line.
func StatusLine(snap app.Snapshot) string {
	switch snap.State {
	case app.Stopped:
		return "Stopped"
	case app.Starting:
		return "Starting camera..."
	case app.Adjusting:
		return "Adjusting resolution..."
	}
	poses := len(snap.Detections)
	noun := "poses"
	if poses == 1 {
		noun = "pose"
	}
	return fmt.Sprintf("%s · %.0f fps · %d %s", snap.Preset.Dimensions(), snap.Rate, poses, noun)
}
