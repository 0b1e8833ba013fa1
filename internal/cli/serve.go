package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ayusman/posecam/internal/app"
	"github.com/ayusman/posecam/internal/config"
	"github.com/ayusman/posecam/internal/perf"
	"github.com/ayusman/posecam/internal/sched"
	"github.com/ayusman/posecam/internal/server"
	"github.com/ayusman/posecam/internal/store"
	"github.com/ayusman/posecam/internal/tray"
)

type serveFlags struct {
	addr      string
	staticDir string
	preset    string
	device    string
	tray      bool
	enable    bool
}

func newServeCommand(o *options) *cobra.Command {
	var f serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the controller with the HTTP API, preview stream and tray icon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, o, f)
		},
	}

	cmd.Flags().StringVar(&f.addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&f.staticDir, "static", "", "directory of static web files")
	cmd.Flags().StringVar(&f.preset, "preset", "", "initial preset label, overrides the saved choice")
	cmd.Flags().StringVar(&f.device, "device", "", "camera device id, overrides the saved choice")
	cmd.Flags().BoolVar(&f.tray, "tray", false, "show the system tray icon (overrides tray)")
	cmd.Flags().BoolVar(&f.enable, "enable", false, "start capturing immediately")
	return cmd
}

func runServe(cmd *cobra.Command, o *options, f serveFlags) error {
	cfg, logger := o.cfg, o.logger
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Server.Addr = f.addr
	}
	if flags.Changed("static") {
		cfg.Server.StaticDir = f.staticDir
	}
	if flags.Changed("tray") {
		cfg.Tray = f.tray
	}

	ladder, err := cfg.Ladder()
	if err != nil {
		return err
	}
	preset, err := cfg.InitialPreset(ladder)
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	hw := o.hardware(cfg, logger)
	ctrl, err := app.New(hw.Opener, hw.Devices, hw.Detector, app.Config{
		Ladder:      ladder,
		Settings:    cfg.Performance.Settings,
		Window:      cfg.Performance.Window,
		Preset:      preset,
		DeviceID:    cfg.Camera.Device,
		Loop:        cfg.LoopConfig(),
		Source:      sched.Refresh(cfg.Performance.RefreshRate),
		Preferences: st.Preferences(),
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Explicit flags win over what the last run saved.
	if flags.Changed("preset") {
		res, ok := ladder.Find(f.preset)
		if !ok {
			return fmt.Errorf("preset %q: %w", f.preset, perf.ErrUnknownPreset)
		}
		if err := ctrl.SetResolution(ctx, res); err != nil {
			return err
		}
	}
	if flags.Changed("device") {
		if err := ctrl.SetDevice(ctx, f.device); err != nil {
			return err
		}
	}

	staticDir := cfg.Server.StaticDir
	if staticDir == "" {
		staticDir = findWebDir()
	}
	if staticDir != "" {
		logger.Info("cli: serving static files", "dir", staticDir)
	}

	srv := server.New(server.Config{
		StaticDir:      staticDir,
		Controller:     ctrl,
		StreamInterval: cfg.Server.StreamInterval,
		Logger:         logger,
	})

	if f.enable {
		go func() {
			if err := ctrl.Enable(ctx); err != nil && !errors.Is(err, app.ErrCanceled) {
				logger.Warn("cli: enable at startup failed", "error", err)
			}
		}()
	}

	if !cfg.Tray {
		return srv.ListenAndServe(ctx, cfg.Server.Addr)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe(ctx, cfg.Server.Addr)
		cancel()
	}()

	t := tray.New(ctrl, logger)
	t.OnQuit(cancel)
	t.OnOpen(func() {
		if err := openBrowser(previewURL(cfg.Server.Addr)); err != nil {
			logger.Warn("cli: could not open browser", "error", err)
		}
	})
	go func() {
		<-ctx.Done()
		t.Quit()
	}()

	// systray needs the calling goroutine until Quit.
	t.Run()
	cancel()
	return <-errc
}

func openStore(cfg *config.Config) (*store.Store, error) {
	dbPath, err := cfg.DBPath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	st, err := store.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	return st, nil
}

// findWebDir searches for the web directory in common locations.
// It checks: "web", "../web", "../../web", and ~/.posecam/web.
// Returns the first existing directory or empty string if none found.
func findWebDir() string {
	for _, p := range []string{"web", "../web", "../../web"} {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			if abs, err := filepath.Abs(p); err == nil {
				return abs
			}
			return p
		}
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	homeWebDir := filepath.Join(homeDir, config.DirName, "web")
	if info, err := os.Stat(homeWebDir); err == nil && info.IsDir() {
		return homeWebDir
	}
	return ""
}

// previewURL turns a listen address into a browsable URL.
func previewURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr + "/"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/"
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}
