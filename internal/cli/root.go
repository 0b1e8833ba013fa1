// Package cli defines the posecam command line.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ayusman/posecam/internal/capture"
	"github.com/ayusman/posecam/internal/config"
	"github.com/ayusman/posecam/internal/detector"
)

// Version is the application version.
const Version = "0.1.0"

// Backends are the hardware-facing parts a command runs against.
type Backends struct {
	Opener   capture.Opener
	Devices  capture.Enumerator
	Detector detector.Backend
}

// Hardware builds Backends for a loaded configuration.
type Hardware func(cfg *config.Config, logger *slog.Logger) Backends

// SystemHardware uses the local cameras and the MoveNet service process.
func SystemHardware(cfg *config.Config, logger *slog.Logger) Backends {
	movenet := detector.NewMoveNetBackend(logger)
	movenet.ScriptPath = cfg.Detection.ScriptPath
	movenet.Python = cfg.Detection.Python
	return Backends{
		Opener:   capture.NewCameraOpener(logger),
		Devices:  capture.NewCameraEnumerator(),
		Detector: movenet,
	}
}

// options is the state shared by all commands of one invocation.
type options struct {
	cfgFile  string
	logLevel string
	hardware Hardware

	cfg    *config.Config
	logger *slog.Logger
}

// NewRootCommand builds the command tree. hw supplies cameras and the
// detector; nil selects SystemHardware.
func NewRootCommand(hw Hardware) *cobra.Command {
	if hw == nil {
		hw = SystemHardware
	}
	o := &options{hardware: hw}

	root := &cobra.Command{
		Use:     "posecam",
		Short:   "Camera pose detection with adaptive resolution",
		Long:    `posecam captures from a local camera, runs MoveNet pose detection and lowers or raises the capture resolution to hold a target frame rate.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.load(cmd)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.PersistentFlags().StringVar(&o.cfgFile, "config", "", "config file (default is ./posecam.yaml or ~/.posecam/config.yaml)")
	root.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(
		newServeCommand(o),
		newDevicesCommand(o),
		newPresetsCommand(o),
		newCalibrateCommand(o),
		newConfigCommand(o),
	)
	return root
}

// load reads the configuration and sets up logging.
func (o *options) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.cfgFile)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}

	o.cfg = cfg
	o.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return nil
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() error {
	// Create a context that listens for Ctrl+C (SIGINT) or SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand(nil).ExecuteContext(ctx); err != nil {
		return fmt.Errorf("posecam: %w", err)
	}
	return nil
}
