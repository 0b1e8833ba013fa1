// Package config loads the posecam configuration file.
//
// Values come from DefaultConfig, then the YAML file, then command-line
// flags applied by the caller. Missing files are not an error when no path
// was given explicitly.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ayusman/posecam/internal/capture"
	"github.com/ayusman/posecam/internal/detector"
	"github.com/ayusman/posecam/internal/perf"
	"github.com/ayusman/posecam/internal/sched"
)

// PresetAuto selects the preset recommended for this host.
const PresetAuto = "auto"

// DirName is the per-user data directory under the home directory.
const DirName = ".posecam"

// Config represents the full configuration for posecam.
type Config struct {
	// DataDir holds the preference database. Empty means ~/.posecam.
	DataDir     string            `yaml:"data_dir"`
	LogLevel    string            `yaml:"log_level"`
	Tray        bool              `yaml:"tray"`
	Camera      CameraConfig      `yaml:"camera"`
	Performance PerformanceConfig `yaml:"performance"`
	Detection   DetectionConfig   `yaml:"detection"`
	Server      ServerConfig      `yaml:"server"`
}

// CameraConfig selects the capture device and resolution ladder.
type CameraConfig struct {
	Device string `yaml:"device"`
	// Preset is a preset label or PresetAuto.
	Preset string `yaml:"preset"`
	// Presets replaces the built-in ladder when not empty.
	Presets []capture.Resolution `yaml:"presets"`
}

// PerformanceConfig tunes the adaptive resolution loop.
type PerformanceConfig struct {
	perf.Settings `yaml:",inline"`
	Window        time.Duration `yaml:"window"`
	RefreshRate   int           `yaml:"refresh_rate"`
}

// DetectionConfig tunes the pose detector.
type DetectionConfig struct {
	detector.Config `yaml:",inline"`
	Interval        time.Duration `yaml:"interval"`
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`
	ScriptPath      string        `yaml:"script_path"`
	Python          string        `yaml:"python"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	StaticDir      string        `yaml:"static_dir"`
	StreamInterval time.Duration `yaml:"stream_interval"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Camera: CameraConfig{
			Preset: PresetAuto,
		},
		Performance: PerformanceConfig{
			Settings:    perf.DefaultSettings(),
			Window:      perf.DefaultWindow,
			RefreshRate: sched.DefaultRefreshRate,
		},
		Detection: DetectionConfig{
			Config:          detector.DefaultConfig(),
			Interval:        detector.DefaultInterval,
			ReclaimInterval: detector.DefaultReclaimInterval,
		},
		Server: ServerConfig{
			Addr:           "127.0.0.1:8080",
			StreamInterval: 66 * time.Millisecond,
		},
	}
}

// SearchPaths returns the files Load tries when no path is given.
func SearchPaths() []string {
	paths := []string{"posecam.yaml", "posecam.yml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, DirName, "config.yaml"))
	}
	return paths
}

// Load reads configuration from a file.
// If path is specified, it attempts to load that file.
// If path is empty, it searches SearchPaths in order.
// If no file is found, the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	var data []byte
	var err error

	if path != "" {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	} else {
		found := false
		for _, name := range SearchPaths() {
			data, err = os.ReadFile(name)
			if err == nil {
				path = name
				found = true
				break
			}
		}
		if !found {
			return cfg, nil
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Write saves cfg as YAML to path, creating parent directories.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	ladder, err := c.Ladder()
	if err != nil {
		errs = append(errs, fmt.Errorf("camera.presets: %w", err))
	} else if _, err := c.InitialPreset(ladder); err != nil {
		errs = append(errs, err)
	}

	if err := c.Performance.Settings.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("performance: %w", err))
	}
	if c.Performance.Window < 0 {
		errs = append(errs, fmt.Errorf("performance.window must not be negative"))
	}
	if c.Performance.RefreshRate < 0 {
		errs = append(errs, fmt.Errorf("performance.refresh_rate must not be negative"))
	}

	if err := c.Detection.Config.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("detection: %w", err))
	}
	if c.Detection.Interval < 0 || c.Detection.ReclaimInterval < 0 {
		errs = append(errs, fmt.Errorf("detection intervals must not be negative"))
	}

	if c.Server.Addr == "" {
		errs = append(errs, fmt.Errorf("server.addr is required"))
	}

	return errors.Join(errs...)
}

// Ladder returns the configured resolution ladder.
func (c *Config) Ladder() (*perf.Ladder, error) {
	if len(c.Camera.Presets) == 0 {
		return perf.DefaultLadder(), nil
	}
	return perf.NewLadder(c.Camera.Presets)
}

// InitialPreset resolves camera.preset on l. It returns the zero Resolution
// for PresetAuto, which lets the controller pick.
func (c *Config) InitialPreset(l *perf.Ladder) (capture.Resolution, error) {
	label := c.Camera.Preset
	if label == "" || strings.EqualFold(label, PresetAuto) {
		return capture.Resolution{}, nil
	}
	res, ok := l.Find(label)
	if !ok {
		return capture.Resolution{}, fmt.Errorf("camera.preset %q: %w", label, perf.ErrUnknownPreset)
	}
	return res, nil
}

// LoopConfig returns the detection loop settings.
func (c *Config) LoopConfig() detector.LoopConfig {
	return detector.LoopConfig{
		Interval:        c.Detection.Interval,
		ReclaimInterval: c.Detection.ReclaimInterval,
		Backend:         c.Detection.Config,
	}
}

// SlogLevel parses log_level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// DataPath returns the data directory, defaulting to ~/.posecam.
func (c *Config) DataPath() (string, error) {
	if c.DataDir != "" {
		return c.DataDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, DirName), nil
}

// DBPath returns the preference database path.
func (c *Config) DBPath() (string, error) {
	dir, err := c.DataPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "posecam.db"), nil
}
