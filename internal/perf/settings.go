package perf

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// StepUpMargin is how far above the target rate the measurement must be
// before a larger preset is tried.
const StepUpMargin = 1.5

// Settings are the thresholds of the resolution control loop.
type Settings struct {
	TargetRate        float64       `json:"target_rate" yaml:"target_rate"`
	MinAcceptableRate float64       `json:"min_acceptable_rate" yaml:"min_acceptable_rate"`
	AdjustInterval    time.Duration `json:"-" yaml:"adjust_interval"`
	AutoAdjust        bool          `json:"auto_adjust" yaml:"auto_adjust"`
}

// DefaultSettings returns a 30 fps target, a 15 fps floor and at most one
// adjustment every 5 seconds.
func DefaultSettings() Settings {
	return Settings{
		TargetRate:        30,
		MinAcceptableRate: 15,
		AdjustInterval:    5 * time.Second,
		AutoAdjust:        true,
	}
}

// Validate checks that both rates are positive, the floor is below the
// target and the adjust interval is positive.
func (s Settings) Validate() error {
	var errs []error
	if s.TargetRate <= 0 {
		errs = append(errs, fmt.Errorf("target rate must be positive, got %v", s.TargetRate))
	}
	if s.MinAcceptableRate <= 0 {
		errs = append(errs, fmt.Errorf("minimum acceptable rate must be positive, got %v", s.MinAcceptableRate))
	}
	if s.MinAcceptableRate >= s.TargetRate {
		errs = append(errs, fmt.Errorf("minimum acceptable rate %v must be below target %v", s.MinAcceptableRate, s.TargetRate))
	}
	if s.AdjustInterval <= 0 {
		errs = append(errs, fmt.Errorf("adjust interval must be positive, got %v", s.AdjustInterval))
	}
	return errors.Join(errs...)
}

// ShouldStepDown reports whether rate is strictly below the floor.
func ShouldStepDown(rate float64, s Settings) bool {
	return rate < s.MinAcceptableRate
}

// ShouldStepUp reports whether rate is strictly above the target times
// StepUpMargin. The margin keeps a step down that lands just above the floor
// from stepping straight back up.
func ShouldStepUp(rate float64, s Settings) bool {
	return rate > s.TargetRate*StepUpMargin
}

type settingsJSON struct {
	TargetRate        float64 `json:"target_rate"`
	MinAcceptableRate float64 `json:"min_acceptable_rate"`
	AdjustInterval    string  `json:"adjust_interval"`
	AutoAdjust        bool    `json:"auto_adjust"`
}

// MarshalJSON writes AdjustInterval as a duration string such as "5s".
func (s Settings) MarshalJSON() ([]byte, error) {
	return json.Marshal(settingsJSON{
		TargetRate:        s.TargetRate,
		MinAcceptableRate: s.MinAcceptableRate,
		AdjustInterval:    s.AdjustInterval.String(),
		AutoAdjust:        s.AutoAdjust,
	})
}

// UnmarshalJSON reads the form written by MarshalJSON.
func (s *Settings) UnmarshalJSON(b []byte) error {
	var v settingsJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	d, err := time.ParseDuration(v.AdjustInterval)
	if err != nil {
		return fmt.Errorf("adjust_interval: %w", err)
	}
	*s = Settings{
		TargetRate:        v.TargetRate,
		MinAcceptableRate: v.MinAcceptableRate,
		AdjustInterval:    d,
		AutoAdjust:        v.AutoAdjust,
	}
	return nil
}
