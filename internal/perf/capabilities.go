package perf

import (
	"runtime"

	"github.com/ayusman/posecam/internal/capture"
)

// Level is a coarse host performance class.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Capabilities is a starting point for the control loop on this host.
type Capabilities struct {
	Level             Level              `json:"level"`
	CPUs              int                `json:"cpus"`
	RecommendedPreset capture.Resolution `json:"recommended_preset"`
	RecommendedRate   float64            `json:"recommended_rate"`
}

// DetectCapabilities classifies the current host by CPU count.
func DetectCapabilities(l *Ladder) Capabilities {
	return CapabilitiesFor(runtime.NumCPU(), l)
}

// CapabilitiesFor classifies a host with cpus logical CPUs and recommends a
// preset on l. Small hosts start at the bottom of the ladder, mid-sized ones
// in the middle and the rest at the top.
func CapabilitiesFor(cpus int, l *Ladder) Capabilities {
	if l == nil {
		l = DefaultLadder()
	}
	c := Capabilities{CPUs: cpus}
	presets := l.Presets()

	switch {
	case cpus <= 2:
		c.Level = LevelLow
		c.RecommendedPreset = l.Lowest()
		c.RecommendedRate = 15
	case cpus <= 4:
		c.Level = LevelMedium
		c.RecommendedPreset = presets[(len(presets)-1)/2]
		c.RecommendedRate = 24
	default:
		c.Level = LevelHigh
		c.RecommendedPreset = l.Highest()
		c.RecommendedRate = 30
	}
	return c
}
