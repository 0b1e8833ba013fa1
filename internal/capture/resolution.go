package capture

import (
	"fmt"
)

// Resolution is a capture resolution preset.
type Resolution struct {
	Label  string `json:"label" yaml:"label"`
	Width  int    `json:"width" yaml:"width"`
	Height int    `json:"height" yaml:"height"`
}

// Built-in presets, smallest first.
var (
	Low    = Resolution{Label: "Low (320x240)", Width: 320, Height: 240}
	Medium = Resolution{Label: "Medium (640x480)", Width: 640, Height: 480}
	High   = Resolution{Label: "High (1280x720)", Width: 1280, Height: 720}
)

// DefaultPresets returns the built-in presets in ascending order.
func DefaultPresets() []Resolution {
	return []Resolution{Low, Medium, High}
}

// Area returns the pixel count of the resolution.
func (r Resolution) Area() int {
	return r.Width * r.Height
}

// IsZero reports whether r is the zero Resolution.
func (r Resolution) IsZero() bool {
	return r == Resolution{}
}

// Validate checks that both dimensions are positive.
func (r Resolution) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("invalid resolution %dx%d", r.Width, r.Height)
	}
	return nil
}

// Dimensions returns the frame size as "WxH".
func (r Resolution) Dimensions() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

func (r Resolution) String() string {
	if r.Label == "" {
		return r.Dimensions()
	}
	return r.Label
}
