package perf

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ayusman/posecam/internal/capture"
)

// ErrUnknownPreset is returned when a preset is not on the ladder.
var ErrUnknownPreset = errors.New("preset not on ladder")

// Direction is the outcome of a step decision.
type Direction int

const (
	Hold Direction = iota
	Down
	Up
)

func (d Direction) String() string {
	switch d {
	case Down:
		return "down"
	case Up:
		return "up"
	default:
		return "hold"
	}
}

// Ladder is an immutable list of presets ordered by ascending pixel area.
// Stepping is by position, so presets with unusual widths behave the same
// as the built-in ones.
type Ladder struct {
	presets []capture.Resolution
}

// NewLadder sorts presets by area and validates them. Labels must be unique
// and so must areas, otherwise the order would be ambiguous.
func NewLadder(presets []capture.Resolution) (*Ladder, error) {
	if len(presets) == 0 {
		return nil, errors.New("ladder needs at least one preset")
	}

	sorted := make([]capture.Resolution, len(presets))
	copy(sorted, presets)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Area() < sorted[j].Area() })

	labels := make(map[string]bool, len(sorted))
	for i, p := range sorted {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("preset %q: %w", p.Label, err)
		}
		if p.Label == "" {
			return nil, fmt.Errorf("preset %s has no label", p.Dimensions())
		}
		if labels[p.Label] {
			return nil, fmt.Errorf("duplicate preset label %q", p.Label)
		}
		labels[p.Label] = true
		if i > 0 && sorted[i-1].Area() == p.Area() {
			return nil, fmt.Errorf("presets %q and %q have the same area", sorted[i-1].Label, p.Label)
		}
	}

	return &Ladder{presets: sorted}, nil
}

// DefaultLadder returns the Low, Medium, High ladder.
func DefaultLadder() *Ladder {
	return &Ladder{presets: capture.DefaultPresets()}
}

// Presets returns a copy of the ladder, smallest first.
func (l *Ladder) Presets() []capture.Resolution {
	out := make([]capture.Resolution, len(l.presets))
	copy(out, l.presets)
	return out
}

// Len returns the number of presets.
func (l *Ladder) Len() int {
	return len(l.presets)
}

// Lowest returns the smallest preset.
func (l *Ladder) Lowest() capture.Resolution {
	return l.presets[0]
}

// Highest returns the largest preset.
func (l *Ladder) Highest() capture.Resolution {
	return l.presets[len(l.presets)-1]
}

// Find returns the preset with the given label.
func (l *Ladder) Find(label string) (capture.Resolution, bool) {
	for _, p := range l.presets {
		if p.Label == label {
			return p, true
		}
	}
	return capture.Resolution{}, false
}

// Index returns the position of current, or -1 if it is not on the ladder.
func (l *Ladder) Index(current capture.Resolution) int {
	for i, p := range l.presets {
		if p == current {
			return i
		}
	}
	return -1
}

// StepDown returns the preset just below current. ok is false at the bottom
// or when current is not on the ladder.
func (l *Ladder) StepDown(current capture.Resolution) (capture.Resolution, bool) {
	i := l.Index(current)
	if i <= 0 {
		return capture.Resolution{}, false
	}
	return l.presets[i-1], true
}

// StepUp returns the preset just above current. ok is false at the top or
// when current is not on the ladder.
func (l *Ladder) StepUp(current capture.Resolution) (capture.Resolution, bool) {
	i := l.Index(current)
	if i < 0 || i == len(l.presets)-1 {
		return capture.Resolution{}, false
	}
	return l.presets[i+1], true
}

// Decide applies the step predicates to rate and returns the direction and
// the preset to switch to. Hold is returned when no predicate fires or the
// ladder has no room in that direction.
func (l *Ladder) Decide(rate float64, current capture.Resolution, s Settings) (Direction, capture.Resolution) {
	switch {
	case ShouldStepDown(rate, s):
		if next, ok := l.StepDown(current); ok {
			return Down, next
		}
	case ShouldStepUp(rate, s):
		if next, ok := l.StepUp(current); ok {
			return Up, next
		}
	}
	return Hold, current
}
