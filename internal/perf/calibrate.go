package perf

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/posecam/internal/capture"
	"github.com/ayusman/posecam/internal/sched"
)

// DefaultCalibrationFrames is how many frames Calibrate reads per preset.
const DefaultCalibrationFrames = 60

// Measurement is the grab rate achieved at one preset.
type Measurement struct {
	Preset capture.Resolution `json:"preset"`
	Frames int                `json:"frames"`
	// Elapsed spans the first to the last frame; the first frame is not
	// timed because drivers often take much longer to deliver it.
	Elapsed time.Duration `json:"elapsed"`
	Rate    float64       `json:"rate"`
	MinRate float64       `json:"min_rate"`
	MaxRate float64       `json:"max_rate"`
	Err     error         `json:"-"`
}

// OK reports whether the preset could be measured.
func (m Measurement) OK() bool {
	return m.Err == nil && m.Frames > 1
}

// Calibration measures presets one after another on a single device.
type Calibration struct {
	Opener   capture.Opener
	DeviceID string
	// Frames per preset; zero selects DefaultCalibrationFrames.
	Frames int
	Clock  sched.Clock
	// OnFrame is called after every frame read, for progress output.
	OnFrame func()
}

// Run measures every preset on l, lowest first. A preset that fails to open
// or read is recorded with its error and the run continues. Run stops early
// only when ctx is done.
func (c Calibration) Run(ctx context.Context, l *Ladder) ([]Measurement, error) {
	if c.Opener == nil {
		return nil, errors.New("calibration needs an opener")
	}
	if c.Frames <= 0 {
		c.Frames = DefaultCalibrationFrames
	}
	if c.Clock == nil {
		c.Clock = sched.SystemClock()
	}

	results := make([]Measurement, 0, l.Len())
	for _, preset := range l.Presets() {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, c.measure(ctx, preset))
	}
	return results, nil
}

func (c Calibration) measure(ctx context.Context, preset capture.Resolution) Measurement {
	m := Measurement{Preset: preset}

	h, err := c.Opener.Open(ctx, capture.Request{Resolution: preset, DeviceID: c.DeviceID})
	if err != nil {
		m.Err = capture.Classify(err, c.DeviceID)
		return m
	}
	defer h.Close()

	frame := gocv.NewMat()
	defer frame.Close()

	times := make([]time.Time, 0, c.Frames)
	for len(times) < c.Frames {
		if err := ctx.Err(); err != nil {
			m.Err = err
			break
		}
		if err := h.Read(&frame); err != nil {
			m.Err = fmt.Errorf("read frame at %s: %w", preset.Dimensions(), err)
			break
		}
		times = append(times, c.Clock.Now())
		if c.OnFrame != nil {
			c.OnFrame()
		}
	}

	m.Frames = len(times)
	if m.Frames < 2 {
		return m
	}
	m.Elapsed = times[len(times)-1].Sub(times[0])
	if m.Elapsed > 0 {
		m.Rate = float64(m.Frames-1) / m.Elapsed.Seconds()
	}

	m.MinRate = math.Inf(1)
	for i := 1; i < len(times); i++ {
		d := times[i].Sub(times[i-1]).Seconds()
		if d <= 0 {
			continue
		}
		r := 1 / d
		m.MinRate = math.Min(m.MinRate, r)
		m.MaxRate = math.Max(m.MaxRate, r)
	}
	if math.IsInf(m.MinRate, 1) {
		m.MinRate = 0
	}
	return m
}

// Recommend returns the largest measured preset whose rate reaches target.
// When none does it falls back to the fastest preset that could be measured.
// ok is false if nothing could be measured.
func Recommend(results []Measurement, target float64) (preset capture.Resolution, ok bool) {
	var best, fastest *Measurement
	for i := range results {
		m := &results[i]
		if !m.OK() {
			continue
		}
		if m.Rate >= target && (best == nil || m.Preset.Area() > best.Preset.Area()) {
			best = m
		}
		if fastest == nil || m.Rate > fastest.Rate {
			fastest = m
		}
	}
	switch {
	case best != nil:
		return best.Preset, true
	case fastest != nil:
		return fastest.Preset, true
	default:
		return capture.Resolution{}, false
	}
}
