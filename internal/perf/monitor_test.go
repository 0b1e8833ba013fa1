package perf

import (
	"math"
	"testing"
	"time"

	"github.com/ayusman/posecam/internal/sched"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestMonitor_UniformTicks(t *testing.T) {
	tests := []struct {
		name   string
		window time.Duration
		ticks  int
	}{
		{name: "30 over 1s", window: time.Second, ticks: 30},
		{name: "60 over 1s", window: time.Second, ticks: 60},
		{name: "7 over 1s", window: time.Second, ticks: 7},
		{name: "45 over 1.5s", window: 1500 * time.Millisecond, ticks: 45},
		{name: "1 over 250ms", window: 250 * time.Millisecond, ticks: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := sched.NewManualClock(epoch)
			var reports []float64
			m := NewMonitor(tt.window, clock, func(rate float64) { reports = append(reports, rate) })

			step := tt.window / time.Duration(tt.ticks)
			for i := 0; i < tt.ticks; i++ {
				if i == tt.ticks-1 {
					clock.Set(epoch.Add(tt.window))
				} else {
					clock.Advance(step)
				}
				m.Tick()
			}

			if len(reports) != 1 {
				t.Fatalf("observer called %d times, want 1", len(reports))
			}
			want := float64(tt.ticks) * 1000 / float64(tt.window.Milliseconds())
			if math.Abs(reports[0]-want) > 1e-9 {
				t.Errorf("rate = %v, want %v", reports[0], want)
			}
			if got := m.Rate(); got != reports[0] {
				t.Errorf("Rate() = %v, want %v", got, reports[0])
			}
		})
	}
}

func TestMonitor_NoReportInsideWindow(t *testing.T) {
	clock := sched.NewManualClock(epoch)
	calls := 0
	m := NewMonitor(time.Second, clock, func(float64) { calls++ })

	for i := 0; i < 100; i++ {
		clock.Advance(9 * time.Millisecond)
		m.Tick()
	}

	if calls != 0 {
		t.Errorf("observer called %d times inside the window, want 0", calls)
	}
	if got := m.Rate(); got != 0 {
		t.Errorf("Rate() = %v, want 0", got)
	}
}

func TestMonitor_IrregularCadence(t *testing.T) {
	clock := sched.NewManualClock(epoch)
	var reports []float64
	m := NewMonitor(time.Second, clock, func(rate float64) { reports = append(reports, rate) })

	// Uneven gaps; the window first closes on the 7th frame at 1300ms.
	gaps := []time.Duration{10, 500, 20, 300, 20, 50, 400, 100, 100, 500}
	for _, g := range gaps {
		clock.Advance(g * time.Millisecond)
		m.Tick()
	}

	if len(reports) != 1 {
		t.Fatalf("observer called %d times, want 1", len(reports))
	}
	want := 7 * 1000.0 / 1300
	if math.Abs(reports[0]-want) > 1e-9 {
		t.Errorf("rate = %v, want %v", reports[0], want)
	}
}

func TestMonitor_ResetsAfterWindow(t *testing.T) {
	clock := sched.NewManualClock(epoch)
	var reports []float64
	m := NewMonitor(time.Second, clock, func(rate float64) { reports = append(reports, rate) })

	for i := 0; i < 20; i++ {
		clock.Advance(50 * time.Millisecond)
		m.Tick()
	}
	for i := 0; i < 10; i++ {
		clock.Advance(100 * time.Millisecond)
		m.Tick()
	}

	if len(reports) != 2 {
		t.Fatalf("observer called %d times, want 2", len(reports))
	}
	if reports[0] != 20 || reports[1] != 10 {
		t.Errorf("reports = %v, want [20 10]", reports)
	}
}

func TestMonitor_Reset(t *testing.T) {
	clock := sched.NewManualClock(epoch)
	calls := 0
	m := NewMonitor(time.Second, clock, func(float64) { calls++ })

	for i := 0; i < 10; i++ {
		clock.Advance(100 * time.Millisecond)
		m.Tick()
	}
	if m.Rate() == 0 {
		t.Fatal("expected a rate before Reset")
	}

	m.Reset()
	if got := m.Rate(); got != 0 {
		t.Errorf("Rate() after Reset = %v, want 0", got)
	}

	clock.Advance(900 * time.Millisecond)
	m.Tick()
	if calls != 1 {
		t.Errorf("observer called %d times, want 1 (window restarted on Reset)", calls)
	}
}

func TestNewMonitor_Defaults(t *testing.T) {
	m := NewMonitor(0, nil, nil)
	if m.Window() != DefaultWindow {
		t.Errorf("Window() = %v, want %v", m.Window(), DefaultWindow)
	}
	m.Tick()
}
