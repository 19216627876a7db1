package pressure

import (
	"math"
	"testing"
	"time"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 0.01
}

func TestEffective_AccumulationAgainstLimit(t *testing.T) {
	// One hour budget: 600s of usage is a sixth of the way to 100.
	tests := []struct {
		name       string
		cumulative int64
		forgiven   int64
		baseline   float64
		want       float64
	}{
		{"no usage", 0, 0, 0, 0},
		{"ten minutes", 600, 0, 0, 16.666666},
		{"half budget", 1800, 0, 0, 50},
		{"full budget", 3600, 0, 0, 100},
		{"forgiveness offsets usage", 1800, 900, 0, 25},
		{"baseline shifts the floor", 600, 0, 20, 36.666666},
		{"fully forgiven", 3600, 3600, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := State{
				Baseline:                   tt.baseline,
				MonitoredCumulativeSeconds: tt.cumulative,
				ForgivenSeconds:            tt.forgiven,
			}
			got := st.Effective(3600)
			if !almostEqual(got, tt.want) {
				t.Errorf("Effective(3600) = %.4f, want %.4f", got, tt.want)
			}
		})
	}
}

func TestEffective_ClampsAtOvershootMargin(t *testing.T) {
	st := State{MonitoredCumulativeSeconds: 100000}
	got := st.Effective(3600)
	if got != 100+OvershootMargin {
		t.Errorf("Effective() = %.2f, want clamp at %.2f", got, 100+OvershootMargin)
	}
}

func TestEffective_DegenerateLimit(t *testing.T) {
	st := State{Baseline: 30, MonitoredCumulativeSeconds: 5000}
	if got := st.Effective(0); got != 30 {
		t.Errorf("Effective(0) = %.2f, want baseline 30", got)
	}
	if got := st.Effective(-60); got != 30 {
		t.Errorf("Effective(-60) = %.2f, want baseline 30", got)
	}
}

func TestEffective_MonotonicInUsage(t *testing.T) {
	prev := -1.0
	for cum := int64(0); cum <= 4000; cum += 100 {
		st := State{MonitoredCumulativeSeconds: cum}
		p := st.Effective(3600)
		if p < prev {
			t.Fatalf("pressure decreased: %d seconds gave %.4f after %.4f", cum, p, prev)
		}
		prev = p
	}
}

func TestProject_FallsAndFloorsAtZero(t *testing.T) {
	tests := []struct {
		name    string
		start   float64
		rate    float64
		elapsed time.Duration
		want    float64
	}{
		{"no time passed", 60, 1.0 / 60, 0, 60},
		{"falls linearly", 60, 1.0 / 60, 6 * time.Minute, 54},
		{"reaches zero", 40, 2.0 / 60, 20 * time.Minute, 0},
		{"floors below zero", 40, 2.0 / 60, 40 * time.Minute, 0},
		{"negative elapsed treated as zero", 60, 1.0 / 60, -time.Minute, 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Project(tt.start, tt.rate, tt.elapsed)
			if !almostEqual(got, tt.want) {
				t.Errorf("Project(%.1f, %f, %s) = %.4f, want %.4f", tt.start, tt.rate, tt.elapsed, got, tt.want)
			}
		})
	}
}

func TestResetForDay(t *testing.T) {
	now := time.Now()
	st := State{
		Baseline:                   0,
		MonitoredCumulativeSeconds: 1800,
		ForgivenSeconds:            600,
		LastReportedSeconds:        1800,
		MonitoringStartedAt:        &now,
	}
	st.ResetForDay(15)

	if st.Baseline != 15 {
		t.Errorf("Baseline = %.1f, want 15", st.Baseline)
	}
	if st.MonitoredCumulativeSeconds != 0 || st.ForgivenSeconds != 0 || st.LastReportedSeconds != 0 {
		t.Errorf("counters not reset: %+v", st)
	}
	if st.MonitoringStartedAt != nil {
		t.Error("MonitoringStartedAt should be cleared")
	}
	if got := st.Effective(3600); got != 15 {
		t.Errorf("Effective() after reset = %.2f, want baseline 15", got)
	}
}

func TestPreset_Rates(t *testing.T) {
	p := Preset{MinutesToBlowAway: 60, FallRatePerMinute: 2}
	if got := p.LimitSeconds(); got != 3600 {
		t.Errorf("LimitSeconds() = %d, want 3600", got)
	}
	if got := p.RiseRatePerSecond(); !almostEqual(got, 100.0/3600) {
		t.Errorf("RiseRatePerSecond() = %f", got)
	}
	if got := p.FallRatePerSecond(); !almostEqual(got, 2.0/60) {
		t.Errorf("FallRatePerSecond() = %f", got)
	}

	zero := Preset{}
	if got := zero.RiseRatePerSecond(); got != 0 {
		t.Errorf("zero preset RiseRatePerSecond() = %f, want 0", got)
	}
}
