// Package pressure implements the accumulation model that converts monitored
// usage seconds into the 0-100 "pressure" scalar. All functions here are
// total: they never error and have defined output for degenerate input.
package pressure

import (
	"time"

	"github.com/google/uuid"
)

// OvershootMargin is the amount pressure may exceed 100 before being clamped.
// The lost transition fires at 100; the margin only bounds the stored value.
const OvershootMargin = 10.0

// State is the hot, frequently-read pressure snapshot. It is a checkpoint:
// effective pressure is recomputable from it plus wall-clock time without
// replaying the event log.
type State struct {
	SubjectID                  uuid.UUID  `json:"subject_id"`
	Baseline                   float64    `json:"baseline"`
	MonitoredCumulativeSeconds int64      `json:"monitored_cumulative_seconds"`
	ForgivenSeconds            int64      `json:"forgiven_seconds"`
	LastReportedSeconds        int64      `json:"last_reported_seconds"`
	RiseRate                   float64    `json:"rise_rate"`
	FallRate                   float64    `json:"fall_rate"`
	MonitoringStartedAt        *time.Time `json:"monitoring_started_at,omitempty"`
}

// Effective computes pressure with the no-break formula.
// limitSeconds <= 0 yields the baseline alone (degenerate preset).
func (s State) Effective(limitSeconds int64) float64 {
	if limitSeconds <= 0 {
		return Clamp(s.Baseline)
	}
	basis := s.MonitoredCumulativeSeconds - s.ForgivenSeconds
	return Clamp(s.Baseline + float64(basis)*100.0/float64(limitSeconds))
}

// Clamp bounds a pressure value to [0, 100+OvershootMargin].
func Clamp(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100+OvershootMargin {
		return 100 + OvershootMargin
	}
	return p
}

// Project computes the read-time pressure projection during an active break:
// pressure falls from its value at activation at fallRate points/second,
// floored at zero. Nothing is written back until the break ends.
func Project(pressureAtActivation, fallRatePerSecond float64, elapsed time.Duration) float64 {
	if elapsed < 0 {
		elapsed = 0
	}
	p := pressureAtActivation - elapsed.Seconds()*fallRatePerSecond
	if p < 0 {
		return 0
	}
	return p
}

// ResetForDay resets the state at a day boundary: accumulation restarts from
// the preset baseline and the reporter's cumulative counter is expected to
// restart at zero.
func (s *State) ResetForDay(baseline float64) {
	s.Baseline = baseline
	s.MonitoredCumulativeSeconds = 0
	s.ForgivenSeconds = 0
	s.LastReportedSeconds = 0
	s.MonitoringStartedAt = nil
}

// Preset defines the rates a companion lives under. The limit may change
// only at day boundaries; changing it mid-day would retroactively alter
// historical pressure.
type Preset struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	MinutesToBlowAway int     `json:"minutes_to_blow_away"`
	FallRatePerMinute float64 `json:"fall_rate_per_minute"`
	Baseline          float64 `json:"baseline"`
}

// LimitSeconds returns the usage budget that corresponds to 100 pressure.
func (p Preset) LimitSeconds() int64 {
	return int64(p.MinutesToBlowAway) * 60
}

// RiseRatePerSecond returns pressure points gained per monitored second.
func (p Preset) RiseRatePerSecond() float64 {
	limit := p.LimitSeconds()
	if limit <= 0 {
		return 0
	}
	return 100.0 / float64(limit)
}

// FallRatePerSecond returns pressure points shed per second on a break.
func (p Preset) FallRatePerSecond() float64 {
	return p.FallRatePerMinute / 60.0
}
