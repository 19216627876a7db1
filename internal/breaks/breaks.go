// Package breaks implements the break state machine: at most one active
// break at a time, three kinds with distinct completion and forgiveness
// rules, and the algebraic reconciliation that keeps pressure continuous
// across a break's end.
package breaks

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/windkeeper/windkeeper/internal/pressure"
)

// ErrBreakActive is returned when a break start is rejected because one is
// already running.
var ErrBreakActive = errors.New("breaks: a break is already active")

// Kind identifies the break variety.
type Kind string

const (
	KindFree      Kind = "free"
	KindCommitted Kind = "committed"
	KindSafety    Kind = "safety"
)

// UnmarshalJSON validates the kind on read.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	normalized := Kind(strings.ToLower(s))
	switch normalized {
	case KindFree, KindCommitted, KindSafety:
		*k = normalized
		return nil
	default:
		return fmt.Errorf("invalid break kind: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(k))
}

// ModeType identifies how a committed break completes.
type ModeType string

const (
	ModeTimed             ModeType = "timed"
	ModeUntilPressureZero ModeType = "until_pressure_zero"
	ModeUntilEndOfDay     ModeType = "until_end_of_day"
)

// CommittedMode is the completion predicate of a committed break.
// Minutes is meaningful only for ModeTimed.
type CommittedMode struct {
	Type    ModeType `json:"type"`
	Minutes int      `json:"minutes,omitempty"`
}

// ActiveBreak is the single live break owned by the state machine. It is
// persisted as a sub-object of the companion record, never on its own.
// Rates and the baseline are captured at activation so the projection stays
// valid even if the preset changes at the next day boundary.
type ActiveBreak struct {
	Kind                     Kind           `json:"kind"`
	Mode                     *CommittedMode `json:"mode,omitempty"`
	ActivatedAt              time.Time      `json:"activated_at"`
	CommittedDurationSeconds float64        `json:"committed_duration_seconds,omitempty"`
	PressureAtActivation     float64        `json:"pressure_at_activation"`
	FallRatePerSecond        float64        `json:"fall_rate_per_second"`
	BaselineAtActivation     float64        `json:"baseline_at_activation,omitempty"`
}

// Start creates a new active break. current must be nil: only one break may
// run at a time. mode is required for committed breaks and ignored otherwise.
// baseline is the pressure floor the projection cannot promise to go below:
// the no-break formula never evaluates under it, so neither may the display.
func Start(current *ActiveBreak, kind Kind, mode *CommittedMode, now time.Time, currentPressure, fallRatePerSecond, baseline float64) (*ActiveBreak, error) {
	if current != nil {
		return nil, ErrBreakActive
	}

	b := &ActiveBreak{
		Kind:                 kind,
		ActivatedAt:          now,
		PressureAtActivation: currentPressure,
		FallRatePerSecond:    fallRatePerSecond,
		BaselineAtActivation: baseline,
	}

	if kind == KindCommitted {
		if mode == nil {
			return nil, errors.New("breaks: committed break requires a mode")
		}
		m := *mode
		b.Mode = &m
		if m.Type == ModeTimed {
			if m.Minutes <= 0 {
				return nil, fmt.Errorf("breaks: invalid timed break duration: %d minutes", m.Minutes)
			}
			b.CommittedDurationSeconds = float64(m.Minutes) * 60
		}
	}

	return b, nil
}

// Projected returns the displayed pressure at the given instant, floored at
// the activation baseline: a projection below it could not be reproduced by
// the no-break formula at break end.
func (b *ActiveBreak) Projected(now time.Time) float64 {
	p := pressure.Project(b.PressureAtActivation, b.FallRatePerSecond, now.Sub(b.ActivatedAt))
	if p < b.BaselineAtActivation {
		return b.BaselineAtActivation
	}
	return p
}

// NaturalEnd returns the instant the break completes on its own, when one is
// knowable. Free and safety breaks have no natural end.
func (b *ActiveBreak) NaturalEnd(loc *time.Location) (time.Time, bool) {
	if b.Kind != KindCommitted || b.Mode == nil {
		return time.Time{}, false
	}
	switch b.Mode.Type {
	case ModeTimed:
		return b.ActivatedAt.Add(time.Duration(b.CommittedDurationSeconds * float64(time.Second))), true
	case ModeUntilPressureZero:
		if b.FallRatePerSecond <= 0 {
			return time.Time{}, false
		}
		// The projection bottoms out at the activation baseline, so that is
		// where "zero" lands when the baseline is nonzero.
		secs := (b.PressureAtActivation - b.BaselineAtActivation) / b.FallRatePerSecond
		if secs < 0 {
			secs = 0
		}
		return b.ActivatedAt.Add(time.Duration(secs * float64(time.Second))), true
	case ModeUntilEndOfDay:
		local := b.ActivatedAt.In(loc)
		next := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
		return next, true
	}
	return time.Time{}, false
}

// CheckCompletion reports whether the break has completed naturally by now,
// and the exact instant it did. The instant matters: completion detection may
// be delayed by process suspension, and the delay must not be credited or
// debited to the user.
func (b *ActiveBreak) CheckCompletion(now time.Time, loc *time.Location) (bool, time.Time) {
	end, ok := b.NaturalEnd(loc)
	if !ok {
		return false, time.Time{}
	}
	if now.Before(end) {
		return false, time.Time{}
	}
	return true, end
}

// Outcome is the result of ending a break, to be applied to the companion's
// pressure state by the single writer.
type Outcome struct {
	EndedAt            time.Time
	ActualMinutes      int
	Success            bool
	Violation          bool
	NewPressure        float64
	NewForgivenSeconds int64
}

// End computes the outcome of ending the break at the given instant. On
// success, forgiveness is solved so that re-evaluating the no-break formula
// reproduces the projected pressure exactly: the display must not jump.
// A failed break applies no forgiveness. Ending a committed break without
// success is a violation.
func (b *ActiveBreak) End(st pressure.State, limitSeconds int64, now time.Time, success bool) Outcome {
	elapsed := now.Sub(b.ActivatedAt)
	if elapsed < 0 {
		elapsed = 0
	}

	out := Outcome{
		EndedAt:            now,
		ActualMinutes:      int(math.Round(elapsed.Minutes())),
		Success:            success,
		Violation:          b.Kind == KindCommitted && !success,
		NewForgivenSeconds: st.ForgivenSeconds,
	}

	projected := b.Projected(now)

	if !success {
		// The usage counts as a penalty: pressure re-evaluates from the
		// unchanged state with the no-break formula.
		out.NewPressure = st.Effective(limitSeconds)
		return out
	}

	out.NewForgivenSeconds = forgivenessFor(st, projected, limitSeconds)
	adjusted := st
	adjusted.ForgivenSeconds = out.NewForgivenSeconds
	out.NewPressure = adjusted.Effective(limitSeconds)
	return out
}

// forgivenessFor solves target = baseline + (cum-forgiven)*100/limit for
// forgiven, clamped so it never decreases and never exceeds the monitored
// cumulative seconds.
func forgivenessFor(st pressure.State, target float64, limitSeconds int64) int64 {
	if limitSeconds <= 0 {
		return st.ForgivenSeconds
	}
	f := int64(math.Round(float64(st.MonitoredCumulativeSeconds) - (target-st.Baseline)*float64(limitSeconds)/100.0))
	if f < st.ForgivenSeconds {
		f = st.ForgivenSeconds
	}
	if f > st.MonitoredCumulativeSeconds {
		f = st.MonitoredCumulativeSeconds
	}
	if f < 0 {
		f = 0
	}
	return f
}
