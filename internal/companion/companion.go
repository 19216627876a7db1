// Package companion holds the durable aggregate root for a single companion
// and the pure lifecycle-stage mapping driven by pressure.
package companion

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/windkeeper/windkeeper/internal/aggregate"
	"github.com/windkeeper/windkeeper/internal/breaks"
	"github.com/windkeeper/windkeeper/internal/pressure"
)

// ErrAlreadyLost is returned when an operation requires a live companion.
var ErrAlreadyLost = errors.New("companion: already lost")

// Stage is the named life-stage derived from pressure.
type Stage string

const (
	StageThriving Stage = "thriving"
	StageBreezy   Stage = "breezy"
	StageStressed Stage = "stressed"
	StageCritical Stage = "critical"
)

// Thresholds are the stage band boundaries, ascending.
type Thresholds struct {
	ThrivingBelow float64
	BreezyBelow   float64
	StressedBelow float64
}

// DefaultThresholds matches the observed bands: <5, <50, <80, >=80.
var DefaultThresholds = Thresholds{ThrivingBelow: 5, BreezyBelow: 50, StressedBelow: 80}

// StageFor maps pressure to a lifecycle stage. Being on a break does not
// change the band; breaks only guard the lost transition.
func StageFor(p float64, th Thresholds) Stage {
	switch {
	case p < th.ThrivingBelow:
		return StageThriving
	case p < th.BreezyBelow:
		return StageBreezy
	case p < th.StressedBelow:
		return StageStressed
	default:
		return StageCritical
	}
}

// LostReason records why a companion was lost.
type LostReason string

const (
	ReasonPressureSaturated LostReason = "pressure_saturated"
	ReasonBreakViolation    LostReason = "break_violation"
	ReasonAuthorizationLost LostReason = "authorization_lost"
)

// Evolution is one entry in the companion's stage history.
type Evolution struct {
	Stage Stage     `json:"stage"`
	At    time.Time `json:"at"`
}

// CompletedBreak is a historical break record kept on the companion.
type CompletedBreak struct {
	Kind            breaks.Kind `json:"kind"`
	StartedAt       time.Time   `json:"started_at"`
	EndedAt         time.Time   `json:"ended_at"`
	ActualMinutes   int         `json:"actual_minutes"`
	Success         bool        `json:"success"`
	ForgivenSeconds int64       `json:"forgiven_seconds"`
}

// Record is the durable aggregate root. Exactly one live record exists per
// device; it is mutated only by the single local writer.
type Record struct {
	ID               uuid.UUID           `json:"id"`
	Name             string              `json:"name"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	EvolutionHistory []Evolution         `json:"evolution_history,omitempty"`
	PresetID         string              `json:"preset_id"`
	PendingPresetID  string              `json:"pending_preset_id,omitempty"`
	State            pressure.State      `json:"pressure_state"`
	ActiveBreak      *breaks.ActiveBreak `json:"active_break,omitempty"`

	DailyStats   []aggregate.DailyUsageStat `json:"daily_stats,omitempty"`
	BreakHistory []CompletedBreak           `json:"break_history,omitempty"`

	LimitedSourceChangeCount int `json:"limited_source_change_count"`

	CurrentDay string     `json:"current_day"`
	Lost       bool       `json:"lost"`
	LostReason LostReason `json:"lost_reason,omitempty"`
	LostAt     *time.Time `json:"lost_at,omitempty"`
}

// New creates a live companion record under the given preset.
func New(name string, preset pressure.Preset, now time.Time, loc *time.Location) *Record {
	id := uuid.New()
	return &Record{
		ID:               id,
		Name:             name,
		CreatedAt:        now,
		UpdatedAt:        now,
		EvolutionHistory: []Evolution{{Stage: StageFor(preset.Baseline, DefaultThresholds), At: now}},
		PresetID:         preset.ID,
		State: pressure.State{
			SubjectID: id,
			Baseline:  preset.Baseline,
			RiseRate:  preset.RiseRatePerSecond(),
			FallRate:  preset.FallRatePerSecond(),
		},
		CurrentDay: now.In(loc).Format("2006-01-02"),
	}
}

// EffectivePressure is the point-in-time pressure projection: the no-break
// formula from the persisted state, or the falling projection while a break
// is open.
func (r *Record) EffectivePressure(preset pressure.Preset, now time.Time) float64 {
	if r.ActiveBreak != nil {
		return r.ActiveBreak.Projected(now)
	}
	return r.State.Effective(preset.LimitSeconds())
}

// Stage returns the current lifecycle stage.
func (r *Record) Stage(preset pressure.Preset, th Thresholds, now time.Time) Stage {
	return StageFor(r.EffectivePressure(preset, now), th)
}

// MarkLost performs the one-way lost transition. Lost is terminal: a second
// call is a no-op error and the original reason stands.
func (r *Record) MarkLost(reason LostReason, now time.Time) error {
	if r.Lost {
		return ErrAlreadyLost
	}
	r.Lost = true
	r.LostReason = reason
	at := now
	r.LostAt = &at
	r.ActiveBreak = nil
	r.UpdatedAt = now
	return nil
}

// RecordEvolution appends a stage-history entry when the stage changed since
// the last recorded one. Returns true when an entry was added.
func (r *Record) RecordEvolution(stage Stage, now time.Time) bool {
	if n := len(r.EvolutionHistory); n > 0 && r.EvolutionHistory[n-1].Stage == stage {
		return false
	}
	r.EvolutionHistory = append(r.EvolutionHistory, Evolution{Stage: stage, At: now})
	return true
}

// Age returns how long the companion has been alive.
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// ShouldArchive gates archiving: a companion younger than the minimum age is
// deleted outright, there is not enough history to be worth retaining.
func (r *Record) ShouldArchive(minAge time.Duration, now time.Time) bool {
	return r.Age(now) >= minAge
}

// Archived is the immutable post-mortem form of a lost companion. Archived
// records never change once created, which is what makes union merges safe.
type Archived struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	PresetID  string     `json:"preset_id"`
	CreatedAt time.Time  `json:"created_at"`
	LostAt    time.Time  `json:"lost_at"`
	Reason    LostReason `json:"reason"`
}

// Archive converts a lost record into its archived form.
func (r *Record) Archive() Archived {
	lostAt := r.UpdatedAt
	if r.LostAt != nil {
		lostAt = *r.LostAt
	}
	return Archived{
		ID:        r.ID,
		Name:      r.Name,
		PresetID:  r.PresetID,
		CreatedAt: r.CreatedAt,
		LostAt:    lostAt,
		Reason:    r.LostReason,
	}
}
