package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the type of a usage event. The set is closed: storage and
// aggregation reject kinds outside this list.
type Kind string

const (
	KindUsageThreshold Kind = "usage_threshold"
	KindBreakStarted   Kind = "break_started"
	KindBreakEnded     Kind = "break_ended"
	KindDailyReset     Kind = "daily_reset"
	KindDayStart       Kind = "day_start"
	KindAutoLocked     Kind = "auto_locked"
)

// UnmarshalJSON implements json.Unmarshaler to validate the kind on read.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	normalized := Kind(strings.ToLower(s))
	switch normalized {
	case KindUsageThreshold, KindBreakStarted, KindBreakEnded,
		KindDailyReset, KindDayStart, KindAutoLocked:
		*k = normalized
		return nil
	default:
		return fmt.Errorf("invalid event kind: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(k))
}

// UsageEvent is an immutable entry in the append-only event log.
// Payload fields are populated per kind; unused fields stay zero.
type UsageEvent struct {
	SubjectID uuid.UUID `json:"subject_id"`
	Timestamp time.Time `json:"timestamp"`
	Pressure  float64   `json:"pressure"`
	Kind      Kind      `json:"kind"`

	// usage_threshold
	CumulativeSeconds int64 `json:"cumulative_seconds,omitempty"`

	// break_started
	BreakKind string `json:"break_kind,omitempty"`

	// break_ended
	ActualMinutes int  `json:"actual_minutes,omitempty"`
	Success       bool `json:"success,omitempty"`
}

// UsageThreshold builds an event recording a cumulative-seconds threshold
// crossing reported by the external usage reporter.
func UsageThreshold(subjectID uuid.UUID, ts time.Time, pressure float64, cumulativeSeconds int64) UsageEvent {
	return UsageEvent{
		SubjectID:         subjectID,
		Timestamp:         ts,
		Pressure:          pressure,
		Kind:              KindUsageThreshold,
		CumulativeSeconds: cumulativeSeconds,
	}
}

// BreakStarted builds an event recording the start of a break.
func BreakStarted(subjectID uuid.UUID, ts time.Time, pressure float64, breakKind string) UsageEvent {
	return UsageEvent{
		SubjectID: subjectID,
		Timestamp: ts,
		Pressure:  pressure,
		Kind:      KindBreakStarted,
		BreakKind: breakKind,
	}
}

// BreakEnded builds an event recording the end of a break.
func BreakEnded(subjectID uuid.UUID, ts time.Time, pressure float64, actualMinutes int, success bool) UsageEvent {
	return UsageEvent{
		SubjectID:     subjectID,
		Timestamp:     ts,
		Pressure:      pressure,
		Kind:          KindBreakEnded,
		ActualMinutes: actualMinutes,
		Success:       success,
	}
}

// DailyReset builds an event marking the end-of-day pressure reset.
func DailyReset(subjectID uuid.UUID, ts time.Time, pressure float64) UsageEvent {
	return UsageEvent{SubjectID: subjectID, Timestamp: ts, Pressure: pressure, Kind: KindDailyReset}
}

// DayStart builds an event marking the start of a new tracking day.
func DayStart(subjectID uuid.UUID, ts time.Time) UsageEvent {
	return UsageEvent{SubjectID: subjectID, Timestamp: ts, Kind: KindDayStart}
}

// AutoLocked builds an event recording an automatic lock (auto-chained break
// or safety shield engagement).
func AutoLocked(subjectID uuid.UUID, ts time.Time, pressure float64) UsageEvent {
	return UsageEvent{SubjectID: subjectID, Timestamp: ts, Pressure: pressure, Kind: KindAutoLocked}
}
