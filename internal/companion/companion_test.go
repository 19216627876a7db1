package companion

import (
	"errors"
	"testing"
	"time"

	"github.com/windkeeper/windkeeper/internal/breaks"
	"github.com/windkeeper/windkeeper/internal/pressure"
)

var testPreset = pressure.Preset{
	ID:                "standard",
	Name:              "Standard",
	MinutesToBlowAway: 60,
	FallRatePerMinute: 1,
}

func TestStageFor_Bands(t *testing.T) {
	tests := []struct {
		pressure float64
		want     Stage
	}{
		{0, StageThriving},
		{4.99, StageThriving},
		{5, StageBreezy},
		{49.99, StageBreezy},
		{50, StageStressed},
		{79.99, StageStressed},
		{80, StageCritical},
		{100, StageCritical},
	}

	for _, tt := range tests {
		if got := StageFor(tt.pressure, DefaultThresholds); got != tt.want {
			t.Errorf("StageFor(%.2f) = %s, want %s", tt.pressure, got, tt.want)
		}
	}
}

func TestRecord_EffectivePressureProjectsDuringBreak(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	rec := New("Wisp", testPreset, now, time.UTC)
	rec.State.MonitoredCumulativeSeconds = 1800 // 50%

	if got := rec.EffectivePressure(testPreset, now); got != 50 {
		t.Fatalf("EffectivePressure() = %.2f, want 50", got)
	}

	b, err := breaks.Start(nil, breaks.KindFree, nil, now, 50, testPreset.FallRatePerSecond(), 0)
	if err != nil {
		t.Fatal(err)
	}
	rec.ActiveBreak = b

	if got := rec.EffectivePressure(testPreset, now.Add(10*time.Minute)); got != 40 {
		t.Errorf("EffectivePressure() during break = %.2f, want 40", got)
	}
}

func TestMarkLost_Terminal(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	rec := New("Wisp", testPreset, now, time.UTC)
	rec.ActiveBreak, _ = breaks.Start(nil, breaks.KindSafety, nil, now, 90, 0, 0)

	if err := rec.MarkLost(ReasonPressureSaturated, now); err != nil {
		t.Fatalf("MarkLost() = %v", err)
	}
	if !rec.Lost || rec.LostReason != ReasonPressureSaturated || rec.LostAt == nil {
		t.Errorf("lost fields not set: %+v", rec)
	}
	if rec.ActiveBreak != nil {
		t.Error("active break should be cleared on loss")
	}

	err := rec.MarkLost(ReasonBreakViolation, now.Add(time.Hour))
	if !errors.Is(err, ErrAlreadyLost) {
		t.Errorf("second MarkLost() = %v, want ErrAlreadyLost", err)
	}
	if rec.LostReason != ReasonPressureSaturated {
		t.Errorf("original reason overwritten: %s", rec.LostReason)
	}
}

func TestShouldArchive_AgeGate(t *testing.T) {
	created := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	rec := New("Wisp", testPreset, created, time.UTC)
	minAge := 3 * 24 * time.Hour

	if rec.ShouldArchive(minAge, created.Add(2*24*time.Hour)) {
		t.Error("two-day-old companion should not archive")
	}
	if !rec.ShouldArchive(minAge, created.Add(3*24*time.Hour)) {
		t.Error("three-day-old companion should archive")
	}
}

func TestArchive_CarriesLossMetadata(t *testing.T) {
	created := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	lost := created.Add(5 * 24 * time.Hour)

	rec := New("Wisp", testPreset, created, time.UTC)
	if err := rec.MarkLost(ReasonBreakViolation, lost); err != nil {
		t.Fatal(err)
	}

	a := rec.Archive()
	if a.ID != rec.ID || a.Name != "Wisp" || a.PresetID != "standard" {
		t.Errorf("archived identity mismatch: %+v", a)
	}
	if !a.LostAt.Equal(lost) {
		t.Errorf("LostAt = %s, want %s", a.LostAt, lost)
	}
	if a.Reason != ReasonBreakViolation {
		t.Errorf("Reason = %s, want break_violation", a.Reason)
	}
}

func TestRecordEvolution_DeduplicatesStages(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	rec := New("Wisp", testPreset, now, time.UTC)

	if len(rec.EvolutionHistory) != 1 || rec.EvolutionHistory[0].Stage != StageThriving {
		t.Fatalf("initial history = %+v", rec.EvolutionHistory)
	}
	if rec.RecordEvolution(StageThriving, now.Add(time.Minute)) {
		t.Error("unchanged stage should not append")
	}
	if !rec.RecordEvolution(StageBreezy, now.Add(2*time.Minute)) {
		t.Error("stage change should append")
	}
	if !rec.RecordEvolution(StageThriving, now.Add(3*time.Minute)) {
		t.Error("returning to an earlier stage should append")
	}
	if len(rec.EvolutionHistory) != 3 {
		t.Errorf("history length = %d, want 3", len(rec.EvolutionHistory))
	}
}

func TestNew_InitializesDayAndRates(t *testing.T) {
	now := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	rec := New("Wisp", testPreset, now, time.UTC)

	if rec.CurrentDay != "2026-03-10" {
		t.Errorf("CurrentDay = %s, want 2026-03-10", rec.CurrentDay)
	}
	if rec.State.SubjectID != rec.ID {
		t.Error("pressure state subject should be the companion id")
	}
	if rec.State.RiseRate != testPreset.RiseRatePerSecond() {
		t.Errorf("RiseRate = %f", rec.State.RiseRate)
	}
}
