package session

import (
	"testing"
	"time"

	"github.com/windkeeper/windkeeper/internal/pressure"
)

func TestDay(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	// 02:30 UTC on March 11 is still March 10 in New York.
	ts := time.Date(2026, 3, 11, 2, 30, 0, 0, time.UTC)
	if got := Day(ts, loc); got != "2026-03-10" {
		t.Errorf("Day() = %s, want 2026-03-10", got)
	}
	if got := Day(ts, time.UTC); got != "2026-03-11" {
		t.Errorf("Day() = %s, want 2026-03-11", got)
	}
}

func TestRolledOver(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 3, 11, 0, 0, 1, 0, loc)

	if !RolledOver("2026-03-10", now, loc) {
		t.Error("one second past midnight should roll over")
	}
	if RolledOver("2026-03-11", now, loc) {
		t.Error("same day should not roll over")
	}
	if RolledOver("", now, loc) {
		t.Error("empty current day should not roll over")
	}
}

func TestApply_AccumulatesDeltas(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	var st pressure.State

	rep := Apply(&st, 600, now)
	if rep.DeltaSeconds != 600 || rep.Restarted {
		t.Fatalf("first report = %+v, want delta 600", rep)
	}
	if st.MonitoringStartedAt == nil {
		t.Fatal("MonitoringStartedAt not set on first report")
	}

	rep = Apply(&st, 900, now.Add(5*time.Minute))
	if rep.DeltaSeconds != 300 {
		t.Errorf("second report delta = %d, want 300", rep.DeltaSeconds)
	}
	if st.MonitoredCumulativeSeconds != 900 {
		t.Errorf("cumulative = %d, want 900", st.MonitoredCumulativeSeconds)
	}
}

// A reading below the previous one means the reporter's counter was reset:
// the whole reading is this session's usage, not negative usage.
func TestApply_CounterResetStartsNewSession(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	var st pressure.State

	Apply(&st, 1800, now)
	started := *st.MonitoringStartedAt

	rep := Apply(&st, 120, now.Add(time.Hour))
	if !rep.Restarted {
		t.Error("backwards counter should report a restart")
	}
	if rep.DeltaSeconds != 120 {
		t.Errorf("restart delta = %d, want 120 (the full reading)", rep.DeltaSeconds)
	}
	if st.MonitoredCumulativeSeconds != 1920 {
		t.Errorf("cumulative = %d, want 1920", st.MonitoredCumulativeSeconds)
	}
	if st.MonitoringStartedAt.Equal(started) {
		t.Error("MonitoringStartedAt should move on restart")
	}
}

func TestApply_NegativeReadingTreatedAsZero(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	var st pressure.State

	Apply(&st, 600, now)
	rep := Apply(&st, -50, now.Add(time.Minute))
	if rep.DeltaSeconds != 0 {
		t.Errorf("negative reading gave delta %d, want 0", rep.DeltaSeconds)
	}
	if st.MonitoredCumulativeSeconds != 600 {
		t.Errorf("cumulative = %d, want unchanged 600", st.MonitoredCumulativeSeconds)
	}
}

// During a break the counter is frozen forward: nothing accumulates now, and
// the break-time seconds are not credited as a delta afterwards either.
func TestFreeze_BreakTimeUsageNeverCounted(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	var st pressure.State

	Apply(&st, 600, now)

	Freeze(&st, 900)
	if st.MonitoredCumulativeSeconds != 600 {
		t.Errorf("Freeze accumulated usage: %d", st.MonitoredCumulativeSeconds)
	}
	if st.LastReportedSeconds != 900 {
		t.Errorf("LastReportedSeconds = %d, want 900", st.LastReportedSeconds)
	}

	// After the break, only post-break usage counts.
	rep := Apply(&st, 960, now.Add(20*time.Minute))
	if rep.DeltaSeconds != 60 {
		t.Errorf("post-break delta = %d, want 60", rep.DeltaSeconds)
	}
	if st.MonitoredCumulativeSeconds != 660 {
		t.Errorf("cumulative = %d, want 660", st.MonitoredCumulativeSeconds)
	}
}

func TestFreeze_IgnoresBackwardsAndNegative(t *testing.T) {
	st := pressure.State{LastReportedSeconds: 900}
	Freeze(&st, 300)
	if st.LastReportedSeconds != 900 {
		t.Errorf("backwards freeze moved counter to %d", st.LastReportedSeconds)
	}
	Freeze(&st, -10)
	if st.LastReportedSeconds != 900 {
		t.Errorf("negative freeze moved counter to %d", st.LastReportedSeconds)
	}
}
