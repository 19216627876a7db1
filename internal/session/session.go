// Package session detects day rollovers and monitoring-session restarts and
// applies reporter readings to the pressure state.
package session

import (
	"time"

	"github.com/windkeeper/windkeeper/internal/pressure"
)

const dateFormat = "2006-01-02"

// Day formats an instant as the local tracking day.
func Day(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(dateFormat)
}

// RolledOver reports whether the calendar day has advanced past the recorded
// current day.
func RolledOver(currentDay string, now time.Time, loc *time.Location) bool {
	return currentDay != "" && Day(now, loc) != currentDay
}

// Report is the outcome of applying one reporter reading.
type Report struct {
	// DeltaSeconds is the monitored usage attributed by this reading.
	DeltaSeconds int64
	// Restarted is true when the reporter's counter went backwards,
	// indicating a new monitoring session rather than negative usage.
	Restarted bool
}

// Apply folds a cumulative-seconds reading from the external reporter into
// the pressure state. Readings are cumulative since monitoring start; a
// reading below the previous one means the counter was reset, and the whole
// reading counts as this session's usage.
func Apply(st *pressure.State, reportedSeconds int64, now time.Time) Report {
	var rep Report

	if reportedSeconds < 0 {
		// A negative counter is meaningless, treat as zero.
		reportedSeconds = 0
	}

	delta := reportedSeconds - st.LastReportedSeconds
	if delta < 0 {
		rep.Restarted = true
		delta = reportedSeconds
		started := now
		st.MonitoringStartedAt = &started
	}
	if st.MonitoringStartedAt == nil {
		started := now
		st.MonitoringStartedAt = &started
	}

	st.LastReportedSeconds = reportedSeconds
	st.MonitoredCumulativeSeconds += delta
	rep.DeltaSeconds = delta
	return rep
}

// Freeze advances the last-seen reporter counter without accumulating usage.
// Used while a break is active: the reporter keeps counting, but break-time
// usage must neither raise pressure now nor be credited after the break.
func Freeze(st *pressure.State, reportedSeconds int64) {
	if reportedSeconds < 0 {
		return
	}
	if reportedSeconds >= st.LastReportedSeconds {
		st.LastReportedSeconds = reportedSeconds
	}
}
