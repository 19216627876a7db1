// Package notify abstracts the platform's local notification scheduler. It
// is advisory UX only: the engine schedules break-completion and daily
// summary notifications through it but never depends on it for correctness.
package notify

import "time"

// Payload is the notification content handed to the platform.
type Payload struct {
	Title string
	Body  string
}

// Well-known notification ids.
const (
	IDBreakComplete = "break_complete"
	IDDailySummary  = "daily_summary"
)

// Scheduler delivers notifications at a wall-clock instant. Implementations
// live in platform glue; failures are logged and ignored by callers.
type Scheduler interface {
	Schedule(id string, fireAt time.Time, payload Payload) error
	Cancel(id string) error
}

// Nop is a no-op scheduler for headless and test use.
type Nop struct{}

// Schedule implements Scheduler.
func (Nop) Schedule(string, time.Time, Payload) error { return nil }

// Cancel implements Scheduler.
func (Nop) Cancel(string) error { return nil }
