// Package reporter defines the boundary to the platform's usage-accounting
// primitive: an external, trusted reporter of cumulative monitored-usage
// seconds. The engine consumes its callbacks; it never instruments other
// applications itself.
package reporter

import (
	"github.com/google/uuid"
)

// Sink receives reporter callbacks. The engine implements this interface;
// platform glue drives it.
type Sink interface {
	// ReportUsage delivers a coarse usage-threshold crossing:
	// cumulativeSeconds is the total monitored usage since the reporter's
	// monitoring session started. Readings may arrive out of order or reset
	// to a lower value (a new monitoring session).
	ReportUsage(subjectID uuid.UUID, cumulativeSeconds int64) error

	// AuthorizationChanged reports the reporter's authorization status.
	// Revocation may happen asynchronously at any time.
	AuthorizationChanged(granted bool) error

	// SafetyShieldEngaged reports that the reporter's own protective shield
	// activated for the subject. This is the only entry into a safety break.
	SafetyShieldEngaged(subjectID uuid.UUID) error

	// AppSelectionChanged reports whether the monitored-app selection is
	// still resolvable. It turns invalid when a selected app is removed.
	AppSelectionChanged(valid bool) error
}
