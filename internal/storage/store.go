// Package storage defines the persistence interfaces for the pressure
// engine: the append-only event log, the companion record blob, process-wide
// flags, and user-level sync data. Implementations live in subpackages.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/windkeeper/windkeeper/internal/companion"
	"github.com/windkeeper/windkeeper/internal/event"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store is the root storage interface.
type Store interface {
	Close() error
	Events() EventStore
	Companions() CompanionStore
	Flags() FlagStore
	UserData() UserDataStore
}

// EventStore is the append-only event log substrate. Append must be durable
// before return; a failed append is reported to the caller, never silently
// dropped. Corrupt entries are skipped on read (fail open): a damaged log
// must never brick the companion.
type EventStore interface {
	Append(ctx context.Context, ev event.UsageEvent) error
	Query(ctx context.Context, subjectID uuid.UUID, from, to time.Time) ([]event.UsageEvent, error)
	Purge(ctx context.Context, subjectID uuid.UUID) error
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// CompanionStore holds the single live companion record and the immutable
// archive of lost ones.
type CompanionStore interface {
	GetLive(ctx context.Context) (*companion.Record, error)
	PutLive(ctx context.Context, rec companion.Record) error
	DeleteLive(ctx context.Context) error
	ListArchived(ctx context.Context) ([]companion.Archived, error)
	UpsertArchived(ctx context.Context, a companion.Archived) error
}

// FlagStore persists small process-wide flags that must survive restart,
// such as needs-reauthorization.
type FlagStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// UserData holds the user-level scalars merged independently of the
// companion during reconciliation.
type UserData struct {
	UserID         string    `json:"user_id"`
	Balance        int64     `json:"balance"`
	Unlockables    []string  `json:"unlockables,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastLocalWrite time.Time `json:"last_local_write"`
}

// UserDataStore persists the local copy of user-level data.
type UserDataStore interface {
	Get(ctx context.Context) (*UserData, error)
	Put(ctx context.Context, d UserData) error
}

// Well-known flag keys.
const (
	FlagNeedsReauthorization = "needs_reauthorization"
	FlagNeedsAppReselection  = "needs_app_reselection"
	FlagAuthGraceDeadline    = "auth_grace_deadline"
)
