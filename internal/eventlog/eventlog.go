// Package eventlog is the append-only domain event log: a thin, logged
// facade over the storage substrate with retry on transient append failure.
package eventlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/windkeeper/windkeeper/internal/event"
	"github.com/windkeeper/windkeeper/internal/metrics"
	"github.com/windkeeper/windkeeper/internal/storage"
)

// appendAttempts bounds the retry loop for a transiently failing append.
const appendAttempts = 3

// Log provides durable append and ordered query over domain events.
type Log struct {
	store  storage.EventStore
	logger zerolog.Logger
}

// New creates an event log over the given store.
func New(store storage.EventStore, logger zerolog.Logger) *Log {
	return &Log{
		store:  store,
		logger: logger.With().Str("component", "eventlog").Logger(),
	}
}

// Append durably records an event. The write is retried on failure; if all
// attempts fail the error is returned so the caller can queue or surface it.
// An in-memory state transition must never be lost to a swallowed error.
func (l *Log) Append(ctx context.Context, ev event.UsageEvent) error {
	var err error
	for attempt := 1; attempt <= appendAttempts; attempt++ {
		if err = l.store.Append(ctx, ev); err == nil {
			metrics.EventsAppended.WithLabelValues(string(ev.Kind)).Inc()
			l.logger.Debug().
				Str("subject_id", ev.SubjectID.String()).
				Str("kind", string(ev.Kind)).
				Time("timestamp", ev.Timestamp).
				Float64("pressure", ev.Pressure).
				Msg("Event appended")
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		l.logger.Warn().Err(err).Int("attempt", attempt).Str("kind", string(ev.Kind)).Msg("Event append failed, retrying")
		time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
	}
	return fmt.Errorf("append event %s: %w", ev.Kind, err)
}

// Query returns the subject's events in the range, ordered by timestamp with
// insertion-order tiebreak. Re-running the same query yields the same result.
func (l *Log) Query(ctx context.Context, subjectID uuid.UUID, from, to time.Time) ([]event.UsageEvent, error) {
	events, err := l.store.Query(ctx, subjectID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return events, nil
}

// Purge removes every event for the subject. Bulk account wipe only.
func (l *Log) Purge(ctx context.Context, subjectID uuid.UUID) error {
	if err := l.store.Purge(ctx, subjectID); err != nil {
		return fmt.Errorf("purge events: %w", err)
	}
	l.logger.Info().Str("subject_id", subjectID.String()).Msg("Event log purged")
	return nil
}

// DeleteBefore trims events older than the cutoff (retention cleanup).
func (l *Log) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deleted, err := l.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete events before %s: %w", cutoff, err)
	}
	if deleted > 0 {
		l.logger.Info().Int("deleted", deleted).Time("cutoff", cutoff).Msg("Old events cleaned up")
	}
	return deleted, nil
}
