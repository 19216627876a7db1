package bolt

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/windkeeper/windkeeper/internal/event"
	"github.com/windkeeper/windkeeper/internal/storage"
)

type eventStore struct {
	db *bbolt.DB
}

// eventKey partitions the log by subject and calendar day so day-range
// queries are prefix scans. The bucket sequence suffix preserves insertion
// order within a timestamp tie.
func eventKey(ev event.UsageEvent, seq uint64) string {
	day := ev.Timestamp.UTC().Format("2006-01-02")
	return fmt.Sprintf("%s/%s/%020d-%020d", ev.SubjectID, day, ev.Timestamp.UnixNano(), seq)
}

func (s *eventStore) Append(ctx context.Context, ev event.UsageEvent) error {
	data, err := marshal(ev)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketEvents))
		if b == nil {
			return fmt.Errorf("bucket missing: %s", bucketEvents)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put([]byte(eventKey(ev, seq)), data)
	})
}

func (s *eventStore) Query(ctx context.Context, subjectID uuid.UUID, from, to time.Time) ([]event.UsageEvent, error) {
	prefix := []byte(subjectID.String() + "/")
	events := make([]event.UsageEvent, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ev event.UsageEvent
			if err := unmarshal(v, &ev); err != nil {
				// Corruption reads as an empty slot, not a dead log.
				continue
			}
			if ev.Timestamp.Before(from) || ev.Timestamp.After(to) {
				continue
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *eventStore) Purge(ctx context.Context, subjectID uuid.UUID) error {
	prefix := []byte(subjectID.String() + "/")
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketEvents))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *eventStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketEvents))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ev event.UsageEvent
			if err := unmarshal(v, &ev); err != nil {
				// Undecodable entries are garbage; reclaim them.
				if err := c.Delete(); err != nil {
					return err
				}
				deleted++
				continue
			}
			if ev.Timestamp.Before(cutoff) {
				if err := c.Delete(); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})
	return deleted, err
}

var _ storage.EventStore = (*eventStore)(nil)
