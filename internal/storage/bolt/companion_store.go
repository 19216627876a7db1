package bolt

import (
	"context"

	"go.etcd.io/bbolt"

	"github.com/windkeeper/windkeeper/internal/companion"
	"github.com/windkeeper/windkeeper/internal/storage"
)

type companionStore struct {
	db *bbolt.DB
}

func (s *companionStore) GetLive(ctx context.Context) (*companion.Record, error) {
	return getBucketValue[companion.Record](ctx, s.db, bucketCompanion, keyLiveCompanion)
}

func (s *companionStore) PutLive(ctx context.Context, rec companion.Record) error {
	return putBucketValue(ctx, s.db, bucketCompanion, keyLiveCompanion, rec)
}

func (s *companionStore) DeleteLive(ctx context.Context) error {
	return deleteBucketValue(ctx, s.db, bucketCompanion, keyLiveCompanion)
}

func (s *companionStore) ListArchived(ctx context.Context) ([]companion.Archived, error) {
	archived := make([]companion.Archived, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketArchived))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var a companion.Archived
			if err := unmarshal(v, &a); err != nil {
				return nil
			}
			archived = append(archived, a)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return archived, nil
}

func (s *companionStore) UpsertArchived(ctx context.Context, a companion.Archived) error {
	return putBucketValue(ctx, s.db, bucketArchived, a.ID.String(), a)
}

var _ storage.CompanionStore = (*companionStore)(nil)
