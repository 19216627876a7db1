package bolt

import (
	"context"

	"go.etcd.io/bbolt"

	"github.com/windkeeper/windkeeper/internal/storage"
)

type flagStore struct {
	db *bbolt.DB
}

func (s *flagStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketFlags))
		if b == nil {
			return storage.ErrNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return storage.ErrNotFound
		}
		value = string(v)
		return nil
	})
	return value, err
}

func (s *flagStore) Set(ctx context.Context, key, value string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return tx.Bucket([]byte(bucketFlags)).Put([]byte(key), []byte(value))
	})
}

func (s *flagStore) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return tx.Bucket([]byte(bucketFlags)).Delete([]byte(key))
	})
}

type userDataStore struct {
	db *bbolt.DB
}

func (s *userDataStore) Get(ctx context.Context) (*storage.UserData, error) {
	return getBucketValue[storage.UserData](ctx, s.db, bucketUserData, keyUserData)
}

func (s *userDataStore) Put(ctx context.Context, d storage.UserData) error {
	return putBucketValue(ctx, s.db, bucketUserData, keyUserData, d)
}

var (
	_ storage.FlagStore     = (*flagStore)(nil)
	_ storage.UserDataStore = (*userDataStore)(nil)
)
