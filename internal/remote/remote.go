// Package remote implements the sync reconciler's remote document store on
// Redis: one companion document, one archived-companion hash, and one
// user-data hash per account. Upserts are idempotent; the user-data merge is
// atomic server-side.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/windkeeper/windkeeper/internal/companion"
	"github.com/windkeeper/windkeeper/internal/config"
	"github.com/windkeeper/windkeeper/internal/storage"
	"github.com/windkeeper/windkeeper/internal/syncer"
)

// Store implements syncer.RemoteStore on a Redis client.
type Store struct {
	client *redis.Client
}

// Open creates a Redis-backed remote store and verifies connectivity.
func Open(cfg config.RemoteConfig) (*Store, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}
	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}
	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client}, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func companionKey(userID string) string {
	return "windkeeper:companion:" + userID
}

func archivedKey(userID string) string {
	return "windkeeper:archived:" + userID
}

func userDataKey(userID string) string {
	return "windkeeper:user:" + userID
}

func unlockablesKey(userID string) string {
	return "windkeeper:user:" + userID + ":unlockables"
}

// FetchCompanion returns the account's live companion document.
func (s *Store) FetchCompanion(ctx context.Context, userID string) (*syncer.CompanionDoc, error) {
	data, err := s.client.Get(ctx, companionKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var doc syncer.CompanionDoc
	if err := unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// UpsertCompanion writes the live companion document. Writing the same
// document twice is a no-op for readers.
func (s *Store) UpsertCompanion(ctx context.Context, userID string, doc syncer.CompanionDoc) error {
	data, err := marshal(doc)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, companionKey(userID), data, 0).Err()
}

// DeleteCompanion removes the live companion document.
func (s *Store) DeleteCompanion(ctx context.Context, userID string) error {
	return s.client.Del(ctx, companionKey(userID)).Err()
}

// ListArchived returns the account's archived companions.
func (s *Store) ListArchived(ctx context.Context, userID string) ([]companion.Archived, error) {
	entries, err := s.client.HGetAll(ctx, archivedKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	archived := make([]companion.Archived, 0, len(entries))
	for _, raw := range entries {
		var a companion.Archived
		if err := unmarshal([]byte(raw), &a); err != nil {
			continue
		}
		archived = append(archived, a)
	}
	return archived, nil
}

// UpsertArchived stores one archived companion keyed by its id. Archived
// records are immutable, so repeated upserts are harmless.
func (s *Store) UpsertArchived(ctx context.Context, userID string, a companion.Archived) error {
	data, err := marshal(a)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, archivedKey(userID), a.ID.String(), data).Err()
}

// FetchUserData returns the account-level scalar data.
func (s *Store) FetchUserData(ctx context.Context, userID string) (*storage.UserData, error) {
	fields, err := s.client.HGetAll(ctx, userDataKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, storage.ErrNotFound
	}

	d := storage.UserData{UserID: userID}
	if v, ok := fields["balance"]; ok {
		d.Balance, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := fields["updated_at"]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			d.UpdatedAt = ts
		}
	}

	unlockables, err := s.client.SMembers(ctx, unlockablesKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	d.Unlockables = unlockables
	return &d, nil
}

// MergeUserData merges the given data into the remote copy: the balance only
// ever rises (max merge, done atomically in Lua), unlockables are a set
// union via SADD. Safe to run any number of times.
func (s *Store) MergeUserData(ctx context.Context, userID string, d storage.UserData) error {
	script := redis.NewScript(mergeUserDataScript)
	keys := []string{userDataKey(userID)}
	args := []interface{}{
		d.Balance,
		d.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if err := script.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return err
	}

	if len(d.Unlockables) > 0 {
		members := make([]interface{}, len(d.Unlockables))
		for i, u := range d.Unlockables {
			members[i] = u
		}
		if err := s.client.SAdd(ctx, unlockablesKey(userID), members...).Err(); err != nil {
			return err
		}
	}
	return nil
}

var _ syncer.RemoteStore = (*Store)(nil)
