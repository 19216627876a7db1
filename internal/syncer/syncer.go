// Package syncer merges two independently-evolved copies of companion and
// user state (local device vs remote store) with deterministic, idempotent
// rules. It never blocks the engine's local operations and never partially
// applies a remote merge.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/windkeeper/windkeeper/internal/clock"
	"github.com/windkeeper/windkeeper/internal/companion"
	"github.com/windkeeper/windkeeper/internal/metrics"
	"github.com/windkeeper/windkeeper/internal/storage"
)

// ErrConflict signals two genuinely divergent live companions. It is never
// auto-resolved: the caller must choose KeepLocal or KeepCloud.
var ErrConflict = errors.New("syncer: divergent live companions")

// CompanionDoc is the remote serialized form of the live companion.
type CompanionDoc struct {
	Companion companion.Record `json:"companion"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// RemoteStore is the eventually-consistent document store the reconciler
// talks to. Upserts must be idempotent. Missing documents are reported with
// storage.ErrNotFound.
type RemoteStore interface {
	FetchCompanion(ctx context.Context, userID string) (*CompanionDoc, error)
	UpsertCompanion(ctx context.Context, userID string, doc CompanionDoc) error
	DeleteCompanion(ctx context.Context, userID string) error

	ListArchived(ctx context.Context, userID string) ([]companion.Archived, error)
	UpsertArchived(ctx context.Context, userID string, a companion.Archived) error

	FetchUserData(ctx context.Context, userID string) (*storage.UserData, error)
	MergeUserData(ctx context.Context, userID string, d storage.UserData) error
}

// Decision resolves a companion identity conflict.
type Decision int

const (
	// KeepLocal deletes the remote companion and uploads the local one.
	KeepLocal Decision = iota
	// KeepCloud discards the local companion and adopts the remote one.
	KeepCloud
)

// Conflict describes two distinct live companions for the same account.
type Conflict struct {
	LocalID  uuid.UUID
	RemoteID uuid.UUID
	Remote   companion.Record
}

// Config holds reconciler scheduling and retry bounds.
type Config struct {
	MinInterval   time.Duration
	RetryAttempts int
	Timeout       time.Duration
}

// Reconciler merges local and remote state. All its remote work runs as a
// cancellable unit; local pressure/break operations never wait on it.
type Reconciler struct {
	store  storage.Store
	remote RemoteStore
	userID string
	cfg    Config
	clk    clock.Clock
	logger zerolog.Logger

	requests chan bool // element = critical
	lastRun  time.Time
}

// New creates a reconciler for the given account.
func New(store storage.Store, remote RemoteStore, userID string, cfg Config, clk clock.Clock, logger zerolog.Logger) *Reconciler {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 30 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Reconciler{
		store:    store,
		remote:   remote,
		userID:   userID,
		cfg:      cfg,
		clk:      clk,
		logger:   logger.With().Str("component", "syncer").Logger(),
		requests: make(chan bool, 16),
	}
}

// Request queues a reconciliation. Non-critical requests are debounced to
// the configured minimum interval; critical transitions (companion lost,
// break violation) bypass the debounce. Never blocks.
func (r *Reconciler) Request(critical bool) {
	select {
	case r.requests <- critical:
	default:
		// Queue full: a run is already pending, which covers this request.
	}
}

// Run consumes queued requests until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case critical := <-r.requests:
			if !critical {
				if wait := r.cfg.MinInterval - r.clk.Now().Sub(r.lastRun); wait > 0 {
					timer := time.NewTimer(wait)
				debounce:
					for {
						select {
						case <-ctx.Done():
							timer.Stop()
							return
						case crit := <-r.requests:
							// Further non-critical requests collapse into the
							// pending run; a critical one cuts the wait short.
							if crit {
								timer.Stop()
								break debounce
							}
						case <-timer.C:
							break debounce
						}
					}
				}
			}
			r.runOnce(ctx)
		}
	}
}

// runOnce performs one bounded-retry reconciliation attempt chain.
func (r *Reconciler) runOnce(ctx context.Context) {
	var err error
	var conflict *Conflict
	for attempt := 1; attempt <= r.cfg.RetryAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		conflict, err = r.Reconcile(attemptCtx)
		cancel()
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn().Err(err).Int("attempt", attempt).Msg("Reconciliation failed, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}
	if err != nil {
		metrics.SyncAttempts.WithLabelValues("error").Inc()
		r.logger.Error().Err(err).Msg("Reconciliation gave up")
		return
	}
	r.lastRun = r.clk.Now()
	if conflict != nil {
		metrics.SyncAttempts.WithLabelValues("conflict").Inc()
		r.logger.Warn().
			Str("local_id", conflict.LocalID.String()).
			Str("remote_id", conflict.RemoteID.String()).
			Msg("Divergent companions, awaiting user decision")
		return
	}
	metrics.SyncAttempts.WithLabelValues("ok").Inc()
}

// Reconcile runs the merge rules once. It returns a non-nil Conflict when
// two distinct live companions exist; archived lists and user data are still
// merged in that case, since those merges are always safe. Running twice in
// a row with no intervening writes performs no further remote writes and
// leaves local state unchanged.
func (r *Reconciler) Reconcile(ctx context.Context) (*Conflict, error) {
	start := time.Now()
	defer func() { metrics.SyncDuration.Observe(time.Since(start).Seconds()) }()

	local, err := r.store.Companions().GetLive(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load local companion: %w", err)
	}

	remoteDoc, err := r.remote.FetchCompanion(ctx, r.userID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("fetch remote companion: %w", err)
	}

	var conflict *Conflict
	switch {
	case remoteDoc == nil && local != nil:
		// No remote record: upload local verbatim.
		if err := r.remote.UpsertCompanion(ctx, r.userID, CompanionDoc{Companion: *local, UpdatedAt: local.UpdatedAt}); err != nil {
			return nil, fmt.Errorf("upload companion: %w", err)
		}
		r.logger.Info().Str("companion_id", local.ID.String()).Msg("Uploaded local companion")

	case remoteDoc != nil && local == nil:
		// Fresh device: adopt the remote companion.
		if err := r.store.Companions().PutLive(ctx, remoteDoc.Companion); err != nil {
			return nil, fmt.Errorf("adopt remote companion: %w", err)
		}
		r.logger.Info().Str("companion_id", remoteDoc.Companion.ID.String()).Msg("Adopted remote companion")

	case remoteDoc != nil && local != nil && remoteDoc.Companion.ID == local.ID:
		// Same identity: the live record has a single writer and is assumed
		// convergent. Re-upload only when local moved past the remote copy.
		if local.UpdatedAt.After(remoteDoc.UpdatedAt) {
			if err := r.remote.UpsertCompanion(ctx, r.userID, CompanionDoc{Companion: *local, UpdatedAt: local.UpdatedAt}); err != nil {
				return nil, fmt.Errorf("upload companion: %w", err)
			}
		}

	case remoteDoc != nil && local != nil:
		conflict = &Conflict{LocalID: local.ID, RemoteID: remoteDoc.Companion.ID, Remote: remoteDoc.Companion}
	}

	if err := r.mergeArchived(ctx); err != nil {
		return nil, err
	}
	if err := r.mergeUserData(ctx); err != nil {
		return nil, err
	}

	return conflict, nil
}

// Resolve applies a user decision to a companion identity conflict.
func (r *Reconciler) Resolve(ctx context.Context, c *Conflict, d Decision) error {
	if c == nil {
		return nil
	}
	switch d {
	case KeepLocal:
		local, err := r.store.Companions().GetLive(ctx)
		if err != nil {
			return fmt.Errorf("load local companion: %w", err)
		}
		if local.ID != c.LocalID {
			return fmt.Errorf("syncer: stale conflict: local companion changed")
		}
		if err := r.remote.DeleteCompanion(ctx, r.userID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete remote companion: %w", err)
		}
		if err := r.remote.UpsertCompanion(ctx, r.userID, CompanionDoc{Companion: *local, UpdatedAt: local.UpdatedAt}); err != nil {
			return fmt.Errorf("upload companion: %w", err)
		}
		r.logger.Info().Str("kept", c.LocalID.String()).Msg("Conflict resolved: kept local companion")

	case KeepCloud:
		if err := r.store.Companions().DeleteLive(ctx); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("discard local companion: %w", err)
		}
		if err := r.store.Companions().PutLive(ctx, c.Remote); err != nil {
			return fmt.Errorf("adopt remote companion: %w", err)
		}
		r.logger.Info().Str("kept", c.RemoteID.String()).Msg("Conflict resolved: kept cloud companion")

	default:
		return fmt.Errorf("syncer: unknown decision: %d", d)
	}
	return nil
}

// mergeArchived unions the archived-companion lists in both directions.
// Archived records are immutable once created, so union is safe, lossless,
// and idempotent.
func (r *Reconciler) mergeArchived(ctx context.Context) error {
	localList, err := r.store.Companions().ListArchived(ctx)
	if err != nil {
		return fmt.Errorf("list local archived: %w", err)
	}
	remoteList, err := r.remote.ListArchived(ctx, r.userID)
	if err != nil {
		return fmt.Errorf("list remote archived: %w", err)
	}

	localByID := make(map[uuid.UUID]companion.Archived, len(localList))
	for _, a := range localList {
		localByID[a.ID] = a
	}
	remoteByID := make(map[uuid.UUID]companion.Archived, len(remoteList))
	for _, a := range remoteList {
		remoteByID[a.ID] = a
	}

	for id, a := range localByID {
		if _, ok := remoteByID[id]; !ok {
			if err := r.remote.UpsertArchived(ctx, r.userID, a); err != nil {
				return fmt.Errorf("push archived %s: %w", id, err)
			}
		}
	}
	for id, a := range remoteByID {
		if _, ok := localByID[id]; !ok {
			if err := r.store.Companions().UpsertArchived(ctx, a); err != nil {
				return fmt.Errorf("pull archived %s: %w", id, err)
			}
		}
	}
	return nil
}

// mergeUserData merges user-level scalars: max() of numeric balances (safe
// against double counting, never double-spends) and set union of unlockable
// identifiers. A local copy known to be newer than the remote skips the
// download half, so an in-flight local change is not clobbered by stale
// remote data.
func (r *Reconciler) mergeUserData(ctx context.Context) error {
	local, err := r.store.UserData().Get(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load local user data: %w", err)
	}
	remote, err := r.remote.FetchUserData(ctx, r.userID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("fetch remote user data: %w", err)
	}

	if local == nil && remote == nil {
		return nil
	}

	merged := MergeUserData(local, remote)
	merged.UserID = r.userID

	localIsNewer := local != nil && remote != nil && local.LastLocalWrite.After(remote.UpdatedAt)

	if !localIsNewer && (local == nil || !userDataEqual(*local, merged)) {
		toStore := merged
		if local != nil {
			toStore.LastLocalWrite = local.LastLocalWrite
		}
		if err := r.store.UserData().Put(ctx, toStore); err != nil {
			return fmt.Errorf("store merged user data: %w", err)
		}
	}

	if remote == nil || !userDataEqual(*remote, merged) {
		if err := r.remote.MergeUserData(ctx, r.userID, merged); err != nil {
			return fmt.Errorf("push merged user data: %w", err)
		}
	}
	return nil
}

// MergeUserData combines two user data copies: max of balances, union of
// unlockables, latest update timestamp. Either side may be nil.
func MergeUserData(a, b *storage.UserData) storage.UserData {
	var merged storage.UserData
	if a != nil {
		merged = *a
	}
	if b != nil {
		if b.Balance > merged.Balance {
			merged.Balance = b.Balance
		}
		merged.Unlockables = unionStrings(merged.Unlockables, b.Unlockables)
		if b.UpdatedAt.After(merged.UpdatedAt) {
			merged.UpdatedAt = b.UpdatedAt
		}
	} else if a != nil {
		merged.Unlockables = unionStrings(a.Unlockables, nil)
	}
	return merged
}

func unionStrings(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func userDataEqual(a, b storage.UserData) bool {
	if a.Balance != b.Balance || len(a.Unlockables) != len(b.Unlockables) {
		return false
	}
	au := unionStrings(a.Unlockables, nil)
	bu := unionStrings(b.Unlockables, nil)
	for i := range au {
		if au[i] != bu[i] {
			return false
		}
	}
	return true
}
