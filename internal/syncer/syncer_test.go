package syncer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/windkeeper/windkeeper/internal/clock"
	"github.com/windkeeper/windkeeper/internal/companion"
	"github.com/windkeeper/windkeeper/internal/storage"
	"github.com/windkeeper/windkeeper/internal/storage/bolt"
)

const testUser = "user-1"

// fakeRemote is an in-memory RemoteStore that counts writes, so tests can
// assert that a second reconciliation with no changes performs none.
type fakeRemote struct {
	doc      *CompanionDoc
	archived map[uuid.UUID]companion.Archived
	userData *storage.UserData

	companionWrites int
	archivedWrites  int
	userDataWrites  int
	deletes         int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{archived: make(map[uuid.UUID]companion.Archived)}
}

func (f *fakeRemote) FetchCompanion(ctx context.Context, userID string) (*CompanionDoc, error) {
	if f.doc == nil {
		return nil, storage.ErrNotFound
	}
	doc := *f.doc
	return &doc, nil
}

func (f *fakeRemote) UpsertCompanion(ctx context.Context, userID string, doc CompanionDoc) error {
	f.companionWrites++
	d := doc
	f.doc = &d
	return nil
}

func (f *fakeRemote) DeleteCompanion(ctx context.Context, userID string) error {
	f.deletes++
	if f.doc == nil {
		return storage.ErrNotFound
	}
	f.doc = nil
	return nil
}

func (f *fakeRemote) ListArchived(ctx context.Context, userID string) ([]companion.Archived, error) {
	out := make([]companion.Archived, 0, len(f.archived))
	for _, a := range f.archived {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeRemote) UpsertArchived(ctx context.Context, userID string, a companion.Archived) error {
	f.archivedWrites++
	f.archived[a.ID] = a
	return nil
}

func (f *fakeRemote) FetchUserData(ctx context.Context, userID string) (*storage.UserData, error) {
	if f.userData == nil {
		return nil, storage.ErrNotFound
	}
	d := *f.userData
	return &d, nil
}

func (f *fakeRemote) MergeUserData(ctx context.Context, userID string, d storage.UserData) error {
	f.userDataWrites++
	merged := MergeUserData(f.userData, &d)
	merged.UserID = userID
	f.userData = &merged
	return nil
}

var _ RemoteStore = (*fakeRemote)(nil)

func newTestReconciler(t *testing.T, remote RemoteStore) (*Reconciler, storage.Store) {
	t.Helper()
	store, err := bolt.Open(filepath.Join(t.TempDir(), "windkeeper.db"))
	if err != nil {
		t.Fatalf("open local store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	r := New(store, remote, testUser, Config{}, clock.RealClock{}, zerolog.Nop())
	return r, store
}

func liveCompanion(t *testing.T, name string, updatedAt time.Time) companion.Record {
	t.Helper()
	return companion.Record{
		ID:         uuid.New(),
		Name:       name,
		CreatedAt:  updatedAt.Add(-24 * time.Hour),
		UpdatedAt:  updatedAt,
		PresetID:   "standard",
		CurrentDay: updatedAt.Format("2006-01-02"),
	}
}

func TestReconcile_UploadsLocalWhenRemoteEmpty(t *testing.T) {
	remote := newFakeRemote()
	r, store := newTestReconciler(t, remote)
	ctx := context.Background()

	local := liveCompanion(t, "Wisp", time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	if err := store.Companions().PutLive(ctx, local); err != nil {
		t.Fatal(err)
	}

	conflict, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile() = %v", err)
	}
	if conflict != nil {
		t.Fatal("unexpected conflict")
	}
	if remote.doc == nil || remote.doc.Companion.ID != local.ID {
		t.Fatal("local companion not uploaded")
	}
}

func TestReconcile_AdoptsRemoteWhenLocalEmpty(t *testing.T) {
	remote := newFakeRemote()
	rec := liveCompanion(t, "Ember", time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	remote.doc = &CompanionDoc{Companion: rec, UpdatedAt: rec.UpdatedAt}

	r, store := newTestReconciler(t, remote)
	ctx := context.Background()

	if _, err := r.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() = %v", err)
	}

	got, err := store.Companions().GetLive(ctx)
	if err != nil {
		t.Fatalf("local companion not adopted: %v", err)
	}
	if got.ID != rec.ID {
		t.Fatalf("adopted id = %s, want %s", got.ID, rec.ID)
	}
}

// A second reconciliation with no intervening writes must not write anything.
func TestReconcile_Idempotent(t *testing.T) {
	remote := newFakeRemote()
	r, store := newTestReconciler(t, remote)
	ctx := context.Background()

	local := liveCompanion(t, "Wisp", time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	if err := store.Companions().PutLive(ctx, local); err != nil {
		t.Fatal(err)
	}
	if err := store.UserData().Put(ctx, storage.UserData{UserID: testUser, Balance: 100}); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Reconcile(ctx); err != nil {
		t.Fatalf("first Reconcile() = %v", err)
	}
	companionWrites := remote.companionWrites
	userDataWrites := remote.userDataWrites
	archivedWrites := remote.archivedWrites

	if _, err := r.Reconcile(ctx); err != nil {
		t.Fatalf("second Reconcile() = %v", err)
	}

	if remote.companionWrites != companionWrites {
		t.Errorf("second run re-uploaded companion (%d -> %d writes)", companionWrites, remote.companionWrites)
	}
	if remote.userDataWrites != userDataWrites {
		t.Errorf("second run re-pushed user data (%d -> %d writes)", userDataWrites, remote.userDataWrites)
	}
	if remote.archivedWrites != archivedWrites {
		t.Errorf("second run re-pushed archives (%d -> %d writes)", archivedWrites, remote.archivedWrites)
	}
}

func TestReconcile_SameIDUploadsOnlyWhenLocalNewer(t *testing.T) {
	remote := newFakeRemote()
	r, store := newTestReconciler(t, remote)
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	local := liveCompanion(t, "Wisp", base)
	remote.doc = &CompanionDoc{Companion: local, UpdatedAt: base}
	if err := store.Companions().PutLive(ctx, local); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if remote.companionWrites != 0 {
		t.Fatalf("equal timestamps caused %d uploads, want 0", remote.companionWrites)
	}

	local.UpdatedAt = base.Add(time.Minute)
	local.Name = "Wisp II"
	if err := store.Companions().PutLive(ctx, local); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if remote.companionWrites != 1 {
		t.Fatalf("newer local caused %d uploads, want 1", remote.companionWrites)
	}
	if remote.doc.Companion.Name != "Wisp II" {
		t.Errorf("remote name = %s, want Wisp II", remote.doc.Companion.Name)
	}
}

// Two distinct live companions must surface as a conflict, never an
// automatic overwrite; archives and user data still merge.
func TestReconcile_DivergentCompanionsConflict(t *testing.T) {
	remote := newFakeRemote()
	r, store := newTestReconciler(t, remote)
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	local := liveCompanion(t, "Wisp", base)
	remoteRec := liveCompanion(t, "Ember", base.Add(time.Hour))
	remote.doc = &CompanionDoc{Companion: remoteRec, UpdatedAt: remoteRec.UpdatedAt}

	if err := store.Companions().PutLive(ctx, local); err != nil {
		t.Fatal(err)
	}

	// Each side has one archived companion the other lacks.
	localArch := companion.Archived{ID: uuid.New(), Name: "Old Local", LostAt: base}
	remoteArch := companion.Archived{ID: uuid.New(), Name: "Old Remote", LostAt: base}
	if err := store.Companions().UpsertArchived(ctx, localArch); err != nil {
		t.Fatal(err)
	}
	remote.archived[remoteArch.ID] = remoteArch

	conflict, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile() = %v", err)
	}
	if conflict == nil {
		t.Fatal("expected a conflict for divergent companions")
	}
	if conflict.LocalID != local.ID || conflict.RemoteID != remoteRec.ID {
		t.Fatalf("conflict ids = %s/%s", conflict.LocalID, conflict.RemoteID)
	}

	// Neither live record was touched.
	gotLocal, _ := store.Companions().GetLive(ctx)
	if gotLocal.ID != local.ID {
		t.Error("local companion changed during conflict")
	}
	if remote.doc.Companion.ID != remoteRec.ID {
		t.Error("remote companion changed during conflict")
	}

	// Archives were unioned in both directions, without duplicates.
	localList, _ := store.Companions().ListArchived(ctx)
	if len(localList) != 2 {
		t.Errorf("local archived count = %d, want 2", len(localList))
	}
	if len(remote.archived) != 2 {
		t.Errorf("remote archived count = %d, want 2", len(remote.archived))
	}

	// KeepCloud adopts the remote companion locally.
	if err := r.Resolve(ctx, conflict, KeepCloud); err != nil {
		t.Fatalf("Resolve(KeepCloud) = %v", err)
	}
	gotLocal, err = store.Companions().GetLive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if gotLocal.ID != remoteRec.ID {
		t.Errorf("after KeepCloud local id = %s, want %s", gotLocal.ID, remoteRec.ID)
	}
}

func TestResolve_KeepLocalUploadsAndGuardsStaleConflict(t *testing.T) {
	remote := newFakeRemote()
	r, store := newTestReconciler(t, remote)
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	local := liveCompanion(t, "Wisp", base)
	remoteRec := liveCompanion(t, "Ember", base)
	remote.doc = &CompanionDoc{Companion: remoteRec, UpdatedAt: base}
	if err := store.Companions().PutLive(ctx, local); err != nil {
		t.Fatal(err)
	}

	c := &Conflict{LocalID: local.ID, RemoteID: remoteRec.ID, Remote: remoteRec}
	if err := r.Resolve(ctx, c, KeepLocal); err != nil {
		t.Fatalf("Resolve(KeepLocal) = %v", err)
	}
	if remote.doc.Companion.ID != local.ID {
		t.Error("remote does not hold the local companion after KeepLocal")
	}

	// A conflict captured against a companion that has since been replaced
	// must not be applied.
	stale := &Conflict{LocalID: uuid.New(), RemoteID: remoteRec.ID, Remote: remoteRec}
	if err := r.Resolve(ctx, stale, KeepLocal); err == nil {
		t.Error("stale conflict accepted")
	}
}

func TestMergeUserData_MaxBalanceAndUnion(t *testing.T) {
	a := &storage.UserData{Balance: 100, Unlockables: []string{"hat", "scarf"}, UpdatedAt: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	b := &storage.UserData{Balance: 250, Unlockables: []string{"scarf", "boots"}, UpdatedAt: time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)}

	merged := MergeUserData(a, b)
	if merged.Balance != 250 {
		t.Errorf("Balance = %d, want max 250", merged.Balance)
	}
	want := []string{"boots", "hat", "scarf"}
	if len(merged.Unlockables) != len(want) {
		t.Fatalf("Unlockables = %v, want %v", merged.Unlockables, want)
	}
	for i := range want {
		if merged.Unlockables[i] != want[i] {
			t.Fatalf("Unlockables = %v, want %v", merged.Unlockables, want)
		}
	}
	if !merged.UpdatedAt.Equal(b.UpdatedAt) {
		t.Errorf("UpdatedAt = %s, want the later %s", merged.UpdatedAt, b.UpdatedAt)
	}

	// Nil sides are identity.
	if got := MergeUserData(a, nil); got.Balance != 100 {
		t.Errorf("MergeUserData(a, nil).Balance = %d", got.Balance)
	}
	if got := MergeUserData(nil, b); got.Balance != 250 {
		t.Errorf("MergeUserData(nil, b).Balance = %d", got.Balance)
	}
}

// A local copy written after the remote's last update must not be clobbered
// by the stale remote download.
func TestReconcile_FreshLocalUserDataNotClobbered(t *testing.T) {
	remote := newFakeRemote()
	r, store := newTestReconciler(t, remote)
	ctx := context.Background()

	remoteUpdated := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	remote.userData = &storage.UserData{UserID: testUser, Balance: 300, UpdatedAt: remoteUpdated}

	local := storage.UserData{
		UserID:         testUser,
		Balance:        100,
		UpdatedAt:      remoteUpdated.Add(-time.Hour),
		LastLocalWrite: remoteUpdated.Add(time.Hour),
	}
	if err := store.UserData().Put(ctx, local); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() = %v", err)
	}

	got, err := store.UserData().Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Balance != 100 {
		t.Errorf("fresh local balance clobbered: %d", got.Balance)
	}
	// The remote still received the merged view.
	if remote.userData.Balance != 300 {
		t.Errorf("remote balance = %d, want 300", remote.userData.Balance)
	}
}
