package sync

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vonshlovens/drivesync-pg/internal/common"
	"github.com/vonshlovens/drivesync-pg/internal/db"
	"github.com/vonshlovens/drivesync-pg/internal/drive"
	"github.com/vonshlovens/drivesync-pg/internal/testutil"
)

type quickFixture struct {
	store  *testutil.MemoryStore
	remote *testutil.FakeRemote
	clock  *testutil.StubClock
	engine *Engine
	root   *db.Folder
	docs   *db.Folder
}

// newQuickFixture mirrors root and F1 (Docs) with F1 synced at t0
func newQuickFixture(t *testing.T) *quickFixture {
	t.Helper()

	store := testutil.NewMemoryStore()
	remote := testutil.NewFakeRemote("root", "My Drive")
	remote.AddFolder("F1", "Docs", "root", t0.Add(-time.Hour))
	clock := testutil.NewStubClock(t0.Add(2 * time.Hour))

	root := store.SeedFolder(&db.Folder{RemoteID: "root", Title: "My Drive", IsRoot: true, Owner: "system"})
	docs := store.SeedFolder(&db.Folder{
		RemoteID: "F1", Title: "Docs", ParentID: &root.ID, LastSyncTime: t0, Owner: "system",
	})

	return &quickFixture{
		store:  store,
		remote: remote,
		clock:  clock,
		engine: NewEngine(store, remote, WithClock(clock)),
		root:   root,
		docs:   docs,
	}
}

func TestQuickSync_PicksUpNewFile(t *testing.T) {
	fx := newQuickFixture(t)
	t1 := t0.Add(time.Hour)
	fx.remote.AddFile("D2", "notes.pdf", "application/pdf", "F1", t1)

	require.NoError(t, fx.engine.QuickSync(context.Background(), "F1"))

	file := fileByRemote(t, fx.store, "D2")
	require.Equal(t, fx.docs.ID, file.FolderID)
	require.Equal(t, db.CategoryDocument, file.Category)

	docs := folderByRemote(t, fx.store, "F1")
	require.True(t, docs.LastSyncTime.Equal(fx.clock.Now()))
	require.False(t, docs.LastSyncTime.Before(t1))
}

func TestQuickSync_NoChangesStillAdvances(t *testing.T) {
	fx := newQuickFixture(t)
	fx.store.ResetMutations()

	require.NoError(t, fx.engine.QuickSync(context.Background(), "F1"))

	require.Zero(t, fx.store.Mutations())
	docs := folderByRemote(t, fx.store, "F1")
	require.True(t, docs.LastSyncTime.Equal(fx.clock.Now()))
}

func TestQuickSync_OnlyReconcilesDirectChildren(t *testing.T) {
	fx := newQuickFixture(t)
	t1 := t0.Add(time.Hour)
	fx.remote.AddFolder("B", "Other", "root", t0.Add(-time.Hour))
	fx.remote.AddFolder("C", "Third", "root", t0.Add(-time.Hour))

	fx.remote.AddFile("A1", "a.pdf", "application/pdf", "F1", t1)
	fx.remote.AddFile("B1", "b.pdf", "application/pdf", "B", t1)
	fx.remote.AddFile("C1", "c.pdf", "application/pdf", "C", t1)
	fx.remote.AddFolder("A2", "Sub", "F1", t1)
	fx.remote.AddFolder("B2", "Sub of B", "B", t1)

	require.NoError(t, fx.engine.QuickSync(context.Background(), "F1"))

	fileByRemote(t, fx.store, "A1")
	folderByRemote(t, fx.store, "A2")

	for _, id := range []string{"B1", "C1"} {
		f, err := fx.store.FindFileByRemoteID(context.Background(), id)
		require.NoError(t, err)
		require.Nilf(t, f, "%s is not under the synced folder", id)
	}
	f, err := fx.store.FindFolderByRemoteID(context.Background(), "B2")
	require.NoError(t, err)
	require.Nil(t, f)
}

func TestQuickSync_MovesExistingFolder(t *testing.T) {
	fx := newQuickFixture(t)
	t1 := t0.Add(time.Hour)

	moved := fx.store.SeedFolder(&db.Folder{
		RemoteID: "G", Title: "Drafts", ParentID: &fx.root.ID, Owner: "system",
	})
	fx.remote.AddFolder("G", "Drafts", "F1", t1)

	require.NoError(t, fx.engine.QuickSync(context.Background(), "F1"))

	got := folderByRemote(t, fx.store, "G")
	require.Equal(t, moved.ID, got.ID)
	require.NotNil(t, got.ParentID)
	require.Equal(t, fx.docs.ID, *got.ParentID)
}

func TestQuickSync_ResolvesFolderShortcut(t *testing.T) {
	fx := newQuickFixture(t)
	t1 := t0.Add(time.Hour)
	fx.remote.AddFolder("X", "Shared", "elsewhere", t0.Add(-48*time.Hour))
	fx.remote.AddShortcut("S1", "Shared link", "F1", "X", t1)
	fx.remote.AddFile("T", "notes.txt", "text/plain", "elsewhere", t0.Add(-48*time.Hour))
	fx.remote.AddShortcut("S2", "notes link", "F1", "T", t1)

	require.NoError(t, fx.engine.QuickSync(context.Background(), "F1"))

	shared := folderByRemote(t, fx.store, "X")
	require.True(t, shared.IsShortcut)
	require.Equal(t, "Shared", shared.Title)
	require.Equal(t, fx.docs.ID, *shared.ParentID)

	// Shortcuts to files are not mirrored
	require.Empty(t, fx.store.Files())
}

func TestQuickSync_RefusesCyclicMove(t *testing.T) {
	fx := newQuickFixture(t)
	t1 := t0.Add(time.Hour)
	fx.remote.AddShortcut("S1", "up", "F1", "root", t1)

	require.NoError(t, fx.engine.QuickSync(context.Background(), "F1"))

	root := folderByRemote(t, fx.store, "root")
	require.Nil(t, root.ParentID)
}

func TestQuickSync_SkipsUnknownMimeType(t *testing.T) {
	fx := newQuickFixture(t)
	fx.remote.AddFile("Z1", "archive.zip", "application/zip", "F1", t0.Add(time.Hour))

	require.NoError(t, fx.engine.QuickSync(context.Background(), "F1"))
	require.Empty(t, fx.store.Files())
}

func TestQuickSync_FailureLeavesWatermark(t *testing.T) {
	tests := []struct {
		name  string
		setup func(fx *quickFixture)
	}{
		{
			name: "remote query fails",
			setup: func(fx *quickFixture) {
				fx.remote.FailOp("ListModifiedSince", errors.New("rate limited"))
			},
		},
		{
			name: "file upsert fails",
			setup: func(fx *quickFixture) {
				fx.store.FailOp("UpsertFile", errors.New("connection reset"))
			},
		},
		{
			name: "shortcut target missing",
			setup: func(fx *quickFixture) {
				fx.remote.AddShortcut("S1", "dangling", "F1", "gone", t0.Add(time.Hour))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newQuickFixture(t)
			fx.remote.AddFile("D2", "notes.pdf", "application/pdf", "F1", t0.Add(time.Hour))
			tt.setup(fx)

			err := fx.engine.QuickSync(context.Background(), "F1")
			require.Error(t, err)

			docs := folderByRemote(t, fx.store, "F1")
			require.True(t, docs.LastSyncTime.Equal(t0), "watermark moved to %v", docs.LastSyncTime)
		})
	}
}

func TestQuickSync_WatermarkNeverMovesBack(t *testing.T) {
	fx := newQuickFixture(t)
	fx.clock.Set(t0.Add(-time.Hour))

	require.NoError(t, fx.engine.QuickSync(context.Background(), "F1"))

	docs := folderByRemote(t, fx.store, "F1")
	require.True(t, docs.LastSyncTime.Equal(t0))
}

func TestQuickSync_UnknownFolder(t *testing.T) {
	fx := newQuickFixture(t)

	err := fx.engine.QuickSync(context.Background(), "missing")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestQuickSync_ConcurrentCallsDoNotConflict(t *testing.T) {
	fx := newQuickFixture(t)
	fx.remote.AddFile("D2", "notes.pdf", "application/pdf", "F1", t0.Add(time.Hour))

	var wg gosync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = fx.engine.QuickSync(context.Background(), "F1")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoErrorf(t, err, "call %d", i)
	}
	require.Len(t, fx.store.Files(), 1)
}

// gatedRemote blocks modified-item listings until release is closed
type gatedRemote struct {
	*testutil.FakeRemote
	entered chan struct{}
	release chan struct{}
	once    gosync.Once
}

func (r *gatedRemote) ListModifiedSince(ctx context.Context, since time.Time, pageToken string) (*drive.Page, error) {
	r.once.Do(func() { close(r.entered) })
	select {
	case <-r.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return r.FakeRemote.ListModifiedSince(ctx, since, pageToken)
}

func TestQuickSync_CallerCancellationDoesNotFailOthers(t *testing.T) {
	fx := newQuickFixture(t)
	fx.remote.AddFile("D2", "notes.pdf", "application/pdf", "F1", t0.Add(time.Hour))
	remote := &gatedRemote{FakeRemote: fx.remote, entered: make(chan struct{}), release: make(chan struct{})}
	engine := NewEngine(fx.store, remote, WithClock(fx.clock))

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() { errA <- engine.QuickSync(ctxA, "F1") }()
	<-remote.entered

	errB := make(chan error, 1)
	go func() { errB <- engine.QuickSync(context.Background(), "F1") }()
	// let the second caller join the in-flight run
	time.Sleep(50 * time.Millisecond)

	cancelA()
	require.ErrorIs(t, <-errA, context.Canceled)

	close(remote.release)
	select {
	case err := <-errB:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not return")
	}

	fileByRemote(t, fx.store, "D2")
	docs, err := fx.store.GetFolder(context.Background(), fx.docs.ID)
	require.NoError(t, err)
	require.True(t, docs.LastSyncTime.Equal(fx.clock.Now()))
}
