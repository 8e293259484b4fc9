package sync

import (
	"context"
	"errors"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vonshlovens/drivesync-pg/internal/db"
	"github.com/vonshlovens/drivesync-pg/internal/drive"
	"github.com/vonshlovens/drivesync-pg/internal/testutil"
)

type recordingInvalidator struct {
	mu    gosync.Mutex
	paths []string
}

func (r *recordingInvalidator) Invalidate(paths ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, paths...)
}

func (r *recordingInvalidator) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func folderByRemote(t *testing.T, store *testutil.MemoryStore, remoteID string) *db.Folder {
	t.Helper()
	f, err := store.FindFolderByRemoteID(context.Background(), remoteID)
	require.NoError(t, err)
	require.NotNilf(t, f, "folder %s not mirrored", remoteID)
	return f
}

func fileByRemote(t *testing.T, store *testutil.MemoryStore, remoteID string) *db.File {
	t.Helper()
	f, err := store.FindFileByRemoteID(context.Background(), remoteID)
	require.NoError(t, err)
	require.NotNilf(t, f, "file %s not mirrored", remoteID)
	return f
}

func docsRemote() *testutil.FakeRemote {
	remote := testutil.NewFakeRemote("root", "My Drive")
	remote.AddFolder("F1", "Docs", "root", t0)
	remote.AddFile("D1", "report.pdf", "application/pdf", "F1", t0)
	return remote
}

func TestFullSync_DocsScenario(t *testing.T) {
	store := testutil.NewMemoryStore()
	engine := NewEngine(store, docsRemote())

	report, err := engine.FullSync(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, report.Folders)
	require.EqualValues(t, 1, report.Files)
	require.Zero(t, report.Failed)

	root := folderByRemote(t, store, "root")
	require.True(t, root.IsRoot)
	require.Nil(t, root.ParentID)

	docs := folderByRemote(t, store, "F1")
	require.Equal(t, "Docs", docs.Title)
	require.NotNil(t, docs.ParentID)
	require.Equal(t, root.ID, *docs.ParentID)

	report1 := fileByRemote(t, store, "D1")
	require.Equal(t, db.CategoryDocument, report1.Category)
	require.Equal(t, docs.ID, report1.FolderID)

	require.Len(t, store.Folders(), 2)
	require.Len(t, store.Files(), 1)
}

func TestFullSync_IsIdempotent(t *testing.T) {
	remote := docsRemote()
	remote.AddFolder("F2", "Photos", "root", t0)
	remote.AddFolder("F3", "2024", "F2", t0)
	remote.AddFile("P1", "beach.jpg", "image/jpeg", "F3", t0)
	remote.AddShortcut("S1", "Docs link", "F2", "F1", t0)

	store := testutil.NewMemoryStore()
	engine := NewEngine(store, remote)

	_, err := engine.FullSync(context.Background())
	require.NoError(t, err)
	require.NotZero(t, store.Mutations())

	folders, files := store.Folders(), store.Files()
	store.ResetMutations()

	_, err = engine.FullSync(context.Background())
	require.NoError(t, err)
	require.Zero(t, store.Mutations(), "second sync against an unchanged remote must not write")
	require.Equal(t, folders, store.Folders())
	require.Equal(t, files, store.Files())
}

func TestFullSync_OneRowPerRemoteID(t *testing.T) {
	remote := docsRemote()
	remote.AddFolder("F2", "Team", "root", t0)
	remote.AddShortcut("S1", "Docs again", "F2", "F1", t0)
	remote.AddShortcut("S2", "Docs once more", "root", "F1", t0)

	store := testutil.NewMemoryStore()
	engine := NewEngine(store, remote)

	for i := 0; i < 3; i++ {
		_, err := engine.FullSync(context.Background())
		require.NoError(t, err)
	}

	seen := map[string]int{}
	for _, f := range store.Folders() {
		seen[f.RemoteID]++
	}
	for _, f := range store.Files() {
		seen[f.RemoteID]++
	}
	for id, n := range seen {
		require.Equalf(t, 1, n, "remote id %s has %d rows", id, n)
	}
	require.NotContains(t, seen, "S1", "raw shortcuts are not mirrored")
}

func TestFullSync_SkipsUnknownMimeType(t *testing.T) {
	remote := docsRemote()
	remote.AddFile("Z1", "archive.zip", "application/zip", "F1", t0)

	store := testutil.NewMemoryStore()
	report, err := NewEngine(store, remote).FullSync(context.Background())
	require.NoError(t, err)

	require.EqualValues(t, 1, report.Skipped)
	require.EqualValues(t, 1, report.Files)
	found, err := store.FindFileByRemoteID(context.Background(), "Z1")
	require.NoError(t, err)
	require.Nil(t, found)
}

func TestFullSync_IsolatesItemFailures(t *testing.T) {
	remote := docsRemote()
	remote.AddFolder("F2", "Broken", "root", t0)
	remote.AddFolder("F3", "Below broken", "F2", t0)
	remote.AddFile("B1", "lost.pdf", "application/pdf", "F2", t0)
	remote.AddFile("D2", "bad.pdf", "application/pdf", "F1", t0)

	store := testutil.NewMemoryStore()
	store.FailItem("F2", errors.New("connection reset"))
	store.FailItem("D2", errors.New("connection reset"))

	report, err := NewEngine(store, remote).FullSync(context.Background())
	require.NoError(t, err)

	require.EqualValues(t, 2, report.Failed)  // F2, D2
	require.EqualValues(t, 2, report.Skipped) // F3, B1 lost their parent
	require.EqualValues(t, 1, report.Folders)
	require.EqualValues(t, 1, report.Files)

	fileByRemote(t, store, "D1")
	folderByRemote(t, store, "F1")
}

func TestFullSync_RootFailureAborts(t *testing.T) {
	remote := docsRemote()
	remote.FailGet("root", errors.New("invalid credentials"))

	store := testutil.NewMemoryStore()
	_, err := NewEngine(store, remote).FullSync(context.Background())
	require.Error(t, err)
	require.Empty(t, store.Folders())
}

func TestFullSync_TraversalFailureAborts(t *testing.T) {
	remote := docsRemote()
	remote.FailList("F1", errors.New("backend error"))

	store := testutil.NewMemoryStore()
	_, err := NewEngine(store, remote).FullSync(context.Background())
	require.Error(t, err)
	require.Empty(t, store.Files())
}

func TestFullSync_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEngine(testutil.NewMemoryStore(), docsRemote()).FullSync(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFullSync_InvalidatesTouchedFolders(t *testing.T) {
	inv := &recordingInvalidator{}
	engine := NewEngine(testutil.NewMemoryStore(), docsRemote(), WithInvalidator(inv))

	_, err := engine.FullSync(context.Background())
	require.NoError(t, err)

	paths := inv.Paths()
	require.Contains(t, paths, "/")
	require.Contains(t, paths, FolderPath("root"))
	require.Contains(t, paths, FolderPath("F1"))
}

// countingStore tracks how many upserts run at once
type countingStore struct {
	*testutil.MemoryStore
	inFlight int64
	peak     int64
}

func (s *countingStore) track() func() {
	n := atomic.AddInt64(&s.inFlight, 1)
	for {
		peak := atomic.LoadInt64(&s.peak)
		if n <= peak || atomic.CompareAndSwapInt64(&s.peak, peak, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return func() { atomic.AddInt64(&s.inFlight, -1) }
}

func (s *countingStore) UpsertFile(ctx context.Context, f *db.File) (*db.File, error) {
	defer s.track()()
	return s.MemoryStore.UpsertFile(ctx, f)
}

func TestFullSync_BoundsConcurrency(t *testing.T) {
	remote := testutil.NewFakeRemote("root", "My Drive")
	remote.PageSize = 50
	for i := 0; i < 20; i++ {
		id := "P" + string(rune('A'+i))
		remote.AddFile(id, id+".png", "image/png", "root", t0)
	}

	store := &countingStore{MemoryStore: testutil.NewMemoryStore()}
	report, err := NewEngine(store, remote, WithConcurrency(3)).FullSync(context.Background())
	require.NoError(t, err)

	require.EqualValues(t, 20, report.Files)
	require.LessOrEqual(t, atomic.LoadInt64(&store.peak), int64(3))
	require.Greater(t, atomic.LoadInt64(&store.peak), int64(1))
}

func TestFolderLevels(t *testing.T) {
	folders := []drive.Item{
		{ID: "C", Parents: []string{"B"}},
		{ID: "B", Parents: []string{"A"}},
		{ID: "A", Parents: []string{"root"}},
		{ID: "O"},
		{ID: "X", Parents: []string{"outside"}},
		{ID: "Y1", Parents: []string{"Y2"}},
		{ID: "Y2", Parents: []string{"Y1"}},
	}

	levels := folderLevels(folders, "root")

	depth := map[string]int{}
	for i, level := range levels {
		for _, f := range level {
			depth[f.ID] = i + 1
		}
	}

	require.Equal(t, 1, depth["A"])
	require.Equal(t, 2, depth["B"])
	require.Equal(t, 3, depth["C"])
	require.Equal(t, 1, depth["O"], "folders without parents hang off the root")
	require.Equal(t, 1, depth["X"], "unknown parents hang off the root")
	require.Len(t, depth, len(folders), "cyclic parents must still be placed")
}
