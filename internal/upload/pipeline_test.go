package upload

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vonshlovens/drivesync-pg/internal/common"
	"github.com/vonshlovens/drivesync-pg/internal/db"
	"github.com/vonshlovens/drivesync-pg/internal/drive"
	"github.com/vonshlovens/drivesync-pg/internal/storage"
	"github.com/vonshlovens/drivesync-pg/internal/sync"
	"github.com/vonshlovens/drivesync-pg/internal/testutil"
)

var t0 = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

type fixture struct {
	store  *testutil.MemoryStore
	remote *testutil.FakeRemote
	local  *storage.LocalStore
	dir    string
	root   *db.Folder
	docs   *db.Folder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := testutil.NewMemoryStore()
	remote := testutil.NewFakeRemote("root", "My Drive")
	remote.AddFolder("F1", "Docs", "root", t0)

	root := store.SeedFolder(&db.Folder{RemoteID: "root", Title: "My Drive", IsRoot: true, Owner: "system"})
	docs := store.SeedFolder(&db.Folder{RemoteID: "F1", Title: "Docs", ParentID: &root.ID, Owner: "system"})

	dir := t.TempDir() + "/uploads"
	return &fixture{
		store:  store,
		remote: remote,
		local:  storage.NewLocalStore(dir, testutil.NewStubClock(t0)),
		dir:    dir,
		root:   root,
		docs:   docs,
	}
}

func (fx *fixture) pipeline(syncer Syncer, opts ...Option) *Pipeline {
	opts = append([]Option{WithThumbnailDelays(time.Millisecond, time.Millisecond)}, opts...)
	return NewPipeline(fx.store, fx.remote, fx.local, syncer, opts...)
}

func (fx *fixture) localFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(fx.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func pdfRequest(folder string) Request {
	return Request{
		Principal:      "alice",
		Filename:       "report.pdf",
		Content:        []byte("%PDF-1.7 quarterly numbers"),
		ContentType:    "application/pdf",
		FolderRemoteID: folder,
	}
}

type syncerFunc func(ctx context.Context, folderRemoteID string) error

func (f syncerFunc) QuickSync(ctx context.Context, folderRemoteID string) error {
	return f(ctx, folderRemoteID)
}

type failingStorage struct{}

func (failingStorage) Save(string, []byte) (*storage.Stored, error) {
	return nil, errors.New("disk full")
}

func (failingStorage) Remove(string) error { return nil }

// thumbnailRemote reports a thumbnail for every item fetched after upload
type thumbnailRemote struct {
	*testutil.FakeRemote
}

func (r thumbnailRemote) GetItem(ctx context.Context, id string) (*drive.Item, error) {
	r.SetThumbnail(id, "https://drive.example/thumb/"+id)
	return r.FakeRemote.GetItem(ctx, id)
}

func TestUpload_WritesBothCopies(t *testing.T) {
	fx := newFixture(t)
	engine := sync.NewEngine(fx.store, fx.remote)
	desc := "Q1"

	req := pdfRequest("F1")
	req.Tags = []string{"finance", "2024", "finance"}
	req.Description = &desc

	result, err := fx.pipeline(engine).Upload(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.DriveStatus)
	require.True(t, result.LocalStatus)
	require.True(t, result.Synced)

	file := result.File
	require.Equal(t, fx.docs.ID, file.FolderID)
	require.Equal(t, db.CategoryDocument, file.Category)
	require.Equal(t, "alice", file.Owner)
	require.Equal(t, "report.pdf", file.OriginalFilename)
	require.Equal(t, &desc, file.Description)
	require.Len(t, file.Tags, 2)

	require.Equal(t, req.Content, fx.remote.Content(file.RemoteID))

	require.NotNil(t, file.LocalPath)
	require.Equal(t, "1705314600000-report.pdf", *file.LocalFilename)
	onDisk, err := os.ReadFile(*file.LocalPath)
	require.NoError(t, err)
	require.Equal(t, req.Content, onDisk)

	// The follow-up quick sync must not duplicate or rewrite the record
	require.Len(t, fx.store.Files(), 1)
	stored, err := fx.store.FindFileByRemoteID(context.Background(), file.RemoteID)
	require.NoError(t, err)
	require.Equal(t, file.LocalPath, stored.LocalPath)
}

func TestUpload_DefaultsToRoot(t *testing.T) {
	fx := newFixture(t)

	result, err := fx.pipeline(nil).Upload(context.Background(), pdfRequest(""))
	require.NoError(t, err)
	require.Equal(t, fx.root.ID, result.File.FolderID)
	require.Equal(t, []string{"root"}, fx.remote.Item(result.File.RemoteID).Parents)
	require.False(t, result.Synced)
}

func TestUpload_RejectsBeforeIO(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Request)
		noRoot  bool
		wantErr error
	}{
		{name: "no principal", mutate: func(r *Request) { r.Principal = "" }, wantErr: common.ErrUnauthorized},
		{name: "no filename", mutate: func(r *Request) { r.Filename = "  " }, wantErr: common.ErrValidation},
		{name: "empty content", mutate: func(r *Request) { r.Content = nil }, wantErr: common.ErrValidation},
		{name: "unknown folder", mutate: func(r *Request) { r.FolderRemoteID = "missing" }, wantErr: common.ErrNotFound},
		{name: "no root", mutate: func(r *Request) { r.FolderRemoteID = "" }, noRoot: true, wantErr: common.ErrNoRootFolder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			if tt.noRoot {
				fx.store = testutil.NewMemoryStore()
			}
			req := pdfRequest("F1")
			tt.mutate(&req)

			_, err := fx.pipeline(nil).Upload(context.Background(), req)
			require.ErrorIs(t, err, tt.wantErr)
			require.Zero(t, fx.remote.Calls("Upload"))
			require.Empty(t, fx.localFiles(t))
		})
	}
}

func TestUpload_RemoteFailureRemovesLocalCopy(t *testing.T) {
	fx := newFixture(t)
	fx.remote.FailOp("Upload", errors.New("quota exceeded"))

	_, err := fx.pipeline(nil).Upload(context.Background(), pdfRequest("F1"))
	require.Error(t, err)

	require.Empty(t, fx.localFiles(t))
	require.Empty(t, fx.store.Files())
	require.Empty(t, fx.remote.Deleted())
}

func TestUpload_LocalFailureDeletesRemoteCopy(t *testing.T) {
	fx := newFixture(t)
	p := NewPipeline(fx.store, fx.remote, failingStorage{}, nil)

	_, err := p.Upload(context.Background(), pdfRequest("F1"))
	require.Error(t, err)

	require.Equal(t, []string{"file-1"}, fx.remote.Deleted())
	require.False(t, fx.remote.Has("file-1"))
	require.Empty(t, fx.store.Files())
}

func TestUpload_UnsupportedMimeTypeIsFatal(t *testing.T) {
	fx := newFixture(t)
	req := pdfRequest("F1")
	req.Filename = "backup.zip"
	req.ContentType = "application/zip"

	_, err := fx.pipeline(nil).Upload(context.Background(), req)
	require.ErrorIs(t, err, common.ErrUnsupportedMimeType)

	require.Equal(t, 0, fx.remote.Calls("Upload"))
	require.Empty(t, fx.remote.Deleted())
	require.Empty(t, fx.localFiles(t))
	require.Empty(t, fx.store.Files())
}

func TestUpload_UnsupportedTypeByExtensionIsRejectedBeforeIO(t *testing.T) {
	fx := newFixture(t)
	req := pdfRequest("F1")
	req.Filename = "archive.zip"
	req.ContentType = ""

	_, err := fx.pipeline(nil).Upload(context.Background(), req)
	require.ErrorIs(t, err, common.ErrUnsupportedMimeType)
	require.Equal(t, 0, fx.remote.Calls("Upload"))
	require.Empty(t, fx.localFiles(t))
}

// retypingRemote stores uploads under a different mime type than declared
type retypingRemote struct {
	*testutil.FakeRemote
	mimeType string
}

func (r retypingRemote) Upload(ctx context.Context, content []byte, name, _, parentID string) (*drive.Item, error) {
	return r.FakeRemote.Upload(ctx, content, name, r.mimeType, parentID)
}

func TestUpload_RemoteMimeTypeIsCheckedAgain(t *testing.T) {
	fx := newFixture(t)
	p := NewPipeline(fx.store, retypingRemote{FakeRemote: fx.remote, mimeType: "application/zip"}, fx.local, nil)

	_, err := p.Upload(context.Background(), pdfRequest("F1"))
	require.ErrorIs(t, err, common.ErrUnsupportedMimeType)

	require.Equal(t, []string{"file-1"}, fx.remote.Deleted())
	require.Empty(t, fx.localFiles(t))
	require.Empty(t, fx.store.Files())
}

// stallingRemote holds uploads until the context is cancelled
type stallingRemote struct {
	*testutil.FakeRemote
	cancelled chan struct{}
}

func (r stallingRemote) Upload(ctx context.Context, content []byte, name, mimeType, parentID string) (*drive.Item, error) {
	select {
	case <-ctx.Done():
		close(r.cancelled)
		return nil, ctx.Err()
	case <-time.After(2 * time.Second):
		return r.FakeRemote.Upload(ctx, content, name, mimeType, parentID)
	}
}

func TestUpload_LocalFailureCancelsRemoteLeg(t *testing.T) {
	fx := newFixture(t)
	remote := stallingRemote{FakeRemote: fx.remote, cancelled: make(chan struct{})}
	p := NewPipeline(fx.store, remote, failingStorage{}, nil)

	_, err := p.Upload(context.Background(), pdfRequest("F1"))
	require.ErrorContains(t, err, "disk full")

	select {
	case <-remote.cancelled:
	default:
		t.Fatal("remote upload was not cancelled")
	}
	require.Equal(t, 0, fx.remote.Calls("Upload"))
	require.Empty(t, fx.remote.Deleted())
	require.Empty(t, fx.store.Files())
}

func TestUpload_RecordFailureCompensates(t *testing.T) {
	fx := newFixture(t)
	dbErr := errors.New("connection reset")
	fx.store.FailOp("CreateFile", dbErr)

	_, err := fx.pipeline(nil).Upload(context.Background(), pdfRequest("F1"))
	require.ErrorIs(t, err, dbErr)

	require.Equal(t, []string{"file-1"}, fx.remote.Deleted())
	require.Empty(t, fx.localFiles(t))
}

func TestUpload_CompensationFailureKeepsOriginalError(t *testing.T) {
	fx := newFixture(t)
	dbErr := errors.New("connection reset")
	fx.store.FailOp("CreateFile", dbErr)
	fx.remote.FailOp("Delete", errors.New("drive unavailable"))

	_, err := fx.pipeline(nil).Upload(context.Background(), pdfRequest("F1"))
	require.ErrorIs(t, err, dbErr)
	require.NotContains(t, err.Error(), "drive unavailable")
	require.Equal(t, 1, fx.remote.Calls("Delete"))
}

func TestUpload_QuickSyncFailureIsReported(t *testing.T) {
	fx := newFixture(t)
	var synced string
	syncer := syncerFunc(func(ctx context.Context, folderRemoteID string) error {
		synced = folderRemoteID
		return errors.New("rate limited")
	})

	result, err := fx.pipeline(syncer).Upload(context.Background(), pdfRequest("F1"))
	require.NoError(t, err)
	require.Equal(t, "F1", synced)
	require.False(t, result.Synced)
	require.Len(t, fx.store.Files(), 1)
}

func TestUpload_BackfillsThumbnail(t *testing.T) {
	fx := newFixture(t)
	p := NewPipeline(fx.store, thumbnailRemote{fx.remote}, fx.local, nil,
		WithThumbnailDelays(time.Millisecond, time.Millisecond))

	req := pdfRequest("F1")
	req.Filename = "beach.jpg"
	req.ContentType = "image/jpeg"

	result, err := p.Upload(context.Background(), req)
	require.NoError(t, err)
	require.Empty(t, result.File.ThumbnailLink)

	p.Wait()

	file, err := fx.store.GetFile(context.Background(), result.File.ID)
	require.NoError(t, err)
	require.Equal(t, "https://drive.example/thumb/"+file.RemoteID, file.ThumbnailLink)
}

func TestUpload_DocumentsSkipThumbnailBackfill(t *testing.T) {
	fx := newFixture(t)
	p := fx.pipeline(nil)

	_, err := p.Upload(context.Background(), pdfRequest("F1"))
	require.NoError(t, err)
	p.Wait()

	require.Zero(t, fx.remote.Calls("GetItem"))
}

func TestUpload_BackfillFailureIsSilent(t *testing.T) {
	fx := newFixture(t)
	p := fx.pipeline(nil)
	fx.remote.FailGet("file-1", errors.New("backend error"))

	req := pdfRequest("F1")
	req.Filename = "clip.mp4"
	req.ContentType = "video/mp4"

	result, err := p.Upload(context.Background(), req)
	require.NoError(t, err)
	p.Wait()

	file, err := fx.store.GetFile(context.Background(), result.File.ID)
	require.NoError(t, err)
	require.Empty(t, file.ThumbnailLink)
}

func TestPipeline_CloseAbandonsPendingBackfills(t *testing.T) {
	fx := newFixture(t)
	p := fx.pipeline(nil, WithThumbnailDelays(time.Hour, time.Hour))

	req := pdfRequest("F1")
	req.Filename = "beach.png"
	req.ContentType = "image/png"

	_, err := p.Upload(context.Background(), req)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
	require.Zero(t, fx.remote.Calls("GetItem"))
}

func TestDetectContentType(t *testing.T) {
	tests := []struct {
		filename string
		declared string
		want     string
	}{
		{"a.pdf", "application/pdf", "application/pdf"},
		{"a.txt", "text/plain; charset=utf-8", "text/plain"},
		{"a.png", "", "image/png"},
		{"a.PNG", "application/octet-stream", "image/png"},
		{"noext", "", "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.filename+"|"+tt.declared, func(t *testing.T) {
			require.Equal(t, tt.want, detectContentType(tt.filename, tt.declared))
		})
	}
}
