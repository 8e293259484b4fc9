// Package sync reconciles the remote drive tree with the local mirror.
//
// Full sync walks the whole remote tree and upserts every folder and file,
// isolating per-item failures. Quick sync reconciles a single folder level
// from the items modified since that folder's watermark and fails as a
// whole on any error.
package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/vonshlovens/drivesync-pg/internal/common"
	"github.com/vonshlovens/drivesync-pg/internal/db"
	"github.com/vonshlovens/drivesync-pg/internal/drive"
)

// Store is the part of the persistence gateway the engine writes through
type Store interface {
	GetFolder(ctx context.Context, id uuid.UUID) (*db.Folder, error)
	FindFolderByRemoteID(ctx context.Context, remoteID string) (*db.Folder, error)
	UpsertFolder(ctx context.Context, f *db.Folder) (*db.Folder, error)
	CreateFolder(ctx context.Context, f *db.Folder) (*db.Folder, error)
	MoveFolder(ctx context.Context, id, parentID uuid.UUID) error
	AdvanceLastSyncTime(ctx context.Context, id uuid.UUID, expected, next time.Time) error
	UpsertFile(ctx context.Context, f *db.File) (*db.File, error)
}

// Remote is the part of the drive client the engine reads from
type Remote interface {
	RootID() string
	ListChildren(ctx context.Context, parentID, pageToken string) (*drive.Page, error)
	ListModifiedSince(ctx context.Context, since time.Time, pageToken string) (*drive.Page, error)
	GetItem(ctx context.Context, id string) (*drive.Item, error)
}

// Invalidator receives the view paths affected by a sync
type Invalidator interface {
	Invalidate(paths ...string)
}

// InvalidatorFunc adapts a function to Invalidator
type InvalidatorFunc func(paths ...string)

func (f InvalidatorFunc) Invalidate(paths ...string) { f(paths...) }

// FolderPath is the view path of a mirrored folder
func FolderPath(remoteID string) string {
	return "/folders/" + remoteID
}

// Engine runs full and quick syncs
type Engine struct {
	store       Store
	remote      Remote
	traverser   *Traverser
	logger      *slog.Logger
	clock       common.Clock
	invalidator Invalidator

	concurrency      int
	owner            string
	fullSyncTimeout  time.Duration
	quickSyncTimeout time.Duration
	progress         bool

	flights singleflight.Group
}

// Option configures an Engine
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithClock(c common.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithInvalidator(inv Invalidator) Option {
	return func(e *Engine) { e.invalidator = inv }
}

// WithConcurrency bounds the number of concurrent upserts during full sync
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithOwner sets the principal recorded on rows discovered by sync
func WithOwner(owner string) Option {
	return func(e *Engine) { e.owner = owner }
}

// WithFullSyncTimeout sets the overall deadline of a full sync
func WithFullSyncTimeout(d time.Duration) Option {
	return func(e *Engine) { e.fullSyncTimeout = d }
}

// WithQuickSyncTimeout bounds a single quick sync run
func WithQuickSyncTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.quickSyncTimeout = d
		}
	}
}

// WithProgress renders progress bars during full sync
func WithProgress(enabled bool) Option {
	return func(e *Engine) { e.progress = enabled }
}

// NewEngine creates a new sync engine
func NewEngine(store Store, remote Remote, opts ...Option) *Engine {
	e := &Engine{
		store:            store,
		remote:           remote,
		logger:           slog.Default(),
		clock:            common.RealClock{},
		concurrency:      10,
		owner:            "system",
		quickSyncTimeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.invalidator == nil {
		e.invalidator = InvalidatorFunc(func(paths ...string) {
			e.logger.Debug("views invalidated", "paths", paths)
		})
	}
	e.traverser = NewTraverser(remote, e.logger)
	return e
}

// listAll drives a paginated listing to exhaustion
func listAll(ctx context.Context, next func(ctx context.Context, pageToken string) (*drive.Page, error)) ([]drive.Item, error) {
	var (
		items []drive.Item
		token string
	)
	for {
		page, err := next(ctx, token)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
		if page.NextPageToken == "" {
			return items, nil
		}
		token = page.NextPageToken
	}
}

// fileFromItem maps a remote item onto a file row in folderID
func (e *Engine) fileFromItem(item drive.Item, category db.Category, folderID uuid.UUID) *db.File {
	original := item.OriginalFilename
	if original == "" {
		original = item.Name
	}
	return &db.File{
		RemoteID:         item.ID,
		Title:            item.Name,
		OriginalFilename: original,
		MimeType:         item.MimeType,
		Category:         category,
		SizeBytes:        item.Size,
		WebViewLink:      item.WebViewLink,
		WebContentLink:   item.WebContentLink,
		ThumbnailLink:    item.ThumbnailLink,
		IconLink:         item.IconLink,
		FolderID:         folderID,
		Owner:            e.owner,
	}
}
