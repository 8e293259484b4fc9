// Package upload writes new files to the remote drive and local storage at
// once and records them in the mirror.
//
// Either both the remote copy and the database record exist after Upload
// returns, or neither does. Steps that fail after the remote upload
// succeeded delete the remote artifact again on a best-effort basis.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vonshlovens/drivesync-pg/internal/common"
	"github.com/vonshlovens/drivesync-pg/internal/db"
	"github.com/vonshlovens/drivesync-pg/internal/drive"
	"github.com/vonshlovens/drivesync-pg/internal/storage"
)

const compensationTimeout = 30 * time.Second

// Store is the part of the persistence gateway the pipeline writes through
type Store interface {
	FindFolderByRemoteID(ctx context.Context, remoteID string) (*db.Folder, error)
	FindRootFolders(ctx context.Context) ([]*db.Folder, error)
	CreateFile(ctx context.Context, f *db.File, tagNames []string) (*db.File, error)
	UpdateFileThumbnail(ctx context.Context, id uuid.UUID, link string) error
}

// Remote is the part of the drive client the pipeline uses
type Remote interface {
	Upload(ctx context.Context, content []byte, name, mimeType, parentID string) (*drive.Item, error)
	GetItem(ctx context.Context, id string) (*drive.Item, error)
	Delete(ctx context.Context, id string) error
}

// Storage keeps the local byte copy
type Storage interface {
	Save(name string, content []byte) (*storage.Stored, error)
	Remove(path string) error
}

// Syncer folds the uploaded item into the mirror
type Syncer interface {
	QuickSync(ctx context.Context, folderRemoteID string) error
}

// Request is a single upload
type Request struct {
	Principal      string
	Filename       string
	Content        []byte
	ContentType    string
	FolderRemoteID string // empty targets the root folder
	Tags           []string
	Description    *string
}

// Result reports the outcome of a successful upload
type Result struct {
	File        *db.File `json:"file"`
	DriveStatus bool     `json:"driveStatus"`
	LocalStatus bool     `json:"localStatus"`
	Synced      bool     `json:"synced"`
}

// Pipeline runs uploads
type Pipeline struct {
	store   Store
	remote  Remote
	storage Storage
	syncer  Syncer
	logger  *slog.Logger

	imageDelay time.Duration
	videoDelay time.Duration

	backfills gosync.WaitGroup
	stop      chan struct{}
	stopOnce  gosync.Once
}

// Option configures a Pipeline
type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithThumbnailDelays sets how long to wait before re-fetching the thumbnail
// of an uploaded image or video
func WithThumbnailDelays(image, video time.Duration) Option {
	return func(p *Pipeline) {
		p.imageDelay = image
		p.videoDelay = video
	}
}

// NewPipeline creates an upload pipeline. syncer may be nil.
func NewPipeline(store Store, remote Remote, local Storage, syncer Syncer, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:      store,
		remote:     remote,
		storage:    local,
		syncer:     syncer,
		logger:     slog.Default(),
		imageDelay: 5 * time.Second,
		videoDelay: 30 * time.Second,
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Upload stores req remotely and locally and records it
func (p *Pipeline) Upload(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	contentType := detectContentType(req.Filename, req.ContentType)
	if _, ok := drive.CategoryForMime(contentType); !ok {
		return nil, fmt.Errorf("%s: %w", contentType, common.ErrUnsupportedMimeType)
	}

	folder, err := p.resolveFolder(ctx, req.FolderRemoteID)
	if err != nil {
		return nil, err
	}

	var (
		item   *drive.Item
		stored *storage.Stored
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		item, err = p.remote.Upload(gctx, req.Content, req.Filename, contentType, folder.RemoteID)
		if err != nil {
			return fmt.Errorf("failed to upload to drive: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		stored, err = p.storage.Save(req.Filename, req.Content)
		if err != nil {
			return fmt.Errorf("failed to store local copy: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		p.compensate(ctx, item, stored)
		return nil, err
	}

	// Drive may report a different type than the one declared
	mimeType := item.MimeType
	if mimeType == "" {
		mimeType = contentType
	}
	category, ok := drive.CategoryForMime(mimeType)
	if !ok {
		p.compensate(ctx, item, stored)
		return nil, fmt.Errorf("%s: %w", mimeType, common.ErrUnsupportedMimeType)
	}

	file, err := p.store.CreateFile(ctx, p.fileRecord(req, item, stored, mimeType, category, folder.ID), req.Tags)
	if err != nil {
		p.compensate(ctx, item, stored)
		return nil, fmt.Errorf("failed to record file: %w", err)
	}

	p.logger.Info("file uploaded",
		"remote_id", file.RemoteID,
		"folder", folder.RemoteID,
		"category", category,
		"size", len(req.Content),
		"local", stored.Filename)

	if category == db.CategoryImage || category == db.CategoryVideo {
		delay := p.imageDelay
		if category == db.CategoryVideo {
			delay = p.videoDelay
		}
		p.backfillThumbnail(file.ID, file.RemoteID, delay)
	}

	result := &Result{File: file, DriveStatus: true, LocalStatus: true}
	if p.syncer != nil {
		if err := p.syncer.QuickSync(ctx, folder.RemoteID); err != nil {
			p.logger.Warn("quick sync after upload failed", "folder", folder.RemoteID, "error", err)
		} else {
			result.Synced = true
		}
	}

	return result, nil
}

func validate(req Request) error {
	if req.Principal == "" {
		return fmt.Errorf("upload requires a principal: %w", common.ErrUnauthorized)
	}
	if strings.TrimSpace(req.Filename) == "" {
		return fmt.Errorf("filename is required: %w", common.ErrValidation)
	}
	if len(req.Content) == 0 {
		return fmt.Errorf("file is empty: %w", common.ErrValidation)
	}
	return nil
}

// resolveFolder finds the target folder, defaulting to the oldest root
func (p *Pipeline) resolveFolder(ctx context.Context, remoteID string) (*db.Folder, error) {
	if remoteID == "" {
		roots, err := p.store.FindRootFolders(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load root folder: %w", err)
		}
		if len(roots) == 0 {
			return nil, common.ErrNoRootFolder
		}
		return roots[0], nil
	}

	folder, err := p.store.FindFolderByRemoteID(ctx, remoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to load folder: %w", err)
	}
	if folder == nil {
		return nil, fmt.Errorf("folder %s: %w", remoteID, common.ErrNotFound)
	}
	return folder, nil
}

func (p *Pipeline) fileRecord(req Request, item *drive.Item, stored *storage.Stored, mimeType string, category db.Category, folderID uuid.UUID) *db.File {
	size := item.Size
	if size == 0 {
		size = int64(len(req.Content))
	}
	title := item.Name
	if title == "" {
		title = req.Filename
	}
	return &db.File{
		RemoteID:         item.ID,
		Title:            title,
		OriginalFilename: req.Filename,
		MimeType:         mimeType,
		Category:         category,
		SizeBytes:        size,
		WebViewLink:      item.WebViewLink,
		WebContentLink:   item.WebContentLink,
		ThumbnailLink:    item.ThumbnailLink,
		IconLink:         item.IconLink,
		LocalPath:        &stored.Path,
		LocalFilename:    &stored.Filename,
		Description:      req.Description,
		FolderID:         folderID,
		Owner:            req.Principal,
	}
}

// compensate undoes whichever legs succeeded. Failures are logged only.
func (p *Pipeline) compensate(ctx context.Context, item *drive.Item, stored *storage.Stored) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	if item != nil {
		if err := p.remote.Delete(ctx, item.ID); err != nil && !errors.Is(err, common.ErrNotFound) {
			p.logger.Error("failed to delete orphaned drive file", "remote_id", item.ID, "error", err)
		} else {
			p.logger.Info("deleted orphaned drive file", "remote_id", item.ID)
		}
	}
	if stored != nil {
		if err := p.storage.Remove(stored.Path); err != nil {
			p.logger.Error("failed to remove orphaned local file", "path", stored.Path, "error", err)
		}
	}
}

// backfillThumbnail re-fetches the item after delay and records its
// thumbnail link. It runs detached from the request.
func (p *Pipeline) backfillThumbnail(fileID uuid.UUID, remoteID string, delay time.Duration) {
	p.backfills.Add(1)
	go func() {
		defer p.backfills.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-p.stop:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), compensationTimeout)
		defer cancel()

		item, err := p.remote.GetItem(ctx, remoteID)
		if err != nil {
			p.logger.Warn("failed to fetch thumbnail", "remote_id", remoteID, "error", err)
			return
		}
		if item.ThumbnailLink == "" {
			p.logger.Debug("no thumbnail available yet", "remote_id", remoteID)
			return
		}
		if err := p.store.UpdateFileThumbnail(ctx, fileID, item.ThumbnailLink); err != nil {
			p.logger.Warn("failed to store thumbnail", "remote_id", remoteID, "error", err)
			return
		}
		p.logger.Debug("thumbnail updated", "remote_id", remoteID)
	}()
}

// Wait blocks until pending thumbnail backfills finish
func (p *Pipeline) Wait() {
	p.backfills.Wait()
}

// Close abandons pending thumbnail backfills and waits for running ones
func (p *Pipeline) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.backfills.Wait()
}

// detectContentType prefers the declared type and falls back to the
// filename extension
func detectContentType(filename, declared string) string {
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); byExt != "" {
		if mt, _, err := mime.ParseMediaType(byExt); err == nil {
			return mt
		}
	}
	return "application/octet-stream"
}
