// Package manager implements the user-facing folder, file and tag actions.
// Changes that exist on the drive are applied there first and mirrored
// locally afterwards.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vonshlovens/drivesync-pg/internal/common"
	"github.com/vonshlovens/drivesync-pg/internal/db"
	"github.com/vonshlovens/drivesync-pg/internal/drive"
)

const cleanupTimeout = 30 * time.Second

// Store is the persistence gateway as seen by the manager
type Store interface {
	GetFolder(ctx context.Context, id uuid.UUID) (*db.Folder, error)
	FindFolderByRemoteID(ctx context.Context, remoteID string) (*db.Folder, error)
	FindRootFolders(ctx context.Context) ([]*db.Folder, error)
	ListChildFolders(ctx context.Context, parentID uuid.UUID) ([]*db.Folder, error)
	ListFavoriteFolders(ctx context.Context) ([]*db.Folder, error)
	CreateFolder(ctx context.Context, f *db.Folder) (*db.Folder, error)
	UpdateFolder(ctx context.Context, id uuid.UUID, u db.FolderUpdate) (*db.Folder, error)
	MoveFolder(ctx context.Context, id, parentID uuid.UUID) error
	ListFolderTree(ctx context.Context, id uuid.UUID) ([]*db.Folder, error)
	DeleteFolder(ctx context.Context, id uuid.UUID) error
	ReparentChildren(ctx context.Context, from, to uuid.UUID) error

	GetFile(ctx context.Context, id uuid.UUID) (*db.File, error)
	ListFiles(ctx context.Context, filter db.FileFilter) ([]*db.File, error)
	ListFilesInFolders(ctx context.Context, folderIDs []uuid.UUID) ([]*db.File, error)
	UpdateFileMetadata(ctx context.Context, id uuid.UUID, title string, description *string, tagNames []string) (*db.File, error)
	MoveFile(ctx context.Context, id, folderID uuid.UUID) error
	DeleteFile(ctx context.Context, id uuid.UUID) error
	DeleteFiles(ctx context.Context, ids []uuid.UUID) (int64, error)

	UpsertTag(ctx context.Context, name string) (*db.Tag, error)
	ListTags(ctx context.Context) ([]*db.Tag, error)
	RenameTag(ctx context.Context, oldName, newName string) (*db.Tag, error)
	DeleteTag(ctx context.Context, name string) error

	GetStatus(ctx context.Context) (*db.SyncStatus, error)
}

// Remote is the part of the drive client used for user actions
type Remote interface {
	CreateFolder(ctx context.Context, name, parentID string) (*drive.Item, error)
	Rename(ctx context.Context, id, name string) error
	Move(ctx context.Context, id, newParentID string) error
	Delete(ctx context.Context, id string) error
}

// Storage removes local byte copies
type Storage interface {
	Remove(path string) error
}

// Manager applies user actions to the drive and the mirror
type Manager struct {
	store   Store
	remote  Remote
	storage Storage
	logger  *slog.Logger
}

// New creates a manager. logger may be nil.
func New(store Store, remote Remote, local Storage, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, remote: remote, storage: local, logger: logger}
}

// Status reports mirror totals
func (m *Manager) Status(ctx context.Context) (*db.SyncStatus, error) {
	return m.store.GetStatus(ctx)
}

// cleanupContext outlives the caller so compensation is not cut short
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

// deleteRemote deletes a drive item; items already gone count as deleted
func (m *Manager) deleteRemote(ctx context.Context, remoteID string) error {
	if err := m.remote.Delete(ctx, remoteID); err != nil && !errors.Is(err, common.ErrNotFound) {
		return fmt.Errorf("failed to delete %s from drive: %w", remoteID, err)
	}
	return nil
}

// removeLocal drops the local byte copies of files. Failures are logged.
func (m *Manager) removeLocal(files []*db.File) {
	for _, f := range files {
		if f.LocalPath == nil {
			continue
		}
		if err := m.storage.Remove(*f.LocalPath); err != nil {
			m.logger.Warn("failed to remove local copy", "file", f.ID, "path", *f.LocalPath, "error", err)
		}
	}
}

func requireTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", fmt.Errorf("title is required: %w", common.ErrValidation)
	}
	return title, nil
}
