package manager

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/vonshlovens/drivesync-pg/internal/common"
	"github.com/vonshlovens/drivesync-pg/internal/db"
)

const maxSearchLimit = 200

// FileChanges holds the requested edits of a file; nil means unchanged
type FileChanges struct {
	Title       *string  `json:"title"`
	Description *string  `json:"description"`
	Tags        []string `json:"tags"`
}

// GetFile returns a file with its tags
func (m *Manager) GetFile(ctx context.Context, id uuid.UUID) (*db.File, error) {
	return m.store.GetFile(ctx, id)
}

// Search lists files matching filter
func (m *Manager) Search(ctx context.Context, filter db.FileFilter) ([]*db.File, error) {
	filter.Query = strings.TrimSpace(filter.Query)
	if filter.Limit <= 0 || filter.Limit > maxSearchLimit {
		filter.Limit = maxSearchLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return m.store.ListFiles(ctx, filter)
}

// UpdateFile edits title, description and tags. A new title is applied to
// the drive first.
func (m *Manager) UpdateFile(ctx context.Context, id uuid.UUID, changes FileChanges) (*db.File, error) {
	f, err := m.store.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}

	title := f.Title
	if changes.Title != nil {
		if title, err = requireTitle(*changes.Title); err != nil {
			return nil, err
		}
	}
	description := f.Description
	if changes.Description != nil {
		description = changes.Description
	}
	tags := changes.Tags
	if tags == nil {
		for _, t := range f.Tags {
			tags = append(tags, t.Name)
		}
	}

	if title != f.Title {
		if err := m.remote.Rename(ctx, f.RemoteID, title); err != nil {
			return nil, fmt.Errorf("failed to rename drive file: %w", err)
		}
	}
	return m.store.UpdateFileMetadata(ctx, f.ID, title, description, tags)
}

// MoveFile moves a file into the folder folderRemoteID
func (m *Manager) MoveFile(ctx context.Context, id uuid.UUID, folderRemoteID string) (*db.File, error) {
	if folderRemoteID == "" {
		return nil, fmt.Errorf("target folder is required: %w", common.ErrValidation)
	}
	f, err := m.store.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	target, err := m.folder(ctx, folderRemoteID)
	if err != nil {
		return nil, err
	}
	if f.FolderID == target.ID {
		return f, nil
	}

	if err := m.remote.Move(ctx, f.RemoteID, target.RemoteID); err != nil {
		return nil, fmt.Errorf("failed to move drive file: %w", err)
	}
	if err := m.store.MoveFile(ctx, f.ID, target.ID); err != nil {
		return nil, err
	}
	return m.store.GetFile(ctx, f.ID)
}

// DeleteFile deletes a file from the drive, the mirror and local storage
func (m *Manager) DeleteFile(ctx context.Context, id uuid.UUID) error {
	f, err := m.store.GetFile(ctx, id)
	if err != nil {
		return err
	}
	if err := m.deleteRemote(ctx, f.RemoteID); err != nil {
		return err
	}
	if err := m.store.DeleteFile(ctx, f.ID); err != nil {
		return err
	}
	m.removeLocal([]*db.File{f})
	return nil
}

// BulkDeleteFiles deletes each file from the drive and removes the ones
// that succeeded from the mirror. It returns the deleted ids and the first
// error encountered.
func (m *Manager) BulkDeleteFiles(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	var (
		firstErr error
		deleted  []uuid.UUID
		files    []*db.File
	)
	record := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			record(err)
			break
		}
		f, err := m.store.GetFile(ctx, id)
		if err != nil {
			record(err)
			continue
		}
		if err := m.deleteRemote(ctx, f.RemoteID); err != nil {
			m.logger.Warn("failed to delete file", "file", id, "error", err)
			record(err)
			continue
		}
		deleted = append(deleted, f.ID)
		files = append(files, f)
	}

	if len(deleted) > 0 {
		n, err := m.store.DeleteFiles(ctx, deleted)
		if err != nil {
			return nil, err
		}
		m.removeLocal(files)
		m.logger.Info("files deleted", "requested", len(ids), "deleted", n)
	}
	return deleted, firstErr
}
