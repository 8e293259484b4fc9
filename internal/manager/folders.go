package manager

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/vonshlovens/drivesync-pg/internal/common"
	"github.com/vonshlovens/drivesync-pg/internal/db"
)

// FolderView is a folder with its direct contents
type FolderView struct {
	Folder  *db.Folder   `json:"folder"`
	Folders []*db.Folder `json:"folders"`
	Files   []*db.File   `json:"files"`
}

// FolderChanges holds the requested edits of a folder; nil means unchanged
type FolderChanges struct {
	Title          *string `json:"title"`
	Description    *string `json:"description"`
	IsFavorite     *bool   `json:"isFavorite"`
	ParentRemoteID *string `json:"parentId"`
}

// folder loads a folder by remote id, or the oldest root for ""
func (m *Manager) folder(ctx context.Context, remoteID string) (*db.Folder, error) {
	if remoteID == "" {
		roots, err := m.store.FindRootFolders(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load root folder: %w", err)
		}
		if len(roots) == 0 {
			return nil, common.ErrNoRootFolder
		}
		return roots[0], nil
	}

	f, err := m.store.FindFolderByRemoteID(ctx, remoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to load folder: %w", err)
	}
	if f == nil {
		return nil, fmt.Errorf("folder %s: %w", remoteID, common.ErrNotFound)
	}
	return f, nil
}

// GetFolder returns a folder with its subfolders and files
func (m *Manager) GetFolder(ctx context.Context, remoteID string) (*FolderView, error) {
	f, err := m.folder(ctx, remoteID)
	if err != nil {
		return nil, err
	}

	children, err := m.store.ListChildFolders(ctx, f.ID)
	if err != nil {
		return nil, err
	}
	files, err := m.store.ListFiles(ctx, db.FileFilter{FolderID: &f.ID})
	if err != nil {
		return nil, err
	}
	return &FolderView{Folder: f, Folders: children, Files: files}, nil
}

// Favorites lists folders marked as favorite
func (m *Manager) Favorites(ctx context.Context) ([]*db.Folder, error) {
	return m.store.ListFavoriteFolders(ctx)
}

// CreateFolder creates a folder on the drive under parentRemoteID (the root
// when empty) and mirrors it. The drive folder is removed again if it cannot
// be mirrored.
func (m *Manager) CreateFolder(ctx context.Context, principal, title string, description *string, parentRemoteID string) (*db.Folder, error) {
	if principal == "" {
		return nil, fmt.Errorf("creating a folder requires a principal: %w", common.ErrUnauthorized)
	}
	title, err := requireTitle(title)
	if err != nil {
		return nil, err
	}

	parent, err := m.folder(ctx, parentRemoteID)
	if err != nil {
		return nil, err
	}

	item, err := m.remote.CreateFolder(ctx, title, parent.RemoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive folder: %w", err)
	}

	f, err := m.store.CreateFolder(ctx, &db.Folder{
		RemoteID:    item.ID,
		Title:       item.Name,
		Description: description,
		ParentID:    &parent.ID,
		Owner:       principal,
	})
	if err != nil {
		cctx, cancel := cleanupContext(ctx)
		defer cancel()
		if derr := m.deleteRemote(cctx, item.ID); derr != nil {
			m.logger.Error("failed to delete orphaned drive folder", "remote_id", item.ID, "error", derr)
		}
		return nil, fmt.Errorf("failed to record folder: %w", err)
	}

	m.logger.Info("folder created", "remote_id", f.RemoteID, "parent", parent.RemoteID)
	return f, nil
}

// UpdateFolder applies changes in order: rename, description and favorite,
// then move
func (m *Manager) UpdateFolder(ctx context.Context, remoteID string, changes FolderChanges) (*db.Folder, error) {
	f, err := m.folder(ctx, remoteID)
	if err != nil {
		return nil, err
	}

	if changes.Title != nil {
		if f, err = m.RenameFolder(ctx, remoteID, *changes.Title); err != nil {
			return nil, err
		}
	}

	if changes.Description != nil || changes.IsFavorite != nil {
		f, err = m.store.UpdateFolder(ctx, f.ID, db.FolderUpdate{
			Description: changes.Description,
			IsFavorite:  changes.IsFavorite,
		})
		if err != nil {
			return nil, err
		}
	}

	if changes.ParentRemoteID != nil {
		if f, err = m.MoveFolder(ctx, remoteID, *changes.ParentRemoteID); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// RenameFolder renames a folder on the drive and in the mirror
func (m *Manager) RenameFolder(ctx context.Context, remoteID, title string) (*db.Folder, error) {
	title, err := requireTitle(title)
	if err != nil {
		return nil, err
	}
	f, err := m.folder(ctx, remoteID)
	if err != nil {
		return nil, err
	}
	if f.Title == title {
		return f, nil
	}

	if err := m.remote.Rename(ctx, f.RemoteID, title); err != nil {
		return nil, fmt.Errorf("failed to rename drive folder: %w", err)
	}
	return m.store.UpdateFolder(ctx, f.ID, db.FolderUpdate{Title: &title})
}

// ToggleFavorite flips the favorite flag of a folder
func (m *Manager) ToggleFavorite(ctx context.Context, remoteID string) (*db.Folder, error) {
	f, err := m.folder(ctx, remoteID)
	if err != nil {
		return nil, err
	}
	favorite := !f.IsFavorite
	return m.store.UpdateFolder(ctx, f.ID, db.FolderUpdate{IsFavorite: &favorite})
}

// MoveFolder moves a folder under newParentRemoteID. Moving the root or
// moving a folder into its own subtree is rejected.
func (m *Manager) MoveFolder(ctx context.Context, remoteID, newParentRemoteID string) (*db.Folder, error) {
	f, err := m.folder(ctx, remoteID)
	if err != nil {
		return nil, err
	}
	if f.IsRoot {
		return nil, fmt.Errorf("the root folder cannot be moved: %w", common.ErrValidation)
	}

	parent, err := m.folder(ctx, newParentRemoteID)
	if err != nil {
		return nil, err
	}
	if f.ParentID != nil && *f.ParentID == parent.ID {
		return f, nil
	}

	cyclic, err := m.isInSubtree(ctx, f.ID, parent)
	if err != nil {
		return nil, err
	}
	if cyclic {
		return nil, fmt.Errorf("cannot move %s into %s: %w", f.RemoteID, parent.RemoteID, common.ErrFolderCycle)
	}

	if err := m.remote.Move(ctx, f.RemoteID, parent.RemoteID); err != nil {
		return nil, fmt.Errorf("failed to move drive folder: %w", err)
	}
	if err := m.store.MoveFolder(ctx, f.ID, parent.ID); err != nil {
		return nil, err
	}
	return m.store.GetFolder(ctx, f.ID)
}

// isInSubtree walks the parent chain of folder looking for rootID
func (m *Manager) isInSubtree(ctx context.Context, rootID uuid.UUID, folder *db.Folder) (bool, error) {
	seen := map[uuid.UUID]bool{}
	for current := folder; current != nil; {
		if current.ID == rootID {
			return true, nil
		}
		if current.ParentID == nil || seen[current.ID] {
			return false, nil
		}
		seen[current.ID] = true

		next, err := m.store.GetFolder(ctx, *current.ParentID)
		if err != nil {
			return false, fmt.Errorf("failed to walk folder ancestry: %w", err)
		}
		current = next
	}
	return false, nil
}

// DeleteFolder deletes a folder from the drive, then removes it and its
// subtree from the mirror along with the local copies of contained files
func (m *Manager) DeleteFolder(ctx context.Context, remoteID string) error {
	f, err := m.folder(ctx, remoteID)
	if err != nil {
		return err
	}
	if f.IsRoot {
		return fmt.Errorf("the root folder cannot be deleted: %w", common.ErrValidation)
	}

	tree, err := m.store.ListFolderTree(ctx, f.ID)
	if err != nil {
		return err
	}
	ids := make([]uuid.UUID, 0, len(tree))
	for _, t := range tree {
		ids = append(ids, t.ID)
	}
	files, err := m.store.ListFilesInFolders(ctx, ids)
	if err != nil {
		return err
	}

	if err := m.deleteRemote(ctx, f.RemoteID); err != nil {
		return err
	}
	if err := m.store.DeleteFolder(ctx, f.ID); err != nil {
		return err
	}
	m.removeLocal(files)

	m.logger.Info("folder deleted", "remote_id", f.RemoteID, "folders", len(tree), "files", len(files))
	return nil
}

// RepairRoots merges duplicate root folders into the oldest one and
// returns how many were removed
func (m *Manager) RepairRoots(ctx context.Context) (int, error) {
	roots, err := m.store.FindRootFolders(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load root folders: %w", err)
	}
	if len(roots) <= 1 {
		return 0, nil
	}

	keep := roots[0]
	removed := 0
	for _, dup := range roots[1:] {
		if err := m.store.ReparentChildren(ctx, dup.ID, keep.ID); err != nil {
			return removed, fmt.Errorf("failed to reparent children of %s: %w", dup.RemoteID, err)
		}
		if err := m.store.DeleteFolder(ctx, dup.ID); err != nil {
			return removed, fmt.Errorf("failed to delete duplicate root %s: %w", dup.RemoteID, err)
		}
		removed++
		m.logger.Warn("merged duplicate root folder", "removed", dup.RemoteID, "kept", keep.RemoteID)
	}
	return removed, nil
}
