package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/vonshlovens/drivesync-pg/internal/common"
	"github.com/vonshlovens/drivesync-pg/internal/db"
	"github.com/vonshlovens/drivesync-pg/internal/drive"
)

// QuickSync reconciles the direct children of one folder from the items
// modified since its watermark. Calls for the same folder are collapsed
// into a single in-flight run. On any error the watermark is unchanged.
func (e *Engine) QuickSync(ctx context.Context, folderRemoteID string) error {
	ch := e.flights.DoChan(folderRemoteID, func() (any, error) {
		// Shared by every caller merged into this run, so no single caller's
		// cancellation may end it
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.quickSyncTimeout)
		defer cancel()
		return nil, e.quickSync(runCtx, folderRemoteID)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) quickSync(ctx context.Context, folderRemoteID string) error {
	start := time.Now()

	folder, err := e.store.FindFolderByRemoteID(ctx, folderRemoteID)
	if err != nil {
		return fmt.Errorf("failed to load folder: %w", err)
	}
	if folder == nil {
		return fmt.Errorf("folder %s: %w", folderRemoteID, common.ErrNotFound)
	}

	since := folder.LastSyncTime
	if since.IsZero() {
		since = db.Epoch
	}
	// Captured before the remote query so nothing modified during the run
	// falls behind the new watermark
	startedAt := e.clock.Now()

	items, err := listAll(ctx, func(ctx context.Context, token string) (*drive.Page, error) {
		return e.remote.ListModifiedSince(ctx, since, token)
	})
	if err != nil {
		return fmt.Errorf("failed to list modified items: %w", err)
	}

	var relevant []drive.Item
	for _, item := range items {
		if item.HasParent(folder.RemoteID) {
			relevant = append(relevant, item)
		}
	}

	// Folders and shortcuts first so files never reference a missing parent
	for _, item := range relevant {
		switch {
		case item.IsFolder():
			if err := e.reconcileFolder(ctx, folder, item.ID, item.Name, false); err != nil {
				return err
			}
		case item.IsShortcut():
			if err := e.reconcileShortcut(ctx, folder, item); err != nil {
				return err
			}
		}
	}

	files := 0
	for _, item := range relevant {
		if item.IsFolder() || item.IsShortcut() {
			continue
		}

		category, ok := drive.CategoryForMime(item.MimeType)
		if !ok {
			e.logger.Warn("skipping file with unknown mime type",
				"remote_id", item.ID, "name", item.Name, "mime", item.MimeType)
			continue
		}

		if _, err := e.store.UpsertFile(ctx, e.fileFromItem(item, category, folder.ID)); err != nil {
			return fmt.Errorf("failed to sync file %s: %w", item.ID, err)
		}
		files++
	}

	next := startedAt
	if next.Before(since) {
		next = since
	}
	if err := e.store.AdvanceLastSyncTime(ctx, folder.ID, since, next); err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}

	e.invalidator.Invalidate(FolderPath(folder.RemoteID))

	e.logger.Info("quick sync completed",
		"folder", folder.RemoteID,
		"modified", len(items),
		"relevant", len(relevant),
		"files", files,
		"duration_ms", time.Since(start).Milliseconds())

	return nil
}

func (e *Engine) reconcileShortcut(ctx context.Context, parent *db.Folder, shortcut drive.Item) error {
	if shortcut.ShortcutTargetID == "" {
		e.logger.Warn("shortcut has no target", "remote_id", shortcut.ID, "name", shortcut.Name)
		return nil
	}

	target, err := e.remote.GetItem(ctx, shortcut.ShortcutTargetID)
	if err != nil {
		return fmt.Errorf("failed to resolve shortcut %s: %w", shortcut.ID, err)
	}
	if !target.IsFolder() {
		e.logger.Debug("ignoring shortcut to non-folder", "remote_id", shortcut.ID, "target_id", target.ID)
		return nil
	}

	return e.reconcileFolder(ctx, parent, target.ID, target.Name, true)
}

// reconcileFolder creates remoteID under parent or moves its existing row
// there. Moves that would put a folder inside itself are skipped.
func (e *Engine) reconcileFolder(ctx context.Context, parent *db.Folder, remoteID, title string, shortcut bool) error {
	if remoteID == parent.RemoteID {
		return nil
	}

	existing, err := e.store.FindFolderByRemoteID(ctx, remoteID)
	if err != nil {
		return fmt.Errorf("failed to look up folder %s: %w", remoteID, err)
	}

	if existing == nil {
		_, err := e.store.CreateFolder(ctx, &db.Folder{
			RemoteID:   remoteID,
			Title:      title,
			ParentID:   &parent.ID,
			IsShortcut: shortcut,
			Owner:      e.owner,
		})
		if err != nil {
			return fmt.Errorf("failed to create folder %s: %w", remoteID, err)
		}
		return nil
	}

	if existing.ParentID != nil && *existing.ParentID == parent.ID {
		return nil
	}

	cyclic, err := e.isAncestor(ctx, existing, parent)
	if err != nil {
		return err
	}
	if existing.IsRoot || cyclic {
		e.logger.Warn("refusing to move folder into its own subtree",
			"remote_id", remoteID, "parent", parent.RemoteID)
		return nil
	}

	if err := e.store.MoveFolder(ctx, existing.ID, parent.ID); err != nil {
		return fmt.Errorf("failed to move folder %s: %w", remoteID, err)
	}
	return nil
}

// isAncestor reports whether candidate is folder or one of its ancestors
func (e *Engine) isAncestor(ctx context.Context, candidate, folder *db.Folder) (bool, error) {
	seen := map[string]bool{}
	current := folder
	for current != nil {
		if current.ID == candidate.ID {
			return true, nil
		}
		if current.ParentID == nil || seen[current.ID.String()] {
			return false, nil
		}
		seen[current.ID.String()] = true

		next, err := e.store.GetFolder(ctx, *current.ParentID)
		if err != nil {
			return false, fmt.Errorf("failed to walk folder ancestry: %w", err)
		}
		current = next
	}
	return false, nil
}
