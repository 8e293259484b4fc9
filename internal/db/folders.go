package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vonshlovens/drivesync-pg/internal/common"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const folderColumns = `id, remote_id, title, description, is_root, is_shortcut, is_favorite,
	parent_id, last_sync_time, owner, created_at, updated_at`

func scanFolder(row pgx.Row) (*Folder, error) {
	f := &Folder{}
	err := row.Scan(
		&f.ID, &f.RemoteID, &f.Title, &f.Description, &f.IsRoot, &f.IsShortcut,
		&f.IsFavorite, &f.ParentID, &f.LastSyncTime, &f.Owner, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func collectFolders(rows pgx.Rows) ([]*Folder, error) {
	defer rows.Close()

	var folders []*Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// GetFolder returns the folder with the given local id
func (db *DB) GetFolder(ctx context.Context, id uuid.UUID) (*Folder, error) {
	f, err := scanFolder(db.Pool.QueryRow(ctx,
		"SELECT "+folderColumns+" FROM folders WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("folder %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}
	return f, nil
}

// FindFolderByRemoteID returns the folder mirroring remoteID, or nil if none
func (db *DB) FindFolderByRemoteID(ctx context.Context, remoteID string) (*Folder, error) {
	return findFolderByRemoteID(ctx, db.Pool, remoteID)
}

func findFolderByRemoteID(ctx context.Context, q querier, remoteID string) (*Folder, error) {
	f, err := scanFolder(q.QueryRow(ctx,
		"SELECT "+folderColumns+" FROM folders WHERE remote_id = $1", remoteID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find folder by remote id: %w", err)
	}
	return f, nil
}

// FindRootFolders returns every folder flagged as root, oldest first
func (db *DB) FindRootFolders(ctx context.Context) ([]*Folder, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+folderColumns+" FROM folders WHERE is_root ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("failed to query root folders: %w", err)
	}
	return collectFolders(rows)
}

// ListChildFolders returns the direct children of a folder
func (db *DB) ListChildFolders(ctx context.Context, parentID uuid.UUID) ([]*Folder, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+folderColumns+" FROM folders WHERE parent_id = $1 ORDER BY lower(title)", parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query child folders: %w", err)
	}
	return collectFolders(rows)
}

// ListFavoriteFolders returns folders flagged as favorite
func (db *DB) ListFavoriteFolders(ctx context.Context) ([]*Folder, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+folderColumns+" FROM folders WHERE is_favorite ORDER BY lower(title)")
	if err != nil {
		return nil, fmt.Errorf("failed to query favorite folders: %w", err)
	}
	return collectFolders(rows)
}

// UpsertFolder inserts or refreshes the remote-derived fields of a folder,
// keyed by remote id. Rows whose values are unchanged are left untouched.
func (db *DB) UpsertFolder(ctx context.Context, f *Folder) (*Folder, error) {
	row := db.Pool.QueryRow(ctx, `
		INSERT INTO folders (remote_id, title, parent_id, is_shortcut, is_root, owner)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (remote_id) DO UPDATE SET
			title = EXCLUDED.title,
			parent_id = EXCLUDED.parent_id,
			is_shortcut = EXCLUDED.is_shortcut,
			is_root = folders.is_root OR EXCLUDED.is_root,
			updated_at = NOW()
		WHERE folders.title IS DISTINCT FROM EXCLUDED.title
			OR folders.parent_id IS DISTINCT FROM EXCLUDED.parent_id
			OR folders.is_shortcut IS DISTINCT FROM EXCLUDED.is_shortcut
			OR (EXCLUDED.is_root AND NOT folders.is_root)
		RETURNING `+folderColumns,
		f.RemoteID, f.Title, f.ParentID, f.IsShortcut, f.IsRoot, f.Owner,
	)

	stored, err := scanFolder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict with identical values: nothing written
		return findFolderByRemoteID(ctx, db.Pool, f.RemoteID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert folder: %w", err)
	}
	return stored, nil
}

// CreateFolder inserts a new folder row
func (db *DB) CreateFolder(ctx context.Context, f *Folder) (*Folder, error) {
	lastSync := f.LastSyncTime
	if lastSync.IsZero() {
		lastSync = Epoch
	}

	stored, err := scanFolder(db.Pool.QueryRow(ctx, `
		INSERT INTO folders (remote_id, title, description, is_root, is_shortcut,
			is_favorite, parent_id, last_sync_time, owner)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+folderColumns,
		f.RemoteID, f.Title, f.Description, f.IsRoot, f.IsShortcut,
		f.IsFavorite, f.ParentID, lastSync, f.Owner,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create folder: %w", err)
	}
	return stored, nil
}

// UpdateFolder applies the non-nil fields of u
func (db *DB) UpdateFolder(ctx context.Context, id uuid.UUID, u FolderUpdate) (*Folder, error) {
	f, err := scanFolder(db.Pool.QueryRow(ctx, `
		UPDATE folders SET
			title = COALESCE($2, title),
			description = CASE WHEN $3::boolean THEN $4 ELSE description END,
			parent_id = CASE WHEN $5::boolean THEN $6 ELSE parent_id END,
			is_favorite = COALESCE($7, is_favorite),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+folderColumns,
		id, u.Title, u.Description != nil, u.Description, u.ParentID != nil, u.ParentID, u.IsFavorite,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("folder %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update folder: %w", err)
	}
	return f, nil
}

// MoveFolder reassigns the parent of a folder
func (db *DB) MoveFolder(ctx context.Context, id, parentID uuid.UUID) error {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE folders SET parent_id = $2, updated_at = NOW() WHERE id = $1", id, parentID)
	if err != nil {
		return fmt.Errorf("failed to move folder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("folder %s: %w", id, common.ErrNotFound)
	}
	return nil
}

// AdvanceLastSyncTime moves a folder's sync watermark from expected to next.
// It fails with common.ErrSyncConflict if the watermark changed in between.
func (db *DB) AdvanceLastSyncTime(ctx context.Context, id uuid.UUID, expected, next time.Time) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE folders SET last_sync_time = $3
		WHERE id = $1 AND last_sync_time = $2 AND $3 >= last_sync_time
	`, id, expected, next)
	if err != nil {
		return fmt.Errorf("failed to advance last sync time: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("folder %s: %w", id, common.ErrSyncConflict)
	}
	return nil
}

// ListFolderTree returns the folder and all of its descendants
func (db *DB) ListFolderTree(ctx context.Context, id uuid.UUID) ([]*Folder, error) {
	rows, err := db.Pool.Query(ctx, `
		WITH RECURSIVE tree AS (
			SELECT `+folderColumns+` FROM folders WHERE id = $1
			UNION
			SELECT f.id, f.remote_id, f.title, f.description, f.is_root, f.is_shortcut,
				f.is_favorite, f.parent_id, f.last_sync_time, f.owner, f.created_at, f.updated_at
			FROM folders f JOIN tree t ON f.parent_id = t.id
		)
		SELECT `+folderColumns+` FROM tree
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query folder tree: %w", err)
	}
	return collectFolders(rows)
}

// DeleteFolder removes a folder; children and member files cascade
func (db *DB) DeleteFolder(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Pool.Exec(ctx, "DELETE FROM folders WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete folder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("folder %s: %w", id, common.ErrNotFound)
	}
	return nil
}

// ReparentChildren moves every child folder and file of from under to
func (db *DB) ReparentChildren(ctx context.Context, from, to uuid.UUID) error {
	return db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			"UPDATE folders SET parent_id = $2, updated_at = NOW() WHERE parent_id = $1", from, to); err != nil {
			return fmt.Errorf("failed to reparent folders: %w", err)
		}
		if _, err := tx.Exec(ctx,
			"UPDATE files SET folder_id = $2, updated_at = NOW() WHERE folder_id = $1", from, to); err != nil {
			return fmt.Errorf("failed to reparent files: %w", err)
		}
		return nil
	})
}
