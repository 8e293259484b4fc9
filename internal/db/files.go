package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vonshlovens/drivesync-pg/internal/common"
)

const fileColumns = `id, remote_id, title, original_filename, mime_type, category, size_bytes,
	web_view_link, web_content_link, thumbnail_link, icon_link, local_path, local_filename,
	description, folder_id, owner, created_at, updated_at`

func scanFile(row pgx.Row) (*File, error) {
	f := &File{}
	err := row.Scan(
		&f.ID, &f.RemoteID, &f.Title, &f.OriginalFilename, &f.MimeType, &f.Category,
		&f.SizeBytes, &f.WebViewLink, &f.WebContentLink, &f.ThumbnailLink, &f.IconLink,
		&f.LocalPath, &f.LocalFilename, &f.Description, &f.FolderID, &f.Owner,
		&f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// GetFile returns a file with its tags
func (db *DB) GetFile(ctx context.Context, id uuid.UUID) (*File, error) {
	f, err := scanFile(db.Pool.QueryRow(ctx,
		"SELECT "+fileColumns+" FROM files WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("file %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}

	if err := db.attachTags(ctx, db.Pool, []*File{f}); err != nil {
		return nil, err
	}
	return f, nil
}

// FindFileByRemoteID returns the file mirroring remoteID, or nil if none
func (db *DB) FindFileByRemoteID(ctx context.Context, remoteID string) (*File, error) {
	f, err := scanFile(db.Pool.QueryRow(ctx,
		"SELECT "+fileColumns+" FROM files WHERE remote_id = $1", remoteID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find file by remote id: %w", err)
	}
	return f, nil
}

// buildFileQuery renders the WHERE clause and arguments for a file filter
func buildFileQuery(filter FileFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.FolderID != nil {
		clauses = append(clauses, "f.folder_id = "+arg(*filter.FolderID))
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		p := arg("%" + strings.ToLower(q) + "%")
		clauses = append(clauses, fmt.Sprintf(
			"(lower(f.title) LIKE %s OR lower(f.original_filename) LIKE %s OR lower(COALESCE(f.description, '')) LIKE %s)",
			p, p, p))
	}
	if filter.Tag != "" {
		clauses = append(clauses, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM file_tags ft JOIN tags t ON t.id = ft.tag_id WHERE ft.file_id = f.id AND t.name = %s)",
			arg(filter.Tag)))
	}
	if filter.Category != "" {
		clauses = append(clauses, "f.category = "+arg(string(filter.Category)))
	}

	query := "SELECT " + prefixColumns("f", fileColumns) + " FROM files f"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY f.created_at DESC, f.id"

	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}
	return query, args
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// ListFiles returns files matching filter, with tags
func (db *DB) ListFiles(ctx context.Context, filter FileFilter) ([]*File, error) {
	query, args := buildFileQuery(filter)

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := db.attachTags(ctx, db.Pool, files); err != nil {
		return nil, err
	}
	return files, nil
}

// UpsertFile inserts or refreshes the remote-derived fields of a file, keyed
// by remote id. Local-only fields (description, tags, local copy) are kept.
func (db *DB) UpsertFile(ctx context.Context, f *File) (*File, error) {
	row := db.Pool.QueryRow(ctx, `
		INSERT INTO files (remote_id, title, original_filename, mime_type, category, size_bytes,
			web_view_link, web_content_link, thumbnail_link, icon_link, folder_id, owner)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (remote_id) DO UPDATE SET
			title = EXCLUDED.title,
			mime_type = EXCLUDED.mime_type,
			category = EXCLUDED.category,
			size_bytes = EXCLUDED.size_bytes,
			web_view_link = EXCLUDED.web_view_link,
			web_content_link = EXCLUDED.web_content_link,
			thumbnail_link = COALESCE(NULLIF(EXCLUDED.thumbnail_link, ''), files.thumbnail_link),
			icon_link = EXCLUDED.icon_link,
			folder_id = EXCLUDED.folder_id,
			updated_at = NOW()
		WHERE files.title IS DISTINCT FROM EXCLUDED.title
			OR files.mime_type IS DISTINCT FROM EXCLUDED.mime_type
			OR files.category IS DISTINCT FROM EXCLUDED.category
			OR files.size_bytes IS DISTINCT FROM EXCLUDED.size_bytes
			OR files.web_view_link IS DISTINCT FROM EXCLUDED.web_view_link
			OR files.web_content_link IS DISTINCT FROM EXCLUDED.web_content_link
			OR (EXCLUDED.thumbnail_link <> '' AND files.thumbnail_link IS DISTINCT FROM EXCLUDED.thumbnail_link)
			OR files.icon_link IS DISTINCT FROM EXCLUDED.icon_link
			OR files.folder_id IS DISTINCT FROM EXCLUDED.folder_id
		RETURNING `+fileColumns,
		f.RemoteID, f.Title, f.OriginalFilename, f.MimeType, string(f.Category), f.SizeBytes,
		f.WebViewLink, f.WebContentLink, f.ThumbnailLink, f.IconLink, f.FolderID, f.Owner,
	)

	stored, err := scanFile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return db.FindFileByRemoteID(ctx, f.RemoteID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert file: %w", err)
	}
	return stored, nil
}

// CreateFile inserts a file and links it to the named tags in one transaction
func (db *DB) CreateFile(ctx context.Context, f *File, tagNames []string) (*File, error) {
	var stored *File
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		stored, err = scanFile(tx.QueryRow(ctx, `
			INSERT INTO files (remote_id, title, original_filename, mime_type, category, size_bytes,
				web_view_link, web_content_link, thumbnail_link, icon_link, local_path,
				local_filename, description, folder_id, owner)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			RETURNING `+fileColumns,
			f.RemoteID, f.Title, f.OriginalFilename, f.MimeType, string(f.Category), f.SizeBytes,
			f.WebViewLink, f.WebContentLink, f.ThumbnailLink, f.IconLink, f.LocalPath,
			f.LocalFilename, f.Description, f.FolderID, f.Owner,
		))
		if err != nil {
			return fmt.Errorf("failed to create file: %w", err)
		}

		return setFileTags(ctx, tx, stored.ID, tagNames)
	})
	if err != nil {
		return nil, err
	}

	if err := db.attachTags(ctx, db.Pool, []*File{stored}); err != nil {
		return nil, err
	}
	return stored, nil
}

// UpdateFileMetadata replaces title, description and the tag set of a file
func (db *DB) UpdateFileMetadata(ctx context.Context, id uuid.UUID, title string, description *string, tagNames []string) (*File, error) {
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE files SET title = $2, description = $3, updated_at = NOW() WHERE id = $1
		`, id, title, description)
		if err != nil {
			return fmt.Errorf("failed to update file: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("file %s: %w", id, common.ErrNotFound)
		}

		if _, err := tx.Exec(ctx, "DELETE FROM file_tags WHERE file_id = $1", id); err != nil {
			return fmt.Errorf("failed to clear file tags: %w", err)
		}
		return setFileTags(ctx, tx, id, tagNames)
	})
	if err != nil {
		return nil, err
	}
	return db.GetFile(ctx, id)
}

// UpdateFileThumbnail patches the thumbnail link of a file
func (db *DB) UpdateFileThumbnail(ctx context.Context, id uuid.UUID, link string) error {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE files SET thumbnail_link = $2, updated_at = NOW() WHERE id = $1", id, link)
	if err != nil {
		return fmt.Errorf("failed to update thumbnail: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("file %s: %w", id, common.ErrNotFound)
	}
	return nil
}

// MoveFile reassigns a file to another folder
func (db *DB) MoveFile(ctx context.Context, id, folderID uuid.UUID) error {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE files SET folder_id = $2, updated_at = NOW() WHERE id = $1", id, folderID)
	if err != nil {
		return fmt.Errorf("failed to move file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("file %s: %w", id, common.ErrNotFound)
	}
	return nil
}

// DeleteFile removes a file row
func (db *DB) DeleteFile(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Pool.Exec(ctx, "DELETE FROM files WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("file %s: %w", id, common.ErrNotFound)
	}
	return nil
}

// DeleteFiles removes several file rows and returns how many existed
func (db *DB) DeleteFiles(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := db.Pool.Exec(ctx, "DELETE FROM files WHERE id = ANY($1)", ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete files: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListFilesInFolders returns every file whose folder is in folderIDs
func (db *DB) ListFilesInFolders(ctx context.Context, folderIDs []uuid.UUID) ([]*File, error) {
	if len(folderIDs) == 0 {
		return nil, nil
	}

	rows, err := db.Pool.Query(ctx,
		"SELECT "+fileColumns+" FROM files WHERE folder_id = ANY($1)", folderIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query folder files: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// attachTags loads the tag set of each file in one query
func (db *DB) attachTags(ctx context.Context, q querier, files []*File) error {
	if len(files) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, len(files))
	byID := make(map[uuid.UUID]*File, len(files))
	for i, f := range files {
		ids[i] = f.ID
		byID[f.ID] = f
		f.Tags = []Tag{}
	}

	rows, err := q.Query(ctx, `
		SELECT ft.file_id, t.id, t.name, t.created_at, t.updated_at
		FROM file_tags ft JOIN tags t ON t.id = ft.tag_id
		WHERE ft.file_id = ANY($1)
		ORDER BY t.name
	`, ids)
	if err != nil {
		return fmt.Errorf("failed to load file tags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var fileID uuid.UUID
		var t Tag
		if err := rows.Scan(&fileID, &t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return err
		}
		if f, ok := byID[fileID]; ok {
			f.Tags = append(f.Tags, t)
		}
	}
	return rows.Err()
}
