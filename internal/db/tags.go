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

// NormalizeTagNames trims, drops empties and de-duplicates tag names,
// keeping first-seen order
func NormalizeTagNames(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func upsertTag(ctx context.Context, q querier, name string) (*Tag, error) {
	t := &Tag{}
	err := q.QueryRow(ctx, `
		INSERT INTO tags (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, created_at, updated_at
	`, name).Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert tag %q: %w", name, err)
	}
	return t, nil
}

// setFileTags links a file to each named tag, creating tags on first use
func setFileTags(ctx context.Context, q querier, fileID uuid.UUID, names []string) error {
	for _, name := range NormalizeTagNames(names) {
		t, err := upsertTag(ctx, q, name)
		if err != nil {
			return err
		}
		if _, err := q.Exec(ctx, `
			INSERT INTO file_tags (file_id, tag_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, fileID, t.ID); err != nil {
			return fmt.Errorf("failed to link tag %q: %w", name, err)
		}
	}
	return nil
}

// UpsertTag returns the tag named name, creating it if needed
func (db *DB) UpsertTag(ctx context.Context, name string) (*Tag, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("tag name is empty: %w", common.ErrValidation)
	}
	return upsertTag(ctx, db.Pool, name)
}

// ListTags returns every tag with the number of files carrying it
func (db *DB) ListTags(ctx context.Context) ([]*Tag, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT t.id, t.name, COUNT(ft.file_id), t.created_at, t.updated_at
		FROM tags t LEFT JOIN file_tags ft ON ft.tag_id = t.id
		GROUP BY t.id
		ORDER BY t.name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tags: %w", err)
	}
	defer rows.Close()

	var tags []*Tag
	for rows.Next() {
		t := &Tag{}
		if err := rows.Scan(&t.ID, &t.Name, &t.FileCount, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// RenameTag rekeys a tag. If newName already exists the file associations of
// oldName are merged into it and oldName is removed.
func (db *DB) RenameTag(ctx context.Context, oldName, newName string) (*Tag, error) {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return nil, fmt.Errorf("tag name is empty: %w", common.ErrValidation)
	}

	var renamed Tag
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		var oldID uuid.UUID
		err := tx.QueryRow(ctx,
			"SELECT id FROM tags WHERE name = $1 FOR UPDATE", oldName).Scan(&oldID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("tag %q: %w", oldName, common.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock tag: %w", err)
		}

		if oldName == newName {
			return tx.QueryRow(ctx,
				"SELECT id, name, created_at, updated_at FROM tags WHERE id = $1", oldID,
			).Scan(&renamed.ID, &renamed.Name, &renamed.CreatedAt, &renamed.UpdatedAt)
		}

		var targetID uuid.UUID
		err = tx.QueryRow(ctx,
			"SELECT id FROM tags WHERE name = $1 FOR UPDATE", newName).Scan(&targetID)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			err = tx.QueryRow(ctx, `
				UPDATE tags SET name = $2, updated_at = NOW() WHERE id = $1
				RETURNING id, name, created_at, updated_at
			`, oldID, newName).Scan(&renamed.ID, &renamed.Name, &renamed.CreatedAt, &renamed.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to rename tag: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("failed to look up tag: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO file_tags (file_id, tag_id)
			SELECT file_id, $2 FROM file_tags WHERE tag_id = $1
			ON CONFLICT DO NOTHING
		`, oldID, targetID); err != nil {
			return fmt.Errorf("failed to merge tag associations: %w", err)
		}
		if _, err := tx.Exec(ctx, "DELETE FROM tags WHERE id = $1", oldID); err != nil {
			return fmt.Errorf("failed to delete merged tag: %w", err)
		}

		return tx.QueryRow(ctx, `
			UPDATE tags SET updated_at = NOW() WHERE id = $1
			RETURNING id, name, created_at, updated_at
		`, targetID).Scan(&renamed.ID, &renamed.Name, &renamed.CreatedAt, &renamed.UpdatedAt)
	})
	if err != nil {
		return nil, err
	}
	return &renamed, nil
}

// DeleteTag removes a tag and its file associations; files are kept
func (db *DB) DeleteTag(ctx context.Context, name string) error {
	tag, err := db.Pool.Exec(ctx, "DELETE FROM tags WHERE name = $1", name)
	if err != nil {
		return fmt.Errorf("failed to delete tag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tag %q: %w", name, common.ErrNotFound)
	}
	return nil
}
