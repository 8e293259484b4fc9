package manager

import (
	"context"
	"fmt"
	"strings"

	"github.com/vonshlovens/drivesync-pg/internal/common"
	"github.com/vonshlovens/drivesync-pg/internal/db"
)

func (m *Manager) ListTags(ctx context.Context) ([]*db.Tag, error) {
	return m.store.ListTags(ctx)
}

// CreateTag returns the named tag, creating it with no files if needed
func (m *Manager) CreateTag(ctx context.Context, name string) (*db.Tag, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("tag name is required: %w", common.ErrValidation)
	}
	return m.store.UpsertTag(ctx, name)
}

// RenameTag renames a tag, merging it into newName if that tag exists
func (m *Manager) RenameTag(ctx context.Context, oldName, newName string) (*db.Tag, error) {
	oldName, newName = strings.TrimSpace(oldName), strings.TrimSpace(newName)
	if oldName == "" || newName == "" {
		return nil, fmt.Errorf("tag names are required: %w", common.ErrValidation)
	}
	tag, err := m.store.RenameTag(ctx, oldName, newName)
	if err != nil {
		return nil, err
	}
	m.logger.Info("tag renamed", "from", oldName, "to", newName)
	return tag, nil
}

func (m *Manager) DeleteTag(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("tag name is required: %w", common.ErrValidation)
	}
	return m.store.DeleteTag(ctx, name)
}
