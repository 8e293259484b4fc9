package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vonshlovens/drivesync-pg/internal/drive"
)

// Traverser flattens a remote folder tree
type Traverser struct {
	remote Remote
	logger *slog.Logger
}

// NewTraverser creates a traverser over remote
func NewTraverser(remote Remote, logger *slog.Logger) *Traverser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Traverser{remote: remote, logger: logger}
}

type walkState struct {
	visited map[string]bool
	items   []drive.Item
}

// Walk returns every item below rootID. Shortcuts to folders are followed
// and additionally reported as folder items keyed by the target id with
// the shortcut's parents. The result holds each remote id once and never
// the root itself.
func (t *Traverser) Walk(ctx context.Context, rootID string) ([]drive.Item, error) {
	w := &walkState{visited: map[string]bool{rootID: true}}
	if err := t.walkDir(ctx, rootID, w); err != nil {
		return nil, err
	}
	return dedupe(w.items, rootID), nil
}

func (t *Traverser) walkDir(ctx context.Context, dirID string, w *walkState) error {
	children, err := listAll(ctx, func(ctx context.Context, token string) (*drive.Page, error) {
		return t.remote.ListChildren(ctx, dirID, token)
	})
	if err != nil {
		return fmt.Errorf("failed to list folder %s: %w", dirID, err)
	}

	w.items = append(w.items, children...)

	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch {
		case child.IsFolder():
			if w.visited[child.ID] {
				continue
			}
			w.visited[child.ID] = true
			if err := t.walkDir(ctx, child.ID, w); err != nil {
				return err
			}

		case child.IsShortcut():
			if err := t.followShortcut(ctx, child, w); err != nil {
				return err
			}
		}
	}
	return nil
}

// followShortcut resolves a shortcut and descends into folder targets.
// A target that cannot be fetched is skipped.
func (t *Traverser) followShortcut(ctx context.Context, shortcut drive.Item, w *walkState) error {
	if shortcut.ShortcutTargetID == "" {
		t.logger.Warn("shortcut has no target", "remote_id", shortcut.ID, "name", shortcut.Name)
		return nil
	}

	target, err := t.remote.GetItem(ctx, shortcut.ShortcutTargetID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.logger.Warn("failed to resolve shortcut target, skipping",
			"remote_id", shortcut.ID,
			"target_id", shortcut.ShortcutTargetID,
			"error", err)
		return nil
	}

	if !target.IsFolder() {
		return nil
	}

	w.items = append(w.items, drive.Item{
		ID:               target.ID,
		Name:             target.Name,
		MimeType:         drive.FolderMimeType,
		Parents:          shortcut.Parents,
		ModifiedTime:     target.ModifiedTime,
		WebViewLink:      target.WebViewLink,
		IconLink:         target.IconLink,
		ResolvedShortcut: true,
	})

	if w.visited[target.ID] {
		return nil
	}
	w.visited[target.ID] = true
	return t.walkDir(ctx, target.ID, w)
}

// dedupe keeps one item per remote id and drops exclude. Real items replace
// folder entries synthesized from shortcuts; otherwise the first occurrence
// wins.
func dedupe(items []drive.Item, exclude string) []drive.Item {
	index := make(map[string]int, len(items))
	out := make([]drive.Item, 0, len(items))

	for _, item := range items {
		if item.ID == exclude {
			continue
		}
		i, seen := index[item.ID]
		if !seen {
			index[item.ID] = len(out)
			out = append(out, item)
			continue
		}
		if out[i].ResolvedShortcut && !item.ResolvedShortcut {
			out[i] = item
		}
	}
	return out
}
