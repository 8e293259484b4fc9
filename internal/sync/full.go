package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/vonshlovens/drivesync-pg/internal/db"
	"github.com/vonshlovens/drivesync-pg/internal/drive"
)

// Report summarizes a full sync
type Report struct {
	Folders  int64         `json:"folders"`
	Files    int64         `json:"files"`
	Skipped  int64         `json:"skipped"`
	Failed   int64         `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// folderIndex maps remote folder ids to local ids during a full sync
type folderIndex struct {
	mu  gosync.RWMutex
	ids map[string]uuid.UUID
}

func (fi *folderIndex) get(remoteID string) (uuid.UUID, bool) {
	fi.mu.RLock()
	defer fi.mu.RUnlock()
	id, ok := fi.ids[remoteID]
	return id, ok
}

func (fi *folderIndex) set(remoteID string, id uuid.UUID) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.ids[remoteID] = id
}

// touchedSet collects folder remote ids whose views changed
type touchedSet struct {
	mu  gosync.Mutex
	ids map[string]bool
}

func (ts *touchedSet) add(remoteID string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.ids[remoteID] = true
}

func (ts *touchedSet) paths() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	paths := []string{"/"}
	for id := range ts.ids {
		paths = append(paths, FolderPath(id))
	}
	return paths
}

// FullSync reconciles the whole mirror against the remote tree. Item
// failures are logged and counted; only root resolution, traversal and the
// overall deadline fail the call.
func (e *Engine) FullSync(ctx context.Context) (*Report, error) {
	start := time.Now()
	e.logger.Info("starting full sync")

	if e.fullSyncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.fullSyncTimeout)
		defer cancel()
	}

	root, err := e.ensureRoot(ctx)
	if err != nil {
		return nil, err
	}

	items, err := e.traverser.Walk(ctx, root.RemoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to walk remote tree: %w", err)
	}

	var folders, files []drive.Item
	for _, item := range items {
		if item.IsFolder() {
			folders = append(folders, item)
		} else {
			files = append(files, item)
		}
	}

	e.logger.Info("remote tree scanned",
		"folders", len(folders),
		"files", len(files),
		"duration_ms", time.Since(start).Milliseconds())

	var (
		report  Report
		index   = &folderIndex{ids: map[string]uuid.UUID{root.RemoteID: root.ID}}
		touched = &touchedSet{ids: make(map[string]bool)}
	)

	inTree := make(map[string]bool, len(folders))
	for _, f := range folders {
		inTree[f.ID] = true
	}

	// Parents must exist before children reference them
	bar := e.newBar(len(folders), "Syncing folders")
	for _, level := range folderLevels(folders, root.RemoteID) {
		e.fanOut(ctx, level, bar, func(ctx context.Context, item drive.Item) {
			e.syncFolder(ctx, item, root.RemoteID, inTree, index, touched, &report)
		})
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("full sync aborted: %w", err)
		}
	}
	finishBar(bar)

	bar = e.newBar(len(files), "Syncing files")
	e.fanOut(ctx, files, bar, func(ctx context.Context, item drive.Item) {
		e.syncFile(ctx, item, index, touched, &report)
	})
	finishBar(bar)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("full sync aborted: %w", err)
	}

	e.invalidator.Invalidate(touched.paths()...)

	report.Duration = time.Since(start)
	e.logger.Info("full sync completed",
		"folders", report.Folders,
		"files", report.Files,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"duration_s", report.Duration.Seconds())

	return &report, nil
}

// ensureRoot resolves the remote root and mirrors it as the root folder
func (e *Engine) ensureRoot(ctx context.Context) (*db.Folder, error) {
	item, err := e.remote.GetItem(ctx, e.remote.RootID())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root folder: %w", err)
	}

	root, err := e.store.UpsertFolder(ctx, &db.Folder{
		RemoteID: item.ID,
		Title:    item.Name,
		IsRoot:   true,
		Owner:    e.owner,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mirror root folder: %w", err)
	}
	return root, nil
}

// fanOut runs fn over items with at most e.concurrency in flight
func (e *Engine) fanOut(ctx context.Context, items []drive.Item, bar *progressbar.ProgressBar, fn func(ctx context.Context, item drive.Item)) {
	var g errgroup.Group
	g.SetLimit(e.concurrency)

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			fn(ctx, item)
			if bar != nil {
				bar.Add(1)
			}
			return nil
		})
	}
	g.Wait()
}

func (e *Engine) syncFolder(ctx context.Context, item drive.Item, rootRemoteID string, inTree map[string]bool, index *folderIndex, touched *touchedSet, report *Report) {
	parentRemoteID, ok := folderParent(item, rootRemoteID, inTree, index)
	if !ok {
		e.logger.Warn("skipping folder with unmirrored parent",
			"remote_id", item.ID, "name", item.Name, "parents", item.Parents)
		atomic.AddInt64(&report.Skipped, 1)
		return
	}

	parentID, _ := index.get(parentRemoteID)
	stored, err := e.store.UpsertFolder(ctx, &db.Folder{
		RemoteID:   item.ID,
		Title:      item.Name,
		ParentID:   &parentID,
		IsShortcut: item.ResolvedShortcut,
		Owner:      e.owner,
	})
	if err != nil {
		e.logger.Error("failed to sync folder", "remote_id", item.ID, "name", item.Name, "error", err)
		atomic.AddInt64(&report.Failed, 1)
		return
	}

	index.set(item.ID, stored.ID)
	touched.add(parentRemoteID)
	atomic.AddInt64(&report.Folders, 1)
}

func (e *Engine) syncFile(ctx context.Context, item drive.Item, index *folderIndex, touched *touchedSet, report *Report) {
	if item.IsShortcut() {
		e.logger.Debug("skipping shortcut to non-folder", "remote_id", item.ID, "name", item.Name)
		atomic.AddInt64(&report.Skipped, 1)
		return
	}

	category, ok := drive.CategoryForMime(item.MimeType)
	if !ok {
		e.logger.Warn("skipping file with unknown mime type",
			"remote_id", item.ID, "name", item.Name, "mime", item.MimeType)
		atomic.AddInt64(&report.Skipped, 1)
		return
	}

	parentRemoteID, folderID, err := e.resolveParent(ctx, item, index)
	if err != nil {
		e.logger.Error("failed to resolve parent folder", "remote_id", item.ID, "error", err)
		atomic.AddInt64(&report.Failed, 1)
		return
	}
	if parentRemoteID == "" {
		e.logger.Warn("skipping file with unmirrored parent",
			"remote_id", item.ID, "name", item.Name, "parents", item.Parents)
		atomic.AddInt64(&report.Skipped, 1)
		return
	}

	if _, err := e.store.UpsertFile(ctx, e.fileFromItem(item, category, folderID)); err != nil {
		e.logger.Error("failed to sync file", "remote_id", item.ID, "name", item.Name, "error", err)
		atomic.AddInt64(&report.Failed, 1)
		return
	}

	touched.add(parentRemoteID)
	atomic.AddInt64(&report.Files, 1)
}

// resolveParent finds the local folder of a file, preferring folders seen
// during this sync and falling back to the store
func (e *Engine) resolveParent(ctx context.Context, item drive.Item, index *folderIndex) (string, uuid.UUID, error) {
	for _, p := range item.Parents {
		if id, ok := index.get(p); ok {
			return p, id, nil
		}
	}
	for _, p := range item.Parents {
		f, err := e.store.FindFolderByRemoteID(ctx, p)
		if err != nil {
			return "", uuid.Nil, err
		}
		if f != nil {
			return p, f.ID, nil
		}
	}
	return "", uuid.Nil, nil
}

// folderParent picks the mirrored parent of a folder. Folders whose parents
// all lie outside the walked tree hang off the root; folders whose in-tree
// parent failed to mirror are reported as unresolved.
func folderParent(item drive.Item, rootRemoteID string, inTree map[string]bool, index *folderIndex) (string, bool) {
	for _, p := range item.Parents {
		if _, ok := index.get(p); ok {
			return p, true
		}
	}
	for _, p := range item.Parents {
		if p == rootRemoteID || inTree[p] {
			return "", false
		}
	}
	return rootRemoteID, true
}

// parentOf picks the parent a folder is mirrored under: the first parent
// that is the root or known, else the root
func parentOf(item drive.Item, rootRemoteID string, known func(string) bool) string {
	for _, p := range item.Parents {
		if p == rootRemoteID || known(p) {
			return p
		}
	}
	return rootRemoteID
}

// folderLevels groups folders by depth below the root so that each level
// only references folders from earlier levels
func folderLevels(folders []drive.Item, rootRemoteID string) [][]drive.Item {
	byID := make(map[string]drive.Item, len(folders))
	for _, f := range folders {
		byID[f.ID] = f
	}
	known := func(id string) bool {
		_, ok := byID[id]
		return ok
	}

	depth := make(map[string]int, len(folders))
	var depthOf func(id string, seen map[string]bool) int
	depthOf = func(id string, seen map[string]bool) int {
		if id == rootRemoteID {
			return 0
		}
		if d, ok := depth[id]; ok {
			return d
		}
		if seen[id] {
			// Cycle in remote parent links: hang it off the root
			return 0
		}
		seen[id] = true

		d := depthOf(parentOf(byID[id], rootRemoteID, known), seen) + 1
		depth[id] = d
		return d
	}

	var levels [][]drive.Item
	for _, f := range folders {
		d := depthOf(f.ID, map[string]bool{})
		for len(levels) < d {
			levels = append(levels, nil)
		}
		levels[d-1] = append(levels[d-1], f)
	}
	return levels
}

func (e *Engine) newBar(total int, description string) *progressbar.ProgressBar {
	if !e.progress || total == 0 {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
	)
}

func finishBar(bar *progressbar.ProgressBar) {
	if bar != nil {
		bar.Finish()
	}
}
