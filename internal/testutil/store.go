// Package testutil provides in-memory fakes of the persistence gateway and
// the remote drive for tests.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vonshlovens/drivesync-pg/internal/common"
	"github.com/vonshlovens/drivesync-pg/internal/db"
)

// MemoryStore is an in-memory persistence gateway with the same upsert and
// cascade semantics as the PostgreSQL one. Every write that changes a row
// bumps the mutation counter.
type MemoryStore struct {
	mu        sync.Mutex
	folders   map[uuid.UUID]*db.Folder
	files     map[uuid.UUID]*db.File
	tags      map[uuid.UUID]*db.Tag
	fileTags  map[uuid.UUID]map[uuid.UUID]bool // file -> tags
	mutations int
	seq       int64
	base      time.Time

	opFailures   map[string]error
	itemFailures map[string]error
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		folders:      make(map[uuid.UUID]*db.Folder),
		files:        make(map[uuid.UUID]*db.File),
		tags:         make(map[uuid.UUID]*db.Tag),
		fileTags:     make(map[uuid.UUID]map[uuid.UUID]bool),
		base:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		opFailures:   make(map[string]error),
		itemFailures: make(map[string]error),
	}
}

// FailOp makes every call of the named method return err
func (s *MemoryStore) FailOp(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.opFailures, op)
		return
	}
	s.opFailures[op] = err
}

// FailItem makes folder and file writes for remoteID return err
func (s *MemoryStore) FailItem(remoteID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.itemFailures, remoteID)
		return
	}
	s.itemFailures[remoteID] = err
}

// Mutations returns the number of row changes so far
func (s *MemoryStore) Mutations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutations
}

// ResetMutations zeroes the mutation counter
func (s *MemoryStore) ResetMutations() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutations = 0
}

// Folders returns copies of every folder row
func (s *MemoryStore) Folders() []*db.Folder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*db.Folder, 0, len(s.folders))
	for _, f := range s.folders {
		out = append(out, copyFolder(f))
	}
	sortFolders(out)
	return out
}

// Files returns copies of every file row
func (s *MemoryStore) Files() []*db.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*db.File, 0, len(s.files))
	for _, f := range s.files {
		out = append(out, s.fileWithTags(f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}

// SeedFolder inserts a folder directly, without counting a mutation
func (s *MemoryStore) SeedFolder(f *db.Folder) *db.Folder {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.insertFolder(f)
	return copyFolder(stored)
}

func (s *MemoryStore) now() time.Time {
	s.seq++
	return s.base.Add(time.Duration(s.seq) * time.Second)
}

func (s *MemoryStore) fail(op string) error {
	return s.opFailures[op]
}

func (s *MemoryStore) insertFolder(f *db.Folder) *db.Folder {
	stored := copyFolder(f)
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	if stored.LastSyncTime.IsZero() {
		stored.LastSyncTime = db.Epoch
	}
	stored.CreatedAt = s.now()
	stored.UpdatedAt = stored.CreatedAt
	s.folders[stored.ID] = stored
	return stored
}

func (s *MemoryStore) folderByRemote(remoteID string) *db.Folder {
	for _, f := range s.folders {
		if f.RemoteID == remoteID {
			return f
		}
	}
	return nil
}

func (s *MemoryStore) fileByRemote(remoteID string) *db.File {
	for _, f := range s.files {
		if f.RemoteID == remoteID {
			return f
		}
	}
	return nil
}

// GetFolder returns the folder with the given id
func (s *MemoryStore) GetFolder(ctx context.Context, id uuid.UUID) (*db.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetFolder"); err != nil {
		return nil, err
	}
	f, ok := s.folders[id]
	if !ok {
		return nil, fmt.Errorf("folder %s: %w", id, common.ErrNotFound)
	}
	return copyFolder(f), nil
}

// FindFolderByRemoteID returns the folder mirroring remoteID, or nil
func (s *MemoryStore) FindFolderByRemoteID(ctx context.Context, remoteID string) (*db.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("FindFolderByRemoteID"); err != nil {
		return nil, err
	}
	if f := s.folderByRemote(remoteID); f != nil {
		return copyFolder(f), nil
	}
	return nil, nil
}

// FindRootFolders returns root folders, oldest first
func (s *MemoryStore) FindRootFolders(ctx context.Context) ([]*db.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Folder
	for _, f := range s.folders {
		if f.IsRoot {
			out = append(out, copyFolder(f))
		}
	}
	sortFolders(out)
	return out, nil
}

// ListChildFolders returns the direct children of parentID
func (s *MemoryStore) ListChildFolders(ctx context.Context, parentID uuid.UUID) ([]*db.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Folder
	for _, f := range s.folders {
		if f.ParentID != nil && *f.ParentID == parentID {
			out = append(out, copyFolder(f))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Title) < strings.ToLower(out[j].Title)
	})
	return out, nil
}

// ListFavoriteFolders returns favorite folders
func (s *MemoryStore) ListFavoriteFolders(ctx context.Context) ([]*db.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Folder
	for _, f := range s.folders {
		if f.IsFavorite {
			out = append(out, copyFolder(f))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Title) < strings.ToLower(out[j].Title)
	})
	return out, nil
}

// UpsertFolder inserts or refreshes a folder keyed by remote id
func (s *MemoryStore) UpsertFolder(ctx context.Context, f *db.Folder) (*db.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("UpsertFolder"); err != nil {
		return nil, err
	}
	if err := s.itemFailures[f.RemoteID]; err != nil {
		return nil, err
	}

	existing := s.folderByRemote(f.RemoteID)
	if existing == nil {
		if f.ParentID != nil {
			if _, ok := s.folders[*f.ParentID]; !ok {
				return nil, fmt.Errorf("parent folder %s does not exist", *f.ParentID)
			}
		}
		insert := &db.Folder{
			RemoteID:   f.RemoteID,
			Title:      f.Title,
			ParentID:   f.ParentID,
			IsShortcut: f.IsShortcut,
			IsRoot:     f.IsRoot,
			Owner:      f.Owner,
		}
		s.mutations++
		return copyFolder(s.insertFolder(insert)), nil
	}

	changed := existing.Title != f.Title ||
		!sameUUID(existing.ParentID, f.ParentID) ||
		existing.IsShortcut != f.IsShortcut ||
		(f.IsRoot && !existing.IsRoot)
	if changed {
		existing.Title = f.Title
		existing.ParentID = copyUUID(f.ParentID)
		existing.IsShortcut = f.IsShortcut
		existing.IsRoot = existing.IsRoot || f.IsRoot
		existing.UpdatedAt = s.now()
		s.mutations++
	}
	return copyFolder(existing), nil
}

// CreateFolder inserts a new folder; remote ids must be unique
func (s *MemoryStore) CreateFolder(ctx context.Context, f *db.Folder) (*db.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateFolder"); err != nil {
		return nil, err
	}
	if err := s.itemFailures[f.RemoteID]; err != nil {
		return nil, err
	}
	if s.folderByRemote(f.RemoteID) != nil {
		return nil, fmt.Errorf("duplicate folder remote id %s", f.RemoteID)
	}
	if f.ParentID != nil {
		if _, ok := s.folders[*f.ParentID]; !ok {
			return nil, fmt.Errorf("parent folder %s does not exist", *f.ParentID)
		}
	}
	s.mutations++
	return copyFolder(s.insertFolder(&db.Folder{
		RemoteID:     f.RemoteID,
		Title:        f.Title,
		Description:  f.Description,
		IsRoot:       f.IsRoot,
		IsShortcut:   f.IsShortcut,
		IsFavorite:   f.IsFavorite,
		ParentID:     f.ParentID,
		LastSyncTime: f.LastSyncTime,
		Owner:        f.Owner,
	})), nil
}

// UpdateFolder applies the non-nil fields of u
func (s *MemoryStore) UpdateFolder(ctx context.Context, id uuid.UUID, u db.FolderUpdate) (*db.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("UpdateFolder"); err != nil {
		return nil, err
	}
	f, ok := s.folders[id]
	if !ok {
		return nil, fmt.Errorf("folder %s: %w", id, common.ErrNotFound)
	}
	if u.Title != nil {
		f.Title = *u.Title
	}
	if u.Description != nil {
		d := *u.Description
		f.Description = &d
	}
	if u.ParentID != nil {
		f.ParentID = copyUUID(u.ParentID)
	}
	if u.IsFavorite != nil {
		f.IsFavorite = *u.IsFavorite
	}
	f.UpdatedAt = s.now()
	s.mutations++
	return copyFolder(f), nil
}

// MoveFolder reassigns the parent of a folder
func (s *MemoryStore) MoveFolder(ctx context.Context, id, parentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("MoveFolder"); err != nil {
		return err
	}
	f, ok := s.folders[id]
	if !ok {
		return fmt.Errorf("folder %s: %w", id, common.ErrNotFound)
	}
	f.ParentID = &parentID
	f.UpdatedAt = s.now()
	s.mutations++
	return nil
}

// AdvanceLastSyncTime is a compare-and-swap on the folder watermark
func (s *MemoryStore) AdvanceLastSyncTime(ctx context.Context, id uuid.UUID, expected, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("AdvanceLastSyncTime"); err != nil {
		return err
	}
	f, ok := s.folders[id]
	if !ok || !f.LastSyncTime.Equal(expected) || next.Before(f.LastSyncTime) {
		return fmt.Errorf("folder %s: %w", id, common.ErrSyncConflict)
	}
	// Watermark only: not a content mutation
	f.LastSyncTime = next
	return nil
}

func (s *MemoryStore) subtree(id uuid.UUID) []uuid.UUID {
	ids := []uuid.UUID{id}
	for i := 0; i < len(ids); i++ {
		for _, f := range s.folders {
			if f.ParentID != nil && *f.ParentID == ids[i] {
				ids = append(ids, f.ID)
			}
		}
	}
	return ids
}

// ListFolderTree returns the folder and all of its descendants
func (s *MemoryStore) ListFolderTree(ctx context.Context, id uuid.UUID) ([]*db.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.folders[id]; !ok {
		return nil, nil
	}
	var out []*db.Folder
	for _, fid := range s.subtree(id) {
		out = append(out, copyFolder(s.folders[fid]))
	}
	return out, nil
}

// DeleteFolder removes a folder, its descendants and their files
func (s *MemoryStore) DeleteFolder(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DeleteFolder"); err != nil {
		return err
	}
	if _, ok := s.folders[id]; !ok {
		return fmt.Errorf("folder %s: %w", id, common.ErrNotFound)
	}
	for _, fid := range s.subtree(id) {
		for _, file := range s.files {
			if file.FolderID == fid {
				delete(s.files, file.ID)
				delete(s.fileTags, file.ID)
			}
		}
		delete(s.folders, fid)
	}
	s.mutations++
	return nil
}

// ReparentChildren moves every child folder and file of from under to
func (s *MemoryStore) ReparentChildren(ctx context.Context, from, to uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.folders {
		if f.ParentID != nil && *f.ParentID == from {
			t := to
			f.ParentID = &t
			s.mutations++
		}
	}
	for _, f := range s.files {
		if f.FolderID == from {
			f.FolderID = to
			s.mutations++
		}
	}
	return nil
}

// GetFile returns a file with its tags
func (s *MemoryStore) GetFile(ctx context.Context, id uuid.UUID) (*db.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", id, common.ErrNotFound)
	}
	return s.fileWithTags(f), nil
}

// FindFileByRemoteID returns the file mirroring remoteID, or nil
func (s *MemoryStore) FindFileByRemoteID(ctx context.Context, remoteID string) (*db.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f := s.fileByRemote(remoteID); f != nil {
		return s.fileWithTags(f), nil
	}
	return nil, nil
}

// ListFiles returns files matching filter, newest first
func (s *MemoryStore) ListFiles(ctx context.Context, filter db.FileFilter) ([]*db.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ListFiles"); err != nil {
		return nil, err
	}

	q := strings.ToLower(strings.TrimSpace(filter.Query))
	var out []*db.File
	for _, f := range s.files {
		if filter.FolderID != nil && f.FolderID != *filter.FolderID {
			continue
		}
		if filter.Category != "" && f.Category != filter.Category {
			continue
		}
		if q != "" {
			desc := ""
			if f.Description != nil {
				desc = *f.Description
			}
			if !strings.Contains(strings.ToLower(f.Title), q) &&
				!strings.Contains(strings.ToLower(f.OriginalFilename), q) &&
				!strings.Contains(strings.ToLower(desc), q) {
				continue
			}
		}
		withTags := s.fileWithTags(f)
		if filter.Tag != "" && !hasTag(withTags, filter.Tag) {
			continue
		}
		out = append(out, withTags)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpsertFile inserts or refreshes the remote-derived fields of a file
func (s *MemoryStore) UpsertFile(ctx context.Context, f *db.File) (*db.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("UpsertFile"); err != nil {
		return nil, err
	}
	if err := s.itemFailures[f.RemoteID]; err != nil {
		return nil, err
	}
	if _, ok := s.folders[f.FolderID]; !ok {
		return nil, fmt.Errorf("folder %s does not exist", f.FolderID)
	}

	existing := s.fileByRemote(f.RemoteID)
	if existing == nil {
		stored := &db.File{
			ID:               uuid.New(),
			RemoteID:         f.RemoteID,
			Title:            f.Title,
			OriginalFilename: f.OriginalFilename,
			MimeType:         f.MimeType,
			Category:         f.Category,
			SizeBytes:        f.SizeBytes,
			WebViewLink:      f.WebViewLink,
			WebContentLink:   f.WebContentLink,
			ThumbnailLink:    f.ThumbnailLink,
			IconLink:         f.IconLink,
			FolderID:         f.FolderID,
			Owner:            f.Owner,
		}
		stored.CreatedAt = s.now()
		stored.UpdatedAt = stored.CreatedAt
		s.files[stored.ID] = stored
		s.mutations++
		return s.fileWithTags(stored), nil
	}

	changed := existing.Title != f.Title ||
		existing.MimeType != f.MimeType ||
		existing.Category != f.Category ||
		existing.SizeBytes != f.SizeBytes ||
		existing.WebViewLink != f.WebViewLink ||
		existing.WebContentLink != f.WebContentLink ||
		(f.ThumbnailLink != "" && existing.ThumbnailLink != f.ThumbnailLink) ||
		existing.IconLink != f.IconLink ||
		existing.FolderID != f.FolderID
	if changed {
		existing.Title = f.Title
		existing.MimeType = f.MimeType
		existing.Category = f.Category
		existing.SizeBytes = f.SizeBytes
		existing.WebViewLink = f.WebViewLink
		existing.WebContentLink = f.WebContentLink
		if f.ThumbnailLink != "" {
			existing.ThumbnailLink = f.ThumbnailLink
		}
		existing.IconLink = f.IconLink
		existing.FolderID = f.FolderID
		existing.UpdatedAt = s.now()
		s.mutations++
	}
	return s.fileWithTags(existing), nil
}

// CreateFile inserts a file and links it to the named tags
func (s *MemoryStore) CreateFile(ctx context.Context, f *db.File, tagNames []string) (*db.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateFile"); err != nil {
		return nil, err
	}
	if s.fileByRemote(f.RemoteID) != nil {
		return nil, fmt.Errorf("duplicate file remote id %s", f.RemoteID)
	}
	if _, ok := s.folders[f.FolderID]; !ok {
		return nil, fmt.Errorf("folder %s does not exist", f.FolderID)
	}

	stored := *f
	stored.ID = uuid.New()
	stored.Tags = nil
	stored.CreatedAt = s.now()
	stored.UpdatedAt = stored.CreatedAt
	s.files[stored.ID] = &stored
	s.setFileTags(stored.ID, tagNames)
	s.mutations++
	return s.fileWithTags(&stored), nil
}

// UpdateFileMetadata replaces title, description and tag set
func (s *MemoryStore) UpdateFileMetadata(ctx context.Context, id uuid.UUID, title string, description *string, tagNames []string) (*db.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("UpdateFileMetadata"); err != nil {
		return nil, err
	}
	f, ok := s.files[id]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", id, common.ErrNotFound)
	}
	f.Title = title
	f.Description = copyString(description)
	f.UpdatedAt = s.now()
	delete(s.fileTags, id)
	s.setFileTags(id, tagNames)
	s.mutations++
	return s.fileWithTags(f), nil
}

// UpdateFileThumbnail patches the thumbnail link of a file
func (s *MemoryStore) UpdateFileThumbnail(ctx context.Context, id uuid.UUID, link string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("UpdateFileThumbnail"); err != nil {
		return err
	}
	f, ok := s.files[id]
	if !ok {
		return fmt.Errorf("file %s: %w", id, common.ErrNotFound)
	}
	f.ThumbnailLink = link
	f.UpdatedAt = s.now()
	s.mutations++
	return nil
}

// MoveFile reassigns a file to another folder
func (s *MemoryStore) MoveFile(ctx context.Context, id, folderID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return fmt.Errorf("file %s: %w", id, common.ErrNotFound)
	}
	if _, ok := s.folders[folderID]; !ok {
		return fmt.Errorf("folder %s does not exist", folderID)
	}
	f.FolderID = folderID
	f.UpdatedAt = s.now()
	s.mutations++
	return nil
}

// DeleteFile removes a file row
func (s *MemoryStore) DeleteFile(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DeleteFile"); err != nil {
		return err
	}
	if _, ok := s.files[id]; !ok {
		return fmt.Errorf("file %s: %w", id, common.ErrNotFound)
	}
	delete(s.files, id)
	delete(s.fileTags, id)
	s.mutations++
	return nil
}

// DeleteFiles removes several file rows
func (s *MemoryStore) DeleteFiles(ctx context.Context, ids []uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := s.files[id]; ok {
			delete(s.files, id)
			delete(s.fileTags, id)
			n++
		}
	}
	if n > 0 {
		s.mutations++
	}
	return n, nil
}

// ListFilesInFolders returns files in any of folderIDs
func (s *MemoryStore) ListFilesInFolders(ctx context.Context, folderIDs []uuid.UUID) ([]*db.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := make(map[uuid.UUID]bool, len(folderIDs))
	for _, id := range folderIDs {
		in[id] = true
	}
	var out []*db.File
	for _, f := range s.files {
		if in[f.FolderID] {
			out = append(out, s.fileWithTags(f))
		}
	}
	return out, nil
}

// UpsertTag returns the named tag, creating it if needed
func (s *MemoryStore) UpsertTag(ctx context.Context, name string) (*db.Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("tag name is empty: %w", common.ErrValidation)
	}
	t := *s.upsertTag(name)
	return &t, nil
}

// ListTags returns every tag with its file count
func (s *MemoryStore) ListTags(ctx context.Context) ([]*db.Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Tag
	for _, t := range s.tags {
		c := *t
		c.FileCount = 0
		for _, set := range s.fileTags {
			if set[t.ID] {
				c.FileCount++
			}
		}
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RenameTag rekeys a tag, merging into newName if it exists
func (s *MemoryStore) RenameTag(ctx context.Context, oldName, newName string) (*db.Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return nil, fmt.Errorf("tag name is empty: %w", common.ErrValidation)
	}
	old := s.tagByName(oldName)
	if old == nil {
		return nil, fmt.Errorf("tag %q: %w", oldName, common.ErrNotFound)
	}
	if oldName == newName {
		t := *old
		return &t, nil
	}

	target := s.tagByName(newName)
	if target == nil {
		old.Name = newName
		old.UpdatedAt = s.now()
		s.mutations++
		t := *old
		return &t, nil
	}

	for _, set := range s.fileTags {
		if set[old.ID] {
			delete(set, old.ID)
			set[target.ID] = true
		}
	}
	delete(s.tags, old.ID)
	target.UpdatedAt = s.now()
	s.mutations++
	t := *target
	return &t, nil
}

// DeleteTag removes a tag and its associations
func (s *MemoryStore) DeleteTag(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tagByName(name)
	if t == nil {
		return fmt.Errorf("tag %q: %w", name, common.ErrNotFound)
	}
	for _, set := range s.fileTags {
		delete(set, t.ID)
	}
	delete(s.tags, t.ID)
	s.mutations++
	return nil
}

// GetStatus returns row counts and the latest watermark
func (s *MemoryStore) GetStatus(ctx context.Context) (*db.SyncStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := &db.SyncStatus{
		Connected:    true,
		TotalFolders: len(s.folders),
		TotalFiles:   len(s.files),
		TotalTags:    len(s.tags),
	}
	for _, f := range s.folders {
		if f.IsRoot {
			status.RootFolders++
		}
		if f.LastSyncTime.After(db.Epoch) {
			if status.LastSyncTime == nil || f.LastSyncTime.After(*status.LastSyncTime) {
				t := f.LastSyncTime
				status.LastSyncTime = &t
			}
		}
	}
	return status, nil
}

func (s *MemoryStore) tagByName(name string) *db.Tag {
	for _, t := range s.tags {
		if t.Name == name {
			return t
		}
	}
	return nil
}

func (s *MemoryStore) upsertTag(name string) *db.Tag {
	if t := s.tagByName(name); t != nil {
		return t
	}
	t := &db.Tag{ID: uuid.New(), Name: name}
	t.CreatedAt = s.now()
	t.UpdatedAt = t.CreatedAt
	s.tags[t.ID] = t
	return t
}

func (s *MemoryStore) setFileTags(fileID uuid.UUID, names []string) {
	for _, name := range db.NormalizeTagNames(names) {
		t := s.upsertTag(name)
		if s.fileTags[fileID] == nil {
			s.fileTags[fileID] = make(map[uuid.UUID]bool)
		}
		s.fileTags[fileID][t.ID] = true
	}
}

func (s *MemoryStore) fileWithTags(f *db.File) *db.File {
	c := *f
	c.Description = copyString(f.Description)
	c.LocalPath = copyString(f.LocalPath)
	c.LocalFilename = copyString(f.LocalFilename)
	c.Tags = []db.Tag{}
	for tagID := range s.fileTags[f.ID] {
		if t, ok := s.tags[tagID]; ok {
			c.Tags = append(c.Tags, *t)
		}
	}
	sort.Slice(c.Tags, func(i, j int) bool { return c.Tags[i].Name < c.Tags[j].Name })
	return &c
}

func hasTag(f *db.File, name string) bool {
	for _, t := range f.Tags {
		if t.Name == name {
			return true
		}
	}
	return false
}

func sortFolders(folders []*db.Folder) {
	sort.Slice(folders, func(i, j int) bool {
		if !folders[i].CreatedAt.Equal(folders[j].CreatedAt) {
			return folders[i].CreatedAt.Before(folders[j].CreatedAt)
		}
		return folders[i].ID.String() < folders[j].ID.String()
	})
}

func copyFolder(f *db.Folder) *db.Folder {
	c := *f
	c.ParentID = copyUUID(f.ParentID)
	c.Description = copyString(f.Description)
	return &c
}

func copyUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func sameUUID(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
