package testutil

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/vonshlovens/drivesync-pg/internal/common"
	"github.com/vonshlovens/drivesync-pg/internal/drive"
)

// FakeRemote is an in-memory drive. Listings are paginated with PageSize
// items per page and returned in insertion order.
type FakeRemote struct {
	mu       sync.Mutex
	rootID   string
	items    map[string]*drive.Item
	order    []string
	uploads  map[string][]byte
	deleted  []string
	seq      int
	PageSize int

	listFailures map[string]error
	getFailures  map[string]error
	opFailures   map[string]error
	calls        map[string]int
}

// NewFakeRemote creates a drive whose root folder is rootID
func NewFakeRemote(rootID, rootName string) *FakeRemote {
	r := &FakeRemote{
		rootID:       rootID,
		items:        make(map[string]*drive.Item),
		uploads:      make(map[string][]byte),
		PageSize:     2,
		listFailures: make(map[string]error),
		getFailures:  make(map[string]error),
		opFailures:   make(map[string]error),
		calls:        make(map[string]int),
	}
	r.put(drive.Item{ID: rootID, Name: rootName, MimeType: drive.FolderMimeType})
	return r
}

func (r *FakeRemote) put(item drive.Item) {
	if _, exists := r.items[item.ID]; !exists {
		r.order = append(r.order, item.ID)
	}
	r.items[item.ID] = &item
}

// AddFolder adds a folder under parentID
func (r *FakeRemote) AddFolder(id, name, parentID string, modified time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(drive.Item{
		ID: id, Name: name, MimeType: drive.FolderMimeType,
		Parents: []string{parentID}, ModifiedTime: modified,
	})
}

// AddFile adds a file under parentID
func (r *FakeRemote) AddFile(id, name, mimeType, parentID string, modified time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(drive.Item{
		ID: id, Name: name, MimeType: mimeType, Parents: []string{parentID},
		Size: 1024, OriginalFilename: name, ModifiedTime: modified,
		WebViewLink:    "https://drive.example/view/" + id,
		WebContentLink: "https://drive.example/content/" + id,
		IconLink:       "https://drive.example/icon/" + mimeType,
	})
}

// AddShortcut adds a shortcut under parentID pointing at targetID
func (r *FakeRemote) AddShortcut(id, name, parentID, targetID string, modified time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	targetMime := ""
	if t, ok := r.items[targetID]; ok {
		targetMime = t.MimeType
	}
	r.put(drive.Item{
		ID: id, Name: name, MimeType: drive.ShortcutMimeType, Parents: []string{parentID},
		ShortcutTargetID: targetID, ShortcutTargetMimeType: targetMime, ModifiedTime: modified,
	})
}

// SetParents replaces the parents of an item
func (r *FakeRemote) SetParents(id string, parents ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item, ok := r.items[id]; ok {
		item.Parents = parents
	}
}

// SetThumbnail sets the thumbnail link returned for an item
func (r *FakeRemote) SetThumbnail(id, link string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item, ok := r.items[id]; ok {
		item.ThumbnailLink = link
	}
}

// FailList makes listing the children of parentID fail
func (r *FakeRemote) FailList(parentID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listFailures[parentID] = err
}

// FailGet makes fetching id fail
func (r *FakeRemote) FailGet(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getFailures[id] = err
}

// FailOp makes every call of the named method fail; a nil err clears it
func (r *FakeRemote) FailOp(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.opFailures, op)
		return
	}
	r.opFailures[op] = err
}

// Calls returns how often the named method was called
func (r *FakeRemote) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// Deleted returns the ids removed through Delete
func (r *FakeRemote) Deleted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.deleted...)
}

// Has reports whether id currently exists
func (r *FakeRemote) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.items[id]
	return ok
}

// Item returns a copy of an item, or nil
func (r *FakeRemote) Item(id string) *drive.Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	if !ok {
		return nil
	}
	c := *item
	return &c
}

// Content returns the bytes uploaded for id
func (r *FakeRemote) Content(id string) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.uploads[id]
}

func (r *FakeRemote) RootID() string {
	return r.rootID
}

func (r *FakeRemote) paginate(items []drive.Item, pageToken string) (*drive.Page, error) {
	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return nil, fmt.Errorf("invalid page token %q", pageToken)
		}
		offset = n
	}
	size := r.PageSize
	if size <= 0 {
		size = len(items)
	}

	end := offset + size
	if end > len(items) {
		end = len(items)
	}
	page := &drive.Page{Items: items[offset:end]}
	if end < len(items) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (r *FakeRemote) ListChildren(ctx context.Context, parentID, pageToken string) (*drive.Page, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["ListChildren"]++
	if err := r.listFailures[parentID]; err != nil {
		return nil, err
	}

	var children []drive.Item
	for _, id := range r.order {
		item, ok := r.items[id]
		if ok && item.HasParent(parentID) {
			children = append(children, *item)
		}
	}
	return r.paginate(children, pageToken)
}

func (r *FakeRemote) ListModifiedSince(ctx context.Context, since time.Time, pageToken string) (*drive.Page, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["ListModifiedSince"]++
	if err := r.opFailures["ListModifiedSince"]; err != nil {
		return nil, err
	}

	var modified []drive.Item
	for _, id := range r.order {
		item, ok := r.items[id]
		if ok && item.ModifiedTime.After(since) {
			modified = append(modified, *item)
		}
	}
	sort.SliceStable(modified, func(i, j int) bool {
		return modified[i].ModifiedTime.Before(modified[j].ModifiedTime)
	})
	return r.paginate(modified, pageToken)
}

func (r *FakeRemote) GetItem(ctx context.Context, id string) (*drive.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["GetItem"]++
	if err := r.getFailures[id]; err != nil {
		return nil, err
	}
	item, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, common.ErrNotFound)
	}
	c := *item
	return &c, nil
}

func (r *FakeRemote) nextID(prefix string) string {
	r.seq++
	return fmt.Sprintf("%s-%d", prefix, r.seq)
}

func (r *FakeRemote) CreateFolder(ctx context.Context, name, parentID string) (*drive.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["CreateFolder"]++
	if err := r.opFailures["CreateFolder"]; err != nil {
		return nil, err
	}
	item := drive.Item{
		ID: r.nextID("folder"), Name: name, MimeType: drive.FolderMimeType,
		Parents: []string{parentID}, ModifiedTime: time.Now(),
	}
	r.put(item)
	return &item, nil
}

func (r *FakeRemote) Upload(ctx context.Context, content []byte, name, mimeType, parentID string) (*drive.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["Upload"]++
	if err := r.opFailures["Upload"]; err != nil {
		return nil, err
	}
	id := r.nextID("file")
	item := drive.Item{
		ID: id, Name: name, MimeType: mimeType, Parents: []string{parentID},
		Size: int64(len(content)), OriginalFilename: name, ModifiedTime: time.Now(),
		WebViewLink:    "https://drive.example/view/" + id,
		WebContentLink: "https://drive.example/content/" + id,
		IconLink:       "https://drive.example/icon/" + mimeType,
	}
	r.put(item)
	r.uploads[id] = append([]byte(nil), content...)
	return &item, nil
}

func (r *FakeRemote) Rename(ctx context.Context, id, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["Rename"]++
	if err := r.opFailures["Rename"]; err != nil {
		return err
	}
	item, ok := r.items[id]
	if !ok {
		return fmt.Errorf("item %s: %w", id, common.ErrNotFound)
	}
	item.Name = name
	return nil
}

func (r *FakeRemote) Move(ctx context.Context, id, newParentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["Move"]++
	if err := r.opFailures["Move"]; err != nil {
		return err
	}
	item, ok := r.items[id]
	if !ok {
		return fmt.Errorf("item %s: %w", id, common.ErrNotFound)
	}
	item.Parents = []string{newParentID}
	return nil
}

func (r *FakeRemote) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["Delete"]++
	if err := r.opFailures["Delete"]; err != nil {
		return err
	}
	if _, ok := r.items[id]; !ok {
		return fmt.Errorf("item %s: %w", id, common.ErrNotFound)
	}
	delete(r.items, id)
	delete(r.uploads, id)
	r.deleted = append(r.deleted, id)
	return nil
}
