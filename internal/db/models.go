package db

import (
	"time"

	"github.com/google/uuid"
)

// Category is the coarse media class derived from a file's mime type
type Category string

const (
	CategoryImage    Category = "IMAGE"
	CategoryVideo    Category = "VIDEO"
	CategoryDocument Category = "DOCUMENT"
)

// Epoch is the last-sync watermark of a folder that has never been synced
var Epoch = time.Unix(0, 0).UTC()

// Folder mirrors a remote folder
type Folder struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	RemoteID     string     `db:"remote_id" json:"remoteId"`
	Title        string     `db:"title" json:"title"`
	Description  *string    `db:"description" json:"description,omitempty"`
	IsRoot       bool       `db:"is_root" json:"isRoot"`
	IsShortcut   bool       `db:"is_shortcut" json:"isShortcut"`
	IsFavorite   bool       `db:"is_favorite" json:"isFavorite"`
	ParentID     *uuid.UUID `db:"parent_id" json:"parentId,omitempty"`
	LastSyncTime time.Time  `db:"last_sync_time" json:"lastSyncTime"`
	Owner        string     `db:"owner" json:"owner"`
	CreatedAt    time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updatedAt"`
}

// File mirrors a remote file, optionally backed by a local byte copy
type File struct {
	ID               uuid.UUID `db:"id" json:"id"`
	RemoteID         string    `db:"remote_id" json:"remoteId"`
	Title            string    `db:"title" json:"title"`
	OriginalFilename string    `db:"original_filename" json:"originalFilename"`
	MimeType         string    `db:"mime_type" json:"mimeType"`
	Category         Category  `db:"category" json:"category"`
	SizeBytes        int64     `db:"size_bytes" json:"sizeBytes"`
	WebViewLink      string    `db:"web_view_link" json:"webViewLink"`
	WebContentLink   string    `db:"web_content_link" json:"webContentLink"`
	ThumbnailLink    string    `db:"thumbnail_link" json:"thumbnailLink"`
	IconLink         string    `db:"icon_link" json:"iconLink"`
	LocalPath        *string   `db:"local_path" json:"localPath,omitempty"`
	LocalFilename    *string   `db:"local_filename" json:"localFilename,omitempty"`
	Description      *string   `db:"description" json:"description,omitempty"`
	FolderID         uuid.UUID `db:"folder_id" json:"folderId"`
	Owner            string    `db:"owner" json:"owner"`
	Tags             []Tag     `db:"-" json:"tags"`
	CreatedAt        time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time `db:"updated_at" json:"updatedAt"`
}

// Tag is a free-form label; Name is the natural key
type Tag struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	FileCount int       `db:"file_count" json:"fileCount"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// FolderUpdate carries the mutable fields of a folder; nil means unchanged
type FolderUpdate struct {
	Title       *string
	Description *string
	ParentID    *uuid.UUID
	IsFavorite  *bool
}

// FileFilter narrows file listings and search
type FileFilter struct {
	FolderID *uuid.UUID
	Query    string
	Tag      string
	Category Category
	Limit    int
	Offset   int
}

// SyncStatus represents the current mirror status
type SyncStatus struct {
	Connected    bool       `json:"connected"`
	LastSyncTime *time.Time `json:"lastSyncTime"`
	TotalFolders int        `json:"totalFolders"`
	TotalFiles   int        `json:"totalFiles"`
	TotalTags    int        `json:"totalTags"`
	RootFolders  int        `json:"rootFolders"`
}
