// Package drive talks to Google Drive v3. It exposes the small set of calls
// the mirror needs and classifies provider errors into common sentinels.
package drive

import "time"

const (
	FolderMimeType   = "application/vnd.google-apps.folder"
	ShortcutMimeType = "application/vnd.google-apps.shortcut"
)

// Item is the provider-neutral view of a remote file, folder or shortcut
type Item struct {
	ID                     string
	Name                   string
	MimeType               string
	Parents                []string
	ShortcutTargetID       string
	ShortcutTargetMimeType string
	Size                   int64
	WebViewLink            string
	WebContentLink         string
	ThumbnailLink          string
	IconLink               string
	OriginalFilename       string
	ModifiedTime           time.Time

	// ResolvedShortcut is set on folder entries synthesized from a shortcut
	// whose target is a folder. ID is then the target id and Parents are
	// the shortcut's parents.
	ResolvedShortcut bool
}

// IsFolder reports whether the item is a folder
func (i Item) IsFolder() bool {
	return i.MimeType == FolderMimeType
}

// IsShortcut reports whether the item is an unresolved shortcut
func (i Item) IsShortcut() bool {
	return i.MimeType == ShortcutMimeType
}

// HasParent reports whether parentID is among the item's parents
func (i Item) HasParent(parentID string) bool {
	for _, p := range i.Parents {
		if p == parentID {
			return true
		}
	}
	return false
}

// Page is one page of a paginated listing
type Page struct {
	Items         []Item
	NextPageToken string
}
