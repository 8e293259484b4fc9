package drive

import (
	"strings"

	"github.com/vonshlovens/drivesync-pg/internal/db"
)

var documentMimeTypes = map[string]bool{
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   true,
	"application/vnd.ms-excel":                                                  true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         true,
	"application/vnd.ms-powerpoint":                                             true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"application/rtf":                          true,
	"application/vnd.oasis.opendocument.text":  true,
	"application/vnd.google-apps.document":     true,
	"application/vnd.google-apps.spreadsheet":  true,
	"application/vnd.google-apps.presentation": true,
	"text/plain":                               true,
	"text/csv":                                 true,
	"text/markdown":                            true,
}

// CategoryForMime maps a mime type onto a file category. The second return
// value is false for mime types the mirror does not store.
func CategoryForMime(mimeType string) (db.Category, bool) {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}

	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return db.CategoryImage, true
	case strings.HasPrefix(mimeType, "video/"):
		return db.CategoryVideo, true
	case documentMimeTypes[mimeType]:
		return db.CategoryDocument, true
	default:
		return "", false
	}
}
