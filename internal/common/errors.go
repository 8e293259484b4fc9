// Package common holds sentinel errors and small shared abstractions used by
// the sync engine, the upload pipeline and the HTTP layer. Callers should
// match errors with errors.Is.
package common

import "errors"

var (
	// lookup errors
	ErrNotFound = errors.New("not found")

	// principal errors
	ErrUnauthorized     = errors.New("unauthorized")
	ErrPermissionDenied = errors.New("permission denied")

	// input errors
	ErrValidation          = errors.New("validation error")
	ErrUnsupportedMimeType = errors.New("unsupported mime type")

	// mirror state errors
	ErrSyncConflict = errors.New("sync watermark changed concurrently")
	ErrFolderCycle  = errors.New("folder cannot be moved into its own subtree")
	ErrNoRootFolder = errors.New("root folder is not mirrored")
)

// ErrorCategory is the user-facing class of an error.
type ErrorCategory string

const (
	CategoryUnauthorized     ErrorCategory = "unauthorized"
	CategoryNotFound         ErrorCategory = "not_found"
	CategoryPermissionDenied ErrorCategory = "permission_denied"
	CategoryValidation       ErrorCategory = "validation"
	CategoryInternal         ErrorCategory = "internal"
)

// Categorize maps an error chain onto the category shown to users.
func Categorize(err error) ErrorCategory {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return CategoryUnauthorized
	case errors.Is(err, ErrNotFound):
		return CategoryNotFound
	case errors.Is(err, ErrPermissionDenied):
		return CategoryPermissionDenied
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrUnsupportedMimeType),
		errors.Is(err, ErrFolderCycle):
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// UserMessage returns a generic actionable message for err. Internal errors
// never leak their text.
func UserMessage(err error) string {
	switch Categorize(err) {
	case CategoryUnauthorized:
		return "You need to sign in to do that."
	case CategoryNotFound:
		return "The requested item could not be found."
	case CategoryPermissionDenied:
		return "You do not have permission to do that."
	case CategoryValidation:
		return err.Error()
	case CategoryInternal:
		return "Something went wrong. Please try again."
	default:
		return ""
	}
}
