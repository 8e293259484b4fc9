// Package storage keeps the local byte copy of uploaded files.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/vonshlovens/drivesync-pg/internal/common"
)

// Stored describes a file written to local storage
type Stored struct {
	Path     string
	Filename string
}

// LocalStore writes files into a single directory under timestamp-prefixed
// names. The directory is created on first write.
type LocalStore struct {
	dir   string
	clock common.Clock
}

// NewLocalStore creates a store rooted at dir
func NewLocalStore(dir string, clock common.Clock) *LocalStore {
	if clock == nil {
		clock = common.RealClock{}
	}
	return &LocalStore{dir: dir, clock: clock}
}

// Save writes content under a new unique name derived from name
func (s *LocalStore) Save(name string, content []byte) (*Stored, error) {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	base := safeName(name)
	prefix := s.clock.Now().UnixMilli()

	for attempt := 0; attempt < 100; attempt++ {
		filename := fmt.Sprintf("%d-%s", prefix, base)
		if attempt > 0 {
			filename = fmt.Sprintf("%d-%d-%s", prefix, attempt, base)
		}
		path := filepath.Join(s.dir, filename)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create local file: %w", err)
		}

		if _, err := f.Write(content); err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("failed to write local file: %w", err)
		}
		if err := f.Close(); err != nil {
			os.Remove(path)
			return nil, fmt.Errorf("failed to close local file: %w", err)
		}

		return &Stored{Path: path, Filename: filename}, nil
	}

	return nil, fmt.Errorf("failed to find a free name for %q", name)
}

// Remove deletes a stored file. Missing files are not an error.
func (s *LocalStore) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove local file: %w", err)
	}
	return nil
}

// safeName strips directories and path separators from an uploaded name
func safeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == 0 || r < 0x20 {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "upload"
	}
	return name
}
