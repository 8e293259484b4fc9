// Package watcher turns a local drop folder into an upload source. Files
// that settle in the inbox are uploaded and then removed from it.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the inbox directory tree for changes
type Watcher struct {
	rootPath  string
	watcher   *fsnotify.Watcher
	debouncer *Debouncer
	filter    Filter
	logger    *slog.Logger
	stopCh    chan struct{}
	done      chan struct{}
	started   bool
}

// NewWatcher creates a watcher for rootPath
func NewWatcher(rootPath string, debounceMs int, ignorePatterns, includePatterns []string, logger *slog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fs watcher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		rootPath:  rootPath,
		watcher:   fsWatcher,
		debouncer: NewDebouncer(debounceMs),
		filter:    Filter{Ignore: ignorePatterns, Include: includePatterns},
		logger:    logger,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Start watches the root directory and all subdirectories
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.rootPath); err != nil {
		return fmt.Errorf("failed to watch inbox: %w", err)
	}

	w.started = true
	go w.processEvents(ctx)

	w.logger.Info("inbox watcher started",
		"path", w.rootPath,
		"ignore_patterns", len(w.filter.Ignore))

	return nil
}

// Events returns the channel of debounced file events
func (w *Watcher) Events() <-chan FileEvent {
	return w.debouncer.Events()
}

// Stop stops the watcher and waits for the event loop to exit
func (w *Watcher) Stop() error {
	close(w.stopCh)
	w.debouncer.Stop()
	err := w.watcher.Close()
	if w.started {
		<-w.done
	}
	return err
}

// Flush emits all pending debounced events
func (w *Watcher) Flush() {
	w.debouncer.Flush()
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			w.logger.Warn("error walking inbox", "path", path, "error", err)
			return nil
		}
		if !info.IsDir() {
			return nil
		}

		relPath, _ := filepath.Rel(w.rootPath, path)
		if relPath != "." && w.filter.ignored(filepath.ToSlash(relPath)) {
			return filepath.SkipDir
		}

		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			relPath, err := filepath.Rel(w.rootPath, event.Name)
			if err != nil {
				continue
			}
			w.handleEvent(event, filepath.ToSlash(relPath))

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("inbox watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event, relPath string) {
	if w.filter.ignored(relPath) {
		return
	}

	info, statErr := os.Stat(event.Name)
	isDir := statErr == nil && info.IsDir()

	switch {
	case event.Has(fsnotify.Create):
		if isDir {
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
			}
			return
		}
		if w.filter.Matches(relPath) {
			w.debouncer.Add(relPath, EventWrite)
		}

	case event.Has(fsnotify.Write):
		if !isDir && w.filter.Matches(relPath) {
			w.debouncer.Add(relPath, EventWrite)
		}

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// the new name of a rename arrives as its own create
		if w.filter.Matches(relPath) {
			w.debouncer.Add(relPath, EventRemove)
		}
	}
}

// Filter selects inbox paths with doublestar patterns
type Filter struct {
	Ignore  []string
	Include []string
}

// Matches reports whether a file at relPath should be picked up
func (f Filter) Matches(relPath string) bool {
	return !f.ignored(relPath) && f.included(relPath)
}

// ignored checks relPath and each of its parents against the ignore patterns
func (f Filter) ignored(relPath string) bool {
	parts := strings.Split(relPath, "/")
	for _, pattern := range f.Ignore {
		for i := 1; i <= len(parts); i++ {
			partial := strings.Join(parts[:i], "/")
			if matched, err := doublestar.Match(pattern, partial); err == nil && matched {
				return true
			}
		}
	}
	return false
}

// included checks the include patterns; none means everything
func (f Filter) included(relPath string) bool {
	if len(f.Include) == 0 {
		return true
	}

	for _, pattern := range f.Include {
		if matched, err := doublestar.Match(pattern, relPath); err == nil && matched {
			return true
		}
	}
	return false
}
