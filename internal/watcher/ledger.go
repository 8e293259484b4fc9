package watcher

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vonshlovens/drivesync-pg/internal/config"
)

// Entry records what happened to one piece of inbox content
type Entry struct {
	Filename   string    `json:"filename"`
	RemoteID   string    `json:"remote_id,omitempty"`
	FileID     uuid.UUID `json:"file_id"`
	SizeBytes  int64     `json:"size_bytes"`
	UploadedAt time.Time `json:"uploaded_at"`
	Rejected   bool      `json:"rejected,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

type ledgerState struct {
	InboxPath string            `json:"inbox_path"`
	Entries   map[string]*Entry `json:"entries"`
}

// Ledger remembers inbox content by hash so a file that was already
// uploaded, or refused, is not sent again
type Ledger struct {
	state    *ledgerState
	filePath string
	mu       sync.RWMutex
	dirty    bool
}

// NewLedger opens the ledger for inboxPath in the state directory
func NewLedger(inboxPath string) (*Ledger, error) {
	stateDir, err := config.GetStateDir()
	if err != nil {
		return nil, err
	}
	filePath := filepath.Join(stateDir, "inbox-"+HashString(inboxPath)[:12]+".json")
	return OpenLedger(filePath, inboxPath), nil
}

// OpenLedger loads the ledger at filePath. A missing, unreadable or foreign
// ledger starts empty.
func OpenLedger(filePath, inboxPath string) *Ledger {
	l := &Ledger{filePath: filePath}

	if err := l.load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("discarding unreadable inbox ledger", "path", filePath, "error", err)
	}
	if l.state == nil || l.state.InboxPath != inboxPath {
		l.state = &ledgerState{
			InboxPath: inboxPath,
			Entries:   make(map[string]*Entry),
		}
	}
	return l
}

func (l *Ledger) load() error {
	data, err := os.ReadFile(l.filePath)
	if err != nil {
		return err
	}

	state := &ledgerState{}
	if err := json.Unmarshal(data, state); err != nil {
		return err
	}
	if state.Entries == nil {
		state.Entries = make(map[string]*Entry)
	}

	l.state = state
	return nil
}

// Save writes the ledger to disk if it changed
func (l *Ledger) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.dirty {
		return nil
	}

	data, err := json.MarshalIndent(l.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode inbox ledger: %w", err)
	}

	tmp := l.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write inbox ledger: %w", err)
	}
	if err := os.Rename(tmp, l.filePath); err != nil {
		return fmt.Errorf("failed to replace inbox ledger: %w", err)
	}

	l.dirty = false
	return nil
}

// Lookup returns the entry for a content hash, or nil
func (l *Ledger) Lookup(hash string) *Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.Entries[hash]
}

// Record stores the entry for a content hash
func (l *Ledger) Record(hash string, entry *Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.Entries[hash] = entry
	l.dirty = true
}

// Forget drops the entry for a content hash
func (l *Ledger) Forget(hash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.state.Entries[hash]; ok {
		delete(l.state.Entries, hash)
		l.dirty = true
	}
}

// Count returns the number of remembered hashes
func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.state.Entries)
}
