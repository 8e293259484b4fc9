package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/vonshlovens/drivesync-pg/internal/common"
	"github.com/vonshlovens/drivesync-pg/internal/config"
	"github.com/vonshlovens/drivesync-pg/internal/upload"
)

// Uploader runs the dual-write upload
type Uploader interface {
	Upload(ctx context.Context, req upload.Request) (*upload.Result, error)
}

// Outcome is what Ingest did with a single inbox file
type Outcome int

const (
	OutcomeUploaded Outcome = iota
	OutcomeDuplicate
	OutcomeRejected
	OutcomeGone
	OutcomeUnsettled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUploaded:
		return "uploaded"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeRejected:
		return "rejected"
	case OutcomeGone:
		return "gone"
	case OutcomeUnsettled:
		return "unsettled"
	default:
		return "unknown"
	}
}

// ScanResult counts what a pass over the inbox did
type ScanResult struct {
	Uploaded  int
	Duplicate int
	Rejected  int
	Unsettled int
	Failed    int
}

// Ingester feeds inbox files into the upload pipeline
type Ingester struct {
	cfg      *config.WatchConfig
	uploader Uploader
	ledger   *Ledger
	filter   Filter
	clock    common.Clock
	logger   *slog.Logger
}

// IngesterOption configures an Ingester
type IngesterOption func(*Ingester)

func WithIngestLogger(l *slog.Logger) IngesterOption {
	return func(in *Ingester) { in.logger = l }
}

func WithIngestClock(c common.Clock) IngesterOption {
	return func(in *Ingester) { in.clock = c }
}

// NewIngester creates an ingester for the configured inbox
func NewIngester(cfg *config.WatchConfig, uploader Uploader, ledger *Ledger, opts ...IngesterOption) *Ingester {
	in := &Ingester{
		cfg:      cfg,
		uploader: uploader,
		ledger:   ledger,
		filter:   Filter{Ignore: cfg.IgnorePatterns, Include: cfg.IncludePatterns},
		clock:    common.RealClock{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Run watches the inbox until ctx is cancelled. Existing files are picked up
// first, and the whole inbox is rescanned periodically so failed uploads are
// retried.
func (in *Ingester) Run(ctx context.Context) error {
	w, err := NewWatcher(in.cfg.InboxPath, in.cfg.DebounceMs, in.cfg.IgnorePatterns, in.cfg.IncludePatterns, in.logger)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	in.rescan(ctx)

	var tick <-chan time.Time
	if in.cfg.RescanInterval > 0 {
		ticker := time.NewTicker(in.cfg.RescanInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event := <-w.Events():
			if event.EventType != EventWrite {
				in.logger.Debug("inbox file removed", "path", event.Path)
				continue
			}
			outcome, err := in.Ingest(ctx, event.Path)
			if err != nil {
				in.logger.Error("failed to ingest inbox file", "path", event.Path, "error", err)
				continue
			}
			in.logger.Debug("inbox file handled", "path", event.Path, "outcome", outcome)

		case <-tick:
			in.rescan(ctx)
		}
	}
}

func (in *Ingester) rescan(ctx context.Context) {
	result, err := in.Scan(ctx)
	if err != nil {
		in.logger.Error("failed to scan inbox", "path", in.cfg.InboxPath, "error", err)
		return
	}
	if result.Uploaded > 0 || result.Failed > 0 {
		in.logger.Info("inbox scan complete",
			"uploaded", result.Uploaded,
			"duplicate", result.Duplicate,
			"rejected", result.Rejected,
			"failed", result.Failed)
	}
}

// Scan ingests every matching file currently in the inbox. Files modified
// within the debounce window are left for a later pass.
func (in *Ingester) Scan(ctx context.Context) (*ScanResult, error) {
	result := &ScanResult{}
	settle := time.Duration(in.cfg.DebounceMs) * time.Millisecond

	err := filepath.WalkDir(in.cfg.InboxPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == in.cfg.InboxPath {
				return err
			}
			in.logger.Warn("error walking inbox", "path", path, "error", err)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, err := filepath.Rel(in.cfg.InboxPath, path)
		if err != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if in.filter.ignored(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !in.filter.Matches(rel) {
			return nil
		}

		if info, err := d.Info(); err == nil && in.clock.Now().Sub(info.ModTime()) < settle {
			result.Unsettled++
			return nil
		}

		outcome, err := in.Ingest(ctx, rel)
		if err != nil {
			in.logger.Error("failed to ingest inbox file", "path", rel, "error", err)
			result.Failed++
			return nil
		}
		switch outcome {
		case OutcomeUploaded:
			result.Uploaded++
		case OutcomeDuplicate:
			result.Duplicate++
		case OutcomeRejected:
			result.Rejected++
		case OutcomeUnsettled:
			result.Unsettled++
		}
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("failed to scan inbox: %w", err)
	}
	return result, nil
}

// Ingest uploads the inbox file at relPath unless its content was seen
// before. Uploaded and duplicate files are removed from the inbox; rejected
// files stay where they are.
func (in *Ingester) Ingest(ctx context.Context, relPath string) (Outcome, error) {
	path := filepath.Join(in.cfg.InboxPath, filepath.FromSlash(relPath))

	hash, size, err := HashFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return OutcomeGone, nil
		}
		return 0, err
	}

	if entry := in.ledger.Lookup(hash); entry != nil {
		if entry.Rejected {
			return OutcomeRejected, nil
		}
		in.logger.Info("removing already uploaded inbox file", "path", relPath, "remote_id", entry.RemoteID)
		if err := removeInboxFile(path); err != nil {
			return 0, err
		}
		return OutcomeDuplicate, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return OutcomeGone, nil
		}
		return 0, fmt.Errorf("failed to read inbox file: %w", err)
	}
	if int64(len(content)) != size || HashContent(content) != hash {
		// still being written; the next event or scan picks it up
		return OutcomeUnsettled, nil
	}

	result, err := in.uploader.Upload(ctx, upload.Request{
		Principal:      in.cfg.Principal,
		Filename:       filepath.Base(path),
		Content:        content,
		FolderRemoteID: in.cfg.TargetFolderID,
	})
	if err != nil {
		if errors.Is(err, common.ErrUnsupportedMimeType) {
			in.logger.Warn("inbox file type is not supported", "path", relPath)
			in.ledger.Record(hash, &Entry{
				Filename:   filepath.Base(path),
				SizeBytes:  size,
				UploadedAt: in.clock.Now(),
				Rejected:   true,
				Reason:     common.UserMessage(err),
			})
			if err := in.ledger.Save(); err != nil {
				return 0, err
			}
			return OutcomeRejected, nil
		}
		return 0, fmt.Errorf("failed to upload inbox file: %w", err)
	}

	in.ledger.Record(hash, &Entry{
		Filename:   filepath.Base(path),
		RemoteID:   result.File.RemoteID,
		FileID:     result.File.ID,
		SizeBytes:  size,
		UploadedAt: in.clock.Now(),
	})
	if err := in.ledger.Save(); err != nil {
		return 0, err
	}

	in.logger.Info("uploaded inbox file", "path", relPath, "remote_id", result.File.RemoteID, "synced", result.Synced)
	if err := removeInboxFile(path); err != nil {
		return 0, err
	}
	return OutcomeUploaded, nil
}

func removeInboxFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove inbox file: %w", err)
	}
	return nil
}
