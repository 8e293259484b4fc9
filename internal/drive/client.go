package drive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/oauth2/google"
	gdrive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/vonshlovens/drivesync-pg/internal/config"
)

const itemFields = "id, name, mimeType, parents, size, webViewLink, webContentLink, " +
	"thumbnailLink, iconLink, originalFilename, modifiedTime, shortcutDetails"

const listFields = googleapi.Field("nextPageToken, files(" + itemFields + ")")

// Client is the Drive v3 remote store
type Client struct {
	svc         *gdrive.Service
	rootID      string
	callTimeout time.Duration
	attempts    uint64
	baseDelay   time.Duration
	pageSize    int64
}

// New creates a Drive client authenticated with a service-account key
func New(ctx context.Context, cfg *config.DriveConfig) (*Client, error) {
	data, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read drive credentials: %w", err)
	}

	creds, err := google.CredentialsFromJSON(ctx, data, gdrive.DriveScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse drive credentials: %w", err)
	}

	svc, err := gdrive.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}

	rootID := cfg.RootFolderID
	if rootID == "" {
		rootID = "root"
	}

	slog.Info("connected to drive", "root", rootID)

	return &Client{
		svc:         svc,
		rootID:      rootID,
		callTimeout: cfg.CallTimeout,
		attempts:    uint64(cfg.RetryAttempts),
		baseDelay:   cfg.RetryBaseDelay,
		pageSize:    cfg.PageSize,
	}, nil
}

// RootID returns the remote id of the mirrored root folder
func (c *Client) RootID() string {
	return c.rootID
}

// do runs fn with a per-call timeout, retrying transient failures
func (c *Client) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	base := c.baseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	backoff := retry.WithMaxRetries(c.attempts, retry.NewExponential(base))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		callCtx := ctx
		if c.callTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.callTimeout)
			defer cancel()
		}

		err := classify(op, fn(callCtx))
		if err != nil && ctx.Err() != nil {
			// The caller gave up; do not keep retrying
			return ctx.Err()
		}
		if err != nil {
			slog.Debug("drive call failed", "op", op, "error", err)
		}
		return err
	})
}

// ListChildren returns one page of the non-trashed children of parentID
func (c *Client) ListChildren(ctx context.Context, parentID, pageToken string) (*Page, error) {
	q := fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(parentID))
	return c.list(ctx, "failed to list children", q, pageToken)
}

// ListModifiedSince returns one page of non-trashed items modified after since
func (c *Client) ListModifiedSince(ctx context.Context, since time.Time, pageToken string) (*Page, error) {
	q := fmt.Sprintf("modifiedTime > '%s' and trashed = false", since.UTC().Format(time.RFC3339))
	return c.list(ctx, "failed to list modified items", q, pageToken)
}

func (c *Client) list(ctx context.Context, op, q, pageToken string) (*Page, error) {
	var res *gdrive.FileList
	err := c.do(ctx, op, func(ctx context.Context) error {
		call := c.svc.Files.List().
			Q(q).
			Fields(listFields).
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(true).
			Context(ctx)
		if c.pageSize > 0 {
			call = call.PageSize(c.pageSize)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		var err error
		res, err = call.Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	page := &Page{
		Items:         make([]Item, 0, len(res.Files)),
		NextPageToken: res.NextPageToken,
	}
	for _, f := range res.Files {
		page.Items = append(page.Items, toItem(f))
	}
	return page, nil
}

// GetItem fetches the metadata of a single item
func (c *Client) GetItem(ctx context.Context, id string) (*Item, error) {
	var f *gdrive.File
	err := c.do(ctx, "failed to get item", func(ctx context.Context) error {
		var err error
		f, err = c.svc.Files.Get(id).
			Fields(googleapi.Field(itemFields)).
			SupportsAllDrives(true).
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	item := toItem(f)
	return &item, nil
}

// CreateFolder creates a folder named name under parentID
func (c *Client) CreateFolder(ctx context.Context, name, parentID string) (*Item, error) {
	meta := &gdrive.File{
		Name:     name,
		MimeType: FolderMimeType,
		Parents:  []string{parentID},
	}

	var f *gdrive.File
	err := c.do(ctx, "failed to create folder", func(ctx context.Context) error {
		var err error
		f, err = c.svc.Files.Create(meta).
			Fields(googleapi.Field(itemFields)).
			SupportsAllDrives(true).
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	item := toItem(f)
	return &item, nil
}

// Upload stores content as a new file under parentID. Content is held in
// memory so that retries can resend it.
func (c *Client) Upload(ctx context.Context, content []byte, name, mimeType, parentID string) (*Item, error) {
	meta := &gdrive.File{
		Name:     name,
		MimeType: mimeType,
		Parents:  []string{parentID},
	}

	var f *gdrive.File
	err := c.do(ctx, "failed to upload file", func(ctx context.Context) error {
		var err error
		f, err = c.svc.Files.Create(meta).
			Media(bytes.NewReader(content), googleapi.ContentType(mimeType)).
			Fields(googleapi.Field(itemFields)).
			SupportsAllDrives(true).
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	item := toItem(f)
	return &item, nil
}

// Rename changes the name of an item
func (c *Client) Rename(ctx context.Context, id, name string) error {
	return c.do(ctx, "failed to rename item", func(ctx context.Context) error {
		_, err := c.svc.Files.Update(id, &gdrive.File{Name: name}).
			SupportsAllDrives(true).
			Context(ctx).
			Do()
		return err
	})
}

// Move reparents an item under newParentID, detaching it from its current parents
func (c *Client) Move(ctx context.Context, id, newParentID string) error {
	current, err := c.GetItem(ctx, id)
	if err != nil {
		return err
	}

	return c.do(ctx, "failed to move item", func(ctx context.Context) error {
		call := c.svc.Files.Update(id, &gdrive.File{}).
			AddParents(newParentID).
			SupportsAllDrives(true).
			Context(ctx)
		if len(current.Parents) > 0 {
			call = call.RemoveParents(strings.Join(current.Parents, ","))
		}
		_, err := call.Do()
		return err
	})
}

// Delete permanently removes an item
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, "failed to delete item", func(ctx context.Context) error {
		return c.svc.Files.Delete(id).
			SupportsAllDrives(true).
			Context(ctx).
			Do()
	})
}

func toItem(f *gdrive.File) Item {
	item := Item{
		ID:               f.Id,
		Name:             f.Name,
		MimeType:         f.MimeType,
		Parents:          f.Parents,
		Size:             f.Size,
		WebViewLink:      f.WebViewLink,
		WebContentLink:   f.WebContentLink,
		ThumbnailLink:    f.ThumbnailLink,
		IconLink:         f.IconLink,
		OriginalFilename: f.OriginalFilename,
	}
	if f.ShortcutDetails != nil {
		item.ShortcutTargetID = f.ShortcutDetails.TargetId
		item.ShortcutTargetMimeType = f.ShortcutDetails.TargetMimeType
	}
	if f.ModifiedTime != "" {
		if t, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
			item.ModifiedTime = t
		}
	}
	return item
}

// escapeQuery escapes a value embedded in a single-quoted Drive query literal
func escapeQuery(s string) string {
	var buf bytes.Buffer
	for _, r := range s {
		if r == '\'' || r == '\\' {
			buf.WriteByte('\\')
		}
		buf.WriteRune(r)
	}
	return buf.String()
}
