package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestLedger_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox.json")
	uploadedAt := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	fileID := uuid.New()

	l := OpenLedger(path, "/srv/inbox")
	require.Nil(t, l.Lookup("abc"))

	l.Record("abc", &Entry{Filename: "scan.pdf", RemoteID: "file-1", FileID: fileID, SizeBytes: 42, UploadedAt: uploadedAt})
	l.Record("def", &Entry{Filename: "notes.xyz", Rejected: true, Reason: "unsupported file type"})
	require.NoError(t, l.Save())

	reopened := OpenLedger(path, "/srv/inbox")
	require.Equal(t, 2, reopened.Count())

	entry := reopened.Lookup("abc")
	require.NotNil(t, entry)
	require.Equal(t, "file-1", entry.RemoteID)
	require.Equal(t, fileID, entry.FileID)
	require.True(t, entry.UploadedAt.Equal(uploadedAt))
	require.True(t, reopened.Lookup("def").Rejected)
}

func TestLedger_SaveSkipsWhenClean(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox.json")

	l := OpenLedger(path, "/srv/inbox")
	require.NoError(t, l.Save())

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestLedger_Forget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox.json")

	l := OpenLedger(path, "/srv/inbox")
	l.Record("abc", &Entry{Filename: "scan.pdf"})
	l.Forget("abc")
	l.Forget("missing")

	require.Nil(t, l.Lookup("abc"))
	require.Equal(t, 0, l.Count())
}

func TestLedger_StartsEmpty(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, path string)
	}{
		{
			name: "corrupt file",
			setup: func(t *testing.T, path string) {
				require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
			},
		},
		{
			name: "ledger of another inbox",
			setup: func(t *testing.T, path string) {
				other := OpenLedger(path, "/srv/other")
				other.Record("abc", &Entry{Filename: "scan.pdf"})
				require.NoError(t, other.Save())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "inbox.json")
			tt.setup(t, path)

			l := OpenLedger(path, "/srv/inbox")
			require.Equal(t, 0, l.Count())
		})
	}
}
