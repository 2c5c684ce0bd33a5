// Package testutil provides shared fixtures and helpers for transfer
// subsystem tests.
package testutil

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nvoss/attachsync/internal/events"
	"github.com/nvoss/attachsync/internal/models"
	"github.com/nvoss/attachsync/internal/state"
)

// TestBackupKeyHex seeds media-id derivation in tests.
const TestBackupKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// NewTestLogger creates a logger that captures output in memory.
func NewTestLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.DebugLevel, "json", &buf)
}

// NewTestStore opens a SQLite store in a per-test temp directory.
func NewTestStore(t *testing.T) *state.SQLiteStore {
	t.Helper()

	store, err := state.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), NewTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// WriteTempFile creates a file with content in a temp directory and
// returns its path.
func WriteTempFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

// LocalAttachment builds an attachment holding a real local stream,
// ready for upload.
func LocalAttachment(t *testing.T, id string) *models.Attachment {
	t.Helper()

	return &models.Attachment{
		ID:            id,
		LocalPath:     WriteTempFile(t, id+".bin", "payload for "+id),
		MediaName:     "media-" + id,
		FullsizeBytes: 2048,
		ReceivedAt:    time.Now().Add(-time.Hour),
	}
}

// RemoteAttachment builds an attachment with transit and media pointers
// but no local bytes, ready for download.
func RemoteAttachment(id string) *models.Attachment {
	gen := 3
	return &models.Attachment{
		ID:               id,
		TransitCDNKey:    "transit-" + id,
		TransitCDNNumber: 2,
		MediaName:        "media-" + id,
		MediaCDNNumber:   &gen,
		FullsizeBytes:    4096,
		ReceivedAt:       time.Now().Add(-time.Hour),
	}
}
