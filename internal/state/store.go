package state

import (
	"context"
	"database/sql"
	"time"

	"github.com/nvoss/attachsync/internal/models"
)

// Store is the durable surface for transfer state: per-direction task
// tables, the attachment metadata rows this subsystem reads and repairs,
// the orphan table, and the key/value meta table (pending-byte counter,
// upload-era marker).
//
// Every method takes an explicit transaction so that multi-step operations
// (enqueue with byte accounting, reconciliation repairs) stay atomic and
// the transaction boundary is visible at each call site.
type Store interface {
	// ReadTx runs fn inside a read transaction.
	ReadTx(ctx context.Context, fn func(tx *sql.Tx) error) error

	// WriteTx runs fn inside a write transaction, committing on nil.
	WriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error

	// EnqueueTask inserts or updates the task row for its key. Never
	// duplicates: a second enqueue for the same (attachment, variant)
	// updates the existing row in place.
	EnqueueTask(tx *sql.Tx, dir models.Direction, task *models.TransferTask) error

	// PeekTasks returns up to n runnable tasks ordered by priority, then
	// oldest recency, then insertion order. Tasks whose MinRetryAt is
	// after now and tasks matching an excluded key are skipped.
	PeekTasks(tx *sql.Tx, dir models.Direction, n int, exclude []models.TaskKey, now time.Time) ([]*models.TransferTask, error)

	// UpdateTaskRetry records retry bookkeeping for a kept task.
	UpdateTaskRetry(tx *sql.Tx, dir models.Direction, id int64, numRetries int, minRetryAt *time.Time) error

	// GetTask loads the task row for key, or ErrTaskNotFound.
	GetTask(tx *sql.Tx, dir models.Direction, key models.TaskKey) (*models.TransferTask, error)

	// RemoveTask deletes the task row for key, if present.
	RemoveTask(tx *sql.Tx, dir models.Direction, key models.TaskKey) error

	// RemoveAllTasks clears the direction's task table.
	RemoveAllTasks(tx *sql.Tx, dir models.Direction) error

	// CountTasks returns the number of pending tasks for a direction.
	CountTasks(tx *sql.Tx, dir models.Direction) (int, error)

	// GetAttachment loads an attachment row, or ErrAttachmentNotFound.
	GetAttachment(tx *sql.Tx, id string) (*models.Attachment, error)

	// PutAttachment upserts an attachment row.
	PutAttachment(tx *sql.Tx, a *models.Attachment) error

	// ListAttachments returns every attachment row. Used by the
	// reconciliation walk.
	ListAttachments(tx *sql.Tx) ([]*models.Attachment, error)

	// SetMediaGeneration adopts a cdn generation for the fullsize or
	// thumbnail variant and clears the expired flag for it.
	SetMediaGeneration(tx *sql.Tx, id string, thumbnail bool, cdnNumber int) error

	// MarkMediaExpired flags a variant's media tier copy as absent.
	MarkMediaExpired(tx *sql.Tx, id string, thumbnail bool) error

	// MarkDownloaded records a completed download.
	MarkDownloaded(tx *sql.Tx, id, localPath string) error

	// ClearTransitPointer forgets an attachment's transit tier copy,
	// confirmed expired server side.
	ClearTransitPointer(tx *sql.Tx, id string) error

	// AddOrphan flags a remote object for deletion. Idempotent per
	// (mediaID, cdnNumber).
	AddOrphan(tx *sql.Tx, mediaID string, cdnNumber int) error

	// RemoveOrphan clears any pending deletion for mediaID.
	RemoveOrphan(tx *sql.Tx, mediaID string) error

	// ListOrphans returns all pending deletions, oldest first.
	ListOrphans(tx *sql.Tx) ([]models.OrphanRecord, error)

	// PendingBytes reads the total-pending-byte counter.
	PendingBytes(tx *sql.Tx) (int64, error)

	// AddPendingBytes adjusts the counter by delta (may be negative).
	AddPendingBytes(tx *sql.Tx, delta int64) error

	// ResetPendingBytes zeroes the counter.
	ResetPendingBytes(tx *sql.Tx) error

	// UploadEra reads the persisted upload-era marker, "" when unset.
	UploadEra(tx *sql.Tx) (string, error)

	// SetUploadEra advances the upload-era marker.
	SetUploadEra(tx *sql.Tx, era string) error

	// Close releases resources.
	Close() error
}
