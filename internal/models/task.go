package models

import (
	"fmt"
	"time"
)

// Direction selects one of the two transfer queues.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// Priority orders tasks within a queue. Higher runs first.
type Priority int

const (
	// PriorityBackfill is for old attachments pulled opportunistically.
	PriorityBackfill Priority = 0
	// PriorityDefault is for recently received attachments.
	PriorityDefault Priority = 50
	// PriorityUserInitiated is for explicit user requests.
	PriorityUserInitiated Priority = 100
)

// TaskKey uniquely identifies a live task within one direction.
type TaskKey struct {
	AttachmentID string
	IsFullsize   bool
}

func (k TaskKey) String() string {
	variant := "thumbnail"
	if k.IsFullsize {
		variant = "fullsize"
	}
	return fmt.Sprintf("%s/%s", k.AttachmentID, variant)
}

// TransferTask is one row of a durable task table. At most one live task
// exists per TaskKey per direction; enqueue is an upsert.
type TransferTask struct {
	ID           int64    `json:"id"`
	AttachmentID string   `json:"attachment_id"`
	IsFullsize   bool     `json:"is_fullsize"`
	Priority     Priority `json:"priority"`

	// ReceivedAt orders same-priority tasks, oldest first. Nil sorts last.
	ReceivedAt *time.Time `json:"received_at,omitempty"`

	// NumRetries drives exponential backoff on the upload side.
	NumRetries int `json:"num_retries"`

	// MinRetryAt blocks the task from peeks until it passes.
	MinRetryAt *time.Time `json:"min_retry_at,omitempty"`

	// AccountedBytes is what this task contributed to the pending-byte
	// counter at enqueue; refunded when the row is removed. Only
	// fullsize download bytes are counted.
	AccountedBytes int64 `json:"accounted_bytes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Key returns the task's identity within its direction.
func (t *TransferTask) Key() TaskKey {
	return TaskKey{AttachmentID: t.AttachmentID, IsFullsize: t.IsFullsize}
}
