// Package upload implements the per-item runner for the upload queue:
// moving attachment bytes (or server-side copies of them) onto the durable
// media tier.
package upload

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/nvoss/attachsync/internal/events"
	"github.com/nvoss/attachsync/internal/mediaid"
	"github.com/nvoss/attachsync/internal/models"
	"github.com/nvoss/attachsync/internal/services/queue"
	"github.com/nvoss/attachsync/internal/state"
	"github.com/nvoss/attachsync/internal/transport"
)

// Runner executes one upload task attempt at a time. Safe for concurrent
// use by the queue runner's workers.
type Runner struct {
	store    state.Store
	client   transport.Client
	gate     *queue.StatusGate
	deriver  *mediaid.Deriver
	progress *events.ProgressAggregator
	logger   *events.Logger

	// Per-drain latches. The entitlement re-verify after a forbidden
	// error happens at most once per drain cycle; a second consecutive
	// forbidden goes straight to generic handling.
	mu                sync.Mutex
	forbiddenVerified bool
	freeTierRefreshed bool
}

// NewRunner creates the upload item runner.
func NewRunner(store state.Store, client transport.Client, gate *queue.StatusGate,
	deriver *mediaid.Deriver, progress *events.ProgressAggregator, logger *events.Logger) *Runner {
	return &Runner{
		store:    store,
		client:   client,
		gate:     gate,
		deriver:  deriver,
		progress: progress,
		logger:   logger.WithField("component", "upload_runner"),
	}
}

// BeginDrainCycle resets the per-drain latches. The orchestrator calls it
// before each drain.
func (r *Runner) BeginDrainCycle() {
	r.mu.Lock()
	r.forbiddenVerified = false
	r.freeTierRefreshed = false
	r.mu.Unlock()
}

// RunItem attempts one upload task.
func (r *Runner) RunItem(ctx context.Context, task *models.TransferTask) error {
	if status := r.gate.Status(); status.Blocking() {
		return &models.StatusError{Status: status}
	}

	// Re-fetch state fresh: the attachment may have been deleted or
	// changed since enqueue.
	var attachment *models.Attachment
	err := r.store.ReadTx(ctx, func(tx *sql.Tx) error {
		a, err := r.store.GetAttachment(tx, task.AttachmentID)
		if err != nil {
			return err
		}
		attachment = a
		return nil
	})
	if errors.Is(err, models.ErrAttachmentNotFound) {
		return models.ErrTaskCancelled
	}
	if err != nil {
		return &models.RetryableError{Err: fmt.Errorf("load attachment: %w", err)}
	}

	if cancelErr := r.checkStillNeeded(attachment, task); cancelErr != nil {
		return cancelErr
	}

	// An upload and a deletion of the same remote object must never
	// race; clear any pending deletion before writing.
	mediaID := r.deriver.MediaID(attachment.MediaName, !task.IsFullsize)
	err = r.store.WriteTx(ctx, func(tx *sql.Tx) error {
		return r.store.RemoveOrphan(tx, mediaID)
	})
	if err != nil {
		return &models.RetryableError{Err: fmt.Errorf("clear conflicting orphan: %w", err)}
	}

	if entErr := r.ensureEntitled(ctx); entErr != nil {
		return entErr
	}

	req, copyStyle := r.buildRequest(attachment, task, mediaID)
	result, err := r.client.Transfer(ctx, req)
	if err != nil {
		return r.classify(ctx, task, err, copyStyle)
	}

	err = r.store.WriteTx(ctx, func(tx *sql.Tx) error {
		return r.store.SetMediaGeneration(tx, attachment.ID, !task.IsFullsize, result.CDNNumber)
	})
	if err != nil {
		return &models.RetryableError{Err: fmt.Errorf("record upload result: %w", err)}
	}

	r.logger.WithFields(map[string]interface{}{
		"task":       task.Key().String(),
		"cdn_number": result.CDNNumber,
		"copy_style": copyStyle,
	}).Debug("Upload complete")
	return nil
}

// checkStillNeeded cancels tasks whose work disappeared or already
// happened.
func (r *Runner) checkStillNeeded(a *models.Attachment, task *models.TransferTask) error {
	if task.IsFullsize {
		if a.HasMediaPointer() {
			return models.ErrTaskCancelled
		}
		if !a.HasLocalStream() && !a.HasTransitPointer() {
			// No bytes anywhere to upload from.
			return models.ErrTaskCancelled
		}
		return nil
	}

	if a.ThumbnailCDNNumber != nil {
		return models.ErrTaskCancelled
	}
	if a.ThumbnailPath == "" {
		return models.ErrTaskCancelled
	}
	return nil
}

// ensureEntitled fetches the media tier authorization, force-refreshing
// once per drain if the cached token reports free tier.
func (r *Runner) ensureEntitled(ctx context.Context) error {
	token, err := r.client.FetchAuthorization(ctx, models.TierMedia, false)
	if err != nil {
		return &models.RetryableError{Err: fmt.Errorf("fetch media authorization: %w", err), StopQueue: true, SkipBackoff: true}
	}

	if !token.PaidTier {
		r.mu.Lock()
		refresh := !r.freeTierRefreshed
		r.freeTierRefreshed = true
		r.mu.Unlock()

		if refresh {
			token, err = r.client.FetchAuthorization(ctx, models.TierMedia, true)
			if err != nil {
				return &models.RetryableError{Err: fmt.Errorf("refresh media authorization: %w", err), StopQueue: true, SkipBackoff: true}
			}
		}
		if !token.PaidTier {
			return &models.RetryableError{
				Err:         errors.New("account not entitled to media tier"),
				StopQueue:   true,
				SkipBackoff: true,
			}
		}
	}
	return nil
}

// buildRequest picks copy-style when a transit tier copy exists (cheaper
// than re-sending bytes), else streams the local file.
func (r *Runner) buildRequest(a *models.Attachment, task *models.TransferTask, mediaID string) (*transport.TransferRequest, bool) {
	req := &transport.TransferRequest{
		AttachmentID: a.ID,
		Priority:     task.Priority,
		Destination: transport.Endpoint{
			Tier:   models.TierMedia,
			CDNKey: mediaID,
		},
		Progress: r.progress.AddTransferred,
	}

	if !task.IsFullsize {
		req.Source = transport.Endpoint{LocalPath: a.ThumbnailPath}
		return req, false
	}

	if a.HasTransitPointer() {
		req.Source = transport.Endpoint{
			Tier:      models.TierTransit,
			CDNKey:    a.TransitCDNKey,
			CDNNumber: a.TransitCDNNumber,
		}
		return req, true
	}

	req.Source = transport.Endpoint{LocalPath: a.LocalPath}
	return req, false
}

// classify applies the failure policy. Branches are checked in priority
// order and exactly one fires.
func (r *Runner) classify(ctx context.Context, task *models.TransferTask, err error, copyStyle bool) error {
	// 1. The transit copy backing a copy-style upload expired server
	// side. Clear the stale pointer so the next attempt streams the local
	// file instead of rebuilding the same doomed copy request, then retry
	// without touching the backoff counter.
	if copyStyle && errors.Is(err, transport.ErrSourceMissing) {
		wErr := r.store.WriteTx(ctx, func(tx *sql.Tx) error {
			return r.store.ClearTransitPointer(tx, task.AttachmentID)
		})
		if wErr != nil && !errors.Is(wErr, models.ErrAttachmentNotFound) {
			return &models.RetryableError{Err: fmt.Errorf("clear expired transit pointer: %w", wErr)}
		}
		return &models.RetryableError{Err: err, SkipBackoff: true}
	}

	// 2. Forbidden: re-verify entitlement at most once per drain, then
	// treat like a generic failure.
	if errors.Is(err, transport.ErrForbidden) {
		r.mu.Lock()
		verify := !r.forbiddenVerified
		r.forbiddenVerified = true
		r.mu.Unlock()

		if verify {
			token, authErr := r.client.FetchAuthorization(ctx, models.TierMedia, true)
			if authErr != nil || !token.PaidTier {
				return &models.RetryableError{
					Err:         fmt.Errorf("entitlement lost: %w", err),
					StopQueue:   true,
					SkipBackoff: true,
				}
			}
		}
		return r.classifyGeneric(err, task)
	}

	// 3. Rate limit: server-provided wait, independent of the
	// exponential counter.
	var rateLimit *transport.RateLimitError
	if errors.As(err, &rateLimit) {
		return &models.RetryableError{Err: err, RetryAfter: rateLimit.RetryAfter}
	}

	// 4. Network or timeout failure.
	var netErr *transport.NetworkError
	if errors.As(err, &netErr) {
		return r.classifyGeneric(err, task)
	}

	// 5. Local source file gone on a fullsize item: the bytes are gone,
	// never retryable. Drop the task as if it succeeded.
	if task.IsFullsize && errors.Is(err, fs.ErrNotExist) {
		r.logger.WithFields(map[string]interface{}{
			"task":  task.Key().String(),
			"error": err.Error(),
		}).Warn("Local source missing, dropping upload task")
		return nil
	}

	// 6. A missing thumbnail must never block fullsize delivery:
	// swallow any thumbnail failure.
	if !task.IsFullsize {
		r.logger.WithFields(map[string]interface{}{
			"task":  task.Key().String(),
			"error": err.Error(),
		}).Debug("Swallowing thumbnail upload failure")
		return nil
	}

	return r.classifyGeneric(err, task)
}

// classifyGeneric is the default failure handling: exponential backoff
// while the queue is healthy, otherwise defer to the gate.
func (r *Runner) classifyGeneric(err error, task *models.TransferTask) error {
	if status := r.gate.Status(); status != models.StatusRunning {
		// A non-connectivity block explains the failure better than the
		// item does; propagate it unchanged for the queue to handle.
		return &models.StatusError{Status: status}
	}
	return &models.RetryableError{Err: err}
}
