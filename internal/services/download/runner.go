// Package download implements the per-item runner for the download queue:
// restoring attachment bytes from the remote tiers with a layered source
// fallback.
package download

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nvoss/attachsync/internal/events"
	"github.com/nvoss/attachsync/internal/mediaid"
	"github.com/nvoss/attachsync/internal/models"
	"github.com/nvoss/attachsync/internal/services/eligibility"
	"github.com/nvoss/attachsync/internal/services/queue"
	"github.com/nvoss/attachsync/internal/state"
	"github.com/nvoss/attachsync/internal/transport"
)

// Runner executes one download task attempt at a time. Safe for
// concurrent use by the queue runner's workers.
type Runner struct {
	store    state.Store
	client   transport.Client
	gate     *queue.StatusGate
	deriver  *mediaid.Deriver
	progress *events.ProgressAggregator
	logger   *events.Logger

	// FullsizeOverCellular is the bandwidth preference: whether fullsize
	// sources are permitted off wifi.
	fullsizeOverCellular bool

	eligParams eligibility.Params
}

// NewRunner creates the download item runner.
func NewRunner(store state.Store, client transport.Client, gate *queue.StatusGate,
	deriver *mediaid.Deriver, progress *events.ProgressAggregator,
	fullsizeOverCellular bool, eligParams eligibility.Params, logger *events.Logger) *Runner {
	return &Runner{
		store:                store,
		client:               client,
		gate:                 gate,
		deriver:              deriver,
		progress:             progress,
		fullsizeOverCellular: fullsizeOverCellular,
		eligParams:           eligParams,
		logger:               logger.WithField("component", "download_runner"),
	}
}

// source is one rung of the fallback ladder.
type source struct {
	tier      models.Tier
	thumbnail bool
}

// RunItem attempts one download task.
func (r *Runner) RunItem(ctx context.Context, task *models.TransferTask) error {
	if status := r.gate.Status(); status.Blocking() {
		return &models.StatusError{Status: status}
	}

	// Re-fetch and re-evaluate fresh: the attachment may have been
	// downloaded or deleted since enqueue.
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

	if attachment.Downloaded {
		return models.ErrTaskCancelled
	}

	params := r.eligParams
	params.UserInitiated = task.Priority >= models.PriorityUserInitiated
	elig := eligibility.Evaluate(attachment, time.Now(), params)
	if !elig.CanDownload {
		return models.ErrTaskCancelled
	}

	// Bandwidth preference check, independent of the general gate: if
	// none of the item's eligible sources are currently permitted,
	// nothing else in the queue will fare better.
	ladder := r.permittedLadder(elig)
	if len(ladder) == 0 {
		return &models.RetryableError{
			Err:         fmt.Errorf("no eligible source permitted on %s", r.gate.Connectivity()),
			StopQueue:   true,
			SkipBackoff: true,
		}
	}

	// Fixed priority order: media fullsize, transit fullsize, thumbnail.
	// First success wins; the earliest error is the one surfaced.
	var firstErr error
	for _, src := range ladder {
		result, err := r.fetchFrom(ctx, attachment, task, src)
		if err == nil {
			if recErr := r.recordSuccess(ctx, attachment, src, result); recErr != nil {
				return &models.RetryableError{Err: recErr}
			}
			return nil
		}

		r.noteSourceFailure(ctx, attachment, src, err)
		if firstErr == nil {
			firstErr = err
		}
	}

	return &models.UnretryableError{Err: firstErr, StopQueue: true}
}

// permittedLadder intersects eligible sources with what the bandwidth
// preference currently allows, in attempt order.
func (r *Runner) permittedLadder(elig models.Eligibility) []source {
	conn := r.gate.Connectivity()
	if conn == models.ConnectivityNone {
		return nil
	}

	fullsizeOK := conn == models.ConnectivityWifi || r.fullsizeOverCellular

	var ladder []source
	if elig.MediaTierFullsize && fullsizeOK {
		ladder = append(ladder, source{tier: models.TierMedia})
	}
	if elig.TransitTierFullsize && fullsizeOK {
		ladder = append(ladder, source{tier: models.TierTransit})
	}
	if elig.Thumbnail {
		ladder = append(ladder, source{tier: models.TierMedia, thumbnail: true})
	}
	return ladder
}

func (r *Runner) fetchFrom(ctx context.Context, a *models.Attachment, task *models.TransferTask, src source) (*transport.TransferResult, error) {
	req := &transport.TransferRequest{
		AttachmentID: a.ID,
		Priority:     task.Priority,
		Progress:     r.progress.AddTransferred,
	}

	switch {
	case src.thumbnail:
		req.Source = transport.Endpoint{
			Tier:      models.TierMedia,
			CDNKey:    r.deriver.MediaID(a.MediaName, true),
			CDNNumber: derefOr(a.ThumbnailCDNNumber, 0),
		}
	case src.tier == models.TierMedia:
		req.Source = transport.Endpoint{
			Tier:      models.TierMedia,
			CDNKey:    r.deriver.MediaID(a.MediaName, false),
			CDNNumber: derefOr(a.MediaCDNNumber, 0),
		}
	default:
		req.Source = transport.Endpoint{
			Tier:      models.TierTransit,
			CDNKey:    a.TransitCDNKey,
			CDNNumber: a.TransitCDNNumber,
		}
	}

	return r.client.Transfer(ctx, req)
}

// recordSuccess updates attachment metadata for the source that won.
func (r *Runner) recordSuccess(ctx context.Context, a *models.Attachment, src source, result *transport.TransferResult) error {
	return r.store.WriteTx(ctx, func(tx *sql.Tx) error {
		if src.thumbnail {
			fresh, err := r.store.GetAttachment(tx, a.ID)
			if err != nil {
				return err
			}
			fresh.ThumbnailPath = result.LocalPath
			return r.store.PutAttachment(tx, fresh)
		}
		return r.store.MarkDownloaded(tx, a.ID, result.LocalPath)
	})
}

// noteSourceFailure records remote-state facts a failure reveals before
// the ladder moves on.
func (r *Runner) noteSourceFailure(ctx context.Context, a *models.Attachment, src source, err error) {
	logger := r.logger.WithFields(map[string]interface{}{
		"attachment": a.ID,
		"tier":       src.tier,
		"thumbnail":  src.thumbnail,
	})
	logger.WithError(err).Debug("Download source failed, trying next")

	// A confirmed 404 from the media tier means the recorded generation
	// is stale; expire it so eligibility stops offering the source.
	if !src.thumbnail && src.tier == models.TierMedia && errors.Is(err, transport.ErrSourceMissing) {
		wErr := r.store.WriteTx(ctx, func(tx *sql.Tx) error {
			return r.store.MarkMediaExpired(tx, a.ID, false)
		})
		if wErr != nil {
			logger.WithError(wErr).Warn("Failed to expire stale media pointer")
		}
	}
}

func derefOr(n *int, fallback int) int {
	if n == nil {
		return fallback
	}
	return *n
}
