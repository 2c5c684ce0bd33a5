// Package reconcile aligns locally recorded media tier state with the
// authoritative remote listing. A full walk runs at most once per upload
// era: subscription rotations invalidate every object id, so the first
// drain of a new era repairs generations, flags orphaned remote objects,
// and expires local pointers the listing no longer backs.
package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/nvoss/attachsync/internal/events"
	"github.com/nvoss/attachsync/internal/mediaid"
	"github.com/nvoss/attachsync/internal/models"
	"github.com/nvoss/attachsync/internal/state"
	"github.com/nvoss/attachsync/internal/transport"
)

const listPageSize = 1000

// Reconciler runs the listing walk. A single instance serializes walks;
// concurrent calls for the same era coalesce into one.
type Reconciler struct {
	store   state.Store
	client  transport.Client
	deriver *mediaid.Deriver
	logger  *events.Logger

	// PrimaryDevice controls whether unmatched remote objects are flagged
	// for deletion. Secondary devices observe but never orphan.
	primaryDevice bool

	mu sync.Mutex
}

// NewReconciler creates a reconciler.
func NewReconciler(store state.Store, client transport.Client, deriver *mediaid.Deriver,
	primaryDevice bool, logger *events.Logger) *Reconciler {
	return &Reconciler{
		store:         store,
		client:        client,
		deriver:       deriver,
		primaryDevice: primaryDevice,
		logger:        logger.WithField("component", "reconciler"),
	}
}

// localEntry indexes one expected remote object.
type localEntry struct {
	attachmentID string
	thumbnail    bool

	// gen is the locally recorded generation, nil when none is recorded.
	gen *int

	matched bool
}

// Reconcile runs the walk if the persisted era marker differs from era.
// The marker advances only after every repair has committed, so an
// interrupted walk reruns in full on the next drain.
func (r *Reconciler) Reconcile(ctx context.Context, era string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		current string
		index   map[string]*localEntry
	)
	err := r.store.ReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		if current, err = r.store.UploadEra(tx); err != nil {
			return err
		}
		if current == era {
			return nil
		}
		index, err = r.buildIndex(tx)
		return err
	})
	if err != nil {
		return fmt.Errorf("prepare reconciliation: %w", err)
	}
	if current == era {
		return nil
	}

	r.logger.WithFields(map[string]interface{}{
		"from_era": current,
		"to_era":   era,
		"expected": len(index),
	}).Info("Starting listing reconciliation")

	if err := r.walkListing(ctx, index); err != nil {
		return err
	}

	return r.store.WriteTx(ctx, func(tx *sql.Tx) error {
		if err := r.sweepUnmatched(tx, index); err != nil {
			return err
		}
		// Advancing the marker is the last write: everything before it is
		// idempotent, so a crash here just repeats the walk.
		return r.store.SetUploadEra(tx, era)
	})
}

// buildIndex derives the expected object id for every variant that has a
// media name, keyed by media id.
func (r *Reconciler) buildIndex(tx *sql.Tx) (map[string]*localEntry, error) {
	attachments, err := r.store.ListAttachments(tx)
	if err != nil {
		return nil, err
	}

	index := make(map[string]*localEntry, len(attachments)*2)
	for _, a := range attachments {
		if a.MediaName == "" {
			continue
		}
		index[r.deriver.MediaID(a.MediaName, false)] = &localEntry{
			attachmentID: a.ID,
			gen:          a.MediaCDNNumber,
		}
		if a.HasThumbnail {
			index[r.deriver.MediaID(a.MediaName, true)] = &localEntry{
				attachmentID: a.ID,
				thumbnail:    true,
				gen:          a.ThumbnailCDNNumber,
			}
		}
	}
	return index, nil
}

// walkListing pages through the remote listing, committing repairs one
// page at a time.
func (r *Reconciler) walkListing(ctx context.Context, index map[string]*localEntry) error {
	cursor := ""
	for {
		page, err := r.client.List(ctx, cursor, listPageSize)
		if err != nil {
			return fmt.Errorf("list media tier: %w", err)
		}

		err = r.store.WriteTx(ctx, func(tx *sql.Tx) error {
			for _, obj := range page.Objects {
				if err := r.reconcileObject(tx, index, obj); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("apply listing page: %w", err)
		}

		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}

// reconcileObject applies the match rules for one listed remote object.
func (r *Reconciler) reconcileObject(tx *sql.Tx, index map[string]*localEntry, obj models.RemoteObject) error {
	entry, ok := index[obj.MediaID]
	if !ok {
		// Nothing local expects this object. Only the primary device may
		// schedule remote deletions; secondaries have an incomplete view.
		if r.primaryDevice {
			return r.store.AddOrphan(tx, obj.MediaID, obj.CDNNumber)
		}
		return nil
	}

	switch {
	case entry.gen == nil:
		// Local record has no generation: the server copy is news to us.
		entry.matched = true
		return r.store.SetMediaGeneration(tx, entry.attachmentID, entry.thumbnail, obj.CDNNumber)

	case *entry.gen == obj.CDNNumber:
		entry.matched = true
		return nil

	case *entry.gen > obj.CDNNumber:
		// We recorded a newer generation than the server lists. The listed
		// copy is a stale duplicate; schedule it for deletion and leave the
		// local generation untouched. The entry counts as matched so the
		// sweep keeps the pointer, and it stays in the map in case a later
		// page lists the newer generation too.
		entry.matched = true
		if r.primaryDevice {
			return r.store.AddOrphan(tx, obj.MediaID, obj.CDNNumber)
		}
		return nil

	default:
		// Server holds a newer generation. Adopt it and schedule the copy
		// behind our stale pointer for deletion.
		oldGen := *entry.gen
		entry.matched = true
		if err := r.store.SetMediaGeneration(tx, entry.attachmentID, entry.thumbnail, obj.CDNNumber); err != nil {
			return err
		}
		if r.primaryDevice {
			return r.store.AddOrphan(tx, obj.MediaID, oldGen)
		}
		return nil
	}
}

// sweepUnmatched expires local pointers whose recorded generation never
// appeared in the listing, and drops download tasks that depended on
// media copies the sweep just invalidated.
func (r *Reconciler) sweepUnmatched(tx *sql.Tx, index map[string]*localEntry) error {
	for mediaID, entry := range index {
		if entry.matched || entry.gen == nil {
			continue
		}

		r.logger.WithFields(map[string]interface{}{
			"attachment": entry.attachmentID,
			"thumbnail":  entry.thumbnail,
			"media_id":   mediaID,
		}).Debug("Expiring pointer absent from listing")

		err := r.store.MarkMediaExpired(tx, entry.attachmentID, entry.thumbnail)
		if errors.Is(err, models.ErrAttachmentNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		if !entry.thumbnail {
			if err := r.dropDownloadTask(tx, entry.attachmentID); err != nil {
				return err
			}
		}
	}
	return nil
}

// dropDownloadTask removes a pending download whose only fullsize source
// was the expired media copy, refunding its byte accounting.
func (r *Reconciler) dropDownloadTask(tx *sql.Tx, attachmentID string) error {
	a, err := r.store.GetAttachment(tx, attachmentID)
	if err != nil {
		if errors.Is(err, models.ErrAttachmentNotFound) {
			return nil
		}
		return err
	}
	if a.HasTransitPointer() {
		// Transit fallback still serves the task.
		return nil
	}

	key := models.TaskKey{AttachmentID: attachmentID, IsFullsize: true}
	task, err := r.store.GetTask(tx, models.DirectionDownload, key)
	if errors.Is(err, models.ErrTaskNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if task.AccountedBytes > 0 {
		if err := r.store.AddPendingBytes(tx, -task.AccountedBytes); err != nil {
			return err
		}
	}
	return r.store.RemoveTask(tx, models.DirectionDownload, key)
}
