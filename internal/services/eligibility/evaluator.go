// Package eligibility decides whether and how an attachment may be
// transferred. Evaluation is pure: no I/O, no clock reads, no budget
// bookkeeping. Callers evaluate inside the same transaction that reads the
// attachment so the answer matches the row they hold.
package eligibility

import (
	"time"

	"github.com/nvoss/attachsync/internal/models"
)

// Params carries the configuration and budget facts evaluation depends on.
type Params struct {
	// OpportunisticMaxAge bounds which attachments get default priority;
	// older ones are backfill.
	OpportunisticMaxAge time.Duration

	// OpportunisticMaxBytes caps fullsize downloads enqueued without an
	// explicit user request. Zero disables the cap.
	OpportunisticMaxBytes int64

	// PendingByteBudget caps total bytes awaiting download. Zero
	// disables the cap. PendingBytes is the current counter value; the
	// caller owns updating it.
	PendingByteBudget int64
	PendingBytes      int64

	// UserInitiated lifts the opportunistic caps and raises priority.
	UserInitiated bool
}

// Evaluate computes per-source eligibility for a download of a at logical
// time now. Attachments already fully downloaded are the caller's concern;
// this function only answers what sources could serve the item.
func Evaluate(a *models.Attachment, now time.Time, p Params) models.Eligibility {
	elig := models.Eligibility{
		MediaTierFullsize:   a.HasMediaPointer(),
		TransitTierFullsize: a.HasTransitPointer(),
		Thumbnail:           a.HasThumbnailPointer(),
	}

	if !p.UserInitiated {
		// Opportunistic size cap suppresses fullsize sources only; a
		// too-large item may still degrade to its thumbnail.
		if p.OpportunisticMaxBytes > 0 && a.FullsizeBytes > p.OpportunisticMaxBytes {
			elig.MediaTierFullsize = false
			elig.TransitTierFullsize = false
		}

		if p.PendingByteBudget > 0 && p.PendingBytes+a.FullsizeBytes > p.PendingByteBudget {
			elig.MediaTierFullsize = false
			elig.TransitTierFullsize = false
		}
	}

	elig.CanDownload = elig.MediaTierFullsize || elig.TransitTierFullsize || elig.Thumbnail
	elig.Priority = priorityFor(a, now, p)
	return elig
}

func priorityFor(a *models.Attachment, now time.Time, p Params) models.Priority {
	if p.UserInitiated {
		return models.PriorityUserInitiated
	}
	if p.OpportunisticMaxAge > 0 && now.Sub(a.ReceivedAt) > p.OpportunisticMaxAge {
		return models.PriorityBackfill
	}
	return models.PriorityDefault
}
