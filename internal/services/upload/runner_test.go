package upload

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvoss/attachsync/internal/events"
	"github.com/nvoss/attachsync/internal/mediaid"
	"github.com/nvoss/attachsync/internal/models"
	"github.com/nvoss/attachsync/internal/services/queue"
	"github.com/nvoss/attachsync/internal/state"
	"github.com/nvoss/attachsync/internal/transport"
	"github.com/nvoss/attachsync/test/testutil"
)

type uploadFixture struct {
	store   *state.SQLiteStore
	mock    *transport.MockClient
	gate    *queue.StatusGate
	deriver *mediaid.Deriver
	runner  *Runner
}

func newUploadFixture(t *testing.T) *uploadFixture {
	t.Helper()

	deriver, err := mediaid.NewDeriver(testutil.TestBackupKeyHex)
	require.NoError(t, err)

	f := &uploadFixture{
		store:   testutil.NewTestStore(t),
		mock:    transport.NewMockClient(),
		gate:    queue.NewStatusGate(false, testutil.NewTestLogger()),
		deriver: deriver,
	}
	f.runner = NewRunner(f.store, f.mock, f.gate, deriver,
		events.NewProgressAggregator(), testutil.NewTestLogger())
	f.runner.BeginDrainCycle()
	return f
}

func (f *uploadFixture) put(t *testing.T, a *models.Attachment) {
	t.Helper()
	require.NoError(t, f.store.WriteTx(context.Background(), func(tx *sql.Tx) error {
		return f.store.PutAttachment(tx, a)
	}))
}

func (f *uploadFixture) get(t *testing.T, id string) *models.Attachment {
	t.Helper()
	var a *models.Attachment
	require.NoError(t, f.store.ReadTx(context.Background(), func(tx *sql.Tx) error {
		var err error
		a, err = f.store.GetAttachment(tx, id)
		return err
	}))
	return a
}

func fullsizeTask(id string) *models.TransferTask {
	return &models.TransferTask{AttachmentID: id, IsFullsize: true, Priority: models.PriorityDefault}
}

func thumbnailTask(id string) *models.TransferTask {
	return &models.TransferTask{AttachmentID: id, IsFullsize: false, Priority: models.PriorityDefault}
}

func TestUploadLocalStream(t *testing.T) {
	f := newUploadFixture(t)
	a := testutil.LocalAttachment(t, "att-1")
	f.put(t, a)
	f.mock.TransferResults["att-1"] = &transport.TransferResult{CDNNumber: 5, BytesTransferred: 2048}

	require.NoError(t, f.runner.RunItem(context.Background(), fullsizeTask("att-1")))

	got := f.get(t, "att-1")
	require.NotNil(t, got.MediaCDNNumber)
	assert.Equal(t, 5, *got.MediaCDNNumber)
	assert.False(t, got.MediaExpired)

	require.Len(t, f.mock.Transfers, 1)
	req := f.mock.Transfers[0]
	assert.Equal(t, a.LocalPath, req.Source.LocalPath)
	assert.Equal(t, models.TierMedia, req.Destination.Tier)
	assert.Equal(t, f.deriver.MediaID(a.MediaName, false), req.Destination.CDNKey)
}

func TestUploadPrefersCopyStyle(t *testing.T) {
	f := newUploadFixture(t)
	a := testutil.LocalAttachment(t, "att-1")
	a.TransitCDNKey = "transit-key"
	a.TransitCDNNumber = 2
	f.put(t, a)

	require.NoError(t, f.runner.RunItem(context.Background(), fullsizeTask("att-1")))

	require.Len(t, f.mock.Transfers, 1)
	req := f.mock.Transfers[0]
	assert.Equal(t, models.TierTransit, req.Source.Tier)
	assert.Equal(t, "transit-key", req.Source.CDNKey)
	assert.Empty(t, req.Source.LocalPath)
}

func TestUploadCancelledCases(t *testing.T) {
	f := newUploadFixture(t)
	ctx := context.Background()

	t.Run("attachment gone", func(t *testing.T) {
		err := f.runner.RunItem(ctx, fullsizeTask("missing"))
		assert.ErrorIs(t, err, models.ErrTaskCancelled)
	})

	t.Run("already on media tier", func(t *testing.T) {
		a := testutil.RemoteAttachment("uploaded")
		f.put(t, a)
		err := f.runner.RunItem(ctx, fullsizeTask("uploaded"))
		assert.ErrorIs(t, err, models.ErrTaskCancelled)
	})

	t.Run("no bytes anywhere", func(t *testing.T) {
		f.put(t, &models.Attachment{ID: "empty", MediaName: "media-empty", ReceivedAt: time.Now()})
		err := f.runner.RunItem(ctx, fullsizeTask("empty"))
		assert.ErrorIs(t, err, models.ErrTaskCancelled)
	})

	t.Run("thumbnail already uploaded", func(t *testing.T) {
		gen := 2
		a := testutil.LocalAttachment(t, "thumb-done")
		a.HasThumbnail = true
		a.ThumbnailPath = testutil.WriteTempFile(t, "thumb.bin", "thumb")
		a.ThumbnailCDNNumber = &gen
		f.put(t, a)
		err := f.runner.RunItem(ctx, thumbnailTask("thumb-done"))
		assert.ErrorIs(t, err, models.ErrTaskCancelled)
	})

	assert.Zero(t, f.mock.TransferCount(), "cancelled tasks never reach the wire")
}

func TestUploadClearsConflictingOrphan(t *testing.T) {
	f := newUploadFixture(t)
	ctx := context.Background()
	a := testutil.LocalAttachment(t, "att-1")
	f.put(t, a)

	mediaID := f.deriver.MediaID(a.MediaName, false)
	require.NoError(t, f.store.WriteTx(ctx, func(tx *sql.Tx) error {
		return f.store.AddOrphan(tx, mediaID, 1)
	}))

	require.NoError(t, f.runner.RunItem(ctx, fullsizeTask("att-1")))

	require.NoError(t, f.store.ReadTx(ctx, func(tx *sql.Tx) error {
		orphans, err := f.store.ListOrphans(tx)
		require.NoError(t, err)
		assert.Empty(t, orphans)
		return nil
	}))
}

func TestUploadExpiredTransitCopyFallsBackToLocalStream(t *testing.T) {
	f := newUploadFixture(t)
	a := testutil.LocalAttachment(t, "att-1")
	a.TransitCDNKey = "transit-key"
	a.TransitCDNNumber = 2
	f.put(t, a)
	// The transit copy 404s on every attempt; it is gone for good.
	f.mock.TransferErrorsByKey["att-1/transit"] = []error{
		transport.ErrSourceMissing, transport.ErrSourceMissing,
	}

	err := f.runner.RunItem(context.Background(), fullsizeTask("att-1"))

	re, ok := models.AsRetryable(err)
	require.True(t, ok)
	assert.True(t, re.SkipBackoff)
	assert.False(t, re.StopQueue)

	// The stale pointer is cleared, so the retry streams the local file
	// instead of rebuilding the same doomed copy request forever.
	assert.Empty(t, f.get(t, "att-1").TransitCDNKey)

	require.NoError(t, f.runner.RunItem(context.Background(), fullsizeTask("att-1")))

	require.Len(t, f.mock.Transfers, 2)
	retry := f.mock.Transfers[1]
	assert.Equal(t, a.LocalPath, retry.Source.LocalPath)
	assert.Empty(t, retry.Source.Tier)
	require.NotNil(t, f.get(t, "att-1").MediaCDNNumber)
}

func TestUploadForbiddenVerifiesEntitlementOncePerDrain(t *testing.T) {
	f := newUploadFixture(t)
	a := testutil.LocalAttachment(t, "att-1")
	f.put(t, a)
	b := testutil.LocalAttachment(t, "att-2")
	f.put(t, b)
	f.mock.TransferErrors["att-1"] = []error{transport.ErrForbidden}
	f.mock.TransferErrors["att-2"] = []error{transport.ErrForbidden}

	// Entitlement intact: the forbidden is treated as a plain retryable.
	err := f.runner.RunItem(context.Background(), fullsizeTask("att-1"))
	re, ok := models.AsRetryable(err)
	require.True(t, ok)
	assert.False(t, re.StopQueue)

	forceRefreshes := func() int {
		n := 0
		for _, req := range f.mock.AuthRequests {
			if req.ForceRefresh {
				n++
			}
		}
		return n
	}
	assert.Equal(t, 1, forceRefreshes())

	// A second forbidden in the same drain skips the re-verify.
	_ = f.runner.RunItem(context.Background(), fullsizeTask("att-2"))
	assert.Equal(t, 1, forceRefreshes())

	// A new drain cycle re-arms the latch.
	f.runner.BeginDrainCycle()
	f.mock.TransferErrors["att-1"] = []error{transport.ErrForbidden}
	_ = f.runner.RunItem(context.Background(), fullsizeTask("att-1"))
	assert.Equal(t, 2, forceRefreshes())
}

func TestUploadForbiddenWithLostEntitlementStopsQueue(t *testing.T) {
	f := newUploadFixture(t)
	f.put(t, testutil.LocalAttachment(t, "att-1"))
	f.mock.TransferErrors["att-1"] = []error{transport.ErrForbidden}

	// Pre-flight sees the cached paid token; the forced re-verify after
	// the forbidden discovers the account was downgraded.
	f.mock.RefreshTokens = map[models.Tier]*transport.AuthToken{
		models.TierMedia: {
			Token: "free", PaidTier: false, UploadEra: "era-1",
			ExpiresAt: time.Now().Add(time.Hour),
		},
	}

	err := f.runner.RunItem(context.Background(), fullsizeTask("att-1"))

	re, ok := models.AsRetryable(err)
	require.True(t, ok)
	assert.True(t, re.StopQueue)
	assert.True(t, re.SkipBackoff)
}

func TestUploadRateLimitUsesServerWait(t *testing.T) {
	f := newUploadFixture(t)
	f.put(t, testutil.LocalAttachment(t, "att-1"))
	f.mock.TransferErrors["att-1"] = []error{&transport.RateLimitError{RetryAfter: 42 * time.Second}}

	err := f.runner.RunItem(context.Background(), fullsizeTask("att-1"))

	re, ok := models.AsRetryable(err)
	require.True(t, ok)
	assert.Equal(t, 42*time.Second, re.RetryAfter)
	assert.False(t, re.SkipBackoff)
}

func TestUploadNetworkErrorRetriesWithBackoff(t *testing.T) {
	f := newUploadFixture(t)
	f.put(t, testutil.LocalAttachment(t, "att-1"))
	f.mock.TransferErrors["att-1"] = []error{&transport.NetworkError{Err: errors.New("conn reset")}}

	err := f.runner.RunItem(context.Background(), fullsizeTask("att-1"))

	re, ok := models.AsRetryable(err)
	require.True(t, ok)
	assert.Zero(t, re.RetryAfter)
	assert.False(t, re.SkipBackoff)
}

func TestUploadLostLocalFileDropsTask(t *testing.T) {
	f := newUploadFixture(t)
	f.put(t, testutil.LocalAttachment(t, "att-1"))
	f.mock.TransferErrors["att-1"] = []error{
		&fs.PathError{Op: "open", Path: "gone.bin", Err: fs.ErrNotExist},
	}

	// Bytes are unrecoverable: the task completes as if it succeeded so
	// the row is removed, but no generation is recorded.
	require.NoError(t, f.runner.RunItem(context.Background(), fullsizeTask("att-1")))
	assert.Nil(t, f.get(t, "att-1").MediaCDNNumber)
}

func TestUploadThumbnailFailureSwallowed(t *testing.T) {
	f := newUploadFixture(t)
	a := testutil.LocalAttachment(t, "att-1")
	a.HasThumbnail = true
	a.ThumbnailPath = testutil.WriteTempFile(t, "thumb.bin", "thumb")
	f.put(t, a)
	f.mock.TransferErrors["att-1"] = []error{errors.New("corrupt thumbnail")}

	require.NoError(t, f.runner.RunItem(context.Background(), thumbnailTask("att-1")))
	assert.Nil(t, f.get(t, "att-1").ThumbnailCDNNumber)
}

func TestUploadThumbnailSuccessRecordsGeneration(t *testing.T) {
	f := newUploadFixture(t)
	a := testutil.LocalAttachment(t, "att-1")
	a.HasThumbnail = true
	a.ThumbnailPath = testutil.WriteTempFile(t, "thumb.bin", "thumb")
	f.put(t, a)
	f.mock.TransferResults["att-1"] = &transport.TransferResult{CDNNumber: 9}

	require.NoError(t, f.runner.RunItem(context.Background(), thumbnailTask("att-1")))

	got := f.get(t, "att-1")
	require.NotNil(t, got.ThumbnailCDNNumber)
	assert.Equal(t, 9, *got.ThumbnailCDNNumber)
}

func TestUploadFreeTierStopsQueue(t *testing.T) {
	f := newUploadFixture(t)
	f.put(t, testutil.LocalAttachment(t, "att-1"))
	f.mock.AuthTokens[models.TierMedia] = &transport.AuthToken{
		Token: "free", PaidTier: false, UploadEra: "era-1", ExpiresAt: time.Now().Add(time.Hour),
	}

	err := f.runner.RunItem(context.Background(), fullsizeTask("att-1"))

	re, ok := models.AsRetryable(err)
	require.True(t, ok)
	assert.True(t, re.StopQueue)
	assert.True(t, re.SkipBackoff)
	assert.Zero(t, f.mock.TransferCount())

	// The downgrade was confirmed with exactly one forced refresh.
	refreshes := 0
	for _, req := range f.mock.AuthRequests {
		if req.ForceRefresh {
			refreshes++
		}
	}
	assert.Equal(t, 1, refreshes)
}

func TestUploadBlockedGateShortCircuits(t *testing.T) {
	f := newUploadFixture(t)
	f.put(t, testutil.LocalAttachment(t, "att-1"))
	f.gate.SetBatteryLow(true)

	err := f.runner.RunItem(context.Background(), fullsizeTask("att-1"))

	var statusErr *models.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, models.StatusLowBattery, statusErr.Status)
	assert.Zero(t, f.mock.TransferCount())
}
