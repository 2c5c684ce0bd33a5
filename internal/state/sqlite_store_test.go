package state_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvoss/attachsync/internal/models"
	"github.com/nvoss/attachsync/internal/state"
	"github.com/nvoss/attachsync/test/testutil"
)

func enqueue(t *testing.T, store *state.SQLiteStore, dir models.Direction, task *models.TransferTask) {
	t.Helper()
	require.NoError(t, store.WriteTx(context.Background(), func(tx *sql.Tx) error {
		return store.EnqueueTask(tx, dir, task)
	}))
}

func peek(t *testing.T, store *state.SQLiteStore, dir models.Direction, n int, exclude []models.TaskKey) []*models.TransferTask {
	t.Helper()
	var tasks []*models.TransferTask
	require.NoError(t, store.ReadTx(context.Background(), func(tx *sql.Tx) error {
		var err error
		tasks, err = store.PeekTasks(tx, dir, n, exclude, time.Now())
		return err
	}))
	return tasks
}

func TestEnqueueUpsert(t *testing.T) {
	store := testutil.NewTestStore(t)
	received := time.Now().Add(-time.Hour)

	enqueue(t, store, models.DirectionDownload, &models.TransferTask{
		AttachmentID: "att-1",
		IsFullsize:   true,
		Priority:     models.PriorityDefault,
		ReceivedAt:   &received,
	})

	// Re-enqueueing the same key updates in place.
	enqueue(t, store, models.DirectionDownload, &models.TransferTask{
		AttachmentID: "att-1",
		IsFullsize:   true,
		Priority:     models.PriorityUserInitiated,
		ReceivedAt:   &received,
	})

	tasks := peek(t, store, models.DirectionDownload, 10, nil)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.PriorityUserInitiated, tasks[0].Priority)

	// The thumbnail variant is a distinct key.
	enqueue(t, store, models.DirectionDownload, &models.TransferTask{
		AttachmentID: "att-1",
		IsFullsize:   false,
		Priority:     models.PriorityDefault,
	})
	tasks = peek(t, store, models.DirectionDownload, 10, nil)
	assert.Len(t, tasks, 2)
}

func TestPeekOrdering(t *testing.T) {
	store := testutil.NewTestStore(t)

	older := time.Now().Add(-2 * time.Hour)
	newer := time.Now().Add(-time.Hour)

	enqueue(t, store, models.DirectionUpload, &models.TransferTask{
		AttachmentID: "backfill", IsFullsize: true,
		Priority: models.PriorityBackfill,
	})
	enqueue(t, store, models.DirectionUpload, &models.TransferTask{
		AttachmentID: "newer", IsFullsize: true,
		Priority: models.PriorityDefault, ReceivedAt: &newer,
	})
	enqueue(t, store, models.DirectionUpload, &models.TransferTask{
		AttachmentID: "older", IsFullsize: true,
		Priority: models.PriorityDefault, ReceivedAt: &older,
	})
	enqueue(t, store, models.DirectionUpload, &models.TransferTask{
		AttachmentID: "urgent", IsFullsize: true,
		Priority: models.PriorityUserInitiated, ReceivedAt: &newer,
	})

	tasks := peek(t, store, models.DirectionUpload, 10, nil)
	require.Len(t, tasks, 4)

	// Priority first, then oldest recency, recency-less last.
	assert.Equal(t, "urgent", tasks[0].AttachmentID)
	assert.Equal(t, "older", tasks[1].AttachmentID)
	assert.Equal(t, "newer", tasks[2].AttachmentID)
	assert.Equal(t, "backfill", tasks[3].AttachmentID)
}

func TestPeekExclusions(t *testing.T) {
	store := testutil.NewTestStore(t)

	enqueue(t, store, models.DirectionUpload, &models.TransferTask{
		AttachmentID: "att-1", IsFullsize: true, Priority: models.PriorityDefault,
	})
	enqueue(t, store, models.DirectionUpload, &models.TransferTask{
		AttachmentID: "att-1", IsFullsize: false, Priority: models.PriorityDefault,
	})

	tasks := peek(t, store, models.DirectionUpload, 10,
		[]models.TaskKey{{AttachmentID: "att-1", IsFullsize: true}})
	require.Len(t, tasks, 1)
	assert.False(t, tasks[0].IsFullsize)
}

func TestPeekSkipsFutureRetry(t *testing.T) {
	store := testutil.NewTestStore(t)
	ctx := context.Background()

	enqueue(t, store, models.DirectionDownload, &models.TransferTask{
		AttachmentID: "att-1", IsFullsize: true, Priority: models.PriorityDefault,
	})

	tasks := peek(t, store, models.DirectionDownload, 10, nil)
	require.Len(t, tasks, 1)

	future := time.Now().Add(time.Hour)
	require.NoError(t, store.WriteTx(ctx, func(tx *sql.Tx) error {
		return store.UpdateTaskRetry(tx, models.DirectionDownload, tasks[0].ID, 1, &future)
	}))

	assert.Empty(t, peek(t, store, models.DirectionDownload, 10, nil))

	// Past retry times are runnable again.
	past := time.Now().Add(-time.Minute)
	require.NoError(t, store.WriteTx(ctx, func(tx *sql.Tx) error {
		return store.UpdateTaskRetry(tx, models.DirectionDownload, tasks[0].ID, 1, &past)
	}))
	tasks = peek(t, store, models.DirectionDownload, 10, nil)
	require.Len(t, tasks, 1)
	assert.Equal(t, 1, tasks[0].NumRetries)
}

func TestDirectionsAreIndependent(t *testing.T) {
	store := testutil.NewTestStore(t)
	ctx := context.Background()

	enqueue(t, store, models.DirectionUpload, &models.TransferTask{
		AttachmentID: "att-1", IsFullsize: true, Priority: models.PriorityDefault,
	})
	enqueue(t, store, models.DirectionDownload, &models.TransferTask{
		AttachmentID: "att-1", IsFullsize: true, Priority: models.PriorityDefault,
	})

	require.NoError(t, store.WriteTx(ctx, func(tx *sql.Tx) error {
		return store.RemoveAllTasks(tx, models.DirectionUpload)
	}))

	assert.Empty(t, peek(t, store, models.DirectionUpload, 10, nil))
	assert.Len(t, peek(t, store, models.DirectionDownload, 10, nil), 1)
}

func TestGetAndRemoveTask(t *testing.T) {
	store := testutil.NewTestStore(t)
	ctx := context.Background()
	key := models.TaskKey{AttachmentID: "att-1", IsFullsize: true}

	enqueue(t, store, models.DirectionDownload, &models.TransferTask{
		AttachmentID: "att-1", IsFullsize: true,
		Priority: models.PriorityDefault, AccountedBytes: 4096,
	})

	require.NoError(t, store.ReadTx(ctx, func(tx *sql.Tx) error {
		task, err := store.GetTask(tx, models.DirectionDownload, key)
		require.NoError(t, err)
		assert.Equal(t, int64(4096), task.AccountedBytes)
		return nil
	}))

	require.NoError(t, store.WriteTx(ctx, func(tx *sql.Tx) error {
		return store.RemoveTask(tx, models.DirectionDownload, key)
	}))

	err := store.ReadTx(ctx, func(tx *sql.Tx) error {
		_, err := store.GetTask(tx, models.DirectionDownload, key)
		return err
	})
	assert.ErrorIs(t, err, models.ErrTaskNotFound)
}

func TestAttachmentRoundTrip(t *testing.T) {
	store := testutil.NewTestStore(t)
	ctx := context.Background()

	a := testutil.RemoteAttachment("att-1")
	a.HasThumbnail = true

	require.NoError(t, store.WriteTx(ctx, func(tx *sql.Tx) error {
		return store.PutAttachment(tx, a)
	}))

	require.NoError(t, store.ReadTx(ctx, func(tx *sql.Tx) error {
		got, err := store.GetAttachment(tx, "att-1")
		require.NoError(t, err)
		assert.Equal(t, a.TransitCDNKey, got.TransitCDNKey)
		require.NotNil(t, got.MediaCDNNumber)
		assert.Equal(t, *a.MediaCDNNumber, *got.MediaCDNNumber)
		assert.True(t, got.HasThumbnail)
		assert.Nil(t, got.ThumbnailCDNNumber)
		return nil
	}))

	err := store.ReadTx(ctx, func(tx *sql.Tx) error {
		_, err := store.GetAttachment(tx, "missing")
		return err
	})
	assert.ErrorIs(t, err, models.ErrAttachmentNotFound)
}

func TestMediaGenerationLifecycle(t *testing.T) {
	store := testutil.NewTestStore(t)
	ctx := context.Background()

	a := testutil.RemoteAttachment("att-1")
	require.NoError(t, store.WriteTx(ctx, func(tx *sql.Tx) error {
		return store.PutAttachment(tx, a)
	}))

	require.NoError(t, store.WriteTx(ctx, func(tx *sql.Tx) error {
		return store.MarkMediaExpired(tx, "att-1", false)
	}))
	require.NoError(t, store.ReadTx(ctx, func(tx *sql.Tx) error {
		got, err := store.GetAttachment(tx, "att-1")
		require.NoError(t, err)
		assert.True(t, got.MediaExpired)
		assert.Nil(t, got.MediaCDNNumber)
		return nil
	}))

	// Adopting a generation clears the expired flag.
	require.NoError(t, store.WriteTx(ctx, func(tx *sql.Tx) error {
		return store.SetMediaGeneration(tx, "att-1", false, 7)
	}))
	require.NoError(t, store.ReadTx(ctx, func(tx *sql.Tx) error {
		got, err := store.GetAttachment(tx, "att-1")
		require.NoError(t, err)
		assert.False(t, got.MediaExpired)
		require.NotNil(t, got.MediaCDNNumber)
		assert.Equal(t, 7, *got.MediaCDNNumber)
		return nil
	}))
}

func TestClearTransitPointer(t *testing.T) {
	store := testutil.NewTestStore(t)
	ctx := context.Background()

	a := testutil.RemoteAttachment("att-1")
	require.NoError(t, store.WriteTx(ctx, func(tx *sql.Tx) error {
		return store.PutAttachment(tx, a)
	}))

	require.NoError(t, store.WriteTx(ctx, func(tx *sql.Tx) error {
		return store.ClearTransitPointer(tx, "att-1")
	}))
	require.NoError(t, store.ReadTx(ctx, func(tx *sql.Tx) error {
		got, err := store.GetAttachment(tx, "att-1")
		require.NoError(t, err)
		assert.Empty(t, got.TransitCDNKey)
		assert.Zero(t, got.TransitCDNNumber)
		assert.False(t, got.HasTransitPointer())
		return nil
	}))

	err := store.WriteTx(ctx, func(tx *sql.Tx) error {
		return store.ClearTransitPointer(tx, "missing")
	})
	assert.ErrorIs(t, err, models.ErrAttachmentNotFound)
}

func TestPendingBytesCounter(t *testing.T) {
	store := testutil.NewTestStore(t)
	ctx := context.Background()

	read := func() int64 {
		var n int64
		require.NoError(t, store.ReadTx(ctx, func(tx *sql.Tx) error {
			var err error
			n, err = store.PendingBytes(tx)
			return err
		}))
		return n
	}

	assert.Equal(t, int64(0), read())

	require.NoError(t, store.WriteTx(ctx, func(tx *sql.Tx) error {
		return store.AddPendingBytes(tx, 1000)
	}))
	assert.Equal(t, int64(1000), read())

	// Over-refunds clamp at zero instead of going negative.
	require.NoError(t, store.WriteTx(ctx, func(tx *sql.Tx) error {
		return store.AddPendingBytes(tx, -5000)
	}))
	assert.Equal(t, int64(0), read())

	require.NoError(t, store.WriteTx(ctx, func(tx *sql.Tx) error {
		if err := store.AddPendingBytes(tx, 42); err != nil {
			return err
		}
		return store.ResetPendingBytes(tx)
	}))
	assert.Equal(t, int64(0), read())
}

func TestOrphans(t *testing.T) {
	store := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.WriteTx(ctx, func(tx *sql.Tx) error {
		if err := store.AddOrphan(tx, "media-1", 3); err != nil {
			return err
		}
		if err := store.AddOrphan(tx, "media-1", 3); err != nil { // idempotent
			return err
		}
		return store.AddOrphan(tx, "media-2", 1)
	}))

	require.NoError(t, store.ReadTx(ctx, func(tx *sql.Tx) error {
		orphans, err := store.ListOrphans(tx)
		require.NoError(t, err)
		require.Len(t, orphans, 2)
		assert.Equal(t, "media-1", orphans[0].MediaID)
		return nil
	}))

	require.NoError(t, store.WriteTx(ctx, func(tx *sql.Tx) error {
		return store.RemoveOrphan(tx, "media-1")
	}))
	require.NoError(t, store.ReadTx(ctx, func(tx *sql.Tx) error {
		orphans, err := store.ListOrphans(tx)
		require.NoError(t, err)
		require.Len(t, orphans, 1)
		assert.Equal(t, "media-2", orphans[0].MediaID)
		return nil
	}))
}

func TestUploadEraMarker(t *testing.T) {
	store := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.ReadTx(ctx, func(tx *sql.Tx) error {
		era, err := store.UploadEra(tx)
		require.NoError(t, err)
		assert.Empty(t, era)
		return nil
	}))

	require.NoError(t, store.WriteTx(ctx, func(tx *sql.Tx) error {
		return store.SetUploadEra(tx, "era-2")
	}))
	require.NoError(t, store.ReadTx(ctx, func(tx *sql.Tx) error {
		era, err := store.UploadEra(tx)
		require.NoError(t, err)
		assert.Equal(t, "era-2", era)
		return nil
	}))
}

func TestListAttachments(t *testing.T) {
	store := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.WriteTx(ctx, func(tx *sql.Tx) error {
		if err := store.PutAttachment(tx, testutil.RemoteAttachment("a")); err != nil {
			return err
		}
		return store.PutAttachment(tx, testutil.RemoteAttachment("b"))
	}))

	require.NoError(t, store.ReadTx(ctx, func(tx *sql.Tx) error {
		all, err := store.ListAttachments(tx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "a", all[0].ID)
		assert.Equal(t, "b", all[1].ID)
		return nil
	}))
}
