// Package client wires the transfer subsystem together: the durable task
// store, the status gate, the two queue runners, and the listing
// reconciler, behind one façade the host application drives.
package client

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/nvoss/attachsync/internal/config"
	"github.com/nvoss/attachsync/internal/events"
	"github.com/nvoss/attachsync/internal/mediaid"
	"github.com/nvoss/attachsync/internal/models"
	"github.com/nvoss/attachsync/internal/services/download"
	"github.com/nvoss/attachsync/internal/services/eligibility"
	"github.com/nvoss/attachsync/internal/services/queue"
	"github.com/nvoss/attachsync/internal/services/reconcile"
	"github.com/nvoss/attachsync/internal/services/upload"
	"github.com/nvoss/attachsync/internal/state"
	"github.com/nvoss/attachsync/internal/transport"
)

// Client owns the full transfer stack for one local store.
type Client struct {
	cfg      *config.Config
	logger   *events.Logger
	store    state.Store
	remote   transport.Client
	gate     *queue.StatusGate
	deriver  *mediaid.Deriver
	progress *events.ProgressAggregator

	uploadItem    *upload.Runner
	uploadQueue   *queue.Runner
	downloadQueue *queue.Runner
	reconciler    *reconcile.Reconciler

	cancelWatch func()
	watchDone   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Status is a point-in-time snapshot of the transfer subsystem.
type Status struct {
	QueueStatus      models.QueueStatus `json:"queue_status"`
	UploadsPending   int                `json:"uploads_pending"`
	DownloadsPending int                `json:"downloads_pending"`
	PendingBytes     int64              `json:"pending_bytes"`
	ExpectedBytes    int64              `json:"expected_bytes"`
	TransferredBytes int64              `json:"transferred_bytes"`
}

// New creates a client backed by the SQLite store and HTTP transport the
// configuration names.
func New(cfg *config.Config, logger *events.Logger) (*Client, error) {
	store, err := state.NewSQLiteStore(cfg.Store.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	downloadDir := filepath.Join(cfg.Store.DataDir, "downloads")
	remote := transport.NewHTTPClient(&cfg.API, downloadDir, logger)

	c, err := NewWithBackends(cfg, store, remote, logger)
	if err != nil {
		store.Close()
		remote.Close()
		return nil, err
	}
	return c, nil
}

// NewWithBackends creates a client over injected store and transport
// implementations. The client takes ownership of both.
func NewWithBackends(cfg *config.Config, store state.Store, remote transport.Client, logger *events.Logger) (*Client, error) {
	deriver, err := mediaid.NewDeriver(cfg.API.BackupKeyHex)
	if err != nil {
		return nil, fmt.Errorf("media-id deriver: %w", err)
	}

	gate := queue.NewStatusGate(cfg.Queue.RequireWifi, logger)
	progress := events.NewProgressAggregator()

	c := &Client{
		cfg:      cfg,
		logger:   logger.WithField("component", "client"),
		store:    store,
		remote:   remote,
		gate:     gate,
		deriver:  deriver,
		progress: progress,
	}

	backoff := func(n int) time.Duration {
		return queue.ExponentialBackoff(n, cfg.Queue.MaxBackoff)
	}

	c.uploadItem = upload.NewRunner(store, remote, gate, deriver, progress, logger)
	c.uploadQueue = queue.NewRunner(queue.RunnerConfig{
		Source:      &taskSource{store: store, dir: models.DirectionUpload},
		Item:        c.uploadItem,
		Gate:        gate,
		Backoff:     backoff,
		Concurrency: cfg.Queue.UploadConcurrency,
		BatchSize:   cfg.Queue.BatchSize,
		Logger:      logger.WithField("queue", "upload"),
		Hooks: queue.Hooks{
			DidDrain: c.onQueueDrained,
		},
	})

	downloadItem := download.NewRunner(store, remote, gate, deriver, progress,
		cfg.Queue.FullsizeOverCellular, c.eligibilityParams(false), logger)
	c.downloadQueue = queue.NewRunner(queue.RunnerConfig{
		Source:      &taskSource{store: store, dir: models.DirectionDownload},
		Item:        downloadItem,
		Gate:        gate,
		Backoff:     backoff,
		Concurrency: cfg.Queue.DownloadConcurrency,
		BatchSize:   cfg.Queue.BatchSize,
		Logger:      logger.WithField("queue", "download"),
		Hooks: queue.Hooks{
			DidDrain: c.onQueueDrained,
		},
	})

	c.reconciler = reconcile.NewReconciler(store, remote, deriver, cfg.Queue.PrimaryDevice, logger)

	c.startGateWatch()
	return c, nil
}

// Gate exposes the status gate so the host can feed environmental signals
// (connectivity, battery, lifecycle).
func (c *Client) Gate() *queue.StatusGate { return c.gate }

func (c *Client) eligibilityParams(userInitiated bool) eligibility.Params {
	return eligibility.Params{
		OpportunisticMaxAge:   c.cfg.Queue.OpportunisticMaxAge,
		OpportunisticMaxBytes: c.cfg.Queue.OpportunisticMaxBytes,
		PendingByteBudget:     c.cfg.Queue.PendingByteBudget,
		UserInitiated:         userInitiated,
	}
}

// PutAttachment upserts attachment metadata. The host calls this as
// messages arrive and change; enqueueing is separate.
func (c *Client) PutAttachment(ctx context.Context, a *models.Attachment) error {
	return c.store.WriteTx(ctx, func(tx *sql.Tx) error {
		return c.store.PutAttachment(tx, a)
	})
}

// GetAttachment loads attachment metadata.
func (c *Client) GetAttachment(ctx context.Context, id string) (*models.Attachment, error) {
	var a *models.Attachment
	err := c.store.ReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		a, err = c.store.GetAttachment(tx, id)
		return err
	})
	return a, err
}

// EnqueueUpload schedules the attachment's variants for archival. A
// fullsize task is always created; a thumbnail task follows when local
// thumbnail bytes exist. Re-enqueueing updates priority and recency in
// place rather than duplicating.
func (c *Client) EnqueueUpload(ctx context.Context, attachmentID string, userInitiated bool) error {
	err := c.store.WriteTx(ctx, func(tx *sql.Tx) error {
		a, err := c.store.GetAttachment(tx, attachmentID)
		if err != nil {
			return err
		}
		if a.MediaName == "" {
			return fmt.Errorf("attachment %s has no media name", attachmentID)
		}

		elig := eligibility.Evaluate(a, time.Now(), c.eligibilityParams(userInitiated))
		received := a.ReceivedAt

		if err := c.store.EnqueueTask(tx, models.DirectionUpload, &models.TransferTask{
			AttachmentID: attachmentID,
			IsFullsize:   true,
			Priority:     elig.Priority,
			ReceivedAt:   &received,
		}); err != nil {
			return err
		}

		if a.HasThumbnail && a.ThumbnailPath != "" {
			if err := c.store.EnqueueTask(tx, models.DirectionUpload, &models.TransferTask{
				AttachmentID: attachmentID,
				IsFullsize:   false,
				Priority:     elig.Priority,
				ReceivedAt:   &received,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.gate.SetStoreEmpty(false)
	return nil
}

// EnqueueDownload schedules an attachment for restore if anything can
// serve it. Attachments already downloaded or with no usable source are
// skipped silently. The pending-byte counter grows by the fullsize size
// when a fullsize source is in play; thumbnail-only items contribute
// nothing.
func (c *Client) EnqueueDownload(ctx context.Context, attachmentID string, userInitiated bool) error {
	var enqueued bool
	err := c.store.WriteTx(ctx, func(tx *sql.Tx) error {
		a, err := c.store.GetAttachment(tx, attachmentID)
		if err != nil {
			return err
		}
		if a.Downloaded {
			return nil
		}

		params := c.eligibilityParams(userInitiated)
		params.PendingBytes, err = c.store.PendingBytes(tx)
		if err != nil {
			return err
		}

		elig := eligibility.Evaluate(a, time.Now(), params)
		if !elig.CanDownload {
			return nil
		}

		var accounted int64
		if elig.AnyFullsize() {
			accounted = a.FullsizeBytes
		}

		// A re-enqueue keeps the row's original accounting so the refund
		// on removal stays symmetric with what was added.
		freshRow := true
		existing, err := c.store.GetTask(tx, models.DirectionDownload, models.TaskKey{AttachmentID: attachmentID, IsFullsize: true})
		if err == nil {
			accounted = existing.AccountedBytes
			freshRow = false
		} else if !errors.Is(err, models.ErrTaskNotFound) {
			return err
		}

		received := a.ReceivedAt
		if err := c.store.EnqueueTask(tx, models.DirectionDownload, &models.TransferTask{
			AttachmentID:   attachmentID,
			IsFullsize:     true,
			Priority:       elig.Priority,
			ReceivedAt:     &received,
			AccountedBytes: accounted,
		}); err != nil {
			return err
		}
		if freshRow {
			if accounted > 0 {
				if err := c.store.AddPendingBytes(tx, accounted); err != nil {
					return err
				}
			}
			c.progress.AddExpected(accounted)
		}
		enqueued = true
		return nil
	})
	if err != nil {
		return err
	}

	if enqueued {
		c.gate.SetStoreEmpty(false)
	}
	return nil
}

// DrainUploads runs one upload drain cycle. The listing reconciliation
// gate runs first; authorization or listing failures abort the drain
// before any item is attempted.
func (c *Client) DrainUploads(ctx context.Context) error {
	if err := c.ensureReconciled(ctx); err != nil {
		return err
	}

	c.uploadItem.BeginDrainCycle()
	return c.uploadQueue.LoadAndRunTasks(ctx)
}

// DrainDownloads runs one download drain cycle.
func (c *Client) DrainDownloads(ctx context.Context) error {
	if err := c.ensureReconciled(ctx); err != nil {
		return err
	}

	return c.downloadQueue.LoadAndRunTasks(ctx)
}

// ensureReconciled fetches the current upload era and runs the listing
// walk if the era rolled since the last walk. No-op when the persisted
// marker already matches.
func (c *Client) ensureReconciled(ctx context.Context) error {
	token, err := c.remote.FetchAuthorization(ctx, models.TierMedia, false)
	if err != nil {
		return fmt.Errorf("fetch media authorization: %w", err)
	}

	if err := c.reconciler.Reconcile(ctx, token.UploadEra); err != nil {
		return fmt.Errorf("reconcile listing: %w", err)
	}
	return nil
}

// CancelAllUploads stops the upload drain and clears every pending upload
// task.
func (c *Client) CancelAllUploads(ctx context.Context) error {
	c.uploadQueue.Stop("cancel all uploads")

	err := c.store.WriteTx(ctx, func(tx *sql.Tx) error {
		return c.store.RemoveAllTasks(tx, models.DirectionUpload)
	})
	if err != nil {
		return err
	}

	c.refreshStoreEmpty(ctx)
	return nil
}

// CancelAllDownloads stops the download drain, clears every pending
// download task, and zeroes the pending-byte counter.
func (c *Client) CancelAllDownloads(ctx context.Context) error {
	c.downloadQueue.Stop("cancel all downloads")

	err := c.store.WriteTx(ctx, func(tx *sql.Tx) error {
		if err := c.store.RemoveAllTasks(tx, models.DirectionDownload); err != nil {
			return err
		}
		return c.store.ResetPendingBytes(tx)
	})
	if err != nil {
		return err
	}

	c.progress.Reset()
	c.refreshStoreEmpty(ctx)
	return nil
}

// Status reports a snapshot of queue depth, byte accounting, and the
// current gate status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	s := &Status{QueueStatus: c.gate.Status()}

	err := c.store.ReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		if s.UploadsPending, err = c.store.CountTasks(tx, models.DirectionUpload); err != nil {
			return err
		}
		if s.DownloadsPending, err = c.store.CountTasks(tx, models.DirectionDownload); err != nil {
			return err
		}
		s.PendingBytes, err = c.store.PendingBytes(tx)
		return err
	})
	if err != nil {
		return nil, err
	}

	snap := c.progress.Snapshot()
	s.ExpectedBytes = snap.ExpectedBytes
	s.TransferredBytes = snap.TransferredBytes
	return s, nil
}

// Close stops the gate watch and releases the store and transport.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.uploadQueue.Stop("client closing")
		c.downloadQueue.Stop("client closing")

		if c.cancelWatch != nil {
			c.cancelWatch()
			<-c.watchDone
		}

		storeErr := c.store.Close()
		remoteErr := c.remote.Close()
		if storeErr != nil {
			c.closeErr = storeErr
		} else {
			c.closeErr = remoteErr
		}
	})
	return c.closeErr
}

// onQueueDrained runs when either runner empties its table. The gate's
// empty signal flips only when both directions are drained; the progress
// and pending-byte counters reset at that point so the next drain cycle
// starts from zero.
func (c *Client) onQueueDrained(ctx context.Context) {
	if !c.refreshStoreEmpty(ctx) {
		return
	}

	c.progress.Reset()
	err := c.store.WriteTx(ctx, func(tx *sql.Tx) error {
		return c.store.ResetPendingBytes(tx)
	})
	if err != nil {
		c.logger.WithError(err).Warn("Failed to reset pending-byte counter")
	}
}

func (c *Client) refreshStoreEmpty(ctx context.Context) bool {
	var uploads, downloads int
	err := c.store.ReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		if uploads, err = c.store.CountTasks(tx, models.DirectionUpload); err != nil {
			return err
		}
		downloads, err = c.store.CountTasks(tx, models.DirectionDownload)
		return err
	})
	if err != nil {
		c.logger.WithError(err).Warn("Failed to refresh store-empty signal")
		return false
	}

	empty := uploads == 0 && downloads == 0
	c.gate.SetStoreEmpty(empty)
	return empty
}

// startGateWatch kicks a fresh drain whenever the gate returns to
// running, so work interrupted by connectivity loss or backgrounding
// resumes without the host re-requesting it.
func (c *Client) startGateWatch() {
	ctx, cancel := context.WithCancel(context.Background())
	ch, unsubscribe := c.gate.Subscribe()

	c.cancelWatch = func() {
		unsubscribe()
		cancel()
	}
	c.watchDone = make(chan struct{})

	go func() {
		defer close(c.watchDone)
		for {
			select {
			case <-ctx.Done():
				return
			case status, ok := <-ch:
				if !ok {
					return
				}
				if status != models.StatusRunning {
					continue
				}
				c.logger.Debug("Gate returned to running, resuming drains")
				go c.redrain(ctx, c.DrainUploads)
				go c.redrain(ctx, c.DrainDownloads)
			}
		}
	}()
}

func (c *Client) redrain(ctx context.Context, drain func(context.Context) error) {
	err := drain(ctx)
	if err == nil || errors.Is(err, models.ErrDrainInProgress) || errors.Is(err, context.Canceled) {
		return
	}
	c.logger.WithError(err).Warn("Resumed drain failed")
}

// taskSource adapts the state store to one direction's queue runner.
// Removal refunds any byte accounting the task carried, so the
// pending-byte counter shrinks the same way for success, cancellation,
// and permanent failure.
type taskSource struct {
	store state.Store
	dir   models.Direction
}

func (s *taskSource) Peek(ctx context.Context, n int, exclude []models.TaskKey) ([]*models.TransferTask, error) {
	var tasks []*models.TransferTask
	err := s.store.ReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		tasks, err = s.store.PeekTasks(tx, s.dir, n, exclude, time.Now())
		return err
	})
	return tasks, err
}

func (s *taskSource) UpdateRetry(ctx context.Context, task *models.TransferTask, numRetries int, minRetryAt time.Time) error {
	return s.store.WriteTx(ctx, func(tx *sql.Tx) error {
		err := s.store.UpdateTaskRetry(tx, s.dir, task.ID, numRetries, &minRetryAt)
		if errors.Is(err, models.ErrTaskNotFound) {
			return nil
		}
		return err
	})
}

func (s *taskSource) Remove(ctx context.Context, key models.TaskKey) error {
	return s.store.WriteTx(ctx, func(tx *sql.Tx) error {
		task, err := s.store.GetTask(tx, s.dir, key)
		if errors.Is(err, models.ErrTaskNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if task.AccountedBytes > 0 {
			if err := s.store.AddPendingBytes(tx, -task.AccountedBytes); err != nil {
				return err
			}
		}
		return s.store.RemoveTask(tx, s.dir, key)
	})
}
