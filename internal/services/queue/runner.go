package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nvoss/attachsync/internal/events"
	"github.com/nvoss/attachsync/internal/models"
)

// TaskSource is the durable task table a Runner drains. Implementations
// wrap the state store with the right direction and transaction handling.
type TaskSource interface {
	// Peek returns up to n runnable tasks, skipping excluded keys.
	Peek(ctx context.Context, n int, exclude []models.TaskKey) ([]*models.TransferTask, error)

	// UpdateRetry records retry bookkeeping for a kept task.
	UpdateRetry(ctx context.Context, task *models.TransferTask, numRetries int, minRetryAt time.Time) error

	// Remove deletes a finished task.
	Remove(ctx context.Context, key models.TaskKey) error
}

// ItemRunner executes one task attempt. The returned error selects the
// outcome: nil success, models.ErrTaskCancelled, *models.RetryableError,
// *models.UnretryableError, or *models.StatusError when the gate blocked
// mid-attempt.
type ItemRunner interface {
	RunItem(ctx context.Context, task *models.TransferTask) error
}

// Hooks are drain lifecycle callbacks. All are optional.
type Hooks struct {
	// DidSucceed runs after a task completed and its row was removed.
	DidSucceed func(ctx context.Context, task *models.TransferTask)

	// DidFail runs after an unretryable failure removed the row.
	DidFail func(ctx context.Context, task *models.TransferTask, err error)

	// DidDrain runs exactly once per drain cycle when the store empties.
	DidDrain func(ctx context.Context)
}

// Runner is the generic bounded-concurrency drain loop. It peeks batches
// from its source, dispatches to the item runner, backfills on each
// completion, and stops cooperatively when the gate blocks or Stop is
// called.
type Runner struct {
	source      TaskSource
	item        ItemRunner
	gate        *StatusGate
	hooks       Hooks
	backoff     func(numRetries int) time.Duration
	concurrency int
	batchSize   int
	logger      *events.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
}

// RunnerConfig bundles Runner construction parameters.
type RunnerConfig struct {
	Source      TaskSource
	Item        ItemRunner
	Gate        *StatusGate
	Hooks       Hooks
	Backoff     func(numRetries int) time.Duration
	Concurrency int
	BatchSize   int
	Logger      *events.Logger
}

// NewRunner creates a drain runner.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.BatchSize < cfg.Concurrency {
		cfg.BatchSize = cfg.Concurrency
	}
	if cfg.Backoff == nil {
		cfg.Backoff = func(n int) time.Duration { return ExponentialBackoff(n, time.Hour) }
	}

	return &Runner{
		source:      cfg.Source,
		item:        cfg.Item,
		gate:        cfg.Gate,
		hooks:       cfg.Hooks,
		backoff:     cfg.Backoff,
		concurrency: cfg.Concurrency,
		batchSize:   cfg.BatchSize,
		logger:      cfg.Logger.WithField("component", "queue_runner"),
	}
}

// LoadAndRunTasks drains the source until it empties, the gate blocks, or
// Stop is called. In-flight items always run to completion; no two
// in-flight executions share a task key.
func (r *Runner) LoadAndRunTasks(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return models.ErrDrainInProgress
	}
	r.running = true
	r.stopped = false
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	var (
		g          errgroup.Group
		inflightMu sync.Mutex
		inflight   = make(map[models.TaskKey]struct{})
		// completions is buffered to concurrency so workers never block
		// on it after the dispatch loop exits.
		completions = make(chan struct{}, r.concurrency)
		active      = 0
		drained     = false
		loopErr     error
	)

	wait := func() bool {
		select {
		case <-completions:
			active--
			return true
		case <-stopCh:
			return false
		case <-ctx.Done():
			return false
		}
	}

dispatch:
	for {
		select {
		case <-stopCh:
			break dispatch
		case <-ctx.Done():
			loopErr = ctx.Err()
			break dispatch
		default:
		}

		if status := r.gate.Status(); status.Blocking() {
			r.logger.WithField("status", status).Info("Drain paused by queue status")
			break dispatch
		}

		free := r.concurrency - active
		if free == 0 {
			if !wait() {
				break dispatch
			}
			continue
		}

		inflightMu.Lock()
		exclude := make([]models.TaskKey, 0, len(inflight))
		for key := range inflight {
			exclude = append(exclude, key)
		}
		inflightMu.Unlock()

		n := free
		if n > r.batchSize {
			n = r.batchSize
		}
		tasks, err := r.source.Peek(ctx, n, exclude)
		if err != nil {
			loopErr = err
			break dispatch
		}

		if len(tasks) == 0 {
			if active == 0 {
				drained = true
				break dispatch
			}
			// Everything runnable is in flight; a completion may retire
			// a retry-blocked key or empty the store.
			if !wait() {
				break dispatch
			}
			continue
		}

		for _, task := range tasks {
			task := task
			key := task.Key()

			inflightMu.Lock()
			inflight[key] = struct{}{}
			inflightMu.Unlock()
			active++

			g.Go(func() error {
				defer func() {
					inflightMu.Lock()
					delete(inflight, key)
					inflightMu.Unlock()
					completions <- struct{}{}
				}()
				r.runOne(ctx, task)
				return nil
			})
		}
	}

	_ = g.Wait()

	if drained {
		if r.hooks.DidDrain != nil {
			r.hooks.DidDrain(ctx)
		}
		r.logger.Debug("Drain cycle complete, store empty")
	}

	return loopErr
}

// Stop prevents new dispatch and lets in-flight items finish. Safe to call
// repeatedly and while stopped.
func (r *Runner) Stop(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped || !r.running || r.stopCh == nil {
		r.stopped = true
		return
	}
	r.stopped = true
	close(r.stopCh)

	r.logger.WithField("reason", reason).Info("Queue runner stopping")
}

// Running reports whether a drain cycle is active.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// runOne executes a single task and applies the outcome to the store.
// Item-level errors never propagate out of the drain loop.
func (r *Runner) runOne(ctx context.Context, task *models.TransferTask) {
	logger := r.logger.WithField("task", task.Key().String())

	err := r.item.RunItem(ctx, task)

	switch {
	case err == nil:
		if rmErr := r.source.Remove(ctx, task.Key()); rmErr != nil {
			logger.WithError(rmErr).Error("Failed to remove finished task")
			return
		}
		if r.hooks.DidSucceed != nil {
			r.hooks.DidSucceed(ctx, task)
		}

	case errors.Is(err, models.ErrTaskCancelled):
		logger.Debug("Task no longer applicable, removing")
		if rmErr := r.source.Remove(ctx, task.Key()); rmErr != nil {
			logger.WithError(rmErr).Error("Failed to remove cancelled task")
		}

	default:
		r.applyFailure(ctx, task, err, logger)
	}
}

func (r *Runner) applyFailure(ctx context.Context, task *models.TransferTask, err error, logger *events.Logger) {
	var statusErr *models.StatusError
	if errors.As(err, &statusErr) {
		// The gate turned mid-attempt. Keep the row untouched and stop
		// dispatching; the gate-driven redrain picks it back up.
		logger.WithField("status", statusErr.Status).Debug("Task blocked by queue status")
		r.Stop(string(statusErr.Status))
		return
	}

	if re, ok := models.AsRetryable(err); ok {
		if !re.SkipBackoff {
			retries := task.NumRetries
			delay := re.RetryAfter
			if delay == 0 {
				retries++
				delay = r.backoff(retries)
			}
			if upErr := r.source.UpdateRetry(ctx, task, retries, time.Now().Add(delay)); upErr != nil {
				logger.WithError(upErr).Error("Failed to record retry metadata")
			}
			logger.WithFields(map[string]interface{}{
				"retries": retries,
				"delay":   delay.String(),
			}).Debug("Task failed, will retry")
		} else {
			logger.WithError(re).Debug("Task failed transiently, kept as-is")
		}
		if re.StopQueue {
			r.Stop("retryable failure dooms remaining work")
		}
		return
	}

	if ue, ok := models.AsUnretryable(err); ok {
		logger.WithError(ue).Warn("Task failed permanently, removing")
		if rmErr := r.source.Remove(ctx, task.Key()); rmErr != nil {
			logger.WithError(rmErr).Error("Failed to remove failed task")
		}
		if r.hooks.DidFail != nil {
			r.hooks.DidFail(ctx, task, ue)
		}
		if ue.StopQueue {
			r.Stop("unretryable failure dooms remaining work")
		}
		return
	}

	// Unclassified errors are treated as transient with backoff rather
	// than crashing the drain.
	logger.WithError(err).Warn("Unclassified task failure, treating as retryable")
	retries := task.NumRetries + 1
	if upErr := r.source.UpdateRetry(ctx, task, retries, time.Now().Add(r.backoff(retries))); upErr != nil {
		logger.WithError(upErr).Error("Failed to record retry metadata")
	}
}
