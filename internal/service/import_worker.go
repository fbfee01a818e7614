package service

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timmy/exchange1c/internal/logger"
	"github.com/timmy/exchange1c/internal/queue"
	"github.com/timmy/exchange1c/internal/repository"
	"github.com/timmy/exchange1c/internal/telemetry"
)

// JobQueue is the consuming side of the task queue.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Ack(ctx context.Context, id string) error
	Retry(ctx context.Context, job queue.Job, delay time.Duration) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error)
	Depth(ctx context.Context) (int64, error)
}

// WorkerPoolConfig holds configuration for the import worker pool
type WorkerPoolConfig struct {
	Workers      int
	PollInterval time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

// WorkerStats holds statistics for a worker pool run
type WorkerStats struct {
	Processed int64
	Completed int64
	Retried   int64
	Failed    int64
	StartTime time.Time
	EndTime   time.Time
}

// ImportWorkerPool drains the import queue with a fixed number of workers.
type ImportWorkerPool struct {
	queue     JobQueue
	processor *ImportProcessor
	sessions  *repository.ImportSessionRepository
	cfg       WorkerPoolConfig
	stats     WorkerStats
}

// NewImportWorkerPool creates a new ImportWorkerPool.
func NewImportWorkerPool(q JobQueue, processor *ImportProcessor, sessions *repository.ImportSessionRepository, cfg WorkerPoolConfig) *ImportWorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Minute
	}
	return &ImportWorkerPool{queue: q, processor: processor, sessions: sessions, cfg: cfg}
}

// Run processes jobs until ctx is cancelled and returns the run statistics.
func (w *ImportWorkerPool) Run(ctx context.Context) *WorkerStats {
	w.stats = WorkerStats{StartTime: time.Now()}

	logger.CtxInfo(ctx, "Starting %d import workers", w.cfg.Workers)

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			w.worker(logger.WithField(ctx, "worker_id", workerID))
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.reaper(ctx)
	}()

	wg.Wait()
	w.stats.EndTime = time.Now()

	logger.FromContext(ctx).WithFields(logger.Fields{
		"processed": atomic.LoadInt64(&w.stats.Processed),
		"completed": atomic.LoadInt64(&w.stats.Completed),
		"retried":   atomic.LoadInt64(&w.stats.Retried),
		"failed":    atomic.LoadInt64(&w.stats.Failed),
		"duration":  w.stats.EndTime.Sub(w.stats.StartTime).String(),
	}).Info("Import workers stopped")
	return &w.stats
}

func (w *ImportWorkerPool) worker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		handled, err := w.RunOnce(ctx)
		if err != nil {
			logger.FromContext(ctx).WithError(err).Error("Failed to dequeue import job")
		}
		if handled {
			continue
		}
		if sleepContext(ctx, w.cfg.PollInterval) != nil {
			return
		}
	}
}

// reaper returns expired leases to the queue and samples the queue depth.
func (w *ImportWorkerPool) reaper(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval * 5)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n, err := w.queue.RequeueExpired(ctx, now, 100); err != nil {
				logger.FromContext(ctx).WithError(err).Warn("Failed to requeue expired jobs")
			} else if n > 0 {
				logger.CtxWarn(ctx, "Requeued %d import jobs with expired leases", n)
			}
			if depth, err := w.queue.Depth(ctx); err == nil {
				telemetry.QueueDepth.Set(float64(depth))
			}
		}
	}
}

// RunOnce dequeues and handles a single job. It reports false when the queue was empty.
func (w *ImportWorkerPool) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.handle(ctx, job)
	return true, nil
}

func (w *ImportWorkerPool) handle(ctx context.Context, job *queue.Job) {
	atomic.AddInt64(&w.stats.Processed, 1)
	ctx = logger.SetJobID(ctx, job.ID)

	err := w.processor.Process(ctx, *job)
	if err == nil {
		atomic.AddInt64(&w.stats.Completed, 1)
		if err := w.queue.Ack(ctx, job.ID); err != nil {
			logger.FromContext(ctx).WithError(err).Warn("Failed to ack import job")
		}
		return
	}

	attempt := job.Attempt + 1
	if !IsPermanent(err) && attempt < w.cfg.MaxAttempts {
		delay := backoffWithJitter(w.cfg.BackoffBase, w.cfg.BackoffMax, attempt)
		logger.FromContext(ctx).WithError(err).Warnf("Import attempt %d/%d failed, retrying in %s", attempt, w.cfg.MaxAttempts, delay)
		rerr := w.queue.Retry(ctx, *job, delay)
		if rerr == nil {
			atomic.AddInt64(&w.stats.Retried, 1)
			telemetry.ImportRetries.Inc()
			return
		}
		logger.FromContext(ctx).WithError(rerr).Error("Failed to reschedule import job")
	}

	atomic.AddInt64(&w.stats.Failed, 1)
	logger.FromContext(ctx).WithError(err).Errorf("Import failed after %d attempt(s)", attempt)
	if ferr := w.sessions.Fail(ctx, job.ImportSessionID, err.Error(), time.Now()); ferr != nil {
		logger.FromContext(ctx).WithError(ferr).Error("Failed to mark import session failed")
	} else {
		telemetry.ImportsFinished.WithLabelValues("failed").Inc()
	}
	if aerr := w.queue.Ack(ctx, job.ID); aerr != nil {
		logger.FromContext(ctx).WithError(aerr).Warn("Failed to ack import job")
	}
}

// Stats returns a snapshot of the counters.
func (w *ImportWorkerPool) Stats() WorkerStats {
	return WorkerStats{
		Processed: atomic.LoadInt64(&w.stats.Processed),
		Completed: atomic.LoadInt64(&w.stats.Completed),
		Retried:   atomic.LoadInt64(&w.stats.Retried),
		Failed:    atomic.LoadInt64(&w.stats.Failed),
		StartTime: w.stats.StartTime,
		EndTime:   w.stats.EndTime,
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
