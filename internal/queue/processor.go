package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler processes one job. A nil return completes the job; an error
// consumes an attempt and schedules a retry.
type Handler func(ctx context.Context, job *Job) error

// StallHandler is notified for every job whose lease expired before the
// worker reported an outcome. It runs before the job is retried.
type StallHandler func(job *Job)

// Processor runs the worker pool over the job storage
type Processor struct {
	storage         *Storage
	workers         int
	processInterval time.Duration
	stallInterval   time.Duration
	cleanupInterval time.Duration
	doneMaxAge      time.Duration
	jobTimeout      time.Duration
	logger          *slog.Logger

	mu       sync.RWMutex
	handlers map[JobType]Handler
	onStall  StallHandler

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ProcessorConfig contains processor configuration
type ProcessorConfig struct {
	Workers         int
	ProcessInterval time.Duration
	StallInterval   time.Duration
	CleanupInterval time.Duration
	DoneMaxAge      time.Duration
	JobTimeout      time.Duration
}

func NewProcessor(storage *Storage, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = time.Second
	}
	if cfg.StallInterval <= 0 {
		cfg.StallInterval = 30 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.DoneMaxAge <= 0 {
		cfg.DoneMaxAge = 24 * time.Hour
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 25 * time.Second
	}

	return &Processor{
		storage:         storage,
		workers:         cfg.Workers,
		processInterval: cfg.ProcessInterval,
		stallInterval:   cfg.StallInterval,
		cleanupInterval: cfg.CleanupInterval,
		doneMaxAge:      cfg.DoneMaxAge,
		jobTimeout:      cfg.JobTimeout,
		logger:          logger.With("component", "queue"),
		handlers:        make(map[JobType]Handler),
		stopCh:          make(chan struct{}),
	}
}

// Register binds a handler to a job type. Jobs of an unregistered type fail
// their attempt when dequeued.
func (p *Processor) Register(jobType JobType, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = h
}

// OnStall sets the stalled-job callback
func (p *Processor) OnStall(h StallHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onStall = h
}

// Start launches the worker pool and the maintenance loops
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("starting queue processor", "workers", p.workers)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	p.wg.Add(1)
	go p.stallLoop(ctx)

	p.wg.Add(1)
	go p.cleanupLoop(ctx)
}

// Stop stops the processor gracefully
func (p *Processor) Stop() {
	p.logger.Info("stopping queue processor")
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("queue processor stopped")
}

func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With("worker_id", id)
	logger.Debug("worker started")

	ticker := time.NewTicker(p.processInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker stopped by context")
			return
		case <-p.stopCh:
			logger.Debug("worker stopped by signal")
			return
		case <-ticker.C:
			// drain runnable jobs before sleeping again
			for p.processOne(ctx, logger) {
				select {
				case <-ctx.Done():
					return
				case <-p.stopCh:
					return
				default:
				}
			}
		}
	}
}

// processOne claims and runs one job, reporting whether one was found
func (p *Processor) processOne(ctx context.Context, logger *slog.Logger) bool {
	job, err := p.storage.Dequeue()
	if err != nil {
		logger.Error("failed to dequeue job", "error", err)
		return false
	}
	if job == nil {
		return false
	}

	logger = logger.With("job_id", job.ID, "job_type", job.Type)
	logger.Debug("processing job", "attempt", job.Attempts+1)

	p.mu.RLock()
	handler := p.handlers[job.Type]
	p.mu.RUnlock()

	if handler == nil {
		p.failJob(job, fmt.Sprintf("no handler registered for type %s", job.Type), logger)
		return true
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	err = handler(jobCtx, job)
	cancel()

	if err == nil {
		if err := p.storage.Complete(job.ID); err != nil {
			logger.Error("failed to complete job", "error", err)
		}
		logger.Debug("job completed")
		return true
	}

	var deferErr *DeferError
	if errors.As(err, &deferErr) {
		if err := p.storage.Defer(job.ID, deferErr.Delay); err != nil {
			logger.Error("failed to defer job", "error", err)
			return true
		}
		logger.Info("job deferred", "delay", deferErr.Delay, "reason", deferErr.Reason)
		return true
	}

	logger.Warn("job attempt failed", "error", err, "attempt", job.Attempts+1)
	p.failJob(job, err.Error(), logger)
	return true
}

func (p *Processor) failJob(job *Job, errMsg string, logger *slog.Logger) {
	failed, err := p.storage.Fail(job.ID, errMsg)
	if err != nil {
		logger.Error("failed to record job failure", "error", err)
		return
	}
	if failed.Status == StatusDead {
		logger.Error("job exhausted retries",
			"attempts", failed.Attempts,
			"max_attempts", failed.MaxAttempts,
			"last_error", failed.LastError,
		)
	} else {
		logger.Info("job scheduled for retry",
			"attempt", failed.Attempts,
			"next_run_at", failed.RunAt,
		)
	}
}

// stallLoop periodically returns expired-lease jobs to the ready index
func (p *Processor) stallLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.stallInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			stalled, err := p.storage.RequeueStalled()
			if err != nil {
				p.logger.Error("stall sweep failed", "error", err)
				continue
			}
			if len(stalled) == 0 {
				continue
			}

			p.logger.Warn("requeued stalled jobs", "count", len(stalled))
			p.mu.RLock()
			onStall := p.onStall
			p.mu.RUnlock()
			if onStall != nil {
				for _, job := range stalled {
					onStall(job)
				}
			}
		}
	}
}

// cleanupLoop prunes old done jobs
func (p *Processor) cleanupLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			deleted, err := p.storage.CleanupDone(p.doneMaxAge)
			if err != nil {
				p.logger.Error("queue cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				p.logger.Info("cleaned up completed jobs", "deleted", deleted)
			}
		}
	}
}
