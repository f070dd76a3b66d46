package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/you/fibermap/internal/domain"
)

// Handler processes one job payload. A returned error counts as a
// failed attempt; the Consumer decides retry versus dead-letter.
type Handler func(ctx context.Context, data map[string]any) error

type ConsumerConfig struct {
	Queues            []string
	MaxConcurrentJobs int
	MaxRetries        int
	RetryDelay        time.Duration
	PollInterval      time.Duration
	StoreErrorDelay   time.Duration
}

func (c *ConsumerConfig) applyDefaults() {
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 3
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.StoreErrorDelay <= 0 {
		c.StoreErrorDelay = time.Second
	}
}

// Consumer polls a fixed set of queues in order, dispatches dequeued
// jobs to registered handlers under a global concurrency cap, and owns
// the retry/dead-letter/status semantics.
type Consumer struct {
	store    Store
	cfg      ConsumerConfig
	log      *zap.Logger
	handlers map[string]Handler
	sem      *semaphore.Weighted
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]string // job id -> queue

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

func NewConsumer(store Store, cfg ConsumerConfig, log *zap.Logger) *Consumer {
	cfg.applyDefaults()
	return &Consumer{
		store:    store,
		cfg:      cfg,
		log:      log,
		handlers: make(map[string]Handler),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		now:      time.Now,
		inflight: make(map[string]string),
		stop:     make(chan struct{}),
	}
}

// Register binds a handler to a job type. Must be called before Run.
func (c *Consumer) Register(jobType string, h Handler) {
	c.handlers[jobType] = h
}

// InFlight returns the ids of jobs currently executing.
func (c *Consumer) InFlight() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.inflight))
	for id := range c.inflight {
		out = append(out, id)
	}
	return out
}

// Run polls until Stop is called or ctx is cancelled. Cancelling ctx is
// the forced path: it also aborts in-flight handlers. Store errors
// during polling are treated as transient.
func (c *Consumer) Run(ctx context.Context) {
	c.log.Info("consumer_started",
		zap.Strings("queues", c.cfg.Queues),
		zap.Int("max_concurrent_jobs", c.cfg.MaxConcurrentJobs))

	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		storeErr := false
		for _, queue := range c.cfg.Queues {
			// respect the global cap: skip polling rather than
			// dequeuing work we cannot start
			if !c.sem.TryAcquire(1) {
				break
			}
			job, err := c.store.Dequeue(ctx, queue)
			if err != nil {
				c.sem.Release(1)
				c.log.Error("dequeue_failed", zap.String("queue", queue), zap.Error(err))
				storeErr = true
				break
			}
			if job == nil {
				c.sem.Release(1)
				continue
			}
			c.dispatch(ctx, queue, job)
		}

		delay := c.cfg.PollInterval
		if storeErr {
			delay = c.cfg.StoreErrorDelay
		}
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, queue string, job *domain.Job) {
	c.mu.Lock()
	c.inflight[job.ID] = queue
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.inflight, job.ID)
			c.mu.Unlock()
			c.sem.Release(1)
			c.wg.Done()
		}()
		c.process(ctx, queue, job)
	}()
}

func (c *Consumer) process(ctx context.Context, queue string, job *domain.Job) {
	log := c.log.With(
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type()),
		zap.String("queue", queue))
	log.Info("job_processing")

	c.setStatus(ctx, job.ID, domain.StatusEntry{Status: domain.Processing, UpdatedAt: c.now()})

	handler, ok := c.handlers[job.Type()]
	if !ok {
		// configuration error, not transient: no retry
		err := fmt.Errorf("no handler for job type %q", job.Type())
		log.Error("job_handler_missing")
		job.Attempts++
		c.deadLetter(ctx, queue, job, err)
		return
	}

	start := c.now()
	err := handler(ctx, job.Data)
	elapsed := c.now().Sub(start)

	if err == nil {
		c.setStatus(ctx, job.ID, domain.StatusEntry{
			Status:           domain.Completed,
			UpdatedAt:        c.now(),
			ProcessingTimeMS: elapsed.Milliseconds(),
		})
		log.Info("job_completed", zap.Duration("took", elapsed))
		return
	}

	job.Attempts++
	log.Error("job_failed",
		zap.Int("attempt", job.Attempts),
		zap.Int("max_retries", c.cfg.MaxRetries),
		zap.Error(err))

	if job.Attempts >= c.cfg.MaxRetries {
		c.deadLetter(ctx, queue, job, err)
		return
	}

	c.setStatus(ctx, job.ID, domain.StatusEntry{
		Status:    domain.Retry,
		UpdatedAt: c.now(),
		Attempt:   job.Attempts,
		Error:     err.Error(),
	})

	// re-enqueue with a delayed score: later attempts wait longer and
	// retried jobs never outrank fresh work
	job.Status = domain.Retry
	job.NotBefore = c.now().Add(c.cfg.RetryDelay * time.Duration(job.Attempts))
	score := RetryScore(c.now(), c.cfg.RetryDelay, job.Attempts)
	if reqErr := c.store.Enqueue(ctx, queue, job, score); reqErr != nil {
		// the attempt is already counted; losing the re-enqueue means
		// losing the job, so record it as dead instead
		log.Error("job_requeue_failed", zap.Error(reqErr))
		c.deadLetter(ctx, queue, job, err)
		return
	}
	log.Info("job_requeued", zap.Int("attempt", job.Attempts), zap.Time("not_before", job.NotBefore))
}

func (c *Consumer) deadLetter(ctx context.Context, queue string, job *domain.Job, cause error) {
	c.setStatus(ctx, job.ID, domain.StatusEntry{
		Status:    domain.Failed,
		UpdatedAt: c.now(),
		Attempt:   job.Attempts,
		Error:     cause.Error(),
	})
	job.Status = domain.Failed
	dl := &domain.DeadLetter{
		Job:           *job,
		FailedAt:      c.now().UTC(),
		Error:         cause.Error(),
		OriginalQueue: queue,
	}
	if err := c.store.PushDeadLetter(ctx, queue, dl); err != nil {
		c.log.Error("dlq_push_failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (c *Consumer) setStatus(ctx context.Context, jobID string, entry domain.StatusEntry) {
	if err := c.store.SetStatus(ctx, jobID, entry); err != nil {
		c.log.Warn("job_status_update_failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// Stop ends the poll loop and, when wait is true, blocks up to timeout
// for in-flight jobs to finish. Returns false if the timeout expired
// with jobs still running; those jobs are abandoned and the condition
// is logged as abnormal.
func (c *Consumer) Stop(wait bool, timeout time.Duration) bool {
	c.stopOnce.Do(func() { close(c.stop) })
	if !wait {
		return true
	}

	c.mu.Lock()
	n := len(c.inflight)
	c.mu.Unlock()
	c.log.Info("consumer_stopping", zap.Int("in_flight", n))

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.log.Info("consumer_stopped")
		return true
	case <-time.After(timeout):
		c.log.Error("consumer_shutdown_timeout",
			zap.Strings("abandoned_jobs", c.InFlight()))
		return false
	}
}
