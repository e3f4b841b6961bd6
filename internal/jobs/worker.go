package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/openmusicplayer/ingestd/internal/logger"
	"github.com/openmusicplayer/ingestd/internal/metrics"
)

const (
	DefaultWorkerCount = 2
	DefaultJobTimeout  = 30 * time.Minute

	defaultPollTimeout         = 2 * time.Second
	defaultMaintenanceInterval = 5 * time.Second
)

// Handler processes one job. progress reports a percentage for the
// owner's progress feed.
type Handler func(ctx context.Context, job *Job, progress func(int)) error

// WorkerPool runs a fixed number of workers against a Queue plus one
// maintenance loop that promotes delayed jobs and recovers stalled ones.
type WorkerPool struct {
	queue               *Queue
	handler             Handler
	workerCount         int
	jobTimeout          time.Duration
	pollTimeout         time.Duration
	maintenanceInterval time.Duration
	log                 *logger.Logger
	metrics             *metrics.Metrics

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	mu      sync.RWMutex
	running bool
}

// WorkerPoolConfig holds configuration for the worker pool
type WorkerPoolConfig struct {
	WorkerCount         int
	JobTimeout          time.Duration
	PollTimeout         time.Duration
	MaintenanceInterval time.Duration
	Logger              *logger.Logger
	Metrics             *metrics.Metrics
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(queue *Queue, handler Handler, config *WorkerPoolConfig) *WorkerPool {
	if config == nil {
		config = &WorkerPoolConfig{}
	}

	wp := &WorkerPool{
		queue:               queue,
		handler:             handler,
		workerCount:         config.WorkerCount,
		jobTimeout:          config.JobTimeout,
		pollTimeout:         config.PollTimeout,
		maintenanceInterval: config.MaintenanceInterval,
		log:                 config.Logger,
		metrics:             config.Metrics,
	}
	if wp.workerCount <= 0 {
		wp.workerCount = DefaultWorkerCount
	}
	if wp.jobTimeout <= 0 {
		wp.jobTimeout = DefaultJobTimeout
	}
	if wp.pollTimeout <= 0 {
		wp.pollTimeout = defaultPollTimeout
	}
	if wp.maintenanceInterval <= 0 {
		wp.maintenanceInterval = defaultMaintenanceInterval
	}
	if wp.log == nil {
		wp.log = logger.Default()
	}
	wp.log = wp.log.WithComponent("worker-pool")
	if wp.metrics == nil {
		wp.metrics = metrics.Default()
	}
	return wp
}

// Start launches the workers and the maintenance loop.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.running {
		return
	}

	ctx, wp.cancel = context.WithCancel(ctx)
	wp.running = true

	wp.wg.Add(1)
	go wp.maintain(ctx)

	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}

	wp.log.Info(ctx, "worker pool started", map[string]interface{}{"workers": wp.workerCount})
}

// Stop stops taking new jobs and waits for in-flight jobs to finish or
// for ctx to expire. Jobs abandoned on timeout keep their lease until it
// lapses and are then recovered by the next pool.
func (wp *WorkerPool) Stop(ctx context.Context) error {
	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		return nil
	}
	wp.running = false
	wp.cancel()
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.log.Info(ctx, "worker pool stopped gracefully")
		return nil
	case <-ctx.Done():
		wp.log.Warn(ctx, "worker pool shutdown timed out")
		return ctx.Err()
	}
}

// IsRunning returns whether the worker pool is currently running
func (wp *WorkerPool) IsRunning() bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	return wp.running
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()

	for ctx.Err() == nil {
		job, err := wp.queue.Dequeue(ctx, wp.pollTimeout)
		if err != nil {
			if errors.Is(err, ErrQueueEmpty) || ctx.Err() != nil {
				continue
			}
			wp.log.Error(ctx, "failed to dequeue job", err, map[string]interface{}{"worker": id})
			sleep(ctx, wp.pollTimeout)
			continue
		}

		// In-flight jobs run to completion on a context detached from
		// the pool so Stop can drain them.
		wp.processJob(context.WithoutCancel(ctx), id, job)
	}
}

// processJob handles the full lifecycle of a single job
func (wp *WorkerPool) processJob(ctx context.Context, workerID int, job *Job) {
	fields := map[string]interface{}{
		"worker":  workerID,
		"job":     job.Key,
		"track":   job.Payload.TrackID,
		"attempt": job.AttemptsMade,
	}
	wp.log.Info(ctx, "processing job", fields)

	jobCtx, cancel := context.WithTimeout(ctx, wp.jobTimeout)
	defer cancel()

	stopHeartbeat := wp.heartbeat(jobCtx, job)
	defer stopHeartbeat()

	progressFn := func(progress int) {
		if err := wp.queue.UpdateProgress(ctx, job, progress); err != nil {
			wp.log.Warn(ctx, "failed to update progress", map[string]interface{}{"job": job.Key, "error": err.Error()})
		}
	}

	start := time.Now()
	err := wp.handler(jobCtx, job, progressFn)
	elapsed := time.Since(start)

	if err == nil {
		if ackErr := wp.queue.Ack(ctx, job); ackErr != nil {
			wp.log.Error(ctx, "failed to ack job", ackErr, fields)
			return
		}
		wp.metrics.RecordJob("completed", elapsed)
		wp.log.Info(ctx, "job completed", fields)
		return
	}

	wp.handleJobFailure(ctx, job, err, elapsed, fields)
}

func (wp *WorkerPool) handleJobFailure(ctx context.Context, job *Job, jobErr error, elapsed time.Duration, fields map[string]interface{}) {
	deadLettered, err := wp.queue.Nack(ctx, job, jobErr)
	if err != nil {
		wp.log.Error(ctx, "failed to nack job", err, fields)
		return
	}

	if deadLettered {
		wp.metrics.RecordJob("dead_lettered", elapsed)
		wp.log.Error(ctx, "job exhausted its attempts", jobErr, fields)
		return
	}

	wp.metrics.RecordJob("retried", elapsed)
	fields["retry_at"] = job.RunAt
	wp.log.Warn(ctx, "job failed, retry scheduled", fields)
}

// heartbeat keeps the job lease alive until the returned func is called.
func (wp *WorkerPool) heartbeat(ctx context.Context, job *Job) func() {
	interval := wp.queue.LeaseTTL() / 3
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := wp.queue.Heartbeat(ctx, job); err != nil && ctx.Err() == nil {
					wp.log.Warn(ctx, "failed to renew job lease", map[string]interface{}{"job": job.Key, "error": err.Error()})
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (wp *WorkerPool) maintain(ctx context.Context) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.maintenanceInterval)
	defer ticker.Stop()

	for {
		wp.RunMaintenance(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunMaintenance promotes due delayed jobs, requeues stalled ones and
// refreshes the queue gauges.
func (wp *WorkerPool) RunMaintenance(ctx context.Context) {
	if _, err := wp.queue.PromoteDelayed(ctx); err != nil && ctx.Err() == nil {
		wp.log.Error(ctx, "failed to promote delayed jobs", err)
	}

	recovered, err := wp.queue.RecoverStalled(ctx)
	if err != nil && ctx.Err() == nil {
		wp.log.Error(ctx, "failed to recover stalled jobs", err)
	}
	for _, key := range recovered {
		wp.log.Warn(ctx, "recovered stalled job", map[string]interface{}{"job": key})
	}

	counts, err := wp.queue.Counts(ctx)
	if err != nil {
		return
	}
	wp.metrics.SetQueueLength(StatusWaiting, counts.Waiting)
	wp.metrics.SetQueueLength(StatusActive, counts.Active)
	wp.metrics.SetQueueLength(StatusDelayed, counts.Delayed)
	wp.metrics.SetQueueLength("dead", counts.Dead)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
