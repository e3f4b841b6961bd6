package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultQueueName    = "transcode"
	defaultBlockTimeout = 5 * time.Second
	defaultLeaseTTL     = 60 * time.Second

	// progressChannelPrefix is followed by the owning user id.
	progressChannelPrefix = "transcode:progress:"

	maxTxRetries = 5
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrQueueEmpty  = errors.New("queue is empty")
	ErrNotDead     = errors.New("job is not dead-lettered")
)

// Config holds queue defaults. Per-job options override Attempts and
// the backoff settings.
type Config struct {
	Name         string
	Attempts     int
	BackoffDelay time.Duration
	MaxBackoff   time.Duration
	LeaseTTL     time.Duration
}

// DefaultConfig returns three attempts with 5s exponential backoff capped at 5m.
func DefaultConfig() *Config {
	return &Config{
		Name:         defaultQueueName,
		Attempts:     3,
		BackoffDelay: 5 * time.Second,
		MaxBackoff:   5 * time.Minute,
		LeaseTTL:     defaultLeaseTTL,
	}
}

// Options override the queue defaults for a single job.
type Options struct {
	Attempts     int
	BackoffDelay time.Duration
	MaxBackoff   time.Duration
}

// Counts is a snapshot of queue sizes.
type Counts struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Dead    int64 `json:"dead"`
}

// Queue manages transcode jobs using Redis. Keys live under
// "jobs:{name}:": a wait list, an active list, a delayed sorted set
// scored by due time in milliseconds, a dead-letter list, one JSON
// record per job and one lease key per running job.
type Queue struct {
	client *redis.Client
	cfg    Config
	now    func() time.Time
}

// NewQueue creates a job queue on an existing Redis client.
func NewQueue(client *redis.Client, cfg *Config) *Queue {
	c := *DefaultConfig()
	if cfg != nil {
		if cfg.Name != "" {
			c.Name = cfg.Name
		}
		if cfg.Attempts > 0 {
			c.Attempts = cfg.Attempts
		}
		if cfg.BackoffDelay > 0 {
			c.BackoffDelay = cfg.BackoffDelay
		}
		if cfg.MaxBackoff > 0 {
			c.MaxBackoff = cfg.MaxBackoff
		}
		if cfg.LeaseTTL > 0 {
			c.LeaseTTL = cfg.LeaseTTL
		}
	}
	return &Queue{client: client, cfg: c, now: time.Now}
}

// Client returns the underlying Redis client for pub/sub operations
func (q *Queue) Client() *redis.Client {
	return q.client
}

// LeaseTTL returns how long a dequeued job is considered alive without
// a heartbeat.
func (q *Queue) LeaseTTL() time.Duration {
	return q.cfg.LeaseTTL
}

func (q *Queue) key(parts ...string) string {
	k := "jobs:" + q.cfg.Name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *Queue) waitKey() string          { return q.key("wait") }
func (q *Queue) activeKey() string        { return q.key("active") }
func (q *Queue) delayedKey() string       { return q.key("delayed") }
func (q *Queue) deadKey() string          { return q.key("dead") }
func (q *Queue) jobKey(key string) string { return q.key("job", key) }
func (q *Queue) leaseKey(key string) string {
	return q.key("lease", key)
}

// ProgressChannel returns the pub/sub channel for a user's job events.
func ProgressChannel(userID string) string {
	return progressChannelPrefix + userID
}

// Enqueue adds a job under key unless a live job with that key already
// exists, in which case the existing job is returned and created is
// false.
func (q *Queue) Enqueue(ctx context.Context, key string, payload Payload, opts *Options) (job *Job, created bool, err error) {
	if key == "" {
		return nil, false, fmt.Errorf("job key is required")
	}

	recordKey := q.jobKey(key)
	txf := func(tx *redis.Tx) error {
		existing, err := readJob(ctx, tx, recordKey)
		switch {
		case err == nil && existing.IsLive():
			job, created = existing, false
			return nil
		case err != nil && !errors.Is(err, ErrJobNotFound):
			return err
		}

		fresh := q.newJob(key, payload, opts)
		data, err := json.Marshal(fresh)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recordKey, data, 0)
			pipe.LRem(ctx, q.deadKey(), 0, key)
			pipe.LPush(ctx, q.waitKey(), key)
			return nil
		})
		if err != nil {
			return err
		}
		job, created = fresh, true
		return nil
	}

	if err := q.watch(ctx, txf, recordKey); err != nil {
		return nil, false, fmt.Errorf("failed to enqueue job: %w", err)
	}
	if created {
		q.publish(ctx, job)
	}
	return job, created, nil
}

func (q *Queue) newJob(key string, payload Payload, opts *Options) *Job {
	attempts, base, maxDelay := q.cfg.Attempts, q.cfg.BackoffDelay, q.cfg.MaxBackoff
	if opts != nil {
		if opts.Attempts > 0 {
			attempts = opts.Attempts
		}
		if opts.BackoffDelay > 0 {
			base = opts.BackoffDelay
		}
		if opts.MaxBackoff > 0 {
			maxDelay = opts.MaxBackoff
		}
	}

	now := q.now()
	return &Job{
		Key:         key,
		Payload:     payload,
		Status:      StatusWaiting,
		MaxAttempts: attempts,
		Backoff:     durationOf(base),
		MaxBackoff:  durationOf(maxDelay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// watch runs txf under optimistic locking, retrying when a watched key
// changes underneath it.
func (q *Queue) watch(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < maxTxRetries; i++ {
		err = q.client.Watch(ctx, txf, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

// Dequeue moves the next waiting job to the active list and leases it
// to the caller (blocking up to timeout). Due delayed jobs are promoted
// first.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	if timeout == 0 {
		timeout = defaultBlockTimeout
	}

	if _, err := q.PromoteDelayed(ctx); err != nil {
		return nil, err
	}

	key, err := q.client.BLMove(ctx, q.waitKey(), q.activeKey(), "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrQueueEmpty
		}
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}

	job, err := q.GetJob(ctx, key)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			q.client.LRem(ctx, q.activeKey(), 0, key)
		}
		return nil, err
	}

	now := q.now()
	job.Status = StatusActive
	job.AttemptsMade++
	job.Progress = 0
	job.Error = ""
	job.RunAt = nil
	job.ProcessedAt = &now
	job.UpdatedAt = now

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.jobKey(key), data, 0)
		pipe.Set(ctx, q.leaseKey(key), now.UnixMilli(), q.cfg.LeaseTTL)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to activate job: %w", err)
	}

	q.publish(ctx, job)
	return job, nil
}

// Heartbeat extends the lease of a running job.
func (q *Queue) Heartbeat(ctx context.Context, job *Job) error {
	return q.client.Set(ctx, q.leaseKey(job.Key), q.now().UnixMilli(), q.cfg.LeaseTTL).Err()
}

// Ack marks a job completed and releases it.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	now := q.now()
	job.Status = StatusCompleted
	job.Progress = 100
	job.Error = ""
	job.FinishedAt = &now
	job.UpdatedAt = now

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.jobKey(job.Key), data, 0)
		pipe.LRem(ctx, q.activeKey(), 0, job.Key)
		pipe.Del(ctx, q.leaseKey(job.Key))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}

	q.publish(ctx, job)
	return nil
}

// Nack records a failed attempt. While attempts remain the job is
// scheduled on the delayed set; otherwise it is dead-lettered and
// deadLettered is true.
func (q *Queue) Nack(ctx context.Context, job *Job, cause error) (deadLettered bool, err error) {
	now := q.now()
	if cause != nil {
		job.Error = cause.Error()
	}
	job.UpdatedAt = now

	var due time.Time
	if job.CanRetry() {
		due = now.Add(BackoffFor(job.AttemptsMade, job.Backoff.Std(), job.MaxBackoff.Std()))
		job.Status = StatusDelayed
		job.RunAt = &due
	} else {
		job.Status = StatusFailed
		job.FinishedAt = &now
		deadLettered = true
	}

	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.jobKey(job.Key), data, 0)
		pipe.LRem(ctx, q.activeKey(), 0, job.Key)
		pipe.Del(ctx, q.leaseKey(job.Key))
		if deadLettered {
			pipe.LPush(ctx, q.deadKey(), job.Key)
		} else {
			pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(due.UnixMilli()), Member: job.Key})
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to nack job: %w", err)
	}

	q.publish(ctx, job)
	return deadLettered, nil
}

// UpdateProgress stores the progress of a running job and publishes it
// to the owner's progress channel.
func (q *Queue) UpdateProgress(ctx context.Context, job *Job, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	job.Progress = progress
	job.UpdatedAt = q.now()

	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	q.publish(ctx, job)
	return nil
}

// promoteScript moves every member of the delayed set scored at or
// before ARGV[1] onto the wait list and returns the moved keys.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, k in ipairs(due) do
	redis.call('ZREM', KEYS[1], k)
	redis.call('LPUSH', KEYS[2], k)
end
return due
`)

// PromoteDelayed moves delayed jobs whose backoff has elapsed back onto
// the wait list.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	keys, err := promoteScript.Run(ctx, q.client,
		[]string{q.delayedKey(), q.waitKey()},
		q.now().UnixMilli(),
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}

	var errs []error
	for _, key := range keys {
		if err := q.markWaiting(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return len(keys), fmt.Errorf("failed to mark promoted jobs waiting: %w", err)
	}
	return len(keys), nil
}

// markWaiting flips a promoted record from delayed to waiting. The record
// is watched, so a worker that dequeued the key in the meantime keeps its
// active record.
func (q *Queue) markWaiting(ctx context.Context, key string) error {
	recordKey := q.jobKey(key)
	txf := func(tx *redis.Tx) error {
		job, err := readJob(ctx, tx, recordKey)
		if errors.Is(err, ErrJobNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if job.Status != StatusDelayed {
			return nil
		}

		job.Status = StatusWaiting
		job.UpdatedAt = q.now()
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recordKey, data, 0)
			return nil
		})
		return err
	}
	return q.watch(ctx, txf, recordKey)
}

// RecoverStalled returns active jobs whose lease has expired to the wait
// list. A job is only considered stalled once its record has not been
// touched for a full lease period, which covers the gap between the
// move to the active list and the lease being written.
func (q *Queue) RecoverStalled(ctx context.Context) ([]string, error) {
	keys, err := q.client.LRange(ctx, q.activeKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}

	var recovered []string
	for _, key := range keys {
		alive, err := q.client.Exists(ctx, q.leaseKey(key)).Result()
		if err != nil {
			return recovered, fmt.Errorf("failed to check lease: %w", err)
		}
		if alive > 0 {
			continue
		}

		job, err := q.GetJob(ctx, key)
		if errors.Is(err, ErrJobNotFound) {
			q.client.LRem(ctx, q.activeKey(), 0, key)
			continue
		}
		if err != nil {
			return recovered, err
		}
		if q.now().Sub(job.UpdatedAt) < q.cfg.LeaseTTL {
			continue
		}

		job.Status = StatusWaiting
		job.UpdatedAt = q.now()
		data, err := json.Marshal(job)
		if err != nil {
			return recovered, fmt.Errorf("failed to marshal job: %w", err)
		}
		_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, q.jobKey(key), data, 0)
			pipe.LRem(ctx, q.activeKey(), 0, key)
			pipe.LPush(ctx, q.waitKey(), key)
			return nil
		})
		if err != nil {
			return recovered, fmt.Errorf("failed to requeue stalled job: %w", err)
		}
		recovered = append(recovered, key)
	}
	return recovered, nil
}

// GetJob retrieves a job by key
func (q *Queue) GetJob(ctx context.Context, key string) (*Job, error) {
	return readJob(ctx, q.client, q.jobKey(key))
}

// Counts returns the sizes of the wait, active, delayed and dead sets.
func (q *Queue) Counts(ctx context.Context) (*Counts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.waitKey())
	active := pipe.LLen(ctx, q.activeKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	dead := pipe.LLen(ctx, q.deadKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	return &Counts{
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
		Dead:    dead.Val(),
	}, nil
}

// DeadLetters lists dead-lettered jobs, most recent first.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	keys, err := q.client.LRange(ctx, q.deadKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	jobs := make([]*Job, 0, len(keys))
	for _, key := range keys {
		job, err := q.GetJob(ctx, key)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Retry puts a dead-lettered job back on the wait list with a fresh
// attempt budget.
func (q *Queue) Retry(ctx context.Context, key string) (*Job, error) {
	recordKey := q.jobKey(key)
	var job *Job

	txf := func(tx *redis.Tx) error {
		existing, err := readJob(ctx, tx, recordKey)
		if err != nil {
			return err
		}
		if existing.Status != StatusFailed {
			return ErrNotDead
		}

		now := q.now()
		existing.Status = StatusWaiting
		existing.AttemptsMade = 0
		existing.Progress = 0
		existing.Error = ""
		existing.FinishedAt = nil
		existing.UpdatedAt = now

		data, err := json.Marshal(existing)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recordKey, data, 0)
			pipe.LRem(ctx, q.deadKey(), 0, key)
			pipe.LPush(ctx, q.waitKey(), key)
			return nil
		})
		job = existing
		return err
	}

	if err := q.watch(ctx, txf, recordKey); err != nil {
		return nil, err
	}
	q.publish(ctx, job)
	return job, nil
}

// SubscribeProgress subscribes to progress events for a specific user
func (q *Queue) SubscribeProgress(ctx context.Context, userID string) *redis.PubSub {
	return q.client.Subscribe(ctx, ProgressChannel(userID))
}

func (q *Queue) saveJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return q.client.Set(ctx, q.jobKey(job.Key), data, 0).Err()
}

// publish is best effort; a lost progress event only delays the UI.
func (q *Queue) publish(ctx context.Context, job *Job) {
	if job.Payload.UserID == "" {
		return
	}
	data, err := json.Marshal(job.event())
	if err != nil {
		return
	}
	q.client.Publish(ctx, ProgressChannel(job.Payload.UserID), data)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readJob(ctx context.Context, c getter, recordKey string) (*Job, error) {
	data, err := c.Get(ctx, recordKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}
