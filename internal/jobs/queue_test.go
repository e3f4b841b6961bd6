package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T, cfg *Config) (*Queue, *miniredis.Miniredis, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	q := NewQueue(client, cfg)
	q.now = c.Now
	return q, mr, c
}

func payloadFor(trackID string) Payload {
	return Payload{TrackID: trackID, UploadID: "up-" + trackID, SourceKey: "tracks/" + trackID + "/original.mp3", ContentType: "audio/mpeg", UserID: "u1"}
}

func TestKeyFor(t *testing.T) {
	assert.Equal(t, "transcode-abc", KeyFor("abc"))
	assert.Equal(t, KeyFor("abc"), KeyFor("abc"))
}

func TestBackoffFor(t *testing.T) {
	tests := []struct {
		attempts int
		expected time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{7, 5 * time.Minute},
		{30, 5 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, BackoffFor(tt.attempts, 5*time.Second, 5*time.Minute), "attempts=%d", tt.attempts)
	}
}

func TestQueue_EnqueueDeduplicatesLiveJobs(t *testing.T) {
	q, _, _ := newTestQueue(t, nil)
	ctx := context.Background()
	key := KeyFor("t1")

	job, created, err := q.Enqueue(ctx, key, payloadFor("t1"), nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, StatusWaiting, job.Status)
	assert.Equal(t, 3, job.MaxAttempts)

	again, created, err := q.Enqueue(ctx, key, payloadFor("t1"), nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job.CreatedAt, again.CreatedAt)

	active, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, key, active.Key)

	_, created, err = q.Enqueue(ctx, key, payloadFor("t1"), nil)
	require.NoError(t, err)
	assert.False(t, created, "active job must not be duplicated")

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Counts{Active: 1}, counts)
}

func TestQueue_ConcurrentEnqueueCreatesOnce(t *testing.T) {
	q, _, _ := newTestQueue(t, nil)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := q.Enqueue(ctx, KeyFor("t1"), payloadFor("t1"), nil)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Waiting)
}

func TestQueue_DequeueLeasesJob(t *testing.T) {
	q, mr, _ := newTestQueue(t, &Config{LeaseTTL: 30 * time.Second})
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, KeyFor("t1"), payloadFor("t1"), nil)
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, job.Status)
	assert.Equal(t, 1, job.AttemptsMade)
	assert.Equal(t, "t1", job.Payload.TrackID)
	assert.NotNil(t, job.ProcessedAt)

	assert.Equal(t, 30*time.Second, mr.TTL(q.leaseKey(job.Key)))
}

func TestQueue_DequeueEmpty(t *testing.T) {
	q, _, _ := newTestQueue(t, nil)

	_, err := q.Dequeue(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestQueue_AckCompletesAndAllowsNewJob(t *testing.T) {
	q, mr, _ := newTestQueue(t, nil)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, KeyFor("t1"), payloadFor("t1"), nil)
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Ack(ctx, job))

	stored, err := q.GetJob(ctx, job.Key)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Equal(t, 100, stored.Progress)
	assert.False(t, mr.Exists(q.leaseKey(job.Key)))

	_, created, err := q.Enqueue(ctx, KeyFor("t1"), payloadFor("t1"), nil)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestQueue_NackRetriesWithBackoffThenDeadLetters(t *testing.T) {
	q, _, clk := newTestQueue(t, nil)
	ctx := context.Background()
	cause := errors.New("ffprobe: invalid data found")

	_, _, err := q.Enqueue(ctx, KeyFor("t1"), payloadFor("t1"), nil)
	require.NoError(t, err)

	expectedDelays := []time.Duration{5 * time.Second, 10 * time.Second}
	for attempt := 1; attempt <= 3; attempt++ {
		job, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err, "attempt %d", attempt)
		assert.Equal(t, attempt, job.AttemptsMade)

		dead, err := q.Nack(ctx, job, cause)
		require.NoError(t, err)

		if attempt < 3 {
			assert.False(t, dead)
			assert.Equal(t, StatusDelayed, job.Status)
			require.NotNil(t, job.RunAt)
			assert.Equal(t, clk.Now().Add(expectedDelays[attempt-1]), *job.RunAt)

			promoted, err := q.PromoteDelayed(ctx)
			require.NoError(t, err)
			assert.Zero(t, promoted, "not due yet")

			clk.Advance(expectedDelays[attempt-1])
			continue
		}

		assert.True(t, dead)
		assert.Equal(t, StatusFailed, job.Status)
		assert.Equal(t, cause.Error(), job.Error)
	}

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Counts{Dead: 1}, counts)

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, KeyFor("t1"), dead[0].Key)
	assert.Equal(t, 3, dead[0].AttemptsMade)
}

func TestQueue_PromotedJobDequeuedBeforeStatusFlip(t *testing.T) {
	q, _, clk := newTestQueue(t, nil)
	ctx := context.Background()
	key := KeyFor("t1")

	_, _, err := q.Enqueue(ctx, key, payloadFor("t1"), nil)
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	_, err = q.Nack(ctx, job, errors.New("transient"))
	require.NoError(t, err)
	clk.Advance(5 * time.Second)

	// Move the key onto the wait list without touching the record, then
	// let a worker take it before the record is flipped to waiting.
	moved, err := promoteScript.Run(ctx, q.client,
		[]string{q.delayedKey(), q.waitKey()}, clk.Now().UnixMilli()).StringSlice()
	require.NoError(t, err)
	require.Equal(t, []string{key}, moved)

	second, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, second.AttemptsMade)

	require.NoError(t, q.markWaiting(ctx, key))

	stored, err := q.GetJob(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, stored.Status)
	assert.Equal(t, 2, stored.AttemptsMade)
}

func TestQueue_PromoteDelayedMarksWaiting(t *testing.T) {
	q, _, clk := newTestQueue(t, nil)
	ctx := context.Background()
	key := KeyFor("t1")

	_, _, err := q.Enqueue(ctx, key, payloadFor("t1"), nil)
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	_, err = q.Nack(ctx, job, errors.New("transient"))
	require.NoError(t, err)
	clk.Advance(5 * time.Second)

	promoted, err := q.PromoteDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	stored, err := q.GetJob(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, stored.Status)
	assert.Equal(t, 1, stored.AttemptsMade)
}

func TestQueue_PerJobOptions(t *testing.T) {
	q, _, _ := newTestQueue(t, nil)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, KeyFor("t1"), payloadFor("t1"), &Options{Attempts: 1})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	dead, err := q.Nack(ctx, job, errors.New("boom"))
	require.NoError(t, err)
	assert.True(t, dead)
}

func TestQueue_EnqueueAfterDeadLetter(t *testing.T) {
	q, _, _ := newTestQueue(t, nil)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, KeyFor("t1"), payloadFor("t1"), &Options{Attempts: 1})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	_, err = q.Nack(ctx, job, errors.New("boom"))
	require.NoError(t, err)

	fresh, created, err := q.Enqueue(ctx, KeyFor("t1"), payloadFor("t1"), nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Zero(t, fresh.AttemptsMade)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Counts{Waiting: 1}, counts)
}

func TestQueue_Retry(t *testing.T) {
	q, _, _ := newTestQueue(t, nil)
	ctx := context.Background()

	_, err := q.Retry(ctx, KeyFor("missing"))
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, _, err = q.Enqueue(ctx, KeyFor("t1"), payloadFor("t1"), &Options{Attempts: 1})
	require.NoError(t, err)

	_, err = q.Retry(ctx, KeyFor("t1"))
	assert.ErrorIs(t, err, ErrNotDead)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	_, err = q.Nack(ctx, job, errors.New("boom"))
	require.NoError(t, err)

	retried, err := q.Retry(ctx, KeyFor("t1"))
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, retried.Status)
	assert.Zero(t, retried.AttemptsMade)
	assert.Empty(t, retried.Error)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Counts{Waiting: 1}, counts)
}

func TestQueue_RecoverStalled(t *testing.T) {
	q, mr, clk := newTestQueue(t, &Config{LeaseTTL: 10 * time.Second})
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, KeyFor("t1"), payloadFor("t1"), nil)
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	recovered, err := q.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Empty(t, recovered, "lease still held")

	mr.FastForward(11 * time.Second)
	clk.Advance(11 * time.Second)

	recovered, err = q.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{job.Key}, recovered)

	again, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, again.AttemptsMade)
}

func TestQueue_RecoverStalledSkipsFreshlyMovedJobs(t *testing.T) {
	q, mr, _ := newTestQueue(t, &Config{LeaseTTL: 10 * time.Second})
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, KeyFor("t1"), payloadFor("t1"), nil)
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	mr.Del(q.leaseKey(job.Key))

	recovered, err := q.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Empty(t, recovered)
}

func TestQueue_ProgressIsPublished(t *testing.T) {
	q, _, _ := newTestQueue(t, nil)
	ctx := context.Background()

	sub := q.SubscribeProgress(ctx, "u1")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	ch := sub.Channel()

	_, _, err = q.Enqueue(ctx, KeyFor("t1"), payloadFor("t1"), nil)
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.UpdateProgress(ctx, job, 50))

	var statuses []string
	var last ProgressEvent
	timeout := time.After(2 * time.Second)
	for len(statuses) < 3 {
		select {
		case msg := <-ch:
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &last))
			statuses = append(statuses, last.Status)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", statuses)
		}
	}

	assert.Equal(t, []string{StatusWaiting, StatusActive, StatusActive}, statuses)
	assert.Equal(t, 50, last.Progress)
	assert.Equal(t, "t1", last.TrackID)

	stored, err := q.GetJob(ctx, job.Key)
	require.NoError(t, err)
	assert.Equal(t, 50, stored.Progress)
}
