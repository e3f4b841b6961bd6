package jobs

import (
	"time"
)

// Job status constants representing the job lifecycle
const (
	StatusWaiting   = "waiting"
	StatusActive    = "active"
	StatusDelayed   = "delayed"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Payload is the work description carried by a transcode job.
type Payload struct {
	TrackID     string `json:"trackId"`
	UploadID    string `json:"uploadId"`
	SourceKey   string `json:"sourceKey"`
	ContentType string `json:"contentType"`
	UserID      string `json:"userId"`
}

// Job represents a transcode task in the queue. Key is the
// deduplication key; at most one live job exists per key.
type Job struct {
	Key          string     `json:"key"`
	Payload      Payload    `json:"payload"`
	Status       string     `json:"status"`
	Progress     int        `json:"progress"`
	Error        string     `json:"error,omitempty"`
	AttemptsMade int        `json:"attempts_made"`
	MaxAttempts  int        `json:"max_attempts"`
	Backoff      Duration   `json:"backoff"`
	MaxBackoff   Duration   `json:"max_backoff"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	RunAt        *time.Time `json:"run_at,omitempty"`
}

// Duration is a time.Duration serialized as milliseconds.
type Duration int64

func (d Duration) Std() time.Duration { return time.Duration(d) * time.Millisecond }

func durationOf(d time.Duration) Duration { return Duration(d / time.Millisecond) }

// KeyFor returns the job key for a track. Every upload of the same
// track maps to the same key.
func KeyFor(trackID string) string {
	return "transcode-" + trackID
}

// IsLive reports whether the job is queued, running or waiting to retry.
func (j *Job) IsLive() bool {
	switch j.Status {
	case StatusWaiting, StatusActive, StatusDelayed:
		return true
	}
	return false
}

// IsTerminal returns true if the job is in a terminal state
func (j *Job) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// CanRetry returns true if another attempt is allowed after the current one.
func (j *Job) CanRetry() bool {
	return j.AttemptsMade < j.MaxAttempts
}

// BackoffFor returns the delay before the next attempt once attempt
// number attemptsMade has failed: base * 2^(attemptsMade-1), capped.
func BackoffFor(attemptsMade int, base, maxDelay time.Duration) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	delay := base
	for i := 1; i < attemptsMade; i++ {
		delay *= 2
		if maxDelay > 0 && delay >= maxDelay {
			return maxDelay
		}
	}
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}

// ProgressEvent is published to the owning user's progress channel on
// every job state or progress change.
type ProgressEvent struct {
	JobKey   string `json:"jobKey"`
	TrackID  string `json:"trackId"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Attempt  int    `json:"attempt"`
	Error    string `json:"error,omitempty"`
}

func (j *Job) event() ProgressEvent {
	return ProgressEvent{
		JobKey:   j.Key,
		TrackID:  j.Payload.TrackID,
		Status:   j.Status,
		Progress: j.Progress,
		Attempt:  j.AttemptsMade,
		Error:    j.Error,
	}
}
