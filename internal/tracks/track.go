// Package tracks defines the track lifecycle record and the store
// contract the ingestion pipeline relies on.
package tracks

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a track.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusRejected   Status = "rejected"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusReady, StatusRejected:
		return true
	}
	return false
}

// IsTerminal reports whether the worker has settled the track.
func (s Status) IsTerminal() bool {
	return s == StatusReady || s == StatusRejected
}

var (
	ErrTrackNotFound = errors.New("track not found")
	// ErrStaleCommit means the track moved on (a newer upload replaced the
	// original, or it was already settled) before the worker committed.
	ErrStaleCommit = errors.New("track changed since job was enqueued")
)

// Files holds the storage keys of a track's artifacts. Empty means unset.
type Files struct {
	Original string `json:"original,omitempty"`
	MP3320   string `json:"mp3_320,omitempty"`
	MP3128   string `json:"mp3_128,omitempty"`
	Waveform string `json:"waveform,omitempty"`
}

// HasEncoded reports whether all worker-produced artifacts are present.
func (f Files) HasEncoded() bool {
	return f.MP3320 != "" && f.MP3128 != "" && f.Waveform != ""
}

type Track struct {
	ID                string    `json:"id"`
	CreatedBy         string    `json:"createdBy"`
	UploadID          string    `json:"-"`
	Title             string    `json:"title"`
	Status            Status    `json:"status"`
	Files             Files     `json:"files"`
	CoverArt          string    `json:"coverArt,omitempty"`
	MimeType          string    `json:"mimeType,omitempty"`
	Duration          float64   `json:"duration"`
	Bitrate           int       `json:"bitrate,omitempty"`
	SampleRate        int       `json:"sampleRate,omitempty"`
	ProcessingError   string    `json:"processingError,omitempty"`
	ExternalStreamURL string    `json:"externalStreamUrl,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func (t *Track) IsOwnedBy(userID string) bool {
	return t.CreatedBy != "" && t.CreatedBy == userID
}

// Artifacts are the keys a successful transcode publishes.
type Artifacts struct {
	MP3320   string
	MP3128   string
	Waveform string
}

// AudioMetadata is what probing the source yields.
type AudioMetadata struct {
	Duration   float64
	Bitrate    int
	SampleRate int
}

// Store is the authoritative track record store. Every audio upload
// gets its own upload id, and worker writes are guarded by the id the
// job was enqueued with. The original's storage key is not enough since
// two uploads of the same format share it.
type Store interface {
	Create(ctx context.Context, t *Track) error
	FindByID(ctx context.Context, id string) (*Track, error)

	// MarkProcessing records a freshly uploaded original under uploadID and
	// clears the artifacts of any previous transcode.
	MarkProcessing(ctx context.Context, id, uploadID, originalKey, mimeType string) error
	SetCoverArt(ctx context.Context, id, key string) error

	// CommitReady sets the encoded artifacts, metadata and ready status in
	// one update. Returns ErrStaleCommit if the guard does not match.
	CommitReady(ctx context.Context, id, uploadID string, a Artifacts, m AudioMetadata) error
	// MarkRejected records a failure without touching artifact slots.
	MarkRejected(ctx context.Context, id, uploadID, message string) error

	ListByStatus(ctx context.Context, status Status, limit int) ([]*Track, error)
}
