// Package ingest coordinates uploads, track records and the transcode
// queue behind the client-facing API.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/openmusicplayer/ingestd/internal/cache"
	apperrors "github.com/openmusicplayer/ingestd/internal/errors"
	"github.com/openmusicplayer/ingestd/internal/jobs"
	"github.com/openmusicplayer/ingestd/internal/logger"
	"github.com/openmusicplayer/ingestd/internal/metrics"
	"github.com/openmusicplayer/ingestd/internal/storage"
	"github.com/openmusicplayer/ingestd/internal/tracks"
	"github.com/openmusicplayer/ingestd/internal/upload"
)

// Completion statuses returned by CompleteUpload.
const (
	StatusProcessing    = "processing"
	StatusCoverUploaded = "cover_uploaded"
)

// Stream formats.
const (
	FormatMP3320   = "mp3_320"
	FormatMP3128   = "mp3_128"
	FormatOriginal = "original"
	FormatExternal = "external"
)

const recoverBatch = 500

type Quality string

const (
	QualityHigh   Quality = "high"
	QualityMedium Quality = "medium"
)

// ParseQuality accepts "high" and "medium"; empty means high.
func ParseQuality(s string) (Quality, error) {
	switch Quality(s) {
	case "", QualityHigh:
		return QualityHigh, nil
	case QualityMedium:
		return QualityMedium, nil
	}
	return "", apperrors.InvalidInput("quality must be high or medium")
}

type CompleteResult struct {
	TrackID string `json:"trackId"`
	Status  string `json:"status"`
}

type StreamURL struct {
	URL    string `json:"url"`
	Format string `json:"format"`
}

// TrackStatus is the coarse view of a track's ingestion for polling
// clients.
type TrackStatus struct {
	TrackID  string `json:"trackId"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Progress int    `json:"progress"`
	Attempt  int    `json:"attempt,omitempty"`
	Job      string `json:"jobStatus,omitempty"`
}

type Config struct {
	// DownloadURLExpiry is the lifetime of signed stream and waveform URLs.
	DownloadURLExpiry time.Duration
	// StreamCache, when set, holds signed stream URLs for half their
	// lifetime.
	StreamCache *cache.Cache
	Logger      *logger.Logger
	Metrics     *metrics.Metrics
}

type Orchestrator struct {
	uploads     *upload.Manager
	tracks      tracks.Store
	queue       *jobs.Queue
	blobs       storage.BlobStore
	cache       *cache.Cache
	downloadTTL time.Duration
	log         *logger.Logger
	metrics     *metrics.Metrics
}

func New(uploads *upload.Manager, trackStore tracks.Store, queue *jobs.Queue, blobs storage.BlobStore, cfg *Config) *Orchestrator {
	if cfg == nil {
		cfg = &Config{}
	}
	o := &Orchestrator{
		uploads:     uploads,
		tracks:      trackStore,
		queue:       queue,
		blobs:       blobs,
		cache:       cfg.StreamCache,
		downloadTTL: cfg.DownloadURLExpiry,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
	}
	if o.downloadTTL <= 0 {
		o.downloadTTL = 5 * time.Minute
	}
	if o.log == nil {
		o.log = logger.Default()
	}
	o.log = o.log.WithComponent("ingest")
	if o.metrics == nil {
		o.metrics = metrics.Default()
	}
	return o
}

// RequestAudioUpload issues a signed PUT for a track's source audio.
func (o *Orchestrator) RequestAudioUpload(ctx context.Context, trackID, userID, contentType string) (*upload.Ticket, error) {
	return o.request(ctx, trackID, userID, contentType, upload.KindAudio)
}

// RequestCoverUpload issues a signed PUT for a track's cover art.
func (o *Orchestrator) RequestCoverUpload(ctx context.Context, trackID, userID, contentType string) (*upload.Ticket, error) {
	return o.request(ctx, trackID, userID, contentType, upload.KindCover)
}

func (o *Orchestrator) request(ctx context.Context, trackID, userID, contentType string, kind upload.Kind) (*upload.Ticket, error) {
	ticket, err := o.uploads.Issue(ctx, trackID, userID, contentType, kind)
	if err != nil {
		o.metrics.RecordUploadIntent(string(kind), "refused")
		return nil, err
	}
	o.metrics.RecordUploadIntent(string(kind), "issued")
	o.log.Info(ctx, "upload intent issued", map[string]interface{}{
		"track": trackID,
		"kind":  string(kind),
		"key":   ticket.Key,
	})
	return ticket, nil
}

// CompleteUpload redeems an intent. Cover uploads are attached right
// away; audio uploads move the track to processing and queue a transcode.
func (o *Orchestrator) CompleteUpload(ctx context.Context, intentID, userID string) (*CompleteResult, error) {
	intent, err := o.uploads.Consume(ctx, intentID, userID)
	if err != nil {
		return nil, err
	}
	o.metrics.RecordUploadIntent(string(intent.Kind), "completed")

	if intent.Kind == upload.KindCover {
		if err := o.tracks.SetCoverArt(ctx, intent.TrackID, intent.Key); err != nil {
			return nil, trackError(err)
		}
		return &CompleteResult{TrackID: intent.TrackID, Status: StatusCoverUploaded}, nil
	}

	if err := o.tracks.MarkProcessing(ctx, intent.TrackID, intent.ID, intent.Key, intent.ContentType); err != nil {
		return nil, trackError(err)
	}
	o.invalidateStream(ctx, intent.TrackID)

	payload := jobs.Payload{
		TrackID:     intent.TrackID,
		UploadID:    intent.ID,
		SourceKey:   intent.Key,
		ContentType: intent.ContentType,
		UserID:      intent.UserID,
	}
	job, created, err := o.queue.Enqueue(ctx, jobs.KeyFor(intent.TrackID), payload, nil)
	if err != nil {
		// The track stays processing; RecoverProcessing queues it later.
		o.log.Error(ctx, "failed to queue transcode", err, map[string]interface{}{"track": intent.TrackID})
		return nil, apperrors.QueueError("Failed to queue processing").WithCause(err)
	}

	o.log.Info(ctx, "transcode queued", map[string]interface{}{
		"track":   intent.TrackID,
		"job":     job.Key,
		"created": created,
	})
	return &CompleteResult{TrackID: intent.TrackID, Status: StatusProcessing}, nil
}

// GetStreamURL signs a download URL for the best rendition available at
// the requested quality.
func (o *Orchestrator) GetStreamURL(ctx context.Context, trackID string, quality Quality) (*StreamURL, error) {
	track, err := o.tracks.FindByID(ctx, trackID)
	if err != nil {
		return nil, trackError(err)
	}
	if track.Status != tracks.StatusReady {
		return nil, apperrors.InvalidState("Track is not ready for streaming")
	}

	if track.ExternalStreamURL != "" {
		return &StreamURL{URL: track.ExternalStreamURL, Format: FormatExternal}, nil
	}

	cacheKey := streamCacheKey(trackID, quality)
	if o.cache != nil {
		var cached StreamURL
		if o.cache.GetJSON(ctx, cacheKey, &cached) {
			return &cached, nil
		}
	}

	key, format := selectRendition(track.Files, quality)
	if key == "" {
		return nil, apperrors.NotFound("No audio file available")
	}

	url, err := o.blobs.SignedDownloadURL(ctx, key, o.downloadTTL)
	if err != nil {
		return nil, apperrors.StorageError("Failed to sign stream URL").WithCause(err)
	}

	result := &StreamURL{URL: url, Format: format}
	if o.cache != nil {
		_ = o.cache.SetJSON(ctx, cacheKey, result, o.downloadTTL/2)
	}
	return result, nil
}

func selectRendition(files tracks.Files, quality Quality) (key, format string) {
	switch {
	case quality == QualityHigh && files.MP3320 != "":
		return files.MP3320, FormatMP3320
	case files.MP3128 != "":
		return files.MP3128, FormatMP3128
	case files.Original != "":
		return files.Original, FormatOriginal
	}
	return "", ""
}

func streamCacheKey(trackID string, quality Quality) string {
	return trackID + ":" + string(quality)
}

func (o *Orchestrator) invalidateStream(ctx context.Context, trackID string) {
	if o.cache == nil {
		return
	}
	err := o.cache.Delete(ctx, streamCacheKey(trackID, QualityHigh), streamCacheKey(trackID, QualityMedium))
	if err != nil {
		o.log.Warn(ctx, "failed to invalidate stream cache", map[string]interface{}{"track": trackID, "error": err.Error()})
	}
}

// GetWaveformURL signs the waveform artifact. ok is false when the
// track or its waveform does not exist.
func (o *Orchestrator) GetWaveformURL(ctx context.Context, trackID string) (url string, ok bool, err error) {
	track, err := o.tracks.FindByID(ctx, trackID)
	if err != nil {
		if errors.Is(err, tracks.ErrTrackNotFound) {
			return "", false, nil
		}
		return "", false, trackError(err)
	}
	if track.Files.Waveform == "" {
		return "", false, nil
	}

	url, err = o.blobs.SignedDownloadURL(ctx, track.Files.Waveform, o.downloadTTL)
	if err != nil {
		return "", false, apperrors.StorageError("Failed to sign waveform URL").WithCause(err)
	}
	return url, true, nil
}

// GetTrackStatus reports a track's lifecycle state and, while a job
// exists, its progress. Only the track owner may ask.
func (o *Orchestrator) GetTrackStatus(ctx context.Context, trackID, userID string) (*TrackStatus, error) {
	track, err := o.tracks.FindByID(ctx, trackID)
	if err != nil {
		return nil, trackError(err)
	}
	if !track.IsOwnedBy(userID) {
		return nil, apperrors.Forbidden("Not authorized to view this track")
	}

	status := &TrackStatus{
		TrackID: track.ID,
		Status:  string(track.Status),
		Error:   track.ProcessingError,
	}
	if track.Status == tracks.StatusReady {
		status.Progress = 100
	}

	job, err := o.queue.GetJob(ctx, jobs.KeyFor(trackID))
	switch {
	case err == nil:
		status.Job = job.Status
		status.Attempt = job.AttemptsMade
		if track.Status == tracks.StatusProcessing {
			status.Progress = job.Progress
		}
	case !errors.Is(err, jobs.ErrJobNotFound):
		o.log.Warn(ctx, "failed to read job for status", map[string]interface{}{"track": trackID, "error": err.Error()})
	}
	return status, nil
}

// RecoverProcessing queues a transcode for every processing track that
// has no live job. That happens when a worker died before its job was
// recorded, or when a newer upload arrived while an older job ran: the
// older job's commit is refused and the dedup key was still taken when
// the newer upload tried to enqueue.
func (o *Orchestrator) RecoverProcessing(ctx context.Context) (int, error) {
	stuck, err := o.tracks.ListByStatus(ctx, tracks.StatusProcessing, recoverBatch)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, track := range stuck {
		if track.Files.Original == "" {
			continue
		}

		key := jobs.KeyFor(track.ID)
		job, err := o.queue.GetJob(ctx, key)
		if err == nil && job.IsLive() {
			continue
		}
		if err != nil && !errors.Is(err, jobs.ErrJobNotFound) {
			return requeued, err
		}

		payload := jobs.Payload{
			TrackID:     track.ID,
			UploadID:    track.UploadID,
			SourceKey:   track.Files.Original,
			ContentType: track.MimeType,
			UserID:      track.CreatedBy,
		}
		if _, created, err := o.queue.Enqueue(ctx, key, payload, nil); err != nil {
			return requeued, err
		} else if created {
			requeued++
			o.log.Warn(ctx, "requeued stuck track", map[string]interface{}{"track": track.ID})
		}
	}
	return requeued, nil
}

func trackError(err error) error {
	if errors.Is(err, tracks.ErrTrackNotFound) {
		return apperrors.TrackNotFound()
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}
	return apperrors.DatabaseError("Track lookup failed").WithCause(err)
}
