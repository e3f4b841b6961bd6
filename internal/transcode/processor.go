// Package transcode turns an uploaded original into the derived
// artifacts a track needs to become playable.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/openmusicplayer/ingestd/internal/errors"
	"github.com/openmusicplayer/ingestd/internal/jobs"
	"github.com/openmusicplayer/ingestd/internal/logger"
	"github.com/openmusicplayer/ingestd/internal/media"
	"github.com/openmusicplayer/ingestd/internal/metrics"
	"github.com/openmusicplayer/ingestd/internal/storage"
	"github.com/openmusicplayer/ingestd/internal/tracks"
	"github.com/openmusicplayer/ingestd/internal/waveform"
)

// Encoded bitrates in kbps.
const (
	HighBitrate = 320
	LowBitrate  = 128
)

// Progress milestones reported while a job runs.
const (
	ProgressScratch  = 10
	ProgressFetched  = 20
	ProgressProbed   = 30
	ProgressHigh     = 50
	ProgressLow      = 70
	ProgressWaveform = 85
	ProgressStored   = 95
	ProgressDone     = 100
)

const scratchPrefix = "transcode-"

// Config holds processor settings.
type Config struct {
	ScratchDir   string
	PublishRetry *apperrors.RetryConfig
	Logger       *logger.Logger
	Metrics      *metrics.Metrics
}

// Processor runs one transcode attempt per call.
type Processor struct {
	blobs      storage.BlobStore
	tracks     tracks.Store
	tools      media.Toolchain
	scratchDir string
	retry      *apperrors.RetryConfig
	log        *logger.Logger
	metrics    *metrics.Metrics
}

func NewProcessor(blobs storage.BlobStore, trackStore tracks.Store, tools media.Toolchain, cfg *Config) *Processor {
	if cfg == nil {
		cfg = &Config{}
	}
	p := &Processor{
		blobs:      blobs,
		tracks:     trackStore,
		tools:      tools,
		scratchDir: cfg.ScratchDir,
		retry:      cfg.PublishRetry,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
	}
	if p.scratchDir == "" {
		p.scratchDir = os.TempDir()
	}
	if p.retry == nil {
		p.retry = apperrors.StorageRetryConfig()
	}
	if p.log == nil {
		p.log = logger.Default()
	}
	p.log = p.log.WithComponent("transcode")
	if p.metrics == nil {
		p.metrics = metrics.Default()
	}
	return p
}

// Process implements jobs.Handler. On failure the track is marked
// rejected before the error is returned, so a track whose job is
// dead-lettered stays rejected.
func (p *Processor) Process(ctx context.Context, job *jobs.Job, progress func(int)) error {
	payload := job.Payload
	err := p.run(ctx, payload, progress)
	if err == nil {
		return nil
	}

	if errors.Is(err, tracks.ErrStaleCommit) {
		p.log.Warn(ctx, "track moved on during transcode, result discarded", map[string]interface{}{
			"track":  payload.TrackID,
			"upload": payload.UploadID,
		})
		return nil
	}

	msg := err.Error()
	if appErr, ok := apperrors.As(err); ok {
		msg = appErr.Message
	}
	rejectErr := p.tracks.MarkRejected(context.WithoutCancel(ctx), payload.TrackID, payload.UploadID, msg)
	if rejectErr != nil && !errors.Is(rejectErr, tracks.ErrStaleCommit) {
		p.log.Error(ctx, "failed to mark track rejected", rejectErr, map[string]interface{}{"track": payload.TrackID})
	}
	return err
}

func (p *Processor) run(ctx context.Context, payload jobs.Payload, progress func(int)) error {
	if err := os.MkdirAll(p.scratchDir, 0o755); err != nil {
		return apperrors.InternalError("Scratch directory unavailable").WithCause(err)
	}
	dir, err := os.MkdirTemp(p.scratchDir, scratchPrefix+payload.TrackID+"-")
	if err != nil {
		return apperrors.InternalError("Scratch directory unavailable").WithCause(err)
	}
	defer os.RemoveAll(dir)
	progress(ProgressScratch)

	input := filepath.Join(dir, "input."+storage.ExtensionFor(payload.ContentType))
	if err := p.stage("fetch", func() error { return p.fetch(ctx, payload.SourceKey, input) }); err != nil {
		return err
	}
	progress(ProgressFetched)

	var info *media.Info
	err = p.stage("probe", func() error {
		var err error
		info, err = p.tools.Probe(ctx, input)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.DecodeError("Could not read audio file").WithCause(err)
	}
	progress(ProgressProbed)

	high := filepath.Join(dir, "320.mp3")
	if err := p.stage("encode_high", func() error { return p.tools.EncodeMP3(ctx, input, high, HighBitrate) }); err != nil {
		return encodeFailure(ctx, err)
	}
	progress(ProgressHigh)

	low := filepath.Join(dir, "128.mp3")
	if err := p.stage("encode_low", func() error { return p.tools.EncodeMP3(ctx, input, low, LowBitrate) }); err != nil {
		return encodeFailure(ctx, err)
	}
	progress(ProgressLow)

	var peaks []byte
	err = p.stage("waveform", func() error {
		var err error
		peaks, err = p.waveform(ctx, input)
		return err
	})
	if err != nil {
		return encodeFailure(ctx, err)
	}
	progress(ProgressWaveform)

	artifacts := tracks.Artifacts{
		MP3320:   storage.MP3320Key(payload.TrackID),
		MP3128:   storage.MP3128Key(payload.TrackID),
		Waveform: storage.WaveformKey(payload.TrackID),
	}
	err = p.stage("publish", func() error {
		return p.publish(ctx, artifacts, high, low, peaks)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.StorageError("Failed to store processed audio").WithCause(err)
	}
	progress(ProgressStored)

	meta := tracks.AudioMetadata{
		Duration:   math.Round(info.Duration),
		Bitrate:    info.Bitrate,
		SampleRate: info.SampleRate,
	}
	if err := p.tracks.CommitReady(ctx, payload.TrackID, payload.UploadID, artifacts, meta); err != nil {
		if errors.Is(err, tracks.ErrStaleCommit) {
			return err
		}
		return apperrors.DatabaseError("Failed to update track").WithCause(err)
	}
	progress(ProgressDone)

	p.log.Info(ctx, "track ready", map[string]interface{}{
		"track":    payload.TrackID,
		"duration": meta.Duration,
		"bitrate":  meta.Bitrate,
	})
	return nil
}

func (p *Processor) stage(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	p.metrics.ObserveStage(name, time.Since(start))
	return err
}

func encodeFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return apperrors.EncodeError("Audio encoding failed").WithCause(err)
}

func (p *Processor) fetch(ctx context.Context, key, dst string) error {
	rc, err := p.blobs.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return apperrors.StorageError("Uploaded file not found").WithCause(err)
		}
		return apperrors.StorageError("Failed to fetch uploaded file").WithCause(err)
	}
	defer rc.Close()

	f, err := os.Create(dst)
	if err != nil {
		return apperrors.InternalError("Scratch directory unavailable").WithCause(err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return apperrors.StorageError("Failed to fetch uploaded file").WithCause(err)
	}
	if err := f.Close(); err != nil {
		return apperrors.InternalError("Scratch directory unavailable").WithCause(err)
	}
	return nil
}

// waveform decodes input through a pipe and reduces it while ffmpeg is
// still writing, so the PCM never lands on disk.
func (p *Processor) waveform(ctx context.Context, input string) ([]byte, error) {
	pr, pw := io.Pipe()

	decodeErr := make(chan error, 1)
	go func() {
		err := p.tools.DecodePCM(ctx, input, pw)
		pw.CloseWithError(err)
		decodeErr <- err
	}()

	points, err := waveform.Generate(pr)
	pr.CloseWithError(errors.New("waveform reader closed"))
	if derr := <-decodeErr; derr != nil {
		return nil, derr
	}
	if err != nil {
		return nil, err
	}
	return waveform.Encode(points)
}

func (p *Processor) publish(ctx context.Context, artifacts tracks.Artifacts, high, low string, peaks []byte) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.putFile(gctx, artifacts.MP3320, high, storage.ContentTypeMP3) })
	g.Go(func() error { return p.putFile(gctx, artifacts.MP3128, low, storage.ContentTypeMP3) })
	g.Go(func() error {
		return apperrors.Retry(gctx, p.retry, func(ctx context.Context) error {
			return p.blobs.Put(ctx, artifacts.Waveform, bytes.NewReader(peaks), int64(len(peaks)), storage.ContentTypeJSON)
		})
	})

	return g.Wait()
}

func (p *Processor) putFile(ctx context.Context, key, path, contentType string) error {
	return apperrors.Retry(ctx, p.retry, func(ctx context.Context) error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		stat, err := f.Stat()
		if err != nil {
			return err
		}
		return p.blobs.Put(ctx, key, f, stat.Size(), contentType)
	})
}

// SweepScratch removes transcode scratch directories older than maxAge,
// left behind by a worker that died mid-job.
func SweepScratch(dir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read scratch dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), scratchPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
