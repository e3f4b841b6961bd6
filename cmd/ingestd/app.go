package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/openmusicplayer/ingestd/internal/cache"
	"github.com/openmusicplayer/ingestd/internal/config"
	"github.com/openmusicplayer/ingestd/internal/db"
	"github.com/openmusicplayer/ingestd/internal/ingest"
	"github.com/openmusicplayer/ingestd/internal/jobs"
	"github.com/openmusicplayer/ingestd/internal/metrics"
	"github.com/openmusicplayer/ingestd/internal/storage"
	"github.com/openmusicplayer/ingestd/internal/upload"
)

// app holds the connections shared by the serve and worker commands.
type app struct {
	db      *db.DB
	redis   *redis.Client
	blobs   storage.BlobStore
	tracks  *db.TrackRepository
	queue   *jobs.Queue
	orch    *ingest.Orchestrator
	metrics *metrics.Metrics
}

func queueConfig(c *config.Config) *jobs.Config {
	return &jobs.Config{
		Attempts:     c.Worker.Attempts,
		BackoffDelay: c.Worker.BackoffDelay,
		MaxBackoff:   c.Worker.MaxBackoff,
	}
}

func openQueue(ctx context.Context) (*jobs.Queue, func(), error) {
	client, err := cache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return jobs.NewQueue(client, queueConfig(cfg)), func() { client.Close() }, nil
}

func newApp(ctx context.Context) (*app, error) {
	a := &app{metrics: metrics.Default()}

	database, err := db.New(cfg.DSN())
	if err != nil {
		return nil, err
	}
	a.db = database

	a.redis, err = cache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.blobs, err = storage.Open(cfg.Storage)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}
	if err := a.blobs.EnsureBucket(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to ensure bucket: %w", err)
	}

	a.tracks = db.NewTrackRepository(database.DB)
	a.queue = jobs.NewQueue(a.redis, queueConfig(cfg))

	uploads := upload.NewManager(upload.NewIntentStore(a.redis), a.tracks, a.blobs, upload.Config{
		URLExpiry: cfg.Upload.UploadURLExpiry,
		IntentTTL: cfg.Upload.IntentTTL,
	})
	a.orch = ingest.New(uploads, a.tracks, a.queue, a.blobs, &ingest.Config{
		DownloadURLExpiry: cfg.Upload.DownloadURLExpiry,
		StreamCache:       cache.New(a.redis, "stream"),
		Logger:            log,
		Metrics:           a.metrics,
	})
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
