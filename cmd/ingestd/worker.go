package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openmusicplayer/ingestd/internal/jobs"
	"github.com/openmusicplayer/ingestd/internal/media"
	"github.com/openmusicplayer/ingestd/internal/transcode"
)

const recoverInterval = time.Minute

var workerMetricsAddr string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the transcode worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runWorker(ctx)
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerMetricsAddr, "metrics-addr", ":9091", "address for the /metrics endpoint, empty to disable")
}

func runWorker(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := os.MkdirAll(cfg.Worker.ScratchDir, 0o755); err != nil {
		return err
	}
	// Scratch dirs older than the job timeout belong to crashed attempts.
	if n, err := transcode.SweepScratch(cfg.Worker.ScratchDir, cfg.Worker.JobTimeout); err != nil {
		log.Warn(ctx, "scratch sweep failed", map[string]interface{}{"error": err.Error()})
	} else if n > 0 {
		log.Info(ctx, "removed stale scratch directories", map[string]interface{}{"count": n})
	}

	recoverOnce(ctx, a)

	processor := transcode.NewProcessor(a.blobs, a.tracks,
		media.NewFFmpeg(cfg.Worker.FFmpegPath, cfg.Worker.FFprobePath),
		&transcode.Config{
			ScratchDir: cfg.Worker.ScratchDir,
			Logger:     log,
			Metrics:    a.metrics,
		})

	pool := jobs.NewWorkerPool(a.queue, processor.Process, &jobs.WorkerPoolConfig{
		WorkerCount: cfg.Worker.Concurrency,
		JobTimeout:  cfg.Worker.JobTimeout,
		Logger:      log,
		Metrics:     a.metrics,
	})
	pool.Start(ctx)

	var metricsSrv *http.Server
	if workerMetricsAddr != "" {
		metricsSrv = &http.Server{Addr: workerMetricsAddr, Handler: a.metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(ctx, "metrics server failed", err)
			}
		}()
	}

	ticker := time.NewTicker(recoverInterval)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ticker.C:
			recoverOnce(ctx, a)
		case <-ctx.Done():
			break loop
		}
	}

	log.Info(context.Background(), "draining worker pool")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.JobTimeout)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return pool.Stop(shutdownCtx)
}

// recoverOnce re-queues work lost to crashes: active jobs whose lease
// lapsed and processing tracks that have no live job.
func recoverOnce(ctx context.Context, a *app) {
	if keys, err := a.queue.RecoverStalled(ctx); err != nil {
		log.Error(ctx, "stalled job recovery failed", err)
	} else if len(keys) > 0 {
		log.Warn(ctx, "recovered stalled jobs", map[string]interface{}{"jobs": keys})
	}

	if n, err := a.orch.RecoverProcessing(ctx); err != nil {
		log.Error(ctx, "processing track recovery failed", err)
	} else if n > 0 {
		log.Warn(ctx, "re-queued processing tracks", map[string]interface{}{"count": n})
	}
}
