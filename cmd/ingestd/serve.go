package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openmusicplayer/ingestd/internal/api"
	"github.com/openmusicplayer/ingestd/internal/auth"
	"github.com/openmusicplayer/ingestd/internal/health"
	"github.com/openmusicplayer/ingestd/internal/middleware"
	"github.com/openmusicplayer/ingestd/internal/websocket"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func runServe(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	authService := auth.NewService(cfg.JWTSecret)

	hub := websocket.NewHub(a.queue, a.metrics)
	go hub.Run(ctx)

	checker := health.NewChecker(&health.CheckerConfig{
		DB:             a.db.DB,
		Redis:          a.redis,
		Storage:        a.blobs,
		Queue:          a.queue,
		Version:        version,
		DeadLetterWarn: 100,
	})

	router := api.NewRouter(api.Deps{
		Orchestrator:  a.orch,
		Auth:          authService,
		Health:        health.NewHandler(checker),
		WS:            websocket.NewHandler(hub, authService, cfg.CORSOrigins),
		Metrics:       a.metrics,
		Logger:        log,
		UploadLimiter: middleware.NewRateLimiter(a.redis, "uploads", cfg.Limits.UploadsPerHour, time.Hour),
		StreamLimiter: middleware.NewRateLimiter(a.redis, "streams", cfg.Limits.StreamsPerMinute, time.Minute),
		CORSOrigins:   cfg.CORSOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "http server listening", map[string]interface{}{"addr": cfg.ServerAddr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info(context.Background(), "shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
