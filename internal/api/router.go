package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/openmusicplayer/ingestd/internal/auth"
	apperrors "github.com/openmusicplayer/ingestd/internal/errors"
	"github.com/openmusicplayer/ingestd/internal/health"
	"github.com/openmusicplayer/ingestd/internal/ingest"
	"github.com/openmusicplayer/ingestd/internal/logger"
	"github.com/openmusicplayer/ingestd/internal/metrics"
	"github.com/openmusicplayer/ingestd/internal/middleware"
	"github.com/openmusicplayer/ingestd/internal/websocket"
)

// Deps are the services the HTTP surface is built from. Health, WS and
// the limiters are optional.
type Deps struct {
	Orchestrator *ingest.Orchestrator
	Auth         *auth.Service
	Health       *health.Handler
	WS           *websocket.Handler
	Metrics      *metrics.Metrics
	Logger       *logger.Logger

	UploadLimiter *middleware.RateLimiter
	StreamLimiter *middleware.RateLimiter

	CORSOrigins []string
}

type Router struct {
	mux     *mux.Router
	handler http.Handler
	deps    Deps
}

func NewRouter(deps Deps) *Router {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Default()
	}
	if deps.Logger == nil {
		deps.Logger = logger.Default()
	}

	r := &Router{mux: mux.NewRouter(), deps: deps}
	r.setupRoutes()

	r.handler = middleware.Chain(r.mux,
		apperrors.RequestIDMiddleware,
		logger.RecoveryMiddleware(deps.Logger),
		logger.LoggingMiddleware(deps.Logger),
		metrics.MetricsMiddleware(deps.Metrics),
		middleware.Timing(deps.Logger),
		middleware.CORS(deps.CORSOrigins),
	)
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

func (r *Router) setupRoutes() {
	h := &Handlers{orchestrator: r.deps.Orchestrator}

	r.mux.NotFoundHandler = apperrors.HandleFunc(func(w http.ResponseWriter, req *http.Request) error {
		return apperrors.NotFound("route")
	})
	r.mux.MethodNotAllowedHandler = apperrors.HandleFunc(func(w http.ResponseWriter, req *http.Request) error {
		return apperrors.New(apperrors.CodeInvalidRequest, "method not allowed", apperrors.CategoryClient, http.StatusMethodNotAllowed)
	})

	if r.deps.Health != nil {
		r.mux.HandleFunc("/health", r.deps.Health.LivenessHandler).Methods(http.MethodGet)
		r.mux.HandleFunc("/health/ready", r.deps.Health.ReadinessHandler).Methods(http.MethodGet)
	}
	r.mux.Handle("/metrics", r.deps.Metrics.Handler()).Methods(http.MethodGet)

	v1 := r.mux.PathPrefix("/api/v1").Subrouter()

	requireAuth := auth.Middleware(r.deps.Auth)
	artistOnly := auth.RequireRole(auth.RoleArtist, auth.RoleAdmin)

	uploads := v1.PathPrefix("/upload").Subrouter()
	uploads.Use(mux.MiddlewareFunc(requireAuth))
	uploads.Handle("/audio/{trackId}",
		r.limited(r.deps.UploadLimiter, middleware.ByUser, artistOnly(apperrors.HandleFunc(h.RequestAudioUpload)))).
		Methods(http.MethodPost)
	uploads.Handle("/cover/{trackId}",
		r.limited(r.deps.UploadLimiter, middleware.ByUser, artistOnly(apperrors.HandleFunc(h.RequestCoverUpload)))).
		Methods(http.MethodPost)
	uploads.Handle("/complete", apperrors.HandleFunc(h.CompleteUpload)).Methods(http.MethodPost)

	stream := v1.PathPrefix("/stream").Subrouter()
	stream.Handle("/{trackId}",
		r.limited(r.deps.StreamLimiter, middleware.ByClientIP, apperrors.HandleFunc(h.GetStreamURL))).
		Methods(http.MethodGet)
	stream.Handle("/{trackId}/waveform",
		r.limited(r.deps.StreamLimiter, middleware.ByClientIP, apperrors.HandleFunc(h.GetWaveformURL))).
		Methods(http.MethodGet)

	v1.Handle("/tracks/{trackId}/status", requireAuth(apperrors.HandleFunc(h.GetTrackStatus))).
		Methods(http.MethodGet)

	if r.deps.WS != nil {
		v1.HandleFunc("/ws/progress", r.deps.WS.ServeWS).Methods(http.MethodGet)
	}
}

func (r *Router) limited(l *middleware.RateLimiter, key middleware.KeyFunc, next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return l.Middleware(key)(next)
}
