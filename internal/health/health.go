package health

import (
	"context"
	"database/sql"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/openmusicplayer/ingestd/internal/errors"
	"github.com/openmusicplayer/ingestd/internal/jobs"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Status   Status `json:"status"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration,omitempty"`
}

type HealthResponse struct {
	Status     Status                     `json:"status"`
	Timestamp  string                     `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) ComponentHealth

// Pinger is satisfied by storage.BlobStore.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueCounter is satisfied by *jobs.Queue.
type QueueCounter interface {
	Counts(ctx context.Context) (*jobs.Counts, error)
}

type CheckerConfig struct {
	DB      *sql.DB
	Redis   *redis.Client
	Storage Pinger
	Queue   QueueCounter
	Version string
	Timeout time.Duration

	// DeadLetterWarn marks the queue degraded once this many jobs sit in
	// the dead-letter list. Zero disables the check.
	DeadLetterWarn int64
}

// Checker runs the readiness checks of every configured dependency.
type Checker struct {
	checks  map[string]CheckFunc
	version string
	timeout time.Duration
}

func NewChecker(cfg *CheckerConfig) *Checker {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	c := &Checker{
		checks:  make(map[string]CheckFunc),
		version: cfg.Version,
		timeout: timeout,
	}

	c.checks["database"] = dbCheck(cfg.DB)
	c.checks["redis"] = redisCheck(cfg.Redis)
	c.checks["storage"] = pingCheck("storage", cfg.Storage)
	if cfg.Queue != nil {
		c.checks["queue"] = queueCheck(cfg.Queue, cfg.DeadLetterWarn)
	}
	return c
}

// Register adds or replaces a named check.
func (c *Checker) Register(name string, check CheckFunc) {
	c.checks[name] = check
}

// Components lists the registered check names in order.
func (c *Checker) Components() []string {
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func timed(start time.Time, status Status, message string) ComponentHealth {
	return ComponentHealth{Status: status, Message: message, Duration: time.Since(start).String()}
}

func dbCheck(db *sql.DB) CheckFunc {
	return func(ctx context.Context) ComponentHealth {
		if db == nil {
			return ComponentHealth{Status: StatusUnhealthy, Message: "database not configured"}
		}
		start := time.Now()
		if err := db.PingContext(ctx); err != nil {
			return timed(start, StatusUnhealthy, "database ping failed")
		}
		var one int
		if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
			return timed(start, StatusDegraded, "database query failed")
		}
		return timed(start, StatusHealthy, "")
	}
}

func redisCheck(client *redis.Client) CheckFunc {
	return func(ctx context.Context) ComponentHealth {
		if client == nil {
			return ComponentHealth{Status: StatusUnhealthy, Message: "redis not configured"}
		}
		start := time.Now()
		if err := client.Ping(ctx).Err(); err != nil {
			return timed(start, StatusUnhealthy, "redis ping failed")
		}
		return timed(start, StatusHealthy, "")
	}
}

func pingCheck(name string, p Pinger) CheckFunc {
	return func(ctx context.Context) ComponentHealth {
		if p == nil {
			return ComponentHealth{Status: StatusUnhealthy, Message: name + " not configured"}
		}
		start := time.Now()
		if err := p.Ping(ctx); err != nil {
			return timed(start, StatusUnhealthy, name+" check failed")
		}
		return timed(start, StatusHealthy, "")
	}
}

func queueCheck(q QueueCounter, deadWarn int64) CheckFunc {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		counts, err := q.Counts(ctx)
		if err != nil {
			return timed(start, StatusUnhealthy, "queue unavailable")
		}
		if deadWarn > 0 && counts.Dead >= deadWarn {
			return timed(start, StatusDegraded, "dead-letter backlog")
		}
		return timed(start, StatusHealthy, "")
	}
}

// Check performs a basic health check (liveness)
func (c *Checker) Check(ctx context.Context) *HealthResponse {
	return &HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   c.version,
	}
}

// DeepCheck runs every check in parallel, each under the checker timeout.
func (c *Checker) DeepCheck(ctx context.Context) *HealthResponse {
	response := &HealthResponse{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Version:    c.version,
		Components: make(map[string]ComponentHealth, len(c.checks)),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for name, check := range c.checks {
		name, check := name, check
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(gctx, c.timeout)
			defer cancel()
			result := check(checkCtx)
			mu.Lock()
			response.Components[name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, comp := range response.Components {
		if comp.Status == StatusUnhealthy {
			response.Status = StatusUnhealthy
			break
		} else if comp.Status == StatusDegraded {
			response.Status = StatusDegraded
		}
	}

	return response
}

// Handler provides HTTP handlers for health endpoints
type Handler struct {
	checker *Checker
}

func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// LivenessHandler serves /health.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("deep") == "true" {
		h.ReadinessHandler(w, r)
		return
	}
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, h.checker.Check(r.Context()))
}

// ReadinessHandler serves /health/ready. Degraded still accepts traffic.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	response := h.checker.DeepCheck(r.Context())

	status := http.StatusOK
	if response.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), status, response)
}
