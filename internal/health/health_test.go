package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmusicplayer/ingestd/internal/jobs"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fakeQueue struct {
	counts *jobs.Counts
	err    error
}

func (q fakeQueue) Counts(context.Context) (*jobs.Counts, error) { return q.counts, q.err }

func healthyDeps(t *testing.T) *CheckerConfig {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.ExpectPing()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return &CheckerConfig{
		DB:      db,
		Redis:   client,
		Storage: pingFunc(func(context.Context) error { return nil }),
		Queue:   fakeQueue{counts: &jobs.Counts{}},
		Version: "1.0.0",
		Timeout: time.Second,
	}
}

func TestChecker_BasicHealth(t *testing.T) {
	response := NewChecker(&CheckerConfig{Version: "1.0.0"}).Check(context.Background())

	assert.Equal(t, StatusHealthy, response.Status)
	assert.Equal(t, "1.0.0", response.Version)
}

func TestChecker_DeepCheck_AllHealthy(t *testing.T) {
	checker := NewChecker(healthyDeps(t))

	response := checker.DeepCheck(context.Background())

	assert.Equal(t, StatusHealthy, response.Status)
	assert.Equal(t, []string{"database", "queue", "redis", "storage"}, checker.Components())
	for name, comp := range response.Components {
		assert.Equal(t, StatusHealthy, comp.Status, name)
	}
}

func TestChecker_DeepCheck_Failures(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*CheckerConfig)
		component string
		want      Status
		overall   Status
	}{
		{
			name: "storage down",
			mutate: func(c *CheckerConfig) {
				c.Storage = pingFunc(func(context.Context) error { return errors.New("connection refused") })
			},
			component: "storage",
			want:      StatusUnhealthy,
			overall:   StatusUnhealthy,
		},
		{
			name:      "storage not configured",
			mutate:    func(c *CheckerConfig) { c.Storage = nil },
			component: "storage",
			want:      StatusUnhealthy,
			overall:   StatusUnhealthy,
		},
		{
			name:      "redis not configured",
			mutate:    func(c *CheckerConfig) { c.Redis = nil },
			component: "redis",
			want:      StatusUnhealthy,
			overall:   StatusUnhealthy,
		},
		{
			name: "dead letters pile up",
			mutate: func(c *CheckerConfig) {
				c.DeadLetterWarn = 10
				c.Queue = fakeQueue{counts: &jobs.Counts{Dead: 12}}
			},
			component: "queue",
			want:      StatusDegraded,
			overall:   StatusDegraded,
		},
		{
			name:      "queue unavailable",
			mutate:    func(c *CheckerConfig) { c.Queue = fakeQueue{err: errors.New("redis gone")} },
			component: "queue",
			want:      StatusUnhealthy,
			overall:   StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := healthyDeps(t)
			tt.mutate(cfg)

			response := NewChecker(cfg).DeepCheck(context.Background())

			assert.Equal(t, tt.want, response.Components[tt.component].Status)
			assert.Equal(t, tt.overall, response.Status)
		})
	}
}

func TestChecker_DatabaseQueryFailureDegrades(t *testing.T) {
	cfg := healthyDeps(t)
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectPing()
	mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("permission denied"))
	cfg.DB = db

	response := NewChecker(cfg).DeepCheck(context.Background())

	assert.Equal(t, StatusDegraded, response.Components["database"].Status)
	assert.Equal(t, StatusDegraded, response.Status)
}

func TestChecker_TimeoutAppliesPerCheck(t *testing.T) {
	cfg := healthyDeps(t)
	cfg.Timeout = 20 * time.Millisecond
	checker := NewChecker(cfg)
	checker.Register("slow", func(ctx context.Context) ComponentHealth {
		<-ctx.Done()
		return ComponentHealth{Status: StatusUnhealthy, Message: "timed out"}
	})

	start := time.Now()
	response := checker.DeepCheck(context.Background())

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusUnhealthy, response.Components["slow"].Status)
}

func TestHandlers(t *testing.T) {
	cfg := healthyDeps(t)
	cfg.Storage = pingFunc(func(context.Context) error { return errors.New("down") })
	h := NewHandler(NewChecker(cfg))

	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, StatusUnhealthy, body.Status)
	assert.Equal(t, "storage check failed", body.Components["storage"].Message)
}
