package logger

import (
	"net"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/openmusicplayer/ingestd/internal/errors"
)

const traceIDHeader = "X-Trace-ID"

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	written     int64
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer, which
// the websocket upgrade needs for hijacking.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// skipLogging lists probe endpoints that would otherwise drown the log.
var skipLogging = map[string]bool{
	"/health":       true,
	"/health/ready": true,
	"/metrics":      true,
}

// LoggingMiddleware logs HTTP requests and responses
func LoggingMiddleware(log *Logger) func(http.Handler) http.Handler {
	log = log.WithComponent("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if traceID := r.Header.Get(traceIDHeader); traceID != "" {
				r = r.WithContext(WithTraceID(r.Context(), traceID))
			}

			if skipLogging[r.URL.Path] || strings.HasPrefix(r.URL.Path, "/api/v1/ws/") {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := newResponseWriter(w)

			log.Debug(r.Context(), "request started", map[string]interface{}{
				"method":     r.Method,
				"path":       r.URL.Path,
				"query":      r.URL.RawQuery,
				"remote_ip":  getClientIP(r),
				"user_agent": r.UserAgent(),
			})

			next.ServeHTTP(rw, r)

			fields := map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      rw.status,
				"duration_ms": time.Since(start).Milliseconds(),
				"bytes":       rw.written,
			}

			switch {
			case rw.status >= 500:
				log.Error(r.Context(), "request completed with server error", nil, fields)
			case rw.status >= 400:
				log.Warn(r.Context(), "request completed with client error", fields)
			default:
				log.Info(r.Context(), "request completed", fields)
			}
		})
	}
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	return r.RemoteAddr
}

// ClientIP is exported for rate limiting keyed by caller address.
func ClientIP(r *http.Request) string {
	ip := getClientIP(r)
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}

// RecoveryMiddleware recovers from panics and logs them
func RecoveryMiddleware(log *Logger) func(http.Handler) http.Handler {
	log = log.WithComponent("recovery")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error(r.Context(), "panic recovered", nil, map[string]interface{}{
						"panic":  rec,
						"path":   r.URL.Path,
						"method": r.Method,
					})

					apperrors.WriteError(w, apperrors.GetRequestID(r.Context()), apperrors.InternalError("an unexpected error occurred"))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
