package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/openmusicplayer/ingestd/internal/logger"
)

const slowRequestThreshold = 500 * time.Millisecond

// Timing adds a Server-Timing header and logs slow requests.
func Timing(log *logger.Logger) func(http.Handler) http.Handler {
	log = log.WithComponent("timing")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			tw := &timingResponseWriter{ResponseWriter: w, start: start, statusCode: http.StatusOK}

			next.ServeHTTP(tw, r)

			duration := time.Since(start)
			if duration > slowRequestThreshold {
				log.Warn(r.Context(), "slow request", map[string]interface{}{
					"method":      r.Method,
					"path":        r.URL.Path,
					"status":      tw.statusCode,
					"duration_ms": duration.Milliseconds(),
				})
			}
		})
	}
}

// timingResponseWriter sets Server-Timing just before the headers go out,
// since they cannot be changed afterwards.
type timingResponseWriter struct {
	http.ResponseWriter
	start       time.Time
	statusCode  int
	wroteHeader bool
}

func (w *timingResponseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.statusCode = code
	w.Header().Set("Server-Timing", formatServerTiming(time.Since(w.start)))
	w.ResponseWriter.WriteHeader(code)
}

func (w *timingResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *timingResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func formatServerTiming(d time.Duration) string {
	ms := float64(d.Nanoseconds()) / 1e6
	return "total;dur=" + strconv.FormatFloat(ms, 'f', 2, 64)
}
