// ABOUTME: HTTP request logging middleware.
// ABOUTME: Captures method, path, status and duration, logs them and stores them in the database.

package logging

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/2389/stromwissen/internal/auth"
	"github.com/2389/stromwissen/internal/metrics"
	"github.com/2389/stromwissen/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const maxErrorBodySize = 512 // bytes of a 5xx body kept as the log's error

// RequestIDHeader carries the request id back to the client.
const RequestIDHeader = "X-Request-ID"

// RequestRecorder persists request logs.
type RequestRecorder interface {
	LogRequest(ctx context.Context, log *store.RequestLog) error
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
	body       *bytes.Buffer
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	if rw.statusCode >= 500 && rw.body.Len() < maxErrorBodySize {
		toCopy := len(b)
		if rw.body.Len()+toCopy > maxErrorBodySize {
			toCopy = maxErrorBodySize - rw.body.Len()
		}
		rw.body.Write(b[:toCopy])
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for streaming upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

// Middleware logs every request and records it through rec. rec and
// collector may be nil.
func Middleware(rec RequestRecorder, logger zerolog.Logger, collector *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)

			reqLogger := logger.With().Str("request_id", requestID).Logger()
			r = r.WithContext(WithLogger(r.Context(), reqLogger))

			// Health checks and scrapes are too frequent to be worth a row each.
			if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
				body:           &bytes.Buffer{},
			}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			collector.ObserveRequest(r.Method, wrapped.statusCode, duration)

			entry := &store.RequestLog{
				Timestamp:  start,
				RequestID:  requestID,
				PluginName: GetPluginFromPath(r.URL.Path),
				Method:     r.Method,
				Path:       r.URL.Path,
				StatusCode: wrapped.statusCode,
				DurationMs: int(duration.Milliseconds()),
				UserID:     auth.UserFromContext(r.Context()),
				IPAddress:  clientIP(r),
				UserAgent:  r.Header.Get("User-Agent"),
				Error:      strings.TrimSpace(wrapped.body.String()),
			}

			event := reqLogger.Info()
			if wrapped.statusCode >= 500 {
				event = reqLogger.Error()
			}
			event.
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("plugin", entry.PluginName).
				Int("status", entry.StatusCode).
				Dur("duration", duration).
				Msg("request")

			if rec == nil {
				return
			}
			// The request context may already be canceled by now.
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := rec.LogRequest(ctx, entry); err != nil {
				reqLogger.Warn().Err(err).Msg("failed to store request log")
			}
		})
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(ip)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
