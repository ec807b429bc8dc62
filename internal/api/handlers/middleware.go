package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"golang.org/x/time/rate"

	"github.com/depotd/depot/internal/util/logging"
)

// middleware wraps the route tables in the serving chain. Request IDs
// are assigned outermost so every later stage, including the access
// log and panic recovery, can tag its output with one.
func (h *Handler) middleware(next http.Handler) http.Handler {
	next = h.rateLimitMiddleware(next)
	next = h.inFlightMiddleware(next)
	next = h.recoverMiddleware(next)
	next = h.loggingMiddleware(next)
	next = echoRequestID(next)
	next = middleware.RealIP(next)
	next = middleware.RequestID(next)
	return next
}

// echoRequestID reflects the assigned request ID back to the client.
func echoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set("X-Request-ID", id)
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each request.
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logging.LogRequest(h.logger, r.Context(), r.Method, r.URL.Path, rw.status, rw.written, time.Since(start))
	})
}

// recoverMiddleware converts a panicking handler into a logged generic
// 500, so one failing request never takes down the server process.
func (h *Handler) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				h.logger.Error().
					Interface("panic", v).
					Str("request_id", logging.RequestID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Msg("handler panicked")
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// inFlightMiddleware bounds concurrently served requests with a
// semaphore; requests beyond the bound are refused, not queued.
func (h *Handler) inFlightMiddleware(next http.Handler) http.Handler {
	if h.opts.MaxInFlight <= 0 {
		return next
	}
	sem := make(chan struct{}, h.opts.MaxInFlight)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			next.ServeHTTP(w, r)
		default:
			writeError(w, http.StatusServiceUnavailable, "server is saturated, retry later")
		}
	})
}

// rateLimitMiddleware applies a token bucket to mutating requests.
// Reads are never limited.
func (h *Handler) rateLimitMiddleware(next http.Handler) http.Handler {
	if h.opts.PublishRate <= 0 {
		return next
	}
	burst := h.opts.PublishBurst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(h.opts.PublishRate), burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			next.ServeHTTP(w, r)
			return
		}
		if !limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded, retry later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}
