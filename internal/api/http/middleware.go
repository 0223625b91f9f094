package apihttp

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"modelswarm/internal/metrics"
)

// route describes a path the daemon serves.
type route struct {
	quiet  bool // logged at debug level when successful
	exempt bool // bypasses rate limiting and metrics
}

var routes = map[string]route{
	"/api/v1/downloads": {},
	"/api/v1/seeds":     {},
	"/api/v1/stop":      {},
	"/api/v1/history":   {},
	"/api/v1/status":    {quiet: true},
	"/ws":               {},
	"/healthz":          {quiet: true, exempt: true},
	"/metrics":          {quiet: true, exempt: true},
}

const otherRoute = "/other"

func normalizeRoute(path string) string {
	if _, ok := routes[path]; ok {
		return path
	}
	return otherRoute
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Hijack lets /ws upgrades pass through the chain.
func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer cannot be hijacked")
	}
	return h.Hijack()
}

func record(w http.ResponseWriter) *statusRecorder {
	if rw, ok := w.(*statusRecorder); ok {
		return rw
	}
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := record(w)
		next.ServeHTTP(rw, r)

		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("route", normalizeRoute(r.URL.Path)),
			slog.Int("status", rw.status),
			slog.Int("bytes", rw.size),
			slog.Int64("durationMs", time.Since(start).Milliseconds()),
			slog.String("client", clientIP(r)),
		}
		if q := r.URL.RawQuery; q != "" {
			attrs = append(attrs, slog.String("query", truncate(q, 180)))
		}
		logger.LogAttrs(r.Context(), pickRequestLogLevel(r.URL.Path, rw.status), "http request", attrs...)
	})
}

func pickRequestLogLevel(path string, status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	case routes[path].quiet:
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("handler panic",
					slog.Any("panic", p),
					slog.String("route", normalizeRoute(r.URL.Path)),
					slog.String("stack", string(debug.Stack())),
				)
				writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if routes[r.URL.Path].exempt {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rw := record(w)
		next.ServeHTTP(rw, r)
		name := normalizeRoute(r.URL.Path)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, name, strconv.Itoa(rw.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, name).Observe(time.Since(start).Seconds())
	})
}

// clientIP is the peer address. The daemon is reached directly by local
// tools, so forwarding headers are not trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func truncate(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	if limit <= 3 {
		return value[:limit]
	}
	return value[:limit-3] + "..."
}

const maxTrackedClients = 1024

// clientLimiters hands out one token bucket per client address. The table
// is reset when it grows past maxTrackedClients.
type clientLimiters struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

func (l *clientLimiters) get(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[client]; ok {
		return b
	}
	if l.buckets == nil || len(l.buckets) >= maxTrackedClients {
		l.buckets = make(map[string]*rate.Limiter)
	}
	b := rate.NewLimiter(l.rps, l.burst)
	l.buckets[client] = b
	return b
}

func rateLimitMiddleware(rps float64, burst int, next http.Handler) http.Handler {
	limiters := &clientLimiters{rps: rate.Limit(rps), burst: burst}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if routes[r.URL.Path].exempt {
			next.ServeHTTP(w, r)
			return
		}
		if !limiters.get(clientIP(r)).Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
