package apihttp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"modelswarm/internal/domain"
)

// Coordinator is what the daemon API drives.
type Coordinator interface {
	RegisterDownload(ctx context.Context, key domain.RepoKey, filename, destination string, timeout time.Duration) error
	RegisterSeeding(ctx context.Context, key domain.RepoKey, rawDescriptor []byte) error
	Status() []domain.SessionStatus
}

type StopSessionUseCase interface {
	Execute(ctx context.Context, key domain.RepoKey) error
	ExecuteAll(ctx context.Context) (int, error)
}

type HistoryStore interface {
	List(ctx context.Context, filter domain.RecordFilter) ([]domain.SessionRecord, error)
}

const maxDownloadTimeout = time.Hour

type Server struct {
	coordinator     Coordinator
	stop            StopSessionUseCase
	history         HistoryStore
	downloadTimeout time.Duration
	defaultRevision string
	logger          *slog.Logger
	handler         http.Handler
	feed            *statusFeed
}

type ServerOption func(*Server)

func WithStopSession(uc StopSessionUseCase) ServerOption {
	return func(s *Server) {
		s.stop = uc
	}
}

func WithHistory(store HistoryStore) ServerOption {
	return func(s *Server) {
		s.history = store
	}
}

// WithDownloadTimeout sets the wait used when a request names none.
func WithDownloadTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.downloadTimeout = d
	}
}

func WithDefaultRevision(rev string) ServerOption {
	return func(s *Server) {
		s.defaultRevision = rev
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(coordinator Coordinator, opts ...ServerOption) *Server {
	s := &Server{
		coordinator:     coordinator,
		downloadTimeout: 300 * time.Second,
		defaultRevision: "main",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.feed = newStatusFeed(s.logger)
	go s.feed.run()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/downloads", s.handleDownloads)
	mux.HandleFunc("/api/v1/seeds", s.handleSeeds)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/stop", s.handleStop)
	mux.HandleFunc("/api/v1/history", s.handleHistory)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleStatusStream)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "modelswarm",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/healthz"
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(100, 200, metricsMiddleware(traced)))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	if err := s.feed.subscribe(w, r); err != nil {
		s.logger.Warn("status stream upgrade failed", slog.String("error", err.Error()))
	}
}

// BroadcastStatus pushes the current session snapshot to every /ws
// subscriber. Unchanged snapshots are not resent.
func (s *Server) BroadcastStatus() {
	if s.coordinator == nil {
		return
	}
	s.feed.Snapshot(s.coordinator.Status())
}

// Close disconnects all /ws subscribers. It is safe to call more than once.
func (s *Server) Close() {
	s.feed.Close()
}
