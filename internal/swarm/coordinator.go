// Package swarm multiplexes per-file download requests onto one shared
// transfer per repository snapshot.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"modelswarm/internal/domain"
	"modelswarm/internal/domain/ports"
	"modelswarm/internal/metrics"
	"modelswarm/internal/telemetry"
)

type Config struct {
	DownloadRoot    string // per-session storage for on-demand downloads
	SeedRoot        string // per-session storage for seeding
	AliasRevision   string // retried when a commit hash is unknown to the tracker
	ResolveTimeout  time.Duration
	MetadataWait    time.Duration
	MonitorInterval time.Duration
	ResumeInterval  time.Duration
	SeederMode      bool
	SeedDuration    time.Duration // 0 = seed until stopped
}

func (c Config) withDefaults() Config {
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = 30 * time.Second
	}
	if c.MetadataWait <= 0 {
		c.MetadataWait = 5 * time.Second
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = time.Second
	}
	if c.ResumeInterval <= 0 {
		c.ResumeInterval = 5 * time.Second
	}
	return c
}

type Option func(*Coordinator)

func WithArtifactCache(cache ports.ArtifactCache) Option {
	return func(c *Coordinator) { c.cache = cache }
}

func WithResumeStore(store ports.ResumeStore) Option {
	return func(c *Coordinator) { c.resume = store }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Coordinator owns the registry of sessions. The map is only touched under
// mu, which is never held across a session call.
type Coordinator struct {
	engine   ports.Engine
	resolver ports.DescriptorResolver
	cache    ports.ArtifactCache
	resume   ports.ResumeStore
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[domain.RepoKey]*Session
	closed   bool
}

// New builds a coordinator. A nil engine makes every registration fail with
// domain.ErrEngineUnavailable.
func New(engine ports.Engine, resolver ports.DescriptorResolver, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		engine:   engine,
		resolver: resolver,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
		sessions: make(map[domain.RepoKey]*Session),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterDownload fetches one file of key into destination, blocking until
// it is complete or timeout elapses. A nil error means the file is in place;
// any error means the caller should use another transport.
func (c *Coordinator) RegisterDownload(ctx context.Context, key domain.RepoKey, filename, destination string, timeout time.Duration) (err error) {
	ctx, span := startSpan(ctx, "swarm.RegisterDownload", key, attribute.String("swarm.file", filename))
	defer func() { endSpan(span, err) }()

	if c.engine == nil {
		recordOutcome("download", domain.ErrEngineUnavailable)
		return domain.ErrEngineUnavailable
	}
	s, err := c.lookupOrCreate(key, domain.ModeDownload)
	if err != nil {
		return err
	}
	err = s.downloadFile(ctx, filename, destination, timeout)
	recordOutcome("download", err)
	return err
}

// RegisterSeeding maps every file of the snapshot to local content and
// starts uploading. rawDescriptor may be nil, in which case the tracker's
// locator is used and mapping waits for metadata.
func (c *Coordinator) RegisterSeeding(ctx context.Context, key domain.RepoKey, rawDescriptor []byte) (err error) {
	ctx, span := startSpan(ctx, "swarm.RegisterSeeding", key, attribute.Bool("swarm.raw_descriptor", len(rawDescriptor) > 0))
	defer func() { endSpan(span, err) }()

	if c.engine == nil {
		recordOutcome("seed", domain.ErrEngineUnavailable)
		return domain.ErrEngineUnavailable
	}
	s, err := c.lookupOrCreate(key, domain.ModeSeed)
	if err != nil {
		return err
	}
	err = s.seed(ctx, rawDescriptor)
	recordOutcome("seed", err)
	return err
}

func startSpan(ctx context.Context, name string, key domain.RepoKey, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("swarm.repo_id", key.RepoID),
		attribute.String("swarm.revision", key.Revision),
	)
	return telemetry.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan marks fallbacks as span events and everything else as errors.
func endSpan(span trace.Span, err error) {
	switch {
	case err == nil:
	case domain.IsFallback(err):
		span.AddEvent("fallback", trace.WithAttributes(attribute.String("reason", err.Error())))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (c *Coordinator) lookupOrCreate(key domain.RepoKey, mode domain.SessionMode) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, domain.ErrSessionStopped
	}
	if s, ok := c.sessions[key]; ok {
		return s, nil
	}
	root := c.cfg.DownloadRoot
	if mode == domain.ModeSeed {
		root = c.cfg.SeedRoot
	}
	s := newSession(c, key, mode, filepath.Join(root, key.FileName()))
	c.sessions[key] = s
	metrics.ActiveSessions.Set(float64(len(c.sessions)))
	c.logger.Debug("session created",
		slog.String("repo", key.String()),
		slog.String("mode", string(mode)),
	)
	return s, nil
}

// Lookup returns the registered session for key.
func (c *Coordinator) Lookup(key domain.RepoKey) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[key]
	return s, ok
}

// Stop releases one session. The next registration for key starts fresh.
func (c *Coordinator) Stop(key domain.RepoKey) error {
	c.mu.Lock()
	s, ok := c.sessions[key]
	if ok {
		delete(c.sessions, key)
		metrics.ActiveSessions.Set(float64(len(c.sessions)))
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: session %s", domain.ErrNotFound, key)
	}
	s.stop()
	return nil
}

// StopAll releases every session and reports how many there were.
func (c *Coordinator) StopAll() int {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[domain.RepoKey]*Session)
	metrics.ActiveSessions.Set(0)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.stop()
		}(s)
	}
	wg.Wait()
	return len(sessions)
}

// Status snapshots every session, ordered by key.
func (c *Coordinator) Status() []domain.SessionStatus {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	out := make([]domain.SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Close stops everything and refuses new registrations.
func (c *Coordinator) Close() int {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.StopAll()
}

// RunReaper stops seeding sessions older than SeedDuration until ctx ends.
func (c *Coordinator) RunReaper(ctx context.Context) {
	if c.cfg.SeedDuration <= 0 {
		return
	}
	interval := c.cfg.SeedDuration / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reapSeeds(time.Now())
		}
	}
}

func (c *Coordinator) reapSeeds(now time.Time) int {
	var expired []domain.RepoKey
	for _, st := range c.Status() {
		if st.Mode == domain.ModeSeed && now.Sub(st.StartedAt) > c.cfg.SeedDuration {
			expired = append(expired, st.Key)
		}
	}
	for _, key := range expired {
		c.logger.Info("seed duration elapsed",
			slog.String("repo", key.String()),
			slog.Duration("seedDuration", c.cfg.SeedDuration),
		)
		_ = c.Stop(key)
	}
	return len(expired)
}

func recordOutcome(kind string, err error) {
	switch {
	case err == nil:
		metrics.RegistrationsTotal.WithLabelValues(kind, "p2p").Inc()
	case domain.IsFallback(err):
		metrics.RegistrationsTotal.WithLabelValues(kind, "fallback").Inc()
		metrics.FallbacksTotal.WithLabelValues(fallbackReason(err)).Inc()
	default:
		metrics.RegistrationsTotal.WithLabelValues(kind, "fatal").Inc()
	}
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrDownloadTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrMetadataTimeout):
		return "metadata"
	case errors.Is(err, domain.ErrFileNotInTransfer):
		return "file_missing"
	case errors.Is(err, domain.ErrDescriptorNotFound):
		return "not_published"
	case errors.Is(err, domain.ErrEngineUnavailable):
		return "engine"
	default:
		return "other"
	}
}
