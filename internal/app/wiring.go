package app

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"modelswarm/internal/domain/ports"
	"modelswarm/internal/hfcache"
	"modelswarm/internal/services/swarm/engine/anacrolix"
	"modelswarm/internal/storage/resume"
	"modelswarm/internal/swarm"
	"modelswarm/internal/tracker"
)

func NewLogger(levelRaw, formatRaw string, w io.Writer) *slog.Logger {
	options := &slog.HandlerOptions{Level: ParseLogLevel(levelRaw)}
	if strings.ToLower(strings.TrimSpace(formatRaw)) == "json" {
		return slog.New(slog.NewJSONHandler(w, options))
	}
	return slog.New(slog.NewTextHandler(w, options))
}

func ParseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Stack is the swarm side of the process: engine, tracker, caches and the
// coordinator that ties them together.
type Stack struct {
	Engine      ports.Engine // nil when the engine could not start
	Tracker     *tracker.Client
	Resolver    ports.DescriptorResolver
	Cache       ports.ArtifactCache
	Coordinator *swarm.Coordinator

	redis  *redis.Client
	logger *slog.Logger
}

// NewStack builds the stack. Engine failures are logged and leave Engine
// nil, so every swarm request falls back instead of the process exiting.
// A nil cache seeds from the hub cache.
func NewStack(ctx context.Context, cfg Config, logger *slog.Logger, cache ports.ArtifactCache) *Stack {
	s := &Stack{logger: logger, Cache: cache}

	engine, err := anacrolix.New(anacrolix.Config{
		DataDir:    cfg.DataDir,
		ListenPort: cfg.ListenPort,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("transfer engine init failed", slog.String("error", err.Error()))
	} else {
		s.Engine = engine
	}

	s.Tracker = tracker.NewClient(cfg.TrackerURL, cfg.TrackerTimeout, tracker.WithLogger(logger))
	s.Resolver = tracker.NewCachingResolver(s.Tracker, s.cacheBackend(ctx, cfg), cfg.DescriptorCacheTTL, logger)
	if s.Cache == nil {
		s.Cache = hfcache.New(cfg.HubCacheDir, hfcache.RepoTypeModel)
	}

	s.Coordinator = swarm.New(s.Engine, s.Resolver, swarm.Config{
		DownloadRoot:    cfg.DataDir,
		SeedRoot:        cfg.SeedDir,
		AliasRevision:   cfg.TrackerAliasRevision,
		ResolveTimeout:  cfg.TrackerTimeout,
		MetadataWait:    cfg.MetadataWait,
		MonitorInterval: cfg.MonitorInterval,
		ResumeInterval:  cfg.ResumeInterval,
		SeederMode:      cfg.SeederMode,
		SeedDuration:    cfg.SeedDuration,
	},
		swarm.WithArtifactCache(s.Cache),
		swarm.WithResumeStore(resume.NewFileStore(cfg.ResumeDir)),
		swarm.WithLogger(logger),
	)
	return s
}

func (s *Stack) cacheBackend(ctx context.Context, cfg Config) tracker.CacheBackend {
	if cfg.RedisURL == "" {
		return tracker.NewMemoryCacheBackend()
	}
	client, err := tracker.NewRedisClient(cfg.RedisURL)
	if err != nil {
		s.logger.Warn("redis url invalid, using memory cache", slog.String("error", err.Error()))
		return tracker.NewMemoryCacheBackend()
	}
	backend := tracker.NewRedisCacheBackend(client)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := backend.Ping(pingCtx); err != nil {
		s.logger.Warn("redis unreachable, using memory cache", slog.String("error", err.Error()))
		_ = client.Close()
		return tracker.NewMemoryCacheBackend()
	}
	s.redis = client
	return backend
}

// Close stops every session, then the engine and the cache connection.
func (s *Stack) Close() {
	n := s.Coordinator.Close()
	if n > 0 {
		s.logger.Info("sessions stopped", slog.Int("count", n))
	}
	if s.Engine != nil {
		if err := s.Engine.Close(); err != nil {
			s.logger.Warn("engine close error", slog.String("error", err.Error()))
		}
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
}
