package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"

	apihttp "modelswarm/internal/api/http"
	"modelswarm/internal/app"
	"modelswarm/internal/domain/ports"
	"modelswarm/internal/metrics"
	mongorepo "modelswarm/internal/repository/mongo"
	"modelswarm/internal/telemetry"
	"modelswarm/internal/usecase"
)

var version = "dev"

func main() {
	cfg := app.LoadConfig()
	logger := app.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "modelswarm-daemon", version)
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "modelswarm-daemon"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("trackerUrl", cfg.TrackerURL),
		slog.String("dataDir", cfg.DataDir),
		slog.String("seedDir", cfg.SeedDir),
		slog.String("hubCache", cfg.HubCacheDir),
		slog.Int("listenPort", cfg.ListenPort),
		slog.Bool("seederMode", cfg.SeederMode),
		slog.Duration("seedDuration", cfg.SeedDuration),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack := app.NewStack(rootCtx, cfg, logger, nil)
	go stack.Coordinator.RunReaper(rootCtx)

	stopUC := usecase.StopSession{Coordinator: stack.Coordinator, Now: time.Now}
	options := []apihttp.ServerOption{
		apihttp.WithLogger(logger),
		apihttp.WithDownloadTimeout(cfg.DownloadTimeout),
	}

	mongoClient, repo := connectHistory(rootCtx, cfg, logger)
	if repo != nil {
		stopUC.Repo = repo
		options = append(options, apihttp.WithHistory(repo))

		syncUC := usecase.SyncSessions{Coordinator: stack.Coordinator, Repo: repo, Logger: logger}
		go syncUC.Run(rootCtx)

		// Restore in the background so the API is up immediately.
		go func() {
			restoreUC := usecase.RestoreSeeds{Coordinator: stack.Coordinator, Repo: repo, Logger: logger}
			n, err := restoreUC.Execute(rootCtx)
			if err != nil {
				logger.Warn("restore seeds failed", slog.String("error", err.Error()))
			}
			if n > 0 {
				logger.Info("seeding sessions restored", slog.Int("count", n))
			}
		}()
	}
	options = append(options, apihttp.WithStopSession(stopUC))

	handler := apihttp.NewServer(stack.Coordinator, options...)
	go updateSessionMetrics(rootCtx, stack.Coordinator, handler)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0, // downloads block up to their own timeout
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	handler.Close()
	// Stopping sessions first releases handlers blocked on downloads.
	if repo != nil {
		usecase.SyncSessions{Coordinator: stack.Coordinator, Repo: repo, Logger: logger}.Sync(shutdownCtx)
	}
	stack.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	if mongoClient != nil {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
		}
	}

	logger.Info("server stopped")
}

// connectHistory opens the session history store. Without MONGO_URI, or when
// Mongo is unreachable, the daemon runs without history.
func connectHistory(ctx context.Context, cfg app.Config, logger *slog.Logger) (*mongo.Client, *mongorepo.Repository) {
	if cfg.MongoURI == "" {
		logger.Info("session history disabled")
		return nil, nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongorepo.Connect(connectCtx, cfg.MongoURI, options.Client().SetMonitor(otelmongo.NewMonitor()))
	if err != nil {
		logger.Warn("mongo connect failed, history disabled", slog.String("error", err.Error()))
		return nil, nil
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		logger.Warn("mongo ping failed, history disabled", slog.String("error", err.Error()))
		_ = client.Disconnect(context.Background())
		return nil, nil
	}
	repo := mongorepo.NewRepository(client, cfg.MongoDatabase, cfg.MongoCollection)
	if err := repo.EnsureIndexes(connectCtx); err != nil {
		logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
	}
	return client, repo
}

func updateSessionMetrics(ctx context.Context, coordinator ports.Coordinator, handler *apihttp.Server) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var down, up int64
			var peers int
			for _, st := range coordinator.Status() {
				down += st.DownloadSpeed
				up += st.UploadSpeed
				peers += st.Peers
			}
			metrics.DownloadSpeedBytes.Set(float64(down))
			metrics.UploadSpeedBytes.Set(float64(up))
			metrics.PeersConnected.Set(float64(peers))
			handler.BroadcastStatus()
		}
	}
}
