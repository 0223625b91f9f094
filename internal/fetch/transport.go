// Package fetch delivers repository files through a chain of transports:
// the swarm first, the hub over HTTP when the swarm cannot serve a file.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"modelswarm/internal/domain"
	"modelswarm/internal/metrics"
)

// Transport delivers one file of a repository snapshot to destination.
type Transport interface {
	Fetch(ctx context.Context, key domain.RepoKey, filename, destination string) error
	Name() string
}

// Registrar is satisfied by the in-process coordinator and by the daemon
// API client.
type Registrar interface {
	RegisterDownload(ctx context.Context, key domain.RepoKey, filename, destination string, timeout time.Duration) error
}

type SwarmTransport struct {
	registrar Registrar
	timeout   time.Duration
}

func NewSwarmTransport(registrar Registrar, timeout time.Duration) *SwarmTransport {
	return &SwarmTransport{registrar: registrar, timeout: timeout}
}

func (t *SwarmTransport) Name() string { return "swarm" }

func (t *SwarmTransport) Fetch(ctx context.Context, key domain.RepoKey, filename, destination string) error {
	if t.registrar == nil {
		return domain.ErrEngineUnavailable
	}
	return t.registrar.RegisterDownload(ctx, key, filename, destination, t.timeout)
}

// Downloader is the hub client's direct download.
type Downloader interface {
	Download(ctx context.Context, key domain.RepoKey, filename, destination string) (int64, error)
}

type HTTPTransport struct {
	hub Downloader
}

func NewHTTPTransport(hub Downloader) *HTTPTransport {
	return &HTTPTransport{hub: hub}
}

func (t *HTTPTransport) Name() string { return "http" }

func (t *HTTPTransport) Fetch(ctx context.Context, key domain.RepoKey, filename, destination string) error {
	_, err := t.hub.Download(ctx, key, filename, destination)
	return err
}

// FallbackTransport tries primary and hands every failure to fallback.
// Ordinary misses are logged at info, session failures at error.
type FallbackTransport struct {
	primary  Transport
	fallback Transport
	logger   *slog.Logger
}

func NewFallbackTransport(primary, fallback Transport, logger *slog.Logger) *FallbackTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackTransport{primary: primary, fallback: fallback, logger: logger}
}

func (t *FallbackTransport) Name() string {
	return t.primary.Name() + "+" + t.fallback.Name()
}

func (t *FallbackTransport) Fetch(ctx context.Context, key domain.RepoKey, filename, destination string) error {
	err := t.primary.Fetch(ctx, key, filename, destination)
	if err == nil {
		metrics.FetchesTotal.WithLabelValues(t.primary.Name(), "ok").Inc()
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	attrs := []any{
		slog.String("repo", key.String()),
		slog.String("file", filename),
		slog.String("from", t.primary.Name()),
		slog.String("to", t.fallback.Name()),
		slog.String("error", err.Error()),
	}
	if domain.IsFallback(err) {
		metrics.FetchesTotal.WithLabelValues(t.primary.Name(), "fallback").Inc()
		t.logger.Info("falling back", attrs...)
	} else {
		metrics.FetchesTotal.WithLabelValues(t.primary.Name(), "fatal").Inc()
		t.logger.Error("transport failed, falling back", attrs...)
	}

	if ferr := t.fallback.Fetch(ctx, key, filename, destination); ferr != nil {
		metrics.FetchesTotal.WithLabelValues(t.fallback.Name(), "error").Inc()
		return fmt.Errorf("fetch %s: %w", filename, errors.Join(ferr, err))
	}
	metrics.FetchesTotal.WithLabelValues(t.fallback.Name(), "ok").Inc()
	return nil
}
