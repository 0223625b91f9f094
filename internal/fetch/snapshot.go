package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"

	"modelswarm/internal/domain"
	"modelswarm/internal/hub"
)

// Lister lists the files of a snapshot.
type Lister interface {
	RepoInfo(ctx context.Context, key domain.RepoKey) (hub.RepoInfo, error)
}

// SnapshotDownloader fetches every file of a repository snapshot into a
// local directory, at most Concurrency files at a time.
type SnapshotDownloader struct {
	Lister      Lister
	Transport   Transport
	Concurrency int
	Logger      *slog.Logger
}

type SnapshotResult struct {
	// Key carries the commit the revision resolved to, when the hub reported one.
	Key    domain.RepoKey
	Dir    string
	Files  []string
	Failed []string
}

func (d SnapshotDownloader) Download(ctx context.Context, key domain.RepoKey, dir string) (SnapshotResult, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	info, err := d.Lister.RepoInfo(ctx, key)
	if err != nil {
		return SnapshotResult{}, fmt.Errorf("list %s: %w", key, err)
	}
	if info.SHA != "" {
		key.Revision = info.SHA
	}
	result := SnapshotResult{Key: key, Dir: dir}

	limit := int64(d.Concurrency)
	if limit <= 0 {
		limit = 1
	}
	sem := semaphore.NewWeighted(limit)

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, name := range info.Files {
		if !filepath.IsLocal(filepath.FromSlash(name)) {
			logger.Warn("skipping unsafe path", slog.String("file", name))
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer sem.Release(1)
			dest := filepath.Join(dir, filepath.FromSlash(name))
			err := d.Transport.Fetch(ctx, key, name, dest)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed = append(result.Failed, name)
				errs = append(errs, err)
				return
			}
			result.Files = append(result.Files, name)
		}(name)
	}
	wg.Wait()

	logger.Info("snapshot download finished",
		slog.String("repo", key.String()),
		slog.Int("files", len(result.Files)),
		slog.Int("failed", len(result.Failed)),
	)
	return result, errors.Join(errs...)
}
