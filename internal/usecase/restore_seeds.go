package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"modelswarm/internal/domain"
	"modelswarm/internal/domain/ports"
)

const restoreParallelism = 4

// RestoreSeeds re-registers every seeding session that was running when the
// daemon last stopped.
type RestoreSeeds struct {
	Coordinator ports.Coordinator
	Repo        ports.SessionRepository
	Logger      *slog.Logger
}

// Execute returns how many sessions were registered again. A seed whose
// metadata is still pending counts as restored.
func (uc RestoreSeeds) Execute(ctx context.Context) (int, error) {
	records, err := uc.Repo.List(ctx, domain.RecordFilter{Mode: domain.ModeSeed})
	if err != nil {
		return 0, wrapRepo(err)
	}
	logger := uc.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var restored atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(restoreParallelism)
	for _, rec := range records {
		g.Go(func() error {
			err := uc.Coordinator.RegisterSeeding(gctx, rec.Key, nil)
			if err != nil && !errors.Is(err, domain.ErrMetadataTimeout) {
				logger.Warn("restore seed failed",
					slog.String("repo", rec.Key.String()),
					slog.String("error", err.Error()))
				return nil
			}
			restored.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	n := int(restored.Load())
	if len(records) > 0 {
		logger.Info("seeding sessions restored",
			slog.Int("restored", n),
			slog.Int("total", len(records)))
	}
	return n, nil
}
