package usecase

import (
	"context"
	"log/slog"
	"time"

	"modelswarm/internal/domain"
	"modelswarm/internal/domain/ports"
)

// SyncSessions periodically copies live session status into the history
// repository.
type SyncSessions struct {
	Coordinator ports.Coordinator
	Repo        ports.SessionRepository
	Logger      *slog.Logger
	Interval    time.Duration
}

func (s SyncSessions) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sync(ctx)
		}
	}
}

// Sync writes one record per live session and reports how many were saved.
func (s SyncSessions) Sync(ctx context.Context) int {
	saved := 0
	for _, st := range s.Coordinator.Status() {
		if err := s.Repo.Upsert(ctx, domain.RecordFromStatus(st)); err != nil {
			s.logger().Warn("sync: upsert record failed",
				slog.String("repo", st.Key.String()),
				slog.String("error", err.Error()))
			continue
		}
		saved++
	}
	return saved
}

func (s SyncSessions) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
