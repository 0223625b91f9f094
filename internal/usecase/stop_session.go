package usecase

import (
	"context"
	"errors"
	"time"

	"modelswarm/internal/domain"
	"modelswarm/internal/domain/ports"
)

// StopSession stops live sessions and marks their history stopped so they
// are not restored. Repo may be nil.
type StopSession struct {
	Coordinator ports.Coordinator
	Repo        ports.SessionRepository
	Now         func() time.Time
}

func (uc StopSession) Execute(ctx context.Context, key domain.RepoKey) error {
	live, ok := uc.statusOf(key)

	stopErr := uc.Coordinator.Stop(key)
	if stopErr != nil && !errors.Is(stopErr, domain.ErrNotFound) {
		return wrapCoordinator(stopErr)
	}
	if uc.Repo == nil {
		return stopErr
	}

	err := uc.markStopped(ctx, key, live, ok)
	if errors.Is(err, domain.ErrNotFound) {
		// Neither live nor recorded.
		if stopErr != nil {
			return stopErr
		}
		return nil
	}
	return wrapRepo(err)
}

// ExecuteAll stops every live session and reports how many there were.
func (uc StopSession) ExecuteAll(ctx context.Context) (int, error) {
	statuses := uc.Coordinator.Status()
	n := uc.Coordinator.StopAll()
	if uc.Repo == nil {
		return n, nil
	}
	var errs []error
	for _, st := range statuses {
		if err := uc.markStopped(ctx, st.Key, st, true); err != nil {
			errs = append(errs, err)
		}
	}
	return n, wrapRepo(errors.Join(errs...))
}

func (uc StopSession) markStopped(ctx context.Context, key domain.RepoKey, live domain.SessionStatus, hasLive bool) error {
	if !hasLive {
		return uc.Repo.MarkStopped(ctx, key)
	}
	rec := domain.RecordFromStatus(live)
	rec.Stopped = true
	rec.UpdatedAt = uc.now()
	return uc.Repo.Upsert(ctx, rec)
}

func (uc StopSession) statusOf(key domain.RepoKey) (domain.SessionStatus, bool) {
	for _, st := range uc.Coordinator.Status() {
		if st.Key == key {
			return st, true
		}
	}
	return domain.SessionStatus{}, false
}

func (uc StopSession) now() time.Time {
	if uc.Now != nil {
		return uc.Now()
	}
	return time.Now().UTC()
}
