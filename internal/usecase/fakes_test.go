package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"modelswarm/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCoordinator struct {
	mu        sync.Mutex
	statuses  []domain.SessionStatus
	seedErr   map[domain.RepoKey]error
	seeded    []domain.RepoKey
	stopped   []domain.RepoKey
	stopErr   error
	stopCalls int
}

func (f *fakeCoordinator) RegisterSeeding(ctx context.Context, key domain.RepoKey, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeded = append(f.seeded, key)
	return f.seedErr[key]
}

func (f *fakeCoordinator) Stop(key domain.RepoKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	if f.stopErr != nil {
		return f.stopErr
	}
	for i, st := range f.statuses {
		if st.Key == key {
			f.statuses = append(f.statuses[:i], f.statuses[i+1:]...)
			f.stopped = append(f.stopped, key)
			return nil
		}
	}
	return fmt.Errorf("%w: session %s", domain.ErrNotFound, key)
}

func (f *fakeCoordinator) StopAll() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.statuses)
	f.statuses = nil
	return n
}

func (f *fakeCoordinator) Status() []domain.SessionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.SessionStatus(nil), f.statuses...)
}

type fakeRepo struct {
	mu        sync.Mutex
	records   map[domain.RepoKey]domain.SessionRecord
	upsertErr error
	listErr   error
}

func newFakeRepo(records ...domain.SessionRecord) *fakeRepo {
	r := &fakeRepo{records: make(map[domain.RepoKey]domain.SessionRecord)}
	for _, rec := range records {
		r.records[rec.Key] = rec
	}
	return r
}

func (r *fakeRepo) Upsert(ctx context.Context, rec domain.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.upsertErr != nil {
		return r.upsertErr
	}
	r.records[rec.Key] = rec
	return nil
}

func (r *fakeRepo) Get(ctx context.Context, key domain.RepoKey) (domain.SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok {
		return domain.SessionRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (r *fakeRepo) List(ctx context.Context, filter domain.RecordFilter) ([]domain.SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []domain.SessionRecord
	for _, rec := range r.records {
		if filter.Mode != "" && rec.Mode != filter.Mode {
			continue
		}
		if rec.Stopped && !filter.IncludeStopped {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *fakeRepo) MarkStopped(ctx context.Context, key domain.RepoKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok {
		return domain.ErrNotFound
	}
	rec.Stopped = true
	r.records[key] = rec
	return nil
}

func (r *fakeRepo) Delete(ctx context.Context, key domain.RepoKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, key)
	return nil
}

func (r *fakeRepo) get(key domain.RepoKey) (domain.SessionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	return rec, ok
}
