package ports

import (
	"context"

	"modelswarm/internal/domain"
)

type SessionRepository interface {
	Upsert(ctx context.Context, rec domain.SessionRecord) error
	Get(ctx context.Context, key domain.RepoKey) (domain.SessionRecord, error)
	List(ctx context.Context, filter domain.RecordFilter) ([]domain.SessionRecord, error)
	MarkStopped(ctx context.Context, key domain.RepoKey) error
	Delete(ctx context.Context, key domain.RepoKey) error
}
