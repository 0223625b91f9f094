package ports

import (
	"context"

	"modelswarm/internal/domain"
)

// Coordinator is the part of the swarm coordinator that outer layers drive.
type Coordinator interface {
	RegisterSeeding(ctx context.Context, key domain.RepoKey, rawDescriptor []byte) error
	Stop(key domain.RepoKey) error
	StopAll() int
	Status() []domain.SessionStatus
}
