package ports

import (
	"context"

	"modelswarm/internal/domain"
)

// DescriptorResolver maps a repository snapshot to its published descriptor.
// It returns domain.ErrDescriptorNotFound when nothing is published.
type DescriptorResolver interface {
	Resolve(ctx context.Context, key domain.RepoKey) (domain.Descriptor, error)
}

type DescriptorPublisher interface {
	Publish(ctx context.Context, d domain.Descriptor) error
}
