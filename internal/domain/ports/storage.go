package ports

import "modelswarm/internal/domain"

// ArtifactCache locates already-present files of a repository snapshot.
type ArtifactCache interface {
	// ResolveFile returns the absolute path of filename, or domain.ErrNotFound.
	ResolveFile(key domain.RepoKey, filename string) (string, error)
}

// ResumeStore persists opaque engine resume state per key.
type ResumeStore interface {
	Load(key domain.RepoKey) ([]byte, error)
	Save(key domain.RepoKey, state []byte) error
	Delete(key domain.RepoKey) error
}
