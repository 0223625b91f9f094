package ports

import (
	"context"

	"modelswarm/internal/domain"
)

// Engine is the narrow capability set the coordinator needs from a swarm
// transfer engine.
type Engine interface {
	AddTransfer(ctx context.Context, params domain.TransferParams) (Transfer, error)
	Remove(t Transfer) error
	Close() error
}

// Transfer is one engine-side transfer. Methods taking a file index return
// an error for an out-of-range index.
type Transfer interface {
	InfoHash() string
	// MetadataReady is closed once the file table is known.
	MetadataReady() <-chan struct{}
	HasMetadata() bool
	Files() []domain.TransferFile

	SetAllPriorities(prio domain.FilePriority) error
	SetFilePriority(index int, prio domain.FilePriority) error
	FilePriority(index int) domain.FilePriority
	FileProgress(index int) int64
	// RenameFile redirects a file's storage target to an absolute path.
	RenameFile(index int, target string) error
	// TrustLocal marks every piece complete without hashing local content.
	TrustLocal() error
	// Verify rechecks local content against piece hashes in the background.
	Verify() error

	Resume()
	Pause()
	SaveResumeState() ([]byte, error)
	// Err reports an unrecoverable transfer error, nil while healthy.
	Err() error
	Stats() domain.TransferStats
}
