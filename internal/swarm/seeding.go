package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"modelswarm/internal/domain"
	"modelswarm/internal/domain/ports"
)

// seed maps every file of the snapshot onto local content. Without metadata
// the mapping is left to the monitor and ErrMetadataTimeout is returned.
func (s *Session) seed(ctx context.Context, raw []byte) error {
	s.mu.Lock()
	if s.state == domain.StateInvalid {
		err := s.invalidErrLocked()
		s.mu.Unlock()
		return err
	}
	s.mode = domain.ModeSeed
	s.seedWanted = true
	if len(raw) > 0 && !s.initialized {
		s.seedRaw = raw
	}
	s.mu.Unlock()

	if err := s.ensureInit(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == domain.StateInvalid {
		return s.invalidErrLocked()
	}
	if !s.seedMapped && s.transfer != nil {
		s.mapAllLocked(s.transfer, s.transfer.Files())
	}
	return nil
}

// mapAllLocked points every file of the transfer at local content. Padding
// entries get a shared zero-filled file; files absent from the artifact
// cache stay unmapped, and files still being downloaded keep their
// destination. Caller must hold s.mu.
func (s *Session) mapAllLocked(tr ports.Transfer, files []domain.TransferFile) {
	if s.seedMapped {
		return
	}
	downloading := make(map[int]bool, len(s.pending))
	for _, req := range s.pending {
		if req.linked {
			downloading[req.index] = true
		}
	}
	mapped, missing := 0, 0
	for _, f := range files {
		if downloading[f.Index] {
			continue
		}
		target, err := s.seedTarget(f)
		if err != nil {
			missing++
			s.logger.Warn("file left unmapped",
				slog.String("file", f.Path),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := tr.RenameFile(f.Index, target); err != nil {
			missing++
			s.logger.Warn("map file failed",
				slog.String("file", f.Path),
				slog.String("target", target),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !f.IsPadding() {
			mapped++
		}
	}
	s.mappedFiles = mapped
	s.seedMapped = true
	s.checkLocalLocked(tr, missing == 0 && len(downloading) == 0)
	tr.Resume()
	s.logger.Info("seeding mapped",
		slog.Int("mapped", mapped),
		slog.Int("unmapped", missing),
		slog.Int("downloading", len(downloading)),
		slog.Int("files", len(files)),
	)
}

// checkLocalLocked makes the engine see the content just mapped. In seeder
// mode a fully mapped snapshot is trusted as is; anything else is hashed.
// Caller must hold s.mu.
func (s *Session) checkLocalLocked(tr ports.Transfer, complete bool) {
	if s.c.cfg.SeederMode && complete {
		err := tr.TrustLocal()
		if err == nil {
			return
		}
		s.logger.Warn("trusting local content failed, verifying", slog.String("error", err.Error()))
	}
	if err := tr.Verify(); err != nil {
		s.logger.Warn("verify local content failed", slog.String("error", err.Error()))
	}
}

func (s *Session) seedTarget(f domain.TransferFile) (string, error) {
	if f.IsPadding() {
		return s.paddingFile(f.Length)
	}
	if s.c.cache == nil {
		return "", fmt.Errorf("%w: no artifact cache", domain.ErrNotFound)
	}
	return s.c.cache.ResolveFile(s.key, f.RelativePath())
}

// paddingFile returns a zero-filled file of size bytes, creating it once per
// size under the seed root.
func (s *Session) paddingFile(size int64) (string, error) {
	dir := filepath.Join(s.c.cfg.SeedRoot, ".pad")
	path := filepath.Join(dir, strconv.FormatInt(size, 10))
	if destinationComplete(path, size) {
		return path, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create padding dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create padding file: %w", err)
	}
	err = f.Truncate(size)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", errors.Join(fmt.Errorf("size padding file: %w", err), os.Remove(path))
	}
	return path, nil
}
