package swarm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"modelswarm/internal/domain"
	"modelswarm/internal/domain/ports"
)

// fileRequest tracks one filename within a session. done is closed exactly
// once, by the monitor: after the bytes are verified at destination, or with
// err set when the file turns out not to exist in the transfer.
type fileRequest struct {
	filename      string
	destination   string
	index         int
	linked        bool
	missingLogged bool
	done          chan struct{}
	err           error
}

func newFileRequest(filename, destination string) *fileRequest {
	return &fileRequest{
		filename:    filename,
		destination: destination,
		index:       -1,
		done:        make(chan struct{}),
	}
}

// downloadFile registers interest in filename and blocks until the file is
// complete at destination, the session fails, timeout elapses or ctx ends.
// A timeout leaves the request tracked; the transfer keeps fetching.
func (s *Session) downloadFile(ctx context.Context, filename, destination string, timeout time.Duration) error {
	s.mu.Lock()
	if s.state == domain.StateInvalid {
		err := s.invalidErrLocked()
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if err := s.ensureInit(ctx); err != nil && !errors.Is(err, domain.ErrMetadataTimeout) {
		return err
	}

	// The engine's pieces already sit at the earlier destination; relinking
	// would point it at an empty file it never rewrites.
	if src, size, ok := s.deliveredElsewhere(filename, destination); ok {
		return s.copyDelivered(filename, src, destination, size)
	}

	req, err := s.register(filename, destination)
	if err != nil {
		return err
	}
	if req == nil {
		return nil
	}
	return s.wait(ctx, req, timeout)
}

// register returns the request to wait on, or nil when the file was already
// delivered to the same destination.
func (s *Session) register(filename, destination string) (*fileRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == domain.StateInvalid {
		return nil, s.invalidErrLocked()
	}
	if req, ok := s.pending[filename]; ok {
		if req.destination != destination {
			s.logger.Warn("file already requested for another destination",
				slog.String("file", filename),
				slog.String("destination", req.destination),
			)
		}
		return req, nil
	}
	if dest, ok := s.delivered[filename]; ok && dest == destination && s.deliveredIntactLocked(filename, dest) {
		return nil, nil
	}

	_, redeliver := s.delivered[filename]
	req := newFileRequest(filename, destination)
	if s.metaApplied && s.transfer != nil {
		files := s.transfer.Files()
		if domain.FindFileIndex(files, filename) < 0 {
			return nil, fmt.Errorf("%w: %s in %s", domain.ErrFileNotInTransfer, filename, s.key)
		}
		if err := s.linkLocked(s.transfer, files, req); err != nil {
			return nil, err
		}
		if redeliver {
			// The earlier copy is gone; make the engine forget its pieces.
			if err := s.transfer.Verify(); err != nil {
				s.logger.Warn("verify after relink failed",
					slog.String("file", filename),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	s.pending[filename] = req
	delete(s.delivered, filename)
	s.logger.Debug("file requested",
		slog.String("file", filename),
		slog.Bool("linked", req.linked),
	)
	return req, nil
}

func (s *Session) wait(ctx context.Context, req *fileRequest, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-req.done:
		return req.err
	case <-s.invalidated:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.invalidErrLocked()
	case <-expired:
		s.logger.Info("file wait timed out, caller falls back",
			slog.String("file", req.filename),
			slog.Duration("timeout", timeout),
		)
		return fmt.Errorf("%w: %s after %s", domain.ErrDownloadTimeout, req.filename, timeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", domain.ErrDownloadTimeout, req.filename, ctx.Err())
	}
}

// linkLocked resolves the request's index, points the file's storage at the
// destination and raises it to fetch. Caller must hold s.mu.
func (s *Session) linkLocked(tr ports.Transfer, files []domain.TransferFile, req *fileRequest) error {
	if req.linked {
		return nil
	}
	if req.index < 0 {
		req.index = domain.FindFileIndex(files, req.filename)
	}
	if req.index < 0 {
		if !req.missingLogged {
			req.missingLogged = true
			s.logger.Warn("requested file not in transfer", slog.String("file", req.filename))
		}
		return fmt.Errorf("%w: %s", domain.ErrFileNotInTransfer, req.filename)
	}
	if err := tr.RenameFile(req.index, req.destination); err != nil {
		s.logger.Error("rename to destination failed",
			slog.String("file", req.filename),
			slog.String("destination", req.destination),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("rename %s: %w", req.filename, err)
	}
	if err := tr.SetFilePriority(req.index, domain.PriorityNormal); err != nil {
		s.logger.Error("raise priority failed",
			slog.String("file", req.filename),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("prioritize %s: %w", req.filename, err)
	}
	req.linked = true
	return nil
}

// deliveredIntactLocked checks that a previously delivered file is still
// whole at its destination.
func (s *Session) deliveredIntactLocked(filename, destination string) bool {
	if s.transfer == nil {
		return false
	}
	files := s.transfer.Files()
	idx := domain.FindFileIndex(files, filename)
	if idx < 0 {
		return false
	}
	return destinationComplete(destination, files[idx].Length)
}

// deliveredElsewhere reports an intact earlier delivery of filename to a
// different destination, with the file's size.
func (s *Session) deliveredElsewhere(filename, destination string) (string, int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[filename]; ok || s.transfer == nil {
		return "", 0, false
	}
	prev, ok := s.delivered[filename]
	if !ok || prev == destination {
		return "", 0, false
	}
	files := s.transfer.Files()
	idx := domain.FindFileIndex(files, filename)
	if idx < 0 || !destinationComplete(prev, files[idx].Length) {
		return "", 0, false
	}
	return prev, files[idx].Length, true
}

// copyDelivered copies an earlier delivery into place through a temp file.
// Failures are reported as timeouts so the caller falls back.
func (s *Session) copyDelivered(filename, src, destination string, size int64) error {
	err := copyFile(src, destination)
	if err == nil && !destinationComplete(destination, size) {
		err = errors.New("size mismatch after copy")
	}
	if err != nil {
		return fmt.Errorf("%w: %s: copy from %s: %w", domain.ErrDownloadTimeout, filename, src, err)
	}
	s.logger.Info("file copied from earlier delivery",
		slog.String("file", filename),
		slog.String("from", src),
		slog.String("destination", destination),
	)
	return nil
}

func copyFile(src, destination string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(destination), "."+filepath.Base(destination)+".*.part")
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(tmp, in)
	if err := errors.Join(copyErr, tmp.Close()); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), destination); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}

func destinationComplete(path string, size int64) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Size() == size
}
