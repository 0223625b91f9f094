package swarm

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"modelswarm/internal/domain"
	"modelswarm/internal/domain/ports"
	"modelswarm/internal/metrics"
)

// monitor is the session's background loop. It exits once the session is
// invalidated and closes monitorDone on the way out.
func (s *Session) monitor(tr ports.Transfer) {
	s.mu.Lock()
	done := s.monitorDone
	s.mu.Unlock()
	if done != nil {
		defer close(done)
	}

	ticker := time.NewTicker(s.c.cfg.MonitorInterval)
	defer ticker.Stop()
	snapshots := rate.NewLimiter(rate.Every(s.c.cfg.ResumeInterval), 1)

	for {
		select {
		case <-s.invalidated:
			return
		case <-ticker.C:
		}
		if !s.tick(tr, snapshots) {
			return
		}
	}
}

// tick runs one monitor pass and reports whether the loop should continue.
func (s *Session) tick(tr ports.Transfer, snapshots *rate.Limiter) bool {
	if err := tr.Err(); err != nil {
		s.invalidate(err)
		return false
	}
	s.sampleSpeed(tr, time.Now())
	if !tr.HasMetadata() {
		return true
	}
	s.applyMetadata()

	if snapshots.Allow() {
		s.saveResume(tr)
	}

	completed, failed := s.collectCompleted(tr)
	if len(completed) > 0 {
		s.saveResume(tr)
	}
	for _, req := range completed {
		close(req.done)
	}
	for _, req := range failed {
		close(req.done)
	}
	return true
}

// collectCompleted performs deferred links and moves every verified request
// from pending to delivered. Requests for files the transfer does not carry
// are dropped with their error set. The returned requests still need their
// signal.
func (s *Session) collectCompleted(tr ports.Transfer) (completed, failed []*fileRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == domain.StateInvalid || !s.metaApplied {
		return nil, nil
	}

	files := tr.Files()
	for name, req := range s.pending {
		if !req.linked || tr.FilePriority(req.index) == domain.PrioritySkip {
			req.linked = false
			err := s.linkLocked(tr, files, req)
			if errors.Is(err, domain.ErrFileNotInTransfer) && len(files) > 0 {
				delete(s.pending, name)
				req.err = fmt.Errorf("%w: %s in %s", domain.ErrFileNotInTransfer, name, s.key)
				failed = append(failed, req)
				continue
			}
			if err != nil {
				continue
			}
		}
		if req.index >= len(files) {
			continue
		}
		size := files[req.index].Length
		if size <= 0 || tr.FileProgress(req.index) != size {
			continue
		}
		if !destinationComplete(req.destination, size) {
			continue
		}
		if err := tr.SetFilePriority(req.index, domain.PrioritySkip); err != nil {
			s.logger.Warn("lower priority failed",
				slog.String("file", name),
				slog.String("error", err.Error()),
			)
		}
		delete(s.pending, name)
		s.delivered[name] = req.destination
		completed = append(completed, req)
		metrics.FilesCompletedTotal.Inc()
		s.logger.Info("file complete",
			slog.String("file", name),
			slog.String("destination", req.destination),
			slog.Int64("size", size),
		)
	}
	return completed, failed
}
