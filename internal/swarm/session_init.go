package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"modelswarm/internal/domain"
	"modelswarm/internal/metrics"
)

// ensureInit adds the transfer on first use and waits a bounded time for
// metadata. ErrMetadataTimeout is not fatal: the transfer stays registered
// and the monitor picks metadata up later. Any other error leaves the
// session INVALID.
func (s *Session) ensureInit(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	s.mu.Lock()
	if s.state == domain.StateInvalid {
		err := s.invalidErrLocked()
		s.mu.Unlock()
		return err
	}
	if s.initialized {
		tr := s.transfer
		s.mu.Unlock()
		if !tr.HasMetadata() {
			return domain.ErrMetadataTimeout
		}
		s.applyMetadata()
		return nil
	}
	_ = s.transitionLocked(domain.StateResolving)
	s.mu.Unlock()

	started := time.Now()
	// A single caller giving up must not poison the session for everyone.
	initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.c.cfg.ResolveTimeout)
	defer cancel()

	params, err := s.transferParams(initCtx)
	if err != nil {
		s.invalidate(err)
		return err
	}
	tr, err := s.c.engine.AddTransfer(initCtx, params)
	if err != nil {
		err = fmt.Errorf("add transfer: %w", err)
		s.invalidate(err)
		return err
	}

	s.mu.Lock()
	if s.state == domain.StateInvalid {
		// Stopped while we were resolving.
		err := s.invalidErrLocked()
		s.mu.Unlock()
		_ = s.c.engine.Remove(tr)
		return err
	}
	s.transfer = tr
	s.initialized = true
	s.monitorDone = make(chan struct{})
	s.mu.Unlock()

	metrics.SessionInitDuration.Observe(time.Since(started).Seconds())
	s.logger.Info("transfer added",
		slog.String("infoHash", tr.InfoHash()),
		slog.String("root", params.LocalRoot),
		slog.Bool("seederMode", params.SeederMode),
	)

	// The monitor must run before the wait so a slow swarm never strands
	// queued requests.
	go s.monitor(tr)

	timer := time.NewTimer(s.c.cfg.MetadataWait)
	defer timer.Stop()
	select {
	case <-tr.MetadataReady():
		s.applyMetadata()
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	s.logger.Info("metadata not yet available, requests stay queued",
		slog.Duration("waited", s.c.cfg.MetadataWait),
	)
	return domain.ErrMetadataTimeout
}

// transferParams resolves the descriptor and picks storage and mode.
func (s *Session) transferParams(ctx context.Context) (domain.TransferParams, error) {
	s.mu.Lock()
	raw := s.seedRaw
	seeding := s.mode == domain.ModeSeed
	s.mu.Unlock()

	params := domain.TransferParams{
		LocalRoot:   s.localRoot,
		StartPaused: true,
		SeederMode:  seeding && s.c.cfg.SeederMode,
	}
	if len(raw) > 0 {
		params.Descriptor = raw
	} else {
		d, err := s.resolve(ctx)
		if err != nil {
			return domain.TransferParams{}, err
		}
		params.Locator = d.MagnetLink
	}
	params.ResumeState = s.loadResume()
	return params, nil
}

// resolve asks the tracker, retrying once with the alias revision when the
// key names a commit the tracker does not know.
func (s *Session) resolve(ctx context.Context) (domain.Descriptor, error) {
	if s.c.resolver == nil {
		return domain.Descriptor{}, domain.ErrDescriptorNotFound
	}
	d, err := s.c.resolver.Resolve(ctx, s.key)
	alias := s.c.cfg.AliasRevision
	if errors.Is(err, domain.ErrDescriptorNotFound) && s.key.IsCommitHash() && alias != "" && alias != s.key.Revision {
		s.logger.Info("commit not published, retrying with alias", slog.String("alias", alias))
		d, err = s.c.resolver.Resolve(ctx, domain.RepoKey{RepoID: s.key.RepoID, Revision: alias})
	}
	if err != nil {
		if errors.Is(err, domain.ErrDescriptorNotFound) {
			return domain.Descriptor{}, err
		}
		return domain.Descriptor{}, fmt.Errorf("resolve %s: %w", s.key, err)
	}
	if d.MagnetLink == "" {
		return domain.Descriptor{}, fmt.Errorf("%w: %s has no locator", domain.ErrDescriptorNotFound, s.key)
	}
	return d, nil
}

// loadResume is best effort; a missing or unreadable snapshot only costs a
// recheck.
func (s *Session) loadResume() []byte {
	store := s.c.resume
	if store == nil {
		return nil
	}
	state, err := store.Load(s.key)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("resume state unreadable", slog.String("error", err.Error()))
		}
		return nil
	}
	return state
}

// applyMetadata runs once, after the file table is known: every file to
// skip, queued requests linked, seeding mapped, then resume.
func (s *Session) applyMetadata() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metaApplied || s.state == domain.StateInvalid || s.transfer == nil {
		return
	}
	tr := s.transfer
	if err := tr.SetAllPriorities(domain.PrioritySkip); err != nil {
		s.logger.Warn("reset priorities failed", slog.String("error", err.Error()))
	}
	s.metaApplied = true

	files := tr.Files()
	for _, req := range s.pending {
		s.linkLocked(tr, files, req)
	}
	if s.seedWanted {
		s.mapAllLocked(tr, files)
	}
	tr.Resume()
	_ = s.transitionLocked(domain.StateActive)
	s.logger.Info("session active", slog.Int("files", len(files)))
}
