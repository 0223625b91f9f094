package swarm

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"modelswarm/internal/domain"
	"modelswarm/internal/domain/ports"
	"modelswarm/internal/metrics"
)

// stopWait bounds how long stop waits for the monitor to notice.
const stopWait = 5 * time.Second

// Session owns the single transfer of one repository snapshot.
//
// initMu serializes initialization so concurrent first callers collapse
// into one attempt. mu guards everything else and is never held while a
// caller waits for its file.
type Session struct {
	key       domain.RepoKey
	c         *Coordinator
	logger    *slog.Logger
	localRoot string
	startedAt time.Time

	initMu sync.Mutex

	mu          sync.Mutex
	state       domain.SessionState
	mode        domain.SessionMode
	transfer    ports.Transfer
	initialized bool
	metaApplied bool
	lastErr     error
	pending     map[string]*fileRequest
	delivered   map[string]string // filename -> destination
	seedRaw     []byte
	seedWanted  bool
	seedMapped  bool
	mappedFiles int
	monitorDone chan struct{}
	speed       speedSampler
	downRate    int64 // bytes/s, refreshed by the monitor
	upRate      int64

	invalidated chan struct{}
	invalidOnce sync.Once
}

func newSession(c *Coordinator, key domain.RepoKey, mode domain.SessionMode, localRoot string) *Session {
	return &Session{
		key:         key,
		c:           c,
		logger:      c.logger.With(slog.String("repo", key.String())),
		localRoot:   localRoot,
		startedAt:   time.Now().UTC(),
		state:       domain.StateUninitialized,
		mode:        mode,
		pending:     make(map[string]*fileRequest),
		delivered:   make(map[string]string),
		invalidated: make(chan struct{}),
	}
}

func (s *Session) Key() domain.RepoKey { return s.key }

func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transitionLocked applies a state change. Caller must hold s.mu.
func (s *Session) transitionLocked(to domain.SessionState) error {
	if s.state == to {
		return nil
	}
	if !domain.CanTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s for %s", domain.ErrInvalidTransition, s.state, to, s.key)
	}
	s.state = to
	return nil
}

// invalidErrLocked is what callers see once the session is INVALID.
func (s *Session) invalidErrLocked() error {
	if s.lastErr == nil {
		return domain.ErrSessionInvalid
	}
	if errors.Is(s.lastErr, domain.ErrSessionInvalid) {
		return s.lastErr
	}
	return fmt.Errorf("%w: %w", domain.ErrSessionInvalid, s.lastErr)
}

// invalidate marks the session INVALID and releases its transfer. It is the
// only way out of the live states.
func (s *Session) invalidate(cause error) {
	s.mu.Lock()
	if s.state == domain.StateInvalid {
		s.mu.Unlock()
		return
	}
	_ = s.transitionLocked(domain.StateInvalid)
	s.lastErr = cause
	tr := s.transfer
	s.transfer = nil
	s.mu.Unlock()

	s.invalidOnce.Do(func() { close(s.invalidated) })

	if tr != nil {
		if err := s.c.engine.Remove(tr); err != nil {
			s.logger.Warn("transfer removal failed", slog.String("error", err.Error()))
		}
	}

	if errors.Is(cause, domain.ErrSessionStopped) {
		s.logger.Info("session stopped")
		return
	}
	metrics.SessionFailuresTotal.Inc()
	s.logger.Error("session invalid", slog.String("error", errString(cause)))
}

// stop snapshots resume state, releases the transfer and waits briefly for
// the monitor to exit.
func (s *Session) stop() {
	s.mu.Lock()
	tr := s.transfer
	done := s.monitorDone
	s.mu.Unlock()

	if tr != nil {
		s.saveResume(tr)
	}
	s.invalidate(domain.ErrSessionStopped)

	if done != nil {
		select {
		case <-done:
		case <-time.After(stopWait):
			s.logger.Warn("monitor did not exit in time")
		}
	}
}

// Status reports a point-in-time view of the session.
func (s *Session) Status() domain.SessionStatus {
	s.mu.Lock()
	st := domain.SessionStatus{
		Key:            s.key,
		Mode:           s.mode,
		State:          s.state,
		PendingFiles:   len(s.pending),
		CompletedFiles: len(s.delivered),
		MappedFiles:    s.mappedFiles,
		StartedAt:      s.startedAt,
		UpdatedAt:      time.Now().UTC(),
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	st.DownloadSpeed, st.UploadSpeed = s.downRate, s.upRate
	tr := s.transfer
	s.mu.Unlock()

	if tr == nil {
		return st
	}
	stats := tr.Stats()
	st.InfoHash = tr.InfoHash()
	st.BytesCompleted = stats.BytesCompleted
	st.BytesTotal = stats.BytesTotal
	st.Uploaded = stats.BytesWritten
	st.Peers = stats.ActivePeers
	if stats.BytesTotal > 0 {
		st.Progress = float64(stats.BytesCompleted) / float64(stats.BytesTotal)
	}
	return st
}

// sampleSpeed refreshes the cached rates. Only the monitor calls it, so the
// sampling interval is the tick and not whoever asks for status.
func (s *Session) sampleSpeed(tr ports.Transfer, now time.Time) {
	down, up := s.speed.sample(tr.Stats(), now)
	s.mu.Lock()
	s.downRate, s.upRate = down, up
	s.mu.Unlock()
}

func (s *Session) saveResume(tr ports.Transfer) {
	store := s.c.resume
	if store == nil || tr == nil || !tr.HasMetadata() {
		return
	}
	state, err := tr.SaveResumeState()
	if err == nil {
		err = store.Save(s.key, state)
	}
	if err != nil {
		metrics.ResumeSnapshotsTotal.WithLabelValues("error").Inc()
		s.logger.Warn("resume snapshot failed", slog.String("error", err.Error()))
		return
	}
	metrics.ResumeSnapshotsTotal.WithLabelValues("ok").Inc()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type speedSampler struct {
	at           time.Time
	bytesRead    int64
	bytesWritten int64
}

// sample returns download and upload rates since the previous call.
func (sp *speedSampler) sample(stats domain.TransferStats, now time.Time) (int64, int64) {
	prevAt, prevRead, prevWritten := sp.at, sp.bytesRead, sp.bytesWritten
	sp.at, sp.bytesRead, sp.bytesWritten = now, stats.BytesRead, stats.BytesWritten

	if prevAt.IsZero() {
		return 0, 0
	}
	dt := now.Sub(prevAt).Seconds()
	if dt <= 0 {
		return 0, 0
	}
	deltaRead := stats.BytesRead - prevRead
	deltaWritten := stats.BytesWritten - prevWritten
	if deltaRead < 0 {
		deltaRead = 0
	}
	if deltaWritten < 0 {
		deltaWritten = 0
	}
	return int64(float64(deltaRead) / dt), int64(float64(deltaWritten) / dt)
}
