package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"modelswarm/internal/domain"
)

type downloadRequest struct {
	RepoID         string `json:"repoId"`
	Revision       string `json:"revision,omitempty"`
	Filename       string `json:"filename"`
	Destination    string `json:"destination"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

type downloadResponse struct {
	Key         domain.RepoKey `json:"key"`
	Filename    string         `json:"filename"`
	Destination string         `json:"destination"`
}

type seedRequest struct {
	RepoID     string `json:"repoId"`
	Revision   string `json:"revision,omitempty"`
	Descriptor []byte `json:"descriptor,omitempty"` // base64 in JSON
}

type seedResponse struct {
	Key     domain.RepoKey `json:"key"`
	Pending bool           `json:"pending"`
}

type stopRequest struct {
	RepoID   string `json:"repoId,omitempty"`
	Revision string `json:"revision,omitempty"`
}

type stopResponse struct {
	Stopped int `json:"stopped"`
}

func (s *Server) handleDownloads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body downloadRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	key, err := s.parseKey(body.RepoID, body.Revision)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	filename := strings.TrimSpace(body.Filename)
	if filename == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "filename is required")
		return
	}
	dest := strings.TrimSpace(body.Destination)
	if dest == "" || !filepath.IsAbs(dest) {
		writeError(w, http.StatusBadRequest, "invalid_request", "destination must be an absolute path")
		return
	}

	timeout := s.downloadTimeout
	if body.TimeoutSeconds > 0 {
		timeout = time.Duration(body.TimeoutSeconds) * time.Second
	}
	if timeout > maxDownloadTimeout {
		timeout = maxDownloadTimeout
	}

	if err := s.coordinator.RegisterDownload(r.Context(), key, filename, filepath.Clean(dest), timeout); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, downloadResponse{Key: key, Filename: filename, Destination: filepath.Clean(dest)})
}

func (s *Server) handleSeeds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body seedRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	key, err := s.parseKey(body.RepoID, body.Revision)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	err = s.coordinator.RegisterSeeding(ctx, key, body.Descriptor)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, seedResponse{Key: key})
	case errors.Is(err, domain.ErrMetadataTimeout):
		writeJSON(w, http.StatusAccepted, seedResponse{Key: key, Pending: true})
	default:
		writeDomainError(w, err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.coordinator.Status())
}

// handleStop stops one session, or all of them when the body names none.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.stop == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "stop use case not configured")
		return
	}

	var body stopRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}

	if strings.TrimSpace(body.RepoID) == "" {
		n, err := s.stop.ExecuteAll(r.Context())
		if err != nil {
			s.logger.Warn("stop all: history not updated", slog.String("error", err.Error()))
		}
		s.feed.Stopped(stoppedEvent{All: true, N: n})
		writeJSON(w, http.StatusOK, stopResponse{Stopped: n})
		return
	}

	key, err := s.parseKey(body.RepoID, body.Revision)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.stop.Execute(r.Context(), key); err != nil {
		writeDomainError(w, err)
		return
	}
	s.feed.Stopped(stoppedEvent{Keys: []domain.RepoKey{key}, N: 1})
	writeJSON(w, http.StatusOK, stopResponse{Stopped: 1})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		writeError(w, http.StatusNotFound, "not_found", "session history not configured")
		return
	}

	q := r.URL.Query()
	filter := domain.RecordFilter{Mode: domain.SessionMode(strings.TrimSpace(q.Get("mode")))}
	if filter.Mode != "" && filter.Mode != domain.ModeDownload && filter.Mode != domain.ModeSeed {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid mode")
		return
	}
	all, err := parseBoolQuery(q.Get("all"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid all")
		return
	}
	filter.IncludeStopped = all
	limit, err := parseOptionalIntQuery(q.Get("limit"), 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return
	}
	filter.Limit = limit

	records, err := s.history.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "repository_error", err.Error())
		return
	}
	out := make([]historyEntry, 0, len(records))
	for _, rec := range records {
		out = append(out, toHistoryEntry(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) parseKey(repoID, revision string) (domain.RepoKey, error) {
	raw := strings.TrimSpace(repoID)
	if rev := strings.TrimSpace(revision); rev != "" {
		raw += "@" + rev
	}
	return domain.ParseRepoKey(raw, s.defaultRevision)
}

type historyEntry struct {
	Key            domain.RepoKey      `json:"key"`
	Mode           domain.SessionMode  `json:"mode"`
	State          domain.SessionState `json:"state"`
	InfoHash       string              `json:"infoHash,omitempty"`
	BytesTotal     int64               `json:"bytesTotal"`
	Uploaded       int64               `json:"uploaded"`
	CompletedFiles int                 `json:"completedFiles"`
	LastError      string              `json:"lastError,omitempty"`
	Stopped        bool                `json:"stopped"`
	StartedAt      time.Time           `json:"startedAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

func toHistoryEntry(rec domain.SessionRecord) historyEntry {
	return historyEntry(rec)
}
