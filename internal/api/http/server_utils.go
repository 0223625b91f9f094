package apihttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"modelswarm/internal/domain"
	"modelswarm/internal/usecase"
)

const maxBodyBytes = 8 << 20

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorCodes maps domain sentinels to wire codes. The client maps them back,
// so order matters only for errors wrapping more than one sentinel.
var errorCodes = []struct {
	err    error
	code   string
	status int
}{
	{domain.ErrInvalidRepoKey, "invalid_request", http.StatusBadRequest},
	{domain.ErrEngineUnavailable, "engine_unavailable", http.StatusServiceUnavailable},
	{domain.ErrDownloadTimeout, "download_timeout", http.StatusGatewayTimeout},
	{domain.ErrMetadataTimeout, "metadata_timeout", http.StatusGatewayTimeout},
	{domain.ErrFileNotInTransfer, "file_not_in_transfer", http.StatusNotFound},
	{domain.ErrDescriptorNotFound, "descriptor_not_found", http.StatusNotFound},
	{domain.ErrSessionStopped, "session_stopped", http.StatusConflict},
	{domain.ErrSessionInvalid, "session_invalid", http.StatusBadGateway},
	{domain.ErrTransferFatal, "transfer_failed", http.StatusBadGateway},
	{domain.ErrNotFound, "not_found", http.StatusNotFound},
}

func writeDomainError(w http.ResponseWriter, err error) {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			writeError(w, e.status, e.code, err.Error())
			return
		}
	}
	if errors.Is(err, usecase.ErrRepository) {
		writeError(w, http.StatusInternalServerError, "repository_error", err.Error())
		return
	}
	if errors.Is(err, usecase.ErrCoordinator) {
		writeError(w, http.StatusInternalServerError, "coordinator_error", err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
}

// errorForCode turns a wire code back into its sentinel, or nil.
func errorForCode(code string) error {
	for _, e := range errorCodes {
		if e.code == code {
			return e.err
		}
	}
	switch code {
	case "repository_error":
		return usecase.ErrRepository
	case "coordinator_error":
		return usecase.ErrCoordinator
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return false
	}
	return true
}

func parseBoolQuery(value string) (bool, error) {
	value = strings.TrimSpace(strings.ToLower(value))
	switch value {
	case "":
		return false, nil
	case "1", "true", "yes":
		return true, nil
	case "0", "false", "no":
		return false, nil
	default:
		return false, errors.New("invalid bool")
	}
}

func parseOptionalIntQuery(value string, defaultValue int) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}
