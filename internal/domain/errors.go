package domain

import "errors"

var ErrNotFound = errors.New("not found")

var (
	// ErrEngineUnavailable means no transfer engine could be constructed.
	ErrEngineUnavailable = errors.New("transfer engine unavailable")
	// ErrDescriptorNotFound means the tracker has nothing for the key, alias included.
	ErrDescriptorNotFound = errors.New("descriptor not found")
	ErrMetadataTimeout    = errors.New("metadata not yet available")
	ErrFileNotInTransfer  = errors.New("file not in transfer")
	ErrDownloadTimeout    = errors.New("download timed out")
	// ErrTransferFatal is reported by the engine for an unrecoverable transfer error.
	ErrTransferFatal  = errors.New("transfer failed")
	ErrSessionInvalid = errors.New("session invalid")
	ErrSessionStopped = errors.New("session stopped")
	ErrInvalidRepoKey = errors.New("invalid repository key")
)

// IsFallback reports whether err is an ordinary "use another transport"
// outcome rather than a fatal session failure.
func IsFallback(err error) bool {
	return errors.Is(err, ErrDownloadTimeout) ||
		errors.Is(err, ErrMetadataTimeout) ||
		errors.Is(err, ErrFileNotInTransfer) ||
		errors.Is(err, ErrDescriptorNotFound) ||
		errors.Is(err, ErrEngineUnavailable)
}
