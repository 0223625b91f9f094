package domain

import "time"

// SessionStatus is a point-in-time snapshot of one session.
type SessionStatus struct {
	Key            RepoKey      `json:"key"`
	Mode           SessionMode  `json:"mode"`
	State          SessionState `json:"state"`
	InfoHash       string       `json:"infoHash,omitempty"`
	Progress       float64      `json:"progress"`
	BytesCompleted int64        `json:"bytesCompleted"`
	BytesTotal     int64        `json:"bytesTotal"`
	Uploaded       int64        `json:"uploaded"`
	Peers          int          `json:"peers"`
	DownloadSpeed  int64        `json:"downloadSpeed"`
	UploadSpeed    int64        `json:"uploadSpeed"`
	PendingFiles   int          `json:"pendingFiles"`
	CompletedFiles int          `json:"completedFiles"`
	MappedFiles    int          `json:"mappedFiles,omitempty"`
	LastError      string       `json:"lastError,omitempty"`
	StartedAt      time.Time    `json:"startedAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// SessionRecord is the persisted history entry for a session.
type SessionRecord struct {
	Key            RepoKey
	Mode           SessionMode
	State          SessionState
	InfoHash       string
	BytesTotal     int64
	Uploaded       int64
	CompletedFiles int
	LastError      string
	Stopped        bool
	StartedAt      time.Time
	UpdatedAt      time.Time
}

func RecordFromStatus(st SessionStatus) SessionRecord {
	return SessionRecord{
		Key:            st.Key,
		Mode:           st.Mode,
		State:          st.State,
		InfoHash:       st.InfoHash,
		BytesTotal:     st.BytesTotal,
		Uploaded:       st.Uploaded,
		CompletedFiles: st.CompletedFiles,
		LastError:      st.LastError,
		StartedAt:      st.StartedAt,
		UpdatedAt:      st.UpdatedAt,
	}
}

type RecordFilter struct {
	Mode           SessionMode
	IncludeStopped bool
	Limit          int
}
