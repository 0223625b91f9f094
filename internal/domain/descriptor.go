package domain

// Descriptor is what the tracker knows about one published snapshot.
type Descriptor struct {
	RepoID      string `json:"repo_id"`
	Revision    string `json:"revision"`
	RepoType    string `json:"repo_type,omitempty"`
	Name        string `json:"name,omitempty"`
	InfoHash    string `json:"info_hash"`
	MagnetLink  string `json:"magnet_link"`
	TotalSize   int64  `json:"total_size,omitempty"`
	FileCount   int    `json:"file_count,omitempty"`
	PieceLength int64  `json:"piece_length,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"` // RFC 3339, compared lexically
}
