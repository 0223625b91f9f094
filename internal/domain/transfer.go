package domain

// TransferParams is everything the engine needs to add one transfer.
// Exactly one of Locator and Descriptor is set.
type TransferParams struct {
	Locator     string // magnet link
	Descriptor  []byte // raw bencoded descriptor
	LocalRoot   string
	StartPaused bool
	SeederMode  bool
	ResumeState []byte
}

type TransferStats struct {
	BytesCompleted int64
	BytesTotal     int64
	BytesRead      int64
	BytesWritten   int64
	ActivePeers    int
	TotalPeers     int
}
