package anacrolix

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
)

var errResumeMismatch = errors.New("resume state belongs to another transfer")

// resumeState is the persisted piece completion of one transfer. The
// bitfield is MSB-first, one bit per piece.
type resumeState struct {
	InfoHash  string    `json:"infoHash"`
	NumPieces int       `json:"numPieces"`
	Bitfield  []byte    `json:"bitfield"`
	SavedAt   time.Time `json:"savedAt"`
}

func encodeResumeState(infoHash string, numPieces int, complete func(int) bool) ([]byte, error) {
	buf := make([]byte, (numPieces+7)/8)
	for i := 0; i < numPieces; i++ {
		if complete(i) {
			buf[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return json.Marshal(resumeState{
		InfoHash:  infoHash,
		NumPieces: numPieces,
		Bitfield:  buf,
		SavedAt:   time.Now().UTC(),
	})
}

// decodeResumeState returns the completed piece indexes recorded for infoHash.
func decodeResumeState(raw []byte, infoHash string) ([]int, error) {
	var st resumeState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, err
	}
	if st.InfoHash != infoHash {
		return nil, errResumeMismatch
	}
	if len(st.Bitfield) < (st.NumPieces+7)/8 {
		return nil, errors.New("truncated resume bitfield")
	}
	var pieces []int
	for i := 0; i < st.NumPieces; i++ {
		if st.Bitfield[i/8]&(1<<(7-uint(i%8))) != 0 {
			pieces = append(pieces, i)
		}
	}
	return pieces, nil
}

// restoreCompletion seeds the completion store from a snapshot. Corrupt or
// foreign snapshots are ignored; the engine rechecks from disk.
func restoreCompletion(pc storage.PieceCompletion, ih metainfo.Hash, raw []byte, logger *slog.Logger) int {
	pieces, err := decodeResumeState(raw, ih.HexString())
	if err != nil {
		logger.Warn("ignoring resume state",
			slog.String("infoHash", ih.HexString()),
			slog.String("error", err.Error()),
		)
		return 0
	}
	for _, i := range pieces {
		if err := pc.Set(metainfo.PieceKey{InfoHash: ih, Index: i}, true); err != nil {
			return 0
		}
	}
	return len(pieces)
}

func markAllComplete(pc storage.PieceCompletion, ih metainfo.Hash, numPieces int) {
	for i := 0; i < numPieces; i++ {
		_ = pc.Set(metainfo.PieceKey{InfoHash: ih, Index: i}, true)
	}
}
