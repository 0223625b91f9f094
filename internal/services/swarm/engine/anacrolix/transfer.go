package anacrolix

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"sync"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"

	"modelswarm/internal/domain"
	"modelswarm/internal/domain/ports"
)

// Transfer wraps one *torrent.Torrent with its private file storage.
type Transfer struct {
	engine     *Engine
	t          *torrent.Torrent
	store      storage.ClientImplCloser
	completion storage.PieceCompletion
	root       string
	ih         metainfo.Hash
	infoHash   string
	seeder     bool

	refs int // guarded by engine.mu

	mu         sync.Mutex
	priorities map[int]domain.FilePriority
	removed    bool
}

var _ ports.Transfer = (*Transfer)(nil)

func (tr *Transfer) InfoHash() string { return tr.infoHash }

func (tr *Transfer) MetadataReady() <-chan struct{} {
	return tr.t.GotInfo()
}

func (tr *Transfer) HasMetadata() bool {
	return torrentInfoReady(tr.t)
}

func (tr *Transfer) Files() []domain.TransferFile {
	return mapFiles(tr.t)
}

func (tr *Transfer) SetAllPriorities(prio domain.FilePriority) error {
	files, err := tr.files()
	if err != nil {
		return err
	}
	target := mapPriority(prio)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.priorities == nil {
		tr.priorities = make(map[int]domain.FilePriority, len(files))
	}
	for i, f := range files {
		f.SetPriority(target)
		tr.priorities[i] = prio
	}
	return nil
}

func (tr *Transfer) SetFilePriority(index int, prio domain.FilePriority) error {
	f, err := tr.file(index)
	if err != nil {
		return err
	}
	f.SetPriority(mapPriority(prio))
	tr.mu.Lock()
	if tr.priorities == nil {
		tr.priorities = make(map[int]domain.FilePriority)
	}
	tr.priorities[index] = prio
	tr.mu.Unlock()
	return nil
}

// FilePriority reports the last priority set through this adapter. Files
// never touched report skip, matching the state right after metadata.
func (tr *Transfer) FilePriority(index int) domain.FilePriority {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.priorities[index]
}

func (tr *Transfer) FileProgress(index int) int64 {
	f, err := tr.file(index)
	if err != nil {
		return 0
	}
	return f.BytesCompleted()
}

func (tr *Transfer) RenameFile(index int, target string) error {
	f, err := tr.file(index)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return err
	}
	return linkStorageTarget(tr.storagePath(f), abs)
}

// TrustLocal writes completion for every piece and refreshes the torrent's
// cached piece state so the pieces are advertised at once.
func (tr *Transfer) TrustLocal() error {
	if !tr.HasMetadata() {
		return domain.ErrMetadataTimeout
	}
	n := tr.t.NumPieces()
	markAllComplete(tr.completion, tr.ih, n)
	for i := 0; i < n; i++ {
		tr.t.Piece(i).UpdateCompletion()
	}
	tr.engine.logger.Info("local content trusted",
		slog.String("infoHash", tr.infoHash),
		slog.Int("pieces", n),
	)
	return nil
}

func (tr *Transfer) Verify() error {
	if !tr.HasMetadata() {
		return domain.ErrMetadataTimeout
	}
	go tr.t.VerifyData()
	return nil
}

func (tr *Transfer) storagePath(f *torrent.File) string {
	return filepath.Join(tr.root, filepath.FromSlash(f.Path()))
}

func (tr *Transfer) Resume() { resume(tr.t) }

func (tr *Transfer) Pause() { hardPause(tr.t) }

func (tr *Transfer) SaveResumeState() ([]byte, error) {
	if !tr.HasMetadata() {
		return nil, domain.ErrMetadataTimeout
	}
	return encodeResumeState(tr.infoHash, tr.t.NumPieces(), func(i int) bool {
		return tr.t.PieceState(i).Complete
	})
}

// Err reports ErrTransferFatal once the torrent closed without us removing it.
func (tr *Transfer) Err() error {
	select {
	case <-tr.t.Closed():
	default:
		return nil
	}
	tr.mu.Lock()
	removed := tr.removed
	tr.mu.Unlock()
	if removed {
		return nil
	}
	return fmt.Errorf("%w: torrent %s closed", domain.ErrTransferFatal, tr.infoHash)
}

func (tr *Transfer) Stats() domain.TransferStats {
	stats := tr.t.Stats()
	out := domain.TransferStats{
		BytesRead:    stats.BytesReadUsefulData.Int64(),
		BytesWritten: stats.BytesWrittenData.Int64(),
		ActivePeers:  stats.ActivePeers,
		TotalPeers:   stats.TotalPeers,
	}
	if tr.HasMetadata() {
		out.BytesTotal = tr.t.Length()
		out.BytesCompleted = tr.t.BytesCompleted()
	}
	return out
}

func (tr *Transfer) markRemoved() {
	tr.mu.Lock()
	tr.removed = true
	tr.mu.Unlock()
}

func (tr *Transfer) files() ([]*torrent.File, error) {
	if !tr.HasMetadata() {
		return nil, domain.ErrMetadataTimeout
	}
	return tr.t.Files(), nil
}

func (tr *Transfer) file(index int) (*torrent.File, error) {
	files, err := tr.files()
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(files) {
		return nil, fmt.Errorf("%w: index %d", domain.ErrFileNotInTransfer, index)
	}
	return files[index], nil
}

func mapFiles(t *torrent.Torrent) (mapped []domain.TransferFile) {
	if !torrentInfoReady(t) {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("mapFiles panic recovered",
				slog.Any("error", r),
				slog.String("stack", string(debug.Stack())),
			)
			mapped = nil
		}
	}()

	files := t.Files()
	mapped = make([]domain.TransferFile, 0, len(files))
	for i, f := range files {
		mapped = append(mapped, domain.TransferFile{
			Index:  i,
			Path:   f.Path(),
			Length: f.Length(),
		})
	}
	return mapped
}

func torrentInfoReady(t *torrent.Torrent) bool {
	if t == nil {
		return false
	}
	select {
	case <-t.GotInfo():
		return true
	default:
		return false
	}
}
