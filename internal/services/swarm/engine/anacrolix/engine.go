package anacrolix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"

	"modelswarm/internal/domain"
	"modelswarm/internal/domain/ports"
)

// defaultMaxConns is restored when a paused transfer resumes.
const defaultMaxConns = 35

// addTimeout caps how long we wait for the client to accept a transfer.
// AddTorrentSpec can block on the client mutex while it is busy.
const addTimeout = 10 * time.Second

var ErrInvalidParams = errors.New("invalid transfer params")

type Config struct {
	DataDir    string
	ListenPort int
	NoUpload   bool
	Logger     *slog.Logger
}

// Engine adapts an anacrolix client to ports.Engine. Transfers are shared
// by info hash and reference counted, so two keys that resolve to the same
// descriptor (a commit hash and its branch alias) do not fight over it.
type Engine struct {
	client    *torrent.Client
	logger    *slog.Logger
	mu        sync.Mutex
	transfers map[string]*Transfer
}

func New(cfg Config) (*Engine, error) {
	clientConfig := torrent.NewDefaultClientConfig()
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		clientConfig.DataDir = cfg.DataDir
	}
	clientConfig.ListenPort = cfg.ListenPort
	clientConfig.Seed = true
	clientConfig.NoUpload = cfg.NoUpload

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, err
	}
	return newWithClient(client, cfg.Logger), nil
}

func newWithClient(client *torrent.Client, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		client:    client,
		logger:    logger,
		transfers: make(map[string]*Transfer),
	}
}

var _ ports.Engine = (*Engine)(nil)

func (e *Engine) AddTransfer(ctx context.Context, params domain.TransferParams) (ports.Transfer, error) {
	if e.client == nil {
		return nil, domain.ErrEngineUnavailable
	}
	spec, info, err := transferSpec(params)
	if err != nil {
		return nil, err
	}
	infoHash := spec.InfoHash.HexString()

	e.mu.Lock()
	if existing, ok := e.transfers[infoHash]; ok {
		existing.refs++
		e.mu.Unlock()
		return existing, nil
	}
	e.mu.Unlock()

	if params.LocalRoot == "" {
		return nil, fmt.Errorf("%w: local root is required", ErrInvalidParams)
	}
	if err := os.MkdirAll(params.LocalRoot, 0o755); err != nil {
		return nil, err
	}

	completion := storage.NewMapPieceCompletion()
	restored := 0
	if len(params.ResumeState) > 0 {
		restored = restoreCompletion(completion, spec.InfoHash, params.ResumeState, e.logger)
	}
	if params.SeederMode && info != nil {
		// Local content is trusted; peers verify what we upload.
		markAllComplete(completion, spec.InfoHash, info.NumPieces())
		spec.DisableInitialPieceCheck = true
	}
	store := storage.NewFileWithCompletion(params.LocalRoot, completion)
	spec.Storage = store

	t, err := e.add(ctx, spec)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if params.StartPaused {
		hardPause(t)
	}

	tr := &Transfer{
		engine:     e,
		t:          t,
		store:      store,
		completion: completion,
		root:       params.LocalRoot,
		ih:         spec.InfoHash,
		infoHash:   infoHash,
		seeder:     params.SeederMode,
		refs:       1,
	}

	e.mu.Lock()
	if existing, ok := e.transfers[infoHash]; ok {
		// Lost a race with a concurrent add of the same descriptor.
		existing.refs++
		e.mu.Unlock()
		_ = store.Close()
		return existing, nil
	}
	e.transfers[infoHash] = tr
	e.mu.Unlock()

	e.logger.Info("transfer added",
		slog.String("infoHash", infoHash),
		slog.String("root", params.LocalRoot),
		slog.Bool("seeder", params.SeederMode),
		slog.Int("restoredPieces", restored),
	)
	return tr, nil
}

// add runs AddTorrentSpec with a timeout so a busy client never blocks the
// caller indefinitely.
func (e *Engine) add(ctx context.Context, spec *torrent.TorrentSpec) (*torrent.Torrent, error) {
	type addResult struct {
		t   *torrent.Torrent
		err error
	}
	ch := make(chan addResult, 1)
	go func() {
		t, _, err := e.client.AddTorrentSpec(spec)
		ch <- addResult{t, err}
	}()

	dropLate := func() {
		go func() {
			if res := <-ch; res.t != nil {
				res.t.Drop()
			}
		}()
	}

	select {
	case res := <-ch:
		return res.t, res.err
	case <-time.After(addTimeout):
		dropLate()
		return nil, errors.New("torrent client busy, try again later")
	case <-ctx.Done():
		dropLate()
		return nil, ctx.Err()
	}
}

func (e *Engine) Remove(pt ports.Transfer) error {
	tr, ok := pt.(*Transfer)
	if !ok || tr == nil {
		return nil
	}
	e.mu.Lock()
	tr.refs--
	if tr.refs > 0 {
		e.mu.Unlock()
		return nil
	}
	delete(e.transfers, tr.infoHash)
	e.mu.Unlock()

	tr.markRemoved()
	tr.t.Drop()
	return tr.store.Close()
}

func (e *Engine) Close() error {
	if e.client == nil {
		return nil
	}
	errList := e.client.Close()
	if len(errList) > 0 {
		return errList[0]
	}
	return nil
}

// transferSpec turns a locator or raw descriptor into a torrent spec. info
// is non-nil only when the descriptor carried the info dictionary.
func transferSpec(params domain.TransferParams) (*torrent.TorrentSpec, *metainfo.Info, error) {
	switch {
	case len(params.Descriptor) > 0:
		mi, err := metainfo.Load(bytes.NewReader(params.Descriptor))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		info, err := mi.UnmarshalInfo()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		spec, err := torrent.TorrentSpecFromMetaInfoErr(mi)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		return spec, &info, nil
	case params.Locator != "":
		spec, err := torrent.TorrentSpecFromMagnetUri(params.Locator)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		return spec, nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: neither locator nor descriptor", ErrInvalidParams)
	}
}

func hardPause(t *torrent.Torrent) {
	if t == nil {
		return
	}
	t.DisallowDataDownload()
	t.DisallowDataUpload()
	t.SetMaxEstablishedConns(0)
}

func resume(t *torrent.Torrent) {
	if t == nil {
		return
	}
	t.SetMaxEstablishedConns(defaultMaxConns)
	t.AllowDataUpload()
	t.AllowDataDownload()
}
