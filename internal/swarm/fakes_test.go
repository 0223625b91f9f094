package swarm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"modelswarm/internal/domain"
	"modelswarm/internal/domain/ports"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// Transfer
// ---------------------------------------------------------------------------

type fakeTransfer struct {
	infoHash string
	files    []domain.TransferFile

	// autoComplete writes a requested file to its target as soon as its
	// priority is raised.
	autoComplete bool

	meta     chan struct{}
	metaOnce sync.Once

	mu         sync.Mutex
	priorities map[int]domain.FilePriority
	progress   map[int]int64
	targets    map[int]string
	renames    map[int]int
	resumed    bool
	bytesRead  int64
	trusted    int
	verified   int
	err        error
}

func newFakeTransfer(ready bool, files ...domain.TransferFile) *fakeTransfer {
	tr := &fakeTransfer{
		infoHash:     "aa00000000000000000000000000000000000000",
		files:        files,
		autoComplete: true,
		meta:         make(chan struct{}),
		priorities:   make(map[int]domain.FilePriority),
		progress:     make(map[int]int64),
		targets:      make(map[int]string),
		renames:      make(map[int]int),
	}
	if ready {
		tr.setReady()
	}
	return tr
}

func defaultFiles() []domain.TransferFile {
	return []domain.TransferFile{
		{Index: 0, Path: "model/config.json", Length: 64},
		{Index: 1, Path: "model/weights.bin", Length: 128},
	}
}

func (f *fakeTransfer) setReady() { f.metaOnce.Do(func() { close(f.meta) }) }

func (f *fakeTransfer) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeTransfer) setProgress(index int, n int64) {
	f.mu.Lock()
	f.progress[index] = n
	f.mu.Unlock()
}

func (f *fakeTransfer) renameCount(index int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renames[index]
}

func (f *fakeTransfer) target(index int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.targets[index]
}

func (f *fakeTransfer) addRead(n int64) {
	f.mu.Lock()
	f.bytesRead += n
	f.mu.Unlock()
}

func (f *fakeTransfer) checks() (trusted, verified int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trusted, f.verified
}

func (f *fakeTransfer) wasResumed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumed
}

func (f *fakeTransfer) InfoHash() string               { return f.infoHash }
func (f *fakeTransfer) MetadataReady() <-chan struct{} { return f.meta }

func (f *fakeTransfer) HasMetadata() bool {
	select {
	case <-f.meta:
		return true
	default:
		return false
	}
}

func (f *fakeTransfer) Files() []domain.TransferFile {
	if !f.HasMetadata() {
		return nil
	}
	return f.files
}

func (f *fakeTransfer) SetAllPriorities(prio domain.FilePriority) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, file := range f.files {
		f.priorities[file.Index] = prio
	}
	return nil
}

func (f *fakeTransfer) SetFilePriority(index int, prio domain.FilePriority) error {
	if index < 0 || index >= len(f.files) {
		return domain.ErrFileNotInTransfer
	}
	f.mu.Lock()
	f.priorities[index] = prio
	target := f.targets[index]
	auto := f.autoComplete && prio.Wanted()
	f.mu.Unlock()

	if !auto || target == "" {
		return nil
	}
	size := f.files[index].Length
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(target, make([]byte, size), 0o644); err != nil {
		return err
	}
	f.setProgress(index, size)
	return nil
}

func (f *fakeTransfer) FilePriority(index int) domain.FilePriority {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.priorities[index]
}

func (f *fakeTransfer) FileProgress(index int) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.progress[index]
}

func (f *fakeTransfer) RenameFile(index int, target string) error {
	if index < 0 || index >= len(f.files) {
		return domain.ErrFileNotInTransfer
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets[index] = target
	f.renames[index]++
	return nil
}

func (f *fakeTransfer) Resume() {
	f.mu.Lock()
	f.resumed = true
	f.mu.Unlock()
}

func (f *fakeTransfer) Pause() {
	f.mu.Lock()
	f.resumed = false
	f.mu.Unlock()
}

func (f *fakeTransfer) TrustLocal() error {
	f.mu.Lock()
	f.trusted++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransfer) Verify() error {
	f.mu.Lock()
	f.verified++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransfer) SaveResumeState() ([]byte, error) {
	return []byte("resume:" + f.infoHash), nil
}

func (f *fakeTransfer) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeTransfer) Stats() domain.TransferStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	var done, total int64
	for _, file := range f.files {
		total += file.Length
		done += f.progress[file.Index]
	}
	return domain.TransferStats{BytesCompleted: done, BytesTotal: total, BytesRead: f.bytesRead, ActivePeers: 1}
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

type fakeEngine struct {
	newTransfer func(domain.TransferParams) *fakeTransfer
	addErr      error
	addDelay    time.Duration

	mu      sync.Mutex
	adds    int
	removes int
	params  []domain.TransferParams
	last    *fakeTransfer
}

func (e *fakeEngine) AddTransfer(ctx context.Context, params domain.TransferParams) (ports.Transfer, error) {
	if e.addDelay > 0 {
		time.Sleep(e.addDelay)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adds++
	e.params = append(e.params, params)
	if e.addErr != nil {
		return nil, e.addErr
	}
	var tr *fakeTransfer
	if e.newTransfer != nil {
		tr = e.newTransfer(params)
	} else {
		tr = newFakeTransfer(true, defaultFiles()...)
	}
	e.last = tr
	return tr, nil
}

func (e *fakeEngine) Remove(t ports.Transfer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removes++
	return nil
}

func (e *fakeEngine) Close() error { return nil }

func (e *fakeEngine) counts() (adds, removes int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.adds, e.removes
}

func (e *fakeEngine) lastTransfer() *fakeTransfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

func (e *fakeEngine) lastParams() domain.TransferParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.params) == 0 {
		return domain.TransferParams{}
	}
	return e.params[len(e.params)-1]
}

// ---------------------------------------------------------------------------
// Resolver, cache and resume store
// ---------------------------------------------------------------------------

type fakeResolver struct {
	calls atomic.Int32
	delay time.Duration
	// byRevision answers per revision; a missing revision is not found.
	byRevision map[string]domain.Descriptor
	err        error
}

func magnetResolver() *fakeResolver {
	return &fakeResolver{byRevision: map[string]domain.Descriptor{
		"main": {
			RepoID:     "org/model",
			Revision:   "main",
			InfoHash:   "aa00000000000000000000000000000000000000",
			MagnetLink: "magnet:?xt=urn:btih:aa00000000000000000000000000000000000000",
		},
	}}
}

func (r *fakeResolver) Resolve(ctx context.Context, key domain.RepoKey) (domain.Descriptor, error) {
	r.calls.Add(1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.err != nil {
		return domain.Descriptor{}, r.err
	}
	d, ok := r.byRevision[key.Revision]
	if !ok {
		return domain.Descriptor{}, fmt.Errorf("%w: %s", domain.ErrDescriptorNotFound, key)
	}
	return d, nil
}

type fakeCache struct {
	paths map[string]string
}

func (c *fakeCache) ResolveFile(key domain.RepoKey, filename string) (string, error) {
	if p, ok := c.paths[filename]; ok {
		return p, nil
	}
	return "", domain.ErrNotFound
}

type fakeResumeStore struct {
	mu    sync.Mutex
	saved map[domain.RepoKey][]byte
	saves int
}

func newFakeResumeStore() *fakeResumeStore {
	return &fakeResumeStore{saved: make(map[domain.RepoKey][]byte)}
}

func (s *fakeResumeStore) Load(key domain.RepoKey) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.saved[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return state, nil
}

func (s *fakeResumeStore) Save(key domain.RepoKey, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[key] = state
	s.saves++
	return nil
}

func (s *fakeResumeStore) Delete(key domain.RepoKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.saved, key)
	return nil
}

func (s *fakeResumeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		DownloadRoot:    t.TempDir(),
		SeedRoot:        t.TempDir(),
		AliasRevision:   "main",
		ResolveTimeout:  2 * time.Second,
		MetadataWait:    200 * time.Millisecond,
		MonitorInterval: 5 * time.Millisecond,
		ResumeInterval:  20 * time.Millisecond,
	}
}

func newTestCoordinator(t *testing.T, engine ports.Engine, resolver ports.DescriptorResolver, cfg Config, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	c := New(engine, resolver, cfg, opts...)
	t.Cleanup(func() { c.Close() })
	return c
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
