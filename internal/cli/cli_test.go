package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	apihttp "modelswarm/internal/api/http"
	"modelswarm/internal/app"
	"modelswarm/internal/domain"
)

type fakeDaemon struct {
	mu          sync.Mutex
	downloadErr error
	downloads   []string
	seeds       []domain.RepoKey
	seedRaw     []byte
	statuses    []domain.SessionStatus
	stopped     []domain.RepoKey
	stopAll     int
}

func (d *fakeDaemon) RegisterDownload(ctx context.Context, key domain.RepoKey, filename, destination string, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.downloads = append(d.downloads, filename)
	return d.downloadErr
}

func (d *fakeDaemon) RegisterSeeding(ctx context.Context, key domain.RepoKey, raw []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seeds = append(d.seeds, key)
	d.seedRaw = raw
	return nil
}

func (d *fakeDaemon) Status() []domain.SessionStatus { return d.statuses }

func (d *fakeDaemon) Execute(ctx context.Context, key domain.RepoKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = append(d.stopped, key)
	return nil
}

func (d *fakeDaemon) ExecuteAll(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopAll++
	return len(d.statuses), nil
}

type daemonCalls struct {
	downloads []string
	seeds     []domain.RepoKey
	seedRaw   []byte
	stopped   []domain.RepoKey
	stopAll   int
}

// snapshot copies the recorded calls under the lock.
func (d *fakeDaemon) snapshot() daemonCalls {
	d.mu.Lock()
	defer d.mu.Unlock()
	return daemonCalls{
		downloads: append([]string(nil), d.downloads...),
		seeds:     append([]domain.RepoKey(nil), d.seeds...),
		seedRaw:   d.seedRaw,
		stopped:   append([]domain.RepoKey(nil), d.stopped...),
		stopAll:   d.stopAll,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startDaemon(t *testing.T, d *fakeDaemon) string {
	t.Helper()
	s := apihttp.NewServer(d, apihttp.WithStopSession(d), apihttp.WithLogger(discardLogger()))
	srv := httptest.NewServer(s)
	t.Cleanup(func() {
		srv.Close()
		s.Close()
	})
	return srv.URL
}

func run(t *testing.T, cfg app.Config, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), args, Env{
		Stdout: &stdout,
		Stderr: &stderr,
		Config: cfg,
		Logger: discardLogger(),
	})
	return code, stdout.String(), stderr.String()
}

func TestUsage(t *testing.T) {
	code, _, stderr := run(t, app.Config{})
	if code != 0 || !strings.Contains(stderr, "usage: modelswarm") {
		t.Fatalf("code = %d, stderr = %q", code, stderr)
	}
	code, _, stderr = run(t, app.Config{}, "bogus")
	if code != 1 || !strings.Contains(stderr, "unknown command: bogus") {
		t.Fatalf("code = %d, stderr = %q", code, stderr)
	}
}

func TestParseInterspersed(t *testing.T) {
	fs := flag.NewFlagSet("x", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dir := fs.String("local-dir", "", "")
	noSeed := fs.Bool("no-seed", false, "")

	positional, err := parseInterspersed(fs, []string{"org/model", "--local-dir", "/tmp/x", "extra", "--no-seed"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(positional) != 2 || positional[0] != "org/model" || positional[1] != "extra" {
		t.Fatalf("positional = %v", positional)
	}
	if *dir != "/tmp/x" || !*noSeed {
		t.Fatalf("flags = %q %v", *dir, *noSeed)
	}

	if _, err := parseInterspersed(fs, []string{"--nope"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestHumanBytes(t *testing.T) {
	tests := map[int64]string{
		0:        "0 B",
		512:      "512 B",
		2048:     "2.0 KiB",
		5 << 20:  "5.0 MiB",
		3 << 30:  "3.0 GiB",
		-1:       "0 B",
		1536:     "1.5 KiB",
	}
	for in, want := range tests {
		if got := humanBytes(in); got != want {
			t.Errorf("humanBytes(%d) = %q, want %q", in, got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// status / stop
// ---------------------------------------------------------------------------

func TestStatus(t *testing.T) {
	d := &fakeDaemon{statuses: []domain.SessionStatus{
		{Key: domain.RepoKey{RepoID: "org/b", Revision: "main"}, Mode: domain.ModeSeed, State: domain.StateActive, Progress: 1, Uploaded: 2048, Peers: 3},
		{Key: domain.RepoKey{RepoID: "org/a", Revision: "main"}, Mode: domain.ModeDownload, State: domain.StateInvalid, LastError: "transfer failed"},
	}}
	cfg := app.Config{DaemonAddr: startDaemon(t, d)}

	code, stdout, stderr := run(t, cfg, "status")
	if code != 0 {
		t.Fatalf("code = %d, stderr = %q", code, stderr)
	}
	for _, want := range []string{"Active sessions: 2", "Repo: org/b@main", "Uploaded: 2.0 KiB", "Peers: 3", "Progress: 100.0%", "Last error: transfer failed"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("stdout missing %q:\n%s", want, stdout)
		}
	}
	if strings.Index(stdout, "org/a@main") > strings.Index(stdout, "org/b@main") {
		t.Error("sessions not sorted by key")
	}
}

func TestStatusEmpty(t *testing.T) {
	cfg := app.Config{DaemonAddr: startDaemon(t, &fakeDaemon{})}
	code, stdout, _ := run(t, cfg, "status")
	if code != 0 || !strings.Contains(stdout, "No active sessions") {
		t.Fatalf("code = %d, stdout = %q", code, stdout)
	}
}

func TestStatusDaemonDown(t *testing.T) {
	code, _, stderr := run(t, app.Config{DaemonAddr: "http://127.0.0.1:1"}, "status")
	if code != 1 || !strings.Contains(stderr, "Error:") {
		t.Fatalf("code = %d, stderr = %q", code, stderr)
	}
}

func TestStop(t *testing.T) {
	d := &fakeDaemon{statuses: []domain.SessionStatus{{}, {}}}
	cfg := app.Config{DaemonAddr: startDaemon(t, d)}

	code, stdout, _ := run(t, cfg, "stop", "org/model@v1")
	if code != 0 || !strings.Contains(stdout, "Stopped: org/model@v1") {
		t.Fatalf("code = %d, stdout = %q", code, stdout)
	}
	if got := d.snapshot().stopped; len(got) != 1 || got[0] != (domain.RepoKey{RepoID: "org/model", Revision: "v1"}) {
		t.Fatalf("stopped = %v", got)
	}

	code, stdout, _ = run(t, cfg, "stop")
	if code != 0 || !strings.Contains(stdout, "Stopped all sessions (2)") || d.snapshot().stopAll != 1 {
		t.Fatalf("code = %d, stdout = %q", code, stdout)
	}

	code, _, stderr := run(t, cfg, "stop", "org/model")
	if code != 1 || !strings.Contains(stderr, "repo_id@revision") {
		t.Fatalf("code = %d, stderr = %q", code, stderr)
	}
}

// ---------------------------------------------------------------------------
// download / seed
// ---------------------------------------------------------------------------

func fakeHub(t *testing.T, files map[string]string) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/models/org/model/revision/main", func(w http.ResponseWriter, r *http.Request) {
		type sibling struct {
			RFilename string `json:"rfilename"`
		}
		var siblings []sibling
		for name := range files {
			siblings = append(siblings, sibling{name})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"sha": "main", "siblings": siblings})
	})
	mux.HandleFunc("/org/model/resolve/main/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/org/model/resolve/main/")
		body, ok := files[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestDownloadFallsBackToHub(t *testing.T) {
	files := map[string]string{"config.json": `{"a":1}`, "sub/weights.bin": "0123456789"}
	d := &fakeDaemon{downloadErr: domain.ErrDescriptorNotFound}
	cfg := app.Config{
		DaemonAddr:         startDaemon(t, d),
		HubEndpoint:        fakeHub(t, files),
		DownloadTimeout:    time.Second,
		MaxConcurrentFiles: 2,
	}
	dir := filepath.Join(t.TempDir(), "out")

	code, stdout, stderr := run(t, cfg, "download", "org/model", "--local-dir", dir, "--daemon", "--no-seed")
	if code != 0 {
		t.Fatalf("code = %d, stderr = %q", code, stderr)
	}
	if !strings.Contains(stdout, "Downloaded 2 files to: "+dir) {
		t.Fatalf("stdout = %q", stdout)
	}
	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
		if err != nil || string(got) != want {
			t.Fatalf("%s = %q, %v", name, got, err)
		}
	}
	if got := d.snapshot().downloads; len(got) != 2 {
		t.Fatalf("swarm asked for %d files, want 2", len(got))
	}
}

func TestDownloadRequiresRepo(t *testing.T) {
	code, _, stderr := run(t, app.Config{}, "download")
	if code != 1 || !strings.Contains(stderr, "exactly one <repo_id>") {
		t.Fatalf("code = %d, stderr = %q", code, stderr)
	}
}

func TestDownloadUnknownRepo(t *testing.T) {
	cfg := app.Config{
		DaemonAddr:  startDaemon(t, &fakeDaemon{}),
		HubEndpoint: fakeHub(t, nil),
	}
	code, _, stderr := run(t, cfg, "download", "org/missing", "--local-dir", t.TempDir(), "--daemon")
	if code != 1 || !strings.Contains(stderr, "Error:") {
		t.Fatalf("code = %d, stderr = %q", code, stderr)
	}
}

func TestSeedRequiresFlags(t *testing.T) {
	code, _, stderr := run(t, app.Config{}, "seed", "--repo-id", "org/model")
	if code != 1 || !strings.Contains(stderr, "--repo-id and --revision") {
		t.Fatalf("code = %d, stderr = %q", code, stderr)
	}
}

func TestSeedPublishesAndHandsToDaemon(t *testing.T) {
	commit := "0123456789abcdef0123456789abcdef01234567"
	cacheRoot := t.TempDir()
	repoDir := filepath.Join(cacheRoot, "models--org--model")
	snapshot := filepath.Join(repoDir, "snapshots", commit)
	if err := os.MkdirAll(filepath.Join(repoDir, "refs"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(snapshot, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(repoDir, "refs", "main"), []byte(commit), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(snapshot, "config.json"), []byte(`{"hidden":8}`), 0o644); err != nil {
		t.Fatal(err)
	}

	var (
		mu        sync.Mutex
		published map[string]any
	)
	trackerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/publish" {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&published)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer trackerSrv.Close()

	d := &fakeDaemon{}
	cfg := app.Config{
		DaemonAddr:     startDaemon(t, d),
		TrackerURL:     trackerSrv.URL,
		TrackerTimeout: 2 * time.Second,
		HubCacheDir:    cacheRoot,
	}

	code, stdout, stderr := run(t, cfg, "seed", "--repo-id", "org/model", "--revision", "main", "--daemon")
	if code != 0 {
		t.Fatalf("code = %d, stderr = %q", code, stderr)
	}
	if !strings.Contains(stdout, "commit "+commit) || !strings.Contains(stdout, "is seeding org/model@main") {
		t.Fatalf("stdout = %q", stdout)
	}
	mu.Lock()
	defer mu.Unlock()
	if published["repo_id"] != "org/model" || published["revision"] != "main" || published["name"] != "model_main" {
		t.Fatalf("published = %v", published)
	}
	if published["file_count"] != float64(1) {
		t.Fatalf("file_count = %v", published["file_count"])
	}
	if got := d.snapshot(); len(got.seeds) != 1 || len(got.seedRaw) == 0 {
		t.Fatalf("daemon seeds = %v, raw = %d bytes", got.seeds, len(got.seedRaw))
	}
}

func TestSeedMissingSnapshot(t *testing.T) {
	cfg := app.Config{HubCacheDir: t.TempDir()}
	code, _, stderr := run(t, cfg, "seed", "--repo-id", "org/model", "--revision", "main")
	if code != 1 || !strings.Contains(stderr, "not in") {
		t.Fatalf("code = %d, stderr = %q", code, stderr)
	}
}
