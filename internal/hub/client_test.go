package hub

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"modelswarm/internal/domain"
	"modelswarm/internal/tracker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry() tracker.RetryConfig {
	return tracker.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func newTestClient(t *testing.T, h http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithLogger(discardLogger()), WithRetry(fastRetry())}, opts...)
	return NewClient(srv.URL+"/", opts...)
}

var testKey = domain.RepoKey{RepoID: "org/model", Revision: "main"}

func TestRepoInfo(t *testing.T) {
	var gotPath, gotAuth string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_, _ = io.WriteString(w, `{"sha":"0123456789abcdef0123456789abcdef01234567","siblings":[{"rfilename":"config.json"},{"rfilename":""},{"rfilename":"model/weights.bin"}]}`)
	}), WithToken("secret"))

	info, err := c.RepoInfo(context.Background(), testKey)
	if err != nil {
		t.Fatalf("RepoInfo: %v", err)
	}
	if gotPath != "/api/models/org/model/revision/main" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("auth = %q", gotAuth)
	}
	if info.SHA != "0123456789abcdef0123456789abcdef01234567" {
		t.Fatalf("sha = %q", info.SHA)
	}
	if len(info.Files) != 2 || info.Files[0] != "config.json" || info.Files[1] != "model/weights.bin" {
		t.Fatalf("files = %v", info.Files)
	}
}

func TestRepoInfoNotFound(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	_, err := c.RepoInfo(context.Background(), testKey)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestFileURL(t *testing.T) {
	tests := []struct {
		repoType string
		key      domain.RepoKey
		file     string
		want     string
	}{
		{"model", testKey, "config.json", "http://hub/org/model/resolve/main/config.json"},
		{"dataset", testKey, "data/train 1.parquet", "http://hub/datasets/org/model/resolve/main/data/train%201.parquet"},
		{"space", domain.RepoKey{RepoID: "org/app", Revision: "refs/pr/1"}, "app.py", "http://hub/spaces/org/app/resolve/refs%2Fpr%2F1/app.py"},
	}
	for _, tt := range tests {
		c := NewClient("http://hub/", WithRepoType(tt.repoType))
		if got := c.FileURL(tt.key, tt.file); got != tt.want {
			t.Errorf("FileURL(%s, %q) = %q, want %q", tt.repoType, tt.file, got, tt.want)
		}
	}
}

func TestDownloadWritesFile(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/org/model/resolve/main/sub/config.json" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `{"hidden": 8}`)
	}))

	dest := filepath.Join(t.TempDir(), "nested", "config.json")
	n, err := c.Download(context.Background(), testKey, "sub/config.json", dest)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"hidden": 8}` || n != int64(len(data)) {
		t.Fatalf("data = %q, n = %d", data, n)
	}
	entries, _ := os.ReadDir(filepath.Dir(dest))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}

func TestDownloadRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))

	dest := filepath.Join(t.TempDir(), "a.bin")
	if _, err := c.Download(context.Background(), testKey, "a.bin", dest); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestDownloadNotFoundLeavesNothing(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	dir := t.TempDir()
	dest := filepath.Join(dir, "missing.bin")

	_, err := c.Download(context.Background(), testKey, "missing.bin", dest)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("dir not empty: %d entries", len(entries))
	}
}

func TestDownloadForbiddenIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := c.Download(context.Background(), testKey, "gated.bin", filepath.Join(t.TempDir(), "gated.bin"))
	var statusErr *tracker.StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusForbidden || statusErr.Service != "hub" {
		t.Fatalf("err = %v, want hub 403", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}
