package descriptor

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/anacrolix/torrent/metainfo"

	"modelswarm/internal/domain"
)

func TestPieceLengthTable(t *testing.T) {
	tests := []struct {
		total int64
		want  int64
	}{
		{0, 256 << 10},
		{99 << 20, 256 << 10},
		{100 << 20, 1 << 20},
		{(1 << 30) - 1, 1 << 20},
		{1 << 30, 4 << 20},
		{10 << 30, 16 << 20},
		{200 << 30, 16 << 20},
	}
	for _, tt := range tests {
		if got := PieceLength(tt.total); got != tt.want {
			t.Errorf("PieceLength(%d) = %d, want %d", tt.total, got, tt.want)
		}
	}
}

func TestBuildFollowsSymlinksAndProducesMagnet(t *testing.T) {
	dir := t.TempDir()
	blobs := t.TempDir()
	if err := os.WriteFile(filepath.Join(blobs, "blob"), bytes.Repeat([]byte("w"), 300<<10), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "onnx"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"a":1}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(blobs, "blob"), filepath.Join(dir, "onnx", "model.onnx")); err != nil {
		t.Fatal(err)
	}

	res, err := Build(dir, Options{Name: "gpt2_main", Trackers: []string{"http://tracker.local/announce"}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.FileCount != 2 || res.TotalSize != 300<<10+7 || res.PieceLength != 256<<10 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.HasPrefix(res.MagnetLink, "magnet:?xt=urn:btih:"+res.InfoHash) {
		t.Fatalf("magnet %q does not carry info hash %s", res.MagnetLink, res.InfoHash)
	}

	mi, err := metainfo.Load(bytes.NewReader(res.Bytes))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		t.Fatalf("UnmarshalInfo: %v", err)
	}
	if info.Name != "gpt2_main" || len(info.Files) != 2 {
		t.Fatalf("info = %s with %d files", info.Name, len(info.Files))
	}
	if strings.Join(info.Files[1].Path, "/") != "onnx/model.onnx" {
		t.Fatalf("second file = %v", info.Files[1].Path)
	}
	if mi.HashInfoBytes().HexString() != res.InfoHash {
		t.Fatal("info hash mismatch")
	}
}

func TestBuildEmptyDir(t *testing.T) {
	if _, err := Build(t.TempDir(), Options{}); !errors.Is(err, ErrEmptySnapshot) {
		t.Fatalf("err = %v, want ErrEmptySnapshot", err)
	}
}

func TestNamingHelpers(t *testing.T) {
	key := domain.RepoKey{RepoID: "openai/gpt2", Revision: "main"}
	if DefaultName(key) != "gpt2_main" {
		t.Fatalf("DefaultName = %s", DefaultName(key))
	}
	if AnnounceURL("http://t:8080/") != "http://t:8080/announce" {
		t.Fatalf("AnnounceURL = %s", AnnounceURL("http://t:8080/"))
	}
	d := Result{InfoHash: "aa", FileCount: 2}.Describe(key, "model", "gpt2_main")
	if d.RepoID != "openai/gpt2" || d.Revision != "main" || d.FileCount != 2 || d.RepoType != "model" {
		t.Fatalf("Describe = %+v", d)
	}
}

func TestBuildNormalizesPathsToNFC(t *testing.T) {
	const nfc, nfd = "caf\u00e9.txt", "cafe\u0301.txt"
	hashFor := func(name string) Result {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, name), []byte("same bytes"), 0o644); err != nil {
			t.Fatal(err)
		}
		res, err := Build(dir, Options{Name: "m"})
		if err != nil {
			t.Fatalf("Build(%q): %v", name, err)
		}
		return res
	}

	a, b := hashFor(nfc), hashFor(nfd)
	if a.InfoHash != b.InfoHash {
		t.Fatalf("info hash differs by normalization: %s vs %s", a.InfoHash, b.InfoHash)
	}
	mi, err := metainfo.Load(bytes.NewReader(b.Bytes))
	if err != nil {
		t.Fatal(err)
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		t.Fatal(err)
	}
	if got := info.Files[0].Path[0]; got != nfc {
		t.Fatalf("published path = %q, want NFC", got)
	}
}

func TestBuildRejectsNormalizationCollisions(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"caf\u00e9.txt", "cafe\u0301.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) < 2 {
		t.Skip("filesystem folds unicode normalization")
	}
	if _, err := Build(dir, Options{}); !errors.Is(err, ErrPathCollision) {
		t.Fatalf("err = %v, want ErrPathCollision", err)
	}
}
