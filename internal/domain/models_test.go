package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseRepoKey(t *testing.T) {
	tests := []struct {
		raw     string
		want    RepoKey
		wantErr bool
	}{
		{raw: "org/model@main", want: RepoKey{RepoID: "org/model", Revision: "main"}},
		{raw: "org/model", want: RepoKey{RepoID: "org/model", Revision: "main"}},
		{raw: "user@corp/model@v1", want: RepoKey{RepoID: "user@corp/model", Revision: "v1"}},
		{raw: "  gpt2@abc  ", want: RepoKey{RepoID: "gpt2", Revision: "abc"}},
		{raw: "@main", wantErr: true},
		{raw: "org/model@", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseRepoKey(tt.raw, "main")
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidRepoKey) {
				t.Errorf("ParseRepoKey(%q) err = %v, want ErrInvalidRepoKey", tt.raw, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseRepoKey(%q) = %+v, %v; want %+v", tt.raw, got, err, tt.want)
		}
	}
}

func TestRepoKeyRendering(t *testing.T) {
	k := RepoKey{RepoID: "org/model", Revision: "main"}
	if k.String() != "org/model@main" {
		t.Fatalf("String() = %q", k.String())
	}
	if k.FileName() != "org--model@main" {
		t.Fatalf("FileName() = %q", k.FileName())
	}
	if k.IsCommitHash() {
		t.Fatal("main is not a commit hash")
	}
	k.Revision = "0123456789abcdef0123456789abcdef01234567"
	if !k.IsCommitHash() {
		t.Fatal("40-hex revision should be a commit hash")
	}
}

func TestSessionStateTransitions(t *testing.T) {
	allowed := [][2]SessionState{
		{StateUninitialized, StateResolving},
		{StateUninitialized, StateInvalid},
		{StateResolving, StateActive},
		{StateResolving, StateInvalid},
		{StateActive, StateInvalid},
	}
	for _, tr := range allowed {
		if !CanTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s should be allowed", tr[0], tr[1])
		}
	}
	denied := [][2]SessionState{
		{StateActive, StateResolving},
		{StateInvalid, StateActive},
		{StateInvalid, StateResolving},
		{StateResolving, StateUninitialized},
	}
	for _, tr := range denied {
		if CanTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s should be denied", tr[0], tr[1])
		}
	}
	if !StateInvalid.Terminal() || StateActive.Terminal() {
		t.Fatal("only invalid is terminal")
	}
}

func TestFindFileIndex(t *testing.T) {
	files := []TransferFile{
		{Index: 0, Path: "gpt2_main/config.json", Length: 10},
		{Index: 1, Path: "gpt2_main/onnx/model.onnx", Length: 20},
		{Index: 2, Path: "gpt2_main/.pad/4096", Length: 4096},
	}
	tests := []struct {
		name string
		want int
	}{
		{"config.json", 0},
		{"gpt2_main/config.json", 0},
		{"onnx/model.onnx", 1},
		{"/onnx/model.onnx", 1},
		{"model.onnx", -1},
		{"missing.bin", -1},
	}
	for _, tt := range tests {
		if got := FindFileIndex(files, tt.name); got != tt.want {
			t.Errorf("FindFileIndex(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
	if !files[2].IsPadding() || files[0].IsPadding() {
		t.Fatal("padding detection mismatch")
	}
}

func TestFindFileIndexSingleFile(t *testing.T) {
	files := []TransferFile{{Index: 0, Path: "model.safetensors", Length: 1}}
	if got := FindFileIndex(files, "model.safetensors"); got != 0 {
		t.Fatalf("got %d", got)
	}
}

func TestIsFallback(t *testing.T) {
	if !IsFallback(fmt.Errorf("x: %w", ErrDownloadTimeout)) {
		t.Fatal("timeout is a fallback")
	}
	if IsFallback(ErrTransferFatal) || IsFallback(ErrSessionInvalid) {
		t.Fatal("fatal errors are not fallbacks")
	}
}

func TestRecordFromStatus(t *testing.T) {
	st := SessionStatus{
		Key:            RepoKey{RepoID: "a/b", Revision: "main"},
		Mode:           ModeSeed,
		State:          StateActive,
		InfoHash:       "aa",
		Uploaded:       42,
		CompletedFiles: 3,
	}
	rec := RecordFromStatus(st)
	if rec.Key != st.Key || rec.Mode != ModeSeed || rec.Uploaded != 42 || rec.CompletedFiles != 3 || rec.Stopped {
		t.Fatalf("unexpected record %+v", rec)
	}
}
