package domain

import "strings"

// FilePriority follows the engine's 0..7 scale. Zero means skip.
type FilePriority int

const (
	PrioritySkip   FilePriority = 0
	PriorityNormal FilePriority = 4
	PriorityTop    FilePriority = 7
)

func (p FilePriority) Wanted() bool {
	return p > PrioritySkip
}

// TransferFile is one entry of a transfer's file table. Path is slash
// separated and includes the wrapper directory of multi-file transfers.
type TransferFile struct {
	Index  int    `json:"index"`
	Path   string `json:"path"`
	Length int64  `json:"length"`
}

const paddingDir = ".pad"

// IsPadding reports whether the entry is an alignment padding file.
func (f TransferFile) IsPadding() bool {
	for _, part := range strings.Split(f.Path, "/") {
		if part == paddingDir {
			return true
		}
	}
	return false
}

// RelativePath drops the synthetic top-level directory of multi-file
// transfers, yielding the repository-relative name.
func (f TransferFile) RelativePath() string {
	if i := strings.IndexByte(f.Path, '/'); i >= 0 {
		return f.Path[i+1:]
	}
	return f.Path
}

// FindFileIndex matches filename exactly or after stripping one wrapper
// directory. It returns -1 when nothing matches.
func FindFileIndex(files []TransferFile, filename string) int {
	filename = strings.TrimPrefix(filename, "/")
	for _, f := range files {
		if f.Path == filename {
			return f.Index
		}
	}
	for _, f := range files {
		if f.RelativePath() == filename && f.Path != f.RelativePath() {
			return f.Index
		}
	}
	return -1
}
