// Package descriptor builds a transfer descriptor for a local repository
// snapshot so it can be published and seeded.
package descriptor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"golang.org/x/text/unicode/norm"

	"modelswarm/internal/domain"
)

const createdBy = "modelswarm"

var (
	ErrEmptySnapshot = errors.New("snapshot has no files")
	ErrPathCollision = errors.New("file paths collide after unicode normalization")
)

// PieceLength picks the piece size for a payload of total bytes.
func PieceLength(total int64) int64 {
	switch {
	case total < 100<<20:
		return 256 << 10
	case total < 1<<30:
		return 1 << 20
	case total < 10<<30:
		return 4 << 20
	default:
		return 16 << 20
	}
}

type Options struct {
	Name        string   // display name and top-level directory
	Trackers    []string // announce URLs
	Comment     string
	PieceLength int64 // 0 picks from the table
}

// Result is an encoded descriptor plus the fields the tracker wants.
type Result struct {
	Bytes       []byte
	InfoHash    string
	MagnetLink  string
	TotalSize   int64
	FileCount   int
	PieceLength int64
}

// Describe fills the tracker record for key from r.
func (r Result) Describe(key domain.RepoKey, repoType, name string) domain.Descriptor {
	return domain.Descriptor{
		RepoID:      key.RepoID,
		Revision:    key.Revision,
		RepoType:    repoType,
		Name:        name,
		InfoHash:    r.InfoHash,
		MagnetLink:  r.MagnetLink,
		TotalSize:   r.TotalSize,
		FileCount:   r.FileCount,
		PieceLength: r.PieceLength,
	}
}

// DefaultName renders "<repo name>_<revision>", e.g. gpt2_main.
func DefaultName(key domain.RepoKey) string {
	name := key.RepoID
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name + "_" + key.Revision
}

// AnnounceURL derives the announce endpoint from a tracker base URL.
func AnnounceURL(trackerURL string) string {
	return strings.TrimRight(trackerURL, "/") + "/announce"
}

type localFile struct {
	rel  string // as found on disk
	name string // NFC form published in the descriptor
	size int64
}

// Build hashes every file under dir. Symlinked files (the hub cache layout)
// are followed. Paths are published in NFC so a snapshot yields the same
// info hash whichever normalization the local filesystem stores.
func Build(dir string, opts Options) (Result, error) {
	files, total, err := collectFiles(dir)
	if err != nil {
		return Result{}, err
	}
	if len(files) == 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrEmptySnapshot, dir)
	}

	pieceLen := opts.PieceLength
	if pieceLen <= 0 {
		pieceLen = PieceLength(total)
	}
	name := opts.Name
	if name == "" {
		name = filepath.Base(dir)
	}

	info := metainfo.Info{
		Name:        name,
		PieceLength: pieceLen,
	}
	onDisk := make(map[string]string, len(files))
	for _, f := range files {
		onDisk[f.name] = f.rel
		info.Files = append(info.Files, metainfo.FileInfo{
			Path:   strings.Split(f.name, "/"),
			Length: f.size,
		})
	}
	err = info.GeneratePieces(func(fi metainfo.FileInfo) (io.ReadCloser, error) {
		return os.Open(filepath.Join(dir, filepath.FromSlash(onDisk[strings.Join(fi.Path, "/")])))
	})
	if err != nil {
		return Result{}, fmt.Errorf("hash pieces: %w", err)
	}

	infoBytes, err := bencode.Marshal(info)
	if err != nil {
		return Result{}, err
	}
	mi := metainfo.MetaInfo{
		InfoBytes:    infoBytes,
		CreatedBy:    createdBy,
		CreationDate: time.Now().Unix(),
		Comment:      opts.Comment,
	}
	if len(opts.Trackers) > 0 {
		mi.Announce = opts.Trackers[0]
		mi.AnnounceList = metainfo.AnnounceList{opts.Trackers}
	}

	var buf bytes.Buffer
	if err := mi.Write(&buf); err != nil {
		return Result{}, err
	}
	ih := mi.HashInfoBytes()
	magnet := metainfo.Magnet{
		InfoHash:    ih,
		DisplayName: name,
		Trackers:    opts.Trackers,
	}

	return Result{
		Bytes:       buf.Bytes(),
		InfoHash:    ih.HexString(),
		MagnetLink:  magnet.String(),
		TotalSize:   total,
		FileCount:   len(files),
		PieceLength: pieceLen,
	}, nil
}

func collectFiles(dir string) ([]localFile, int64, error) {
	var files []localFile
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		// Stat follows the snapshot symlink to the blob.
		fi, err := os.Stat(path)
		if err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		files = append(files, localFile{rel: rel, name: norm.NFC.String(rel), size: fi.Size()})
		total += fi.Size()
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	for i := 1; i < len(files); i++ {
		if files[i].name == files[i-1].name {
			return nil, 0, fmt.Errorf("%w: %q and %q", ErrPathCollision, files[i-1].rel, files[i].rel)
		}
	}
	return files, total, nil
}
