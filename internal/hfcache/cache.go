// Package hfcache resolves files that already exist locally, either in the
// Hugging Face hub cache layout or in a plain directory.
package hfcache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"modelswarm/internal/domain"
	"modelswarm/internal/domain/ports"
)

const (
	RepoTypeModel   = "model"
	RepoTypeDataset = "dataset"
	RepoTypeSpace   = "space"
)

// Cache reads the hub cache layout:
//
//	<root>/<type>s--<org>--<name>/refs/<branch>        commit hash
//	<root>/<type>s--<org>--<name>/snapshots/<commit>/  files, usually symlinks into blobs/
type Cache struct {
	root     string
	repoType string
}

var _ ports.ArtifactCache = (*Cache)(nil)

func New(root, repoType string) *Cache {
	if repoType == "" {
		repoType = RepoTypeModel
	}
	return &Cache{root: root, repoType: repoType}
}

func (c *Cache) Root() string { return c.root }

// RepoDir is the cache folder for repoID.
func (c *Cache) RepoDir(repoID string) string {
	name := c.repoType + "s--" + strings.ReplaceAll(repoID, "/", "--")
	return filepath.Join(c.root, name)
}

// ResolveRevision maps a branch or tag to its cached commit. Commit hashes
// resolve to themselves when their snapshot exists.
func (c *Cache) ResolveRevision(key domain.RepoKey) (string, error) {
	repoDir := c.RepoDir(key.RepoID)
	if key.IsCommitHash() {
		if isDir(filepath.Join(repoDir, "snapshots", key.Revision)) {
			return key.Revision, nil
		}
		return "", fmt.Errorf("%w: snapshot %s", domain.ErrNotFound, key)
	}
	data, err := os.ReadFile(filepath.Join(repoDir, "refs", filepath.FromSlash(key.Revision)))
	if errors.Is(err, fs.ErrNotExist) {
		// Some tools create snapshot folders named after the ref.
		if isDir(filepath.Join(repoDir, "snapshots", key.Revision)) {
			return key.Revision, nil
		}
		return "", fmt.Errorf("%w: ref %s", domain.ErrNotFound, key)
	}
	if err != nil {
		return "", err
	}
	commit := strings.TrimSpace(string(data))
	if commit == "" {
		return "", fmt.Errorf("%w: empty ref %s", domain.ErrNotFound, key)
	}
	return commit, nil
}

// SnapshotDir returns the snapshot folder for key and the commit it holds.
func (c *Cache) SnapshotDir(key domain.RepoKey) (string, string, error) {
	commit, err := c.ResolveRevision(key)
	if err != nil {
		return "", "", err
	}
	dir := filepath.Join(c.RepoDir(key.RepoID), "snapshots", commit)
	if !isDir(dir) {
		return "", "", fmt.Errorf("%w: snapshot %s", domain.ErrNotFound, dir)
	}
	return dir, commit, nil
}

// ResolveFile returns the real path behind filename in the snapshot, so the
// engine reads blobs directly rather than through the snapshot symlink.
func (c *Cache) ResolveFile(key domain.RepoKey, filename string) (string, error) {
	dir, _, err := c.SnapshotDir(key)
	if err != nil {
		return "", err
	}
	return resolveRegular(dir, filename)
}

// Dir is a flat directory holding a repository's files, the layout the
// download command writes with --local-dir.
type Dir struct {
	root string
}

var _ ports.ArtifactCache = (*Dir)(nil)

func NewDir(root string) *Dir {
	return &Dir{root: root}
}

func (d *Dir) ResolveFile(_ domain.RepoKey, filename string) (string, error) {
	return resolveRegular(d.root, filename)
}

func resolveRegular(root, filename string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(filename))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", fmt.Errorf("%w: %s", domain.ErrNotFound, filename)
	}
	path := filepath.Join(root, clean)
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", domain.ErrNotFound, filename)
		}
		return "", err
	}
	fi, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if !fi.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", domain.ErrNotFound, filename)
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
