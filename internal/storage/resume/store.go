package resume

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"modelswarm/internal/domain"
	"modelswarm/internal/domain/ports"
)

const suffix = ".resume"

// FileStore keeps one resume snapshot per key under a directory.
type FileStore struct {
	dir string
}

var _ ports.ResumeStore = (*FileStore)(nil)

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) Path(key domain.RepoKey) string {
	return filepath.Join(s.dir, key.FileName()+suffix)
}

// Load returns domain.ErrNotFound when no snapshot exists.
func (s *FileStore) Load(key domain.RepoKey) ([]byte, error) {
	data, err := os.ReadFile(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.ErrNotFound
	}
	return data, err
}

// Save writes the snapshot atomically so a crash never leaves a torn file.
func (s *FileStore) Save(key domain.RepoKey, state []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, key.FileName()+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(state); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.Path(key)); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *FileStore) Delete(key domain.RepoKey) error {
	err := os.Remove(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
