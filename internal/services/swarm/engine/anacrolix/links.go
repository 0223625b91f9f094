package anacrolix

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// linkStorageTarget points the engine's storage path for a file at target.
// The engine keeps reading and writing its own path; the bytes land in
// target. Partial data already at the storage path moves to target first.
func linkStorageTarget(storagePath, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(storagePath), 0o755); err != nil {
		return err
	}

	fi, err := os.Lstat(storagePath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return err
	case fi.Mode()&os.ModeSymlink != 0:
		current, err := os.Readlink(storagePath)
		if err == nil && current == target {
			return nil
		}
		if err := os.Remove(storagePath); err != nil {
			return err
		}
	case fi.Mode().IsRegular():
		if _, err := os.Stat(target); errors.Is(err, fs.ErrNotExist) {
			if err := os.Rename(storagePath, target); err != nil {
				return err
			}
		} else if err := os.Remove(storagePath); err != nil {
			return err
		}
	default:
		return &fs.PathError{Op: "link", Path: storagePath, Err: fs.ErrInvalid}
	}

	return os.Symlink(target, storagePath)
}
