// Package fsatomic writes files atomically: a temp file in the target
// directory is written, synced, and renamed over the destination, then
// the directory is synced so the rename survives power loss. A reader
// always sees either the old content or the new, never a torn write.
package fsatomic

import (
	"os"
	"path/filepath"
)

// WriteFile atomically replaces the file at path with data.
// Atomicity holds only within one filesystem.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	// fsync the directory so the rename is durable
	dfd, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = dfd.Close() }()
	return dfd.Sync()
}
