// Package persist is the durable JSON store backing conversations, task
// graphs and scheduled tasks. All writes are atomic: temp file, fsync,
// size check, rename.
package persist

import (
	"fmt"
	"os"
	"path/filepath"
)

// writeAtomic writes data next to path and renames it into place. The
// temp file is fsynced and verified non-empty before the rename; on
// rename failure the stale target is removed and the rename retried once.
func writeAtomic(path string, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("refusing to write empty file %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}

	info, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if info.Size() == 0 {
		return fmt.Errorf("temp file for %s is empty after write", path)
	}

	if err := os.Rename(tmpName, path); err != nil {
		// Some filesystems refuse to replace in one step.
		if rmErr := os.Remove(path); rmErr == nil {
			if err2 := os.Rename(tmpName, path); err2 == nil {
				return nil
			}
		}
		return err
	}
	return nil
}
