package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// writeFileAtomic writes data to path by first writing a sibling
// temp file in the same directory, then renaming it into place.
// Same-directory rename is atomic on POSIX filesystems and on NTFS
// for same-volume renames, which os.WriteFile's direct-truncate
// approach (used throughout the teacher's persistence.JSONStore)
// does not guarantee: a crash mid-write there leaves a corrupt file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s -> %s: %w", tmpName, path, err)
	}
	return nil
}

// fileExistsForStatus reports whether a task file for id still exists
// under status's directory.
func fileExistsForStatus(root string, status Status, id string) bool {
	_, err := os.Stat(taskPath(root, status, id))
	return err == nil
}

// statusDir returns the directory holding tasks in the given status,
// e.g. "<root>/tasks/in-progress".
func statusDir(root string, s Status) string {
	return filepath.Join(root, "tasks", string(s))
}

// taskPath returns the on-disk path for task id under status s.
func taskPath(root string, s Status, id string) string {
	return filepath.Join(statusDir(root, s), id+FileExt)
}

// ensureLayout creates the tasks/<status> directory tree under root.
func ensureLayout(root string) error {
	for _, s := range AllStatuses() {
		if err := os.MkdirAll(statusDir(root, s), 0o755); err != nil {
			return fmt.Errorf("create status dir %s: %w", s, err)
		}
	}
	return nil
}
