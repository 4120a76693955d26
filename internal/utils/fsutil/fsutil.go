// Package fsutil provides common filesystem utility functions
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// DirExists checks if a path exists and is a directory.
// This is a convenience wrapper that combines os.Stat and IsDir checks,
// commonly used for health checks and storage validation.
func DirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// IsWritable checks if a directory is writable by creating a temporary file
func IsWritable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	if !info.IsDir() {
		return false
	}

	// Check directory permissions using the mode bits
	mode := info.Mode()
	if mode.Perm()&0o200 == 0 {
		return false
	}

	// Try to create a temporary file as a secondary check. This handles
	// cases where permissions are overridden by filesystem or container
	// settings.
	tempFile := filepath.Join(path, ".write_test")

	defer func() {
		_ = os.Remove(tempFile) // Ignore error - file may not exist
	}()

	file, err := os.Create(tempFile) // #nosec G304 - tempFile path is validated by caller
	if err != nil {
		return false
	}
	_ = file.Close()

	return true
}

// WriteFileAtomic writes data to path via a temporary file in the same
// directory followed by a rename. A crash mid-write leaves either the
// previous contents or the new contents, never a torn file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	// Remove the temp file on any failure path. Remove after a
	// successful rename is a no-op.
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp file %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file %s: %w", tmpName, err)
	}

	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", tmpName, path, err)
	}

	return nil
}
