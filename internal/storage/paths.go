package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// PathManager resolves the per-user data directory used for durable storage.
type PathManager struct {
	baseDir string
}

// NewPathManager creates a path manager rooted at baseDir, or at
// ~/.hyperfocus when baseDir is empty.
func NewPathManager(baseDir string) *PathManager {
	return &PathManager{baseDir: baseDir}
}

// DataDir returns the data directory, creating it if necessary.
func (pm *PathManager) DataDir() (string, error) {
	dir := pm.baseDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".hyperfocus")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dir, nil
}

// DatabasePath returns the path of the local chat database.
func (pm *PathManager) DatabasePath() (string, error) {
	dir, err := pm.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "hyperfocus.db"), nil
}
