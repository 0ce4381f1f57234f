package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// HomeDirName is the per-project state directory.
const HomeDirName = ".looper"

// GetLooperHome returns the looper home directory
// Priority order:
//  1. LOOPER_HOME environment variable (if set)
//  2. <workDir>/.looper
//
// The directory is created if it doesn't exist
func GetLooperHome(workDir string) (string, error) {
	home := os.Getenv("LOOPER_HOME")
	if home == "" {
		if workDir == "" {
			cwd, err := os.Getwd()
			if err != nil {
				return "", fmt.Errorf("get working directory: %w", err)
			}
			workDir = cwd
		}
		home = filepath.Join(workDir, HomeDirName)
	}

	if err := os.MkdirAll(home, 0755); err != nil {
		return "", fmt.Errorf("create looper home directory: %w", err)
	}
	return home, nil
}
