package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// FindRoot walks up from start looking for a directory named marker and
// returns the directory containing it, or "" if there is none. The search
// stops one level above the user's home directory.
func FindRoot(start, marker string) (string, error) {
	currentDir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", start, err)
	}

	stopAt := ""
	if homeDir, err := os.UserHomeDir(); err == nil {
		stopAt = filepath.Dir(homeDir)
	}

	for {
		if currentDir == stopAt {
			return "", nil
		}

		fileInfo, err := os.Stat(filepath.Join(currentDir, marker))
		if err == nil {
			if fileInfo.IsDir() {
				return currentDir, nil
			}
		} else if !os.IsNotExist(err) {
			return "", fmt.Errorf("error checking for %s directory at %s: %w", marker, currentDir, err)
		}

		parentDir := filepath.Dir(currentDir)
		if parentDir == currentDir {
			return "", nil
		}
		currentDir = parentDir
	}
}
