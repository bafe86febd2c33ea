package configs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/PolarWolf314/tresor/internal/utils"
)

// DirName is the marker directory of a tresor workspace.
const DirName = ".tresor"

// ConfigFile is the config file name inside DirName.
const ConfigFile = "config.toml"

// Settings locates the workspace the CLI runs in.
type Settings struct {
	// Root is the directory holding DirName, or the working directory when
	// none was found.
	Root string
	// ConfigPath is the config file to load.
	ConfigPath string
}

// Discover walks up from start to the nearest workspace. explicitConfig,
// when set, overrides the config file location.
func Discover(start, explicitConfig string) (*Settings, error) {
	if start == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		start = wd
	}

	root, err := utils.FindRoot(start, DirName)
	if err != nil {
		return nil, err
	}
	if root == "" {
		root = start
	}

	s := &Settings{Root: root, ConfigPath: filepath.Join(root, DirName, ConfigFile)}
	if explicitConfig != "" {
		s.ConfigPath = explicitConfig
	}
	return s, nil
}

// Resolve makes a config-relative path absolute against the workspace root.
func (s *Settings) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.Root, path)
}
