package workflows

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/PolarWolf314/tresor/internal/access"
	"github.com/PolarWolf314/tresor/internal/configs"
	terrors "github.com/PolarWolf314/tresor/internal/errors"
	"github.com/PolarWolf314/tresor/internal/utils"
)

// InitOptions configures the init workflow.
type InitOptions struct {
	// Root is the directory to initialize. Defaults to the working directory.
	Root string

	// Config is written as the workspace config. Defaults to configs.Default().
	Config *configs.Config

	// OrgID, when set, seeds the permission graph with that organization.
	OrgID string

	// OrgKeyHolder makes the seeded organization hold every folder key.
	OrgKeyHolder bool
}

// InitResult contains the outcome of an init operation.
type InitResult struct {
	Root       string
	ConfigPath string
	GraphPath  string
}

// Init creates a tresor workspace: the .tresor directory, its config file and
// a permission graph seeded with the permission catalog.
//
// Returns ErrWorkspaceExists if the config file is already there.
func Init(ctx context.Context, opts InitOptions) (*InitResult, error) {
	root := opts.Root
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}
		root = wd
	}

	if opts.OrgID != "" && !utils.IsValidID(opts.OrgID) {
		return nil, fmt.Errorf("invalid organization id %q", opts.OrgID)
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = configs.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	settings := &configs.Settings{Root: root, ConfigPath: filepath.Join(root, configs.DirName, configs.ConfigFile)}
	if _, err := os.Stat(settings.ConfigPath); err == nil {
		return nil, fmt.Errorf("%w: %s", terrors.ErrWorkspaceExists, settings.ConfigPath)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("checking %s: %w", settings.ConfigPath, err)
	}

	if err := os.MkdirAll(filepath.Join(root, configs.DirName), 0700); err != nil {
		return nil, fmt.Errorf("creating %s: %w", configs.DirName, err)
	}
	if err := configs.Save(settings.ConfigPath, cfg); err != nil {
		return nil, err
	}

	result := &InitResult{Root: root, ConfigPath: settings.ConfigPath}
	if cfg.Access.Graph == "" {
		return result, nil
	}

	// An existing graph belongs to the user-management side and is kept.
	result.GraphPath = settings.Resolve(cfg.Access.Graph)
	if _, err := os.Stat(result.GraphPath); err == nil {
		return result, nil
	}

	g := &access.Graph{}
	g.EnsureSeeded()
	if opts.OrgID != "" {
		g.Orgs = append(g.Orgs, access.Org{ID: opts.OrgID, Name: opts.OrgID, KeyHolder: opts.OrgKeyHolder})
	}
	if err := access.SaveGraph(result.GraphPath, g); err != nil {
		return nil, err
	}

	return result, nil
}
