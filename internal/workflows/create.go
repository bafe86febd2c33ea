package workflows

import (
	"context"
	"fmt"

	"github.com/PolarWolf314/tresor/internal/audit"
	"github.com/PolarWolf314/tresor/internal/folders"
	"github.com/PolarWolf314/tresor/internal/utils"
)

// CreateFolderOptions configures the create workflow.
type CreateFolderOptions struct {
	// ID of the new folder. A random uuid when empty.
	ID string

	// Name is a display name. Defaults to the id.
	Name string

	// ParentID places the folder under an existing one of the same org.
	ParentID string

	// OrgID defaults to the parent's org, or else the owner's org.
	OrgID string

	// Owner receives the first envelope.
	Owner string
}

// CreateFolderResult contains the outcome of a create operation.
type CreateFolderResult struct {
	FolderID string
	OrgID    string
	ParentID string
	KeyID    string
	Owner    string

	// Holders are the principals holding the new key: the owner followed
	// by those taken over from the parent.
	Holders []string
}

// CreateFolder creates a folder with a fresh content key held by the owner.
// A subfolder's key is also held by every holder of its parent.
//
// Returns ErrPrincipalNotFound if the owner has no key pair, ErrFolderExists
// on a duplicate id and ErrAccessDenied if the parent belongs to another org.
func (e *Engine) CreateFolder(ctx context.Context, opts CreateFolderOptions) (*CreateFolderResult, error) {
	if opts.Owner == "" {
		return nil, fmt.Errorf("folder owner is required")
	}
	if opts.ID != "" && !utils.IsValidID(opts.ID) {
		return nil, fmt.Errorf("invalid folder id %q", opts.ID)
	}

	if opts.OrgID == "" && opts.ParentID == "" {
		owner, err := e.keys.Principal(ctx, opts.Owner)
		if err != nil {
			return nil, err
		}
		opts.OrgID = owner.OrgID
	}

	name := opts.Name
	if name == "" {
		name = opts.ID
	}

	f, err := e.tree.Create(ctx, folders.CreateOptions{
		ID:       opts.ID,
		OrgID:    opts.OrgID,
		ParentID: opts.ParentID,
		Name:     name,
		Owner:    opts.Owner,
	})
	entry := audit.Entry{Actor: opts.Owner, Operation: "create", FolderID: opts.ID}
	if f != nil {
		entry.FolderID = f.ID
		entry.KeyID = f.KeyID
		entry.Sequence = len(f.Upgrades)
	}
	e.record(entry, err)
	if err != nil {
		return nil, err
	}

	return &CreateFolderResult{
		FolderID: f.ID,
		OrgID:    f.OrgID,
		ParentID: f.ParentID,
		KeyID:    f.KeyID,
		Owner:    opts.Owner,
		Holders:  append([]string{opts.Owner}, f.Upgrades[0].Holders...),
	}, nil
}
