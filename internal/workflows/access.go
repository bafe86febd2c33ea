package workflows

import (
	"context"

	"github.com/PolarWolf314/tresor/internal/audit"
	"github.com/PolarWolf314/tresor/internal/upgrades"
)

// GrantOptions configures the grant workflow.
type GrantOptions struct {
	// Actor must already hold the folder key.
	Actor ActorCredentials

	FolderID    string
	PrincipalID string
}

// GrantResult contains the outcome of a grant operation.
type GrantResult struct {
	FolderID    string
	PrincipalID string
	KeyID       string

	// Sequence is the log length after the grant, 0 when nothing changed.
	Sequence int

	// AlreadyHolder is true when the principal held an up-to-date envelope.
	AlreadyHolder bool

	// Resumed is true when a pending rotation was completed first.
	Resumed bool

	// Subfolders lists the subfolders below FolderID that were granted too.
	Subfolders []string
}

// GrantAccess wraps the folder key for a principal, and the key of every
// subfolder below it.
//
// Granting to a principal whose envelope predates its current key pair
// re-wraps it, which is how a holder repairs a StaleKeyError after a reset.
func (e *Engine) GrantAccess(ctx context.Context, opts GrantOptions) (*GrantResult, error) {
	handle, err := e.unlock(ctx, opts.Actor)
	if err != nil {
		return nil, err
	}
	defer handle.Wipe()

	change, err := e.tree.Grant(ctx, opts.FolderID, opts.PrincipalID, handle)
	entry := audit.Entry{
		Actor:     opts.Actor.PrincipalID,
		Operation: "grant",
		FolderID:  opts.FolderID,
		Target:    opts.PrincipalID,
	}
	e.record(fromChange(entry, change), err)
	if err != nil {
		return nil, err
	}
	subfolders := e.recordSubfolders(entry, change)

	return &GrantResult{
		FolderID:      opts.FolderID,
		PrincipalID:   opts.PrincipalID,
		KeyID:         change.KeyID,
		Sequence:      sequence(change),
		AlreadyHolder: !appended(change, upgrades.OpGrant, opts.PrincipalID),
		Resumed:       change.Resumed,
		Subfolders:    subfolders,
	}, nil
}
