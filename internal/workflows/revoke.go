package workflows

import (
	"context"

	"github.com/PolarWolf314/tresor/internal/audit"
	"github.com/PolarWolf314/tresor/internal/upgrades"
)

// RevokeOptions configures the revoke workflow.
type RevokeOptions struct {
	// Actor must hold the folder key and cannot be the revoked principal.
	Actor ActorCredentials

	FolderID    string
	PrincipalID string
}

// RevokeResult contains the outcome of a revoke operation.
type RevokeResult struct {
	FolderID    string
	PrincipalID string

	// KeyID is the folder key after the rotation that followed the revoke.
	KeyID    string
	Sequence int

	// NotHolder is true when the principal held no envelope and nothing changed.
	NotHolder bool

	// Rotated is true when the folder key was replaced.
	Rotated bool

	// Resumed is true when a pending rotation was completed first.
	Resumed bool

	// RemainingHolders are the principals holding the folder key afterwards.
	RemainingHolders []string

	// Subfolders lists the subfolders below FolderID the principal was
	// revoked from. Each of them was rotated too.
	Subfolders []string
}

// RevokeAccess removes a principal's envelope and rotates the folder key,
// re-encrypting every object under the new key. Every subfolder below the
// folder the principal holds is revoked and rotated the same way.
//
// Returns ErrSelfRevoke if the principal is the last holder,
// ErrInheritedAccess if it holds the parent folder and ErrAccessDenied if
// the actor holds no envelope or is the revoked principal.
// If the rotation fails after the envelope was removed the revoke stands and
// the next write on the folder finishes the rotation.
func (e *Engine) RevokeAccess(ctx context.Context, opts RevokeOptions) (*RevokeResult, error) {
	handle, err := e.unlock(ctx, opts.Actor)
	if err != nil {
		return nil, err
	}
	defer handle.Wipe()

	change, err := e.tree.Revoke(ctx, opts.FolderID, opts.PrincipalID, handle)
	entry := audit.Entry{
		Actor:     opts.Actor.PrincipalID,
		Operation: "revoke",
		FolderID:  opts.FolderID,
		Target:    opts.PrincipalID,
	}
	e.record(fromChange(entry, change), err)
	subfolders := e.recordSubfolders(entry, change)
	if err != nil {
		return nil, err
	}

	holders, err := e.tree.Holders(ctx, opts.FolderID)
	if err != nil {
		return nil, err
	}

	return &RevokeResult{
		FolderID:         opts.FolderID,
		PrincipalID:      opts.PrincipalID,
		KeyID:            change.KeyID,
		Sequence:         sequence(change),
		NotHolder:        !appended(change, upgrades.OpRevoke, opts.PrincipalID),
		Rotated:          appendedOp(change, upgrades.OpRotate),
		Resumed:          change.Resumed,
		RemainingHolders: holders,
		Subfolders:       subfolders,
	}, nil
}
