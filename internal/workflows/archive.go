package workflows

import (
	"context"

	"github.com/PolarWolf314/tresor/internal/audit"
)

// ArchiveOptions configures the archive workflow.
type ArchiveOptions struct {
	// Actor must hold the folder key.
	Actor ActorCredentials

	FolderID string
}

// ArchiveResult contains the outcome of an archive operation.
type ArchiveResult struct {
	FolderID string
	Sequence int
}

// ArchiveFolder makes a folder read-only. Holders can still decrypt its
// objects but no grant, revoke, rotation or new object is accepted.
//
// Returns ErrFolderArchived if it already is.
func (e *Engine) ArchiveFolder(ctx context.Context, opts ArchiveOptions) (*ArchiveResult, error) {
	handle, err := e.unlock(ctx, opts.Actor)
	if err != nil {
		return nil, err
	}
	defer handle.Wipe()

	change, err := e.tree.Archive(ctx, opts.FolderID, handle)
	e.record(fromChange(audit.Entry{
		Actor:     opts.Actor.PrincipalID,
		Operation: "archive",
		FolderID:  opts.FolderID,
	}, change), err)
	if err != nil {
		return nil, err
	}

	return &ArchiveResult{FolderID: opts.FolderID, Sequence: sequence(change)}, nil
}
