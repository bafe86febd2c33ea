package workflows

import (
	"context"

	"github.com/PolarWolf314/tresor/internal/audit"
	"github.com/PolarWolf314/tresor/internal/upgrades"
)

// RotateOptions configures the rotate workflow.
type RotateOptions struct {
	// Actor must hold the folder key.
	Actor ActorCredentials

	FolderID string

	// Reason is recorded on the Rotate entry. Defaults to "manual".
	Reason string
}

// RotateResult contains the outcome of a rotate operation.
type RotateResult struct {
	FolderID      string
	PreviousKeyID string
	KeyID         string
	Sequence      int

	// Objects is the number of objects now sealed under KeyID.
	Objects int

	// Resumed is true when a pending rotation was completed first.
	Resumed bool
}

// RotateFolder replaces the folder key, re-wraps it for every holder and
// re-encrypts every object. Readers keep using the old key until the single
// commit at the end, so a rotation interrupted part way loses nothing.
//
// Returns ErrRetryExhausted if concurrent writers kept moving the folder.
func (e *Engine) RotateFolder(ctx context.Context, opts RotateOptions) (*RotateResult, error) {
	handle, err := e.unlock(ctx, opts.Actor)
	if err != nil {
		return nil, err
	}
	defer handle.Wipe()

	before, err := e.tree.Folder(ctx, opts.FolderID)
	if err != nil {
		return nil, err
	}

	reason := opts.Reason
	if reason == "" {
		reason = upgrades.ReasonManual
	}

	change, err := e.tree.Rotate(ctx, opts.FolderID, reason, handle)
	entry := fromChange(audit.Entry{
		Actor:     opts.Actor.PrincipalID,
		Operation: "rotate",
		FolderID:  opts.FolderID,
		Reason:    reason,
	}, change)
	if err != nil {
		e.record(entry, err)
		return nil, err
	}

	objects, err := e.countUnder(ctx, opts.FolderID, change.KeyID)
	if err != nil {
		return nil, err
	}
	entry.Count = objects
	e.record(entry, nil)

	return &RotateResult{
		FolderID:      opts.FolderID,
		PreviousKeyID: before.KeyID,
		KeyID:         change.KeyID,
		Sequence:      sequence(change),
		Objects:       objects,
		Resumed:       change.Resumed,
	}, nil
}

// ResumeOptions configures the resume workflow.
type ResumeOptions struct {
	// Actor must be one of the pending rotation's holders.
	Actor ActorCredentials

	FolderID string
}

// ResumeResult contains the outcome of a resume operation.
type ResumeResult struct {
	FolderID string
	KeyID    string
	Sequence int

	// Resumed is false when the folder had no pending rotation.
	Resumed bool
}

// ResumeRotation completes a rotation that was interrupted after its
// pending record was written. It is a no-op on a folder with none.
func (e *Engine) ResumeRotation(ctx context.Context, opts ResumeOptions) (*ResumeResult, error) {
	handle, err := e.unlock(ctx, opts.Actor)
	if err != nil {
		return nil, err
	}
	defer handle.Wipe()

	change, err := e.tree.Resume(ctx, opts.FolderID, handle)
	if err != nil || change.Resumed {
		e.record(fromChange(audit.Entry{
			Actor:     opts.Actor.PrincipalID,
			Operation: "resume",
			FolderID:  opts.FolderID,
		}, change), err)
	}
	if err != nil {
		return nil, err
	}

	return &ResumeResult{
		FolderID: opts.FolderID,
		KeyID:    change.KeyID,
		Sequence: sequence(change),
		Resumed:  change.Resumed,
	}, nil
}

func (e *Engine) countUnder(ctx context.Context, folderID, keyID string) (int, error) {
	objs, err := e.tree.Objects(ctx, folderID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range objs {
		if o.KeyID() == keyID {
			n++
		}
	}
	return n, nil
}
