package workflows

import (
	"context"

	"github.com/PolarWolf314/tresor/internal/store"
	"github.com/PolarWolf314/tresor/internal/upgrades"
)

// StatusOptions configures the status workflow.
type StatusOptions struct {
	FolderID string
}

// HolderStatus describes one envelope of a folder.
type HolderStatus struct {
	PrincipalID string

	// KeyGeneration is the key-pair generation the envelope was wrapped for.
	KeyGeneration int

	// Stale is true when the principal has since reset its key pair and the
	// envelope no longer opens with its current key.
	Stale bool
}

// StatusResult contains the outcome of a status operation.
type StatusResult struct {
	FolderID string
	OrgID    string
	ParentID string
	Name     string
	Status   upgrades.Status
	KeyID    string

	// Generation is 1 at creation and grows with every rotation.
	Generation int

	Holders []HolderStatus
	Log     upgrades.Log

	// Pending is set while a rotation is in progress or was interrupted.
	Pending *store.PendingRotation

	// UnfinishedRevoke names a revoked principal whose rotation has not run.
	UnfinishedRevoke string

	Objects int
	// LegacyObjects predate content-key ids and cannot be read until backfilled.
	LegacyObjects int
}

// FolderStatus reports a folder's key state, holders and upgrade log.
//
// Returns ErrFolderNotFound if the folder does not exist.
func (e *Engine) FolderStatus(ctx context.Context, opts StatusOptions) (*StatusResult, error) {
	view, err := e.tree.Folder(ctx, opts.FolderID)
	if err != nil {
		return nil, err
	}

	result := &StatusResult{
		FolderID:         view.ID,
		OrgID:            view.OrgID,
		ParentID:         view.ParentID,
		Name:             view.Name,
		Status:           view.Status,
		KeyID:            view.KeyID,
		Generation:       view.Generation,
		Log:              view.Upgrades,
		Pending:          view.Pending,
		UnfinishedRevoke: view.UnfinishedRevoke,
	}

	for _, id := range view.Holders {
		env := view.Envelopes[id]
		hs := HolderStatus{PrincipalID: id, KeyGeneration: env.KeyGeneration}
		if current, err := e.keys.Generation(ctx, id); err == nil && current != env.KeyGeneration {
			hs.Stale = true
		}
		result.Holders = append(result.Holders, hs)
	}

	objs, err := e.tree.Objects(ctx, opts.FolderID)
	if err != nil {
		return nil, err
	}
	result.Objects = len(objs)
	for _, o := range objs {
		if o.KeyID() == "" {
			result.LegacyObjects++
		}
	}

	return result, nil
}

// FolderSummary is one line of ListFolders.
type FolderSummary struct {
	FolderID string
	OrgID    string
	ParentID string
	Name     string
	Status   upgrades.Status
	KeyID    string
	Holders  int
}

// ListFolders summarizes every folder, ordered by id.
func (e *Engine) ListFolders(ctx context.Context) ([]FolderSummary, error) {
	all, err := e.store.ListFolders(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]FolderSummary, 0, len(all))
	for _, f := range all {
		view, err := e.tree.Folder(ctx, f.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, FolderSummary{
			FolderID: f.ID,
			OrgID:    f.OrgID,
			ParentID: f.ParentID,
			Name:     f.Name,
			Status:   view.Status,
			KeyID:    f.KeyID,
			Holders:  len(view.Holders),
		})
	}
	return out, nil
}

// CatchUpOptions configures the catch-up workflow.
type CatchUpOptions struct {
	FolderID    string
	PrincipalID string

	// FromSequence is the log length the caller last saw.
	FromSequence int
}

// CatchUpResult contains the outcome of a catch-up operation.
type CatchUpResult struct {
	FolderID string
	upgrades.CatchUpResult
}

// CatchUp tells a principal whether it still holds a folder's key and which
// entries since FromSequence affect it, so a client can refresh cached keys.
func (e *Engine) CatchUp(ctx context.Context, opts CatchUpOptions) (*CatchUpResult, error) {
	res, err := e.tree.CatchUp(ctx, opts.FolderID, opts.PrincipalID, opts.FromSequence)
	if err != nil {
		return nil, err
	}
	return &CatchUpResult{FolderID: opts.FolderID, CatchUpResult: res}, nil
}
