package workflows

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/PolarWolf314/tresor/internal/access"
	"github.com/PolarWolf314/tresor/internal/audit"
	terrors "github.com/PolarWolf314/tresor/internal/errors"
)

// SyncOptions configures the sync workflow.
type SyncOptions struct {
	// Actor must hold the key of every synced folder.
	Actor ActorCredentials

	// FolderIDs to sync. Empty means every folder in the graph that exists
	// in the store.
	FolderIDs []string

	// GraphPath overrides the configured permission graph.
	GraphPath string

	// DryRun computes the changes without applying them.
	DryRun bool
}

// SkippedPrincipal is a change the sync could not apply.
type SkippedPrincipal struct {
	PrincipalID string
	Reason      string
}

// FolderSync is the outcome for one folder.
type FolderSync struct {
	FolderID string

	// Target is what the permission graph resolves to.
	Target []access.Grant

	Granted []string
	Revoked []string
	Skipped []SkippedPrincipal

	// KeyID is the folder key after the sync.
	KeyID string
}

// SyncResult contains the outcome of a sync operation.
type SyncResult struct {
	Folders []FolderSync

	// Seeded is true when missing catalog permissions were added to the graph.
	Seeded bool

	DryRun bool
}

// Changed reports whether any folder was granted or revoked.
func (r *SyncResult) Changed() bool {
	for _, f := range r.Folders {
		if len(f.Granted) > 0 || len(f.Revoked) > 0 {
			return true
		}
	}
	return false
}

// SyncFolderAccess brings each folder's holders in line with the permission
// graph: principals the graph resolves to are granted, holders it no longer
// resolves to are revoked (each revoke rotates the folder). Running it
// again with an unchanged graph changes nothing.
//
// Grants are applied before revokes so a folder never drops to no holders.
// Parents are synced before their subfolders. Principals without a key
// pair, the actor itself and holders that keep access through the parent
// folder are skipped.
func (e *Engine) SyncFolderAccess(ctx context.Context, opts SyncOptions) (*SyncResult, error) {
	path := opts.GraphPath
	if path == "" {
		path = e.graphPath
	}
	if path == "" {
		return nil, fmt.Errorf("no permission graph configured")
	}

	g, err := access.LoadGraph(path)
	if err != nil {
		return nil, err
	}
	result := &SyncResult{DryRun: opts.DryRun}
	if g.EnsureSeeded() {
		result.Seeded = true
		if !opts.DryRun {
			if err := access.SaveGraph(path, g); err != nil {
				return nil, err
			}
		}
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid permission graph %s: %w", path, err)
	}

	targets := opts.FolderIDs
	explicit := len(targets) > 0
	if !explicit {
		for _, f := range g.Folders {
			targets = append(targets, f.ID)
		}
	}

	targets = parentsFirst(g, targets)

	actor, err := e.unlock(ctx, opts.Actor)
	if err != nil {
		return nil, err
	}
	defer actor.Wipe()

	for _, folderID := range targets {
		view, err := e.tree.Folder(ctx, folderID)
		if errors.Is(err, terrors.ErrFolderNotFound) && !explicit {
			e.log.Debugf("sync: %s is in the graph but not created yet", folderID)
			continue
		}
		if err != nil {
			return result, err
		}

		target, err := access.Resolve(g, folderID)
		if err != nil {
			return result, err
		}
		toGrant, toRevoke := access.Diff(target, view.Holders)

		fs := FolderSync{FolderID: folderID, Target: target, KeyID: view.KeyID}

		for _, p := range toGrant {
			if _, err := e.keys.Generation(ctx, p); errors.Is(err, terrors.ErrPrincipalNotFound) {
				fs.Skipped = append(fs.Skipped, SkippedPrincipal{PrincipalID: p, Reason: "no key pair registered"})
				continue
			} else if err != nil {
				return result, err
			}
			if opts.DryRun {
				fs.Granted = append(fs.Granted, p)
				continue
			}
			change, err := e.tree.Grant(ctx, folderID, p, actor)
			entry := audit.Entry{Actor: opts.Actor.PrincipalID, Operation: "sync-grant", FolderID: folderID, Target: p}
			e.record(fromChange(entry, change), err)
			if err != nil {
				return result, fmt.Errorf("sync of folder %s: grant %s: %w", folderID, p, err)
			}
			e.recordSubfolders(entry, change)
			fs.Granted = append(fs.Granted, p)
			fs.KeyID = change.KeyID
		}

		for _, p := range toRevoke {
			if p == opts.Actor.PrincipalID {
				fs.Skipped = append(fs.Skipped, SkippedPrincipal{PrincipalID: p, Reason: "the acting principal cannot revoke itself"})
				continue
			}
			if opts.DryRun {
				fs.Revoked = append(fs.Revoked, p)
				continue
			}
			change, err := e.tree.Revoke(ctx, folderID, p, actor)
			if errors.Is(err, terrors.ErrInheritedAccess) {
				fs.Skipped = append(fs.Skipped, SkippedPrincipal{PrincipalID: p, Reason: "access is inherited from the parent folder"})
				continue
			}
			entry := audit.Entry{Actor: opts.Actor.PrincipalID, Operation: "sync-revoke", FolderID: folderID, Target: p}
			e.record(fromChange(entry, change), err)
			e.recordSubfolders(entry, change)
			if err != nil {
				return result, fmt.Errorf("sync of folder %s: revoke %s: %w", folderID, p, err)
			}
			fs.Revoked = append(fs.Revoked, p)
			fs.KeyID = change.KeyID
		}

		result.Folders = append(result.Folders, fs)
	}

	if !opts.DryRun {
		e.record(audit.Entry{Actor: opts.Actor.PrincipalID, Operation: "sync", Count: len(result.Folders)}, nil)
	}
	e.log.Infof("synced %d folder(s) from %s", len(result.Folders), path)
	return result, nil
}

// parentsFirst orders ids so that every folder comes after its ancestors in
// the graph. Folders at the same depth keep their order.
func parentsFirst(g *access.Graph, ids []string) []string {
	parents := make(map[string]string, len(g.Folders))
	for _, f := range g.Folders {
		parents[f.ID] = f.ParentID
	}
	depth := func(id string) int {
		d := 0
		for seen := map[string]bool{id: true}; parents[id] != "" && !seen[parents[id]]; d++ {
			id = parents[id]
			seen[id] = true
		}
		return d
	}

	out := slices.Clone(ids)
	slices.SortStableFunc(out, func(a, b string) int { return depth(a) - depth(b) })
	return out
}
