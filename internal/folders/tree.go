package folders

import (
	"context"

	"github.com/PolarWolf314/tresor/internal/store"
)

// subtree returns folderID followed by every folder below it, parents
// before their subfolders.
func (h *Hierarchy) subtree(ctx context.Context, folderID string) ([]*store.Folder, error) {
	root, err := h.store.GetFolder(ctx, folderID)
	if err != nil {
		return nil, err
	}
	all, err := h.store.ListFolders(ctx)
	if err != nil {
		return nil, err
	}

	children := make(map[string][]*store.Folder)
	for _, f := range all {
		if f.ParentID != "" {
			children[f.ParentID] = append(children[f.ParentID], f)
		}
	}

	out := []*store.Folder{root}
	seen := map[string]bool{root.ID: true}
	for i := 0; i < len(out); i++ {
		for _, c := range children[out[i].ID] {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	return out, nil
}

// lockSubtree locks folderID and every folder below it, parents first, and
// returns the subtree as it stands once all of them are held. Subfolders
// created while it waited are picked up and locked too.
func (h *Hierarchy) lockSubtree(ctx context.Context, folderID string) ([]*store.Folder, func(), error) {
	var unlocks []func()
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}

	held := make(map[string]bool)
	for {
		tree, err := h.subtree(ctx, folderID)
		if err != nil {
			release()
			return nil, nil, err
		}

		complete := true
		for _, f := range tree {
			if held[f.ID] {
				continue
			}
			complete = false
			unlock, err := h.locks.lock(ctx, f.ID)
			if err != nil {
				release()
				return nil, nil, err
			}
			unlocks = append(unlocks, unlock)
			held[f.ID] = true
		}
		if complete {
			return tree, release, nil
		}
	}
}

// inheritedHolders returns the principals a new subfolder of parent starts
// out with.
func inheritedHolders(parent *store.Folder) []string {
	if parent.Pending != nil {
		return parent.Pending.Envelopes.Holders()
	}
	return parent.Envelopes.Holders()
}
