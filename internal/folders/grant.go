package folders

import (
	"context"
	"fmt"

	terrors "github.com/PolarWolf314/tresor/internal/errors"
	"github.com/PolarWolf314/tresor/internal/secrets"
	"github.com/PolarWolf314/tresor/internal/store"
	"github.com/PolarWolf314/tresor/internal/upgrades"

	"github.com/google/uuid"
)

// CreateOptions describes a new folder.
type CreateOptions struct {
	// ID defaults to a random uuid.
	ID string
	// OrgID defaults to the parent's org.
	OrgID    string
	ParentID string
	Name     string
	// Owner receives the first envelope.
	Owner string
}

// Create makes a folder with a fresh key wrapped for the owner. A subfolder
// key is also wrapped for every holder of the parent.
func (h *Hierarchy) Create(ctx context.Context, opts CreateOptions) (*store.Folder, error) {
	if opts.Owner == "" {
		return nil, fmt.Errorf("folder owner is required")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}

	holders := []string{opts.Owner}
	var inherited []string
	if opts.ParentID != "" {
		// Holding the parent lock keeps its holder set still until the
		// subfolder exists.
		unlock, err := h.locks.lock(ctx, opts.ParentID)
		if err != nil {
			return nil, err
		}
		defer unlock()

		parent, err := h.store.GetFolder(ctx, opts.ParentID)
		if err != nil {
			return nil, err
		}
		if opts.OrgID == "" {
			opts.OrgID = parent.OrgID
		}
		if parent.OrgID != opts.OrgID {
			return nil, fmt.Errorf("%w: parent %s belongs to org %s, not %s", terrors.ErrAccessDenied, parent.ID, parent.OrgID, opts.OrgID)
		}
		for _, id := range inheritedHolders(parent) {
			if id != opts.Owner {
				inherited = append(inherited, id)
			}
		}
		holders = append(holders, inherited...)
	}

	key, err := secrets.NewContentKey()
	if err != nil {
		return nil, err
	}
	defer key.Wipe()

	envelopes, err := h.wrapFor(ctx, key, holders)
	if err != nil {
		return nil, err
	}

	now := h.now()
	f := &store.Folder{
		ID:        opts.ID,
		OrgID:     opts.OrgID,
		ParentID:  opts.ParentID,
		Name:      opts.Name,
		KeyID:     key.ID,
		Envelopes: envelopes,
		Upgrades: upgrades.Log{{
			Sequence:    0,
			Operation:   upgrades.OpCreate,
			PrincipalID: opts.Owner,
			KeyID:       key.ID,
			Holders:     inherited,
			Timestamp:   now,
		}},
		CreatedAt: now,
	}
	if err := h.store.CreateFolder(ctx, f); err != nil {
		return nil, err
	}

	h.log.Infof("created folder %s for %s under key %s", f.ID, opts.Owner, key.ID)
	if len(inherited) > 0 {
		h.log.Debugf("folder %s: %d holder(s) taken over from %s", f.ID, len(inherited), opts.ParentID)
	}
	return f, nil
}

// Grant wraps the key of the folder and of every subfolder below it for
// principalID. The grantor must already hold an envelope. Granting to a
// holder whose envelope predates its current key pair re-wraps it;
// granting to an up-to-date holder is a no-op.
//
// Subfolders are granted first, so a subfolder never lacks a holder of its
// parent. Repeating a grant that failed part way completes it.
func (h *Hierarchy) Grant(ctx context.Context, folderID, principalID string, grantor *secrets.PrivateKeyHandle) (*Change, error) {
	if grantor == nil {
		return nil, terrors.ErrAccessDenied
	}

	tree, unlock, err := h.lockSubtree(ctx, folderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var subfolders []*Change
	for i := len(tree) - 1; i >= 1; i-- {
		change, err := h.grantOne(ctx, tree[i].ID, principalID, grantor)
		if err != nil {
			return nil, fmt.Errorf("grant on subfolder %s: %w", tree[i].ID, err)
		}
		if !change.NoOp() {
			subfolders = append(subfolders, change)
		}
	}

	change, err := h.grantOne(ctx, folderID, principalID, grantor)
	if err != nil {
		return nil, err
	}
	change.Subfolders = subfolders
	return change, nil
}

func (h *Hierarchy) grantOne(ctx context.Context, folderID, principalID string, grantor *secrets.PrivateKeyHandle) (*Change, error) {
	return h.mutateLocked(ctx, folderID, grantor, func(ctx context.Context, f *store.Folder, st upgrades.State) ([]upgrades.Upgrade, error) {
		pub, gen, err := h.keys.PublicKey(ctx, principalID)
		if err != nil {
			return nil, err
		}

		reason := ""
		if existing, ok := f.Envelopes[principalID]; ok {
			if existing.KeyGeneration == gen {
				h.log.Debugf("folder %s: %s already holds an envelope", f.ID, principalID)
				return nil, nil
			}
			reason = upgrades.ReasonRegrant
		}

		key, err := h.openKey(ctx, f, f.Envelopes, grantor)
		if err != nil {
			return nil, err
		}
		defer key.Wipe()

		var env *secrets.Envelope
		if err := h.pool.Do(ctx, func(context.Context) error {
			env, err = secrets.Wrap(key, principalID, gen, pub)
			return err
		}); err != nil {
			return nil, err
		}

		envelopes := f.Envelopes.Clone()
		envelopes[principalID] = env

		up := upgrades.Upgrade{Operation: upgrades.OpGrant, PrincipalID: principalID, KeyID: f.KeyID, Reason: reason}
		next, err := h.commit(ctx, f, up, store.FolderUpdate{Envelopes: envelopes})
		if err != nil {
			return nil, err
		}

		h.log.Infof("folder %s: granted %s by %s", f.ID, principalID, grantor.PrincipalID())
		return []upgrades.Upgrade{next.Upgrades[len(next.Upgrades)-1]}, nil
	})
}

// Revoke removes principalID's envelope from the folder and from every
// subfolder below it, rotating each folder it was removed from so the
// revoked principal's copies of the old keys open nothing new. Revoking a
// principal that holds no envelope is a no-op.
//
// A principal that holds the parent folder keeps its access to the
// subfolder: revoking it there is ErrInheritedAccess. The folder is handled
// before its subfolders; repeating a revoke that failed part way completes
// it.
func (h *Hierarchy) Revoke(ctx context.Context, folderID, principalID string, actor *secrets.PrivateKeyHandle) (*Change, error) {
	if actor == nil {
		return nil, terrors.ErrAccessDenied
	}

	tree, unlock, err := h.lockSubtree(ctx, folderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if parentID := tree[0].ParentID; parentID != "" {
		parent, err := h.store.GetFolder(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if parent.Envelopes.Has(principalID) {
			return nil, fmt.Errorf("%w: %s holds parent %s of %s", terrors.ErrInheritedAccess, principalID, parentID, folderID)
		}
	}

	change, err := h.revokeOne(ctx, folderID, principalID, actor)
	if err != nil {
		return change, err
	}
	for _, f := range tree[1:] {
		sub, err := h.revokeOne(ctx, f.ID, principalID, actor)
		if sub != nil && !sub.NoOp() {
			change.Subfolders = append(change.Subfolders, sub)
		}
		if err != nil {
			return change, fmt.Errorf("revoke on subfolder %s: %w", f.ID, err)
		}
	}
	return change, nil
}

func (h *Hierarchy) revokeOne(ctx context.Context, folderID, principalID string, actor *secrets.PrivateKeyHandle) (*Change, error) {
	return h.mutateLocked(ctx, folderID, actor, func(ctx context.Context, f *store.Folder, st upgrades.State) ([]upgrades.Upgrade, error) {
		if !f.Envelopes.Has(principalID) {
			h.log.Debugf("folder %s: %s holds no envelope, nothing to revoke", f.ID, principalID)
			return nil, nil
		}
		if len(f.Envelopes) == 1 {
			return nil, fmt.Errorf("%w: %s is the only holder of %s", terrors.ErrSelfRevoke, principalID, f.ID)
		}
		if !f.Envelopes.Has(actor.PrincipalID()) {
			return nil, fmt.Errorf("%w: %s holds no envelope for %s", terrors.ErrAccessDenied, actor.PrincipalID(), f.ID)
		}
		if actor.PrincipalID() == principalID {
			return nil, fmt.Errorf("%w: %s cannot rotate a folder it is leaving", terrors.ErrAccessDenied, principalID)
		}

		// Phase one: no new unwraps for the revoked principal.
		envelopes := f.Envelopes.Clone()
		delete(envelopes, principalID)

		up := upgrades.Upgrade{Operation: upgrades.OpRevoke, PrincipalID: principalID, KeyID: f.KeyID}
		next, err := h.commit(ctx, f, up, store.FolderUpdate{Envelopes: envelopes})
		if err != nil {
			return nil, err
		}
		entries := []upgrades.Upgrade{next.Upgrades[len(next.Upgrades)-1]}
		h.log.Infof("folder %s: revoked %s, rotating", f.ID, principalID)

		// Phase two: the key the revoked principal knew is replaced.
		rot, err := h.rotate(ctx, next, upgrades.ReasonRevoke, principalID, actor)
		if err != nil {
			return entries, err
		}
		return append(entries, rot), nil
	})
}

// Archive makes the folder read-only. The actor must hold an envelope.
func (h *Hierarchy) Archive(ctx context.Context, folderID string, actor *secrets.PrivateKeyHandle) (*Change, error) {
	if actor == nil {
		return nil, terrors.ErrAccessDenied
	}

	return h.mutate(ctx, folderID, actor, func(ctx context.Context, f *store.Folder, st upgrades.State) ([]upgrades.Upgrade, error) {
		if !f.Envelopes.Has(actor.PrincipalID()) {
			return nil, fmt.Errorf("%w: %s holds no envelope for %s", terrors.ErrAccessDenied, actor.PrincipalID(), f.ID)
		}

		up := upgrades.Upgrade{Operation: upgrades.OpArchive, PrincipalID: actor.PrincipalID()}
		next, err := h.commit(ctx, f, up, store.FolderUpdate{})
		if err != nil {
			return nil, err
		}
		h.log.Infof("folder %s: archived by %s", f.ID, actor.PrincipalID())
		return []upgrades.Upgrade{next.Upgrades[len(next.Upgrades)-1]}, nil
	})
}

// Rewrap re-wraps every envelope principalID holds under an older key-pair
// generation to its current public key, using oldKey to open them. It is
// the explicit one-time pass that follows a key reset. Folders where the
// old key opens nothing are reported and skipped.
func (h *Hierarchy) Rewrap(ctx context.Context, principalID string, oldKey *secrets.PrivateKeyHandle) ([]*Change, error) {
	if oldKey == nil || oldKey.PrincipalID() != principalID {
		return nil, terrors.ErrAccessDenied
	}

	_, current, err := h.keys.PublicKey(ctx, principalID)
	if err != nil {
		return nil, err
	}

	all, err := h.store.ListFolders(ctx)
	if err != nil {
		return nil, err
	}

	var changes []*Change
	for _, f := range all {
		env, ok := f.Envelopes[principalID]
		if !ok || env.KeyGeneration >= current {
			continue
		}
		if st, err := upgrades.Replay(f.Upgrades); err != nil || st.Status == upgrades.StatusArchived {
			continue
		}
		// A rotation started after the reset already wraps its new key for
		// the current key pair; it commits when a holder resumes it.
		if p := f.Pending; p != nil {
			if pe, ok := p.Envelopes[principalID]; ok && pe.KeyGeneration != oldKey.Generation() {
				h.log.Warnf("folder %s: rotation to %s is pending, skipping rewrap of %s", f.ID, p.KeyID, principalID)
				continue
			}
		}

		change, err := h.rewrapFolder(ctx, f.ID, principalID, oldKey)
		if err != nil {
			return changes, fmt.Errorf("rewrap of folder %s: %w", f.ID, err)
		}
		if !change.NoOp() {
			changes = append(changes, change)
		}
	}

	h.log.Infof("rewrapped %d folder(s) for %s", len(changes), principalID)
	return changes, nil
}

func (h *Hierarchy) rewrapFolder(ctx context.Context, folderID, principalID string, oldKey *secrets.PrivateKeyHandle) (*Change, error) {
	return h.mutate(ctx, folderID, oldKey, func(ctx context.Context, f *store.Folder, st upgrades.State) ([]upgrades.Upgrade, error) {
		pub, gen, err := h.keys.PublicKey(ctx, principalID)
		if err != nil {
			return nil, err
		}
		env, ok := f.Envelopes[principalID]
		if !ok || env.KeyGeneration == gen {
			return nil, nil
		}

		var newEnv *secrets.Envelope
		err = h.pool.Do(ctx, func(context.Context) error {
			key, err := secrets.Unwrap(env, oldKey)
			if err != nil {
				return err
			}
			defer key.Wipe()
			newEnv, err = secrets.Wrap(key, principalID, gen, pub)
			return err
		})
		if err != nil {
			return nil, err
		}

		envelopes := f.Envelopes.Clone()
		envelopes[principalID] = newEnv

		up := upgrades.Upgrade{Operation: upgrades.OpGrant, PrincipalID: principalID, KeyID: f.KeyID, Reason: upgrades.ReasonRewrap}
		next, err := h.commit(ctx, f, up, store.FolderUpdate{Envelopes: envelopes})
		if err != nil {
			return nil, err
		}
		return []upgrades.Upgrade{next.Upgrades[len(next.Upgrades)-1]}, nil
	})
}
