package folders

import (
	"context"
	"fmt"
	"slices"

	terrors "github.com/PolarWolf314/tresor/internal/errors"
	"github.com/PolarWolf314/tresor/internal/secrets"
	"github.com/PolarWolf314/tresor/internal/store"
	"github.com/PolarWolf314/tresor/internal/upgrades"
)

// Rotate replaces the folder's key, re-encrypting every object under a new
// content key and re-wrapping the folder key for every current holder.
func (h *Hierarchy) Rotate(ctx context.Context, folderID, reason string, actor *secrets.PrivateKeyHandle) (*Change, error) {
	if actor == nil {
		return nil, terrors.ErrAccessDenied
	}
	if reason == "" {
		reason = upgrades.ReasonManual
	}

	return h.mutate(ctx, folderID, actor, func(ctx context.Context, f *store.Folder, st upgrades.State) ([]upgrades.Upgrade, error) {
		up, err := h.rotate(ctx, f, reason, "", actor)
		if err != nil {
			return nil, err
		}
		return []upgrades.Upgrade{up}, nil
	})
}

// Resume completes a pending rotation, if any. Without one it is a no-op.
func (h *Hierarchy) Resume(ctx context.Context, folderID string, actor *secrets.PrivateKeyHandle) (*Change, error) {
	if actor == nil {
		return nil, terrors.ErrAccessDenied
	}
	return h.mutate(ctx, folderID, actor, func(context.Context, *store.Folder, upgrades.State) ([]upgrades.Upgrade, error) {
		return nil, nil
	})
}

// rotate starts and finishes a rotation of f. excluded, if set, gets no
// envelope for the new key.
func (h *Hierarchy) rotate(ctx context.Context, f *store.Folder, reason, excluded string, actor *secrets.PrivateKeyHandle) (upgrades.Upgrade, error) {
	if !f.Envelopes.Has(actor.PrincipalID()) {
		return upgrades.Upgrade{}, fmt.Errorf("%w: %s holds no envelope for %s", terrors.ErrAccessDenied, actor.PrincipalID(), f.ID)
	}

	holders := slices.DeleteFunc(f.Envelopes.Holders(), func(id string) bool { return id == excluded })
	if len(holders) == 0 {
		return upgrades.Upgrade{}, fmt.Errorf("%w: rotation of %s would leave no holders", terrors.ErrSelfRevoke, f.ID)
	}

	oldKey, err := h.openKey(ctx, f, f.Envelopes, actor)
	if err != nil {
		return upgrades.Upgrade{}, err
	}
	defer oldKey.Wipe()

	newKey, err := secrets.NewContentKey()
	if err != nil {
		return upgrades.Upgrade{}, err
	}
	defer newKey.Wipe()

	envelopes, err := h.wrapFor(ctx, newKey, holders)
	if err != nil {
		return upgrades.Upgrade{}, err
	}

	pending := &store.PendingRotation{
		KeyID:        newKey.ID,
		BaseKeyID:    f.KeyID,
		BaseSequence: len(f.Upgrades),
		Holders:      holders,
		Envelopes:    envelopes,
		Reason:       reason,
		Excluded:     excluded,
		StartedBy:    actor.PrincipalID(),
		StartedAt:    h.now(),
	}
	next, err := h.store.UpdateFolder(ctx, f.ID, store.FolderUpdate{
		ExpectedLength: len(f.Upgrades),
		SetPending:     pending,
	})
	if err != nil {
		return upgrades.Upgrade{}, err
	}
	h.log.Infof("folder %s: rotating %s -> %s (%s)", f.ID, f.KeyID, newKey.ID, reason)

	return h.finishRotation(ctx, next, oldKey, newKey)
}

// resume finishes the pending rotation recorded on f. The actor must be one
// of the pending holders.
func (h *Hierarchy) resume(ctx context.Context, f *store.Folder, actor *secrets.PrivateKeyHandle) (upgrades.Upgrade, error) {
	p := f.Pending
	h.log.Infof("folder %s: resuming rotation to %s started by %s", f.ID, p.KeyID, p.StartedBy)

	newKey, err := h.openKey(ctx, f, p.Envelopes, actor)
	if err != nil {
		return upgrades.Upgrade{}, err
	}
	defer newKey.Wipe()
	if newKey.ID != p.KeyID {
		return upgrades.Upgrade{}, fmt.Errorf("%w: pending envelope opens key %s, expected %s", terrors.ErrIntegrityFailure, newKey.ID, p.KeyID)
	}

	// The old key is only needed if something is left to re-encrypt.
	var oldKey *secrets.ContentKey
	if f.Envelopes.Has(actor.PrincipalID()) {
		if oldKey, err = h.openKey(ctx, f, f.Envelopes, actor); err != nil {
			return upgrades.Upgrade{}, err
		}
		defer oldKey.Wipe()
	}

	return h.finishRotation(ctx, f, oldKey, newKey)
}

// finishRotation re-encrypts every object not yet staged for f's pending
// rotation and commits it. oldKey may be nil when nothing is left to stage.
func (h *Hierarchy) finishRotation(ctx context.Context, f *store.Folder, oldKey, newKey *secrets.ContentKey) (upgrades.Upgrade, error) {
	p := f.Pending

	objs, err := h.store.ListObjects(ctx, f.ID)
	if err != nil {
		return upgrades.Upgrade{}, err
	}
	var todo []*store.Object
	for _, o := range objs {
		if o.KeyID() == "" || o.KeyID() == p.KeyID {
			continue
		}
		if o.Staged != nil && o.Staged.KeyID == p.KeyID {
			continue
		}
		todo = append(todo, o)
	}

	if len(todo) > 0 && oldKey == nil {
		return upgrades.Upgrade{}, fmt.Errorf("%w: %d object(s) of %s still need the old key", terrors.ErrAccessDenied, len(todo), f.ID)
	}

	for start := 0; start < len(todo); start += h.opts.BatchSize {
		batch := todo[start:min(start+h.opts.BatchSize, len(todo))]
		sealed := make([]*secrets.Sealed, len(batch))

		err := h.pool.Map(ctx, len(batch), func(ctx context.Context, i int) error {
			plaintext, err := secrets.OpenObject(batch[i].Sealed, oldKey)
			if err != nil {
				return fmt.Errorf("object %s: %w", batch[i].ID, err)
			}
			defer clear(plaintext)
			// A new content key per object, so a key learnt before the
			// rotation opens none of the re-encrypted payloads.
			sealed[i], err = secrets.SealObject(plaintext, newKey)
			return err
		})
		if err != nil {
			return upgrades.Upgrade{}, err
		}

		staged := make(map[string]*secrets.Sealed, len(batch))
		for i, o := range batch {
			staged[o.ID] = sealed[i]
		}
		if err := h.store.StageObjects(ctx, f.ID, p.KeyID, staged); err != nil {
			return upgrades.Upgrade{}, err
		}
		h.log.Debugf("folder %s: staged %d/%d object(s)", f.ID, start+len(batch), len(todo))
	}

	up := upgrades.Upgrade{
		Operation:   upgrades.OpRotate,
		PrincipalID: p.StartedBy,
		KeyID:       p.KeyID,
		Holders:     slices.Clone(p.Holders),
		Reason:      p.Reason,
	}
	next, err := h.commit(ctx, f, up, store.FolderUpdate{
		Envelopes:     p.Envelopes,
		KeyID:         p.KeyID,
		ClearPending:  true,
		PromoteStaged: true,
	})
	if err != nil {
		return upgrades.Upgrade{}, err
	}

	h.log.Infof("folder %s: rotated to key %s, %d object(s) re-encrypted", f.ID, p.KeyID, len(todo))
	return next.Upgrades[len(next.Upgrades)-1], nil
}
