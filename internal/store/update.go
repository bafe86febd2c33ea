package store

import (
	"fmt"

	terrors "github.com/PolarWolf314/tresor/internal/errors"
	"github.com/PolarWolf314/tresor/internal/secrets"
)

// ApplyFolderUpdate validates u against f and objs and mutates f in place.
// Every Store implementation applies updates through it.
// It returns the payloads to promote, keyed by object id. On error f is
// left untouched.
func ApplyFolderUpdate(f *Folder, objs []*Object, u FolderUpdate) (map[string]*secrets.Sealed, error) {
	if len(f.Upgrades) != u.ExpectedLength {
		return nil, fmt.Errorf("%w: folder %s log has %d entries, update expected %d",
			terrors.ErrKeyRotationConflict, f.ID, len(f.Upgrades), u.ExpectedLength)
	}
	if u.Append != nil && u.Append.Sequence != u.ExpectedLength {
		return nil, fmt.Errorf("%w: entry sequence %d does not follow %d",
			terrors.ErrKeyRotationConflict, u.Append.Sequence, u.ExpectedLength)
	}
	if u.SetPending != nil && f.Pending != nil {
		return nil, fmt.Errorf("%w: folder %s already has rotation %s pending",
			terrors.ErrKeyRotationConflict, f.ID, f.Pending.KeyID)
	}

	keyID := f.KeyID
	if u.KeyID != "" {
		keyID = u.KeyID
	}

	var promoted map[string]*secrets.Sealed
	if u.PromoteStaged {
		promoted = make(map[string]*secrets.Sealed)
		for _, o := range objs {
			current := o.KeyID()
			if o.Staged != nil && o.Staged.KeyID == keyID {
				promoted[o.ID] = o.Staged
				current = keyID
			}
			if current != "" && current != keyID {
				return nil, fmt.Errorf("%w: object %s would remain under key %s",
					terrors.ErrKeyRotationConflict, o.ID, current)
			}
		}
	}

	if u.Append != nil {
		f.Upgrades = append(f.Upgrades, *u.Append)
	}
	if u.Envelopes != nil {
		f.Envelopes = u.Envelopes.Clone()
	}
	f.KeyID = keyID
	if u.ClearPending {
		f.Pending = nil
	}
	if u.SetPending != nil {
		p := *u.SetPending
		p.Envelopes = u.SetPending.Envelopes.Clone()
		f.Pending = &p
	}
	return promoted, nil
}

// CheckPut validates a new object against its folder.
func CheckPut(f *Folder, obj *Object) error {
	if f.Pending != nil {
		return fmt.Errorf("%w: folder %s is rotating to key %s", terrors.ErrKeyRotationConflict, f.ID, f.Pending.KeyID)
	}
	if obj.KeyID() != f.KeyID {
		return fmt.Errorf("%w: object sealed under key %s, folder key is %s", terrors.ErrKeyRotationConflict, obj.KeyID(), f.KeyID)
	}
	return nil
}

// CheckStage validates that staged payloads target the pending rotation.
func CheckStage(f *Folder, keyID string) error {
	if f.Pending == nil || f.Pending.KeyID != keyID {
		return fmt.Errorf("%w: folder %s has no pending rotation to key %s", terrors.ErrKeyRotationConflict, f.ID, keyID)
	}
	return nil
}
