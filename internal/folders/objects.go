package folders

import (
	"context"
	"errors"
	"fmt"

	terrors "github.com/PolarWolf314/tresor/internal/errors"
	"github.com/PolarWolf314/tresor/internal/secrets"
	"github.com/PolarWolf314/tresor/internal/store"
	"github.com/PolarWolf314/tresor/internal/upgrades"

	"github.com/google/uuid"
)

// Encrypt seals plaintext under a fresh content key, wraps that key under
// the folder's current key and stores both as a new object. A pending
// rotation is completed first.
func (h *Hierarchy) Encrypt(ctx context.Context, folderID string, plaintext []byte, actor *secrets.PrivateKeyHandle) (*store.Object, error) {
	if actor == nil {
		return nil, terrors.ErrAccessDenied
	}

	var obj *store.Object
	_, err := h.mutate(ctx, folderID, actor, func(ctx context.Context, f *store.Folder, st upgrades.State) ([]upgrades.Upgrade, error) {
		key, err := h.openKey(ctx, f, f.Envelopes, actor)
		if err != nil {
			return nil, err
		}
		defer key.Wipe()

		var sealed *secrets.Sealed
		if err := h.pool.Do(ctx, func(context.Context) error {
			sealed, err = secrets.SealObject(plaintext, key)
			return err
		}); err != nil {
			return nil, err
		}

		o := &store.Object{
			ID:        uuid.NewString(),
			FolderID:  f.ID,
			Sealed:    sealed,
			CreatedAt: h.now(),
		}
		if err := h.store.PutObject(ctx, o); err != nil {
			return nil, err
		}
		obj = o
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	h.log.Debugf("folder %s: stored object %s under key %s", folderID, obj.ID, obj.KeyID())
	return obj, nil
}

// Decrypt opens an object with the principal's private key. It takes no
// folder lock.
func (h *Hierarchy) Decrypt(ctx context.Context, objectID string, handle *secrets.PrivateKeyHandle) ([]byte, error) {
	if handle == nil {
		return nil, terrors.ErrAccessDenied
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		plaintext, err := h.decryptOnce(ctx, objectID, handle)
		if err == nil {
			return plaintext, nil
		}
		if !retryableRead(err) {
			return nil, err
		}
		lastErr = err
		if errors.Is(err, terrors.ErrIntegrityFailure) {
			h.log.Warnf("object %s: integrity check failed under key %s: %v", objectID, keyOf(err), err)
			continue
		}
		h.log.Debugf("object %s: read raced a key change, re-reading: %v", objectID, err)
	}
	return nil, lastErr
}

func (h *Hierarchy) decryptOnce(ctx context.Context, objectID string, handle *secrets.PrivateKeyHandle) ([]byte, error) {
	obj, err := h.store.GetObject(ctx, objectID)
	if err != nil {
		return nil, err
	}
	if obj.KeyID() == "" {
		return nil, fmt.Errorf("%w: object %s", terrors.ErrMissingKeyMaterial, obj.ID)
	}

	f, err := h.store.GetFolder(ctx, obj.FolderID)
	if err != nil {
		return nil, err
	}
	if obj.KeyID() != f.KeyID {
		return nil, fmt.Errorf("%w: object %s under key %s, folder %s under %s",
			terrors.ErrKeyRotationConflict, obj.ID, obj.KeyID(), f.ID, f.KeyID)
	}

	key, err := h.openKey(ctx, f, f.Envelopes, handle)
	if err != nil {
		return nil, err
	}
	defer key.Wipe()

	var plaintext []byte
	err = h.pool.Do(ctx, func(context.Context) error {
		plaintext, err = secrets.OpenObject(obj.Sealed, key)
		return err
	})
	if err != nil {
		return nil, &readError{keyID: obj.KeyID(), err: err}
	}
	return plaintext, nil
}

// readError carries the key id an object failed to open under.
type readError struct {
	keyID string
	err   error
}

func (e *readError) Error() string { return e.err.Error() }
func (e *readError) Unwrap() error { return e.err }

func keyOf(err error) string {
	var re *readError
	if errors.As(err, &re) {
		return re.keyID
	}
	return "unknown"
}

// retryableRead reports whether a failed read may succeed against a fresh
// view of the folder.
func retryableRead(err error) bool {
	return errors.Is(err, terrors.ErrKeyRotationConflict) ||
		errors.Is(err, terrors.ErrDecryptFailure) ||
		errors.Is(err, terrors.ErrIntegrityFailure)
}

// Objects lists a folder's objects.
func (h *Hierarchy) Objects(ctx context.Context, folderID string) ([]*store.Object, error) {
	if _, err := h.store.GetFolder(ctx, folderID); err != nil {
		return nil, err
	}
	return h.store.ListObjects(ctx, folderID)
}
