package workflows

import (
	"context"

	"github.com/PolarWolf314/tresor/internal/audit"
)

// DecryptOptions configures the decrypt workflow.
type DecryptOptions struct {
	Actor    ActorCredentials
	ObjectID string
}

// DecryptResult contains the outcome of a decrypt operation.
type DecryptResult struct {
	ObjectID  string
	FolderID  string
	KeyID     string
	Plaintext []byte
}

// DecryptObject opens an object with the actor's envelope for its folder.
// It takes no folder lock.
//
// Returns ErrAccessDenied if the actor holds no envelope, a StaleKeyError
// (matching ErrDecryptFailure) if the envelope predates the actor's current
// key pair, ErrIntegrityFailure if the ciphertext was tampered with and
// ErrMissingKeyMaterial for a legacy object with no key id.
func (e *Engine) DecryptObject(ctx context.Context, opts DecryptOptions) (*DecryptResult, error) {
	handle, err := e.unlock(ctx, opts.Actor)
	if err != nil {
		return nil, err
	}
	defer handle.Wipe()

	obj, err := e.store.GetObject(ctx, opts.ObjectID)
	if err != nil {
		return nil, err
	}

	plaintext, err := e.tree.Decrypt(ctx, opts.ObjectID, handle)
	e.record(audit.Entry{
		Actor:     opts.Actor.PrincipalID,
		Operation: "decrypt",
		FolderID:  obj.FolderID,
		ObjectID:  opts.ObjectID,
	}, err)
	if err != nil {
		return nil, err
	}

	return &DecryptResult{
		ObjectID:  opts.ObjectID,
		FolderID:  obj.FolderID,
		KeyID:     obj.KeyID(),
		Plaintext: plaintext,
	}, nil
}
