package workflows

import (
	"context"
	"fmt"

	"github.com/PolarWolf314/tresor/internal/audit"
	"github.com/PolarWolf314/tresor/internal/secrets"
)

// EncryptOptions configures the encrypt workflow.
type EncryptOptions struct {
	// Actor must hold the folder key.
	Actor ActorCredentials

	FolderID  string
	Plaintext []byte
}

// EncryptResult contains the outcome of an encrypt operation.
type EncryptResult struct {
	ObjectID  string
	FolderID  string
	KeyID     string
	Algorithm secrets.ContentAlgorithm
	Size      int
}

// EncryptAndStore seals plaintext under the folder's current key and stores
// it as a new object.
//
// Returns ErrAccessDenied if the actor holds no envelope and
// ErrFolderArchived if the folder is read-only.
func (e *Engine) EncryptAndStore(ctx context.Context, opts EncryptOptions) (*EncryptResult, error) {
	if opts.FolderID == "" {
		return nil, fmt.Errorf("folder id is required")
	}

	handle, err := e.unlock(ctx, opts.Actor)
	if err != nil {
		return nil, err
	}
	defer handle.Wipe()

	obj, err := e.tree.Encrypt(ctx, opts.FolderID, opts.Plaintext, handle)
	entry := audit.Entry{Actor: opts.Actor.PrincipalID, Operation: "encrypt", FolderID: opts.FolderID}
	if obj != nil {
		entry.ObjectID = obj.ID
		entry.KeyID = obj.KeyID()
	}
	e.record(entry, err)
	if err != nil {
		return nil, err
	}

	return &EncryptResult{
		ObjectID:  obj.ID,
		FolderID:  obj.FolderID,
		KeyID:     obj.KeyID(),
		Algorithm: obj.Sealed.Algorithm,
		Size:      len(opts.Plaintext),
	}, nil
}
