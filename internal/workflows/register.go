package workflows

import (
	"context"
	"fmt"

	"github.com/PolarWolf314/tresor/internal/audit"
	"github.com/PolarWolf314/tresor/internal/secrets"
	"github.com/PolarWolf314/tresor/internal/utils"
)

// RegisterOptions configures the register workflow.
type RegisterOptions struct {
	// PrincipalID is the id of the new principal.
	PrincipalID string

	// Kind defaults to a user.
	Kind secrets.PrincipalKind

	// OrgID is the organization the principal belongs to. For an
	// organization principal it defaults to PrincipalID.
	OrgID string

	// Secret seals the new private key.
	Secret []byte

	// PrivateKey, when set, is an existing RSA key (PKCS#1, PKCS#8 or
	// OpenSSH) registered instead of a generated one.
	PrivateKey []byte

	// KeyPassphrase opens an encrypted PrivateKey.
	KeyPassphrase []byte
}

// RegisterResult contains the outcome of a register operation.
type RegisterResult struct {
	PrincipalID string
	Kind        secrets.PrincipalKind
	OrgID       string

	// Generation is the key-pair generation, 1 for a new principal.
	Generation int

	// PublicKey is the PEM encoded public key.
	PublicKey []byte
}

// RegisterPrincipal generates or imports the first key pair of a principal.
//
// Returns ErrPublicKeyExists if the principal is already registered, and
// ErrPassphraseRequired if an imported key is encrypted and no
// KeyPassphrase was given.
func (e *Engine) RegisterPrincipal(ctx context.Context, opts RegisterOptions) (*RegisterResult, error) {
	if !utils.IsValidID(opts.PrincipalID) {
		return nil, fmt.Errorf("invalid principal id %q", opts.PrincipalID)
	}
	if len(opts.Secret) == 0 {
		return nil, fmt.Errorf("a secret is required to seal the private key")
	}

	kind := opts.Kind
	if kind == "" {
		kind = secrets.KindUser
	}
	orgID := opts.OrgID
	if orgID == "" && kind == secrets.KindOrganization {
		orgID = opts.PrincipalID
	}

	principal := secrets.Principal{ID: opts.PrincipalID, Kind: kind, OrgID: orgID}
	var kp *secrets.KeyPair
	var err error
	if len(opts.PrivateKey) > 0 {
		kp, err = e.importKey(ctx, principal, opts)
	} else {
		kp, err = e.keys.Generate(ctx, principal, opts.Secret)
	}
	e.record(audit.Entry{Actor: opts.PrincipalID, Operation: "register"}, err)
	if err != nil {
		return nil, err
	}

	return &RegisterResult{
		PrincipalID: kp.Principal.ID,
		Kind:        kp.Principal.Kind,
		OrgID:       kp.Principal.OrgID,
		Generation:  kp.Generation,
		PublicKey:   kp.PublicKey,
	}, nil
}

func (e *Engine) importKey(ctx context.Context, principal secrets.Principal, opts RegisterOptions) (*secrets.KeyPair, error) {
	key, err := secrets.ParsePrivateKey(opts.PrivateKey, opts.KeyPassphrase)
	if err != nil {
		return nil, err
	}
	return e.keys.Import(ctx, principal, key, opts.Secret)
}

// ResetOptions configures the reset workflow.
type ResetOptions struct {
	PrincipalID string

	// NewSecret seals the replacement private key.
	NewSecret []byte

	// OldSecret, when set, unlocks the superseded key so every envelope it
	// still opens is re-wrapped under the new key pair.
	OldSecret []byte
}

// ResetResult contains the outcome of a reset operation.
type ResetResult struct {
	PrincipalID string
	Generation  int

	// Rewrapped lists the folders whose envelope was re-wrapped.
	Rewrapped []string
}

// ResetPrincipalKeys replaces a principal's key pair.
//
// Without OldSecret the existing envelopes stay wrapped under the old
// public key and reads fail with a StaleKeyError until a holder re-grants
// access or the folder rotates.
func (e *Engine) ResetPrincipalKeys(ctx context.Context, opts ResetOptions) (*ResetResult, error) {
	if len(opts.NewSecret) == 0 {
		return nil, fmt.Errorf("a new secret is required")
	}

	// The old key must be unlocked before the reset supersedes it.
	var oldKey *secrets.PrivateKeyHandle
	if len(opts.OldSecret) > 0 {
		var err error
		oldKey, err = e.unlock(ctx, ActorCredentials{PrincipalID: opts.PrincipalID, Secret: opts.OldSecret})
		if err != nil {
			return nil, err
		}
		defer oldKey.Wipe()
	}

	kp, err := e.keys.Reset(ctx, opts.PrincipalID, opts.NewSecret)
	entry := audit.Entry{Actor: opts.PrincipalID, Operation: "reset"}
	if kp != nil {
		entry.Sequence = kp.Generation
	}
	e.record(entry, err)
	if err != nil {
		return nil, err
	}

	result := &ResetResult{PrincipalID: opts.PrincipalID, Generation: kp.Generation}
	if oldKey == nil {
		return result, nil
	}

	changes, err := e.tree.Rewrap(ctx, opts.PrincipalID, oldKey)
	for _, c := range changes {
		result.Rewrapped = append(result.Rewrapped, c.FolderID)
	}
	e.record(audit.Entry{Actor: opts.PrincipalID, Operation: "rewrap", Count: len(result.Rewrapped)}, err)
	if err != nil {
		return result, fmt.Errorf("key reset, but rewrap stopped after %d folders: %w", len(result.Rewrapped), err)
	}

	e.log.Infof("reset %s to generation %d, rewrapped %d folders", opts.PrincipalID, kp.Generation, len(result.Rewrapped))
	return result, nil
}
