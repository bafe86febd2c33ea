// Package keyring is the KeyPairStore: it generates, persists, unlocks and
// resets principals' asymmetric key pairs.
//
// A principal has exactly one active key pair. Reset replaces it with a new
// generation and never touches envelopes already wrapped under the old
// public key; those stay valid until the holding folder rotates or the
// principal runs an explicit rewrap with the old private key.
package keyring

import (
	"context"
	"crypto/rsa"
	"fmt"

	terrors "github.com/PolarWolf314/tresor/internal/errors"
	logger "github.com/PolarWolf314/tresor/internal/logging"
	"github.com/PolarWolf314/tresor/internal/secrets"
	"github.com/PolarWolf314/tresor/internal/store"
	"github.com/PolarWolf314/tresor/internal/workers"
)

// DefaultRSABits is the key size used when Options.RSABits is zero.
const DefaultRSABits = 4096

// DefaultMinImportBits is the smallest imported key accepted when
// Options.MinImportBits is zero.
const DefaultMinImportBits = 2048

// Options configures a Keyring.
type Options struct {
	RSABits int
	// MinImportBits is the smallest key Import accepts.
	MinImportBits int
	KDF           secrets.KDFParams
	// Pool runs RSA key generation. Optional.
	Pool   *workers.Pool
	Logger logger.Logger
}

// Keyring manages principals' key pairs through a store.
type Keyring struct {
	pairs store.KeyPairs
	opts  Options
	log   logger.Logger
}

// New returns a Keyring backed by pairs.
func New(pairs store.KeyPairs, opts Options) *Keyring {
	if opts.RSABits == 0 {
		opts.RSABits = DefaultRSABits
	}
	if opts.MinImportBits == 0 {
		opts.MinImportBits = DefaultMinImportBits
	}
	return &Keyring{pairs: pairs, opts: opts, log: opts.Logger.Named("keyring")}
}

// Generate creates and stores the first key pair for principal.
func (k *Keyring) Generate(ctx context.Context, principal secrets.Principal, secret []byte) (*secrets.KeyPair, error) {
	if principal.ID == "" {
		return nil, fmt.Errorf("principal id is required")
	}

	kp, err := k.newKeyPair(ctx, principal, secret)
	if err != nil {
		return nil, err
	}
	if err := k.pairs.CreateKeyPair(ctx, kp); err != nil {
		return nil, err
	}

	k.log.Infof("generated %d-bit key pair for %s %s", k.opts.RSABits, principal.Kind, principal.ID)
	return kp, nil
}

// Import stores an existing RSA private key as principal's first key pair,
// sealed under secret.
func (k *Keyring) Import(ctx context.Context, principal secrets.Principal, key *rsa.PrivateKey, secret []byte) (*secrets.KeyPair, error) {
	if principal.ID == "" {
		return nil, fmt.Errorf("principal id is required")
	}
	if bits := key.N.BitLen(); bits < k.opts.MinImportBits {
		return nil, fmt.Errorf("%w: %d-bit key is below the %d-bit minimum", terrors.ErrInvalidPrivateKey, bits, k.opts.MinImportBits)
	}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", terrors.ErrInvalidPrivateKey, err)
	}

	kp, err := secrets.NewKeyPair(principal, key, secret, k.opts.KDF)
	if err != nil {
		return nil, err
	}
	if err := k.pairs.CreateKeyPair(ctx, kp); err != nil {
		return nil, err
	}

	k.log.Infof("imported %d-bit key pair for %s %s", key.N.BitLen(), principal.Kind, principal.ID)
	return kp, nil
}

// Unlock opens the principal's active private key with secret.
func (k *Keyring) Unlock(ctx context.Context, principalID string, secret []byte) (*secrets.PrivateKeyHandle, error) {
	kp, err := k.pairs.GetKeyPair(ctx, principalID)
	if err != nil {
		return nil, err
	}

	handle, err := secrets.UnlockKeyPair(kp, secret)
	if err != nil {
		k.log.Debugf("unlock of %s failed: %v", principalID, err)
		return nil, err
	}
	return handle, nil
}

// Reset supersedes the principal's key pair with a new one sealed under
// secret. Existing envelopes are not touched.
func (k *Keyring) Reset(ctx context.Context, principalID string, secret []byte) (*secrets.KeyPair, error) {
	current, err := k.pairs.GetKeyPair(ctx, principalID)
	if err != nil {
		return nil, err
	}

	kp, err := k.newKeyPair(ctx, current.Principal, secret)
	if err != nil {
		return nil, err
	}
	kp.Generation = current.Generation + 1

	if err := k.pairs.ReplaceKeyPair(ctx, kp); err != nil {
		return nil, err
	}

	k.log.Infof("reset key pair of %s to generation %d", principalID, kp.Generation)
	return kp, nil
}

// PublicKey returns the principal's active public key and its generation.
func (k *Keyring) PublicKey(ctx context.Context, principalID string) (*rsa.PublicKey, int, error) {
	kp, err := k.pairs.GetKeyPair(ctx, principalID)
	if err != nil {
		return nil, 0, err
	}
	pub, err := secrets.PublicKeyOf(kp)
	if err != nil {
		return nil, 0, fmt.Errorf("public key of %s: %w", principalID, err)
	}
	return pub, kp.Generation, nil
}

// Principal returns the registered principal record.
func (k *Keyring) Principal(ctx context.Context, principalID string) (secrets.Principal, error) {
	kp, err := k.pairs.GetKeyPair(ctx, principalID)
	if err != nil {
		return secrets.Principal{}, err
	}
	return kp.Principal, nil
}

// Generation returns the generation of the principal's active key pair.
func (k *Keyring) Generation(ctx context.Context, principalID string) (int, error) {
	kp, err := k.pairs.GetKeyPair(ctx, principalID)
	if err != nil {
		return 0, err
	}
	return kp.Generation, nil
}

func (k *Keyring) newKeyPair(ctx context.Context, principal secrets.Principal, secret []byte) (*secrets.KeyPair, error) {
	var kp *secrets.KeyPair
	gen := func(context.Context) error {
		var err error
		kp, err = secrets.GenerateKeyPair(principal, secret, k.opts.RSABits, k.opts.KDF)
		return err
	}

	var err error
	if k.opts.Pool != nil {
		err = k.opts.Pool.Do(ctx, gen)
	} else {
		err = gen(ctx)
	}
	if err != nil {
		return nil, err
	}
	return kp, nil
}
