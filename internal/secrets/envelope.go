package secrets

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"sort"

	terrors "github.com/PolarWolf314/tresor/internal/errors"
)

// WrapAlgorithm identifies how a content key was wrapped for a principal.
type WrapAlgorithm string

const (
	// AlgRSAOAEPSHA256 is stamped on every envelope this build produces.
	AlgRSAOAEPSHA256 WrapAlgorithm = "RSA_OAEP_SHA256"

	// AlgRSAPKCS1v15 is the historical wrap scheme. Decode only.
	AlgRSAPKCS1v15 WrapAlgorithm = "RSA_PKCS1V15"
)

// Envelope is a content key wrapped under one principal's public key.
type Envelope struct {
	PrincipalID   string        `json:"principal_id"`
	Algorithm     WrapAlgorithm `json:"algorithm"`
	KeyID         string        `json:"key_id"`
	KeyGeneration int           `json:"key_generation"`
	WrappedKey    []byte        `json:"wrapped_key"`
}

// Wrap encrypts key for the principal owning publicKey. generation is the
// principal's key-pair generation the public key belongs to.
func Wrap(key *ContentKey, principalID string, generation int, publicKey *rsa.PublicKey) (*Envelope, error) {
	if key == nil || len(key.key) != ContentKeySize {
		return nil, terrors.ErrInvalidKeyLength
	}
	if publicKey == nil {
		return nil, terrors.ErrInvalidPublicKey
	}

	// The key id is the OAEP label, so an envelope cannot be replayed
	// against a different content key record.
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, publicKey, key.key, []byte(key.ID))
	if err != nil {
		return nil, fmt.Errorf("wrapping content key for %s: %w", principalID, err)
	}

	return &Envelope{
		PrincipalID:   principalID,
		Algorithm:     AlgRSAOAEPSHA256,
		KeyID:         key.ID,
		KeyGeneration: generation,
		WrappedKey:    wrapped,
	}, nil
}

// Unwrap recovers the content key from env using the caller's private key.
func Unwrap(env *Envelope, handle *PrivateKeyHandle) (*ContentKey, error) {
	if env == nil {
		return nil, terrors.ErrAccessDenied
	}
	if handle == nil || handle.key == nil {
		return nil, fmt.Errorf("%w: no private key", terrors.ErrDecryptFailure)
	}
	if env.PrincipalID != handle.principalID {
		return nil, fmt.Errorf("%w: envelope belongs to %s", terrors.ErrAccessDenied, env.PrincipalID)
	}

	var material []byte
	var err error
	switch env.Algorithm {
	case AlgRSAOAEPSHA256:
		material, err = rsa.DecryptOAEP(sha256.New(), nil, handle.key, env.WrappedKey, []byte(env.KeyID))
	case AlgRSAPKCS1v15:
		material, err = rsa.DecryptPKCS1v15(nil, handle.key, env.WrappedKey)
	default:
		return nil, fmt.Errorf("%w: %v wrap algorithm %q", terrors.ErrDecryptFailure, terrors.ErrUnsupportedAlgorithm, env.Algorithm)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: envelope for %s under key %s", terrors.ErrDecryptFailure, env.PrincipalID, env.KeyID)
	}
	defer wipe(material)

	key, err := ContentKeyFromBytes(env.KeyID, material)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", terrors.ErrDecryptFailure, err)
	}
	return key, nil
}

// EnvelopeSet maps principal id to that principal's envelope for one content key.
type EnvelopeSet map[string]*Envelope

// Open unwraps the content key for the handle's principal.
// A missing envelope is ErrAccessDenied.
func (s EnvelopeSet) Open(handle *PrivateKeyHandle) (*ContentKey, error) {
	if handle == nil {
		return nil, terrors.ErrAccessDenied
	}
	env, ok := s[handle.principalID]
	if !ok {
		return nil, fmt.Errorf("%w: no envelope for %s", terrors.ErrAccessDenied, handle.principalID)
	}
	return Unwrap(env, handle)
}

// Holders returns the principal ids in the set, sorted.
func (s EnvelopeSet) Holders() []string {
	holders := make([]string, 0, len(s))
	for id := range s {
		holders = append(holders, id)
	}
	sort.Strings(holders)
	return holders
}

// Has reports whether principalID holds an envelope.
func (s EnvelopeSet) Has(principalID string) bool {
	_, ok := s[principalID]
	return ok
}

// Clone returns a shallow copy; envelopes are immutable once created.
func (s EnvelopeSet) Clone() EnvelopeSet {
	out := make(EnvelopeSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
