package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	terrors "github.com/PolarWolf314/tresor/internal/errors"

	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/secretbox"
)

// ContentAlgorithm identifies the authenticated cipher that sealed a payload.
type ContentAlgorithm string

const (
	// AlgAES256GCM is the deployment's current content cipher.
	AlgAES256GCM ContentAlgorithm = "AES_256_GCM"

	// AlgXSalsa20Poly1305 is NaCl secretbox, kept so older records stay readable.
	AlgXSalsa20Poly1305 ContentAlgorithm = "XSALSA20_POLY1305"

	// ContentKeySize is the length of every content key in bytes.
	ContentKeySize = 32
)

// DefaultContentAlgorithm is stamped on everything Encrypt produces.
const DefaultContentAlgorithm = AlgAES256GCM

// ContentKey is a symmetric key. Each object gets its own, and each folder
// has one that wraps the keys of its objects.
// It only ever exists in memory; at rest it is represented by envelopes.
type ContentKey struct {
	ID  string
	key []byte
}

// NewContentKey generates a fresh random content key with a new id.
func NewContentKey() (*ContentKey, error) {
	key := make([]byte, ContentKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating content key: %w", err)
	}
	return &ContentKey{ID: uuid.NewString(), key: key}, nil
}

// ContentKeyFromBytes rebuilds a content key from unwrapped material.
// The slice is copied.
func ContentKeyFromBytes(id string, material []byte) (*ContentKey, error) {
	if len(material) != ContentKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", terrors.ErrInvalidKeyLength, ContentKeySize, len(material))
	}
	key := make([]byte, ContentKeySize)
	copy(key, material)
	return &ContentKey{ID: id, key: key}, nil
}

// Bytes exposes the raw key material. Callers must not retain it.
func (k *ContentKey) Bytes() []byte {
	return k.key
}

// Wipe zeroes the key material.
func (k *ContentKey) Wipe() {
	if k == nil {
		return
	}
	for i := range k.key {
		k.key[i] = 0
	}
}

// Sealed is the stored form of an encrypted payload.
//
// KeyID names the key the payload is bound to. When DataKey is set the
// payload itself is sealed under a per-object content key, and DataKey holds
// that key sealed under KeyID.
type Sealed struct {
	Algorithm  ContentAlgorithm `json:"algorithm"`
	KeyID      string           `json:"key_id"`
	Nonce      []byte           `json:"nonce"`
	Tag        []byte           `json:"tag"`
	Ciphertext []byte           `json:"ciphertext"`
	DataKey    *WrappedKey      `json:"data_key,omitempty"`
}

// WrappedKey is a content key sealed under another content key.
type WrappedKey struct {
	KeyID  string  `json:"key_id"`
	Sealed *Sealed `json:"sealed"`
}

// WrapKey seals key under kek.
func WrapKey(key, kek *ContentKey) (*WrappedKey, error) {
	if key == nil || len(key.key) != ContentKeySize {
		return nil, terrors.ErrInvalidKeyLength
	}
	sealed, err := Encrypt(key.key, kek)
	if err != nil {
		return nil, err
	}
	return &WrappedKey{KeyID: key.ID, Sealed: sealed}, nil
}

// UnwrapKey opens a key sealed by WrapKey.
func UnwrapKey(w *WrappedKey, kek *ContentKey) (*ContentKey, error) {
	if w == nil {
		return nil, terrors.ErrIntegrityFailure
	}
	material, err := Decrypt(w.Sealed, kek)
	if err != nil {
		return nil, err
	}
	defer wipe(material)
	return ContentKeyFromBytes(w.KeyID, material)
}

// SealObject seals plaintext under a fresh content key and wraps that key
// under folderKey. Every call uses a new content key.
func SealObject(plaintext []byte, folderKey *ContentKey) (*Sealed, error) {
	key, err := NewContentKey()
	if err != nil {
		return nil, err
	}
	defer key.Wipe()

	wrapped, err := WrapKey(key, folderKey)
	if err != nil {
		return nil, err
	}
	sealed, err := Encrypt(plaintext, key)
	if err != nil {
		return nil, err
	}
	sealed.KeyID = folderKey.ID
	sealed.DataKey = wrapped
	return sealed, nil
}

// OpenObject opens a payload produced by SealObject. Payloads without a
// data key are opened directly with folderKey.
func OpenObject(sealed *Sealed, folderKey *ContentKey) ([]byte, error) {
	if sealed == nil {
		return nil, terrors.ErrIntegrityFailure
	}
	if sealed.DataKey == nil {
		return Decrypt(sealed, folderKey)
	}
	if folderKey == nil {
		return nil, terrors.ErrInvalidKeyLength
	}
	if sealed.KeyID != folderKey.ID {
		return nil, fmt.Errorf("%w: sealed under key %s, got key %s", terrors.ErrIntegrityFailure, sealed.KeyID, folderKey.ID)
	}

	key, err := UnwrapKey(sealed.DataKey, folderKey)
	if err != nil {
		return nil, err
	}
	defer key.Wipe()

	inner := *sealed
	inner.KeyID = key.ID
	inner.DataKey = nil
	return Decrypt(&inner, key)
}

// Encrypt seals plaintext under key with the default algorithm.
// The nonce is always generated here.
func Encrypt(plaintext []byte, key *ContentKey) (*Sealed, error) {
	return SealWith(DefaultContentAlgorithm, plaintext, key)
}

// SealWith seals plaintext under key with a specific registered algorithm.
func SealWith(alg ContentAlgorithm, plaintext []byte, key *ContentKey) (*Sealed, error) {
	if key == nil || len(key.key) != ContentKeySize {
		return nil, terrors.ErrInvalidKeyLength
	}

	switch alg {
	case AlgAES256GCM:
		aead, err := newGCM(key.key)
		if err != nil {
			return nil, err
		}
		nonce := make([]byte, aead.NonceSize())
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return nil, fmt.Errorf("generating nonce: %w", err)
		}
		out := aead.Seal(nil, nonce, plaintext, []byte(key.ID))
		split := len(out) - aead.Overhead()
		return &Sealed{
			Algorithm:  alg,
			KeyID:      key.ID,
			Nonce:      nonce,
			Tag:        out[split:],
			Ciphertext: out[:split],
		}, nil

	case AlgXSalsa20Poly1305:
		var nonce [24]byte
		if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
			return nil, fmt.Errorf("generating nonce: %w", err)
		}
		var k [32]byte
		copy(k[:], key.key)
		defer wipeArray(&k)

		// secretbox output is tag || ciphertext.
		out := secretbox.Seal(nil, plaintext, &nonce, &k)
		return &Sealed{
			Algorithm:  alg,
			KeyID:      key.ID,
			Nonce:      nonce[:],
			Tag:        out[:secretbox.Overhead],
			Ciphertext: out[secretbox.Overhead:],
		}, nil
	}

	return nil, fmt.Errorf("%w: content algorithm %q", terrors.ErrUnsupportedAlgorithm, alg)
}

// Decrypt verifies and opens a sealed payload. No plaintext is returned
// unless the tag verifies.
func Decrypt(sealed *Sealed, key *ContentKey) ([]byte, error) {
	if sealed == nil {
		return nil, terrors.ErrIntegrityFailure
	}
	if key == nil || len(key.key) != ContentKeySize {
		return nil, terrors.ErrInvalidKeyLength
	}
	if sealed.KeyID != key.ID {
		return nil, fmt.Errorf("%w: sealed under key %s, got key %s", terrors.ErrIntegrityFailure, sealed.KeyID, key.ID)
	}

	switch sealed.Algorithm {
	case AlgAES256GCM:
		aead, err := newGCM(key.key)
		if err != nil {
			return nil, err
		}
		if len(sealed.Nonce) != aead.NonceSize() || len(sealed.Tag) != aead.Overhead() {
			return nil, terrors.ErrIntegrityFailure
		}
		combined := make([]byte, 0, len(sealed.Ciphertext)+len(sealed.Tag))
		combined = append(combined, sealed.Ciphertext...)
		combined = append(combined, sealed.Tag...)
		plaintext, err := aead.Open(nil, sealed.Nonce, combined, []byte(key.ID))
		if err != nil {
			return nil, terrors.ErrIntegrityFailure
		}
		return plaintext, nil

	case AlgXSalsa20Poly1305:
		if len(sealed.Nonce) != 24 || len(sealed.Tag) != secretbox.Overhead {
			return nil, terrors.ErrIntegrityFailure
		}
		var nonce [24]byte
		copy(nonce[:], sealed.Nonce)
		var k [32]byte
		copy(k[:], key.key)
		defer wipeArray(&k)

		box := make([]byte, 0, len(sealed.Tag)+len(sealed.Ciphertext))
		box = append(box, sealed.Tag...)
		box = append(box, sealed.Ciphertext...)
		plaintext, ok := secretbox.Open(nil, box, &nonce, &k)
		if !ok {
			return nil, terrors.ErrIntegrityFailure
		}
		return plaintext, nil
	}

	return nil, fmt.Errorf("%w: content algorithm %q", terrors.ErrUnsupportedAlgorithm, sealed.Algorithm)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return aead, nil
}

func wipeArray(k *[32]byte) {
	for i := range k {
		k[i] = 0
	}
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
