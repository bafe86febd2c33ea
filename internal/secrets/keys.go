package secrets

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	terrors "github.com/PolarWolf314/tresor/internal/errors"

	"golang.org/x/crypto/argon2"
)

// PrincipalKind distinguishes the two kinds of key holders.
type PrincipalKind string

const (
	KindUser         PrincipalKind = "user"
	KindOrganization PrincipalKind = "organization"
)

// Principal is an entity that can hold keys and be granted access.
type Principal struct {
	ID    string        `json:"id"`
	Kind  PrincipalKind `json:"kind"`
	OrgID string        `json:"org_id,omitempty"`
}

// KDFParams are the argon2id parameters used to derive the key that
// seals a private key from the principal's secret.
type KDFParams struct {
	Time      uint32 `json:"time" toml:"time"`
	MemoryKiB uint32 `json:"memory_kib" toml:"memory_kib"`
	Threads   uint8  `json:"threads" toml:"threads"`
}

// DefaultKDFParams matches the argon2id settings used for master keys elsewhere.
var DefaultKDFParams = KDFParams{Time: 1, MemoryKiB: 64 * 1024, Threads: 4}

func (p KDFParams) zero() bool {
	return p.Time == 0 || p.MemoryKiB == 0 || p.Threads == 0
}

// KeyPair is the persisted form of a principal's asymmetric key pair.
// The private half is only ever stored sealed under the principal's secret.
type KeyPair struct {
	Principal           Principal `json:"principal"`
	Generation          int       `json:"generation"`
	PublicKey           []byte    `json:"public_key"`
	EncryptedPrivateKey []byte    `json:"encrypted_private_key"`
	Nonce               []byte    `json:"nonce"`
	Salt                []byte    `json:"salt"`
	KDF                 KDFParams `json:"kdf"`
	CreatedAt           time.Time `json:"created_at"`
}

// PrivateKeyHandle is a short-lived unlocked private key.
type PrivateKeyHandle struct {
	principalID string
	generation  int
	key         *rsa.PrivateKey
}

// NewPrivateKeyHandle wraps an already-unlocked key. Used by tests and by
// callers that keep their own key custody.
func NewPrivateKeyHandle(principalID string, generation int, key *rsa.PrivateKey) *PrivateKeyHandle {
	return &PrivateKeyHandle{principalID: principalID, generation: generation, key: key}
}

func (h *PrivateKeyHandle) PrincipalID() string { return h.principalID }
func (h *PrivateKeyHandle) Generation() int     { return h.generation }

// Wipe drops the reference to the private key and zeroes its primes.
func (h *PrivateKeyHandle) Wipe() {
	if h == nil || h.key == nil {
		return
	}
	h.key.D.SetInt64(0)
	for _, p := range h.key.Primes {
		p.SetInt64(0)
	}
	h.key = nil
}

// GenerateKeyPair creates a new RSA key pair for principal and seals the
// private half under secret.
func GenerateKeyPair(principal Principal, secret []byte, bits int, kdf KDFParams) (*KeyPair, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generating RSA key pair: %w", err)
	}
	return NewKeyPair(principal, privateKey, secret, kdf)
}

// NewKeyPair seals an existing RSA private key for principal under secret.
func NewKeyPair(principal Principal, privateKey *rsa.PrivateKey, secret []byte, kdf KDFParams) (*KeyPair, error) {
	if kdf.zero() {
		kdf = DefaultKDFParams
	}

	publicPEM, err := EncodePublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, err
	}

	kp := &KeyPair{
		Principal:  principal,
		Generation: 1,
		PublicKey:  publicPEM,
		KDF:        kdf,
		CreatedAt:  time.Now().UTC(),
	}
	if err := sealPrivateKey(kp, privateKey, secret); err != nil {
		return nil, err
	}
	return kp, nil
}

// UnlockKeyPair opens the sealed private key with secret.
// The GCM tag comparison is constant time, so a bad secret and a corrupted
// blob are indistinguishable by timing.
func UnlockKeyPair(kp *KeyPair, secret []byte) (*PrivateKeyHandle, error) {
	if kp == nil {
		return nil, terrors.ErrPrincipalNotFound
	}
	if len(kp.EncryptedPrivateKey) == 0 || len(kp.Salt) == 0 || kp.KDF.zero() {
		return nil, fmt.Errorf("%w: private key of %s is not sealed", terrors.ErrMissingKeyMaterial, kp.Principal.ID)
	}

	kek := deriveKEK(secret, kp.Salt, kp.KDF)
	defer wipe(kek)

	aead, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	if len(kp.Nonce) != aead.NonceSize() {
		return nil, terrors.ErrWrongSecret
	}
	der, err := aead.Open(nil, kp.Nonce, kp.EncryptedPrivateKey, []byte(kp.Principal.ID))
	if err != nil {
		return nil, terrors.ErrWrongSecret
	}
	defer wipe(der)

	privateKey, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", terrors.ErrInvalidPrivateKey, err)
	}

	return &PrivateKeyHandle{
		principalID: kp.Principal.ID,
		generation:  kp.Generation,
		key:         privateKey,
	}, nil
}

// PublicKeyOf parses the public half of a stored key pair.
func PublicKeyOf(kp *KeyPair) (*rsa.PublicKey, error) {
	return ParsePublicKey(kp.PublicKey)
}

func sealPrivateKey(kp *KeyPair, privateKey *rsa.PrivateKey, secret []byte) error {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}

	kek := deriveKEK(secret, salt, kp.KDF)
	defer wipe(kek)

	aead, err := newGCM(kek)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	der := x509.MarshalPKCS1PrivateKey(privateKey)
	defer wipe(der)

	kp.Salt = salt
	kp.Nonce = nonce
	kp.EncryptedPrivateKey = aead.Seal(nil, nonce, der, []byte(kp.Principal.ID))
	return nil
}

func deriveKEK(secret, salt []byte, p KDFParams) []byte {
	return argon2.IDKey(secret, salt, p.Time, p.MemoryKiB, p.Threads, 32)
}

// EncodePublicKey renders an RSA public key as a PKIX PEM block.
func EncodePublicKey(publicKey *rsa.PublicKey) ([]byte, error) {
	pubASN1, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubASN1}), nil
}

// ParsePublicKey parses a PKIX PEM public key.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("%w: failed to decode PEM block containing public key", terrors.ErrInvalidPublicKey)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", terrors.ErrInvalidPublicKey, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA public key", terrors.ErrInvalidPublicKey)
	}
	return rsaPub, nil
}
