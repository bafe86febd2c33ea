package secrets

import (
	"bytes"
	"errors"
	"testing"

	terrors "github.com/PolarWolf314/tresor/internal/errors"
)

func TestGenerateKeyPair_UnlockRoundTrip(t *testing.T) {
	principal := Principal{ID: "alice", Kind: KindUser, OrgID: "org-1"}
	secret := []byte("correct horse battery staple")

	kp, err := GenerateKeyPair(principal, secret, testRSABits, testKDF)
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	if kp.Generation != 1 {
		t.Errorf("Expected generation 1, got: %d", kp.Generation)
	}
	if bytes.Contains(kp.EncryptedPrivateKey, []byte("PRIVATE KEY")) {
		t.Error("Private key appears to be stored in the clear")
	}

	handle, err := UnlockKeyPair(kp, secret)
	if err != nil {
		t.Fatalf("UnlockKeyPair failed: %v", err)
	}
	defer handle.Wipe()

	if handle.PrincipalID() != "alice" || handle.Generation() != 1 {
		t.Errorf("Unexpected handle identity: %s/%d", handle.PrincipalID(), handle.Generation())
	}

	// The unlocked key must match the stored public key.
	pub, err := PublicKeyOf(kp)
	if err != nil {
		t.Fatalf("PublicKeyOf failed: %v", err)
	}
	key := newTestContentKey(t)
	env, err := Wrap(key, "alice", kp.Generation, pub)
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	if _, err := Unwrap(env, handle); err != nil {
		t.Errorf("Unwrap with unlocked key failed: %v", err)
	}
}

func TestUnlockKeyPair_WrongSecret(t *testing.T) {
	kp, err := GenerateKeyPair(Principal{ID: "alice", Kind: KindUser}, []byte("right"), testRSABits, testKDF)
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	if _, err := UnlockKeyPair(kp, []byte("wrong")); !errors.Is(err, terrors.ErrWrongSecret) {
		t.Errorf("Expected ErrWrongSecret, got: %v", err)
	}

	// A corrupted blob looks the same as a wrong secret.
	kp.EncryptedPrivateKey[0] ^= 0xFF
	if _, err := UnlockKeyPair(kp, []byte("right")); !errors.Is(err, terrors.ErrWrongSecret) {
		t.Errorf("Expected ErrWrongSecret for corrupted key, got: %v", err)
	}
}

func TestUnlockKeyPair_BoundToPrincipal(t *testing.T) {
	kp, err := GenerateKeyPair(Principal{ID: "alice", Kind: KindUser}, []byte("s"), testRSABits, testKDF)
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	// Moving a sealed key to another principal's row must not unlock.
	kp.Principal.ID = "mallory"
	if _, err := UnlockKeyPair(kp, []byte("s")); !errors.Is(err, terrors.ErrWrongSecret) {
		t.Errorf("Expected ErrWrongSecret, got: %v", err)
	}
}

func TestUnlockKeyPair_LegacyUnsealed(t *testing.T) {
	pub, err := EncodePublicKey(&testRSAKey(t, 0).PublicKey)
	if err != nil {
		t.Fatalf("EncodePublicKey failed: %v", err)
	}
	legacy := &KeyPair{Principal: Principal{ID: "old"}, Generation: 1, PublicKey: pub}

	if _, err := UnlockKeyPair(legacy, []byte("anything")); !errors.Is(err, terrors.ErrMissingKeyMaterial) {
		t.Errorf("Expected ErrMissingKeyMaterial, got: %v", err)
	}
	if _, err := UnlockKeyPair(nil, nil); !errors.Is(err, terrors.ErrPrincipalNotFound) {
		t.Errorf("Expected ErrPrincipalNotFound, got: %v", err)
	}
}

func TestParsePublicKey_Invalid(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("not pem"),
		[]byte("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"),
	}
	for _, c := range cases {
		if _, err := ParsePublicKey(c); !errors.Is(err, terrors.ErrInvalidPublicKey) {
			t.Errorf("Expected ErrInvalidPublicKey for %q, got: %v", c, err)
		}
	}
}

func TestPrivateKeyHandle_Wipe(t *testing.T) {
	kp, err := GenerateKeyPair(Principal{ID: "alice"}, []byte("s"), testRSABits, testKDF)
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	handle, err := UnlockKeyPair(kp, []byte("s"))
	if err != nil {
		t.Fatalf("UnlockKeyPair failed: %v", err)
	}
	handle.Wipe()

	env := &Envelope{PrincipalID: "alice", Algorithm: AlgRSAOAEPSHA256, KeyID: "k", WrappedKey: []byte{1}}
	if _, err := Unwrap(env, handle); !errors.Is(err, terrors.ErrDecryptFailure) {
		t.Errorf("Expected ErrDecryptFailure after wipe, got: %v", err)
	}
}
