package secrets

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"

	terrors "github.com/PolarWolf314/tresor/internal/errors"
)

func TestWrapUnwrap_Identity(t *testing.T) {
	priv := testRSAKey(t, 0)
	handle := NewPrivateKeyHandle("alice", 1, priv)

	for i := 0; i < 5; i++ {
		key := newTestContentKey(t)
		env, err := Wrap(key, "alice", 1, &priv.PublicKey)
		if err != nil {
			t.Fatalf("Wrap failed: %v", err)
		}
		if env.Algorithm != AlgRSAOAEPSHA256 {
			t.Errorf("Expected %s, got: %s", AlgRSAOAEPSHA256, env.Algorithm)
		}

		got, err := Unwrap(env, handle)
		if err != nil {
			t.Fatalf("Unwrap failed: %v", err)
		}
		if got.ID != key.ID || !bytes.Equal(got.Bytes(), key.Bytes()) {
			t.Errorf("Unwrapped key does not match original")
		}
	}
}

func TestUnwrap_WrongPrivateKey(t *testing.T) {
	key := newTestContentKey(t)
	env, err := Wrap(key, "alice", 1, &testRSAKey(t, 0).PublicKey)
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}

	// Same principal, different key: stale key material after a reset.
	stale := NewPrivateKeyHandle("alice", 2, testRSAKey(t, 1))
	if _, err := Unwrap(env, stale); !errors.Is(err, terrors.ErrDecryptFailure) {
		t.Errorf("Expected ErrDecryptFailure, got: %v", err)
	}
}

func TestUnwrap_OtherPrincipal(t *testing.T) {
	key := newTestContentKey(t)
	env, err := Wrap(key, "alice", 1, &testRSAKey(t, 0).PublicKey)
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}

	bob := NewPrivateKeyHandle("bob", 1, testRSAKey(t, 1))
	if _, err := Unwrap(env, bob); !errors.Is(err, terrors.ErrAccessDenied) {
		t.Errorf("Expected ErrAccessDenied, got: %v", err)
	}
}

func TestUnwrap_LabelBindsKeyID(t *testing.T) {
	priv := testRSAKey(t, 0)
	key := newTestContentKey(t)
	env, err := Wrap(key, "alice", 1, &priv.PublicKey)
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}

	env.KeyID = "some-other-key"
	if _, err := Unwrap(env, NewPrivateKeyHandle("alice", 1, priv)); !errors.Is(err, terrors.ErrDecryptFailure) {
		t.Errorf("Expected ErrDecryptFailure after relabelling, got: %v", err)
	}
}

func TestUnwrap_LegacyPKCS1v15(t *testing.T) {
	priv := testRSAKey(t, 0)
	key := newTestContentKey(t)

	wrapped, err := rsa.EncryptPKCS1v15(rand.Reader, &priv.PublicKey, key.Bytes())
	if err != nil {
		t.Fatalf("EncryptPKCS1v15 failed: %v", err)
	}
	env := &Envelope{
		PrincipalID: "alice",
		Algorithm:   AlgRSAPKCS1v15,
		KeyID:       key.ID,
		WrappedKey:  wrapped,
	}

	got, err := Unwrap(env, NewPrivateKeyHandle("alice", 1, priv))
	if err != nil {
		t.Fatalf("Unwrap legacy envelope failed: %v", err)
	}
	if !bytes.Equal(got.Bytes(), key.Bytes()) {
		t.Error("Legacy unwrap returned wrong key")
	}
}

func TestUnwrap_UnknownAlgorithm(t *testing.T) {
	env := &Envelope{PrincipalID: "alice", Algorithm: "ELGAMAL", KeyID: "k"}
	_, err := Unwrap(env, NewPrivateKeyHandle("alice", 1, testRSAKey(t, 0)))
	if !errors.Is(err, terrors.ErrDecryptFailure) {
		t.Errorf("Expected ErrDecryptFailure, got: %v", err)
	}
}

func TestEnvelopeSet_Open(t *testing.T) {
	alice := testRSAKey(t, 0)
	bob := testRSAKey(t, 1)
	key := newTestContentKey(t)

	env, err := Wrap(key, "alice", 1, &alice.PublicKey)
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	set := EnvelopeSet{"alice": env}

	if _, err := set.Open(NewPrivateKeyHandle("alice", 1, alice)); err != nil {
		t.Errorf("Expected alice to open the set, got: %v", err)
	}
	if _, err := set.Open(NewPrivateKeyHandle("bob", 1, bob)); !errors.Is(err, terrors.ErrAccessDenied) {
		t.Errorf("Expected ErrAccessDenied for bob, got: %v", err)
	}
}

func TestEnvelopeSet_HoldersSorted(t *testing.T) {
	set := EnvelopeSet{"carol": {}, "alice": {}, "bob": {}}
	got := set.Holders()
	want := []string{"alice", "bob", "carol"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected %v, got: %v", want, got)
		}
	}

	clone := set.Clone()
	delete(clone, "alice")
	if !set.Has("alice") {
		t.Error("Clone shares the underlying map")
	}
}
