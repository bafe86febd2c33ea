package keyring

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"

	terrors "github.com/PolarWolf314/tresor/internal/errors"
	"github.com/PolarWolf314/tresor/internal/secrets"
	"github.com/PolarWolf314/tresor/internal/store"
	"github.com/PolarWolf314/tresor/internal/workers"
)

func newTestKeyring(t *testing.T) *Keyring {
	t.Helper()
	return New(store.NewMemoryStore(), Options{
		RSABits:       1024,
		MinImportBits: 1024,
		KDF:           secrets.KDFParams{Time: 1, MemoryKiB: 8 * 1024, Threads: 1},
		Pool:          workers.NewPool(workers.Config{Workers: 2}),
	})
}

func TestGenerate_ThenUnlock(t *testing.T) {
	ctx := context.Background()
	k := newTestKeyring(t)

	principal := secrets.Principal{ID: "alice", Kind: secrets.KindUser, OrgID: "org"}
	kp, err := k.Generate(ctx, principal, []byte("pw"))
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if kp.Generation != 1 {
		t.Errorf("Expected generation 1, got: %d", kp.Generation)
	}

	handle, err := k.Unlock(ctx, "alice", []byte("pw"))
	if err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	defer handle.Wipe()

	got, err := k.Principal(ctx, "alice")
	if err != nil {
		t.Fatalf("Principal failed: %v", err)
	}
	if got != principal {
		t.Errorf("Expected %+v, got: %+v", principal, got)
	}
}

func TestGenerate_Duplicate(t *testing.T) {
	ctx := context.Background()
	k := newTestKeyring(t)

	if _, err := k.Generate(ctx, secrets.Principal{ID: "alice"}, []byte("pw")); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	_, err := k.Generate(ctx, secrets.Principal{ID: "alice"}, []byte("pw"))
	if !errors.Is(err, terrors.ErrPublicKeyExists) {
		t.Errorf("Expected ErrPublicKeyExists, got: %v", err)
	}
}

func TestUnlock_Errors(t *testing.T) {
	ctx := context.Background()
	k := newTestKeyring(t)
	if _, err := k.Generate(ctx, secrets.Principal{ID: "alice"}, []byte("pw")); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if _, err := k.Unlock(ctx, "alice", []byte("nope")); !errors.Is(err, terrors.ErrWrongSecret) {
		t.Errorf("Expected ErrWrongSecret, got: %v", err)
	}
	if _, err := k.Unlock(ctx, "bob", []byte("pw")); !errors.Is(err, terrors.ErrPrincipalNotFound) {
		t.Errorf("Expected ErrPrincipalNotFound, got: %v", err)
	}
}

func TestReset_SupersedesButKeepsOldEnvelopes(t *testing.T) {
	ctx := context.Background()
	k := newTestKeyring(t)
	if _, err := k.Generate(ctx, secrets.Principal{ID: "alice"}, []byte("old")); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	oldHandle, err := k.Unlock(ctx, "alice", []byte("old"))
	if err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	oldPub, oldGen, err := k.PublicKey(ctx, "alice")
	if err != nil {
		t.Fatalf("PublicKey failed: %v", err)
	}

	content, err := secrets.NewContentKey()
	if err != nil {
		t.Fatalf("NewContentKey failed: %v", err)
	}
	oldEnv, err := secrets.Wrap(content, "alice", oldGen, oldPub)
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}

	kp, err := k.Reset(ctx, "alice", []byte("new"))
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if kp.Generation != 2 {
		t.Errorf("Expected generation 2, got: %d", kp.Generation)
	}

	// The old secret no longer unlocks the active pair.
	if _, err := k.Unlock(ctx, "alice", []byte("old")); !errors.Is(err, terrors.ErrWrongSecret) {
		t.Errorf("Expected ErrWrongSecret for old secret, got: %v", err)
	}

	newHandle, err := k.Unlock(ctx, "alice", []byte("new"))
	if err != nil {
		t.Fatalf("Unlock with new secret failed: %v", err)
	}
	if newHandle.Generation() != 2 {
		t.Errorf("Expected handle generation 2, got: %d", newHandle.Generation())
	}

	// The old envelope is stale for the new key but still opens with the old one.
	if _, err := secrets.Unwrap(oldEnv, newHandle); !errors.Is(err, terrors.ErrDecryptFailure) {
		t.Errorf("Expected ErrDecryptFailure with new key, got: %v", err)
	}
	if _, err := secrets.Unwrap(oldEnv, oldHandle); err != nil {
		t.Errorf("Old key should still open old envelope: %v", err)
	}
}

func TestReset_UnknownPrincipal(t *testing.T) {
	k := newTestKeyring(t)
	if _, err := k.Reset(context.Background(), "ghost", []byte("pw")); !errors.Is(err, terrors.ErrPrincipalNotFound) {
		t.Errorf("Expected ErrPrincipalNotFound, got: %v", err)
	}
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	k := newTestKeyring(t)

	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	kp, err := k.Import(ctx, secrets.Principal{ID: "alice", Kind: secrets.KindUser}, key, []byte("pw"))
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if kp.Generation != 1 {
		t.Errorf("Expected generation 1, got: %d", kp.Generation)
	}

	pub, _, err := k.PublicKey(ctx, "alice")
	if err != nil {
		t.Fatalf("PublicKey failed: %v", err)
	}
	if pub.N.Cmp(key.N) != 0 {
		t.Error("Stored public key does not match the imported key")
	}

	handle, err := k.Unlock(ctx, "alice", []byte("pw"))
	if err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	handle.Wipe()

	if _, err := k.Import(ctx, secrets.Principal{ID: "alice"}, key, []byte("pw")); !errors.Is(err, terrors.ErrPublicKeyExists) {
		t.Errorf("Expected ErrPublicKeyExists, got: %v", err)
	}
}

func TestImport_TooSmall(t *testing.T) {
	k := New(store.NewMemoryStore(), Options{RSABits: 1024})

	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	_, err = k.Import(context.Background(), secrets.Principal{ID: "bob"}, key, []byte("pw"))
	if !errors.Is(err, terrors.ErrInvalidPrivateKey) {
		t.Errorf("Expected ErrInvalidPrivateKey, got: %v", err)
	}
}
