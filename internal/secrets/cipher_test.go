package secrets

import (
	"bytes"
	"errors"
	"testing"

	terrors "github.com/PolarWolf314/tresor/internal/errors"
)

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key := newTestContentKey(t)

	plaintexts := [][]byte{
		nil,
		[]byte("case notes"),
		bytes.Repeat([]byte{0xAB}, 64*1024),
	}
	for _, alg := range []ContentAlgorithm{AlgAES256GCM, AlgXSalsa20Poly1305} {
		for _, p := range plaintexts {
			sealed, err := SealWith(alg, p, key)
			if err != nil {
				t.Fatalf("SealWith(%s) failed: %v", alg, err)
			}
			if sealed.Algorithm != alg {
				t.Errorf("Expected algorithm %s, got: %s", alg, sealed.Algorithm)
			}
			if sealed.KeyID != key.ID {
				t.Errorf("Expected key id %s, got: %s", key.ID, sealed.KeyID)
			}

			got, err := Decrypt(sealed, key)
			if err != nil {
				t.Fatalf("Decrypt(%s) failed: %v", alg, err)
			}
			if !bytes.Equal(got, p) {
				t.Errorf("Round trip mismatch for %s: got %d bytes, want %d", alg, len(got), len(p))
			}
		}
	}
}

func TestEncrypt_DefaultAlgorithm(t *testing.T) {
	key := newTestContentKey(t)
	sealed, err := Encrypt([]byte("x"), key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if sealed.Algorithm != AlgAES256GCM {
		t.Errorf("Expected %s, got: %s", AlgAES256GCM, sealed.Algorithm)
	}
	if len(sealed.Nonce) != 12 || len(sealed.Tag) != 16 {
		t.Errorf("Unexpected nonce/tag sizes: %d/%d", len(sealed.Nonce), len(sealed.Tag))
	}
}

func TestEncrypt_FreshNoncePerCall(t *testing.T) {
	key := newTestContentKey(t)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		sealed, err := Encrypt([]byte("same plaintext"), key)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		if seen[string(sealed.Nonce)] {
			t.Fatalf("Nonce reused after %d encryptions", i)
		}
		seen[string(sealed.Nonce)] = true
	}
}

func TestDecrypt_TamperDetection(t *testing.T) {
	key := newTestContentKey(t)
	plaintext := []byte("privileged and confidential")

	for _, alg := range []ContentAlgorithm{AlgAES256GCM, AlgXSalsa20Poly1305} {
		sealed, err := SealWith(alg, plaintext, key)
		if err != nil {
			t.Fatalf("SealWith failed: %v", err)
		}

		// Flip every bit of ciphertext and tag in turn.
		fields := map[string][]byte{"ciphertext": sealed.Ciphertext, "tag": sealed.Tag}
		for name, field := range fields {
			for i := 0; i < len(field)*8; i++ {
				field[i/8] ^= 1 << (i % 8)
				got, err := Decrypt(sealed, key)
				field[i/8] ^= 1 << (i % 8)

				if !errors.Is(err, terrors.ErrIntegrityFailure) {
					t.Fatalf("%s: flipping %s bit %d: expected ErrIntegrityFailure, got: %v", alg, name, i, err)
				}
				if got != nil {
					t.Fatalf("%s: flipping %s bit %d returned plaintext", alg, name, i)
				}
			}
		}
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	key := newTestContentKey(t)
	other := newTestContentKey(t)

	sealed, err := Encrypt([]byte("secret"), key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if _, err := Decrypt(sealed, other); !errors.Is(err, terrors.ErrIntegrityFailure) {
		t.Errorf("Expected ErrIntegrityFailure for wrong key, got: %v", err)
	}

	// Same id, different material: still a tag failure.
	impostor, err := ContentKeyFromBytes(key.ID, other.Bytes())
	if err != nil {
		t.Fatalf("ContentKeyFromBytes failed: %v", err)
	}
	if _, err := Decrypt(sealed, impostor); !errors.Is(err, terrors.ErrIntegrityFailure) {
		t.Errorf("Expected ErrIntegrityFailure for impostor key, got: %v", err)
	}
}

func TestSealWith_UnknownAlgorithm(t *testing.T) {
	key := newTestContentKey(t)
	if _, err := SealWith("ROT13", []byte("x"), key); !errors.Is(err, terrors.ErrUnsupportedAlgorithm) {
		t.Errorf("Expected ErrUnsupportedAlgorithm, got: %v", err)
	}

	sealed, err := Encrypt([]byte("x"), key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	sealed.Algorithm = "ROT13"
	if _, err := Decrypt(sealed, key); !errors.Is(err, terrors.ErrUnsupportedAlgorithm) {
		t.Errorf("Expected ErrUnsupportedAlgorithm, got: %v", err)
	}
}

func TestContentKeyFromBytes_InvalidLength(t *testing.T) {
	if _, err := ContentKeyFromBytes("id", make([]byte, 16)); !errors.Is(err, terrors.ErrInvalidKeyLength) {
		t.Errorf("Expected ErrInvalidKeyLength, got: %v", err)
	}
}

func TestContentKey_Wipe(t *testing.T) {
	key := newTestContentKey(t)
	key.Wipe()
	if !bytes.Equal(key.Bytes(), make([]byte, ContentKeySize)) {
		t.Error("Expected key material to be zeroed")
	}
}

func TestSealObject_FreshKeyPerObject(t *testing.T) {
	folderKey := newTestContentKey(t)
	plaintext := []byte("privileged and confidential")

	first, err := SealObject(plaintext, folderKey)
	if err != nil {
		t.Fatalf("SealObject failed: %v", err)
	}
	second, err := SealObject(plaintext, folderKey)
	if err != nil {
		t.Fatalf("SealObject failed: %v", err)
	}

	for _, s := range []*Sealed{first, second} {
		if s.KeyID != folderKey.ID {
			t.Errorf("Expected payload bound to folder key %s, got: %s", folderKey.ID, s.KeyID)
		}
		if s.DataKey == nil || s.DataKey.KeyID == "" {
			t.Fatal("Expected a wrapped per-object key")
		}
		if s.DataKey.KeyID == folderKey.ID {
			t.Error("Object key must differ from the folder key")
		}
	}
	if first.DataKey.KeyID == second.DataKey.KeyID {
		t.Error("Expected a new content key for every object")
	}

	got, err := OpenObject(first, folderKey)
	if err != nil {
		t.Fatalf("OpenObject failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Expected %q, got %q", plaintext, got)
	}
}

func TestOpenObject_Failures(t *testing.T) {
	folderKey := newTestContentKey(t)
	sealed, err := SealObject([]byte("memo"), folderKey)
	if err != nil {
		t.Fatalf("SealObject failed: %v", err)
	}

	if _, err := OpenObject(sealed, newTestContentKey(t)); !errors.Is(err, terrors.ErrIntegrityFailure) {
		t.Errorf("Expected ErrIntegrityFailure with another folder key, got: %v", err)
	}

	swapped := *sealed
	other, err := SealObject([]byte("memo"), folderKey)
	if err != nil {
		t.Fatalf("SealObject failed: %v", err)
	}
	swapped.DataKey = other.DataKey
	if _, err := OpenObject(&swapped, folderKey); !errors.Is(err, terrors.ErrIntegrityFailure) {
		t.Errorf("Expected ErrIntegrityFailure with a swapped data key, got: %v", err)
	}

	tampered := *sealed
	tampered.Ciphertext = append([]byte(nil), sealed.Ciphertext...)
	tampered.Ciphertext[0] ^= 0xFF
	if _, err := OpenObject(&tampered, folderKey); !errors.Is(err, terrors.ErrIntegrityFailure) {
		t.Errorf("Expected ErrIntegrityFailure for tampered ciphertext, got: %v", err)
	}
}

func TestOpenObject_DirectlySealedPayload(t *testing.T) {
	folderKey := newTestContentKey(t)
	sealed, err := Encrypt([]byte("older record"), folderKey)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	got, err := OpenObject(sealed, folderKey)
	if err != nil {
		t.Fatalf("OpenObject failed: %v", err)
	}
	if string(got) != "older record" {
		t.Errorf("Expected older record, got %q", got)
	}
}

func TestWrapKey_RoundTrip(t *testing.T) {
	key := newTestContentKey(t)
	kek := newTestContentKey(t)

	wrapped, err := WrapKey(key, kek)
	if err != nil {
		t.Fatalf("WrapKey failed: %v", err)
	}
	got, err := UnwrapKey(wrapped, kek)
	if err != nil {
		t.Fatalf("UnwrapKey failed: %v", err)
	}
	defer got.Wipe()
	if got.ID != key.ID || !bytes.Equal(got.Bytes(), key.Bytes()) {
		t.Error("Unwrapped key does not match")
	}
	if _, err := UnwrapKey(wrapped, key); !errors.Is(err, terrors.ErrIntegrityFailure) {
		t.Errorf("Expected ErrIntegrityFailure with the wrong kek, got: %v", err)
	}
}
