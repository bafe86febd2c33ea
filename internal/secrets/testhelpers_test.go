package secrets

import (
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"
)

// Small keys keep the suite fast; the sizes used in production come from config.
const testRSABits = 1024

var testKDF = KDFParams{Time: 1, MemoryKiB: 8 * 1024, Threads: 1}

var (
	testKeysOnce sync.Once
	testKeys     []*rsa.PrivateKey
)

// testRSAKey returns one of a few RSA keys generated once per test binary.
func testRSAKey(t *testing.T, i int) *rsa.PrivateKey {
	t.Helper()

	testKeysOnce.Do(func() {
		for n := 0; n < 3; n++ {
			k, err := rsa.GenerateKey(rand.Reader, testRSABits)
			if err != nil {
				panic(err)
			}
			testKeys = append(testKeys, k)
		}
	})
	return testKeys[i]
}

func newTestContentKey(t *testing.T) *ContentKey {
	t.Helper()
	key, err := NewContentKey()
	if err != nil {
		t.Fatalf("Failed to create content key: %v", err)
	}
	return key
}
