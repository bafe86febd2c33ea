// Package secrets provides the cryptographic primitives of tresor.
//
// This package handles content encryption, key wrapping and key-pair
// sealing. It has no storage or policy knowledge; the folders and keyring
// packages decide who gets which envelope.
//
// # Encryption Architecture
//
// tresor uses a hybrid encryption scheme:
//
//  1. A random 256-bit content key encrypts the payload (AES-256-GCM)
//  2. Each authorised principal's RSA public key wraps a copy of the
//     content key (RSA-OAEP-SHA256), producing one Envelope per principal
//  3. A principal unwraps its envelope with its private key, then decrypts
//
// The set of envelopes for a content key is exactly the set of principals
// who can read under it. Revoking a principal deletes its envelope and
// rotates the content key.
//
// # Key Pairs
//
// A principal's private key is sealed with AES-256-GCM under a key derived
// from the principal's secret with argon2id. It is never stored in the
// clear. UnlockKeyPair returns a short-lived PrivateKeyHandle.
//
// # Algorithm Ids
//
// Every Sealed payload and Envelope carries an algorithm id so older
// records remain readable when the defaults change:
//
//   - Content: AES_256_GCM (default), XSALSA20_POLY1305 (NaCl secretbox)
//   - Wrap: RSA_OAEP_SHA256 (default), RSA_PKCS1V15 (decode only)
//
// Nonces are generated inside the sealing functions and cannot be supplied
// by callers.
package secrets
