package errors

import (
	"errors"
	"fmt"
)

// Crypto errors indicate that key material or ciphertext failed to verify.
var (
	// ErrWrongSecret indicates a private key could not be unlocked with the supplied secret.
	ErrWrongSecret = errors.New("wrong secret for private key")

	// ErrIntegrityFailure indicates an authentication tag did not verify.
	// Treated as corruption or tampering.
	ErrIntegrityFailure = errors.New("ciphertext failed integrity check")

	// ErrDecryptFailure indicates an envelope exists but the private key does not open it.
	ErrDecryptFailure = errors.New("failed to unwrap content key")

	// ErrInvalidKeyLength indicates a symmetric key has an unexpected length.
	ErrInvalidKeyLength = errors.New("invalid content key length")

	// ErrUnsupportedAlgorithm indicates an algorithm id this build does not know.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrInvalidPrivateKey indicates the private key is malformed or unsupported.
	ErrInvalidPrivateKey = errors.New("invalid or unsupported private key format")

	// ErrPassphraseRequired indicates an imported private key is encrypted.
	ErrPassphraseRequired = errors.New("private key is passphrase protected")

	// ErrInvalidPublicKey indicates the public key is malformed or unsupported.
	ErrInvalidPublicKey = errors.New("invalid or unsupported public key format")
)

// Access errors are policy facts.
var (
	// ErrAccessDenied indicates no envelope exists for the principal.
	ErrAccessDenied = errors.New("access denied")

	// ErrSelfRevoke indicates the revoke would leave a folder with no holders.
	ErrSelfRevoke = errors.New("cannot revoke the last holder of a folder")

	// ErrInheritedAccess indicates the principal holds the parent folder, so
	// it cannot lose access to a subfolder alone.
	ErrInheritedAccess = errors.New("access is inherited from the parent folder")
)

// Rotation errors indicate concurrent mutation of the same folder.
var (
	// ErrKeyRotationConflict indicates the folder's upgrade log moved under the caller.
	ErrKeyRotationConflict = errors.New("key rotation conflict")

	// ErrFolderRotating indicates a rotation is pending and must be resumed first.
	ErrFolderRotating = errors.New("folder has a pending rotation")

	// ErrRetryExhausted indicates bounded retries on a conflict ran out.
	// The whole operation should be retried by the caller.
	ErrRetryExhausted = fmt.Errorf("retries exhausted, retry the operation: %w", ErrKeyRotationConflict)
)

// State errors indicate missing or terminal records.
var (
	// ErrFolderNotFound indicates the folder does not exist.
	ErrFolderNotFound = errors.New("folder not found")

	// ErrFolderExists indicates a folder with the same id already exists.
	ErrFolderExists = errors.New("folder already exists")

	// ErrFolderArchived indicates the folder accepts no further key changes.
	ErrFolderArchived = errors.New("folder is archived")

	// ErrObjectNotFound indicates the encrypted object does not exist.
	ErrObjectNotFound = errors.New("object not found")

	// ErrPrincipalNotFound indicates the principal has no registered key pair.
	ErrPrincipalNotFound = errors.New("principal not found")

	// ErrPublicKeyExists indicates a key pair already exists for this principal.
	ErrPublicKeyExists = errors.New("key pair already exists")

	// ErrMissingKeyMaterial indicates a legacy record predating the current key scheme.
	// A one-time backfill must run before it becomes readable.
	ErrMissingKeyMaterial = errors.New("record has no key material for the current scheme")
)

// Resource errors.
var (
	// ErrPoolSaturated indicates the worker pool queue is full.
	ErrPoolSaturated = errors.New("worker pool saturated")
)

// Input errors.
var (
	// ErrInvalidDateFormat indicates a date filter is not YYYY-MM-DD.
	ErrInvalidDateFormat = errors.New("invalid date format")

	// ErrNoAuditLog indicates auditing is disabled or nothing was recorded yet.
	ErrNoAuditLog = errors.New("no audit log found")

	// ErrWorkspaceExists indicates init found an existing config file.
	ErrWorkspaceExists = errors.New("workspace already initialized")
)

// StaleKeyError reports an envelope wrapped under an older key pair of the principal.
// It matches ErrDecryptFailure.
type StaleKeyError struct {
	PrincipalID        string
	FolderID           string
	EnvelopeGeneration int
	CurrentGeneration  int
}

func (e *StaleKeyError) Error() string {
	return fmt.Sprintf("envelope for %s in folder %s was wrapped under key generation %d, current is %d: re-grant required",
		e.PrincipalID, e.FolderID, e.EnvelopeGeneration, e.CurrentGeneration)
}

func (e *StaleKeyError) Unwrap() error {
	return ErrDecryptFailure
}
