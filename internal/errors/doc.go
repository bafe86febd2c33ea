// Package errors provides typed error values for the tresor key engine.
//
// Using sentinel errors allows callers to handle specific error conditions
// programmatically with errors.Is() rather than string matching. The web/API
// layer maps each category to a distinct response, so the categories below
// must never be collapsed into one another.
//
// # Error Categories
//
// Errors are grouped by category:
//
//   - Crypto errors: key material or ciphertext did not verify
//     (ErrWrongSecret, ErrIntegrityFailure, ErrDecryptFailure,
//     ErrInvalidPrivateKey, ErrPassphraseRequired)
//   - Access errors: policy facts about who may read what (ErrAccessDenied,
//     ErrSelfRevoke, ErrInheritedAccess)
//   - Rotation errors: concurrent folder mutation (ErrKeyRotationConflict,
//     ErrFolderRotating, ErrRetryExhausted)
//   - State errors: missing or terminal records (ErrFolderNotFound,
//     ErrFolderArchived, ErrMissingKeyMaterial)
//   - Resource errors: the CPU worker pool refused work (ErrPoolSaturated)
//   - Input errors: malformed CLI filters (ErrInvalidDateFormat, ErrNoAuditLog,
//     ErrWorkspaceExists)
//
// ErrAccessDenied and ErrDecryptFailure are deliberately distinct. The first
// means no envelope exists for the principal. The second means an envelope
// exists but the principal's key material no longer opens it, which is
// repaired by a re-grant rather than surfaced as a permission problem.
//
// # Usage
//
// Return errors from internal packages:
//
//	if env == nil {
//	    return nil, errors.ErrAccessDenied
//	}
//
// Handle errors in the API layer:
//
//	plaintext, err := engine.DecryptObject(ctx, opts)
//	if errors.Is(err, terrors.ErrIntegrityFailure) {
//	    // Log as corruption or tampering, not as a permission gap
//	}
//
// Wrap errors with additional context:
//
//	return fmt.Errorf("unwrapping key for folder %s: %w", folderID, errors.ErrDecryptFailure)
package errors
