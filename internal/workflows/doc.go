// Package workflows provides high-level orchestration for tresor commands.
//
// An Engine composes the store, the keyring, the folder hierarchy, the crypto
// worker pool and the audit trail for one workspace. Each method implements a
// single command's business logic, independent of CLI concerns like flag
// parsing, spinners, and output formatting.
//
// # Design Philosophy
//
// The cmd/ package should be a thin layer that:
//   - Parses command-line flags and arguments
//   - Calls the appropriate workflow method
//   - Formats the result for display
//
// Workflows handle everything else:
//   - Unlocking the acting principal's key for the duration of one call
//   - Performing the core operation
//   - Recording audit trail entries
//
// # Available Workflows
//
//   - Init: creates the .tresor directory, config and permission graph
//   - RegisterPrincipal, ResetPrincipalKeys: key pair lifecycle
//   - CreateFolder, GrantAccess, RevokeAccess, ArchiveFolder: folder holders
//   - RotateFolder, ResumeRotation: content key replacement
//   - EncryptAndStore, DecryptObject: object payloads
//   - SyncFolderAccess: applies the permission graph to folder holders
//   - FolderStatus, ListFolders, CatchUp, Log, Doctor: read-only reports
//
// # Error Handling
//
// Workflows return typed errors from the internal/errors package, allowing
// the CLI layer to provide appropriate user-facing messages without string
// matching. Use errors.Is() to check for specific error conditions:
//
//	result, err := engine.DecryptObject(ctx, opts)
//	if errors.Is(err, terrors.ErrDecryptFailure) {
//	    // The envelope predates a key reset: ask a holder to re-grant
//	}
//
// # Context Usage
//
// All workflow methods accept a context.Context as their first parameter.
// This enables cancellation, timeouts, and passing request-scoped values.
package workflows
