// Package audit provides the audit trail for tresor key operations.
//
// Every write on a folder (create, grant, revoke, rotate, resume, archive),
// every key reset and rewrap, and every object encrypt or decrypt is
// recorded with the acting principal. Key material and plaintext are never
// recorded.
//
// # Log Format
//
// The audit log is stored as JSON Lines (one JSON object per line), by
// default at:
//
//	.tresor/audit.jsonl
//
// Each entry contains:
//   - Timestamp (RFC3339 with microseconds, UTC)
//   - Acting principal
//   - Operation name
//   - Operation-specific details (folder, target principal, key id, log sequence)
//
// # Failure Handling
//
// Audit logging is best-effort. If logging fails (permissions, disk full,
// etc.), the operation continues and a warning is logged.
//
// # Reading Logs
//
// Use ReadEntries to parse the audit log for display or analysis.
// Malformed entries are silently skipped to handle partial writes.
package audit
