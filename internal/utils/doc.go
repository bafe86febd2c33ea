// Package utils provides shared helpers for the tresor CLI.
//
// # Filesystem Utilities
//
//   - FindRoot: walks up directories to find a marker directory such as .tresor
//   - FormatPaths: formats file paths for human-readable output
//
// # System Utilities
//
//   - GetUsername, DefaultPrincipalID: the OS user as a principal id
//   - SanitizeID, IsValidID: principal and folder id normalization
//
// # I/O Utilities
//
//   - ReadStdin: reads all data from standard input
//   - ReadSecretLine: reads a single secret line from a reader
//
// # Terminal Utilities
//
//   - ReadPassphrase, ReadPassphraseFromTTY: hidden secret prompts
//   - IsTerminal: checks if stdin is a terminal
package utils
