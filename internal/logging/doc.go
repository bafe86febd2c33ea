// Package logger provides leveled logging for the tresor engine and CLI.
//
// The logger supports multiple verbosity levels controlled by command-line
// flags. Output is formatted with coloured level prefixes and, for engine
// components, the component name.
//
// # Verbosity Levels
//
//   - --verbose: Shows info messages
//   - --debug: Shows all messages including debug details
//
// Warnings and errors are always shown.
//
// # Log Methods
//
//	Logger.Infof()   // Shown with --verbose or --debug
//	Logger.Debugf()  // Shown only with --debug
//	Logger.Warnf()   // Always shown
//	Logger.Errorf()  // Always shown
//	Logger.ErrorfAndReturn() // Errorf, then returns the message as an error
//
// # Usage
//
//	log := Logger{Verbose: verbose, Debug: debug}.Named("folders")
//	log.Infof("rotated folder %s to key %s", folderID, keyID)
//
// Never pass secrets, key bytes or plaintext to a Logger. Identifiers
// (principal, folder, key id, sequence number) are fine.
package logger
