package cmd

import (
	"fmt"

	"github.com/PolarWolf314/tresor/internal/configs"
	logger "github.com/PolarWolf314/tresor/internal/logging"
	"github.com/PolarWolf314/tresor/internal/utils"

	"github.com/common-nighthawk/go-figure"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	verbose     bool
	debug       bool
	configPath  string
	actorID     string
	secretStdin bool
	Logger      logger.Logger

	RootCmd = &cobra.Command{
		Use:   "tresor",
		Short: "Hierarchical folder encryption with revocable, rotating keys",
		Long: `Tresor encrypts objects under per-folder content keys and manages who can
unwrap them.

Every folder key is wrapped once per holder with the holder's public key.
Revoking a holder rotates the folder key and re-encrypts the folder's objects,
so the revoked principal can read nothing written or re-encrypted afterwards.
Every change to a folder's holders is appended to its upgrade log.

Usage:
  tresor <command> [flags]

Run 'tresor help <command>' for more details on a specific command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			Logger = logger.Logger{
				Verbose: verbose,
				Debug:   debug,
			}
			Logger.Debugf("Initializing %s with verbose=%t, debug=%t", cmd.CommandPath(), verbose, debug)
		},
		Run: func(cmd *cobra.Command, args []string) {
			figure.NewFigure("tresor", "", true).Print()
			fmt.Println()
			fmt.Println("Run 'tresor --help' to see available commands.")
		},
	}
)

func init() {
	flags := RootCmd.PersistentFlags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	flags.BoolVarP(&debug, "debug", "d", false, "enable debug output")
	flags.StringVar(&configPath, "config", "", "config file (default .tresor/config.toml in the workspace)")
	flags.StringVar(&actorID, "as", "", "principal performing the operation (default derived from the OS user)")
	flags.BoolVar(&secretStdin, "secret-stdin", false, "read the passphrase from the first line of stdin")
	configs.RegisterFlags(flags)

	RootCmd.AddCommand(initCmd)
	RootCmd.AddCommand(principalCmd)
	RootCmd.AddCommand(folderCmd)
	RootCmd.AddCommand(objectCmd)
	RootCmd.AddCommand(logCmd)
	RootCmd.AddCommand(doctorCmd)
}

// Execute runs the root command.
func Execute() error {
	return RootCmd.Execute()
}

// Helper functions for testing

// GetRootCmd returns the RootCmd for testing.
func GetRootCmd() *cobra.Command {
	return RootCmd
}

// ResetGlobalState resets all global variables to their default values for testing.
func ResetGlobalState() {
	verbose = false
	debug = false
	configPath = ""
	actorID = ""
	secretStdin = false
	readSecretFunc = readSecret
	readTTYFunc = utils.ReadPassphraseFromTTY
	resetInitCommandState()
	resetPrincipalCommandState()
	resetFolderCommandState()
	resetObjectCommandState()
	resetLogCommandState()
	resetDoctorCommandState()

	// Persistent flags keep their Changed bit between Execute calls.
	RootCmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	})
}

// SetVerbose sets the verbose flag for testing.
func SetVerbose(v bool) {
	verbose = v
}

// SetDebug sets the debug flag for testing.
func SetDebug(d bool) {
	debug = d
}

// SetLogger sets the logger for testing.
func SetLogger(l logger.Logger) {
	Logger = l
}

// SetSecretReader replaces the passphrase prompt for testing.
func SetSecretReader(f func(prompt string) ([]byte, error)) {
	readSecretFunc = f
}

// SetTTYReader replaces the controlling-terminal prompt for testing.
func SetTTYReader(f func(prompt string) ([]byte, error)) {
	readTTYFunc = f
}
