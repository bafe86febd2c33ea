package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/PolarWolf314/tresor/internal/configs"
	terrors "github.com/PolarWolf314/tresor/internal/errors"
	"github.com/PolarWolf314/tresor/internal/ui"
	"github.com/PolarWolf314/tresor/internal/utils"
	"github.com/PolarWolf314/tresor/internal/workflows"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
)

// ErrReported marks an error whose message was already shown to the user.
var ErrReported = errors.New("command failed")

// readSecretFunc reads a passphrase. Can be overridden for testing.
var readSecretFunc = readSecret

// readTTYFunc prompts on the controlling terminal when stdin carries data.
// Can be overridden for testing.
var readTTYFunc = utils.ReadPassphraseFromTTY

// startSpinner creates and starts a spinner with the given message when not in verbose or debug mode.
// Returns the spinner and a function that should be deferred to clean up.
//
// spinner.FinalMSG values do not need trailing newlines; the cleanup function
// adds one before printing.
func startSpinner(message string, verbose bool) (*spinner.Spinner, func()) {
	Logger.Debugf("Starting spinner with message: %s", message)
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + message

	if err := s.Color("cyan"); err != nil {
		Logger.Warnf("Failed to set spinner color: %v", err)
	}

	// Passphrase prompts and piped output need a quiet terminal.
	quiet := verbose || debug || !utils.IsTerminal()
	if !quiet {
		s.Start()
		log.SetOutput(io.Discard)
	} else {
		Logger.Infof("Running in verbose or debug mode: %s", message)
	}

	cleanup := func() {
		if !quiet {
			log.SetOutput(os.Stderr)
		}

		finalMsg := ""
		if s.FinalMSG != "" {
			finalMsg = ui.EnsureNewline(s.FinalMSG)
			s.FinalMSG = ""
		}

		if !quiet {
			s.Stop()
		}
		if finalMsg != "" {
			fmt.Print(finalMsg)
		}
	}

	return s, cleanup
}

// openEngine discovers the workspace, loads its config, overlays the flags
// the user set and opens an Engine. The caller must Close it.
func openEngine(ctx context.Context, cmd *cobra.Command) (*workflows.Engine, error) {
	settings, err := configs.Discover("", configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to locate workspace: %w", err)
	}
	Logger.Debugf("Workspace root %s, config %s", settings.Root, settings.ConfigPath)

	cfg, err := loadConfig(cmd, settings.ConfigPath)
	if err != nil {
		return nil, err
	}

	return workflows.Open(ctx, workflows.EngineOptions{
		Config:   cfg,
		Settings: settings,
		Logger:   Logger,
	})
}

func loadConfig(cmd *cobra.Command, path string) (*configs.Config, error) {
	cfg, err := configs.Load(path)
	if err != nil {
		return nil, err
	}
	if err := configs.ApplyFlags(cfg, cmd.Flags()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// currentActor returns the --as principal, or one derived from the OS user.
func currentActor() (string, error) {
	id := actorID
	if id == "" {
		id = utils.DefaultPrincipalID()
	}
	if id == "" {
		return "", fmt.Errorf("could not determine the acting principal, pass --as")
	}
	return id, nil
}

// actorCredentials prompts for the acting principal's passphrase.
func actorCredentials() (workflows.ActorCredentials, error) {
	id, err := currentActor()
	if err != nil {
		return workflows.ActorCredentials{}, err
	}
	secret, err := readSecretFunc(fmt.Sprintf("Passphrase for %s: ", id))
	if err != nil {
		return workflows.ActorCredentials{}, err
	}
	return workflows.ActorCredentials{PrincipalID: id, Secret: secret}, nil
}

func readSecret(prompt string) ([]byte, error) {
	if secretStdin {
		Logger.Debugf("Reading passphrase from stdin")
		return utils.ReadSecretLine(os.Stdin)
	}
	if !utils.IsTerminal() {
		// Stdin is piped input such as plaintext.
		Logger.Debugf("Stdin is not a terminal, prompting on the controlling terminal")
		return readTTYFunc(prompt)
	}
	return utils.ReadPassphrase(prompt)
}

// newSecret reads a passphrase, asking twice on a terminal.
func newSecret(prompt string) ([]byte, error) {
	secret, err := readSecretFunc(prompt)
	if err != nil {
		return nil, err
	}
	if secretStdin || !utils.IsTerminal() {
		return secret, nil
	}
	again, err := readSecretFunc("Confirm passphrase: ")
	if err != nil {
		return nil, err
	}
	if string(again) != string(secret) {
		return nil, fmt.Errorf("passphrases do not match")
	}
	return secret, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// errorMessage turns a workflow error into a user-facing line.
func errorMessage(err error) string {
	msg := ui.Error.Sprint("✗") + " " + err.Error()

	var hint string
	switch {
	case errors.Is(err, terrors.ErrFolderNotFound):
		hint = "Run " + ui.Code.Sprint("tresor folder list") + " to see existing folders"
	case errors.Is(err, terrors.ErrPrincipalNotFound):
		hint = "Register it first with " + ui.Code.Sprint("tresor principal register")
	case errors.Is(err, terrors.ErrAccessDenied):
		hint = "Ask a current holder to run " + ui.Code.Sprint("tresor folder grant")
	case errors.Is(err, terrors.ErrDecryptFailure):
		hint = "The key pair was reset since the envelope was written; ask a holder to re-grant"
	case errors.Is(err, terrors.ErrWrongSecret):
		hint = "Check the passphrase and try again"
	case errors.Is(err, terrors.ErrRetryExhausted):
		hint = "Another writer kept updating the folder; try again"
	case errors.Is(err, terrors.ErrFolderRotating):
		hint = "Run " + ui.Code.Sprint("tresor folder resume") + " to finish it"
	case errors.Is(err, terrors.ErrSelfRevoke):
		hint = "Grant another holder first, or archive the folder"
	case errors.Is(err, terrors.ErrInheritedAccess):
		hint = "Revoke it on the parent folder, which also covers this subfolder"
	case errors.Is(err, terrors.ErrWorkspaceExists):
		hint = "Edit " + ui.Path.Sprint(".tresor/config.toml") + " instead"
	}
	if hint != "" {
		msg += "\n" + ui.Info.Sprint("→") + " " + hint
	}
	return msg
}

// fail shows err as the spinner's final message.
func fail(s *spinner.Spinner, err error) error {
	Logger.Debugf("Command failed: %v", err)
	s.FinalMSG = errorMessage(err)
	return fmt.Errorf("%w: %w", ErrReported, err)
}

// report prints err for commands that run without a spinner.
func report(err error) error {
	Logger.Debugf("Command failed: %v", err)
	fmt.Fprintln(os.Stderr, errorMessage(err))
	return fmt.Errorf("%w: %w", ErrReported, err)
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
