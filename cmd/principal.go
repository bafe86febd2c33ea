package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	terrors "github.com/PolarWolf314/tresor/internal/errors"
	"github.com/PolarWolf314/tresor/internal/secrets"
	"github.com/PolarWolf314/tresor/internal/ui"
	"github.com/PolarWolf314/tresor/internal/utils"
	"github.com/PolarWolf314/tresor/internal/workflows"

	"github.com/spf13/cobra"
)

var (
	registerKind      string
	registerOrgID     string
	registerImportKey string
	resetRewrap       bool
)

func init() {
	principalRegisterCmd.Flags().StringVar(&registerKind, "kind", string(secrets.KindUser), "principal kind (user, organization)")
	principalRegisterCmd.Flags().StringVar(&registerOrgID, "org", "", "organization the principal belongs to")
	principalRegisterCmd.Flags().StringVar(&registerImportKey, "import-key", "", "register an existing RSA private key (PEM or OpenSSH) instead of generating one")
	principalResetCmd.Flags().BoolVar(&resetRewrap, "rewrap", false, "unlock the old key and re-wrap every envelope it opens")

	principalCmd.AddCommand(principalRegisterCmd)
	principalCmd.AddCommand(principalResetCmd)
}

func resetPrincipalCommandState() {
	registerKind = string(secrets.KindUser)
	registerOrgID = ""
	registerImportKey = ""
	resetRewrap = false
}

var principalCmd = &cobra.Command{
	Use:   "principal",
	Short: "Manage principal key pairs",
	Long:  `Registers principals and resets their key pairs.`,
}

// principalArg returns the principal named on the command line or the
// current actor.
func principalArg(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	return currentActor()
}

var principalRegisterCmd = &cobra.Command{
	Use:   "register [principal]",
	Short: "Generate or import a principal's key pair",
	Long: `Generates an RSA key pair for a principal, or imports one with --import-key,
and seals the private key with a passphrase. The principal defaults to the
current user.

Examples:
  # Register yourself
  tresor principal register

  # Register an organization key holder
  tresor principal register acme --kind organization

  # Reuse an existing SSH key
  tresor principal register --import-key ~/.ssh/id_rsa

  # Non-interactive registration
  echo "$PASSPHRASE" | tresor principal register ci-bot --org acme --secret-stdin`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		Logger.Infof("Starting register command")

		id, err := principalArg(args)
		if err != nil {
			return report(err)
		}
		id = strings.TrimSpace(id)
		if !utils.IsValidID(id) {
			return report(fmt.Errorf("invalid principal id %q, try %q", id, utils.SanitizeID(id)))
		}

		kind := secrets.PrincipalKind(registerKind)
		if kind != secrets.KindUser && kind != secrets.KindOrganization {
			return report(fmt.Errorf("unknown principal kind %q", registerKind))
		}

		var keyData, keyPassphrase []byte
		if registerImportKey != "" {
			if keyData, keyPassphrase, err = readImportKey(registerImportKey, id); err != nil {
				return report(err)
			}
			defer wipe(keyData)
			defer wipe(keyPassphrase)
		}

		secret, err := newSecret(fmt.Sprintf("New passphrase for %s: ", id))
		if err != nil {
			return report(err)
		}
		defer wipe(secret)

		spinner, cleanup := startSpinner("Registering key pair...", verbose)
		defer cleanup()

		ctx := context.Background()
		engine, err := openEngine(ctx, cmd)
		if err != nil {
			return fail(spinner, err)
		}
		defer engine.Close()

		result, err := engine.RegisterPrincipal(ctx, workflows.RegisterOptions{
			PrincipalID:   id,
			Kind:          kind,
			OrgID:         registerOrgID,
			Secret:        secret,
			PrivateKey:    keyData,
			KeyPassphrase: keyPassphrase,
		})
		if err != nil {
			return fail(spinner, err)
		}

		msg := ui.Success.Sprint("✓") + " Registered " + ui.Highlight.Sprint(result.PrincipalID) +
			" " + ui.Muted.Sprint(string(result.Kind))
		if result.OrgID != "" {
			msg += " in " + ui.Highlight.Sprint(result.OrgID)
		}
		spinner.FinalMSG = msg
		return nil
	},
}

// readImportKey reads a private key file and, when it is encrypted, asks
// for its passphrase.
func readImportKey(path, id string) ([]byte, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read key file %s: %w", path, err)
	}

	_, err = secrets.ParsePrivateKey(data, nil)
	switch {
	case err == nil:
		return data, nil, nil
	case errors.Is(err, terrors.ErrPassphraseRequired):
		passphrase, err := readSecretFunc(fmt.Sprintf("Key file passphrase for %s: ", id))
		if err != nil {
			return nil, nil, err
		}
		return data, passphrase, nil
	default:
		return nil, nil, err
	}
}

var principalResetCmd = &cobra.Command{
	Use:   "reset [principal]",
	Short: "Replace a principal's key pair",
	Long: `Generates a new key pair for a principal.

Without --rewrap the folder envelopes stay wrapped for the old key, and reads
fail until a current holder grants access again. With --rewrap the old
passphrase is asked for and every envelope is re-wrapped for the new key.

Examples:
  # Forgotten passphrase: reset, then ask holders to grant again
  tresor principal reset

  # Change passphrase and keep access to every folder
  tresor principal reset --rewrap`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		Logger.Infof("Starting reset command")

		id, err := principalArg(args)
		if err != nil {
			return report(err)
		}

		var oldSecret []byte
		if resetRewrap {
			if oldSecret, err = readSecretFunc(fmt.Sprintf("Current passphrase for %s: ", id)); err != nil {
				return report(err)
			}
			defer wipe(oldSecret)
		}
		newSecretBytes, err := newSecret(fmt.Sprintf("New passphrase for %s: ", id))
		if err != nil {
			return report(err)
		}
		defer wipe(newSecretBytes)

		spinner, cleanup := startSpinner("Resetting key pair...", verbose)
		defer cleanup()

		ctx := context.Background()
		engine, err := openEngine(ctx, cmd)
		if err != nil {
			return fail(spinner, err)
		}
		defer engine.Close()

		result, err := engine.ResetPrincipalKeys(ctx, workflows.ResetOptions{
			PrincipalID: id,
			NewSecret:   newSecretBytes,
			OldSecret:   oldSecret,
		})
		if err != nil {
			return fail(spinner, err)
		}

		msg := ui.Success.Sprint("✓") + " Reset key pair of " + ui.Highlight.Sprint(result.PrincipalID) +
			fmt.Sprintf(" (generation %d)", result.Generation)
		if resetRewrap {
			msg += "\n" + ui.Info.Sprint("→") + fmt.Sprintf(" Re-wrapped %d folder envelope(s)", len(result.Rewrapped))
		} else {
			msg += "\n" + ui.Warning.Sprint("⚠") + " Existing envelopes no longer open; ask a holder to run " +
				ui.Code.Sprint("tresor folder grant")
		}
		spinner.FinalMSG = msg
		return nil
	},
}
