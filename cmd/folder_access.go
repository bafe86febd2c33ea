package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/PolarWolf314/tresor/internal/ui"
	"github.com/PolarWolf314/tresor/internal/utils"
	"github.com/PolarWolf314/tresor/internal/workflows"

	"github.com/spf13/cobra"
)

var (
	syncGraphPath string
	syncDryRun    bool
)

func init() {
	folderSyncCmd.Flags().StringVar(&syncGraphPath, "graph", "", "permission graph to apply (default access.graph from the config)")
	folderSyncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "preview changes without granting or revoking")
}

func resetFolderAccessCommandState() {
	syncGraphPath = ""
	syncDryRun = false
}

var folderGrantCmd = &cobra.Command{
	Use:   "grant <folder> <principal>",
	Short: "Wrap a folder's key for another principal",
	Long: `Grants a principal access to a folder by wrapping the folder's current
content key with the principal's public key. Every subfolder below it is
granted as well, so a holder of a folder can open everything under it. The
acting principal must hold each folder key.

Granting a principal that already holds the key re-wraps it for their
current key pair, which restores access after a key reset.

Examples:
  tresor folder grant cases bob
  tresor folder grant cases bob --as alice`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		Logger.Infof("Starting folder grant command")

		actor, err := actorCredentials()
		if err != nil {
			return report(err)
		}
		defer wipe(actor.Secret)

		spinner, cleanup := startSpinner("Granting access...", verbose)
		defer cleanup()

		ctx := context.Background()
		engine, err := openEngine(ctx, cmd)
		if err != nil {
			return fail(spinner, err)
		}
		defer engine.Close()

		result, err := engine.GrantAccess(ctx, workflows.GrantOptions{
			Actor:       actor,
			FolderID:    args[0],
			PrincipalID: args[1],
		})
		if err != nil {
			return fail(spinner, err)
		}

		msg := ui.Success.Sprint("✓") + " Granted " + ui.Highlight.Sprint(result.PrincipalID) +
			" access to " + ui.Highlight.Sprint(result.FolderID)
		if result.AlreadyHolder {
			msg = ui.Success.Sprint("✓") + " " + ui.Highlight.Sprint(result.PrincipalID) +
				" already holds " + ui.Highlight.Sprint(result.FolderID)
		}
		if len(result.Subfolders) > 0 {
			msg += "\n" + ui.Info.Sprint("→") + fmt.Sprintf(" Also granted %d subfolder(s): ", len(result.Subfolders)) +
				strings.Join(result.Subfolders, ", ")
		}
		if result.Resumed {
			msg += "\n" + ui.Info.Sprint("→") + " Finished an interrupted rotation first"
		}
		spinner.FinalMSG = msg
		return nil
	},
}

var folderRevokeCmd = &cobra.Command{
	Use:   "revoke <folder> <principal>",
	Short: "Remove a principal's access and rotate the folder key",
	Long: `Revokes a principal's access to a folder and to every subfolder below it.
Each folder the principal held is rotated to a new key and its objects are
re-encrypted, so the revoked principal cannot read anything in the subtree
after this returns.

A principal that holds the parent folder keeps access to its subfolders;
revoke it on the parent instead.

Examples:
  tresor folder revoke cases bob

  # Non-interactive revocation
  echo "$PASSPHRASE" | tresor folder revoke cases bob --as alice --secret-stdin`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		Logger.Infof("Starting folder revoke command")

		actor, err := actorCredentials()
		if err != nil {
			return report(err)
		}
		defer wipe(actor.Secret)

		spinner, cleanup := startSpinner("Revoking access...", verbose)
		defer cleanup()

		ctx := context.Background()
		engine, err := openEngine(ctx, cmd)
		if err != nil {
			return fail(spinner, err)
		}
		defer engine.Close()

		result, err := engine.RevokeAccess(ctx, workflows.RevokeOptions{
			Actor:       actor,
			FolderID:    args[0],
			PrincipalID: args[1],
		})
		if err != nil {
			return fail(spinner, err)
		}

		if result.NotHolder && len(result.Subfolders) == 0 {
			spinner.FinalMSG = ui.Warning.Sprint("⚠") + " " + ui.Highlight.Sprint(result.PrincipalID) +
				" does not hold " + ui.Highlight.Sprint(result.FolderID) + ", nothing to revoke"
			return nil
		}

		msg := ui.Success.Sprint("✓") + " Revoked " + ui.Highlight.Sprint(result.PrincipalID) +
			" from " + ui.Highlight.Sprint(result.FolderID)
		if result.Rotated {
			msg += "\n" + ui.Info.Sprint("→") + " Rotated to key " + ui.Key.Sprint(utils.ShortID(result.KeyID))
		}
		if len(result.Subfolders) > 0 {
			msg += "\n" + ui.Info.Sprint("→") + fmt.Sprintf(" Also revoked and rotated %d subfolder(s): ", len(result.Subfolders)) +
				strings.Join(result.Subfolders, ", ")
		}
		if len(result.RemainingHolders) > 0 {
			msg += "\n" + ui.Info.Sprint("→") + " Remaining holders: " + strings.Join(result.RemainingHolders, ", ")
		}
		spinner.FinalMSG = msg
		return nil
	},
}

var folderSyncCmd = &cobra.Command{
	Use:   "sync [folder...]",
	Short: "Apply the permission graph to folder holders",
	Long: `Resolves who may read each folder from the permission graph and grants or
revokes envelopes to match. Without folder arguments every folder in the
graph that exists in the store is synced.

Parents are synced before their subfolders. Principals without a registered
key pair are skipped, the acting principal is never revoked, and a holder of
a parent folder is not revoked from its subfolders alone.

Examples:
  tresor folder sync --dry-run
  tresor folder sync cases case-1
  tresor folder sync --graph ./policies/access.toml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		Logger.Infof("Starting folder sync command")

		actor, err := actorCredentials()
		if err != nil {
			return report(err)
		}
		defer wipe(actor.Secret)

		spinner, cleanup := startSpinner("Syncing folder access...", verbose)
		defer cleanup()

		ctx := context.Background()
		engine, err := openEngine(ctx, cmd)
		if err != nil {
			return fail(spinner, err)
		}
		defer engine.Close()

		result, err := engine.SyncFolderAccess(ctx, workflows.SyncOptions{
			Actor:     actor,
			FolderIDs: args,
			GraphPath: syncGraphPath,
			DryRun:    syncDryRun,
		})
		if err != nil {
			return fail(spinner, err)
		}

		spinner.FinalMSG = formatSyncResult(result)
		return nil
	},
}

func formatSyncResult(result *workflows.SyncResult) string {
	var b strings.Builder
	if result.DryRun {
		b.WriteString(ui.Warning.Sprint("[dry-run]") + " No changes were made\n\n")
	}
	if result.Seeded {
		b.WriteString(ui.Info.Sprint("→") + " Seeded the permission catalog\n")
	}

	for _, fs := range result.Folders {
		if len(fs.Granted) == 0 && len(fs.Revoked) == 0 && len(fs.Skipped) == 0 {
			continue
		}
		b.WriteString(ui.Highlight.Sprint(fs.FolderID) + "\n")
		for _, id := range fs.Granted {
			b.WriteString("  " + ui.Success.Sprint("+") + " " + id + "\n")
		}
		for _, id := range fs.Revoked {
			b.WriteString("  " + ui.Error.Sprint("-") + " " + id + "\n")
		}
		for _, s := range fs.Skipped {
			b.WriteString("  " + ui.Warning.Sprint("~") + " " + s.PrincipalID + " " + ui.Muted.Sprint(s.Reason) + "\n")
		}
	}

	if !result.Changed() {
		b.WriteString(ui.Success.Sprint("✓") + fmt.Sprintf(" %d folder(s) already match the permission graph", len(result.Folders)))
		return b.String()
	}
	verb := "Synced"
	if result.DryRun {
		verb = "Would sync"
	}
	b.WriteString(ui.Success.Sprint("✓") + fmt.Sprintf(" %s %d folder(s)", verb, len(result.Folders)))
	return b.String()
}
