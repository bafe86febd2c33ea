package cmd

import (
	"context"
	"fmt"

	"github.com/PolarWolf314/tresor/internal/ui"
	"github.com/PolarWolf314/tresor/internal/utils"
	"github.com/PolarWolf314/tresor/internal/workflows"

	"github.com/spf13/cobra"
)

var rotateReason string

func init() {
	folderRotateCmd.Flags().StringVar(&rotateReason, "reason", "", "reason recorded in the upgrade log (default manual)")
}

func resetFolderRotateCommandState() {
	rotateReason = ""
}

var folderRotateCmd = &cobra.Command{
	Use:   "rotate <folder>",
	Short: "Replace a folder's content key",
	Long: `Generates a new content key for a folder, wraps it for every current holder
and re-encrypts every object in the folder under a fresh object key wrapped by
the new folder key. Subfolders have keys of their own and are not rotated.
The switch to the new key is a single atomic commit.

If the rotation is interrupted, run ` + "`tresor folder resume`" + ` to finish it.

Examples:
  tresor folder rotate cases
  tresor folder rotate cases --reason "laptop lost"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		Logger.Infof("Starting folder rotate command")

		actor, err := actorCredentials()
		if err != nil {
			return report(err)
		}
		defer wipe(actor.Secret)

		spinner, cleanup := startSpinner("Rotating folder key...", verbose)
		defer cleanup()

		ctx := context.Background()
		engine, err := openEngine(ctx, cmd)
		if err != nil {
			return fail(spinner, err)
		}
		defer engine.Close()

		result, err := engine.RotateFolder(ctx, workflows.RotateOptions{
			Actor:    actor,
			FolderID: args[0],
			Reason:   rotateReason,
		})
		if err != nil {
			return fail(spinner, err)
		}

		msg := ui.Success.Sprint("✓") + " Rotated " + ui.Highlight.Sprint(result.FolderID) + " from " +
			ui.Key.Sprint(utils.ShortID(result.PreviousKeyID)) + " to " + ui.Key.Sprint(utils.ShortID(result.KeyID)) +
			"\n" + ui.Info.Sprint("→") + fmt.Sprintf(" Re-encrypted %d object(s)", result.Objects)
		if result.Resumed {
			msg += "\n" + ui.Info.Sprint("→") + " Finished an interrupted rotation first"
		}
		spinner.FinalMSG = msg
		return nil
	},
}

var folderResumeCmd = &cobra.Command{
	Use:   "resume <folder>",
	Short: "Finish an interrupted rotation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		Logger.Infof("Starting folder resume command")

		actor, err := actorCredentials()
		if err != nil {
			return report(err)
		}
		defer wipe(actor.Secret)

		spinner, cleanup := startSpinner("Resuming rotation...", verbose)
		defer cleanup()

		ctx := context.Background()
		engine, err := openEngine(ctx, cmd)
		if err != nil {
			return fail(spinner, err)
		}
		defer engine.Close()

		result, err := engine.ResumeRotation(ctx, workflows.ResumeOptions{Actor: actor, FolderID: args[0]})
		if err != nil {
			return fail(spinner, err)
		}

		if !result.Resumed {
			spinner.FinalMSG = ui.Success.Sprint("✓") + " No rotation pending on " + ui.Highlight.Sprint(result.FolderID)
			return nil
		}
		spinner.FinalMSG = ui.Success.Sprint("✓") + " Finished rotation of " + ui.Highlight.Sprint(result.FolderID) +
			" to key " + ui.Key.Sprint(utils.ShortID(result.KeyID))
		return nil
	},
}
