package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/PolarWolf314/tresor/internal/ui"
	"github.com/PolarWolf314/tresor/internal/upgrades"
	"github.com/PolarWolf314/tresor/internal/utils"
	"github.com/PolarWolf314/tresor/internal/workflows"

	"github.com/spf13/cobra"
)

var (
	createName     string
	createParentID string
	createOrgID    string
	createOwner    string

	folderJSON bool

	catchUpPrincipal string
	catchUpFrom      int
)

func init() {
	folderCreateCmd.Flags().StringVar(&createName, "name", "", "display name")
	folderCreateCmd.Flags().StringVar(&createParentID, "parent", "", "parent folder id")
	folderCreateCmd.Flags().StringVar(&createOrgID, "org", "", "organization (default the parent's, or the owner's)")
	folderCreateCmd.Flags().StringVar(&createOwner, "owner", "", "first holder (default the acting principal)")

	for _, c := range []*cobra.Command{folderStatusCmd, folderListCmd, folderCatchUpCmd} {
		c.Flags().BoolVar(&folderJSON, "json", false, "output in JSON format")
	}

	folderCatchUpCmd.Flags().StringVar(&catchUpPrincipal, "principal", "", "principal to report for (default the acting principal)")
	folderCatchUpCmd.Flags().IntVar(&catchUpFrom, "from", 0, "log length last seen")

	folderCmd.AddCommand(folderCreateCmd)
	folderCmd.AddCommand(folderGrantCmd)
	folderCmd.AddCommand(folderRevokeCmd)
	folderCmd.AddCommand(folderRotateCmd)
	folderCmd.AddCommand(folderResumeCmd)
	folderCmd.AddCommand(folderArchiveCmd)
	folderCmd.AddCommand(folderStatusCmd)
	folderCmd.AddCommand(folderListCmd)
	folderCmd.AddCommand(folderSyncCmd)
	folderCmd.AddCommand(folderCatchUpCmd)
}

func resetFolderCommandState() {
	createName = ""
	createParentID = ""
	createOrgID = ""
	createOwner = ""
	folderJSON = false
	catchUpPrincipal = ""
	catchUpFrom = 0
	resetFolderAccessCommandState()
	resetFolderRotateCommandState()
}

var folderCmd = &cobra.Command{
	Use:   "folder",
	Short: "Manage folders and their key holders",
	Long:  `Creates folders, grants and revokes access, rotates folder keys and reports folder state.`,
}

var folderCreateCmd = &cobra.Command{
	Use:   "create <folder>",
	Short: "Create a folder with a fresh content key",
	Long: `Creates a folder and wraps its first content key for the owner.

Examples:
  tresor folder create cases --name "Open cases"
  tresor folder create case-1 --parent cases`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		Logger.Infof("Starting folder create command")

		owner := createOwner
		if owner == "" {
			var err error
			if owner, err = currentActor(); err != nil {
				return report(err)
			}
		}

		spinner, cleanup := startSpinner("Creating folder...", verbose)
		defer cleanup()

		ctx := context.Background()
		engine, err := openEngine(ctx, cmd)
		if err != nil {
			return fail(spinner, err)
		}
		defer engine.Close()

		result, err := engine.CreateFolder(ctx, workflows.CreateFolderOptions{
			ID:       args[0],
			Name:     createName,
			ParentID: createParentID,
			OrgID:    createOrgID,
			Owner:    owner,
		})
		if err != nil {
			return fail(spinner, err)
		}

		msg := ui.Success.Sprint("✓") + " Created folder " + ui.Highlight.Sprint(result.FolderID) +
			" held by " + ui.Highlight.Sprint(result.Owner) + " under key " + ui.Key.Sprint(utils.ShortID(result.KeyID))
		if len(result.Holders) > 1 {
			msg += "\n" + ui.Info.Sprint("→") + " Also held through " + ui.Highlight.Sprint(result.ParentID) +
				" by " + strings.Join(result.Holders[1:], ", ")
		}
		spinner.FinalMSG = msg
		return nil
	},
}

var folderArchiveCmd = &cobra.Command{
	Use:   "archive <folder>",
	Short: "Mark a folder read-only",
	Long: `Appends an Archive entry to the folder's upgrade log. Holders can still
decrypt its objects; nothing can be granted, revoked, rotated or written.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		Logger.Infof("Starting folder archive command")

		actor, err := actorCredentials()
		if err != nil {
			return report(err)
		}
		defer wipe(actor.Secret)

		spinner, cleanup := startSpinner("Archiving folder...", verbose)
		defer cleanup()

		ctx := context.Background()
		engine, err := openEngine(ctx, cmd)
		if err != nil {
			return fail(spinner, err)
		}
		defer engine.Close()

		result, err := engine.ArchiveFolder(ctx, workflows.ArchiveOptions{Actor: actor, FolderID: args[0]})
		if err != nil {
			return fail(spinner, err)
		}

		spinner.FinalMSG = ui.Success.Sprint("✓") + " Archived " + ui.Highlight.Sprint(result.FolderID) +
			" " + ui.Muted.Sprintf("sequence %d", result.Sequence)
		return nil
	},
}

var folderStatusCmd = &cobra.Command{
	Use:   "status <folder>",
	Short: "Show a folder's key, holders and upgrade log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		Logger.Infof("Starting folder status command")

		ctx := context.Background()
		engine, err := openEngine(ctx, cmd)
		if err != nil {
			return report(err)
		}
		defer engine.Close()

		result, err := engine.FolderStatus(ctx, workflows.StatusOptions{FolderID: args[0]})
		if err != nil {
			return report(err)
		}

		if folderJSON {
			return printJSON(result)
		}
		printFolderStatus(result)
		return nil
	},
}

func printFolderStatus(s *workflows.StatusResult) {
	fmt.Printf("Folder:     %s", ui.Highlight.Sprint(s.FolderID))
	if s.Name != "" {
		fmt.Printf(" %s", ui.Muted.Sprint(s.Name))
	}
	fmt.Println()
	fmt.Printf("Org:        %s\n", s.OrgID)
	if s.ParentID != "" {
		fmt.Printf("Parent:     %s\n", s.ParentID)
	}
	fmt.Printf("Status:     %s\n", s.Status)
	fmt.Printf("Key:        %s (generation %d)\n", ui.Key.Sprint(utils.ShortID(s.KeyID)), s.Generation)
	fmt.Printf("Objects:    %d", s.Objects)
	if s.LegacyObjects > 0 {
		fmt.Printf(", %s", ui.Warning.Sprintf("%d without a key id", s.LegacyObjects))
	}
	fmt.Println()

	if s.Pending != nil {
		fmt.Printf("%s Rotation to %s pending since %s\n", ui.Warning.Sprint("⚠"),
			ui.Key.Sprint(utils.ShortID(s.Pending.KeyID)), s.Pending.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if s.UnfinishedRevoke != "" {
		fmt.Printf("%s Revoke of %s has not rotated the key yet\n", ui.Warning.Sprint("⚠"), s.UnfinishedRevoke)
	}

	fmt.Println()
	fmt.Println("Holders:")
	for _, h := range s.Holders {
		line := "  " + h.PrincipalID
		if h.Stale {
			line += " " + ui.Warning.Sprintf("stale envelope (generation %d)", h.KeyGeneration)
		}
		fmt.Println(line)
	}

	fmt.Println()
	fmt.Println("Upgrade log:")
	printUpgrades(s.Log)
}

func printUpgrades(log upgrades.Log) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, u := range log {
		fmt.Fprintf(w, "  %d\t%s\t%s\t%s\t%s\t%s\n",
			u.Sequence,
			u.Timestamp.Local().Format("2006-01-02 15:04:05"),
			u.Operation,
			u.PrincipalID,
			utils.ShortID(u.KeyID),
			u.Reason,
		)
	}
	_ = w.Flush()
}

var folderListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every folder",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		Logger.Infof("Starting folder list command")

		ctx := context.Background()
		engine, err := openEngine(ctx, cmd)
		if err != nil {
			return report(err)
		}
		defer engine.Close()

		folders, err := engine.ListFolders(ctx)
		if err != nil {
			return report(err)
		}

		if folderJSON {
			return printJSON(folders)
		}
		if len(folders) == 0 {
			fmt.Println("No folders yet. Run " + ui.Code.Sprint("tresor folder create <folder>") + " to create one.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "FOLDER\tPARENT\tORG\tSTATUS\tKEY\tHOLDERS")
		for _, f := range folders {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
				f.FolderID, f.ParentID, f.OrgID, f.Status, utils.ShortID(f.KeyID), f.Holders)
		}
		return w.Flush()
	},
}

var folderCatchUpCmd = &cobra.Command{
	Use:   "catchup <folder>",
	Short: "Show what changed for a principal since a log position",
	Long: `Reports whether a principal still holds a folder's key and which upgrade
log entries since --from affect it.

Examples:
  tresor folder catchup cases --from 3
  tresor folder catchup cases --principal bob --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		Logger.Infof("Starting folder catchup command")

		principal := catchUpPrincipal
		if principal == "" {
			var err error
			if principal, err = currentActor(); err != nil {
				return report(err)
			}
		}

		ctx := context.Background()
		engine, err := openEngine(ctx, cmd)
		if err != nil {
			return report(err)
		}
		defer engine.Close()

		result, err := engine.CatchUp(ctx, workflows.CatchUpOptions{
			FolderID:     args[0],
			PrincipalID:  principal,
			FromSequence: catchUpFrom,
		})
		if err != nil {
			return report(err)
		}

		if folderJSON {
			return printJSON(result)
		}

		if result.HasAccess {
			fmt.Printf("%s %s holds %s %s\n", ui.Success.Sprint("✓"), principal, ui.Highlight.Sprint(result.FolderID),
				ui.Muted.Sprintf("key %s, generation %d", utils.ShortID(result.KeyID), result.Generation))
		} else {
			fmt.Printf("%s %s does not hold %s\n", ui.Error.Sprint("✗"), principal, ui.Highlight.Sprint(result.FolderID))
		}
		if result.Reissued {
			fmt.Printf("%s The folder key changed since sequence %d\n", ui.Info.Sprint("→"), catchUpFrom)
		}
		if len(result.Since) > 0 {
			fmt.Println()
			printUpgrades(result.Since)
		}
		fmt.Printf("\nLog length: %d\n", result.Sequence)
		return nil
	},
}
