package cmd

import (
	"context"
	"os"

	"github.com/PolarWolf314/tresor/internal/ui"
	"github.com/PolarWolf314/tresor/internal/workflows"

	"github.com/spf13/cobra"
)

var (
	initOrgID        string
	initOrgKeyHolder bool
)

func init() {
	initCmd.Flags().StringVar(&initOrgID, "org", "", "seed the permission graph with this organization")
	initCmd.Flags().BoolVar(&initOrgKeyHolder, "org-key-holder", false, "make the organization hold every folder key")
}

func resetInitCommandState() {
	initOrgID = ""
	initOrgKeyHolder = false
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a tresor workspace in the current directory",
	Long: `Creates the .tresor directory with a config file and a permission graph
seeded with the permission catalog.

Store, crypto and rotation flags given here are written to the config file.

Examples:
  # Initialize with the file store
  tresor init

  # Seed an organization that holds every folder key
  tresor init --org acme --org-key-holder

  # Keep state in postgres
  tresor init --store postgres --dsn postgres://tresor@localhost/tresor`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		Logger.Infof("Starting init command")
		spinner, cleanup := startSpinner("Initializing workspace...", verbose)
		defer cleanup()

		root, err := os.Getwd()
		if err != nil {
			return Logger.ErrorfAndReturn("failed to get working directory: %v", err)
		}

		cfg, err := loadConfig(cmd, "")
		if err != nil {
			return fail(spinner, err)
		}

		result, err := workflows.Init(context.Background(), workflows.InitOptions{
			Root:         root,
			Config:       cfg,
			OrgID:        initOrgID,
			OrgKeyHolder: initOrgKeyHolder,
		})
		if err != nil {
			return fail(spinner, err)
		}
		Logger.Infof("Workspace created at %s", result.Root)

		spinner.FinalMSG = ui.Success.Sprint("✓") + " Initialized tresor in " + ui.Path.Sprint(result.Root) + "\n" +
			"    config: " + ui.Path.Sprint(result.ConfigPath) + "\n" +
			"    access: " + ui.Path.Sprint(result.GraphPath) + "\n" +
			ui.Info.Sprint("→") + " Run " + ui.Code.Sprint("tresor principal register") + " to create your key pair"
		return nil
	},
}
