package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/PolarWolf314/tresor/internal/ui"
	"github.com/PolarWolf314/tresor/internal/workflows"

	"github.com/spf13/cobra"
)

var (
	doctorJSONOutput bool
	// doctorExitFunc is the function called to exit with a specific code.
	// Can be overridden for testing.
	doctorExitFunc = os.Exit
)

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSONOutput, "json", false, "output in JSON format")
}

func resetDoctorCommandState() {
	doctorJSONOutput = false
	doctorExitFunc = os.Exit
}

// SetDoctorExitFunc sets the exit function for testing purposes.
func SetDoctorExitFunc(f func(int)) {
	doctorExitFunc = f
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run health checks on the workspace",
	Long: `Runs a series of health checks on the workspace and reports issues.

The doctor command checks:
  - Store reachability
  - Interrupted rotations and revokes that have not rotated yet
  - Envelopes wrapped for a key pair that has since been reset
  - Objects stored without a content key id
  - Permission graph validity

Exit codes:
  0 - All checks passed
  1 - Warnings found (non-critical issues)
  2 - Errors found (critical issues)

Use --json for machine-readable output.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	Logger.Infof("Starting doctor command")

	spinner, cleanup := startSpinner("Running health checks...", verbose)
	result, err := runChecks(cmd)
	if err != nil {
		defer cleanup()
		return fail(spinner, err)
	}
	cleanup()

	for _, check := range result.Checks {
		Logger.Debugf("Check %s: status=%s, message=%s", check.Name, check.Status.String(), check.Message)
	}

	if doctorJSONOutput {
		if err := printJSON(result); err != nil {
			return err
		}
	} else {
		printDoctorResults(result)
		switch {
		case result.Summary.Errors > 0:
			fmt.Println(ui.Error.Sprint("✗") + " Health checks completed with errors")
		case result.Summary.Warnings > 0:
			fmt.Println(ui.Warning.Sprint("⚠") + " Health checks completed with warnings")
		default:
			fmt.Println(ui.Success.Sprint("✓") + " Health checks completed")
		}
	}

	if result.Summary.Errors > 0 {
		doctorExitFunc(2)
		return nil
	}
	if result.Summary.Warnings > 0 {
		doctorExitFunc(1)
	}
	return nil
}

func runChecks(cmd *cobra.Command) (*workflows.DoctorResult, error) {
	ctx := context.Background()
	engine, err := openEngine(ctx, cmd)
	if err != nil {
		return nil, err
	}
	defer engine.Close()
	return engine.Doctor(ctx)
}

// printDoctorResults prints the doctor results in a human-readable format.
func printDoctorResults(result *workflows.DoctorResult) {
	fmt.Println("Running health checks...")
	fmt.Println()

	for _, check := range result.Checks {
		var statusIcon string
		switch check.Status {
		case workflows.CheckPass:
			statusIcon = ui.Success.Sprint("✓")
		case workflows.CheckWarning:
			statusIcon = ui.Warning.Sprint("⚠")
		case workflows.CheckError:
			statusIcon = ui.Error.Sprint("✗")
		}
		fmt.Printf("%s %s: %s\n", statusIcon, check.Name, check.Message)
	}

	fmt.Println()
	fmt.Printf("Summary: %d passed", result.Summary.Passed)
	if result.Summary.Warnings > 0 {
		fmt.Printf(", %s", ui.Warning.Sprint(fmt.Sprintf("%d warning(s)", result.Summary.Warnings)))
	}
	if result.Summary.Errors > 0 {
		fmt.Printf(", %s", ui.Error.Sprint(fmt.Sprintf("%d error(s)", result.Summary.Errors)))
	}
	fmt.Println()

	if len(result.Suggestions) > 0 {
		fmt.Println()
		fmt.Println("Suggestions:")
		for _, suggestion := range result.Suggestions {
			fmt.Printf("  %s %s\n", ui.Info.Sprint("→"), suggestion)
		}
	}
}
