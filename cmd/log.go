package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PolarWolf314/tresor/internal/audit"
	terrors "github.com/PolarWolf314/tresor/internal/errors"
	"github.com/PolarWolf314/tresor/internal/ui"
	"github.com/PolarWolf314/tresor/internal/utils"
	"github.com/PolarWolf314/tresor/internal/workflows"

	"github.com/spf13/cobra"
)

var (
	logLimit     int
	logReverse   bool
	logFolder    string
	logPrincipal string
	logOperation string
	logSince     string
	logUntil     string
	logFailed    bool
	logOneline   bool
	logJSON      bool
)

func init() {
	logCmd.Flags().IntVarP(&logLimit, "number", "n", 0, "limit number of entries shown")
	logCmd.Flags().BoolVar(&logReverse, "reverse", false, "show most recent entries first")
	logCmd.Flags().StringVar(&logFolder, "folder", "", "filter by folder id")
	logCmd.Flags().StringVar(&logPrincipal, "principal", "", "filter by acting or target principal")
	logCmd.Flags().StringVar(&logOperation, "operation", "", "filter by operation type (comma-separated)")
	logCmd.Flags().StringVar(&logSince, "since", "", "show entries after date (YYYY-MM-DD)")
	logCmd.Flags().StringVar(&logUntil, "until", "", "show entries before date (YYYY-MM-DD)")
	logCmd.Flags().BoolVar(&logFailed, "failed", false, "show only failed operations")
	logCmd.Flags().BoolVar(&logOneline, "oneline", false, "compact one-line format")
	logCmd.Flags().BoolVar(&logJSON, "json", false, "output as JSON array")
}

// resetLogCommandState resets the log command's global state for testing.
func resetLogCommandState() {
	logLimit = 0
	logReverse = false
	logFolder = ""
	logPrincipal = ""
	logOperation = ""
	logSince = ""
	logUntil = ""
	logFailed = false
	logOneline = false
	logJSON = false
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "View the audit log",
	Long: `Displays the audit log of key and object operations.

Shows who performed what operation on which folder and when, including
operations that failed. Use filters to narrow down the results.

Examples:
  tresor log                              # View full log
  tresor log -n 10                        # Last 10 entries
  tresor log --reverse                    # Most recent first
  tresor log --folder cases               # Filter by folder
  tresor log --principal bob              # Entries by or about bob
  tresor log --operation grant,revoke     # Filter by operation
  tresor log --since 2024-01-01           # Filter by date
  tresor log --failed                     # Only failed operations
  tresor log --json                       # JSON output`,
	Args: cobra.NoArgs,
	RunE: runLog,
}

func runLog(cmd *cobra.Command, args []string) error {
	Logger.Infof("Starting log command")

	ctx := context.Background()
	engine, err := openEngine(ctx, cmd)
	if err != nil {
		return report(err)
	}
	defer engine.Close()

	result, err := engine.Log(ctx, workflows.LogOptions{
		Limit:      logLimit,
		Reverse:    logReverse,
		FolderID:   logFolder,
		Principal:  logPrincipal,
		Operations: logOperation,
		Since:      logSince,
		Until:      logUntil,
		FailedOnly: logFailed,
	})
	if err != nil {
		if errors.Is(err, terrors.ErrInvalidDateFormat) {
			return report(fmt.Errorf("%w, use YYYY-MM-DD", err))
		}
		return report(err)
	}

	if logJSON {
		if result.Entries == nil {
			result.Entries = []audit.Entry{}
		}
		return printJSON(result.Entries)
	}

	if len(result.Entries) == 0 {
		if result.TotalEntriesBeforeFilter == 0 {
			fmt.Println("No audit log entries found.")
		} else {
			fmt.Println("No audit log entries found matching the filters.")
		}
		return nil
	}

	for _, e := range result.Entries {
		if logOneline {
			fmt.Printf("%s %s %s %s\n", formatDate(e.Timestamp), e.Actor, e.Operation, formatDetails(e))
			continue
		}
		fmt.Printf("%-19s  %-20s  %-12s  %s\n", formatDateTime(e.Timestamp), e.Actor, e.Operation, formatDetails(e))
	}
	return nil
}

func formatDate(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return t.Local().Format("2006-01-02")
}

func formatDateTime(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatDetails(e audit.Entry) string {
	var parts []string
	if e.FolderID != "" {
		parts = append(parts, e.FolderID)
	}
	if e.Target != "" {
		parts = append(parts, "→ "+e.Target)
	}
	if e.ObjectID != "" {
		parts = append(parts, "object "+utils.ShortID(e.ObjectID))
	}
	if e.KeyID != "" {
		parts = append(parts, "key "+utils.ShortID(e.KeyID))
	}
	if e.Reason != "" {
		parts = append(parts, "("+e.Reason+")")
	}
	if e.Count > 0 {
		parts = append(parts, fmt.Sprintf("%d item(s)", e.Count))
	}
	if e.Resumed {
		parts = append(parts, "resumed")
	}
	if e.Error != "" {
		parts = append(parts, ui.Error.Sprint("failed: "+e.Error))
	}
	return strings.Join(parts, " ")
}
