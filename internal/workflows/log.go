package workflows

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/PolarWolf314/tresor/internal/audit"
	terrors "github.com/PolarWolf314/tresor/internal/errors"
)

// LogOptions configures the log workflow.
type LogOptions struct {
	// Limit is the maximum number of entries to return. 0 means no limit.
	Limit int

	// Reverse orders entries from most recent to oldest when true.
	Reverse bool

	// FolderID filters entries by folder.
	FolderID string

	// Principal filters entries by actor or target principal.
	Principal string

	// Operations filters entries by operation types (comma-separated).
	Operations string

	// Since filters entries after this date (YYYY-MM-DD format).
	Since string

	// Until filters entries before this date (YYYY-MM-DD format).
	Until string

	// FailedOnly keeps entries that recorded an error.
	FailedOnly bool
}

// LogResult contains the outcome of a log operation.
type LogResult struct {
	// Entries are the filtered audit log entries.
	Entries []audit.Entry

	// TotalEntriesBeforeFilter is the count of entries before filtering.
	TotalEntriesBeforeFilter int
}

// Log reads and filters the audit log.
//
// Returns ErrNoAuditLog if auditing is disabled and ErrInvalidDateFormat if
// a date filter is malformed.
func (e *Engine) Log(ctx context.Context, opts LogOptions) (*LogResult, error) {
	if e.audit == nil {
		return nil, terrors.ErrNoAuditLog
	}

	entries, err := e.audit.ReadEntries()
	if err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}

	result := &LogResult{TotalEntriesBeforeFilter: len(entries)}
	filtered := audit.Filter(entries, opts.FolderID, opts.Principal)

	if opts.Operations != "" {
		ops := strings.Split(opts.Operations, ",")
		for i := range ops {
			ops[i] = strings.ToLower(strings.TrimSpace(ops[i]))
		}
		filtered = keep(filtered, func(e audit.Entry) bool {
			return slices.Contains(ops, strings.ToLower(e.Operation))
		})
	}

	if opts.FailedOnly {
		filtered = keep(filtered, func(e audit.Entry) bool { return e.Error != "" })
	}

	if opts.Since != "" {
		since, err := time.Parse("2006-01-02", opts.Since)
		if err != nil {
			return nil, fmt.Errorf("%w: --since date format invalid, use YYYY-MM-DD", terrors.ErrInvalidDateFormat)
		}
		filtered = keep(filtered, func(e audit.Entry) bool {
			t, ok := entryTime(e)
			return ok && !t.Before(since)
		})
	}

	if opts.Until != "" {
		until, err := time.Parse("2006-01-02", opts.Until)
		if err != nil {
			return nil, fmt.Errorf("%w: --until date format invalid, use YYYY-MM-DD", terrors.ErrInvalidDateFormat)
		}
		// Include the entire day.
		until = until.Add(24*time.Hour - time.Nanosecond)
		filtered = keep(filtered, func(e audit.Entry) bool {
			t, ok := entryTime(e)
			return ok && !t.After(until)
		})
	}

	if opts.Reverse {
		slices.Reverse(filtered)
	}

	// Limit keeps the most recent entries in either order.
	if opts.Limit > 0 && len(filtered) > opts.Limit {
		if opts.Reverse {
			filtered = filtered[:opts.Limit]
		} else {
			filtered = filtered[len(filtered)-opts.Limit:]
		}
	}

	result.Entries = filtered
	return result, nil
}

func keep(entries []audit.Entry, pred func(audit.Entry) bool) []audit.Entry {
	var out []audit.Entry
	for _, e := range entries {
		if pred(e) {
			out = append(out, e)
		}
	}
	return out
}

func entryTime(e audit.Entry) (time.Time, bool) {
	t, err := time.Parse("2006-01-02T15:04:05.000000Z", e.Timestamp)
	if err != nil {
		t, err = time.Parse(time.RFC3339, e.Timestamp)
	}
	return t, err == nil
}
