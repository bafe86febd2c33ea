package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/PolarWolf314/tresor/internal/access"
	"github.com/PolarWolf314/tresor/internal/store"
)

// CheckStatus represents the result status of a health check.
type CheckStatus int

const (
	// CheckPass means the check passed.
	CheckPass CheckStatus = iota
	// CheckWarning means the check found a non-critical issue.
	CheckWarning
	// CheckError means the check found a critical issue.
	CheckError
)

// String returns a string representation of CheckStatus.
func (s CheckStatus) String() string {
	switch s {
	case CheckPass:
		return "pass"
	case CheckWarning:
		return "warning"
	case CheckError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler for CheckStatus.
func (s CheckStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// CheckResult holds the result of a single health check.
type CheckResult struct {
	Name       string      `json:"name"`
	Status     CheckStatus `json:"status"`
	Message    string      `json:"message"`
	Suggestion string      `json:"suggestion,omitempty"`
}

// DoctorResult holds the complete result of the doctor workflow.
type DoctorResult struct {
	Checks      []CheckResult `json:"checks"`
	Summary     DoctorSummary `json:"summary"`
	Suggestions []string      `json:"suggestions,omitempty"`
}

// DoctorSummary holds counts of checks by status.
type DoctorSummary struct {
	Passed   int `json:"passed"`
	Warnings int `json:"warnings"`
	Errors   int `json:"errors"`
}

// Doctor runs health checks on the workspace.
//
// The doctor workflow checks:
//   - Store reachability
//   - Folders with an interrupted rotation or an unfinished revoke
//   - Envelopes wrapped for a superseded key pair
//   - Subfolders missing a holder of their parent
//   - Legacy objects without a content-key id
//   - Permission graph validity
func (e *Engine) Doctor(ctx context.Context) (*DoctorResult, error) {
	var results []CheckResult

	all, err := e.store.ListFolders(ctx)
	if err != nil {
		results = append(results, CheckResult{
			Name:       "Store",
			Status:     CheckError,
			Message:    fmt.Sprintf("Could not list folders: %v", err),
			Suggestion: "Check store.driver and store.path or store.dsn in the config",
		})
		return summarize(results), nil
	}
	results = append(results, CheckResult{
		Name:    "Store",
		Status:  CheckPass,
		Message: fmt.Sprintf("%s store reachable, %d folder(s)", e.cfg.Store.Driver, len(all)),
	})

	results = append(results,
		e.checkRotations(ctx, all),
		e.checkStaleEnvelopes(ctx, all),
		checkSubfolders(all),
		e.checkLegacyObjects(ctx, all),
		e.checkGraph(),
	)
	return summarize(results), nil
}

func summarize(results []CheckResult) *DoctorResult {
	out := &DoctorResult{Checks: results}
	seen := make(map[string]bool)
	for _, r := range results {
		switch r.Status {
		case CheckPass:
			out.Summary.Passed++
		case CheckWarning:
			out.Summary.Warnings++
		case CheckError:
			out.Summary.Errors++
		}
		if r.Suggestion != "" && r.Status != CheckPass && !seen[r.Suggestion] {
			out.Suggestions = append(out.Suggestions, r.Suggestion)
			seen[r.Suggestion] = true
		}
	}
	return out
}

func (e *Engine) checkRotations(ctx context.Context, all []*store.Folder) CheckResult {
	var pending, revokes []string
	for _, f := range all {
		view, err := e.tree.Folder(ctx, f.ID)
		if err != nil {
			return CheckResult{Name: "Rotations", Status: CheckError, Message: fmt.Sprintf("Folder %s: %v", f.ID, err)}
		}
		if view.Pending != nil {
			pending = append(pending, f.ID)
		}
		if view.UnfinishedRevoke != "" {
			revokes = append(revokes, f.ID)
		}
	}

	if len(pending) == 0 && len(revokes) == 0 {
		return CheckResult{Name: "Rotations", Status: CheckPass, Message: "No interrupted rotations"}
	}
	var parts []string
	if len(pending) > 0 {
		parts = append(parts, "pending rotation in "+strings.Join(pending, ", "))
	}
	if len(revokes) > 0 {
		parts = append(parts, "unfinished revoke in "+strings.Join(revokes, ", "))
	}
	return CheckResult{
		Name:       "Rotations",
		Status:     CheckWarning,
		Message:    strings.Join(parts, "; "),
		Suggestion: "Run 'tresor folder resume <folder>' as a holder of each folder",
	}
}

func (e *Engine) checkStaleEnvelopes(ctx context.Context, all []*store.Folder) CheckResult {
	generations := map[string]int{}
	var stale []string
	for _, f := range all {
		for id, env := range f.Envelopes {
			gen, ok := generations[id]
			if !ok {
				var err error
				if gen, err = e.keys.Generation(ctx, id); err != nil {
					continue
				}
				generations[id] = gen
			}
			if env.KeyGeneration != gen {
				stale = append(stale, id+"@"+f.ID)
			}
		}
	}

	if len(stale) == 0 {
		return CheckResult{Name: "Envelopes", Status: CheckPass, Message: "Every envelope matches its holder's current key pair"}
	}
	return CheckResult{
		Name:       "Envelopes",
		Status:     CheckWarning,
		Message:    fmt.Sprintf("%d envelope(s) wrapped for a superseded key pair: %s", len(stale), strings.Join(stale, ", ")),
		Suggestion: "Re-grant the affected principals, or run 'tresor principal reset --rewrap' with the old secret",
	}
}

func checkSubfolders(all []*store.Folder) CheckResult {
	byID := make(map[string]*store.Folder, len(all))
	for _, f := range all {
		byID[f.ID] = f
	}

	var missing []string
	for _, f := range all {
		parent, ok := byID[f.ParentID]
		if !ok {
			continue
		}
		for _, id := range parent.Envelopes.Holders() {
			if !f.Envelopes.Has(id) {
				missing = append(missing, id+"@"+f.ID)
			}
		}
	}

	if len(missing) == 0 {
		return CheckResult{Name: "Subfolders", Status: CheckPass, Message: "Every subfolder is held by the holders of its parent"}
	}
	return CheckResult{
		Name:       "Subfolders",
		Status:     CheckWarning,
		Message:    fmt.Sprintf("%d holder(s) of a parent folder cannot open a subfolder: %s", len(missing), strings.Join(missing, ", ")),
		Suggestion: "Repeat 'tresor folder grant' on the parent folder for each listed principal",
	}
}

func (e *Engine) checkLegacyObjects(ctx context.Context, all []*store.Folder) CheckResult {
	legacy := 0
	for _, f := range all {
		objs, err := e.store.ListObjects(ctx, f.ID)
		if err != nil {
			return CheckResult{Name: "Objects", Status: CheckError, Message: fmt.Sprintf("Folder %s: %v", f.ID, err)}
		}
		for _, o := range objs {
			if o.KeyID() == "" {
				legacy++
			}
		}
	}

	if legacy == 0 {
		return CheckResult{Name: "Objects", Status: CheckPass, Message: "Every object carries a content-key id"}
	}
	return CheckResult{
		Name:       "Objects",
		Status:     CheckWarning,
		Message:    fmt.Sprintf("%d legacy object(s) have no content-key id and cannot be decrypted", legacy),
		Suggestion: "Backfill key ids for legacy objects before reading them",
	}
}

func (e *Engine) checkGraph() CheckResult {
	if e.graphPath == "" {
		return CheckResult{Name: "Permission graph", Status: CheckPass, Message: "Not configured"}
	}
	if _, err := os.Stat(e.graphPath); errors.Is(err, fs.ErrNotExist) {
		return CheckResult{
			Name:       "Permission graph",
			Status:     CheckWarning,
			Message:    fmt.Sprintf("%s does not exist", e.graphPath),
			Suggestion: "Run 'tresor init' or point access.graph at the exported permission graph",
		}
	}

	g, err := access.LoadGraph(e.graphPath)
	if err == nil {
		err = g.Validate()
	}
	if err != nil {
		return CheckResult{
			Name:       "Permission graph",
			Status:     CheckError,
			Message:    err.Error(),
			Suggestion: "Fix the permission graph before running 'tresor folder sync'",
		}
	}
	return CheckResult{Name: "Permission graph", Status: CheckPass, Message: fmt.Sprintf("%d folder(s), %d grant(s)", len(g.Folders), len(g.Grants))}
}
