package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	logger "github.com/PolarWolf314/tresor/internal/logging"
)

// Entry represents a single audit log entry.
type Entry struct {
	Timestamp string `json:"ts"`    // RFC3339 with microseconds.
	Actor     string `json:"actor"` // Principal performing the action.
	Operation string `json:"op"`    // Operation name.

	// Optional fields depending on operation.
	FolderID string `json:"folder,omitempty"`   // For folder operations.
	Target   string `json:"target,omitempty"`   // Principal granted, revoked or rewrapped.
	KeyID    string `json:"key_id,omitempty"`   // Folder key after the operation.
	Sequence int    `json:"sequence,omitempty"` // Log length after the operation.
	Reason   string `json:"reason,omitempty"`   // For rotate.
	ObjectID string `json:"object,omitempty"`   // For encrypt/decrypt.
	Count    int    `json:"count,omitempty"`    // Folders touched by rewrap or sync.
	Resumed  bool   `json:"resumed,omitempty"`  // A pending rotation was completed first.
	Error    string `json:"error,omitempty"`    // Set when the operation failed.
}

// Recorder appends entries to a JSON Lines file. A nil Recorder records
// nothing.
type Recorder struct {
	path string
	log  logger.Logger
	mu   sync.Mutex

	// now overrides the clock in tests.
	now func() time.Time
}

// NewRecorder returns a Recorder writing to path, or nil when path is empty.
func NewRecorder(path string, log logger.Logger) *Recorder {
	if path == "" {
		return nil
	}
	return &Recorder{path: path, log: log.Named("audit"), now: time.Now}
}

// Path returns the log file, or "" for a nil Recorder.
func (r *Recorder) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// Record appends an entry to the audit log.
// If logging fails, it logs a warning but does not return an error.
// Operations should not fail just because audit logging failed.
func (r *Recorder) Record(entry Entry) {
	if r == nil {
		return
	}

	if entry.Timestamp == "" {
		entry.Timestamp = r.now().UTC().Format("2006-01-02T15:04:05.000000Z")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		r.log.Warnf("could not encode audit entry for %s: %v", entry.Operation, err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		r.log.Warnf("could not create audit directory: %v", err)
		return
	}

	// #nosec G306 -- the audit log is readable by operators.
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		r.log.Warnf("could not open audit log %s: %v", r.path, err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		r.log.Warnf("could not write audit entry for %s: %v", entry.Operation, err)
	}
}

// ReadEntries reads all entries from the audit log.
// Returns an empty slice if the log doesn't exist.
func (r *Recorder) ReadEntries() ([]Entry, error) {
	if r == nil {
		return nil, nil
	}

	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return ParseEntries(data)
}

// ParseEntries parses JSON Lines data into audit entries.
// Malformed lines are silently skipped.
func ParseEntries(data []byte) ([]Entry, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var entries []Entry
	start := 0

	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			start = i + 1

			if len(line) == 0 {
				continue
			}

			var entry Entry
			if err := json.Unmarshal(line, &entry); err != nil {
				// Partial write.
				continue
			}
			entries = append(entries, entry)
		}
	}

	return entries, nil
}

// Filter returns the entries matching folderID and actor. Empty arguments
// match everything.
func Filter(entries []Entry, folderID, actor string) []Entry {
	var out []Entry
	for _, e := range entries {
		if folderID != "" && e.FolderID != folderID {
			continue
		}
		if actor != "" && e.Actor != actor && e.Target != actor {
			continue
		}
		out = append(out, e)
	}
	return out
}
