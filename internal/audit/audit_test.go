package audit

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	logger "github.com/PolarWolf314/tresor/internal/logging"
)

func newTestRecorder(t *testing.T) (*Recorder, *bytes.Buffer) {
	t.Helper()
	warnings := &bytes.Buffer{}
	path := filepath.Join(t.TempDir(), ".tresor", "audit.jsonl")
	return NewRecorder(path, logger.Logger{Err: warnings}), warnings
}

func TestRecord_CreatesFile(t *testing.T) {
	r, _ := newTestRecorder(t)

	r.Record(Entry{Actor: "alice", Operation: "create", FolderID: "F"})

	if _, err := os.Stat(r.Path()); os.IsNotExist(err) {
		t.Fatalf("Audit log file was not created")
	}
}

func TestRecord_AppendsEntries(t *testing.T) {
	r, _ := newTestRecorder(t)

	r.Record(Entry{Actor: "alice", Operation: "create"})
	r.Record(Entry{Actor: "alice", Operation: "grant", Target: "bob"})
	r.Record(Entry{Actor: "alice", Operation: "revoke", Target: "bob"})

	entries, err := r.ReadEntries()
	if err != nil {
		t.Fatalf("ReadEntries failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	if entries[1].Operation != "grant" || entries[1].Target != "bob" {
		t.Errorf("Unexpected second entry: %+v", entries[1])
	}
}

func TestRecord_ConcurrentWritesStayWholeLines(t *testing.T) {
	r, _ := newTestRecorder(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Record(Entry{Actor: "alice", Operation: "encrypt", FolderID: "F"})
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(r.Path())
	if err != nil {
		t.Fatalf("Failed to read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 20 {
		t.Fatalf("Expected 20 lines, got %d", len(lines))
	}
	for i, line := range lines {
		if !json.Valid([]byte(line)) {
			t.Errorf("Line %d is not valid JSON: %s", i, line)
		}
	}
}

func TestRecord_TimestampFormat(t *testing.T) {
	r, _ := newTestRecorder(t)
	r.now = func() time.Time { return time.Date(2024, 1, 15, 10, 30, 45, 123456000, time.UTC) }

	r.Record(Entry{Actor: "alice", Operation: "rotate"})

	entries, err := r.ReadEntries()
	if err != nil {
		t.Fatalf("ReadEntries failed: %v", err)
	}
	if entries[0].Timestamp != "2024-01-15T10:30:45.123456Z" {
		t.Errorf("Unexpected timestamp %q", entries[0].Timestamp)
	}
	if _, err := time.Parse(time.RFC3339Nano, entries[0].Timestamp); err != nil {
		t.Errorf("Timestamp is not RFC3339: %v", err)
	}
}

func TestRecord_OmitsEmptyFields(t *testing.T) {
	r, _ := newTestRecorder(t)

	r.Record(Entry{Actor: "alice", Operation: "archive", FolderID: "F"})

	data, err := os.ReadFile(r.Path())
	if err != nil {
		t.Fatalf("Failed to read log: %v", err)
	}
	content := string(data)
	for _, field := range []string{"target", "key_id", "sequence", "reason", "object", "count", "resumed", "error"} {
		if strings.Contains(content, `"`+field+`"`) {
			t.Errorf("Expected empty field %q to be omitted, got: %s", field, content)
		}
	}
	if !strings.Contains(content, `"folder":"F"`) {
		t.Errorf("Expected folder field, got: %s", content)
	}
}

func TestRecord_FailureOnlyWarns(t *testing.T) {
	dir := t.TempDir()
	// A directory where the log file should be makes every append fail.
	path := filepath.Join(dir, "audit.jsonl")
	if err := os.Mkdir(path, 0700); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}

	warnings := &bytes.Buffer{}
	r := NewRecorder(path, logger.Logger{Err: warnings})
	r.Record(Entry{Actor: "alice", Operation: "grant"})

	if !strings.Contains(warnings.String(), "could not open audit log") {
		t.Errorf("Expected a warning, got: %q", warnings.String())
	}
}

func TestNilRecorder(t *testing.T) {
	r := NewRecorder("", logger.Logger{})
	if r != nil {
		t.Fatalf("Expected nil recorder for empty path")
	}

	r.Record(Entry{Actor: "alice", Operation: "grant"})
	entries, err := r.ReadEntries()
	if err != nil || entries != nil {
		t.Errorf("Expected no entries and no error, got %v, %v", entries, err)
	}
	if r.Path() != "" {
		t.Errorf("Expected empty path")
	}
}

func TestParseEntries_ValidData(t *testing.T) {
	data := []byte(`{"ts":"2024-01-15T10:30:45.123456Z","actor":"alice","op":"grant","folder":"F","target":"bob","sequence":2}
{"ts":"2024-01-15T10:31:00.000000Z","actor":"alice","op":"revoke","folder":"F","target":"bob","sequence":4}
`)

	entries, err := ParseEntries(data)
	if err != nil {
		t.Fatalf("ParseEntries failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[1].Sequence != 4 {
		t.Errorf("Expected sequence 4, got %d", entries[1].Sequence)
	}
}

func TestParseEntries_SkipsMalformedLines(t *testing.T) {
	data := []byte(`{"actor":"alice","op":"grant"}
not json
{"actor":"bob","op":"decr`)

	entries, err := ParseEntries(data)
	if err != nil {
		t.Fatalf("ParseEntries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
}

func TestParseEntries_EmptyData(t *testing.T) {
	entries, err := ParseEntries(nil)
	if err != nil {
		t.Fatalf("ParseEntries failed: %v", err)
	}
	if entries != nil {
		t.Errorf("Expected nil entries, got %v", entries)
	}
}

func TestFilter(t *testing.T) {
	entries := []Entry{
		{Actor: "alice", Operation: "create", FolderID: "F"},
		{Actor: "alice", Operation: "grant", FolderID: "F", Target: "bob"},
		{Actor: "bob", Operation: "decrypt", FolderID: "G"},
	}

	if got := Filter(entries, "F", ""); len(got) != 2 {
		t.Errorf("Expected 2 entries for folder F, got %d", len(got))
	}
	if got := Filter(entries, "", "bob"); len(got) != 2 {
		t.Errorf("Expected 2 entries involving bob, got %d", len(got))
	}
	if got := Filter(entries, "G", "alice"); len(got) != 0 {
		t.Errorf("Expected no entries, got %d", len(got))
	}
	if got := Filter(entries, "", ""); len(got) != 3 {
		t.Errorf("Expected all entries, got %d", len(got))
	}
}
