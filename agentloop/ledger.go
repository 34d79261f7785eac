package agentloop

import (
	"path/filepath"
	"sort"
	"sync"

	"github.com/martinemde/coder/toolcall"
)

// LedgerEntry is one operation a run performed on a file.
type LedgerEntry struct {
	Round int    `json:"round"`
	Tool  string `json:"tool"`
	Op    string `json:"op"`
	OK    bool   `json:"ok"`
}

// Ledger records, per run, which tools touched which files. It is never
// persisted.
type Ledger struct {
	mu    sync.Mutex
	files map[string][]LedgerEntry
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{files: make(map[string][]LedgerEntry)}
}

var fileOps = map[string]string{
	"read_file":  "read",
	"write_file": "write",
	"edit_file":  "edit",
	"list_dir":   "list",
}

// CallPath returns the file a call operates on, or "" for calls not tied
// to one file.
func CallPath(call toolcall.Call) string {
	if _, ok := fileOps[call.Tool]; !ok {
		return ""
	}
	p, _ := StringArg(call.Args, "path", "file_path")
	if p == "" {
		return ""
	}
	return filepath.ToSlash(filepath.Clean(p))
}

// Record notes the outcome of call in round. Calls without a path are
// ignored.
func (l *Ledger) Record(round int, call toolcall.Call, ok bool) {
	path := CallPath(call)
	if path == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.files[path] = append(l.files[path], LedgerEntry{Round: round, Tool: call.Tool, Op: fileOps[call.Tool], OK: ok})
}

// History returns a copy of what has touched path so far.
func (l *Ledger) History(path string) []LedgerEntry {
	if path == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.files[filepath.ToSlash(filepath.Clean(path))]
	if len(entries) == 0 {
		return nil
	}
	return append([]LedgerEntry(nil), entries...)
}

// Last returns the most recent entry for path.
func (l *Ledger) Last(path string) (LedgerEntry, bool) {
	h := l.History(path)
	if len(h) == 0 {
		return LedgerEntry{}, false
	}
	return h[len(h)-1], true
}

// Paths lists every path recorded, sorted.
func (l *Ledger) Paths() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.files))
	for p := range l.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Modified lists paths with at least one successful write or edit.
func (l *Ledger) Modified() []string {
	var out []string
	for _, p := range l.Paths() {
		for _, e := range l.History(p) {
			if e.OK && (e.Op == "write" || e.Op == "edit") {
				out = append(out, p)
				break
			}
		}
	}
	return out
}
