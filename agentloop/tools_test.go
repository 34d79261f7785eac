package agentloop

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/martinemde/coder/session"
	"github.com/martinemde/coder/toolcall"
)

func testRegistry(t *testing.T, opts ...RegistryOption) (*LocalRegistry, string) {
	t.Helper()
	reg, err := NewLocalRegistry(opts...)
	if err != nil {
		t.Fatalf("NewLocalRegistry: %v", err)
	}
	return reg, t.TempDir()
}

func runTool(t *testing.T, reg *LocalRegistry, root, tool string, args map[string]any) ToolResult {
	t.Helper()
	return reg.Execute(context.Background(), toolcall.Call{ID: "t", Tool: tool, Args: args}, root, ExecOptions{})
}

func TestWriteReadEdit(t *testing.T) {
	reg, root := testRegistry(t)

	if res := runTool(t, reg, root, "write_file", map[string]any{"path": "pkg/a.txt", "content": "one\ntwo\ntwo\n"}); !res.OK {
		t.Fatalf("write_file: %+v", res)
	}
	res := runTool(t, reg, root, "read_file", map[string]any{"path": "pkg/a.txt"})
	if !res.OK || res.Text != "1 | one\n2 | two\n3 | two\n" {
		t.Fatalf("read_file = %+v", res)
	}

	res = runTool(t, reg, root, "edit_file", map[string]any{"path": "pkg/a.txt", "old_string": "two", "new_string": "2"})
	if res.OK || !strings.Contains(res.Text, "2 times") {
		t.Errorf("ambiguous edit should fail: %+v", res)
	}
	res = runTool(t, reg, root, "edit_file", map[string]any{"path": "pkg/a.txt", "old_string": "two", "new_string": "2", "replace_all": true})
	if !res.OK {
		t.Fatalf("replace_all edit: %+v", res)
	}
	data, _ := os.ReadFile(filepath.Join(root, "pkg/a.txt"))
	if string(data) != "one\n2\n2\n" {
		t.Errorf("file content = %q", data)
	}
}

func TestReadFileOffsetAndLimit(t *testing.T) {
	reg, root := testRegistry(t)
	os.WriteFile(filepath.Join(root, "f"), []byte("a\nb\nc\nd\n"), 0o644)
	res := runTool(t, reg, root, "read_file", map[string]any{"path": "f", "offset": float64(2), "limit": float64(2)})
	if res.Text != "2 | b\n3 | c\n" {
		t.Errorf("read_file = %q", res.Text)
	}
}

func TestPathsConfinedToWorkspace(t *testing.T) {
	reg, root := testRegistry(t)
	res := runTool(t, reg, root, "read_file", map[string]any{"path": "../outside"})
	if res.OK || res.Code != CodeToolFailed || !strings.Contains(res.Text, "escapes workspace") {
		t.Errorf("expected workspace escape failure, got %+v", res)
	}

	ws, _ := NewLocalWorkspace(root)
	if _, err := ws.Resolve("/etc/passwd"); !errors.Is(err, ErrOutsideWorkspace) {
		t.Errorf("absolute path outside root should be rejected, got %v", err)
	}
	if p, err := ws.Resolve("a/../b"); err != nil || p != filepath.Join(root, "b") {
		t.Errorf("Resolve(a/../b) = %q, %v", p, err)
	}
}

func TestListDirAndGlob(t *testing.T) {
	reg, root := testRegistry(t)
	for _, p := range []string{"a.go", "sub/b.go", "sub/deep/c.go", "sub/notes.md", ".git/config"} {
		full := filepath.Join(root, p)
		os.MkdirAll(filepath.Dir(full), 0o755)
		os.WriteFile(full, []byte("x"), 0o644)
	}

	res := runTool(t, reg, root, "list_dir", map[string]any{})
	if !res.OK || !strings.Contains(res.Text, "a.go (1 bytes)") || !strings.Contains(res.Text, "sub/") {
		t.Errorf("list_dir = %q", res.Text)
	}
	if strings.Contains(res.Text, "b.go") || strings.Contains(res.Text, ".git") {
		t.Errorf("depth 1 listing should not descend or show hidden dirs: %q", res.Text)
	}

	res = runTool(t, reg, root, "glob", map[string]any{"pattern": "**/*.go"})
	want := "a.go\nsub/b.go\nsub/deep/c.go"
	if res.Text != want {
		t.Errorf("glob = %q, want %q", res.Text, want)
	}
}

func TestShellToolAndDeniedPatterns(t *testing.T) {
	reg, root := testRegistry(t, WithDeniedPatterns(`rm\s+-rf`))

	res := runTool(t, reg, root, "shell", map[string]any{"command": "echo hello"})
	if !res.OK || strings.TrimSpace(res.Text) != "hello" {
		t.Errorf("shell = %+v", res)
	}
	res = runTool(t, reg, root, "shell", map[string]any{"command": "exit 3"})
	if res.OK || !strings.Contains(res.Text, "exit status 3") {
		t.Errorf("failing command should fail: %+v", res)
	}
	res = runTool(t, reg, root, "shell", map[string]any{"command": "rm -rf /"})
	if res.OK || res.Code != CodeDenied {
		t.Errorf("denied pattern should refuse: %+v", res)
	}
}

func TestShellTimeout(t *testing.T) {
	reg, root := testRegistry(t)
	res := runTool(t, reg, root, "shell", map[string]any{"command": "sleep 5", "timeout_ms": float64(50)})
	if res.OK || !strings.Contains(res.Text, "timed out") {
		t.Errorf("expected timeout, got %+v", res)
	}
}

func TestClassification(t *testing.T) {
	reg, _ := testRegistry(t, WithRiskPatterns(`^git push`, `^rm `))
	cases := []struct {
		call     toolcall.Call
		readOnly bool
		risk     int
	}{
		{toolcall.Call{Tool: "read_file", Args: map[string]any{"path": "a"}}, true, -1},
		{toolcall.Call{Tool: "grep", Args: map[string]any{"pattern": "x"}}, true, -1},
		{toolcall.Call{Tool: "write_file", Args: map[string]any{"path": "a"}}, false, -1},
		{toolcall.Call{Tool: "shell", Args: map[string]any{"command": "git push origin"}}, false, 0},
		{toolcall.Call{Tool: "shell", Args: map[string]any{"command": "rm x"}}, false, 1},
		{toolcall.Call{Tool: "mystery"}, false, -1},
	}
	for _, tc := range cases {
		if got := reg.IsReadOnly(tc.call); got != tc.readOnly {
			t.Errorf("IsReadOnly(%s) = %v", tc.call.Tool, got)
		}
		if got := reg.RiskClassify(tc.call); got != tc.risk {
			t.Errorf("RiskClassify(%s %v) = %d, want %d", tc.call.Tool, tc.call.Args, got, tc.risk)
		}
	}
}

func TestUnknownToolAndWithoutShell(t *testing.T) {
	reg, root := testRegistry(t, WithoutShell())
	if reg.Has("shell") {
		t.Error("shell should be unregistered")
	}
	res := runTool(t, reg, root, "shell", map[string]any{"command": "echo"})
	if res.OK || res.Code != CodeUnknownTool {
		t.Errorf("expected unknown tool, got %+v", res)
	}
	if _, err := NewLocalRegistry(WithRiskPatterns("(")); err == nil {
		t.Error("invalid pattern should fail construction")
	}
}

func TestTruncateToolOutput(t *testing.T) {
	long := strings.Repeat("x", 100)
	out := TruncateToolOutput(long, "custom", map[string]OutputLimit{"custom": {Chars: 20, Mode: KeepHeadTail}})
	if !strings.HasPrefix(out, strings.Repeat("x", 10)) || !strings.Contains(out, "80 characters removed") {
		t.Errorf("head/tail truncation = %q", out)
	}
	out = TruncateChars(long, 20, KeepTail)
	if !strings.HasPrefix(out, "[output truncated: first 80") || !strings.HasSuffix(out, strings.Repeat("x", 20)) {
		t.Errorf("tail truncation = %q", out)
	}

	lines := strings.Repeat("line\n", 300)
	out = TruncateToolOutput(lines, "shell", nil)
	if !strings.Contains(out, "lines omitted") {
		t.Error("shell output should be line-limited")
	}
	if TruncateToolOutput("short", "read_file", nil) != "short" {
		t.Error("short output must pass through")
	}
}

func TestLedger(t *testing.T) {
	l := NewLedger()
	l.Record(1, toolcall.Call{Tool: "read_file", Args: map[string]any{"path": "./a.go"}}, true)
	l.Record(2, toolcall.Call{Tool: "edit_file", Args: map[string]any{"path": "a.go"}}, false)
	l.Record(3, toolcall.Call{Tool: "write_file", Args: map[string]any{"path": "a.go"}}, true)
	l.Record(3, toolcall.Call{Tool: "grep", Args: map[string]any{"pattern": "x"}}, true)

	h := l.History("a.go")
	if len(h) != 3 || h[0].Op != "read" || h[1].OK || h[2].Round != 3 {
		t.Fatalf("history = %+v", h)
	}
	if last, ok := l.Last("a.go"); !ok || last.Op != "write" {
		t.Errorf("Last = %+v", last)
	}
	if got := l.Paths(); len(got) != 1 {
		t.Errorf("calls without a path must not be recorded: %v", got)
	}
	if got := l.Modified(); len(got) != 1 || got[0] != "a.go" {
		t.Errorf("Modified = %v", got)
	}
	h[0].Op = "mutated"
	if l.History("a.go")[0].Op != "read" {
		t.Error("History must return a copy")
	}
}

func TestEmitterFanOutAndNilSafety(t *testing.T) {
	var nilEm *Emitter
	nilEm.Emit(Event{Kind: EventStatus})

	em := NewEmitter()
	a, b := em.Subscribe(4), em.Subscribe(1)
	for i := 0; i < 3; i++ {
		em.Emit(Event{Kind: EventStatus, Payload: map[string]any{"i": i}})
	}
	if len(a.C) != 3 {
		t.Errorf("subscriber a should have 3 events, has %d", len(a.C))
	}
	if len(b.C) != 1 || em.Dropped() != 2 {
		t.Errorf("full subscriber should drop, got len %d dropped %d", len(b.C), em.Dropped())
	}
	first := <-a.C
	if first.Payload["i"] != 0 || first.Timestamp.IsZero() {
		t.Errorf("events should arrive in order with timestamps: %+v", first)
	}
	em.Unsubscribe(a)
	if _, ok := <-b.C; !ok {
		t.Fatal("b should still be open")
	}
	em.Close()
	if _, ok := <-b.C; ok {
		t.Error("Close should close remaining subscribers")
	}
}

func TestRequestViewInjectsWorkingMemory(t *testing.T) {
	msgs := []session.Message{session.SystemMessage("sys"), session.UserMessage("hi")}
	view := requestView(msgs, session.WorkingMemory{Plan: "ship it"})
	if len(view) != 3 || view[1].Role != session.RoleSystem || !strings.Contains(view[1].Content, "ship it") {
		t.Fatalf("view = %+v", view)
	}
	if len(msgs) != 2 {
		t.Error("stored messages must not change")
	}
	if same := requestView(msgs, session.WorkingMemory{}); len(same) != 2 {
		t.Error("empty working memory adds nothing")
	}
}
