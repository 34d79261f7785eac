package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/martinemde/coder/contextwindow"
	"github.com/martinemde/coder/policy"
	"github.com/martinemde/coder/session"
	"github.com/martinemde/coder/toolcall"
	"github.com/martinemde/coder/unifiedllm"
)

type reply struct {
	text  string
	err   error
	block bool
}

// scriptedProvider returns its replies in order, then repeat (or "done").
type scriptedProvider struct {
	mu       sync.Mutex
	replies  []reply
	repeat   *reply
	requests []StreamRequest
}

func (p *scriptedProvider) Stream(ctx context.Context, req StreamRequest, onToken func(string)) (StreamResult, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	r := reply{text: "done"}
	switch {
	case len(p.replies) > 0:
		r = p.replies[0]
		p.replies = p.replies[1:]
	case p.repeat != nil:
		r = *p.repeat
	}
	p.mu.Unlock()

	if r.block {
		<-ctx.Done()
		return StreamResult{}, ctx.Err()
	}
	if r.err != nil {
		return StreamResult{}, r.err
	}
	for _, word := range strings.SplitAfter(r.text, " ") {
		onToken(word)
	}
	return StreamResult{Text: r.text}, nil
}

func (p *scriptedProvider) request(i int) StreamRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

// fakeTools is a ToolRegistry whose read-only tools rendezvous so tests can
// observe concurrency.
type fakeTools struct {
	writes map[string]bool

	mu       sync.Mutex
	executed []string
	opts     ExecOptions
	arrived  int
	expect   int
	together chan struct{}

	// started, when set, is closed as a write begins; the write then
	// blocks until its context ends.
	started chan struct{}
}

func newFakeTools() *fakeTools {
	return &fakeTools{
		writes:   map[string]bool{"write_file": true, "edit_file": true},
		together: make(chan struct{}),
	}
}

func (f *fakeTools) IsReadOnly(c toolcall.Call) bool { return !f.writes[c.Tool] }
func (f *fakeTools) RiskClassify(toolcall.Call) int  { return -1 }
func (f *fakeTools) Has(name string) bool {
	switch name {
	case "read_file", "grep", "write_file", "edit_file":
		return true
	}
	return false
}

func (f *fakeTools) Definitions() []unifiedllm.ToolDefinition {
	return []unifiedllm.ToolDefinition{{Name: "read_file"}, {Name: "grep"}, {Name: "write_file"}, {Name: "edit_file"}}
}

func (f *fakeTools) Execute(ctx context.Context, c toolcall.Call, workspace string, opts ExecOptions) ToolResult {
	if f.started != nil && f.writes[c.Tool] {
		close(f.started)
		<-ctx.Done()
		return policy.Failure(policy.CodeCancelled, "write interrupted")
	}
	if f.IsReadOnly(c) && f.expect > 1 {
		f.mu.Lock()
		f.arrived++
		if f.arrived == f.expect {
			close(f.together)
		}
		f.mu.Unlock()
		select {
		case <-f.together:
		case <-time.After(2 * time.Second):
			return policy.Failure("TIMEOUT", "reads did not run concurrently")
		}
	}
	f.mu.Lock()
	f.executed = append(f.executed, c.ID)
	f.opts = opts
	f.mu.Unlock()
	path, _ := StringArg(c.Args, "path")
	return ToolResult{OK: true, Text: c.Tool + " " + path}
}

func fence(calls ...string) string {
	if len(calls) == 1 {
		return "```tool\n" + calls[0] + "\n```"
	}
	return "```tool\n[" + strings.Join(calls, ",") + "]\n```"
}

func callJSON(tool, path string) string {
	return fmt.Sprintf(`{"tool": %q, "args": {"path": %q}}`, tool, path)
}

type harness struct {
	store    *session.Store
	provider *scriptedProvider
	tools    *fakeTools
	engine   *Engine
	metrics  *toolcall.Metrics
	sess     *session.Session
}

func newHarness(t *testing.T, cfg Config, replies ...reply) *harness {
	t.Helper()
	store, err := session.NewStore(filepath.Join(t.TempDir(), "sessions"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	h := &harness{
		store:    store,
		provider: &scriptedProvider{replies: replies},
		tools:    newFakeTools(),
		metrics:  toolcall.NewMetricsWithMeter(nil),
	}
	h.engine = NewEngine(store, h.provider, h.tools, cfg,
		WithSystemPrompt(func(context.Context, *session.Session) string { return "system prompt" }),
		WithMalformedMetrics(h.metrics),
	)
	h.sess, err = store.Create("openrouter", "m", t.TempDir(), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return h
}

func (h *harness) events(t *testing.T, typ session.EventType) []map[string]any {
	t.Helper()
	all, err := h.store.Events(h.sess.ID, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	var out []map[string]any
	for _, ev := range all {
		if ev.Type != typ {
			continue
		}
		var p map[string]any
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			t.Fatalf("decode %s payload: %v", typ, err)
		}
		out = append(out, p)
	}
	return out
}

func TestRunWithoutToolCallsSucceedsInOneRound(t *testing.T) {
	h := newHarness(t, Config{}, reply{text: "All done here."})
	res, err := h.engine.Run(context.Background(), h.sess, "say hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeSuccess || res.Rounds != 1 {
		t.Fatalf("expected success in 1 round, got %s in %d", res.Outcome, res.Rounds)
	}
	if res.Summary != "All done here." {
		t.Errorf("summary = %q", res.Summary)
	}
	done := h.events(t, session.EventRunComplete)
	if len(done) != 1 || done[0]["outcome"] != "success" {
		t.Fatalf("expected one successful run_complete, got %v", done)
	}
	msgs := h.sess.Messages
	if len(msgs) != 3 || msgs[0].Role != session.RoleSystem || msgs[2].Role != session.RoleAssistant {
		t.Errorf("unexpected transcript: %+v", msgs)
	}
}

func TestRunReadsConcurrentlyThenWrite(t *testing.T) {
	round1 := fence(callJSON("read_file", "a.go"), callJSON("read_file", "b.go"), callJSON("write_file", "c.go"))
	h := newHarness(t, Config{}, reply{text: round1}, reply{text: "finished"})
	h.tools.expect = 2

	res, err := h.engine.Run(context.Background(), h.sess, "work")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeSuccess || res.Rounds != 2 {
		t.Fatalf("expected success in 2 rounds, got %s in %d", res.Outcome, res.Rounds)
	}

	results := h.events(t, session.EventToolResult)
	if len(results) != 3 {
		t.Fatalf("expected 3 tool_result events, got %d", len(results))
	}
	for i, want := range []string{"read_file a.go", "read_file b.go", "write_file c.go"} {
		if results[i]["output"] != want || results[i]["ok"] != true {
			t.Errorf("result %d = %v, want output %q", i, results[i], want)
		}
	}
	if n := len(h.tools.executed); n != 3 {
		t.Errorf("expected 3 executions, got %d", n)
	}

	// Round 2 sees the three results in call order.
	req := h.provider.request(1)
	var turns []string
	for _, m := range req.Messages {
		if strings.HasPrefix(m.Content, "[tool_result") {
			turns = append(turns, m.Content)
		}
	}
	if len(turns) != 3 {
		t.Fatalf("expected 3 result turns in round 2, got %d", len(turns))
	}
	for i, want := range []string{"a.go", "b.go", "c.go"} {
		if !strings.HasSuffix(turns[i], want) {
			t.Errorf("turn %d out of order: %q", i, turns[i])
		}
	}
}

func TestRunRejectsSecondMutation(t *testing.T) {
	round1 := fence(callJSON("write_file", "a"), callJSON("edit_file", "b"), callJSON("read_file", "c"))
	h := newHarness(t, Config{}, reply{text: round1})

	if _, err := h.engine.Run(context.Background(), h.sess, "work"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	results := h.events(t, session.EventToolResult)
	if len(results) != 3 {
		t.Fatalf("expected 3 tool_result events, got %d", len(results))
	}
	if results[0]["executed"] != true {
		t.Error("first mutation should run")
	}
	if results[1]["executed"] != false || results[1]["code"] != policy.CodeMultiMutation {
		t.Errorf("second mutation should be rejected: %v", results[1])
	}
	if results[2]["executed"] != true {
		t.Error("read should run")
	}
}

func TestRunLoopDetection(t *testing.T) {
	same := reply{text: fence(callJSON("grep", "x"))}

	h := newHarness(t, Config{MaxRounds: 10})
	h.provider.repeat = &same
	res, err := h.engine.Run(context.Background(), h.sess, "spin")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeError || res.Code != policy.CodeLoopDetected {
		t.Fatalf("expected loop detection, got %s/%s", res.Outcome, res.Code)
	}
	if res.Rounds != 3 {
		t.Errorf("loop should trip on round 3, got %d", res.Rounds)
	}
	if got := len(h.events(t, session.EventToolResult)); got != 2 {
		t.Errorf("the looping call set must not run a third time; ran %d times", got)
	}

	h2 := newHarness(t, Config{MaxRounds: 2})
	h2.provider.repeat = &same
	res, err = h2.engine.Run(context.Background(), h2.sess, "spin")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeMaxRounds {
		t.Errorf("two repeats must not trip the detector, got %s/%s", res.Outcome, res.Code)
	}
}

func TestRunMalformedCallContinues(t *testing.T) {
	h := newHarness(t, Config{}, reply{text: "```tool\n{\"tool\": \"read_file\", \"args\": {\n```"}, reply{text: "ok"})
	res, err := h.engine.Run(context.Background(), h.sess, "go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeSuccess || res.Rounds != 2 {
		t.Fatalf("expected success in 2 rounds, got %s in %d", res.Outcome, res.Rounds)
	}
	warnings := h.events(t, session.EventWarning)
	if len(warnings) != 1 || warnings[0]["reason"] != toolcall.ReasonMalformedJSON {
		t.Fatalf("expected one malformed_json warning, got %v", warnings)
	}
	snap := h.metrics.Snapshot()
	if snap.Count != 1 || snap.ByKey["openrouter/m/read_file"].Count != 1 {
		t.Errorf("unexpected metrics: %+v", snap)
	}
	req := h.provider.request(1)
	if !strings.HasPrefix(req.Messages[len(req.Messages)-1].Content, "[tool_call_error]") {
		t.Error("round 2 should open with the corrective message")
	}
}

func TestRunStateUpdate(t *testing.T) {
	update := "```tool\n{\"tool\": \"coder_update_state\", \"args\": {\"plan\": \"fix the parser\", \"openTasks\": [\"write test\"]}}\n```"
	h := newHarness(t, Config{}, reply{text: update}, reply{text: "done"})
	res, err := h.engine.Run(context.Background(), h.sess, "plan it")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeSuccess || res.Rounds != 2 {
		t.Fatalf("state-only round should continue: %s in %d", res.Outcome, res.Rounds)
	}
	if h.sess.WorkingMemory.Plan != "fix the parser" {
		t.Errorf("plan = %q", h.sess.WorkingMemory.Plan)
	}
	req := h.provider.request(1)
	if len(req.Messages) < 2 || !strings.HasPrefix(req.Messages[1].Content, "# Working memory") {
		t.Errorf("working memory should follow the system prompt in the request view")
	}
	for _, m := range h.sess.Messages {
		if strings.HasPrefix(m.Content, "# Working memory") {
			t.Error("working memory must not be stored in the transcript")
		}
	}
	if got := len(h.events(t, session.EventWorkingMemoryUpdated)); got != 1 {
		t.Errorf("expected 1 working_memory_updated event, got %d", got)
	}

	loaded, err := h.store.Load(h.sess.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.WorkingMemory.Plan != "fix the parser" {
		t.Error("working memory should be persisted")
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := h.engine.Run(ctx, h.sess, "never")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeAborted || res.Rounds != 0 {
		t.Fatalf("expected aborted with no rounds, got %s in %d", res.Outcome, res.Rounds)
	}
	if len(h.provider.requests) != 0 {
		t.Error("no round should start after cancellation")
	}
	if got := h.events(t, session.EventRunComplete); len(got) != 1 || got[0]["outcome"] != "aborted" {
		t.Errorf("expected aborted run_complete, got %v", got)
	}
}

func TestRunCancelledWhileStreaming(t *testing.T) {
	h := newHarness(t, Config{}, reply{block: true})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res, err := h.engine.Run(ctx, h.sess, "wait")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeAborted {
		t.Fatalf("expected aborted, got %s", res.Outcome)
	}
}

func TestRunPassesShellTimeoutToTools(t *testing.T) {
	h := newHarness(t, Config{ShellTimeout: 3 * time.Second},
		reply{text: fence(callJSON("read_file", "go.mod"))},
		reply{text: "read it"},
	)
	if _, err := h.engine.Run(context.Background(), h.sess, "look"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.tools.opts.Timeout != 3*time.Second {
		t.Errorf("Timeout = %v, want 3s", h.tools.opts.Timeout)
	}
}

func TestRunCancelledWhileToolRuns(t *testing.T) {
	h := newHarness(t, Config{}, reply{text: fence(callJSON("write_file", "main.go"))})
	h.tools.started = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-h.tools.started
		cancel()
	}()

	res, err := h.engine.Run(ctx, h.sess, "edit main.go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeAborted || res.Code != policy.CodeCancelled {
		t.Fatalf("expected aborted/%s, got %s/%s", policy.CodeCancelled, res.Outcome, res.Code)
	}
	if res.Rounds != 1 || len(h.provider.requests) != 1 {
		t.Fatalf("expected no round after the cancelled tool, got %d rounds and %d requests", res.Rounds, len(h.provider.requests))
	}
	results := h.events(t, session.EventToolResult)
	if len(results) != 1 || results[0]["ok"] != false {
		t.Errorf("expected one failed tool_result, got %v", results)
	}
	if got := h.events(t, session.EventRunComplete); len(got) != 1 || got[0]["outcome"] != "aborted" {
		t.Errorf("expected aborted run_complete, got %v", got)
	}
}

func TestRunBudgetCountsWorkingMemory(t *testing.T) {
	h := newHarness(t, Config{})
	history := []session.Message{
		session.SystemMessage("system prompt"),
		session.UserMessage("old question"),
		session.AssistantMessage("old answer"),
	}
	for _, m := range history {
		h.sess.Append(m)
	}
	h.sess.WorkingMemory.Plan = strings.Repeat("p", 400)
	// The transcript after Run appends its instruction fits exactly; the
	// injected working memory does not.
	budget := contextwindow.Estimate(append(history, session.UserMessage("next")))
	h.engine = NewEngine(h.store, h.provider, h.tools, Config{},
		WithWindow(&contextwindow.Manager{
			PreserveTurns: 1,
			Budget:        func(string, string) int { return budget },
		}),
	)

	if _, err := h.engine.Run(context.Background(), h.sess, "next"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	sent := h.provider.request(0).Messages
	for _, m := range sent {
		if m.Content == "old question" || m.Content == "old answer" {
			t.Errorf("old turn %q should have been trimmed", m.Content)
		}
	}
	if len(sent) != 3 || !strings.Contains(sent[1].Content, strings.Repeat("p", 400)) {
		t.Fatalf("expected system, working memory, instruction; got %d messages", len(sent))
	}
	var trimmed bool
	for _, st := range h.events(t, session.EventStatus) {
		if st["kind"] == "context_trimmed" {
			trimmed = true
		}
	}
	if !trimmed {
		t.Error("expected a context_trimmed status event")
	}
}

func TestRunProviderErrorEndsRun(t *testing.T) {
	boom := unifiedllm.ErrorFromStatusCode(500, "overloaded", "openrouter", "", nil)
	h := newHarness(t, Config{}, reply{err: boom})
	res, err := h.engine.Run(context.Background(), h.sess, "go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeError || res.Code != CodeProviderError {
		t.Fatalf("expected provider error, got %s/%s", res.Outcome, res.Code)
	}
	if !strings.Contains(res.Error, "overloaded") {
		t.Errorf("error should carry the provider message: %q", res.Error)
	}
	if len(h.provider.requests) != 1 {
		t.Error("no further rounds after a provider failure")
	}
}

func TestRunMaxRoundsNamesTools(t *testing.T) {
	h := newHarness(t, Config{MaxRounds: 2},
		reply{text: fence(callJSON("read_file", "a"))},
		reply{text: fence(callJSON("grep", "b"))},
	)
	res, err := h.engine.Run(context.Background(), h.sess, "go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeMaxRounds || res.Rounds != 2 {
		t.Fatalf("expected max_rounds after 2, got %s in %d", res.Outcome, res.Rounds)
	}
	if !strings.Contains(res.Summary, "read_file") || !strings.Contains(res.Summary, "grep") {
		t.Errorf("summary should name the tools used: %q", res.Summary)
	}
}

func TestRunEventSeqIsGapless(t *testing.T) {
	h := newHarness(t, Config{}, reply{text: fence(callJSON("read_file", "a"))}, reply{text: "ok"})
	if _, err := h.engine.Run(context.Background(), h.sess, "go"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	all, err := h.store.Events(h.sess.ID, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	for i, ev := range all {
		if ev.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
	}
	if all[len(all)-1].Type != session.EventRunComplete {
		t.Errorf("last event should be run_complete, got %s", all[len(all)-1].Type)
	}
}

func TestRunEmitsLiveEvents(t *testing.T) {
	h := newHarness(t, Config{}, reply{text: fence(callJSON("read_file", "a"))}, reply{text: "all good"})
	em := NewEmitter()
	h.engine.emitter = em
	sub := em.Subscribe(1024)

	if _, err := h.engine.Run(context.Background(), h.sess, "go"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	em.Unsubscribe(sub)

	var kinds []EventKind
	for ev := range sub.C {
		if ev.SessionID != h.sess.ID || ev.RunID == "" {
			t.Fatalf("event missing ids: %+v", ev)
		}
		kinds = append(kinds, ev.Kind)
	}
	seen := map[EventKind]bool{}
	for _, k := range kinds {
		seen[k] = true
	}
	for _, k := range []EventKind{EventAssistantToken, EventAssistantDone, EventToolCall, EventToolResult, EventRunComplete} {
		if !seen[k] {
			t.Errorf("missing %s event", k)
		}
	}
	if kinds[len(kinds)-1] != EventRunComplete {
		t.Errorf("run_complete should be last, got %s", kinds[len(kinds)-1])
	}
}

func TestRunApprovalDenied(t *testing.T) {
	h := newHarness(t, Config{DenialMessage: "no writes today"}, reply{text: fence(callJSON("write_file", "a"))})
	h.engine.approve = func(context.Context, toolcall.Call, int) (policy.Decision, error) {
		return policy.Deny, nil
	}
	if _, err := h.engine.Run(context.Background(), h.sess, "go"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	results := h.events(t, session.EventToolResult)
	if len(results) != 1 || results[0]["code"] != policy.CodeApprovalDenied || results[0]["output"] != "no writes today" {
		t.Fatalf("expected denial result, got %v", results)
	}
	if len(h.tools.executed) != 0 {
		t.Error("denied call must not execute")
	}
}

func TestCompact(t *testing.T) {
	h := newHarness(t, Config{})
	h.sess.Append(session.SystemMessage("sys"))
	for i := 0; i < 10; i++ {
		h.sess.Append(session.UserMessage(fmt.Sprintf("message %d", i)))
	}
	res, err := h.engine.Compact(context.Background(), h.sess)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if !res.Compacted || res.FoldedCount != 4 {
		t.Fatalf("expected 4 messages folded, got %+v", res)
	}
	if got := h.events(t, session.EventContextCompacted); len(got) != 1 {
		t.Fatalf("expected context_compacted event, got %v", got)
	}
	again, err := h.engine.Compact(context.Background(), h.sess)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if again.Compacted {
		t.Error("second compaction should have nothing to fold")
	}
}
