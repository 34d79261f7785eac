package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/martinemde/coder/contextwindow"
	"github.com/martinemde/coder/policy"
	"github.com/martinemde/coder/session"
	"github.com/martinemde/coder/toolcall"
	"github.com/martinemde/coder/unifiedllm"
)

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeAborted   Outcome = "aborted"
	OutcomeError     Outcome = "error"
	OutcomeMaxRounds Outcome = "max_rounds"
)

// Result codes attached to runs and warnings.
const (
	CodeProviderError = "PROVIDER_ERROR"
	CodeMalformedCall = "MALFORMED_TOOL_CALL"
	CodeStorageError  = "STORAGE_ERROR"
)

// DefaultMaxRounds bounds a run when Config.MaxRounds is unset.
const DefaultMaxRounds = 25

// Config tunes the engine.
type Config struct {
	MaxRounds        int
	LoopThreshold    int
	MaxParallelReads int
	MaxTokens        int
	ShellTimeout     time.Duration
	DenialMessage    string
	OutputLimits     map[string]OutputLimit
}

// RunResult describes a finished run.
type RunResult struct {
	RunID     string   `json:"runId"`
	Outcome   Outcome  `json:"outcome"`
	Rounds    int      `json:"rounds"`
	Summary   string   `json:"summary"`
	Code      string   `json:"code,omitempty"`
	Error     string   `json:"error,omitempty"`
	ToolsUsed []string `json:"toolsUsed,omitempty"`
	FinalText string   `json:"-"`
}

// Engine drives runs: it streams model responses, detects tool calls,
// executes them under the execution policy, and persists every step.
// One Engine may serve many sessions, but a session must only be run by
// one caller at a time (see Manager).
type Engine struct {
	store    *session.Store
	provider Provider
	tools    ToolRegistry
	cfg      Config

	window    *contextwindow.Manager
	malformed *toolcall.Metrics
	emitter   *Emitter
	approve   policy.Approver
	logger    *slog.Logger
	metrics   *runMetrics
	prompt    func(ctx context.Context, sess *session.Session) string

	mu        sync.Mutex
	approvals map[string]*policy.ApprovalCache
}

// Option configures an Engine.
type Option func(*Engine)

// WithEmitter sets where live events go.
func WithEmitter(em *Emitter) Option { return func(e *Engine) { e.emitter = em } }

// WithApprover installs the approval gate.
func WithApprover(a policy.Approver) Option { return func(e *Engine) { e.approve = a } }

// WithWindow replaces the context window manager.
func WithWindow(w *contextwindow.Manager) Option { return func(e *Engine) { e.window = w } }

// WithMalformedMetrics shares a malformed-call recorder across engines.
func WithMalformedMetrics(m *toolcall.Metrics) Option { return func(e *Engine) { e.malformed = m } }

// WithMeter records run metrics on meter instead of the global provider.
func WithMeter(m metric.Meter) Option { return func(e *Engine) { e.metrics = newRunMetrics(m) } }

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithSystemPrompt overrides how the leading system message is built.
func WithSystemPrompt(fn func(ctx context.Context, sess *session.Session) string) Option {
	return func(e *Engine) { e.prompt = fn }
}

// NewEngine returns an engine persisting to store.
func NewEngine(store *session.Store, provider Provider, tools ToolRegistry, cfg Config, opts ...Option) *Engine {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	e := &Engine{
		store:     store,
		provider:  provider,
		tools:     tools,
		cfg:       cfg,
		approvals: make(map[string]*policy.ApprovalCache),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.window == nil {
		e.window = contextwindow.NewManager(0, 0)
	}
	if e.malformed == nil {
		e.malformed = toolcall.NewMetrics()
	}
	if e.metrics == nil {
		e.metrics = newRunMetrics(nil)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.prompt == nil {
		e.prompt = func(ctx context.Context, sess *session.Session) string {
			return BuildSystemPrompt(ctx, sess.Workspace, sess.ModelID, tools.Definitions())
		}
	}
	return e
}

// Emitter returns the engine's live event emitter, which may be nil.
func (e *Engine) Emitter() *Emitter { return e.emitter }

// MalformedMetrics returns the malformed-call recorder.
func (e *Engine) MalformedMetrics() *toolcall.Metrics { return e.malformed }

func (e *Engine) approvalCache(sessionID string) *policy.ApprovalCache {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.approvals[sessionID]
	if !ok {
		c = policy.NewApprovalCache()
		e.approvals[sessionID] = c
	}
	return c
}

// run is the state of one Run call.
type run struct {
	e       *Engine
	ctx     context.Context
	sess    *session.Session
	id      string
	start   time.Time
	rounds  int
	ledger  *Ledger
	used    []string
	usedSet map[string]bool
	err     error
	log     *slog.Logger
}

// record appends to the event log, keeping the first storage error.
func (r *run) record(typ session.EventType, payload any) {
	if _, err := r.e.store.Append(r.sess, typ, payload, r.id); err != nil && r.err == nil {
		r.err = fmt.Errorf("record %s: %w", typ, err)
	}
}

func (r *run) emit(kind EventKind, payload map[string]any) {
	r.e.emitter.Emit(Event{Kind: kind, RunID: r.id, SessionID: r.sess.ID, Payload: payload})
}

func (r *run) persist() {
	if err := r.e.store.Snapshot(r.sess); err != nil && r.err == nil {
		r.err = fmt.Errorf("snapshot: %w", err)
	}
}

func (r *run) useTool(name string) {
	if !r.usedSet[name] {
		r.usedSet[name] = true
		r.used = append(r.used, name)
	}
}

// Run executes one user instruction against sess until the model answers
// without tool calls, the round budget is spent, the run is cancelled, or
// the engine detects a loop. The outcome is always recorded as a
// run_complete event; the returned error is non-nil only when storage
// failed.
func (e *Engine) Run(ctx context.Context, sess *session.Session, text string) (*RunResult, error) {
	return e.RunWithID(ctx, sess, session.NewID(), text)
}

// RunWithID is Run with a caller-assigned run id.
func (e *Engine) RunWithID(ctx context.Context, sess *session.Session, runID, text string) (*RunResult, error) {
	r := &run{
		e:       e,
		ctx:     ctx,
		sess:    sess,
		id:      runID,
		start:   time.Now(),
		ledger:  NewLedger(),
		usedSet: make(map[string]bool),
	}
	r.log = e.logger.With("session", sess.ID, "run", r.id)

	if len(sess.Messages) == 0 {
		sess.Append(session.SystemMessage(e.prompt(ctx, sess)))
	}
	sess.Append(session.UserMessage(text))
	r.record(session.EventRunStarted, map[string]any{"provider": sess.ProviderID, "model": sess.ModelID})
	r.record(session.EventUserMessage, map[string]any{"content": text})
	if r.err != nil {
		return r.finish(OutcomeError, CodeStorageError, r.err.Error(), "")
	}
	r.log.Info("run started", "provider", sess.ProviderID, "model", sess.ModelID)

	parser := &toolcall.Parser{KnownTools: e.tools.Has}
	loops := policy.NewLoopDetector(e.cfg.LoopThreshold)
	executor := &policy.Executor{
		Classifier:       e.tools,
		Approve:          e.approve,
		Approvals:        e.approvalCache(sess.ID),
		DenialMessage:    e.cfg.DenialMessage,
		MaxParallelReads: e.cfg.MaxParallelReads,
		Logger:           r.log,
	}

	for round := 1; round <= e.cfg.MaxRounds; round++ {
		if ctx.Err() != nil {
			return r.finish(OutcomeAborted, policy.CodeCancelled, "run cancelled", "")
		}
		r.rounds = round
		sess.Rounds++
		e.metrics.round(sess.ProviderID, sess.ModelID)

		res, err := r.stream()
		if err != nil {
			if ctx.Err() != nil || unifiedllm.IsAbort(err) {
				return r.finish(OutcomeAborted, policy.CodeCancelled, "run cancelled while streaming", "")
			}
			r.record(session.EventError, map[string]any{"code": CodeProviderError, "message": err.Error()})
			r.emit(EventError, map[string]any{"code": CodeProviderError, "message": err.Error()})
			return r.finish(OutcomeError, CodeProviderError, err.Error(), "")
		}

		content := res.Text
		if strings.TrimSpace(content) == "" && len(res.Calls) > 0 {
			content = renderCalls(res.Calls)
		}
		sess.Append(session.AssistantMessage(content))
		r.record(session.EventAssistantMessage, map[string]any{
			"content": content,
			"usage":   res.Usage,
		})
		r.emit(EventAssistantDone, map[string]any{"text": content, "round": round})

		det := parser.Detect(res.Text).Merge(toolcall.Detection{Calls: res.Calls, Malformed: res.Malformed})
		if len(det.Malformed) > 0 {
			r.handleMalformed(det.Malformed)
		}

		updates, calls := toolcall.SplitStateUpdates(det.Calls)
		if len(updates) > 0 {
			r.applyStateUpdates(updates)
		}

		if len(calls) == 0 {
			if len(det.Malformed) == 0 && len(updates) == 0 {
				return r.finish(OutcomeSuccess, "", summarizeAnswer(res.Text), res.Text)
			}
			r.persist()
			if r.err != nil {
				return r.finish(OutcomeError, CodeStorageError, r.err.Error(), "")
			}
			continue
		}

		if n, looped := loops.Observe(calls); looped {
			msg := fmt.Sprintf("the same %d tool call(s) were proposed %d times: %s", len(calls), n, strings.Join(toolNames(calls), ", "))
			r.record(session.EventError, map[string]any{"code": policy.CodeLoopDetected, "message": msg, "count": n})
			r.emit(EventError, map[string]any{"code": policy.CodeLoopDetected, "message": msg})
			return r.finish(OutcomeError, policy.CodeLoopDetected, "stopped: "+msg, "")
		}

		r.execute(executor, round, calls)
		r.persist()
		if r.err != nil {
			return r.finish(OutcomeError, CodeStorageError, r.err.Error(), "")
		}
	}

	if ctx.Err() != nil {
		return r.finish(OutcomeAborted, policy.CodeCancelled, "run cancelled", "")
	}
	summary := fmt.Sprintf("stopped after %d rounds without a final answer", r.rounds)
	if len(r.used) > 0 {
		summary += "; tools used: " + strings.Join(r.used, ", ")
	}
	return r.finish(OutcomeMaxRounds, "", summary, "")
}

// stream trims the transcript and streams one model response.
func (r *run) stream() (StreamResult, error) {
	e, sess := r.e, r.sess
	reserve := 0
	if !sess.WorkingMemory.IsEmpty() {
		reserve = contextwindow.EstimateMessage(memoryTurn(sess.WorkingMemory))
	}
	trim := e.window.TrimReserving(sess.Messages, sess.ProviderID, sess.ModelID, reserve)
	if trim.Trimmed {
		payload := map[string]any{
			"kind":         "context_trimmed",
			"beforeTokens": trim.BeforeTokens,
			"afterTokens":  trim.AfterTokens,
			"removed":      trim.RemovedCount,
		}
		r.record(session.EventStatus, payload)
		r.emit(EventStatus, payload)
		r.log.Debug("context trimmed", "before", trim.BeforeTokens, "after", trim.AfterTokens, "removed", trim.RemovedCount)
	}
	req := StreamRequest{
		ProviderID: sess.ProviderID,
		ModelID:    sess.ModelID,
		Messages:   requestView(trim.Messages, sess.WorkingMemory),
		Tools:      e.tools.Definitions(),
		MaxTokens:  e.cfg.MaxTokens,
	}
	return e.provider.Stream(r.ctx, req, func(tok string) {
		r.emit(EventAssistantToken, map[string]any{"text": tok})
	})
}

func (r *run) handleMalformed(bad []toolcall.Malformed) {
	sess := r.sess
	for _, m := range bad {
		r.e.malformed.Record(toolcall.Label{
			Provider: sess.ProviderID,
			Model:    sess.ModelID,
			Reason:   m.Reason,
			ToolName: m.Tool,
		})
		payload := map[string]any{
			"code":   CodeMalformedCall,
			"reason": m.Reason,
			"tool":   m.Tool,
			"detail": m.Detail,
			"raw":    m.Raw,
		}
		r.record(session.EventWarning, payload)
		r.emit(EventWarning, payload)
		r.log.Warn("malformed tool call", "reason", m.Reason, "tool", m.Tool, "detail", m.Detail)
	}
	sess.Append(correctiveTurn(bad))
}

func (r *run) applyStateUpdates(updates []toolcall.Call) {
	var changed, errs []string
	seen := make(map[string]bool)
	for _, c := range updates {
		u, err := decodeStateUpdate(c.Args)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		for _, f := range r.sess.WorkingMemory.Apply(u) {
			if !seen[f] {
				seen[f] = true
				changed = append(changed, f)
			}
		}
	}
	r.record(session.EventWorkingMemoryUpdated, map[string]any{
		"changed":       changed,
		"errors":        errs,
		"workingMemory": r.sess.WorkingMemory,
	})
	r.emit(EventStatus, map[string]any{"kind": "working_memory_updated", "changed": changed})
	r.sess.Append(stateAckTurn(changed, errs))
}

func (r *run) execute(executor *policy.Executor, round int, calls []toolcall.Call) {
	e, sess := r.e, r.sess
	for _, c := range calls {
		payload := map[string]any{
			"callId":   c.ID,
			"tool":     c.Tool,
			"args":     c.Args,
			"readOnly": e.tools.IsReadOnly(c),
			"round":    round,
		}
		r.record(session.EventToolCall, payload)
		r.emit(EventToolCall, payload)
	}

	opts := ExecOptions{Timeout: e.cfg.ShellTimeout}
	outcomes := executor.Execute(r.ctx, calls, func(ctx context.Context, c toolcall.Call) policy.Result {
		return e.tools.Execute(ctx, c, sess.Workspace, opts)
	})

	// Results enter the transcript in call order.
	for _, o := range outcomes {
		if o.Executed {
			r.ledger.Record(round, o.Call, o.Result.OK)
		}
		r.useTool(o.Call.Tool)
		e.metrics.toolCall(o.Call.Tool, o.Executed, o.Result.OK)

		text := TruncateToolOutput(o.Result.Text, o.Call.Tool, e.cfg.OutputLimits)
		history := r.ledger.History(CallPath(o.Call))
		payload := map[string]any{
			"callId":     o.Call.ID,
			"tool":       o.Call.Tool,
			"ok":         o.Result.OK,
			"code":       o.Result.Code,
			"executed":   o.Executed,
			"readOnly":   o.ReadOnly,
			"durationMs": o.Duration.Milliseconds(),
			"output":     o.Result.Text,
			"truncated":  len(text) != len(o.Result.Text),
		}
		if history != nil {
			payload["file_history"] = history
		}
		r.record(session.EventToolResult, payload)
		r.emit(EventToolResult, payload)
		sess.Append(toolResultTurn(o, text, history))
	}
}

// finish records the terminal outcome and snapshots the session.
func (r *run) finish(outcome Outcome, code, summary, finalText string) (*RunResult, error) {
	res := &RunResult{
		RunID:     r.id,
		Outcome:   outcome,
		Rounds:    r.rounds,
		Summary:   summary,
		Code:      code,
		ToolsUsed: r.used,
		FinalText: finalText,
	}
	if outcome == OutcomeError {
		res.Error = summary
	}
	payload := map[string]any{
		"outcome":   outcome,
		"rounds":    r.rounds,
		"summary":   summary,
		"code":      code,
		"toolsUsed": r.used,
	}
	if modified := r.ledger.Modified(); len(modified) > 0 {
		payload["filesModified"] = modified
	}
	r.record(session.EventRunComplete, payload)
	r.persist()
	r.emit(EventRunComplete, payload)
	r.e.metrics.complete(outcome, r.sess.ProviderID, time.Since(r.start))
	r.log.Info("run complete", "outcome", outcome, "rounds", r.rounds, "code", code, "elapsed", time.Since(r.start))
	return res, r.err
}

// Compact folds old turns of an idle session into one summary turn and
// records the change. It reports Compacted=false when there was nothing to
// fold.
func (e *Engine) Compact(ctx context.Context, sess *session.Session) (contextwindow.CompactResult, error) {
	if err := ctx.Err(); err != nil {
		return contextwindow.CompactResult{}, err
	}
	res := e.window.Compact(sess.Messages)
	if !res.Compacted {
		return res, nil
	}
	sess.Messages = res.Messages
	payload := map[string]any{
		"beforeTokens": res.BeforeTokens,
		"afterTokens":  res.AfterTokens,
		"folded":       res.FoldedCount,
	}
	if _, err := e.store.Append(sess, session.EventContextCompacted, payload, ""); err != nil {
		return res, fmt.Errorf("record compaction: %w", err)
	}
	if err := e.store.Snapshot(sess); err != nil {
		return res, fmt.Errorf("snapshot: %w", err)
	}
	e.logger.Info("context compacted", "session", sess.ID,
		"before", res.BeforeTokens, "after", res.AfterTokens, "folded", res.FoldedCount)
	return res, nil
}

func renderCalls(calls []toolcall.Call) string {
	var sb strings.Builder
	for i, c := range calls {
		if i > 0 {
			sb.WriteString("\n")
		}
		body, _ := json.Marshal(map[string]any{"tool": c.Tool, "args": c.Args})
		sb.WriteString("```tool\n")
		sb.Write(body)
		sb.WriteString("\n```")
	}
	return sb.String()
}

func toolNames(calls []toolcall.Call) []string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Tool
	}
	return names
}

// summarizeAnswer returns the first non-empty line of text, shortened.
func summarizeAnswer(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if r := []rune(line); len(r) > 160 {
			return string(r[:157]) + "..."
		}
		return line
	}
	return "completed"
}
