package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/martinemde/coder/toolcall"
)

// Stable result codes for calls the policy refuses to run.
const (
	CodeMultiMutation  = "MULTI_MUTATION_NOT_ALLOWED"
	CodeApprovalDenied = "APPROVAL_DENIED"
	CodeCancelled      = "CANCELLED"
)

// DefaultMaxParallelReads bounds read-only fan-out.
const DefaultMaxParallelReads = 8

// Result is what a tool produced, or why it was not run.
type Result struct {
	OK   bool           `json:"ok"`
	Text string         `json:"text"`
	Code string         `json:"code,omitempty"`
	Meta map[string]any `json:"meta,omitempty"`
}

// Failure builds a failed Result with a stable code.
func Failure(code, text string) Result {
	return Result{OK: false, Code: code, Text: text}
}

// Outcome pairs a call with its result.
type Outcome struct {
	Call     toolcall.Call
	Result   Result
	ReadOnly bool
	Executed bool
	Duration time.Duration
}

// RunFunc executes one call. It must not panic and should honour ctx.
type RunFunc func(ctx context.Context, call toolcall.Call) Result

// Executor schedules one round of tool calls: read-only calls run
// concurrently, then at most one mutating call runs alone. Additional
// mutating calls are answered without running.
type Executor struct {
	Classifier       Classifier
	Approve          Approver // nil allows everything
	Approvals        *ApprovalCache
	DenialMessage    string
	MaxParallelReads int
	Logger           *slog.Logger
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Execute runs calls under the policy and returns one Outcome per call in
// call order, regardless of completion order. If ctx is cancelled while
// waiting on approval, the remaining calls are not run and carry
// CodeCancelled.
func (e *Executor) Execute(ctx context.Context, calls []toolcall.Call, run RunFunc) []Outcome {
	outcomes := make([]Outcome, len(calls))
	runnable := make([]bool, len(calls))
	mutation := -1

	for i, call := range calls {
		readOnly := e.Classifier.IsReadOnly(call)
		outcomes[i] = Outcome{Call: call, ReadOnly: readOnly}
		if readOnly {
			runnable[i] = true
			continue
		}
		if mutation >= 0 {
			outcomes[i].Result = Failure(CodeMultiMutation, fmt.Sprintf(
				"only one mutating tool call runs per round; %s was not executed because %s (%s) already claimed this round, re-issue it next round",
				call.Tool, calls[mutation].Tool, calls[mutation].ID))
			continue
		}
		mutation = i
		runnable[i] = true
	}

	// The approval gate is consulted sequentially, in call order.
	for i := range calls {
		if !runnable[i] {
			continue
		}
		if err := ctx.Err(); err != nil {
			e.cancelRemaining(outcomes, runnable, i)
			return outcomes
		}
		allowed, err := e.approve(ctx, outcomes[i])
		if err != nil && ctx.Err() != nil {
			e.cancelRemaining(outcomes, runnable, i)
			return outcomes
		}
		if !allowed {
			runnable[i] = false
			msg := e.DenialMessage
			if msg == "" {
				msg = "the user denied this tool call"
			}
			if err != nil {
				msg = fmt.Sprintf("%s: %v", msg, err)
			}
			outcomes[i].Result = Failure(CodeApprovalDenied, msg)
		}
	}

	limit := e.MaxParallelReads
	if limit <= 0 {
		limit = DefaultMaxParallelReads
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i := range calls {
		if !runnable[i] || !outcomes[i].ReadOnly {
			continue
		}
		g.Go(func() error {
			e.runOne(ctx, &outcomes[i], run)
			return nil
		})
	}
	_ = g.Wait()

	if mutation >= 0 && runnable[mutation] {
		if ctx.Err() != nil {
			outcomes[mutation].Result = Failure(CodeCancelled, "run cancelled before execution")
		} else {
			e.runOne(ctx, &outcomes[mutation], run)
		}
	}
	return outcomes
}

func (e *Executor) runOne(ctx context.Context, o *Outcome, run RunFunc) {
	start := time.Now()
	o.Result = run(ctx, o.Call)
	o.Duration = time.Since(start)
	o.Executed = true
	e.logger().Debug("tool executed",
		"tool", o.Call.Tool, "call_id", o.Call.ID,
		"ok", o.Result.OK, "read_only", o.ReadOnly, "duration", o.Duration)
}

// approve reports whether the call may run. Mutating calls and calls in a
// risk class go through the gate unless their class was allowed always.
func (e *Executor) approve(ctx context.Context, o Outcome) (bool, error) {
	if e.Approve == nil {
		return true, nil
	}
	risk := e.Classifier.RiskClassify(o.Call)
	if o.ReadOnly && risk < 0 {
		return true, nil
	}
	if e.Approvals.Allowed(risk) {
		return true, nil
	}
	d, err := ask(ctx, e.Approve, o.Call, risk)
	if err != nil {
		return false, err
	}
	switch d {
	case AllowAlways:
		e.Approvals.Remember(risk)
		return true, nil
	case Allow:
		return true, nil
	default:
		return false, nil
	}
}

func (e *Executor) cancelRemaining(outcomes []Outcome, runnable []bool, from int) {
	for j := from; j < len(outcomes); j++ {
		if runnable[j] {
			runnable[j] = false
			outcomes[j].Result = Failure(CodeCancelled, "run cancelled before execution")
		}
	}
}
