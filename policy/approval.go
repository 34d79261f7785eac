// Package policy decides which tool calls in a round run, in what order,
// and whether a run is spinning on the same calls.
package policy

import (
	"context"
	"sync"

	"github.com/martinemde/coder/toolcall"
)

// Classifier tags calls with their side-effect and risk class.
type Classifier interface {
	IsReadOnly(call toolcall.Call) bool
	// RiskClassify returns the index of the first risk pattern the call
	// matches, or -1 when it matches none.
	RiskClassify(call toolcall.Call) int
}

// Decision is an approval gate answer.
type Decision int

const (
	Allow Decision = iota
	Deny
	// AllowAlways allows the call and every later call in the same risk
	// class for the rest of the session.
	AllowAlways
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case AllowAlways:
		return "allow_always"
	default:
		return "unknown"
	}
}

// Approver is the external approval gate. It may block on a human.
type Approver func(ctx context.Context, call toolcall.Call, risk int) (Decision, error)

// AutoApprove allows everything.
func AutoApprove(context.Context, toolcall.Call, int) (Decision, error) {
	return Allow, nil
}

// ApprovalCache remembers risk classes approved with AllowAlways. One cache
// lives per session.
type ApprovalCache struct {
	mu     sync.Mutex
	always map[int]bool
}

// NewApprovalCache returns an empty cache.
func NewApprovalCache() *ApprovalCache {
	return &ApprovalCache{always: make(map[int]bool)}
}

// Allowed reports whether risk was previously approved for the session.
func (c *ApprovalCache) Allowed(risk int) bool {
	if c == nil || risk < 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.always[risk]
}

// Remember marks risk as approved for the rest of the session.
func (c *ApprovalCache) Remember(risk int) {
	if c == nil || risk < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.always == nil {
		c.always = make(map[int]bool)
	}
	c.always[risk] = true
}

// ask runs the approver without letting it outlive ctx.
func ask(ctx context.Context, approve Approver, call toolcall.Call, risk int) (Decision, error) {
	type answer struct {
		d   Decision
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		d, err := approve(ctx, call, risk)
		ch <- answer{d, err}
	}()
	select {
	case <-ctx.Done():
		return Deny, ctx.Err()
	case a := <-ch:
		return a.d, a.err
	}
}
