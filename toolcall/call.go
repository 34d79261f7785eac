// Package toolcall extracts tool invocations from model output.
//
// Calls arrive either as fenced JSON blocks inside assistant text or as
// natively streamed deltas. Both paths produce the same Call and Malformed
// values so the engine never needs to know which one a call came from.
package toolcall

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Reasons a tool call attempt is rejected.
const (
	ReasonMalformedJSON    = "malformed_json"
	ReasonValidationFailed = "validation_failed"
	ReasonTruncated        = "truncated"
	ReasonUnknownTool      = "unknown_tool"
)

// StateUpdateTool is the pseudo-tool the model uses to edit working memory.
// It is applied by the engine directly and never dispatched to a registry.
const StateUpdateTool = "coder_update_state"

// Call is a well-formed tool invocation.
type Call struct {
	ID   string         `json:"id"`
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
	Raw  string         `json:"-"`
}

// Malformed is a rejected tool call attempt.
type Malformed struct {
	Reason string `json:"reason"`
	Raw    string `json:"raw"`
	Tool   string `json:"tool,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Detection is the result of scanning one model response.
type Detection struct {
	Calls     []Call
	Malformed []Malformed
}

// Empty reports whether nothing at all was detected.
func (d Detection) Empty() bool {
	return len(d.Calls) == 0 && len(d.Malformed) == 0
}

// Merge appends other's results after d's.
func (d Detection) Merge(other Detection) Detection {
	d.Calls = append(d.Calls, other.Calls...)
	d.Malformed = append(d.Malformed, other.Malformed...)
	return d
}

// SplitStateUpdates separates state-update pseudo-calls from calls that
// need execution, preserving order within each group.
func SplitStateUpdates(calls []Call) (updates, rest []Call) {
	for _, c := range calls {
		if c.Tool == StateUpdateTool {
			updates = append(updates, c)
		} else {
			rest = append(rest, c)
		}
	}
	return updates, rest
}

// Signature returns the canonical encoding of a call's tool and arguments.
// encoding/json sorts map keys, so equal calls always encode identically.
func (c Call) Signature() string {
	b, err := json.Marshal(struct {
		Tool string         `json:"tool"`
		Args map[string]any `json:"args"`
	}{c.Tool, c.Args})
	if err != nil {
		return c.Tool
	}
	return string(b)
}

func newCallID() string {
	return "call_" + uuid.New().String()[:8]
}
