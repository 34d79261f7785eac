package toolcall

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
)

// Delta is one streamed fragment of a native tool call. Fragments with the
// same Index belong to the same call; Name and Arguments are appended.
type Delta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

type pending struct {
	id   string
	name strings.Builder
	args strings.Builder
}

// Accumulator assembles streamed tool-call deltas into calls. It is not
// safe for concurrent use.
type Accumulator struct {
	parser  *Parser
	pending map[int]*pending
}

// NewAccumulator returns an Accumulator that validates with p.
func NewAccumulator(p *Parser) *Accumulator {
	return &Accumulator{parser: p, pending: make(map[int]*pending)}
}

// Add records one fragment.
func (a *Accumulator) Add(d Delta) {
	pc, ok := a.pending[d.Index]
	if !ok {
		pc = &pending{}
		a.pending[d.Index] = pc
	}
	if d.ID != "" {
		pc.id = d.ID
	}
	pc.name.WriteString(d.Name)
	pc.args.WriteString(d.Arguments)
}

// Len returns the number of calls seen so far.
func (a *Accumulator) Len() int { return len(a.pending) }

// Finish converts accumulated fragments into calls ordered by index.
// complete is false when the stream ended without its terminal signal, in
// which case every pending call is reported as truncated.
func (a *Accumulator) Finish(complete bool) Detection {
	var det Detection
	indexes := make([]int, 0, len(a.pending))
	for i := range a.pending {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	for _, i := range indexes {
		pc := a.pending[i]
		name := pc.name.String()
		raw := pc.args.String()
		if !complete {
			det.Malformed = append(det.Malformed, Malformed{
				Reason: ReasonTruncated, Raw: raw, Tool: name,
				Detail: "stream ended before the tool call completed",
			})
			continue
		}

		var args any
		if trimmed := bytes.TrimSpace(jsonc.ToJSON([]byte(raw))); len(trimmed) > 0 {
			if err := json.Unmarshal(trimmed, &args); err != nil {
				det.Malformed = append(det.Malformed, Malformed{
					Reason: ReasonMalformedJSON, Raw: raw, Tool: name, Detail: err.Error(),
				})
				continue
			}
		}
		call, bad := a.parser.validate(pc.id, name, args, raw)
		if bad != nil {
			det.Malformed = append(det.Malformed, *bad)
			continue
		}
		det.Calls = append(det.Calls, call)
	}
	a.pending = make(map[int]*pending)
	return det
}
