package toolcall

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/jsonc"
)

const fence = "```"

// Parser finds fenced tool calls in assistant text.
//
// The model writes calls as
//
//	```tool
//	{"tool": "read_file", "args": {"path": "main.go"}}
//	```
//
// Fences labelled tool, tool_call, or json are recognized; a json fence
// counts only if it mentions a "tool" key. A block may hold one object or
// an array of objects. Comments and trailing commas are tolerated.
type Parser struct {
	// KnownTools reports whether a tool name exists. Nil accepts any name.
	KnownTools func(name string) bool
}

type block struct {
	label  string
	body   string
	closed bool
}

// Detect scans text for tool call blocks in order of appearance.
func (p *Parser) Detect(text string) Detection {
	var det Detection
	for _, b := range scanBlocks(text) {
		if !b.closed {
			det.Malformed = append(det.Malformed, Malformed{
				Reason: ReasonTruncated,
				Raw:    b.body,
				Tool:   sniffToolName(b.body),
				Detail: "tool block was not closed",
			})
			continue
		}
		det = det.Merge(p.decodeBlock(b.body))
	}
	return det
}

// scanBlocks returns recognized fenced blocks. Fences with other labels are
// skipped whole, so examples inside ordinary code blocks are ignored.
func scanBlocks(text string) []block {
	var blocks []block
	lines := strings.Split(text, "\n")
	for i := 0; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(trimmed, fence) {
			continue
		}
		label := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(trimmed, fence)))

		var body []string
		closed := false
		for i++; i < len(lines); i++ {
			if strings.TrimSpace(lines[i]) == fence {
				closed = true
				break
			}
			body = append(body, lines[i])
		}

		content := strings.Join(body, "\n")
		switch label {
		case "tool", "tool_call":
		case "json":
			if !strings.Contains(content, `"tool"`) {
				continue
			}
		default:
			continue
		}
		blocks = append(blocks, block{label: label, body: content, closed: closed})
	}
	return blocks
}

func (p *Parser) decodeBlock(body string) Detection {
	var det Detection
	normalized := bytes.TrimSpace(jsonc.ToJSON([]byte(body)))
	if len(normalized) == 0 {
		det.Malformed = append(det.Malformed, Malformed{
			Reason: ReasonMalformedJSON, Raw: body, Detail: "empty tool block",
		})
		return det
	}

	var items []json.RawMessage
	if normalized[0] == '[' {
		if err := json.Unmarshal(normalized, &items); err != nil {
			det.Malformed = append(det.Malformed, Malformed{
				Reason: ReasonMalformedJSON, Raw: body, Tool: sniffToolName(body), Detail: err.Error(),
			})
			return det
		}
	} else {
		items = []json.RawMessage{normalized}
	}

	for _, item := range items {
		var v any
		if err := json.Unmarshal(item, &v); err != nil {
			det.Malformed = append(det.Malformed, Malformed{
				Reason: ReasonMalformedJSON, Raw: string(item), Tool: sniffToolName(string(item)), Detail: err.Error(),
			})
			continue
		}
		obj, ok := v.(map[string]any)
		if !ok {
			det.Malformed = append(det.Malformed, Malformed{
				Reason: ReasonValidationFailed, Raw: string(item), Detail: "tool call must be a JSON object",
			})
			continue
		}
		name, _ := obj["tool"].(string)
		if name == "" {
			name, _ = obj["name"].(string)
		}
		args, present := obj["args"]
		if !present {
			args = obj["arguments"]
		}
		call, bad := p.validate("", name, args, string(item))
		if bad != nil {
			det.Malformed = append(det.Malformed, *bad)
			continue
		}
		det.Calls = append(det.Calls, call)
	}
	return det
}

// validate applies the shape rules shared by fenced and streamed calls.
// A nil args value means "no arguments".
func (p *Parser) validate(id, name string, args any, raw string) (Call, *Malformed) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Call{}, &Malformed{Reason: ReasonValidationFailed, Raw: raw, Detail: "missing tool name"}
	}
	var argMap map[string]any
	switch a := args.(type) {
	case nil:
		argMap = map[string]any{}
	case map[string]any:
		argMap = a
	default:
		return Call{}, &Malformed{
			Reason: ReasonValidationFailed, Raw: raw, Tool: name,
			Detail: fmt.Sprintf("args must be an object, got %T", args),
		}
	}
	if name != StateUpdateTool && p != nil && p.KnownTools != nil && !p.KnownTools(name) {
		return Call{}, &Malformed{
			Reason: ReasonUnknownTool, Raw: raw, Tool: name,
			Detail: fmt.Sprintf("no tool named %q", name),
		}
	}
	if id == "" {
		id = newCallID()
	}
	return Call{ID: id, Tool: name, Args: argMap, Raw: raw}, nil
}

// sniffToolName pulls a tool name out of text that failed to parse, so
// malformed metrics can still be keyed by tool where possible.
func sniffToolName(s string) string {
	for _, key := range []string{`"tool"`, `"name"`} {
		i := strings.Index(s, key)
		if i < 0 {
			continue
		}
		rest := strings.TrimLeft(s[i+len(key):], " \t\r\n")
		if !strings.HasPrefix(rest, ":") {
			continue
		}
		rest = strings.TrimLeft(rest[1:], " \t\r\n")
		if !strings.HasPrefix(rest, `"`) {
			continue
		}
		rest = rest[1:]
		if end := strings.IndexByte(rest, '"'); end > 0 {
			return rest[:end]
		}
	}
	return ""
}
