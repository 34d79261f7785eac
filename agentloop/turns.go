package agentloop

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/martinemde/coder/policy"
	"github.com/martinemde/coder/session"
	"github.com/martinemde/coder/toolcall"
)

// Synthetic turns the engine appends to the transcript. They are user-role
// messages so every provider accepts them.

// toolResultTurn renders one tool outcome as it is fed back to the model.
func toolResultTurn(o policy.Outcome, text string, history []LedgerEntry) session.Message {
	var sb strings.Builder
	status := "ok"
	if !o.Result.OK {
		status = "error"
		if o.Result.Code != "" {
			status = "error " + o.Result.Code
		}
	}
	fmt.Fprintf(&sb, "[tool_result %s id=%s status=%s]\n", o.Call.Tool, o.Call.ID, status)
	if len(history) > 1 {
		sb.WriteString("file history this run: ")
		for i, e := range history {
			if i > 0 {
				sb.WriteString(", ")
			}
			mark := ""
			if !e.OK {
				mark = " (failed)"
			}
			fmt.Fprintf(&sb, "round %d %s%s", e.Round, e.Op, mark)
		}
		sb.WriteString("\n")
	}
	sb.WriteString(text)
	return session.UserMessage(sb.String())
}

// correctiveTurn tells the model which tool blocks were rejected and why.
func correctiveTurn(bad []toolcall.Malformed) session.Message {
	var sb strings.Builder
	sb.WriteString("[tool_call_error] Some tool calls in your last reply were not executed:\n")
	for _, m := range bad {
		name := m.Tool
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(&sb, "- %s: %s", name, m.Reason)
		if m.Detail != "" {
			fmt.Fprintf(&sb, " (%s)", m.Detail)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Re-issue them as a fenced ```tool block holding a JSON object with a string \"tool\" and an object \"args\".")
	return session.UserMessage(sb.String())
}

// stateAckTurn acknowledges applied working-memory updates.
func stateAckTurn(changed []string, errs []string) session.Message {
	var sb strings.Builder
	sb.WriteString("[working_memory] ")
	if len(changed) == 0 {
		sb.WriteString("no changes")
	} else {
		sb.WriteString("updated: " + strings.Join(changed, ", "))
	}
	for _, e := range errs {
		sb.WriteString("\nrejected update: " + e)
	}
	return session.UserMessage(sb.String())
}

// decodeStateUpdate converts state-update call arguments.
func decodeStateUpdate(args map[string]any) (session.StateUpdate, error) {
	var u session.StateUpdate
	raw, err := json.Marshal(args)
	if err != nil {
		return u, err
	}
	if err := json.Unmarshal(raw, &u); err != nil {
		return u, fmt.Errorf("invalid %s args: %w", toolcall.StateUpdateTool, err)
	}
	return u, nil
}

// memoryTurn renders working memory as the system turn requestView injects.
func memoryTurn(wm session.WorkingMemory) session.Message {
	return session.SystemMessage(wm.Render())
}

// requestView returns the messages sent to the model: the transcript with
// working memory injected as a system message after the leading system
// prompt. The stored transcript is not modified.
func requestView(messages []session.Message, wm session.WorkingMemory) []session.Message {
	if wm.IsEmpty() {
		return messages
	}
	mem := memoryTurn(wm)
	out := make([]session.Message, 0, len(messages)+1)
	if len(messages) > 0 && messages[0].Role == session.RoleSystem {
		out = append(out, messages[0], mem)
		return append(out, messages[1:]...)
	}
	out = append(out, mem)
	return append(out, messages...)
}
