package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/martinemde/coder/agentloop"
	"github.com/martinemde/coder/session"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42")).
		Bold(true)

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)
)

// renderer prints engine and log events for a terminal.
type renderer struct {
	w io.Writer
	// midLine is true while streamed tokens have not been terminated.
	midLine bool
	// showSeq prefixes persisted events with their seq.
	showSeq bool
}

// live renders an event from the engine's emitter.
func (r *renderer) live(ev agentloop.Event) {
	switch ev.Kind {
	case agentloop.EventAssistantToken:
		text, _ := ev.Payload["text"].(string)
		fmt.Fprint(r.w, text)
		r.midLine = !strings.HasSuffix(text, "\n")
	case agentloop.EventAssistantDone:
		r.endLine()
	default:
		r.render(string(ev.Kind), 0, ev.Payload)
	}
}

// logged renders a persisted event, as replayed by attach.
func (r *renderer) logged(ev session.Event) {
	var payload map[string]any
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			payload = map[string]any{"raw": string(ev.Payload)}
		}
	}
	r.render(string(ev.Type), ev.Seq, payload)
}

func (r *renderer) endLine() {
	if r.midLine {
		fmt.Fprintln(r.w)
		r.midLine = false
	}
}

func (r *renderer) render(kind string, seq int64, p map[string]any) {
	r.endLine()
	prefix := ""
	if r.showSeq && seq > 0 {
		prefix = idStyle.Render(fmt.Sprintf("#%d ", seq))
	}
	line := func(s string) { fmt.Fprintln(r.w, prefix+s) }

	switch kind {
	case string(session.EventSessionCreated):
		line(dimStyle.Render(fmt.Sprintf("session created (%s/%s in %s)", str(p, "providerId"), str(p, "modelId"), str(p, "workspace"))))
	case string(session.EventRunStarted):
		line(dimStyle.Render(fmt.Sprintf("run started with %s/%s", str(p, "provider"), str(p, "model"))))
	case string(session.EventUserMessage):
		line(userStyle.Render("› ") + str(p, "content"))
	case string(session.EventAssistantMessage):
		line(str(p, "content"))
	case string(session.EventToolCall):
		line(toolStyle.Render("⚙ "+str(p, "tool")) + " " + dimStyle.Render(summarizeArgs(p["args"])))
	case string(session.EventToolResult):
		mark := okStyle.Render("✓")
		if ok, _ := p["ok"].(bool); !ok {
			mark = failStyle.Render("✗")
		}
		detail := firstLine(str(p, "output"), 100)
		if code := str(p, "code"); code != "" {
			detail = code + ": " + detail
		}
		line(fmt.Sprintf("%s %s %s %s", mark, toolStyle.Render(str(p, "tool")), dimStyle.Render("("+str(p, "durationMs")+"ms)"), detail))
	case string(session.EventWorkingMemoryUpdated):
		line(dimStyle.Render("working memory updated: " + joinAny(p["changed"])))
	case string(session.EventStatus):
		switch str(p, "kind") {
		case "context_trimmed":
			line(dimStyle.Render(fmt.Sprintf("context trimmed: %v → %v tokens, %v messages dropped", p["beforeTokens"], p["afterTokens"], p["removed"])))
		case "working_memory_updated":
			line(dimStyle.Render("working memory updated: " + joinAny(p["changed"])))
		default:
			line(dimStyle.Render(fmt.Sprintf("status %v", p)))
		}
	case string(session.EventWarning):
		line(warnStyle.Render(fmt.Sprintf("warning: %s %s %s", str(p, "reason"), str(p, "tool"), str(p, "detail"))))
	case string(session.EventError):
		line(failStyle.Render(fmt.Sprintf("error %s: %s", str(p, "code"), str(p, "message"))))
	case string(session.EventContextCompacted):
		line(dimStyle.Render(fmt.Sprintf("context compacted: %v messages folded", p["folded"])))
	case string(session.EventRunComplete):
		line(outcomeLine(str(p, "outcome"), p["rounds"], str(p, "summary")))
	default:
		line(dimStyle.Render(kind))
	}
}

func outcomeLine(outcome string, rounds any, summary string) string {
	style := okStyle
	switch agentloop.Outcome(outcome) {
	case agentloop.OutcomeAborted, agentloop.OutcomeMaxRounds:
		style = warnStyle
	case agentloop.OutcomeError:
		style = failStyle
	}
	s := style.Render(outcome) + dimStyle.Render(fmt.Sprintf(" after %v rounds", rounds))
	if summary != "" && agentloop.Outcome(outcome) != agentloop.OutcomeSuccess {
		s += "\n  " + summary
	}
	return s
}

func str(p map[string]any, key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func joinAny(v any) string {
	switch list := v.(type) {
	case []string:
		return strings.Join(list, ", ")
	case []any:
		parts := make([]string, len(list))
		for i, x := range list {
			parts[i] = fmt.Sprint(x)
		}
		return strings.Join(parts, ", ")
	}
	return ""
}

// summarizeArgs renders tool arguments on one line, long values clipped.
func summarizeArgs(v any) string {
	args, ok := v.(map[string]any)
	if !ok || len(args) == 0 {
		return ""
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+firstLine(fmt.Sprint(args[k]), 60))
	}
	return strings.Join(parts, " ")
}

func firstLine(s string, limit int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " …"
	}
	if len(s) > limit {
		s = s[:limit] + "…"
	}
	return s
}
