// Package contextwindow keeps a transcript within a provider's token budget.
//
// Trim runs every round and only ever drops old turns. Compact is explicit
// and folds old turns into a single summary turn. Neither mutates its input.
package contextwindow

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/martinemde/coder/session"
	"github.com/martinemde/coder/unifiedllm"
)

const (
	// DefaultPreserveTurns is how many trailing messages are always kept.
	DefaultPreserveTurns = 6

	// DefaultBudgetRatio is the share of the model's context window the
	// transcript may occupy; the rest is left for the response.
	DefaultBudgetRatio = 0.75

	// perMessageOverhead approximates role and framing tokens.
	perMessageOverhead = 4

	// SummaryPrefix marks a turn produced by Compact.
	SummaryPrefix = "[compacted summary]"

	summaryLineChars = 200
)

// EstimateMessage approximates the token cost of one message.
func EstimateMessage(m session.Message) int {
	chars := utf8.RuneCountInString(m.Content)
	return (chars+3)/4 + perMessageOverhead
}

// Estimate approximates the token cost of a message list. It is a cheap
// character-count heuristic, not a tokenizer.
func Estimate(messages []session.Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateMessage(m)
	}
	return total
}

// BudgetFunc returns the token budget for a provider/model pair.
type BudgetFunc func(provider, model string) int

// CatalogBudget derives budgets from the model catalog's context windows.
func CatalogBudget(ratio float64) BudgetFunc {
	if ratio <= 0 || ratio > 1 {
		ratio = DefaultBudgetRatio
	}
	return func(provider, model string) int {
		return int(float64(unifiedllm.ContextWindow(provider, model)) * ratio)
	}
}

// Manager applies the trim and compaction policy.
type Manager struct {
	PreserveTurns int
	Budget        BudgetFunc
}

// NewManager returns a Manager with the given preserve window and a
// catalog-derived budget. Non-positive values select defaults.
func NewManager(preserveTurns int, budgetRatio float64) *Manager {
	if preserveTurns <= 0 {
		preserveTurns = DefaultPreserveTurns
	}
	return &Manager{
		PreserveTurns: preserveTurns,
		Budget:        CatalogBudget(budgetRatio),
	}
}

func (m *Manager) preserve() int {
	if m == nil || m.PreserveTurns <= 0 {
		return DefaultPreserveTurns
	}
	return m.PreserveTurns
}

func (m *Manager) budget(provider, model string) int {
	if m == nil || m.Budget == nil {
		return CatalogBudget(DefaultBudgetRatio)(provider, model)
	}
	return m.Budget(provider, model)
}

// bounds returns the end of the protected head (the leading system
// message, if any) and the start of the preserve window.
func (m *Manager) bounds(messages []session.Message) (headEnd, tailStart int) {
	if len(messages) > 0 && messages[0].Role == session.RoleSystem {
		headEnd = 1
	}
	tailStart = len(messages) - m.preserve()
	if tailStart < headEnd {
		tailStart = headEnd
	}
	return headEnd, tailStart
}

// TrimResult describes one trim pass.
type TrimResult struct {
	Messages     []session.Message
	BeforeTokens int
	AfterTokens  int
	Trimmed      bool
	RemovedCount int
}

// Trim returns a copy of messages that fits the budget for provider/model.
// The leading system message and the last PreserveTurns messages are always
// kept; older messages are dropped oldest first. If the protected messages
// alone exceed the budget the result is still returned over budget.
func (m *Manager) Trim(messages []session.Message, provider, model string) TrimResult {
	return m.TrimReserving(messages, provider, model, 0)
}

// TrimReserving is Trim for a request that adds reserve tokens outside
// messages, such as an injected working-memory turn. The reserve counts
// against the budget and is included in BeforeTokens and AfterTokens.
func (m *Manager) TrimReserving(messages []session.Message, provider, model string, reserve int) TrimResult {
	before := Estimate(messages) + reserve
	res := TrimResult{BeforeTokens: before, AfterTokens: before}

	budget := m.budget(provider, model)
	if before <= budget {
		res.Messages = append([]session.Message(nil), messages...)
		return res
	}

	headEnd, tailStart := m.bounds(messages)
	total := before
	drop := headEnd
	for drop < tailStart && total > budget {
		total -= EstimateMessage(messages[drop])
		drop++
	}

	out := make([]session.Message, 0, len(messages)-(drop-headEnd))
	out = append(out, messages[:headEnd]...)
	out = append(out, messages[drop:]...)

	res.Messages = out
	res.AfterTokens = total
	res.RemovedCount = drop - headEnd
	res.Trimmed = res.RemovedCount > 0
	return res
}

// CompactResult describes one compaction.
type CompactResult struct {
	Messages     []session.Message
	Compacted    bool
	BeforeTokens int
	AfterTokens  int
	FoldedCount  int
}

// IsSummary reports whether m was produced by Compact.
func IsSummary(m session.Message) bool {
	return m.Role == session.RoleUser && strings.HasPrefix(m.Content, SummaryPrefix)
}

// Compact folds every message between the leading system message and the
// preserve window into one summary turn. The output depends only on the
// input and PreserveTurns, so compacting a compacted transcript again
// reports Compacted=false.
func (m *Manager) Compact(messages []session.Message) CompactResult {
	before := Estimate(messages)
	res := CompactResult{
		Messages:     append([]session.Message(nil), messages...),
		BeforeTokens: before,
		AfterTokens:  before,
	}

	headEnd, tailStart := m.bounds(messages)
	middle := messages[headEnd:tailStart]
	if len(middle) == 0 || (len(middle) == 1 && IsSummary(middle[0])) {
		return res
	}

	out := make([]session.Message, 0, headEnd+1+len(messages)-tailStart)
	out = append(out, messages[:headEnd]...)
	out = append(out, session.UserMessage(summarize(middle)))
	out = append(out, messages[tailStart:]...)

	res.Messages = out
	res.Compacted = true
	res.FoldedCount = len(middle)
	res.AfterTokens = Estimate(out)
	return res
}

// summarize renders folded messages as one line each. Earlier summaries
// are carried forward verbatim so repeated compaction never loses them.
func summarize(folded []session.Message) string {
	var b strings.Builder
	b.WriteString(SummaryPrefix)
	fmt.Fprintf(&b, "\nEarlier conversation (%d messages) condensed:\n", len(folded))
	for _, msg := range folded {
		if IsSummary(msg) {
			body := strings.TrimPrefix(msg.Content, SummaryPrefix)
			body = strings.TrimLeft(body, "\n")
			if i := strings.IndexByte(body, '\n'); i >= 0 {
				body = body[i+1:] // drop the old header line
			}
			b.WriteString(strings.TrimRight(body, "\n"))
			b.WriteByte('\n')
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", msg.Role, firstLine(msg.Content, summaryLineChars))
	}
	return strings.TrimRight(b.String(), "\n")
}

func firstLine(s string, limit int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i]) + " ..."
	}
	if utf8.RuneCountInString(s) > limit {
		r := []rune(s)
		s = string(r[:limit]) + "..."
	}
	if s == "" {
		return "(empty)"
	}
	return s
}
