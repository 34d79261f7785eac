package contextwindow

import (
	"fmt"
	"strings"
	"testing"

	"github.com/martinemde/coder/session"
)

func transcript(n int, size int) []session.Message {
	msgs := []session.Message{session.SystemMessage("you are a coding agent")}
	for i := 0; i < n; i++ {
		body := fmt.Sprintf("turn %d %s", i, strings.Repeat("x", size))
		if i%2 == 0 {
			msgs = append(msgs, session.UserMessage(body))
		} else {
			msgs = append(msgs, session.AssistantMessage(body))
		}
	}
	return msgs
}

func fixedBudget(n int) BudgetFunc {
	return func(string, string) int { return n }
}

func TestEstimate(t *testing.T) {
	msgs := []session.Message{
		session.UserMessage("abcd"),  // 1 + 4
		session.UserMessage("abcde"), // 2 + 4
		session.UserMessage(""),      // 0 + 4
	}
	if got := Estimate(msgs); got != 15 {
		t.Errorf("Estimate = %d, want 15", got)
	}
}

func TestTrimNeverMutatesInput(t *testing.T) {
	msgs := transcript(20, 100)
	orig := append([]session.Message(nil), msgs...)
	m := &Manager{PreserveTurns: 4, Budget: fixedBudget(200)}

	res := m.Trim(msgs, "p", "m")
	if !res.Trimmed {
		t.Fatal("expected trim")
	}
	if len(msgs) != len(orig) {
		t.Fatalf("input length changed: %d -> %d", len(orig), len(msgs))
	}
	for i := range msgs {
		if msgs[i] != orig[i] {
			t.Fatalf("input message %d changed", i)
		}
	}
	res.Messages[0].Content = "mutated"
	if msgs[0].Content == "mutated" {
		t.Error("result aliases input")
	}
}

func TestTrimKeepsSystemAndPreserveWindow(t *testing.T) {
	msgs := transcript(20, 100)
	m := &Manager{PreserveTurns: 4, Budget: fixedBudget(1)}

	res := m.Trim(msgs, "p", "m")
	if len(res.Messages) != 5 {
		t.Fatalf("expected system + 4 preserved, got %d", len(res.Messages))
	}
	if res.Messages[0].Role != session.RoleSystem {
		t.Error("system message dropped")
	}
	for i, msg := range res.Messages[1:] {
		if msg != msgs[len(msgs)-4+i] {
			t.Errorf("preserved message %d differs", i)
		}
	}
	if res.RemovedCount != 16 {
		t.Errorf("RemovedCount = %d, want 16", res.RemovedCount)
	}
	if res.AfterTokens != Estimate(res.Messages) {
		t.Errorf("AfterTokens = %d, want %d", res.AfterTokens, Estimate(res.Messages))
	}
}

func TestTrimDropsOldestFirstUntilWithinBudget(t *testing.T) {
	msgs := transcript(10, 36) // each non-system message is ~15 tokens
	budget := Estimate(msgs) - 2*EstimateMessage(msgs[1]) + 1
	m := &Manager{PreserveTurns: 2, Budget: fixedBudget(budget)}

	res := m.Trim(msgs, "p", "m")
	if res.RemovedCount != 2 {
		t.Fatalf("RemovedCount = %d, want 2", res.RemovedCount)
	}
	if res.Messages[1] != msgs[3] {
		t.Errorf("expected oldest two dropped, first kept turn is %q", res.Messages[1].Content)
	}
	if res.AfterTokens > budget {
		t.Errorf("AfterTokens %d exceeds budget %d", res.AfterTokens, budget)
	}
}

func TestTrimReservingCountsReserve(t *testing.T) {
	msgs := transcript(10, 36)
	budget := Estimate(msgs)
	m := &Manager{PreserveTurns: 2, Budget: fixedBudget(budget)}

	if res := m.Trim(msgs, "p", "m"); res.Trimmed {
		t.Fatalf("transcript alone fits, got %+v", res)
	}
	reserve := EstimateMessage(msgs[1]) + 1
	res := m.TrimReserving(msgs, "p", "m", reserve)
	if res.RemovedCount != 2 {
		t.Fatalf("RemovedCount = %d, want 2", res.RemovedCount)
	}
	if res.BeforeTokens != budget+reserve {
		t.Errorf("BeforeTokens = %d, want %d", res.BeforeTokens, budget+reserve)
	}
	if res.AfterTokens != Estimate(res.Messages)+reserve || res.AfterTokens > budget {
		t.Errorf("AfterTokens = %d, budget %d", res.AfterTokens, budget)
	}
}

func TestTrimWithinBudgetIsNoop(t *testing.T) {
	msgs := transcript(3, 10)
	m := &Manager{PreserveTurns: 2, Budget: fixedBudget(10_000)}
	res := m.Trim(msgs, "p", "m")
	if res.Trimmed || res.RemovedCount != 0 || len(res.Messages) != len(msgs) {
		t.Errorf("unexpected trim: %+v", res)
	}
	if res.BeforeTokens != res.AfterTokens {
		t.Errorf("tokens changed without trim")
	}
}

func TestTrimWithoutSystemMessage(t *testing.T) {
	msgs := transcript(8, 100)[1:]
	m := &Manager{PreserveTurns: 3, Budget: fixedBudget(1)}
	res := m.Trim(msgs, "p", "m")
	if len(res.Messages) != 3 {
		t.Fatalf("expected only the preserve window, got %d", len(res.Messages))
	}
}

func TestCatalogBudget(t *testing.T) {
	b := CatalogBudget(0.5)
	if got := b("anthropic", "claude-opus-4-6"); got != 100000 {
		t.Errorf("budget = %d, want 100000", got)
	}
}

func TestCompactFoldsMiddle(t *testing.T) {
	msgs := transcript(10, 20)
	m := &Manager{PreserveTurns: 4}

	res := m.Compact(msgs)
	if !res.Compacted {
		t.Fatal("expected compaction")
	}
	if res.FoldedCount != 6 {
		t.Errorf("FoldedCount = %d, want 6", res.FoldedCount)
	}
	if len(res.Messages) != 6 {
		t.Fatalf("expected system + summary + 4, got %d", len(res.Messages))
	}
	if !IsSummary(res.Messages[1]) {
		t.Errorf("second message is not a summary: %q", res.Messages[1].Content)
	}
	if res.AfterTokens >= res.BeforeTokens {
		t.Errorf("compaction did not shrink: %d -> %d", res.BeforeTokens, res.AfterTokens)
	}
	if len(msgs) != 11 {
		t.Error("input mutated")
	}
}

func TestCompactIsIdempotent(t *testing.T) {
	msgs := transcript(10, 20)
	m := &Manager{PreserveTurns: 4}

	first := m.Compact(msgs)
	second := m.Compact(first.Messages)
	if second.Compacted {
		t.Fatal("compacting a compacted transcript should report Compacted=false")
	}
	if len(second.Messages) != len(first.Messages) {
		t.Errorf("message count changed: %d -> %d", len(first.Messages), len(second.Messages))
	}
}

func TestCompactIsDeterministic(t *testing.T) {
	msgs := transcript(10, 20)
	m := &Manager{PreserveTurns: 4}
	a := m.Compact(msgs)
	b := m.Compact(msgs)
	for i := range a.Messages {
		if a.Messages[i] != b.Messages[i] {
			t.Fatalf("message %d differs between runs", i)
		}
	}
}

func TestCompactCarriesEarlierSummary(t *testing.T) {
	msgs := transcript(10, 20)
	m := &Manager{PreserveTurns: 4}
	first := m.Compact(msgs)

	more := append(append([]session.Message(nil), first.Messages...),
		session.UserMessage("later question"),
		session.AssistantMessage("later answer"),
	)
	second := m.Compact(more)
	if !second.Compacted || second.FoldedCount != 3 {
		t.Fatalf("expected 3 folded (summary + 2), got %+v", second)
	}
	summary := second.Messages[1].Content
	if !strings.Contains(summary, "turn 0") {
		t.Errorf("earlier summary content lost: %q", summary)
	}
	if strings.Count(summary, SummaryPrefix) != 1 {
		t.Errorf("summary prefix duplicated: %q", summary)
	}
}

func TestCompactNothingToFold(t *testing.T) {
	msgs := transcript(3, 20)
	m := &Manager{PreserveTurns: 6}
	if res := m.Compact(msgs); res.Compacted {
		t.Error("short transcript should not compact")
	}
}
