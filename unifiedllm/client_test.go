package unifiedllm

import (
	"context"
	"errors"
	"testing"
	"time"
)

// mockAdapter is a test double for ProviderAdapter.
type mockAdapter struct {
	name   string
	err    error
	events []StreamEvent
	last   Request
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	m.last = req
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan StreamEvent, len(m.events))
	for _, e := range m.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func newMockAdapter(name, text string) *mockAdapter {
	return &mockAdapter{
		name: name,
		events: []StreamEvent{
			{Type: StreamStart},
			{Type: TextDelta, Delta: text},
			{Type: StreamFinish, FinishReason: "stop"},
		},
	}
}

func collectText(t *testing.T, c *Client, req Request) string {
	t.Helper()
	ch, err := c.Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	res, err := Collect(context.Background(), ch, nil)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return res.Text
}

func TestClientProviderRouting(t *testing.T) {
	openai := newMockAdapter("openai", "OpenAI response")
	anthropic := newMockAdapter("anthropic", "Anthropic response")

	client := NewClient(
		WithProvider("openai", openai),
		WithProvider("anthropic", anthropic),
		WithDefaultProvider("openai"),
	)

	got := collectText(t, client, Request{
		Model:    "claude-opus-4-6",
		Messages: []Message{UserMessage("Hi")},
		Provider: "anthropic",
	})
	if got != "Anthropic response" {
		t.Errorf("expected Anthropic response, got %q", got)
	}

	got = collectText(t, client, Request{Model: "gpt-5.2", Messages: []Message{UserMessage("Hi")}})
	if got != "OpenAI response" {
		t.Errorf("expected OpenAI response, got %q", got)
	}
	if openai.last.Provider != "openai" {
		t.Errorf("expected provider filled in on request, got %q", openai.last.Provider)
	}
}

func TestClientNoProvider(t *testing.T) {
	client := NewClient()
	_, err := client.Stream(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err == nil {
		t.Fatal("expected error for no provider")
	}
	if _, ok := err.(*ConfigurationError); !ok {
		t.Errorf("expected ConfigurationError, got %T", err)
	}
}

func TestClientUnregisteredProvider(t *testing.T) {
	client := NewClient(WithProvider("openai", newMockAdapter("openai", "x")))
	_, err := client.Stream(context.Background(), Request{Provider: "gemini"})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestClientStreamMiddlewareOrder(t *testing.T) {
	mock := newMockAdapter("test", "response")
	var order []int

	mw := func(n int) StreamMiddleware {
		return func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error) {
			order = append(order, n)
			ch, err := next(ctx, req)
			order = append(order, -n)
			return ch, err
		}
	}

	client := NewClient(
		WithProvider("test", mock),
		WithStreamMiddleware(mw(1), mw(2)),
	)
	collectText(t, client, Request{Messages: []Message{UserMessage("Hi")}})

	// Onion pattern: first registered runs first for request, reverse for response.
	expected := []int{1, 2, -2, -1}
	if len(order) != len(expected) {
		t.Fatalf("expected %d middleware calls, got %d", len(expected), len(order))
	}
	for i, v := range expected {
		if order[i] != v {
			t.Errorf("position %d: expected %d, got %d", i, v, order[i])
		}
	}
}

func TestCollectForwardsTokensAndFragments(t *testing.T) {
	mock := &mockAdapter{
		name: "test",
		events: []StreamEvent{
			{Type: StreamStart},
			{Type: TextDelta, Delta: "Hello"},
			{Type: TextDelta, Delta: " world"},
			{Type: ToolCallDelta, ToolCall: &ToolCallFragment{Index: 0, ID: "c1", Name: "read_file"}},
			{Type: ToolCallDelta, ToolCall: &ToolCallFragment{Index: 0, Arguments: `{"path":"a"}`}},
			{Type: StreamFinish, FinishReason: "tool_calls", Usage: &Usage{InputTokens: 3, OutputTokens: 2}},
		},
	}
	client := NewClient(WithProvider("test", mock))
	ch, err := client.Stream(context.Background(), Request{Messages: []Message{UserMessage("Hi")}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var tokens []string
	res, err := Collect(context.Background(), ch, func(s string) { tokens = append(tokens, s) })
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if res.Text != "Hello world" || len(tokens) != 2 {
		t.Errorf("unexpected text %q / tokens %v", res.Text, tokens)
	}
	if len(res.Fragments) != 2 || res.Fragments[0].Name != "read_file" {
		t.Errorf("unexpected fragments: %+v", res.Fragments)
	}
	if !res.Complete || res.FinishReason != "tool_calls" || res.Usage.OutputTokens != 2 {
		t.Errorf("unexpected finish: %+v", res)
	}
}

func TestCollectStreamErrorKeepsPartialText(t *testing.T) {
	ch := make(chan StreamEvent, 3)
	ch <- StreamEvent{Type: TextDelta, Delta: "partial"}
	ch <- StreamEvent{Type: StreamError, Error: &NetworkError{SDKError: SDKError{Message: "reset"}}}
	close(ch)

	res, err := Collect(context.Background(), ch, nil)
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if res.Text != "partial" || res.Complete {
		t.Errorf("unexpected partial result: %+v", res)
	}
}

func TestCollectWithoutFinishIsIncomplete(t *testing.T) {
	ch := make(chan StreamEvent, 1)
	ch <- StreamEvent{Type: TextDelta, Delta: "cut"}
	close(ch)

	res, err := Collect(context.Background(), ch, nil)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if res.Complete {
		t.Error("stream without finish event should be incomplete")
	}
}

func TestCollectHonoursCancellation(t *testing.T) {
	ch := make(chan StreamEvent) // never written
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := Collect(ctx, ch, nil)
	if !IsAbort(err) {
		t.Fatalf("expected abort error, got %v", err)
	}
}
