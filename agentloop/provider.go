package agentloop

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/martinemde/coder/session"
	"github.com/martinemde/coder/toolcall"
	"github.com/martinemde/coder/unifiedllm"
)

// StreamRequest is one model call.
type StreamRequest struct {
	ProviderID string
	ModelID    string
	Messages   []session.Message
	Tools      []unifiedllm.ToolDefinition
	MaxTokens  int
}

// StreamResult is a completed model response. Calls and Malformed hold
// natively streamed tool calls; calls embedded in Text are left for the
// engine's parser.
type StreamResult struct {
	Text      string
	Calls     []toolcall.Call
	Malformed []toolcall.Malformed
	Usage     unifiedllm.Usage
}

// Provider streams one model response, forwarding text deltas to onToken
// as they arrive. It must return promptly once ctx is done.
type Provider interface {
	Stream(ctx context.Context, req StreamRequest, onToken func(string)) (StreamResult, error)
}

// Streamer is the unifiedllm surface LLMProvider needs. *unifiedllm.Client
// and every ProviderAdapter satisfy it.
type Streamer interface {
	Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error)
}

// LLMProvider adapts a unifiedllm streamer to Provider, retrying per
// Policy. Once any token has reached onToken the response is no longer
// retried, so callers never see the same text twice.
type LLMProvider struct {
	Streamer Streamer
	Policy   unifiedllm.RetryPolicy
	Parser   *toolcall.Parser
	Logger   *slog.Logger
}

// NewLLMProvider returns a provider with the default retry policy.
func NewLLMProvider(s Streamer, parser *toolcall.Parser, logger *slog.Logger) *LLMProvider {
	return &LLMProvider{Streamer: s, Policy: unifiedllm.DefaultRetryPolicy(), Parser: parser, Logger: logger}
}

func (p *LLMProvider) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Stream implements Provider.
func (p *LLMProvider) Stream(ctx context.Context, req StreamRequest, onToken func(string)) (StreamResult, error) {
	llmReq := unifiedllm.Request{
		Provider: req.ProviderID,
		Model:    req.ModelID,
		Messages: toLLMMessages(req.Messages),
		ToolDefs: req.Tools,
	}
	if req.MaxTokens > 0 {
		n := req.MaxTokens
		llmReq.MaxTokens = &n
	}

	var emitted atomic.Bool
	policy := p.Policy
	base := policy.Retryable
	if base == nil {
		base = unifiedllm.IsRetryable
	}
	policy.Retryable = func(err error) bool {
		return !emitted.Load() && base(err)
	}
	userRetry := policy.OnRetry
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		p.logger().Warn("provider stream retry",
			"provider", req.ProviderID, "model", req.ModelID,
			"attempt", attempt, "delay", delay, "error", err)
		if userRetry != nil {
			userRetry(err, attempt, delay)
		}
	}

	collected, err := unifiedllm.Retry(ctx, policy, func(actx context.Context) (unifiedllm.Collected, error) {
		events, err := p.Streamer.Stream(actx, llmReq)
		if err != nil {
			return unifiedllm.Collected{}, err
		}
		return unifiedllm.Collect(actx, events, func(delta string) {
			emitted.Store(true)
			if onToken != nil {
				onToken(delta)
			}
		})
	})
	if err != nil {
		return StreamResult{}, err
	}

	res := StreamResult{Text: collected.Text, Usage: collected.Usage}
	if len(collected.Fragments) > 0 {
		acc := toolcall.NewAccumulator(p.Parser)
		for _, f := range collected.Fragments {
			acc.Add(toolcall.Delta{Index: f.Index, ID: f.ID, Name: f.Name, Arguments: f.Arguments})
		}
		det := acc.Finish(collected.Complete)
		res.Calls = det.Calls
		res.Malformed = det.Malformed
	}
	return res, nil
}

func toLLMMessages(msgs []session.Message) []unifiedllm.Message {
	out := make([]unifiedllm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = unifiedllm.Message{Role: unifiedllm.Role(m.Role), Content: m.Content}
	}
	return out
}
