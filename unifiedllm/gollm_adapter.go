package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/teilomillet/gollm"
)

// GollmAdapter wraps a gollm.LLM instance and implements ProviderAdapter.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string

	// gollm keeps model and limits as client state, so concurrent
	// requests hold mu from setting their options until the call that
	// reads them has been issued.
	mu        sync.Mutex
	setOption func(key string, value any)
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithAPIKey sets the API key for the adapter.
func WithAPIKey(key string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.apiKey = key
	}
}

// WithModel sets the default model for the adapter.
func WithModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.model = model
	}
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.maxTokens = n
	}
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.temperature = t
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// NewGollmAdapter creates a new GollmAdapter for the given provider.
// If apiKey is empty, gollm will attempt to read it from environment variables.
func NewGollmAdapter(provider string, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{
		apiKey:      apiKey,
		maxTokens:   4096,
		temperature: 0.2,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		if info := DefaultModel(provider); info != nil {
			model = info.ID
		} else {
			return nil, &ConfigurationError{SDKError: SDKError{
				Message: fmt.Sprintf("no model configured and no catalog default for provider %q", provider),
			}}
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // retries are owned by RetryPolicy
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gollm LLM for provider %s: %w", provider, err)
	}

	return &GollmAdapter{
		provider: provider,
		llm:      llm,
		model:    model,
	}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM instance.
func NewGollmAdapterFromLLM(provider string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{
		provider: provider,
		llm:      llm,
	}
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Stream sends a request and returns a channel of StreamEvent values. The
// channel is closed after a StreamFinish or StreamError event, or when ctx
// is cancelled.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	prompt := a.translateRequest(req)

	ch := make(chan StreamEvent, 64)
	send := func(ev StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !a.llm.SupportsStreaming() {
		// Generate the whole response and emit it as one delta.
		go func() {
			defer close(ch)
			if !send(StreamEvent{Type: StreamStart}) {
				return
			}
			unlock := a.lockRequest(req)
			text, err := a.llm.Generate(ctx, prompt)
			unlock()
			if err != nil {
				send(StreamEvent{Type: StreamError, Error: a.translateError(err)})
				return
			}
			if !send(StreamEvent{Type: TextDelta, Delta: text}) {
				return
			}
			send(a.finishEvent(req, text))
		}()
		return ch, nil
	}

	unlock := a.lockRequest(req)
	stream, err := a.llm.Stream(ctx, prompt)
	unlock()
	if err != nil {
		return nil, a.translateError(err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		if !send(StreamEvent{Type: StreamStart}) {
			return
		}
		var full strings.Builder
		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				send(StreamEvent{Type: StreamError, Error: a.translateError(err)})
				return
			}
			if token == nil || token.Text == "" {
				continue
			}
			full.WriteString(token.Text)
			if !send(StreamEvent{Type: TextDelta, Delta: token.Text}) {
				return
			}
		}
		send(a.finishEvent(req, full.String()))
	}()

	return ch, nil
}

func (a *GollmAdapter) finishEvent(req Request, text string) StreamEvent {
	// gollm does not expose usage; estimate from text length.
	return StreamEvent{
		Type:         StreamFinish,
		FinishReason: "stop",
		Usage: &Usage{
			InputTokens:  estimateTokens(req),
			OutputTokens: len(text) / 4,
		},
	}
}

// translateRequest flattens the conversation into a gollm prompt. System
// turns become the system prompt; earlier assistant turns are inlined so
// single-prompt providers still see the whole exchange.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	var convo []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			convo = append(convo, msg.Content)
		case RoleAssistant:
			if msg.Content != "" {
				convo = append(convo, "[Assistant]: "+msg.Content)
			}
		}
	}
	promptText := strings.Join(convo, "\n\n")
	if promptText == "" {
		promptText = "Continue."
	}

	var promptOpts []gollm.PromptOption
	if system := joinContent(req.Messages, RoleSystem); system != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.ToolDefs) > 0 {
		tools := make([]gollm.Tool, 0, len(req.ToolDefs))
		for _, t := range req.ToolDefs {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools), gollm.WithToolChoice("auto"))
	}
	return gollm.NewPrompt(promptText, promptOpts...)
}

// lockRequest applies req's model and limits to the client and holds them
// until the returned unlock is called, once the call reading them has been
// issued. A request without a model goes back to the adapter's default.
func (a *GollmAdapter) lockRequest(req Request) (unlock func()) {
	a.mu.Lock()

	if model := req.Model; model != "" {
		a.set("model", model)
	} else if a.model != "" {
		a.set("model", a.model)
	}
	if req.Temperature != nil {
		a.set("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.set("max_tokens", *req.MaxTokens)
	}
	return a.mu.Unlock
}

func (a *GollmAdapter) set(key string, value any) {
	if a.setOption != nil {
		a.setOption(key, value)
		return
	}
	a.llm.SetOption(key, value)
}

// translateError converts a gollm error into the unified error hierarchy.
// Errors that match no known class are terminal.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()

	switch {
	case errors.Is(err, context.Canceled):
		return &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: err}}
	case errors.Is(err, context.DeadlineExceeded):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &NetworkError{SDKError: SDKError{Message: msg, Cause: err}}
	}

	pe := func(status int, retryable bool) ProviderError {
		return ProviderError{
			SDKError:   SDKError{Message: msg, Cause: err},
			Provider:   a.provider,
			StatusCode: status,
			Retryable:  retryable,
		}
	}

	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, "401", "unauthorized", "invalid key", "invalid api key"):
		return &AuthenticationError{ProviderError: pe(401, false)}
	case containsAny(lower, "403", "forbidden"):
		return &AccessDeniedError{ProviderError: pe(403, false)}
	case containsAny(lower, "404", "not found"):
		return &NotFoundError{ProviderError: pe(404, false)}
	case containsAny(lower, "429", "rate limit"):
		return &RateLimitError{ProviderError: pe(429, true)}
	case containsAny(lower, "quota", "insufficient_quota"):
		return &QuotaExceededError{ProviderError: pe(429, false)}
	case containsAny(lower, "context length", "too many tokens"):
		return &ContextLengthError{ProviderError: pe(413, false)}
	case containsAny(lower, "500", "502", "503", "504", "internal server", "overloaded", "bad gateway", "service unavailable"):
		return &ServerError{ProviderError: pe(500, true)}
	case containsAny(lower, "timeout", "timed out"):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	case containsAny(lower, "connection refused", "connection reset", "no such host", "broken pipe", "unexpected eof"):
		return &NetworkError{SDKError: SDKError{Message: msg, Cause: err}}
	case containsAny(lower, "content filter", "safety"):
		return &ContentFilterError{ProviderError: pe(0, false)}
	default:
		p := pe(0, false)
		return &p
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
