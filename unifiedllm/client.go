package unifiedllm

import (
	"context"
	"fmt"
	"strings"
)

// StreamMiddleware wraps a streaming provider call.
type StreamMiddleware func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error)

// Client holds the provider adapters fixed at construction, routes
// requests by provider identifier, and applies middleware.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	streamMW        []StreamMiddleware
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers a provider adapter.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) {
		c.providers[name] = adapter
	}
}

// WithDefaultProvider sets the default provider name.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithStreamMiddleware adds stream middleware to the client.
func WithStreamMiddleware(mw ...StreamMiddleware) ClientOption {
	return func(c *Client) {
		c.streamMW = append(c.streamMW, mw...)
	}
}

// NewClient creates a new Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		providers: make(map[string]ProviderAdapter),
	}
	for _, opt := range opts {
		opt(c)
	}
	// If no default and exactly one provider, use it.
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// resolveProvider determines which provider adapter to use for a request.
func (c *Client) resolveProvider(req Request) (ProviderAdapter, error) {

	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		if info := Lookup(req.Model); info != nil {
			name = info.Provider
		}
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: "no provider specified and no default provider configured",
		}}
	}

	adapter, ok := c.providers[name]
	if !ok {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("provider %q is not registered", name),
		}}
	}
	return adapter, nil
}

// Stream sends a streaming request through middleware to the resolved provider.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	adapter, err := c.resolveProvider(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}

	handler := func(ctx context.Context, r Request) (<-chan StreamEvent, error) {
		return adapter.Stream(ctx, r)
	}
	for i := len(c.streamMW) - 1; i >= 0; i-- {
		mw := c.streamMW[i]
		next := handler
		handler = func(ctx context.Context, r Request) (<-chan StreamEvent, error) {
			return mw(ctx, r, next)
		}
	}
	return handler(ctx, req)
}

// Close releases resources held by all registered providers.
func (c *Client) Close() error {
	var firstErr error
	for _, adapter := range c.providers {
		if closer, ok := adapter.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Collected is the accumulated outcome of one streamed response.
type Collected struct {
	Text         string
	Fragments    []ToolCallFragment
	FinishReason string
	Usage        Usage
	// Complete is false when the stream ended without a finish event.
	Complete bool
}

// Collect drains a stream, forwarding text deltas to onText as they arrive.
// It returns when the stream closes, a StreamError arrives, or ctx is done.
// A StreamError is returned as the error with whatever was collected so far.
func Collect(ctx context.Context, events <-chan StreamEvent, onText func(string)) (Collected, error) {
	var out Collected
	var text strings.Builder
	for {
		select {
		case <-ctx.Done():
			out.Text = text.String()
			return out, &AbortError{SDKError: SDKError{Message: "stream cancelled", Cause: ctx.Err()}}
		case ev, ok := <-events:
			if !ok {
				out.Text = text.String()
				return out, nil
			}
			switch ev.Type {
			case TextDelta:
				if ev.Delta == "" {
					continue
				}
				text.WriteString(ev.Delta)
				if onText != nil {
					onText(ev.Delta)
				}
			case ToolCallDelta:
				if ev.ToolCall != nil {
					out.Fragments = append(out.Fragments, *ev.ToolCall)
				}
			case StreamFinish:
				out.Complete = true
				out.FinishReason = ev.FinishReason
				if ev.Usage != nil {
					out.Usage = *ev.Usage
				}
			case StreamError:
				out.Text = text.String()
				err := ev.Error
				if err == nil {
					err = &StreamErrorType{SDKError: SDKError{Message: "stream failed"}}
				}
				return out, err
			}
		}
	}
}
