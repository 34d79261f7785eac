package unifiedllm

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attempt outcomes recorded by StreamMetrics.
const (
	attemptFinished  = "finish"
	attemptFailed    = "error"
	attemptTruncated = "truncated"
	attemptCancelled = "cancelled"
	attemptRefused   = "open_error"
)

// StreamMetrics returns middleware that records every provider attempt:
// a counter by outcome, time to the first text or tool-call delta, and
// total stream time. Events pass through unchanged.
func StreamMetrics(meter metric.Meter, logger *slog.Logger) StreamMiddleware {
	if meter == nil {
		meter = otel.Meter("coder")
	}
	if logger == nil {
		logger = slog.Default()
	}
	attempts, _ := meter.Int64Counter("coder.provider.attempts",
		metric.WithDescription("Provider stream attempts by outcome"))
	firstDelta, _ := meter.Float64Histogram("coder.provider.first_delta",
		metric.WithDescription("Time from request to first streamed delta"),
		metric.WithUnit("s"))
	streamTime, _ := meter.Float64Histogram("coder.provider.stream.duration",
		metric.WithDescription("Time from request to end of stream"),
		metric.WithUnit("s"))

	return func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error) {
		start := time.Now()
		attrs := []attribute.KeyValue{
			attribute.String("provider", req.Provider),
			attribute.String("model", req.Model),
		}
		record := func(outcome string) {
			elapsed := time.Since(start)
			set := metric.WithAttributes(append(attrs, attribute.String("outcome", outcome))...)
			if attempts != nil {
				attempts.Add(context.Background(), 1, set)
			}
			if streamTime != nil {
				streamTime.Record(context.Background(), elapsed.Seconds(), set)
			}
			logger.Debug("provider attempt", "provider", req.Provider, "model", req.Model,
				"outcome", outcome, "elapsed", elapsed)
		}

		upstream, err := next(ctx, req)
		if err != nil {
			record(attemptRefused)
			return nil, err
		}

		out := make(chan StreamEvent, cap(upstream))
		go func() {
			defer close(out)
			outcome := attemptTruncated
			defer func() { record(outcome) }()
			seenDelta := false
			for {
				select {
				case <-ctx.Done():
					outcome = attemptCancelled
					return
				case ev, ok := <-upstream:
					if !ok {
						return
					}
					switch ev.Type {
					case TextDelta, ToolCallDelta:
						if !seenDelta {
							seenDelta = true
							if firstDelta != nil {
								firstDelta.Record(context.Background(), time.Since(start).Seconds(), metric.WithAttributes(attrs...))
							}
						}
					case StreamFinish:
						outcome = attemptFinished
					case StreamError:
						outcome = attemptFailed
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						outcome = attemptCancelled
						return
					}
				}
			}
		}()
		return out, nil
	}
}
