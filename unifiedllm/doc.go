// Package unifiedllm is a thin streaming client over gollm
// (github.com/teilomillet/gollm).
//
// A Client routes each Request to a registered ProviderAdapter by provider
// identifier, falling back to the default provider or the model catalog.
// Adapters emit StreamEvent values on a channel; Collect drains that channel
// and forwards text deltas to a callback.
//
//	adapter, _ := unifiedllm.NewGollmAdapter("openai", os.Getenv("OPENAI_API_KEY"))
//	client := unifiedllm.NewClient(unifiedllm.WithProvider("openai", adapter))
//
//	res, err := unifiedllm.Retry(ctx, unifiedllm.DefaultRetryPolicy(),
//	    func(ctx context.Context) (unifiedllm.Collected, error) {
//	        ch, err := client.Stream(ctx, req)
//	        if err != nil {
//	            return unifiedllm.Collected{}, err
//	        }
//	        return unifiedllm.Collect(ctx, ch, func(s string) { fmt.Print(s) })
//	    })
//
// # Errors
//
// Failures are reported through a typed hierarchy rooted at SDKError.
// IsRetryable accepts rate limits, 5xx, timeouts and network failures and
// rejects everything else. IsAbort identifies caller cancellation.
package unifiedllm
