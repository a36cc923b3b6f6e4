// Package unifiedllm provides a provider-agnostic chat completion client with
// native tool calling.
//
// A Client routes each Request to a registered ProviderAdapter and wraps the
// call in middleware. Three adapters are included:
//
//   - AnthropicAdapter uses the official Anthropic SDK
//   - LangchainAdapter drives any langchaingo llms.Model (OpenAI by default)
//   - GollmAdapter wraps gollm and recovers tool calls from JSON text
//
// Adapter errors are mapped onto a shared hierarchy (AuthenticationError,
// RateLimitError, ServerError, ...) so Retry can decide what to retry:
//
//	adapter := unifiedllm.NewAnthropicAdapter(os.Getenv("ANTHROPIC_API_KEY"))
//	client := unifiedllm.NewClient(unifiedllm.WithProvider("anthropic", adapter))
//
//	resp, err := unifiedllm.Retry(ctx, unifiedllm.DefaultRetryPolicy(),
//	    func(ctx context.Context) (*unifiedllm.Response, error) {
//	        return client.Complete(ctx, unifiedllm.Request{
//	            Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	        })
//	    })
package unifiedllm
