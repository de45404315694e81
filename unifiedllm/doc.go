// Package unifiedllm is the provider abstraction used by the agent loop.
//
// Every backend implements ProviderAdapter: a Request goes in and a channel
// of normalized StreamEvents comes out (text and reasoning deltas, tool call
// start/delta/end, then exactly one finish or error event).
//
// Two continuation protocols sit behind the same interface:
//
//   - ResponsesAdapter (OpenAI Responses API) is stateful. Its finish event
//     carries the response id; a later Request with ContinuationID only
//     needs the messages produced since.
//   - ChatAdapter, AnthropicAdapter, OllamaAdapter and GollmAdapter are
//     stateless and need the whole history every turn.
//
// Client adds routing, stream middleware and retries on stream open:
//
//	client, err := unifiedllm.NewClientFromConfig(unifiedllm.ProviderConfig{
//	    BaseURL: "https://openrouter.ai/api/v1",
//	    APIKey:  key,
//	})
//	events, err := client.Stream(ctx, unifiedllm.Request{
//	    Model:    "moonshotai/kimi-k2",
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("hello")},
//	})
package unifiedllm
