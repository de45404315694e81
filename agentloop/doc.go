// Package agentloop runs a model in a tool loop until it produces an answer.
//
// RunTurn streams one model response at a time through a
// unifiedllm.ProviderAdapter, executes the requested tool calls in parallel
// through a Dispatcher, and feeds the results back. How results are fed back
// depends on the continuation strategy: stateful providers receive only the
// new tool results plus the id of their previous response, everything else
// receives the whole history again.
//
// # Components
//
//   - AgentContext and Config: the state and limits of one invocation.
//   - Dispatcher: runs one turn's tool calls concurrently and returns exactly
//     one tool message per call.
//   - Delegator: runs the delegate tool as an isolated child loop.
//   - ApprovalStore: parks a tool call until a human answers it.
//   - ContextManager: trims history that no longer fits the model window.
//   - ExecutionEnvironment: where file and shell tools run.
//
// # Usage
//
//	reg := agentloop.NewToolRegistry()
//	agentloop.RegisterCoreTools(reg, 120000, 600000)
//	ac := &agentloop.AgentContext{
//		SessionID:    "s1",
//		SystemPrompt: agentloop.BuildSystemPrompt(env, agentloop.PromptOptions{Mode: agentloop.ModeBuild}),
//		Messages:     []unifiedllm.Message{unifiedllm.UserMessage("add a test for Parse")},
//		Tools:        reg,
//		Env:          env,
//		Config:       agentloop.Config{Provider: unifiedllm.ProviderConfig{Type: "responses", Model: "gpt-5.2"}},
//	}
//	res, err := agentloop.RunTurn(ctx, ac, 0, agentloop.TokenTotals{})
package agentloop
