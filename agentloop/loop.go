package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Willebrew/stratuscode/logging"
	"github.com/Willebrew/stratuscode/observe"
	"github.com/Willebrew/stratuscode/unifiedllm"
)

// RunTurn drives the model until it answers without tool calls. depth is the
// number of tool rounds already taken and acc the tokens already spent by the
// caller; both carry over when a host resumes an invocation.
//
// The caller's AgentContext is not modified. The returned AgentResult holds
// the final text, cumulative tokens and the updated history.
func RunTurn(ctx context.Context, ac *AgentContext, depth int, acc TokenTotals) (*AgentResult, error) {
	cfg := ac.Config.withDefaults()
	cur := *ac
	cur.Config = cfg
	cur.Messages = append([]unifiedllm.Message(nil), ac.Messages...)
	cur.meter = &usageMeter{}
	if cur.client == nil {
		cur.client = &clientCache{}
	}

	log := logging.With("session", cur.SessionID)
	dispatcher := NewDispatcher()
	detector := newLoopDetector(cfg.LoopWindow)
	var transcript []unifiedllm.Message

	for {
		if depth >= cfg.MaxDepth {
			err := &MaxDepthError{Depth: depth, MaxDepth: cfg.MaxDepth}
			cur.Callbacks.fail(err)
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, cancellation(ctx)
		}

		if cur.Context != nil {
			out, err := cur.Context.Manage(ctx, ContextInput{
				Model:        cfg.Model,
				Messages:     cur.Messages,
				SystemPrompt: cur.SystemPrompt,
				Summary:      cur.Summary,
			})
			if err != nil {
				log.Warn("context management failed", "error", err)
			} else {
				if out.Compacted {
					log.Info("history compacted", "before", len(cur.Messages), "after", len(out.Messages))
					cur.ContinuationID = ""
					cur.Outgoing = nil
				}
				cur.Messages, cur.SystemPrompt, cur.Summary = out.Messages, out.SystemPrompt, out.Summary
			}
		}

		adapter, err := cur.provider(cfg)
		if err != nil {
			cur.Callbacks.fail(err)
			return nil, fmt.Errorf("create provider: %w", err)
		}

		strategy := cfg.Policy().Strategy(cfg.Model)
		msgs, contID := requestMessages(strategy, &cur)
		req := unifiedllm.Request{
			Model:           cfg.Model,
			System:          cur.SystemPrompt,
			Messages:        msgs,
			ToolDefs:        cur.Tools.Definitions(),
			ContinuationID:  contID,
			Temperature:     cfg.Temperature,
			ReasoningEffort: cfg.ReasoningEffort,
		}
		if cfg.MaxTokens > 0 {
			mt := cfg.MaxTokens
			req.MaxTokens = &mt
		}

		cur.Callbacks.status(StatusThinking)
		step, err := streamStep(ctx, adapter, req, &cur, cfg, depth)
		if err != nil {
			return nil, err
		}

		calls := step.validCalls()
		if len(calls) == 0 {
			final := unifiedllm.AssistantTurn(step.text, step.reasoning, nil)
			final.Usage = &unifiedllm.Usage{InputTokens: step.usage.InputTokens, OutputTokens: step.usage.OutputTokens}
			cur.Messages = append(cur.Messages, final)
			transcript = append(transcript, final)
			acc = acc.Add(step.usage.InputTokens, step.usage.OutputTokens)
			cur.Callbacks.status(StatusDone)
			return &AgentResult{
				Text:           step.text,
				Reasoning:      step.reasoning,
				InputTokens:    acc.Input,
				OutputTokens:   acc.Output,
				Summary:        cur.Summary,
				ContinuationID: step.continuationID,
				Transcript:     transcript,
				History:        cur.Messages,
				Depth:          depth,
			}, nil
		}

		assistant := unifiedllm.AssistantTurn(step.text, step.reasoning, calls)
		assistant.Usage = &unifiedllm.Usage{InputTokens: step.usage.InputTokens, OutputTokens: step.usage.OutputTokens}
		cur.Messages = append(cur.Messages, assistant)
		transcript = append(transcript, assistant)

		cur.Callbacks.status(StatusToolCalls)
		results := dispatcher.Dispatch(ctx, &cur, calls)
		subIn, subOut := cur.meter.drain()
		acc = acc.Add(step.usage.InputTokens+subIn, step.usage.OutputTokens+subOut)

		next := results
		if detector.Record(calls) {
			warning := LoopWarning(cfg.LoopWindow)
			log.Warn("tool loop detected", "window", cfg.LoopWindow)
			cfg.Metrics.LoopWarning()
			cur.Callbacks.status(StatusLoopDetected)
			next = append(append([]unifiedllm.Message(nil), results...), unifiedllm.UserMessage(warning))
		}
		cur.Messages = append(cur.Messages, next...)
		transcript = append(transcript, next...)

		plan := planNext(strategy, step.continuationID, next)
		cur.ContinuationID, cur.Outgoing = plan.continuationID, plan.outgoing
		cfg.Metrics.Continuation(string(plan.strategy))
		if strategy == StrategyStateful && plan.strategy == StrategyFullReplay {
			log.Debug("no continuation id returned, replaying history")
		}

		cur.Callbacks.loopIteration(depth + 1)
		cur.Callbacks.stepComplete(StepInfo{
			Depth:     depth,
			Text:      step.text,
			Reasoning: step.reasoning,
			ToolCalls: calls,
			Strategy:  plan.strategy,
		})
		depth++
	}
}

// stepOutput is what one streamed model response produced.
type stepOutput struct {
	text           string
	reasoning      string
	calls          []*unifiedllm.ToolCall
	usage          unifiedllm.Usage
	continuationID string
}

func (s *stepOutput) validCalls() []unifiedllm.ToolCall {
	out := make([]unifiedllm.ToolCall, 0, len(s.calls))
	for _, c := range s.calls {
		if c.Name != "" {
			out = append(out, *c)
		}
	}
	return out
}

func streamStep(ctx context.Context, adapter unifiedllm.ProviderAdapter, req unifiedllm.Request, ac *AgentContext, cfg Config, depth int) (*stepOutput, error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "agentloop.step",
		attribute.String("session.id", ac.SessionID),
		attribute.String("llm.model", req.Model),
		attribute.Int("agent.depth", depth),
		attribute.Bool("llm.continued", req.ContinuationID != ""))

	out, err := consumeStream(ctx, adapter, req, ac)
	status := "success"
	if err != nil {
		status = "error"
	}
	cfg.Metrics.LLMRequest(adapter.Name(), req.Model, status, time.Since(start), out.usage.InputTokens, out.usage.OutputTokens)
	observe.EndSpan(span, err)
	return out, err
}

func consumeStream(ctx context.Context, adapter unifiedllm.ProviderAdapter, req unifiedllm.Request, ac *AgentContext) (*stepOutput, error) {
	out := &stepOutput{}
	events, err := adapter.Stream(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return out, cancellation(ctx)
		}
		ac.Callbacks.fail(err)
		return out, fmt.Errorf("open stream: %w", err)
	}

	var text, reasoning []byte
	byID := make(map[string]*unifiedllm.ToolCall)
	args := make(map[string][]byte)
	track := func(tc *unifiedllm.ToolCall) *unifiedllm.ToolCall {
		id := tc.ID
		if id == "" {
			// Adapters always assign ids; this covers a provider that omits one.
			if n := len(out.calls); n > 0 {
				return out.calls[n-1]
			}
			id = "call_" + uuid.NewString()[:8]
		}
		if existing, ok := byID[id]; ok {
			if existing.Name == "" && tc.Name != "" {
				existing.Name = tc.Name
			}
			return existing
		}
		call := &unifiedllm.ToolCall{ID: id, Name: tc.Name}
		byID[id] = call
		out.calls = append(out.calls, call)
		ac.Callbacks.toolCallStart(*call)
		return call
	}

	for ev := range events {
		switch ev.Type {
		case unifiedllm.TextDelta:
			if ev.Delta != "" {
				text = append(text, ev.Delta...)
				ac.Callbacks.token(ev.Delta)
			}
		case unifiedllm.ReasoningDelta:
			delta := ev.ReasoningDelta
			if delta == "" {
				delta = ev.Delta
			}
			if delta != "" {
				reasoning = append(reasoning, delta...)
				ac.Callbacks.reasoning(delta)
			}
		case unifiedllm.ToolCallStart:
			if ev.ToolCall != nil {
				track(ev.ToolCall)
			}
		case unifiedllm.ToolCallDelta:
			if ev.ToolCall != nil {
				call := track(ev.ToolCall)
				args[call.ID] = append(args[call.ID], ev.Delta...)
			}
		case unifiedllm.ToolCallEnd:
			if ev.ToolCall != nil {
				call := track(ev.ToolCall)
				if len(ev.ToolCall.Arguments) > 0 {
					args[call.ID] = append([]byte(nil), ev.ToolCall.Arguments...)
				}
			}
		case unifiedllm.StreamFinish:
			if ev.Usage != nil {
				out.usage = out.usage.Add(*ev.Usage)
			}
			if ev.ContinuationID != "" {
				out.continuationID = ev.ContinuationID
			}
		case unifiedllm.StreamError:
			err := ev.Error
			if err == nil {
				err = fmt.Errorf("provider stream failed")
			}
			if ctx.Err() != nil {
				return out, cancellation(ctx)
			}
			ac.Callbacks.fail(err)
			return out, fmt.Errorf("stream: %w", err)
		}
	}
	if ctx.Err() != nil {
		return out, cancellation(ctx)
	}

	out.text = string(text)
	out.reasoning = string(reasoning)
	for _, c := range out.calls {
		raw := args[c.ID]
		switch {
		case len(raw) == 0:
			raw = []byte("{}")
		case !json.Valid(raw):
			// Kept as a JSON string so the history stays encodable; the
			// dispatcher rejects it as invalid arguments.
			logging.Debug("tool call arguments are not valid JSON", "session", ac.SessionID, "tool", c.Name)
			raw, _ = json.Marshal(string(raw))
		}
		c.Arguments = json.RawMessage(raw)
	}
	return out, nil
}
