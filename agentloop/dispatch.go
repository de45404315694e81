package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/Willebrew/stratuscode/logging"
	"github.com/Willebrew/stratuscode/observe"
	"github.com/Willebrew/stratuscode/unifiedllm"
)

// Tools whose successful results are passed to the Verifier.
var verifiedTools = map[string]bool{WriteToolName: true, EditToolName: true}

// Dispatcher executes the tool calls of one assistant turn concurrently.
type Dispatcher struct {
	delegator *Delegator
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{delegator: NewDelegator()}
}

// Dispatch runs every call and returns one tool message per call, in call
// order. A failing call never affects its siblings.
func (d *Dispatcher) Dispatch(ctx context.Context, ac *AgentContext, calls []unifiedllm.ToolCall) []unifiedllm.Message {
	cfg := ac.Config.withDefaults()
	results := make([]unifiedllm.Message, len(calls))

	var g errgroup.Group
	if cfg.MaxParallelTools > 0 {
		g.SetLimit(cfg.MaxParallelTools)
	}
	for i, call := range calls {
		g.Go(func() error {
			results[i] = d.run(ctx, ac, cfg, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *Dispatcher) run(ctx context.Context, ac *AgentContext, cfg Config, call unifiedllm.ToolCall) unifiedllm.Message {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "agentloop.tool",
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
		attribute.String("session.id", ac.SessionID))

	content, err := d.execute(ctx, ac, cfg, call)
	outcome := ToolOutcome{Content: content, Duration: time.Since(start)}
	status := "success"
	if err != nil {
		outcome.IsError = true
		outcome.Content = errorPayload(err.Error())
		status = "error"
		logging.Debug("tool failed", "session", ac.SessionID, "tool", call.Name, "error", err)
	}
	observe.EndSpan(span, err)
	cfg.Metrics.ToolExecution(call.Name, status, outcome.Duration)

	ac.Callbacks.toolCallComplete(call, outcome)
	return unifiedllm.ToolResultMessage(call.ID, outcome.Content, outcome.IsError)
}

func (d *Dispatcher) execute(ctx context.Context, ac *AgentContext, cfg Config, call unifiedllm.ToolCall) (string, error) {
	tool := ac.Tools.Get(call.Name)
	if tool == nil {
		return "", fmt.Errorf("Tool not found: %s", call.Name)
	}

	args, err := ParseToolArguments(call.Arguments)
	if err == nil {
		err = validateArguments(tool, args)
	}
	if err != nil {
		return "", fmt.Errorf("Invalid arguments for %s: %v", call.Name, err)
	}

	if cfg.BeforeTool != nil {
		rewritten, err := cfg.BeforeTool(ctx, ac.SessionID, tool.Name, args)
		if err != nil {
			return "", fmt.Errorf("Tool blocked: %v", err)
		}
		if rewritten != nil {
			if err := validateArguments(tool, rewritten); err != nil {
				return "", fmt.Errorf("Invalid arguments for %s after hook rewrite: %v", call.Name, err)
			}
			args = rewritten
		}
	}

	var content string
	if tool.Name == DelegateToolName {
		content, err = d.delegate(ctx, ac, args)
	} else {
		content, err = d.invoke(ctx, ac, cfg, tool, call.ID, args)
	}

	if err == nil && verifiedTools[tool.Name] && cfg.Verifier != nil {
		content += d.verify(ctx, ac, cfg, args)
	}

	if cfg.AfterTool != nil {
		if hookErr := cfg.AfterTool(ctx, ac.SessionID, tool.Name, args, content, err); hookErr != nil {
			logging.Warn("after-tool hook failed", "session", ac.SessionID, "tool", tool.Name, "error", hookErr)
		}
	}
	if err != nil {
		return "", err
	}

	limit := tool.MaxResultSize
	if limit <= 0 {
		limit = cfg.ToolOutputLimit
	}
	return TruncateToolOutput(content, tool.Name, limit), nil
}

func (d *Dispatcher) invoke(ctx context.Context, ac *AgentContext, cfg Config, tool *Tool, callID string, args map[string]any) (string, error) {
	if tool.Executor == nil {
		return "", fmt.Errorf("tool %s has no executor", tool.Name)
	}
	timeout := tool.TimeoutMs
	if timeout <= 0 {
		timeout = cfg.ToolTimeoutMs
	}
	// Tools that wait on a human answer set a negative timeout.
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Millisecond)
		defer cancel()
	}

	ec := ExecContext{
		SessionID:   ac.SessionID,
		ProjectRoot: ac.ProjectRoot,
		CallID:      callID,
		Env:         ac.Env,
		Approvals:   ac.Approvals,
		Changes:     ac.Changes,
	}
	out, err := tool.Executor(ctx, args, ec)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%s timed out after %dms", tool.Name, timeout)
	}
	return out, err
}

func (d *Dispatcher) delegate(ctx context.Context, ac *AgentContext, args map[string]any) (string, error) {
	name, _ := GetStringArg(args, "agent")
	task, _ := GetStringArg(args, "task")
	extra, _ := GetStringArg(args, "context")
	def, ok := LookupSubagent(ac.Config.Subagents, name)
	if !ok {
		return "", fmt.Errorf("unknown subagent %q", name)
	}
	res := d.delegator.Delegate(ctx, def, task, extra, ac)
	ac.meter.add(res.InputTokens, res.OutputTokens)
	if res.Error != "" {
		return "", errors.New(res.Error)
	}
	return res.Content, nil
}

func (d *Dispatcher) verify(ctx context.Context, ac *AgentContext, cfg Config, args map[string]any) string {
	path, _ := GetStringArg(args, "file_path")
	if path == "" || ac.Env == nil {
		return ""
	}
	resolved := ac.Env.Resolve(path)
	content, err := ac.Env.ReadFile(resolved)
	if err != nil {
		return ""
	}
	res, err := cfg.Verifier.Verify(ctx, resolved, content)
	if err != nil {
		logging.Debug("verification skipped", "path", resolved, "error", err)
		return ""
	}
	if res.Success || len(res.Errors) == 0 {
		return ""
	}
	return verificationNote(path, res)
}

// errorPayload renders the structured error content a failed call returns.
func errorPayload(message string) string {
	b, _ := json.Marshal(struct {
		Error   bool   `json:"error"`
		Message string `json:"message"`
	}{true, message})
	return string(b)
}

var schemaCache sync.Map

func validateArguments(tool *Tool, args map[string]any) error {
	if len(tool.Parameters) == 0 {
		return nil
	}
	schema, err := compileSchema(tool)
	if err != nil {
		logging.Warn("tool schema does not compile", "tool", tool.Name, "error", err)
		return nil
	}
	// Round-trip so the validator sees plain JSON values.
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return err
	}
	if err := schema.Validate(decoded); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return errors.New(flattenValidation(ve))
		}
		return err
	}
	return nil
}

func compileSchema(tool *Tool) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(tool.Parameters)
	if err != nil {
		return nil, err
	}
	key := string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiled, err := jsonschema.CompileString(tool.Name+".schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// flattenValidation returns the most specific validation message.
func flattenValidation(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("%s: %s", loc, ve.Message)
}
