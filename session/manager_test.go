package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Willebrew/stratuscode/agentloop"
	"github.com/Willebrew/stratuscode/config"
	"github.com/Willebrew/stratuscode/unifiedllm"
)

type scriptedAdapter struct {
	mu       sync.Mutex
	turns    [][]unifiedllm.StreamEvent
	requests []unifiedllm.Request
}

func (a *scriptedAdapter) Name() string { return "scripted" }

func (a *scriptedAdapter) Stream(_ context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	i := len(a.requests) - 1
	a.mu.Unlock()
	if i >= len(a.turns) {
		return nil, errors.New("script exhausted")
	}
	ch := make(chan unifiedllm.StreamEvent, len(a.turns[i]))
	for _, ev := range a.turns[i] {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (a *scriptedAdapter) request(i int) unifiedllm.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests[i]
}

// blockingAdapter holds every stream open until ctx is cancelled.
type blockingAdapter struct{ started chan struct{} }

func (a *blockingAdapter) Name() string { return "blocking" }

func (a *blockingAdapter) Stream(ctx context.Context, _ unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error) {
	ch := make(chan unifiedllm.StreamEvent, 1)
	go func() {
		close(a.started)
		<-ctx.Done()
		ch <- unifiedllm.StreamEvent{Type: unifiedllm.StreamError, Error: ctx.Err()}
		close(ch)
	}()
	return ch, nil
}

func textTurn(text string) []unifiedllm.StreamEvent {
	return []unifiedllm.StreamEvent{
		{Type: unifiedllm.TextDelta, Delta: text},
		{Type: unifiedllm.StreamFinish, Usage: &unifiedllm.Usage{InputTokens: 20, OutputTokens: 4}},
	}
}

func toolTurn(id, name, args string) []unifiedllm.StreamEvent {
	return []unifiedllm.StreamEvent{
		{Type: unifiedllm.ToolCallStart, ToolCall: &unifiedllm.ToolCall{ID: id, Name: name}},
		{Type: unifiedllm.ToolCallDelta, ToolCall: &unifiedllm.ToolCall{ID: id}, Delta: args},
		{Type: unifiedllm.ToolCallEnd, ToolCall: &unifiedllm.ToolCall{ID: id, Name: name}},
		{Type: unifiedllm.StreamFinish, Usage: &unifiedllm.Usage{InputTokens: 10, OutputTokens: 5}},
	}
}

type notifications struct {
	mu      sync.Mutex
	methods []string
}

func (n *notifications) record(method string, _ any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.methods = append(n.methods, method)
}

func (n *notifications) has(method string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.methods {
		if m == method {
			return true
		}
	}
	return false
}

func newTestManager(t *testing.T, adapter unifiedllm.ProviderAdapter, agent string, notify func(string, any)) *Manager {
	t.Helper()
	cfg := config.Default()
	cfg.Provider.Type = unifiedllm.ProviderChat
	cfg.Provider.Model = "test-model"
	verify := false
	cfg.Agent.Verify = &verify
	return NewManager(Options{
		Config:     cfg,
		ProjectDir: t.TempDir(),
		Agent:      agent,
		NewProvider: func(unifiedllm.ProviderConfig) (unifiedllm.ProviderAdapter, error) {
			return adapter, nil
		},
		Notify: notify,
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func toolResultContent(msgs []unifiedllm.Message, callID string) string {
	for _, m := range msgs {
		if r := m.ToolResult(); r != nil && r.ToolCallID == callID {
			return r.Content
		}
	}
	return ""
}

func countReminders(msgs []unifiedllm.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role == unifiedllm.RoleUser {
			n += strings.Count(m.TextContent(), "<system-reminder>")
		}
	}
	return n
}

func TestPlanExitWithoutTodosReturnsImmediately(t *testing.T) {
	m := newTestManager(t, &scriptedAdapter{}, agentloop.ModePlan, nil)
	s := m.NewSession(agentloop.ModePlan)

	content, isErr, err := m.ExecuteTool(context.Background(), s.ID, PlanExitToolName, map[string]any{})
	if err != nil || isErr {
		t.Fatalf("ExecuteTool: %v %v %s", err, isErr, content)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		t.Fatalf("content %q: %v", content, err)
	}
	if out["approved"] != false || out["error"] != noPlanMessage {
		t.Errorf("out = %v", out)
	}
	if m.Approvals().Len() != 0 {
		t.Error("no pending entry should be created")
	}
	if s.PlanState() != PlanDrafting {
		t.Errorf("state = %s", s.PlanState())
	}
}

func TestExecuteToolRevertUndoesWrite(t *testing.T) {
	var mu sync.Mutex
	var results []TimelineEvent
	notify := func(method string, params any) {
		if ev, ok := params.(TimelineEvent); ok && method == "timeline_event" && ev.Kind == "tool_result" {
			mu.Lock()
			results = append(results, ev)
			mu.Unlock()
		}
	}
	m := newTestManager(t, &scriptedAdapter{}, agentloop.ModeBuild, notify)
	s := m.NewSession(agentloop.ModeBuild)
	ctx := context.Background()

	if _, isErr, err := m.ExecuteTool(ctx, s.ID, agentloop.WriteToolName, map[string]any{"file_path": "notes.txt", "content": "draft"}); err != nil || isErr {
		t.Fatalf("write: %v %v", err, isErr)
	}
	content, isErr, err := m.ExecuteTool(ctx, s.ID, agentloop.RevertToolName, map[string]any{})
	if err != nil || isErr || !strings.HasPrefix(content, "Deleted") {
		t.Fatalf("revert: %v %v %q", err, isErr, content)
	}
	if _, err := os.Stat(filepath.Join(m.ProjectDir(), "notes.txt")); !os.IsNotExist(err) {
		t.Errorf("notes.txt survived revert: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 2 || results[1].ToolName != agentloop.RevertToolName || results[1].Status != "completed" {
		t.Errorf("timeline results = %+v", results)
	}
}

func TestExecuteToolFallsBackToBuildTools(t *testing.T) {
	m := newTestManager(t, &scriptedAdapter{}, agentloop.ModePlan, nil)
	s := m.NewSession(agentloop.ModePlan)
	if m.Tools(agentloop.ModePlan).Get(agentloop.RevertToolName) != nil {
		t.Fatal("plan mode should not offer revert to the model")
	}
	content, isErr, err := m.ExecuteTool(context.Background(), s.ID, agentloop.RevertToolName, map[string]any{})
	if err != nil || isErr || content != "Nothing to revert." {
		t.Errorf("revert in plan mode = %q %v %v", content, isErr, err)
	}
}

func TestPlanApprovalSwitchesToBuildWithOneShotReminder(t *testing.T) {
	adapter := &scriptedAdapter{turns: [][]unifiedllm.StreamEvent{
		toolTurn("p1", PlanExitToolName, `{"summary":"refactor"}`),
		textTurn("plan accepted"),
		textTurn("building"),
		textTurn("still building"),
	}}
	m := newTestManager(t, adapter, agentloop.ModePlan, nil)
	s := m.NewSession(agentloop.ModePlan)
	if _, err := m.Todos().Replace(s.ID, []Todo{{Content: "split the parser", Status: TodoPending}}); err != nil {
		t.Fatal(err)
	}

	type outcome struct {
		reply *Reply
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := m.SendMessage(context.Background(), SendRequest{Content: "plan a refactor"})
		done <- outcome{r, err}
	}()

	waitFor(t, "plan proposal", func() bool { _, ok := m.Approvals().Pending(s.ID); return ok })
	if s.PlanState() != PlanExitPending {
		t.Fatalf("state = %s, want EXIT_PENDING", s.PlanState())
	}
	st, _ := m.State(s.ID)
	if !st.PlanExitProposed {
		t.Error("state should report the proposal")
	}

	r, err := m.SendMessage(context.Background(), SendRequest{Content: "I approve, start building"})
	if err != nil || !r.Resolved {
		t.Fatalf("resolve: %+v %v", r, err)
	}
	first := <-done
	if first.err != nil {
		t.Fatal(first.err)
	}
	if s.PlanState() != PlanApproved || s.Agent() != agentloop.ModeBuild {
		t.Errorf("after approval: state %s agent %s", s.PlanState(), s.Agent())
	}
	if got := toolResultContent(adapter.request(1).Messages, "p1"); !strings.Contains(got, `"approved":true`) {
		t.Errorf("plan_exit result = %q", got)
	}

	if _, err := m.SendMessage(context.Background(), SendRequest{Content: "go"}); err != nil {
		t.Fatal(err)
	}
	req := adapter.request(2)
	last := req.Messages[len(req.Messages)-1]
	if last.Role != unifiedllm.RoleUser || strings.Count(last.TextContent(), "<system-reminder>") != 1 {
		t.Errorf("reminder missing from next message: %q", last.TextContent())
	}
	hasWrite := false
	for _, d := range req.ToolDefs {
		hasWrite = hasWrite || d.Name == "write"
	}
	if !hasWrite {
		t.Error("build tools not offered after approval")
	}

	if _, err := m.SendMessage(context.Background(), SendRequest{Content: "continue"}); err != nil {
		t.Fatal(err)
	}
	req = adapter.request(3)
	last = req.Messages[len(req.Messages)-1]
	if strings.Contains(last.TextContent(), "<system-reminder>") {
		t.Error("reminder repeated")
	}
	if n := countReminders(req.Messages); n != 1 {
		t.Errorf("%d reminders in history, want 1", n)
	}
}

func TestPlanRejectionReturnsFeedback(t *testing.T) {
	adapter := &scriptedAdapter{turns: [][]unifiedllm.StreamEvent{
		toolTurn("p1", PlanExitToolName, `{}`),
		textTurn("revising"),
	}}
	m := newTestManager(t, adapter, agentloop.ModePlan, nil)
	s := m.NewSession(agentloop.ModePlan)
	if _, err := m.Todos().Replace(s.ID, []Todo{{Content: "x", Status: TodoPending}}); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.SendMessage(context.Background(), SendRequest{Content: "plan"})
		done <- err
	}()
	waitFor(t, "plan proposal", func() bool { _, ok := m.Approvals().Pending(s.ID); return ok })
	if !m.Approvals().Resolve(s.ID, "split step 2 in two") {
		t.Fatal("resolve failed")
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if s.PlanState() != PlanDrafting || s.Agent() != agentloop.ModePlan {
		t.Errorf("state %s agent %s", s.PlanState(), s.Agent())
	}
	got := toolResultContent(adapter.request(1).Messages, "p1")
	if !strings.Contains(got, `"approved":false`) || !strings.Contains(got, "split step 2 in two") {
		t.Errorf("result = %q", got)
	}
}

func TestResetPlanExitRejectsPendingProposal(t *testing.T) {
	adapter := &scriptedAdapter{turns: [][]unifiedllm.StreamEvent{
		toolTurn("p1", PlanExitToolName, `{}`),
		textTurn("ok"),
	}}
	m := newTestManager(t, adapter, agentloop.ModePlan, nil)
	s := m.NewSession(agentloop.ModePlan)
	if _, err := m.Todos().Replace(s.ID, []Todo{{Content: "x"}}); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := m.SendMessage(context.Background(), SendRequest{Content: "plan"})
		done <- err
	}()
	waitFor(t, "plan proposal", func() bool { _, ok := m.Approvals().Pending(s.ID); return ok })
	if err := m.ResetPlanExit(s.ID); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if s.PlanState() != PlanDrafting {
		t.Errorf("state = %s", s.PlanState())
	}
}

func TestQuestionAnswerAndSkip(t *testing.T) {
	args := `{"questions":[{"question":"Which database?","options":[{"label":"postgres"},{"label":"sqlite"}]}]}`
	adapter := &scriptedAdapter{turns: [][]unifiedllm.StreamEvent{
		toolTurn("q1", QuestionToolName, args),
		toolTurn("q2", QuestionToolName, args),
		textTurn("done"),
	}}
	n := &notifications{}
	m := newTestManager(t, adapter, agentloop.ModeBuild, n.record)
	s := m.NewSession(agentloop.ModeBuild)

	done := make(chan error, 1)
	go func() {
		_, err := m.SendMessage(context.Background(), SendRequest{Content: "set up storage"})
		done <- err
	}()

	waitFor(t, "first question", func() bool { return len(m.PendingQuestions(s.ID)) == 1 })
	q := m.PendingQuestions(s.ID)[0]
	if q.SessionID != s.ID || q.Questions[0].Question != "Which database?" || len(q.Questions[0].Options) != 2 {
		t.Errorf("question = %+v", q)
	}
	if !m.AnswerQuestion(q.ID, []string{"postgres"}) {
		t.Fatal("answer failed")
	}
	if m.AnswerQuestion(q.ID, []string{"sqlite"}) {
		t.Error("second answer should report failure")
	}

	waitFor(t, "second question", func() bool {
		qs := m.PendingQuestions(s.ID)
		return len(qs) == 1 && qs[0].ID != q.ID
	})
	if !m.SkipQuestion(m.PendingQuestions(s.ID)[0].ID) {
		t.Fatal("skip failed")
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	msgs := adapter.request(2).Messages
	if got := toolResultContent(msgs, "q1"); got != "User answered: postgres" {
		t.Errorf("q1 = %q", got)
	}
	if got := toolResultContent(msgs, "q2"); !strings.Contains(got, "skipped") {
		t.Errorf("q2 = %q", got)
	}
	if !n.has("question_asked") {
		t.Error("question_asked not notified")
	}
}

func TestSendMessageBusyAndAbort(t *testing.T) {
	adapter := &blockingAdapter{started: make(chan struct{})}
	m := newTestManager(t, adapter, agentloop.ModeBuild, nil)
	s := m.NewSession(agentloop.ModeBuild)

	done := make(chan error, 1)
	go func() {
		_, err := m.SendMessage(context.Background(), SendRequest{Content: "long task"})
		done <- err
	}()
	<-adapter.started

	if _, err := m.SendMessage(context.Background(), SendRequest{Content: "again"}); !errors.Is(err, ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}
	if err := m.Clear(s.ID); !errors.Is(err, ErrBusy) {
		t.Errorf("Clear err = %v, want ErrBusy", err)
	}
	aborted, err := m.Abort(s.ID)
	if err != nil || !aborted {
		t.Fatalf("Abort = %v %v", aborted, err)
	}
	if err := <-done; !agentloop.IsCancellation(err) {
		t.Errorf("err = %v, want cancellation", err)
	}
	st, _ := m.State(s.ID)
	if st.IsLoading || st.Error == nil || *st.Error != "Aborted" {
		t.Errorf("state after abort: loading=%v error=%v", st.IsLoading, st.Error)
	}
	if aborted, _ := m.Abort(s.ID); aborted {
		t.Error("nothing should be running")
	}
}

func TestSendMessageRecordsHistoryAndNotifies(t *testing.T) {
	adapter := &scriptedAdapter{turns: [][]unifiedllm.StreamEvent{textTurn("hello back")}}
	n := &notifications{}
	m := newTestManager(t, adapter, "", n.record)

	r, err := m.SendMessage(context.Background(), SendRequest{Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Content != "hello back" || r.InputTokens != 20 || r.Agent != agentloop.ModeBuild {
		t.Errorf("reply = %+v", r)
	}
	st, err := m.State("")
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Messages) != 2 || st.Tokens.Context != 20 || st.SessionTokens.Output != 4 {
		t.Errorf("state = %+v", st)
	}
	var kinds []string
	for _, ev := range st.TimelineEvents {
		kinds = append(kinds, ev.Kind)
		if ev.Streaming {
			t.Errorf("event %s still streaming", ev.ID)
		}
	}
	if strings.Join(kinds, ",") != "user,assistant" {
		t.Errorf("timeline kinds = %v", kinds)
	}
	for _, method := range []string{"session_changed", "timeline_event", "tokens_update", "state"} {
		if !n.has(method) {
			t.Errorf("missing %s notification", method)
		}
	}
	infos := m.List(10)
	if len(infos) != 1 || infos[0].Title != "hello" || !infos[0].Current || infos[0].MessageCount != 2 {
		t.Errorf("List = %+v", infos)
	}
}

func TestSessionRegistry(t *testing.T) {
	m := newTestManager(t, &scriptedAdapter{}, "", nil)
	a := m.NewSession("")
	b := m.NewSession(agentloop.ModePlan)

	if b.Agent() != agentloop.ModePlan || a.Agent() != agentloop.ModeBuild {
		t.Errorf("agents = %s, %s", a.Agent(), b.Agent())
	}
	if _, err := m.Load(a.ID); err != nil {
		t.Fatal(err)
	}
	if cur, _ := m.Get(""); cur != a {
		t.Error("Load did not switch the current session")
	}
	if err := m.Rename(b.ID, "  parser work "); err != nil {
		t.Fatal(err)
	}
	if err := m.SetAgent(b.ID, "review"); !errors.Is(err, ErrInvalidAgent) {
		t.Errorf("SetAgent err = %v", err)
	}
	if err := m.SetReasoningEffort(b.ID, "extreme"); !errors.Is(err, ErrInvalidEffort) {
		t.Errorf("SetReasoningEffort err = %v", err)
	}
	if err := m.SetReasoningEffort(b.ID, "high"); err != nil {
		t.Fatal(err)
	}
	if st, _ := m.State(b.ID); st.ReasoningEffortOverride == nil || *st.ReasoningEffortOverride != "high" {
		t.Errorf("effort override = %v", st.ReasoningEffortOverride)
	}
	if err := m.Delete(b.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(b.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get deleted = %v", err)
	}
	if err := m.Delete(b.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Delete twice = %v", err)
	}
}

func TestModelOverridePicksCatalogProvider(t *testing.T) {
	m := newTestManager(t, &scriptedAdapter{}, "", nil)
	m.SetModel("claude-sonnet-4-5")
	cfg := m.agentConfig("")
	if cfg.Model != "claude-sonnet-4-5" || cfg.Provider.Type != unifiedllm.ProviderAnthropic {
		t.Errorf("config = %s / %s", cfg.Model, cfg.Provider.Type)
	}
	m.SetProvider(unifiedllm.ProviderChat)
	if cfg := m.agentConfig(""); cfg.Provider.Type != unifiedllm.ProviderChat {
		t.Errorf("provider override ignored: %s", cfg.Provider.Type)
	}
	m.SetModel("")
	m.SetProvider("")
	if cfg := m.agentConfig("low"); cfg.Model != "test-model" || cfg.ReasoningEffort != "low" {
		t.Errorf("reset config = %s / %s", cfg.Model, cfg.ReasoningEffort)
	}
}

func TestAgentConfigCarriesLoopWindow(t *testing.T) {
	m := newTestManager(t, &scriptedAdapter{}, "", nil)
	if cfg := m.agentConfig(""); cfg.LoopWindow != agentloop.DefaultLoopWindow {
		t.Errorf("default LoopWindow = %d", cfg.LoopWindow)
	}
	m.cfg.Agent.LoopWindow = 4
	if cfg := m.agentConfig(""); cfg.LoopWindow != 4 {
		t.Errorf("LoopWindow = %d, want 4", cfg.LoopWindow)
	}
}

func TestToolSetsPerMode(t *testing.T) {
	m := newTestManager(t, &scriptedAdapter{}, "", nil)
	plan := m.Tools(agentloop.ModePlan)
	for _, name := range []string{agentloop.ReadToolName, agentloop.GrepToolName, agentloop.CodeSearchToolName, QuestionToolName, PlanExitToolName, TodoWriteToolName, TodoReadToolName} {
		if plan.Get(name) == nil {
			t.Errorf("plan mode lacks %s", name)
		}
	}
	for _, name := range []string{agentloop.WriteToolName, agentloop.EditToolName, agentloop.BashToolName, agentloop.RevertToolName, agentloop.DelegateToolName} {
		if plan.Get(name) != nil {
			t.Errorf("plan mode exposes %s", name)
		}
	}
	build := m.Tools(agentloop.ModeBuild)
	for _, name := range []string{agentloop.WriteToolName, agentloop.BashToolName, agentloop.RevertToolName, agentloop.DelegateToolName, QuestionToolName, TodoWriteToolName} {
		if build.Get(name) == nil {
			t.Errorf("build mode lacks %s", name)
		}
	}
	if build.Get(PlanExitToolName) != nil {
		t.Error("build mode exposes plan_exit")
	}
}
