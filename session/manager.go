// Package session hosts agent conversations for the JSON-RPC front end. It
// owns the session registry, the plan/build modes with the plan_exit
// approval flow, per-session todo lists and the approval store shared by the
// question and plan_exit tools.
package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Willebrew/stratuscode/agentloop"
	"github.com/Willebrew/stratuscode/config"
	"github.com/Willebrew/stratuscode/hooks"
	"github.com/Willebrew/stratuscode/logging"
	"github.com/Willebrew/stratuscode/observe"
	"github.com/Willebrew/stratuscode/unifiedllm"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrBusy            = errors.New("session is busy")
	ErrInvalidAgent    = errors.New("agent must be plan or build")
	ErrInvalidEffort   = errors.New("reasoning effort must be off, low, medium or high")
)

const maxShellTimeoutMs = 600000

// Options configures a Manager.
type Options struct {
	Config     *config.Config
	ProjectDir string
	// Agent is the mode new sessions start in. Defaults to build.
	Agent string
	// Env defaults to a LocalEnvironment rooted at ProjectDir.
	Env     agentloop.ExecutionEnvironment
	Metrics *observe.Metrics
	// NewProvider overrides adapter construction, mainly for tests.
	NewProvider agentloop.ProviderFactory
	// Notify receives client notifications. It must not block.
	Notify func(method string, params any)
	// Events, when set, also receives every loop callback of every turn.
	Events *agentloop.EventEmitter
}

// Manager owns all sessions of one backend process.
type Manager struct {
	cfg         *config.Config
	projectDir  string
	agent       string
	env         agentloop.ExecutionEnvironment
	metrics     *observe.Metrics
	newProvider agentloop.ProviderFactory
	notifyFn    func(string, any)
	events      *agentloop.EventEmitter

	hooks      *hooks.Manager
	verifier   agentloop.Verifier
	compactor  agentloop.ContextManager
	subagents  []agentloop.SubagentDefinition
	approvals  *agentloop.ApprovalStore
	todos      *TodoStore
	planTools  *agentloop.ToolRegistry
	buildTools *agentloop.ToolRegistry

	mu            sync.Mutex
	sessions      map[string]*Session
	current       string
	modelOverride string
	typeOverride  string
}

func NewManager(opts Options) *Manager {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	env := opts.Env
	if env == nil {
		env = agentloop.NewLocalEnvironment(opts.ProjectDir)
	}
	agent := opts.Agent
	if agent != agentloop.ModePlan {
		agent = agentloop.ModeBuild
	}
	m := &Manager{
		cfg:         cfg,
		projectDir:  opts.ProjectDir,
		agent:       agent,
		env:         env,
		metrics:     opts.Metrics,
		newProvider: opts.NewProvider,
		notifyFn:    opts.Notify,
		events:      opts.Events,
		hooks:       hooks.NewManager(opts.ProjectDir, cfg.Hooks),
		compactor:   agentloop.NewWindowManager(cfg.Context.ContextWindow, cfg.Context.Threshold, cfg.Context.KeepRecent),
		subagents:   subagentDefinitions(cfg.Agent.Subagents),
		approvals:   agentloop.NewApprovalStore(opts.Metrics),
		todos:       NewTodoStore(),
		sessions:    make(map[string]*Session),
	}
	if cfg.Agent.VerifyEnabled() {
		m.verifier = agentloop.NewLintVerifier()
	}
	m.planTools, m.buildTools = m.registries()
	return m
}

func subagentDefinitions(cfgs []config.SubagentConfig) []agentloop.SubagentDefinition {
	if len(cfgs) == 0 {
		return agentloop.DefaultSubagents()
	}
	defs := make([]agentloop.SubagentDefinition, 0, len(cfgs))
	for _, c := range cfgs {
		defs = append(defs, agentloop.SubagentDefinition{
			Name:         c.Name,
			Description:  c.Description,
			SystemPrompt: c.SystemPrompt,
			Tools:        c.Tools,
			MaxDepth:     c.MaxDepth,
			Temperature:  c.Temperature,
		})
	}
	return defs
}

// registries builds the plan-mode and build-mode tool sets.
func (m *Manager) registries() (plan, build *agentloop.ToolRegistry) {
	core := agentloop.NewToolRegistry()
	agentloop.RegisterCoreTools(core, m.cfg.Agent.ToolTimeoutMs, maxShellTimeoutMs)

	plan = core.Filter(agentloop.ReadOnlyTools)
	plan.Register(questionTool(m))
	plan.Register(planExitTool(m))
	plan.Register(todoWriteTool(m))
	plan.Register(todoReadTool(m))

	build = core.Clone()
	build.Register(agentloop.DelegateTool(m.subagents))
	build.Register(questionTool(m))
	build.Register(todoWriteTool(m))
	build.Register(todoReadTool(m))
	return plan, build
}

func (m *Manager) Approvals() *agentloop.ApprovalStore { return m.approvals }
func (m *Manager) Todos() *TodoStore                   { return m.todos }
func (m *Manager) ProjectDir() string                  { return m.projectDir }

func (m *Manager) notify(method string, params any) {
	if m.notifyFn != nil {
		m.notifyFn(method, params)
	}
}

// Tools returns the registry for an agent mode.
func (m *Manager) Tools(agent string) *agentloop.ToolRegistry {
	if agent == agentloop.ModePlan {
		return m.planTools
	}
	return m.buildTools
}

// NewSession creates a session and makes it current.
func (m *Manager) NewSession(agent string) *Session {
	if agent != agentloop.ModePlan && agent != agentloop.ModeBuild {
		agent = m.agent
	}
	s := newSession(uuid.NewString(), agent)
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.current = s.ID
	m.mu.Unlock()
	m.notify("session_changed", s.ID)
	return s
}

// Get returns a session by id. An empty id means the current session, which
// is created on first use.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	if id == "" {
		id = m.current
	}
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		return s, nil
	}
	if id == "" {
		return m.NewSession(m.agent), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

// Load makes an existing session current.
func (m *Manager) Load(id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		m.current = id
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	m.notify("session_changed", id)
	m.publishState(s)
	return s, nil
}

// Delete aborts and removes a session.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		if m.current == id {
			m.current = ""
		}
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	m.abort(s)
	m.todos.Delete(id)
	return nil
}

func (m *Manager) Rename(id, title string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.title = strings.TrimSpace(title)
	s.mu.Unlock()
	return nil
}

// List returns up to limit sessions, most recently updated first.
func (m *Manager) List(limit int) []Info {
	m.mu.Lock()
	current := m.current
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.info(current))
	}
	slices.SortFunc(infos, func(a, b Info) int { return cmp.Compare(b.UpdatedAt, a.UpdatedAt) })
	if limit > 0 && len(infos) > limit {
		infos = infos[:limit]
	}
	return infos
}

// SetAgent switches a session between plan and build mode.
func (m *Manager) SetAgent(id, agent string) error {
	if agent != agentloop.ModePlan && agent != agentloop.ModeBuild {
		return ErrInvalidAgent
	}
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.agent != agent {
		s.agent = agent
		s.plan = initialPlanState(agent)
	}
	s.mu.Unlock()
	m.publishState(s)
	return nil
}

// SetReasoningEffort sets a session override; "off" clears it.
func (m *Manager) SetReasoningEffort(id, effort string) error {
	switch effort {
	case "off":
		effort = ""
	case "low", "medium", "high":
	default:
		return ErrInvalidEffort
	}
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.reasoningEffort = effort
	s.mu.Unlock()
	m.publishState(s)
	return nil
}

// SetModel overrides the configured model for all sessions. Empty restores
// the configured model.
func (m *Manager) SetModel(model string) {
	m.mu.Lock()
	m.modelOverride = strings.TrimSpace(model)
	m.mu.Unlock()
}

// SetProvider overrides the adapter type. Empty restores the configured one.
func (m *Manager) SetProvider(providerType string) {
	m.mu.Lock()
	m.typeOverride = strings.TrimSpace(providerType)
	m.mu.Unlock()
}

// Model returns the model sessions currently use.
func (m *Manager) Model() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.modelOverride != "" {
		return m.modelOverride
	}
	return m.cfg.Provider.Model
}

// Clear resets a session's conversation. It fails while a turn runs.
func (m *Manager) Clear(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return ErrBusy
	}
	s.reset()
	s.mu.Unlock()
	m.todos.Delete(s.ID)
	m.publishState(s)
	return nil
}

// Abort cancels the session's running turn. It reports whether one was
// running.
func (m *Manager) Abort(id string) (bool, error) {
	s, err := m.Get(id)
	if err != nil {
		return false, err
	}
	return m.abort(s), nil
}

func (m *Manager) abort(s *Session) bool {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// ResetPlanExit rejects a pending plan proposal so the agent keeps planning.
func (m *Manager) ResetPlanExit(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if p, ok := m.approvals.Pending(s.ID); ok {
		if _, isPlan := p.Payload.(*PlanProposal); isPlan {
			m.approvals.Resolve(s.ID, "The user wants to keep planning. Refine the plan before proposing it again.")
			return nil
		}
	}
	s.mu.Lock()
	if s.plan == PlanExitPending {
		s.plan = PlanDrafting
	}
	s.mu.Unlock()
	m.notify("plan_exit_proposed", false)
	return nil
}

// PendingQuestions returns the session's open question, if any.
func (m *Manager) PendingQuestions(id string) []*PendingQuestion {
	s, err := m.Get(id)
	if err != nil {
		return []*PendingQuestion{}
	}
	if p, ok := m.approvals.Pending(s.ID); ok {
		if q, ok := p.Payload.(*PendingQuestion); ok {
			return []*PendingQuestion{q}
		}
	}
	return []*PendingQuestion{}
}

// findQuestion locates a pending question by its id.
func (m *Manager) findQuestion(questionID string) (*PendingQuestion, bool) {
	for _, key := range m.approvals.Keys() {
		p, ok := m.approvals.Pending(key)
		if !ok {
			continue
		}
		if q, ok := p.Payload.(*PendingQuestion); ok && q.ID == questionID {
			return q, true
		}
	}
	return nil, false
}

// AnswerQuestion resolves a pending question. It reports false when the
// question is unknown or already answered.
func (m *Manager) AnswerQuestion(questionID string, answers []string) bool {
	q, ok := m.findQuestion(questionID)
	if !ok {
		return false
	}
	return m.approvals.Resolve(q.SessionID, strings.Join(answers, ", "))
}

// SkipQuestion resolves a pending question without an answer.
func (m *Manager) SkipQuestion(questionID string) bool {
	q, ok := m.findQuestion(questionID)
	if !ok {
		return false
	}
	q.skipped.Store(true)
	return m.approvals.Resolve(q.SessionID, "")
}

// ModelEntry is a list_models row.
type ModelEntry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ProviderKey string `json:"providerKey"`
	Group       string `json:"group"`
	Reasoning   bool   `json:"reasoning"`
}

// Models lists the model catalog.
func (m *Manager) Models() []ModelEntry {
	models := unifiedllm.ListModels("")
	entries := make([]ModelEntry, 0, len(models))
	for _, info := range models {
		entries = append(entries, ModelEntry{
			ID:          info.ID,
			Name:        info.DisplayName,
			ProviderKey: info.Provider,
			Group:       info.Provider,
			Reasoning:   info.SupportsReasoning,
		})
	}
	return entries
}

// State snapshots a session for the client.
func (m *Manager) State(id string) (State, error) {
	s, err := m.Get(id)
	if err != nil {
		return State{}, err
	}
	return m.snapshot(s), nil
}

func (m *Manager) snapshot(s *Session) State {
	m.mu.Lock()
	modelOverride, typeOverride := m.modelOverride, m.typeOverride
	m.mu.Unlock()
	model := m.Model()
	limit := m.contextLimit(model)

	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		Messages:       append([]unifiedllm.Message{}, s.history...),
		IsLoading:      s.busy,
		Error:          strPtr(s.lastErr),
		TimelineEvents: append([]TimelineEvent{}, s.timeline...),
		SessionTokens:  &TokenUsage{Input: s.tokens.Input, Output: s.tokens.Output},
		ContextUsage:   ContextUsage{Used: s.contextUsed, Limit: limit},
		ContextStatus:  strPtr(s.contextStatus),
		Tokens: TokenUsage{
			Input:   s.lastTurn.Input,
			Output:  s.lastTurn.Output,
			Context: s.contextUsed,
			Model:   model,
		},
		SessionID:               strPtr(s.ID),
		PlanExitProposed:        s.plan == PlanExitPending,
		Agent:                   s.agent,
		ModelOverride:           strPtr(modelOverride),
		ProviderOverride:        strPtr(typeOverride),
		ReasoningEffortOverride: strPtr(s.reasoningEffort),
	}
	if limit > 0 {
		st.ContextUsage.Percent = min(100, s.contextUsed*100/limit)
	}
	return st
}

func (m *Manager) publishState(s *Session) {
	if m.notifyFn == nil {
		return
	}
	m.notify("state", m.snapshot(s))
}

func (m *Manager) contextLimit(model string) int {
	if m.cfg.Context.ContextWindow > 0 {
		return m.cfg.Context.ContextWindow
	}
	return unifiedllm.ContextWindow(model)
}

// agentConfig derives the loop configuration for one turn of s.
func (m *Manager) agentConfig(reasoningEffort string) agentloop.Config {
	c := m.cfg
	m.mu.Lock()
	model, ptype := m.modelOverride, m.typeOverride
	m.mu.Unlock()

	pc := unifiedllm.ProviderConfig{
		Type:          c.Provider.Type,
		BaseURL:       c.Provider.BaseURL,
		APIKey:        c.Provider.APIKey,
		GollmProvider: c.Provider.GollmProvider,
	}
	if model == "" {
		model = c.Provider.Model
	} else if ptype == "" {
		if info := unifiedllm.GetModelInfo(model); info != nil {
			ptype = info.Provider
		}
	}
	if ptype != "" && ptype != pc.Type {
		// A different adapter cannot reuse the configured endpoint.
		pc.Type, pc.BaseURL = ptype, ""
	}
	pc.Model = model

	if reasoningEffort == "" {
		reasoningEffort = c.Provider.ReasoningEffort
	}
	cfg := agentloop.Config{
		Model:                model,
		Provider:             pc,
		Continuation:         string(c.Provider.Continuation),
		FullReplayEndpoints:  c.Continuation.FullReplayEndpoints,
		ContinuationDenylist: c.Continuation.Denylist,
		Temperature:          c.Provider.Temperature,
		MaxTokens:            c.Provider.MaxTokens,
		ReasoningEffort:      reasoningEffort,
		MaxDepth:             c.Agent.MaxDepth,
		MaxSubagentDepth:     c.Agent.MaxSubagentDepth,
		MaxParallelTools:     c.Agent.MaxParallelTools,
		ToolOutputLimit:      c.Agent.ToolOutputLimit,
		ToolTimeoutMs:        c.Agent.ToolTimeoutMs,
		LoopWindow:           c.Agent.LoopWindow,
		Subagents:            m.subagents,
		Verifier:             m.verifier,
		Metrics:              m.metrics,
		NewProvider:          m.newProvider,
	}
	if m.hooks.Len() > 0 {
		cfg.BeforeTool = m.hooks.BeforeTool
		cfg.AfterTool = m.hooks.AfterTool
	}
	return cfg
}

// SendRequest is one user message.
type SendRequest struct {
	SessionID     string
	Content       string
	AgentOverride string
	// BuildSwitch marks the message as the user's plan approval.
	BuildSwitch bool
}

// Reply is the outcome of SendMessage. Resolved is set when the message
// answered a pending question or plan proposal instead of starting a turn.
type Reply struct {
	SessionID    string `json:"sessionId"`
	Content      string `json:"content"`
	Reasoning    string `json:"reasoning,omitempty"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
	Agent        string `json:"agent"`
	Resolved     bool   `json:"resolved,omitempty"`
}

// SendMessage runs one agent invocation for a user message and blocks until
// it finishes. While a turn is suspended on an approval, a message resolves
// that approval instead.
func (m *Manager) SendMessage(ctx context.Context, req SendRequest) (*Reply, error) {
	s, err := m.Get(req.SessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		if _, ok := m.approvals.Pending(s.ID); ok && m.approvals.Resolve(s.ID, req.Content) {
			return &Reply{SessionID: s.ID, Resolved: true, Agent: s.Agent()}, nil
		}
		return nil, ErrBusy
	}
	if req.AgentOverride == agentloop.ModePlan || req.AgentOverride == agentloop.ModeBuild {
		s.agent = req.AgentOverride
	}
	if req.BuildSwitch && s.plan != PlanApproved {
		s.plan, s.agent, s.reminder = PlanApproved, agentloop.ModeBuild, true
	}
	content := s.takeReminder(req.Content)
	if s.firstMessage == "" {
		s.firstMessage = req.Content
		s.title = titleFrom(req.Content)
	}
	s.history = append(s.history, unifiedllm.UserMessage(content))
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.busy, s.cancel, s.lastErr = true, cancel, ""
	s.updatedAt = time.Now()

	agent := s.agent
	cfg := m.agentConfig(s.reasoningEffort)
	prompt := agentloop.BuildSystemPrompt(m.env, agentloop.PromptOptions{Mode: agent, Model: cfg.Model})
	prevSummary := s.summary
	rec := newRecorder(m, s)
	ac := &agentloop.AgentContext{
		SessionID:      s.ID,
		ProjectRoot:    m.projectDir,
		SystemPrompt:   agentloop.WithSummary(prompt, s.summary),
		Messages:       append([]unifiedllm.Message(nil), s.history...),
		ContinuationID: s.continuationID,
		Summary:        s.summary,
		Tools:          m.Tools(agent),
		Env:            m.env,
		Approvals:      m.approvals,
		Changes:        s.changes,
		Config:         cfg,
		Callbacks:      rec.callbacks(),
		Context:        m.compactor,
	}
	if m.events != nil {
		ac.Callbacks = agentloop.Tee(ac.Callbacks, m.events.Callbacks())
	}
	if s.continuationID != "" {
		ac.Outgoing = []unifiedllm.Message{s.history[len(s.history)-1]}
	}
	s.mu.Unlock()

	rec.user(req.Content)
	m.publishState(s)
	log := logging.With("session", s.ID, "agent", agent, "model", cfg.Model)
	log.Info("turn started")

	res, err := agentloop.RunTurn(turnCtx, ac, 0, agentloop.TokenTotals{})
	rec.settle()

	s.mu.Lock()
	s.busy, s.cancel = false, nil
	s.updatedAt = time.Now()
	if err != nil {
		if agentloop.IsCancellation(err) {
			s.lastErr = "Aborted"
		} else {
			s.lastErr = err.Error()
		}
		// Replay the full history next time; the provider never saw a
		// completed response for this message.
		s.continuationID = ""
		s.mu.Unlock()
		log.Warn("turn failed", "error", err)
		m.publishState(s)
		return nil, err
	}
	s.history = res.History
	s.continuationID = res.ContinuationID
	s.summary = res.Summary
	s.lastTurn = agentloop.TokenTotals{Input: res.InputTokens, Output: res.OutputTokens}
	s.tokens = s.tokens.Add(res.InputTokens, res.OutputTokens)
	s.contextUsed = contextUsed(res.History)
	if res.Summary != prevSummary {
		s.contextStatus = "Context compacted: older messages were summarised"
	}
	reply := &Reply{
		SessionID:    s.ID,
		Content:      res.Text,
		Reasoning:    res.Reasoning,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		Agent:        s.agent,
	}
	status, tokens := s.contextStatus, TokenUsage{Input: s.tokens.Input, Output: s.tokens.Output}
	s.mu.Unlock()

	log.Info("turn finished", "input_tokens", res.InputTokens, "output_tokens", res.OutputTokens, "depth", res.Depth)
	st := m.snapshot(s)
	m.notify("tokens_update", map[string]any{
		"tokens":        st.Tokens,
		"sessionTokens": tokens,
		"contextUsage":  st.ContextUsage,
	})
	if status != "" && res.Summary != prevSummary {
		m.notify("context_status", status)
	}
	m.publishState(s)
	return reply, nil
}

// contextUsed is the prompt size the provider last reported.
func contextUsed(history []unifiedllm.Message) int {
	for i := len(history) - 1; i >= 0; i-- {
		if u := history[i].Usage; u != nil && u.InputTokens > 0 {
			return u.InputTokens
		}
	}
	return 0
}

// ExecuteTool runs one tool call outside the model loop, through the same
// dispatcher path as model calls, and records it on the session timeline.
// The session's mode tools are tried first, then the build tools, so a user
// can revert edits while planning.
func (m *Manager) ExecuteTool(ctx context.Context, sessionID, name string, args map[string]any) (string, bool, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return "", false, err
	}
	raw := []byte(jsonString(args))
	if args == nil {
		raw = []byte("{}")
	}
	s.mu.Lock()
	tools := m.Tools(s.agent)
	if tools.Get(name) == nil {
		tools = m.buildTools
	}
	cfg := m.agentConfig(s.reasoningEffort)
	rec := newRecorder(m, s)
	ac := &agentloop.AgentContext{
		SessionID:   s.ID,
		ProjectRoot: m.projectDir,
		Tools:       tools,
		Env:         m.env,
		Approvals:   m.approvals,
		Changes:     s.changes,
		Config:      cfg,
		Callbacks:   rec.callbacks(),
	}
	s.mu.Unlock()

	call := unifiedllm.ToolCall{ID: "manual-" + uuid.NewString()[:8], Name: name, Arguments: raw}
	msgs := agentloop.NewDispatcher().Dispatch(ctx, ac, []unifiedllm.ToolCall{call})
	res := msgs[0].ToolResult()
	if res == nil {
		return "", false, fmt.Errorf("tool %s returned no result", name)
	}
	return res.Content, res.IsError, nil
}
