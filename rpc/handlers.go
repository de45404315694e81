package rpc

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/Willebrew/stratuscode/session"
)

func (s *Server) routes() map[string]handlerFunc {
	return map[string]handlerFunc{
		"initialize":           s.initialize,
		"send_message":         s.sendMessage,
		"get_state":            s.getState,
		"abort":                s.abort,
		"clear":                s.clear,
		"new_session":          s.newSession,
		"set_agent":            s.setAgent,
		"set_reasoning_effort": s.setReasoningEffort,
		"set_model":            s.setModel,
		"set_provider":         s.setProvider,
		"list_models":          s.listModels,
		"execute_tool":         s.executeTool,
		"list_sessions":        s.listSessions,
		"load_session":         s.loadSession,
		"rename_session":       s.renameSession,
		"delete_session":       s.deleteSession,
		"list_todos":           s.listTodos,
		"get_pending_question": s.getPendingQuestion,
		"answer_question":      s.answerQuestion,
		"skip_question":        s.skipQuestion,
		"reset_plan_exit":      s.resetPlanExit,
	}
}

func (s *Server) initialize(_ context.Context, params json.RawMessage) (any, error) {
	var p InitializeParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	s.mu.Lock()
	mgr := s.mgr
	if mgr == nil {
		var err error
		mgr, err = s.factory(p, s.Notify)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.mgr = mgr
	}
	s.mu.Unlock()

	base := mgr.Model()
	if p.Model != "" {
		mgr.SetModel(p.Model)
	}
	if p.Provider != "" {
		mgr.SetProvider(p.Provider)
	}
	sess := mgr.NewSession(p.Agent)
	state, err := mgr.State(sess.ID)
	if err != nil {
		return nil, err
	}
	s.log.Info("initialized", "project", mgr.ProjectDir(), "session", sess.ID, "agent", sess.Agent())
	return map[string]any{"state": state, "baseModel": base, "version": s.version}, nil
}

func (s *Server) sendMessage(ctx context.Context, params json.RawMessage) (any, error) {
	var p sendMessageParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Content) == "" {
		return nil, invalidParams("content is required")
	}
	return s.Manager().SendMessage(ctx, session.SendRequest{
		SessionID:     p.SessionID,
		Content:       p.Content,
		AgentOverride: p.AgentOverride,
		BuildSwitch:   p.Options.BuildSwitch,
	})
}

func (s *Server) getState(_ context.Context, params json.RawMessage) (any, error) {
	var p sessionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return s.Manager().State(p.SessionID)
}

func (s *Server) abort(_ context.Context, params json.RawMessage) (any, error) {
	var p sessionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	aborted, err := s.Manager().Abort(p.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"aborted": aborted}, nil
}

func (s *Server) clear(_ context.Context, params json.RawMessage) (any, error) {
	var p sessionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.Manager().Clear(p.SessionID); err != nil {
		return nil, err
	}
	return map[string]any{"cleared": true}, nil
}

func (s *Server) newSession(_ context.Context, params json.RawMessage) (any, error) {
	var p newSessionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	mgr := s.Manager()
	return mgr.State(mgr.NewSession(p.Agent).ID)
}

func (s *Server) setAgent(_ context.Context, params json.RawMessage) (any, error) {
	var p setAgentParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.Manager().SetAgent(p.SessionID, p.Agent); err != nil {
		return nil, err
	}
	return map[string]any{"agent": p.Agent}, nil
}

func (s *Server) setReasoningEffort(_ context.Context, params json.RawMessage) (any, error) {
	var p reasoningEffortParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.Manager().SetReasoningEffort(p.SessionID, p.ReasoningEffort); err != nil {
		return nil, err
	}
	return map[string]any{"reasoningEffort": p.ReasoningEffort}, nil
}

func (s *Server) setModel(_ context.Context, params json.RawMessage) (any, error) {
	var p setModelParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	mgr := s.Manager()
	mgr.SetModel(p.Model)
	s.publishCurrentState()
	return map[string]any{"model": mgr.Model()}, nil
}

func (s *Server) setProvider(_ context.Context, params json.RawMessage) (any, error) {
	var p setProviderParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	provider := ""
	if p.Provider != nil {
		provider = *p.Provider
	}
	s.Manager().SetProvider(provider)
	s.publishCurrentState()
	return map[string]any{"provider": p.Provider}, nil
}

func (s *Server) publishCurrentState() {
	if st, err := s.Manager().State(""); err == nil {
		s.Notify("state", st)
	}
}

func (s *Server) listModels(context.Context, json.RawMessage) (any, error) {
	return map[string]any{"entries": s.Manager().Models()}, nil
}

func (s *Server) executeTool(ctx context.Context, params json.RawMessage) (any, error) {
	var p executeToolParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, invalidParams("name is required")
	}
	content, isErr, err := s.Manager().ExecuteTool(ctx, p.SessionID, p.Name, p.Args)
	if err != nil {
		return nil, err
	}
	return map[string]any{"content": content, "isError": isErr}, nil
}

func (s *Server) listSessions(_ context.Context, params json.RawMessage) (any, error) {
	var p listSessionsParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return s.Manager().List(p.Limit), nil
}

func (s *Server) loadSession(_ context.Context, params json.RawMessage) (any, error) {
	var p sessionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, invalidParams("sessionId is required")
	}
	mgr := s.Manager()
	if _, err := mgr.Load(p.SessionID); err != nil {
		return nil, err
	}
	return mgr.State(p.SessionID)
}

func (s *Server) renameSession(_ context.Context, params json.RawMessage) (any, error) {
	var p renameParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, invalidParams("sessionId is required")
	}
	if err := s.Manager().Rename(p.SessionID, p.Title); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) deleteSession(_ context.Context, params json.RawMessage) (any, error) {
	var p sessionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, invalidParams("sessionId is required")
	}
	if err := s.Manager().Delete(p.SessionID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) listTodos(_ context.Context, params json.RawMessage) (any, error) {
	var p sessionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	mgr := s.Manager()
	sess, err := mgr.Get(p.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"list":   mgr.Todos().List(sess.ID),
		"counts": mgr.Todos().Counts(sess.ID),
	}, nil
}

func (s *Server) getPendingQuestion(_ context.Context, params json.RawMessage) (any, error) {
	var p sessionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return s.Manager().PendingQuestions(p.SessionID), nil
}

func (s *Server) answerQuestion(_ context.Context, params json.RawMessage) (any, error) {
	var p answerParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" || len(p.Answers) == 0 {
		return nil, invalidParams("id and answers are required")
	}
	return map[string]any{"resolved": s.Manager().AnswerQuestion(p.ID, p.Answers)}, nil
}

func (s *Server) skipQuestion(_ context.Context, params json.RawMessage) (any, error) {
	var p questionIDParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, invalidParams("id is required")
	}
	return map[string]any{"resolved": s.Manager().SkipQuestion(p.ID)}, nil
}

func (s *Server) resetPlanExit(_ context.Context, params json.RawMessage) (any, error) {
	var p sessionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.Manager().ResetPlanExit(p.SessionID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}
