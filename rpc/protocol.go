// Package rpc serves a session.Manager to the terminal client over
// line-delimited JSON-RPC 2.0 on stdio.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Willebrew/stratuscode/agentloop"
	"github.com/Willebrew/stratuscode/session"
)

// Standard JSON-RPC error codes plus the application range used for
// session errors.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
	ErrCodeApplication    = -32000
)

// Request is an incoming call or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the client expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is a successful answer to a Request.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
}

// ErrorResponse is a failed answer to a Request.
type ErrorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   *Error          `json:"error"`
}

// Notification is a server-initiated message without an id.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func invalidParams(format string, args ...any) *Error {
	return &Error{Code: ErrCodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

// toError maps a handler error onto a JSON-RPC error.
func toError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	e := &Error{Code: ErrCodeApplication, Message: err.Error()}
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		e.Data = "session_not_found"
	case errors.Is(err, session.ErrBusy):
		e.Data = "busy"
	case errors.Is(err, session.ErrInvalidAgent), errors.Is(err, session.ErrInvalidEffort):
		e.Code = ErrCodeInvalidParams
	case agentloop.IsCancellation(err):
		e.Data = "aborted"
	}
	var depthErr *agentloop.MaxDepthError
	if errors.As(err, &depthErr) {
		e.Data = "max_depth"
	}
	return e
}

// InitializeParams opens the backend for a project.
type InitializeParams struct {
	ProjectDir string `json:"projectDir"`
	Agent      string `json:"agent,omitempty"`
	Model      string `json:"model,omitempty"`
	Provider   string `json:"provider,omitempty"`
}

type sessionParams struct {
	SessionID string `json:"sessionId,omitempty"`
}

type sendMessageParams struct {
	SessionID     string `json:"sessionId,omitempty"`
	Content       string `json:"content"`
	AgentOverride string `json:"agentOverride,omitempty"`
	Options       struct {
		BuildSwitch bool `json:"buildSwitch"`
	} `json:"options"`
}

type setAgentParams struct {
	SessionID string `json:"sessionId,omitempty"`
	Agent     string `json:"agent"`
}

type reasoningEffortParams struct {
	SessionID       string `json:"sessionId,omitempty"`
	ReasoningEffort string `json:"reasoningEffort"`
}

type setModelParams struct {
	Model string `json:"model"`
}

type setProviderParams struct {
	Provider *string `json:"provider"`
}

type executeToolParams struct {
	SessionID string         `json:"sessionId,omitempty"`
	Name      string         `json:"name"`
	Args      map[string]any `json:"args"`
}

type listSessionsParams struct {
	ProjectDir       string `json:"projectDir,omitempty"`
	Limit            int    `json:"limit,omitempty"`
	CurrentSessionID string `json:"currentSessionId,omitempty"`
}

type renameParams struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title"`
}

type answerParams struct {
	ID      string   `json:"id"`
	Answers []string `json:"answers"`
}

type questionIDParams struct {
	ID string `json:"id"`
}

type newSessionParams struct {
	Agent string `json:"agent,omitempty"`
}
