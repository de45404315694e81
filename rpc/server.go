package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Willebrew/stratuscode/logging"
	"github.com/Willebrew/stratuscode/session"
)

const maxLineBytes = 16 * 1024 * 1024

// ManagerFactory builds the session manager when the client initializes.
// notify must be passed to the manager so its events reach the client.
type ManagerFactory func(p InitializeParams, notify func(method string, params any)) (*session.Manager, error)

type handlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Server dispatches requests to handlers. Each request runs in its own
// goroutine so a send_message suspended on the approval gate does not block
// the answer_question call that releases it.
type Server struct {
	factory ManagerFactory
	version string
	log     *slog.Logger

	handlers map[string]handlerFunc

	mu  sync.RWMutex
	mgr *session.Manager

	wmu sync.Mutex
	enc *json.Encoder
}

func NewServer(factory ManagerFactory, version string) *Server {
	s := &Server{
		factory: factory,
		version: version,
		log:     logging.With("component", "rpc"),
	}
	s.handlers = s.routes()
	return s
}

// Manager returns the manager created by initialize, or nil.
func (s *Server) Manager() *session.Manager {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mgr
}

// Serve reads requests from r and writes responses and notifications to w
// until r is exhausted or ctx is cancelled. In-flight requests are cancelled
// and awaited before Serve returns.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.wmu.Lock()
	s.enc = json.NewEncoder(w)
	s.wmu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			cancel()
			if err != nil {
				return fmt.Errorf("read requests: %w", err)
			}
			return nil
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.handleLine(ctx, line)
			}()
		}
	}
}

func (s *Server) handleLine(ctx context.Context, line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.write(ErrorResponse{JSONRPC: "2.0", ID: json.RawMessage("null"), Error: &Error{Code: ErrCodeParseError, Message: "parse error: " + err.Error()}})
		return
	}
	if req.Method == "" {
		if !req.IsNotification() {
			s.write(ErrorResponse{JSONRPC: "2.0", ID: req.ID, Error: &Error{Code: ErrCodeInvalidRequest, Message: "method is required"}})
		}
		return
	}

	start := time.Now()
	result, err := s.call(ctx, req.Method, req.Params)
	if err != nil {
		s.log.Warn("request failed", "method", req.Method, "error", err, "duration", time.Since(start))
	} else {
		s.log.Debug("request handled", "method", req.Method, "duration", time.Since(start))
	}
	if req.IsNotification() {
		return
	}
	if err != nil {
		s.write(ErrorResponse{JSONRPC: "2.0", ID: req.ID, Error: toError(err)})
		return
	}
	if result == nil {
		result = struct{}{}
	}
	s.write(Response{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (s *Server) call(ctx context.Context, method string, params json.RawMessage) (result any, err error) {
	h, ok := s.handlers[method]
	if !ok {
		return nil, &Error{Code: ErrCodeMethodNotFound, Message: "method not found: " + method}
	}
	if method != "initialize" && s.Manager() == nil {
		return nil, &Error{Code: ErrCodeApplication, Message: "backend not initialized"}
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panic", "method", method, "panic", r)
			err = &Error{Code: ErrCodeInternalError, Message: fmt.Sprintf("internal error: %v", r)}
		}
	}()
	return h(ctx, params)
}

// Notify sends a notification to the client. It is dropped before Serve
// starts.
func (s *Server) Notify(method string, params any) {
	s.write(Notification{JSONRPC: "2.0", Method: method, Params: params})
}

func (s *Server) write(msg any) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.enc == nil {
		return
	}
	if err := s.enc.Encode(msg); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		s.log.Error("write message", "error", err)
	}
}

// decode unmarshals params into dst; empty params leave dst untouched.
func decode(params json.RawMessage, dst any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return invalidParams("invalid params: %v", err)
	}
	return nil
}
