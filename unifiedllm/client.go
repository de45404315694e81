package unifiedllm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Willebrew/stratuscode/logging"
)

// StreamMiddleware wraps a streaming provider call.
type StreamMiddleware func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error)

// Client routes requests to registered adapters, applies middleware and
// retries failed stream opens.
type Client struct {
	mu              sync.RWMutex
	providers       map[string]ProviderAdapter
	defaultProvider string
	streamMW        []StreamMiddleware
	retry           *RetryPolicy
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers a provider adapter.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) {
		c.providers[name] = adapter
	}
}

// WithDefaultProvider sets the provider used when a request names none.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithStreamMiddleware adds stream middleware. The first registered runs
// outermost.
func WithStreamMiddleware(mw ...StreamMiddleware) ClientOption {
	return func(c *Client) {
		c.streamMW = append(c.streamMW, mw...)
	}
}

// WithRetry retries retryable errors returned while opening a stream. Errors
// that arrive as stream events are never retried.
func WithRetry(p RetryPolicy) ClientOption {
	return func(c *Client) {
		c.retry = &p
	}
}

// NewClient creates a Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{providers: make(map[string]ProviderAdapter)}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// NewClientFromConfig builds a client around a single adapter with logging
// middleware and the default retry policy.
func NewClientFromConfig(cfg ProviderConfig) (*Client, error) {
	adapter, err := NewAdapter(cfg)
	if err != nil {
		return nil, err
	}
	return NewClient(
		WithProvider(adapter.Name(), adapter),
		WithStreamMiddleware(LoggingMiddleware()),
		WithRetry(DefaultRetryPolicy()),
	), nil
}

// Name returns the default provider name.
func (c *Client) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultProvider
}

// RegisterProvider adds a provider adapter to the client.
func (c *Client) RegisterProvider(name string, adapter ProviderAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[name] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

func (c *Client) resolveProvider(req Request) (ProviderAdapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: "no provider specified and no default provider configured",
		}}
	}
	adapter, ok := c.providers[name]
	if !ok {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("provider %q is not registered", name),
		}}
	}
	return adapter, nil
}

// Stream sends req through the middleware chain to the resolved provider.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	adapter, err := c.resolveProvider(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}

	handler := adapter.Stream
	if c.retry != nil {
		policy := *c.retry
		open := handler
		handler = func(ctx context.Context, r Request) (<-chan StreamEvent, error) {
			return Retry(ctx, policy, func(ctx context.Context) (<-chan StreamEvent, error) {
				return open(ctx, r)
			})
		}
	}
	for i := len(c.streamMW) - 1; i >= 0; i-- {
		mw := c.streamMW[i]
		next := handler
		handler = func(ctx context.Context, r Request) (<-chan StreamEvent, error) {
			return mw(ctx, r, next)
		}
	}
	return handler(ctx, req)
}

// Close releases resources held by all registered providers.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	for _, adapter := range c.providers {
		if closer, ok := adapter.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// LoggingMiddleware logs each request and the terminal event of its stream.
func LoggingMiddleware() StreamMiddleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error) {
		start := time.Now()
		log := logging.With("provider", req.Provider, "model", req.Model)
		log.Debug("llm request", "messages", len(req.Messages), "tools", len(req.ToolDefs), "continuation", req.ContinuationID != "")

		in, err := next(ctx, req)
		if err != nil {
			log.Warn("llm request failed", "error", err)
			return nil, err
		}
		out := make(chan StreamEvent, 64)
		go func() {
			defer close(out)
			for ev := range in {
				switch ev.Type {
				case StreamFinish:
					attrs := []any{"elapsed", time.Since(start)}
					if ev.Usage != nil {
						attrs = append(attrs, "input_tokens", ev.Usage.InputTokens, "output_tokens", ev.Usage.OutputTokens)
					}
					log.Debug("llm stream finished", attrs...)
				case StreamError:
					log.Warn("llm stream error", "error", ev.Error, "elapsed", time.Since(start))
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	}
}
