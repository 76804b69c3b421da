package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/basket/go-gateway/internal/memory"
	"github.com/basket/go-gateway/internal/runner"
)

// RunnerFactory builds a fresh child runner client.
type RunnerFactory func() *runner.Client

// ExtractClient adapts a disposable child runner to the memory package's
// session-client capability. The child starts lazily on the first session
// and stops when that session is aborted.
type ExtractClient struct {
	factory RunnerFactory

	mu    sync.Mutex
	child *runner.Client
}

func NewExtractClient(factory RunnerFactory) *ExtractClient {
	return &ExtractClient{factory: factory}
}

func (c *ExtractClient) CreateSession(ctx context.Context, title string) (string, error) {
	c.mu.Lock()
	if c.child == nil {
		c.child = c.factory()
		if _, err := c.child.Start(ctx); err != nil {
			c.child = nil
			c.mu.Unlock()
			return "", fmt.Errorf("app: extract child start: %w", err)
		}
	}
	child := c.child
	c.mu.Unlock()
	return child.CreateSession(ctx, title)
}

func (c *ExtractClient) PromptAsync(ctx context.Context, sessionID, model, text string) error {
	child := c.current()
	if child == nil {
		return fmt.Errorf("app: extract child not started")
	}
	return child.PromptAsync(ctx, sessionID, model, text)
}

func (c *ExtractClient) ListMessages(ctx context.Context, sessionID string) ([]memory.SessionMessage, error) {
	child := c.current()
	if child == nil {
		return nil, fmt.Errorf("app: extract child not started")
	}
	messages, err := child.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]memory.SessionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, memory.SessionMessage{Role: m.Role, Text: m.Text})
	}
	return out, nil
}

// AbortSession ends the session and retires the child; the next extraction
// starts a fresh one.
func (c *ExtractClient) AbortSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	child := c.child
	c.child = nil
	c.mu.Unlock()
	if child == nil {
		return nil
	}
	err := child.AbortSession(ctx, sessionID)
	child.Stop()
	return err
}

func (c *ExtractClient) current() *runner.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.child
}
