package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Edit records one EditMessage call on the mock client.
type Edit struct {
	ChatID    int64
	MessageID int64
	Text      string
}

// Sent records one SendMessage call on the mock client.
type Sent struct {
	ChatID    int64
	MessageID int64
	Text      string
}

// MockClient is an in-process chat connection for local runs and tests.
// Inbound messages are pushed with Inject.
type MockClient struct {
	identity   Identity
	connectErr error

	mu        sync.Mutex
	connected bool
	finished  bool
	err       error
	edits     []Edit
	sent      []Sent
	nextID    int64

	msgs      chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func NewMockClient(identity Identity) *MockClient {
	return &MockClient{
		identity: identity,
		nextID:   1000,
		msgs:     make(chan Message, 64),
		done:     make(chan struct{}),
	}
}

// FailConnect makes the next Connect return err.
func (c *MockClient) FailConnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
}

func (c *MockClient) Connect(ctx context.Context) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return Identity{}, c.connectErr
	}
	if c.finished {
		return Identity{}, ErrClosed
	}
	c.connected = true
	return c.identity, nil
}

func (c *MockClient) Messages() <-chan Message { return c.msgs }

func (c *MockClient) Done() <-chan struct{} { return c.done }

func (c *MockClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Inject delivers an inbound message. It returns ErrClosed after termination.
func (c *MockClient) Inject(ctx context.Context, msg Message) error {
	c.mu.Lock()
	finished := c.finished
	c.mu.Unlock()
	if finished {
		return ErrClosed
	}
	select {
	case c.msgs <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fail terminates the connection abnormally with cause.
func (c *MockClient) Fail(cause error) {
	if cause == nil {
		cause = errors.New("mock connection dropped")
	}
	c.terminate(fmt.Errorf("%w: %v", ErrClosed, cause))
}

func (c *MockClient) EditMessage(ctx context.Context, chatID, messageID int64, text string) error {
	if err := c.usable(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.edits = append(c.edits, Edit{ChatID: chatID, MessageID: messageID, Text: text})
	return nil
}

func (c *MockClient) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	if err := c.usable(ctx); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.sent = append(c.sent, Sent{ChatID: chatID, MessageID: c.nextID, Text: text})
	return c.nextID, nil
}

func (c *MockClient) Edits() []Edit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Edit(nil), c.edits...)
}

func (c *MockClient) SentMessages() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

func (c *MockClient) Close(ctx context.Context) error {
	c.terminate(nil)
	return nil
}

func (c *MockClient) usable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.finished:
		return ErrClosed
	case !c.connected:
		return ErrNotConnected
	}
	return nil
}

func (c *MockClient) terminate(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.finished = true
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}
