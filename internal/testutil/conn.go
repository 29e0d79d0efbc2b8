// Package testutil provides in-memory doubles shared by package tests.
package testutil

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/google/uuid"

	"github.com/luciancaetano/kephasgate"
)

// MockConn is an in-memory kephasgate.Conn that records every payload sent
// to it.
type MockConn struct {
	id   string
	mode kephasgate.Mode

	mu       sync.Mutex
	closed   bool
	messages [][]byte

	// SendErr, when set, is returned by Send.
	SendErr error
}

// NewMockConn creates a live connection with a random id.
func NewMockConn(mode kephasgate.Mode) *MockConn {
	return &MockConn{id: uuid.NewString(), mode: mode}
}

// ID implements kephasgate.Conn.
func (c *MockConn) ID() string { return c.id }

// RemoteAddr implements kephasgate.Conn.
func (c *MockConn) RemoteAddr() string { return "127.0.0.1:0" }

// Mode implements kephasgate.Conn.
func (c *MockConn) Mode() kephasgate.Mode { return c.mode }

// Send implements kephasgate.Conn.
func (c *MockConn) Send(_ context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return stderrors.New(kephasgate.ErrConnectionClosed)
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.messages = append(c.messages, append([]byte(nil), payload...))
	return nil
}

// IsAlive implements kephasgate.Conn.
func (c *MockConn) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close marks the connection as dead.
func (c *MockConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// Messages returns a copy of every payload received so far.
func (c *MockConn) Messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([][]byte, len(c.messages))
	copy(out, c.messages)
	return out
}
