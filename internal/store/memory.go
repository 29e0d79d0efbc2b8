package store

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/luciancaetano/kephasgate/internal/errors"
)

// Memory keeps users and audit entries in process memory.
type Memory struct {
	mu       sync.RWMutex
	users    map[uuid.UUID]*User
	byEmail  map[string]uuid.UUID
	requests []*RequestEntry
	limit    int
}

// NewMemory creates a memory store keeping at most requestLimit audit entries
// (oldest dropped first). A non-positive limit keeps 1024.
func NewMemory(requestLimit int) *Memory {
	if requestLimit <= 0 {
		requestLimit = 1024
	}
	return &Memory{
		users:   make(map[uuid.UUID]*User),
		byEmail: make(map[string]uuid.UUID),
		limit:   requestLimit,
	}
}

// GetByEmail returns the user with email, or ErrKeyNotFound.
func (m *Memory) GetByEmail(_ context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, errors.Wrap(errors.ErrKeyNotFound, "Memory", "GetByEmail", "lookup")
	}
	u := *m.users[id]
	return &u, nil
}

// GetByID returns the user with id, or ErrKeyNotFound.
func (m *Memory) GetByID(_ context.Context, id uuid.UUID) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, errors.Wrap(errors.ErrKeyNotFound, "Memory", "GetByID", "lookup")
	}
	cp := *u
	return &cp, nil
}

// Create stores user. Emails are unique, case-insensitively.
func (m *Memory) Create(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := strings.ToLower(user.Email)
	if _, exists := m.byEmail[email]; exists {
		return errors.Wrap(errors.ErrConflict, "Memory", "Create", "unique email")
	}
	cp := *user
	m.users[user.ID] = &cp
	m.byEmail[email] = user.ID
	return nil
}

// RecordRequest appends entry to the audit ring.
func (m *Memory) RecordRequest(_ context.Context, entry *RequestEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, entry)
	if over := len(m.requests) - m.limit; over > 0 {
		m.requests = append(m.requests[:0:0], m.requests[over:]...)
	}
	return nil
}

// Requests returns a copy of the recorded audit entries, oldest first.
func (m *Memory) Requests() []*RequestEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*RequestEntry, len(m.requests))
	copy(out, m.requests)
	return out
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}
