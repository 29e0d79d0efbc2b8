// Package store defines the data store collaborators used by handlers and the
// dispatch kernel, with in-memory and PostgreSQL implementations.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// User is a registered account.
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash []byte    `json:"-"`
	Type         string    `json:"type"`
	CreatedAt    time.Time `json:"created_at"`
}

// RequestEntry is an audit record of one dispatched request.
type RequestEntry struct {
	ID           uuid.UUID
	Method       string
	Path         string
	Status       int
	ClientAddr   string
	UserID       *uuid.UUID
	RequestBody  string
	ResponseBody string
	Duration     time.Duration
	CreatedAt    time.Time
}

// Users looks up and creates accounts.
type Users interface {
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	Create(ctx context.Context, user *User) error
}

// Recorder persists request audit entries.
type Recorder interface {
	RecordRequest(ctx context.Context, entry *RequestEntry) error
}

// Store groups every collaborator.
type Store interface {
	Users
	Recorder
	Close() error
}
