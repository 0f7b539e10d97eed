package session

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a session does not exist in the store.
var ErrNotFound = errors.New("session not found")

// Store is the durable persistence interface for session records. The
// Manager treats it as the source of truth whenever a session is not
// cache-resident. Save must be idempotent: re-saving an existing session
// updates its steps, outputs and approvals in place.
type Store interface {
	Save(ctx context.Context, s *Session) error
	Load(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	ListRecent(ctx context.Context, limit int) ([]*Session, error)
	Close() error
}
