// Package sessions persists agent conversation sessions: message history,
// todo lists, and pending-clarification state.
package sessions

import (
	"context"

	"github.com/kestrelai/runtime/pkg/models"
)

// Store is the interface for session persistence.
type Store interface {
	// Create persists a new session, assigning ID/CreatedAt if unset.
	Create(ctx context.Context, session *models.Session) error

	// Get loads a session by id.
	Get(ctx context.Context, id string) (*models.Session, error)

	// Update persists changes to an existing session (todo list,
	// pending-question state).
	Update(ctx context.Context, session *models.Session) error

	// Delete removes a session and its message history.
	Delete(ctx context.Context, id string) error

	// List returns sessions, most recently created first.
	List(ctx context.Context, opts ListOptions) ([]*models.Session, error)

	// AppendMessage appends a message to a session's history.
	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error

	// GetHistory returns up to limit most recent messages (0 = unlimited).
	GetHistory(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
}

// ListOptions configures session listing.
type ListOptions struct {
	Limit  int
	Offset int
}
