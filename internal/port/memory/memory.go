// Package memory defines the vector memory port used to enrich
// classification context with prior conversation turns.
package memory

import (
	"context"
	"time"
)

// Record is one stored conversation turn.
type Record struct {
	SessionID string            `json:"session_id"`
	Agent     string            `json:"agent"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Store is the port interface for vector memory. A failing store degrades
// gracefully: context is omitted rather than failing the query.
type Store interface {
	// Put persists a record for the session.
	Put(ctx context.Context, rec Record) error

	// Query returns up to topK records most relevant to text for the session,
	// most relevant first.
	Query(ctx context.Context, sessionID, text string, topK int) ([]Record, error)
}
