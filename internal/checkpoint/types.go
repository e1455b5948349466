package checkpoint

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no snapshot exists for a session.
var ErrNotFound = errors.New("checkpoint not found")

// Snapshot is one persisted step of a session.
type Snapshot struct {
	// ID uniquely identifies this snapshot.
	ID string `json:"id"`

	// SessionID groups snapshots of the same run.
	SessionID string `json:"session_id"`

	// Node is the graph node that just completed.
	Node string `json:"node"`

	// Turn is the supervisor turn counter at save time.
	Turn int `json:"turn"`

	// Done is true once the session reached its exit node.
	Done bool `json:"done"`

	// Data is the serialized session state.
	Data []byte `json:"data"`

	CreatedAt time.Time `json:"created_at"`
}

// SessionInfo summarizes the latest snapshot of a session.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	Node      string    `json:"node"`
	Turn      int       `json:"turn"`
	Done      bool      `json:"done"`
	Steps     int       `json:"steps"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists snapshots.
type Store interface {
	// Save appends a snapshot.
	Save(ctx context.Context, snap Snapshot) error

	// Load returns the latest snapshot for a session, or ErrNotFound.
	Load(ctx context.Context, sessionID string) (Snapshot, error)

	// History returns every snapshot for a session in save order.
	History(ctx context.Context, sessionID string) ([]Snapshot, error)

	// List returns the most recently updated sessions, newest first.
	List(ctx context.Context, limit int) ([]SessionInfo, error)

	// Delete removes all snapshots for a session.
	Delete(ctx context.Context, sessionID string) error

	// Close releases resources.
	Close() error
}
