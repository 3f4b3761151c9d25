// Package store defines the durable State Store (C1): the interface the
// step engine and coordinator use to load and persist Session state,
// bounded step history, and denormalized Metadata, plus the Redis-backed
// implementation of it.
package store

import (
	"context"
	"errors"

	"github.com/stepwise/agentrun/session"
)

// ErrNotFound is returned by Load/GetMetadata when no state exists for the
// given session id.
var ErrNotFound = errors.New("store: session not found")

// Store is the State Store (C1). Implementations
// need not be transactional across methods, but SaveStepResult must commit
// its state/steps/meta writes atomically relative to each other.
type Store interface {
	// SaveState replaces the `state:{id}` record wholesale, refreshes the
	// TTL on all three keys, and denormalizes status, total_cost,
	// total_steps, and last_active_at into meta.
	SaveState(ctx context.Context, s *session.Session) error

	// LoadState returns the current Session for id, or ErrNotFound.
	LoadState(ctx context.Context, id string) (*session.Session, error)

	// SaveStepResult atomically saves the session state, appends result to
	// the bounded step history, and updates the denormalized metadata.
	SaveStepResult(ctx context.Context, s *session.Session, result session.StepResult) error

	// CreateMetadata initializes the `meta:{id}` record for a new session.
	CreateMetadata(ctx context.Context, m *session.Metadata) error

	// GetMetadata returns the denormalized Metadata for id, or ErrNotFound.
	GetMetadata(ctx context.Context, id string) (*session.Metadata, error)

	// ListActive returns the ids of sessions whose status is not terminal,
	// optionally filtered to a single userID (empty string means all users).
	ListActive(ctx context.Context, userID string) ([]string, error)

	// GetHistory returns up to count StepResult entries for id, newest
	// first.
	GetHistory(ctx context.Context, id string, count int) ([]session.StepResult, error)

	// DeleteSession removes all keys associated with id.
	DeleteSession(ctx context.Context, id string) error

	// CleanupExpired removes sessions whose metadata TTL has lapsed. It is
	// intended to be invoked periodically by a background sweep rather than
	// per-request; implementations that rely entirely on native key TTLs
	// may treat this as a no-op reconciliation pass.
	CleanupExpired(ctx context.Context) (int, error)
}
