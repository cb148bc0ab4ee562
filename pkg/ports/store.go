package ports

import (
	"context"

	"github.com/aretw0/tendril/pkg/domain"
)

// SnapshotStore persists the last known field table of a session.
// This lets a node that rejoins a session start from its previous values.
type SnapshotStore interface {
	// Save persists the snapshot for a given session ID.
	Save(ctx context.Context, sessionID string, snap *domain.Snapshot) error

	// Load retrieves the snapshot for a given session ID.
	// Returns domain.ErrSnapshotNotFound if none was saved.
	Load(ctx context.Context, sessionID string) (*domain.Snapshot, error)

	// Delete removes the snapshot for a given session ID.
	Delete(ctx context.Context, sessionID string) error

	// List returns the IDs of every stored snapshot.
	List(ctx context.Context) ([]string, error)
}
