// Package store defines the persistence boundary of the pipeline:
// surrogate identity, entity state, attachment refcounts and crawl
// checkpoints.
package store

import (
	"context"
	"errors"

	"github.com/campusarchive/crawler/internal/portal"
)

// ErrNotFound is returned by reads that miss.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface the pipeline writes through.
// CommitBatch is the only mutation of entity state and must apply the
// batch and the checkpoint atomically; implementations serialize commits.
type Store interface {
	// GetOrCreateID maps a natural key to its surrogate id, allocating
	// one atomically on first observation. The bool reports creation.
	GetOrCreateID(ctx context.Context, kind portal.EntityKind, key portal.NaturalKey) (portal.SurrogateID, bool, error)

	// FindID looks a natural key up without allocating.
	FindID(ctx context.Context, kind portal.EntityKind, key portal.NaturalKey) (portal.SurrogateID, bool, error)

	// GetEntity reads the committed state of an entity.
	GetEntity(ctx context.Context, id portal.SurrogateID) (portal.ReconciledEntity, bool, error)

	// SearchByName finds entities of a kind whose name field contains
	// the query, case-insensitively.
	SearchByName(ctx context.Context, kind portal.EntityKind, query string, limit int) ([]portal.ReconciledEntity, error)

	// CommitBatch upserts a batch of reconciled entities and the pass
	// checkpoint in one transaction.
	CommitBatch(ctx context.Context, entities []portal.ReconciledEntity, checkpoint portal.Checkpoint) error

	// LoadCheckpoint reads the last committed checkpoint of a pass.
	LoadCheckpoint(ctx context.Context, passID string) (portal.Checkpoint, bool, error)

	// AdjustBlobRef moves a blob's refcount by delta, creating the row
	// on first reference, and returns the new count.
	AdjustBlobRef(ctx context.Context, hash string, size int64, delta int64) (int64, error)

	// Close releases the underlying resources.
	Close()
}
