package ports

import (
	"context"

	"github.com/betbot/atomicexec/internal/domain"
)

// GroupStore durably records every group keyed by id.
// Implementations must be safe for concurrent use by multiple groups (per-group keys, no global lock).
type GroupStore interface {
	// Save upserts and must be durable (fsync-equivalent) before returning.
	Save(ctx context.Context, group *domain.Group) error
	// Load returns persistence.ErrNotExists-wrapped error when absent.
	Load(ctx context.Context, id string) (*domain.Group, error)
	// LoadIncomplete returns every group not in a terminal state.
	LoadIncomplete(ctx context.Context) ([]*domain.Group, error)
	// List returns every stored group.
	List(ctx context.Context) ([]*domain.Group, error)
	Delete(ctx context.Context, id string) error
	// Ping checks that the store accepts writes (used to lift the creation halt).
	Ping(ctx context.Context) error
	Close() error
}
