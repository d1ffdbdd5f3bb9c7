// Package store provides durable TaskStore backends for the scheduler's
// queue snapshot. All job mutations funnel through a Store; workers never
// touch the persisted state directly.
package store

import (
	"context"

	"github.com/vidforge/renderqueue/internal/queue"
)

// Mutation is applied to a job under the store's lock. The store persists
// the result before Update returns; if the mutation returns an error the
// job is left untouched.
type Mutation func(job *queue.Job) error

// Store is the single source of truth for job records. Implementations must
// persist every mutation before returning, so an external observer reading
// the backing storage never sees an in-memory-only state.
type Store interface {
	// Append adds a new job in pending state. Returns queue.ErrDuplicateID
	// when the id is already present.
	Append(ctx context.Context, job *queue.Job) error

	// Update applies a mutation to the job with the given id and persists
	// the result. Returns queue.ErrJobNotFound for unknown ids; mutation
	// errors (including queue.ErrInvalidTransition) abort the update.
	Update(ctx context.Context, id string, fn Mutation) error

	// Get returns a copy of one job record.
	Get(ctx context.Context, id string) (*queue.Job, error)

	// List returns copies of all job records in insertion (FIFO) order.
	List(ctx context.Context) ([]*queue.Job, error)

	// ClearTerminal removes archived jobs that need no further scheduling
	// and reports how many were removed.
	ClearTerminal(ctx context.Context) (int, error)

	// Close releases the backing storage.
	Close() error
}
