package offline

import "context"

// Store persists the queue. Implementations must return List results ordered
// by Seq and assign Seq monotonically in Append.
type Store interface {
	Append(ctx context.Context, op Operation) (Operation, error)
	List(ctx context.Context, status Status) ([]Operation, error)
	Get(ctx context.Context, id string) (Operation, error)
	Update(ctx context.Context, op Operation) error
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context, status Status) (int, error)
	Close() error
}
