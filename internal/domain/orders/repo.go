package orders

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists order shells. Update applies a version compare-and-set.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	List(ctx context.Context, patientID *uuid.UUID, limit, offset int) ([]*Order, int, error)
	Update(ctx context.Context, o *Order) error
}
