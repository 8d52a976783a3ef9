package catalog

import "context"

type Repository interface {
	GetByCode(ctx context.Context, code string) (*TestDefinition, error)
	List(ctx context.Context, limit, offset int) ([]*TestDefinition, int, error)
}
