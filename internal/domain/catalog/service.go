package catalog

import (
	"context"
	"fmt"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) GetTest(ctx context.Context, code string) (*TestDefinition, error) {
	if code == "" {
		return nil, fmt.Errorf("test code is required")
	}
	return s.repo.GetByCode(ctx, code)
}

func (s *Service) ListTests(ctx context.Context, limit, offset int) ([]*TestDefinition, int, error) {
	return s.repo.List(ctx, limit, offset)
}
