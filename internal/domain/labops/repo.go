package labops

import (
	"context"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/catalog"
)

// SampleRepository persists samples. Update applies a compare-and-set on the
// version column and returns ErrConcurrentModification when the row moved
// under the caller.
type SampleRepository interface {
	Create(ctx context.Context, s *Sample) error
	GetByID(ctx context.Context, id uuid.UUID) (*Sample, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Sample, error)
	Update(ctx context.Context, s *Sample) error
	NextAccessionSequence(ctx context.Context, year int) (int64, error)
	CountByStatus(ctx context.Context) (map[SampleStatus]int, error)
}

// OrderTestRepository persists ordered tests. GetActiveByOrderAndCode resolves
// the single live test of a retest chain; superseded and removed rows are
// skipped. Update applies the same version compare-and-set as samples.
type OrderTestRepository interface {
	Create(ctx context.Context, t *OrderTest) error
	GetByID(ctx context.Context, id uuid.UUID) (*OrderTest, error)
	GetActiveByOrderAndCode(ctx context.Context, orderID uuid.UUID, testCode string) (*OrderTest, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*OrderTest, error)
	ListBySample(ctx context.Context, sampleID uuid.UUID) ([]*OrderTest, error)
	Update(ctx context.Context, t *OrderTest) error
	ListEscalated(ctx context.Context, limit int) ([]*PendingEscalationItem, error)
	CountByStatus(ctx context.Context) (map[TestStatus]int, error)
}

// AuditRepository is append-only. There is no update or delete; corrections
// are new entries.
type AuditRepository interface {
	Append(ctx context.Context, rec *LabOperationRecord) error
	ListByEntity(ctx context.Context, entityType string, entityID uuid.UUID) ([]*LabOperationRecord, error)
}

// CatalogReader is the slice of the catalog the coordinator needs: test
// definitions for sample typing, volumes and result-parameter completeness.
type CatalogReader interface {
	GetByCode(ctx context.Context, code string) (*catalog.TestDefinition, error)
}
