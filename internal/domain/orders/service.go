package orders

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/identity"
	"github.com/lims/lims/internal/domain/labops"
)

// LabCoordinator is the slice of the lab operations coordinator that order
// placement and cancellation need.
type LabCoordinator interface {
	InitializeOrder(ctx context.Context, orderID uuid.UUID, testCodes []string, priority, actor string) ([]*labops.Sample, []*labops.OrderTest, error)
	RemoveOrderTests(ctx context.Context, orderID uuid.UUID, reason, actor string) error
	ListOrderSamples(ctx context.Context, orderID uuid.UUID) ([]*labops.Sample, error)
	ListOrderTests(ctx context.Context, orderID uuid.UUID) ([]*labops.OrderTest, error)
}

// PatientReader resolves the ordering patient.
type PatientReader interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*identity.Patient, error)
}

type Service struct {
	repo     Repository
	lab      LabCoordinator
	patients PatientReader
	tx       labops.TxRunner
}

func NewService(repo Repository, lab LabCoordinator, patients PatientReader, tx labops.TxRunner) *Service {
	return &Service{repo: repo, lab: lab, patients: patients, tx: tx}
}

// PlaceOrderInput is the order placement request.
type PlaceOrderInput struct {
	PatientID     uuid.UUID `json:"patient_id"`
	TestCodes     []string  `json:"test_codes"`
	Priority      string    `json:"priority"`
	ClinicalNotes string    `json:"clinical_notes"`
}

// PlaceOrder creates the order shell and hands the coordinator the test
// codes; order row, samples, tests and their audit entries land in one
// transaction.
func (s *Service) PlaceOrder(ctx context.Context, in PlaceOrderInput, actor string) (*OrderDetail, error) {
	if actor == "" {
		return nil, fmt.Errorf("actor is required")
	}
	if len(in.TestCodes) == 0 {
		return nil, fmt.Errorf("at least one test code is required")
	}
	if _, err := s.patients.GetPatient(ctx, in.PatientID); err != nil {
		return nil, fmt.Errorf("resolve patient: %w", err)
	}
	priority := in.Priority
	if priority == "" {
		priority = labops.PriorityRoutine
	}
	switch priority {
	case labops.PriorityRoutine, labops.PriorityUrgent, labops.PriorityStat:
	default:
		return nil, fmt.Errorf("unknown priority %q", priority)
	}

	order := &Order{
		PatientID: in.PatientID,
		OrderedBy: actor,
		Status:    OrderPending,
		Priority:  priority,
	}
	if in.ClinicalNotes != "" {
		order.ClinicalNotes = &in.ClinicalNotes
	}

	var detail *OrderDetail
	err := s.tx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, order); err != nil {
			return err
		}
		samples, tests, err := s.lab.InitializeOrder(ctx, order.ID, in.TestCodes, priority, actor)
		if err != nil {
			return err
		}
		detail = &OrderDetail{Order: order, Samples: samples, Tests: tests}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return detail, nil
}

// GetOrder returns the order with its samples and tests. The status in the
// response reflects test progress even though only pending and cancelled are
// stored.
func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*OrderDetail, error) {
	order, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	samples, err := s.lab.ListOrderSamples(ctx, id)
	if err != nil {
		return nil, err
	}
	tests, err := s.lab.ListOrderTests(ctx, id)
	if err != nil {
		return nil, err
	}
	order.Status = deriveStatus(order.Status, tests)
	return &OrderDetail{Order: order, Samples: samples, Tests: tests}, nil
}

func (s *Service) ListOrders(ctx context.Context, patientID *uuid.UUID, limit, offset int) ([]*Order, int, error) {
	return s.repo.List(ctx, patientID, limit, offset)
}

// CancelOrder cancels an order while no test has progressed beyond
// sample-collected. The coordinator removes the tests; both changes commit
// together or not at all.
func (s *Service) CancelOrder(ctx context.Context, id uuid.UUID, reason, actor string) (*Order, error) {
	if actor == "" {
		return nil, fmt.Errorf("actor is required")
	}

	var order *Order
	err := s.tx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if order.Status == OrderCancelled {
			return fmt.Errorf("order %s is already cancelled", id)
		}
		if err := s.lab.RemoveOrderTests(ctx, id, reason, actor); err != nil {
			return err
		}
		order.Status = OrderCancelled
		return s.repo.Update(ctx, order)
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}
