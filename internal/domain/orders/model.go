package orders

import (
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/labops"
)

// OrderStatus tracks the order shell. pending and cancelled are stored;
// in_progress and completed are derived from the order's tests on read.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderInProgress OrderStatus = "in_progress"
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
)

// Order maps to the lab_order table.
type Order struct {
	ID            uuid.UUID   `db:"id" json:"id"`
	PatientID     uuid.UUID   `db:"patient_id" json:"patient_id"`
	OrderedBy     string      `db:"ordered_by" json:"ordered_by"`
	Status        OrderStatus `db:"status" json:"status"`
	Priority      string      `db:"priority" json:"priority"`
	ClinicalNotes *string     `db:"clinical_notes" json:"clinical_notes,omitempty"`
	Version       int         `db:"version" json:"version"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at" json:"updated_at"`
}

// OrderDetail is the full read model: the order shell plus the samples and
// tests the coordinator manages for it.
type OrderDetail struct {
	Order   *Order              `json:"order"`
	Samples []*labops.Sample    `json:"samples"`
	Tests   []*labops.OrderTest `json:"tests"`
}

// deriveStatus computes the read-time status of a non-cancelled order from
// its tests: completed once every live test reached a terminal result state,
// in_progress as soon as any work started.
func deriveStatus(stored OrderStatus, tests []*labops.OrderTest) OrderStatus {
	if stored == OrderCancelled {
		return OrderCancelled
	}
	if len(tests) == 0 {
		return stored
	}
	allDone := true
	anyStarted := false
	for _, t := range tests {
		if !t.Active() {
			continue
		}
		switch t.Status {
		case labops.TestValidated, labops.TestRejected:
		case labops.TestPending:
			allDone = false
		default:
			allDone = false
			anyStarted = true
		}
	}
	if allDone {
		return OrderCompleted
	}
	if anyStarted {
		return OrderInProgress
	}
	return stored
}
