package labops

import (
	"time"

	"github.com/google/uuid"
)

// SampleStatus is the lifecycle state of a physical specimen.
type SampleStatus string

const (
	SamplePending     SampleStatus = "pending"
	SampleCollected   SampleStatus = "collected"
	SampleReceived    SampleStatus = "received"
	SampleAccessioned SampleStatus = "accessioned"
	SampleInProgress  SampleStatus = "in-progress"
	SampleCompleted   SampleStatus = "completed"
	SampleStored      SampleStatus = "stored"
	SampleDisposed    SampleStatus = "disposed"
	SampleRejected    SampleStatus = "rejected"
)

// TestStatus is the lifecycle state of one ordered test's result.
type TestStatus string

const (
	TestPending         TestStatus = "pending"
	TestSampleCollected TestStatus = "sample-collected"
	TestInProgress      TestStatus = "in-progress"
	TestCompleted       TestStatus = "completed"
	TestValidated       TestStatus = "validated"
	TestRejected        TestStatus = "rejected"
	TestEscalated       TestStatus = "escalated"
	TestSuperseded      TestStatus = "superseded"
	TestRemoved         TestStatus = "removed"
)

// Priority levels for samples and orders.
const (
	PriorityRoutine = "routine"
	PriorityUrgent  = "urgent"
	PriorityStat    = "stat"
)

// VolumeFlagUnderVolume marks a collection below the catalog's required
// volume. Under-volume collection is allowed; the flag defers the
// accept-or-reject call to a deliberate reviewer decision.
const VolumeFlagUnderVolume = "under-volume"

// RejectionAction is the closed set of ways a rejected result can proceed.
type RejectionAction string

const (
	ActionRetestSameSample   RejectionAction = "retest_same_sample"
	ActionRecollectNewSample RejectionAction = "recollect_new_sample"
	ActionEscalate           RejectionAction = "escalate"
)

func (a RejectionAction) Valid() bool {
	switch a {
	case ActionRetestSameSample, ActionRecollectNewSample, ActionEscalate:
		return true
	}
	return false
}

// EscalationResolution is a supervisor's decision on an escalated test.
type EscalationResolution string

const (
	ResolutionAuthorizeRetest EscalationResolution = "authorize_retest"
	ResolutionFinalReject     EscalationResolution = "final_reject"
)

// SampleRejection is one entry in a sample's rejection history.
type SampleRejection struct {
	Reasons   []string  `json:"reasons"`
	Notes     string    `json:"notes,omitempty"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
}

// ResultRejection is one entry in a test's result-rejection history.
type ResultRejection struct {
	Reason    string          `json:"reason"`
	Action    RejectionAction `json:"action"`
	Actor     string          `json:"actor"`
	Timestamp time.Time       `json:"timestamp"`
}

// Sample maps to the sample table. A rejected sample is terminal: collection
// continues only through a new Sample linked via OriginalSampleID /
// RecollectionSampleID, never by reactivating this row.
type Sample struct {
	ID                   uuid.UUID         `db:"id" json:"id"`
	OrderID              uuid.UUID         `db:"order_id" json:"order_id"`
	SampleType           string            `db:"sample_type" json:"sample_type"`
	Status               SampleStatus      `db:"status" json:"status"`
	Priority             string            `db:"priority" json:"priority"`
	RequiredVolumeML     float64           `db:"required_volume_ml" json:"required_volume_ml"`
	CollectedVolumeML    *float64          `db:"collected_volume_ml" json:"collected_volume_ml,omitempty"`
	VolumeFlag           *string           `db:"volume_flag" json:"volume_flag,omitempty"`
	AccessionNumber      *string           `db:"accession_number" json:"accession_number,omitempty"`
	CollectedBy          *string           `db:"collected_by" json:"collected_by,omitempty"`
	CollectedAt          *time.Time        `db:"collected_at" json:"collected_at,omitempty"`
	CollectionNotes      *string           `db:"collection_notes" json:"collection_notes,omitempty"`
	RejectionHistory     []SampleRejection `db:"rejection_history" json:"rejection_history"`
	OriginalSampleID     *uuid.UUID        `db:"original_sample_id" json:"original_sample_id,omitempty"`
	RecollectionSampleID *uuid.UUID        `db:"recollection_sample_id" json:"recollection_sample_id,omitempty"`
	RecollectionAttempt  int               `db:"recollection_attempt" json:"recollection_attempt"`
	Version              int               `db:"version" json:"version"`
	CreatedAt            time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time         `db:"updated_at" json:"updated_at"`
}

// Terminal reports whether no further collection activity is possible.
func (s *Sample) Terminal() bool {
	return s.Status == SampleRejected || s.Status == SampleDisposed
}

// OrderTest maps to the order_test table: one ordered test's result-bearing
// lifecycle, linked to exactly one sample. A superseded test is immutable;
// its replacement is a new row linked via RetestOfTestID / RetestOrderTestID.
type OrderTest struct {
	ID                uuid.UUID         `db:"id" json:"id"`
	OrderID           uuid.UUID         `db:"order_id" json:"order_id"`
	SampleID          uuid.UUID         `db:"sample_id" json:"sample_id"`
	TestCode          string            `db:"test_code" json:"test_code"`
	Status            TestStatus        `db:"status" json:"status"`
	Results           map[string]string `db:"results" json:"results,omitempty"`
	EntryNotes        *string           `db:"entry_notes" json:"entry_notes,omitempty"`
	EnteredBy         *string           `db:"entered_by" json:"entered_by,omitempty"`
	EnteredAt         *time.Time        `db:"entered_at" json:"entered_at,omitempty"`
	ValidatedBy       *string           `db:"validated_by" json:"validated_by,omitempty"`
	ValidatedAt       *time.Time        `db:"validated_at" json:"validated_at,omitempty"`
	RetestOfTestID    *uuid.UUID        `db:"retest_of_test_id" json:"retest_of_test_id,omitempty"`
	RetestOrderTestID *uuid.UUID        `db:"retest_order_test_id" json:"retest_order_test_id,omitempty"`
	RetestNumber      int               `db:"retest_number" json:"retest_number"`
	RejectionHistory  []ResultRejection `db:"rejection_history" json:"rejection_history"`
	Version           int               `db:"version" json:"version"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// Active reports whether the test still carries its chain's live lifecycle.
// Superseded and removed tests persist for history but are excluded from
// active-test lookups.
func (t *OrderTest) Active() bool {
	return t.Status != TestSuperseded && t.Status != TestRemoved
}

// OperationType enumerates every state-mutating coordinator operation.
type OperationType string

const (
	OpSampleCreate       OperationType = "sample.create"
	OpSampleCollect      OperationType = "sample.collect"
	OpSampleReceive      OperationType = "sample.receive"
	OpSampleAccession    OperationType = "sample.accession"
	OpSampleProcess      OperationType = "sample.process"
	OpSampleComplete     OperationType = "sample.complete"
	OpSampleStore        OperationType = "sample.store"
	OpSampleDispose      OperationType = "sample.dispose"
	OpSampleReject       OperationType = "sample.reject"
	OpSampleRecollect    OperationType = "sample.recollect"
	OpTestCreate         OperationType = "test.create"
	OpTestEnterResults   OperationType = "test.enter_results"
	OpTestValidate       OperationType = "test.validate"
	OpTestRejectRetest   OperationType = "test.reject.retest"
	OpTestRejectRecollec OperationType = "test.reject.recollect"
	OpTestEscalate       OperationType = "test.escalate"
	OpTestResolve        OperationType = "test.resolve_escalation"
	OpTestRemove         OperationType = "test.remove"
)

// Audit entity types.
const (
	EntitySample    = "sample"
	EntityOrderTest = "order_test"
)

// LabOperationRecord is one append-only audit row. Entries are immutable once
// written; every coordinator mutation produces one per entity touched.
type LabOperationRecord struct {
	ID         uuid.UUID         `db:"id" json:"id"`
	Operation  OperationType     `db:"operation" json:"operation"`
	EntityType string            `db:"entity_type" json:"entity_type"`
	EntityID   uuid.UUID         `db:"entity_id" json:"entity_id"`
	Actor      string            `db:"actor" json:"actor"`
	Before     []byte            `db:"before_state" json:"before_state,omitempty"`
	After      []byte            `db:"after_state" json:"after_state,omitempty"`
	Metadata   map[string]string `db:"metadata" json:"metadata,omitempty"`
	CreatedAt  time.Time         `db:"created_at" json:"created_at"`
}

// PendingEscalationItem is a derived, read-only view row for the escalation
// queue: a test whose retry budget ran out and now awaits a supervisor.
type PendingEscalationItem struct {
	OrderID             uuid.UUID `json:"order_id"`
	TestID              uuid.UUID `json:"test_id"`
	TestCode            string    `json:"test_code"`
	TestName            string    `json:"test_name"`
	PatientName         string    `json:"patient_name"`
	SampleID            uuid.UUID `json:"sample_id"`
	RetestNumber        int       `json:"retest_number"`
	RecollectionAttempt int       `json:"recollection_attempt"`
	LastActionAt        time.Time `json:"last_action_at"`
}

// Dashboard is the command-center summary of current lab load.
type Dashboard struct {
	SamplesByStatus    map[SampleStatus]int `json:"samples_by_status"`
	TestsByStatus      map[TestStatus]int   `json:"tests_by_status"`
	PendingEscalations int                  `json:"pending_escalations"`
}
