package labops

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TxRunner executes fn atomically. Production wiring binds db.WithTx to the
// connection pool; tests pass a pass-through.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// Service is the lab operations coordinator. Every mutation runs inside one
// transaction together with its audit entries: either the whole multi-entity
// transition lands, or none of it does.
type Service struct {
	samples    SampleRepository
	tests      OrderTestRepository
	audit      AuditRepository
	catalog    CatalogReader
	policy     Policy
	tx         TxRunner
	queueLimit int
}

func NewService(samples SampleRepository, tests OrderTestRepository, audit AuditRepository,
	catalog CatalogReader, policy Policy, tx TxRunner, queueLimit int) *Service {
	if queueLimit <= 0 {
		queueLimit = 100
	}
	return &Service{
		samples:    samples,
		tests:      tests,
		audit:      audit,
		catalog:    catalog,
		policy:     policy,
		tx:         tx,
		queueLimit: queueLimit,
	}
}

func (s *Service) record(ctx context.Context, op OperationType, entityType string,
	entityID uuid.UUID, actor string, before, after interface{}, meta map[string]string) error {
	rec := &LabOperationRecord{
		Operation:  op,
		EntityType: entityType,
		EntityID:   entityID,
		Actor:      actor,
		Metadata:   meta,
	}
	if before != nil {
		b, err := json.Marshal(before)
		if err != nil {
			return fmt.Errorf("%w: marshal before state: %v", ErrAuditWriteFailure, err)
		}
		rec.Before = b
	}
	if after != nil {
		b, err := json.Marshal(after)
		if err != nil {
			return fmt.Errorf("%w: marshal after state: %v", ErrAuditWriteFailure, err)
		}
		rec.After = b
	}
	if err := s.audit.Append(ctx, rec); err != nil {
		return fmt.Errorf("%w: %v", ErrAuditWriteFailure, err)
	}
	return nil
}

func requireActor(actor string) error {
	if actor == "" {
		return fmt.Errorf("actor is required")
	}
	return nil
}

// InitializeOrder creates the samples and tests backing a newly placed order.
// Tests sharing a sample type share one physical sample; its required volume
// is the sum of the individual test volumes.
func (s *Service) InitializeOrder(ctx context.Context, orderID uuid.UUID, testCodes []string,
	priority, actor string) ([]*Sample, []*OrderTest, error) {
	if err := requireActor(actor); err != nil {
		return nil, nil, err
	}
	if len(testCodes) == 0 {
		return nil, nil, fmt.Errorf("at least one test code is required")
	}
	if priority == "" {
		priority = PriorityRoutine
	}

	var samples []*Sample
	var tests []*OrderTest
	err := s.tx(ctx, func(ctx context.Context) error {
		byType := make(map[string]*Sample)
		typeOf := make(map[string]string)
		for _, code := range testCodes {
			def, err := s.catalog.GetByCode(ctx, code)
			if err != nil {
				return fmt.Errorf("resolve test %s: %w", code, err)
			}
			typeOf[code] = def.SampleType
			sample, ok := byType[def.SampleType]
			if !ok {
				sample = &Sample{
					OrderID:          orderID,
					SampleType:       def.SampleType,
					Status:           SamplePending,
					Priority:         priority,
					RejectionHistory: []SampleRejection{},
				}
				byType[def.SampleType] = sample
				samples = append(samples, sample)
			}
			sample.RequiredVolumeML += def.RequiredVolumeML
			tests = append(tests, &OrderTest{
				OrderID:          orderID,
				TestCode:         code,
				Status:           TestPending,
				Results:          map[string]string{},
				RejectionHistory: []ResultRejection{},
			})
		}

		for _, sample := range samples {
			if err := s.samples.Create(ctx, sample); err != nil {
				return err
			}
			if err := s.record(ctx, OpSampleCreate, EntitySample, sample.ID, actor, nil, sample, nil); err != nil {
				return err
			}
		}
		for _, test := range tests {
			test.SampleID = byType[typeOf[test.TestCode]].ID
			if err := s.tests.Create(ctx, test); err != nil {
				return err
			}
			if err := s.record(ctx, OpTestCreate, EntityOrderTest, test.ID, actor, nil, test, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return samples, tests, nil
}

// CollectInput carries the collection details recorded at the bedside.
type CollectInput struct {
	VolumeML float64 `json:"volume_ml"`
	Notes    string  `json:"notes"`
}

// CollectSample marks a pending sample collected and advances every pending
// test on it to sample-collected, all in one transaction. Collecting less
// than the required volume is allowed but flagged for review.
func (s *Service) CollectSample(ctx context.Context, sampleID uuid.UUID, in CollectInput, actor string) (*Sample, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if in.VolumeML <= 0 {
		return nil, fmt.Errorf("volume_ml must be positive")
	}

	var sample *Sample
	err := s.tx(ctx, func(ctx context.Context) error {
		var err error
		sample, err = s.samples.GetByID(ctx, sampleID)
		if err != nil {
			return err
		}
		before := *sample
		if err := sample.transition(SampleCollected); err != nil {
			return err
		}
		now := time.Now()
		sample.CollectedVolumeML = &in.VolumeML
		sample.CollectedBy = &actor
		sample.CollectedAt = &now
		if in.Notes != "" {
			sample.CollectionNotes = &in.Notes
		}
		if in.VolumeML < sample.RequiredVolumeML {
			flag := VolumeFlagUnderVolume
			sample.VolumeFlag = &flag
		}
		if err := s.samples.Update(ctx, sample); err != nil {
			return err
		}
		if err := s.record(ctx, OpSampleCollect, EntitySample, sample.ID, actor, before, sample, nil); err != nil {
			return err
		}

		tests, err := s.tests.ListBySample(ctx, sample.ID)
		if err != nil {
			return err
		}
		for _, t := range tests {
			if t.Status != TestPending {
				continue
			}
			tBefore := *t
			if err := t.transition(TestSampleCollected); err != nil {
				return err
			}
			if err := s.tests.Update(ctx, t); err != nil {
				return err
			}
			if err := s.record(ctx, OpSampleCollect, EntityOrderTest, t.ID, actor, tBefore, t,
				map[string]string{"sample_id": sample.ID.String()}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sample, nil
}

// advanceSample moves a sample one step along its lifecycle, optionally
// mutating it first, and audits the step.
func (s *Service) advanceSample(ctx context.Context, sampleID uuid.UUID, to SampleStatus,
	op OperationType, actor string, mutate func(ctx context.Context, sample *Sample) error) (*Sample, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	var sample *Sample
	err := s.tx(ctx, func(ctx context.Context) error {
		var err error
		sample, err = s.samples.GetByID(ctx, sampleID)
		if err != nil {
			return err
		}
		before := *sample
		if err := sample.transition(to); err != nil {
			return err
		}
		if mutate != nil {
			if err := mutate(ctx, sample); err != nil {
				return err
			}
		}
		if err := s.samples.Update(ctx, sample); err != nil {
			return err
		}
		return s.record(ctx, op, EntitySample, sample.ID, actor, before, sample, nil)
	})
	if err != nil {
		return nil, err
	}
	return sample, nil
}

// ReceiveSample acknowledges arrival of a collected sample at the lab bench.
func (s *Service) ReceiveSample(ctx context.Context, sampleID uuid.UUID, actor string) (*Sample, error) {
	return s.advanceSample(ctx, sampleID, SampleReceived, OpSampleReceive, actor, nil)
}

// AccessionSample assigns the sample its accession number and enters it into
// the lab's working inventory.
func (s *Service) AccessionSample(ctx context.Context, sampleID uuid.UUID, actor string) (*Sample, error) {
	return s.advanceSample(ctx, sampleID, SampleAccessioned, OpSampleAccession, actor,
		func(ctx context.Context, sample *Sample) error {
			year := time.Now().Year()
			seq, err := s.samples.NextAccessionSequence(ctx, year)
			if err != nil {
				return fmt.Errorf("allocate accession number: %w", err)
			}
			acc := fmt.Sprintf("ACC-%d-%06d", year, seq)
			sample.AccessionNumber = &acc
			return nil
		})
}

// StartProcessing moves an accessioned sample onto the analyzer.
func (s *Service) StartProcessing(ctx context.Context, sampleID uuid.UUID, actor string) (*Sample, error) {
	return s.advanceSample(ctx, sampleID, SampleInProgress, OpSampleProcess, actor, nil)
}

// CompleteSample marks analytical work on the sample finished.
func (s *Service) CompleteSample(ctx context.Context, sampleID uuid.UUID, actor string) (*Sample, error) {
	return s.advanceSample(ctx, sampleID, SampleCompleted, OpSampleComplete, actor, nil)
}

// StoreSample retains a completed sample for potential re-runs.
func (s *Service) StoreSample(ctx context.Context, sampleID uuid.UUID, actor string) (*Sample, error) {
	return s.advanceSample(ctx, sampleID, SampleStored, OpSampleStore, actor, nil)
}

// DisposeSample discards a completed or stored sample.
func (s *Service) DisposeSample(ctx context.Context, sampleID uuid.UUID, actor string) (*Sample, error) {
	return s.advanceSample(ctx, sampleID, SampleDisposed, OpSampleDispose, actor, nil)
}

// RejectSample marks a sample unusable. Valid from every non-terminal state;
// the rejection reasons are appended to the sample's history.
func (s *Service) RejectSample(ctx context.Context, sampleID uuid.UUID, reasons []string,
	notes, actor string) (*Sample, error) {
	if len(reasons) == 0 {
		return nil, fmt.Errorf("at least one rejection reason is required")
	}
	return s.advanceSample(ctx, sampleID, SampleRejected, OpSampleReject, actor,
		func(ctx context.Context, sample *Sample) error {
			sample.RejectionHistory = append(sample.RejectionHistory, SampleRejection{
				Reasons:   reasons,
				Notes:     notes,
				Actor:     actor,
				Timestamp: time.Now(),
			})
			return nil
		})
}

// RecollectionResult links the exhausted sample to its replacement.
type RecollectionResult struct {
	OriginalSample *Sample `json:"original_sample"`
	NewSample      *Sample `json:"new_sample"`
}

// RequestRecollection creates a replacement sample for a rejected one and
// rebinds the affected tests to it. The recollection budget is checked
// against the chain's attempt counter.
func (s *Service) RequestRecollection(ctx context.Context, sampleID uuid.UUID, reason, actor string) (*RecollectionResult, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	var result *RecollectionResult
	err := s.tx(ctx, func(ctx context.Context) error {
		sample, err := s.samples.GetByID(ctx, sampleID)
		if err != nil {
			return err
		}
		if sample.Status != SampleRejected {
			return fmt.Errorf("%w: sample %s is %s; only rejected samples can be recollected",
				ErrInvalidTransition, sample.ID, sample.Status)
		}
		if sample.RecollectionSampleID != nil {
			return fmt.Errorf("%w: sample %s already has recollection %s",
				ErrInvalidTransition, sample.ID, *sample.RecollectionSampleID)
		}
		if ok, reason := s.policy.CanRecollect(sample); !ok {
			return fmt.Errorf("%w: %s", ErrAttemptsExhausted, reason)
		}

		newSample, err := s.createRecollection(ctx, sample, reason, actor)
		if err != nil {
			return err
		}

		tests, err := s.tests.ListBySample(ctx, sample.ID)
		if err != nil {
			return err
		}
		for _, t := range tests {
			if t.Status != TestPending && t.Status != TestSampleCollected {
				continue
			}
			tBefore := *t
			// A test whose sample was rejected before the draw is still
			// pending and only needs rebinding to the replacement.
			if t.Status == TestSampleCollected {
				if err := t.transition(TestPending); err != nil {
					return err
				}
			}
			t.SampleID = newSample.ID
			if err := s.tests.Update(ctx, t); err != nil {
				return err
			}
			if err := s.record(ctx, OpSampleRecollect, EntityOrderTest, t.ID, actor, tBefore, t,
				map[string]string{"new_sample_id": newSample.ID.String()}); err != nil {
				return err
			}
		}
		result = &RecollectionResult{OriginalSample: sample, NewSample: newSample}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// createRecollection creates the replacement sample and wires the chain links
// on both ends. Recollections jump the queue: routine priority is bumped to
// urgent.
func (s *Service) createRecollection(ctx context.Context, old *Sample, reason, actor string) (*Sample, error) {
	priority := old.Priority
	if priority == PriorityRoutine {
		priority = PriorityUrgent
	}
	newSample := &Sample{
		OrderID:             old.OrderID,
		SampleType:          old.SampleType,
		Status:              SamplePending,
		Priority:            priority,
		RequiredVolumeML:    old.RequiredVolumeML,
		OriginalSampleID:    &old.ID,
		RecollectionAttempt: old.RecollectionAttempt + 1,
		RejectionHistory:    []SampleRejection{},
	}
	if err := s.samples.Create(ctx, newSample); err != nil {
		return nil, err
	}

	oldBefore := *old
	old.RecollectionSampleID = &newSample.ID
	if err := s.samples.Update(ctx, old); err != nil {
		return nil, err
	}

	meta := map[string]string{"reason": reason, "original_sample_id": old.ID.String()}
	if err := s.record(ctx, OpSampleRecollect, EntitySample, old.ID, actor, oldBefore, old, meta); err != nil {
		return nil, err
	}
	if err := s.record(ctx, OpSampleCreate, EntitySample, newSample.ID, actor, nil, newSample, meta); err != nil {
		return nil, err
	}
	return newSample, nil
}

// ResultsInput carries a result entry: parameter code to value, plus optional
// bench notes.
type ResultsInput struct {
	Results map[string]string `json:"results"`
	Notes   string            `json:"notes"`
}

// EnterResults records measured values for the order's active test. A partial
// entry moves the test to in-progress; once every catalog parameter has a
// value the test completes.
func (s *Service) EnterResults(ctx context.Context, orderID uuid.UUID, testCode string,
	in ResultsInput, actor string) (*OrderTest, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if len(in.Results) == 0 {
		return nil, fmt.Errorf("results must not be empty")
	}

	var test *OrderTest
	err := s.tx(ctx, func(ctx context.Context) error {
		var err error
		test, err = s.tests.GetActiveByOrderAndCode(ctx, orderID, testCode)
		if err != nil {
			return err
		}
		if test.Status != TestSampleCollected && test.Status != TestInProgress {
			return fmt.Errorf("%w: cannot enter results while test %s is %s",
				ErrInvalidTransition, test.ID, test.Status)
		}

		def, err := s.catalog.GetByCode(ctx, testCode)
		if err != nil {
			return fmt.Errorf("resolve test %s: %w", testCode, err)
		}
		known := make(map[string]bool, len(def.Parameters))
		for _, p := range def.Parameters {
			known[p.Code] = true
		}
		for code := range in.Results {
			if !known[code] {
				return fmt.Errorf("unknown result parameter %q for test %s", code, testCode)
			}
		}

		before := *test
		if test.Results == nil {
			test.Results = map[string]string{}
		}
		for code, value := range in.Results {
			test.Results[code] = value
		}

		complete := true
		for _, p := range def.Parameters {
			if test.Results[p.Code] == "" {
				complete = false
				break
			}
		}
		target := TestInProgress
		if complete {
			target = TestCompleted
		}
		if test.Status != target {
			if err := test.transition(target); err != nil {
				return err
			}
		}

		now := time.Now()
		test.EnteredBy = &actor
		test.EnteredAt = &now
		if in.Notes != "" {
			test.EntryNotes = &in.Notes
		}
		if err := s.tests.Update(ctx, test); err != nil {
			return err
		}
		return s.record(ctx, OpTestEnterResults, EntityOrderTest, test.ID, actor, before, test, nil)
	})
	if err != nil {
		return nil, err
	}
	return test, nil
}

// ValidateResults approves a completed test's results, closing its lifecycle.
func (s *Service) ValidateResults(ctx context.Context, orderID uuid.UUID, testCode, actor string) (*OrderTest, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	var test *OrderTest
	err := s.tx(ctx, func(ctx context.Context) error {
		var err error
		test, err = s.tests.GetActiveByOrderAndCode(ctx, orderID, testCode)
		if err != nil {
			return err
		}
		before := *test
		if err := test.transition(TestValidated); err != nil {
			return err
		}
		now := time.Now()
		test.ValidatedBy = &actor
		test.ValidatedAt = &now
		if err := s.tests.Update(ctx, test); err != nil {
			return err
		}
		return s.record(ctx, OpTestValidate, EntityOrderTest, test.ID, actor, before, test, nil)
	})
	if err != nil {
		return nil, err
	}
	return test, nil
}

// GetRejectionOptions reports which rejection actions are currently available
// for the order's active test, with the remaining budgets.
func (s *Service) GetRejectionOptions(ctx context.Context, orderID uuid.UUID, testCode string) (*RejectionOptions, error) {
	test, err := s.tests.GetActiveByOrderAndCode(ctx, orderID, testCode)
	if err != nil {
		return nil, err
	}
	sample, err := s.samples.GetByID(ctx, test.SampleID)
	if err != nil {
		return nil, err
	}
	return s.policy.Options(test, sample), nil
}

// RejectionResult describes the outcome of rejecting a test's results: the
// superseded or escalated original, the live test carrying the chain forward,
// and the replacement sample when one was drawn.
type RejectionResult struct {
	Action             RejectionAction `json:"action"`
	Test               *OrderTest      `json:"test"`
	SupersededTest     *OrderTest      `json:"superseded_test,omitempty"`
	NewSample          *Sample         `json:"new_sample,omitempty"`
	EscalationRequired bool            `json:"escalation_required"`
	Message            string          `json:"message"`
}

// RejectResults rejects a completed test's results and applies the chosen
// action. The action's availability is recomputed inside the transaction, so
// a stale decision surface cannot overrun a budget.
func (s *Service) RejectResults(ctx context.Context, orderID uuid.UUID, testCode string,
	action RejectionAction, reason, actor string) (*RejectionResult, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if !action.Valid() {
		return nil, fmt.Errorf("%w: unknown action %q", ErrActionNotAvailable, action)
	}
	if reason == "" {
		return nil, fmt.Errorf("a rejection reason is required")
	}

	var result *RejectionResult
	err := s.tx(ctx, func(ctx context.Context) error {
		test, err := s.tests.GetActiveByOrderAndCode(ctx, orderID, testCode)
		if err != nil {
			return err
		}
		if test.Status != TestCompleted {
			return fmt.Errorf("%w: cannot reject results while test %s is %s",
				ErrInvalidTransition, test.ID, test.Status)
		}
		sample, err := s.samples.GetByID(ctx, test.SampleID)
		if err != nil {
			return err
		}
		if enabled, why := s.policy.ActionEnabled(action, test, sample); !enabled {
			return fmt.Errorf("%w: %s: %s", ErrActionNotAvailable, action, why)
		}

		entry := ResultRejection{Reason: reason, Action: action, Actor: actor, Timestamp: time.Now()}
		switch action {
		case ActionRetestSameSample:
			result, err = s.applyRetest(ctx, test, sample, entry, actor, OpTestRejectRetest)
		case ActionRecollectNewSample:
			result, err = s.applyRecollect(ctx, test, sample, entry, actor)
		case ActionEscalate:
			result, err = s.applyEscalate(ctx, test, entry, actor)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applyRetest supersedes the rejected test and creates its successor on the
// same sample, results cleared, retest counter advanced.
func (s *Service) applyRetest(ctx context.Context, test *OrderTest, sample *Sample,
	entry ResultRejection, actor string, op OperationType) (*RejectionResult, error) {
	before := *test
	if err := test.transition(TestSuperseded); err != nil {
		return nil, err
	}
	test.RejectionHistory = append(test.RejectionHistory, entry)

	history := make([]ResultRejection, len(test.RejectionHistory))
	copy(history, test.RejectionHistory)
	newTest := &OrderTest{
		OrderID:          test.OrderID,
		SampleID:         test.SampleID,
		TestCode:         test.TestCode,
		Status:           TestSampleCollected,
		Results:          map[string]string{},
		RetestOfTestID:   &test.ID,
		RetestNumber:     test.RetestNumber + 1,
		RejectionHistory: history,
	}
	if err := s.tests.Create(ctx, newTest); err != nil {
		return nil, err
	}
	test.RetestOrderTestID = &newTest.ID
	if err := s.tests.Update(ctx, test); err != nil {
		return nil, err
	}

	meta := map[string]string{"reason": entry.Reason, "new_test_id": newTest.ID.String()}
	if err := s.record(ctx, op, EntityOrderTest, test.ID, actor, before, test, meta); err != nil {
		return nil, err
	}
	if err := s.record(ctx, OpTestCreate, EntityOrderTest, newTest.ID, actor, nil, newTest,
		map[string]string{"retest_of": test.ID.String()}); err != nil {
		return nil, err
	}

	opts := s.policy.Options(newTest, sample)
	return &RejectionResult{
		Action:             entry.Action,
		Test:               newTest,
		SupersededTest:     test,
		EscalationRequired: opts.EscalationRequired,
		Message:            fmt.Sprintf("retest %d of %d created", newTest.RetestNumber, s.policy.MaxRetestAttempts),
	}, nil
}

// applyRecollect rejects the physical sample, draws a replacement, and resets
// the test onto it. The retest counter restarts with the fresh specimen.
func (s *Service) applyRecollect(ctx context.Context, test *OrderTest, sample *Sample,
	entry ResultRejection, actor string) (*RejectionResult, error) {
	if sample.RecollectionSampleID != nil {
		return nil, fmt.Errorf("%w: sample %s already has recollection %s",
			ErrInvalidTransition, sample.ID, *sample.RecollectionSampleID)
	}
	if CanTransitionSample(sample.Status, SampleRejected) {
		sBefore := *sample
		sample.Status = SampleRejected
		sample.RejectionHistory = append(sample.RejectionHistory, SampleRejection{
			Reasons:   []string{entry.Reason},
			Actor:     actor,
			Timestamp: entry.Timestamp,
		})
		if err := s.samples.Update(ctx, sample); err != nil {
			return nil, err
		}
		if err := s.record(ctx, OpSampleReject, EntitySample, sample.ID, actor, sBefore, sample,
			map[string]string{"reason": entry.Reason}); err != nil {
			return nil, err
		}
	}

	newSample, err := s.createRecollection(ctx, sample, entry.Reason, actor)
	if err != nil {
		return nil, err
	}

	before := *test
	if err := test.transition(TestPending); err != nil {
		return nil, err
	}
	test.SampleID = newSample.ID
	test.Results = map[string]string{}
	test.EnteredBy = nil
	test.EnteredAt = nil
	test.EntryNotes = nil
	test.RejectionHistory = append(test.RejectionHistory, entry)
	if err := s.tests.Update(ctx, test); err != nil {
		return nil, err
	}
	if err := s.record(ctx, OpTestRejectRecollec, EntityOrderTest, test.ID, actor, before, test,
		map[string]string{"reason": entry.Reason, "new_sample_id": newSample.ID.String()}); err != nil {
		return nil, err
	}

	opts := s.policy.Options(test, newSample)
	return &RejectionResult{
		Action:             entry.Action,
		Test:               test,
		NewSample:          newSample,
		EscalationRequired: opts.EscalationRequired,
		Message: fmt.Sprintf("recollection %d of %d requested",
			newSample.RecollectionAttempt, s.policy.MaxRecollectionAttempts),
	}, nil
}

// applyEscalate parks the test in the escalation queue for a supervisor.
func (s *Service) applyEscalate(ctx context.Context, test *OrderTest,
	entry ResultRejection, actor string) (*RejectionResult, error) {
	before := *test
	if err := test.transition(TestEscalated); err != nil {
		return nil, err
	}
	test.RejectionHistory = append(test.RejectionHistory, entry)
	if err := s.tests.Update(ctx, test); err != nil {
		return nil, err
	}
	if err := s.record(ctx, OpTestEscalate, EntityOrderTest, test.ID, actor, before, test,
		map[string]string{"reason": entry.Reason}); err != nil {
		return nil, err
	}
	return &RejectionResult{
		Action:             entry.Action,
		Test:               test,
		EscalationRequired: true,
		Message:            "test escalated for supervisor review",
	}, nil
}

// ResolveEscalation applies a supervisor's decision to an escalated test.
// authorize_retest bypasses the retest budget but still needs a usable
// specimen; final_reject terminates the test permanently.
func (s *Service) ResolveEscalation(ctx context.Context, orderID uuid.UUID, testCode string,
	resolution EscalationResolution, note, actor string) (*OrderTest, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	var resolved *OrderTest
	err := s.tx(ctx, func(ctx context.Context) error {
		test, err := s.tests.GetActiveByOrderAndCode(ctx, orderID, testCode)
		if err != nil {
			return err
		}
		if test.Status != TestEscalated {
			return fmt.Errorf("%w: test %s is %s, not escalated",
				ErrInvalidTransition, test.ID, test.Status)
		}

		switch resolution {
		case ResolutionAuthorizeRetest:
			sample, err := s.samples.GetByID(ctx, test.SampleID)
			if err != nil {
				return err
			}
			if sample.Terminal() {
				return fmt.Errorf("%w: authorize_retest: sample %s is %s and cannot be reused",
					ErrActionNotAvailable, sample.ID, sample.Status)
			}
			entry := ResultRejection{
				Reason:    note,
				Action:    ActionRetestSameSample,
				Actor:     actor,
				Timestamp: time.Now(),
			}
			result, err := s.applyRetest(ctx, test, sample, entry, actor, OpTestResolve)
			if err != nil {
				return err
			}
			resolved = result.Test
			return nil

		case ResolutionFinalReject:
			before := *test
			if err := test.transition(TestRejected); err != nil {
				return err
			}
			test.RejectionHistory = append(test.RejectionHistory, ResultRejection{
				Reason:    note,
				Action:    ActionEscalate,
				Actor:     actor,
				Timestamp: time.Now(),
			})
			if err := s.tests.Update(ctx, test); err != nil {
				return err
			}
			resolved = test
			return s.record(ctx, OpTestResolve, EntityOrderTest, test.ID, actor, before, test,
				map[string]string{"resolution": string(resolution), "note": note})

		default:
			return fmt.Errorf("%w: unknown resolution %q", ErrActionNotAvailable, resolution)
		}
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// RemoveOrderTests administratively removes every not-yet-started test on an
// order, used when the order is cancelled. A test past sample-collected
// blocks the removal.
func (s *Service) RemoveOrderTests(ctx context.Context, orderID uuid.UUID, reason, actor string) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	return s.tx(ctx, func(ctx context.Context) error {
		tests, err := s.tests.ListByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		for _, t := range tests {
			if !t.Active() {
				continue
			}
			if t.Status != TestPending && t.Status != TestSampleCollected {
				return fmt.Errorf("%w: test %s is %s and cannot be removed",
					ErrInvalidTransition, t.ID, t.Status)
			}
		}
		for _, t := range tests {
			if !t.Active() {
				continue
			}
			before := *t
			if err := t.transition(TestRemoved); err != nil {
				return err
			}
			if err := s.tests.Update(ctx, t); err != nil {
				return err
			}
			if err := s.record(ctx, OpTestRemove, EntityOrderTest, t.ID, actor, before, t,
				map[string]string{"reason": reason}); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListEscalations returns the pending escalation queue, oldest first.
func (s *Service) ListEscalations(ctx context.Context) ([]*PendingEscalationItem, error) {
	return s.tests.ListEscalated(ctx, s.queueLimit)
}

// GetAuditTrail returns the chronological operation history of one entity.
func (s *Service) GetAuditTrail(ctx context.Context, entityType string, entityID uuid.UUID) ([]*LabOperationRecord, error) {
	if entityType != EntitySample && entityType != EntityOrderTest {
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}
	return s.audit.ListByEntity(ctx, entityType, entityID)
}

// GetSample returns one sample by id.
func (s *Service) GetSample(ctx context.Context, id uuid.UUID) (*Sample, error) {
	return s.samples.GetByID(ctx, id)
}

// ListOrderSamples returns all samples belonging to an order.
func (s *Service) ListOrderSamples(ctx context.Context, orderID uuid.UUID) ([]*Sample, error) {
	return s.samples.ListByOrder(ctx, orderID)
}

// ListOrderTests returns all tests belonging to an order, superseded rows
// included.
func (s *Service) ListOrderTests(ctx context.Context, orderID uuid.UUID) ([]*OrderTest, error) {
	return s.tests.ListByOrder(ctx, orderID)
}

// GetDashboard summarises current lab load for the command center view.
func (s *Service) GetDashboard(ctx context.Context) (*Dashboard, error) {
	samples, err := s.samples.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	tests, err := s.tests.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &Dashboard{
		SamplesByStatus:    samples,
		TestsByStatus:      tests,
		PendingEscalations: tests[TestEscalated],
	}, nil
}
