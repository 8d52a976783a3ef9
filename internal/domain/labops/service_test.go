package labops

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/catalog"
)

func cloneSample(s *Sample) *Sample {
	c := *s
	c.RejectionHistory = append([]SampleRejection(nil), s.RejectionHistory...)
	return &c
}

func cloneOrderTest(t *OrderTest) *OrderTest {
	c := *t
	c.Results = make(map[string]string, len(t.Results))
	for k, v := range t.Results {
		c.Results[k] = v
	}
	c.RejectionHistory = append([]ResultRejection(nil), t.RejectionHistory...)
	return &c
}

type mockSampleRepo struct {
	samples map[uuid.UUID]*Sample
	order   []uuid.UUID
	accSeq  int64
}

func newMockSampleRepo() *mockSampleRepo {
	return &mockSampleRepo{samples: make(map[uuid.UUID]*Sample)}
}

func (m *mockSampleRepo) Create(_ context.Context, s *Sample) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.Version = 1
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	m.samples[s.ID] = cloneSample(s)
	m.order = append(m.order, s.ID)
	return nil
}

func (m *mockSampleRepo) GetByID(_ context.Context, id uuid.UUID) (*Sample, error) {
	s, ok := m.samples[id]
	if !ok {
		return nil, fmt.Errorf("%w: sample %s", ErrNotFound, id)
	}
	return cloneSample(s), nil
}

func (m *mockSampleRepo) ListByOrder(_ context.Context, orderID uuid.UUID) ([]*Sample, error) {
	var out []*Sample
	for _, id := range m.order {
		if s := m.samples[id]; s.OrderID == orderID {
			out = append(out, cloneSample(s))
		}
	}
	return out, nil
}

func (m *mockSampleRepo) Update(_ context.Context, s *Sample) error {
	existing, ok := m.samples[s.ID]
	if !ok {
		return fmt.Errorf("%w: sample %s", ErrNotFound, s.ID)
	}
	if existing.Version != s.Version {
		return fmt.Errorf("%w: sample %s version %d", ErrConcurrentModification, s.ID, s.Version)
	}
	s.Version++
	s.UpdatedAt = time.Now()
	m.samples[s.ID] = cloneSample(s)
	return nil
}

func (m *mockSampleRepo) NextAccessionSequence(_ context.Context, _ int) (int64, error) {
	m.accSeq++
	return m.accSeq, nil
}

func (m *mockSampleRepo) CountByStatus(_ context.Context) (map[SampleStatus]int, error) {
	counts := make(map[SampleStatus]int)
	for _, s := range m.samples {
		counts[s.Status]++
	}
	return counts, nil
}

func (m *mockSampleRepo) snapshot() (map[uuid.UUID]*Sample, []uuid.UUID) {
	snap := make(map[uuid.UUID]*Sample, len(m.samples))
	for id, s := range m.samples {
		snap[id] = cloneSample(s)
	}
	return snap, append([]uuid.UUID(nil), m.order...)
}

func (m *mockSampleRepo) restore(snap map[uuid.UUID]*Sample, order []uuid.UUID) {
	m.samples = snap
	m.order = order
}

type mockTestRepo struct {
	tests map[uuid.UUID]*OrderTest
	order []uuid.UUID
	// conflictNext makes the next Update fail as if another writer committed
	// between the caller's read and its write.
	conflictNext bool
}

func newMockTestRepo() *mockTestRepo {
	return &mockTestRepo{tests: make(map[uuid.UUID]*OrderTest)}
}

func (m *mockTestRepo) Create(_ context.Context, t *OrderTest) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.Version = 1
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	m.tests[t.ID] = cloneOrderTest(t)
	m.order = append(m.order, t.ID)
	return nil
}

func (m *mockTestRepo) GetByID(_ context.Context, id uuid.UUID) (*OrderTest, error) {
	t, ok := m.tests[id]
	if !ok {
		return nil, fmt.Errorf("%w: test %s", ErrNotFound, id)
	}
	return cloneOrderTest(t), nil
}

func (m *mockTestRepo) GetActiveByOrderAndCode(_ context.Context, orderID uuid.UUID, code string) (*OrderTest, error) {
	var best *OrderTest
	for _, id := range m.order {
		t := m.tests[id]
		if t.OrderID != orderID || t.TestCode != code || !t.Active() {
			continue
		}
		if best == nil || t.RetestNumber > best.RetestNumber {
			best = t
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no active test %s on order %s", ErrNotFound, code, orderID)
	}
	return cloneOrderTest(best), nil
}

func (m *mockTestRepo) ListByOrder(_ context.Context, orderID uuid.UUID) ([]*OrderTest, error) {
	var out []*OrderTest
	for _, id := range m.order {
		if t := m.tests[id]; t.OrderID == orderID {
			out = append(out, cloneOrderTest(t))
		}
	}
	return out, nil
}

func (m *mockTestRepo) ListBySample(_ context.Context, sampleID uuid.UUID) ([]*OrderTest, error) {
	var out []*OrderTest
	for _, id := range m.order {
		if t := m.tests[id]; t.SampleID == sampleID {
			out = append(out, cloneOrderTest(t))
		}
	}
	return out, nil
}

func (m *mockTestRepo) Update(_ context.Context, t *OrderTest) error {
	existing, ok := m.tests[t.ID]
	if !ok {
		return fmt.Errorf("%w: test %s", ErrNotFound, t.ID)
	}
	if m.conflictNext {
		m.conflictNext = false
		return fmt.Errorf("%w: test %s version %d", ErrConcurrentModification, t.ID, t.Version)
	}
	if existing.Version != t.Version {
		return fmt.Errorf("%w: test %s version %d", ErrConcurrentModification, t.ID, t.Version)
	}
	t.Version++
	t.UpdatedAt = time.Now()
	m.tests[t.ID] = cloneOrderTest(t)
	return nil
}

func (m *mockTestRepo) ListEscalated(_ context.Context, limit int) ([]*PendingEscalationItem, error) {
	var items []*PendingEscalationItem
	for _, id := range m.order {
		t := m.tests[id]
		if t.Status != TestEscalated {
			continue
		}
		items = append(items, &PendingEscalationItem{
			OrderID:      t.OrderID,
			TestID:       t.ID,
			TestCode:     t.TestCode,
			SampleID:     t.SampleID,
			RetestNumber: t.RetestNumber,
			LastActionAt: t.UpdatedAt,
		})
		if len(items) == limit {
			break
		}
	}
	return items, nil
}

func (m *mockTestRepo) CountByStatus(_ context.Context) (map[TestStatus]int, error) {
	counts := make(map[TestStatus]int)
	for _, t := range m.tests {
		counts[t.Status]++
	}
	return counts, nil
}

func (m *mockTestRepo) snapshot() (map[uuid.UUID]*OrderTest, []uuid.UUID) {
	snap := make(map[uuid.UUID]*OrderTest, len(m.tests))
	for id, t := range m.tests {
		snap[id] = cloneOrderTest(t)
	}
	return snap, append([]uuid.UUID(nil), m.order...)
}

func (m *mockTestRepo) restore(snap map[uuid.UUID]*OrderTest, order []uuid.UUID) {
	m.tests = snap
	m.order = order
}

type mockAuditRepo struct {
	records []*LabOperationRecord
	fail    bool
}

func (m *mockAuditRepo) Append(_ context.Context, rec *LabOperationRecord) error {
	if m.fail {
		return fmt.Errorf("disk full")
	}
	rec.ID = uuid.New()
	rec.CreatedAt = time.Now()
	m.records = append(m.records, rec)
	return nil
}

func (m *mockAuditRepo) ListByEntity(_ context.Context, entityType string, entityID uuid.UUID) ([]*LabOperationRecord, error) {
	var out []*LabOperationRecord
	for _, rec := range m.records {
		if rec.EntityType == entityType && rec.EntityID == entityID {
			out = append(out, rec)
		}
	}
	return out, nil
}

type mockCatalog struct{}

func (mockCatalog) GetByCode(_ context.Context, code string) (*catalog.TestDefinition, error) {
	defs := map[string]*catalog.TestDefinition{
		"CBC": {Code: "CBC", Name: "Complete Blood Count", SampleType: "whole_blood", RequiredVolumeML: 3,
			Parameters: []catalog.TestParameter{{Code: "WBC"}, {Code: "RBC"}, {Code: "HGB"}}},
		"GLU": {Code: "GLU", Name: "Glucose", SampleType: "serum", RequiredVolumeML: 2,
			Parameters: []catalog.TestParameter{{Code: "GLU"}}},
		"BUN": {Code: "BUN", Name: "Blood Urea Nitrogen", SampleType: "serum", RequiredVolumeML: 1,
			Parameters: []catalog.TestParameter{{Code: "BUN"}}},
	}
	if d, ok := defs[code]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("test definition %s not found", code)
}

// env wires the coordinator to map-backed repositories. Its tx runner
// snapshots repository state before each unit of work and restores it on
// error, mirroring the rollback the Postgres transaction gives production.
type env struct {
	samples *mockSampleRepo
	tests   *mockTestRepo
	audit   *mockAuditRepo
	svc     *Service
}

func newEnv() *env {
	e := &env{
		samples: newMockSampleRepo(),
		tests:   newMockTestRepo(),
		audit:   &mockAuditRepo{},
	}
	e.svc = NewService(e.samples, e.tests, e.audit, mockCatalog{}, testPolicy(), e.tx, 100)
	return e
}

func (e *env) tx(ctx context.Context, fn func(ctx context.Context) error) error {
	sSnap, sOrder := e.samples.snapshot()
	tSnap, tOrder := e.tests.snapshot()
	auditLen := len(e.audit.records)
	if err := fn(ctx); err != nil {
		e.samples.restore(sSnap, sOrder)
		e.tests.restore(tSnap, tOrder)
		e.audit.records = e.audit.records[:auditLen]
		return err
	}
	return nil
}

var ctx = context.Background()

func (e *env) placeOrder(t *testing.T, codes ...string) (uuid.UUID, []*Sample, []*OrderTest) {
	t.Helper()
	orderID := uuid.New()
	samples, tests, err := e.svc.InitializeOrder(ctx, orderID, codes, PriorityRoutine, "dr.reyes")
	if err != nil {
		t.Fatalf("initialize order: %v", err)
	}
	return orderID, samples, tests
}

func cbcResults() map[string]string {
	return map[string]string{"WBC": "6.1", "RBC": "4.5", "HGB": "13.2"}
}

// completeCBC walks a fresh CBC order's test to completed.
func (e *env) completeCBC(t *testing.T, orderID uuid.UUID, sampleID uuid.UUID) *OrderTest {
	t.Helper()
	if _, err := e.svc.CollectSample(ctx, sampleID, CollectInput{VolumeML: 5}, "n.osei"); err != nil {
		t.Fatalf("collect: %v", err)
	}
	test, err := e.svc.EnterResults(ctx, orderID, "CBC", ResultsInput{Results: cbcResults()}, "k.tan")
	if err != nil {
		t.Fatalf("enter results: %v", err)
	}
	return test
}

func TestInitializeOrder_GroupsBySampleType(t *testing.T) {
	e := newEnv()
	_, samples, tests := e.placeOrder(t, "CBC", "GLU", "BUN")

	if len(samples) != 2 {
		t.Fatalf("expected 2 samples (whole_blood, serum), got %d", len(samples))
	}
	if len(tests) != 3 {
		t.Fatalf("expected 3 tests, got %d", len(tests))
	}
	byType := map[string]*Sample{}
	for _, s := range samples {
		byType[s.SampleType] = s
		if s.Status != SamplePending {
			t.Errorf("sample %s: expected pending, got %s", s.SampleType, s.Status)
		}
	}
	if got := byType["serum"].RequiredVolumeML; got != 3 {
		t.Errorf("serum sample must need 2+1 ml, got %v", got)
	}
	for _, ot := range tests {
		if ot.Status != TestPending {
			t.Errorf("test %s: expected pending, got %s", ot.TestCode, ot.Status)
		}
	}
	// one audit entry per created entity
	if got := len(e.audit.records); got != 5 {
		t.Errorf("expected 5 audit records, got %d", got)
	}
}

func TestCollectSample_AdvancesPendingTests(t *testing.T) {
	e := newEnv()
	orderID, samples, _ := e.placeOrder(t, "CBC")
	sample, err := e.svc.CollectSample(ctx, samples[0].ID, CollectInput{VolumeML: 4, Notes: "left arm"}, "n.osei")
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if sample.Status != SampleCollected {
		t.Errorf("expected collected, got %s", sample.Status)
	}
	if sample.CollectedBy == nil || *sample.CollectedBy != "n.osei" {
		t.Error("collected_by not recorded")
	}
	if sample.VolumeFlag != nil {
		t.Errorf("4ml of 3ml required must not be flagged, got %v", *sample.VolumeFlag)
	}

	test, err := e.svc.ListOrderTests(ctx, orderID)
	if err != nil {
		t.Fatal(err)
	}
	if test[0].Status != TestSampleCollected {
		t.Errorf("linked test must advance to sample-collected, got %s", test[0].Status)
	}

	trail, err := e.svc.GetAuditTrail(ctx, EntitySample, sample.ID)
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, rec := range trail {
		if rec.Operation == OpSampleCollect {
			found = true
		}
	}
	if !found {
		t.Error("expected a sample.collect audit entry")
	}
}

func TestCollectSample_UnderVolumeFlagged(t *testing.T) {
	e := newEnv()
	_, samples, _ := e.placeOrder(t, "CBC")
	sample, err := e.svc.CollectSample(ctx, samples[0].ID, CollectInput{VolumeML: 1.5}, "n.osei")
	if err != nil {
		t.Fatalf("under-volume collection must succeed, got %v", err)
	}
	if sample.VolumeFlag == nil || *sample.VolumeFlag != VolumeFlagUnderVolume {
		t.Error("expected under-volume flag")
	}
}

func TestCollectSample_Twice(t *testing.T) {
	e := newEnv()
	_, samples, _ := e.placeOrder(t, "CBC")
	if _, err := e.svc.CollectSample(ctx, samples[0].ID, CollectInput{VolumeML: 4}, "n.osei"); err != nil {
		t.Fatal(err)
	}
	_, err := e.svc.CollectSample(ctx, samples[0].ID, CollectInput{VolumeML: 4}, "n.osei")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestHappyPath_CollectToStored(t *testing.T) {
	e := newEnv()
	orderID, samples, _ := e.placeOrder(t, "CBC")
	id := samples[0].ID

	if _, err := e.svc.CollectSample(ctx, id, CollectInput{VolumeML: 5}, "n.osei"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.svc.ReceiveSample(ctx, id, "k.tan"); err != nil {
		t.Fatal(err)
	}
	sample, err := e.svc.AccessionSample(ctx, id, "k.tan")
	if err != nil {
		t.Fatal(err)
	}
	if sample.AccessionNumber == nil || !strings.HasPrefix(*sample.AccessionNumber, "ACC-") {
		t.Fatalf("expected accession number, got %v", sample.AccessionNumber)
	}
	if _, err := e.svc.StartProcessing(ctx, id, "k.tan"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.svc.CompleteSample(ctx, id, "k.tan"); err != nil {
		t.Fatal(err)
	}

	test, err := e.svc.EnterResults(ctx, orderID, "CBC", ResultsInput{Results: cbcResults()}, "k.tan")
	if err != nil {
		t.Fatal(err)
	}
	if test.Status != TestCompleted {
		t.Fatalf("full entry must complete the test, got %s", test.Status)
	}
	test, err = e.svc.ValidateResults(ctx, orderID, "CBC", "dr.mwangi")
	if err != nil {
		t.Fatal(err)
	}
	if test.Status != TestValidated {
		t.Fatalf("expected validated, got %s", test.Status)
	}
	if test.ValidatedBy == nil || *test.ValidatedBy != "dr.mwangi" {
		t.Error("validated_by not recorded")
	}

	if _, err := e.svc.StoreSample(ctx, id, "k.tan"); err != nil {
		t.Fatal(err)
	}
	trail, err := e.svc.GetAuditTrail(ctx, EntitySample, id)
	if err != nil {
		t.Fatal(err)
	}
	// create, collect, receive, accession, process, complete, store
	if len(trail) != 7 {
		t.Errorf("expected 7 sample audit entries, got %d", len(trail))
	}
}

func TestEnterResults_PartialThenComplete(t *testing.T) {
	e := newEnv()
	orderID, samples, _ := e.placeOrder(t, "CBC")
	if _, err := e.svc.CollectSample(ctx, samples[0].ID, CollectInput{VolumeML: 5}, "n.osei"); err != nil {
		t.Fatal(err)
	}

	test, err := e.svc.EnterResults(ctx, orderID, "CBC",
		ResultsInput{Results: map[string]string{"WBC": "6.1"}}, "k.tan")
	if err != nil {
		t.Fatal(err)
	}
	if test.Status != TestInProgress {
		t.Fatalf("partial entry must leave test in-progress, got %s", test.Status)
	}

	test, err = e.svc.EnterResults(ctx, orderID, "CBC",
		ResultsInput{Results: map[string]string{"RBC": "4.5", "HGB": "13.2"}}, "k.tan")
	if err != nil {
		t.Fatal(err)
	}
	if test.Status != TestCompleted {
		t.Fatalf("expected completed after all parameters, got %s", test.Status)
	}
	if test.Results["WBC"] != "6.1" {
		t.Error("earlier partial results must be preserved")
	}
}

func TestEnterResults_UnknownParameter(t *testing.T) {
	e := newEnv()
	orderID, samples, _ := e.placeOrder(t, "CBC")
	if _, err := e.svc.CollectSample(ctx, samples[0].ID, CollectInput{VolumeML: 5}, "n.osei"); err != nil {
		t.Fatal(err)
	}
	_, err := e.svc.EnterResults(ctx, orderID, "CBC",
		ResultsInput{Results: map[string]string{"PLT": "250"}}, "k.tan")
	if err == nil || !strings.Contains(err.Error(), "unknown result parameter") {
		t.Fatalf("expected unknown parameter error, got %v", err)
	}
}

func TestEnterResults_BeforeCollection(t *testing.T) {
	e := newEnv()
	orderID, _, _ := e.placeOrder(t, "CBC")
	_, err := e.svc.EnterResults(ctx, orderID, "CBC", ResultsInput{Results: cbcResults()}, "k.tan")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on pending test, got %v", err)
	}
}

func TestValidateResults_RequiresCompleted(t *testing.T) {
	e := newEnv()
	orderID, samples, _ := e.placeOrder(t, "CBC")
	if _, err := e.svc.CollectSample(ctx, samples[0].ID, CollectInput{VolumeML: 5}, "n.osei"); err != nil {
		t.Fatal(err)
	}
	_, err := e.svc.ValidateResults(ctx, orderID, "CBC", "dr.mwangi")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestValidateResults_Twice(t *testing.T) {
	e := newEnv()
	orderID, samples, _ := e.placeOrder(t, "CBC")
	e.completeCBC(t, orderID, samples[0].ID)

	if _, err := e.svc.ValidateResults(ctx, orderID, "CBC", "dr.mwangi"); err != nil {
		t.Fatal(err)
	}
	_, err := e.svc.ValidateResults(ctx, orderID, "CBC", "dr.mwangi")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second validation must fail with ErrInvalidTransition, got %v", err)
	}
}

func TestUpdate_StaleVersion(t *testing.T) {
	e := newEnv()
	_, samples, tests := e.placeOrder(t, "CBC")
	staleSample := cloneSample(samples[0])
	staleTest := cloneOrderTest(tests[0])

	// another writer advances both rows first
	if _, err := e.svc.CollectSample(ctx, samples[0].ID, CollectInput{VolumeML: 5}, "n.osei"); err != nil {
		t.Fatal(err)
	}

	if err := e.samples.Update(ctx, staleSample); !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("stale sample write: expected ErrConcurrentModification, got %v", err)
	}
	if err := e.tests.Update(ctx, staleTest); !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("stale test write: expected ErrConcurrentModification, got %v", err)
	}
}

func TestValidateResults_ConcurrentModification(t *testing.T) {
	e := newEnv()
	orderID, samples, _ := e.placeOrder(t, "CBC")
	e.completeCBC(t, orderID, samples[0].ID)

	e.tests.conflictNext = true
	_, err := e.svc.ValidateResults(ctx, orderID, "CBC", "dr.mwangi")
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}

	// the losing transaction leaves nothing behind; a retry succeeds
	opts, err := e.svc.GetRejectionOptions(ctx, orderID, "CBC")
	if err != nil {
		t.Fatal(err)
	}
	if opts.TestStatus != TestCompleted {
		t.Fatalf("test must still be completed after the lost race, got %s", opts.TestStatus)
	}
	if _, err := e.svc.ValidateResults(ctx, orderID, "CBC", "dr.mwangi"); err != nil {
		t.Fatalf("retry must succeed: %v", err)
	}
}

func TestRejectResults_Retest(t *testing.T) {
	e := newEnv()
	orderID, samples, _ := e.placeOrder(t, "CBC")
	original := e.completeCBC(t, orderID, samples[0].ID)

	result, err := e.svc.RejectResults(ctx, orderID, "CBC",
		ActionRetestSameSample, "delta check failed", "dr.mwangi")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if result.SupersededTest == nil || result.SupersededTest.Status != TestSuperseded {
		t.Fatal("original test must be superseded")
	}
	if result.SupersededTest.ID != original.ID {
		t.Error("superseded test id mismatch")
	}
	newTest := result.Test
	if newTest.Status != TestSampleCollected {
		t.Errorf("replacement must start at sample-collected, got %s", newTest.Status)
	}
	if newTest.RetestNumber != 1 {
		t.Errorf("expected retest number 1, got %d", newTest.RetestNumber)
	}
	if newTest.SampleID != samples[0].ID {
		t.Error("retest must stay on the same sample")
	}
	if len(newTest.Results) != 0 {
		t.Error("replacement must start with empty results")
	}
	if newTest.RetestOfTestID == nil || *newTest.RetestOfTestID != original.ID {
		t.Error("replacement must link back to the superseded test")
	}
	if result.SupersededTest.RetestOrderTestID == nil || *result.SupersededTest.RetestOrderTestID != newTest.ID {
		t.Error("superseded test must link forward to its replacement")
	}
	if len(newTest.RejectionHistory) != 1 {
		t.Errorf("rejection history must carry over, got %d entries", len(newTest.RejectionHistory))
	}
	if result.EscalationRequired {
		t.Error("escalation must not be required on the first retest")
	}

	// the chain continues on the replacement
	if _, err := e.svc.EnterResults(ctx, orderID, "CBC", ResultsInput{Results: cbcResults()}, "k.tan"); err != nil {
		t.Fatal(err)
	}
	validated, err := e.svc.ValidateResults(ctx, orderID, "CBC", "dr.mwangi")
	if err != nil {
		t.Fatal(err)
	}
	if validated.ID != newTest.ID {
		t.Error("validation must land on the replacement test")
	}
}

func TestRejectResults_Recollect(t *testing.T) {
	e := newEnv()
	orderID, samples, _ := e.placeOrder(t, "CBC")
	e.completeCBC(t, orderID, samples[0].ID)

	result, err := e.svc.RejectResults(ctx, orderID, "CBC",
		ActionRecollectNewSample, "hemolyzed", "dr.mwangi")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	oldSample, err := e.svc.GetSample(ctx, samples[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if oldSample.Status != SampleRejected {
		t.Errorf("old sample must be rejected, got %s", oldSample.Status)
	}
	newSample := result.NewSample
	if newSample == nil {
		t.Fatal("expected a replacement sample")
	}
	if newSample.Status != SamplePending {
		t.Errorf("replacement sample must be pending, got %s", newSample.Status)
	}
	if newSample.Priority != PriorityUrgent {
		t.Errorf("recollection must be urgent, got %s", newSample.Priority)
	}
	if newSample.RecollectionAttempt != 1 {
		t.Errorf("expected recollection attempt 1, got %d", newSample.RecollectionAttempt)
	}
	if newSample.OriginalSampleID == nil || *newSample.OriginalSampleID != oldSample.ID {
		t.Error("replacement must link to the original sample")
	}
	if oldSample.RecollectionSampleID == nil || *oldSample.RecollectionSampleID != newSample.ID {
		t.Error("original must link to its replacement")
	}

	test := result.Test
	if test.Status != TestPending {
		t.Errorf("test must reset to pending, got %s", test.Status)
	}
	if test.SampleID != newSample.ID {
		t.Error("test must rebind to the replacement sample")
	}
	if len(test.Results) != 0 || test.EnteredBy != nil {
		t.Error("results and entry metadata must be cleared")
	}

	// collecting the new sample re-advances the test
	if _, err := e.svc.CollectSample(ctx, newSample.ID, CollectInput{VolumeML: 5}, "n.osei"); err != nil {
		t.Fatal(err)
	}
	active, err := e.svc.GetRejectionOptions(ctx, orderID, "CBC")
	if err != nil {
		t.Fatal(err)
	}
	if active.TestStatus != TestSampleCollected {
		t.Errorf("test must be sample-collected after recollection draw, got %s", active.TestStatus)
	}
}

func TestRejectResults_RecollectBlockedOnChainedSample(t *testing.T) {
	e := newEnv()
	orderID := uuid.New()
	replacementID := uuid.New()

	// a sibling test already drew a replacement for this sample; the forward
	// link must never be overwritten by a second recollection
	sample := &Sample{
		OrderID:              orderID,
		SampleType:           "whole_blood",
		Status:               SampleRejected,
		Priority:             PriorityUrgent,
		RequiredVolumeML:     3,
		RecollectionSampleID: &replacementID,
		RejectionHistory:     []SampleRejection{},
	}
	if err := e.samples.Create(ctx, sample); err != nil {
		t.Fatal(err)
	}
	test := &OrderTest{
		OrderID:          orderID,
		SampleID:         sample.ID,
		TestCode:         "CBC",
		Status:           TestCompleted,
		Results:          cbcResults(),
		RejectionHistory: []ResultRejection{},
	}
	if err := e.tests.Create(ctx, test); err != nil {
		t.Fatal(err)
	}

	_, err := e.svc.RejectResults(ctx, orderID, "CBC", ActionRecollectNewSample, "hemolyzed", "dr.mwangi")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	got, err := e.svc.GetSample(ctx, sample.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RecollectionSampleID == nil || *got.RecollectionSampleID != replacementID {
		t.Error("existing recollection link must be preserved")
	}
}

func TestRejectResults_Escalate(t *testing.T) {
	e := newEnv()
	orderID, samples, _ := e.placeOrder(t, "CBC")
	e.completeCBC(t, orderID, samples[0].ID)

	result, err := e.svc.RejectResults(ctx, orderID, "CBC", ActionEscalate, "implausible values", "dr.mwangi")
	if err != nil {
		t.Fatal(err)
	}
	if result.Test.Status != TestEscalated {
		t.Fatalf("expected escalated, got %s", result.Test.Status)
	}
	if !result.EscalationRequired {
		t.Error("escalation result must flag escalation required")
	}

	items, err := e.svc.ListEscalations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].TestID != result.Test.ID {
		t.Fatalf("escalation queue must contain the escalated test: %+v", items)
	}
}

func TestRejectResults_RequiresCompleted(t *testing.T) {
	e := newEnv()
	orderID, samples, _ := e.placeOrder(t, "CBC")
	if _, err := e.svc.CollectSample(ctx, samples[0].ID, CollectInput{VolumeML: 5}, "n.osei"); err != nil {
		t.Fatal(err)
	}
	_, err := e.svc.RejectResults(ctx, orderID, "CBC", ActionRetestSameSample, "noise", "dr.mwangi")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRejectResults_RetestCapBoundary(t *testing.T) {
	e := newEnv()
	orderID, samples, _ := e.placeOrder(t, "CBC")
	e.completeCBC(t, orderID, samples[0].ID)

	for i := 1; i <= 3; i++ {
		result, err := e.svc.RejectResults(ctx, orderID, "CBC",
			ActionRetestSameSample, fmt.Sprintf("qc failure %d", i), "dr.mwangi")
		if err != nil {
			t.Fatalf("retest %d must be allowed: %v", i, err)
		}
		if result.Test.RetestNumber != i {
			t.Fatalf("expected retest number %d, got %d", i, result.Test.RetestNumber)
		}
		if _, err := e.svc.EnterResults(ctx, orderID, "CBC", ResultsInput{Results: cbcResults()}, "k.tan"); err != nil {
			t.Fatal(err)
		}
	}

	opts, err := e.svc.GetRejectionOptions(ctx, orderID, "CBC")
	if err != nil {
		t.Fatal(err)
	}
	if opts.CanRetest {
		t.Fatal("retest must be disabled at the cap")
	}
	if opts.RetestAttemptsRemaining != 0 {
		t.Errorf("expected 0 retests remaining, got %d", opts.RetestAttemptsRemaining)
	}

	// the options surface and the mutation must agree
	_, err = e.svc.RejectResults(ctx, orderID, "CBC", ActionRetestSameSample, "one more", "dr.mwangi")
	if !errors.Is(err, ErrActionNotAvailable) {
		t.Fatalf("expected ErrActionNotAvailable past the cap, got %v", err)
	}
	// recollection is still open
	if !opts.CanRecollect {
		t.Error("recollect must still be available")
	}
}

// seedExhausted creates a completed test whose chain has used every retest
// and recollection attempt.
func seedExhausted(t *testing.T, e *env) (uuid.UUID, *Sample, *OrderTest) {
	t.Helper()
	orderID := uuid.New()
	sample := &Sample{
		OrderID:             orderID,
		SampleType:          "whole_blood",
		Status:              SampleCompleted,
		Priority:            PriorityUrgent,
		RequiredVolumeML:    3,
		RecollectionAttempt: 3,
		RejectionHistory:    []SampleRejection{},
	}
	if err := e.samples.Create(ctx, sample); err != nil {
		t.Fatal(err)
	}
	test := &OrderTest{
		OrderID:          orderID,
		SampleID:         sample.ID,
		TestCode:         "CBC",
		Status:           TestCompleted,
		Results:          cbcResults(),
		RetestNumber:     3,
		RejectionHistory: []ResultRejection{},
	}
	if err := e.tests.Create(ctx, test); err != nil {
		t.Fatal(err)
	}
	return orderID, sample, test
}

func TestExhaustion_OnlyEscalationRemains(t *testing.T) {
	e := newEnv()
	orderID, _, _ := seedExhausted(t, e)

	opts, err := e.svc.GetRejectionOptions(ctx, orderID, "CBC")
	if err != nil {
		t.Fatal(err)
	}
	if opts.CanRetest || opts.CanRecollect {
		t.Fatal("no retry action may remain after exhaustion")
	}
	if !opts.EscalationRequired {
		t.Fatal("escalation must be required")
	}

	if _, err := e.svc.RejectResults(ctx, orderID, "CBC", ActionRetestSameSample, "again", "dr.mwangi"); !errors.Is(err, ErrActionNotAvailable) {
		t.Fatalf("expected ErrActionNotAvailable for retest, got %v", err)
	}
	if _, err := e.svc.RejectResults(ctx, orderID, "CBC", ActionRecollectNewSample, "again", "dr.mwangi"); !errors.Is(err, ErrActionNotAvailable) {
		t.Fatalf("expected ErrActionNotAvailable for recollect, got %v", err)
	}

	result, err := e.svc.RejectResults(ctx, orderID, "CBC", ActionEscalate, "budgets exhausted", "dr.mwangi")
	if err != nil {
		t.Fatalf("escalate must remain available: %v", err)
	}
	if result.Test.Status != TestEscalated {
		t.Fatalf("expected escalated, got %s", result.Test.Status)
	}

	items, err := e.svc.ListEscalations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one queue item, got %d", len(items))
	}
	if items[0].RetestNumber != 3 {
		t.Errorf("queue item must show the exhausted retest count, got %d", items[0].RetestNumber)
	}
}

func TestResolveEscalation_AuthorizeRetest(t *testing.T) {
	e := newEnv()
	orderID, sample, seeded := seedExhausted(t, e)
	if _, err := e.svc.RejectResults(ctx, orderID, "CBC", ActionEscalate, "exhausted", "dr.mwangi"); err != nil {
		t.Fatal(err)
	}

	resolved, err := e.svc.ResolveEscalation(ctx, orderID, "CBC",
		ResolutionAuthorizeRetest, "one supervised rerun", "dr.adeyemi")
	if err != nil {
		t.Fatalf("authorize_retest: %v", err)
	}
	if resolved.Status != TestSampleCollected {
		t.Errorf("authorized retest must start at sample-collected, got %s", resolved.Status)
	}
	if resolved.RetestNumber != 4 {
		t.Errorf("the override goes past the cap: expected retest 4, got %d", resolved.RetestNumber)
	}
	if resolved.SampleID != sample.ID {
		t.Error("authorized retest must reuse the same sample")
	}
	old, err := e.tests.GetByID(ctx, seeded.ID)
	if err != nil {
		t.Fatal(err)
	}
	if old.Status != TestSuperseded {
		t.Errorf("escalated test must be superseded, got %s", old.Status)
	}
	items, err := e.svc.ListEscalations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Errorf("queue must be empty after resolution, got %d items", len(items))
	}
}

func TestResolveEscalation_FinalReject(t *testing.T) {
	e := newEnv()
	orderID, _, _ := seedExhausted(t, e)
	if _, err := e.svc.RejectResults(ctx, orderID, "CBC", ActionEscalate, "exhausted", "dr.mwangi"); err != nil {
		t.Fatal(err)
	}

	resolved, err := e.svc.ResolveEscalation(ctx, orderID, "CBC",
		ResolutionFinalReject, "unresolvable interference", "dr.adeyemi")
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Status != TestRejected {
		t.Fatalf("expected rejected, got %s", resolved.Status)
	}
	// terminal: nothing further is possible
	if _, err := e.svc.EnterResults(ctx, orderID, "CBC", ResultsInput{Results: cbcResults()}, "k.tan"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on finally rejected test, got %v", err)
	}
}

func TestResolveEscalation_RetestBlockedOnRejectedSample(t *testing.T) {
	e := newEnv()
	orderID, sample, _ := seedExhausted(t, e)
	if _, err := e.svc.RejectResults(ctx, orderID, "CBC", ActionEscalate, "exhausted", "dr.mwangi"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.svc.RejectSample(ctx, sample.ID, []string{"leaked in storage"}, "", "k.tan"); err != nil {
		t.Fatal(err)
	}

	_, err := e.svc.ResolveEscalation(ctx, orderID, "CBC",
		ResolutionAuthorizeRetest, "rerun", "dr.adeyemi")
	if !errors.Is(err, ErrActionNotAvailable) {
		t.Fatalf("expected ErrActionNotAvailable with a rejected sample, got %v", err)
	}
}

func TestResolveEscalation_RequiresEscalated(t *testing.T) {
	e := newEnv()
	orderID, samples, _ := e.placeOrder(t, "CBC")
	e.completeCBC(t, orderID, samples[0].ID)
	_, err := e.svc.ResolveEscalation(ctx, orderID, "CBC", ResolutionFinalReject, "", "dr.adeyemi")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRequestRecollection(t *testing.T) {
	e := newEnv()
	orderID, samples, _ := e.placeOrder(t, "CBC")
	id := samples[0].ID
	if _, err := e.svc.CollectSample(ctx, id, CollectInput{VolumeML: 5}, "n.osei"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.svc.RejectSample(ctx, id, []string{"clotted"}, "", "k.tan"); err != nil {
		t.Fatal(err)
	}

	result, err := e.svc.RequestRecollection(ctx, id, "clotted specimen", "k.tan")
	if err != nil {
		t.Fatalf("recollection: %v", err)
	}
	if result.NewSample.RecollectionAttempt != 1 {
		t.Errorf("expected attempt 1, got %d", result.NewSample.RecollectionAttempt)
	}

	tests, err := e.svc.ListOrderTests(ctx, orderID)
	if err != nil {
		t.Fatal(err)
	}
	if tests[0].SampleID != result.NewSample.ID || tests[0].Status != TestPending {
		t.Errorf("test must be rebound pending to the new sample: %+v", tests[0])
	}

	// a sample can only be recollected once
	_, err = e.svc.RequestRecollection(ctx, id, "again", "k.tan")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on second recollection, got %v", err)
	}
}

func TestRequestRecollection_BeforeCollection(t *testing.T) {
	e := newEnv()
	orderID, samples, _ := e.placeOrder(t, "CBC")
	id := samples[0].ID

	// the sample never made it to the bench: rejected while still pending
	if _, err := e.svc.RejectSample(ctx, id, []string{"wrong tube"}, "", "k.tan"); err != nil {
		t.Fatal(err)
	}

	result, err := e.svc.RequestRecollection(ctx, id, "wrong tube", "k.tan")
	if err != nil {
		t.Fatalf("recollection of an uncollected sample must succeed: %v", err)
	}
	tests, err := e.svc.ListOrderTests(ctx, orderID)
	if err != nil {
		t.Fatal(err)
	}
	if tests[0].Status != TestPending {
		t.Errorf("pending test must stay pending, got %s", tests[0].Status)
	}
	if tests[0].SampleID != result.NewSample.ID {
		t.Error("pending test must be rebound to the replacement sample")
	}
}

func TestRequestRecollection_RequiresRejectedSample(t *testing.T) {
	e := newEnv()
	_, samples, _ := e.placeOrder(t, "CBC")
	_, err := e.svc.RequestRecollection(ctx, samples[0].ID, "why not", "k.tan")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRequestRecollection_Exhausted(t *testing.T) {
	e := newEnv()
	sample := &Sample{
		OrderID:             uuid.New(),
		SampleType:          "whole_blood",
		Status:              SampleRejected,
		Priority:            PriorityUrgent,
		RecollectionAttempt: 3,
		RejectionHistory:    []SampleRejection{},
	}
	if err := e.samples.Create(ctx, sample); err != nil {
		t.Fatal(err)
	}
	_, err := e.svc.RequestRecollection(ctx, sample.ID, "one more", "k.tan")
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("expected ErrAttemptsExhausted, got %v", err)
	}
}

func TestAuditFailure_RollsBackTransition(t *testing.T) {
	e := newEnv()
	_, samples, _ := e.placeOrder(t, "CBC")
	e.audit.fail = true

	_, err := e.svc.CollectSample(ctx, samples[0].ID, CollectInput{VolumeML: 5}, "n.osei")
	if !errors.Is(err, ErrAuditWriteFailure) {
		t.Fatalf("expected ErrAuditWriteFailure, got %v", err)
	}

	sample, err := e.svc.GetSample(ctx, samples[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if sample.Status != SamplePending {
		t.Fatalf("failed audit must roll the transition back, sample is %s", sample.Status)
	}
	tests, err := e.svc.ListOrderTests(ctx, sample.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if tests[0].Status != TestPending {
		t.Fatalf("linked test must be rolled back too, got %s", tests[0].Status)
	}
}

func TestRejectSample_AppendsHistory(t *testing.T) {
	e := newEnv()
	_, samples, _ := e.placeOrder(t, "CBC")
	sample, err := e.svc.RejectSample(ctx, samples[0].ID, []string{"insufficient volume", "wrong tube"}, "redraw", "k.tan")
	if err != nil {
		t.Fatal(err)
	}
	if sample.Status != SampleRejected {
		t.Fatalf("expected rejected, got %s", sample.Status)
	}
	if len(sample.RejectionHistory) != 1 || len(sample.RejectionHistory[0].Reasons) != 2 {
		t.Fatalf("unexpected rejection history: %+v", sample.RejectionHistory)
	}
}

func TestRejectSample_RequiresReason(t *testing.T) {
	e := newEnv()
	_, samples, _ := e.placeOrder(t, "CBC")
	if _, err := e.svc.RejectSample(ctx, samples[0].ID, nil, "", "k.tan"); err == nil {
		t.Fatal("expected error for missing reasons")
	}
}

func TestRemoveOrderTests(t *testing.T) {
	e := newEnv()
	orderID, _, _ := e.placeOrder(t, "CBC", "GLU")
	if err := e.svc.RemoveOrderTests(ctx, orderID, "order cancelled", "r.dlamini"); err != nil {
		t.Fatal(err)
	}
	tests, err := e.svc.ListOrderTests(ctx, orderID)
	if err != nil {
		t.Fatal(err)
	}
	for _, ot := range tests {
		if ot.Status != TestRemoved {
			t.Errorf("test %s: expected removed, got %s", ot.TestCode, ot.Status)
		}
	}
}

func TestRemoveOrderTests_BlockedPastSampleCollected(t *testing.T) {
	e := newEnv()
	orderID, samples, _ := e.placeOrder(t, "CBC")
	e.completeCBC(t, orderID, samples[0].ID)
	err := e.svc.RemoveOrderTests(ctx, orderID, "too late", "r.dlamini")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestGetAuditTrail_UnknownEntityType(t *testing.T) {
	e := newEnv()
	if _, err := e.svc.GetAuditTrail(ctx, "unicorn", uuid.New()); err == nil {
		t.Fatal("expected error for unknown entity type")
	}
}

func TestGetDashboard(t *testing.T) {
	e := newEnv()
	orderID, samples, _ := e.placeOrder(t, "CBC")
	e.completeCBC(t, orderID, samples[0].ID)
	if _, err := e.svc.RejectResults(ctx, orderID, "CBC", ActionEscalate, "odd", "dr.mwangi"); err != nil {
		t.Fatal(err)
	}

	dash, err := e.svc.GetDashboard(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if dash.SamplesByStatus[SampleCollected] != 1 {
		t.Errorf("expected 1 collected sample, got %d", dash.SamplesByStatus[SampleCollected])
	}
	if dash.TestsByStatus[TestEscalated] != 1 || dash.PendingEscalations != 1 {
		t.Errorf("expected 1 escalated test, got %+v", dash)
	}
}

func TestMutations_RequireActor(t *testing.T) {
	e := newEnv()
	_, samples, _ := e.placeOrder(t, "CBC")
	if _, err := e.svc.CollectSample(ctx, samples[0].ID, CollectInput{VolumeML: 5}, ""); err == nil {
		t.Fatal("expected error for missing actor")
	}
}
