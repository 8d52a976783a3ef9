package labops

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lims/lims/internal/platform/db"
)

type sampleRepoPG struct{ pool *pgxpool.Pool }

func NewSampleRepoPG(pool *pgxpool.Pool) SampleRepository {
	return &sampleRepoPG{pool: pool}
}

func (r *sampleRepoPG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const sampleCols = `id, order_id, sample_type, status, priority, required_volume_ml,
	collected_volume_ml, volume_flag, accession_number, collected_by, collected_at,
	collection_notes, rejection_history, original_sample_id, recollection_sample_id,
	recollection_attempt, version, created_at, updated_at`

func scanSample(row pgx.Row) (*Sample, error) {
	var s Sample
	err := row.Scan(&s.ID, &s.OrderID, &s.SampleType, &s.Status, &s.Priority,
		&s.RequiredVolumeML, &s.CollectedVolumeML, &s.VolumeFlag, &s.AccessionNumber,
		&s.CollectedBy, &s.CollectedAt, &s.CollectionNotes, &s.RejectionHistory,
		&s.OriginalSampleID, &s.RecollectionSampleID, &s.RecollectionAttempt,
		&s.Version, &s.CreatedAt, &s.UpdatedAt)
	return &s, err
}

func (r *sampleRepoPG) Create(ctx context.Context, s *Sample) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.RejectionHistory == nil {
		s.RejectionHistory = []SampleRejection{}
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO sample (id, order_id, sample_type, status, priority, required_volume_ml,
			collected_volume_ml, volume_flag, accession_number, collected_by, collected_at,
			collection_notes, rejection_history, original_sample_id, recollection_sample_id,
			recollection_attempt, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,1)`,
		s.ID, s.OrderID, s.SampleType, s.Status, s.Priority, s.RequiredVolumeML,
		s.CollectedVolumeML, s.VolumeFlag, s.AccessionNumber, s.CollectedBy, s.CollectedAt,
		s.CollectionNotes, s.RejectionHistory, s.OriginalSampleID, s.RecollectionSampleID,
		s.RecollectionAttempt)
	if err == nil {
		s.Version = 1
	}
	return err
}

func (r *sampleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Sample, error) {
	s, err := scanSample(r.conn(ctx).QueryRow(ctx,
		`SELECT `+sampleCols+` FROM sample WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: sample %s", ErrNotFound, id)
	}
	return s, err
}

func (r *sampleRepoPG) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Sample, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+sampleCols+` FROM sample WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []*Sample
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

func (r *sampleRepoPG) Update(ctx context.Context, s *Sample) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sample SET status=$2, collected_volume_ml=$3, volume_flag=$4,
			accession_number=$5, collected_by=$6, collected_at=$7, collection_notes=$8,
			rejection_history=$9, recollection_sample_id=$10,
			version=version+1, updated_at=NOW()
		WHERE id = $1 AND version = $11`,
		s.ID, s.Status, s.CollectedVolumeML, s.VolumeFlag, s.AccessionNumber,
		s.CollectedBy, s.CollectedAt, s.CollectionNotes, s.RejectionHistory,
		s.RecollectionSampleID, s.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: sample %s version %d", ErrConcurrentModification, s.ID, s.Version)
	}
	s.Version++
	return nil
}

func (r *sampleRepoPG) NextAccessionSequence(ctx context.Context, year int) (int64, error) {
	// One counter per year keeps accession numbers short and human-checkable.
	var seq int64
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO accession_counter (year, value) VALUES ($1, 1)
		ON CONFLICT (year) DO UPDATE SET value = accession_counter.value + 1
		RETURNING value`, year).Scan(&seq)
	return seq, err
}

func (r *sampleRepoPG) CountByStatus(ctx context.Context) (map[SampleStatus]int, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT status, COUNT(*) FROM sample GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[SampleStatus]int)
	for rows.Next() {
		var status SampleStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type orderTestRepoPG struct{ pool *pgxpool.Pool }

func NewOrderTestRepoPG(pool *pgxpool.Pool) OrderTestRepository {
	return &orderTestRepoPG{pool: pool}
}

func (r *orderTestRepoPG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const orderTestCols = `id, order_id, sample_id, test_code, status, results, entry_notes,
	entered_by, entered_at, validated_by, validated_at, retest_of_test_id,
	retest_order_test_id, retest_number, rejection_history, version, created_at, updated_at`

func scanOrderTest(row pgx.Row) (*OrderTest, error) {
	var t OrderTest
	err := row.Scan(&t.ID, &t.OrderID, &t.SampleID, &t.TestCode, &t.Status, &t.Results,
		&t.EntryNotes, &t.EnteredBy, &t.EnteredAt, &t.ValidatedBy, &t.ValidatedAt,
		&t.RetestOfTestID, &t.RetestOrderTestID, &t.RetestNumber, &t.RejectionHistory,
		&t.Version, &t.CreatedAt, &t.UpdatedAt)
	return &t, err
}

func (r *orderTestRepoPG) Create(ctx context.Context, t *OrderTest) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Results == nil {
		t.Results = map[string]string{}
	}
	if t.RejectionHistory == nil {
		t.RejectionHistory = []ResultRejection{}
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO order_test (id, order_id, sample_id, test_code, status, results,
			entry_notes, entered_by, entered_at, validated_by, validated_at,
			retest_of_test_id, retest_order_test_id, retest_number, rejection_history, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,1)`,
		t.ID, t.OrderID, t.SampleID, t.TestCode, t.Status, t.Results,
		t.EntryNotes, t.EnteredBy, t.EnteredAt, t.ValidatedBy, t.ValidatedAt,
		t.RetestOfTestID, t.RetestOrderTestID, t.RetestNumber, t.RejectionHistory)
	if err == nil {
		t.Version = 1
	}
	return err
}

func (r *orderTestRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*OrderTest, error) {
	t, err := scanOrderTest(r.conn(ctx).QueryRow(ctx,
		`SELECT `+orderTestCols+` FROM order_test WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: test %s", ErrNotFound, id)
	}
	return t, err
}

func (r *orderTestRepoPG) GetActiveByOrderAndCode(ctx context.Context, orderID uuid.UUID, testCode string) (*OrderTest, error) {
	t, err := scanOrderTest(r.conn(ctx).QueryRow(ctx, `
		SELECT `+orderTestCols+` FROM order_test
		WHERE order_id = $1 AND test_code = $2 AND status NOT IN ('superseded','removed')
		ORDER BY retest_number DESC LIMIT 1`, orderID, testCode))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no active test %s on order %s", ErrNotFound, testCode, orderID)
	}
	return t, err
}

func (r *orderTestRepoPG) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*OrderTest, error) {
	return r.list(ctx,
		`SELECT `+orderTestCols+` FROM order_test WHERE order_id = $1 ORDER BY created_at`, orderID)
}

func (r *orderTestRepoPG) ListBySample(ctx context.Context, sampleID uuid.UUID) ([]*OrderTest, error) {
	return r.list(ctx,
		`SELECT `+orderTestCols+` FROM order_test WHERE sample_id = $1 ORDER BY created_at`, sampleID)
}

func (r *orderTestRepoPG) list(ctx context.Context, query string, args ...interface{}) ([]*OrderTest, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tests []*OrderTest
	for rows.Next() {
		t, err := scanOrderTest(rows)
		if err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}
	return tests, rows.Err()
}

func (r *orderTestRepoPG) Update(ctx context.Context, t *OrderTest) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE order_test SET sample_id=$2, status=$3, results=$4, entry_notes=$5,
			entered_by=$6, entered_at=$7, validated_by=$8, validated_at=$9,
			retest_order_test_id=$10, rejection_history=$11,
			version=version+1, updated_at=NOW()
		WHERE id = $1 AND version = $12`,
		t.ID, t.SampleID, t.Status, t.Results, t.EntryNotes,
		t.EnteredBy, t.EnteredAt, t.ValidatedBy, t.ValidatedAt,
		t.RetestOrderTestID, t.RejectionHistory, t.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: test %s version %d", ErrConcurrentModification, t.ID, t.Version)
	}
	t.Version++
	return nil
}

func (r *orderTestRepoPG) ListEscalated(ctx context.Context, limit int) ([]*PendingEscalationItem, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT t.order_id, t.id, t.test_code, COALESCE(d.name, t.test_code),
			COALESCE(p.last_name || ', ' || p.first_name, ''),
			t.sample_id, t.retest_number, s.recollection_attempt, t.updated_at
		FROM order_test t
		JOIN sample s ON s.id = t.sample_id
		JOIN lab_order o ON o.id = t.order_id
		LEFT JOIN patient p ON p.id = o.patient_id
		LEFT JOIN test_definition d ON d.code = t.test_code
		WHERE t.status = 'escalated'
		ORDER BY t.updated_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*PendingEscalationItem
	for rows.Next() {
		var it PendingEscalationItem
		if err := rows.Scan(&it.OrderID, &it.TestID, &it.TestCode, &it.TestName,
			&it.PatientName, &it.SampleID, &it.RetestNumber, &it.RecollectionAttempt,
			&it.LastActionAt); err != nil {
			return nil, err
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}

func (r *orderTestRepoPG) CountByStatus(ctx context.Context) (map[TestStatus]int, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT status, COUNT(*) FROM order_test GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[TestStatus]int)
	for rows.Next() {
		var status TestStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type auditRepoPG struct{ pool *pgxpool.Pool }

func NewAuditRepoPG(pool *pgxpool.Pool) AuditRepository {
	return &auditRepoPG{pool: pool}
}

func (r *auditRepoPG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *auditRepoPG) Append(ctx context.Context, rec *LabOperationRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]string{}
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO lab_operation_record (id, operation, entity_type, entity_id, actor,
			before_state, after_state, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		rec.ID, rec.Operation, rec.EntityType, rec.EntityID, rec.Actor,
		rec.Before, rec.After, rec.Metadata)
	return err
}

func (r *auditRepoPG) ListByEntity(ctx context.Context, entityType string, entityID uuid.UUID) ([]*LabOperationRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, operation, entity_type, entity_id, actor, before_state, after_state,
			metadata, created_at
		FROM lab_operation_record
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at ASC`, entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*LabOperationRecord
	for rows.Next() {
		var rec LabOperationRecord
		if err := rows.Scan(&rec.ID, &rec.Operation, &rec.EntityType, &rec.EntityID,
			&rec.Actor, &rec.Before, &rec.After, &rec.Metadata, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}
