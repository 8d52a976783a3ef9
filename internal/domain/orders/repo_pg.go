package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lims/lims/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const orderCols = `id, patient_id, ordered_by, status, priority, clinical_notes, version, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.PatientID, &o.OrderedBy, &o.Status, &o.Priority,
		&o.ClinicalNotes, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	return &o, err
}

func (r *repoPG) Create(ctx context.Context, o *Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO lab_order (id, patient_id, ordered_by, status, priority, clinical_notes, version)
		VALUES ($1,$2,$3,$4,$5,$6,1)`,
		o.ID, o.PatientID, o.OrderedBy, o.Status, o.Priority, o.ClinicalNotes)
	if err == nil {
		o.Version = 1
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := scanOrder(r.conn(ctx).QueryRow(ctx,
		`SELECT `+orderCols+` FROM lab_order WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: not found", id)
	}
	return o, err
}

func (r *repoPG) List(ctx context.Context, patientID *uuid.UUID, limit, offset int) ([]*Order, int, error) {
	where := ``
	var args []interface{}
	if patientID != nil {
		where = `WHERE patient_id = $1`
		args = append(args, *patientID)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM lab_order `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(
		`SELECT %s FROM lab_order %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		orderCols, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, o)
	}
	return out, total, rows.Err()
}

func (r *repoPG) Update(ctx context.Context, o *Order) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE lab_order SET status=$2, priority=$3, clinical_notes=$4,
			version=version+1, updated_at=NOW()
		WHERE id = $1 AND version = $5`,
		o.ID, o.Status, o.Priority, o.ClinicalNotes, o.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: concurrent modification", o.ID)
	}
	o.Version++
	return nil
}
