package catalog

import (
	"context"
	"errors"
	"fmt"

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

const defCols = `code, name, category, sample_type, required_volume_ml, tat_minutes, active, created_at, updated_at`

func scanDef(row pgx.Row) (*TestDefinition, error) {
	var d TestDefinition
	err := row.Scan(&d.Code, &d.Name, &d.Category, &d.SampleType,
		&d.RequiredVolumeML, &d.TATMinutes, &d.Active, &d.CreatedAt, &d.UpdatedAt)
	return &d, err
}

func (r *repoPG) GetByCode(ctx context.Context, code string) (*TestDefinition, error) {
	d, err := scanDef(r.conn(ctx).QueryRow(ctx,
		`SELECT `+defCols+` FROM test_definition WHERE code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("test definition %s: not found", code)
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadParameters(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *repoPG) loadParameters(ctx context.Context, d *TestDefinition) error {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT test_code, code, name, unit, ref_low, ref_high, position
		FROM test_parameter WHERE test_code = $1 ORDER BY position`, d.Code)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var p TestParameter
		if err := rows.Scan(&p.TestCode, &p.Code, &p.Name, &p.Unit, &p.RefLow, &p.RefHigh, &p.Position); err != nil {
			return err
		}
		d.Parameters = append(d.Parameters, p)
	}
	return rows.Err()
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*TestDefinition, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM test_definition WHERE active`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+defCols+` FROM test_definition WHERE active ORDER BY code LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var defs []*TestDefinition
	for rows.Next() {
		d, err := scanDef(rows)
		if err != nil {
			return nil, 0, err
		}
		defs = append(defs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for _, d := range defs {
		if err := r.loadParameters(ctx, d); err != nil {
			return nil, 0, err
		}
	}
	return defs, total, nil
}
