package unmatched

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openlis/lisbridge/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Conn {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const cols = `id, lab_id, instrument_id, message_id, sample_identifier,
	instrument_code, sequence, result_value, result_text, unit, reference_range,
	flag, reason, detail, status, resolved_order_test_id, resolved_by,
	resolved_at, notes, received_at, created_at`

func scan(row pgx.Row) (*Result, error) {
	var u Result
	err := row.Scan(&u.ID, &u.LabID, &u.InstrumentID, &u.MessageID, &u.SampleIdentifier,
		&u.InstrumentCode, &u.Sequence, &u.ResultValue, &u.ResultText, &u.Unit, &u.ReferenceRange,
		&u.Flag, &u.Reason, &u.Detail, &u.Status, &u.ResolvedOrderTestID, &u.ResolvedBy,
		&u.ResolvedAt, &u.Notes, &u.ReceivedAt, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (r *repoPG) Create(ctx context.Context, u *Result) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Status == "" {
		u.Status = StatusPending
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO unmatched_instrument_result (id, lab_id, instrument_id, message_id,
			sample_identifier, instrument_code, sequence, result_value, result_text,
			unit, reference_range, flag, reason, detail, status, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		u.ID, u.LabID, u.InstrumentID, u.MessageID,
		u.SampleIdentifier, u.InstrumentCode, u.Sequence, u.ResultValue, u.ResultText,
		u.Unit, u.ReferenceRange, u.Flag, u.Reason, u.Detail, u.Status, u.ReceivedAt)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Result, error) {
	return scan(r.conn(ctx).QueryRow(ctx, `SELECT `+cols+` FROM unmatched_instrument_result WHERE id = $1`, id))
}

func (r *repoPG) List(ctx context.Context, labID uuid.UUID, status string, limit, offset int) ([]*Result, int, error) {
	where := `WHERE lab_id = $1`
	args := []interface{}{labID}
	if status != "" {
		where += fmt.Sprintf(` AND status = $%d`, len(args)+1)
		args = append(args, status)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM unmatched_instrument_result `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+cols+` FROM unmatched_instrument_result `+where+
			fmt.Sprintf(` ORDER BY received_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var results []*Result
	for rows.Next() {
		u, err := scan(rows)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, u)
	}
	return results, total, rows.Err()
}

func (r *repoPG) UpdateResolution(ctx context.Context, u *Result) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE unmatched_instrument_result SET
			status=$2, resolved_order_test_id=$3, resolved_by=$4, resolved_at=$5, notes=$6
		WHERE id = $1`,
		u.ID, u.Status, u.ResolvedOrderTestID, u.ResolvedBy, u.ResolvedAt, u.Notes)
	return err
}

func (r *repoPG) Stats(ctx context.Context, labID uuid.UUID) ([]*ReasonStats, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT reason,
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COUNT(*) FILTER (WHERE status = 'RESOLVED'),
			COUNT(*) FILTER (WHERE status = 'DISCARDED')
		FROM unmatched_instrument_result
		WHERE lab_id = $1
		GROUP BY reason ORDER BY reason`, labID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*ReasonStats
	for rows.Next() {
		var s ReasonStats
		if err := rows.Scan(&s.Reason, &s.Pending, &s.Resolved, &s.Discarded); err != nil {
			return nil, err
		}
		stats = append(stats, &s)
	}
	return stats, rows.Err()
}
