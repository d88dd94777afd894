package order

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openlis/lisbridge/internal/platform/db"
)

func conn(ctx context.Context, pool *pgxpool.Pool) db.Conn {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =========== Order ===========

type orderRepoPG struct{ pool *pgxpool.Pool }

func NewOrderRepoPG(pool *pgxpool.Pool) OrderRepository {
	return &orderRepoPG{pool: pool}
}

func (r *orderRepoPG) GetActiveByNumber(ctx context.Context, labID uuid.UUID, orderNumber string) (*Order, error) {
	var o Order
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, lab_id, order_number, patient_id, status, created_at, updated_at
		FROM lab_order
		WHERE lab_id = $1 AND order_number = $2 AND status <> $3`,
		labID, orderNumber, OrderStatusCancelled).
		Scan(&o.ID, &o.LabID, &o.OrderNumber, &o.PatientID, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

func (r *orderRepoPG) GetBySample(ctx context.Context, sampleID uuid.UUID) (*Order, error) {
	var o Order
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT o.id, o.lab_id, o.order_number, o.patient_id, o.status, o.created_at, o.updated_at
		FROM lab_order o
		JOIN sample s ON s.order_id = o.id
		WHERE s.id = $1`, sampleID).
		Scan(&o.ID, &o.LabID, &o.OrderNumber, &o.PatientID, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

// =========== Sample ===========

type sampleRepoPG struct{ pool *pgxpool.Pool }

func NewSampleRepoPG(pool *pgxpool.Pool) SampleRepository {
	return &sampleRepoPG{pool: pool}
}

const sampleCols = `id, order_id, sample_number, status, created_at`

func scanSample(row pgx.Row) (*Sample, error) {
	var s Sample
	err := row.Scan(&s.ID, &s.OrderID, &s.SampleNumber, &s.Status, &s.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (r *sampleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Sample, error) {
	return scanSample(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+sampleCols+` FROM sample WHERE id = $1`, id))
}

func (r *sampleRepoPG) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Sample, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
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

// =========== OrderTest ===========

type orderTestRepoPG struct{ pool *pgxpool.Pool }

func NewOrderTestRepoPG(pool *pgxpool.Pool) OrderTestRepository {
	return &orderTestRepoPG{pool: pool}
}

const orderTestCols = `id, sample_id, test_id, parent_order_test_id,
	result_value, result_text, unit, reference_range, flag, status,
	resulted_at, resulted_by, comments, created_at, updated_at`

func scanOrderTest(row pgx.Row) (*OrderTest, error) {
	var ot OrderTest
	err := row.Scan(&ot.ID, &ot.SampleID, &ot.TestID, &ot.ParentOrderTestID,
		&ot.ResultValue, &ot.ResultText, &ot.Unit, &ot.ReferenceRange, &ot.Flag, &ot.Status,
		&ot.ResultedAt, &ot.ResultedBy, &ot.Comments, &ot.CreatedAt, &ot.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &ot, nil
}

func (r *orderTestRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*OrderTest, error) {
	return scanOrderTest(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+orderTestCols+` FROM order_test WHERE id = $1`, id))
}

func (r *orderTestRepoPG) GetBySampleAndTest(ctx context.Context, sampleID, testID uuid.UUID) (*OrderTest, error) {
	return scanOrderTest(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+orderTestCols+` FROM order_test WHERE sample_id = $1 AND test_id = $2`,
		sampleID, testID))
}

func (r *orderTestRepoPG) ListBySample(ctx context.Context, sampleID uuid.UUID) ([]*OrderTest, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+orderTestCols+` FROM order_test WHERE sample_id = $1 ORDER BY created_at`, sampleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tests []*OrderTest
	for rows.Next() {
		ot, err := scanOrderTest(rows)
		if err != nil {
			return nil, err
		}
		tests = append(tests, ot)
	}
	return tests, rows.Err()
}

func (r *orderTestRepoPG) Update(ctx context.Context, ot *OrderTest) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE order_test SET
			result_value=$2, result_text=$3, unit=$4, reference_range=$5, flag=$6,
			status=$7, resulted_at=$8, resulted_by=$9, comments=$10, updated_at=NOW()
		WHERE id = $1`,
		ot.ID, ot.ResultValue, ot.ResultText, ot.Unit, ot.ReferenceRange, ot.Flag,
		ot.Status, ot.ResultedAt, ot.ResultedBy, ot.Comments)
	return err
}

func (r *orderTestRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE order_test SET status=$2, updated_at=NOW() WHERE id = $1`, id, status)
	return err
}

// =========== ResultHistory ===========

type resultHistoryRepoPG struct{ pool *pgxpool.Pool }

func NewResultHistoryRepoPG(pool *pgxpool.Pool) ResultHistoryRepository {
	return &resultHistoryRepoPG{pool: pool}
}

func (r *resultHistoryRepoPG) Create(ctx context.Context, h *ResultHistory) error {
	h.ID = uuid.New()
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO order_test_result_history (id, order_test_id, message_id,
			instrument_code, sequence, result_value, result_text, unit,
			reference_range, flag, comments, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		h.ID, h.OrderTestID, h.MessageID,
		h.InstrumentCode, h.Sequence, h.ResultValue, h.ResultText, h.Unit,
		h.ReferenceRange, h.Flag, h.Comments, h.ReceivedAt)
	return err
}

func (r *resultHistoryRepoPG) ListByOrderTest(ctx context.Context, orderTestID uuid.UUID) ([]*ResultHistory, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT id, order_test_id, message_id, instrument_code, sequence,
			result_value, result_text, unit, reference_range, flag, comments,
			received_at, created_at
		FROM order_test_result_history
		WHERE order_test_id = $1 ORDER BY received_at`, orderTestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*ResultHistory
	for rows.Next() {
		var h ResultHistory
		if err := rows.Scan(&h.ID, &h.OrderTestID, &h.MessageID, &h.InstrumentCode, &h.Sequence,
			&h.ResultValue, &h.ResultText, &h.Unit, &h.ReferenceRange, &h.Flag, &h.Comments,
			&h.ReceivedAt, &h.CreatedAt); err != nil {
			return nil, err
		}
		history = append(history, &h)
	}
	return history, rows.Err()
}

// =========== TestComponent ===========

type testComponentRepoPG struct{ pool *pgxpool.Pool }

func NewTestComponentRepoPG(pool *pgxpool.Pool) TestComponentRepository {
	return &testComponentRepoPG{pool: pool}
}

func (r *testComponentRepoPG) ListByPanel(ctx context.Context, panelTestID uuid.UUID) ([]*TestComponent, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT id, panel_test_id, child_test_id, required, sort_order
		FROM test_component
		WHERE panel_test_id = $1 ORDER BY sort_order`, panelTestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comps []*TestComponent
	for rows.Next() {
		var tc TestComponent
		if err := rows.Scan(&tc.ID, &tc.PanelTestID, &tc.ChildTestID, &tc.Required, &tc.SortOrder); err != nil {
			return nil, err
		}
		comps = append(comps, &tc)
	}
	return comps, rows.Err()
}
