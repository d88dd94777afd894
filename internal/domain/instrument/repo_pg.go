package instrument

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

// =========== Instrument ===========

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const instrumentCols = `id, lab_id, name, protocol, connection_type, host, port,
	serial_port, baud_rate, start_block, end_block, facility_id, application_id,
	auto_post, require_verification, is_active, status,
	last_connected_at, last_message_at, last_error, created_at, updated_at`

func scanInstrument(row pgx.Row) (*Instrument, error) {
	var in Instrument
	err := row.Scan(&in.ID, &in.LabID, &in.Name, &in.Protocol, &in.ConnectionType, &in.Host, &in.Port,
		&in.SerialPort, &in.BaudRate, &in.StartBlock, &in.EndBlock, &in.FacilityID, &in.ApplicationID,
		&in.AutoPost, &in.RequireVerify, &in.IsActive, &in.Status,
		&in.LastConnectedAt, &in.LastMessageAt, &in.LastError, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &in, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Instrument, error) {
	return scanInstrument(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+instrumentCols+` FROM instrument WHERE id = $1`, id))
}

func (r *repoPG) list(ctx context.Context, query string) ([]*Instrument, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instruments []*Instrument
	for rows.Next() {
		in, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		instruments = append(instruments, in)
	}
	return instruments, rows.Err()
}

func (r *repoPG) List(ctx context.Context) ([]*Instrument, error) {
	return r.list(ctx, `SELECT `+instrumentCols+` FROM instrument ORDER BY name`)
}

func (r *repoPG) ListActive(ctx context.Context) ([]*Instrument, error) {
	return r.list(ctx, `SELECT `+instrumentCols+` FROM instrument WHERE is_active ORDER BY name`)
}

func (r *repoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status, lastError string) error {
	var errPtr *string
	if lastError != "" {
		errPtr = &lastError
	}
	if status == StatusOnline {
		_, err := conn(ctx, r.pool).Exec(ctx, `
			UPDATE instrument SET status=$2, last_error=$3, last_connected_at=NOW(), updated_at=NOW()
			WHERE id = $1`, id, status, errPtr)
		return err
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE instrument SET status=$2, last_error=$3, updated_at=NOW()
		WHERE id = $1`, id, status, errPtr)
	return err
}

func (r *repoPG) TouchLastMessage(ctx context.Context, id uuid.UUID) error {
	_, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE instrument SET last_message_at=NOW(), updated_at=NOW() WHERE id = $1`, id)
	return err
}

// =========== TestMapping ===========

type mappingRepoPG struct{ pool *pgxpool.Pool }

func NewMappingRepoPG(pool *pgxpool.Pool) MappingRepository {
	return &mappingRepoPG{pool: pool}
}

func (r *mappingRepoPG) GetActive(ctx context.Context, instrumentID uuid.UUID, code string) (*TestMapping, error) {
	var m TestMapping
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, instrument_id, instrument_code, test_id, multiplier, is_active, created_at
		FROM instrument_test_mapping
		WHERE instrument_id = $1 AND instrument_code = $2 AND is_active`,
		instrumentID, code).
		Scan(&m.ID, &m.InstrumentID, &m.InstrumentCode, &m.TestID, &m.Multiplier, &m.IsActive, &m.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (r *mappingRepoPG) GetActiveByTest(ctx context.Context, instrumentID, testID uuid.UUID) (*TestMapping, error) {
	var m TestMapping
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, instrument_id, instrument_code, test_id, multiplier, is_active, created_at
		FROM instrument_test_mapping
		WHERE instrument_id = $1 AND test_id = $2 AND is_active`,
		instrumentID, testID).
		Scan(&m.ID, &m.InstrumentID, &m.InstrumentCode, &m.TestID, &m.Multiplier, &m.IsActive, &m.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// =========== Message ===========

type messageRepoPG struct{ pool *pgxpool.Pool }

func NewMessageRepoPG(pool *pgxpool.Pool) MessageRepository {
	return &messageRepoPG{pool: pool}
}

const messageCols = `id, instrument_id, direction, message_type, control_id,
	raw_message, parsed_meta, status, error_message, created_at, updated_at`

func (r *messageRepoPG) Create(ctx context.Context, m *Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO instrument_message (id, instrument_id, direction, message_type,
			control_id, raw_message, parsed_meta, status, error_message)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		m.ID, m.InstrumentID, m.Direction, m.MessageType,
		m.ControlID, m.RawMessage, m.ParsedMeta, m.Status, m.ErrorMessage)
	return err
}

func (r *messageRepoPG) Update(ctx context.Context, m *Message) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE instrument_message SET message_type=$2, control_id=$3, parsed_meta=$4,
			status=$5, error_message=$6, updated_at=NOW()
		WHERE id = $1`,
		m.ID, m.MessageType, m.ControlID, m.ParsedMeta, m.Status, m.ErrorMessage)
	return err
}

func (r *messageRepoPG) ListByInstrument(ctx context.Context, instrumentID uuid.UUID, limit, offset int) ([]*Message, int, error) {
	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM instrument_message WHERE instrument_id = $1`, instrumentID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+messageCols+` FROM instrument_message
		WHERE instrument_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		instrumentID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.InstrumentID, &m.Direction, &m.MessageType, &m.ControlID,
			&m.RawMessage, &m.ParsedMeta, &m.Status, &m.ErrorMessage, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, 0, err
		}
		messages = append(messages, &m)
	}
	return messages, total, rows.Err()
}
