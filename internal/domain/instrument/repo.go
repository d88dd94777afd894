package instrument

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned by lookups that matched no row.
var ErrNotFound = errors.New("instrument: not found")

type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Instrument, error)
	List(ctx context.Context) ([]*Instrument, error)
	// ListActive returns active instruments eligible for connection startup.
	ListActive(ctx context.Context) ([]*Instrument, error)
	// UpdateStatus records a live-status transition. lastError is stored
	// verbatim ("" clears it); ONLINE transitions also stamp
	// last_connected_at.
	UpdateStatus(ctx context.Context, id uuid.UUID, status, lastError string) error
	// TouchLastMessage stamps last_message_at.
	TouchLastMessage(ctx context.Context, id uuid.UUID) error
}

type MappingRepository interface {
	// GetActive returns the active mapping for (instrumentID, code), where
	// code has already been normalized (trimmed, uppercased).
	GetActive(ctx context.Context, instrumentID uuid.UUID, code string) (*TestMapping, error)
	// GetActiveByTest is the reverse lookup, used when downloading orders
	// to an instrument.
	GetActiveByTest(ctx context.Context, instrumentID, testID uuid.UUID) (*TestMapping, error)
}

type MessageRepository interface {
	Create(ctx context.Context, m *Message) error
	// Update rewrites the mutable columns (type, control id, parsed
	// metadata, status, error) of an existing row.
	Update(ctx context.Context, m *Message) error
	ListByInstrument(ctx context.Context, instrumentID uuid.UUID, limit, offset int) ([]*Message, int, error)
}
