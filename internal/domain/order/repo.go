package order

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned by lookups that matched no row.
var ErrNotFound = errors.New("order: not found")

type OrderRepository interface {
	// GetActiveByNumber looks an order up by (labID, orderNumber), excluding
	// cancelled orders. This is the only sample-resolution path ingestion is
	// allowed to use.
	GetActiveByNumber(ctx context.Context, labID uuid.UUID, orderNumber string) (*Order, error)
	// GetBySample resolves the order a sample belongs to, cancelled or not.
	GetBySample(ctx context.Context, sampleID uuid.UUID) (*Order, error)
}

type SampleRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Sample, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Sample, error)
}

type OrderTestRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*OrderTest, error)
	GetBySampleAndTest(ctx context.Context, sampleID, testID uuid.UUID) (*OrderTest, error)
	ListBySample(ctx context.Context, sampleID uuid.UUID) ([]*OrderTest, error)
	// Update persists result fields, status, comments and resulted metadata.
	Update(ctx context.Context, ot *OrderTest) error
	// UpdateStatus writes only the status column; used by the panel machine.
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
}

type ResultHistoryRepository interface {
	Create(ctx context.Context, h *ResultHistory) error
	ListByOrderTest(ctx context.Context, orderTestID uuid.UUID) ([]*ResultHistory, error)
}

type TestComponentRepository interface {
	ListByPanel(ctx context.Context, panelTestID uuid.UUID) ([]*TestComponent, error)
}
