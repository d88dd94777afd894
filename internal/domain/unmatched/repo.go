package unmatched

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by lookups that matched no row.
	ErrNotFound = errors.New("unmatched: not found")

	// ErrAlreadyResolved is returned when resolving a row that is no
	// longer PENDING.
	ErrAlreadyResolved = errors.New("unmatched: result already resolved")
)

type Repository interface {
	Create(ctx context.Context, r *Result) error
	GetByID(ctx context.Context, id uuid.UUID) (*Result, error)
	// List returns inbox rows for a lab, optionally filtered by status
	// ("" means all), newest first.
	List(ctx context.Context, labID uuid.UUID, status string, limit, offset int) ([]*Result, int, error)
	// UpdateResolution persists status, resolution link, actor, timestamp
	// and notes.
	UpdateResolution(ctx context.Context, r *Result) error
	Stats(ctx context.Context, labID uuid.UUID) ([]*ReasonStats, error)
}
