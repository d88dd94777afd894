// Package audit is the append-only audit sink for integration activity.
// Entries are written and never read back by the core; operational tooling
// queries the table directly.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openlis/lisbridge/internal/platform/db"
)

// Actions recorded by the integration core.
const (
	ActionResultEnter  = "RESULT_ENTER"
	ActionResultUpdate = "RESULT_UPDATE"
	ActionDiscard      = "UNMATCHED_DISCARD"
)

// Entry is one audit row.
type Entry struct {
	ID             uuid.UUID  `json:"id"`
	LabID          uuid.UUID  `json:"lab_id"`
	Action         string     `json:"action"`
	EntityType     string     `json:"entity_type"`
	EntityID       *uuid.UUID `json:"entity_id,omitempty"`
	ActorID        *uuid.UUID `json:"actor_id,omitempty"`
	ImpersonatorID *uuid.UUID `json:"impersonator_id,omitempty"`
	Source         string     `json:"source"` // e.g. "instrument", "unmatched_inbox"
	Detail         string     `json:"detail"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Sink is what ingestion and the inbox depend on.
type Sink interface {
	Log(ctx context.Context, e *Entry) error
}

// Logger writes audit entries to the integration_audit_log table.
type Logger struct {
	pool *pgxpool.Pool
}

// NewLogger creates a Logger backed by the given pool.
func NewLogger(pool *pgxpool.Pool) *Logger {
	return &Logger{pool: pool}
}

// Log appends one entry. The transaction-aware connection from context is
// used when present so audit rows commit atomically with their subject.
func (l *Logger) Log(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	var c db.Conn = l.pool
	if ctxConn := db.ConnFromContext(ctx); ctxConn != nil {
		c = ctxConn
	}
	_, err := c.Exec(ctx, `
		INSERT INTO integration_audit_log (id, lab_id, action, entity_type,
			entity_id, actor_id, impersonator_id, source, detail)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.LabID, e.Action, e.EntityType,
		e.EntityID, e.ActorID, e.ImpersonatorID, e.Source, e.Detail)
	return err
}
