package unmatched

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openlis/lisbridge/internal/domain/order"
	"github.com/openlis/lisbridge/internal/domain/panel"
	"github.com/openlis/lisbridge/internal/platform/audit"
)

// TxRunner runs fn with a transactional context; every repository call
// inside fn joins one transaction. Production wires db.InTx; tests pass a
// pass-through.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// Actor identifies who is resolving an inbox row. ImpersonatorID is set when
// a platform admin acts on behalf of a lab user.
type Actor struct {
	UserID         uuid.UUID
	ImpersonatorID *uuid.UUID
}

type Service struct {
	repo       Repository
	orders     order.OrderRepository
	orderTests order.OrderTestRepository
	history    order.ResultHistoryRepository
	panels     *panel.Service
	audit      audit.Sink
	inTx       TxRunner
}

func NewService(repo Repository, orders order.OrderRepository, orderTests order.OrderTestRepository,
	history order.ResultHistoryRepository, panels *panel.Service, auditSink audit.Sink, inTx TxRunner) *Service {
	if inTx == nil {
		inTx = func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
	}
	return &Service{
		repo:       repo,
		orders:     orders,
		orderTests: orderTests,
		history:    history,
		panels:     panels,
		audit:      auditSink,
		inTx:       inTx,
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Result, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, labID uuid.UUID, status string, limit, offset int) ([]*Result, int, error) {
	return s.repo.List(ctx, labID, status, limit, offset)
}

// Stats returns per-reason pending/resolved/discarded counts.
func (s *Service) Stats(ctx context.Context, labID uuid.UUID) ([]*ReasonStats, error) {
	return s.repo.Stats(ctx, labID)
}

// Attach resolves a PENDING inbox row against an explicit target OrderTest:
// the stored value, text, flag and receive time are copied onto the target,
// the target goes COMPLETED with resultedBy set to the acting user, a
// history row and an audit entry are appended, and the target's panel parent
// is recomputed. The whole sequence runs in one transaction so a concurrent
// ingestion write cannot interleave.
func (s *Service) Attach(ctx context.Context, id, orderTestID uuid.UUID, actor Actor) (*Result, error) {
	if orderTestID == uuid.Nil {
		return nil, fmt.Errorf("unmatched: attach requires a target order test id")
	}

	var row *Result
	err := s.inTx(ctx, func(ctx context.Context) error {
		var err error
		row, err = s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if row.Status != StatusPending {
			return fmt.Errorf("%w (status %s)", ErrAlreadyResolved, row.Status)
		}

		target, err := s.orderTests.GetByID(ctx, orderTestID)
		if err != nil {
			return fmt.Errorf("unmatched: load target order test: %w", err)
		}

		targetOrder, err := s.orders.GetBySample(ctx, target.SampleID)
		if err != nil {
			return fmt.Errorf("unmatched: resolve target lab: %w", err)
		}
		if targetOrder.LabID != row.LabID {
			return fmt.Errorf("unmatched: order test %s belongs to a different lab", orderTestID)
		}

		now := time.Now().UTC()

		target.ResultValue = row.ResultValue
		target.ResultText = row.ResultText
		target.Flag = row.Flag
		target.Unit = row.Unit
		target.ReferenceRange = row.ReferenceRange
		target.Status = order.StatusCompleted
		receivedAt := row.ReceivedAt
		target.ResultedAt = &receivedAt
		userID := actor.UserID.String()
		target.ResultedBy = &userID
		if err := s.orderTests.Update(ctx, target); err != nil {
			return fmt.Errorf("unmatched: update order test: %w", err)
		}

		if err := s.history.Create(ctx, &order.ResultHistory{
			OrderTestID:    target.ID,
			MessageID:      row.MessageID,
			InstrumentCode: row.InstrumentCode,
			Sequence:       row.Sequence,
			ResultValue:    row.ResultValue,
			ResultText:     row.ResultText,
			Unit:           row.Unit,
			ReferenceRange: row.ReferenceRange,
			Flag:           row.Flag,
			ReceivedAt:     row.ReceivedAt,
		}); err != nil {
			return fmt.Errorf("unmatched: append history: %w", err)
		}

		row.Status = StatusResolved
		row.ResolvedOrderTestID = &target.ID
		row.ResolvedBy = &actor.UserID
		row.ResolvedAt = &now
		if err := s.repo.UpdateResolution(ctx, row); err != nil {
			return fmt.Errorf("unmatched: resolve inbox row: %w", err)
		}

		if err := s.audit.Log(ctx, &audit.Entry{
			LabID:          row.LabID,
			Action:         audit.ActionResultEnter,
			EntityType:     "order_test",
			EntityID:       &target.ID,
			ActorID:        &actor.UserID,
			ImpersonatorID: actor.ImpersonatorID,
			Source:         "unmatched_inbox",
			Detail:         fmt.Sprintf("attached unmatched result %s (code %s)", row.ID, row.InstrumentCode),
		}); err != nil {
			return fmt.Errorf("unmatched: audit: %w", err)
		}

		if target.ParentOrderTestID != nil {
			if _, err := s.panels.RecomputeParent(ctx, *target.ParentOrderTestID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// Discard marks a PENDING row DISCARDED with optional notes.
func (s *Service) Discard(ctx context.Context, id uuid.UUID, actor Actor, notes string) (*Result, error) {
	row, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if row.Status != StatusPending {
		return nil, fmt.Errorf("%w (status %s)", ErrAlreadyResolved, row.Status)
	}

	now := time.Now().UTC()
	row.Status = StatusDiscarded
	row.ResolvedBy = &actor.UserID
	row.ResolvedAt = &now
	if notes != "" {
		row.Notes = &notes
	}
	if err := s.repo.UpdateResolution(ctx, row); err != nil {
		return nil, err
	}

	if err := s.audit.Log(ctx, &audit.Entry{
		LabID:          row.LabID,
		Action:         audit.ActionDiscard,
		EntityType:     "unmatched_instrument_result",
		EntityID:       &row.ID,
		ActorID:        &actor.UserID,
		ImpersonatorID: actor.ImpersonatorID,
		Source:         "unmatched_inbox",
		Detail:         fmt.Sprintf("discarded unmatched result (code %s, reason %s)", row.InstrumentCode, row.Reason),
	}); err != nil {
		return nil, err
	}
	return row, nil
}
