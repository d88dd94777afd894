// Package panel derives a panel parent's status from its required child
// tests. Parent status is never written directly by ingestion; this service
// is the only writer.
package panel

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/openlis/lisbridge/internal/domain/order"
)

type Service struct {
	orderTests order.OrderTestRepository
	components order.TestComponentRepository
}

func NewService(orderTests order.OrderTestRepository, components order.TestComponentRepository) *Service {
	return &Service{orderTests: orderTests, components: components}
}

// RecomputeForSample recomputes every panel parent on the sample. A test is
// a panel parent when its test id has component definitions. Called once per
// touched sample after a batch of ingested results.
func (s *Service) RecomputeForSample(ctx context.Context, sampleID uuid.UUID) error {
	tests, err := s.orderTests.ListBySample(ctx, sampleID)
	if err != nil {
		return fmt.Errorf("panel: list sample tests: %w", err)
	}

	for _, ot := range tests {
		comps, err := s.components.ListByPanel(ctx, ot.TestID)
		if err != nil {
			return fmt.Errorf("panel: load components: %w", err)
		}
		if len(comps) == 0 {
			continue
		}
		if _, err := s.recompute(ctx, ot, tests, comps); err != nil {
			return err
		}
	}
	return nil
}

// RecomputeParent recomputes a single panel parent, typically after a child
// was resolved from the unmatched inbox. Returns the (possibly unchanged)
// derived status.
func (s *Service) RecomputeParent(ctx context.Context, parentID uuid.UUID) (string, error) {
	parent, err := s.orderTests.GetByID(ctx, parentID)
	if err != nil {
		return "", fmt.Errorf("panel: load parent: %w", err)
	}
	comps, err := s.components.ListByPanel(ctx, parent.TestID)
	if err != nil {
		return "", fmt.Errorf("panel: load components: %w", err)
	}
	if len(comps) == 0 {
		return parent.Status, nil
	}
	siblings, err := s.orderTests.ListBySample(ctx, parent.SampleID)
	if err != nil {
		return "", fmt.Errorf("panel: list sample tests: %w", err)
	}
	return s.recompute(ctx, parent, siblings, comps)
}

// recompute derives the parent status and writes it only when it changed.
func (s *Service) recompute(ctx context.Context, parent *order.OrderTest, sampleTests []*order.OrderTest, comps []*order.TestComponent) (string, error) {
	status := Derive(parent, sampleTests, comps)
	if status == parent.Status {
		return status, nil
	}
	if err := s.orderTests.UpdateStatus(ctx, parent.ID, status); err != nil {
		return "", fmt.Errorf("panel: update status: %w", err)
	}
	parent.Status = status
	return status, nil
}

// Derive computes a panel parent's status from its required components and
// the sample's tests. Priority: REJECTED beats VERIFIED beats COMPLETED
// beats IN_PROGRESS.
func Derive(parent *order.OrderTest, sampleTests []*order.OrderTest, comps []*order.TestComponent) string {
	byTest := make(map[uuid.UUID]*order.OrderTest, len(sampleTests))
	for _, ot := range sampleTests {
		if ot.ID == parent.ID {
			continue
		}
		byTest[ot.TestID] = ot
	}

	allVerified := true
	anyIncomplete := false
	required := 0

	for _, comp := range comps {
		if !comp.Required {
			continue
		}
		required++
		child := byTest[comp.ChildTestID]
		if child == nil {
			anyIncomplete = true
			allVerified = false
			continue
		}
		if child.Status == order.StatusRejected {
			return order.StatusRejected
		}
		if !child.HasResult() || child.Status == order.StatusPending || child.Status == order.StatusInProgress {
			anyIncomplete = true
		}
		if child.Status != order.StatusVerified {
			allVerified = false
		}
	}

	switch {
	case required == 0:
		return parent.Status
	case allVerified:
		return order.StatusVerified
	case !anyIncomplete:
		return order.StatusCompleted
	default:
		return order.StatusInProgress
	}
}
