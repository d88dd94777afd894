// Package unmatched is the reconciliation inbox for instrument results that
// failed strict matching. Rows are durable, resolved manually, and only ever
// move PENDING to RESOLVED or PENDING to DISCARDED.
package unmatched

import (
	"time"

	"github.com/google/uuid"
)

// Reasons a result lands in the inbox.
const (
	ReasonUnorderedTest       = "UNORDERED_TEST"
	ReasonUnmatchedSample     = "UNMATCHED_SAMPLE"
	ReasonNoMapping           = "NO_MAPPING"
	ReasonInvalidSampleStatus = "INVALID_SAMPLE_STATUS"
	ReasonDuplicateResult     = "DUPLICATE_RESULT"
)

// Inbox row status. Transitions are one-way.
const (
	StatusPending   = "PENDING"
	StatusResolved  = "RESOLVED"
	StatusDiscarded = "DISCARDED"
)

// Result maps to the unmatched_instrument_result table.
type Result struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	LabID               uuid.UUID  `db:"lab_id" json:"lab_id"`
	InstrumentID        uuid.UUID  `db:"instrument_id" json:"instrument_id"`
	MessageID           *uuid.UUID `db:"message_id" json:"message_id,omitempty"`
	SampleIdentifier    string     `db:"sample_identifier" json:"sample_identifier"`
	InstrumentCode      string     `db:"instrument_code" json:"instrument_code"`
	Sequence            int        `db:"sequence" json:"sequence"`
	ResultValue         *string    `db:"result_value" json:"result_value,omitempty"`
	ResultText          *string    `db:"result_text" json:"result_text,omitempty"`
	Unit                *string    `db:"unit" json:"unit,omitempty"`
	ReferenceRange      *string    `db:"reference_range" json:"reference_range,omitempty"`
	Flag                *string    `db:"flag" json:"flag,omitempty"`
	Reason              string     `db:"reason" json:"reason"`
	Detail              string     `db:"detail" json:"detail"`
	Status              string     `db:"status" json:"status"`
	ResolvedOrderTestID *uuid.UUID `db:"resolved_order_test_id" json:"resolved_order_test_id,omitempty"`
	ResolvedBy          *uuid.UUID `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt          *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	Notes               *string    `db:"notes" json:"notes,omitempty"`
	ReceivedAt          time.Time  `db:"received_at" json:"received_at"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
}

// ReasonStats is one row of the inbox dashboard aggregate.
type ReasonStats struct {
	Reason    string `json:"reason"`
	Pending   int    `json:"pending"`
	Resolved  int    `json:"resolved"`
	Discarded int    `json:"discarded"`
}
