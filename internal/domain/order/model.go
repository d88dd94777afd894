// Package order holds the order-side data model the integration core matches
// instrument results against: orders, samples, ordered tests, the append-only
// result history, and panel component definitions. Order entry itself lives
// in the LIS; this package only reads and mutates what ingestion needs.
package order

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// OrderTest status values. Panel parents share the same vocabulary but their
// status is always derived from their children.
const (
	StatusPending    = "PENDING"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusVerified   = "VERIFIED"
	StatusRejected   = "REJECTED"
)

// Order status values the core cares about.
const (
	OrderStatusCancelled = "CANCELLED"
)

// Order maps to the lab_order table.
type Order struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	LabID       uuid.UUID  `db:"lab_id" json:"lab_id"`
	OrderNumber string     `db:"order_number" json:"order_number"`
	PatientID   *uuid.UUID `db:"patient_id" json:"patient_id,omitempty"`
	Status      string     `db:"status" json:"status"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// Sample maps to the sample table. One order can carry several samples
// (tubes); results reported against the order number may belong to any of
// them.
type Sample struct {
	ID           uuid.UUID `db:"id" json:"id"`
	OrderID      uuid.UUID `db:"order_id" json:"order_id"`
	SampleNumber string    `db:"sample_number" json:"sample_number"`
	Status       string    `db:"status" json:"status"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// OrderTest maps to the order_test table: a single ordered analyte or panel
// for a sample. Ingestion mutates result fields and status; it never creates
// rows.
type OrderTest struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	SampleID          uuid.UUID  `db:"sample_id" json:"sample_id"`
	TestID            uuid.UUID  `db:"test_id" json:"test_id"`
	ParentOrderTestID *uuid.UUID `db:"parent_order_test_id" json:"parent_order_test_id,omitempty"`
	ResultValue       *string    `db:"result_value" json:"result_value,omitempty"`
	ResultText        *string    `db:"result_text" json:"result_text,omitempty"`
	Unit              *string    `db:"unit" json:"unit,omitempty"`
	ReferenceRange    *string    `db:"reference_range" json:"reference_range,omitempty"`
	Flag              *string    `db:"flag" json:"flag,omitempty"`
	Status            string     `db:"status" json:"status"`
	ResultedAt        *time.Time `db:"resulted_at" json:"resulted_at,omitempty"`
	ResultedBy        *string    `db:"resulted_by" json:"resulted_by,omitempty"`
	Comments          *string    `db:"comments" json:"comments,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// HasResult reports whether the test already carries a result value or text.
func (ot *OrderTest) HasResult() bool {
	return (ot.ResultValue != nil && *ot.ResultValue != "") ||
		(ot.ResultText != nil && *ot.ResultText != "")
}

// AppendComment appends a tagged comment line to the test's comment block.
// Existing comments are never rewritten.
func (ot *OrderTest) AppendComment(tag, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	line := text
	if tag != "" {
		line = "[" + tag + "] " + text
	}
	if ot.Comments == nil || *ot.Comments == "" {
		ot.Comments = &line
		return
	}
	joined := *ot.Comments + "\n" + line
	ot.Comments = &joined
}

// ResultHistory maps to the order_test_result_history table: one append-only
// row per received, rerun or corrected value. Rows are never mutated.
type ResultHistory struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	OrderTestID    uuid.UUID  `db:"order_test_id" json:"order_test_id"`
	MessageID      *uuid.UUID `db:"message_id" json:"message_id,omitempty"`
	InstrumentCode string     `db:"instrument_code" json:"instrument_code"`
	Sequence       int        `db:"sequence" json:"sequence"`
	ResultValue    *string    `db:"result_value" json:"result_value,omitempty"`
	ResultText     *string    `db:"result_text" json:"result_text,omitempty"`
	Unit           *string    `db:"unit" json:"unit,omitempty"`
	ReferenceRange *string    `db:"reference_range" json:"reference_range,omitempty"`
	Flag           *string    `db:"flag" json:"flag,omitempty"`
	Comments       *string    `db:"comments" json:"comments,omitempty"`
	ReceivedAt     time.Time  `db:"received_at" json:"received_at"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// TestComponent maps to the test_component table: the static definition of a
// panel's child tests. Read-only input to the panel status machine.
type TestComponent struct {
	ID          uuid.UUID `db:"id" json:"id"`
	PanelTestID uuid.UUID `db:"panel_test_id" json:"panel_test_id"`
	ChildTestID uuid.UUID `db:"child_test_id" json:"child_test_id"`
	Required    bool      `db:"required" json:"required"`
	SortOrder   int       `db:"sort_order" json:"sort_order"`
}
