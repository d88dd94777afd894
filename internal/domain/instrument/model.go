// Package instrument holds analyzer configuration, per-instrument test-code
// mappings, and the durable log of wire traffic.
package instrument

import (
	"time"

	"github.com/google/uuid"
)

// Wire protocols an instrument can be configured with.
const (
	ProtocolHL7V2  = "HL7_V2"
	ProtocolASTM   = "ASTM"
	ProtocolPOCT1A = "POCT1A"
	ProtocolCustom = "CUSTOM"
)

// Connection types. SERIAL and FILE_WATCH are configuration placeholders;
// only the TCP types have implemented transports.
const (
	ConnTCPServer = "TCP_SERVER"
	ConnTCPClient = "TCP_CLIENT"
	ConnSerial    = "SERIAL"
	ConnFileWatch = "FILE_WATCH"
)

// Live connection status.
const (
	StatusOffline    = "OFFLINE"
	StatusConnecting = "CONNECTING"
	StatusOnline     = "ONLINE"
	StatusError      = "ERROR"
)

// Instrument maps to the instrument table. Configuration is owned by the
// admin CRUD; the connection manager mutates only the live-status fields.
type Instrument struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	LabID           uuid.UUID  `db:"lab_id" json:"lab_id"`
	Name            string     `db:"name" json:"name"`
	Protocol        string     `db:"protocol" json:"protocol"`
	ConnectionType  string     `db:"connection_type" json:"connection_type"`
	Host            *string    `db:"host" json:"host,omitempty"`
	Port            *int       `db:"port" json:"port,omitempty"`
	SerialPort      *string    `db:"serial_port" json:"serial_port,omitempty"`
	BaudRate        *int       `db:"baud_rate" json:"baud_rate,omitempty"`
	StartBlock      []byte     `db:"start_block" json:"start_block,omitempty"`
	EndBlock        []byte     `db:"end_block" json:"end_block,omitempty"`
	FacilityID      *string    `db:"facility_id" json:"facility_id,omitempty"`
	ApplicationID   *string    `db:"application_id" json:"application_id,omitempty"`
	AutoPost        bool       `db:"auto_post" json:"auto_post"`
	RequireVerify   bool       `db:"require_verification" json:"require_verification"`
	IsActive        bool       `db:"is_active" json:"is_active"`
	Status          string     `db:"status" json:"status"`
	LastConnectedAt *time.Time `db:"last_connected_at" json:"last_connected_at,omitempty"`
	LastMessageAt   *time.Time `db:"last_message_at" json:"last_message_at,omitempty"`
	LastError       *string    `db:"last_error" json:"last_error,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// TestMapping maps to instrument_test_mapping: (instrument, instrument code)
// to the LIS test, with an optional unit-conversion multiplier. Unique per
// (instrument_id, instrument_code); read-only to the core.
type TestMapping struct {
	ID             uuid.UUID `db:"id" json:"id"`
	InstrumentID   uuid.UUID `db:"instrument_id" json:"instrument_id"`
	InstrumentCode string    `db:"instrument_code" json:"instrument_code"`
	TestID         uuid.UUID `db:"test_id" json:"test_id"`
	Multiplier     *float64  `db:"multiplier" json:"multiplier,omitempty"`
	IsActive       bool      `db:"is_active" json:"is_active"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Message direction values.
const (
	DirectionInbound  = "INBOUND"
	DirectionOutbound = "OUTBOUND"
)

// Message status values.
const (
	MessageReceived     = "RECEIVED"
	MessageProcessed    = "PROCESSED"
	MessageError        = "ERROR"
	MessageSent         = "SENT"
	MessageAcknowledged = "ACKNOWLEDGED"
)

// Message maps to instrument_message: the durable log of every inbound and
// outbound frame. Rows are written before parsing and updated in place,
// never deleted.
type Message struct {
	ID           uuid.UUID `db:"id" json:"id"`
	InstrumentID uuid.UUID `db:"instrument_id" json:"instrument_id"`
	Direction    string    `db:"direction" json:"direction"`
	MessageType  *string   `db:"message_type" json:"message_type,omitempty"`
	ControlID    *string   `db:"control_id" json:"control_id,omitempty"`
	RawMessage   string    `db:"raw_message" json:"raw_message"`
	ParsedMeta   *string   `db:"parsed_meta" json:"parsed_meta,omitempty"`
	Status       string    `db:"status" json:"status"`
	ErrorMessage *string   `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}
