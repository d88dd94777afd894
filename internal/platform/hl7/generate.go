package hl7

import (
	"strings"
	"time"
)

// GenerateACK builds an acknowledgment for the given incoming message.
// ackCode is "AA", "AE" or "AR"; for non-AA codes a non-empty errorMessage
// is carried in an ERR segment (and mirrored in MSA-3).
func GenerateACK(incoming *Message, ackCode, errorMessage string) *Message {
	trigger := ""
	if parts := strings.SplitN(incoming.Type, "^", 2); len(parts) == 2 {
		trigger = parts[1]
	}

	now := time.Now().UTC()
	controlID := "ACK" + now.Format("20060102150405.000")

	version := incoming.Version
	if version == "" {
		version = "2.5.1"
	}

	ack := &Message{
		Type:         "ACK^" + trigger,
		ControlID:    controlID,
		Version:      version,
		Timestamp:    now,
		SendingApp:   incoming.ReceivingApp,
		SendingFac:   incoming.ReceivingFac,
		ReceivingApp: incoming.SendingApp,
		ReceivingFac: incoming.SendingFac,
	}

	ack.Segments = []Segment{
		buildMSH(ack, now),
		buildSegment("MSA", ackCode, incoming.ControlID, errorMessage),
	}
	if ackCode != "AA" && errorMessage != "" {
		ack.Segments = append(ack.Segments, buildSegment("ERR", "", "", errorMessage))
	}
	return ack
}

// Order describes an outbound instrument order used to build an ORM message.
type Order struct {
	SendingApp   string
	SendingFac   string
	ReceivingApp string
	ReceivingFac string
	PatientID    string
	PatientLast  string
	PatientFirst string
	OrderNumber  string
	TestCode     string
	TestName     string
	Priority     string // R (routine) or S (stat); defaults to R
}

// GenerateORM builds an ORM^O01 new-order message (MSH/PID/PV1/ORC/OBR) for
// sending a test order to an instrument.
func GenerateORM(o Order) *Message {
	now := time.Now().UTC()
	controlID := "ORM" + now.Format("20060102150405.000")

	priority := o.Priority
	if priority == "" {
		priority = "R"
	}

	msg := &Message{
		Type:         "ORM^O01",
		ControlID:    controlID,
		Version:      "2.5.1",
		Timestamp:    now,
		SendingApp:   o.SendingApp,
		SendingFac:   o.SendingFac,
		ReceivingApp: o.ReceivingApp,
		ReceivingFac: o.ReceivingFac,
	}

	msg.Segments = []Segment{
		buildMSH(msg, now),
		buildSegment("PID", "1", "", o.PatientID, "", o.PatientLast+"^"+o.PatientFirst),
		buildSegment("PV1", "1", "O"),
		buildSegment("ORC", "NW", o.OrderNumber, "", "", "", "", "", "", now.Format("20060102150405")),
		buildSegment("OBR", "1", o.OrderNumber, "", o.TestCode+"^"+o.TestName, priority),
	}
	return msg
}

// buildMSH assembles the MSH segment from a message's header fields.
func buildMSH(m *Message, now time.Time) Segment {
	return Segment{
		Name: "MSH",
		Fields: []Field{
			parseField("|"),
			parseField(`^~\&`),
			parseField(m.SendingApp),
			parseField(m.SendingFac),
			parseField(m.ReceivingApp),
			parseField(m.ReceivingFac),
			parseField(now.Format("20060102150405")),
			parseField(""),
			parseField(m.Type),
			parseField(m.ControlID),
			parseField("P"),
			parseField(m.Version),
		},
	}
}

func buildSegment(name string, fields ...string) Segment {
	seg := Segment{Name: name}
	for _, f := range fields {
		seg.Fields = append(seg.Fields, parseField(f))
	}
	return seg
}
