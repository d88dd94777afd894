// Package hl7 parses and generates the HL7 v2.x subset spoken by laboratory
// analyzers: ORU result messages inbound, ACK and ORM messages outbound.
package hl7

import (
	"fmt"
	"strings"
	"time"
)

// Message is a parsed HL7 v2.x message.
type Message struct {
	Type         string    // MSH-9 (e.g. "ORU^R01")
	ControlID    string    // MSH-10
	Version      string    // MSH-12
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3
	SendingFac   string    // MSH-4
	ReceivingApp string    // MSH-5
	ReceivingFac string    // MSH-6
	Segments     []Segment
}

// Segment is a single HL7 segment (MSH, PID, OBR, OBX, NTE, ...).
type Segment struct {
	Name   string
	Fields []Field
}

// Field is one pipe-delimited field with its ^-separated components.
type Field struct {
	Value      string
	Components []string
}

// Parse parses raw HL7 v2.x bytes into a Message. Incidental MLLP framing
// bytes (leading VT, trailing FS+CR) are stripped before parsing. The first
// segment must be MSH.
func Parse(raw []byte) (*Message, error) {
	text := strings.Trim(string(raw), "\x0b\x1c\x0d\n ")
	if text == "" {
		return nil, fmt.Errorf("hl7: invalid HL7 message: empty input")
	}

	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var lines []string
	for _, line := range strings.Split(text, "\r") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "MSH") {
		return nil, fmt.Errorf("hl7: invalid HL7 message: missing MSH segment")
	}

	msg := &Message{}
	for _, line := range lines {
		msg.Segments = append(msg.Segments, parseSegment(line))
	}
	msg.readHeader()
	return msg, nil
}

// parseSegment splits one segment line into fields. For MSH the field
// separator (MSH-1) is the character after the segment name, so Fields[0]
// holds the separator itself and field numbering stays aligned with the
// standard (Fields[i] == MSH-(i+1)).
func parseSegment(line string) Segment {
	seg := Segment{}

	if strings.HasPrefix(line, "MSH") {
		seg.Name = "MSH"
		if len(line) < 4 {
			return seg
		}
		sep := string(line[3])
		seg.Fields = append(seg.Fields, parseField(sep))
		for _, part := range strings.Split(line[4:], sep) {
			seg.Fields = append(seg.Fields, parseField(part))
		}
		return seg
	}

	parts := strings.SplitN(line, "|", 2)
	seg.Name = parts[0]
	if len(parts) > 1 {
		for _, part := range strings.Split(parts[1], "|") {
			seg.Fields = append(seg.Fields, parseField(part))
		}
	}
	return seg
}

func parseField(raw string) Field {
	return Field{Value: raw, Components: strings.Split(raw, "^")}
}

// readHeader lifts the commonly used MSH fields onto the Message.
func (m *Message) readHeader() {
	msh := m.Segment("MSH")
	if msh == nil {
		return
	}
	m.SendingApp = msh.Field(3)
	m.SendingFac = msh.Field(4)
	m.ReceivingApp = msh.Field(5)
	m.ReceivingFac = msh.Field(6)
	m.Type = msh.Field(9)
	m.ControlID = msh.Field(10)
	m.Version = msh.Field(12)

	if ts, err := parseTimestamp(msh.Field(7)); err == nil {
		m.Timestamp = ts
	}
}

// parseTimestamp parses an HL7 timestamp (YYYYMMDD[HHmm[ss]]).
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7: unrecognized timestamp %q", s)
	}
}

// Segment returns the first segment with the given name, or nil.
func (m *Message) Segment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// Field returns the value of a field by its HL7 number (1-based). For MSH,
// field 1 is the separator character.
func (s *Segment) Field(n int) string {
	idx := n - 1
	if s == nil || idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	return s.Fields[idx].Value
}

// Component returns a ^-component by 1-based field and component numbers.
func (s *Segment) Component(field, comp int) string {
	idx := field - 1
	if s == nil || idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	ci := comp - 1
	if ci < 0 || ci >= len(s.Fields[idx].Components) {
		return ""
	}
	return s.Fields[idx].Components[ci]
}

// Serialize renders the message back to wire form with CR segment
// separators (without MLLP framing).
func Serialize(m *Message) []byte {
	lines := make([]string, 0, len(m.Segments))
	for _, seg := range m.Segments {
		lines = append(lines, serializeSegment(seg))
	}
	return []byte(strings.Join(lines, "\r"))
}

func serializeSegment(seg Segment) string {
	if seg.Name == "MSH" {
		if len(seg.Fields) < 2 {
			return "MSH|"
		}
		parts := make([]string, 0, len(seg.Fields)-1)
		for i := 1; i < len(seg.Fields); i++ {
			parts = append(parts, seg.Fields[i].Value)
		}
		return "MSH|" + strings.Join(parts, "|")
	}
	parts := make([]string, len(seg.Fields))
	for i, f := range seg.Fields {
		parts[i] = f.Value
	}
	return seg.Name + "|" + strings.Join(parts, "|")
}
