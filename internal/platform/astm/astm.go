// Package astm parses ASTM E1394 record streams as transmitted by laboratory
// analyzers over an E1381-style link (H/O/R/C/L records, CR-delimited).
package astm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/openlis/lisbridge/internal/platform/resultflag"
)

// Result is one R record with the sample context set by the preceding O
// record.
type Result struct {
	SampleID       string
	Sequence       int
	TestCode       string
	Value          string
	Unit           string
	ReferenceRange string
	Flag           string
	Status         string
	Comments       []string
}

// ResultMessage is a parsed ASTM transmission.
type ResultMessage struct {
	SenderName string // H-field-5
	Results    []Result
}

// Parse normalizes and parses a raw ASTM byte stream. A transmission must
// contain at least one H (header) and one L (terminator) record.
func Parse(raw []byte) (*ResultMessage, error) {
	text := normalize(raw)

	var (
		msg      ResultMessage
		sampleID string
		current  *Result
		sawH     bool
		sawL     bool
	)

	for _, line := range strings.Split(text, "\r") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		line = stripFrameNumber(line)
		if line == "" {
			continue
		}

		fields := strings.Split(line, "|")
		recordType := strings.ToUpper(string(line[0]))

		switch recordType {
		case "H":
			sawH = true
			if len(fields) > 4 {
				msg.SenderName = strings.TrimSpace(fields[4])
			}
		case "O":
			// A comment record attaches to the most recent result even when
			// an O record for the next sample arrives in between.
			sampleID = orderSampleID(fields)
		case "R":
			res := Result{
				SampleID: sampleID,
				Sequence: len(msg.Results) + 1,
				TestCode: testCode(field(fields, 2)),
				Value:    strings.TrimSpace(field(fields, 3)),
				Unit:     strings.TrimSpace(field(fields, 4)),
			}
			if n, err := strconv.Atoi(strings.TrimSpace(field(fields, 1))); err == nil {
				res.Sequence = n
			}
			res.ReferenceRange = strings.TrimSpace(field(fields, 5))
			res.Flag = strings.TrimSpace(field(fields, 6))
			res.Status = strings.TrimSpace(field(fields, 8))
			msg.Results = append(msg.Results, res)
			current = &msg.Results[len(msg.Results)-1]
		case "C":
			if current != nil {
				if text := commentText(field(fields, 3)); text != "" {
					current.Comments = append(current.Comments, text)
				}
			}
		case "L":
			sawL = true
		}
	}

	if !sawH || !sawL {
		return nil, fmt.Errorf("astm: invalid ASTM message: missing header or terminator record")
	}
	return &msg, nil
}

// normalize strips E1381 transport artifacts from the stream: checksum bytes
// following ETX/ETB, control characters, and mixed line endings.
func normalize(raw []byte) string {
	var b strings.Builder
	b.Grow(len(raw))

	skipChecksum := false
	for i := 0; i < len(raw); i++ {
		c := raw[i]

		if skipChecksum {
			// Discard everything up to the next CR/LF: the two checksum
			// characters and the frame trailer.
			if c == '\r' || c == '\n' {
				skipChecksum = false
				b.WriteByte('\r')
			}
			continue
		}

		switch {
		case c == 0x03 || c == 0x17: // ETX / ETB start the checksum trailer
			skipChecksum = true
		case c == '\n' || c == '\r':
			b.WriteByte('\r')
		case c < 0x20 && c != '\t': // residual control bytes (STX, ENQ, ...)
			// dropped
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// stripFrameNumber removes an optional leading single-digit E1381 frame
// sequence number before the record-type letter.
func stripFrameNumber(line string) string {
	if len(line) >= 2 && line[0] >= '0' && line[0] <= '9' {
		next := line[1]
		switch next {
		case 'H', 'O', 'R', 'C', 'L', 'Q', 'P', 'h', 'o', 'r', 'c', 'l', 'q', 'p':
			return line[1:]
		}
	}
	return line
}

// orderSampleID resolves the sample identifier for an O record: field 2
// (specimen ID), falling back to the first component of field 3 (instrument
// specimen ID).
func orderSampleID(fields []string) string {
	if id := strings.TrimSpace(field(fields, 2)); id != "" {
		return id
	}
	comp := strings.Split(field(fields, 3), "^")
	return strings.TrimSpace(comp[0])
}

// testCode extracts the analyte code from the universal-test-id field. The
// field is ^-delimited with the manufacturer code conventionally in the 4th
// component; when absent the first non-empty component is used. Trailing
// separator junk some analyzers emit is stripped and the code is uppercased.
func testCode(utid string) string {
	comps := strings.Split(utid, "^")
	code := ""
	if len(comps) >= 4 && strings.TrimSpace(comps[3]) != "" {
		code = comps[3]
	} else {
		for _, c := range comps {
			if strings.TrimSpace(c) != "" {
				code = c
				break
			}
		}
	}
	code = strings.TrimSpace(code)
	for _, suffix := range []string{"//", "/", `\`} {
		code = strings.TrimSuffix(code, suffix)
	}
	return strings.ToUpper(code)
}

// commentText extracts comment text from a C-record field: the text after
// the last ^, or the whole field when there is no ^.
func commentText(f string) string {
	if idx := strings.LastIndex(f, "^"); idx >= 0 {
		f = f[idx+1:]
	}
	return strings.TrimSpace(f)
}

func field(fields []string, n int) string {
	if n < 0 || n >= len(fields) {
		return ""
	}
	return fields[n]
}

// MapFlag translates an ASTM abnormal-flag code to the internal flag
// vocabulary. Unknown codes map to "".
func MapFlag(code string) string {
	return resultflag.Map(code)
}

// IsLikelyASTM reports whether a raw message looks like an ASTM transmission:
// it contains an H| header line and at least one O|, R| or L| record line.
func IsLikelyASTM(raw []byte) bool {
	text := normalize(raw)
	hasHeader := false
	hasRecord := false
	for _, line := range strings.Split(text, "\r") {
		line = stripFrameNumber(strings.TrimSpace(line))
		if len(line) < 2 || line[1] != '|' {
			continue
		}
		switch strings.ToUpper(string(line[0])) {
		case "H":
			hasHeader = true
		case "O", "R", "L":
			hasRecord = true
		}
	}
	return hasHeader && hasRecord
}
