package hl7

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/openlis/lisbridge/internal/platform/resultflag"
)

// Result is one OBX observation extracted from an ORU message, carrying the
// PID and OBR context that was current when the OBX was seen.
type Result struct {
	SampleID       string
	PlacerID       string
	PatientID      string
	PatientName    string
	Sequence       int
	TestCode       string
	TestName       string
	Value          string
	Unit           string
	ReferenceRange string
	Flag           string
	Status         string
	Comments       []string
}

// ResultMessage is a parsed ORU message with its extracted results.
type ResultMessage struct {
	Message *Message
	Results []Result
}

// ParseORU parses raw bytes as an ORU result message. It walks segments in
// order, tracking the most recent PID and OBR as context for each OBX, and
// attaches immediately-following NTE segments to the preceding OBX as
// comments.
func ParseORU(raw []byte) (*ResultMessage, error) {
	msg, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(msg.Type, "ORU") {
		return nil, fmt.Errorf("hl7: expected ORU message, got %q", msg.Type)
	}

	rm := &ResultMessage{Message: msg}

	var (
		patientID   string
		patientName string
		sampleID    string
		placerID    string
		current     *Result // last OBX, target for trailing NTEs
	)

	for i := range msg.Segments {
		seg := &msg.Segments[i]
		switch seg.Name {
		case "PID":
			patientID = seg.Component(3, 1)
			family := seg.Component(5, 1)
			given := seg.Component(5, 2)
			patientName = strings.TrimSpace(strings.TrimSpace(given) + " " + strings.TrimSpace(family))
			current = nil
		case "OBR":
			// OBR-3 (filler order number) is preferred, OBR-2 (placer) is
			// the fallback.
			placerID = strings.TrimSpace(seg.Component(2, 1))
			sampleID = strings.TrimSpace(seg.Component(3, 1))
			if sampleID == "" {
				sampleID = placerID
			}
			current = nil
		case "OBX":
			res := Result{
				SampleID:       sampleID,
				PlacerID:       placerID,
				PatientID:      patientID,
				PatientName:    patientName,
				TestCode:       strings.TrimSpace(seg.Component(3, 1)),
				TestName:       strings.TrimSpace(seg.Component(3, 2)),
				Value:          strings.TrimSpace(seg.Field(5)),
				Unit:           strings.TrimSpace(seg.Component(6, 1)),
				ReferenceRange: strings.TrimSpace(seg.Field(7)),
				Flag:           strings.TrimSpace(seg.Field(8)),
				Status:         strings.TrimSpace(seg.Field(11)),
			}
			if n, err := strconv.Atoi(strings.TrimSpace(seg.Field(1))); err == nil {
				res.Sequence = n
			} else {
				res.Sequence = len(rm.Results) + 1
			}
			rm.Results = append(rm.Results, res)
			current = &rm.Results[len(rm.Results)-1]
		case "NTE":
			if current != nil {
				if text := strings.TrimSpace(seg.Field(3)); text != "" {
					current.Comments = append(current.Comments, text)
				}
			}
		default:
			current = nil
		}
	}

	return rm, nil
}

// MapFlag translates an HL7 abnormal-flag code (OBX-8) to the internal flag
// vocabulary. Unknown codes map to "".
func MapFlag(code string) string {
	return resultflag.Map(code)
}
