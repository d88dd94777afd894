package ingestion

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/openlis/lisbridge/internal/platform/hl7"
)

// IngestHL7ORU runs an HL7 v2.x ORU result message through the matching
// pipeline and returns the outcome together with a serialized HL7 ACK the
// caller can write back on a live socket.
func (s *Service) IngestHL7ORU(ctx context.Context, instrumentID uuid.UUID, raw string, opts Options) (*Report, error) {
	inst, msg, err := s.recordInbound(ctx, instrumentID, raw)
	if err != nil {
		return nil, err
	}
	report := &Report{MessageID: msg.ID}

	parsed, parseErr := hl7.ParseORU([]byte(raw))
	if parseErr != nil {
		s.failParse(ctx, msg, parseErr)
		report.Errors = append(report.Errors, parseErr.Error())
		report.AckCode = AckError
		report.AckMessage = string(hl7.Serialize(hl7.GenerateACK(&hl7.Message{}, AckError, parseErr.Error())))
		return report, nil
	}

	msg.MessageType = optional(parsed.Message.Type)
	msg.ControlID = optional(parsed.Message.ControlID)
	msg.ParsedMeta = meta(parsed.Message.Type, parsed.Message.ControlID, len(parsed.Results))

	b := newBatch(inst, msg, report, !opts.DisableStrict)

	for _, r := range parsed.Results {
		identifier := r.SampleID
		if strings.EqualFold(opts.SampleIDField, "OBR2") && r.PlacerID != "" {
			identifier = r.PlacerID
		}
		if err := s.processResult(ctx, b, result{
			SampleIdentifier: identifier,
			Code:             r.TestCode,
			Name:             r.TestName,
			Value:            r.Value,
			Unit:             r.Unit,
			ReferenceRange:   r.ReferenceRange,
			Flag:             r.Flag,
			Status:           r.Status,
			Sequence:         r.Sequence,
			Comments:         r.Comments,
		}); err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
	}

	s.finish(ctx, b)
	report.AckMessage = string(hl7.Serialize(hl7.GenerateACK(parsed.Message, report.AckCode, strings.Join(report.Errors, "; "))))
	return report, nil
}
