package ingestion

import (
	"context"

	"github.com/google/uuid"

	"github.com/openlis/lisbridge/internal/platform/astm"
)

// IngestASTM runs an ASTM E1394 result transmission through the matching
// pipeline. ASTM acknowledgment is a single byte on the wire, so the report
// carries only the ack code; the connection layer translates AA to ACK and
// everything else to NAK.
func (s *Service) IngestASTM(ctx context.Context, instrumentID uuid.UUID, raw string, opts Options) (*Report, error) {
	inst, msg, err := s.recordInbound(ctx, instrumentID, raw)
	if err != nil {
		return nil, err
	}
	report := &Report{MessageID: msg.ID}

	parsed, parseErr := astm.Parse([]byte(raw))
	if parseErr != nil {
		s.failParse(ctx, msg, parseErr)
		report.Errors = append(report.Errors, parseErr.Error())
		report.AckCode = AckError
		return report, nil
	}

	msg.MessageType = optional("ASTM^R")
	msg.ParsedMeta = meta("ASTM^R", parsed.SenderName, len(parsed.Results))

	b := newBatch(inst, msg, report, !opts.DisableStrict)

	for _, r := range parsed.Results {
		if err := s.processResult(ctx, b, result{
			SampleIdentifier: r.SampleID,
			Code:             r.TestCode,
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
	return report, nil
}
