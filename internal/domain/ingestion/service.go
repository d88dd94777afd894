// Package ingestion orchestrates the per-message pipeline: persist the raw
// frame, parse it, strictly match each decoded result to a pre-existing
// OrderTest, append history, and route failures to the unmatched inbox. The
// engine never creates an OrderTest.
package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openlis/lisbridge/internal/domain/instrument"
	"github.com/openlis/lisbridge/internal/domain/order"
	"github.com/openlis/lisbridge/internal/domain/panel"
	"github.com/openlis/lisbridge/internal/domain/unmatched"
	"github.com/openlis/lisbridge/internal/platform/audit"
	"github.com/openlis/lisbridge/internal/platform/resultflag"
)

// Acknowledgment codes shared with the HL7 MSA vocabulary.
const (
	AckAccept = "AA"
	AckError  = "AE"
	AckReject = "AR"
)

// Options tunes one ingestion call.
type Options struct {
	// SampleIDField selects which OBR field carries the order number on
	// the HL7 path: "" or "OBR3" prefers the filler number (OBR-3) with
	// OBR-2 fallback, "OBR2" forces the placer number.
	SampleIDField string

	// DisableStrict turns off the duplicate guard: results for an already
	// VERIFIED OrderTest are re-applied instead of landing in the inbox.
	DisableStrict bool
}

// Report is the outcome of ingesting one message.
type Report struct {
	Success    bool      `json:"success"`
	MessageID  uuid.UUID `json:"messageId"`
	Processed  int       `json:"processed"`
	Unmatched  int       `json:"unmatched"`
	Errors     []string  `json:"errors,omitempty"`
	AckCode    string    `json:"ackCode"`
	AckMessage string    `json:"ackMessage,omitempty"`
}

// Deps are the collaborators the engine calls into.
type Deps struct {
	Instruments instrument.Repository
	Mappings    instrument.MappingRepository
	Messages    instrument.MessageRepository
	Orders      order.OrderRepository
	Samples     order.SampleRepository
	OrderTests  order.OrderTestRepository
	History     order.ResultHistoryRepository
	Unmatched   unmatched.Repository
	Panels      *panel.Service
	Audit       audit.Sink
	Logger      zerolog.Logger
}

type Service struct {
	d Deps
}

func NewService(d Deps) *Service {
	return &Service{d: d}
}

// result is the protocol-neutral shape both parsers are reduced to.
type result struct {
	SampleIdentifier string
	Code             string
	Name             string
	Value            string
	Unit             string
	ReferenceRange   string
	Flag             string
	Status           string
	Sequence         int
	Comments         []string
}

// batch carries the per-message state threaded through result processing.
type batch struct {
	inst    *instrument.Instrument
	msg     *instrument.Message
	strict  bool
	report  *Report
	touched map[uuid.UUID]bool // samples needing a panel recompute
	orders  map[string]*order.Order
}

func newBatch(inst *instrument.Instrument, msg *instrument.Message, report *Report, strict bool) *batch {
	return &batch{
		inst:    inst,
		msg:     msg,
		strict:  strict,
		report:  report,
		touched: make(map[uuid.UUID]bool),
		orders:  make(map[string]*order.Order),
	}
}

// recordInbound persists the raw frame before anything touches it, so every
// inbound message is recoverable even when parsing fails.
func (s *Service) recordInbound(ctx context.Context, instrumentID uuid.UUID, raw string) (*instrument.Instrument, *instrument.Message, error) {
	inst, err := s.d.Instruments.GetByID(ctx, instrumentID)
	if err != nil {
		return nil, nil, fmt.Errorf("ingestion: load instrument: %w", err)
	}

	msg := &instrument.Message{
		InstrumentID: inst.ID,
		Direction:    instrument.DirectionInbound,
		RawMessage:   raw,
		Status:       instrument.MessageReceived,
	}
	if err := s.d.Messages.Create(ctx, msg); err != nil {
		return nil, nil, fmt.Errorf("ingestion: persist raw message: %w", err)
	}
	if err := s.d.Instruments.TouchLastMessage(ctx, inst.ID); err != nil {
		s.d.Logger.Warn().Err(err).Str("instrument_id", inst.ID.String()).Msg("failed to stamp last message time")
	}
	return inst, msg, nil
}

// failParse marks the message row ERROR with the parser's error text.
func (s *Service) failParse(ctx context.Context, msg *instrument.Message, parseErr error) {
	errText := parseErr.Error()
	msg.Status = instrument.MessageError
	msg.ErrorMessage = &errText
	if err := s.d.Messages.Update(ctx, msg); err != nil {
		s.d.Logger.Error().Err(err).Str("message_id", msg.ID.String()).Msg("failed to mark message errored")
	}
}

// finish writes the terminal message status and decides the ack code.
// Processed results win AA; exceptions force AE; a fully-unmatched message
// is AE; a message that decoded zero results is AR.
func (s *Service) finish(ctx context.Context, b *batch) {
	for sampleID := range b.touched {
		if err := s.d.Panels.RecomputeForSample(ctx, sampleID); err != nil {
			b.report.Errors = append(b.report.Errors, err.Error())
		}
	}

	hadExceptions := len(b.report.Errors) > 0

	switch {
	case hadExceptions:
		b.report.AckCode = AckError
	case b.report.Processed > 0:
		b.report.AckCode = AckAccept
	case b.report.Unmatched > 0:
		b.report.AckCode = AckError
	default:
		b.report.AckCode = AckReject
	}

	if hadExceptions {
		b.msg.Status = instrument.MessageError
		errText := strings.Join(b.report.Errors, "; ")
		b.msg.ErrorMessage = &errText
	} else {
		b.msg.Status = instrument.MessageProcessed
		b.report.Success = true
	}
	if err := s.d.Messages.Update(ctx, b.msg); err != nil {
		s.d.Logger.Error().Err(err).Str("message_id", b.msg.ID.String()).Msg("failed to finalize message status")
	}

	s.d.Logger.Info().
		Str("instrument_id", b.inst.ID.String()).
		Str("message_id", b.msg.ID.String()).
		Int("processed", b.report.Processed).
		Int("unmatched", b.report.Unmatched).
		Str("ack", b.report.AckCode).
		Msg("message ingested")
}

// processResult runs one decoded result through matching. Classified match
// failures land in the unmatched inbox and never abort the batch; only
// unexpected repository errors are returned.
func (s *Service) processResult(ctx context.Context, b *batch, res result) error {
	code := strings.ToUpper(strings.TrimSpace(res.Code))
	if code == "" {
		return s.toInbox(ctx, b, res, code, unmatched.ReasonNoMapping, "result carries no test code")
	}

	ord, err := s.resolveOrder(ctx, b, res.SampleIdentifier)
	if errors.Is(err, order.ErrNotFound) {
		return s.toInbox(ctx, b, res, code, unmatched.ReasonUnmatchedSample,
			fmt.Sprintf("no active order %q in lab", res.SampleIdentifier))
	}
	if err != nil {
		return err
	}

	mapping, err := s.d.Mappings.GetActive(ctx, b.inst.ID, code)
	if errors.Is(err, instrument.ErrNotFound) {
		return s.toInbox(ctx, b, res, code, unmatched.ReasonNoMapping,
			fmt.Sprintf("no active mapping for code %q on instrument %s", code, b.inst.Name))
	}
	if err != nil {
		return err
	}

	target, smp, err := s.findOrderTest(ctx, ord, res.SampleIdentifier, mapping.TestID)
	if errors.Is(err, order.ErrNotFound) {
		return s.toInbox(ctx, b, res, code, unmatched.ReasonUnorderedTest,
			fmt.Sprintf("test %s was not ordered on order %q", mapping.TestID, res.SampleIdentifier))
	}
	if err != nil {
		return err
	}

	if !sampleAcceptsResults(smp.Status) {
		return s.toInbox(ctx, b, res, code, unmatched.ReasonInvalidSampleStatus,
			fmt.Sprintf("sample %s is %s and cannot accept results", smp.SampleNumber, smp.Status))
	}

	if b.strict && target.Status == order.StatusVerified {
		return s.toInbox(ctx, b, res, code, unmatched.ReasonDuplicateResult,
			fmt.Sprintf("order test %s is already verified", target.ID))
	}

	return s.applyResult(ctx, b, res, code, mapping, target)
}

// resolveOrder is the strict sample-resolution path: an Order lookup on
// (labID, orderNumber), cached per batch. No fuzzy or legacy barcode match.
func (s *Service) resolveOrder(ctx context.Context, b *batch, identifier string) (*order.Order, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, order.ErrNotFound
	}
	if ord, ok := b.orders[identifier]; ok {
		if ord == nil {
			return nil, order.ErrNotFound
		}
		return ord, nil
	}
	ord, err := s.d.Orders.GetActiveByNumber(ctx, b.inst.LabID, identifier)
	if errors.Is(err, order.ErrNotFound) {
		b.orders[identifier] = nil
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	b.orders[identifier] = ord
	return ord, nil
}

// findOrderTest locates the OrderTest for the mapped test on the order's
// samples: the sample matching the parsed identifier is checked first, then
// the remaining sibling samples of the same order.
func (s *Service) findOrderTest(ctx context.Context, ord *order.Order, identifier string, testID uuid.UUID) (*order.OrderTest, *order.Sample, error) {
	samples, err := s.d.Samples.ListByOrder(ctx, ord.ID)
	if err != nil {
		return nil, nil, err
	}

	ordered := make([]*order.Sample, 0, len(samples))
	for _, smp := range samples {
		if smp.SampleNumber == identifier {
			ordered = append([]*order.Sample{smp}, ordered...)
		} else {
			ordered = append(ordered, smp)
		}
	}

	for _, smp := range ordered {
		ot, err := s.d.OrderTests.GetBySampleAndTest(ctx, smp.ID, testID)
		if errors.Is(err, order.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return ot, smp, nil
	}
	return nil, nil, order.ErrNotFound
}

// sampleAcceptsResults reports whether a sample in the given status can
// still receive instrument results.
func sampleAcceptsResults(status string) bool {
	switch status {
	case "REJECTED", "DISPOSED", "CANCELLED":
		return false
	}
	return true
}

// applyResult mutates the matched OrderTest and appends history and audit.
func (s *Service) applyResult(ctx context.Context, b *batch, res result, code string, mapping *instrument.TestMapping, target *order.OrderTest) error {
	now := time.Now().UTC()
	valuePtr, textPtr := ParseValue(res.Value, mapping.Multiplier)

	var flagPtr *string
	if flag := resultflag.Map(res.Flag); flag != "" {
		flagPtr = &flag
	}
	unitPtr := optional(res.Unit)
	rangePtr := optional(res.ReferenceRange)

	var commentsPtr *string
	if len(res.Comments) > 0 {
		joined := strings.Join(res.Comments, "\n")
		commentsPtr = &joined
	}

	if err := s.d.History.Create(ctx, &order.ResultHistory{
		OrderTestID:    target.ID,
		MessageID:      &b.msg.ID,
		InstrumentCode: code,
		Sequence:       res.Sequence,
		ResultValue:    valuePtr,
		ResultText:     textPtr,
		Unit:           unitPtr,
		ReferenceRange: rangePtr,
		Flag:           flagPtr,
		Comments:       commentsPtr,
		ReceivedAt:     now,
	}); err != nil {
		return fmt.Errorf("ingestion: append history: %w", err)
	}

	firstResult := !target.HasResult()

	target.ResultValue = valuePtr
	target.ResultText = textPtr
	target.Unit = unitPtr
	target.ReferenceRange = rangePtr
	target.Flag = flagPtr
	target.Status = order.StatusCompleted
	target.ResultedAt = &now
	resultedBy := b.inst.Name
	target.ResultedBy = &resultedBy
	for _, comment := range res.Comments {
		target.AppendComment(code, comment)
	}
	if err := s.d.OrderTests.Update(ctx, target); err != nil {
		return fmt.Errorf("ingestion: update order test: %w", err)
	}

	action := audit.ActionResultUpdate
	if firstResult {
		action = audit.ActionResultEnter
	}
	if err := s.d.Audit.Log(ctx, &audit.Entry{
		LabID:      b.inst.LabID,
		Action:     action,
		EntityType: "order_test",
		EntityID:   &target.ID,
		Source:     "instrument",
		Detail:     fmt.Sprintf("result for %s from %s (message %s)", code, b.inst.Name, b.msg.ID),
	}); err != nil {
		return fmt.Errorf("ingestion: audit: %w", err)
	}

	if target.ParentOrderTestID != nil {
		b.touched[target.SampleID] = true
	}
	b.report.Processed++
	return nil
}

// toInbox persists an unmatched row with the classified reason.
func (s *Service) toInbox(ctx context.Context, b *batch, res result, code, reason, detail string) error {
	var flagPtr *string
	if flag := resultflag.Map(res.Flag); flag != "" {
		flagPtr = &flag
	}
	valuePtr, textPtr := ParseValue(res.Value, nil)

	if code == "" {
		code = strings.ToUpper(strings.TrimSpace(res.Code))
	}

	row := &unmatched.Result{
		LabID:            b.inst.LabID,
		InstrumentID:     b.inst.ID,
		MessageID:        &b.msg.ID,
		SampleIdentifier: strings.TrimSpace(res.SampleIdentifier),
		InstrumentCode:   code,
		Sequence:         res.Sequence,
		ResultValue:      valuePtr,
		ResultText:       textPtr,
		Unit:             optional(res.Unit),
		ReferenceRange:   optional(res.ReferenceRange),
		Flag:             flagPtr,
		Reason:           reason,
		Detail:           detail,
		Status:           unmatched.StatusPending,
		ReceivedAt:       time.Now().UTC(),
	}
	if err := s.d.Unmatched.Create(ctx, row); err != nil {
		return fmt.Errorf("ingestion: persist unmatched result: %w", err)
	}

	s.d.Logger.Info().
		Str("instrument_id", b.inst.ID.String()).
		Str("code", code).
		Str("reason", reason).
		Msg("result routed to unmatched inbox")

	b.report.Unmatched++
	return nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// meta serializes lightweight parse metadata for the message log; the raw
// frame itself is already stored verbatim.
func meta(messageType, controlID string, results int) *string {
	b, err := json.Marshal(map[string]interface{}{
		"type":      messageType,
		"controlId": controlID,
		"results":   results,
	})
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}
