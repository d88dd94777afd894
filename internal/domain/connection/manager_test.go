package connection

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openlis/lisbridge/internal/domain/ingestion"
	"github.com/openlis/lisbridge/internal/domain/instrument"
	"github.com/openlis/lisbridge/internal/domain/order"
	"github.com/openlis/lisbridge/internal/domain/panel"
	"github.com/openlis/lisbridge/internal/domain/unmatched"
	"github.com/openlis/lisbridge/internal/platform/audit"
	"github.com/openlis/lisbridge/internal/platform/hl7"
	"github.com/openlis/lisbridge/internal/platform/mllp"
)

// -- Mock repositories --
//
// The link goroutines touch these concurrently with test assertions, so every
// repository that a test reads back is guarded by a mutex.

type mockInstrumentRepo struct {
	mu          sync.Mutex
	instruments map[uuid.UUID]*instrument.Instrument
	statuses    map[uuid.UUID][]string
}

func (m *mockInstrumentRepo) GetByID(_ context.Context, id uuid.UUID) (*instrument.Instrument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.instruments[id]
	if !ok {
		return nil, instrument.ErrNotFound
	}
	return in, nil
}

func (m *mockInstrumentRepo) List(_ context.Context) ([]*instrument.Instrument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*instrument.Instrument
	for _, in := range m.instruments {
		out = append(out, in)
	}
	return out, nil
}

func (m *mockInstrumentRepo) ListActive(_ context.Context) ([]*instrument.Instrument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*instrument.Instrument
	for _, in := range m.instruments {
		if in.IsActive {
			out = append(out, in)
		}
	}
	return out, nil
}

func (m *mockInstrumentRepo) UpdateStatus(_ context.Context, id uuid.UUID, status, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[id] = append(m.statuses[id], status)
	return nil
}

func (m *mockInstrumentRepo) TouchLastMessage(_ context.Context, id uuid.UUID) error {
	return nil
}

// statusHistory returns the ordered status transitions recorded for an
// instrument.
func (m *mockInstrumentRepo) statusHistory(id uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.statuses[id]))
	copy(out, m.statuses[id])
	return out
}

type mockMessageRepo struct {
	mu       sync.Mutex
	messages []*instrument.Message
}

func (m *mockMessageRepo) Create(_ context.Context, msg *instrument.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.ID = uuid.New()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *mockMessageRepo) Update(_ context.Context, msg *instrument.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.messages {
		if existing.ID == msg.ID {
			m.messages[i] = msg
		}
	}
	return nil
}

func (m *mockMessageRepo) ListByInstrument(_ context.Context, instrumentID uuid.UUID, limit, offset int) ([]*instrument.Message, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*instrument.Message
	for _, msg := range m.messages {
		if msg.InstrumentID == instrumentID {
			out = append(out, msg)
		}
	}
	return out, len(out), nil
}

// byDirection snapshots the logged messages with the given direction.
func (m *mockMessageRepo) byDirection(direction string) []instrument.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []instrument.Message
	for _, msg := range m.messages {
		if msg.Direction == direction {
			out = append(out, *msg)
		}
	}
	return out
}

type mockMappingRepo struct {
	mappings map[string]*instrument.TestMapping // keyed by instrument code
}

func (m *mockMappingRepo) GetActive(_ context.Context, instrumentID uuid.UUID, code string) (*instrument.TestMapping, error) {
	mp, ok := m.mappings[code]
	if !ok || mp.InstrumentID != instrumentID {
		return nil, instrument.ErrNotFound
	}
	return mp, nil
}

func (m *mockMappingRepo) GetActiveByTest(_ context.Context, instrumentID, testID uuid.UUID) (*instrument.TestMapping, error) {
	for _, mp := range m.mappings {
		if mp.InstrumentID == instrumentID && mp.TestID == testID {
			return mp, nil
		}
	}
	return nil, instrument.ErrNotFound
}

type mockOrderRepo struct {
	orders map[uuid.UUID]*order.Order
}

func (m *mockOrderRepo) GetActiveByNumber(_ context.Context, labID uuid.UUID, orderNumber string) (*order.Order, error) {
	for _, o := range m.orders {
		if o.LabID == labID && o.OrderNumber == orderNumber && o.Status != order.OrderStatusCancelled {
			return o, nil
		}
	}
	return nil, order.ErrNotFound
}

func (m *mockOrderRepo) GetBySample(_ context.Context, sampleID uuid.UUID) (*order.Order, error) {
	return nil, order.ErrNotFound
}

type mockSampleRepo struct {
	samples map[uuid.UUID]*order.Sample
}

func (m *mockSampleRepo) GetByID(_ context.Context, id uuid.UUID) (*order.Sample, error) {
	s, ok := m.samples[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return s, nil
}

func (m *mockSampleRepo) ListByOrder(_ context.Context, orderID uuid.UUID) ([]*order.Sample, error) {
	var out []*order.Sample
	for _, s := range m.samples {
		if s.OrderID == orderID {
			out = append(out, s)
		}
	}
	return out, nil
}

type mockOrderTestRepo struct {
	mu    sync.Mutex
	tests map[uuid.UUID]*order.OrderTest
}

func (m *mockOrderTestRepo) GetByID(_ context.Context, id uuid.UUID) (*order.OrderTest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ot, ok := m.tests[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return ot, nil
}

func (m *mockOrderTestRepo) GetBySampleAndTest(_ context.Context, sampleID, testID uuid.UUID) (*order.OrderTest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ot := range m.tests {
		if ot.SampleID == sampleID && ot.TestID == testID {
			return ot, nil
		}
	}
	return nil, order.ErrNotFound
}

func (m *mockOrderTestRepo) ListBySample(_ context.Context, sampleID uuid.UUID) ([]*order.OrderTest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*order.OrderTest
	for _, ot := range m.tests {
		if ot.SampleID == sampleID {
			out = append(out, ot)
		}
	}
	return out, nil
}

func (m *mockOrderTestRepo) Update(_ context.Context, ot *order.OrderTest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ot
	m.tests[ot.ID] = &cp
	return nil
}

func (m *mockOrderTestRepo) UpdateStatus(_ context.Context, id uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ot, ok := m.tests[id]; ok {
		ot.Status = status
	}
	return nil
}

// get snapshots one order test.
func (m *mockOrderTestRepo) get(t *testing.T, id uuid.UUID) order.OrderTest {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	ot, ok := m.tests[id]
	if !ok {
		t.Fatalf("order test %s not found", id)
	}
	return *ot
}

type mockHistoryRepo struct {
	mu   sync.Mutex
	rows []*order.ResultHistory
}

func (m *mockHistoryRepo) Create(_ context.Context, h *order.ResultHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, h)
	return nil
}

func (m *mockHistoryRepo) ListByOrderTest(_ context.Context, orderTestID uuid.UUID) ([]*order.ResultHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*order.ResultHistory
	for _, h := range m.rows {
		if h.OrderTestID == orderTestID {
			out = append(out, h)
		}
	}
	return out, nil
}

type mockUnmatchedRepo struct {
	mu   sync.Mutex
	rows []*unmatched.Result
}

func (m *mockUnmatchedRepo) Create(_ context.Context, r *unmatched.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = uuid.New()
	m.rows = append(m.rows, r)
	return nil
}

func (m *mockUnmatchedRepo) GetByID(_ context.Context, id uuid.UUID) (*unmatched.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, unmatched.ErrNotFound
}

func (m *mockUnmatchedRepo) List(_ context.Context, labID uuid.UUID, status string, limit, offset int) ([]*unmatched.Result, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows, len(m.rows), nil
}

func (m *mockUnmatchedRepo) UpdateResolution(_ context.Context, r *unmatched.Result) error {
	return nil
}

func (m *mockUnmatchedRepo) Stats(_ context.Context, labID uuid.UUID) ([]*unmatched.ReasonStats, error) {
	return nil, nil
}

func (m *mockUnmatchedRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type mockComponentRepo struct{}

func (m *mockComponentRepo) ListByPanel(_ context.Context, panelTestID uuid.UUID) ([]*order.TestComponent, error) {
	return nil, nil
}

type mockAudit struct {
	mu      sync.Mutex
	entries []*audit.Entry
}

func (m *mockAudit) Log(_ context.Context, e *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// -- Fixture --

type fixture struct {
	mgr         *Manager
	inst        *instrument.Instrument
	instruments *mockInstrumentRepo
	messages    *mockMessageRepo
	orderTests  *mockOrderTestRepo
	inbox       *mockUnmatchedRepo
	gluTestID   uuid.UUID
}

// newFixture builds a manager over an active TCP_SERVER instrument listening
// on an ephemeral port, with an order ORD-100, one sample, a GLU mapping and
// an unresulted GLU order test behind the ingestion engine.
func newFixture(t *testing.T, protocol string) *fixture {
	t.Helper()

	labID := uuid.New()
	port := 0
	inst := &instrument.Instrument{
		ID:             uuid.New(),
		LabID:          labID,
		Name:           "chem-1",
		Protocol:       protocol,
		ConnectionType: instrument.ConnTCPServer,
		Port:           &port,
		IsActive:       true,
	}

	ord := &order.Order{
		ID:          uuid.New(),
		LabID:       labID,
		OrderNumber: "ORD-100",
		Status:      "IN_PROGRESS",
	}
	smp := &order.Sample{
		ID:           uuid.New(),
		OrderID:      ord.ID,
		SampleNumber: "ORD-100",
		Status:       "COLLECTED",
	}
	testID := uuid.New()
	gluTest := &order.OrderTest{
		ID:       uuid.New(),
		SampleID: smp.ID,
		TestID:   testID,
		Status:   order.StatusPending,
	}

	instruments := &mockInstrumentRepo{
		instruments: map[uuid.UUID]*instrument.Instrument{inst.ID: inst},
		statuses:    make(map[uuid.UUID][]string),
	}
	messages := &mockMessageRepo{}
	orderTests := &mockOrderTestRepo{tests: map[uuid.UUID]*order.OrderTest{gluTest.ID: gluTest}}
	inbox := &mockUnmatchedRepo{}

	svc := ingestion.NewService(ingestion.Deps{
		Instruments: instruments,
		Mappings: &mockMappingRepo{mappings: map[string]*instrument.TestMapping{
			"GLU": {ID: uuid.New(), InstrumentID: inst.ID, InstrumentCode: "GLU", TestID: testID, IsActive: true},
		}},
		Messages:   messages,
		Orders:     &mockOrderRepo{orders: map[uuid.UUID]*order.Order{ord.ID: ord}},
		Samples:    &mockSampleRepo{samples: map[uuid.UUID]*order.Sample{smp.ID: smp}},
		OrderTests: orderTests,
		History:    &mockHistoryRepo{},
		Unmatched:  inbox,
		Panels:     panel.NewService(orderTests, &mockComponentRepo{}),
		Audit:      &mockAudit{},
		Logger:     zerolog.Nop(),
	})

	return &fixture{
		mgr:         NewManager(instruments, messages, svc, 0, zerolog.Nop()),
		inst:        inst,
		instruments: instruments,
		messages:    messages,
		orderTests:  orderTests,
		inbox:       inbox,
		gluTestID:   gluTest.ID,
	}
}

const oruGlucose = "MSH|^~\\&|chem-1|LAB|LIS|HOSP|20240301120000||ORU^R01|MSG001|P|2.5.1\r" +
	"PID|1||PAT-1||Doe^Jane\r" +
	"OBR|1|ORD-100||GLU^Glucose\r" +
	"OBX|1|NM|GLU^Glucose|1|95|mg/dL|70-110|N||F\r"

const astmGlucose = "H|\\^&|||chem-1\r" +
	"O|1|ORD-100||^^^GLU|R\r" +
	"R|1|^^^GLU|95|mg/dL|70-110|N||F\r" +
	"L|1|N\r"

// -- Helpers --

// listenerAddr resolves the ephemeral address the instrument's listener bound.
func listenerAddr(t *testing.T, f *fixture) string {
	t.Helper()
	f.mgr.mu.Lock()
	defer f.mgr.mu.Unlock()
	l := f.mgr.links[f.inst.ID]
	if l == nil || l.listener == nil {
		t.Fatal("no listener running for instrument")
	}
	port := l.listener.Addr().(*net.TCPAddr).Port
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

func dialInstrument(t *testing.T, f *fixture) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", listenerAddr(t, f), 2*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

// readFrame reads one framed response from the connection and returns the
// unframed bytes.
func readFrame(t *testing.T, conn net.Conn, timeout time.Duration) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if msg, _, found := mllp.Extract(buf, nil, nil); found {
			return msg
		}
		if err != nil {
			t.Fatalf("reading framed response: %v (%d bytes buffered)", err, len(buf))
		}
	}
}

func readControlByte(t *testing.T, conn net.Conn, timeout time.Duration) byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	b := make([]byte, 1)
	if _, err := io.ReadFull(conn, b); err != nil {
		t.Fatalf("reading control byte: %v", err)
	}
	return b[0]
}

// waitForStatus polls until the most recent recorded status matches.
func waitForStatus(t *testing.T, f *fixture, status string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h := f.instruments.statusHistory(f.inst.ID)
		if len(h) > 0 && h[len(h)-1] == status {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("instrument never reached status %s, history %v", status, f.instruments.statusHistory(f.inst.ID))
}

// waitForPeer polls until the link holds a live peer connection.
func waitForPeer(t *testing.T, f *fixture) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f.mgr.mu.Lock()
		l := f.mgr.links[f.inst.ID]
		f.mgr.mu.Unlock()
		if l != nil && l.currentConn() != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("instrument peer never connected")
}

// -- Lifecycle --

func TestManagerStartStop(t *testing.T) {
	f := newFixture(t, instrument.ProtocolHL7V2)
	ctx := context.Background()

	if err := f.mgr.Start(ctx, f.inst.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer f.mgr.Shutdown(ctx)

	if !f.mgr.Running(f.inst.ID) {
		t.Error("expected link to be running after Start")
	}
	h := f.instruments.statusHistory(f.inst.ID)
	if len(h) == 0 || h[0] != instrument.StatusConnecting {
		t.Errorf("expected first status CONNECTING, history %v", h)
	}

	if err := f.mgr.Start(ctx, f.inst.ID); err == nil {
		t.Error("expected error starting an already running link")
	}

	if err := f.mgr.Stop(ctx, f.inst.ID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if f.mgr.Running(f.inst.ID) {
		t.Error("expected link to be gone after Stop")
	}
	h = f.instruments.statusHistory(f.inst.ID)
	if h[len(h)-1] != instrument.StatusOffline {
		t.Errorf("expected final status OFFLINE, history %v", h)
	}

	if err := f.mgr.Stop(ctx, f.inst.ID); err == nil {
		t.Error("expected error stopping a stopped link")
	}
}

func TestManagerStartRejectsMisconfiguration(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(in *instrument.Instrument)
	}{
		{"unsupported protocol", func(in *instrument.Instrument) { in.Protocol = instrument.ProtocolPOCT1A }},
		{"unsupported connection type", func(in *instrument.Instrument) { in.ConnectionType = instrument.ConnSerial }},
		{"missing port", func(in *instrument.Instrument) { in.Port = nil }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := newFixture(t, instrument.ProtocolHL7V2)
			c.mutate(f.inst)

			if err := f.mgr.Start(context.Background(), f.inst.ID); err == nil {
				t.Fatal("expected Start to fail")
			}
			if f.mgr.Running(f.inst.ID) {
				t.Error("link must not be registered after a rejected start")
			}
			h := f.instruments.statusHistory(f.inst.ID)
			if len(h) == 0 || h[len(h)-1] != instrument.StatusError {
				t.Errorf("expected ERROR status, history %v", h)
			}
		})
	}
}

// -- HL7 over MLLP --

func TestManagerAcksInboundHL7(t *testing.T) {
	f := newFixture(t, instrument.ProtocolHL7V2)
	ctx := context.Background()
	if err := f.mgr.Start(ctx, f.inst.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer f.mgr.Shutdown(ctx)

	conn := dialInstrument(t, f)
	defer conn.Close()
	waitForStatus(t, f, instrument.StatusOnline)

	if _, err := conn.Write(mllp.Frame([]byte(oruGlucose), nil, nil)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	ack := string(readFrame(t, conn, 5*time.Second))
	if !strings.Contains(ack, "MSA|AA|MSG001") {
		t.Errorf("expected AA ack for MSG001, got %q", ack)
	}

	inbound := f.messages.byDirection(instrument.DirectionInbound)
	if len(inbound) != 1 {
		t.Fatalf("expected 1 inbound message row, got %d", len(inbound))
	}
	if inbound[0].Status != instrument.MessageProcessed {
		t.Errorf("expected PROCESSED message row, got %s", inbound[0].Status)
	}
	if inbound[0].ControlID == nil || *inbound[0].ControlID != "MSG001" {
		t.Errorf("expected control id MSG001, got %v", inbound[0].ControlID)
	}

	ot := f.orderTests.get(t, f.gluTestID)
	if ot.Status != order.StatusCompleted || ot.ResultValue == nil || *ot.ResultValue != "95" {
		t.Errorf("expected completed GLU with value 95, got %+v", ot)
	}

	conn.Close()
	waitForStatus(t, f, instrument.StatusConnecting)
}

func TestManagerClientDialsOut(t *testing.T) {
	f := newFixture(t, instrument.ProtocolHL7V2)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	host := "127.0.0.1"
	port := ln.Addr().(*net.TCPAddr).Port
	f.inst.ConnectionType = instrument.ConnTCPClient
	f.inst.Host = &host
	f.inst.Port = &port

	ctx := context.Background()
	if err := f.mgr.Start(ctx, f.inst.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer f.mgr.Shutdown(ctx)

	ln.(*net.TCPListener).SetDeadline(time.Now().Add(5 * time.Second))
	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("manager never dialed: %v", err)
	}
	defer conn.Close()
	waitForStatus(t, f, instrument.StatusOnline)

	if _, err := conn.Write(mllp.Frame([]byte(oruGlucose), nil, nil)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	ack := string(readFrame(t, conn, 5*time.Second))
	if !strings.Contains(ack, "MSA|AA|MSG001") {
		t.Errorf("expected AA ack over client link, got %q", ack)
	}
}

func TestManagerDiscardsOversizedBuffer(t *testing.T) {
	f := newFixture(t, instrument.ProtocolHL7V2)
	ctx := context.Background()
	if err := f.mgr.Start(ctx, f.inst.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer f.mgr.Shutdown(ctx)

	conn := dialInstrument(t, f)
	defer conn.Close()

	// A start block that is never closed keeps the buffer accumulating
	// until the limit discards it.
	garbage := make([]byte, maxReceiveBuffer+4096)
	for i := range garbage {
		garbage[i] = 'X'
	}
	garbage[0] = mllp.StartBlock
	if _, err := conn.Write(garbage); err != nil {
		t.Fatalf("write garbage failed: %v", err)
	}

	// Let the manager consume and discard the oversized buffer before the
	// real frame arrives.
	time.Sleep(300 * time.Millisecond)

	if _, err := conn.Write(mllp.Frame([]byte(oruGlucose), nil, nil)); err != nil {
		t.Fatalf("write message failed: %v", err)
	}
	ack := string(readFrame(t, conn, 5*time.Second))
	if !strings.Contains(ack, "MSA|AA|MSG001") {
		t.Errorf("expected AA ack after buffer discard, got %q", ack)
	}

	inbound := f.messages.byDirection(instrument.DirectionInbound)
	if len(inbound) != 1 {
		t.Errorf("expected only the framed message to be ingested, got %d rows", len(inbound))
	}
}

// -- ASTM sessions --

func TestManagerASTMSession(t *testing.T) {
	f := newFixture(t, instrument.ProtocolASTM)
	ctx := context.Background()
	if err := f.mgr.Start(ctx, f.inst.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer f.mgr.Shutdown(ctx)

	conn := dialInstrument(t, f)
	defer conn.Close()

	if _, err := conn.Write([]byte{astmENQ}); err != nil {
		t.Fatalf("write ENQ failed: %v", err)
	}
	if b := readControlByte(t, conn, 5*time.Second); b != astmACK {
		t.Fatalf("expected ACK for ENQ, got 0x%02X", b)
	}

	if _, err := conn.Write(append([]byte(astmGlucose), astmEOT)); err != nil {
		t.Fatalf("write records failed: %v", err)
	}
	if b := readControlByte(t, conn, 5*time.Second); b != astmACK {
		t.Errorf("expected ACK for accepted transmission, got 0x%02X", b)
	}

	ot := f.orderTests.get(t, f.gluTestID)
	if ot.Status != order.StatusCompleted || ot.ResultValue == nil || *ot.ResultValue != "95" {
		t.Errorf("expected completed GLU with value 95, got %+v", ot)
	}
	inbound := f.messages.byDirection(instrument.DirectionInbound)
	if len(inbound) != 1 || inbound[0].Status != instrument.MessageProcessed {
		t.Errorf("expected one PROCESSED inbound row, got %+v", inbound)
	}
}

func TestManagerASTMUnknownSampleNaks(t *testing.T) {
	f := newFixture(t, instrument.ProtocolASTM)
	ctx := context.Background()
	if err := f.mgr.Start(ctx, f.inst.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer f.mgr.Shutdown(ctx)

	conn := dialInstrument(t, f)
	defer conn.Close()

	transmission := "H|\\^&|||chem-1\r" +
		"O|1|ORD-404||^^^GLU|R\r" +
		"R|1|^^^GLU|95|mg/dL\r" +
		"L|1|N\r"
	if _, err := conn.Write(append([]byte(transmission), astmEOT)); err != nil {
		t.Fatalf("write records failed: %v", err)
	}
	if b := readControlByte(t, conn, 5*time.Second); b != astmNAK {
		t.Errorf("expected NAK for fully unmatched transmission, got 0x%02X", b)
	}
	if f.inbox.count() != 1 {
		t.Errorf("expected 1 unmatched row, got %d", f.inbox.count())
	}
}

// -- Order download --

func TestManagerSendOrder(t *testing.T) {
	f := newFixture(t, instrument.ProtocolHL7V2)
	ctx := context.Background()
	if err := f.mgr.Start(ctx, f.inst.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer f.mgr.Shutdown(ctx)

	conn := dialInstrument(t, f)
	defer conn.Close()
	waitForPeer(t, f)

	msgID, err := f.mgr.SendOrder(ctx, f.inst.ID, hl7.Order{
		SendingApp:   "LIS",
		ReceivingApp: "chem-1",
		OrderNumber:  "ORD-100",
		TestCode:     "GLU",
		TestName:     "Glucose",
	})
	if err != nil {
		t.Fatalf("SendOrder failed: %v", err)
	}
	if msgID == uuid.Nil {
		t.Error("expected a message id for the logged order")
	}

	frame := string(readFrame(t, conn, 5*time.Second))
	if !strings.Contains(frame, "ORM^O01") {
		t.Errorf("expected an ORM^O01 message, got %q", frame)
	}
	if !strings.Contains(frame, "ORC|NW|ORD-100") {
		t.Errorf("expected a new-order ORC for ORD-100, got %q", frame)
	}

	outbound := f.messages.byDirection(instrument.DirectionOutbound)
	if len(outbound) != 1 {
		t.Fatalf("expected 1 outbound message row, got %d", len(outbound))
	}
	if outbound[0].ID != msgID || outbound[0].Status != instrument.MessageSent {
		t.Errorf("expected SENT row %s, got %+v", msgID, outbound[0])
	}
}

func TestManagerSendOrderRequiresConnection(t *testing.T) {
	f := newFixture(t, instrument.ProtocolHL7V2)
	ctx := context.Background()

	if _, err := f.mgr.SendOrder(ctx, f.inst.ID, hl7.Order{OrderNumber: "ORD-100"}); err == nil {
		t.Error("expected error without a running link")
	}

	if err := f.mgr.Start(ctx, f.inst.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer f.mgr.Shutdown(ctx)

	if _, err := f.mgr.SendOrder(ctx, f.inst.ID, hl7.Order{OrderNumber: "ORD-100"}); err == nil {
		t.Error("expected error while no peer is connected")
	}
}

// -- Unit helpers --

func TestHasTerminatorRecord(t *testing.T) {
	cases := []struct {
		name string
		buf  string
		want bool
	}{
		{"bare records", "H|\\^&\rR|1|^^^GLU|95\rL|1|N\r", true},
		{"framed with sequence digit", "\x025L|1|N\x0341\r", true},
		{"terminator only", "L|1|N", true},
		{"no terminator yet", "H|\\^&\rR|1|^^^GLU|95\r", false},
		{"L inside a value", "R|1|^^^GLU|L|mg/dL\r", false},
		{"empty", "", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := hasTerminatorRecord([]byte(c.buf)); got != c.want {
				t.Errorf("hasTerminatorRecord(%q) = %v, want %v", c.buf, got, c.want)
			}
		})
	}
}

func TestStrPtrAndDeref(t *testing.T) {
	if strPtr("") != nil {
		t.Error("strPtr(\"\") must be nil")
	}
	if p := strPtr("x"); p == nil || *p != "x" {
		t.Errorf("strPtr(\"x\") = %v", p)
	}
	if deref(nil) != "" {
		t.Error("deref(nil) must be empty")
	}
	s := "y"
	if deref(&s) != "y" {
		t.Error("deref round trip failed")
	}
}
