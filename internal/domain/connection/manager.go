// Package connection owns the live transport to each configured instrument:
// one listening socket or outbound client per instrument, frame extraction
// from the byte stream, dispatch into the ingestion engine, and ACK/ORM
// write-back.
package connection

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openlis/lisbridge/internal/domain/ingestion"
	"github.com/openlis/lisbridge/internal/domain/instrument"
	"github.com/openlis/lisbridge/internal/platform/hl7"
	"github.com/openlis/lisbridge/internal/platform/mllp"
)

// ASTM low-level control bytes handled by the transport layer.
const (
	astmENQ = 0x05
	astmACK = 0x06
	astmNAK = 0x15
	astmEOT = 0x04
)

const reconnectBackoff = 10 * time.Second

// maxReceiveBuffer bounds the bytes buffered per connection while waiting for
// a complete message. A peer that never sends a frame delimiter gets its
// buffer discarded once the limit is crossed.
const maxReceiveBuffer = 1 << 20

// Manager supervises one link per instrument. All exported methods are safe
// for concurrent use.
type Manager struct {
	instruments instrument.Repository
	messages    instrument.MessageRepository
	ingest      *ingestion.Service
	logger      zerolog.Logger
	dialTimeout time.Duration

	mu    sync.Mutex
	links map[uuid.UUID]*link
}

// link is the supervised connection state for one instrument.
type link struct {
	inst     *instrument.Instrument
	cancel   context.CancelFunc
	done     chan struct{}
	listener net.Listener

	connMu sync.Mutex
	conn   net.Conn // current peer, nil when disconnected
}

func (l *link) setConn(c net.Conn) {
	l.connMu.Lock()
	l.conn = c
	l.connMu.Unlock()
}

func (l *link) currentConn() net.Conn {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	return l.conn
}

func NewManager(instruments instrument.Repository, messages instrument.MessageRepository, ingest *ingestion.Service, dialTimeout time.Duration, logger zerolog.Logger) *Manager {
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	return &Manager{
		instruments: instruments,
		messages:    messages,
		ingest:      ingest,
		logger:      logger,
		dialTimeout: dialTimeout,
		links:       make(map[uuid.UUID]*link),
	}
}

// StartAll starts a link for every active instrument. Individual start
// failures are logged and recorded on the instrument; they do not stop the
// remaining instruments from starting.
func (m *Manager) StartAll(ctx context.Context) error {
	active, err := m.instruments.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("connection: list active instruments: %w", err)
	}
	for _, inst := range active {
		if err := m.Start(ctx, inst.ID); err != nil {
			m.logger.Error().Err(err).
				Str("instrument_id", inst.ID.String()).
				Str("name", inst.Name).
				Msg("failed to start instrument link")
		}
	}
	return nil
}

// Start brings up the link for one instrument. Unsupported protocols and
// connection types are rejected here with the instrument marked ERROR, so
// misconfiguration is visible in the instrument list rather than silent.
func (m *Manager) Start(ctx context.Context, instrumentID uuid.UUID) error {
	inst, err := m.instruments.GetByID(ctx, instrumentID)
	if err != nil {
		return err
	}

	if inst.Protocol != instrument.ProtocolHL7V2 && inst.Protocol != instrument.ProtocolASTM {
		reason := fmt.Sprintf("protocol %s has no transport implementation", inst.Protocol)
		m.setStatus(ctx, inst.ID, instrument.StatusError, reason)
		return fmt.Errorf("connection: %s: %s", inst.Name, reason)
	}
	if inst.ConnectionType != instrument.ConnTCPServer && inst.ConnectionType != instrument.ConnTCPClient {
		reason := fmt.Sprintf("connection type %s has no transport implementation", inst.ConnectionType)
		m.setStatus(ctx, inst.ID, instrument.StatusError, reason)
		return fmt.Errorf("connection: %s: %s", inst.Name, reason)
	}
	if inst.Port == nil {
		reason := "no port configured"
		m.setStatus(ctx, inst.ID, instrument.StatusError, reason)
		return fmt.Errorf("connection: %s: %s", inst.Name, reason)
	}

	m.mu.Lock()
	if _, running := m.links[inst.ID]; running {
		m.mu.Unlock()
		return fmt.Errorf("connection: %s: link already running", inst.Name)
	}
	linkCtx, cancel := context.WithCancel(context.Background())
	l := &link{inst: inst, cancel: cancel, done: make(chan struct{})}
	m.links[inst.ID] = l
	m.mu.Unlock()

	m.setStatus(ctx, inst.ID, instrument.StatusConnecting, "")

	if inst.ConnectionType == instrument.ConnTCPServer {
		addr := fmt.Sprintf(":%d", *inst.Port)
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			m.remove(inst.ID)
			reason := err.Error()
			m.setStatus(ctx, inst.ID, instrument.StatusError, reason)
			return fmt.Errorf("connection: %s: listen %s: %w", inst.Name, addr, err)
		}
		l.listener = listener
		go m.serveListener(linkCtx, l)
		m.logger.Info().Str("instrument", inst.Name).Str("addr", addr).Msg("instrument listener started")
		return nil
	}

	go m.maintainClient(linkCtx, l)
	return nil
}

// Stop tears down one instrument link and marks it OFFLINE.
func (m *Manager) Stop(ctx context.Context, instrumentID uuid.UUID) error {
	m.mu.Lock()
	l, ok := m.links[instrumentID]
	if ok {
		delete(m.links, instrumentID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("connection: no running link for instrument %s", instrumentID)
	}

	l.cancel()
	if l.listener != nil {
		l.listener.Close()
	}
	if c := l.currentConn(); c != nil {
		c.Close()
	}
	<-l.done

	m.setStatus(ctx, instrumentID, instrument.StatusOffline, "")
	return nil
}

// Restart stops the link if running and starts it again with fresh
// configuration.
func (m *Manager) Restart(ctx context.Context, instrumentID uuid.UUID) error {
	m.mu.Lock()
	_, running := m.links[instrumentID]
	m.mu.Unlock()
	if running {
		if err := m.Stop(ctx, instrumentID); err != nil {
			return err
		}
	}
	return m.Start(ctx, instrumentID)
}

// Shutdown stops every running link. Used on process exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]uuid.UUID, 0, len(m.links))
	for id := range m.links {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil {
			m.logger.Warn().Err(err).Str("instrument_id", id.String()).Msg("error stopping link on shutdown")
		}
	}
}

func (m *Manager) remove(id uuid.UUID) {
	m.mu.Lock()
	if l, ok := m.links[id]; ok {
		close(l.done)
		delete(m.links, id)
	}
	m.mu.Unlock()
}

func (m *Manager) setStatus(ctx context.Context, id uuid.UUID, status string, lastError string) {
	if err := m.instruments.UpdateStatus(ctx, id, status, lastError); err != nil {
		m.logger.Error().Err(err).Str("instrument_id", id.String()).Msg("failed to update instrument status")
	}
}

// serveListener accepts peers for a TCP_SERVER instrument. One peer at a
// time; analyzers hold a single long-lived connection.
func (m *Manager) serveListener(ctx context.Context, l *link) {
	defer close(l.done)
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn().Err(err).Str("instrument", l.inst.Name).Msg("accept failed")
			continue
		}
		m.setStatus(ctx, l.inst.ID, instrument.StatusOnline, "")
		l.setConn(conn)
		m.logger.Info().Str("instrument", l.inst.Name).Str("peer", conn.RemoteAddr().String()).Msg("instrument connected")

		m.readLoop(ctx, l, conn)

		l.setConn(nil)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		m.setStatus(ctx, l.inst.ID, instrument.StatusConnecting, "")
		m.logger.Info().Str("instrument", l.inst.Name).Msg("instrument disconnected, awaiting reconnect")
	}
}

// maintainClient dials a TCP_CLIENT instrument and redials with backoff
// until the link is stopped.
func (m *Manager) maintainClient(ctx context.Context, l *link) {
	defer close(l.done)
	addr := net.JoinHostPort(deref(l.inst.Host), fmt.Sprintf("%d", *l.inst.Port))
	for {
		dialer := net.Dialer{Timeout: m.dialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			reason := err.Error()
			m.setStatus(ctx, l.inst.ID, instrument.StatusError, reason)
			m.logger.Warn().Err(err).Str("instrument", l.inst.Name).Str("addr", addr).Msg("dial failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectBackoff):
			}
			continue
		}

		m.setStatus(ctx, l.inst.ID, instrument.StatusOnline, "")
		l.setConn(conn)
		m.logger.Info().Str("instrument", l.inst.Name).Str("addr", addr).Msg("instrument connected")

		m.readLoop(ctx, l, conn)

		l.setConn(nil)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		m.setStatus(ctx, l.inst.ID, instrument.StatusConnecting, "")
	}
}

// readLoop consumes bytes from one peer until the connection drops or the
// link is stopped, extracting complete messages and dispatching them by the
// instrument's configured protocol.
func (m *Manager) readLoop(ctx context.Context, l *link, conn net.Conn) {
	buf := make([]byte, 0, 8192)
	chunk := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			buf = m.drain(ctx, l, conn, buf)
			if len(buf) > maxReceiveBuffer {
				m.logger.Error().
					Str("instrument", l.inst.Name).
					Int("buffered", len(buf)).
					Msg("receive buffer limit exceeded without a complete message, discarding")
				buf = buf[:0]
			}
		}
		if err != nil {
			return
		}
	}
}

// drain pulls every complete message out of buf and returns the remainder.
func (m *Manager) drain(ctx context.Context, l *link, conn net.Conn, buf []byte) []byte {
	if l.inst.Protocol == instrument.ProtocolASTM {
		return m.drainASTM(ctx, l, conn, buf)
	}
	for {
		frame, rest, found := mllp.Extract(buf, l.inst.StartBlock, l.inst.EndBlock)
		if !found {
			return rest
		}
		buf = rest
		m.dispatchHL7(ctx, l, conn, frame)
	}
}

// drainASTM handles the ASTM session bytes: ENQ is acknowledged immediately,
// frames accumulate until the terminator record or EOT, then the whole
// transmission goes through ingestion and the result is acknowledged with a
// single ACK or NAK byte.
func (m *Manager) drainASTM(ctx context.Context, l *link, conn net.Conn, buf []byte) []byte {
	for len(buf) > 0 && buf[0] == astmENQ {
		m.write(conn, []byte{astmACK})
		buf = buf[1:]
	}

	complete := false
	cut := len(buf)
	if i := bytes.IndexByte(buf, astmEOT); i >= 0 {
		complete = true
		cut = i
	} else if hasTerminatorRecord(buf) {
		complete = true
	}
	if !complete {
		return buf
	}

	message := buf[:cut]
	rest := buf[cut:]
	if len(rest) > 0 && rest[0] == astmEOT {
		rest = rest[1:]
	}

	if len(strings.TrimSpace(string(message))) == 0 {
		return rest
	}
	report, err := m.ingest.IngestASTM(ctx, l.inst.ID, string(message), ingestion.Options{})
	if err != nil {
		m.logger.Error().Err(err).Str("instrument", l.inst.Name).Msg("astm ingestion failed")
		m.write(conn, []byte{astmNAK})
		return rest
	}
	if report.AckCode == ingestion.AckAccept {
		m.write(conn, []byte{astmACK})
	} else {
		m.write(conn, []byte{astmNAK})
	}
	return rest
}

// dispatchHL7 runs one extracted frame through ingestion and writes the
// framed HL7 ACK back on the same socket.
func (m *Manager) dispatchHL7(ctx context.Context, l *link, conn net.Conn, frame []byte) {
	report, err := m.ingest.IngestHL7ORU(ctx, l.inst.ID, string(frame), ingestion.Options{})
	if err != nil {
		m.logger.Error().Err(err).Str("instrument", l.inst.Name).Msg("hl7 ingestion failed")
		return
	}
	if report.AckMessage == "" {
		return
	}
	ack := mllp.Frame([]byte(report.AckMessage), l.inst.StartBlock, l.inst.EndBlock)
	m.write(conn, ack)
}

func (m *Manager) write(conn net.Conn, data []byte) {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write(data); err != nil {
		m.logger.Warn().Err(err).Msg("socket write failed")
	}
}

// SendOrder serializes an ORM for an HL7 instrument and writes it on the
// live socket, logging the outbound frame. The instrument must be connected.
func (m *Manager) SendOrder(ctx context.Context, instrumentID uuid.UUID, o hl7.Order) (uuid.UUID, error) {
	m.mu.Lock()
	l, ok := m.links[instrumentID]
	m.mu.Unlock()
	if !ok {
		return uuid.Nil, fmt.Errorf("connection: no running link for instrument %s", instrumentID)
	}
	if l.inst.Protocol != instrument.ProtocolHL7V2 {
		return uuid.Nil, fmt.Errorf("connection: %s: order download requires the HL7 protocol", l.inst.Name)
	}
	conn := l.currentConn()
	if conn == nil {
		return uuid.Nil, fmt.Errorf("connection: %s: instrument is not connected", l.inst.Name)
	}

	orm := hl7.GenerateORM(o)
	raw := hl7.Serialize(orm)

	msg := &instrument.Message{
		InstrumentID: l.inst.ID,
		Direction:    instrument.DirectionOutbound,
		MessageType:  strPtr(orm.Type),
		ControlID:    strPtr(orm.ControlID),
		RawMessage:   string(raw),
		Status:       instrument.MessageSent,
	}
	if err := m.messages.Create(ctx, msg); err != nil {
		return uuid.Nil, fmt.Errorf("connection: log outbound message: %w", err)
	}

	framed := mllp.Frame(raw, l.inst.StartBlock, l.inst.EndBlock)
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write(framed); err != nil {
		errText := err.Error()
		msg.Status = instrument.MessageError
		msg.ErrorMessage = &errText
		if uerr := m.messages.Update(ctx, msg); uerr != nil {
			m.logger.Error().Err(uerr).Str("message_id", msg.ID.String()).Msg("failed to mark outbound message errored")
		}
		return uuid.Nil, fmt.Errorf("connection: write order: %w", err)
	}

	m.logger.Info().
		Str("instrument", l.inst.Name).
		Str("order_number", o.OrderNumber).
		Str("message_id", msg.ID.String()).
		Msg("order sent to instrument")
	return msg.ID, nil
}

// Running reports whether a link is currently supervised for the instrument.
func (m *Manager) Running(instrumentID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.links[instrumentID]
	return ok
}

// hasTerminatorRecord reports whether the buffered ASTM text already carries
// the L (terminator) record, accounting for leading frame-sequence digits.
func hasTerminatorRecord(buf []byte) bool {
	for _, line := range strings.FieldsFunc(string(buf), func(r rune) bool { return r == '\r' || r == '\n' }) {
		line = strings.TrimLeft(line, "\x02\x0b ")
		for len(line) > 0 && line[0] >= '0' && line[0] <= '9' {
			line = line[1:]
		}
		if strings.HasPrefix(line, "L|") {
			return true
		}
	}
	return false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
