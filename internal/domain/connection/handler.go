package connection

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/openlis/lisbridge/internal/domain/ingestion"
	"github.com/openlis/lisbridge/internal/domain/instrument"
	"github.com/openlis/lisbridge/internal/domain/order"
	"github.com/openlis/lisbridge/internal/platform/astm"
	"github.com/openlis/lisbridge/internal/platform/hl7"
	"github.com/openlis/lisbridge/pkg/pagination"
)

// Handler exposes the operational instrument endpoints: live status,
// connection control, the wire-traffic log, manual ingestion and order
// download.
type Handler struct {
	instruments instrument.Repository
	mappings    instrument.MappingRepository
	messages    instrument.MessageRepository
	orders      order.OrderRepository
	orderTests  order.OrderTestRepository
	manager     *Manager
	ingest      *ingestion.Service
}

func NewHandler(instruments instrument.Repository, mappings instrument.MappingRepository, messages instrument.MessageRepository, orders order.OrderRepository, orderTests order.OrderTestRepository, manager *Manager, ingest *ingestion.Service) *Handler {
	return &Handler{
		instruments: instruments,
		mappings:    mappings,
		messages:    messages,
		orders:      orders,
		orderTests:  orderTests,
		manager:     manager,
		ingest:      ingest,
	}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/instruments", h.ListInstruments)
	api.GET("/instruments/:id", h.GetInstrument)
	api.POST("/instruments/:id/restart", h.RestartInstrument)
	api.POST("/instruments/:id/stop", h.StopInstrument)
	api.GET("/instruments/:id/messages", h.ListMessages)
	api.POST("/instruments/:id/ingest", h.Ingest)
	api.POST("/instruments/:id/orders/:orderTestId/send", h.SendOrder)
}

// instrumentView decorates the stored instrument with the live link state.
type instrumentView struct {
	*instrument.Instrument
	LinkRunning bool `json:"link_running"`
}

func (h *Handler) ListInstruments(c echo.Context) error {
	instruments, err := h.instruments.List(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	views := make([]instrumentView, len(instruments))
	for i, in := range instruments {
		views[i] = instrumentView{Instrument: in, LinkRunning: h.manager.Running(in.ID)}
	}
	return c.JSON(http.StatusOK, views)
}

func (h *Handler) GetInstrument(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	in, err := h.instruments.GetByID(c.Request().Context(), id)
	if errors.Is(err, instrument.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "instrument not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, instrumentView{Instrument: in, LinkRunning: h.manager.Running(in.ID)})
}

func (h *Handler) RestartInstrument(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.manager.Restart(c.Request().Context(), id); err != nil {
		if errors.Is(err, instrument.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "instrument not found")
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "restarted"})
}

func (h *Handler) StopInstrument(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.manager.Stop(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *Handler) ListMessages(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pg := pagination.FromContext(c)
	messages, total, err := h.messages.ListByInstrument(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(messages, total, pg.Limit, pg.Offset))
}

// Ingest runs a raw message through the matching pipeline without a socket.
// The body is the raw frame; query params select the protocol and options.
// Used for replaying logged messages and for instruments integrated through
// an external gateway.
func (h *Handler) Ingest(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil || len(body) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "request body must carry the raw message")
	}

	in, err := h.instruments.GetByID(c.Request().Context(), id)
	if errors.Is(err, instrument.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "instrument not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	opts := ingestion.Options{
		SampleIDField: c.QueryParam("sample_id_field"),
		DisableStrict: c.QueryParam("strict") == "false",
	}

	protocol := in.Protocol
	if protocol == instrument.ProtocolCustom {
		// CUSTOM instruments are integrated through a gateway; sniff the
		// payload to pick a pipeline.
		if astm.IsLikelyASTM(body) {
			protocol = instrument.ProtocolASTM
		} else {
			protocol = instrument.ProtocolHL7V2
		}
	}

	var report *ingestion.Report
	switch protocol {
	case instrument.ProtocolASTM:
		report, err = h.ingest.IngestASTM(c.Request().Context(), id, string(body), opts)
	case instrument.ProtocolHL7V2:
		report, err = h.ingest.IngestHL7ORU(c.Request().Context(), id, string(body), opts)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "instrument protocol "+in.Protocol+" cannot be ingested")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}

// SendOrder builds an ORM for one ordered test and writes it to the
// instrument's live socket.
func (h *Handler) SendOrder(c echo.Context) error {
	instrumentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid instrument id")
	}
	orderTestID, err := uuid.Parse(c.Param("orderTestId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order test id")
	}

	ctx := c.Request().Context()
	in, err := h.instruments.GetByID(ctx, instrumentID)
	if errors.Is(err, instrument.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "instrument not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	ot, err := h.orderTests.GetByID(ctx, orderTestID)
	if errors.Is(err, order.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "order test not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	ord, err := h.orders.GetBySample(ctx, ot.SampleID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if ord.LabID != in.LabID {
		return echo.NewHTTPError(http.StatusForbidden, "order belongs to a different lab")
	}

	mapping, err := h.mappings.GetActiveByTest(ctx, instrumentID, ot.TestID)
	if errors.Is(err, instrument.ErrNotFound) {
		return echo.NewHTTPError(http.StatusConflict, "no active mapping for this test on the instrument")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	o := hl7.Order{
		ReceivingApp: deref(in.ApplicationID),
		ReceivingFac: deref(in.FacilityID),
		OrderNumber:  ord.OrderNumber,
		TestCode:     mapping.InstrumentCode,
	}
	if ord.PatientID != nil {
		o.PatientID = ord.PatientID.String()
	}

	messageID, err := h.manager.SendOrder(ctx, instrumentID, o)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"message_id": messageID.String()})
}
