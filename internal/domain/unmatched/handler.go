package unmatched

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/openlis/lisbridge/pkg/pagination"
)

// Handler exposes the reconciliation inbox. The acting user comes from the
// X-User-ID header set by the upstream gateway; X-Impersonator-ID is carried
// through to the audit trail for break-glass style access.
type Handler struct {
	svc          *Service
	defaultLabID uuid.UUID
}

func NewHandler(svc *Service, defaultLabID uuid.UUID) *Handler {
	return &Handler{svc: svc, defaultLabID: defaultLabID}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/unmatched", h.List)
	api.GET("/unmatched/stats", h.Stats)
	api.GET("/unmatched/:id", h.Get)
	api.POST("/unmatched/:id/attach", h.Attach)
	api.POST("/unmatched/:id/discard", h.Discard)
}

func (h *Handler) labID(c echo.Context) (uuid.UUID, error) {
	if raw := c.QueryParam("lab_id"); raw != "" {
		return uuid.Parse(raw)
	}
	return h.defaultLabID, nil
}

func (h *Handler) actor(c echo.Context) (Actor, error) {
	userID, err := uuid.Parse(c.Request().Header.Get("X-User-ID"))
	if err != nil {
		return Actor{}, echo.NewHTTPError(http.StatusBadRequest, "X-User-ID header is required")
	}
	actor := Actor{UserID: userID}
	if raw := c.Request().Header.Get("X-Impersonator-ID"); raw != "" {
		impID, err := uuid.Parse(raw)
		if err != nil {
			return Actor{}, echo.NewHTTPError(http.StatusBadRequest, "invalid X-Impersonator-ID header")
		}
		actor.ImpersonatorID = &impID
	}
	return actor, nil
}

func (h *Handler) List(c echo.Context) error {
	labID, err := h.labID(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid lab_id")
	}
	pg := pagination.FromContext(c)
	status := c.QueryParam("status")

	rows, total, err := h.svc.List(c.Request().Context(), labID, status, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(rows, total, pg.Limit, pg.Offset))
}

func (h *Handler) Stats(c echo.Context) error {
	labID, err := h.labID(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid lab_id")
	}
	stats, err := h.svc.Stats(c.Request().Context(), labID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	row, err := h.svc.Get(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "unmatched result not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, row)
}

type attachRequest struct {
	OrderTestID uuid.UUID `json:"order_test_id"`
}

func (h *Handler) Attach(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	var req attachRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.OrderTestID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "order_test_id is required")
	}

	row, err := h.svc.Attach(c.Request().Context(), id, req.OrderTestID, actor)
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyResolved):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, row)
}

type discardRequest struct {
	Notes string `json:"notes"`
}

func (h *Handler) Discard(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	var req discardRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	row, err := h.svc.Discard(c.Request().Context(), id, actor, req.Notes)
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyResolved):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, row)
}
