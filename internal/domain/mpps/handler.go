package mpps

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/radiology/pkg/pagination"
)

// Handler exposes stored procedure steps read-only over HTTP.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/mpps", h.ListProcedureSteps)
	api.GET("/mpps/:uid", h.GetProcedureStep)
}

func (h *Handler) ListProcedureSteps(c echo.Context) error {
	pg := pagination.FromContext(c)
	uids, total, err := h.svc.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(uids, total, pg).WithLinks(c.Path()))
}

func (h *Handler) GetProcedureStep(c echo.Context) error {
	rec, err := h.svc.Get(c.Request().Context(), c.Param("uid"))
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

// httpError maps service errors to HTTP errors. Anything unexpected is
// logged in full and answered with a generic message.
func (h *Handler) httpError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrInvalidInstanceUID):
		return echo.NewHTTPError(http.StatusBadRequest, "invalid SOP instance UID")
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "procedure step not found")
	case errors.Is(err, ErrPersistenceDisabled):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "persistence disabled")
	}
	h.svc.logger.Error().Err(err).
		Str("method", c.Request().Method).
		Str("path", c.Request().URL.Path).
		Msg("operations API request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "processing failure")
}
