package orders

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/domain/labops"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/orders", auth.RequireRole(
		auth.RoleReceptionist, auth.RolePhlebotomist, auth.RoleLabTech))
	read.GET("", h.ListOrders)
	read.GET("/:id", h.GetOrder)

	write := api.Group("/orders", auth.RequireRole(auth.RoleReceptionist))
	write.POST("", h.PlaceOrder)
	write.POST("/:id/cancel", h.CancelOrder)
}

func orderHTTPError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, labops.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, labops.ErrInvalidTransition), errors.Is(err, labops.ErrConcurrentModification):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}

func (h *Handler) PlaceOrder(c echo.Context) error {
	var in PlaceOrderInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	detail, err := h.svc.PlaceOrder(c.Request().Context(), in,
		auth.ActorFromContext(c.Request().Context()))
	if err != nil {
		return orderHTTPError(err)
	}
	return c.JSON(http.StatusCreated, detail)
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	detail, err := h.svc.GetOrder(c.Request().Context(), id)
	if err != nil {
		return orderHTTPError(err)
	}
	return c.JSON(http.StatusOK, detail)
}

func (h *Handler) ListOrders(c echo.Context) error {
	pg := pagination.FromContext(c)
	var patientID *uuid.UUID
	if q := c.QueryParam("patient_id"); q != "" {
		id, err := uuid.Parse(q)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		patientID = &id
	}
	list, total, err := h.svc.ListOrders(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(list, total, pg.Limit, pg.Offset))
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	order, err := h.svc.CancelOrder(c.Request().Context(), id, req.Reason,
		auth.ActorFromContext(c.Request().Context()))
	if err != nil {
		return orderHTTPError(err)
	}
	return c.JSON(http.StatusOK, order)
}
