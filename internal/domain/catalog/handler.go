package catalog

import (
	"net/http"

	"github.com/labstack/echo/v4"

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
	g := api.Group("/catalog", auth.RequireRole(
		auth.RoleReceptionist, auth.RolePhlebotomist, auth.RoleLabTech))
	g.GET("/tests", h.ListTests)
	g.GET("/tests/:code", h.GetTest)
}

func (h *Handler) ListTests(c echo.Context) error {
	pg := pagination.FromContext(c)
	defs, total, err := h.svc.ListTests(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(defs, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetTest(c echo.Context) error {
	def, err := h.svc.GetTest(c.Request().Context(), c.Param("code"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "test not found")
	}
	return c.JSON(http.StatusOK, def)
}
