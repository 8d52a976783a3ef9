package labops

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	lab := api.Group("/lab")

	collect := lab.Group("/samples", auth.RequireRole(auth.RolePhlebotomist, auth.RoleLabTech))
	collect.POST("/:id/collect", h.CollectSample)
	collect.POST("/:id/recollect", h.RequestRecollection)

	bench := lab.Group("/samples", auth.RequireRole(auth.RoleLabTech))
	bench.POST("/:id/receive", h.ReceiveSample)
	bench.POST("/:id/accession", h.AccessionSample)
	bench.POST("/:id/process", h.StartProcessing)
	bench.POST("/:id/complete", h.CompleteSample)
	bench.POST("/:id/store", h.StoreSample)
	bench.POST("/:id/dispose", h.DisposeSample)
	bench.POST("/:id/reject", h.RejectSample)
	bench.GET("/:id", h.GetSample)

	tests := lab.Group("/orders/:orderId/tests/:code", auth.RequireRole(auth.RoleLabTech))
	tests.POST("/results", h.EnterResults)
	tests.POST("/validate", h.ValidateResults)
	tests.GET("/rejection-options", h.GetRejectionOptions)
	tests.POST("/reject", h.RejectResults)
	tests.POST("/escalation", h.ResolveEscalation, auth.RequireRole(auth.RoleLabSupervisor))

	lab.GET("/escalations", h.ListEscalations, auth.RequireRole(auth.RoleLabSupervisor))
	lab.GET("/dashboard", h.GetDashboard, auth.RequireRole(auth.RoleLabTech))
	lab.GET("/audit/:entityType/:entityId", h.GetAuditTrail, auth.RequireRole(auth.RoleLabSupervisor))
}

// httpError maps coordinator sentinel errors onto HTTP status codes. Version
// conflicts and illegal transitions are both 409: the caller acted on a state
// that no longer holds.
func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConcurrentModification):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrAttemptsExhausted), errors.Is(err, ErrActionNotAvailable):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrAuditWriteFailure):
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}

func sampleID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid sample id")
	}
	return id, nil
}

func orderID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("orderId"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	return id, nil
}

func (h *Handler) CollectSample(c echo.Context) error {
	id, err := sampleID(c)
	if err != nil {
		return err
	}
	var in CollectInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sample, err := h.svc.CollectSample(c.Request().Context(), id, in, auth.ActorFromContext(c.Request().Context()))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sample)
}

func (h *Handler) advance(c echo.Context, fn func(c echo.Context, id uuid.UUID, actor string) (*Sample, error)) error {
	id, err := sampleID(c)
	if err != nil {
		return err
	}
	sample, err := fn(c, id, auth.ActorFromContext(c.Request().Context()))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sample)
}

func (h *Handler) ReceiveSample(c echo.Context) error {
	return h.advance(c, func(c echo.Context, id uuid.UUID, actor string) (*Sample, error) {
		return h.svc.ReceiveSample(c.Request().Context(), id, actor)
	})
}

func (h *Handler) AccessionSample(c echo.Context) error {
	return h.advance(c, func(c echo.Context, id uuid.UUID, actor string) (*Sample, error) {
		return h.svc.AccessionSample(c.Request().Context(), id, actor)
	})
}

func (h *Handler) StartProcessing(c echo.Context) error {
	return h.advance(c, func(c echo.Context, id uuid.UUID, actor string) (*Sample, error) {
		return h.svc.StartProcessing(c.Request().Context(), id, actor)
	})
}

func (h *Handler) CompleteSample(c echo.Context) error {
	return h.advance(c, func(c echo.Context, id uuid.UUID, actor string) (*Sample, error) {
		return h.svc.CompleteSample(c.Request().Context(), id, actor)
	})
}

func (h *Handler) StoreSample(c echo.Context) error {
	return h.advance(c, func(c echo.Context, id uuid.UUID, actor string) (*Sample, error) {
		return h.svc.StoreSample(c.Request().Context(), id, actor)
	})
}

func (h *Handler) DisposeSample(c echo.Context) error {
	return h.advance(c, func(c echo.Context, id uuid.UUID, actor string) (*Sample, error) {
		return h.svc.DisposeSample(c.Request().Context(), id, actor)
	})
}

type rejectSampleRequest struct {
	Reasons []string `json:"reasons"`
	Notes   string   `json:"notes"`
}

func (h *Handler) RejectSample(c echo.Context) error {
	id, err := sampleID(c)
	if err != nil {
		return err
	}
	var req rejectSampleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sample, err := h.svc.RejectSample(c.Request().Context(), id, req.Reasons, req.Notes, auth.ActorFromContext(c.Request().Context()))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sample)
}

type recollectRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) RequestRecollection(c echo.Context) error {
	id, err := sampleID(c)
	if err != nil {
		return err
	}
	var req recollectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	result, err := h.svc.RequestRecollection(c.Request().Context(), id, req.Reason, auth.ActorFromContext(c.Request().Context()))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, result)
}

func (h *Handler) GetSample(c echo.Context) error {
	id, err := sampleID(c)
	if err != nil {
		return err
	}
	sample, err := h.svc.GetSample(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sample)
}

func (h *Handler) EnterResults(c echo.Context) error {
	oid, err := orderID(c)
	if err != nil {
		return err
	}
	var in ResultsInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	test, err := h.svc.EnterResults(c.Request().Context(), oid, c.Param("code"), in, auth.ActorFromContext(c.Request().Context()))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, test)
}

func (h *Handler) ValidateResults(c echo.Context) error {
	oid, err := orderID(c)
	if err != nil {
		return err
	}
	test, err := h.svc.ValidateResults(c.Request().Context(), oid, c.Param("code"), auth.ActorFromContext(c.Request().Context()))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, test)
}

func (h *Handler) GetRejectionOptions(c echo.Context) error {
	oid, err := orderID(c)
	if err != nil {
		return err
	}
	opts, err := h.svc.GetRejectionOptions(c.Request().Context(), oid, c.Param("code"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, opts)
}

type rejectResultsRequest struct {
	Action RejectionAction `json:"action"`
	Reason string          `json:"reason"`
}

func (h *Handler) RejectResults(c echo.Context) error {
	oid, err := orderID(c)
	if err != nil {
		return err
	}
	var req rejectResultsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	result, err := h.svc.RejectResults(c.Request().Context(), oid, c.Param("code"),
		req.Action, req.Reason, auth.ActorFromContext(c.Request().Context()))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

type resolveEscalationRequest struct {
	Resolution EscalationResolution `json:"resolution"`
	Note       string               `json:"note"`
}

func (h *Handler) ResolveEscalation(c echo.Context) error {
	oid, err := orderID(c)
	if err != nil {
		return err
	}
	var req resolveEscalationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	test, err := h.svc.ResolveEscalation(c.Request().Context(), oid, c.Param("code"),
		req.Resolution, req.Note, auth.ActorFromContext(c.Request().Context()))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, test)
}

func (h *Handler) ListEscalations(c echo.Context) error {
	items, err := h.svc.ListEscalations(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*PendingEscalationItem{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetDashboard(c echo.Context) error {
	dash, err := h.svc.GetDashboard(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, dash)
}

func (h *Handler) GetAuditTrail(c echo.Context) error {
	entityID, err := uuid.Parse(c.Param("entityId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid entity id")
	}
	records, err := h.svc.GetAuditTrail(c.Request().Context(), c.Param("entityType"), entityID)
	if err != nil {
		return httpError(err)
	}
	if records == nil {
		records = []*LabOperationRecord{}
	}
	return c.JSON(http.StatusOK, records)
}
