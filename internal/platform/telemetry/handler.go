package telemetry

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medbridge/ehrsync/internal/platform/apperror"
	"github.com/medbridge/ehrsync/internal/platform/auth"
	"github.com/medbridge/ehrsync/internal/platform/hipaa"
	"github.com/medbridge/ehrsync/pkg/pagination"
)

// Handler exposes the operational log and compliance incident admin surface.
type Handler struct {
	router    *Router
	rotator   *Rotator
	retention *hipaa.Retention
}

func NewHandler(router *Router, rotator *Rotator, retention *hipaa.Retention) *Handler {
	return &Handler{router: router, rotator: rotator, retention: retention}
}

func (h *Handler) RegisterRoutes(admin *echo.Group) {
	ops := admin.Group("", auth.RequireRole("admin"))
	ops.GET("/logs/stats", h.Stats)
	ops.GET("/logs/errors", h.ListErrors)
	ops.POST("/logs/rotate", h.Rotate)
	ops.POST("/logs/cleanup", h.Cleanup)
	ops.POST("/logs/dedup", h.Dedup)

	compliance := admin.Group("", auth.RequireRole("admin", "compliance_officer"))
	compliance.GET("/compliance/incidents", h.ListIncidents)
	compliance.POST("/compliance/incidents", h.CreateIncident)
	compliance.GET("/compliance/incidents/:number", h.GetIncident)
	compliance.PUT("/compliance/incidents/:number", h.UpdateIncident)
}

func (h *Handler) Stats(c echo.Context) error {
	stats, err := h.router.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) ListErrors(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.router.errors.List(c.Request().Context(), c.QueryParam("severity"), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Rotate(c echo.Context) error {
	result, err := h.rotator.Rotate()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) Cleanup(c echo.Context) error {
	report, err := h.retention.PurgeExpired(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) Dedup(c echo.Context) error {
	removed, err := h.router.Compact(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int64{"merged": removed})
}

func (h *Handler) ListIncidents(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.router.ListIncidents(c.Request().Context(), c.QueryParam("status"), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type createIncidentRequest struct {
	Category        string                 `json:"category"`
	Severity        string                 `json:"severity"`
	Message         string                 `json:"message"`
	Endpoint        string                 `json:"endpoint"`
	Details         map[string]interface{} `json:"details"`
	DataExposed     bool                   `json:"dataExposed"`
	RecordsAffected int                    `json:"recordsAffected"`
}

func (h *Handler) CreateIncident(c echo.Context) error {
	var req createIncidentRequest
	if err := c.Bind(&req); err != nil {
		return apperror.Validation("invalid request body")
	}
	inc, err := h.router.RaiseIncident(c.Request().Context(), Event{
		Message:         req.Message,
		Endpoint:        req.Endpoint,
		Severity:        req.Severity,
		Details:         req.Details,
		Category:        req.Category,
		DataExposed:     req.DataExposed,
		RecordsAffected: req.RecordsAffected,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, inc)
}

func (h *Handler) GetIncident(c echo.Context) error {
	inc, trail, err := h.router.GetIncident(c.Request().Context(), c.Param("number"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"incident":   inc,
		"auditTrail": trail,
	})
}

type updateIncidentRequest struct {
	Status     string `json:"status"`
	AssignedTo string `json:"assignedTo"`
	Note       string `json:"note"`
}

func (h *Handler) UpdateIncident(c echo.Context) error {
	var req updateIncidentRequest
	if err := c.Bind(&req); err != nil {
		return apperror.Validation("invalid request body")
	}
	if req.Status == "" {
		return apperror.Validation("status is required")
	}

	actor := "admin"
	if claims := auth.ClaimsFromContext(c); claims != nil && claims.Subject != "" {
		actor = claims.Subject
	}
	if req.AssignedTo != "" {
		actor = req.AssignedTo
	}

	inc, err := h.router.TransitionIncident(c.Request().Context(), c.Param("number"), req.Status, actor, req.Note)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inc)
}
