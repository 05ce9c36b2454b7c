package bulkexport

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medbridge/ehrsync/internal/platform/apperror"
	"github.com/medbridge/ehrsync/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	export := api.Group("/ehr/:vendor/bulk-export", auth.RequireRole("admin", "operator"))
	export.POST("", h.Start)
	export.GET("/:jobId", h.Status)
	export.POST("/:jobId/process", h.Process)
}

type startRequest struct {
	ConnectionID  uuid.UUID `json:"connectionId"`
	ExportType    string    `json:"exportType"`
	GroupID       string    `json:"groupId"`
	ResourceTypes []string  `json:"resourceTypes"`
	Since         string    `json:"since"`
}

type startResponse struct {
	JobID  uuid.UUID `json:"jobId"`
	Status string    `json:"status"`
}

func (h *Handler) Start(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return apperror.Validation("invalid request body")
	}
	if req.ConnectionID == uuid.Nil {
		return apperror.Validation("connectionId is required")
	}

	var since *time.Time
	if req.Since != "" {
		t, err := time.Parse(time.RFC3339, req.Since)
		if err != nil {
			return apperror.Validation("since must be RFC 3339")
		}
		since = &t
	}

	job, err := h.svc.Start(c.Request().Context(), StartParams{
		Vendor:        c.Param("vendor"),
		ConnectionID:  req.ConnectionID,
		Scope:         req.ExportType,
		GroupID:       req.GroupID,
		ResourceTypes: req.ResourceTypes,
		Since:         since,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, startResponse{JobID: job.ID, Status: job.Status})
}

func (h *Handler) Status(c echo.Context) error {
	id, err := uuid.Parse(c.Param("jobId"))
	if err != nil {
		return apperror.Validation("invalid job id")
	}
	view, err := h.svc.Status(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) Process(c echo.Context) error {
	id, err := uuid.Parse(c.Param("jobId"))
	if err != nil {
		return apperror.Validation("invalid job id")
	}
	if err := h.svc.Process(c.Request().Context(), id); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "reprocessing"})
}
