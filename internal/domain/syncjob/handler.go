package syncjob

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medbridge/ehrsync/internal/domain/connection"
	"github.com/medbridge/ehrsync/internal/platform/apperror"
	"github.com/medbridge/ehrsync/internal/platform/auth"
	"github.com/medbridge/ehrsync/pkg/pagination"
)

type Handler struct {
	svc   *Service
	conns *connection.Service
}

func NewHandler(svc *Service, conns *connection.Service) *Handler {
	return &Handler{svc: svc, conns: conns}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	sync := api.Group("/ehr/sync", auth.RequireRole("admin", "operator"))
	sync.POST("", h.Enqueue)
	sync.GET("", h.Query)
	sync.GET("/stats", h.Stats)
	sync.POST("/:id/cancel", h.Cancel)
	sync.POST("/:id/retry", h.Retry)
	sync.POST("/schedules", h.CreateSchedule)
	sync.GET("/schedules", h.ListSchedules)
	sync.DELETE("/schedules/:id", h.DeleteSchedule)
}

type enqueueRequest struct {
	ConnectionID      uuid.UUID `json:"connectionId"`
	SyncType          string    `json:"syncType"`
	Direction         string    `json:"direction"`
	Priority          int       `json:"priority"`
	ResourceType      string    `json:"resourceType"`
	ResourceIDs       []string  `json:"resourceIds"`
	BatchSize         int       `json:"batchSize"`
	MaxRetries        int       `json:"maxRetries"`
	TimeoutSecs       int       `json:"timeoutSeconds"`
	DownloadDocuments bool      `json:"downloadDocuments"`
	ResolveConflicts  bool      `json:"resolveConflicts"`
	ValidateOutput    bool      `json:"validateOutput"`
}

type enqueueResponse struct {
	SyncID uuid.UUID `json:"syncId"`
	Status string    `json:"status"`
}

func (h *Handler) Enqueue(c echo.Context) error {
	var req enqueueRequest
	if err := c.Bind(&req); err != nil {
		return apperror.Validation("invalid request body")
	}
	if req.ConnectionID == uuid.Nil {
		return apperror.Validation("connectionId is required")
	}
	conn, err := h.conns.Get(c.Request().Context(), req.ConnectionID)
	if err != nil {
		return err
	}

	job, err := h.svc.Enqueue(c.Request().Context(), EnqueueParams{
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		Vendor:       conn.Vendor,
		Type:         req.SyncType,
		Direction:    req.Direction,
		Priority:     req.Priority,
		ResourceType: req.ResourceType,
		ResourceIDs:  req.ResourceIDs,
		Options: Options{
			BatchSize:         req.BatchSize,
			MaxRetries:        req.MaxRetries,
			TimeoutSecs:       req.TimeoutSecs,
			DownloadDocuments: req.DownloadDocuments,
			ResolveConflicts:  req.ResolveConflicts,
			ValidateOutput:    req.ValidateOutput,
		},
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, enqueueResponse{SyncID: job.ID, Status: job.Status})
}

// Query serves both lookups the sync endpoint offers: one job by syncId, or
// a connection's history.
func (h *Handler) Query(c echo.Context) error {
	if raw := c.QueryParam("syncId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return apperror.Validation("invalid syncId")
		}
		job, err := h.svc.Status(c.Request().Context(), id)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, job)
	}

	raw := c.QueryParam("connectionId")
	if raw == "" {
		return apperror.Validation("syncId or connectionId is required")
	}
	connID, err := uuid.Parse(raw)
	if err != nil {
		return apperror.Validation("invalid connectionId")
	}
	p := pagination.FromContext(c)
	jobs, total, err := h.svc.History(c.Request().Context(), connID, p.Limit, p.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(jobs, total, p.Limit, p.Offset))
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperror.Validation("invalid sync id")
	}
	if err := h.svc.Cancel(c.Request().Context(), id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cancellation requested"})
}

func (h *Handler) Retry(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperror.Validation("invalid sync id")
	}
	if err := h.svc.Retry(c.Request().Context(), id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "requeued"})
}

func (h *Handler) Stats(c echo.Context) error {
	var connID uuid.UUID
	if raw := c.QueryParam("connectionId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return apperror.Validation("invalid connectionId")
		}
		connID = id
	}
	window := 24 * time.Hour
	if raw := c.QueryParam("windowHours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			return apperror.Validation("invalid windowHours")
		}
		window = time.Duration(hours) * time.Hour
	}
	stats, err := h.svc.Stats(c.Request().Context(), connID, window)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

type scheduleRequest struct {
	ConnectionID uuid.UUID `json:"connectionId"`
	SyncType     string    `json:"syncType"`
	Direction    string    `json:"direction"`
	Priority     int       `json:"priority"`
	ResourceType string    `json:"resourceType"`
	CronSpec     string    `json:"cronSpec"`
	Options      Options   `json:"options"`
}

func (h *Handler) CreateSchedule(c echo.Context) error {
	var req scheduleRequest
	if err := c.Bind(&req); err != nil {
		return apperror.Validation("invalid request body")
	}
	if req.ConnectionID == uuid.Nil {
		return apperror.Validation("connectionId is required")
	}
	conn, err := h.conns.Get(c.Request().Context(), req.ConnectionID)
	if err != nil {
		return err
	}
	sched, err := h.svc.Schedule(c.Request().Context(), ScheduleParams{
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		Vendor:       conn.Vendor,
		JobType:      req.SyncType,
		Direction:    req.Direction,
		Priority:     req.Priority,
		ResourceType: req.ResourceType,
		CronSpec:     req.CronSpec,
		Options:      req.Options,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sched)
}

func (h *Handler) ListSchedules(c echo.Context) error {
	var connID uuid.UUID
	if raw := c.QueryParam("connectionId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return apperror.Validation("invalid connectionId")
		}
		connID = id
	}
	schedules, err := h.svc.ListSchedules(c.Request().Context(), connID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, schedules)
}

func (h *Handler) DeleteSchedule(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperror.Validation("invalid schedule id")
	}
	if err := h.svc.DeleteSchedule(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
