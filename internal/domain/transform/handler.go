package transform

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medbridge/ehrsync/internal/platform/apperror"
	"github.com/medbridge/ehrsync/internal/platform/auth"
	"github.com/medbridge/ehrsync/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	rules := api.Group("/ehr/transformation-rules", auth.RequireRole("admin"))
	rules.POST("", h.CreateRule)
	rules.GET("", h.ListRules)
	rules.GET("/:id", h.GetRule)
	rules.PUT("/:id", h.UpdateRule)
	rules.DELETE("/:id", h.DeleteRule)

	conflicts := api.Group("/ehr/conflicts", auth.RequireRole("admin", "operator"))
	conflicts.GET("", h.ListConflicts)
	conflicts.GET("/:id", h.GetConflict)
	conflicts.POST("/:id/resolve", h.ResolveConflict)
}

func (h *Handler) CreateRule(c echo.Context) error {
	var rule Rule
	if err := c.Bind(&rule); err != nil {
		return apperror.Validation("invalid request body")
	}
	if err := h.svc.CreateRule(c.Request().Context(), &rule); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, rule)
}

func (h *Handler) ListRules(c echo.Context) error {
	p := pagination.FromContext(c)
	rules, total, err := h.svc.ListRules(c.Request().Context(), c.QueryParam("vendor"), p.Limit, p.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(rules, total, p.Limit, p.Offset))
}

func (h *Handler) GetRule(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperror.Validation("invalid rule id")
	}
	rule, err := h.svc.GetRule(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rule)
}

func (h *Handler) UpdateRule(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperror.Validation("invalid rule id")
	}
	var rule Rule
	if err := c.Bind(&rule); err != nil {
		return apperror.Validation("invalid request body")
	}
	rule.ID = id
	if err := h.svc.UpdateRule(c.Request().Context(), &rule); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rule)
}

func (h *Handler) DeleteRule(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperror.Validation("invalid rule id")
	}
	if err := h.svc.DeleteRule(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListConflicts(c echo.Context) error {
	connID, err := uuid.Parse(c.QueryParam("connectionId"))
	if err != nil {
		return apperror.Validation("invalid connectionId")
	}
	p := pagination.FromContext(c)
	conflicts, total, err := h.svc.ListOpenConflicts(c.Request().Context(), connID, p.Limit, p.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(conflicts, total, p.Limit, p.Offset))
}

func (h *Handler) GetConflict(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperror.Validation("invalid conflict id")
	}
	conflict, err := h.svc.GetConflict(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conflict)
}

type resolveRequest struct {
	Resolution string      `json:"resolution"`
	Value      interface{} `json:"value"`
}

func (h *Handler) ResolveConflict(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperror.Validation("invalid conflict id")
	}
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return apperror.Validation("invalid request body")
	}
	claims := auth.ClaimsFromContext(c)
	resolver := "operator"
	if claims != nil {
		resolver = claims.Subject
	}
	if err := h.svc.ResolveConflict(c.Request().Context(), id, req.Resolution, req.Value, resolver); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
