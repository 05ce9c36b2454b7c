package connection

import (
	"net/http"

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
	ehr := api.Group("/ehr", auth.RequireRole("admin", "operator"))
	ehr.POST("/connect", h.Connect)
	ehr.POST("/authorize", h.Authorize)
	ehr.GET("/connections", h.List)
	ehr.GET("/connections/:id", h.Get)
	ehr.DELETE("/connections", h.Revoke)
}

type connectRequest struct {
	UserID           string   `json:"userId"`
	Vendor           string   `json:"vendor"`
	FHIRBaseURL      string   `json:"fhirBaseUrl"`
	AuthorizationURL string   `json:"authorizationUrl"`
	TokenURL         string   `json:"tokenUrl"`
	ClientID         string   `json:"clientId"`
	ClientSecret     string   `json:"clientSecret"`
	RedirectURI      string   `json:"redirectUri"`
	Scopes           []string `json:"scopes"`
	AuthKind         string   `json:"authKind"`
	PrivateKey       string   `json:"privateKey"`
	KeyID            string   `json:"keyId"`
	SyncFrequency    int      `json:"syncFrequencyHours"`
	AutoSync         bool     `json:"autoSync"`
}

type connectResponse struct {
	ConnectionID     uuid.UUID `json:"connectionId"`
	Status           string    `json:"status"`
	AuthorizationURL string    `json:"authorizationUrl,omitempty"`
	State            string    `json:"state,omitempty"`
}

func (h *Handler) Connect(c echo.Context) error {
	var req connectRequest
	if err := c.Bind(&req); err != nil {
		return apperror.Validation("invalid request body")
	}

	result, err := h.svc.Connect(c.Request().Context(), ConnectParams{
		UserID:       req.UserID,
		Vendor:       req.Vendor,
		FHIRBaseURL:  req.FHIRBaseURL,
		AuthorizeURL: req.AuthorizationURL,
		TokenURL:     req.TokenURL,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		RedirectURI:  req.RedirectURI,
		Scopes:       req.Scopes,
		AuthKind:     req.AuthKind,
		PrivateKey:   req.PrivateKey,
		KeyID:        req.KeyID,
		SyncFreq:     req.SyncFrequency,
		AutoSync:     req.AutoSync,
	})
	if err != nil {
		return err
	}

	resp := connectResponse{
		ConnectionID: result.Connection.ID,
		Status:       result.Connection.Status,
	}
	if result.Launch != nil {
		resp.AuthorizationURL = result.Launch.AuthorizeURL
		resp.State = result.Launch.State
	}
	return c.JSON(http.StatusOK, resp)
}

type authorizeRequest struct {
	ConnectionID string `json:"connectionId"`
	Code         string `json:"code"`
	State        string `json:"state"`
}

func (h *Handler) Authorize(c echo.Context) error {
	var req authorizeRequest
	if err := c.Bind(&req); err != nil {
		return apperror.Validation("invalid request body")
	}
	expected := uuid.Nil
	if req.ConnectionID != "" {
		id, err := uuid.Parse(req.ConnectionID)
		if err != nil {
			return apperror.Validation("invalid connectionId")
		}
		expected = id
	}

	conn, err := h.svc.Authorize(c.Request().Context(), req.State, req.Code, expected)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"connection": conn})
}

func (h *Handler) List(c echo.Context) error {
	items, err := h.svc.List(c.Request().Context(), c.QueryParam("userId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"connections": items})
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperror.Validation("invalid connection id")
	}
	conn, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conn)
}

func (h *Handler) Revoke(c echo.Context) error {
	id, err := uuid.Parse(c.QueryParam("connectionId"))
	if err != nil {
		return apperror.Validation("invalid connectionId")
	}
	if err := h.svc.Revoke(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
