package webhook

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medbridge/ehrsync/internal/platform/apperror"
)

// Handler exposes the vendor push endpoint. It is unauthenticated by
// design: the body signature is the credential.
type Handler struct {
	recv *Receiver
}

func NewHandler(recv *Receiver) *Handler {
	return &Handler{recv: recv}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/webhooks/:vendor", h.Receive)
}

func (h *Handler) Receive(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return apperror.Validation("reading request body failed")
	}
	sig := c.Request().Header.Get(h.recv.cfg.SignatureHeader)

	ev, err := h.recv.Receive(c.Request().Context(), c.Param("vendor"), body, sig)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ev)
}
