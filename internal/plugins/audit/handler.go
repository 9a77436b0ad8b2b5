package audit

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/gatekeeper/internal/apperror"
)

// Handler handles HTTP requests for audit history. Handlers are thin:
// bind request, call service, render response. No business logic lives here.
type Handler struct {
	service AuditService

	// userID reads the signed-in user from the request. Supplied by the
	// auth plugin so this package does not depend on it.
	userID func(c echo.Context) string
}

// NewHandler creates a new audit handler.
func NewHandler(service AuditService, userID func(c echo.Context) string) *Handler {
	return &Handler{service: service, userID: userID}
}

// MyActivity returns the signed-in user's recent auth events
// (GET /auth/activity).
func (h *Handler) MyActivity(c echo.Context) error {
	if h.userID == nil {
		return apperror.NewMissingContext()
	}
	id := h.userID(c)
	if id == "" {
		return apperror.NewMissingContext()
	}

	entries, err := h.service.UserActivity(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []Entry{}
	}
	return c.JSON(http.StatusOK, entries)
}
