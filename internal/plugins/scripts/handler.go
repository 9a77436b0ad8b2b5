package scripts

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/gatekeeper/internal/apperror"
	"github.com/keyxmakerx/gatekeeper/internal/plugins/auth"
	"github.com/keyxmakerx/gatekeeper/internal/sandbox"
)

// Handler handles HTTP requests for the script catalog.
type Handler struct {
	service ScriptService
	host    *sandbox.Registry
}

// NewHandler creates a new script handler. host is the deployment's table
// of sandbox functions.
func NewHandler(service ScriptService, host *sandbox.Registry) *Handler {
	return &Handler{service: service, host: host}
}

// List returns every script (GET /scripts).
func (h *Handler) List(c echo.Context) error {
	list, err := h.service.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, list)
}

// Get returns one script (GET /scripts/:name).
func (h *Handler) Get(c echo.Context) error {
	sc, err := h.service.Get(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sc)
}

// Save creates or replaces a script (PUT /scripts/:name).
func (h *Handler) Save(c echo.Context) error {
	var in SaveInput
	if err := c.Bind(&in); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}
	sc, err := h.service.Save(c.Request().Context(), c.Param("name"), in.Source, auth.GetUserID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sc)
}

// Delete removes a script (DELETE /scripts/:name).
func (h *Handler) Delete(c echo.Context) error {
	if err := h.service.Delete(c.Request().Context(), c.Param("name"), auth.GetUserID(c)); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// Environment shows the user object and host functions a script started
// by the caller would get (GET /scripts/env).
func (h *Handler) Environment(c echo.Context) error {
	uc := auth.GetUserContext(c)
	if uc == nil {
		return apperror.NewMissingContext()
	}
	env := h.host.NewEnvironment(uc.Identity())
	return c.JSON(http.StatusOK, EnvironmentResponse{
		User:         env.User.Globals(),
		Capabilities: env.Capabilities.Strings(),
		Functions:    env.Functions(),
	})
}
