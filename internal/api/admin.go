package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"automation-hub/backend/internal/auth"
	"automation-hub/backend/internal/repository"
	"automation-hub/backend/internal/services"
	"automation-hub/backend/pkg/models"
)

// Server holds the dependencies for the admin API.
type Server struct {
	svc *services.ActivationService
}

// NewServer creates a new Server.
func NewServer(svc *services.ActivationService) *Server {
	return &Server{svc: svc}
}

// RegisterHandlers mounts the admin routes on g. The group must run the auth
// middleware so every handler sees a tenant.
func RegisterHandlers(g *echo.Group, s *Server) {
	g.GET("/pipelines", s.ListPipelines)
	g.GET("/pipelines/:name/configuration", s.GetConfiguration)
	g.PUT("/pipelines/:name/configuration", s.PutConfiguration)
	g.GET("/activations", s.ListActivations)
	g.POST("/activations", s.CreateActivation)
	g.DELETE("/activations/:id", s.DeleteActivation)
	g.PUT("/credentials/:service", s.PutCredential)
	g.GET("/notifications", s.ListNotifications)
}

func tenantOf(c echo.Context) (string, error) {
	id, ok := auth.TenantID(c.Request().Context())
	if !ok {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "tenant not found in context")
	}
	return id, nil
}

// fail maps service errors to HTTP errors.
func fail(err error) error {
	switch {
	case errors.Is(err, services.ErrUnknownPipeline), errors.Is(err, repository.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrInvalidSettings), errors.Is(err, services.ErrInvalidCredential):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// ListPipelines returns every pipeline definition.
// (GET /api/v1/pipelines)
func (s *Server) ListPipelines(c echo.Context) error {
	defs, err := s.svc.ListPipelines(c.Request().Context())
	if err != nil {
		return fail(err)
	}
	if defs == nil {
		defs = []*models.PipelineDefinition{}
	}
	return c.JSON(http.StatusOK, defs)
}

// ListActivations returns the caller's activations.
// (GET /api/v1/activations)
func (s *Server) ListActivations(c echo.Context) error {
	tenantID, err := tenantOf(c)
	if err != nil {
		return err
	}
	acts, err := s.svc.ListActivations(c.Request().Context(), tenantID)
	if err != nil {
		return fail(err)
	}
	if acts == nil {
		acts = []*models.Activation{}
	}
	return c.JSON(http.StatusOK, acts)
}

type activationRequest struct {
	Pipeline string `json:"pipeline"`
}

// CreateActivation enables a pipeline for the caller.
// (POST /api/v1/activations)
func (s *Server) CreateActivation(c echo.Context) error {
	tenantID, err := tenantOf(c)
	if err != nil {
		return err
	}
	var req activationRequest
	if err := c.Bind(&req); err != nil || req.Pipeline == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "pipeline is required")
	}
	act, err := s.svc.Activate(c.Request().Context(), tenantID, req.Pipeline)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusCreated, act)
}

// DeleteActivation removes one of the caller's activations.
// (DELETE /api/v1/activations/:id)
func (s *Server) DeleteActivation(c echo.Context) error {
	tenantID, err := tenantOf(c)
	if err != nil {
		return err
	}
	if err := s.svc.Deactivate(c.Request().Context(), tenantID, c.Param("id")); err != nil {
		return fail(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// GetConfiguration returns the caller's settings for a pipeline.
// (GET /api/v1/pipelines/:name/configuration)
func (s *Server) GetConfiguration(c echo.Context) error {
	tenantID, err := tenantOf(c)
	if err != nil {
		return err
	}
	cfg, err := s.svc.GetConfiguration(c.Request().Context(), tenantID, c.Param("name"))
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, cfg)
}

// PutConfiguration replaces the caller's settings. The body is the settings
// object itself.
// (PUT /api/v1/pipelines/:name/configuration)
func (s *Server) PutConfiguration(c echo.Context) error {
	tenantID, err := tenantOf(c)
	if err != nil {
		return err
	}
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cfg, err := s.svc.SaveConfiguration(c.Request().Context(), tenantID, c.Param("name"), json.RawMessage(raw))
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, cfg)
}

// PutCredential stores the caller's secret for an external service. Secrets
// are never echoed back.
// (PUT /api/v1/credentials/:service)
func (s *Server) PutCredential(c echo.Context) error {
	tenantID, err := tenantOf(c)
	if err != nil {
		return err
	}
	var cred models.Credential
	if err := c.Bind(&cred); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	cred.ID = ""
	cred.TenantID = tenantID
	cred.Service = c.Param("service")
	if err := s.svc.SaveCredential(c.Request().Context(), &cred); err != nil {
		return fail(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ListNotifications returns the caller's recent notifications.
// (GET /api/v1/notifications?limit=n)
func (s *Server) ListNotifications(c echo.Context) error {
	tenantID, err := tenantOf(c)
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	ns, err := s.svc.Notifications(c.Request().Context(), tenantID, limit)
	if err != nil {
		return fail(err)
	}
	if ns == nil {
		ns = []*models.Notification{}
	}
	return c.JSON(http.StatusOK, ns)
}
