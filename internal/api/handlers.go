// Package api contains the HTTP handlers for webhook ingress and the admin API.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Pinger is implemented by stores that can report readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves liveness and readiness checks.
type Handler struct {
	store   Pinger
	version string
}

// NewHandler creates a new Handler. store may be nil.
func NewHandler(store Pinger, version string) *Handler {
	return &Handler{store: store, version: version}
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Detail    string    `json:"detail,omitempty"`
}

// HandleHealth returns basic health status (always returns 200 OK)
func (h *Handler) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, h.status("ok", ""))
}

// HandleReady reports whether the store answers.
func (h *Handler) HandleReady(c echo.Context) error {
	if h.store != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, h.status("unavailable", err.Error()))
		}
	}
	return c.JSON(http.StatusOK, h.status("ok", ""))
}

func (h *Handler) status(s, detail string) HealthStatus {
	return HealthStatus{
		Status:    s,
		Timestamp: time.Now().UTC(),
		Service:   "automation-hub",
		Version:   h.version,
		Detail:    detail,
	}
}

// Register mounts the health checks on e.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/health", h.HandleHealth)
	e.GET("/ready", h.HandleReady)
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// writeError writes an RFC 7807 Problem Details JSON error response
func writeError(c echo.Context, status int, title, detail string) error {
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	return c.JSON(status, ProblemDetails{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	})
}

// ErrorHandler renders echo errors as problem details.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	detail := ""
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if msg, ok := he.Message.(string); ok {
			detail = msg
		}
	}
	_ = writeError(c, status, http.StatusText(status), detail)
}
