package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/tidwall/gjson"

	"automation-hub/backend/internal/dispatch"
	"automation-hub/backend/internal/logging"
)

// MaxWebhookBody bounds inbound webhook payloads.
const MaxWebhookBody = "1M"

// WebhookDispatcher is the part of dispatch.Dispatcher the routes use.
type WebhookDispatcher interface {
	Dispatch(ctx context.Context, webhookID string, raw []byte) (dispatch.Result, error)
	DispatchSplit(ctx context.Context, webhookIDs []string, raw []byte) []dispatch.Result
}

// Webhooks serves the unauthenticated ingress routes. The webhook id in the
// path is the only credential.
type Webhooks struct {
	dispatcher WebhookDispatcher
	logger     *logging.Logger
}

// NewWebhooks creates the webhook handlers.
func NewWebhooks(d WebhookDispatcher, logger *logging.Logger) *Webhooks {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Webhooks{dispatcher: d, logger: logger}
}

// Register mounts the webhook routes on e.
func (w *Webhooks) Register(e *echo.Echo) {
	limit := middleware.BodyLimit(MaxWebhookBody)
	e.POST("/webhook/:id", w.HandleWebhook, limit)
	e.POST("/webhook-split", w.HandleSplit, limit)
}

// HandleWebhook accepts one event for one activation.
// (POST /webhook/:id)
func (w *Webhooks) HandleWebhook(c echo.Context) error {
	raw, err := readJSON(c)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "Invalid webhook", err.Error())
	}

	id := c.Param("id")
	res, err := w.dispatcher.Dispatch(c.Request().Context(), id, raw)
	if err != nil {
		w.logger.Error("webhook dispatch failed", "webhook_id", id, "error", err)
		return writeError(c, http.StatusInternalServerError, "Dispatch failed", "internal error")
	}

	switch res.Status {
	case dispatch.StatusAccepted:
		return c.JSON(http.StatusAccepted, res)
	case dispatch.StatusNoAction:
		return c.JSON(http.StatusOK, res)
	case dispatch.StatusNotFound:
		return writeError(c, http.StatusNotFound, "Unknown webhook", "no active pipeline for this webhook id")
	case dispatch.StatusInvalid:
		return writeError(c, http.StatusBadRequest, "Invalid webhook", res.Detail)
	default:
		return writeError(c, http.StatusInternalServerError, "Dispatch failed", res.Detail)
	}
}

// HandleSplit applies one body to several activations in order.
// (POST /webhook-split?webhook_ids=a,b,c)
func (w *Webhooks) HandleSplit(c echo.Context) error {
	var ids []string
	for _, id := range strings.Split(c.QueryParam("webhook_ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return writeError(c, http.StatusBadRequest, "Invalid webhook", "webhook_ids is required")
	}

	raw, err := readJSON(c)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "Invalid webhook", err.Error())
	}

	results := w.dispatcher.DispatchSplit(c.Request().Context(), ids, raw)
	return c.JSON(http.StatusOK, map[string]any{"results": results})
}

func readJSON(c echo.Context) ([]byte, error) {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(raw) {
		return nil, errBadJSON
	}
	return raw, nil
}

var errBadJSON = errors.New("body is not valid JSON")
