package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"automation-hub/backend/internal/auth"
	"automation-hub/backend/internal/dispatch"
	"automation-hub/backend/internal/pipeline"
	"automation-hub/backend/internal/registry"
	"automation-hub/backend/internal/repository"
	"automation-hub/backend/internal/services"
	"automation-hub/backend/pkg/models"
)

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Dispatch(ctx context.Context, webhookID string, raw []byte) (dispatch.Result, error) {
	args := m.Called(ctx, webhookID, raw)
	return args.Get(0).(dispatch.Result), args.Error(1)
}

func (m *mockDispatcher) DispatchSplit(ctx context.Context, webhookIDs []string, raw []byte) []dispatch.Result {
	args := m.Called(ctx, webhookIDs, raw)
	return args.Get(0).([]dispatch.Result)
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler
	return e
}

func do(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestWebhook_StatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		result dispatch.Result
		err    error
		code   int
	}{
		{"accepted", dispatch.Result{Status: dispatch.StatusAccepted}, nil, http.StatusAccepted},
		{"no action", dispatch.Result{Status: dispatch.StatusNoAction}, nil, http.StatusOK},
		{"not found", dispatch.Result{Status: dispatch.StatusNotFound}, nil, http.StatusNotFound},
		{"invalid", dispatch.Result{Status: dispatch.StatusInvalid, Detail: "unsupported eventType"}, nil, http.StatusBadRequest},
		{"internal", dispatch.Result{Status: dispatch.StatusError}, errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := new(mockDispatcher)
			d.On("Dispatch", mock.Anything, "wh-1", []byte(`{"a":1}`)).Return(tc.result, tc.err)
			e := newEcho()
			NewWebhooks(d, nil).Register(e)

			rec := do(e, http.MethodPost, "/webhook/wh-1", `{"a":1}`)

			assert.Equal(t, tc.code, rec.Code)
			d.AssertExpectations(t)
		})
	}
}

func TestWebhook_InvalidDetailIsReturned(t *testing.T) {
	d := new(mockDispatcher)
	d.On("Dispatch", mock.Anything, "wh-1", mock.Anything).
		Return(dispatch.Result{Status: dispatch.StatusInvalid, Detail: "meetingId is required"}, nil)
	e := newEcho()
	NewWebhooks(d, nil).Register(e)

	rec := do(e, http.MethodPost, "/webhook/wh-1", `{}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var problem ProblemDetails
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "meetingId is required", problem.Detail)
	assert.Equal(t, "/webhook/wh-1", problem.Instance)
}

func TestWebhook_MalformedBodyNeverDispatched(t *testing.T) {
	d := new(mockDispatcher)
	e := newEcho()
	NewWebhooks(d, nil).Register(e)

	rec := do(e, http.MethodPost, "/webhook/wh-1", `{"a":`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	d.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything, mock.Anything)
}

func TestWebhook_BodyLimit(t *testing.T) {
	d := new(mockDispatcher)
	e := newEcho()
	NewWebhooks(d, nil).Register(e)

	big := `{"x":"` + strings.Repeat("a", 2<<20) + `"}`
	rec := do(e, http.MethodPost, "/webhook/wh-1", big)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestWebhookSplit(t *testing.T) {
	d := new(mockDispatcher)
	results := []dispatch.Result{
		{WebhookID: "a", Status: dispatch.StatusAccepted},
		{WebhookID: "b", Status: dispatch.StatusNotFound},
	}
	d.On("DispatchSplit", mock.Anything, []string{"a", "b"}, []byte(`{}`)).Return(results)
	e := newEcho()
	NewWebhooks(d, nil).Register(e)

	rec := do(e, http.MethodPost, "/webhook-split?webhook_ids=a,%20b,", `{}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Results []dispatch.Result `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, results, body.Results)
}

func TestWebhookSplit_RequiresIDs(t *testing.T) {
	e := newEcho()
	NewWebhooks(new(mockDispatcher), nil).Register(e)

	rec := do(e, http.MethodPost, "/webhook-split", `{}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthAndReady(t *testing.T) {
	e := newEcho()
	NewHandler(repository.NewMemoryStore(), "test").Register(e)
	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/ready", "").Code)

	down := newEcho()
	NewHandler(failingPinger{}, "test").Register(down)
	assert.Equal(t, http.StatusOK, do(down, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(down, http.MethodGet, "/ready", "").Code)
}

type noopRunner struct{}

func (noopRunner) Prepare([]byte) (pipeline.Context, error) { return nil, nil }
func (noopRunner) Run(context.Context, *pipeline.Engine, pipeline.Target, pipeline.Context) pipeline.Outcome {
	return pipeline.Outcome{Status: pipeline.StatusSuccess}
}

func newAdmin(t *testing.T, tenantID string) (*echo.Echo, *repository.MemoryStore) {
	t.Helper()
	flows := registry.New[pipeline.Runner]()
	flows.MustRegister(registry.Entry[pipeline.Runner]{Name: "meeting-notes", Version: "1", Value: noopRunner{}})
	store := repository.NewMemoryStore()
	svc := services.NewActivationService(store, flows, nil)
	_, err := svc.Bootstrap(context.Background())
	require.NoError(t, err)

	e := newEcho()
	g := e.Group("/api/v1")
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if tenantID != "" {
				c.SetRequest(c.Request().WithContext(auth.WithTenant(c.Request().Context(), tenantID)))
			}
			return next(c)
		}
	})
	RegisterHandlers(g, NewServer(svc))
	return e, store
}

func TestAdmin_ActivationLifecycle(t *testing.T) {
	e, _ := newAdmin(t, "t1")

	rec := do(e, http.MethodPost, "/api/v1/activations", `{"pipeline":"meeting-notes"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var act models.Activation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &act))
	assert.NotEmpty(t, act.WebhookID)
	assert.Equal(t, "t1", act.TenantID)

	rec = do(e, http.MethodPost, "/api/v1/activations", `{"pipeline":"meeting-notes"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(e, http.MethodGet, "/api/v1/activations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var acts []models.Activation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acts))
	assert.Len(t, acts, 1)

	assert.Equal(t, http.StatusNoContent, do(e, http.MethodDelete, "/api/v1/activations/"+act.ID, "").Code)
	assert.Equal(t, http.StatusNotFound, do(e, http.MethodDelete, "/api/v1/activations/"+act.ID, "").Code)
}

func TestAdmin_UnknownPipeline(t *testing.T) {
	e, _ := newAdmin(t, "t1")

	assert.Equal(t, http.StatusNotFound, do(e, http.MethodPost, "/api/v1/activations", `{"pipeline":"nope"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodPost, "/api/v1/activations", `{}`).Code)
}

func TestAdmin_Configuration(t *testing.T) {
	e, _ := newAdmin(t, "t1")

	assert.Equal(t, http.StatusNotFound, do(e, http.MethodGet, "/api/v1/pipelines/meeting-notes/configuration", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodPut, "/api/v1/pipelines/meeting-notes/configuration", `[1,2]`).Code)

	rec := do(e, http.MethodPut, "/api/v1/pipelines/meeting-notes/configuration", `{"notify_uri":"log://notes"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(e, http.MethodGet, "/api/v1/pipelines/meeting-notes/configuration", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg models.PipelineConfiguration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.JSONEq(t, `{"notify_uri":"log://notes"}`, string(cfg.Settings))
	require.NotNil(t, cfg.TenantID)
	assert.Equal(t, "t1", *cfg.TenantID)
}

func TestAdmin_CredentialIsScopedToCaller(t *testing.T) {
	e, store := newAdmin(t, "t1")

	rec := do(e, http.MethodPut, "/api/v1/credentials/crm", `{"tenant_id":"someone-else","api_key":"k-123"}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Empty(t, rec.Body.String())

	cred, err := store.GetCredential(context.Background(), "t1", "crm")
	require.NoError(t, err)
	assert.Equal(t, "k-123", cred.APIKey)
	_, err = store.GetCredential(context.Background(), "someone-else", "crm")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodPut, "/api/v1/credentials/crm", `{}`).Code)
}

func TestAdmin_Notifications(t *testing.T) {
	e, store := newAdmin(t, "t1")
	ctx := context.Background()
	require.NoError(t, store.QueueNotification(ctx, &models.Notification{TenantID: "t1", URI: "log://x", Title: "a"}))
	require.NoError(t, store.QueueNotification(ctx, &models.Notification{TenantID: "t2", URI: "log://x", Title: "b"}))

	rec := do(e, http.MethodGet, "/api/v1/notifications?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ns []models.Notification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ns))
	require.Len(t, ns, 1)
	assert.Equal(t, "a", ns[0].Title)
}

func TestAdmin_RequiresTenant(t *testing.T) {
	e, _ := newAdmin(t, "")

	assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/api/v1/activations", "").Code)
	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/api/v1/pipelines", "").Code)
}

func TestSpecHandler_SubstitutesIssuer(t *testing.T) {
	rec := httptest.NewRecorder()
	SpecHandler("https://acme.okta.com/oauth2/default")(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "https://acme.okta.com/oauth2/default/v1/authorize")
	assert.NotContains(t, rec.Body.String(), "{oktaIssuer}")
}
