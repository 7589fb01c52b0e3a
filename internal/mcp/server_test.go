package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"automation-hub/backend/internal/dispatch"
	"automation-hub/backend/internal/notify"
	"automation-hub/backend/internal/pipeline"
	"automation-hub/backend/internal/scheduling"
	"automation-hub/backend/pkg/models"
)

type mockOps struct {
	mock.Mock
}

func (m *mockOps) ListPipelines(ctx context.Context) ([]*models.PipelineDefinition, error) {
	args := m.Called(ctx)
	defs, _ := args.Get(0).([]*models.PipelineDefinition)
	return defs, args.Error(1)
}

func (m *mockOps) Dispatch(ctx context.Context, webhookID string, raw []byte) (dispatch.Result, error) {
	args := m.Called(ctx, webhookID, raw)
	return args.Get(0).(dispatch.Result), args.Error(1)
}

func (m *mockOps) RunNow(ctx context.Context, webhookID string, raw []byte) (dispatch.Result, *pipeline.Outcome, error) {
	args := m.Called(ctx, webhookID, raw)
	out, _ := args.Get(1).(*pipeline.Outcome)
	return args.Get(0).(dispatch.Result), out, args.Error(2)
}

func (m *mockOps) Sweep(ctx context.Context, now time.Time) (scheduling.Result, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(scheduling.Result), args.Error(1)
}

func (m *mockOps) FlushReport(ctx context.Context) (notify.Report, error) {
	args := m.Called(ctx)
	return args.Get(0).(notify.Report), args.Error(1)
}

func newTestServer(ops *mockOps) *Server {
	return NewServer(ops, ops, ops, ops)
}

func call(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestListPipelines(t *testing.T) {
	ops := new(mockOps)
	ops.On("ListPipelines", mock.Anything).Return([]*models.PipelineDefinition{{ID: "p1", Name: "meeting-notes", Version: "1"}}, nil)

	res, err := newTestServer(ops).handleListPipelines(context.Background(), call(nil))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	var defs []models.PipelineDefinition
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &defs))
	require.Len(t, defs, 1)
	assert.Equal(t, "meeting-notes", defs[0].Name)
}

func TestDispatchWebhook_Async(t *testing.T) {
	ops := new(mockOps)
	ops.On("Dispatch", mock.Anything, "wh-1", []byte(`{"a":1}`)).
		Return(dispatch.Result{WebhookID: "wh-1", Status: dispatch.StatusAccepted}, nil)

	res, err := newTestServer(ops).handleDispatchWebhook(context.Background(),
		call(map[string]any{"webhook_id": "wh-1", "payload": `{"a":1}`}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.JSONEq(t, `{"webhook_id":"wh-1","status":"accepted"}`, text(t, res))
	ops.AssertNotCalled(t, "RunNow", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatchWebhook_WaitReportsStageFailure(t *testing.T) {
	ops := new(mockOps)
	out := &pipeline.Outcome{RunID: "r1", Status: pipeline.StatusStageFailure, Stage: "loading", Err: errors.New("crm down")}
	ops.On("RunNow", mock.Anything, "wh-1", mock.Anything).
		Return(dispatch.Result{WebhookID: "wh-1", Status: dispatch.StatusAccepted}, out, nil)

	res, err := newTestServer(ops).handleDispatchWebhook(context.Background(),
		call(map[string]any{"webhook_id": "wh-1", "payload": `{}`, "wait": true}))
	require.NoError(t, err)

	var view map[string]any
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &view))
	assert.Equal(t, "accepted", view["status"])
	assert.Equal(t, "loading", view["stage"])
	assert.Equal(t, "crm down", view["error"])
	assert.Equal(t, "r1", view["run_id"])
}

func TestDispatchWebhook_BadArguments(t *testing.T) {
	s := newTestServer(new(mockOps))

	res, err := s.handleDispatchWebhook(context.Background(), call(map[string]any{"payload": `{}`}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleDispatchWebhook(context.Background(), call(map[string]any{"webhook_id": "x", "payload": `{`}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestRunSweep(t *testing.T) {
	ops := new(mockOps)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	ops.On("Sweep", mock.Anything, now).Return(scheduling.Result{Claimed: 2, Fired: 2}, nil)
	s := newTestServer(ops)
	s.now = func() time.Time { return now }

	res, err := s.handleRunSweep(context.Background(), call(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"skipped":false,"claimed":2,"fired":2,"failed":0}`, text(t, res))
}

func TestFlushNotifications_Error(t *testing.T) {
	ops := new(mockOps)
	ops.On("FlushReport", mock.Anything).Return(notify.Report{}, errors.New("db down"))

	res, err := newTestServer(ops).handleFlushNotifications(context.Background(), call(nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
