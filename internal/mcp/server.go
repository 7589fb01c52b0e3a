// Package mcp exposes operator tooling over the Model Context Protocol.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/tidwall/gjson"

	"automation-hub/backend/internal/dispatch"
	"automation-hub/backend/internal/notify"
	"automation-hub/backend/internal/pipeline"
	"automation-hub/backend/internal/scheduling"
	"automation-hub/backend/pkg/models"
)

// Pipelines lists pipeline definitions.
type Pipelines interface {
	ListPipelines(ctx context.Context) ([]*models.PipelineDefinition, error)
}

// Dispatcher runs webhooks asynchronously or in the caller's goroutine.
type Dispatcher interface {
	Dispatch(ctx context.Context, webhookID string, raw []byte) (dispatch.Result, error)
	RunNow(ctx context.Context, webhookID string, raw []byte) (dispatch.Result, *pipeline.Outcome, error)
}

// Sweeper fires due schedules.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (scheduling.Result, error)
}

// Flusher delivers queued notifications.
type Flusher interface {
	FlushReport(ctx context.Context) (notify.Report, error)
}

type Server struct {
	mcpServer  *server.MCPServer
	pipelines  Pipelines
	dispatcher Dispatcher
	sweeper    Sweeper
	flusher    Flusher
	now        func() time.Time
}

func NewServer(pipelines Pipelines, dispatcher Dispatcher, sweeper Sweeper, flusher Flusher) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Automation Hub",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		pipelines:  pipelines,
		dispatcher: dispatcher,
		sweeper:    sweeper,
		flusher:    flusher,
		now:        time.Now,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_pipelines",
			mcp.WithDescription("List registered pipeline definitions"),
		),
		s.handleListPipelines,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"dispatch_webhook",
			mcp.WithDescription("Deliver a webhook payload to an activation"),
			mcp.WithString("webhook_id", mcp.Required(), mcp.Description("The activation's webhook id")),
			mcp.WithString("payload", mcp.Required(), mcp.Description("JSON webhook body")),
			mcp.WithBoolean("wait", mcp.Description("Run synchronously and return the outcome")),
		),
		s.handleDispatchWebhook,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"run_sweep",
			mcp.WithDescription("Fire every schedule that is due now"),
		),
		s.handleRunSweep,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"flush_notifications",
			mcp.WithDescription("Deliver queued notifications"),
		),
		s.handleFlushNotifications,
	)
}

func (s *Server) handleListPipelines(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defs, err := s.pipelines.ListPipelines(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list pipelines: %v", err)), nil
	}
	return jsonResult(defs)
}

// outcomeView is the JSON form of a synchronous run.
type outcomeView struct {
	dispatch.Result
	RunID    string `json:"run_id,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
	Stage    string `json:"stage,omitempty"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration,omitempty"`
}

func (s *Server) handleDispatchWebhook(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	webhookID, err := request.RequireString("webhook_id")
	if err != nil || webhookID == "" {
		return mcp.NewToolResultError("Missing required parameter: webhook_id"), nil
	}
	payload, err := request.RequireString("payload")
	if err != nil || !gjson.Valid(payload) {
		return mcp.NewToolResultError("payload must be a JSON document"), nil
	}

	if !request.GetBool("wait", false) {
		res, err := s.dispatcher.Dispatch(ctx, webhookID, []byte(payload))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to dispatch: %v", err)), nil
		}
		return jsonResult(res)
	}

	res, out, err := s.dispatcher.RunNow(ctx, webhookID, []byte(payload))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to run: %v", err)), nil
	}
	view := outcomeView{Result: res}
	if out != nil {
		view.RunID = out.RunID
		view.Outcome = string(out.Status)
		view.Stage = out.Stage
		view.Duration = out.Duration.String()
		if out.Err != nil {
			view.Error = out.Err.Error()
		}
	}
	return jsonResult(view)
}

func (s *Server) handleRunSweep(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.sweeper.Sweep(ctx, s.now())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Sweep failed: %v", err)), nil
	}
	return jsonResult(res)
}

func (s *Server) handleFlushNotifications(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, err := s.flusher.FlushReport(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Flush failed: %v", err)), nil
	}
	return jsonResult(report)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// MountHTTPHandlers serves the SSE transport under /mcp.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
