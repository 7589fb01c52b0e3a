package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/looplab/fsm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"automation-hub/backend/internal/apiclient"
	"automation-hub/backend/internal/logging"
	"automation-hub/backend/internal/repository"
	"automation-hub/backend/pkg/models"
)

const instrumentationName = "automation-hub/backend/internal/pipeline"

// Run states.
const (
	StatePending      = "pending"
	StateExtracting   = "extracting"
	StateTransforming = "transforming"
	StateLoading      = "loading"
	StateNotifying    = "notifying"
	StateDone         = "done"
)

const (
	eventExtract   = "extract"
	eventTransform = "transform"
	eventLoad      = "load"
	eventNotify    = "notify"
	eventFinish    = "finish"
)

// Status is the terminal result of a run.
type Status string

const (
	StatusSuccess      Status = "success"
	StatusStageFailure Status = "stage_failure"
)

// Outcome describes how a run ended. Stage is the state the run failed in
// and is empty on success.
type Outcome struct {
	RunID     string
	Status    Status
	Stage     string
	Err       error
	Result    any
	NotifyErr error
	Duration  time.Duration
}

// Succeeded reports whether every stage completed.
func (o Outcome) Succeeded() bool {
	return o.Status == StatusSuccess
}

// NotificationSink receives notifications during a run and delivers them in
// the notify phase.
type NotificationSink interface {
	Queue(ctx context.Context, n *models.Notification) error
	Flush(ctx context.Context) error
}

// APIFactory builds authenticated clients from tenant credentials.
type APIFactory interface {
	Manager(ctx context.Context, cred *models.Credential) (*apiclient.Manager, error)
}

// Services are the collaborators a run reaches through Run.
type Services struct {
	Configs       repository.ConfigurationStore
	Credentials   repository.CredentialStore
	Schedules     repository.ScheduleStore
	Notifications NotificationSink
	APIs          APIFactory
}

// Engine executes flows.
type Engine struct {
	svc      Services
	logger   *logging.Logger
	reporter ErrorReporter
	now      func() time.Time
	tracer   trace.Tracer

	runs     metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithReporter sets where stage failures are reported.
func WithReporter(r ErrorReporter) Option {
	return func(e *Engine) { e.reporter = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine. Configs, Credentials and Notifications are
// required.
func NewEngine(svc Services, opts ...Option) (*Engine, error) {
	if svc.Configs == nil || svc.Credentials == nil || svc.Notifications == nil {
		return nil, fmt.Errorf("pipeline: configuration, credential and notification services are required")
	}
	e := &Engine{
		svc:    svc,
		logger: logging.Nop(),
		now:    time.Now,
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.reporter == nil {
		e.reporter = LogReporter{Logger: e.logger}
	}

	meter := otel.Meter(instrumentationName)
	var err error
	if e.runs, err = meter.Int64Counter("pipeline.runs", metric.WithDescription("Completed pipeline runs")); err != nil {
		return nil, err
	}
	if e.failures, err = meter.Int64Counter("pipeline.stage_failures", metric.WithDescription("Runs that failed in a stage")); err != nil {
		return nil, err
	}
	if e.duration, err = meter.Float64Histogram("pipeline.run.duration", metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return e, nil
}

// Logger returns the engine logger.
func (e *Engine) Logger() *logging.Logger {
	return e.logger
}

// Flush runs a notify phase outside of any run.
func (e *Engine) Flush(ctx context.Context) error {
	return e.svc.Notifications.Flush(ctx)
}

func newMachine(log *logging.Logger) *fsm.FSM {
	return fsm.NewFSM(
		StatePending,
		fsm.Events{
			{Name: eventExtract, Src: []string{StatePending}, Dst: StateExtracting},
			{Name: eventTransform, Src: []string{StateExtracting}, Dst: StateTransforming},
			{Name: eventLoad, Src: []string{StateTransforming}, Dst: StateLoading},
			{Name: eventNotify, Src: []string{StatePending, StateExtracting, StateTransforming, StateLoading}, Dst: StateNotifying},
			{Name: eventFinish, Src: []string{StateNotifying}, Dst: StateDone},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, ev *fsm.Event) {
				log.Debug("run state", "from", ev.Src, "to", ev.Dst)
			},
		},
	)
}

type stage struct {
	event string
	run   func() (any, error)
}

func execute[C any](ctx context.Context, e *Engine, flow Flow[C], run *Run[C], in Context) Outcome {
	start := e.now()
	ctx, span := e.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("pipeline.name", run.Definition.Name),
		attribute.String("pipeline.run_id", run.ID),
		attribute.String("tenant.id", run.Tenant.ID),
	))
	defer span.End()

	out := Outcome{RunID: run.ID, Status: StatusSuccess}
	machine := newMachine(run.Logger)

	var data any
	stages := []stage{
		{eventExtract, func() (any, error) { return flow.Extract(ctx, run, in) }},
		{eventTransform, func() (any, error) { return flow.Transform(ctx, run, data, in) }},
		{eventLoad, func() (any, error) { return flow.Load(ctx, run, data, in) }},
	}

	for _, st := range stages {
		if err := machine.Event(ctx, st.event); err != nil {
			out = failed(machine.Current(), err)
			break
		}
		res, err := guard(st.run)
		if err != nil {
			out = failed(machine.Current(), err)
			break
		}
		data = res
	}
	out.RunID = run.ID
	if out.Succeeded() {
		out.Result = data
	} else {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Stage)
		e.reporter.Report(ctx, run.Logger, out)
	}

	if err := machine.Event(ctx, eventNotify); err != nil {
		run.Logger.Error("enter notify phase", "error", err)
	}
	_, out.NotifyErr = guard(func() (any, error) { return nil, e.svc.Notifications.Flush(ctx) })
	if out.NotifyErr != nil {
		run.Logger.Warn("notify phase failed", "error", out.NotifyErr)
	}
	if err := machine.Event(ctx, eventFinish); err != nil {
		run.Logger.Error("finish run", "error", err)
	}

	out.Duration = e.now().Sub(start)
	attrs := metric.WithAttributes(
		attribute.String("pipeline.name", run.Definition.Name),
		attribute.String("status", string(out.Status)),
	)
	e.runs.Add(ctx, 1, attrs)
	e.duration.Record(ctx, out.Duration.Seconds(), attrs)
	if !out.Succeeded() {
		e.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("pipeline.name", run.Definition.Name),
			attribute.String("stage", out.Stage),
		))
	}

	run.Logger.Info("run finished", "status", out.Status, "stage", out.Stage, "duration", out.Duration)
	return out
}

func failed(stage string, err error) Outcome {
	return Outcome{Status: StatusStageFailure, Stage: stage, Err: err}
}

// guard turns a panic in fn into an error.
func guard(fn func() (any, error)) (res any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// PanicError is a recovered panic from a stage.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
