// Package dispatch turns inbound webhooks into pipeline runs. An activation
// is addressed only by its opaque webhook id. Payloads are validated
// synchronously; accepted runs execute on a bounded worker pool and their
// outcome never reaches the caller.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gammazero/workerpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/ratelimit"

	"automation-hub/backend/internal/logging"
	"automation-hub/backend/internal/pipeline"
	"automation-hub/backend/internal/registry"
	"automation-hub/backend/internal/repository"
	"automation-hub/backend/internal/scheduling"
	"automation-hub/backend/pkg/models"
)

// Status is the per-webhook dispatch result.
type Status string

const (
	StatusAccepted Status = "accepted"
	StatusNoAction Status = "no_action"
	StatusNotFound Status = "not_found"
	StatusInvalid  Status = "invalid"
	StatusError    Status = "error"
)

// Result is returned for each dispatched webhook id.
type Result struct {
	WebhookID string `json:"webhook_id"`
	Status    Status `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// Store is what the dispatcher reads to resolve a webhook id.
type Store interface {
	repository.TenantStore
	repository.PipelineStore
}

// Dispatcher resolves webhooks and runs flows.
type Dispatcher struct {
	store      Store
	engine     *pipeline.Engine
	flows      *registry.Registry[pipeline.Runner]
	pool       *workerpool.WorkerPool
	splitDelay time.Duration
	logger     *logging.Logger

	webhooks metric.Int64Counter
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWorkers bounds concurrent asynchronous runs.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.pool = workerpool.New(n)
		}
	}
}

// WithSplitDelay sets the pause between calls of a split dispatch.
func WithSplitDelay(delay time.Duration) Option {
	return func(d *Dispatcher) { d.splitDelay = delay }
}

// WithFlows overrides the flow table. Defaults to pipeline.Flows.
func WithFlows(flows *registry.Registry[pipeline.Runner]) Option {
	return func(d *Dispatcher) { d.flows = flows }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a Dispatcher. Close it to drain in-flight runs.
func New(store Store, engine *pipeline.Engine, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		engine:     engine,
		flows:      pipeline.Flows,
		splitDelay: time.Second,
		logger:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.pool == nil {
		d.pool = workerpool.New(8)
	}
	d.webhooks, _ = otel.Meter("automation-hub/backend/internal/dispatch").
		Int64Counter("dispatch.webhooks", metric.WithDescription("Inbound webhooks by dispatch status"))
	return d
}

// Close waits for queued runs to finish and stops the workers.
func (d *Dispatcher) Close() {
	d.pool.StopWait()
}

type resolved struct {
	runner pipeline.Runner
	target pipeline.Target
}

// errNotFound marks an unaddressable activation.
var errNotFound = errors.New("webhook not found")

func (d *Dispatcher) resolve(ctx context.Context, act *models.Activation) (*resolved, error) {
	if !act.Active {
		return nil, errNotFound
	}
	tenant, err := d.store.GetTenant(ctx, act.TenantID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, err
	}
	if !tenant.Active {
		return nil, errNotFound
	}
	def, err := d.store.GetDefinition(ctx, act.PipelineID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, err
	}
	entry, err := d.flows.Lookup(def.Name)
	if err != nil {
		return nil, fmt.Errorf("pipeline %s has no registered flow: %w", def.Name, err)
	}
	return &resolved{
		runner: entry.Value,
		target: pipeline.Target{Tenant: tenant, Activation: act, Definition: def},
	}, nil
}

func (d *Dispatcher) byWebhookID(ctx context.Context, webhookID string) (*resolved, error) {
	act, err := d.store.GetActivationByWebhookID(ctx, webhookID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, err
	}
	return d.resolve(ctx, act)
}

// prepare validates raw against the resolved flow. It returns a nil Context
// when there is nothing to run.
func (d *Dispatcher) prepare(ctx context.Context, webhookID string, r *resolved, lookupErr error, raw []byte) (pipeline.Context, Result, error) {
	res := Result{WebhookID: webhookID}
	if errors.Is(lookupErr, errNotFound) {
		res.Status = StatusNotFound
		return nil, res, nil
	}
	if lookupErr != nil {
		res.Status = StatusError
		return nil, res, lookupErr
	}

	in, err := r.runner.Prepare(raw)
	switch {
	case pipeline.IsInvalidWebhook(err):
		res.Status = StatusInvalid
		res.Detail = err.Error()
		return nil, res, nil
	case err != nil:
		res.Status = StatusError
		return nil, res, err
	case in == nil:
		res.Status = StatusNoAction
		return nil, res, nil
	}
	res.Status = StatusAccepted
	return in, res, nil
}

// Dispatch validates raw for the activation behind webhookID and queues a
// run. The error is only set for internal failures before dispatch.
func (d *Dispatcher) Dispatch(ctx context.Context, webhookID string, raw []byte) (Result, error) {
	r, lookupErr := d.byWebhookID(ctx, webhookID)
	in, res, err := d.prepare(ctx, webhookID, r, lookupErr, raw)
	d.count(ctx, res.Status)
	if err != nil || in == nil {
		return res, err
	}

	runCtx := context.WithoutCancel(ctx)
	d.pool.Submit(func() {
		d.run(runCtx, r, in)
	})
	return res, nil
}

// DispatchSplit applies raw to each webhook id in order, pausing between
// calls. Every id gets a result; internal failures are reported inline.
func (d *Dispatcher) DispatchSplit(ctx context.Context, webhookIDs []string, raw []byte) []Result {
	out := make([]Result, 0, len(webhookIDs))
	var limiter ratelimit.Limiter = ratelimit.NewUnlimited()
	if d.splitDelay > 0 {
		limiter = ratelimit.New(1, ratelimit.Per(d.splitDelay), ratelimit.WithoutSlack)
	}
	for _, id := range webhookIDs {
		if err := ctx.Err(); err != nil {
			out = append(out, Result{WebhookID: id, Status: StatusError, Detail: err.Error()})
			continue
		}
		limiter.Take()
		res, err := d.Dispatch(ctx, id, raw)
		if err != nil {
			d.logger.Error("split dispatch failed", "webhook_id", id, "error", err)
			res.Detail = "internal error"
		}
		out = append(out, res)
	}
	return out
}

// RunNow validates and runs synchronously. The outcome is nil when no run
// happened.
func (d *Dispatcher) RunNow(ctx context.Context, webhookID string, raw []byte) (Result, *pipeline.Outcome, error) {
	r, lookupErr := d.byWebhookID(ctx, webhookID)
	return d.runSync(ctx, webhookID, r, lookupErr, raw)
}

// RunActivation is RunNow addressed by activation id.
func (d *Dispatcher) RunActivation(ctx context.Context, activationID string, raw []byte) (Result, *pipeline.Outcome, error) {
	act, err := d.store.GetActivation(ctx, activationID)
	if errors.Is(err, repository.ErrNotFound) {
		return Result{Status: StatusNotFound}, nil, nil
	}
	if err != nil {
		return Result{Status: StatusError}, nil, err
	}
	r, lookupErr := d.resolve(ctx, act)
	return d.runSync(ctx, act.WebhookID, r, lookupErr, raw)
}

func (d *Dispatcher) runSync(ctx context.Context, webhookID string, r *resolved, lookupErr error, raw []byte) (Result, *pipeline.Outcome, error) {
	in, res, err := d.prepare(ctx, webhookID, r, lookupErr, raw)
	if err != nil || in == nil {
		return res, nil, err
	}
	out := d.run(ctx, r, in)
	return res, &out, nil
}

func (d *Dispatcher) run(ctx context.Context, r *resolved, in pipeline.Context) pipeline.Outcome {
	return r.runner.Run(ctx, d.engine, r.target, in)
}

func (d *Dispatcher) count(ctx context.Context, status Status) {
	d.webhooks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

// RerunJob re-runs a schedule's activation with the schedule's payload.
// A run whose Load returns pipeline.StopSchedule disarms the schedule.
func (d *Dispatcher) RerunJob() scheduling.Job {
	return scheduling.JobFunc(func(ctx context.Context, exec *models.ScheduledExecution) error {
		payload := []byte(exec.Payload)
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		res, out, err := d.RunActivation(ctx, exec.ActivationID, payload)
		if err != nil {
			return err
		}
		switch {
		case res.Status == StatusNotFound:
			return fmt.Errorf("%w: activation %s is gone", scheduling.ErrStop, exec.ActivationID)
		case res.Status == StatusInvalid:
			return fmt.Errorf("scheduled payload rejected: %s", res.Detail)
		case out == nil:
			return nil
		case !out.Succeeded():
			return fmt.Errorf("run %s failed in %s: %w", out.RunID, out.Stage, out.Err)
		}
		if stop, ok := out.Result.(pipeline.StopSchedule); ok {
			return fmt.Errorf("%w: %s", scheduling.ErrStop, stop.Reason)
		}
		return nil
	})
}
