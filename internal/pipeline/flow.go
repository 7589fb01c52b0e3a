package pipeline

import (
	"context"

	"automation-hub/backend/internal/registry"
	"automation-hub/backend/pkg/models"
)

// Context is the normalized form of an inbound event.
type Context map[string]any

// String returns the string value at key, or "".
func (c Context) String(key string) string {
	s, _ := c[key].(string)
	return s
}

// Flow is one concrete pipeline, statically bound to its configuration
// type C.
type Flow[C any] interface {
	// ContextFromWebhookData validates and normalizes raw. A nil Context
	// with a nil error means the event is valid but needs no action.
	// Malformed input returns an InvalidWebhookError. It must not do I/O.
	ContextFromWebhookData(raw []byte) (Context, error)
	// Extract fetches everything the run needs before any mutation.
	Extract(ctx context.Context, run *Run[C], in Context) (any, error)
	// Transform shapes extracted data for Load.
	Transform(ctx context.Context, run *Run[C], data any, in Context) (any, error)
	// Load performs the external side effects.
	Load(ctx context.Context, run *Run[C], data any, in Context) (any, error)
}

// Target identifies who a run is for.
type Target struct {
	Tenant     *models.Tenant
	Activation *models.Activation
	Definition *models.PipelineDefinition
}

// Runner is a Flow with its configuration type erased, as stored in the
// registry.
type Runner interface {
	Prepare(raw []byte) (Context, error)
	Run(ctx context.Context, e *Engine, target Target, in Context) Outcome
}

// Bind adapts a typed flow to a Runner.
func Bind[C any](flow Flow[C]) Runner {
	return &bound[C]{flow: flow}
}

type bound[C any] struct {
	flow Flow[C]
}

func (b *bound[C]) Prepare(raw []byte) (Context, error) {
	return b.flow.ContextFromWebhookData(raw)
}

func (b *bound[C]) Run(ctx context.Context, e *Engine, target Target, in Context) Outcome {
	return execute(ctx, e, b.flow, newRun[C](e, target), in)
}

// Flows is the process-wide flow table.
var Flows = registry.New[Runner]()

// Register adds a flow under name. It panics on a duplicate name and is
// meant to be called from init().
func Register(name, version string, r Runner) {
	if r == nil {
		panic("pipeline: nil runner for " + name)
	}
	Flows.MustRegister(registry.Entry[Runner]{Name: name, Version: version, Value: r})
}

// Lookup returns the runner registered under name.
func Lookup(name string) (Runner, error) {
	e, err := Flows.Lookup(name)
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}

// StopSchedule, returned as the Load result of a run fired by a schedule,
// disarms that schedule.
type StopSchedule struct {
	Reason string
}
