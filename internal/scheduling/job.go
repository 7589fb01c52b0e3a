// Package scheduling fires scheduled executions. A periodic sweep claims
// every schedule that is due and inside its active window, triggers the
// schedule's job, then advances or disarms it.
package scheduling

import (
	"context"
	"errors"

	"automation-hub/backend/internal/registry"
	"automation-hub/backend/pkg/models"
)

// RerunJob is the job name that re-dispatches a schedule's activation with
// its stored payload.
const RerunJob = "pipeline.rerun"

// ErrStop returned (or wrapped) by a job disarms its schedule without
// recording an error.
var ErrStop = errors.New("scheduling: stop")

// Job is the action a schedule fires.
type Job interface {
	TriggerJob(ctx context.Context, exec *models.ScheduledExecution) error
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context, exec *models.ScheduledExecution) error

func (f JobFunc) TriggerJob(ctx context.Context, exec *models.ScheduledExecution) error {
	return f(ctx, exec)
}

// Jobs maps job names to implementations.
type Jobs struct {
	table *registry.Registry[Job]
}

// NewJobs creates an empty job table.
func NewJobs() *Jobs {
	return &Jobs{table: registry.New[Job]()}
}

// Register adds job under name. Names must be unique.
func (j *Jobs) Register(name string, job Job) error {
	return j.table.Register(registry.Entry[Job]{Name: name, Value: job})
}

// Lookup returns the job registered under name.
func (j *Jobs) Lookup(name string) (Job, error) {
	e, err := j.table.Lookup(name)
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}

// Names lists registered job names.
func (j *Jobs) Names() []string {
	return j.table.Names()
}
