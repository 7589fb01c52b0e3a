package pipeline

import (
	"context"
	"errors"

	"automation-hub/backend/internal/logging"
)

// ErrorReporter receives stage failures. Implementations must not block
// for long; the notify phase waits on Report.
type ErrorReporter interface {
	Report(ctx context.Context, log *logging.Logger, out Outcome)
}

// LogReporter writes failures to the log. Invalid webhooks and tenant
// misconfiguration are warnings; everything else is an error.
type LogReporter struct {
	Logger *logging.Logger
}

func (r LogReporter) Report(_ context.Context, log *logging.Logger, out Outcome) {
	if log == nil {
		log = r.Logger
	}
	kv := []any{"stage", out.Stage, "error", out.Err}
	switch {
	case IsMisconfigured(out.Err):
		log.Warn("tenant misconfigured", kv...)
	case IsInvalidWebhook(out.Err):
		log.Warn("invalid webhook", kv...)
	default:
		var p *PanicError
		if errors.As(out.Err, &p) {
			kv = append(kv, "stack", string(p.Stack))
		}
		log.Error("stage failed", kv...)
	}
}

// ReporterFunc adapts a function to ErrorReporter.
type ReporterFunc func(ctx context.Context, log *logging.Logger, out Outcome)

func (f ReporterFunc) Report(ctx context.Context, log *logging.Logger, out Outcome) {
	f(ctx, log, out)
}
