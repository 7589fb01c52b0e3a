package pipeline

import (
	"errors"
	"fmt"
)

// InvalidWebhookError reports a malformed or unrecognized inbound payload.
// It is the caller's fault and is never retried.
type InvalidWebhookError struct {
	Reason string
}

func (e *InvalidWebhookError) Error() string {
	return "invalid webhook: " + e.Reason
}

// InvalidWebhook returns an InvalidWebhookError with a formatted reason.
func InvalidWebhook(format string, args ...any) error {
	return &InvalidWebhookError{Reason: fmt.Sprintf(format, args...)}
}

// IsInvalidWebhook reports whether err is an InvalidWebhookError.
func IsInvalidWebhook(err error) bool {
	var target *InvalidWebhookError
	return errors.As(err, &target)
}

// MisconfiguredError reports a tenant setup problem such as a missing
// credential or configuration row. It is the operator's fault.
type MisconfiguredError struct {
	TenantID string
	What     string
}

func (e *MisconfiguredError) Error() string {
	return fmt.Sprintf("tenant %s misconfigured: %s", e.TenantID, e.What)
}

// IsMisconfigured reports whether err is a MisconfiguredError.
func IsMisconfigured(err error) bool {
	var target *MisconfiguredError
	return errors.As(err, &target)
}
