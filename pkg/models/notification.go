package models

import (
	"time"
)

// Notification is an outbound message queued during a run and delivered
// later, at least once, to URI.
type Notification struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	URI       string     `json:"uri"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	Sent      bool       `json:"sent"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}
