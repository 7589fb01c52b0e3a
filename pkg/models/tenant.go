package models

import (
	"time"
)

// Tenant is a customer organization. KeyRef points at the tenant's data key in
// the external secret store; the key itself is never persisted here.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	Active    bool      `json:"active"`
	KeyRef    string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
