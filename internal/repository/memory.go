package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"automation-hub/backend/pkg/models"
)

// MemoryStore is an in-process Repository for development mode and tests.
// It enforces the same uniqueness rules as the Postgres schema but keeps
// everything in plaintext and loses it on exit.
type MemoryStore struct {
	mu sync.Mutex

	tenants       map[string]*models.Tenant
	definitions   map[string]*models.PipelineDefinition
	activations   map[string]*models.Activation
	configs       map[string]*models.PipelineConfiguration
	credentials   map[string]*models.Credential
	schedules     map[string]*memorySchedule
	notifications map[string]*models.Notification
	seq           int64
	now           func() time.Time
}

type memorySchedule struct {
	se           models.ScheduledExecution
	claimedUntil time.Time
	claimToken   string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:       map[string]*models.Tenant{},
		definitions:   map[string]*models.PipelineDefinition{},
		activations:   map[string]*models.Activation{},
		configs:       map[string]*models.PipelineConfiguration{},
		credentials:   map[string]*models.Credential{},
		schedules:     map[string]*memorySchedule{},
		notifications: map[string]*models.Notification{},
		now:           time.Now,
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) GetTenant(_ context.Context, id string) (*models.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

func (m *MemoryStore) GetTenantByDomain(_ context.Context, domain string) (*models.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tenants {
		if t.Domain == domain {
			c := *t
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) CreateTenant(_ context.Context, t *models.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	for _, other := range m.tenants {
		if other.ID == t.ID || other.Domain == t.Domain {
			return ErrConflict
		}
	}
	t.CreatedAt, t.UpdatedAt = m.now(), m.now()
	c := *t
	m.tenants[t.ID] = &c
	return nil
}

func (m *MemoryStore) UpsertDefinition(_ context.Context, def *models.PipelineDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.definitions {
		if d.Name == def.Name {
			d.Version = def.Version
			d.UpdatedAt = m.now()
			*def = *d
			return nil
		}
	}
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	def.CreatedAt, def.UpdatedAt = m.now(), m.now()
	c := *def
	m.definitions[def.ID] = &c
	return nil
}

func (m *MemoryStore) GetDefinition(_ context.Context, id string) (*models.PipelineDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.definitions[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *d
	return &c, nil
}

func (m *MemoryStore) GetDefinitionByName(_ context.Context, name string) (*models.PipelineDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.definitions {
		if d.Name == name {
			c := *d
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListDefinitions(context.Context) ([]*models.PipelineDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.PipelineDefinition, 0, len(m.definitions))
	for _, d := range m.definitions {
		c := *d
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) CreateActivation(_ context.Context, act *models.Activation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.definitions[act.PipelineID]; !ok {
		return ErrNotFound
	}
	for _, a := range m.activations {
		if a.TenantID == act.TenantID && a.PipelineID == act.PipelineID {
			return ErrConflict
		}
	}
	if act.ID == "" {
		act.ID = uuid.New().String()
	}
	if act.WebhookID == "" {
		act.WebhookID = uuid.New().String()
	}
	act.CreatedAt = m.now()
	c := *act
	m.activations[act.ID] = &c
	return nil
}

func (m *MemoryStore) GetActivation(_ context.Context, id string) (*models.Activation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.activations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

func (m *MemoryStore) GetActivationByWebhookID(_ context.Context, webhookID string) (*models.Activation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.activations {
		if a.WebhookID == webhookID {
			c := *a
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListActivations(_ context.Context, tenantID string) ([]*models.Activation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Activation
	for _, a := range m.activations {
		if a.TenantID == tenantID {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteActivation(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.activations[id]
	if !ok || a.TenantID != tenantID {
		return ErrNotFound
	}
	delete(m.activations, id)
	return nil
}

func (m *MemoryStore) GetConfiguration(_ context.Context, pipelineID, tenantID string) (*models.PipelineConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.configs {
		if c.PipelineID == pipelineID && c.TenantID != nil && *c.TenantID == tenantID {
			return cloneConfiguration(c), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetDefaultConfiguration(_ context.Context, pipelineID string) (*models.PipelineConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.configs {
		if c.PipelineID == pipelineID && c.TenantID == nil {
			return cloneConfiguration(c), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) SaveConfiguration(_ context.Context, cfg *models.PipelineConfiguration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	for id, c := range m.configs {
		if id == cfg.ID || c.PipelineID != cfg.PipelineID {
			continue
		}
		sameTenant := (c.TenantID == nil && cfg.TenantID == nil) ||
			(c.TenantID != nil && cfg.TenantID != nil && *c.TenantID == *cfg.TenantID)
		if sameTenant || (c.IsDefault && cfg.IsDefault) {
			return ErrConflict
		}
	}
	cfg.UpdatedAt = m.now()
	m.configs[cfg.ID] = cloneConfiguration(cfg)
	return nil
}

func cloneConfiguration(c *models.PipelineConfiguration) *models.PipelineConfiguration {
	out := *c
	out.Settings = append(json.RawMessage(nil), c.Settings...)
	if c.TenantID != nil {
		t := *c.TenantID
		out.TenantID = &t
	}
	return &out
}

func (m *MemoryStore) GetCredential(_ context.Context, tenantID, service string) (*models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[tenantID+"/"+service]
	if !ok {
		return nil, ErrNotFound
	}
	out := *c
	return &out, nil
}

func (m *MemoryStore) SaveCredential(_ context.Context, cred *models.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cred.TenantID + "/" + cred.Service
	if existing, ok := m.credentials[key]; ok {
		cred.ID, cred.CreatedAt = existing.ID, existing.CreatedAt
	} else {
		if cred.ID == "" {
			cred.ID = uuid.New().String()
		}
		cred.CreatedAt = m.now()
	}
	cred.UpdatedAt = m.now()
	c := *cred
	m.credentials[key] = &c
	return nil
}

func (m *MemoryStore) CreateSchedule(_ context.Context, se *models.ScheduledExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if se.ID == "" {
		se.ID = uuid.New().String()
	}
	if len(se.ActiveHours) == 0 {
		se.ActiveHours = models.AllHours
	}
	if len(se.ActiveDays) == 0 {
		se.ActiveDays = models.AllDays
	}
	se.CreatedAt, se.UpdatedAt = m.now(), m.now()
	se.ClaimedUntil, se.ClaimToken = nil, ""
	m.schedules[se.ID] = &memorySchedule{se: cloneSchedule(se)}
	return nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, id string) (*models.ScheduledExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	se := s.snapshot()
	return &se, nil
}

func (m *MemoryStore) ClaimDueSchedules(_ context.Context, now time.Time, hour, day int, leaseUntil time.Time, limit int) ([]*models.ScheduledExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*memorySchedule
	for _, s := range m.schedules {
		if s.se.ScheduledTime == nil || s.se.ScheduledTime.After(now) ||
			!contains(s.se.ActiveHours, hour) || !contains(s.se.ActiveDays, day) {
			continue
		}
		if !s.claimedUntil.IsZero() && !s.claimedUntil.Before(now) {
			continue
		}
		due = append(due, s)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].se.ScheduledTime.Before(*due[j].se.ScheduledTime) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	token := uuid.New().String()
	out := make([]*models.ScheduledExecution, 0, len(due))
	for _, s := range due {
		s.claimedUntil = leaseUntil
		s.claimToken = token
		s.se.UpdatedAt = now
		se := s.snapshot()
		out = append(out, &se)
	}
	return out, nil
}

func (m *MemoryStore) ExtendScheduleClaim(_ context.Context, se *models.ScheduledExecution, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.heldSchedule(se)
	if err != nil {
		return err
	}
	s.claimedUntil = until
	t := until
	se.ClaimedUntil = &t
	return nil
}

func (m *MemoryStore) CompleteSchedule(_ context.Context, se *models.ScheduledExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.heldSchedule(se)
	if err != nil {
		return err
	}
	s.se.ScheduledTime = se.ScheduledTime
	s.se.IsRecurring = se.IsRecurring
	s.se.RecurrenceInterval = se.RecurrenceInterval
	s.se.RunCount = se.RunCount
	s.se.LastError = se.LastError
	s.se.UpdatedAt = m.now()
	s.claimedUntil = time.Time{}
	s.claimToken = ""
	se.ClaimedUntil = nil
	se.ClaimToken = ""
	return nil
}

func (m *MemoryStore) heldSchedule(se *models.ScheduledExecution) (*memorySchedule, error) {
	s, ok := m.schedules[se.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.claimToken == "" || s.claimToken != se.ClaimToken {
		return nil, ErrClaimLost
	}
	return s, nil
}

// snapshot copies the row with its current claim.
func (s *memorySchedule) snapshot() models.ScheduledExecution {
	se := cloneSchedule(&s.se)
	se.ClaimToken = s.claimToken
	if !s.claimedUntil.IsZero() {
		t := s.claimedUntil
		se.ClaimedUntil = &t
	}
	return se
}

func cloneSchedule(se *models.ScheduledExecution) models.ScheduledExecution {
	out := *se
	out.ActiveHours = append([]int(nil), se.ActiveHours...)
	out.ActiveDays = append([]int(nil), se.ActiveDays...)
	out.Payload = append(json.RawMessage(nil), se.Payload...)
	if se.ScheduledTime != nil {
		t := *se.ScheduledTime
		out.ScheduledTime = &t
	}
	return out
}

func contains(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func (m *MemoryStore) QueueNotification(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.Sent = false
	// Monotonic creation order keeps listing stable when the clock is coarse.
	m.seq++
	n.CreatedAt = m.now().Add(time.Duration(m.seq))
	c := *n
	m.notifications[n.ID] = &c
	return nil
}

func (m *MemoryStore) ListUnsentNotifications(_ context.Context, limit int) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Notification
	for _, n := range m.notifications {
		if !n.Sent {
			c := *n
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Attempts != out[j].Attempts {
			return out[i].Attempts < out[j].Attempts
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListNotifications(_ context.Context, tenantID string, limit int) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Notification
	for _, n := range m.notifications {
		if n.TenantID == tenantID {
			c := *n
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkNotificationSent(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return ErrNotFound
	}
	n.Sent = true
	n.SentAt = &at
	n.Attempts++
	n.LastError = ""
	return nil
}

func (m *MemoryStore) MarkNotificationFailed(_ context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return ErrNotFound
	}
	n.Attempts++
	n.LastError = reason
	return nil
}

var _ Repository = (*MemoryStore)(nil)
var _ Repository = (*PostgresStore)(nil)
