package flows

import (
	"context"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"automation-hub/backend/internal/pipeline"
	"automation-hub/backend/internal/scheduling"
	"automation-hub/backend/pkg/models"
)

const (
	LeadFollowUpName    = "lead-followup"
	LeadFollowUpVersion = "1"

	eventLeadCreated = "lead.created"
	eventLeadRemind  = "lead.remind"

	leadOpen = "open"
)

// leadEventsWithoutAction are recognized but need no run.
var leadEventsWithoutAction = map[string]bool{
	"lead.updated": true,
	"lead.deleted": true,
}

// LeadFollowUpConfig is the per-tenant setup of the lead follow-up flow.
type LeadFollowUpConfig struct {
	CRMService string `json:"crm_service" validate:"required"`
	NotifyURI  string `json:"notify_uri" validate:"required,uri"`
	// IntervalMinutes between reminders; defaults to one day.
	IntervalMinutes int `json:"interval_minutes" validate:"gte=0"`
	// MaxReminders caps reminders per lead; 0 is unlimited.
	MaxReminders  int   `json:"max_reminders" validate:"gte=0"`
	BusinessHours []int `json:"business_hours" validate:"omitempty,dive,gte=0,lte=23"`
	BusinessDays  []int `json:"business_days" validate:"omitempty,dive,gte=0,lte=6"`
}

func (c *LeadFollowUpConfig) interval() int {
	if c.IntervalMinutes > 0 {
		return c.IntervalMinutes
	}
	return 24 * 60
}

func (c *LeadFollowUpConfig) hours() []int {
	if len(c.BusinessHours) > 0 {
		return c.BusinessHours
	}
	return []int{9, 10, 11, 12, 13, 14, 15, 16}
}

func (c *LeadFollowUpConfig) days() []int {
	if len(c.BusinessDays) > 0 {
		return c.BusinessDays
	}
	return []int{0, 1, 2, 3, 4}
}

// LeadFollowUp reminds a lead's owner to follow up until the lead is no
// longer open.
type LeadFollowUp struct{}

type lead struct {
	conf   *LeadFollowUpConfig
	ID     string
	Email  string
	Owner  string
	Status string
}

type reminder struct {
	conf     *LeadFollowUpConfig
	lead     *lead
	stop     bool
	schedule *models.ScheduledExecution
}

func (LeadFollowUp) ContextFromWebhookData(raw []byte) (pipeline.Context, error) {
	if !gjson.ValidBytes(raw) {
		return nil, pipeline.InvalidWebhook("body is not valid JSON")
	}
	body := gjson.ParseBytes(raw)
	event := body.Get("event").String()
	switch {
	case leadEventsWithoutAction[event]:
		return nil, nil
	case event == eventLeadCreated:
		id := body.Get("lead.id").String()
		if id == "" {
			return nil, pipeline.InvalidWebhook("lead.id is required")
		}
		return pipeline.Context{
			"event":   event,
			"lead_id": id,
			"email":   body.Get("lead.email").String(),
			"owner":   body.Get("lead.owner").String(),
		}, nil
	case event == eventLeadRemind:
		id := body.Get("lead_id").String()
		if id == "" {
			return nil, pipeline.InvalidWebhook("lead_id is required")
		}
		return pipeline.Context{"event": event, "lead_id": id}, nil
	}
	return nil, pipeline.InvalidWebhook("unsupported event %q", event)
}

func (LeadFollowUp) Extract(ctx context.Context, run *pipeline.Run[LeadFollowUpConfig], in pipeline.Context) (any, error) {
	conf, err := run.ConfigurationOrDefault(ctx)
	if err != nil {
		return nil, err
	}
	crm, err := run.API(ctx, conf.CRMService)
	if err != nil {
		return nil, err
	}
	l := &lead{conf: conf, ID: in.String("lead_id"), Email: in.String("email"), Owner: in.String("owner")}
	status, owner, err := leadStatus(ctx, crm, l.ID)
	if err != nil {
		return nil, err
	}
	l.Status = status
	if l.Owner == "" {
		l.Owner = owner
	}
	return l, nil
}

func (LeadFollowUp) Transform(_ context.Context, run *pipeline.Run[LeadFollowUpConfig], data any, in pipeline.Context) (any, error) {
	l := data.(*lead)
	r := &reminder{conf: l.conf, lead: l}

	if in.String("event") == eventLeadRemind {
		r.stop = l.Status != leadOpen
		return r, nil
	}
	if l.Status != leadOpen {
		return r, nil
	}

	se := models.NewScheduledExecution(run.Tenant.ID, run.Activation.ID, scheduling.RerunJob)
	if err := se.SetActiveHours(l.conf.hours()); err != nil {
		return nil, err
	}
	if err := se.SetActiveDays(l.conf.days()); err != nil {
		return nil, err
	}
	if err := se.SetRecurrence(l.conf.interval()); err != nil {
		return nil, err
	}
	now := run.Now()
	if err := se.SetScheduledTime(now.Add(time.Duration(l.conf.interval())*time.Minute), now); err != nil {
		return nil, err
	}
	se.MaxRuns = l.conf.MaxReminders
	payload, err := jsonObject(map[string]any{"event": eventLeadRemind, "lead_id": l.ID})
	if err != nil {
		return nil, err
	}
	se.Payload = payload
	r.schedule = se
	return r, nil
}

func (LeadFollowUp) Load(ctx context.Context, run *pipeline.Run[LeadFollowUpConfig], data any, in pipeline.Context) (any, error) {
	r := data.(*reminder)
	l := r.lead

	if r.stop {
		return pipeline.StopSchedule{Reason: fmt.Sprintf("lead %s is %s", l.ID, l.Status)}, nil
	}

	if in.String("event") == eventLeadRemind {
		body := fmt.Sprintf("Lead %s is still open. Owner: %s.", l.ID, l.Owner)
		return nil, run.Notify(ctx, r.conf.NotifyURI, "Lead follow-up reminder", body)
	}

	if r.schedule == nil {
		run.Logger.Info("lead not open, no reminders", "lead_id", l.ID, "status", l.Status)
		return nil, nil
	}
	if err := run.Schedule(ctx, r.schedule); err != nil {
		return nil, err
	}
	body := fmt.Sprintf("New lead %s (%s) assigned to %s.", l.ID, l.Email, l.Owner)
	if err := run.Notify(ctx, r.conf.NotifyURI, "New lead", body); err != nil {
		return nil, err
	}
	return r.schedule.ID, nil
}
