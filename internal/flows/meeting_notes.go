package flows

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"automation-hub/backend/internal/apiclient"
	"automation-hub/backend/internal/pipeline"
	"automation-hub/backend/internal/scheduling"
	"automation-hub/backend/internal/services"
	"automation-hub/backend/pkg/models"
)

const (
	MeetingNotesName    = "meeting-notes"
	MeetingNotesVersion = "1"

	eventTranscriptionCompleted = "Transcription completed"
	eventFollowUpDue            = "Follow-up due"

	summaryInstructions = "Summarize this meeting transcript for a CRM note. " +
		"List decisions, action items with owners, and open questions. Be concise."
)

// MeetingNotesConfig is the per-tenant setup of the meeting notes flow.
type MeetingNotesConfig struct {
	MeetingService string `json:"meeting_service" validate:"required"`
	CRMService     string `json:"crm_service" validate:"required"`
	LLMService     string `json:"llm_service" validate:"required"`
	Model          string `json:"model"`
	TokenBudget    int    `json:"token_budget" validate:"gte=0"`
	NotifyURI      string `json:"notify_uri" validate:"omitempty,uri"`
	// FollowUpAfterMinutes schedules a reminder about the note; 0 disables it.
	FollowUpAfterMinutes int `json:"follow_up_after_minutes" validate:"gte=0"`
}

// newSummarizer builds the model client for one run.
var newSummarizer = func(api *apiclient.Manager, model string, budget int) services.Summarizer {
	return services.NewChatClient(api, model, budget)
}

// MeetingNotes turns a finished meeting transcript into a CRM note.
type MeetingNotes struct{}

type meeting struct {
	conf       *MeetingNotesConfig
	ID         string
	Title      string
	Transcript string
	Attendees  []string
	NoteID     string
}

type meetingNote struct {
	conf       *MeetingNotesConfig
	ExternalID string   `json:"external_id"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Attendees  []string `json:"attendees,omitempty"`
	existingID string
}

func (MeetingNotes) ContextFromWebhookData(raw []byte) (pipeline.Context, error) {
	if !gjson.ValidBytes(raw) {
		return nil, pipeline.InvalidWebhook("body is not valid JSON")
	}
	body := gjson.ParseBytes(raw)
	event := body.Get("eventType").String()
	if event != eventTranscriptionCompleted && event != eventFollowUpDue {
		return nil, pipeline.InvalidWebhook("unsupported eventType %q", event)
	}
	id := body.Get("meetingId")
	if id.Type != gjson.String || id.String() == "" {
		return nil, pipeline.InvalidWebhook("meetingId is required")
	}
	in := pipeline.Context{"meeting_id": id.String()}
	if event == eventFollowUpDue {
		in["follow_up"] = true
	}
	return in, nil
}

func (MeetingNotes) Extract(ctx context.Context, run *pipeline.Run[MeetingNotesConfig], in pipeline.Context) (any, error) {
	conf, err := run.ConfigurationOrDefault(ctx)
	if err != nil {
		return nil, err
	}
	m := &meeting{conf: conf, ID: in.String("meeting_id")}

	if followUp(in) {
		crm, err := run.API(ctx, conf.CRMService)
		if err != nil {
			return nil, err
		}
		existing, err := findNote(ctx, crm, externalID(m.ID))
		if err != nil {
			return nil, err
		}
		m.NoteID = existing.ID
		return m, nil
	}

	meetings, err := run.API(ctx, conf.MeetingService)
	if err != nil {
		return nil, err
	}
	resp, err := meetings.Do(ctx, http.MethodGet, "meetings/"+url.PathEscape(m.ID)+"/transcript", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch transcript: %w", err)
	}
	doc := gjson.ParseBytes(resp)
	m.Title = doc.Get("title").String()
	m.Transcript = doc.Get("transcript").String()
	if strings.TrimSpace(m.Transcript) == "" {
		return nil, fmt.Errorf("meeting %s has no transcript", m.ID)
	}
	for _, a := range doc.Get("participants.#.email").Array() {
		m.Attendees = append(m.Attendees, a.String())
	}
	return m, nil
}

func (MeetingNotes) Transform(ctx context.Context, run *pipeline.Run[MeetingNotesConfig], data any, in pipeline.Context) (any, error) {
	m := data.(*meeting)
	if followUp(in) {
		return &meetingNote{conf: m.conf, ExternalID: externalID(m.ID), existingID: m.NoteID}, nil
	}

	llm, err := run.API(ctx, m.conf.LLMService)
	if err != nil {
		return nil, err
	}
	summary, err := newSummarizer(llm, m.conf.Model, m.conf.TokenBudget).
		Summarize(ctx, summaryInstructions, m.Transcript)
	if err != nil {
		return nil, err
	}

	title := m.Title
	if title == "" {
		title = "Meeting " + m.ID
	}
	return &meetingNote{
		conf:       m.conf,
		ExternalID: externalID(m.ID),
		Title:      title,
		Body:       summary,
		Attendees:  m.Attendees,
	}, nil
}

func (MeetingNotes) Load(ctx context.Context, run *pipeline.Run[MeetingNotesConfig], data any, in pipeline.Context) (any, error) {
	note := data.(*meetingNote)
	conf := note.conf

	if followUp(in) {
		if note.existingID == "" {
			return pipeline.StopSchedule{Reason: "note no longer exists"}, nil
		}
		if conf.NotifyURI != "" {
			if err := run.Notify(ctx, conf.NotifyURI, "Meeting follow-up due",
				fmt.Sprintf("Follow up on CRM note %s (meeting %s).", note.existingID, in.String("meeting_id"))); err != nil {
				return nil, err
			}
		}
		return note.existingID, nil
	}

	crm, err := run.API(ctx, conf.CRMService)
	if err != nil {
		return nil, err
	}
	// Redelivered webhooks must not create a second note. A note that exists
	// but is not marked processed had a later step fail, so resume there.
	existing, err := findNote(ctx, crm, note.ExternalID)
	if err != nil {
		return nil, err
	}
	if existing.Processed {
		run.Logger.Info("note already exists", "note_id", existing.ID)
		return existing.ID, nil
	}

	id := existing.ID
	if id == "" {
		var created struct {
			ID string `json:"id"`
		}
		if err := crm.JSON(ctx, http.MethodPost, "notes", note, &created); err != nil {
			return nil, fmt.Errorf("create note: %w", err)
		}
		id = created.ID
	} else {
		run.Logger.Info("resuming unfinished note", "note_id", id)
	}

	if conf.NotifyURI != "" {
		if err := run.Notify(ctx, conf.NotifyURI, "Meeting notes ready: "+note.Title, note.Body); err != nil {
			return nil, err
		}
	}

	if conf.FollowUpAfterMinutes > 0 {
		if err := scheduleFollowUp(ctx, run, in.String("meeting_id"), conf.FollowUpAfterMinutes); err != nil {
			return nil, err
		}
	}
	if err := markNoteProcessed(ctx, crm, id); err != nil {
		return nil, err
	}
	return id, nil
}

func scheduleFollowUp(ctx context.Context, run *pipeline.Run[MeetingNotesConfig], meetingID string, after int) error {
	se := models.NewScheduledExecution(run.Tenant.ID, run.Activation.ID, scheduling.RerunJob)
	now := run.Now()
	if err := se.SetScheduledTime(now.Add(time.Duration(after)*time.Minute), now); err != nil {
		return err
	}
	payload, err := jsonObject(map[string]any{"eventType": eventFollowUpDue, "meetingId": meetingID})
	if err != nil {
		return err
	}
	se.Payload = payload
	return run.Schedule(ctx, se)
}

func followUp(in pipeline.Context) bool {
	v, _ := in["follow_up"].(bool)
	return v
}

func externalID(meetingID string) string {
	return "meeting:" + meetingID
}
