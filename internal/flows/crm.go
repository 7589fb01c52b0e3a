package flows

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"

	"automation-hub/backend/internal/apiclient"
)

// crmNote is the part of a CRM note the flows read back.
type crmNote struct {
	ID string
	// Processed is set once every follow-through step for the note is done.
	Processed bool
}

// findNote returns the CRM note keyed by externalID. ID is empty when there
// is none.
func findNote(ctx context.Context, crm *apiclient.Manager, externalID string) (crmNote, error) {
	resp, err := crm.Do(ctx, http.MethodGet, "notes?external_id="+url.QueryEscape(externalID), nil)
	if err != nil {
		return crmNote{}, fmt.Errorf("look up note: %w", err)
	}
	doc := gjson.GetBytes(resp, "data.0")
	return crmNote{ID: doc.Get("id").String(), Processed: doc.Get("processed").Bool()}, nil
}

// markNoteProcessed records on the note that its follow-through is done.
func markNoteProcessed(ctx context.Context, crm *apiclient.Manager, id string) error {
	if err := crm.JSON(ctx, http.MethodPatch, "notes/"+url.PathEscape(id), map[string]bool{"processed": true}, nil); err != nil {
		return fmt.Errorf("mark note %s processed: %w", id, err)
	}
	return nil
}

// leadStatus returns the CRM status of a lead and its owner.
func leadStatus(ctx context.Context, crm *apiclient.Manager, leadID string) (status, owner string, err error) {
	resp, err := crm.Do(ctx, http.MethodGet, "leads/"+url.PathEscape(leadID), nil)
	if err != nil {
		return "", "", fmt.Errorf("fetch lead %s: %w", leadID, err)
	}
	doc := gjson.ParseBytes(resp)
	return doc.Get("status").String(), doc.Get("owner").String(), nil
}

func jsonObject(v map[string]any) (json.RawMessage, error) {
	return json.Marshal(v)
}
