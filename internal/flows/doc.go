// Package flows holds the concrete pipelines. Importing it registers them:
//
//	import _ "automation-hub/backend/internal/flows"
package flows

import "automation-hub/backend/internal/pipeline"

func init() {
	pipeline.Register(MeetingNotesName, MeetingNotesVersion, pipeline.Bind[MeetingNotesConfig](&MeetingNotes{}))
	pipeline.Register(LeadFollowUpName, LeadFollowUpVersion, pipeline.Bind[LeadFollowUpConfig](&LeadFollowUp{}))
}
