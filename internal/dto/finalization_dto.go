package dto

import (
	"clinical-finalize-be/pkg/ehr"
	"clinical-finalize-be/pkg/store"
)

type OpenSessionRequest struct {
	EncounterId     string                  `json:"encounter_id" validate:"required"`
	NoteId          string                  `json:"note_id"`
	NoteContent     string                  `json:"note_content"`
	PatientMetadata map[string]interface{}  `json:"patient_metadata"`
	Transcript      []store.TranscriptEntry `json:"transcript"`
	CallerOverrides []store.StepState       `json:"caller_overrides"`
	PriorSessionId  string                  `json:"prior_session_id"`
}

type OpenSessionResponse struct {
	SessionId   string            `json:"session_id"`
	EncounterId string            `json:"encounter_id"`
	CurrentStep int               `json:"current_step"`
	StepStates  []store.StepState `json:"step_states,omitempty"`
}

// ValidationRequest is the facade shape of a finalize request: content, the
// four code buckets, and compliance ids.
type ValidationRequest struct {
	Content       string   `json:"content" validate:"required"`
	Codes         []string `json:"codes"`
	Prevention    []string `json:"prevention"`
	Diagnoses     []string `json:"diagnoses"`
	Differentials []string `json:"differentials"`
	ComplianceIds []string `json:"compliance_ids"`
}

// ToFinalizeRequest maps the facade shape onto the backend wire shape.
func (r ValidationRequest) ToFinalizeRequest() ehr.FinalizeRequest {
	return ehr.FinalizeRequest{
		Content:       r.Content,
		Codes:         r.Codes,
		Prevention:    r.Prevention,
		Diagnoses:     r.Diagnoses,
		Differentials: r.Differentials,
		ComplianceIds: r.ComplianceIds,
	}
}

type ValidationResponse struct {
	StepOverrides  []store.StepState `json:"step_overrides"`
	BlockingIssues []string          `json:"blocking_issues"`
	CanFinalize    bool              `json:"can_finalize"`
	FirstOpenStep  int               `json:"first_open_step"`
}

type ComposeTriggerRequest struct {
	Force bool `json:"force"`
}

type ComposeTriggerResponse struct {
	Started bool              `json:"started"`
	Job     *store.ComposeJob `json:"job,omitempty"`
	Error   string            `json:"error,omitempty"`
}

type DispatchForm struct {
	Destination string `json:"destination"`
	Comment     string `json:"comment"`
	Timestamp   string `json:"timestamp"`
}

type FinalizeAndDispatchRequest struct {
	Request  ValidationRequest `json:"request" validate:"required"`
	Dispatch DispatchForm      `json:"dispatch"`
}

type FinalizeResponse struct {
	FinalizedNoteId string                 `json:"finalized_note_id,omitempty"`
	Result          map[string]interface{} `json:"result,omitempty"`
	Dispatch        map[string]interface{} `json:"dispatch,omitempty"`
}

type AttestationFormRequest struct {
	AttesterName string `json:"attester_name" validate:"required"`
	Statement    string `json:"statement" validate:"required"`
}

type StepChangeRequest struct {
	StepId int `json:"step_id" validate:"required,min=1,max=6"`
}

type CloseSessionRequest struct {
	Result map[string]interface{} `json:"result"`
}

type SuggestionsResponse struct {
	Suggested []store.CodeItem `json:"suggested"`
	Selected  []store.CodeItem `json:"selected"`
}
