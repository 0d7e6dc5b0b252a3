package store

import "time"

// Step ids for the six fixed stages of the finalization wizard.
const (
	StepCodeVerification  = 1
	StepSuggestionReview  = 2
	StepContentReview     = 3
	StepDocumentation     = 4
	StepComplianceChecks  = 5
	StepDispatchReadiness = 6
	StepCount             = 6
)

// Step status vocabulary used everywhere client-side. The backend session
// endpoint speaks a different one ("in_progress", "not_started"); translation
// happens in pkg/finalize/steps.
const (
	StatusPending    = "pending"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusBlocked    = "blocked"
)

// Code classification tags used to bucket codes for the finalize request.
const (
	CodeCategoryCode         = "code"
	CodeCategoryPrevention   = "prevention"
	CodeCategoryDiagnosis    = "diagnosis"
	CodeCategoryDifferential = "differential"
)

// StepState is the per-step view the wizard renders. Progress is a pointer so
// "no progress known" and "0%" stay distinguishable through merges.
type StepState struct {
	Id          int    `json:"id"`
	Status      string `json:"status,omitempty"`
	Progress    *int   `json:"progress,omitempty"`
	Description string `json:"description,omitempty"`
}

// CodeItem is the canonical, de-duplicated representation of a suggested or
// selected billing code.
type CodeItem struct {
	Code          string  `json:"code"`
	Description   string  `json:"description,omitempty"`
	Category      string  `json:"category"` // code|prevention|diagnosis|differential
	Confidence    float64 `json:"confidence,omitempty"`
	RVU           float64 `json:"rvu,omitempty"`
	Reimbursement float64 `json:"reimbursement,omitempty"`
}

// ComplianceItem is a canonical compliance finding.
type ComplianceItem struct {
	Id          string `json:"id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Dismissed   bool   `json:"dismissed,omitempty"`
}

// TranscriptEntry is one utterance from the transcript source.
type TranscriptEntry struct {
	Id         string   `json:"id"`
	Text       string   `json:"text"`
	Speaker    string   `json:"speaker,omitempty"`
	Timestamp  string   `json:"timestamp,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// ValidationRecord is a named sub-result inside a pre-finalize validation
// payload. Passed is tri-state: nil means the backend did not say.
type ValidationRecord struct {
	Passed         *bool    `json:"passed,omitempty"`
	Issues         []string `json:"issues,omitempty"`
	Conflicts      []string `json:"conflicts,omitempty"`
	Missing        []string `json:"missing,omitempty"`
	Requirements   []string `json:"requirements,omitempty"`
	CriticalIssues []string `json:"critical_issues,omitempty"`
	Confidence     *float64 `json:"confidence,omitempty"`
}

// Messages flattens every free-form issue list on the record, in declaration
// order.
func (r ValidationRecord) Messages() []string {
	var out []string
	out = append(out, r.Issues...)
	out = append(out, r.Conflicts...)
	out = append(out, r.Missing...)
	out = append(out, r.Requirements...)
	out = append(out, r.CriticalIssues...)
	return out
}

// Compose job statuses. Transitions are monotone toward a terminal value.
const (
	ComposeStatusQueued     = "queued"
	ComposeStatusProcessing = "processing"
	ComposeStatusCompleted  = "completed"
	ComposeStatusFailed     = "failed"
	ComposeStatusBlocked    = "blocked"
	ComposeStatusCancelled  = "cancelled"
)

// ComposeJob tracks the asynchronous backend task assembling the final note
// artifact.
type ComposeJob struct {
	ComposeId  string                 `json:"compose_id"`
	Status     string                 `json:"status"`
	Stage      string                 `json:"stage,omitempty"`
	Progress   *int                   `json:"progress,omitempty"`
	Steps      []string               `json:"steps,omitempty"`
	Result     map[string]interface{} `json:"result,omitempty"`
	Validation map[string]interface{} `json:"validation,omitempty"`
	Message    string                 `json:"message,omitempty"`
}

// Terminal reports whether the job has reached a status polling must stop on.
func (j *ComposeJob) Terminal() bool {
	if j == nil {
		return false
	}
	switch j.Status {
	case ComposeStatusCompleted, ComposeStatusFailed, ComposeStatusBlocked, ComposeStatusCancelled:
		return true
	}
	return false
}

// ReimbursementSummary is the latest reimbursement estimate for the session.
type ReimbursementSummary struct {
	EstimatedTotal float64 `json:"estimated_total"`
	Currency       string  `json:"currency,omitempty"`
	Payer          string  `json:"payer,omitempty"`
}

// WorkflowSession is the server-affiliated aggregate for one finalization
// attempt. Owned in memory by the orchestrator for the lifetime of the open
// wizard; never deleted client-side, only superseded by newer snapshots.
type WorkflowSession struct {
	SessionId            string                 `json:"session_id"`
	EncounterId          string                 `json:"encounter_id,omitempty"`
	NoteId               string                 `json:"note_id,omitempty"`
	NoteContent          string                 `json:"note_content,omitempty"`
	PatientMetadata      map[string]interface{} `json:"patient_metadata,omitempty"`
	SelectedCodes        []CodeItem             `json:"selected_codes,omitempty"`
	ComplianceIssues     []ComplianceItem       `json:"compliance_issues,omitempty"`
	ReimbursementSummary *ReimbursementSummary  `json:"reimbursement_summary,omitempty"`
	StepStates           []StepState            `json:"step_states,omitempty"`
	BlockingIssues       []string               `json:"blocking_issues,omitempty"`
	CurrentStep          int                    `json:"current_step,omitempty"`
	LastValidation       map[string]interface{} `json:"last_validation,omitempty"`
	LastFinalizeResult   map[string]interface{} `json:"last_finalize_result,omitempty"`
	ComposeJob           *ComposeJob            `json:"compose_job,omitempty"`
	Dispatch             map[string]interface{} `json:"dispatch,omitempty"`
	Attestation          map[string]interface{} `json:"attestation,omitempty"`
}

// StoredFinalizationSession is the persisted snapshot keyed by session id.
// It survives wizard close/reopen and is the source of truth for rehydration.
type StoredFinalizationSession struct {
	SessionId          string                 `json:"session_id"`
	Session            *WorkflowSession       `json:"session,omitempty"`
	LastPreFinalize    map[string]interface{} `json:"last_pre_finalize,omitempty"`
	LastFinalizeResult map[string]interface{} `json:"last_finalize_result,omitempty"`
	Transcript         []TranscriptEntry      `json:"transcript,omitempty"`
	UpdatedAt          time.Time              `json:"updated_at"`
}
