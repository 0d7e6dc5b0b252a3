// Package attest assembles the clinician sign-off payload from aggregated
// state, submits it, and folds the response back into the session.
package attest

import (
	"context"
	"fmt"

	"clinical-finalize-be/internal/pkg/logger"
	"clinical-finalize-be/pkg/ehr"
	"clinical-finalize-be/pkg/finalize/normalize"
	"clinical-finalize-be/pkg/finalize/session"
	"clinical-finalize-be/pkg/store"

	"github.com/go-playground/validator/v10"
)

// Form is the clinician-entered part of the attestation. Both fields are
// required locally before any network call.
type Form struct {
	AttesterName string `json:"attester_name" validate:"required"`
	Statement    string `json:"statement" validate:"required"`
}

// State is the aggregated validation state the payload derives from; the
// workflow facade supplies it from the latest pre-check.
type State struct {
	Checks         map[string]store.ValidationRecord
	BlockingIssues []string
	RawValidation  map[string]interface{}
}

// Recap summarizes a successful submission back to the caller.
type Recap struct {
	Attestation            map[string]interface{} `json:"attestation,omitempty"`
	ReimbursementSummary   map[string]interface{} `json:"reimbursement_summary,omitempty"`
	CanFinalize            *bool                  `json:"can_finalize,omitempty"`
	EstimatedReimbursement float64                `json:"estimated_reimbursement,omitempty"`
}

// Backend is the slice of the ehr client the submitter calls.
type Backend interface {
	SubmitAttestation(ctx context.Context, sessionId string, req ehr.AttestationRequest) (map[string]interface{}, error)
}

type Submitter struct {
	backend    Backend
	reconciler *session.Reconciler
	validate   *validator.Validate
	logger     logger.ILogger
}

func NewSubmitter(backend Backend, reconciler *session.Reconciler, log logger.ILogger) *Submitter {
	return &Submitter{
		backend:    backend,
		reconciler: reconciler,
		validate:   validator.New(),
		logger:     log,
	}
}

// checkPassed reads the tri-state pass flag of one named check.
func checkPassed(checks map[string]store.ValidationRecord, name string) bool {
	rec, ok := checks[name]
	return ok && rec.Passed != nil && *rec.Passed
}

// BuildRequest assembles the structured submission from the aggregated state
// and session data. Pure; exposed for tests.
func BuildRequest(form Form, state State, sess *store.WorkflowSession) ehr.AttestationRequest {
	req := ehr.AttestationRequest{
		AttesterName: form.AttesterName,
		Statement:    form.Statement,
		BillingValidation: map[string]bool{
			"codesVerified":     checkPassed(state.Checks, "codeVerification"),
			"contentReviewed":   checkPassed(state.Checks, "contentReview"),
			"complianceChecked": checkPassed(state.Checks, "complianceChecks"),
		},
	}

	// Estimated reimbursement: session summary first, latest validation
	// result as fallback.
	if sess != nil && sess.ReimbursementSummary != nil {
		req.EstimatedReimbursement = sess.ReimbursementSummary.EstimatedTotal
	} else if f, ok := normalize.Float(state.RawValidation["estimatedReimbursement"]); ok {
		req.EstimatedReimbursement = f
	}

	// Payer requirements: union of current blocking issues and flattened
	// validation issues.
	seen := make(map[string]bool)
	add := func(items []string) {
		for _, item := range items {
			if item != "" && !seen[item] {
				seen[item] = true
				req.PayerRequirements = append(req.PayerRequirements, item)
			}
		}
	}
	add(state.BlockingIssues)
	for _, rec := range state.Checks {
		add(rec.Messages())
	}

	// Compliance checks translated from the session's findings.
	if sess != nil {
		for _, issue := range sess.ComplianceIssues {
			req.ComplianceChecks = append(req.ComplianceChecks, map[string]interface{}{
				"id":        issue.Id,
				"title":     issue.Title,
				"severity":  issue.Severity,
				"dismissed": issue.Dismissed,
			})
		}
	}

	// Billing summary: bucket selected codes into procedures vs diagnoses.
	var procedures, diagnoses []string
	if sess != nil {
		for _, code := range sess.SelectedCodes {
			switch code.Category {
			case store.CodeCategoryDiagnosis, store.CodeCategoryDifferential:
				diagnoses = append(diagnoses, code.Code)
			default:
				procedures = append(procedures, code.Code)
			}
		}
	}
	req.BillingSummary = map[string]interface{}{
		"procedures": procedures,
		"diagnoses":  diagnoses,
	}

	return req
}

// Submit validates the form locally, posts the attestation, and merges the
// returned session fragment. A failed call leaves session state exactly as it
// was.
func (s *Submitter) Submit(ctx context.Context, form Form, state State) (*Recap, error) {
	if err := s.validate.Struct(form); err != nil {
		return nil, fmt.Errorf("attestation form invalid: %w", err)
	}

	sess := s.reconciler.Snapshot()
	if sess == nil || sess.SessionId == "" {
		return nil, fmt.Errorf("attestation requires an initialized workflow session")
	}

	req := BuildRequest(form, state, sess)

	raw, err := s.backend.SubmitAttestation(ctx, sess.SessionId, req)
	if err != nil {
		return nil, fmt.Errorf("submit attestation: %w", err)
	}

	recap := &Recap{EstimatedReimbursement: req.EstimatedReimbursement}
	if m, ok := raw["attestation"].(map[string]interface{}); ok {
		recap.Attestation = m
	} else {
		recap.Attestation = raw
	}

	s.reconciler.Update(func(sess *store.WorkflowSession) {
		if m, ok := raw["reimbursementSummary"].(map[string]interface{}); ok {
			recap.ReimbursementSummary = m
			if f, ok := normalize.Float(m["estimatedTotal"]); ok {
				sess.ReimbursementSummary = &store.ReimbursementSummary{
					EstimatedTotal: f,
					Currency:       normalize.String(m["currency"]),
					Payer:          normalize.String(m["payer"]),
				}
			}
		}

		// The response may carry an updated canFinalize flag nested inside
		// the session's last validation.
		if cf := normalize.Bool(raw["canFinalize"]); cf != nil {
			recap.CanFinalize = cf
			if sess.LastValidation == nil {
				sess.LastValidation = make(map[string]interface{})
			}
			sess.LastValidation["canFinalize"] = *cf
		}
	})

	s.reconciler.Persist(nil, session.Extras{Attestation: recap.Attestation})

	if s.logger != nil {
		s.logger.Info("AttestationSubmitter", "Attestation submitted", map[string]interface{}{
			"session_id": sess.SessionId,
			"attester":   form.AttesterName,
		})
	}
	return recap, nil
}
