// Package ehr is the typed client for the clinical backend REST API. Response
// shapes are deliberately tolerant upstream, so most calls return loosely
// typed maps and let pkg/finalize/normalize coerce them.
package ehr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"clinical-finalize-be/pkg/finalize/compose"
	"clinical-finalize-be/pkg/finalize/normalize"
	"clinical-finalize-be/pkg/store"
)

type Client struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// Ensure Client satisfies the compose orchestrator's transport contract.
var _ compose.Client = &Client{}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client: &http.Client{
			Timeout: timeout,
		},
	}
}

// --- Request structs (wire format is the backend's camelCase) ---

type InitSessionRequest struct {
	EncounterId     string                 `json:"encounterId"`
	NoteId          string                 `json:"noteId,omitempty"`
	NoteContent     string                 `json:"noteContent,omitempty"`
	PatientMetadata map[string]interface{} `json:"patientMetadata,omitempty"`
}

type SuggestCodesRequest struct {
	Content         string                  `json:"content"`
	PatientMetadata map[string]interface{}  `json:"patientMetadata,omitempty"`
	Transcript      []store.TranscriptEntry `json:"transcript,omitempty"`
}

// FinalizeRequest carries the note content, the four code buckets, and the
// compliance ids. Used by both the pre-check and the finalize endpoint.
type FinalizeRequest struct {
	Content       string   `json:"content"`
	Codes         []string `json:"codes"`
	Prevention    []string `json:"prevention"`
	Diagnoses     []string `json:"diagnoses"`
	Differentials []string `json:"differentials"`
	ComplianceIds []string `json:"complianceIds"`
}

type DispatchRequest struct {
	SessionId   string `json:"sessionId"`
	EncounterId string `json:"encounterId,omitempty"`
	Timestamp   string `json:"timestamp"`
	Destination string `json:"destination,omitempty"`
	Comment     string `json:"comment,omitempty"`
}

type AttestationRequest struct {
	AttesterName           string                   `json:"attesterName"`
	Statement              string                   `json:"attestationStatement"`
	BillingValidation      map[string]bool          `json:"billingValidation"`
	EstimatedReimbursement float64                  `json:"estimatedReimbursement"`
	PayerRequirements      []string                 `json:"payerRequirements"`
	ComplianceChecks       []map[string]interface{} `json:"complianceChecks"`
	BillingSummary         map[string]interface{}   `json:"billingSummary"`
}

// --- Endpoints ---

func (c *Client) InitWorkflowSession(ctx context.Context, req InitSessionRequest) (map[string]interface{}, error) {
	return c.postJSON(ctx, "/workflow-session-init", req)
}

func (c *Client) SuggestCodes(ctx context.Context, req SuggestCodesRequest) (map[string]interface{}, error) {
	return c.postJSON(ctx, "/codes-suggest", req)
}

func (c *Client) PreFinalizeCheck(ctx context.Context, req FinalizeRequest) (map[string]interface{}, error) {
	return c.postJSON(ctx, "/pre-finalize-check", req)
}

func (c *Client) FinalizeNote(ctx context.Context, req FinalizeRequest) (map[string]interface{}, error) {
	return c.postJSON(ctx, "/notes-finalize", req)
}

func (c *Client) DispatchNote(ctx context.Context, sessionId string, req DispatchRequest) (map[string]interface{}, error) {
	path := fmt.Sprintf("/workflow/%s/dispatch", url.PathEscape(sessionId))
	return c.postJSON(ctx, path, req)
}

func (c *Client) SubmitAttestation(ctx context.Context, sessionId string, req AttestationRequest) (map[string]interface{}, error) {
	path := fmt.Sprintf("/workflow/%s/attest", url.PathEscape(sessionId))
	return c.postJSON(ctx, path, req)
}

func (c *Client) StartCompose(ctx context.Context, in compose.Input) (*store.ComposeJob, error) {
	raw, err := c.postJSON(ctx, "/compose/start", in)
	if err != nil {
		return nil, err
	}
	job := ParseComposeJob(raw)
	if job.ComposeId == "" {
		return nil, fmt.Errorf("compose start: response missing composeId")
	}
	return job, nil
}

func (c *Client) ComposeStatus(ctx context.Context, composeId string) (*store.ComposeJob, error) {
	raw, err := c.getJSON(ctx, "/compose/"+url.PathEscape(composeId))
	if err != nil {
		return nil, err
	}
	job := ParseComposeJob(raw)
	if job.ComposeId == "" {
		job.ComposeId = composeId
	}
	return job, nil
}

// ParseComposeJob coerces a raw compose response into the canonical job.
// composeId may arrive as a number, progress as a string, and so on.
func ParseComposeJob(raw map[string]interface{}) *store.ComposeJob {
	job := &store.ComposeJob{
		ComposeId: normalize.String(raw["composeId"]),
		Status:    normalize.String(raw["status"]),
		Stage:     normalize.String(raw["stage"]),
		Message:   normalize.String(raw["message"]),
		Steps:     normalize.StringList(raw["steps"]),
	}
	if f, ok := normalize.Float(raw["progress"]); ok {
		p := int(f)
		job.Progress = &p
	}
	if m, ok := raw["result"].(map[string]interface{}); ok {
		job.Result = m
	}
	if m, ok := raw["validation"].(map[string]interface{}); ok {
		job.Validation = m
	}
	return job
}

// --- Transport ---

func (c *Client) postJSON(ctx context.Context, path string, payload interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) getJSON(ctx context.Context, path string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (map[string]interface{}, error) {
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("backend error: status %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	var out map[string]interface{}
	if len(bodyBytes) == 0 {
		return map[string]interface{}{}, nil
	}
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return out, nil
}
