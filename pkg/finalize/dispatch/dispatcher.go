// Package dispatch sequences the strict pre-check -> finalize -> dispatch
// pipeline. Each stage gates the next; the first failure stops the pipeline
// and propagates unchanged.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"clinical-finalize-be/internal/pkg/logger"
	"clinical-finalize-be/pkg/ehr"
	"clinical-finalize-be/pkg/finalize/normalize"
	"clinical-finalize-be/pkg/finalize/session"
	"clinical-finalize-be/pkg/finalize/validation"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrBlocked signals a validation-blocking state: the note cannot be
	// finalized yet. Not a transport failure.
	ErrBlocked = errors.New("note is blocked from finalization")

	// ErrSuperseded marks a pre-check response that arrived after a newer
	// fingerprint was already in flight. Callers discard it silently.
	ErrSuperseded = errors.New("pre-check result superseded by newer input")

	// ErrNotFinalized guards dispatch: finalize must have produced a result.
	ErrNotFinalized = errors.New("dispatch requires a finalized note")

	// ErrNoSession guards dispatch: a reconciled session id must be known.
	ErrNoSession = errors.New("dispatch requires a known session id")
)

// Backend is the slice of the ehr client the pipeline calls.
type Backend interface {
	PreFinalizeCheck(ctx context.Context, req ehr.FinalizeRequest) (map[string]interface{}, error)
	FinalizeNote(ctx context.Context, req ehr.FinalizeRequest) (map[string]interface{}, error)
	DispatchNote(ctx context.Context, sessionId string, req ehr.DispatchRequest) (map[string]interface{}, error)
}

// Precheck is the cached outcome of the latest pre-finalize validation.
type Precheck struct {
	Input  validation.Input
	Result validation.Result
	Raw    map[string]interface{}
}

// pendingCheck tracks one in-flight pre-check so duplicate callers with the
// same fingerprint wait for its result instead of issuing a second request.
type pendingCheck struct {
	fp   uint64
	done chan struct{}
	pc   *Precheck
	err  error
}

// Outcome is what FinalizeAndDispatch hands back to the caller.
type Outcome struct {
	FinalizedNoteId string
	Result          map[string]interface{}
	Dispatch        map[string]interface{}
}

type Dispatcher struct {
	backend    Backend
	reconciler *session.Reconciler
	logger     logger.ILogger
	now        func() time.Time

	mu          sync.Mutex
	lastFP      uint64
	hasFP       bool
	lastRequest ehr.FinalizeRequest
	pending     *pendingCheck
	precheck    *Precheck
	finalized   *Outcome
}

func NewDispatcher(backend Backend, reconciler *session.Reconciler, log logger.ILogger) *Dispatcher {
	return &Dispatcher{
		backend:    backend,
		reconciler: reconciler,
		logger:     log,
		now:        time.Now,
	}
}

// requestFingerprint keys pre-check de-duplication on content, code buckets
// and compliance ids. JSON struct marshalling fixes the field order.
func requestFingerprint(req ehr.FinalizeRequest) uint64 {
	b, err := json.Marshal(req)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(b)
}

// PreCheck submits the normalized finalize request to the validation
// endpoint. An unchanged fingerprint is a no-op returning the cached result;
// a duplicate arriving while the same fingerprint is still in flight waits
// for that result instead of issuing a second request; a stale response
// (newer fingerprint triggered meanwhile) is discarded with ErrSuperseded.
func (d *Dispatcher) PreCheck(ctx context.Context, req ehr.FinalizeRequest) (*Precheck, error) {
	fp := requestFingerprint(req)

	d.mu.Lock()
	if d.hasFP && d.lastFP == fp && d.precheck != nil {
		cached := d.precheck
		d.mu.Unlock()
		return cached, nil
	}
	if p := d.pending; p != nil && p.fp == fp {
		d.mu.Unlock()
		select {
		case <-p.done:
			return p.pc, p.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p := &pendingCheck{fp: fp, done: make(chan struct{})}
	d.pending = p
	d.lastFP = fp
	d.hasFP = true
	d.lastRequest = req
	d.mu.Unlock()

	raw, err := d.backend.PreFinalizeCheck(ctx, req)

	d.mu.Lock()
	if d.pending == p {
		d.pending = nil
	}
	if err != nil {
		d.mu.Unlock()
		p.err = fmt.Errorf("pre-finalize check: %w", err)
		close(p.done)
		return nil, p.err
	}
	if d.lastFP != fp {
		d.mu.Unlock()
		p.err = ErrSuperseded
		close(p.done)
		return nil, ErrSuperseded
	}
	in := validation.ParsePayload(raw)
	pc := &Precheck{Input: in, Result: validation.Aggregate(in), Raw: raw}
	d.precheck = pc
	d.mu.Unlock()

	p.pc = pc
	close(p.done)

	d.reconciler.Persist(nil, session.Extras{LastPreFinalize: raw})

	if d.logger != nil {
		d.logger.Info("FinalizeDispatcher", "Pre-check completed", map[string]interface{}{
			"can_finalize":    pc.Result.CanFinalize,
			"blocking_issues": len(pc.Result.BlockingIssues),
		})
	}
	return pc, nil
}

// LastPrecheck returns the cached pre-check outcome, nil before the first
// successful call.
func (d *Dispatcher) LastPrecheck() *Precheck {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.precheck
}

// mergeRequest falls back to the last known request field-by-field when the
// caller-supplied override leaves a field empty.
func mergeRequest(base, override ehr.FinalizeRequest) ehr.FinalizeRequest {
	out := base
	if strings.TrimSpace(override.Content) != "" {
		out.Content = override.Content
	}
	if len(override.Codes) > 0 {
		out.Codes = override.Codes
	}
	if len(override.Prevention) > 0 {
		out.Prevention = override.Prevention
	}
	if len(override.Diagnoses) > 0 {
		out.Diagnoses = override.Diagnoses
	}
	if len(override.Differentials) > 0 {
		out.Differentials = override.Differentials
	}
	if len(override.ComplianceIds) > 0 {
		out.ComplianceIds = override.ComplianceIds
	}
	return out
}

// Finalize submits the note. Only reachable by explicit caller action and not
// idempotent; the caller gates re-invocation. A pre-check reporting
// canFinalize=false blocks this stage with ErrBlocked.
func (d *Dispatcher) Finalize(ctx context.Context, override ehr.FinalizeRequest) (*Outcome, error) {
	d.mu.Lock()
	pc := d.precheck
	req := mergeRequest(d.lastRequest, override)
	d.mu.Unlock()

	if pc != nil && !pc.Result.CanFinalize {
		return nil, fmt.Errorf("%w: %s", ErrBlocked, strings.Join(pc.Result.BlockingIssues, "; "))
	}

	raw, err := d.backend.FinalizeNote(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("finalize note: %w", err)
	}

	noteId := normalize.String(raw["finalizedNoteId"])
	if noteId == "" {
		if result, ok := raw["result"].(map[string]interface{}); ok {
			noteId = normalize.String(result["finalizedNoteId"])
		}
	}

	out := &Outcome{FinalizedNoteId: noteId, Result: raw}

	d.mu.Lock()
	d.finalized = out
	d.mu.Unlock()

	d.reconciler.Persist(nil, session.Extras{LastFinalizeResult: raw})

	if d.logger != nil {
		d.logger.Info("FinalizeDispatcher", "Note finalized", map[string]interface{}{
			"finalized_note_id": noteId,
		})
	}
	return out, nil
}

// Dispatch sends the finalized note out. Requires a prior finalize result and
// a reconciled session id; sessionId, encounterId and timestamp default when
// the caller omits them.
func (d *Dispatcher) Dispatch(ctx context.Context, form ehr.DispatchRequest) (map[string]interface{}, error) {
	d.mu.Lock()
	finalized := d.finalized
	d.mu.Unlock()

	if finalized == nil || finalized.FinalizedNoteId == "" {
		return nil, ErrNotFinalized
	}

	current := d.reconciler.Snapshot()
	if form.SessionId == "" && current != nil {
		form.SessionId = current.SessionId
	}
	if form.SessionId == "" {
		return nil, ErrNoSession
	}
	if form.EncounterId == "" && current != nil {
		form.EncounterId = current.EncounterId
	}
	if form.Timestamp == "" {
		form.Timestamp = d.now().UTC().Format(time.RFC3339)
	}

	raw, err := d.backend.DispatchNote(ctx, form.SessionId, form)
	if err != nil {
		return nil, fmt.Errorf("dispatch note: %w", err)
	}

	d.reconciler.Persist(nil, session.Extras{Dispatch: raw})

	if d.logger != nil {
		d.logger.Info("FinalizeDispatcher", "Note dispatched", map[string]interface{}{
			"session_id": form.SessionId,
		})
	}
	return raw, nil
}

// FinalizeAndDispatch runs the whole pipeline. On failure at any stage no
// later stage runs and the original error propagates unchanged.
func (d *Dispatcher) FinalizeAndDispatch(ctx context.Context, req ehr.FinalizeRequest, form ehr.DispatchRequest) (*Outcome, error) {
	pc, err := d.PreCheck(ctx, req)
	if err != nil {
		return nil, err
	}
	if !pc.Result.CanFinalize {
		return nil, fmt.Errorf("%w: %s", ErrBlocked, strings.Join(pc.Result.BlockingIssues, "; "))
	}

	out, err := d.Finalize(ctx, req)
	if err != nil {
		return nil, err
	}

	dispatched, err := d.Dispatch(ctx, form)
	if err != nil {
		return nil, err
	}
	out.Dispatch = dispatched
	return out, nil
}

// LastOutcome returns the latest finalize outcome, nil before finalize.
func (d *Dispatcher) LastOutcome() *Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finalized
}
