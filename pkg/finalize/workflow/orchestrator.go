// Package workflow is the finalization orchestrator facade: it owns the
// in-memory workflow session, wires the aggregator, merger, compose
// orchestrator, dispatcher and attestation submitter together, and exposes
// the callback API the presentation layer consumes.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"clinical-finalize-be/internal/pkg/logger"
	"clinical-finalize-be/pkg/ehr"
	"clinical-finalize-be/pkg/events"
	"clinical-finalize-be/pkg/finalize/attest"
	"clinical-finalize-be/pkg/finalize/compose"
	"clinical-finalize-be/pkg/finalize/dispatch"
	"clinical-finalize-be/pkg/finalize/normalize"
	"clinical-finalize-be/pkg/finalize/session"
	"clinical-finalize-be/pkg/finalize/steps"
	"clinical-finalize-be/pkg/finalize/validation"
	"clinical-finalize-be/pkg/store"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// TopicSessionUpdated carries StateView snapshots on the in-process bus; the
// websocket hub forwards them to wizard clients.
const TopicSessionUpdated = "finalization.session.updated"

// Backend is the full backend surface the orchestrator consumes. *ehr.Client
// satisfies it; tests substitute a mock.
type Backend interface {
	InitWorkflowSession(ctx context.Context, req ehr.InitSessionRequest) (map[string]interface{}, error)
	SuggestCodes(ctx context.Context, req ehr.SuggestCodesRequest) (map[string]interface{}, error)
	PreFinalizeCheck(ctx context.Context, req ehr.FinalizeRequest) (map[string]interface{}, error)
	FinalizeNote(ctx context.Context, req ehr.FinalizeRequest) (map[string]interface{}, error)
	DispatchNote(ctx context.Context, sessionId string, req ehr.DispatchRequest) (map[string]interface{}, error)
	SubmitAttestation(ctx context.Context, sessionId string, req ehr.AttestationRequest) (map[string]interface{}, error)
	StartCompose(ctx context.Context, in compose.Input) (*store.ComposeJob, error)
	ComposeStatus(ctx context.Context, composeId string) (*store.ComposeJob, error)
}

// EventSink publishes domain events; pkg/nats.Publisher implements it. Nil
// disables event publishing.
type EventSink interface {
	Publish(ctx context.Context, event events.Event) error
}

// OpenRequest carries everything known at wizard-open time.
type OpenRequest struct {
	EncounterId     string
	NoteId          string
	NoteContent     string
	PatientMetadata map[string]interface{}
	Transcript      []store.TranscriptEntry
	CallerOverrides []store.StepState
	InitialSnapshot *store.StoredFinalizationSession
	PriorSessionId  string
}

// StateView is the read-only derived state the presentation layer renders.
type StateView struct {
	SessionId      string            `json:"session_id"`
	StepOverrides  []store.StepState `json:"step_overrides"`
	BlockingIssues []string          `json:"blocking_issues"`
	CanFinalize    bool              `json:"can_finalize"`
	FirstOpenStep  int               `json:"first_open_step"`
	CurrentStep    int               `json:"current_step"`
	ComposeJob     *store.ComposeJob `json:"compose_job,omitempty"`
	ComposeError   string            `json:"compose_error,omitempty"`
}

// Orchestrator drives one open finalization wizard.
type Orchestrator struct {
	backend    Backend
	reconciler *session.Reconciler
	composer   *compose.Orchestrator
	dispatcher *dispatch.Dispatcher
	attester   *attest.Submitter
	bus        message.Publisher
	sink       EventSink
	logger     logger.ILogger

	mu              sync.Mutex
	callerOverrides []store.StepState
	transcript      []store.TranscriptEntry
	closed          bool
}

// Options tune construction; zero values fall back to defaults.
type Options struct {
	PollInterval time.Duration
	Clock        compose.Clock
	Bus          message.Publisher
	Sink         EventSink
}

func NewOrchestrator(backend Backend, st session.Store, log logger.ILogger, opts Options) *Orchestrator {
	reconciler := session.NewReconciler(st, log)

	o := &Orchestrator{
		backend:    backend,
		reconciler: reconciler,
		dispatcher: dispatch.NewDispatcher(backend, reconciler, log),
		attester:   attest.NewSubmitter(backend, reconciler, log),
		bus:        opts.Bus,
		sink:       opts.Sink,
		logger:     log,
	}

	var composeOpts []compose.Option
	if opts.PollInterval > 0 {
		composeOpts = append(composeOpts, compose.WithPollInterval(opts.PollInterval))
	}
	if opts.Clock != nil {
		composeOpts = append(composeOpts, compose.WithClock(opts.Clock))
	}
	o.composer = compose.NewOrchestrator(backend, o.persistComposeJob, log, composeOpts...)

	return o
}

// persistComposeJob runs on every poll tick so the snapshot tracks the job.
func (o *Orchestrator) persistComposeJob(job *store.ComposeJob) {
	o.reconciler.Persist(nil, session.Extras{ComposeJob: job})
	o.publishState(context.Background())
	if job.Terminal() && o.sink != nil {
		o.emit(context.Background(), events.TypeComposeFinished, map[string]interface{}{
			"compose_id": job.ComposeId,
			"status":     job.Status,
		})
	}
}

// Open creates or rehydrates the workflow session. Resolution prefers an
// explicit snapshot, then stored snapshots by session id, then an encounter
// match; only when nothing exists does it hit the session-init endpoint.
func (o *Orchestrator) Open(ctx context.Context, req OpenRequest) (*store.WorkflowSession, error) {
	o.mu.Lock()
	o.callerOverrides = req.CallerOverrides
	o.transcript = req.Transcript
	o.closed = false
	o.mu.Unlock()

	o.reconciler.Seed(req.InitialSnapshot, req.PriorSessionId)

	if snap := o.reconciler.Resolve(req.EncounterId); snap != nil && snap.Session != nil {
		o.reconciler.Track(snap.Session)
		if o.logger != nil {
			o.logger.Info("Workflow", "Session rehydrated from snapshot", map[string]interface{}{
				"session_id": snap.SessionId,
			})
		}
		o.publishState(ctx)
		return o.reconciler.Snapshot(), nil
	}

	raw, err := o.backend.InitWorkflowSession(ctx, ehr.InitSessionRequest{
		EncounterId:     req.EncounterId,
		NoteId:          req.NoteId,
		NoteContent:     req.NoteContent,
		PatientMetadata: req.PatientMetadata,
	})
	if err != nil {
		return nil, fmt.Errorf("init workflow session: %w", err)
	}

	sess := &store.WorkflowSession{
		SessionId:       normalize.String(raw["sessionId"]),
		EncounterId:     req.EncounterId,
		NoteId:          req.NoteId,
		NoteContent:     req.NoteContent,
		PatientMetadata: req.PatientMetadata,
		CurrentStep:     store.StepCodeVerification,
	}
	if sess.EncounterId == "" {
		sess.EncounterId = normalize.String(raw["encounterId"])
	}
	if ss, ok := raw["stepStates"].([]interface{}); ok {
		sess.StepStates = parseStepStates(ss)
	}
	if sess.SessionId == "" {
		return nil, fmt.Errorf("init workflow session: response missing sessionId")
	}

	o.reconciler.Track(sess)
	o.reconciler.Persist(sess, session.Extras{Transcript: req.Transcript})

	o.emit(ctx, events.TypeSessionInitialized, map[string]interface{}{
		"session_id":   sess.SessionId,
		"encounter_id": sess.EncounterId,
	})
	o.publishState(ctx)
	return o.reconciler.Snapshot(), nil
}

// parseStepStates coerces a raw backend step list; the backend speaks the
// session status vocabulary which the merger translates later.
func parseStepStates(raw []interface{}) []store.StepState {
	var out []store.StepState
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		id, ok := normalize.Float(m["id"])
		if !ok || id < 1 {
			continue
		}
		st := store.StepState{
			Id:          int(id),
			Status:      normalize.String(m["status"]),
			Description: normalize.String(m["description"]),
		}
		if p, ok := normalize.Float(m["progress"]); ok {
			pi := int(p)
			st.Progress = &pi
		}
		out = append(out, st)
	}
	return out
}

// FetchSuggestions pulls AI code suggestions and merges them into the
// session's selected-code set (first occurrence of each code wins).
func (o *Orchestrator) FetchSuggestions(ctx context.Context) ([]store.CodeItem, error) {
	sess := o.reconciler.Snapshot()
	if sess == nil {
		return nil, fmt.Errorf("no open workflow session")
	}

	o.mu.Lock()
	transcript := o.transcript
	o.mu.Unlock()

	raw, err := o.backend.SuggestCodes(ctx, ehr.SuggestCodesRequest{
		Content:         sess.NoteContent,
		PatientMetadata: sess.PatientMetadata,
		Transcript:      transcript,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch code suggestions: %w", err)
	}

	suggested := normalize.CodeItems(raw["codes"])

	o.reconciler.Update(func(sess *store.WorkflowSession) {
		seen := make(map[string]bool, len(sess.SelectedCodes))
		for _, c := range sess.SelectedCodes {
			seen[c.Code] = true
		}
		merged := append([]store.CodeItem(nil), sess.SelectedCodes...)
		for _, c := range suggested {
			if !seen[c.Code] {
				merged = append(merged, c)
				seen[c.Code] = true
			}
		}
		sess.SelectedCodes = merged
	})

	o.reconciler.Persist(nil, session.Extras{})
	o.publishState(ctx)
	return suggested, nil
}

// RefreshValidation runs the pre-check and folds the result into the session
// step state. An unchanged request fingerprint never hits the network.
func (o *Orchestrator) RefreshValidation(ctx context.Context, req ehr.FinalizeRequest) (*validation.Result, error) {
	pc, err := o.dispatcher.PreCheck(ctx, req)
	if err != nil {
		return nil, err
	}

	if o.reconciler.Update(func(sess *store.WorkflowSession) {
		sess.BlockingIssues = pc.Result.BlockingIssues
		sess.LastValidation = pc.Raw
	}) {
		o.reconciler.Persist(nil, session.Extras{})
	}

	o.publishState(ctx)
	res := pc.Result
	return &res, nil
}

// TriggerCompose starts (or re-starts with force) the compose job for the
// current session input. A fingerprint match without force is a no-op.
func (o *Orchestrator) TriggerCompose(ctx context.Context, force bool) (bool, error) {
	sess := o.reconciler.Snapshot()
	if sess == nil {
		return false, fmt.Errorf("no open workflow session")
	}

	o.mu.Lock()
	transcript := o.transcript
	o.mu.Unlock()

	return o.composer.Trigger(ctx, compose.Input{
		SessionId:       sess.SessionId,
		EncounterId:     sess.EncounterId,
		NoteId:          sess.NoteId,
		NoteContent:     sess.NoteContent,
		PatientMetadata: sess.PatientMetadata,
		SelectedCodes:   sess.SelectedCodes,
		Transcript:      transcript,
	}, force)
}

// OnStepChange records the wizard's active step and, entering the
// compose-dependent content-review step, triggers the compose job.
func (o *Orchestrator) OnStepChange(ctx context.Context, stepId int) {
	if stepId < store.StepCodeVerification || stepId > store.StepCount {
		return
	}
	if !o.reconciler.Update(func(sess *store.WorkflowSession) {
		sess.CurrentStep = stepId
	}) {
		return
	}
	o.reconciler.Persist(nil, session.Extras{})

	if stepId == store.StepContentReview {
		if _, err := o.TriggerCompose(ctx, false); err != nil && o.logger != nil {
			o.logger.Error("Workflow", "Compose trigger failed", map[string]interface{}{"error": err.Error()})
		}
	}
	o.publishState(ctx)
}

// OnFinalize finalizes the note. Not idempotent; caller gates re-invocation.
func (o *Orchestrator) OnFinalize(ctx context.Context, req ehr.FinalizeRequest) (*dispatch.Outcome, error) {
	out, err := o.dispatcher.Finalize(ctx, req)
	if err != nil {
		return nil, err
	}
	o.emit(ctx, events.TypeFinalizeCompleted, map[string]interface{}{
		"finalized_note_id": out.FinalizedNoteId,
	})
	o.publishState(ctx)
	return out, nil
}

// OnFinalizeAndDispatch runs the full pre-check -> finalize -> dispatch
// pipeline.
func (o *Orchestrator) OnFinalizeAndDispatch(ctx context.Context, req ehr.FinalizeRequest, form ehr.DispatchRequest) (*dispatch.Outcome, error) {
	out, err := o.dispatcher.FinalizeAndDispatch(ctx, req, form)
	if err != nil {
		return nil, err
	}
	o.emit(ctx, events.TypeNoteDispatched, map[string]interface{}{
		"finalized_note_id": out.FinalizedNoteId,
	})
	o.publishState(ctx)
	return out, nil
}

// OnSubmitAttestation assembles and submits the clinician sign-off from the
// latest aggregated state.
func (o *Orchestrator) OnSubmitAttestation(ctx context.Context, form attest.Form) (*attest.Recap, error) {
	state := attest.State{}
	if pc := o.dispatcher.LastPrecheck(); pc != nil {
		state.Checks = pc.Input.Checks
		state.BlockingIssues = pc.Result.BlockingIssues
		state.RawValidation = pc.Raw
	}

	recap, err := o.attester.Submit(ctx, form, state)
	if err != nil {
		return nil, err
	}
	o.emit(ctx, events.TypeAttestationSubmitted, map[string]interface{}{
		"attester": form.AttesterName,
	})
	o.publishState(ctx)
	return recap, nil
}

// OnClose tears the wizard down: cancels compose polling and flushes a final
// snapshot. Late poll responses are ignored afterwards.
func (o *Orchestrator) OnClose(ctx context.Context, result map[string]interface{}) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	transcript := o.transcript
	o.mu.Unlock()

	o.composer.Cancel()

	if o.reconciler.Update(func(sess *store.WorkflowSession) {
		if result != nil {
			sess.Dispatch = result
		}
	}) {
		o.reconciler.Persist(nil, session.Extras{Transcript: transcript})
	}

	if o.logger != nil {
		o.logger.Info("Workflow", "Wizard closed", nil)
	}
}

// View assembles the read-only derived state for the presentation layer. It
// reads a locked snapshot copy of the session, so it is safe to call while
// the compose poll loop persists updates.
func (o *Orchestrator) View() StateView {
	sess := o.reconciler.Snapshot()

	view := StateView{CanFinalize: true, FirstOpenStep: store.StepCodeVerification}
	var sessionStates []store.StepState
	if sess != nil {
		view.SessionId = sess.SessionId
		view.CurrentStep = sess.CurrentStep
		view.ComposeJob = sess.ComposeJob
		sessionStates = sess.StepStates
	}

	var validationOverrides []store.StepState
	if pc := o.dispatcher.LastPrecheck(); pc != nil {
		validationOverrides = pc.Result.Overrides
		view.BlockingIssues = pc.Result.BlockingIssues
		view.CanFinalize = pc.Result.CanFinalize
		view.FirstOpenStep = pc.Result.FirstOpenStep
	}

	o.mu.Lock()
	caller := o.callerOverrides
	o.mu.Unlock()

	view.StepOverrides = steps.Merge(caller, sessionStates, validationOverrides)
	if job := o.composer.Job(); job != nil {
		view.ComposeJob = job
	}
	view.ComposeError = o.composer.Err()
	return view
}

// Session returns a snapshot copy of the tracked in-memory session. Mutations
// go through the orchestrator's callbacks, never through this value.
func (o *Orchestrator) Session() *store.WorkflowSession {
	return o.reconciler.Snapshot()
}

// publishState pushes the derived view onto the in-process bus for the
// websocket hub. Best-effort.
func (o *Orchestrator) publishState(ctx context.Context) {
	if o.bus == nil {
		return
	}
	view := o.View()
	payload, err := json.Marshal(view)
	if err != nil {
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("session_id", view.SessionId)
	if err := o.bus.Publish(TopicSessionUpdated, msg); err != nil && o.logger != nil {
		o.logger.Warn("Workflow", "Failed to publish state update", map[string]interface{}{"error": err.Error()})
	}
}

// emit publishes a domain event; failures are logged, never fatal.
func (o *Orchestrator) emit(ctx context.Context, eventType string, data map[string]interface{}) {
	if o.sink == nil {
		return
	}
	evt := events.BaseEvent{Type: eventType, Data: data, OccurredAt: time.Now()}
	if err := o.sink.Publish(ctx, evt); err != nil && o.logger != nil {
		o.logger.Warn("Workflow", "Failed to publish domain event", map[string]interface{}{
			"event": eventType,
			"error": err.Error(),
		})
	}
}
