package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"clinical-finalize-be/pkg/ehr"
	"clinical-finalize-be/pkg/events"
	"clinical-finalize-be/pkg/finalize/compose"
	"clinical-finalize-be/pkg/finalize/session"
	"clinical-finalize-be/pkg/store"
)

type fakeBackend struct {
	mu sync.Mutex

	initRaw   map[string]interface{}
	initCalls int

	suggestRaw map[string]interface{}

	precheckRaw map[string]interface{}

	startJob   *store.ComposeJob
	startCalls int

	statusCalls     int
	statusUntilDone int // processing responses before completed
}

func (b *fakeBackend) InitWorkflowSession(ctx context.Context, req ehr.InitSessionRequest) (map[string]interface{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initCalls++
	return b.initRaw, nil
}

func (b *fakeBackend) SuggestCodes(ctx context.Context, req ehr.SuggestCodesRequest) (map[string]interface{}, error) {
	return b.suggestRaw, nil
}

func (b *fakeBackend) PreFinalizeCheck(ctx context.Context, req ehr.FinalizeRequest) (map[string]interface{}, error) {
	return b.precheckRaw, nil
}

func (b *fakeBackend) FinalizeNote(ctx context.Context, req ehr.FinalizeRequest) (map[string]interface{}, error) {
	return map[string]interface{}{"finalizedNoteId": "n1"}, nil
}

func (b *fakeBackend) DispatchNote(ctx context.Context, sessionId string, req ehr.DispatchRequest) (map[string]interface{}, error) {
	return map[string]interface{}{"status": "sent"}, nil
}

func (b *fakeBackend) SubmitAttestation(ctx context.Context, sessionId string, req ehr.AttestationRequest) (map[string]interface{}, error) {
	return map[string]interface{}{"attestation": map[string]interface{}{"id": "att-1"}}, nil
}

func (b *fakeBackend) StartCompose(ctx context.Context, in compose.Input) (*store.ComposeJob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startCalls++
	job := *b.startJob
	return &job, nil
}

func (b *fakeBackend) ComposeStatus(ctx context.Context, composeId string) (*store.ComposeJob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusCalls++
	if b.statusCalls <= b.statusUntilDone {
		return &store.ComposeJob{ComposeId: composeId, Status: store.ComposeStatusProcessing}, nil
	}
	return &store.ComposeJob{ComposeId: composeId, Status: store.ComposeStatusCompleted}, nil
}

func (b *fakeBackend) counts() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initCalls, b.startCalls
}

type fakeSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *fakeSink) Publish(ctx context.Context, event events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *fakeSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		out = append(out, e.EventType())
	}
	return out
}

func defaultBackend() *fakeBackend {
	return &fakeBackend{
		initRaw: map[string]interface{}{
			"sessionId": "sess-1",
			"stepStates": []interface{}{
				map[string]interface{}{"id": 1, "status": "in_progress", "description": "Started"},
			},
		},
		suggestRaw:  map[string]interface{}{"codes": []interface{}{}},
		precheckRaw: map[string]interface{}{"canFinalize": true},
		startJob:    &store.ComposeJob{ComposeId: "c1", Status: store.ComposeStatusCompleted},
	}
}

func TestOpenInitializesSession(t *testing.T) {
	backend := defaultBackend()
	st := session.NewMemoryStore()
	sink := &fakeSink{}
	o := NewOrchestrator(backend, st, nil, Options{Sink: sink})

	sess, err := o.Open(context.Background(), OpenRequest{
		EncounterId: "enc-1",
		NoteContent: "note body",
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if sess.SessionId != "sess-1" {
		t.Errorf("SessionId = %q, want sess-1", sess.SessionId)
	}
	if sess.CurrentStep != store.StepCodeVerification {
		t.Errorf("CurrentStep = %d, want %d", sess.CurrentStep, store.StepCodeVerification)
	}
	if len(sess.StepStates) != 1 || sess.StepStates[0].Status != "in_progress" {
		t.Errorf("StepStates = %+v, want raw backend vocabulary preserved", sess.StepStates)
	}

	if _, ok := st.Get("sess-1"); !ok {
		t.Errorf("session snapshot not persisted")
	}

	types := sink.types()
	if len(types) != 1 || types[0] != events.TypeSessionInitialized {
		t.Errorf("emitted events = %v, want [SESSION_INITIALIZED]", types)
	}
}

// Reopening an encounter with a stored snapshot must not hit the session-init
// endpoint again.
func TestOpenRehydratesFromSnapshot(t *testing.T) {
	backend := defaultBackend()
	st := session.NewMemoryStore()
	st.Put(&store.StoredFinalizationSession{
		SessionId: "sess-old",
		Session: &store.WorkflowSession{
			SessionId:   "sess-old",
			EncounterId: "enc-1",
			CurrentStep: store.StepContentReview,
		},
	})
	o := NewOrchestrator(backend, st, nil, Options{})

	sess, err := o.Open(context.Background(), OpenRequest{EncounterId: "ENC-1"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if sess.SessionId != "sess-old" {
		t.Errorf("SessionId = %q, want rehydrated sess-old", sess.SessionId)
	}
	if sess.CurrentStep != store.StepContentReview {
		t.Errorf("CurrentStep = %d, want restored %d", sess.CurrentStep, store.StepContentReview)
	}

	inits, _ := backend.counts()
	if inits != 0 {
		t.Errorf("init calls = %d, want 0 on rehydration", inits)
	}
}

func TestOnStepChangeTriggersCompose(t *testing.T) {
	backend := defaultBackend()
	o := NewOrchestrator(backend, session.NewMemoryStore(), nil, Options{})

	if _, err := o.Open(context.Background(), OpenRequest{EncounterId: "enc-1"}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	o.OnStepChange(context.Background(), store.StepSuggestionReview)
	if _, starts := backend.counts(); starts != 0 {
		t.Fatalf("compose started on step %d, want none", store.StepSuggestionReview)
	}

	o.OnStepChange(context.Background(), store.StepContentReview)
	if _, starts := backend.counts(); starts != 1 {
		t.Errorf("compose starts = %d, want 1 on entering content review", starts)
	}

	// Re-entering the step with unchanged input must not restart.
	o.OnStepChange(context.Background(), store.StepContentReview)
	if _, starts := backend.counts(); starts != 1 {
		t.Errorf("compose restarted on unchanged input")
	}

	if sess := o.Session(); sess.CurrentStep != store.StepContentReview {
		t.Errorf("CurrentStep = %d, want %d", sess.CurrentStep, store.StepContentReview)
	}
}

func TestViewMergesValidation(t *testing.T) {
	backend := defaultBackend()
	backend.precheckRaw = map[string]interface{}{
		"canFinalize": false,
		"stepValidation": map[string]interface{}{
			"codeVerification": map[string]interface{}{
				"passed": false,
				"issues": []interface{}{"unsupported code"},
			},
		},
	}
	o := NewOrchestrator(backend, session.NewMemoryStore(), nil, Options{})

	if _, err := o.Open(context.Background(), OpenRequest{EncounterId: "enc-1"}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := o.RefreshValidation(context.Background(), ehr.FinalizeRequest{Content: "body"}); err != nil {
		t.Fatalf("RefreshValidation failed: %v", err)
	}

	view := o.View()
	if view.CanFinalize {
		t.Errorf("CanFinalize = true, want false")
	}
	if len(view.BlockingIssues) == 0 {
		t.Errorf("BlockingIssues empty, want the validation issue")
	}
	if view.FirstOpenStep != store.StepCodeVerification {
		t.Errorf("FirstOpenStep = %d, want %d", view.FirstOpenStep, store.StepCodeVerification)
	}

	var found bool
	for _, s := range view.StepOverrides {
		if s.Id == store.StepCodeVerification {
			found = true
			if s.Status != store.StatusBlocked {
				t.Errorf("step 1 status = %q, want blocked", s.Status)
			}
		}
	}
	if !found {
		t.Errorf("no override for step 1 in view: %+v", view.StepOverrides)
	}
}

func TestFetchSuggestionsMergesSelection(t *testing.T) {
	backend := defaultBackend()
	backend.suggestRaw = map[string]interface{}{"codes": []interface{}{
		map[string]interface{}{"code": "99213", "category": "cpt"},
		map[string]interface{}{"code": "J45.909", "category": "diagnosis"},
	}}
	o := NewOrchestrator(backend, session.NewMemoryStore(), nil, Options{})

	if _, err := o.Open(context.Background(), OpenRequest{EncounterId: "enc-1"}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	o.reconciler.Update(func(sess *store.WorkflowSession) {
		sess.SelectedCodes = []store.CodeItem{{Code: "99213", Description: "clinician pick"}}
	})

	suggested, err := o.FetchSuggestions(context.Background())
	if err != nil {
		t.Fatalf("FetchSuggestions failed: %v", err)
	}
	if len(suggested) != 2 {
		t.Errorf("suggested = %d items, want 2", len(suggested))
	}
	sess := o.Session()
	if len(sess.SelectedCodes) != 2 {
		t.Fatalf("SelectedCodes = %+v, want existing pick plus one new code", sess.SelectedCodes)
	}
	if sess.SelectedCodes[0].Description != "clinician pick" {
		t.Errorf("existing selection overwritten: %+v", sess.SelectedCodes[0])
	}
}

// Compose polling persists on its own goroutine while handlers read the view
// and change steps; all session access funnels through the reconciler's lock.
func TestStateSafeDuringComposePolling(t *testing.T) {
	backend := defaultBackend()
	backend.startJob = &store.ComposeJob{ComposeId: "c1", Status: store.ComposeStatusQueued}
	backend.statusUntilDone = 40
	o := NewOrchestrator(backend, session.NewMemoryStore(), nil, Options{PollInterval: time.Millisecond})

	if _, err := o.Open(context.Background(), OpenRequest{EncounterId: "enc-1"}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := o.TriggerCompose(context.Background(), false); err != nil {
		t.Fatalf("TriggerCompose failed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			if view := o.View(); view.SessionId != "sess-1" {
				t.Errorf("View SessionId = %q mid-poll, want sess-1", view.SessionId)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			o.OnStepChange(context.Background(), store.StepCodeVerification+i%2)
		}
	}()
	wg.Wait()

	o.composer.Wait()
	if job := o.composer.Job(); job == nil || !job.Terminal() {
		t.Errorf("compose job = %+v, want terminal after polling", job)
	}
}

func TestOnCloseIsIdempotent(t *testing.T) {
	backend := defaultBackend()
	st := session.NewMemoryStore()
	o := NewOrchestrator(backend, st, nil, Options{})

	if _, err := o.Open(context.Background(), OpenRequest{EncounterId: "enc-1"}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	o.OnClose(context.Background(), map[string]interface{}{"status": "sent"})
	o.OnClose(context.Background(), map[string]interface{}{"status": "overwritten"})

	snap, ok := st.Get("sess-1")
	if !ok {
		t.Fatal("snapshot missing after close")
	}
	if snap.Session.Dispatch["status"] != "sent" {
		t.Errorf("second close mutated the session: %v", snap.Session.Dispatch)
	}
}
