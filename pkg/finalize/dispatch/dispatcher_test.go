package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"clinical-finalize-be/pkg/ehr"
	"clinical-finalize-be/pkg/finalize/session"
	"clinical-finalize-be/pkg/store"
)

type fakeBackend struct {
	mu sync.Mutex

	precheckRaw   map[string]interface{}
	precheckErr   error
	precheckCalls int
	onPrecheck    func()

	finalizeRaw   map[string]interface{}
	finalizeErr   error
	finalizeCalls int

	dispatchRaw   map[string]interface{}
	dispatchErr   error
	dispatchCalls int
	lastDispatch  ehr.DispatchRequest
	lastFinalize  ehr.FinalizeRequest
}

func (b *fakeBackend) PreFinalizeCheck(ctx context.Context, req ehr.FinalizeRequest) (map[string]interface{}, error) {
	b.mu.Lock()
	b.precheckCalls++
	raw, err := b.precheckRaw, b.precheckErr
	hook := b.onPrecheck
	b.onPrecheck = nil
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
	return raw, err
}

func (b *fakeBackend) FinalizeNote(ctx context.Context, req ehr.FinalizeRequest) (map[string]interface{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finalizeCalls++
	b.lastFinalize = req
	return b.finalizeRaw, b.finalizeErr
}

func (b *fakeBackend) DispatchNote(ctx context.Context, sessionId string, req ehr.DispatchRequest) (map[string]interface{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatchCalls++
	b.lastDispatch = req
	return b.dispatchRaw, b.dispatchErr
}

func newTestDispatcher(backend *fakeBackend) (*Dispatcher, *session.Reconciler) {
	rec := session.NewReconciler(session.NewMemoryStore(), nil)
	rec.Track(&store.WorkflowSession{SessionId: "sess-1", EncounterId: "enc-1"})
	return NewDispatcher(backend, rec, nil), rec
}

func TestPreCheckCachesUnchangedRequest(t *testing.T) {
	backend := &fakeBackend{precheckRaw: map[string]interface{}{"canFinalize": true}}
	d, _ := newTestDispatcher(backend)

	req := ehr.FinalizeRequest{Content: "note body", Codes: []string{"99213"}}

	first, err := d.PreCheck(context.Background(), req)
	if err != nil {
		t.Fatalf("PreCheck failed: %v", err)
	}
	second, err := d.PreCheck(context.Background(), req)
	if err != nil {
		t.Fatalf("cached PreCheck failed: %v", err)
	}

	if backend.precheckCalls != 1 {
		t.Errorf("backend calls = %d, want 1 (unchanged fingerprint)", backend.precheckCalls)
	}
	if first != second {
		t.Errorf("cached result should be the same Precheck instance")
	}

	// A content change invalidates the cache.
	req.Content = "note body edited"
	if _, err := d.PreCheck(context.Background(), req); err != nil {
		t.Fatalf("PreCheck after edit failed: %v", err)
	}
	if backend.precheckCalls != 2 {
		t.Errorf("backend calls = %d, want 2 after fingerprint change", backend.precheckCalls)
	}
}

func TestFinalizeBlockedByPrecheck(t *testing.T) {
	backend := &fakeBackend{precheckRaw: map[string]interface{}{
		"canFinalize": false,
		"issues":      []interface{}{"unsigned note"},
	}}
	d, _ := newTestDispatcher(backend)

	req := ehr.FinalizeRequest{Content: "note body"}
	if _, err := d.PreCheck(context.Background(), req); err != nil {
		t.Fatalf("PreCheck failed: %v", err)
	}

	_, err := d.Finalize(context.Background(), req)
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("Finalize error = %v, want ErrBlocked", err)
	}
	if backend.finalizeCalls != 0 {
		t.Errorf("finalize must not reach the backend while blocked, calls = %d", backend.finalizeCalls)
	}
}

func TestFinalizeExtractsNoteId(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]interface{}
		want string
	}{
		{
			name: "top level id",
			raw:  map[string]interface{}{"finalizedNoteId": "note-1"},
			want: "note-1",
		},
		{
			name: "nested under result",
			raw:  map[string]interface{}{"result": map[string]interface{}{"finalizedNoteId": "note-2"}},
			want: "note-2",
		},
		{
			name: "numeric id formatted",
			raw:  map[string]interface{}{"finalizedNoteId": float64(42)},
			want: "42",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{finalizeRaw: tt.raw}
			d, _ := newTestDispatcher(backend)

			out, err := d.Finalize(context.Background(), ehr.FinalizeRequest{Content: "body"})
			if err != nil {
				t.Fatalf("Finalize failed: %v", err)
			}
			if out.FinalizedNoteId != tt.want {
				t.Errorf("FinalizedNoteId = %q, want %q", out.FinalizedNoteId, tt.want)
			}
		})
	}
}

// Empty override fields fall back to the last pre-checked request.
func TestFinalizeMergesLastRequest(t *testing.T) {
	backend := &fakeBackend{
		precheckRaw: map[string]interface{}{"canFinalize": true},
		finalizeRaw: map[string]interface{}{"finalizedNoteId": "n1"},
	}
	d, _ := newTestDispatcher(backend)

	full := ehr.FinalizeRequest{
		Content:       "note body",
		Codes:         []string{"99213"},
		Diagnoses:     []string{"J45.909"},
		ComplianceIds: []string{"c1"},
	}
	if _, err := d.PreCheck(context.Background(), full); err != nil {
		t.Fatalf("PreCheck failed: %v", err)
	}

	override := ehr.FinalizeRequest{Codes: []string{"99214"}}
	if _, err := d.Finalize(context.Background(), override); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	got := backend.lastFinalize
	if got.Content != "note body" {
		t.Errorf("content fell through: %q", got.Content)
	}
	if len(got.Codes) != 1 || got.Codes[0] != "99214" {
		t.Errorf("override codes not applied: %v", got.Codes)
	}
	if len(got.Diagnoses) != 1 || got.Diagnoses[0] != "J45.909" {
		t.Errorf("diagnoses fell through: %v", got.Diagnoses)
	}
}

func TestDispatchRequiresFinalize(t *testing.T) {
	backend := &fakeBackend{dispatchRaw: map[string]interface{}{"status": "sent"}}
	d, _ := newTestDispatcher(backend)

	_, err := d.Dispatch(context.Background(), ehr.DispatchRequest{})
	if !errors.Is(err, ErrNotFinalized) {
		t.Fatalf("Dispatch error = %v, want ErrNotFinalized", err)
	}
	if backend.dispatchCalls != 0 {
		t.Errorf("dispatch must not reach the backend, calls = %d", backend.dispatchCalls)
	}
}

func TestDispatchDefaultsFromSession(t *testing.T) {
	backend := &fakeBackend{
		finalizeRaw: map[string]interface{}{"finalizedNoteId": "n1"},
		dispatchRaw: map[string]interface{}{"status": "sent"},
	}
	d, _ := newTestDispatcher(backend)

	if _, err := d.Finalize(context.Background(), ehr.FinalizeRequest{Content: "body"}); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if _, err := d.Dispatch(context.Background(), ehr.DispatchRequest{Destination: "billing"}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	got := backend.lastDispatch
	if got.SessionId != "sess-1" {
		t.Errorf("SessionId = %q, want defaulted sess-1", got.SessionId)
	}
	if got.EncounterId != "enc-1" {
		t.Errorf("EncounterId = %q, want defaulted enc-1", got.EncounterId)
	}
	if _, err := time.Parse(time.RFC3339, got.Timestamp); err != nil {
		t.Errorf("Timestamp %q is not RFC3339: %v", got.Timestamp, err)
	}
	if got.Destination != "billing" {
		t.Errorf("Destination = %q, want billing", got.Destination)
	}
}

func TestFinalizeAndDispatchPipeline(t *testing.T) {
	t.Run("happy path runs all stages once", func(t *testing.T) {
		backend := &fakeBackend{
			precheckRaw: map[string]interface{}{"canFinalize": true},
			finalizeRaw: map[string]interface{}{"finalizedNoteId": "n1"},
			dispatchRaw: map[string]interface{}{"status": "sent"},
		}
		d, _ := newTestDispatcher(backend)

		out, err := d.FinalizeAndDispatch(context.Background(),
			ehr.FinalizeRequest{Content: "body"},
			ehr.DispatchRequest{Destination: "billing"})
		if err != nil {
			t.Fatalf("FinalizeAndDispatch failed: %v", err)
		}
		if out.FinalizedNoteId != "n1" || out.Dispatch == nil {
			t.Errorf("outcome = %+v", out)
		}
		if backend.precheckCalls != 1 || backend.finalizeCalls != 1 || backend.dispatchCalls != 1 {
			t.Errorf("calls = (%d, %d, %d), want (1, 1, 1)",
				backend.precheckCalls, backend.finalizeCalls, backend.dispatchCalls)
		}
	})

	t.Run("blocked pre-check stops the pipeline", func(t *testing.T) {
		backend := &fakeBackend{
			precheckRaw: map[string]interface{}{"canFinalize": false, "issues": []interface{}{"unsigned"}},
		}
		d, _ := newTestDispatcher(backend)

		_, err := d.FinalizeAndDispatch(context.Background(),
			ehr.FinalizeRequest{Content: "body"}, ehr.DispatchRequest{})
		if !errors.Is(err, ErrBlocked) {
			t.Fatalf("error = %v, want ErrBlocked", err)
		}
		if backend.finalizeCalls != 0 || backend.dispatchCalls != 0 {
			t.Errorf("later stages ran after blocked pre-check: (%d, %d)",
				backend.finalizeCalls, backend.dispatchCalls)
		}
	})

	t.Run("finalize failure skips dispatch", func(t *testing.T) {
		backend := &fakeBackend{
			precheckRaw: map[string]interface{}{"canFinalize": true},
			finalizeErr: errors.New("backend rejected"),
		}
		d, _ := newTestDispatcher(backend)

		_, err := d.FinalizeAndDispatch(context.Background(),
			ehr.FinalizeRequest{Content: "body"}, ehr.DispatchRequest{})
		if err == nil {
			t.Fatal("expected finalize error")
		}
		if backend.dispatchCalls != 0 {
			t.Errorf("dispatch ran after finalize failure")
		}
	})
}

// Two rapid pre-checks with the identical fingerprint issue exactly one
// backend request; the duplicate waits for the in-flight result.
func TestPreCheckDeduplicatesInFlight(t *testing.T) {
	backend := &fakeBackend{precheckRaw: map[string]interface{}{"canFinalize": true}}
	d, _ := newTestDispatcher(backend)

	req := ehr.FinalizeRequest{Content: "note body"}
	entered := make(chan struct{})
	release := make(chan struct{})
	backend.onPrecheck = func() {
		close(entered)
		<-release
	}

	results := make([]*Precheck, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = d.PreCheck(context.Background(), req)
	}()

	<-entered
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = d.PreCheck(context.Background(), req)
	}()

	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("PreCheck %d failed: %v", i, err)
		}
	}
	if backend.precheckCalls != 1 {
		t.Errorf("backend calls = %d, want 1 for identical in-flight requests", backend.precheckCalls)
	}
	if results[0] != results[1] {
		t.Errorf("duplicate caller should receive the in-flight result")
	}
}

// A pre-check response landing after a newer request has already gone out is
// discarded with ErrSuperseded, and the newer result stays cached.
func TestPreCheckSupersededByNewerInput(t *testing.T) {
	backend := &fakeBackend{precheckRaw: map[string]interface{}{"canFinalize": true}}
	d, _ := newTestDispatcher(backend)

	newer := ehr.FinalizeRequest{Content: "newer body"}
	backend.onPrecheck = func() {
		if _, err := d.PreCheck(context.Background(), newer); err != nil {
			t.Errorf("newer PreCheck failed: %v", err)
		}
	}

	_, err := d.PreCheck(context.Background(), ehr.FinalizeRequest{Content: "older body"})
	if !errors.Is(err, ErrSuperseded) {
		t.Fatalf("stale PreCheck error = %v, want ErrSuperseded", err)
	}

	if d.LastPrecheck() == nil {
		t.Errorf("newer pre-check result should remain cached")
	}
}

// Pre-check persists its raw result so reopening the wizard sees it.
func TestPreCheckPersistsResult(t *testing.T) {
	backend := &fakeBackend{precheckRaw: map[string]interface{}{"canFinalize": true}}
	st := session.NewMemoryStore()
	rec := session.NewReconciler(st, nil)
	sess := &store.WorkflowSession{SessionId: "sess-1"}
	rec.Track(sess)
	rec.Persist(sess, session.Extras{})
	d := NewDispatcher(backend, rec, nil)

	if _, err := d.PreCheck(context.Background(), ehr.FinalizeRequest{Content: "body"}); err != nil {
		t.Fatalf("PreCheck failed: %v", err)
	}

	snap, ok := st.Get("sess-1")
	if !ok || snap.LastPreFinalize == nil {
		t.Errorf("pre-check result not persisted: %+v", snap)
	}
}
