package compose

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"clinical-finalize-be/pkg/store"
)

type fakeClock struct {
	ch chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{ch: make(chan time.Time)}
}

func (c *fakeClock) After(time.Duration) <-chan time.Time { return c.ch }

func (c *fakeClock) tick() { c.ch <- time.Time{} }

type fakeClient struct {
	mu        sync.Mutex
	starts    int
	startJob  *store.ComposeJob
	startErr  error
	statusSeq []*store.ComposeJob
	statusErr error
	statusIdx int
}

func (c *fakeClient) StartCompose(ctx context.Context, in Input) (*store.ComposeJob, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	if c.startErr != nil {
		return nil, c.startErr
	}
	job := *c.startJob
	return &job, nil
}

func (c *fakeClient) ComposeStatus(ctx context.Context, composeId string) (*store.ComposeJob, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statusErr != nil {
		return nil, c.statusErr
	}
	idx := c.statusIdx
	if idx >= len(c.statusSeq) {
		idx = len(c.statusSeq) - 1
	} else {
		c.statusIdx++
	}
	job := *c.statusSeq[idx]
	return &job, nil
}

func (c *fakeClient) startCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts
}

func (c *fakeClient) setStartErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startErr = err
}

type persistLog struct {
	mu   sync.Mutex
	jobs []*store.ComposeJob
}

func (p *persistLog) record(job *store.ComposeJob) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
}

func (p *persistLog) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

func TestFingerprintStability(t *testing.T) {
	in := Input{SessionId: "s1", EncounterId: "e1", NoteContent: "note body"}

	if Fingerprint(in) != Fingerprint(in) {
		t.Errorf("identical input must produce identical fingerprints")
	}

	changed := in
	changed.NoteContent = "note body edited"
	if Fingerprint(in) == Fingerprint(changed) {
		t.Errorf("changed content must change the fingerprint")
	}
}

// An unchanged fingerprint must not issue a second start; force overrides.
func TestTriggerDeduplicates(t *testing.T) {
	client := &fakeClient{startJob: &store.ComposeJob{ComposeId: "c1", Status: store.ComposeStatusCompleted}}
	o := NewOrchestrator(client, nil, nil)

	in := Input{SessionId: "s1", NoteContent: "body"}

	started, err := o.Trigger(context.Background(), in, false)
	if err != nil || !started {
		t.Fatalf("first Trigger = (%v, %v), want (true, nil)", started, err)
	}

	started, err = o.Trigger(context.Background(), in, false)
	if err != nil || started {
		t.Fatalf("duplicate Trigger = (%v, %v), want (false, nil)", started, err)
	}
	if client.startCount() != 1 {
		t.Errorf("start requests = %d, want 1", client.startCount())
	}

	started, err = o.Trigger(context.Background(), in, true)
	if err != nil || !started {
		t.Fatalf("forced Trigger = (%v, %v), want (true, nil)", started, err)
	}
	if client.startCount() != 2 {
		t.Errorf("start requests after force = %d, want 2", client.startCount())
	}
}

func TestPollUntilTerminal(t *testing.T) {
	client := &fakeClient{
		startJob: &store.ComposeJob{ComposeId: "c1", Status: store.ComposeStatusQueued},
		statusSeq: []*store.ComposeJob{
			{ComposeId: "c1", Status: store.ComposeStatusProcessing},
			{ComposeId: "c1", Status: store.ComposeStatusCompleted, Result: map[string]interface{}{"note": "done"}},
		},
	}
	clock := newFakeClock()
	persisted := &persistLog{}
	o := NewOrchestrator(client, persisted.record, nil, WithClock(clock))

	started, err := o.Trigger(context.Background(), Input{SessionId: "s1"}, false)
	if err != nil || !started {
		t.Fatalf("Trigger = (%v, %v), want (true, nil)", started, err)
	}
	if !o.Active() {
		t.Fatal("poll loop should be running for a queued job")
	}

	clock.tick()
	clock.tick()
	o.Wait()

	job := o.Job()
	if job == nil || job.Status != store.ComposeStatusCompleted {
		t.Errorf("final job = %+v, want completed", job)
	}
	if o.Active() {
		t.Errorf("loop should have stopped on terminal status")
	}
	// Start plus one persist per poll tick.
	if persisted.count() != 3 {
		t.Errorf("persist calls = %d, want 3", persisted.count())
	}
	if o.Err() != "" {
		t.Errorf("Err() = %q, want empty", o.Err())
	}
}

func TestTriggerTerminalStartSkipsPolling(t *testing.T) {
	client := &fakeClient{startJob: &store.ComposeJob{ComposeId: "c1", Status: store.ComposeStatusBlocked}}
	clock := newFakeClock()
	o := NewOrchestrator(client, nil, nil, WithClock(clock))

	started, err := o.Trigger(context.Background(), Input{SessionId: "s1"}, false)
	if err != nil || !started {
		t.Fatalf("Trigger = (%v, %v), want (true, nil)", started, err)
	}
	if o.Active() {
		t.Errorf("terminal start status must not spawn a poll loop")
	}
}

func TestCancelStopsPolling(t *testing.T) {
	client := &fakeClient{
		startJob:  &store.ComposeJob{ComposeId: "c1", Status: store.ComposeStatusQueued},
		statusSeq: []*store.ComposeJob{{ComposeId: "c1", Status: store.ComposeStatusProcessing}},
	}
	clock := newFakeClock()
	persisted := &persistLog{}
	o := NewOrchestrator(client, persisted.record, nil, WithClock(clock))

	if _, err := o.Trigger(context.Background(), Input{SessionId: "s1"}, false); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	o.Cancel()

	deadline := time.Now().Add(time.Second)
	for o.Active() {
		if time.Now().After(deadline) {
			t.Fatal("poll loop did not stop after Cancel")
		}
		time.Sleep(time.Millisecond)
	}
	if persisted.count() != 1 {
		t.Errorf("persist calls = %d, want only the start persist", persisted.count())
	}
	if o.Err() != "" {
		t.Errorf("Cancel must not record an error, got %q", o.Err())
	}
}

func TestStartFailureRecordsError(t *testing.T) {
	client := &fakeClient{startErr: errors.New("backend down")}
	o := NewOrchestrator(client, nil, nil)

	started, err := o.Trigger(context.Background(), Input{SessionId: "s1"}, false)
	if err == nil || started {
		t.Fatalf("Trigger = (%v, %v), want start error", started, err)
	}
	if o.Err() == "" {
		t.Errorf("start failure should record an error message")
	}
}

// A failed start never registered a job for the fingerprint, so an identical
// retry must reach the backend again without needing force.
func TestStartFailureAllowsRetryWithoutForce(t *testing.T) {
	client := &fakeClient{
		startErr: errors.New("backend down"),
		startJob: &store.ComposeJob{ComposeId: "c1", Status: store.ComposeStatusCompleted},
	}
	o := NewOrchestrator(client, nil, nil)

	in := Input{SessionId: "s1", NoteContent: "body"}
	if started, err := o.Trigger(context.Background(), in, false); err == nil || started {
		t.Fatalf("Trigger = (%v, %v), want start error", started, err)
	}

	client.setStartErr(nil)

	started, err := o.Trigger(context.Background(), in, false)
	if err != nil || !started {
		t.Fatalf("retry Trigger = (%v, %v), want (true, nil)", started, err)
	}
	if client.startCount() != 2 {
		t.Errorf("start requests = %d, want 2", client.startCount())
	}
	if o.Err() != "" {
		t.Errorf("successful retry should clear the recorded error, got %q", o.Err())
	}
}

func TestPollFailureStopsWithoutRetry(t *testing.T) {
	client := &fakeClient{
		startJob:  &store.ComposeJob{ComposeId: "c1", Status: store.ComposeStatusQueued},
		statusErr: errors.New("status fetch failed"),
	}
	clock := newFakeClock()
	o := NewOrchestrator(client, nil, nil, WithClock(clock))

	if _, err := o.Trigger(context.Background(), Input{SessionId: "s1"}, false); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	clock.tick()

	deadline := time.Now().Add(time.Second)
	for o.Err() == "" {
		if time.Now().After(deadline) {
			t.Fatal("poll failure was never recorded")
		}
		time.Sleep(time.Millisecond)
	}
	if o.Active() {
		t.Errorf("loop must stop after a poll failure, not retry")
	}
}
