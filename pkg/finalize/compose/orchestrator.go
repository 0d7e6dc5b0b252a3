// Package compose drives the asynchronous note-compose job: start with
// fingerprint de-duplication, poll on a fixed interval until a terminal
// status, cancel cleanly when the wizard closes.
package compose

import (
	"context"
	"fmt"
	"sync"
	"time"

	"clinical-finalize-be/internal/pkg/logger"
	"clinical-finalize-be/pkg/store"
)

// DefaultPollInterval is the status-poll cadence when none is configured.
const DefaultPollInterval = 650 * time.Millisecond

// Client is the slice of the backend API the orchestrator needs.
type Client interface {
	StartCompose(ctx context.Context, in Input) (*store.ComposeJob, error)
	ComposeStatus(ctx context.Context, composeId string) (*store.ComposeJob, error)
}

// Clock abstracts the poll timer so tests drive the loop with a fake clock
// instead of real sleeps.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Handle is a cancellable reference to one running poll loop.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the poll loop. An in-flight status request is allowed to
// complete but its result is discarded.
func (h *Handle) Cancel() {
	if h != nil {
		h.cancel()
	}
}

// Done closes once the loop has fully exited.
func (h *Handle) Done() <-chan struct{} {
	if h == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return h.done
}

// Orchestrator is the per-session compose state machine:
// idle -> starting -> polling -> {completed|failed|blocked|cancelled}.
type Orchestrator struct {
	client   Client
	persist  func(job *store.ComposeJob)
	interval time.Duration
	clock    Clock
	logger   logger.ILogger

	mu      sync.Mutex
	lastFP  uint64
	hasFP   bool
	handle  *Handle
	job     *store.ComposeJob
	lastErr string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPollInterval overrides the default 650ms polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithClock injects a fake clock for tests.
func WithClock(c Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// NewOrchestrator creates a compose orchestrator. persist is called with
// every job update so the session snapshot tracks the loop tick by tick.
func NewOrchestrator(client Client, persist func(job *store.ComposeJob), log logger.ILogger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:   client,
		persist:  persist,
		interval: DefaultPollInterval,
		clock:    realClock{},
		logger:   log,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Trigger starts a compose job unless the input fingerprint matches the last
// one that triggered a start and force is unset. Starting a new job cancels
// any pending poll loop for the previous fingerprint first. Returns whether a
// start request was actually issued.
func (o *Orchestrator) Trigger(ctx context.Context, in Input, force bool) (bool, error) {
	fp := Fingerprint(in)

	o.mu.Lock()
	if o.hasFP && o.lastFP == fp && !force {
		o.mu.Unlock()
		return false, nil
	}
	if o.handle != nil {
		o.handle.Cancel()
		o.handle = nil
	}
	o.lastFP = fp
	o.hasFP = true
	o.lastErr = ""
	o.mu.Unlock()

	job, err := o.client.StartCompose(ctx, in)
	if err != nil {
		// No job was started for this fingerprint, so forget it: a retry
		// with identical input must reach the backend again without force.
		o.mu.Lock()
		if o.lastFP == fp {
			o.hasFP = false
		}
		o.mu.Unlock()
		o.fail(fmt.Sprintf("compose start failed: %v", err))
		return false, fmt.Errorf("start compose: %w", err)
	}

	o.mu.Lock()
	o.job = job
	loopCtx, cancel := context.WithCancel(context.Background())
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	o.handle = h
	o.mu.Unlock()

	if o.persist != nil {
		o.persist(job)
	}

	if o.logger != nil {
		o.logger.Info("ComposeOrchestrator", "Compose job started", map[string]interface{}{
			"compose_id": job.ComposeId,
			"status":     job.Status,
		})
	}

	if job.Terminal() {
		cancel()
		close(h.done)
		return true, nil
	}

	go o.pollLoop(loopCtx, h, job.ComposeId)
	return true, nil
}

// pollLoop fetches job status on a fixed interval, persisting every tick,
// until a terminal status or cancellation.
func (o *Orchestrator) pollLoop(ctx context.Context, h *Handle, composeId string) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.clock.After(o.interval):
		}

		job, err := o.client.ComposeStatus(ctx, composeId)

		// A response landing after cancellation is discarded, not an error.
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			o.fail(fmt.Sprintf("compose poll failed: %v", err))
			return
		}

		o.mu.Lock()
		o.job = job
		o.mu.Unlock()

		if o.persist != nil {
			o.persist(job)
		}

		if job.Terminal() {
			if o.logger != nil {
				o.logger.Info("ComposeOrchestrator", "Compose job finished", map[string]interface{}{
					"compose_id": composeId,
					"status":     job.Status,
				})
			}
			return
		}
	}
}

// fail stops the state machine without retrying; the caller decides whether
// to re-trigger.
func (o *Orchestrator) fail(msg string) {
	o.mu.Lock()
	o.lastErr = msg
	if o.handle != nil {
		o.handle.Cancel()
		o.handle = nil
	}
	o.mu.Unlock()

	if o.logger != nil {
		o.logger.Error("ComposeOrchestrator", msg, nil)
	}
}

// Cancel tears the compose sub-flow down, e.g. on wizard close. Late poll
// responses are ignored afterwards.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	h := o.handle
	o.handle = nil
	o.mu.Unlock()
	h.Cancel()
}

// Active reports whether a poll loop is currently running.
func (o *Orchestrator) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.handle == nil {
		return false
	}
	select {
	case <-o.handle.done:
		return false
	default:
		return true
	}
}

// Job returns the last observed compose job, nil before the first start.
func (o *Orchestrator) Job() *store.ComposeJob {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.job
}

// Err returns the last recorded failure message, empty when healthy.
func (o *Orchestrator) Err() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// Wait blocks until the current poll loop exits. Test helper.
func (o *Orchestrator) Wait() {
	o.mu.Lock()
	h := o.handle
	o.mu.Unlock()
	<-h.Done()
}
