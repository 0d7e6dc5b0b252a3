// Package session owns the answer to "what session am I updating": it merges
// locally computed results into the server-affiliated session object,
// persists named snapshots keyed by session id, and recovers snapshots on
// rehydration.
package session

import (
	"strings"
	"sync"
	"time"

	"clinical-finalize-be/internal/pkg/logger"
	"clinical-finalize-be/pkg/store"
)

// Extras carries the optional fields a persist call shallow-merges onto the
// previous snapshot. Nil fields leave the stored value untouched, so
// concurrent writers compose as long as each only sets the fields it owns.
type Extras struct {
	LastPreFinalize    map[string]interface{}
	LastFinalizeResult map[string]interface{}
	ComposeJob         *store.ComposeJob
	Dispatch           map[string]interface{}
	Attestation        map[string]interface{}
	Transcript         []store.TranscriptEntry
}

// merge folds o onto e field-by-field.
func (e *Extras) merge(o Extras) {
	if o.LastPreFinalize != nil {
		e.LastPreFinalize = o.LastPreFinalize
	}
	if o.LastFinalizeResult != nil {
		e.LastFinalizeResult = o.LastFinalizeResult
	}
	if o.ComposeJob != nil {
		e.ComposeJob = o.ComposeJob
	}
	if o.Dispatch != nil {
		e.Dispatch = o.Dispatch
	}
	if o.Attestation != nil {
		e.Attestation = o.Attestation
	}
	if o.Transcript != nil {
		e.Transcript = o.Transcript
	}
}

// Reconciler is the single writer path into the snapshot store for one open
// wizard.
type Reconciler struct {
	store  Store
	logger logger.ILogger

	mu               sync.Mutex
	current          *store.WorkflowSession
	initialSessionId string
	initialSnapshot  *store.StoredFinalizationSession
	pending          Extras // buffered merges while no session id is known yet
	hasPending       bool
	now              func() time.Time
}

func NewReconciler(st Store, log logger.ILogger) *Reconciler {
	return &Reconciler{store: st, logger: log, now: time.Now}
}

// Seed installs an explicitly supplied initial snapshot and/or a prior
// session id, both consulted during Resolve.
func (r *Reconciler) Seed(initial *store.StoredFinalizationSession, priorSessionId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initialSnapshot = initial
	r.initialSessionId = priorSessionId
}

// Track records the current in-memory session. Buffered merges from earlier
// Persist calls with no id flush on the next Persist.
func (r *Reconciler) Track(sess *store.WorkflowSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = sess
}

// Update runs fn on the tracked session under the reconciler's lock and
// reports whether it ran. The compose poll goroutine and the request path
// both mutate the session, so every write goes through here.
func (r *Reconciler) Update(fn func(sess *store.WorkflowSession)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return false
	}
	fn(r.current)
	return true
}

// Snapshot returns a shallow copy of the tracked session taken under the
// lock, nil before first Track. The copy is safe to read concurrently with
// Update; callers must not mutate its slices or maps.
func (r *Reconciler) Snapshot() *store.WorkflowSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	snap := *r.current
	return &snap
}

// Resolve finds the existing snapshot for this wizard, in fixed order:
// explicit initial snapshot, snapshot under the current session id, snapshot
// under the initial/prior session id, then a case-insensitive encounter-id
// match when no id-based match exists.
func (r *Reconciler) Resolve(encounterId string) *store.StoredFinalizationSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialSnapshot != nil {
		return r.initialSnapshot
	}
	if r.current != nil && r.current.SessionId != "" {
		if snap, ok := r.store.Get(r.current.SessionId); ok {
			return snap
		}
	}
	if r.initialSessionId != "" {
		if snap, ok := r.store.Get(r.initialSessionId); ok {
			return snap
		}
	}
	if strings.TrimSpace(encounterId) != "" {
		if snap, ok := r.store.FindByEncounter(encounterId); ok {
			return snap
		}
	}
	return nil
}

// Persist shallow-merges extras onto the previous stored snapshot for the
// session id and writes the result back. Persisted snapshots are monotone: a
// later persist never removes a field an earlier one set unless explicitly
// overwritten. With no session id known yet the merge is buffered against the
// last known in-memory session rather than dropped.
func (r *Reconciler) Persist(sess *store.WorkflowSession, extras Extras) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess == nil {
		sess = r.current
	}
	if sess != nil {
		r.current = sess
	}

	if sess == nil || sess.SessionId == "" {
		r.pending.merge(extras)
		r.hasPending = true
		if r.logger != nil {
			r.logger.Warn("SessionReconciler", "Persist buffered: no session id yet", nil)
		}
		return
	}

	if r.hasPending {
		buffered := r.pending
		buffered.merge(extras)
		extras = buffered
		r.pending = Extras{}
		r.hasPending = false
	}

	prev, ok := r.store.Get(sess.SessionId)
	if !ok {
		prev = &store.StoredFinalizationSession{SessionId: sess.SessionId}
	}

	snap := *prev
	snap.SessionId = sess.SessionId
	snap.Session = sess
	if extras.LastPreFinalize != nil {
		snap.LastPreFinalize = extras.LastPreFinalize
	}
	if extras.LastFinalizeResult != nil {
		snap.LastFinalizeResult = extras.LastFinalizeResult
	}
	if extras.ComposeJob != nil {
		sess.ComposeJob = extras.ComposeJob
	}
	if extras.Dispatch != nil {
		sess.Dispatch = extras.Dispatch
	}
	if extras.Attestation != nil {
		sess.Attestation = extras.Attestation
	}
	if extras.Transcript != nil {
		snap.Transcript = extras.Transcript
	}
	snap.UpdatedAt = r.now()

	r.store.Put(&snap)
}
