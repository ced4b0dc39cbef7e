package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Reconciliation outcomes reported to OutcomeRecorder
const (
	OutcomeApplied  = "applied"
	OutcomeFailed   = "failed"
	OutcomeCanceled = "canceled"
	OutcomeStale    = "stale"
)

// OutcomeRecorder receives one outcome per settled reconciliation
type OutcomeRecorder interface {
	Reconciled(outcome string)
}

// Target addresses the UI field a failed operation reports into.
// FormID may be empty, in which case the project's current form is used.
type Target struct {
	ProjectID string
	FormID    string
}

// Reconciler is the only writer of content fields in the Store.
// Every remote outcome is folded in here, so failures never escape to callers.
type Reconciler struct {
	store    *Store
	logger   *slog.Logger
	recorder OutcomeRecorder

	mu        sync.Mutex
	nextToken uint64
	sessions  map[string]uint64 // projectID -> token of the active session
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithRecorder reports reconciliation outcomes, e.g. to metrics
func WithRecorder(rec OutcomeRecorder) Option {
	return func(r *Reconciler) {
		r.recorder = rec
	}
}

// NewReconciler creates a Reconciler writing into store
func NewReconciler(store *Store, logger *slog.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		store:    store,
		logger:   logger,
		sessions: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the store this reconciler writes into
func (r *Reconciler) Store() *Store {
	return r.store
}

// Project awaits op and folds its outcome into the project addressed by t.
// A nil snapshot with a nil error acknowledges the operation without content changes.
// Only ErrUnknownProject is returned; backend errors are written into the store.
func (r *Reconciler) Project(ctx context.Context, t Target, op func(context.Context) (*Project, error)) error {
	next, err := op(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.store.Project(t.ProjectID)
	if !ok {
		return fmt.Errorf("reconcile project %s: %w", t.ProjectID, ErrUnknownProject)
	}

	if err != nil {
		if isCanceled(err) {
			r.outcome(OutcomeCanceled)
			return nil
		}
		r.outcome(OutcomeFailed)
		r.logger.Warn("operation failed", "project_id", t.ProjectID, "form_id", t.FormID, "error", err)
		writeError(&prev, t.FormID, err)
		return r.store.ReplaceProject(t.ProjectID, prev)
	}

	merged := prev
	if next != nil {
		merged = mergeLocal(prev, *next)
	}
	RepairForms(&merged)
	r.outcome(OutcomeApplied)
	return r.store.ReplaceProject(t.ProjectID, merged)
}

// Workspace awaits op and replaces the whole store with the returned snapshot.
// Failures are written into the current project.
func (r *Reconciler) Workspace(ctx context.Context, op func(context.Context) (*Workspace, error)) error {
	next, err := op(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		if isCanceled(err) {
			r.outcome(OutcomeCanceled)
			return nil
		}
		r.outcome(OutcomeFailed)
		currentID := r.store.CurrentProjectID()
		r.logger.Warn("workspace operation failed", "project_id", currentID, "error", err)
		p, ok := r.store.Project(currentID)
		if !ok {
			return nil
		}
		writeError(&p, "", err)
		return r.store.ReplaceProject(currentID, p)
	}
	if next == nil {
		r.outcome(OutcomeApplied)
		return nil
	}

	prev := r.store.Workspace()
	merged := Workspace{
		Projects:         make(map[string]Project, len(next.Projects)),
		ProjectIDs:       cloneStrings(next.ProjectIDs),
		CurrentProjectID: next.CurrentProjectID,
	}
	for id, p := range next.Projects {
		if old, ok := prev.Projects[id]; ok {
			p = mergeLocal(old, p)
		}
		merged.Projects[id] = p
	}
	RepairSelection(&merged)

	r.outcome(OutcomeApplied)
	r.store.ReplaceWorkspace(merged)
	return nil
}

// Restore loads a persisted workspace. Control-flow flags never survive a restart:
// forms come back idle and active sessions come back armed.
func (r *Reconciler) Restore(w Workspace) {
	w = w.Clone()
	for id, p := range w.Projects {
		for i := range p.Forms {
			p.Forms[i].InFlight = false
		}
		if p.Session.Status == SessionActive {
			p.Session.Status = SessionArmed
		}
		p.Session.Events = nil
		w.Projects[id] = p
	}
	RepairSelection(&w)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[string]uint64)
	r.store.ReplaceWorkspace(w)
}

// SetInFlight flips the single-flight flag of a form
func (r *Reconciler) SetInFlight(projectID, formID string, inFlight bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.store.Project(projectID)
	if !ok {
		return fmt.Errorf("set in-flight %s: %w", projectID, ErrUnknownProject)
	}
	f := p.FormByID(formID)
	if f == nil {
		return fmt.Errorf("set in-flight %s/%s: %w", projectID, formID, ErrUnknownForm)
	}
	if f.InFlight == inFlight {
		return nil
	}
	f.InFlight = inFlight
	return r.store.ReplaceProject(projectID, p)
}

// OpenSession marks the project's session active with an empty event sequence
// and returns the token that identifies it
func (r *Reconciler) OpenSession(projectID, resource string, from Marker) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.store.Project(projectID)
	if !ok {
		return 0, fmt.Errorf("open session %s: %w", projectID, ErrUnknownProject)
	}

	r.nextToken++
	token := r.nextToken
	r.sessions[projectID] = token

	p.Session = Session{
		Status:   SessionActive,
		Resource: resource,
		From:     from,
		Events:   []Event{},
	}
	p.Error = ""
	return token, r.store.ReplaceProject(projectID, p)
}

// CloseSession drops the accumulated events and marker of the session
// identified by token. The resource name is kept for a later restart.
func (r *Reconciler) CloseSession(projectID string, token uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[projectID] != token {
		return nil
	}
	delete(r.sessions, projectID)

	p, ok := r.store.Project(projectID)
	if !ok {
		return fmt.Errorf("close session %s: %w", projectID, ErrUnknownProject)
	}
	p.Session = Session{Resource: p.Session.Resource}
	return r.store.ReplaceProject(projectID, p)
}

// Session awaits the subscribe call and folds its metadata into the session
// identified by token. Events buffered before the metadata arrived are kept.
func (r *Reconciler) Session(ctx context.Context, projectID string, token uint64, op func(context.Context) (*SessionMetadata, error)) error {
	md, err := op(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.store.Project(projectID)
	if !ok {
		return fmt.Errorf("reconcile session %s: %w", projectID, ErrUnknownProject)
	}

	if err != nil {
		if isCanceled(err) {
			r.outcome(OutcomeCanceled)
			return nil
		}
		r.outcome(OutcomeFailed)
		r.logger.Warn("subscribe failed", "project_id", projectID, "error", err)
		writeError(&p, "", err)
		return r.store.ReplaceProject(projectID, p)
	}

	if r.sessions[projectID] != token || !p.Session.Active() {
		r.outcome(OutcomeStale)
		return nil
	}
	if md != nil {
		c := *md
		p.Session.Metadata = &c
	}
	r.outcome(OutcomeApplied)
	return r.store.ReplaceProject(projectID, p)
}

// AppendEvents adds events to the session identified by token in arrival order.
// It reports false when the token no longer matches the active session.
func (r *Reconciler) AppendEvents(projectID string, token uint64, events ...Event) bool {
	if len(events) == 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[projectID] != token {
		return false
	}
	return r.store.AppendEvents(projectID, events...) == nil
}

func (r *Reconciler) outcome(o string) {
	if r.recorder != nil {
		r.recorder.Reconciled(o)
	}
}

// mergeLocal takes an authoritative snapshot and carries over the fields
// that only exist locally: in-flight flags and the streaming session.
func mergeLocal(prev, next Project) Project {
	merged := next.Clone()
	merged.ID = prev.ID
	for i := range merged.Forms {
		if f := prev.FormByID(merged.Forms[i].ID); f != nil {
			merged.Forms[i].InFlight = f.InFlight
		} else {
			merged.Forms[i].InFlight = false
		}
	}
	merged.Session = prev.Session
	return merged
}

// writeError reports err in the most specific addressable field
func writeError(p *Project, formID string, err error) {
	msg := err.Error()
	if f := p.FormByID(formID); f != nil {
		f.Response = msg
		return
	}
	if f := p.FormByID(p.CurrentFormID); f != nil {
		f.Response = msg
		return
	}
	p.Error = msg
}

// RepairForms points CurrentFormID at the first form when it dangles
func RepairForms(p *Project) {
	if len(p.Forms) == 0 {
		p.CurrentFormID = ""
		return
	}
	if p.FormIndex(p.CurrentFormID) < 0 {
		p.CurrentFormID = p.Forms[0].ID
	}
}

// RepairSelection points CurrentProjectID at the first open project when it
// dangles, and repairs every project's form selection
func RepairSelection(w *Workspace) {
	ids := w.ProjectIDs[:0:0]
	seen := make(map[string]bool, len(w.ProjectIDs))
	for _, id := range w.ProjectIDs {
		if _, ok := w.Projects[id]; ok && !seen[id] {
			ids = append(ids, id)
			seen[id] = true
		}
	}
	w.ProjectIDs = ids

	for id, p := range w.Projects {
		RepairForms(&p)
		w.Projects[id] = p
	}

	if len(w.ProjectIDs) == 0 {
		w.CurrentProjectID = ""
		return
	}
	if !seen[w.CurrentProjectID] {
		w.CurrentProjectID = w.ProjectIDs[0]
	}
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
