package binding

import (
	"fmt"

	"protodesk/internal/request"
	"protodesk/internal/state"
)

// RequestBinding provides frontend bindings for sending unary requests
type RequestBinding struct {
	runtimeLog
	ctl   *request.Controller
	store *state.Store
}

// NewRequestBinding creates a new RequestBinding instance
func NewRequestBinding(ctl *request.Controller, store *state.Store) *RequestBinding {
	return &RequestBinding{ctl: ctl, store: store}
}

// SendRequest sends the form's request and returns the project once the
// response has been written. A form that already has a request in flight is
// returned unchanged.
func (r *RequestBinding) SendRequest(projectID, formID string) (state.Project, error) {
	r.logInfo(fmt.Sprintf("Sending request: %s/%s", projectID, formID))
	if err := r.ctl.SendRequest(r.context(), projectID, formID); err != nil {
		r.logError(fmt.Sprintf("Failed to send request: %v", err))
		return state.Project{}, err
	}
	return r.snapshot(projectID)
}

// StopRequest cancels the form's outstanding request
func (r *RequestBinding) StopRequest(projectID, formID string) (state.Project, error) {
	r.logInfo(fmt.Sprintf("Stopping request: %s/%s", projectID, formID))
	if err := r.ctl.StopRequest(r.context(), projectID, formID); err != nil {
		r.logError(fmt.Sprintf("Failed to stop request: %v", err))
		return state.Project{}, err
	}
	return r.snapshot(projectID)
}

// InFlight reports whether the form has an outstanding request
func (r *RequestBinding) InFlight(projectID, formID string) bool {
	return r.ctl.InFlight(projectID, formID)
}

func (r *RequestBinding) snapshot(projectID string) (state.Project, error) {
	p, ok := r.store.Project(projectID)
	if !ok {
		return state.Project{}, fmt.Errorf("project %s: %w", projectID, state.ErrUnknownProject)
	}
	return p, nil
}
