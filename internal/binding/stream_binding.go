package binding

import (
	"fmt"

	"protodesk/internal/state"
	"protodesk/internal/streaming"
)

// StreamBinding provides frontend bindings for streaming sessions
type StreamBinding struct {
	runtimeLog
	ctl   *streaming.Controller
	store *state.Store
}

// NewStreamBinding creates a new StreamBinding instance
func NewStreamBinding(ctl *streaming.Controller, store *state.Store) *StreamBinding {
	return &StreamBinding{ctl: ctl, store: store}
}

// Start begins consuming resource from the given marker
func (s *StreamBinding) Start(projectID, resource string, from state.Marker) (state.Project, error) {
	s.logInfo(fmt.Sprintf("Starting session: %s on %s", resource, projectID))
	return s.result(projectID, "start session", s.ctl.Start(s.context(), projectID, resource, from))
}

// StartHoursAgo begins consuming resource from n hours before now
func (s *StreamBinding) StartHoursAgo(projectID, resource string, hours int) (state.Project, error) {
	return s.Start(projectID, resource, state.HoursAgo(hours))
}

// Stop ends the project's session
func (s *StreamBinding) Stop(projectID string) (state.Project, error) {
	s.logInfo(fmt.Sprintf("Stopping session: %s", projectID))
	return s.result(projectID, "stop session", s.ctl.Stop(s.context(), projectID))
}

// Restart resubscribes to the last resource from a new marker
func (s *StreamBinding) Restart(projectID string, from state.Marker) (state.Project, error) {
	s.logInfo(fmt.Sprintf("Restarting session: %s", projectID))
	return s.result(projectID, "restart session", s.ctl.Restart(s.context(), projectID, from))
}

func (s *StreamBinding) result(projectID, action string, err error) (state.Project, error) {
	if err != nil {
		if !rejected(err) {
			s.logError(fmt.Sprintf("Failed to %s: %v", action, err))
			return state.Project{}, err
		}
		s.logWarning(fmt.Sprintf("Rejected %s: %v", action, err))
	}
	p, ok := s.store.Project(projectID)
	if !ok {
		return state.Project{}, fmt.Errorf("project %s: %w", projectID, state.ErrUnknownProject)
	}
	return p, nil
}
