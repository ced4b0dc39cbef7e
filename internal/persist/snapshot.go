package persist

import (
	"encoding/json"
	"fmt"
	"time"

	"protodesk/internal/state"
)

// WorkspaceKey is the key the workspace snapshot is stored under
const WorkspaceKey = "workspace"

const snapshotVersion = 1

// sessionRecord is the persisted part of a streaming session
type sessionRecord struct {
	Status   state.SessionStatus `json:"status"`
	Resource string              `json:"resource"`
	From     state.Marker        `json:"from"`
}

type snapshot struct {
	Version          int                      `json:"version"`
	Projects         map[string]state.Project `json:"projects"`
	ProjectIDs       []string                 `json:"projectIDs"`
	CurrentProjectID string                   `json:"currentProjectID"`
	Sessions         map[string]sessionRecord `json:"sessions"`
	SavedAt          time.Time                `json:"savedAt"`
}

// Encode serializes w. Control flags, accumulated events, transient errors
// and credentials are not persisted.
func Encode(w state.Workspace) ([]byte, error) {
	snap := snapshot{
		Version:          snapshotVersion,
		Projects:         make(map[string]state.Project, len(w.Projects)),
		ProjectIDs:       w.ProjectIDs,
		CurrentProjectID: w.CurrentProjectID,
		Sessions:         make(map[string]sessionRecord),
		SavedAt:          time.Now().UTC(),
	}
	for id, p := range w.Projects {
		p = p.Clone()
		p.Config.AuthPassword = ""
		p.Error = ""
		for i := range p.Forms {
			p.Forms[i].InFlight = false
		}
		if p.Session.Status != state.SessionAbsent || p.Session.Resource != "" {
			snap.Sessions[id] = sessionRecord{
				Status:   p.Session.Status,
				Resource: p.Session.Resource,
				From:     p.Session.From,
			}
		}
		p.Session = state.Session{}
		snap.Projects[id] = p
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}

// Decode restores a workspace from blob. It never fails to produce a
// workspace: malformed input yields an empty one together with the error,
// unreadable projects are dropped and missing fields take their defaults.
func Decode(blob []byte) (state.Workspace, error) {
	empty := state.Workspace{Projects: map[string]state.Project{}}

	var raw map[string]interface{}
	if err := json.Unmarshal(blob, &raw); err != nil {
		return empty, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	if raw == nil {
		return empty, fmt.Errorf("snapshot is not an object")
	}

	w := state.Workspace{
		Projects:         map[string]state.Project{},
		ProjectIDs:       getStringArrayField(raw, "projectIDs", nil),
		CurrentProjectID: getStringField(raw, "currentProjectID", ""),
	}

	projects, _ := raw["projects"].(map[string]interface{})
	sessions, _ := raw["sessions"].(map[string]interface{})

	var dropped []string
	for id, v := range projects {
		p, err := decodeProject(id, v)
		if err != nil {
			dropped = append(dropped, id)
			continue
		}
		if s, ok := sessions[id].(map[string]interface{}); ok {
			p.Session = decodeSession(s)
		}
		w.Projects[id] = p
	}

	state.RepairSelection(&w)
	if len(dropped) > 0 {
		return w, fmt.Errorf("dropped unreadable projects %v", dropped)
	}
	return w, nil
}

func decodeProject(id string, v interface{}) (state.Project, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return state.Project{}, err
	}
	var p state.Project
	if err := json.Unmarshal(data, &p); err != nil {
		return state.Project{}, err
	}
	p.ID = id
	if !p.Kind.Valid() {
		return state.Project{}, fmt.Errorf("project %s: unknown kind %q", id, p.Kind)
	}
	p.Session = state.Session{}
	if p.Forms == nil {
		p.Forms = []state.Form{}
	}
	return p, nil
}

func decodeSession(s map[string]interface{}) state.Session {
	sess := state.Session{
		Status:   state.SessionStatus(getStringField(s, "status", "")),
		Resource: getStringField(s, "resource", ""),
	}
	if from, ok := s["from"].(map[string]interface{}); ok {
		sess.From = state.Marker{
			Strategy: state.MarkerStrategy(getStringField(from, "strategy", "")),
			Offset:   int64(getFloatField(from, "offset", 0)),
		}
		if ts := getStringField(from, "time", ""); ts != "" {
			if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				sess.From.Time = t
			}
		}
	}
	switch sess.Status {
	case state.SessionAbsent, state.SessionArmed, state.SessionActive:
	default:
		sess.Status = state.SessionAbsent
	}
	return sess
}

// getStringField extracts a string, falling back to defaultVal
func getStringField(data map[string]interface{}, key, defaultVal string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return defaultVal
}

func getFloatField(data map[string]interface{}, key string, defaultVal float64) float64 {
	if val, ok := data[key]; ok {
		if f, ok := val.(float64); ok {
			return f
		}
	}
	return defaultVal
}

func getStringArrayField(data map[string]interface{}, key string, defaultVal []string) []string {
	val, ok := data[key].([]interface{})
	if !ok {
		return defaultVal
	}
	out := make([]string, 0, len(val))
	for _, item := range val {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
