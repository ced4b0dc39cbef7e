package binding

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"protodesk/internal/catalog"
	"protodesk/internal/request"
	"protodesk/internal/state"
	"protodesk/internal/streaming"
	"protodesk/internal/workspace"
)

type recordedEvent struct {
	name string
	data map[string]any
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingEmitter) Emit(eventName string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{eventName, data})
}

func (r *recordingEmitter) named(name string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, ev := range r.events {
		if ev.name == name {
			out = append(out, ev)
		}
	}
	return out
}

type echoInvoker struct{}

func (echoInvoker) Invoke(_ context.Context, inv request.Invocation) (string, error) {
	return inv.Payload, nil
}

func (echoInvoker) Cancel(context.Context, string, string) error { return nil }

type hubBackend struct {
	hub *streaming.Hub
}

func (b hubBackend) Subscribe(context.Context, string, uint64, string, state.Marker) (*state.SessionMetadata, error) {
	return &state.SessionMetadata{CountTotal: 1}, nil
}

func (b hubBackend) Unsubscribe(context.Context, string, uint64) error { return nil }

func (b hubBackend) Listen(projectID string, fn func(state.Event)) (streaming.Subscription, error) {
	return b.hub.Listen(projectID, fn)
}

type fixture struct {
	store    *state.Store
	projects *ProjectBinding
	requests *RequestBinding
	streams  *StreamBinding
	hub      *streaming.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"), catalog.DefaultAddresses())
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	store := state.NewStore()
	rec := state.NewReconciler(store, nil)
	hub := streaming.NewHub()
	streams := streaming.NewController(rec, hubBackend{hub: hub}, nil, nil)
	t.Cleanup(func() { streams.Close(context.Background()) })

	svc := workspace.NewService(rec, cat, nil, streams, nil)
	require.NoError(t, svc.Load(context.Background()))

	return &fixture{
		store:    store,
		projects: NewProjectBinding(svc, store),
		requests: NewRequestBinding(request.NewController(rec, echoInvoker{}, request.Options{Recorder: cat}), store),
		streams:  NewStreamBinding(streams, store),
		hub:      hub,
	}
}

func (f *fixture) current(t *testing.T) state.Project {
	t.Helper()
	p, ok := f.store.Project(f.store.CurrentProjectID())
	require.True(t, ok)
	return p
}

func TestProjectBinding_RemoveLastFormReturnsSnapshot(t *testing.T) {
	f := newFixture(t)
	p := f.current(t)
	require.Len(t, p.Forms, 1)

	got, err := f.projects.RemoveForm(p.ID, p.Forms[0].ID)
	require.NoError(t, err)
	assert.Len(t, got.Forms, 1)
	assert.Equal(t, p.Forms[0].ID, got.CurrentFormID)
}

func TestProjectBinding_DeleteLastProjectReturnsSnapshot(t *testing.T) {
	f := newFixture(t)
	p := f.current(t)

	w, err := f.projects.DeleteProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{p.ID}, w.ProjectIDs)
}

func TestProjectBinding_CreateProjectAndForm(t *testing.T) {
	f := newFixture(t)

	w, err := f.projects.CreateProject("grpc", "Orders")
	require.NoError(t, err)
	require.Len(t, w.ProjectIDs, 2)
	assert.Equal(t, "Orders", w.Projects[w.CurrentProjectID].Name)

	p, err := f.projects.CreateForm(w.CurrentProjectID)
	require.NoError(t, err)
	assert.Len(t, p.Forms, 2)
}

func TestProjectBinding_UnknownProjectIsAnError(t *testing.T) {
	f := newFixture(t)

	_, err := f.projects.CreateForm("missing")
	assert.ErrorIs(t, err, state.ErrUnknownProject)
}

func TestProjectBinding_DialogsNeedRuntime(t *testing.T) {
	f := newFixture(t)
	p := f.current(t)

	_, err := f.projects.OpenSchemaFiles(p.ID)
	assert.ErrorIs(t, err, errNoRuntime)
	_, err = f.projects.OpenImportPath(p.ID)
	assert.ErrorIs(t, err, errNoRuntime)
}

func TestRequestBinding_SendWritesResponse(t *testing.T) {
	f := newFixture(t)
	p := f.current(t)
	form := p.Forms[0]

	_, err := f.projects.SavePayload(p.ID, form.ID, `{"id":7}`)
	require.NoError(t, err)

	got, err := f.requests.SendRequest(p.ID, form.ID)
	require.NoError(t, err)
	assert.Equal(t, `{"id":7}`, got.FormByID(form.ID).Response)
	assert.False(t, got.FormByID(form.ID).InFlight)
	assert.False(t, f.requests.InFlight(p.ID, form.ID))

	got, err = f.requests.StopRequest(p.ID, form.ID)
	require.NoError(t, err)
	assert.Equal(t, `{"id":7}`, got.FormByID(form.ID).Response)
}

func TestStreamBinding_SecondStartIsRejected(t *testing.T) {
	f := newFixture(t)
	w, err := f.projects.CreateProject("kafka", "Events")
	require.NoError(t, err)
	id := w.CurrentProjectID

	p, err := f.streams.Start(id, "orders", state.Marker{Strategy: state.MarkerNewest})
	require.NoError(t, err)
	assert.Equal(t, state.SessionActive, p.Session.Status)

	p, err = f.streams.StartHoursAgo(id, "payments", 2)
	require.NoError(t, err)
	assert.Equal(t, "orders", p.Session.Resource)

	p, err = f.streams.Stop(id)
	require.NoError(t, err)
	assert.Empty(t, p.Session.Events)
	assert.Zero(t, f.hub.Listeners(id))
}

func TestForwarder_EmitsChangesAndNewEvents(t *testing.T) {
	f := newFixture(t)
	em := &recordingEmitter{}
	fw := NewForwarder(f.store, em)
	fw.Start()
	defer fw.Stop()

	require.Len(t, em.named(EventWorkspace), 1)

	w, err := f.projects.CreateProject("kafka", "Events")
	require.NoError(t, err)
	id := w.CurrentProjectID
	assert.Len(t, em.named(EventWorkspace), 2)

	_, err = f.streams.Start(id, "orders", state.Marker{Strategy: state.MarkerOldest})
	require.NoError(t, err)
	projectEvents := len(em.named(EventProject))
	assert.NotZero(t, projectEvents)

	f.hub.Publish(id, json.RawMessage(`{"n":1}`))
	f.hub.Publish(id, json.RawMessage(`{"n":2}`))
	assert.Len(t, em.named(EventProject), projectEvents, "appended events do not resend the project")

	streamed := em.named(EventStream)
	require.Len(t, streamed, 2)
	for i, ev := range streamed {
		assert.Equal(t, id, ev.data["projectId"])
		events := ev.data["events"].([]state.Event)
		require.Len(t, events, 1)
		assert.JSONEq(t, []string{`{"n":1}`, `{"n":2}`}[i], string(events[0].Payload))
	}

	fw.Stop()
	f.hub.Publish(id, json.RawMessage(`{"n":3}`))
	assert.Len(t, em.named(EventStream), 2)
}
