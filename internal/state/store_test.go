package state

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedStore(t *testing.T, projects ...Project) *Store {
	t.Helper()
	s := NewStore()
	w := Workspace{Projects: map[string]Project{}}
	for _, p := range projects {
		w.Projects[p.ID] = p
		w.ProjectIDs = append(w.ProjectIDs, p.ID)
	}
	if len(projects) > 0 {
		w.CurrentProjectID = projects[0].ID
	}
	s.ReplaceWorkspace(w)
	return s
}

func grpcProject(id string, formIDs ...string) Project {
	p := Project{ID: id, Name: id, Kind: KindGRPC, Config: Config{Address: "0.0.0.0:50051"}}
	for _, fid := range formIDs {
		p.Forms = append(p.Forms, Form{
			ID:       fid,
			Address:  "0.0.0.0:50051",
			Payload:  "{}",
			Response: "{}",
			Headers:  []Header{{ID: fid + "-h1"}},
		})
	}
	if len(formIDs) > 0 {
		p.CurrentFormID = formIDs[0]
	}
	return p
}

func TestStore_UnknownIDsReturnAbsent(t *testing.T) {
	s := NewStore()

	_, ok := s.Project("missing")
	assert.False(t, ok)
	_, ok = s.Form("missing", "f")
	assert.False(t, ok)
	_, ok = s.Session("missing")
	assert.False(t, ok)
	nodes, ok := s.Descriptors("missing")
	assert.False(t, ok)
	assert.Nil(t, nodes)
	assert.Empty(t, s.ProjectIDs())
	assert.Equal(t, "", s.CurrentProjectID())
}

func TestStore_AccessorsReturnCopies(t *testing.T) {
	p := grpcProject("p1", "f1")
	p.Descriptors = []Node{{ID: "file", Children: []Node{{ID: "svc"}}}}
	s := seedStore(t, p)

	got, ok := s.Project("p1")
	require.True(t, ok)
	got.Forms[0].Response = "mutated"
	got.Forms[0].Headers[0].Key = "mutated"
	got.Descriptors[0].Children[0].ID = "mutated"

	again, _ := s.Project("p1")
	assert.Equal(t, "{}", again.Forms[0].Response)
	assert.Equal(t, "", again.Forms[0].Headers[0].Key)

	nodes, ok := s.Descriptors("p1")
	require.True(t, ok)
	assert.Equal(t, "svc", nodes[0].Children[0].ID)
}

func TestStore_ReplaceProjectUnknown(t *testing.T) {
	s := NewStore()
	err := s.ReplaceProject("nope", Project{})
	assert.ErrorIs(t, err, ErrUnknownProject)
}

func TestStore_ReplaceProjectSwapsSubtree(t *testing.T) {
	s := seedStore(t, grpcProject("p1", "f1"))

	next := grpcProject("ignored", "f2", "f3")
	require.NoError(t, s.ReplaceProject("p1", next))

	got, ok := s.Project("p1")
	require.True(t, ok)
	assert.Equal(t, "p1", got.ID)
	require.Len(t, got.Forms, 2)
	_, ok = s.Form("p1", "f1")
	assert.False(t, ok)
	f, ok := s.Form("p1", "f3")
	require.True(t, ok)
	assert.Equal(t, "f3", f.ID)
}

func TestStore_ReplaceWorkspaceDropsUnknownAndDuplicateIDs(t *testing.T) {
	s := NewStore()
	s.ReplaceWorkspace(Workspace{
		Projects:         map[string]Project{"a": grpcProject("a", "f"), "b": grpcProject("b", "g")},
		ProjectIDs:       []string{"a", "ghost", "b", "a"},
		CurrentProjectID: "b",
	})

	assert.Equal(t, []string{"a", "b"}, s.ProjectIDs())
	assert.Equal(t, "b", s.CurrentProjectID())
	w := s.Workspace()
	assert.Len(t, w.Projects, 2)
}

func TestStore_ObserversNotifiedPerMutation(t *testing.T) {
	s := seedStore(t, grpcProject("p1", "f1"))

	var mu sync.Mutex
	var changes []Change
	unsubscribe := s.Subscribe(func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	require.NoError(t, s.ReplaceProject("p1", grpcProject("p1", "f1")))
	s.ReplaceWorkspace(Workspace{})
	unsubscribe()
	s.ReplaceWorkspace(Workspace{})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 2)
	assert.Equal(t, Change{Kind: ChangeProject, ProjectID: "p1"}, changes[0])
	assert.Equal(t, ChangeWorkspace, changes[1].Kind)
}

func TestStore_ConcurrentReadsAndReplaces(t *testing.T) {
	s := seedStore(t, grpcProject("p1", "f1"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 100 {
				_, _ = s.Project("p1")
				_ = s.Workspace()
			}
		}()
		go func() {
			defer wg.Done()
			for range 100 {
				_ = s.ReplaceProject("p1", grpcProject("p1", "f1"))
			}
		}()
	}
	wg.Wait()

	_, ok := s.Form("p1", "f1")
	assert.True(t, ok)
}

func activeKafka(id string) Project {
	return Project{ID: id, Kind: KindKafka, Session: Session{Status: SessionActive, Resource: "orders", Events: []Event{}}}
}

func TestStore_AppendEventsNotifiesOnlyTheNewEvents(t *testing.T) {
	s := seedStore(t, activeKafka("k1"))

	var changes []Change
	s.Subscribe(func(c Change) { changes = append(changes, c) })

	require.NoError(t, s.AppendEvents("k1", Event{Payload: json.RawMessage(`1`)}))
	require.NoError(t, s.AppendEvents("k1", Event{Payload: json.RawMessage(`2`)}, Event{Payload: json.RawMessage(`3`)}))

	require.Len(t, changes, 2)
	for _, c := range changes {
		assert.Equal(t, ChangeEvents, c.Kind)
		assert.Equal(t, "k1", c.ProjectID)
	}
	require.Len(t, changes[1].Events, 2)
	assert.JSONEq(t, `2`, string(changes[1].Events[0].Payload))

	sess, _ := s.Session("k1")
	assert.Len(t, sess.Events, 3)

	// copies handed out earlier do not see later appends
	require.NoError(t, s.AppendEvents("k1", Event{Payload: json.RawMessage(`4`)}))
	assert.Len(t, sess.Events, 3)
}

func TestStore_AppendEventsRequiresActiveSession(t *testing.T) {
	s := seedStore(t, Project{ID: "k1", Kind: KindKafka})

	assert.ErrorIs(t, s.AppendEvents("ghost", Event{}), ErrUnknownProject)
	assert.Error(t, s.AppendEvents("k1", Event{}))
	sess, _ := s.Session("k1")
	assert.Empty(t, sess.Events)
}

func TestStore_AppendEventsGrowsInPlace(t *testing.T) {
	s := seedStore(t, activeKafka("k1"))
	const n = 20000

	reallocs := 0
	lastCap := -1
	for i := 0; i < n; i++ {
		require.NoError(t, s.AppendEvents("k1", Event{Payload: json.RawMessage(`1`)}))
		s.mu.RLock()
		c := cap(s.projects["k1"].Session.Events)
		s.mu.RUnlock()
		if c != lastCap {
			reallocs++
			lastCap = c
		}
	}
	assert.Less(t, reallocs, 64, "the event buffer must grow geometrically, not per event")
}

func TestReconciler_EventIngestIsLinear(t *testing.T) {
	s := seedStore(t, Project{ID: "k1", Kind: KindKafka})
	r := NewReconciler(s, nil)
	token, err := r.OpenSession("k1", "orders", Marker{})
	require.NoError(t, err)

	notified := 0
	s.Subscribe(func(Change) { notified++ })

	const n = 50000
	start := time.Now()
	for i := 0; i < n; i++ {
		require.True(t, r.AppendEvents("k1", token, Event{Payload: json.RawMessage(`{"n":1}`)}))
	}
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, n, notified)

	sess, _ := s.Session("k1")
	assert.Len(t, sess.Events, n)
}
