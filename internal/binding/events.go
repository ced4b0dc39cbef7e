package binding

import (
	"context"
	"sync"
	"time"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"protodesk/internal/state"
)

// Event names pushed to the frontend
const (
	EventWorkspace = "state:workspace"
	EventProject   = "state:project"
	EventStream    = "stream:events"
)

// Emitter abstracts event delivery to the frontend.
// WailsEmitter is used in the app, tests record events instead.
type Emitter interface {
	Emit(eventName string, data map[string]any)
}

// WailsEmitter emits through the Wails runtime once a context is set
type WailsEmitter struct {
	mu  sync.RWMutex
	ctx context.Context
}

// SetContext sets the Wails runtime context
func (we *WailsEmitter) SetContext(ctx context.Context) {
	we.mu.Lock()
	we.ctx = ctx
	we.mu.Unlock()
}

func (we *WailsEmitter) Emit(eventName string, data map[string]any) {
	we.mu.RLock()
	ctx := we.ctx
	we.mu.RUnlock()
	if ctx != nil {
		runtime.EventsEmit(ctx, eventName, data)
	}
}

// Forwarder pushes store changes to the frontend. Appended session events
// are sent on their own, without the project they belong to.
type Forwarder struct {
	store   *state.Store
	emitter Emitter

	mu     sync.Mutex
	seen   map[string]int
	cancel func()
}

// NewForwarder creates a Forwarder. Call Start to begin forwarding.
func NewForwarder(store *state.Store, emitter Emitter) *Forwarder {
	return &Forwarder{
		store:   store,
		emitter: emitter,
		seen:    make(map[string]int),
	}
}

// Start subscribes to the store and sends the current workspace once
func (f *Forwarder) Start() {
	f.mu.Lock()
	if f.cancel != nil {
		f.mu.Unlock()
		return
	}
	f.cancel = f.store.Subscribe(f.onChange)
	f.mu.Unlock()
	f.onChange(state.Change{Kind: state.ChangeWorkspace})
}

// Stop unsubscribes from the store
func (f *Forwarder) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
}

func (f *Forwarder) onChange(c state.Change) {
	switch c.Kind {
	case state.ChangeWorkspace:
		w := f.store.Workspace()
		f.emitter.Emit(EventWorkspace, map[string]any{
			"workspace": w,
			"timestamp": time.Now().UnixMilli(),
		})
		for _, id := range w.ProjectIDs {
			f.forwardEvents(id, w.Projects[id].Session)
		}
	case state.ChangeProject:
		p, ok := f.store.Project(c.ProjectID)
		if !ok {
			return
		}
		f.emitter.Emit(EventProject, map[string]any{
			"projectId": c.ProjectID,
			"project":   p,
			"timestamp": time.Now().UnixMilli(),
		})
		f.forwardEvents(c.ProjectID, p.Session)
	case state.ChangeEvents:
		f.mu.Lock()
		f.seen[c.ProjectID] += len(c.Events)
		f.mu.Unlock()
		f.emitStream(c.ProjectID, c.Events)
	}
}

// forwardEvents emits the events appended since the last change. A shorter
// buffer means the session was restarted or stopped.
func (f *Forwarder) forwardEvents(projectID string, sess state.Session) {
	f.mu.Lock()
	last := f.seen[projectID]
	n := len(sess.Events)
	if n < last {
		last = 0
	}
	f.seen[projectID] = n
	f.mu.Unlock()

	if n == last {
		return
	}
	f.emitStream(projectID, sess.Events[last:])
}

func (f *Forwarder) emitStream(projectID string, events []state.Event) {
	f.emitter.Emit(EventStream, map[string]any{
		"projectId": projectID,
		"events":    events,
		"timestamp": time.Now().UnixMilli(),
	})
}
