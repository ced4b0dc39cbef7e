package request

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"protodesk/internal/state"
)

// ErrUnsupportedKind is returned for project kinds without a unary backend
var ErrUnsupportedKind = errors.New("unsupported project kind")

// Mux routes invocations to a per-kind Invoker
type Mux struct {
	invokers map[state.Kind]Invoker

	mu    sync.Mutex
	kinds map[formKey]state.Kind
}

// NewMux creates an empty Mux
func NewMux() *Mux {
	return &Mux{
		invokers: make(map[state.Kind]Invoker),
		kinds:    make(map[formKey]state.Kind),
	}
}

// Handle registers inv for kind
func (m *Mux) Handle(kind state.Kind, inv Invoker) {
	m.invokers[kind] = inv
}

func (m *Mux) Invoke(ctx context.Context, inv Invocation) (string, error) {
	backend, ok := m.invokers[inv.Kind]
	if !ok {
		return "", fmt.Errorf("invoke %q: %w", inv.Kind, ErrUnsupportedKind)
	}
	key := formKey{inv.ProjectID, inv.FormID}
	m.mu.Lock()
	m.kinds[key] = inv.Kind
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.kinds, key)
		m.mu.Unlock()
	}()
	return backend.Invoke(ctx, inv)
}

// Cancel forwards to the invoker that owns the form's last invocation.
// A form with nothing outstanding cancels as a no-op.
func (m *Mux) Cancel(ctx context.Context, projectID, formID string) error {
	m.mu.Lock()
	kind, ok := m.kinds[formKey{projectID, formID}]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.invokers[kind].Cancel(ctx, projectID, formID)
}
