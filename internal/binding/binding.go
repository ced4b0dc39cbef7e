// Package binding exposes the session core to the Wails frontend.
package binding

import (
	"context"
	"errors"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"protodesk/internal/state"
	"protodesk/internal/streaming"
)

var errNoRuntime = errors.New("runtime context is not set")

// runtimeLog logs through the Wails runtime once a context is set
type runtimeLog struct {
	ctx context.Context
}

// SetContext sets the Wails runtime context
func (r *runtimeLog) SetContext(ctx context.Context) {
	r.ctx = ctx
}

func (r *runtimeLog) context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

func (r *runtimeLog) logInfo(msg string) {
	if r.ctx != nil {
		runtime.LogInfo(r.ctx, msg)
	}
}

func (r *runtimeLog) logWarning(msg string) {
	if r.ctx != nil {
		runtime.LogWarning(r.ctx, msg)
	}
}

func (r *runtimeLog) logError(msg string) {
	if r.ctx != nil {
		runtime.LogError(r.ctx, msg)
	}
}

// rejected reports errors for operations that were refused locally and left
// the state untouched
func rejected(err error) bool {
	return errors.Is(err, state.ErrLastForm) ||
		errors.Is(err, state.ErrLastProject) ||
		errors.Is(err, streaming.ErrAlreadyActive) ||
		errors.Is(err, streaming.ErrNoResource)
}
