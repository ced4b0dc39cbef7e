// Package request drives single-flight, cancelable request/response exchanges
// for the forms of a project.
package request

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"protodesk/internal/metrics"
	"protodesk/internal/state"
)

// Invocation is everything a unary backend needs to issue one request
type Invocation struct {
	Kind        state.Kind
	ProjectID   string
	FormID      string
	Address     string
	OperationID string
	Payload     string
	Headers     []state.Header
	ImportPaths []string
	SchemaFiles []string
}

// Invoker is the unary invocation backend
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (string, error)
	Cancel(ctx context.Context, projectID, formID string) error
}

// Recorder stores a response on the CRUD backend and returns the
// authoritative project snapshot
type Recorder interface {
	SaveResponse(ctx context.Context, projectID, formID, response string) (*state.Project, error)
}

// Options configures a Controller. Every field is optional.
type Options struct {
	Recorder Recorder
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Timeout  time.Duration
}

type formKey struct {
	projectID string
	formID    string
}

type pending struct {
	gen    uint64
	cancel context.CancelFunc
}

// Controller runs the idle -> sending -> idle state machine of every form
type Controller struct {
	rec      *state.Reconciler
	store    *state.Store
	invoker  Invoker
	recorder Recorder
	logger   *slog.Logger
	metrics  *metrics.Metrics
	timeout  time.Duration

	mu      sync.Mutex
	gen     uint64
	pending map[formKey]*pending
}

// NewController creates a Controller
func NewController(rec *state.Reconciler, invoker Invoker, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		rec:      rec,
		store:    rec.Store(),
		invoker:  invoker,
		recorder: opts.Recorder,
		logger:   logger,
		metrics:  opts.Metrics,
		timeout:  opts.Timeout,
		pending:  make(map[formKey]*pending),
	}
}

// SendRequest invokes the form's operation and reconciles the result.
// It is a no-op while the form already has a request in flight.
func (c *Controller) SendRequest(ctx context.Context, projectID, formID string) error {
	key := formKey{projectID, formID}

	c.mu.Lock()
	project, ok := c.store.Project(projectID)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("send request %s: %w", projectID, state.ErrUnknownProject)
	}
	form := project.FormByID(formID)
	if form == nil {
		c.mu.Unlock()
		return fmt.Errorf("send request %s/%s: %w", projectID, formID, state.ErrUnknownForm)
	}
	if form.InFlight || c.pending[key] != nil {
		c.mu.Unlock()
		c.logger.Debug("request already in flight", "project_id", projectID, "form_id", formID)
		c.metrics.RequestSettled(string(project.Kind), metrics.RequestSkipped)
		return nil
	}
	if err := c.rec.SetInFlight(projectID, formID, true); err != nil {
		c.mu.Unlock()
		return err
	}

	var reqCtx context.Context
	var cancel context.CancelFunc
	if c.timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
	} else {
		reqCtx, cancel = context.WithCancel(ctx)
	}
	c.gen++
	p := &pending{gen: c.gen, cancel: cancel}
	c.pending[key] = p
	c.mu.Unlock()
	c.metrics.InFlight(1)

	inv := Invocation{
		Kind:        project.Kind,
		ProjectID:   projectID,
		FormID:      formID,
		Address:     form.Address,
		OperationID: form.OperationID,
		Payload:     form.Payload,
		Headers:     form.Headers,
		ImportPaths: project.ImportPaths,
		SchemaFiles: project.SchemaFiles,
	}

	c.logger.Info("sending request", "project_id", projectID, "form_id", formID, "operation", form.OperationID, "address", form.Address)
	started := time.Now()
	response, err := c.invoker.Invoke(reqCtx, inv)
	cancel()

	var snapshot *state.Project
	if err == nil && c.recorder != nil {
		snapshot, err = c.recorder.SaveResponse(ctx, projectID, formID, response)
	}

	if settleErr := c.settle(key, p); settleErr != nil {
		c.logger.Error("failed to clear in-flight flag", "project_id", projectID, "form_id", formID, "error", settleErr)
	}
	c.metrics.RequestSettled(string(project.Kind), outcomeOf(err))
	c.logger.Info("request settled", "project_id", projectID, "form_id", formID, "duration", time.Since(started), "error", err)

	return c.rec.Project(ctx, state.Target{ProjectID: projectID, FormID: formID}, func(context.Context) (*state.Project, error) {
		if err != nil {
			return nil, err
		}
		if snapshot != nil {
			return snapshot, nil
		}
		current, ok := c.store.Project(projectID)
		if !ok {
			return nil, state.ErrUnknownProject
		}
		if f := current.FormByID(formID); f != nil {
			f.Response = response
		}
		return &current, nil
	})
}

// StopRequest cancels the form's outstanding request. The in-flight flag is
// cleared before the backend is asked to cancel, so a failing cancel can never
// leave the form stuck.
func (c *Controller) StopRequest(ctx context.Context, projectID, formID string) error {
	key := formKey{projectID, formID}

	c.mu.Lock()
	form, ok := c.store.Form(projectID, formID)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("stop request %s/%s: %w", projectID, formID, state.ErrUnknownForm)
	}
	if !form.InFlight {
		c.mu.Unlock()
		return nil
	}
	if p := c.pending[key]; p != nil {
		delete(c.pending, key)
		p.cancel()
		c.metrics.InFlight(-1)
	}
	err := c.rec.SetInFlight(projectID, formID, false)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.logger.Info("stopping request", "project_id", projectID, "form_id", formID)
	cancelErr := c.invoker.Cancel(ctx, projectID, formID)
	if cancelErr != nil {
		c.metrics.StopSettled(metrics.RequestFailed)
	} else {
		c.metrics.StopSettled(metrics.RequestSucceeded)
	}

	return c.rec.Project(ctx, state.Target{ProjectID: projectID, FormID: formID}, func(context.Context) (*state.Project, error) {
		return nil, cancelErr
	})
}

// InFlight reports whether the controller tracks an outstanding send for the form
func (c *Controller) InFlight(projectID, formID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[formKey{projectID, formID}] != nil
}

// settle clears the flag only if p is still the form's current send;
// a stop may already have cleared it and a newer send may own it now.
func (c *Controller) settle(key formKey, p *pending) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[key] != p {
		return nil
	}
	delete(c.pending, key)
	c.metrics.InFlight(-1)
	return c.rec.SetInFlight(key.projectID, key.formID, false)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.RequestSucceeded
	case errors.Is(err, context.Canceled):
		return metrics.RequestCanceled
	default:
		return metrics.RequestFailed
	}
}
