// Package streaming manages long-lived consuming sessions: one per project,
// with push events appended to the project's session as they arrive.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"protodesk/internal/metrics"
	"protodesk/internal/state"
)

var (
	ErrAlreadyActive = errors.New("session already active")
	ErrNoResource    = errors.New("no resource to restart")
)

// Subscription is a registered push listener
type Subscription interface {
	Close() error
}

// Backend is the remote side of a streaming session. The token identifies
// the session a connection belongs to: Unsubscribe only closes the
// connection opened with the same token, and a Subscribe that completes
// after a newer one must not replace it.
type Backend interface {
	Subscribe(ctx context.Context, projectID string, token uint64, resource string, from state.Marker) (*state.SessionMetadata, error)
	Unsubscribe(ctx context.Context, projectID string, token uint64) error
	Listen(projectID string, fn func(state.Event)) (Subscription, error)
}

type session struct {
	token    uint64
	resource string
	from     state.Marker
	sub      Subscription
}

// Controller runs the absent -> active -> absent lifecycle of every
// project's streaming session
type Controller struct {
	rec     *state.Reconciler
	store   *state.Store
	backend Backend
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*session
}

// NewController creates a Controller. logger and m may be nil.
func NewController(rec *state.Reconciler, backend Backend, logger *slog.Logger, m *metrics.Metrics) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		rec:      rec,
		store:    rec.Store(),
		backend:  backend,
		logger:   logger,
		metrics:  m,
		sessions: make(map[string]*session),
	}
}

// Start opens a session on resource reading from the given marker.
// The push listener is registered before subscribing so no early event is lost.
func (c *Controller) Start(ctx context.Context, projectID, resource string, from state.Marker) error {
	c.mu.Lock()
	if _, ok := c.sessions[projectID]; ok {
		c.mu.Unlock()
		return fmt.Errorf("start session %s: %w", projectID, ErrAlreadyActive)
	}
	token, err := c.rec.OpenSession(projectID, resource, from)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	sub, err := c.backend.Listen(projectID, func(ev state.Event) {
		ok := c.rec.AppendEvents(projectID, token, ev)
		c.metrics.EventAppended(!ok)
	})
	if err != nil {
		c.mu.Unlock()
		if closeErr := c.rec.CloseSession(projectID, token); closeErr != nil {
			return closeErr
		}
		return c.rec.Project(ctx, state.Target{ProjectID: projectID}, func(context.Context) (*state.Project, error) {
			return nil, fmt.Errorf("listen: %w", err)
		})
	}
	sess := &session{token: token, resource: resource, from: from, sub: sub}
	c.sessions[projectID] = sess
	c.mu.Unlock()
	c.metrics.SessionDelta(1)

	c.logger.Info("starting session", "project_id", projectID, "resource", resource, "from", from.Strategy)

	subscribed := false
	err = c.rec.Session(ctx, projectID, token, func(ctx context.Context) (*state.SessionMetadata, error) {
		md, err := c.backend.Subscribe(ctx, projectID, token, resource, from)
		if err != nil {
			if !c.detach(projectID, sess) {
				// stopped or replaced meanwhile; nothing left to report into
				c.logger.Info("subscribe of a stopped session failed", "project_id", projectID, "error", err)
				return nil, nil
			}
			c.teardown(projectID, sess)
			return nil, err
		}
		subscribed = true
		return md, nil
	})
	if err != nil {
		return err
	}

	// A stop that raced the subscribe found nothing to unsubscribe yet
	if subscribed && !c.owns(projectID, sess) {
		c.logger.Warn("session stopped during subscribe", "project_id", projectID)
		if err := c.backend.Unsubscribe(ctx, projectID, token); err != nil {
			c.logger.Warn("late unsubscribe failed", "project_id", projectID, "error", err)
		}
	}
	return nil
}

// Stop ends the project's session. Local teardown happens before the
// remote unsubscribe and regardless of its outcome.
func (c *Controller) Stop(ctx context.Context, projectID string) error {
	c.mu.Lock()
	sess, ok := c.sessions[projectID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.sessions, projectID)
	c.mu.Unlock()

	c.logger.Info("stopping session", "project_id", projectID, "resource", sess.resource)
	if err := c.teardown(projectID, sess); err != nil {
		return err
	}

	unsubErr := c.backend.Unsubscribe(ctx, projectID, sess.token)
	return c.rec.Project(ctx, state.Target{ProjectID: projectID}, func(context.Context) (*state.Project, error) {
		if unsubErr != nil {
			return nil, fmt.Errorf("unsubscribe: %w", unsubErr)
		}
		return nil, nil
	})
}

// Restart stops the session and starts it again on the same resource
func (c *Controller) Restart(ctx context.Context, projectID string, from state.Marker) error {
	resource := ""
	c.mu.Lock()
	if sess, ok := c.sessions[projectID]; ok {
		resource = sess.resource
	}
	c.mu.Unlock()
	if resource == "" {
		if s, ok := c.store.Session(projectID); ok {
			resource = s.Resource
		}
	}
	if resource == "" {
		return fmt.Errorf("restart session %s: %w", projectID, ErrNoResource)
	}

	if err := c.Stop(ctx, projectID); err != nil {
		return err
	}
	return c.Start(ctx, projectID, resource, from)
}

// Active reports whether the controller owns a session for the project
func (c *Controller) Active(projectID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[projectID]
	return ok
}

// Close stops every session concurrently
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			return c.Stop(gctx, id)
		})
	}
	return g.Wait()
}

func (c *Controller) owns(projectID string, sess *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[projectID] == sess
}

// detach removes sess from the table if it is still the project's session
func (c *Controller) detach(projectID string, sess *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[projectID] != sess {
		return false
	}
	delete(c.sessions, projectID)
	return true
}

// teardown unregisters the listener and clears the local session
func (c *Controller) teardown(projectID string, sess *session) error {
	if err := sess.sub.Close(); err != nil {
		c.logger.Warn("failed to close listener", "project_id", projectID, "error", err)
	}
	c.metrics.SessionDelta(-1)
	return c.rec.CloseSession(projectID, sess.token)
}
