// Package wsstream consumes a stream resource over a websocket. The first
// frame the server sends is the session metadata; every later frame is one
// event.
package wsstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"protodesk/internal/state"
	"protodesk/internal/streaming"
)

var (
	ErrNoAddress = errors.New("project has no address")
	// ErrSuperseded is returned by a Subscribe that completed after a newer
	// session had already connected
	ErrSuperseded = errors.New("superseded by a newer session")
)

const closeTimeout = time.Second

// AddressFunc returns the broker address configured for a project
type AddressFunc func(projectID string) (string, bool)

// StoreAddresses reads project addresses from the store
func StoreAddresses(store *state.Store) AddressFunc {
	return func(projectID string) (string, bool) {
		p, ok := store.Project(projectID)
		if !ok || p.Config.Address == "" {
			return "", false
		}
		return p.Config.Address, true
	}
}

type consumer struct {
	token uint64
	ws    *websocket.Conn
	done  chan struct{}
}

// Backend is a streaming.Backend publishing received events into a Hub
type Backend struct {
	hub         *streaming.Hub
	addresses   AddressFunc
	dialer      *websocket.Dialer
	logger      *slog.Logger
	dropLimiter *rate.Limiter

	mu        sync.Mutex
	consumers map[string]*consumer
}

// NewBackend creates a Backend. A non-positive dialTimeout uses the
// websocket default.
func NewBackend(hub *streaming.Hub, addresses AddressFunc, dialTimeout time.Duration, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	dialer := *websocket.DefaultDialer
	if dialTimeout > 0 {
		dialer.HandshakeTimeout = dialTimeout
	}
	return &Backend{
		hub:         hub,
		addresses:   addresses,
		dialer:      &dialer,
		logger:      logger,
		dropLimiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
		consumers:   make(map[string]*consumer),
	}
}

// Listen registers fn for the project's events
func (b *Backend) Listen(projectID string, fn func(state.Event)) (streaming.Subscription, error) {
	return b.hub.Listen(projectID, fn)
}

// Subscribe connects to resource and waits for the session metadata.
// Events are published to the hub until Unsubscribe with the same token.
// A connection of an older session is replaced; a connection of a newer
// one wins and this one is closed.
func (b *Backend) Subscribe(ctx context.Context, projectID string, token uint64, resource string, from state.Marker) (*state.SessionMetadata, error) {
	address, ok := b.addresses(projectID)
	if !ok {
		return nil, fmt.Errorf("subscribe %s: %w", projectID, ErrNoAddress)
	}
	target, err := streamURL(address, resource, from)
	if err != nil {
		return nil, err
	}

	ws, _, err := b.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		ws.SetReadDeadline(deadline)
	}
	_, first, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("failed to read session metadata: %w", err)
	}
	ws.SetReadDeadline(time.Time{})

	var md state.SessionMetadata
	if err := json.Unmarshal(first, &md); err != nil {
		ws.Close()
		return nil, fmt.Errorf("invalid session metadata: %w", err)
	}
	if md.StartedAt.IsZero() {
		md.StartedAt = time.Now()
	}

	c := &consumer{token: token, ws: ws, done: make(chan struct{})}
	b.mu.Lock()
	old, ok := b.consumers[projectID]
	if ok && old.token > token {
		b.mu.Unlock()
		closeConn(ws)
		return nil, fmt.Errorf("subscribe %s: %w", projectID, ErrSuperseded)
	}
	b.consumers[projectID] = c
	b.mu.Unlock()

	if ok {
		b.stop(old)
	}
	go b.readLoop(projectID, c)
	b.logger.Info("subscribed", "project_id", projectID, "resource", resource, "count_total", md.CountTotal)
	return &md, nil
}

// Unsubscribe closes the connection opened with token. It is a no-op when
// the project has no connection or a different session owns it.
func (b *Backend) Unsubscribe(_ context.Context, projectID string, token uint64) error {
	b.mu.Lock()
	c, ok := b.consumers[projectID]
	if !ok || c.token != token {
		b.mu.Unlock()
		return nil
	}
	delete(b.consumers, projectID)
	b.mu.Unlock()
	return b.stop(c)
}

// Connected reports the token of the session currently connected for the project
func (b *Backend) Connected(projectID string) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.consumers[projectID]
	if !ok {
		return 0, false
	}
	return c.token, true
}

// Close disconnects every consumer
func (b *Backend) Close() error {
	b.mu.Lock()
	consumers := b.consumers
	b.consumers = make(map[string]*consumer)
	b.mu.Unlock()

	var errs []error
	for _, c := range consumers {
		if err := b.stop(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Backend) stop(c *consumer) error {
	err := closeConn(c.ws)
	<-c.done
	return err
}

func closeConn(ws *websocket.Conn) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))
	return ws.Close()
}

func (b *Backend) readLoop(projectID string, c *consumer) {
	defer close(c.done)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, websocket.ErrCloseSent) && !errors.Is(err, net.ErrClosed) {
				b.logger.Warn("stream connection lost", "project_id", projectID, "error", err)
			}
			return
		}
		if !json.Valid(data) {
			quoted, _ := json.Marshal(string(data))
			data = quoted
		}
		if n := b.hub.Publish(projectID, json.RawMessage(data)); n == 0 && b.dropLimiter.Allow() {
			b.logger.Debug("event without listener dropped", "project_id", projectID)
		}
	}
}

// streamURL builds ws://address/resource?strategy=...
func streamURL(address, resource string, from state.Marker) (string, error) {
	if !strings.Contains(address, "://") {
		address = "ws://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", address, err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + url.PathEscape(resource)

	q := u.Query()
	if from.Strategy != "" {
		q.Set("strategy", string(from.Strategy))
	}
	switch from.Strategy {
	case state.MarkerTime:
		q.Set("time", from.Time.UTC().Format(time.RFC3339))
	case state.MarkerOffset:
		q.Set("offset", strconv.FormatInt(from.Offset, 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
