package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"protodesk/internal/state"
)

// Topic returns the push topic carrying a project's stream events
func Topic(projectID string) string {
	return "stream_message_" + projectID
}

type hubListener struct {
	id int
	fn func(state.Event)
}

// Hub is the in-process push channel between streaming transports and the
// session controller. Listeners are keyed by Topic.
type Hub struct {
	mu        sync.RWMutex
	listeners map[string][]hubListener
	nextID    int
}

// NewHub creates an empty Hub
func NewHub() *Hub {
	return &Hub{listeners: make(map[string][]hubListener)}
}

// Listen registers fn for the project's topic. Closing the returned
// subscription unregisters exactly this listener.
func (h *Hub) Listen(projectID string, fn func(state.Event)) (Subscription, error) {
	topic := Topic(projectID)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.listeners[topic] = append(h.listeners[topic], hubListener{id: id, fn: fn})
	return &hubSubscription{hub: h, topic: topic, id: id}, nil
}

// Publish delivers payload to every listener of the project's topic.
// It reports the number of listeners reached.
func (h *Hub) Publish(projectID string, payload json.RawMessage) int {
	ev := state.Event{ReceivedAt: time.Now(), Payload: payload}

	h.mu.RLock()
	ls := append([]hubListener(nil), h.listeners[Topic(projectID)]...)
	h.mu.RUnlock()

	for _, l := range ls {
		l.fn(ev)
	}
	return len(ls)
}

// Listeners returns how many listeners are registered for the project
func (h *Hub) Listeners(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners[Topic(projectID)])
}

func (h *Hub) remove(topic string, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ls := h.listeners[topic]
	for i, l := range ls {
		if l.id == id {
			ls = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(ls) == 0 {
		delete(h.listeners, topic)
		return
	}
	h.listeners[topic] = ls
}

type hubSubscription struct {
	hub   *Hub
	topic string
	id    int
	once  sync.Once
}

func (s *hubSubscription) Close() error {
	s.once.Do(func() { s.hub.remove(s.topic, s.id) })
	return nil
}
