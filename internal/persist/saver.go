package persist

import (
	"log/slog"
	"sync"
	"time"

	"protodesk/internal/state"
)

// Saver writes the store's workspace to a Bridge some time after the last
// change. Bursts of changes result in a single write.
type Saver struct {
	bridge Bridge
	store  *state.Store
	delay  time.Duration
	logger *slog.Logger

	mu          sync.Mutex
	timer       *time.Timer
	unsubscribe func()
	closed      bool

	// flushing counts background saves; saveMu keeps writes ordered
	flushing sync.WaitGroup
	saveMu   sync.Mutex
}

// NewSaver creates a Saver. A non-positive delay saves on every change.
func NewSaver(bridge Bridge, store *state.Store, delay time.Duration, logger *slog.Logger) *Saver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Saver{bridge: bridge, store: store, delay: delay, logger: logger}
}

// Start begins watching the store
func (s *Saver) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubscribe != nil || s.closed {
		return
	}
	s.unsubscribe = s.store.Subscribe(func(c state.Change) {
		// events are never persisted
		if c.Kind == state.ChangeEvents {
			return
		}
		s.schedule()
	})
}

func (s *Saver) schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.delay <= 0 {
		s.flushing.Add(1)
		go s.flushLogged()
		return
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.delay, s.fire)
		return
	}
	s.timer.Reset(s.delay)
}

func (s *Saver) fire() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.flushing.Add(1)
	s.mu.Unlock()
	s.flushLogged()
}

func (s *Saver) flushLogged() {
	defer s.flushing.Done()
	if err := s.Flush(); err != nil {
		s.logger.Error("failed to save workspace", "error", err)
	}
}

// Flush writes the current workspace immediately
func (s *Saver) Flush() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	blob, err := Encode(s.store.Workspace())
	if err != nil {
		return err
	}
	return s.bridge.Save(WorkspaceKey, blob)
}

// Close stops watching, waits for saves already under way and writes a
// final snapshot. The bridge is not used after Close returns.
func (s *Saver) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.flushing.Wait()
	return s.Flush()
}

// Restore loads the persisted workspace into the store through rec.
// Absent or malformed snapshots leave an empty workspace; they are logged,
// never returned.
func Restore(bridge Bridge, rec *state.Reconciler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	blob, ok, err := bridge.Load(WorkspaceKey)
	if err != nil {
		return err
	}
	if !ok {
		logger.Info("no saved workspace")
		rec.Restore(state.Workspace{Projects: map[string]state.Project{}})
		return nil
	}

	w, err := Decode(blob)
	if err != nil {
		logger.Warn("saved workspace is partly unreadable", "error", err)
	}
	rec.Restore(w)
	logger.Info("workspace restored", "projects", len(w.ProjectIDs))
	return nil
}
