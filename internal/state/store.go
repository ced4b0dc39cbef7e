// Package state holds the in-memory mirror of every open project and the
// reconciliation logic that folds remote outcomes into it.
//
// The Store swaps whole project subtrees; only session events are appended
// in place. Accessors return deep copies, so callers can never observe a
// half-applied update.
package state

import (
	"errors"
	"slices"
	"sync"
)

var (
	ErrUnknownProject = errors.New("unknown project")
	ErrUnknownForm    = errors.New("unknown form")

	// Removing the only form or project would leave nothing to select
	ErrLastForm    = errors.New("cannot remove the last form")
	ErrLastProject = errors.New("cannot remove the last project")

	errSessionInactive = errors.New("session is not active")
)

// ChangeKind describes what part of the store was replaced
type ChangeKind int

const (
	ChangeProject ChangeKind = iota
	ChangeWorkspace
	// ChangeEvents carries only the events appended to a project's session
	ChangeEvents
)

// Change is delivered to observers after every store mutation
type Change struct {
	Kind      ChangeKind
	ProjectID string
	Events    []Event
}

// Store is the canonical mirror of all open projects, forms and sessions
type Store struct {
	mu        sync.RWMutex
	projects  map[string]*Project
	order     []string
	currentID string

	observersMu sync.Mutex
	observers   map[int]func(Change)
	nextObsID   int
}

// NewStore creates an empty Store
func NewStore() *Store {
	return &Store{
		projects:  make(map[string]*Project),
		observers: make(map[int]func(Change)),
	}
}

// Project returns a copy of the project with the given ID
func (s *Store) Project(id string) (Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return Project{}, false
	}
	return p.Clone(), true
}

// Form returns a copy of a single form
func (s *Store) Form(projectID, formID string) (Form, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return Form{}, false
	}
	f := p.FormByID(formID)
	if f == nil {
		return Form{}, false
	}
	return f.Clone(), true
}

// Session returns a copy of the project's streaming session
func (s *Store) Session(projectID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return Session{}, false
	}
	return p.Session.Clone(), true
}

// Descriptors returns a copy of the project's descriptor tree
func (s *Store) Descriptors(projectID string) ([]Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, false
	}
	return cloneNodes(p.Descriptors), true
}

// ProjectIDs returns the open project IDs in insertion order
func (s *Store) ProjectIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneStrings(s.order)
}

// CurrentProjectID returns the selected project, or "" when none is open
func (s *Store) CurrentProjectID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentID
}

// Workspace returns a copy of the whole store content
func (s *Store) Workspace() Workspace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w := Workspace{
		Projects:         make(map[string]Project, len(s.projects)),
		ProjectIDs:       cloneStrings(s.order),
		CurrentProjectID: s.currentID,
	}
	for id, p := range s.projects {
		w.Projects[id] = p.Clone()
	}
	return w
}

// ReplaceProject atomically swaps the whole subtree of an existing project
func (s *Store) ReplaceProject(id string, p Project) error {
	s.mu.Lock()
	if _, ok := s.projects[id]; !ok {
		s.mu.Unlock()
		return ErrUnknownProject
	}
	next := p.Clone()
	next.ID = id
	s.projects[id] = &next
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeProject, ProjectID: id})
	return nil
}

// AppendEvents extends the active session of a project in place. Unlike
// ReplaceProject it does not copy the subtree; readers still get copies.
func (s *Store) AppendEvents(id string, events ...Event) error {
	s.mu.Lock()
	p, ok := s.projects[id]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownProject
	}
	if !p.Session.Active() {
		s.mu.Unlock()
		return errSessionInactive
	}
	p.Session.Events = append(p.Session.Events, events...)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeEvents, ProjectID: id, Events: slices.Clone(events)})
	return nil
}

// ReplaceWorkspace atomically swaps every project and the selection.
// Project IDs listed in w.ProjectIDs without a matching project are dropped.
func (s *Store) ReplaceWorkspace(w Workspace) {
	projects := make(map[string]*Project, len(w.Projects))
	order := make([]string, 0, len(w.ProjectIDs))
	for _, id := range w.ProjectIDs {
		p, ok := w.Projects[id]
		if !ok {
			continue
		}
		if _, dup := projects[id]; dup {
			continue
		}
		c := p.Clone()
		c.ID = id
		projects[id] = &c
		order = append(order, id)
	}

	s.mu.Lock()
	s.projects = projects
	s.order = order
	s.currentID = w.CurrentProjectID
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeWorkspace})
}

// Subscribe registers an observer. The returned func removes it.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.observersMu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = fn
	s.observersMu.Unlock()

	return func() {
		s.observersMu.Lock()
		delete(s.observers, id)
		s.observersMu.Unlock()
	}
}

func (s *Store) notify(c Change) {
	s.observersMu.Lock()
	fns := make([]func(Change), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.observersMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}
