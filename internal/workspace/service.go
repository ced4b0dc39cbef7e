// Package workspace orchestrates CRUD operations on projects and forms.
// Every operation is sent to the Backend and its snapshot is folded into the
// store through the reconciler.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"protodesk/internal/state"
)

var (
	ErrLastForm    = state.ErrLastForm
	ErrLastProject = state.ErrLastProject
)

// Backend is the authoritative CRUD store. Every call returns the snapshot
// that results from the operation.
type Backend interface {
	State(ctx context.Context) (*state.Workspace, error)
	CreateProject(ctx context.Context, kind state.Kind, name string) (*state.Workspace, error)
	DeleteProject(ctx context.Context, projectID string) (*state.Workspace, error)
	SelectProject(ctx context.Context, projectID string) (*state.Workspace, error)

	CreateForm(ctx context.Context, projectID string) (*state.Project, error)
	RemoveForm(ctx context.Context, projectID, formID string) (*state.Project, error)
	SelectForm(ctx context.Context, projectID, formID string) (*state.Project, error)
	SaveAddress(ctx context.Context, projectID, formID, address string) (*state.Project, error)
	SelectOperation(ctx context.Context, projectID, formID, operationID string) (*state.Project, error)
	SavePayload(ctx context.Context, projectID, formID, payload string) (*state.Project, error)
	AddHeader(ctx context.Context, projectID, formID string) (*state.Project, error)
	SaveHeaders(ctx context.Context, projectID, formID string, headers []state.Header) (*state.Project, error)
	DeleteHeader(ctx context.Context, projectID, formID, headerID string) (*state.Project, error)

	SaveConfig(ctx context.Context, projectID string, cfg state.Config) (*state.Project, error)
	SaveSchemaSources(ctx context.Context, projectID string, importPaths, schemaFiles []string, nodes []state.Node, reflected bool) (*state.Project, error)
}

// DescriptorSource builds descriptor trees from schema files or a live server
type DescriptorSource interface {
	Build(ctx context.Context, importPaths, schemaFiles []string) ([]state.Node, error)
	Reflect(ctx context.Context, address string) ([]state.Node, error)
}

// SessionStopper ends a project's streaming session before it is deleted
type SessionStopper interface {
	Stop(ctx context.Context, projectID string) error
}

// Service runs CRUD operations against the backend
type Service struct {
	rec         *state.Reconciler
	store       *state.Store
	backend     Backend
	descriptors DescriptorSource
	sessions    SessionStopper
	logger      *slog.Logger
}

// NewService creates a Service. descriptors and sessions may be nil.
func NewService(rec *state.Reconciler, backend Backend, descriptors DescriptorSource, sessions SessionStopper, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		rec:         rec,
		store:       rec.Store(),
		backend:     backend,
		descriptors: descriptors,
		sessions:    sessions,
		logger:      logger,
	}
}

// Load replaces the store with the backend's workspace
func (s *Service) Load(ctx context.Context) error {
	return s.rec.Workspace(ctx, s.backend.State)
}

func (s *Service) CreateProject(ctx context.Context, kind state.Kind, name string) error {
	s.logger.Info("creating project", "kind", kind, "name", name)
	return s.rec.Workspace(ctx, func(ctx context.Context) (*state.Workspace, error) {
		return s.backend.CreateProject(ctx, kind, name)
	})
}

// DeleteProject stops the project's session and removes it.
// The last project is never removed.
func (s *Service) DeleteProject(ctx context.Context, projectID string) error {
	if _, ok := s.store.Project(projectID); !ok {
		return fmt.Errorf("delete project %s: %w", projectID, state.ErrUnknownProject)
	}
	if len(s.store.ProjectIDs()) <= 1 {
		return ErrLastProject
	}
	if s.sessions != nil {
		if err := s.sessions.Stop(ctx, projectID); err != nil {
			return err
		}
	}

	s.logger.Info("deleting project", "project_id", projectID)
	return s.rec.Workspace(ctx, func(ctx context.Context) (*state.Workspace, error) {
		return s.backend.DeleteProject(ctx, projectID)
	})
}

func (s *Service) SelectProject(ctx context.Context, projectID string) error {
	return s.rec.Workspace(ctx, func(ctx context.Context) (*state.Workspace, error) {
		return s.backend.SelectProject(ctx, projectID)
	})
}

func (s *Service) CreateForm(ctx context.Context, projectID string) error {
	return s.project(ctx, projectID, "", func(ctx context.Context) (*state.Project, error) {
		return s.backend.CreateForm(ctx, projectID)
	})
}

// RemoveForm deletes a form; the last form of a project is never removed
func (s *Service) RemoveForm(ctx context.Context, projectID, formID string) error {
	p, ok := s.store.Project(projectID)
	if !ok {
		return fmt.Errorf("remove form %s: %w", projectID, state.ErrUnknownProject)
	}
	if p.FormByID(formID) != nil && len(p.Forms) <= 1 {
		return ErrLastForm
	}
	return s.project(ctx, projectID, "", func(ctx context.Context) (*state.Project, error) {
		return s.backend.RemoveForm(ctx, projectID, formID)
	})
}

func (s *Service) SelectForm(ctx context.Context, projectID, formID string) error {
	return s.project(ctx, projectID, formID, func(ctx context.Context) (*state.Project, error) {
		return s.backend.SelectForm(ctx, projectID, formID)
	})
}

func (s *Service) SaveAddress(ctx context.Context, projectID, formID, address string) error {
	return s.project(ctx, projectID, formID, func(ctx context.Context) (*state.Project, error) {
		return s.backend.SaveAddress(ctx, projectID, formID, address)
	})
}

func (s *Service) SelectOperation(ctx context.Context, projectID, formID, operationID string) error {
	return s.project(ctx, projectID, formID, func(ctx context.Context) (*state.Project, error) {
		return s.backend.SelectOperation(ctx, projectID, formID, operationID)
	})
}

func (s *Service) SavePayload(ctx context.Context, projectID, formID, payload string) error {
	return s.project(ctx, projectID, formID, func(ctx context.Context) (*state.Project, error) {
		return s.backend.SavePayload(ctx, projectID, formID, payload)
	})
}

func (s *Service) AddHeader(ctx context.Context, projectID, formID string) error {
	return s.project(ctx, projectID, formID, func(ctx context.Context) (*state.Project, error) {
		return s.backend.AddHeader(ctx, projectID, formID)
	})
}

func (s *Service) SaveHeaders(ctx context.Context, projectID, formID string, headers []state.Header) error {
	return s.project(ctx, projectID, formID, func(ctx context.Context) (*state.Project, error) {
		return s.backend.SaveHeaders(ctx, projectID, formID, headers)
	})
}

func (s *Service) DeleteHeader(ctx context.Context, projectID, formID, headerID string) error {
	return s.project(ctx, projectID, formID, func(ctx context.Context) (*state.Project, error) {
		return s.backend.DeleteHeader(ctx, projectID, formID, headerID)
	})
}

func (s *Service) SaveConfig(ctx context.Context, projectID string, cfg state.Config) error {
	return s.project(ctx, projectID, "", func(ctx context.Context) (*state.Project, error) {
		return s.backend.SaveConfig(ctx, projectID, cfg)
	})
}

// AddImportPath adds a directory schema files are resolved against
func (s *Service) AddImportPath(ctx context.Context, projectID, path string) error {
	return s.editSources(ctx, projectID, func(paths, files []string) ([]string, []string) {
		if path == "" || slices.Contains(paths, path) {
			return paths, files
		}
		return append(paths, path), files
	})
}

func (s *Service) RemoveImportPath(ctx context.Context, projectID, path string) error {
	return s.editSources(ctx, projectID, func(paths, files []string) ([]string, []string) {
		return slices.DeleteFunc(paths, func(p string) bool { return p == path }), files
	})
}

// AddSchemaFiles adds schema files and rebuilds the descriptor tree
func (s *Service) AddSchemaFiles(ctx context.Context, projectID string, schemaFiles ...string) error {
	return s.editSources(ctx, projectID, func(paths, files []string) ([]string, []string) {
		for _, f := range schemaFiles {
			if f != "" && !slices.Contains(files, f) {
				files = append(files, f)
			}
		}
		return paths, files
	})
}

// ClearSchemaFiles drops every schema file and the descriptor tree
func (s *Service) ClearSchemaFiles(ctx context.Context, projectID string) error {
	return s.editSources(ctx, projectID, func(paths, _ []string) ([]string, []string) {
		return paths, nil
	})
}

// Reflect replaces the descriptor tree with the services a live server
// reports. An empty address uses the current form's address.
func (s *Service) Reflect(ctx context.Context, projectID, address string) error {
	p, ok := s.store.Project(projectID)
	if !ok {
		return fmt.Errorf("reflect %s: %w", projectID, state.ErrUnknownProject)
	}
	if address == "" {
		if f := p.FormByID(p.CurrentFormID); f != nil {
			address = f.Address
		} else {
			address = p.Config.Address
		}
	}

	s.logger.Info("reflecting server", "project_id", projectID, "address", address)
	return s.project(ctx, projectID, "", func(ctx context.Context) (*state.Project, error) {
		if s.descriptors == nil {
			return nil, fmt.Errorf("reflect: no descriptor source for %s", p.Kind)
		}
		nodes, err := s.descriptors.Reflect(ctx, address)
		if err != nil {
			return nil, err
		}
		return s.backend.SaveSchemaSources(ctx, projectID, p.ImportPaths, p.SchemaFiles, nodes, true)
	})
}

// editSources applies edit to the project's schema sources, rebuilds the
// descriptor tree and stores both
func (s *Service) editSources(ctx context.Context, projectID string, edit func(paths, files []string) ([]string, []string)) error {
	p, ok := s.store.Project(projectID)
	if !ok {
		return fmt.Errorf("edit schema sources %s: %w", projectID, state.ErrUnknownProject)
	}
	paths, files := edit(p.ImportPaths, p.SchemaFiles)

	return s.project(ctx, projectID, "", func(ctx context.Context) (*state.Project, error) {
		var nodes []state.Node
		if len(files) > 0 && s.descriptors != nil {
			var err error
			if nodes, err = s.descriptors.Build(ctx, paths, files); err != nil {
				return nil, err
			}
		}
		return s.backend.SaveSchemaSources(ctx, projectID, paths, files, nodes, false)
	})
}

func (s *Service) project(ctx context.Context, projectID, formID string, op func(context.Context) (*state.Project, error)) error {
	return s.rec.Project(ctx, state.Target{ProjectID: projectID, FormID: formID}, op)
}
