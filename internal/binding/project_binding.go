package binding

import (
	"fmt"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"protodesk/internal/state"
	"protodesk/internal/workspace"
)

// ProjectBinding provides frontend bindings for project and form editing
type ProjectBinding struct {
	runtimeLog
	svc   *workspace.Service
	store *state.Store
}

// NewProjectBinding creates a new ProjectBinding instance
func NewProjectBinding(svc *workspace.Service, store *state.Store) *ProjectBinding {
	return &ProjectBinding{svc: svc, store: store}
}

// State returns the current workspace
func (p *ProjectBinding) State() state.Workspace {
	return p.store.Workspace()
}

func (p *ProjectBinding) CreateProject(kind, name string) (state.Workspace, error) {
	p.logInfo(fmt.Sprintf("Creating %s project: %s", kind, name))
	return p.workspace("create project", p.svc.CreateProject(p.context(), state.Kind(kind), name))
}

func (p *ProjectBinding) DeleteProject(projectID string) (state.Workspace, error) {
	p.logInfo(fmt.Sprintf("Deleting project: %s", projectID))
	return p.workspace("delete project", p.svc.DeleteProject(p.context(), projectID))
}

func (p *ProjectBinding) SelectProject(projectID string) (state.Workspace, error) {
	return p.workspace("select project", p.svc.SelectProject(p.context(), projectID))
}

func (p *ProjectBinding) CreateForm(projectID string) (state.Project, error) {
	return p.project(projectID, "create form", p.svc.CreateForm(p.context(), projectID))
}

func (p *ProjectBinding) RemoveForm(projectID, formID string) (state.Project, error) {
	return p.project(projectID, "remove form", p.svc.RemoveForm(p.context(), projectID, formID))
}

func (p *ProjectBinding) SelectForm(projectID, formID string) (state.Project, error) {
	return p.project(projectID, "select form", p.svc.SelectForm(p.context(), projectID, formID))
}

func (p *ProjectBinding) SaveAddress(projectID, formID, address string) (state.Project, error) {
	return p.project(projectID, "save address", p.svc.SaveAddress(p.context(), projectID, formID, address))
}

func (p *ProjectBinding) SelectOperation(projectID, formID, operationID string) (state.Project, error) {
	return p.project(projectID, "select operation", p.svc.SelectOperation(p.context(), projectID, formID, operationID))
}

func (p *ProjectBinding) SavePayload(projectID, formID, payload string) (state.Project, error) {
	return p.project(projectID, "save payload", p.svc.SavePayload(p.context(), projectID, formID, payload))
}

func (p *ProjectBinding) AddHeader(projectID, formID string) (state.Project, error) {
	return p.project(projectID, "add header", p.svc.AddHeader(p.context(), projectID, formID))
}

func (p *ProjectBinding) SaveHeaders(projectID, formID string, headers []state.Header) (state.Project, error) {
	return p.project(projectID, "save headers", p.svc.SaveHeaders(p.context(), projectID, formID, headers))
}

func (p *ProjectBinding) DeleteHeader(projectID, formID, headerID string) (state.Project, error) {
	return p.project(projectID, "delete header", p.svc.DeleteHeader(p.context(), projectID, formID, headerID))
}

func (p *ProjectBinding) SaveConfig(projectID string, cfg state.Config) (state.Project, error) {
	return p.project(projectID, "save config", p.svc.SaveConfig(p.context(), projectID, cfg))
}

func (p *ProjectBinding) AddImportPath(projectID, path string) (state.Project, error) {
	return p.project(projectID, "add import path", p.svc.AddImportPath(p.context(), projectID, path))
}

func (p *ProjectBinding) RemoveImportPath(projectID, path string) (state.Project, error) {
	return p.project(projectID, "remove import path", p.svc.RemoveImportPath(p.context(), projectID, path))
}

func (p *ProjectBinding) ClearSchemaFiles(projectID string) (state.Project, error) {
	return p.project(projectID, "clear schema files", p.svc.ClearSchemaFiles(p.context(), projectID))
}

// Reflect loads the descriptor tree from a live server. An empty address
// uses the current form's address.
func (p *ProjectBinding) Reflect(projectID, address string) (state.Project, error) {
	p.logInfo(fmt.Sprintf("Reflecting server for project %s", projectID))
	return p.project(projectID, "reflect", p.svc.Reflect(p.context(), projectID, address))
}

// OpenImportPath opens a directory dialog and adds the selection
func (p *ProjectBinding) OpenImportPath(projectID string) (state.Project, error) {
	if p.ctx == nil {
		return state.Project{}, errNoRuntime
	}
	dir, err := runtime.OpenDirectoryDialog(p.ctx, runtime.OpenDialogOptions{
		Title: "Select Import Path",
	})
	if err != nil {
		p.logError(fmt.Sprintf("Directory dialog error: %v", err))
		return state.Project{}, err
	}
	if dir == "" {
		// cancelled
		return p.snapshot(projectID)
	}
	return p.AddImportPath(projectID, dir)
}

// OpenSchemaFiles opens a file dialog and adds the selected .proto sources
// or descriptor sets
func (p *ProjectBinding) OpenSchemaFiles(projectID string) (state.Project, error) {
	if p.ctx == nil {
		return state.Project{}, errNoRuntime
	}
	p.logInfo("Opening schema file dialog")

	selected, err := runtime.OpenMultipleFilesDialog(p.ctx, runtime.OpenDialogOptions{
		Title: "Select Schema Files",
		Filters: []runtime.FileFilter{
			{
				DisplayName: "Proto files (*.proto)",
				Pattern:     "*.proto",
			},
			{
				DisplayName: "Descriptor sets (*.protoset, *.pb)",
				Pattern:     "*.protoset;*.pb",
			},
		},
	})
	if err != nil {
		p.logError(fmt.Sprintf("File dialog error: %v", err))
		return state.Project{}, err
	}
	if len(selected) == 0 {
		return p.snapshot(projectID)
	}
	return p.project(projectID, "add schema files", p.svc.AddSchemaFiles(p.context(), projectID, selected...))
}

func (p *ProjectBinding) workspace(action string, err error) (state.Workspace, error) {
	if err != nil {
		if !rejected(err) {
			p.logError(fmt.Sprintf("Failed to %s: %v", action, err))
			return state.Workspace{}, err
		}
		p.logWarning(fmt.Sprintf("Rejected %s: %v", action, err))
	}
	return p.store.Workspace(), nil
}

func (p *ProjectBinding) project(projectID, action string, err error) (state.Project, error) {
	if err != nil {
		if !rejected(err) {
			p.logError(fmt.Sprintf("Failed to %s: %v", action, err))
			return state.Project{}, err
		}
		p.logWarning(fmt.Sprintf("Rejected %s: %v", action, err))
	}
	return p.snapshot(projectID)
}

func (p *ProjectBinding) snapshot(projectID string) (state.Project, error) {
	proj, ok := p.store.Project(projectID)
	if !ok {
		return state.Project{}, fmt.Errorf("project %s: %w", projectID, state.ErrUnknownProject)
	}
	return proj, nil
}
