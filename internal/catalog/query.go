package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"protodesk/internal/state"
)

const currentProjectKey = "current_project_id"

func loadWorkspace(ctx context.Context, tx *sql.Tx) (*state.Workspace, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM projects ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}
	rows.Close()

	w := &state.Workspace{
		Projects:   make(map[string]state.Project, len(ids)),
		ProjectIDs: ids,
	}
	for _, id := range ids {
		p, err := loadProject(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		w.Projects[id] = *p
	}

	if w.CurrentProjectID, err = currentProject(ctx, tx); err != nil {
		return nil, err
	}
	state.RepairSelection(w)
	return w, nil
}

func loadProject(ctx context.Context, tx *sql.Tx, id string) (*state.Project, error) {
	var (
		p                              state.Project
		kind, cfg, paths, files, nodes string
	)
	err := tx.QueryRowContext(ctx, `
		SELECT id, name, kind, config, current_form_id, import_paths, schema_files, reflected, descriptors
		FROM projects
		WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &kind, &cfg, &p.CurrentFormID, &paths, &files, &p.Reflected, &nodes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, state.ErrUnknownProject)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	p.Kind = state.Kind(kind)

	if err := unmarshalColumn("config", cfg, &p.Config); err != nil {
		return nil, err
	}
	if err := unmarshalColumn("import_paths", paths, &p.ImportPaths); err != nil {
		return nil, err
	}
	if err := unmarshalColumn("schema_files", files, &p.SchemaFiles); err != nil {
		return nil, err
	}
	if err := unmarshalColumn("descriptors", nodes, &p.Descriptors); err != nil {
		return nil, err
	}

	if p.Forms, err = loadForms(ctx, tx, id); err != nil {
		return nil, err
	}
	state.RepairForms(&p)
	return &p, nil
}

func loadForms(ctx context.Context, tx *sql.Tx, projectID string) ([]state.Form, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, address, operation_id, payload, response, headers
		FROM forms
		WHERE project_id = ?
		ORDER BY position
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list forms: %w", err)
	}
	defer rows.Close()

	forms := []state.Form{}
	for rows.Next() {
		var f state.Form
		var headers string
		if err := rows.Scan(&f.ID, &f.Address, &f.OperationID, &f.Payload, &f.Response, &headers); err != nil {
			return nil, fmt.Errorf("failed to scan form: %w", err)
		}
		if err := unmarshalColumn("headers", headers, &f.Headers); err != nil {
			return nil, err
		}
		forms = append(forms, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating forms: %w", err)
	}
	return forms, nil
}

func requireProject(ctx context.Context, tx *sql.Tx, id string) error {
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("project %s: %w", id, state.ErrUnknownProject)
	}
	return err
}

func currentProject(ctx context.Context, tx *sql.Tx) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, currentProjectKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read current project: %w", err)
	}
	return id, nil
}

func setCurrentProject(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, currentProjectKey, id)
	if err != nil {
		return fmt.Errorf("failed to select project: %w", err)
	}
	return nil
}

func unmarshalColumn(column, data string, v any) error {
	if data == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", column, err)
	}
	return nil
}
