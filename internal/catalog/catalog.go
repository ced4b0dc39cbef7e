// Package catalog is the SQLite-backed CRUD backend holding every project,
// form and schema source the user edits.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"protodesk/internal/state"
)

var ErrInvalidKind = errors.New("invalid project kind")

// Defaults are the addresses new projects and forms start with
type Defaults struct {
	GRPCAddress   string
	ThriftAddress string
	KafkaAddress  string
}

// DefaultAddresses returns the stock listen addresses of each protocol
func DefaultAddresses() Defaults {
	return Defaults{
		GRPCAddress:   "0.0.0.0:50051",
		ThriftAddress: "0.0.0.0:9090",
		KafkaAddress:  "0.0.0.0:9092",
	}
}

func (d Defaults) address(kind state.Kind) string {
	switch kind {
	case state.KindGRPC:
		return d.GRPCAddress
	case state.KindThrift:
		return d.ThriftAddress
	case state.KindKafka:
		return d.KafkaAddress
	}
	return ""
}

// Catalog provides snapshot-returning CRUD operations over SQLite
type Catalog struct {
	db       *sql.DB
	defaults Defaults
}

// Open opens (or creates) the catalog database at dbPath
func Open(dbPath string, defaults Defaults) (*Catalog, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// single writer; every transaction reads through its own tx
	db.SetMaxOpenConns(1)

	c := &Catalog{db: db, defaults: defaults}
	if err := c.initTables(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) initTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		position INTEGER NOT NULL,
		config TEXT NOT NULL DEFAULT '{}',
		current_form_id TEXT NOT NULL DEFAULT '',
		import_paths TEXT NOT NULL DEFAULT '[]',
		schema_files TEXT NOT NULL DEFAULT '[]',
		reflected INTEGER NOT NULL DEFAULT 0,
		descriptors TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS forms (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		operation_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		response TEXT NOT NULL DEFAULT '{}',
		headers TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize tables: %w", err)
	}
	return nil
}

// Close closes the database connection
func (c *Catalog) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// State returns the whole workspace
func (c *Catalog) State(ctx context.Context) (*state.Workspace, error) {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	return loadWorkspace(ctx, tx)
}

// CreateProject adds a project of the given kind and selects it.
// Kinds with forms start with one blank form.
func (c *Catalog) CreateProject(ctx context.Context, kind state.Kind, name string) (*state.Workspace, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("create project %q: %w", kind, ErrInvalidKind)
	}
	if name == "" {
		name = string(kind)
	}

	return c.mutateWorkspace(ctx, func(tx *sql.Tx) error {
		id := uuid.New().String()
		now := time.Now()
		cfg, err := json.Marshal(state.Config{Address: c.defaults.address(kind)})
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO projects (id, name, kind, position, config, created_at, updated_at)
			VALUES (?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM projects), ?, ?, ?)
		`, id, name, string(kind), string(cfg), now, now)
		if err != nil {
			return fmt.Errorf("failed to create project: %w", err)
		}

		if kind.HasForms() {
			formID, err := c.insertForm(ctx, tx, id, c.defaults.address(kind))
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE projects SET current_form_id = ? WHERE id = ?`, formID, id); err != nil {
				return fmt.Errorf("failed to select form: %w", err)
			}
		}
		return setCurrentProject(ctx, tx, id)
	})
}

// DeleteProject removes a project and its forms. The last project cannot be removed.
func (c *Catalog) DeleteProject(ctx context.Context, projectID string) (*state.Workspace, error) {
	return c.mutateWorkspace(ctx, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects`).Scan(&count); err != nil {
			return fmt.Errorf("failed to count projects: %w", err)
		}
		if err := requireProject(ctx, tx, projectID); err != nil {
			return err
		}
		if count <= 1 {
			return state.ErrLastProject
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, projectID); err != nil {
			return fmt.Errorf("failed to delete project: %w", err)
		}

		current, err := currentProject(ctx, tx)
		if err != nil {
			return err
		}
		if current != projectID {
			return nil
		}
		var first string
		err = tx.QueryRowContext(ctx, `SELECT id FROM projects ORDER BY position LIMIT 1`).Scan(&first)
		if err != nil {
			return fmt.Errorf("failed to select next project: %w", err)
		}
		return setCurrentProject(ctx, tx, first)
	})
}

// SelectProject makes projectID the current project
func (c *Catalog) SelectProject(ctx context.Context, projectID string) (*state.Workspace, error) {
	return c.mutateWorkspace(ctx, func(tx *sql.Tx) error {
		if err := requireProject(ctx, tx, projectID); err != nil {
			return err
		}
		return setCurrentProject(ctx, tx, projectID)
	})
}

// CreateForm appends a blank form to the project and selects it
func (c *Catalog) CreateForm(ctx context.Context, projectID string) (*state.Project, error) {
	return c.mutateProject(ctx, projectID, func(tx *sql.Tx, p *state.Project) error {
		if !p.Kind.HasForms() {
			return fmt.Errorf("create form for %s project: %w", p.Kind, ErrInvalidKind)
		}
		address := p.Config.Address
		if address == "" {
			address = c.defaults.address(p.Kind)
		}
		formID, err := c.insertForm(ctx, tx, projectID, address)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE projects SET current_form_id = ? WHERE id = ?`, formID, projectID)
		return err
	})
}

// RemoveForm deletes a form. Removing the current form selects the first
// remaining one; the last form cannot be removed.
func (c *Catalog) RemoveForm(ctx context.Context, projectID, formID string) (*state.Project, error) {
	return c.mutateProject(ctx, projectID, func(tx *sql.Tx, p *state.Project) error {
		if p.FormByID(formID) == nil {
			return fmt.Errorf("form %s: %w", formID, sql.ErrNoRows)
		}
		if len(p.Forms) <= 1 {
			return state.ErrLastForm
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM forms WHERE id = ?`, formID); err != nil {
			return fmt.Errorf("failed to delete form: %w", err)
		}
		if p.CurrentFormID != formID {
			return nil
		}
		next := p.Forms[0].ID
		if next == formID {
			next = p.Forms[1].ID
		}
		_, err := tx.ExecContext(ctx, `UPDATE projects SET current_form_id = ? WHERE id = ?`, next, projectID)
		return err
	})
}

// SelectForm makes formID the project's current form
func (c *Catalog) SelectForm(ctx context.Context, projectID, formID string) (*state.Project, error) {
	return c.mutateProject(ctx, projectID, func(tx *sql.Tx, p *state.Project) error {
		if p.FormByID(formID) == nil {
			return fmt.Errorf("form %s: %w", formID, sql.ErrNoRows)
		}
		_, err := tx.ExecContext(ctx, `UPDATE projects SET current_form_id = ? WHERE id = ?`, formID, projectID)
		return err
	})
}

// SaveAddress sets the form's target address
func (c *Catalog) SaveAddress(ctx context.Context, projectID, formID, address string) (*state.Project, error) {
	return c.updateForm(ctx, projectID, formID, `address = ?`, address)
}

// SelectOperation sets the form's fully qualified operation
func (c *Catalog) SelectOperation(ctx context.Context, projectID, formID, operationID string) (*state.Project, error) {
	return c.updateForm(ctx, projectID, formID, `operation_id = ?`, operationID)
}

// SavePayload sets the form's request body
func (c *Catalog) SavePayload(ctx context.Context, projectID, formID, payload string) (*state.Project, error) {
	return c.updateForm(ctx, projectID, formID, `payload = ?`, payload)
}

// SaveResponse stores the last response of a form
func (c *Catalog) SaveResponse(ctx context.Context, projectID, formID, response string) (*state.Project, error) {
	return c.updateForm(ctx, projectID, formID, `response = ?`, response)
}

// SaveHeaders replaces the form's headers. Headers without an ID get one.
func (c *Catalog) SaveHeaders(ctx context.Context, projectID, formID string, headers []state.Header) (*state.Project, error) {
	hs := make([]state.Header, len(headers))
	copy(hs, headers)
	for i := range hs {
		if hs[i].ID == "" {
			hs[i].ID = uuid.New().String()
		}
	}
	data, err := json.Marshal(hs)
	if err != nil {
		return nil, err
	}
	return c.updateForm(ctx, projectID, formID, `headers = ?`, string(data))
}

// AddHeader appends an empty header to the form
func (c *Catalog) AddHeader(ctx context.Context, projectID, formID string) (*state.Project, error) {
	return c.editHeaders(ctx, projectID, formID, func(hs []state.Header) []state.Header {
		return append(hs, state.Header{ID: uuid.New().String()})
	})
}

// DeleteHeader removes one header from the form
func (c *Catalog) DeleteHeader(ctx context.Context, projectID, formID, headerID string) (*state.Project, error) {
	return c.editHeaders(ctx, projectID, formID, func(hs []state.Header) []state.Header {
		out := hs[:0]
		for _, h := range hs {
			if h.ID != headerID {
				out = append(out, h)
			}
		}
		return out
	})
}

// SaveConfig replaces the project's connection settings
func (c *Catalog) SaveConfig(ctx context.Context, projectID string, cfg state.Config) (*state.Project, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	return c.mutateProject(ctx, projectID, func(tx *sql.Tx, _ *state.Project) error {
		_, err := tx.ExecContext(ctx, `UPDATE projects SET config = ? WHERE id = ?`, string(data), projectID)
		return err
	})
}

// SaveSchemaSources stores the schema sources of a project together with the
// descriptor tree built from them
func (c *Catalog) SaveSchemaSources(ctx context.Context, projectID string, importPaths, schemaFiles []string, nodes []state.Node, reflected bool) (*state.Project, error) {
	paths, err := marshalList(importPaths)
	if err != nil {
		return nil, err
	}
	files, err := marshalList(schemaFiles)
	if err != nil {
		return nil, err
	}
	if nodes == nil {
		nodes = []state.Node{}
	}
	tree, err := json.Marshal(nodes)
	if err != nil {
		return nil, err
	}
	return c.mutateProject(ctx, projectID, func(tx *sql.Tx, _ *state.Project) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE projects
			SET import_paths = ?, schema_files = ?, descriptors = ?, reflected = ?
			WHERE id = ?
		`, paths, files, string(tree), reflected, projectID)
		return err
	})
}

func (c *Catalog) editHeaders(ctx context.Context, projectID, formID string, edit func([]state.Header) []state.Header) (*state.Project, error) {
	return c.mutateProject(ctx, projectID, func(tx *sql.Tx, p *state.Project) error {
		f := p.FormByID(formID)
		if f == nil {
			return fmt.Errorf("form %s: %w", formID, sql.ErrNoRows)
		}
		hs := edit(append([]state.Header{}, f.Headers...))
		data, err := json.Marshal(hs)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE forms SET headers = ? WHERE id = ?`, string(data), formID)
		return err
	})
}

func (c *Catalog) updateForm(ctx context.Context, projectID, formID, set string, value any) (*state.Project, error) {
	return c.mutateProject(ctx, projectID, func(tx *sql.Tx, _ *state.Project) error {
		result, err := tx.ExecContext(ctx, `UPDATE forms SET `+set+` WHERE id = ? AND project_id = ?`, value, formID, projectID)
		if err != nil {
			return fmt.Errorf("failed to update form: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("form %s: %w", formID, sql.ErrNoRows)
		}
		return nil
	})
}

func (c *Catalog) insertForm(ctx context.Context, tx *sql.Tx, projectID, address string) (string, error) {
	id := uuid.New().String()
	headers, err := json.Marshal([]state.Header{{ID: uuid.New().String()}})
	if err != nil {
		return "", err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO forms (id, project_id, position, address, payload, response, headers, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM forms WHERE project_id = ?), ?, '{}', '{}', ?, ?)
	`, id, projectID, projectID, address, string(headers), time.Now())
	if err != nil {
		return "", fmt.Errorf("failed to create form: %w", err)
	}
	return id, nil
}

// mutateProject runs fn in a transaction and returns the project as committed
func (c *Catalog) mutateProject(ctx context.Context, projectID string, fn func(*sql.Tx, *state.Project) error) (*state.Project, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	p, err := loadProject(ctx, tx, projectID)
	if err != nil {
		return nil, err
	}
	if err := fn(tx, p); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE projects SET updated_at = ? WHERE id = ?`, time.Now(), projectID); err != nil {
		return nil, fmt.Errorf("failed to touch project: %w", err)
	}
	if p, err = loadProject(ctx, tx, projectID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return p, nil
}

// mutateWorkspace runs fn in a transaction and returns the workspace as committed
func (c *Catalog) mutateWorkspace(ctx context.Context, fn func(*sql.Tx) error) (*state.Workspace, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return nil, err
	}
	w, err := loadWorkspace(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return w, nil
}

func marshalList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	data, err := json.Marshal(items)
	return string(data), err
}
