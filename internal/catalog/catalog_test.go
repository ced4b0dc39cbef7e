package catalog

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"protodesk/internal/state"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	c, err := Open(dbPath, DefaultAddresses())
	if err != nil {
		t.Fatalf("failed to open catalog: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCreateProject(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	w, err := c.CreateProject(ctx, state.KindGRPC, "Greeter")
	if err != nil {
		t.Fatalf("failed to create project: %v", err)
	}

	if len(w.ProjectIDs) != 1 {
		t.Fatalf("expected 1 project, got %d", len(w.ProjectIDs))
	}
	id := w.ProjectIDs[0]
	if w.CurrentProjectID != id {
		t.Errorf("expected new project to be selected, got '%s'", w.CurrentProjectID)
	}

	p := w.Projects[id]
	if p.Name != "Greeter" {
		t.Errorf("expected name 'Greeter', got '%s'", p.Name)
	}
	if p.Config.Address != "0.0.0.0:50051" {
		t.Errorf("expected default grpc address, got '%s'", p.Config.Address)
	}
	if len(p.Forms) != 1 {
		t.Fatalf("expected 1 form, got %d", len(p.Forms))
	}

	f := p.Forms[0]
	if p.CurrentFormID != f.ID {
		t.Errorf("expected form '%s' to be selected, got '%s'", f.ID, p.CurrentFormID)
	}
	if f.Address != "0.0.0.0:50051" || f.Payload != "{}" || f.Response != "{}" {
		t.Errorf("unexpected form defaults: %+v", f)
	}
	if len(f.Headers) != 1 || f.Headers[0].ID == "" || f.Headers[0].Key != "" {
		t.Errorf("expected one blank header, got %+v", f.Headers)
	}
}

func TestCreateProjectKinds(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	w, err := c.CreateProject(ctx, state.KindKafka, "")
	if err != nil {
		t.Fatalf("failed to create kafka project: %v", err)
	}
	p := w.Projects[w.CurrentProjectID]
	if len(p.Forms) != 0 {
		t.Errorf("expected no forms for kafka, got %d", len(p.Forms))
	}
	if p.Config.Address != "0.0.0.0:9092" {
		t.Errorf("expected default kafka address, got '%s'", p.Config.Address)
	}
	if p.Name != "kafka" {
		t.Errorf("expected name to default to kind, got '%s'", p.Name)
	}

	w, err = c.CreateProject(ctx, state.KindThrift, "t")
	if err != nil {
		t.Fatalf("failed to create thrift project: %v", err)
	}
	if got := w.Projects[w.CurrentProjectID].Forms[0].Address; got != "0.0.0.0:9090" {
		t.Errorf("expected default thrift address, got '%s'", got)
	}

	if _, err := c.CreateProject(ctx, state.Kind("soap"), "x"); !errors.Is(err, ErrInvalidKind) {
		t.Errorf("expected ErrInvalidKind, got %v", err)
	}
}

func TestDeleteProject(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	w, _ := c.CreateProject(ctx, state.KindGRPC, "a")
	first := w.CurrentProjectID

	if _, err := c.DeleteProject(ctx, first); !errors.Is(err, state.ErrLastProject) {
		t.Fatalf("expected ErrLastProject, got %v", err)
	}

	w, _ = c.CreateProject(ctx, state.KindGRPC, "b")
	second := w.CurrentProjectID

	w, err := c.DeleteProject(ctx, second)
	if err != nil {
		t.Fatalf("failed to delete project: %v", err)
	}
	if w.CurrentProjectID != first {
		t.Errorf("expected selection to fall back to '%s', got '%s'", first, w.CurrentProjectID)
	}
	if len(w.ProjectIDs) != 1 {
		t.Errorf("expected 1 project left, got %d", len(w.ProjectIDs))
	}

	if _, err := c.DeleteProject(ctx, "missing"); !errors.Is(err, state.ErrUnknownProject) {
		t.Errorf("expected ErrUnknownProject, got %v", err)
	}
}

func TestSelectProject(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	w, _ := c.CreateProject(ctx, state.KindGRPC, "a")
	first := w.CurrentProjectID
	c.CreateProject(ctx, state.KindGRPC, "b")

	w, err := c.SelectProject(ctx, first)
	if err != nil {
		t.Fatalf("failed to select project: %v", err)
	}
	if w.CurrentProjectID != first {
		t.Errorf("expected '%s' selected, got '%s'", first, w.CurrentProjectID)
	}

	got, err := c.State(ctx)
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if got.CurrentProjectID != first {
		t.Errorf("selection not persisted, got '%s'", got.CurrentProjectID)
	}
}

func TestFormLifecycle(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	w, _ := c.CreateProject(ctx, state.KindGRPC, "a")
	pid := w.CurrentProjectID
	f1 := w.Projects[pid].Forms[0].ID

	if _, err := c.RemoveForm(ctx, pid, f1); !errors.Is(err, state.ErrLastForm) {
		t.Fatalf("expected ErrLastForm, got %v", err)
	}

	p, err := c.CreateForm(ctx, pid)
	if err != nil {
		t.Fatalf("failed to create form: %v", err)
	}
	if len(p.Forms) != 2 {
		t.Fatalf("expected 2 forms, got %d", len(p.Forms))
	}
	f2 := p.Forms[1].ID
	if p.CurrentFormID != f2 {
		t.Errorf("expected new form selected")
	}

	p, err = c.SelectForm(ctx, pid, f1)
	if err != nil {
		t.Fatalf("failed to select form: %v", err)
	}
	if p.CurrentFormID != f1 {
		t.Errorf("expected '%s' selected, got '%s'", f1, p.CurrentFormID)
	}

	p, err = c.RemoveForm(ctx, pid, f1)
	if err != nil {
		t.Fatalf("failed to remove form: %v", err)
	}
	if len(p.Forms) != 1 || p.CurrentFormID != f2 {
		t.Errorf("expected '%s' to remain selected, got %+v", f2, p)
	}

	if _, err := c.SelectForm(ctx, pid, "missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestSaveFormFields(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	w, _ := c.CreateProject(ctx, state.KindGRPC, "a")
	pid := w.CurrentProjectID
	fid := w.Projects[pid].Forms[0].ID

	if _, err := c.SaveAddress(ctx, pid, fid, "localhost:6000"); err != nil {
		t.Fatalf("failed to save address: %v", err)
	}
	if _, err := c.SelectOperation(ctx, pid, fid, "helloworld.Greeter.SayHello"); err != nil {
		t.Fatalf("failed to select operation: %v", err)
	}
	if _, err := c.SavePayload(ctx, pid, fid, `{"name":"x"}`); err != nil {
		t.Fatalf("failed to save payload: %v", err)
	}
	p, err := c.SaveResponse(ctx, pid, fid, `{"message":"hi"}`)
	if err != nil {
		t.Fatalf("failed to save response: %v", err)
	}

	f := p.Forms[0]
	if f.Address != "localhost:6000" {
		t.Errorf("expected address 'localhost:6000', got '%s'", f.Address)
	}
	if f.OperationID != "helloworld.Greeter.SayHello" {
		t.Errorf("unexpected operation '%s'", f.OperationID)
	}
	if f.Payload != `{"name":"x"}` {
		t.Errorf("unexpected payload '%s'", f.Payload)
	}
	if f.Response != `{"message":"hi"}` {
		t.Errorf("unexpected response '%s'", f.Response)
	}

	if _, err := c.SavePayload(ctx, pid, "missing", "{}"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestHeaders(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	w, _ := c.CreateProject(ctx, state.KindGRPC, "a")
	pid := w.CurrentProjectID
	fid := w.Projects[pid].Forms[0].ID

	p, err := c.AddHeader(ctx, pid, fid)
	if err != nil {
		t.Fatalf("failed to add header: %v", err)
	}
	headers := p.Forms[0].Headers
	if len(headers) != 2 {
		t.Fatalf("expected 2 headers, got %d", len(headers))
	}

	headers[0].Key = "authorization"
	headers[0].Value = "Bearer t"
	headers = append(headers, state.Header{Key: "x-trace", Value: "1"})
	p, err = c.SaveHeaders(ctx, pid, fid, headers)
	if err != nil {
		t.Fatalf("failed to save headers: %v", err)
	}
	saved := p.Forms[0].Headers
	if len(saved) != 3 || saved[0].Key != "authorization" || saved[2].ID == "" {
		t.Errorf("unexpected headers %+v", saved)
	}

	p, err = c.DeleteHeader(ctx, pid, fid, saved[1].ID)
	if err != nil {
		t.Fatalf("failed to delete header: %v", err)
	}
	if len(p.Forms[0].Headers) != 2 || p.Forms[0].Headers[1].Key != "x-trace" {
		t.Errorf("unexpected headers after delete %+v", p.Forms[0].Headers)
	}
}

func TestSaveConfigAndSchemaSources(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	w, _ := c.CreateProject(ctx, state.KindKafka, "k")
	pid := w.CurrentProjectID

	cfg := state.Config{Address: "broker:9092", AuthMethod: state.AuthMethodSASLSSL, AuthUsername: "u", AuthPassword: "p"}
	p, err := c.SaveConfig(ctx, pid, cfg)
	if err != nil {
		t.Fatalf("failed to save config: %v", err)
	}
	if p.Config != cfg {
		t.Errorf("expected config %+v, got %+v", cfg, p.Config)
	}

	nodes := []state.Node{{ID: "a.proto", Label: "a.proto", Children: []state.Node{{ID: "pkg.Svc", Label: "Svc"}}}}
	p, err = c.SaveSchemaSources(ctx, pid, []string{"/protos"}, []string{"/protos/a.protoset"}, nodes, true)
	if err != nil {
		t.Fatalf("failed to save schema sources: %v", err)
	}
	if len(p.ImportPaths) != 1 || p.ImportPaths[0] != "/protos" {
		t.Errorf("unexpected import paths %v", p.ImportPaths)
	}
	if len(p.SchemaFiles) != 1 || !p.Reflected {
		t.Errorf("unexpected schema files %v reflected=%v", p.SchemaFiles, p.Reflected)
	}
	if len(p.Descriptors) != 1 || p.Descriptors[0].Children[0].ID != "pkg.Svc" {
		t.Errorf("unexpected descriptors %+v", p.Descriptors)
	}

	p, err = c.SaveSchemaSources(ctx, pid, nil, nil, nil, false)
	if err != nil {
		t.Fatalf("failed to clear schema sources: %v", err)
	}
	if len(p.SchemaFiles) != 0 || len(p.Descriptors) != 0 || p.Reflected {
		t.Errorf("expected cleared schema sources, got %+v", p)
	}
}

func TestReopenKeepsState(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	c, err := Open(dbPath, DefaultAddresses())
	if err != nil {
		t.Fatalf("failed to open catalog: %v", err)
	}
	w, _ := c.CreateProject(ctx, state.KindGRPC, "a")
	c.CreateProject(ctx, state.KindKafka, "b")
	c.Close()

	c, err = Open(dbPath, DefaultAddresses())
	if err != nil {
		t.Fatalf("failed to reopen catalog: %v", err)
	}
	defer c.Close()

	got, err := c.State(ctx)
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if len(got.ProjectIDs) != 2 || got.ProjectIDs[0] != w.CurrentProjectID {
		t.Errorf("expected projects in insertion order, got %v", got.ProjectIDs)
	}
}
