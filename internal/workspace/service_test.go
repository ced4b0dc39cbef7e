package workspace

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"protodesk/internal/catalog"
	"protodesk/internal/state"
)

type fakeDescriptors struct {
	builds   [][]string
	buildErr error
	reflects []string
}

func (f *fakeDescriptors) Build(_ context.Context, _, files []string) ([]state.Node, error) {
	f.builds = append(f.builds, append([]string{}, files...))
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	nodes := make([]state.Node, 0, len(files))
	for _, file := range files {
		nodes = append(nodes, state.Node{ID: file, Label: filepath.Base(file)})
	}
	return nodes, nil
}

func (f *fakeDescriptors) Reflect(_ context.Context, address string) ([]state.Node, error) {
	f.reflects = append(f.reflects, address)
	return []state.Node{{ID: "reflection", Children: []state.Node{{ID: "helloworld.Greeter", Label: "Greeter"}}}}, nil
}

type fakeStopper struct {
	stopped []string
}

func (f *fakeStopper) Stop(_ context.Context, projectID string) error {
	f.stopped = append(f.stopped, projectID)
	return nil
}

type fixture struct {
	svc      *Service
	store    *state.Store
	desc     *fakeDescriptors
	sessions *fakeStopper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"), catalog.DefaultAddresses())
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	store := state.NewStore()
	desc := &fakeDescriptors{}
	sessions := &fakeStopper{}
	svc := NewService(state.NewReconciler(store, nil), cat, desc, sessions, nil)
	require.NoError(t, svc.Load(context.Background()))
	return &fixture{svc: svc, store: store, desc: desc, sessions: sessions}
}

func (f *fixture) current(t *testing.T) state.Project {
	t.Helper()
	p, ok := f.store.Project(f.store.CurrentProjectID())
	require.True(t, ok)
	return p
}

func TestCreateProjectSelectsIt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.CreateProject(ctx, state.KindGRPC, "Greeter"))
	require.NoError(t, f.svc.CreateProject(ctx, state.KindKafka, "Orders"))

	assert.Len(t, f.store.ProjectIDs(), 2)
	p := f.current(t)
	assert.Equal(t, "Orders", p.Name)
	assert.Equal(t, state.KindKafka, p.Kind)
}

func TestRemoveLastFormIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.CreateProject(ctx, state.KindGRPC, "a"))
	p := f.current(t)

	err := f.svc.RemoveForm(ctx, p.ID, p.Forms[0].ID)
	assert.ErrorIs(t, err, ErrLastForm)

	after := f.current(t)
	assert.Equal(t, p.Forms, after.Forms)
	assert.Equal(t, p.CurrentFormID, after.CurrentFormID)
}

func TestRemoveCurrentFormSelectsFirstRemaining(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.CreateProject(ctx, state.KindGRPC, "a"))
	pid := f.store.CurrentProjectID()
	require.NoError(t, f.svc.CreateForm(ctx, pid))
	require.NoError(t, f.svc.CreateForm(ctx, pid))

	p := f.current(t)
	require.Len(t, p.Forms, 3)
	require.NoError(t, f.svc.SelectForm(ctx, pid, p.Forms[1].ID))
	require.NoError(t, f.svc.RemoveForm(ctx, pid, p.Forms[1].ID))

	after := f.current(t)
	require.Len(t, after.Forms, 2)
	assert.Equal(t, p.Forms[0].ID, after.CurrentFormID)
}

func TestDeleteProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.CreateProject(ctx, state.KindGRPC, "a"))
	first := f.store.CurrentProjectID()

	assert.ErrorIs(t, f.svc.DeleteProject(ctx, first), ErrLastProject)
	assert.Empty(t, f.sessions.stopped)

	require.NoError(t, f.svc.CreateProject(ctx, state.KindKafka, "k"))
	second := f.store.CurrentProjectID()
	require.NoError(t, f.svc.DeleteProject(ctx, second))

	assert.Equal(t, []string{second}, f.sessions.stopped)
	assert.Equal(t, []string{first}, f.store.ProjectIDs())
	assert.Equal(t, first, f.store.CurrentProjectID())

	assert.ErrorIs(t, f.svc.DeleteProject(ctx, "ghost"), state.ErrUnknownProject)
}

func TestFormEditsAreReconciled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.CreateProject(ctx, state.KindGRPC, "a"))
	p := f.current(t)
	fid := p.Forms[0].ID

	require.NoError(t, f.svc.SaveAddress(ctx, p.ID, fid, "localhost:50051"))
	require.NoError(t, f.svc.SelectOperation(ctx, p.ID, fid, "helloworld.Greeter.SayHello"))
	require.NoError(t, f.svc.SavePayload(ctx, p.ID, fid, `{"name":"x"}`))
	require.NoError(t, f.svc.AddHeader(ctx, p.ID, fid))

	form, ok := f.store.Form(p.ID, fid)
	require.True(t, ok)
	assert.Equal(t, "localhost:50051", form.Address)
	assert.Equal(t, "helloworld.Greeter.SayHello", form.OperationID)
	assert.Equal(t, `{"name":"x"}`, form.Payload)
	require.Len(t, form.Headers, 2)

	form.Headers[0].Key = "authorization"
	require.NoError(t, f.svc.SaveHeaders(ctx, p.ID, fid, form.Headers))
	require.NoError(t, f.svc.DeleteHeader(ctx, p.ID, fid, form.Headers[1].ID))

	form, _ = f.store.Form(p.ID, fid)
	require.Len(t, form.Headers, 1)
	assert.Equal(t, "authorization", form.Headers[0].Key)
}

func TestBackendErrorLandsInForm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.CreateProject(ctx, state.KindGRPC, "a"))
	p := f.current(t)

	require.NoError(t, f.svc.SelectForm(ctx, p.ID, "missing"))

	form, _ := f.store.Form(p.ID, p.Forms[0].ID)
	assert.Contains(t, form.Response, "no rows")
	assert.Equal(t, p.Forms[0].ID, f.current(t).CurrentFormID)
}

func TestSchemaSourcesRebuildDescriptors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.CreateProject(ctx, state.KindGRPC, "a"))
	pid := f.store.CurrentProjectID()

	require.NoError(t, f.svc.AddImportPath(ctx, pid, "/protos"))
	require.NoError(t, f.svc.AddImportPath(ctx, pid, "/protos"))
	assert.Empty(t, f.desc.builds, "no schema files, nothing to build")

	require.NoError(t, f.svc.AddSchemaFiles(ctx, pid, "/protos/a.protoset", "/protos/b.protoset"))
	nodes, ok := f.store.Descriptors(pid)
	require.True(t, ok)
	require.Len(t, nodes, 2)
	assert.Equal(t, "a.protoset", nodes[0].Label)

	p := f.current(t)
	assert.Equal(t, []string{"/protos"}, p.ImportPaths)
	assert.False(t, p.Reflected)

	require.NoError(t, f.svc.ClearSchemaFiles(ctx, pid))
	p = f.current(t)
	assert.Empty(t, p.SchemaFiles)
	assert.Empty(t, p.Descriptors)
	assert.Equal(t, []string{"/protos"}, p.ImportPaths)

	require.NoError(t, f.svc.RemoveImportPath(ctx, pid, "/protos"))
	assert.Empty(t, f.current(t).ImportPaths)
}

func TestSchemaBuildFailureKeepsSources(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.CreateProject(ctx, state.KindGRPC, "a"))
	p := f.current(t)
	f.desc.buildErr = errors.New("a.protoset: unknown import b.proto")

	require.NoError(t, f.svc.AddSchemaFiles(ctx, p.ID, "/protos/a.protoset"))

	after := f.current(t)
	assert.Empty(t, after.SchemaFiles)
	form, _ := f.store.Form(p.ID, p.CurrentFormID)
	assert.Equal(t, "a.protoset: unknown import b.proto", form.Response)
}

func TestReflectUsesCurrentFormAddress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.CreateProject(ctx, state.KindGRPC, "a"))
	pid := f.store.CurrentProjectID()

	require.NoError(t, f.svc.Reflect(ctx, pid, ""))

	assert.Equal(t, []string{"0.0.0.0:50051"}, f.desc.reflects)
	p := f.current(t)
	assert.True(t, p.Reflected)
	require.Len(t, p.Descriptors, 1)
	assert.Equal(t, "helloworld.Greeter", p.Descriptors[0].Children[0].ID)
}

func TestSaveConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.CreateProject(ctx, state.KindKafka, "k"))
	pid := f.store.CurrentProjectID()

	cfg := state.Config{Address: "broker:9092", AuthMethod: state.AuthMethodPlaintext}
	require.NoError(t, f.svc.SaveConfig(ctx, pid, cfg))
	assert.Equal(t, cfg, f.current(t).Config)
}
