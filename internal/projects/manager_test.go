package projects

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/tabledeck/internal/catalog"
	deckerrors "github.com/arkilian/tabledeck/internal/errors"
	"github.com/arkilian/tabledeck/internal/observability"
	"github.com/arkilian/tabledeck/internal/render"
	"github.com/arkilian/tabledeck/internal/storage"
	"github.com/arkilian/tabledeck/pkg/types"
)

const claimsCSV = `region,lob,paid_loss,case_reserve
east,1,100,10
east,2,150,20
west,1,50,5
west,3,200,
`

type fixture struct {
	dir      string
	data     string
	catalog  *catalog.SQLiteCatalog
	store    *storage.LocalStorage
	renderer *render.DeckRenderer
	stats    *observability.PassStats
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	data := filepath.Join(dir, "claims.csv")
	require.NoError(t, os.WriteFile(data, []byte(claimsCSV), 0644))

	cat, err := catalog.NewCatalog(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	store, err := storage.NewLocalStorage(filepath.Join(dir, "storage"))
	require.NoError(t, err)

	return &fixture{
		dir:      dir,
		data:     data,
		catalog:  cat,
		store:    store,
		renderer: render.NewDeckRenderer(store),
		stats:    observability.NewPassStats(time.Hour),
	}
}

func (f *fixture) manager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Options{
		Store:    f.catalog,
		Renderer: f.renderer,
		Observer: f.stats,
		PlanDir:  filepath.Join(f.dir, "plans"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestManager_RequiresStoreAndRenderer(t *testing.T) {
	_, err := NewManager(Options{})
	assert.Error(t, err)
}

func TestManager_CreateAndAnalyze(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	ctx := context.Background()

	p, err := m.Create(ctx, CreateRequest{DataPath: f.data})
	require.NoError(t, err)
	assert.Equal(t, "claims", p.Record.Name)
	assert.Equal(t, types.StatusInitialized, p.Orch.Status())

	slides, err := m.Analyze(ctx, p.Record.ProjectID)
	require.NoError(t, err)
	require.Len(t, slides, 2)
	assert.Equal(t, "Summary by Region", slides[0].Title)
	assert.Equal(t, types.StatusWaitingForUser, p.Orch.Status())

	info := p.Info()
	assert.Equal(t, 2, info.Slides)
	require.NotNil(t, info.Artifact)
	exists, err := f.store.Exists(ctx, info.Artifact.Path)
	require.NoError(t, err)
	assert.True(t, exists)

	rec, err := f.catalog.GetProject(ctx, p.Record.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusWaitingForUser, rec.Status)

	stats, ok := f.stats.Project(p.Record.ProjectID)
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.Succeeded)

	// A second analysis is not a valid transition.
	_, err = m.Analyze(ctx, p.Record.ProjectID)
	assert.Equal(t, deckerrors.CodeInvalidTransition, deckerrors.GetCode(err))
}

func TestManager_CreateValidation(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateRequest{})
	assert.Equal(t, deckerrors.CodeInvalidDataset, deckerrors.GetCode(err))

	_, err = m.Create(ctx, CreateRequest{DataPath: filepath.Join(f.dir, "missing.csv")})
	assert.Equal(t, deckerrors.CodeInvalidDataset, deckerrors.GetCode(err))

	_, err = m.Create(ctx, CreateRequest{DataPath: f.data, PlanPath: "nope"})
	assert.Equal(t, deckerrors.CodeInvalidRowSpec, deckerrors.GetCode(err))

	list, err := f.catalog.ListProjects(ctx)
	require.NoError(t, err)
	assert.Empty(t, list, "failed creates must not leave records behind")
}

func TestManager_PlanFromPlanDir(t *testing.T) {
	f := newFixture(t)
	plans := filepath.Join(f.dir, "plans")
	require.NoError(t, os.MkdirAll(plans, 0755))
	plan := `
slides:
  - slide_title: East only
    rows:
      - row_label: East
        metric_fields: [paid_loss]
        aggregation: sum
        filters:
          - {field: region, operator: "==", value: east}
`
	require.NoError(t, os.WriteFile(filepath.Join(plans, "east.yaml"), []byte(plan), 0644))

	m := f.manager(t)
	ctx := context.Background()
	p, err := m.Create(ctx, CreateRequest{DataPath: f.data, PlanPath: "east"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(plans, "east.yaml"), p.Record.PlanPath)

	slides, err := m.Analyze(ctx, p.Record.ProjectID)
	require.NoError(t, err)
	require.Len(t, slides, 1)
	assert.Equal(t, 1, slides[0].Number)

	tables := p.Orch.Published().Tables
	require.Len(t, tables, 1)
	assert.Equal(t, 250.0, tables[0].Table.Rows[0].Cell("paid_loss").Value)
}

func TestManager_ApplyEditAndCompileAll(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	ctx := context.Background()

	p, err := m.Create(ctx, CreateRequest{DataPath: f.data})
	require.NoError(t, err)
	id := p.Record.ProjectID

	_, err = m.ApplyEdit(ctx, id, 1, nil)
	assert.Error(t, err, "edits are rejected before analysis")

	_, err = m.Analyze(ctx, id)
	require.NoError(t, err)

	rows := []types.RowSpec{{
		Label:        "West",
		MetricFields: []string{"paid_loss"},
		Aggregation:  types.AggSum,
		Filters:      []types.Filter{{Field: "region", Operator: types.OpEq, Value: "west"}},
	}}
	tables, err := m.ApplyEdit(ctx, id, 1, rows)
	require.NoError(t, err)
	require.Len(t, tables, 2)
	assert.Equal(t, 250.0, tables[0].Table.Rows[0].Cell("paid_loss").Value)

	_, err = m.ApplyEdit(ctx, id, 9, rows)
	assert.ErrorIs(t, err, deckerrors.ErrUnknownSlide)

	tables, err = m.CompileAll(ctx, id)
	require.NoError(t, err)
	assert.Len(t, tables, 2)

	stats, ok := f.stats.Project(id)
	require.True(t, ok)
	assert.Equal(t, int64(3), stats.Succeeded)
}

func TestManager_GetListDelete(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	ctx := context.Background()

	_, err := m.Get("missing")
	assert.ErrorIs(t, err, deckerrors.ErrProjectNotFound)

	a, err := m.Create(ctx, CreateRequest{Name: "a", DataPath: f.data})
	require.NoError(t, err)
	b, err := m.Create(ctx, CreateRequest{Name: "b", DataPath: f.data})
	require.NoError(t, err)
	assert.Len(t, m.List(), 2)

	_, err = m.Analyze(ctx, a.Record.ProjectID)
	require.NoError(t, err)
	artifact := a.Orch.Published().Artifact

	require.NoError(t, m.Delete(ctx, a.Record.ProjectID))
	list := m.List()
	require.Len(t, list, 1)
	assert.Equal(t, b.Record.ProjectID, list[0].ProjectID)

	_, err = f.catalog.GetProject(ctx, a.Record.ProjectID)
	assert.ErrorIs(t, err, deckerrors.ErrProjectNotFound)
	exists, err := f.store.Exists(ctx, artifact.Path)
	require.NoError(t, err)
	assert.False(t, exists, "deck should be purged")
	_, ok := f.stats.Project(a.Record.ProjectID)
	assert.False(t, ok)

	assert.ErrorIs(t, m.Delete(ctx, a.Record.ProjectID), deckerrors.ErrProjectNotFound)
}

func TestManager_StartAnalysis(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	ctx := context.Background()

	p, err := m.Create(ctx, CreateRequest{DataPath: f.data, Auto: true})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return p.Orch.Status() == types.StatusWaitingForUser
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, m.StartAnalysis(p.Record.ProjectID), "analysis only starts from INITIALIZED")
	assert.False(t, m.StartAnalysis("missing"))
}

func TestManager_Restore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := NewManager(Options{Store: f.catalog, Renderer: f.renderer})
	require.NoError(t, err)
	p, err := first.Create(ctx, CreateRequest{DataPath: f.data})
	require.NoError(t, err)
	_, err = first.Analyze(ctx, p.Record.ProjectID)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// A project whose dataset has gone away is skipped.
	require.NoError(t, f.catalog.CreateProject(ctx, &catalog.ProjectRecord{
		ProjectID: "orphan",
		Name:      "orphan",
		DataPath:  filepath.Join(f.dir, "gone.csv"),
	}))

	m := f.manager(t)
	n, err := m.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	restored, err := m.Get(p.Record.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInitialized, restored.Orch.Status())

	rec, err := f.catalog.GetProject(ctx, p.Record.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInitialized, rec.Status)
	assert.Equal(t, "restored", rec.Message)

	// Restoring again is a no-op for live projects.
	n, err = m.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = m.Analyze(ctx, p.Record.ProjectID)
	require.NoError(t, err)
}
