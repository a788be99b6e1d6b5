package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	deckerrors "github.com/arkilian/tabledeck/internal/errors"
	"github.com/arkilian/tabledeck/pkg/types"
)

func newTestCatalog(t *testing.T) *SQLiteCatalog {
	t.Helper()
	c, err := NewCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func createProject(t *testing.T, c *SQLiteCatalog, id string) {
	t.Helper()
	require.NoError(t, c.CreateProject(context.Background(), &ProjectRecord{
		ProjectID: id,
		Name:      "Q3 reserves",
		DataPath:  "/data/claims.csv",
		Template:  "corp.pptx",
	}))
}

func TestCatalog_CreateAndGetProject(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	createProject(t, c, "p1")

	p, err := c.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Q3 reserves", p.Name)
	assert.Equal(t, "/data/claims.csv", p.DataPath)
	assert.Equal(t, types.StatusInitialized, p.Status)
	assert.False(t, p.CreatedAt.IsZero())

	err = c.CreateProject(ctx, &ProjectRecord{ProjectID: "p1", Name: "dup", DataPath: "x"})
	assert.Error(t, err)

	_, err = c.GetProject(ctx, "missing")
	assert.ErrorIs(t, err, deckerrors.ErrProjectNotFound)
}

func TestCatalog_ListProjects(t *testing.T) {
	c := newTestCatalog(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	c.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	createProject(t, c, "b")
	createProject(t, c, "a")

	list, err := c.ListProjects(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ProjectID)
	assert.Equal(t, "a", list[1].ProjectID)
}

func TestCatalog_SaveStatus(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	createProject(t, c, "p1")

	require.NoError(t, c.SaveStatus(ctx, "p1", types.StatusFailed, "unknown field premium"))
	p, err := c.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, p.Status)
	assert.Equal(t, "unknown field premium", p.Message)

	err = c.SaveStatus(ctx, "missing", types.StatusFailed, "")
	assert.ErrorIs(t, err, deckerrors.ErrProjectNotFound)
}

func testSlides() []types.SlideSpec {
	return []types.SlideSpec{
		{Number: 2, Title: "Breakdown", Rows: []types.RowSpec{{
			Label:        "LOB1",
			MetricFields: []string{"paid_loss"},
			Aggregation:  types.AggSum,
			Filters:      []types.Filter{{Field: "lob", Operator: types.OpGe, Value: 1.0}},
		}}},
		{Number: 1, Title: "Summary", Rows: []types.RowSpec{{
			Label: "Total", MetricFields: []string{"paid_loss"}, IsGroupHeader: true, SpansAllColumns: true,
		}}},
	}
}

func TestCatalog_SlidesRoundTrip(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	createProject(t, c, "p1")

	require.NoError(t, c.SaveSlides(ctx, "p1", testSlides()))
	require.NoError(t, c.SaveSlideStatus(ctx, "p1", 2, types.SlideCompiled, ""))

	got, err := c.Slides(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Spec.Number)
	assert.Equal(t, types.SlidePending, got[0].Status)
	assert.Equal(t, types.SlideCompiled, got[1].Status)

	row := got[1].Spec.Rows[0]
	assert.Equal(t, types.AggSum, row.Aggregation)
	assert.Equal(t, types.OpGe, row.Filters[0].Operator)
	assert.Equal(t, 1.0, row.Filters[0].Value)

	// Replacing the slide list drops slides that are gone.
	require.NoError(t, c.SaveSlides(ctx, "p1", testSlides()[:1]))
	got, err = c.Slides(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.SlidePending, got[0].Status)

	err = c.SaveSlideStatus(ctx, "p1", 9, types.SlideFailed, "boom")
	assert.ErrorIs(t, err, deckerrors.ErrUnknownSlide)
}

func TestCatalog_Publications(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	createProject(t, c, "p1")

	latest, err := c.LatestPublication(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, latest)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	table := &types.TableModel{
		Columns: []types.Column{{Key: "paid_loss", Label: "Paid Loss"}},
		Rows: []types.RowResult{{Label: "Total", Cells: map[string]types.Cell{
			"paid_loss": {Present: true, Value: 10, Display: "$10"},
		}, Matched: 2}},
	}
	for i, pass := range []string{"pass-1", "pass-2"} {
		require.NoError(t, c.SavePublication(ctx, "p1", &types.Publication{
			PassID:      pass,
			Tables:      []types.SlideTable{{SlideNumber: 1, Title: "Summary", Table: table}},
			Artifact:    types.Artifact{Path: "decks/p1/" + pass, Fingerprint: pass, Size: 42},
			PublishedAt: at.Add(time.Duration(i) * time.Minute),
		}))
	}

	latest, err = c.LatestPublication(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "pass-2", latest.PassID)
	assert.Equal(t, int64(42), latest.Artifact.Size)
	assert.True(t, latest.PublishedAt.Equal(at.Add(time.Minute)))
	require.Len(t, latest.Tables, 1)
	assert.Equal(t, table, latest.Tables[0].Table)

	history, err := c.ListPublications(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "pass-1", history[1].PassID)
	assert.Nil(t, history[0].Tables)
}

func TestCatalog_DeleteProject(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	createProject(t, c, "p1")
	require.NoError(t, c.SaveSlides(ctx, "p1", testSlides()))

	require.NoError(t, c.DeleteProject(ctx, "p1"))
	_, err := c.GetProject(ctx, "p1")
	assert.ErrorIs(t, err, deckerrors.ErrProjectNotFound)

	slides, err := c.Slides(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, slides)

	assert.ErrorIs(t, c.DeleteProject(ctx, "p1"), deckerrors.ErrProjectNotFound)
}

func TestCatalog_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	c, err := NewCatalog(path)
	require.NoError(t, err)
	require.NoError(t, c.CreateProject(context.Background(), &ProjectRecord{ProjectID: "p1", Name: "n", DataPath: "d"}))
	require.NoError(t, c.Close())

	c, err = NewCatalog(path)
	require.NoError(t, err)
	defer c.Close()
	p, err := c.GetProject(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "n", p.Name)
}
