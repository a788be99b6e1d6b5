package planner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/tabledeck/internal/engine"
	deckerrors "github.com/arkilian/tabledeck/internal/errors"
	"github.com/arkilian/tabledeck/pkg/types"
)

func claimsDataset(t *testing.T) *types.Dataset {
	t.Helper()
	schema, err := types.NewSchema([]types.FieldDescriptor{
		{Name: "region", Type: types.FieldCategorical},
		{Name: "lob", Type: types.FieldNumeric},
		{Name: "paid_loss", Type: types.FieldNumeric},
		{Name: "case_reserves", Type: types.FieldNumeric},
	})
	require.NoError(t, err)
	return &types.Dataset{
		Schema: schema,
		Records: []types.Record{
			{"region": "west", "lob": 2.0, "paid_loss": 100.0, "case_reserves": 10.0},
			{"region": "east", "lob": 1.0, "paid_loss": 200.0, "case_reserves": 20.0},
			{"region": "east", "lob": 1.0, "paid_loss": 50.0},
			{"lob": 3.0, "paid_loss": 5.0},
		},
	}
}

const planYAML = `
slides:
  - slide_number: 2
    slide_title: Line of Business Breakdown
    rows:
      - row_label: Total
        metric_fields: [paid_loss]
        is_group_header: true
        spans_all_columns: true
      - row_label: LOB1
        metric_fields: [paid_loss, case_reserves]
        aggregation: sum
        filters:
          - field: lob
            value: 1
      - row_label: Big
        metric_fields: [paid_loss]
        aggregation: max
        filters:
          - field: paid_loss
            operator: ">="
            value: 100
  - slide_title: Unnumbered
    rows:
      - row_label: All
        metric_fields: [paid_loss]
        aggregation: average
`

func TestParsePlan(t *testing.T) {
	slides, err := ParsePlan([]byte(planYAML))
	require.NoError(t, err)
	require.Len(t, slides, 2)

	assert.Equal(t, 1, slides[0].Number)
	assert.Equal(t, "Unnumbered", slides[0].Title)
	assert.Equal(t, types.AggAvg, slides[0].Rows[0].Aggregation)

	s := slides[1]
	assert.Equal(t, 2, s.Number)
	require.Len(t, s.Rows, 3)
	assert.True(t, s.Rows[0].Spanning())
	assert.Equal(t, types.OpEq, s.Rows[1].Filters[0].Operator)
	assert.Equal(t, types.OpGe, s.Rows[2].Filters[0].Operator)
	assert.Equal(t, types.AggMax, s.Rows[2].Aggregation)
}

func TestParsePlan_BareListAndJSON(t *testing.T) {
	slides, err := ParsePlan([]byte(`[{"slide_number": 3, "slide_title": "J", "rows": [{"row_label": "A", "metric_fields": ["paid_loss"], "aggregation": "sum"}]}]`))
	require.NoError(t, err)
	require.Len(t, slides, 1)
	assert.Equal(t, 3, slides[0].Number)
	assert.Equal(t, types.AggSum, slides[0].Rows[0].Aggregation)
}

func TestParsePlan_Errors(t *testing.T) {
	for name, doc := range map[string]string{
		"empty":           ``,
		"scalar":          `hello`,
		"no slides":       `slides: []`,
		"bad operator":    `[{rows: [{row_label: A, filters: [{field: x, operator: "~", value: 1}]}]}]`,
		"bad aggregation": `[{rows: [{row_label: A, aggregation: median}]}]`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePlan([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestFilePlanner(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(planYAML), 0644))

	ds := claimsDataset(t)
	slides, err := File{Path: path}.Plan(context.Background(), ds)
	require.NoError(t, err)
	require.Len(t, slides, 2)

	for _, s := range slides {
		tbl, err := engine.Compile(ds, s.Rows)
		require.NoError(t, err)
		assert.NotEmpty(t, tbl.Rows)
	}
}

func TestFilePlanner_UnknownField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`[{rows: [{row_label: A, metric_fields: [premium], aggregation: sum}]}]`), 0644))

	_, err := File{Path: path}.Plan(context.Background(), claimsDataset(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, deckerrors.ErrUnknownField)
}

func TestFilePlanner_Missing(t *testing.T) {
	_, err := File{Path: filepath.Join(t.TempDir(), "none.yaml")}.Plan(context.Background(), claimsDataset(t))
	assert.Error(t, err)
}

func TestOverview_GroupsByFirstCategorical(t *testing.T) {
	ds := claimsDataset(t)
	slides, err := Overview{}.Plan(context.Background(), ds)
	require.NoError(t, err)
	require.Len(t, slides, 2)

	s := slides[0]
	assert.Equal(t, "Summary by Region", s.Title)
	labels := make([]string, len(s.Rows))
	for i, r := range s.Rows {
		labels[i] = r.Label
	}
	assert.Equal(t, []string{"Total", "east", "west", "Total Region"}, labels)
	assert.Equal(t, []string{"east", "west"}, s.Rows[3].ComponentRows)
	assert.Equal(t, []string{"lob", "paid_loss", "case_reserves"}, s.Rows[1].MetricFields)

	tbl, err := engine.Compile(ds, s.Rows)
	require.NoError(t, err)
	east := tbl.Rows[1].Cell("paid_loss")
	assert.Equal(t, 250.0, east.Value)
	total := tbl.Rows[3].Cell("paid_loss")
	assert.Equal(t, 350.0, total.Value)

	assert.Equal(t, types.AggAvg, slides[1].Rows[1].Aggregation)
	_, err = engine.Compile(ds, slides[1].Rows)
	require.NoError(t, err)
}

func TestOverview_NumericGroup(t *testing.T) {
	ds := claimsDataset(t)
	slides, err := Overview{GroupBy: "lob", MaxGroups: 2}.Plan(context.Background(), ds)
	require.NoError(t, err)

	s := slides[0]
	require.Len(t, s.Rows, 4)
	assert.Equal(t, "Lob 1", s.Rows[1].Label)
	assert.Equal(t, "Lob 2", s.Rows[2].Label)
	assert.NotContains(t, s.Rows[1].MetricFields, "lob")

	tbl, err := engine.Compile(ds, s.Rows)
	require.NoError(t, err)
	assert.Equal(t, 250.0, tbl.Rows[1].Cell("paid_loss").Value)
}

func TestOverview_NoGroup(t *testing.T) {
	schema, err := types.NewSchema([]types.FieldDescriptor{{Name: "amount", Type: types.FieldNumeric}})
	require.NoError(t, err)
	slides, err := Overview{}.Plan(context.Background(), &types.Dataset{Schema: schema})
	require.NoError(t, err)
	require.Len(t, slides, 1)
	assert.Equal(t, "Total", slides[0].Rows[0].Label)
}

func TestOverview_Errors(t *testing.T) {
	ds := claimsDataset(t)
	_, err := Overview{GroupBy: "nope"}.Plan(context.Background(), ds)
	assert.Error(t, err)

	schema, err := types.NewSchema([]types.FieldDescriptor{{Name: "region", Type: types.FieldCategorical}})
	require.NoError(t, err)
	_, err = Overview{}.Plan(context.Background(), &types.Dataset{Schema: schema})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Overview{}.Plan(ctx, ds)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStaticAndRenumber(t *testing.T) {
	src := []types.SlideSpec{{Title: "b"}, {Number: 1, Title: "a"}}
	Renumber(src)
	assert.Equal(t, 1, src[0].Number)
	assert.Equal(t, "a", src[0].Title)
	assert.Equal(t, 2, src[1].Number)

	p := Static(src)
	got, err := p.Plan(context.Background(), nil)
	require.NoError(t, err)
	got[0].Title = "changed"
	assert.Equal(t, "a", src[0].Title)
}
