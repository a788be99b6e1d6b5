package engine

import (
	"encoding/json"
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/arkilian/tabledeck/pkg/types"
)

var propertyFields = []string{"paid", "incurred", "premium", "claims"}

func propertySchema() *types.Schema {
	fields := []types.FieldDescriptor{{Name: "line", Type: types.FieldNumeric}}
	for _, f := range propertyFields {
		fields = append(fields, types.FieldDescriptor{Name: f, Type: types.FieldNumeric})
	}
	schema, err := types.NewSchema(fields)
	if err != nil {
		panic(err)
	}
	return schema
}

// buildDataset turns generated integers into records; every fifth value is
// left missing.
func buildDataset(values []int) *types.Dataset {
	ds := &types.Dataset{Schema: propertySchema()}
	for i, v := range values {
		rec := types.Record{"line": float64(v % 3)}
		for j, f := range propertyFields {
			if (i+j)%5 == 4 {
				continue
			}
			rec[f] = float64(v*(j+1)) / 4
		}
		ds.Records = append(ds.Records, rec)
	}
	return ds
}

// buildRows derives row specs from generated selectors: each selector picks a
// field subset, a line filter and an aggregation.
func buildRows(selectors []int) []types.RowSpec {
	aggs := []types.Aggregation{types.AggSum, types.AggAvg, types.AggCount, types.AggMin, types.AggMax}
	rows := make([]types.RowSpec, 0, len(selectors))
	for i, s := range selectors {
		var fields []string
		for j, f := range propertyFields {
			if s&(1<<j) != 0 {
				fields = append(fields, f)
			}
		}
		if len(fields) == 0 {
			fields = []string{propertyFields[s%len(propertyFields)]}
		}
		row := types.RowSpec{
			Label:        fmt.Sprintf("Row %d", i),
			MetricFields: fields,
			Aggregation:  aggs[s%len(aggs)],
		}
		if s%4 != 0 {
			row.Filters = []types.Filter{{Field: "line", Operator: types.OpEq, Value: s % 4}}
		}
		rows = append(rows, row)
	}
	return rows
}

func TestProperty_CompileIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("repeated compilation yields identical tables", prop.ForAll(
		func(values []int, selectors []int) bool {
			ds := buildDataset(values)
			rows := buildRows(selectors)

			first, err := Compile(ds, rows)
			if err != nil {
				return false
			}
			second, err := Compile(ds, rows)
			if err != nil {
				return false
			}
			a, _ := json.Marshal(first)
			b, _ := json.Marshal(second)
			return string(a) == string(b)
		},
		gen.SliceOf(gen.IntRange(-1000, 1000)),
		gen.SliceOfN(6, gen.IntRange(0, 63)),
	))

	properties.TestingRun(t)
}

func TestProperty_ColumnUnion(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("columns are the first-occurrence union of metric fields", prop.ForAll(
		func(selectors []int) bool {
			rows := buildRows(selectors)
			table, err := Compile(buildDataset([]int{1, 2, 3}), rows)
			if err != nil {
				return false
			}

			var want []string
			seen := map[string]bool{}
			for _, r := range rows {
				for _, f := range r.MetricFields {
					if !seen[f] {
						seen[f] = true
						want = append(want, f)
					}
				}
			}
			got := table.ColumnKeys()
			if len(got) != len(want) || (len(want) > 0 && !reflect.DeepEqual(want, got)) {
				return false
			}
			// every row carries exactly one cell per column
			for _, r := range table.Rows {
				if len(r.Cells) != len(want) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 63)),
	))

	properties.TestingRun(t)
}

func TestProperty_EmptySubsetIsAbsent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("rows matching no records have only absent cells", prop.ForAll(
		func(values []int, selector int) bool {
			rows := buildRows([]int{selector})
			rows[0].Filters = []types.Filter{{Field: "line", Operator: types.OpGt, Value: 10}}

			table, err := Compile(buildDataset(values), rows)
			if err != nil {
				return false
			}
			for _, c := range table.Rows[0].Cells {
				if c.Present || c.Display != types.AbsentDisplay {
					return false
				}
			}
			return table.Rows[0].Matched == 0
		},
		gen.SliceOf(gen.IntRange(-1000, 1000)),
		gen.IntRange(0, 63),
	))

	properties.TestingRun(t)
}

func TestProperty_ComponentRowsMatchUnion(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("composite equals aggregate over deduplicated union", prop.ForAll(
		func(values []int, threshold int, line int) bool {
			ds := buildDataset(values)
			rows := []types.RowSpec{
				{Label: "R1", MetricFields: []string{"paid"}, Aggregation: types.AggSum,
					Filters: []types.Filter{{Field: "paid", Operator: types.OpGe, Value: threshold}}},
				{Label: "R2", MetricFields: []string{"paid"}, Aggregation: types.AggSum,
					Filters: []types.Filter{{Field: "line", Operator: types.OpEq, Value: line}}},
				{Label: "Total", MetricFields: []string{"paid"}, Aggregation: types.AggSum,
					ComponentRows: []string{"R1", "R2"}},
			}
			table, err := Compile(ds, rows)
			if err != nil {
				return false
			}

			// Reference: a record is in the union when either filter holds.
			var sum float64
			var matched int
			for _, rec := range ds.Records {
				paid, hasPaid := rec["paid"].(float64)
				inR1 := hasPaid && paid >= float64(threshold)
				inR2 := rec["line"].(float64) == float64(line)
				if inR1 || inR2 {
					matched++
					if hasPaid {
						sum += paid
					}
				}
			}

			got := table.Rows[2]
			if got.Matched != matched {
				return false
			}
			cell := got.Cell("paid")
			if matched == 0 {
				return !cell.Present
			}
			if !cell.Present {
				// all matched records were missing paid
				return true
			}
			diff := cell.Value - sum
			return diff < 1e-6 && diff > -1e-6
		},
		gen.SliceOf(gen.IntRange(-1000, 1000)),
		gen.IntRange(-500, 500),
		gen.IntRange(0, 2),
	))

	properties.TestingRun(t)
}
