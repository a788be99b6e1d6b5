package planner

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/arkilian/tabledeck/pkg/types"
)

const (
	defaultMaxGroups  = 10
	defaultMaxMetrics = 6
)

// Overview plans a deck from the dataset schema alone. The first slide sums
// every numeric field under a spanning Total header, one row per value of the
// grouping field and a component row totalling the groups. A second slide
// shows the same groups as averages.
type Overview struct {
	// GroupBy names the grouping field. When empty the first categorical
	// field is used; without one the deck has a single Total row.
	GroupBy string

	// MaxGroups caps the number of group rows (default 10).
	MaxGroups int

	// MaxMetrics caps the number of metric columns (default 6).
	MaxMetrics int
}

// Plan implements the orchestrator's Planner.
func (o Overview) Plan(ctx context.Context, ds *types.Dataset) ([]types.SlideSpec, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ds == nil || ds.Schema == nil {
		return nil, fmt.Errorf("planner: dataset has no schema")
	}

	metrics := o.metrics(ds.Schema)
	if len(metrics) == 0 {
		return nil, fmt.Errorf("planner: dataset has no numeric fields")
	}

	group, ok, err := o.groupField(ds.Schema)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []types.SlideSpec{{
			Number: 1,
			Title:  "Summary",
			Rows: []types.RowSpec{{
				Label:        "Total",
				MetricFields: metrics,
				Aggregation:  types.AggSum,
				Rationale:    "All records summed per numeric field.",
			}},
		}}, nil
	}

	values := o.distinct(ds, group)
	summary := o.groupSlide(1, "Summary by "+group.DisplayLabel(), group, values, metrics, types.AggSum)
	average := o.groupSlide(2, "Average by "+group.DisplayLabel(), group, values, metrics, types.AggAvg)
	return []types.SlideSpec{summary, average}, nil
}

func (o Overview) metrics(schema *types.Schema) []string {
	limit := o.MaxMetrics
	if limit <= 0 {
		limit = defaultMaxMetrics
	}
	var out []string
	for _, f := range schema.Fields {
		if f.Type != types.FieldNumeric || f.Name == o.GroupBy {
			continue
		}
		out = append(out, f.Name)
		if len(out) == limit {
			break
		}
	}
	return out
}

func (o Overview) groupField(schema *types.Schema) (types.FieldDescriptor, bool, error) {
	if o.GroupBy != "" {
		fd, ok := schema.Lookup(o.GroupBy)
		if !ok {
			return fd, false, fmt.Errorf("planner: group field %q is not in the schema", o.GroupBy)
		}
		if fd.Type == types.FieldTemporal {
			return fd, false, fmt.Errorf("planner: cannot group by temporal field %q", o.GroupBy)
		}
		return fd, true, nil
	}
	for _, f := range schema.Fields {
		if f.Type == types.FieldCategorical {
			return f, true, nil
		}
	}
	return types.FieldDescriptor{}, false, nil
}

// groupValue is one distinct value of the grouping field.
type groupValue struct {
	label string
	value any
}

// distinct returns the sorted distinct values of the grouping field, capped
// at MaxGroups.
func (o Overview) distinct(ds *types.Dataset, group types.FieldDescriptor) []groupValue {
	limit := o.MaxGroups
	if limit <= 0 {
		limit = defaultMaxGroups
	}

	seen := make(map[string]groupValue)
	for _, rec := range ds.Records {
		switch v := rec[group.Name].(type) {
		case string:
			if v != "" {
				seen[v] = groupValue{label: v, value: v}
			}
		case float64:
			s := strconv.FormatFloat(v, 'f', -1, 64)
			seen[s] = groupValue{label: group.DisplayLabel() + " " + s, value: v}
		}
	}

	out := make([]groupValue, 0, len(seen))
	for _, gv := range seen {
		out = append(out, gv)
	}
	sort.Slice(out, func(i, j int) bool {
		a, aNum := out[i].value.(float64)
		b, bNum := out[j].value.(float64)
		if aNum && bNum {
			return a < b
		}
		return out[i].label < out[j].label
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (o Overview) groupSlide(number int, title string, group types.FieldDescriptor, values []groupValue, metrics []string, agg types.Aggregation) types.SlideSpec {
	header := "Total"
	total := "Total " + group.DisplayLabel()

	used := map[string]bool{header: true, total: true}
	rows := []types.RowSpec{{
		Label:           header,
		MetricFields:    metrics,
		IsGroupHeader:   true,
		SpansAllColumns: true,
	}}

	components := make([]string, 0, len(values))
	for _, gv := range values {
		label := gv.label
		if used[label] {
			label = group.DisplayLabel() + " " + label
		}
		if used[label] {
			continue
		}
		used[label] = true
		components = append(components, label)
		rows = append(rows, types.RowSpec{
			Label:        label,
			MetricFields: metrics,
			Aggregation:  agg,
			Filters:      []types.Filter{{Field: group.Name, Operator: types.OpEq, Value: gv.value}},
			Rationale:    fmt.Sprintf("Records where %s is %v.", group.DisplayLabel(), gv.value),
		})
	}

	if len(components) > 0 {
		rows = append(rows, types.RowSpec{
			Label:         total,
			MetricFields:  metrics,
			Aggregation:   agg,
			ComponentRows: components,
			Rationale:     "Union of the " + group.DisplayLabel() + " rows.",
		})
	}
	return types.SlideSpec{Number: number, Title: title, Rows: rows}
}
