// Package engine compiles a dataset and an ordered list of row specs into a
// table model. Compilation is pure: the same dataset and row specs always
// produce the same table, and the dataset is never modified.
package engine

import (
	"github.com/arkilian/tabledeck/internal/errors"
	"github.com/arkilian/tabledeck/pkg/types"
)

// Compile validates rows against the dataset schema and computes the table.
// Validation happens once, up front; a table is only returned when every row
// is valid.
func Compile(ds *types.Dataset, rows []types.RowSpec) (*types.TableModel, error) {
	if ds == nil || ds.Schema == nil {
		return nil, errors.NewValidationError(errors.CodeInvalidDataset, "dataset has no schema")
	}
	p, err := newPlan(ds.Schema, rows)
	if err != nil {
		return nil, err
	}
	return p.execute(ds), nil
}

// Validate checks rows against schema without touching any records.
func Validate(schema *types.Schema, rows []types.RowSpec) error {
	if schema == nil {
		return errors.NewValidationError(errors.CodeInvalidDataset, "dataset has no schema")
	}
	_, err := newPlan(schema, rows)
	return err
}

// Columns returns the ordered union of metric fields across rows, in first
// occurrence order.
func Columns(rows []types.RowSpec) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, r := range rows {
		for _, f := range r.MetricFields {
			if !seen[f] {
				seen[f] = true
				cols = append(cols, f)
			}
		}
	}
	return cols
}

// execute evaluates a validated plan against the records of ds.
func (p *plan) execute(ds *types.Dataset) *types.TableModel {
	table := &types.TableModel{
		Columns: p.columns,
		Rows:    make([]types.RowResult, len(p.rows)),
	}
	keys := table.ColumnKeys()
	fmtr := newFormatter()
	subsets := newSubsetCache(p, ds.Records)

	for i, row := range p.rows {
		spec := row.spec
		result := types.RowResult{
			Label:           spec.Label,
			IsGroupHeader:   spec.IsGroupHeader,
			SpansAllColumns: spec.SpansAllColumns,
			Rationale:       spec.Rationale,
		}
		if spec.Spanning() {
			result.Header = spec.Label
			table.Rows[i] = result
			continue
		}

		subset := subsets.get(i)
		result.Matched = len(subset)
		result.Cells = make(map[string]types.Cell, len(keys))
		for _, key := range keys {
			m, ok := row.metrics[key]
			if !ok {
				result.Cells[key] = types.AbsentCell()
				continue
			}
			result.Cells[key] = m.evaluate(ds.Records, subset, fmtr)
		}
		table.Rows[i] = result
	}
	return table
}

// subsetCache memoizes working subsets by row index. A working subset is an
// ascending list of record indices.
type subsetCache struct {
	plan    *plan
	records []types.Record
	done    []bool
	subsets [][]int
}

func newSubsetCache(p *plan, records []types.Record) *subsetCache {
	return &subsetCache{
		plan:    p,
		records: records,
		done:    make([]bool, len(p.rows)),
		subsets: make([][]int, len(p.rows)),
	}
}

// get returns the working subset of row i. Component rows contribute their
// own working subsets; the union is deduplicated by record identity and then
// narrowed by the row's filters. Cycles are rejected during validation.
func (c *subsetCache) get(i int) []int {
	if c.done[i] {
		return c.subsets[i]
	}
	row := c.plan.rows[i]

	var subset []int
	if len(row.components) > 0 {
		member := make([]bool, len(c.records))
		for _, comp := range row.components {
			for _, idx := range c.get(comp) {
				member[idx] = true
			}
		}
		for idx, in := range member {
			if in && row.matches(c.records[idx]) {
				subset = append(subset, idx)
			}
		}
	} else {
		for idx, rec := range c.records {
			if row.matches(rec) {
				subset = append(subset, idx)
			}
		}
	}

	c.subsets[i] = subset
	c.done[i] = true
	return subset
}
