package engine

import (
	"fmt"
	"strings"

	"github.com/arkilian/tabledeck/internal/errors"
	"github.com/arkilian/tabledeck/pkg/types"
)

// plan is the validated, compiled form of a row spec list.
type plan struct {
	columns []types.Column
	rows    []compiledRow
}

// compiledRow holds a row spec with its predicates and per-column metrics
// resolved against the schema.
type compiledRow struct {
	spec       types.RowSpec
	filters    []predicate
	components []int
	metrics    map[string]metric
}

// matches reports whether rec satisfies every filter of the row.
func (r *compiledRow) matches(rec types.Record) bool {
	for _, p := range r.filters {
		if !p.match(rec) {
			return false
		}
	}
	return true
}

// newPlan validates rows against schema. Checks run in a fixed order so the
// same invalid input always reports the same error: labels and header flags
// first, then fields, aggregations and filters row by row, then component
// references and cycles.
func newPlan(schema *types.Schema, rows []types.RowSpec) (*plan, error) {
	labels := make(map[string]int, len(rows))
	for i, r := range rows {
		if strings.TrimSpace(r.Label) == "" {
			return nil, errors.NewConfigurationError(errors.CodeInvalidRowSpec, r.Label,
				fmt.Sprintf("row %d has an empty label", i))
		}
		if _, dup := labels[r.Label]; dup {
			return nil, errors.NewConfigurationError(errors.CodeDuplicateLabel, r.Label,
				fmt.Sprintf("duplicate row label %q", r.Label))
		}
		labels[r.Label] = i
		if r.SpansAllColumns && !r.IsGroupHeader {
			return nil, errors.NewConfigurationError(errors.CodeInvalidRowSpec, r.Label,
				fmt.Sprintf("row %q spans all columns but is not a group header", r.Label))
		}
	}

	p := &plan{rows: make([]compiledRow, len(rows))}
	for i, r := range rows {
		cr, err := compileRow(schema, r)
		if err != nil {
			return nil, err
		}
		p.rows[i] = cr
	}

	for i, r := range rows {
		for _, label := range r.ComponentRows {
			j, ok := labels[label]
			if !ok {
				return nil, errors.NewConfigurationError(errors.CodeUnresolvedComponent, r.Label,
					fmt.Sprintf("row %q references unknown component row %q", r.Label, label))
			}
			p.rows[i].components = append(p.rows[i].components, j)
		}
	}
	if err := checkCycles(p.rows); err != nil {
		return nil, err
	}

	for _, name := range Columns(rows) {
		fd, _ := schema.Lookup(name)
		p.columns = append(p.columns, types.Column{Key: name, Label: fd.DisplayLabel()})
	}
	return p, nil
}

func compileRow(schema *types.Schema, r types.RowSpec) (compiledRow, error) {
	cr := compiledRow{spec: r.Clone()}

	for _, name := range r.MetricFields {
		if _, ok := schema.Lookup(name); !ok {
			return cr, errors.NewUnknownFieldError(name, r.Label)
		}
	}
	for _, f := range r.Filters {
		fd, ok := schema.Lookup(f.Field)
		if !ok {
			return cr, errors.NewUnknownFieldError(f.Field, r.Label)
		}
		pred, err := compileFilter(f, fd, r.Label)
		if err != nil {
			return cr, err
		}
		cr.filters = append(cr.filters, pred)
	}

	if !r.CarriesValues() {
		return cr, nil
	}
	if r.Aggregation == types.AggUnspecified {
		return cr, errors.NewConfigurationError(errors.CodeInvalidRowSpec, r.Label,
			fmt.Sprintf("row %q has metric fields but no aggregation", r.Label))
	}

	cr.metrics = make(map[string]metric, len(r.MetricFields))
	for _, name := range r.MetricFields {
		fd, _ := schema.Lookup(name)
		if r.Aggregation.Numeric() && fd.Type != types.FieldNumeric {
			return cr, errors.NewTypeMismatchError(errors.CodeTypeMismatch, name, r.Label,
				fmt.Sprintf("row %q applies %s to %s field %q", r.Label, r.Aggregation, fd.Type, name))
		}
		cr.metrics[name] = metric{field: fd, agg: r.Aggregation}
	}
	return cr, nil
}

// checkCycles rejects component graphs containing a cycle, including a row
// listing itself.
func checkCycles(rows []compiledRow) error {
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make([]int, len(rows))

	var visit func(i int) error
	visit = func(i int) error {
		state[i] = visiting
		for _, j := range rows[i].components {
			switch state[j] {
			case visiting:
				return errors.NewConfigurationError(errors.CodeComponentCycle, rows[i].spec.Label,
					fmt.Sprintf("component cycle through rows %q and %q", rows[i].spec.Label, rows[j].spec.Label))
			case unvisited:
				if err := visit(j); err != nil {
					return err
				}
			}
		}
		state[i] = visited
		return nil
	}

	for i := range rows {
		if state[i] == unvisited {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}
