package engine

import (
	"github.com/shopspring/decimal"

	"github.com/arkilian/tabledeck/pkg/types"
)

// metric is one (row, column) aggregation.
type metric struct {
	field types.FieldDescriptor
	agg   types.Aggregation
}

// evaluate aggregates the metric's field over subset. An empty subset, or one
// with no numeric values for a numeric aggregation, yields an absent cell.
func (m metric) evaluate(records []types.Record, subset []int, f *formatter) types.Cell {
	if len(subset) == 0 {
		return types.AbsentCell()
	}
	if m.agg == types.AggCount {
		v := float64(len(subset))
		return types.Cell{Present: true, Value: v, Display: f.format(v, types.FormatCount)}
	}

	acc := newAccumulator(m.agg)
	for _, idx := range subset {
		if v, ok := toFloat(records[idx][m.field.Name]); ok {
			acc.add(v)
		}
	}
	v, ok := acc.result()
	if !ok {
		return types.AbsentCell()
	}
	return types.Cell{Present: true, Value: v, Display: f.format(v, m.field.DisplayFormat())}
}

// accumulator reduces numeric values. Sums are kept as exact decimals so the
// result does not depend on accumulation order.
type accumulator struct {
	agg   types.Aggregation
	sum   decimal.Decimal
	count int64
	min   float64
	max   float64
}

func newAccumulator(agg types.Aggregation) *accumulator {
	return &accumulator{agg: agg, sum: decimal.Zero}
}

func (a *accumulator) add(v float64) {
	if a.count == 0 || v < a.min {
		a.min = v
	}
	if a.count == 0 || v > a.max {
		a.max = v
	}
	a.sum = a.sum.Add(decimal.NewFromFloat(v))
	a.count++
}

// result returns the reduced value, or false when nothing was accumulated.
func (a *accumulator) result() (float64, bool) {
	if a.count == 0 {
		return 0, false
	}
	switch a.agg {
	case types.AggSum:
		return a.sum.InexactFloat64(), true
	case types.AggAvg:
		return a.sum.Div(decimal.NewFromInt(a.count)).InexactFloat64(), true
	case types.AggMin:
		return a.min, true
	case types.AggMax:
		return a.max, true
	case types.AggCount:
		return float64(a.count), true
	}
	return 0, false
}
