package types

import (
	"fmt"
	"strings"
)

// Operator is a filter comparison operator.
type Operator int

const (
	OpEq Operator = iota
	OpNe
	OpGt
	OpLt
	OpGe
	OpLe
)

var operatorSymbols = [...]string{"==", "!=", ">", "<", ">=", "<="}

// ParseOperator converts a symbol into an Operator. An empty symbol means
// equality.
func ParseOperator(s string) (Operator, error) {
	switch strings.TrimSpace(s) {
	case "==", "=", "":
		return OpEq, nil
	case "!=", "<>":
		return OpNe, nil
	case ">":
		return OpGt, nil
	case "<":
		return OpLt, nil
	case ">=":
		return OpGe, nil
	case "<=":
		return OpLe, nil
	}
	return 0, fmt.Errorf("unknown filter operator: %q", s)
}

// String returns the operator symbol.
func (o Operator) String() string {
	if o < 0 || int(o) >= len(operatorSymbols) {
		return fmt.Sprintf("Operator(%d)", int(o))
	}
	return operatorSymbols[o]
}

// Ordering reports whether the operator needs an ordered domain.
func (o Operator) Ordering() bool {
	return o == OpGt || o == OpLt || o == OpGe || o == OpLe
}

// MarshalText implements encoding.TextMarshaler.
func (o Operator) MarshalText() ([]byte, error) {
	if o < 0 || int(o) >= len(operatorSymbols) {
		return nil, fmt.Errorf("invalid operator %d", int(o))
	}
	return []byte(operatorSymbols[o]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Operator) UnmarshalText(b []byte) error {
	op, err := ParseOperator(string(b))
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// Aggregation is the reduction applied to a row's working subset.
type Aggregation int

const (
	AggUnspecified Aggregation = iota
	AggSum
	AggAvg
	AggCount
	AggMin
	AggMax
)

var aggregationNames = [...]string{"", "sum", "avg", "count", "min", "max"}

// ParseAggregation converts a name into an Aggregation. "average" and
// "mean" are accepted as aliases of avg.
func ParseAggregation(s string) (Aggregation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return AggUnspecified, nil
	case "sum":
		return AggSum, nil
	case "avg", "average", "mean":
		return AggAvg, nil
	case "count":
		return AggCount, nil
	case "min":
		return AggMin, nil
	case "max":
		return AggMax, nil
	}
	return 0, fmt.Errorf("unknown aggregation: %q", s)
}

// String returns the canonical aggregation name.
func (a Aggregation) String() string {
	if a < 0 || int(a) >= len(aggregationNames) {
		return fmt.Sprintf("Aggregation(%d)", int(a))
	}
	return aggregationNames[a]
}

// Numeric reports whether the aggregation reads numeric field values.
func (a Aggregation) Numeric() bool {
	return a == AggSum || a == AggAvg || a == AggMin || a == AggMax
}

// MarshalText implements encoding.TextMarshaler.
func (a Aggregation) MarshalText() ([]byte, error) {
	if a < 0 || int(a) >= len(aggregationNames) {
		return nil, fmt.Errorf("invalid aggregation %d", int(a))
	}
	return []byte(aggregationNames[a]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Aggregation) UnmarshalText(b []byte) error {
	agg, err := ParseAggregation(string(b))
	if err != nil {
		return err
	}
	*a = agg
	return nil
}

// Filter restricts a row's working subset to records whose Field compares
// true against Value.
type Filter struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
}

// String renders the filter as "field op value".
func (f Filter) String() string {
	return fmt.Sprintf("%s %s %v", f.Field, f.Operator, f.Value)
}

// RowSpec declares one row of a slide table.
type RowSpec struct {
	Label           string      `json:"row_label" yaml:"row_label"`
	MetricFields    []string    `json:"metric_fields" yaml:"metric_fields"`
	IsGroupHeader   bool        `json:"is_group_header" yaml:"is_group_header"`
	SpansAllColumns bool        `json:"spans_all_columns" yaml:"spans_all_columns"`
	Aggregation     Aggregation `json:"aggregation,omitempty" yaml:"aggregation,omitempty"`
	Filters         []Filter    `json:"filters,omitempty" yaml:"filters,omitempty"`
	ComponentRows   []string    `json:"component_rows,omitempty" yaml:"component_rows,omitempty"`
	Rationale       string      `json:"rationale,omitempty" yaml:"rationale,omitempty"`
}

// Spanning reports whether the row renders as a single spanning header cell.
func (r RowSpec) Spanning() bool {
	return r.IsGroupHeader && r.SpansAllColumns
}

// CarriesValues reports whether the row computes per-column values.
func (r RowSpec) CarriesValues() bool {
	return !r.Spanning() && len(r.MetricFields) > 0
}

// Clone returns a deep copy of the row spec.
func (r RowSpec) Clone() RowSpec {
	c := r
	c.MetricFields = append([]string(nil), r.MetricFields...)
	c.Filters = append([]Filter(nil), r.Filters...)
	c.ComponentRows = append([]string(nil), r.ComponentRows...)
	return c
}

// CloneRows deep-copies a row spec list.
func CloneRows(rows []RowSpec) []RowSpec {
	if rows == nil {
		return nil
	}
	out := make([]RowSpec, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}
