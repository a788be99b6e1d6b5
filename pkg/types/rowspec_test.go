package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseOperator(t *testing.T) {
	tests := map[string]Operator{
		"==": OpEq, "=": OpEq, "": OpEq,
		"!=": OpNe, "<>": OpNe,
		">": OpGt, "<": OpLt, ">=": OpGe, " <= ": OpLe,
	}
	for in, want := range tests {
		got, err := ParseOperator(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseOperator("~=")
	assert.Error(t, err)

	assert.Equal(t, ">=", OpGe.String())
	assert.Equal(t, "Operator(9)", Operator(9).String())
	assert.True(t, OpLt.Ordering())
	assert.False(t, OpNe.Ordering())
}

func TestParseAggregation(t *testing.T) {
	tests := map[string]Aggregation{
		"": AggUnspecified, "sum": AggSum, "SUM": AggSum,
		"avg": AggAvg, "average": AggAvg, "mean": AggAvg,
		"count": AggCount, "min": AggMin, " max ": AggMax,
	}
	for in, want := range tests {
		got, err := ParseAggregation(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseAggregation("median")
	assert.Error(t, err)

	assert.True(t, AggSum.Numeric())
	assert.False(t, AggCount.Numeric())
	assert.False(t, AggUnspecified.Numeric())
}

func TestRowSpecDecoding(t *testing.T) {
	const doc = `
row_label: East
metric_fields: [paid_loss]
aggregation: average
filters:
  - field: region
    operator: "!="
    value: west
`
	var fromYAML RowSpec
	require.NoError(t, yaml.Unmarshal([]byte(doc), &fromYAML))
	assert.Equal(t, "East", fromYAML.Label)
	assert.Equal(t, AggAvg, fromYAML.Aggregation)
	require.Len(t, fromYAML.Filters, 1)
	assert.Equal(t, OpNe, fromYAML.Filters[0].Operator)
	assert.Equal(t, "region != west", fromYAML.Filters[0].String())

	data, err := json.Marshal(fromYAML)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"aggregation":"avg"`)
	assert.Contains(t, string(data), `"operator":"!="`)

	var fromJSON RowSpec
	require.NoError(t, json.Unmarshal(data, &fromJSON))
	assert.Equal(t, fromYAML, fromJSON)

	assert.Error(t, json.Unmarshal([]byte(`{"aggregation":"median"}`), &fromJSON))
}

func TestRowSpecShape(t *testing.T) {
	header := RowSpec{Label: "Property", IsGroupHeader: true, SpansAllColumns: true, MetricFields: []string{"x"}}
	assert.True(t, header.Spanning())
	assert.False(t, header.CarriesValues())

	subtotal := RowSpec{Label: "Total", IsGroupHeader: true, MetricFields: []string{"x"}}
	assert.False(t, subtotal.Spanning())
	assert.True(t, subtotal.CarriesValues())

	assert.False(t, RowSpec{Label: "Empty"}.CarriesValues())
}

func TestCloneRowsIsDeep(t *testing.T) {
	rows := []RowSpec{{
		Label:         "A",
		MetricFields:  []string{"x"},
		Filters:       []Filter{{Field: "region", Value: "east"}},
		ComponentRows: []string{"B"},
	}}
	c := CloneRows(rows)
	c[0].MetricFields[0] = "y"
	c[0].Filters[0].Value = "west"
	c[0].ComponentRows[0] = "C"
	assert.Equal(t, "x", rows[0].MetricFields[0])
	assert.Equal(t, "east", rows[0].Filters[0].Value)
	assert.Equal(t, "B", rows[0].ComponentRows[0])
	assert.Nil(t, CloneRows(nil))

	slides := CloneSlides([]SlideSpec{{Number: 1, Rows: rows}})
	slides[0].Rows[0].Label = "Z"
	assert.Equal(t, "A", rows[0].Label)
}
