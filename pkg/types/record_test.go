package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderName(t *testing.T) {
	tests := map[string]string{
		"paid_loss":     "Paid Loss",
		"PaidLoss":      "Paid Loss",
		"caseReserve":   "Case Reserve",
		"region":        "Region",
		"loss-ratio":    "Loss Ratio",
		"LOB":           "LOB",
		"total__amount": "Total Amount",
		"":              "",
	}
	for in, want := range tests {
		assert.Equal(t, want, HeaderName(in), in)
	}
}

func TestFieldDescriptorDisplay(t *testing.T) {
	f := FieldDescriptor{Name: "paid_loss", Type: FieldNumeric}
	assert.Equal(t, "Paid Loss", f.DisplayLabel())
	assert.Equal(t, FormatCurrency, f.DisplayFormat())

	f.Label = "Paid"
	f.Format = FormatCount
	assert.Equal(t, "Paid", f.DisplayLabel())
	assert.Equal(t, FormatCount, f.DisplayFormat())

	cat := FieldDescriptor{Name: "region", Type: FieldCategorical}
	assert.Equal(t, FormatPlain, cat.DisplayFormat())
}

func TestNewSchema(t *testing.T) {
	s, err := NewSchema([]FieldDescriptor{
		{Name: "region", Type: FieldCategorical},
		{Name: "paid_loss", Type: FieldNumeric},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"region", "paid_loss"}, s.Names())

	f, ok := s.Lookup("paid_loss")
	require.True(t, ok)
	assert.Equal(t, FieldNumeric, f.Type)
	_, ok = s.Lookup("premium")
	assert.False(t, ok)

	_, err = NewSchema([]FieldDescriptor{{Name: "a", Type: FieldNumeric}, {Name: "a", Type: FieldNumeric}})
	assert.ErrorContains(t, err, "duplicate")
	_, err = NewSchema([]FieldDescriptor{{Type: FieldNumeric}})
	assert.Error(t, err)
	_, err = NewSchema([]FieldDescriptor{{Name: "a", Type: "text"}})
	assert.ErrorContains(t, err, "invalid type")
}

func TestSchemaLookupWithoutIndex(t *testing.T) {
	// Schemas decoded from JSON or YAML have no index.
	s := &Schema{Fields: []FieldDescriptor{{Name: "region", Type: FieldCategorical}}}
	_, ok := s.Lookup("region")
	assert.True(t, ok)

	var nilSchema *Schema
	_, ok = nilSchema.Lookup("region")
	assert.False(t, ok)
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-03-15", time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)},
		{"2024-03", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"2024", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"03/15/2024", time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)},
		{"2024-03-15 10:30:00", time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)},
		{" 2024-03-15T10:30:00Z ", time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, ok := ParseTime(tt.in)
		require.True(t, ok, tt.in)
		assert.True(t, tt.want.Equal(got), "%s: got %v", tt.in, got)
	}

	for _, bad := range []string{"", "   ", "yesterday", "2024-13-45"} {
		_, ok := ParseTime(bad)
		assert.False(t, ok, bad)
	}
}

func TestDatasetLen(t *testing.T) {
	var ds *Dataset
	assert.Equal(t, 0, ds.Len())
	ds = &Dataset{Records: []Record{{"a": 1.0}, {}}}
	assert.Equal(t, 2, ds.Len())
}

func TestStatus(t *testing.T) {
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusWaitingForUser.Terminal())
	for _, s := range []Status{StatusAnalyzing, StatusGenerating, StatusSlideProcessing, StatusUpdating} {
		assert.True(t, s.Busy(), s)
	}
	for _, s := range []Status{StatusInitialized, StatusWaitingForUser, StatusFailed} {
		assert.False(t, s.Busy(), s)
	}
}
