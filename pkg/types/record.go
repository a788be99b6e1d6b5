// Package types provides the core data types shared by the tabledeck engine,
// orchestrator and transports.
package types

import (
	"fmt"
	"strings"
	"time"
)

// FieldType is the declared type of an input field.
type FieldType string

const (
	FieldNumeric     FieldType = "numeric"
	FieldCategorical FieldType = "categorical"
	FieldTemporal    FieldType = "temporal"
)

// Valid reports whether t is one of the known field types.
func (t FieldType) Valid() bool {
	switch t {
	case FieldNumeric, FieldCategorical, FieldTemporal:
		return true
	}
	return false
}

// FormatPolicy controls how computed values of a field are displayed.
// It is declared per field in the schema and never inferred from data.
type FormatPolicy string

const (
	FormatCurrency FormatPolicy = "currency"
	FormatCount    FormatPolicy = "count"
	FormatPercent  FormatPolicy = "percent"
	FormatDecimal  FormatPolicy = "decimal"
	FormatPlain    FormatPolicy = "plain"
)

// FieldDescriptor describes one input field.
type FieldDescriptor struct {
	// Name is the column name as it appears in the records
	Name string `json:"name" yaml:"name"`

	// Label is the human readable header; derived from Name when empty
	Label string `json:"label,omitempty" yaml:"label,omitempty"`

	// Type is the declared field type
	Type FieldType `json:"type" yaml:"type"`

	// Format is the display policy for numeric values (default currency)
	Format FormatPolicy `json:"format,omitempty" yaml:"format,omitempty"`
}

// DisplayLabel returns Label, or a title-cased form of Name.
func (f FieldDescriptor) DisplayLabel() string {
	if f.Label != "" {
		return f.Label
	}
	return HeaderName(f.Name)
}

// DisplayFormat returns the effective format policy for the field.
func (f FieldDescriptor) DisplayFormat() FormatPolicy {
	if f.Format != "" {
		return f.Format
	}
	if f.Type == FieldNumeric {
		return FormatCurrency
	}
	return FormatPlain
}

// Schema is the ordered set of field descriptors of a dataset.
type Schema struct {
	Fields []FieldDescriptor `json:"fields" yaml:"fields"`

	index map[string]int
}

// NewSchema builds a schema and its lookup index. Duplicate names are rejected.
func NewSchema(fields []FieldDescriptor) (*Schema, error) {
	s := &Schema{
		Fields: make([]FieldDescriptor, len(fields)),
		index:  make(map[string]int, len(fields)),
	}
	copy(s.Fields, fields)
	for i, f := range s.Fields {
		if f.Name == "" {
			return nil, fmt.Errorf("schema: field %d has no name", i)
		}
		if !f.Type.Valid() {
			return nil, fmt.Errorf("schema: field %q has invalid type %q", f.Name, f.Type)
		}
		if _, dup := s.index[f.Name]; dup {
			return nil, fmt.Errorf("schema: duplicate field %q", f.Name)
		}
		s.index[f.Name] = i
	}
	return s, nil
}

// Lookup returns the descriptor for name.
func (s *Schema) Lookup(name string) (FieldDescriptor, bool) {
	if s == nil {
		return FieldDescriptor{}, false
	}
	if s.index == nil {
		for _, f := range s.Fields {
			if f.Name == name {
				return f, true
			}
		}
		return FieldDescriptor{}, false
	}
	i, ok := s.index[name]
	if !ok {
		return FieldDescriptor{}, false
	}
	return s.Fields[i], true
}

// Names returns the field names in schema order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Record is one row of the input dataset. Values are float64 for numeric
// fields, string for categorical fields and time.Time for temporal fields;
// nil or an absent key means missing.
type Record map[string]any

// Dataset is the full, read-only set of records of a project together with
// its schema. A record's identity is its index in Records.
type Dataset struct {
	Schema  *Schema  `json:"schema"`
	Records []Record `json:"records"`
}

// Len returns the number of records.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Records)
}

// timeLayouts are tried in order when interpreting temporal values.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006-01",
	"01/02/2006",
	"2006",
}

// ParseTime interprets s as a temporal value using the supported layouts.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// HeaderName converts a field name such as "paid_loss" or "PaidLoss" into a
// display header ("Paid Loss").
func HeaderName(name string) string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}
	runes := []rune(name)
	for i, r := range runes {
		switch {
		case r == '_' || r == '-' || r == ' ':
			flush()
			continue
		case i > 0 && isUpper(r) && !isUpper(runes[i-1]) && runes[i-1] != '_':
			flush()
		}
		cur = append(cur, r)
	}
	flush()
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func isUpper(r rune) bool {
	return r >= 'A' && r <= 'Z'
}
