package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/arkilian/tabledeck/internal/errors"
	"github.com/arkilian/tabledeck/pkg/types"
)

// ParseCSV reads records from r using schema to type each column. Columns not
// declared in the schema are ignored; every schema field must have a column.
// Empty cells and values that cannot be read as the field's type are missing.
func ParseCSV(r io.Reader, schema *types.Schema) (*types.Dataset, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	headers, err := reader.Read()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCategoryValidation, errors.CodeInvalidDataset,
			"failed to read CSV headers", err)
	}

	columns := make(map[string]int, len(headers))
	for i, h := range headers {
		columns[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	mapping := make([]int, len(schema.Fields))
	for i, f := range schema.Fields {
		idx, ok := columns[f.Name]
		if !ok {
			return nil, errors.NewValidationError(errors.CodeInvalidDataset,
				fmt.Sprintf("schema field %q has no column in the data", f.Name))
		}
		mapping[i] = idx
	}

	ds := &types.Dataset{Schema: schema}
	skipped := 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			skipped++
			continue
		}

		rec := make(types.Record, len(schema.Fields))
		for i, f := range schema.Fields {
			idx := mapping[i]
			if idx >= len(row) {
				continue
			}
			if v := convert(row[idx], f.Type); v != nil {
				rec[f.Name] = v
			}
		}
		ds.Records = append(ds.Records, rec)
	}
	if skipped > 0 {
		log.Printf("[WARN] dataset: skipped %d malformed rows", skipped)
	}
	return ds, nil
}

// convert reads a raw cell as t, returning nil for missing values.
func convert(raw string, t types.FieldType) any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	switch t {
	case types.FieldNumeric:
		if f, ok := parseNumber(raw); ok {
			return f
		}
		return nil
	case types.FieldTemporal:
		if ts, ok := types.ParseTime(raw); ok {
			return ts
		}
		return nil
	default:
		return raw
	}
}

// parseNumber accepts plain numbers plus thousands separators, a leading
// currency sign and accounting parentheses for negatives.
func parseNumber(s string) (float64, bool) {
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if neg {
		f = -f
	}
	return f, true
}

// InferSchema derives a schema from CSV data: a column is numeric when every
// non-empty value parses as a number, temporal when every value parses as a
// date, and categorical otherwise.
func InferSchema(r io.Reader) (*types.Schema, []byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, err
	}
	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.TrimLeadingSpace = true
	headers, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("dataset: failed to read CSV headers: %w", err)
	}

	numeric := make([]bool, len(headers))
	temporal := make([]bool, len(headers))
	seen := make([]bool, len(headers))
	for i := range headers {
		numeric[i], temporal[i] = true, true
	}
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		for i := 0; i < len(row) && i < len(headers); i++ {
			v := strings.TrimSpace(row[i])
			if v == "" {
				continue
			}
			seen[i] = true
			if _, ok := parseNumber(v); !ok {
				numeric[i] = false
			}
			if _, ok := types.ParseTime(v); !ok {
				temporal[i] = false
			}
		}
	}

	fields := make([]types.FieldDescriptor, len(headers))
	for i, h := range headers {
		fd := types.FieldDescriptor{Name: strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")), Type: types.FieldCategorical}
		switch {
		case !seen[i]:
		case numeric[i]:
			fd.Type = types.FieldNumeric
		case temporal[i]:
			fd.Type = types.FieldTemporal
		}
		fields[i] = fd
	}
	schema, err := types.NewSchema(fields)
	if err != nil {
		return nil, nil, err
	}
	return schema, data, nil
}

// Load reads the CSV at dataPath. When schemaPath is empty the schema is
// inferred from the data.
func Load(dataPath, schemaPath string) (*types.Dataset, error) {
	f, err := os.Open(dataPath)
	if err != nil {
		return nil, fmt.Errorf("dataset: open data: %w", err)
	}
	defer f.Close()

	if schemaPath == "" {
		schema, data, err := InferSchema(f)
		if err != nil {
			return nil, err
		}
		return ParseCSV(strings.NewReader(string(data)), schema)
	}

	schema, err := LoadSchema(schemaPath)
	if err != nil {
		return nil, err
	}
	return ParseCSV(f, schema)
}
