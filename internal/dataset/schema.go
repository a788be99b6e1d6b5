// Package dataset loads project datasets: a CSV file of records plus a field
// schema declaring each column's type and display format.
package dataset

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/arkilian/tabledeck/pkg/types"
)

// schemaFile is the list form of a schema document:
//
//	fields:
//	  - name: paid_loss
//	    type: numeric
//	    format: currency
type schemaFile struct {
	Fields []types.FieldDescriptor `yaml:"fields"`
}

// ParseSchema decodes a schema document. Both the list form and an ordered
// mapping form are accepted:
//
//	paid_loss: numeric
//	lob: {type: categorical, label: Line of Business}
//
// JSON documents are valid YAML and decode the same way.
func ParseSchema(data []byte) (*types.Schema, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("dataset: parse schema: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, fmt.Errorf("dataset: schema is empty")
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("dataset: schema must be a mapping, got line %d", doc.Line)
	}

	if len(doc.Content) == 2 && doc.Content[0].Value == "fields" && doc.Content[1].Kind == yaml.SequenceNode {
		var sf schemaFile
		if err := doc.Decode(&sf); err != nil {
			return nil, fmt.Errorf("dataset: decode schema fields: %w", err)
		}
		return types.NewSchema(sf.Fields)
	}

	fields := make([]types.FieldDescriptor, 0, len(doc.Content)/2)
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key, val := doc.Content[i], doc.Content[i+1]
		fd := types.FieldDescriptor{Name: key.Value}
		switch val.Kind {
		case yaml.ScalarNode:
			fd.Type = types.FieldType(val.Value)
		case yaml.MappingNode:
			if err := val.Decode(&fd); err != nil {
				return nil, fmt.Errorf("dataset: decode field %q: %w", key.Value, err)
			}
			fd.Name = key.Value
		default:
			return nil, fmt.Errorf("dataset: field %q at line %d must be a type or a mapping", key.Value, key.Line)
		}
		fields = append(fields, fd)
	}
	return types.NewSchema(fields)
}

// LoadSchema reads and parses a schema file.
func LoadSchema(path string) (*types.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: read schema: %w", err)
	}
	return ParseSchema(data)
}
