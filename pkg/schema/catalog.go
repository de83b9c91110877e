// Package schema loads relation catalogs from YAML files. A catalog
// declares the user-defined relations of a workspace; it feeds both
// cache initialization and compiler name resolution.
package schema

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/nightscape/holon/pkg/value"
)

// Content is the top-level shape of a catalog file.
type Content struct {
	Relations []Relation `json:"relations"`
}

// Relation declares one relation.
type Relation struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

// Field declares one column.
type Field struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Nullable   bool   `json:"nullable,omitempty"`
	Indexed    bool   `json:"indexed,omitempty"`
	PrimaryKey bool   `json:"primary_key,omitempty"`
}

// ReadFile loads and validates a catalog from a YAML (or JSON) file.
func ReadFile(path string) ([]value.Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, value.SchemaError.Wrap(fmt.Errorf("reading catalog %s: %w", path, err))
	}
	schemas, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return schemas, nil
}

// Parse decodes and validates catalog content.
func Parse(raw []byte) ([]value.Schema, error) {
	var content Content
	if err := yaml.UnmarshalStrict(raw, &content); err != nil {
		return nil, value.SchemaError.Wrap(fmt.Errorf("decoding catalog: %w", err))
	}
	if len(content.Relations) == 0 {
		return nil, value.SchemaError.New("catalog declares no relations")
	}

	seen := make(map[string]struct{}, len(content.Relations))
	var out []value.Schema
	for _, rel := range content.Relations {
		if _, dup := seen[rel.Name]; dup {
			return nil, value.SchemaError.New("duplicate relation %q", rel.Name)
		}
		seen[rel.Name] = struct{}{}

		s := value.Schema{Relation: rel.Name}
		for _, f := range rel.Fields {
			ft, err := value.ParseFieldType(f.Type)
			if err != nil {
				return nil, fmt.Errorf("relation %s field %s: %w", rel.Name, f.Name, err)
			}
			s.Fields = append(s.Fields, value.Field{
				Name:       f.Name,
				Type:       ft,
				Nullable:   f.Nullable,
				Indexed:    f.Indexed,
				PrimaryKey: f.PrimaryKey,
			})
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Map indexes schemas by relation name, the shape the compiler wants.
func Map(schemas []value.Schema) map[string]value.Schema {
	out := make(map[string]value.Schema, len(schemas))
	for _, s := range schemas {
		out[s.Relation] = s
	}
	return out
}
