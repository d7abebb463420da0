package index

import (
	"fmt"
	"os"

	"ftsdb/pkg/dberrors"

	"github.com/goccy/go-yaml"
)

type FieldType string

const (
	FieldText    FieldType = "text"    // tokenized, scored
	FieldKeyword FieldType = "keyword" // exact match
	FieldInt     FieldType = "int"
	FieldFloat   FieldType = "float"
	FieldFacet   FieldType = "facet" // hierarchical path, e.g. /category/books
)

func (t FieldType) valid() bool {
	switch t {
	case FieldText, FieldKeyword, FieldInt, FieldFloat, FieldFacet:
		return true
	}
	return false
}

// FieldSpec describes one document field.
type FieldSpec struct {
	Name    string    `json:"name" yaml:"name"`
	Type    FieldType `json:"type" yaml:"type"`
	Stored  bool      `json:"stored" yaml:"stored"`
	Indexed bool      `json:"indexed" yaml:"indexed"`
}

// Schema is the set of fields a document may carry. UniqueKey names the
// field holding the document id; puts with an existing id replace the document.
type Schema struct {
	UniqueKey string      `json:"unique_key" yaml:"unique_key"`
	Fields    []FieldSpec `json:"fields" yaml:"fields"`
}

// LoadSchema reads a schema file. JSON files are accepted as well since YAML is a superset.
func LoadSchema(path string) (Schema, error) {
	var s Schema

	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read schema: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse schema: %w", err)
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

func (s Schema) Field(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

func (s Schema) IsZero() bool {
	return s.UniqueKey == "" && len(s.Fields) == 0
}

func (s Schema) Validate() error {
	if s.UniqueKey == "" {
		return fmt.Errorf("%w: schema has no unique key", dberrors.ErrInvalidCommand)
	}

	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: field with empty name", dberrors.ErrInvalidCommand)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("%w: duplicate field %q", dberrors.ErrInvalidCommand, f.Name)
		}
		if !f.Type.valid() {
			return fmt.Errorf("%w: field %q has unknown type %q", dberrors.ErrInvalidCommand, f.Name, f.Type)
		}
		seen[f.Name] = struct{}{}
	}

	key, ok := s.Field(s.UniqueKey)
	if !ok {
		return fmt.Errorf("%w: unique key %q is not a field", dberrors.ErrInvalidCommand, s.UniqueKey)
	}
	if key.Type != FieldKeyword && key.Type != FieldText {
		return fmt.Errorf("%w: unique key %q must be keyword or text", dberrors.ErrInvalidCommand, s.UniqueKey)
	}
	return nil
}

// CheckCompatible reports whether next may replace s. Without committed data
// any valid schema is accepted. With data, a field may not change its type
// and the unique key may not move.
func (s Schema) CheckCompatible(next Schema, hasData bool) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if !hasData || s.IsZero() {
		return nil
	}

	if next.UniqueKey != s.UniqueKey {
		return fmt.Errorf("%w: unique key %q -> %q", dberrors.ErrSchemaIncompatible, s.UniqueKey, next.UniqueKey)
	}
	for _, old := range s.Fields {
		nf, ok := next.Field(old.Name)
		if !ok {
			continue
		}
		if nf.Type != old.Type {
			return fmt.Errorf("%w: field %q %s -> %s", dberrors.ErrSchemaIncompatible, old.Name, old.Type, nf.Type)
		}
	}
	return nil
}

func (s Schema) clone() Schema {
	out := Schema{UniqueKey: s.UniqueKey, Fields: make([]FieldSpec, len(s.Fields))}
	copy(out.Fields, s.Fields)
	return out
}
