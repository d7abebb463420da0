package index

import (
	"fmt"
	"math"
	"strings"

	"ftsdb/pkg/dberrors"
)

// Document is a set of named field values. Numbers are kept as float64 so a
// document survives a JSON round trip through the log unchanged.
type Document struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// normalize checks the document against the schema and returns a copy with
// canonical value types and the unique key field set to the id.
func (d Document) normalize(s Schema) (Document, error) {
	if d.ID == "" {
		return Document{}, fmt.Errorf("%w: empty document id", dberrors.ErrInvalidCommand)
	}

	out := Document{ID: d.ID, Fields: make(map[string]any, len(d.Fields)+1)}
	for name, raw := range d.Fields {
		spec, ok := s.Field(name)
		if !ok {
			return Document{}, fmt.Errorf("%w: unknown field %q", dberrors.ErrInvalidCommand, name)
		}
		v, err := canonical(spec, raw)
		if err != nil {
			return Document{}, err
		}
		out.Fields[name] = v
	}
	out.Fields[s.UniqueKey] = d.ID
	return out, nil
}

func canonical(spec FieldSpec, raw any) (any, error) {
	switch spec.Type {
	case FieldText, FieldKeyword:
		s, ok := raw.(string)
		if !ok {
			return nil, fieldTypeErr(spec, raw)
		}
		return s, nil
	case FieldFacet:
		s, ok := raw.(string)
		if !ok || !strings.HasPrefix(s, "/") {
			return nil, fieldTypeErr(spec, raw)
		}
		return s, nil
	case FieldInt, FieldFloat:
		f, ok := toFloat(raw)
		if !ok {
			return nil, fieldTypeErr(spec, raw)
		}
		if spec.Type == FieldInt && f != math.Trunc(f) {
			return nil, fieldTypeErr(spec, raw)
		}
		return f, nil
	}
	return nil, fieldTypeErr(spec, raw)
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}

func fieldTypeErr(spec FieldSpec, raw any) error {
	return fmt.Errorf("%w: field %q expects %s, got %T", dberrors.ErrInvalidCommand, spec.Name, spec.Type, raw)
}

// stored returns only the stored fields, the unique key is always kept.
func (d Document) stored(s Schema) Document {
	out := Document{ID: d.ID, Fields: make(map[string]any, len(d.Fields))}
	for name, v := range d.Fields {
		spec, ok := s.Field(name)
		if name == s.UniqueKey || (ok && spec.Stored) {
			out.Fields[name] = v
		}
	}
	return out
}
