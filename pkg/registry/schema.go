package registry

import (
	"fmt"

	"tumblestream/pkg/common_errors"

	"github.com/Jeffail/gabs/v2"
)

type FieldType uint8

const (
	TypeString FieldType = iota
	TypeInt64
	TypeFloat64
	TypeBool
)

func (t FieldType) String() string {
	switch t {
	case TypeString:
		return "STRING"
	case TypeInt64:
		return "BIGINT"
	case TypeFloat64:
		return "DOUBLE"
	case TypeBool:
		return "BOOLEAN"
	default:
		return fmt.Sprintf("FieldType(%d)", uint8(t))
	}
}

type Field struct {
	Name string
	Type FieldType
}

// Schema is an ordered field list plus the declared event-time field.
// Schemas are immutable once a stream is registered; changing one
// requires drop-and-recreate so historical aggregate state is never
// silently reinterpreted.
type Schema struct {
	Fields         []Field
	TimestampField string
}

func NewSchema(fields []Field, timestampField string) *Schema {
	return &Schema{
		Fields:         fields,
		TimestampField: timestampField,
	}
}

// Validate checks a decoded payload against the schema. JSON numbers
// decode as float64; integer fields accept whole float64 values.
func (s *Schema) Validate(payload *gabs.Container) error {
	for _, field := range s.Fields {
		c := payload.Path(field.Name)
		if c == nil {
			return fmt.Errorf("%w: missing field %q", common_errors.ErrSchemaMismatch, field.Name)
		}
		raw := c.Data()
		switch field.Type {
		case TypeString:
			if _, ok := raw.(string); !ok {
				return fmt.Errorf("%w: field %q is %T, want string", common_errors.ErrSchemaMismatch, field.Name, raw)
			}
		case TypeInt64:
			f, ok := raw.(float64)
			if !ok || f != float64(int64(f)) {
				return fmt.Errorf("%w: field %q is %v, want integer", common_errors.ErrSchemaMismatch, field.Name, raw)
			}
		case TypeFloat64:
			if _, ok := raw.(float64); !ok {
				return fmt.Errorf("%w: field %q is %T, want number", common_errors.ErrSchemaMismatch, field.Name, raw)
			}
		case TypeBool:
			if _, ok := raw.(bool); !ok {
				return fmt.Errorf("%w: field %q is %T, want bool", common_errors.ErrSchemaMismatch, field.Name, raw)
			}
		}
	}
	return nil
}
