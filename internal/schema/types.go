// Package schema models the database-agnostic column type system: the closed
// set of column types, their wire codec, and the ClickHouse renderings used
// by DDL generation and introspection.
package schema

import (
	"errors"
	"fmt"
)

// ColumnType is the closed algebra of column types. Every variant is a struct
// so parameters travel with the tag; dispatch is a single type switch per
// operation.
type ColumnType interface {
	isColumnType()
}

// Scalars.
type (
	StringType      struct{}
	FixedStringType struct{ Length int }
	BooleanType     struct{}
	// BytesType exists for stream payloads only; it has no OLAP rendering
	// and is rejected by DDL generation with ErrUnsupportedInDDL.
	BytesType struct{}
	UUIDType  struct{}
	// DateType is a 32-bit calendar date (ClickHouse Date32).
	DateType struct{}
	// Date16Type is the compact 16-bit date (ClickHouse Date).
	Date16Type   struct{}
	DateTimeType struct {
		// Precision is the sub-second precision; nil renders DateTime,
		// non-nil renders DateTime64(p).
		Precision *int
	}
	IPv4Type struct{}
	IPv6Type struct{}
)

// Numbers.
type (
	IntType struct {
		// Width is one of 8, 16, 32, 64, 128, 256.
		Width  int
		Signed bool
	}
	FloatType struct {
		// Width is 32 or 64.
		Width int
	}
	BigIntType  struct{}
	DecimalType struct {
		Precision int // 1..=76
		Scale     int // 0..=Precision
	}
)

// Compound.
type (
	ArrayType struct {
		Element ColumnType
		// ElementNullable marks Array(Nullable(T)). Elements are never
		// wrapped in NullableType directly.
		ElementNullable bool
	}
	NullableType struct{ Inner ColumnType }
	MapType      struct{ Key, Value ColumnType }

	TupleField struct {
		Name string
		Type ColumnType
	}
	// NamedTupleType preserves field order.
	NamedTupleType struct{ Fields []TupleField }

	NestedType struct {
		Name    string
		Columns []Column
		JWT     bool
	}

	EnumType struct {
		Name    string
		Members []EnumMember
	}

	TypedPath struct {
		Path string
		Type ColumnType
	}
	JSONType struct {
		MaxDynamicPaths *int
		MaxDynamicTypes *int
		// TypedPaths is ordered; order is part of the wire form.
		TypedPaths  []TypedPath
		SkipPaths   []string
		SkipRegexps []string
	}
)

// Geometry.
type (
	PointType           struct{}
	RingType            struct{}
	LineStringType      struct{}
	MultiLineStringType struct{}
	PolygonType         struct{}
	MultiPolygonType    struct{}
)

func (StringType) isColumnType()          {}
func (FixedStringType) isColumnType()     {}
func (BooleanType) isColumnType()         {}
func (BytesType) isColumnType()           {}
func (UUIDType) isColumnType()            {}
func (DateType) isColumnType()            {}
func (Date16Type) isColumnType()          {}
func (DateTimeType) isColumnType()        {}
func (IPv4Type) isColumnType()            {}
func (IPv6Type) isColumnType()            {}
func (IntType) isColumnType()             {}
func (FloatType) isColumnType()           {}
func (BigIntType) isColumnType()          {}
func (DecimalType) isColumnType()         {}
func (ArrayType) isColumnType()           {}
func (NullableType) isColumnType()        {}
func (MapType) isColumnType()             {}
func (NamedTupleType) isColumnType()      {}
func (NestedType) isColumnType()          {}
func (EnumType) isColumnType()            {}
func (JSONType) isColumnType()            {}
func (PointType) isColumnType()           {}
func (RingType) isColumnType()            {}
func (LineStringType) isColumnType()      {}
func (MultiLineStringType) isColumnType() {}
func (PolygonType) isColumnType()         {}
func (MultiPolygonType) isColumnType()    {}

// EnumMember is one enum member. Exactly one of IntValue/StrValue is
// meaningful, selected by IsString. Integer values must fit in u8.
type EnumMember struct {
	Name     string
	IsString bool
	IntValue uint8
	StrValue string
}

// ErrUnsupportedInDDL is returned when a type has no OLAP representation.
var ErrUnsupportedInDDL = errors.New("type cannot be represented in OLAP DDL")

// Validate enforces the structural constraints of the type algebra.
func Validate(t ColumnType) error {
	switch v := t.(type) {
	case NullableType:
		if _, ok := v.Inner.(NullableType); ok {
			return errors.New("Nullable(Nullable(_)) is forbidden")
		}
		return Validate(v.Inner)
	case ArrayType:
		if _, ok := v.Element.(NullableType); ok {
			return errors.New("array elements use elementNullable, not a Nullable wrapper")
		}
		return Validate(v.Element)
	case MapType:
		if err := Validate(v.Key); err != nil {
			return err
		}
		return Validate(v.Value)
	case NamedTupleType:
		for _, f := range v.Fields {
			if err := Validate(f.Type); err != nil {
				return fmt.Errorf("tuple field %s: %w", f.Name, err)
			}
		}
		return nil
	case NestedType:
		for i := range v.Columns {
			if err := v.Columns[i].Validate(); err != nil {
				return fmt.Errorf("nested %s: %w", v.Name, err)
			}
		}
		return nil
	case IntType:
		switch v.Width {
		case 8, 16, 32, 64, 128, 256:
		default:
			return fmt.Errorf("invalid integer width %d", v.Width)
		}
		return nil
	case FloatType:
		if v.Width != 32 && v.Width != 64 {
			return fmt.Errorf("invalid float width %d", v.Width)
		}
		return nil
	case DecimalType:
		if v.Precision < 1 || v.Precision > 76 {
			return fmt.Errorf("decimal precision %d out of range 1..=76", v.Precision)
		}
		if v.Scale < 0 || v.Scale > v.Precision {
			return fmt.Errorf("decimal scale %d out of range 0..=%d", v.Scale, v.Precision)
		}
		return nil
	case JSONType:
		for _, tp := range v.TypedPaths {
			if err := Validate(tp.Type); err != nil {
				return fmt.Errorf("typed path %s: %w", tp.Path, err)
			}
		}
		return nil
	default:
		return nil
	}
}

// TypesEqual compares two column types structurally.
func TypesEqual(a, b ColumnType) bool {
	return WireString(a) == WireString(b)
}
