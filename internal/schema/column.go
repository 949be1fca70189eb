package schema

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Annotation is an ordered key → opaque-JSON pair attached by the loader.
// Order is preserved because annotations round-trip through the wire form.
type Annotation struct {
	Key   string
	Value json.RawMessage
}

// Column is one column of a managed table.
type Column struct {
	Name        string
	Type        ColumnType
	Required    bool
	Unique      bool
	PrimaryKey  bool
	Default     *string
	Annotations []Annotation
	Comment     *string
	TTL         *string
}

// Validate enforces the column invariants: a column is required exactly when
// its type is not Nullable, except arrays and nested which are always
// required and never Nullable at the row level.
func (c *Column) Validate() error {
	if err := Validate(c.Type); err != nil {
		return fmt.Errorf("column %s: %w", c.Name, err)
	}
	switch c.Type.(type) {
	case ArrayType, NestedType:
		if !c.Required {
			return fmt.Errorf("column %s: arrays and nested columns are always required", c.Name)
		}
		return nil
	case NullableType:
		if c.Required {
			return fmt.Errorf("column %s: required columns cannot have a Nullable type", c.Name)
		}
		return nil
	default:
		if !c.Required {
			return fmt.Errorf("column %s: optional columns must have a Nullable type", c.Name)
		}
		return nil
	}
}

func (c *Column) wireValue() map[string]any {
	out := map[string]any{
		"name":       c.Name,
		"dataType":   WireValue(c.Type),
		"required":   c.Required,
		"unique":     c.Unique,
		"primaryKey": c.PrimaryKey,
	}
	if c.Default != nil {
		out["default"] = *c.Default
	}
	if c.Comment != nil {
		out["comment"] = *c.Comment
	}
	if c.TTL != nil {
		out["ttl"] = *c.TTL
	}
	if len(c.Annotations) > 0 {
		annotations := make([][]any, 0, len(c.Annotations))
		for _, a := range c.Annotations {
			annotations = append(annotations, []any{a.Key, json.RawMessage(a.Value)})
		}
		out["annotations"] = annotations
	}
	return out
}

// MarshalJSON emits the camelCase wire form.
func (c Column) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.wireValue())
}

// UnmarshalJSON accepts both camelCase and snake_case keys.
func (c *Column) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	col, err := columnFromWire(raw)
	if err != nil {
		return err
	}
	*c = col
	return nil
}

func columnFromWire(raw map[string]any) (Column, error) {
	col := Column{}
	name, ok := raw["name"].(string)
	if !ok {
		return col, errors.New("column missing name")
	}
	col.Name = name

	typeRaw, ok := key(raw, "dataType", "data_type")
	if !ok {
		return col, fmt.Errorf("column %s missing dataType", name)
	}
	t, err := ParseWireValue(typeRaw)
	if err != nil {
		return col, fmt.Errorf("column %s: %w", name, err)
	}
	col.Type = t

	if v, ok := raw["required"].(bool); ok {
		col.Required = v
	}
	if v, ok := raw["unique"].(bool); ok {
		col.Unique = v
	}
	if v, ok := key(raw, "primaryKey", "primary_key"); ok {
		col.PrimaryKey, _ = v.(bool)
	}
	if v, ok := raw["default"].(string); ok {
		col.Default = &v
	}
	if v, ok := raw["comment"].(string); ok {
		col.Comment = &v
	}
	if v, ok := raw["ttl"].(string); ok {
		col.TTL = &v
	}
	if v, ok := raw["annotations"]; ok {
		list, ok := v.([]any)
		if !ok {
			return col, fmt.Errorf("column %s: annotations must be an array", name)
		}
		for _, entry := range list {
			pair, ok := entry.([]any)
			if !ok || len(pair) != 2 {
				return col, fmt.Errorf("column %s: annotation must be a [key, value] pair", name)
			}
			k, ok := pair[0].(string)
			if !ok {
				return col, fmt.Errorf("column %s: annotation key must be a string", name)
			}
			value, err := json.Marshal(pair[1])
			if err != nil {
				return col, err
			}
			col.Annotations = append(col.Annotations, Annotation{Key: k, Value: value})
		}
	}
	return col, nil
}

// ColumnsEqual compares two columns field by field, including comments.
func ColumnsEqual(a, b *Column) bool {
	if a.Name != b.Name || a.Required != b.Required || a.Unique != b.Unique || a.PrimaryKey != b.PrimaryKey {
		return false
	}
	if !TypesEqual(a.Type, b.Type) {
		return false
	}
	if !stringPtrEqual(a.Default, b.Default) || !stringPtrEqual(a.Comment, b.Comment) || !stringPtrEqual(a.TTL, b.TTL) {
		return false
	}
	return true
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
