package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// The wire form is stable across framework versions: scalars serialize as
// bare strings ("String", "DateTime(3)"), compound types as tagged objects.
// Output is always camelCase; input accepts both camelCase and snake_case so
// maps persisted by older releases keep loading.

// WireValue returns the JSON-ready value for a column type.
func WireValue(t ColumnType) any {
	switch v := t.(type) {
	case StringType:
		return "String"
	case FixedStringType:
		return fmt.Sprintf("FixedString(%d)", v.Length)
	case BooleanType:
		return "Boolean"
	case BytesType:
		return "Bytes"
	case UUIDType:
		return "UUID"
	case DateType:
		return "Date"
	case Date16Type:
		return "Date16"
	case DateTimeType:
		if v.Precision != nil {
			return fmt.Sprintf("DateTime(%d)", *v.Precision)
		}
		return "DateTime"
	case IPv4Type:
		return "IPv4"
	case IPv6Type:
		return "IPv6"
	case IntType:
		if v.Signed {
			return fmt.Sprintf("Int%d", v.Width)
		}
		return fmt.Sprintf("UInt%d", v.Width)
	case FloatType:
		return fmt.Sprintf("Float%d", v.Width)
	case BigIntType:
		return "BigInt"
	case DecimalType:
		return fmt.Sprintf("Decimal(%d, %d)", v.Precision, v.Scale)
	case PointType:
		return "Point"
	case RingType:
		return "Ring"
	case LineStringType:
		return "LineString"
	case MultiLineStringType:
		return "MultiLineString"
	case PolygonType:
		return "Polygon"
	case MultiPolygonType:
		return "MultiPolygon"
	case NullableType:
		return map[string]any{"nullable": WireValue(v.Inner)}
	case ArrayType:
		return map[string]any{
			"elementType":     WireValue(v.Element),
			"elementNullable": v.ElementNullable,
		}
	case MapType:
		return map[string]any{
			"keyType":   WireValue(v.Key),
			"valueType": WireValue(v.Value),
		}
	case NamedTupleType:
		fields := make([][]any, 0, len(v.Fields))
		for _, f := range v.Fields {
			fields = append(fields, []any{f.Name, WireValue(f.Type)})
		}
		return map[string]any{"fields": fields}
	case NestedType:
		cols := make([]any, 0, len(v.Columns))
		for i := range v.Columns {
			cols = append(cols, v.Columns[i].wireValue())
		}
		return map[string]any{"name": v.Name, "columns": cols, "jwt": v.JWT}
	case EnumType:
		values := make([]any, 0, len(v.Members))
		for _, m := range v.Members {
			entry := map[string]any{"name": m.Name}
			if m.IsString {
				entry["value"] = m.StrValue
			} else {
				entry["value"] = int(m.IntValue)
			}
			values = append(values, entry)
		}
		return map[string]any{"name": v.Name, "values": values}
	case JSONType:
		out := map[string]any{}
		if v.MaxDynamicPaths != nil {
			out["maxDynamicPaths"] = *v.MaxDynamicPaths
		}
		if v.MaxDynamicTypes != nil {
			out["maxDynamicTypes"] = *v.MaxDynamicTypes
		}
		if len(v.TypedPaths) > 0 {
			paths := make([][]any, 0, len(v.TypedPaths))
			for _, tp := range v.TypedPaths {
				paths = append(paths, []any{tp.Path, WireValue(tp.Type)})
			}
			out["typedPaths"] = paths
		}
		if len(v.SkipPaths) > 0 {
			out["skipPaths"] = v.SkipPaths
		}
		if len(v.SkipRegexps) > 0 {
			out["skipRegexps"] = v.SkipRegexps
		}
		// Bare Json with no options still needs an object tag to stay
		// distinguishable from a scalar spelling on old readers.
		out["json"] = true
		return out
	}
	panic(fmt.Sprintf("unhandled column type %T", t))
}

// MarshalType encodes a column type to JSON bytes.
func MarshalType(t ColumnType) ([]byte, error) {
	return json.Marshal(WireValue(t))
}

var scalarParamRe = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9]*)\((.*)\)$`)

// ParseWireValue is the inverse of WireValue. It accepts the raw JSON value
// (string or object) with either camelCase or snake_case keys.
func ParseWireValue(raw any) (ColumnType, error) {
	switch v := raw.(type) {
	case string:
		return parseScalar(v)
	case map[string]any:
		return parseObject(v)
	default:
		return nil, fmt.Errorf("unexpected column type value %v (%T)", raw, raw)
	}
}

// UnmarshalType decodes a column type from JSON bytes.
func UnmarshalType(data []byte) (ColumnType, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return ParseWireValue(raw)
}

func parseScalar(s string) (ColumnType, error) {
	base, args := s, ""
	if m := scalarParamRe.FindStringSubmatch(s); m != nil {
		base, args = m[1], m[2]
	}
	switch base {
	case "String":
		return StringType{}, nil
	case "FixedString":
		n, err := strconv.Atoi(strings.TrimSpace(args))
		if err != nil {
			return nil, fmt.Errorf("bad FixedString length in %q", s)
		}
		return FixedStringType{Length: n}, nil
	case "Boolean", "Bool":
		return BooleanType{}, nil
	case "Bytes":
		return BytesType{}, nil
	case "UUID", "Uuid":
		return UUIDType{}, nil
	case "Date":
		return DateType{}, nil
	case "Date16":
		return Date16Type{}, nil
	case "DateTime":
		if args == "" {
			return DateTimeType{}, nil
		}
		p, err := strconv.Atoi(strings.TrimSpace(args))
		if err != nil {
			return nil, fmt.Errorf("bad DateTime precision in %q", s)
		}
		return DateTimeType{Precision: &p}, nil
	case "IPv4", "IpV4":
		return IPv4Type{}, nil
	case "IPv6", "IpV6":
		return IPv6Type{}, nil
	case "BigInt":
		return BigIntType{}, nil
	case "Float32":
		return FloatType{Width: 32}, nil
	case "Float64":
		return FloatType{Width: 64}, nil
	case "Decimal":
		parts := strings.SplitN(args, ",", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("bad Decimal parameters in %q", s)
		}
		p, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
		sc, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("bad Decimal parameters in %q", s)
		}
		return DecimalType{Precision: p, Scale: sc}, nil
	case "Point":
		return PointType{}, nil
	case "Ring":
		return RingType{}, nil
	case "LineString":
		return LineStringType{}, nil
	case "MultiLineString":
		return MultiLineStringType{}, nil
	case "Polygon":
		return PolygonType{}, nil
	case "MultiPolygon":
		return MultiPolygonType{}, nil
	}
	if strings.HasPrefix(base, "Int") || strings.HasPrefix(base, "UInt") {
		signed := strings.HasPrefix(base, "Int")
		widthStr := strings.TrimPrefix(strings.TrimPrefix(base, "UInt"), "Int")
		if w, err := strconv.Atoi(widthStr); err == nil {
			t := IntType{Width: w, Signed: signed}
			if err := Validate(t); err == nil {
				return t, nil
			}
		}
	}
	return nil, fmt.Errorf("unknown column type %q", s)
}

// key fetches a value under its camelCase name, falling back to snake_case.
func key(m map[string]any, camel, snake string) (any, bool) {
	if v, ok := m[camel]; ok {
		return v, true
	}
	v, ok := m[snake]
	return v, ok
}

func parseObject(m map[string]any) (ColumnType, error) {
	if inner, ok := m["nullable"]; ok {
		t, err := ParseWireValue(inner)
		if err != nil {
			return nil, err
		}
		return NullableType{Inner: t}, nil
	}
	if elem, ok := key(m, "elementType", "element_type"); ok {
		t, err := ParseWireValue(elem)
		if err != nil {
			return nil, err
		}
		nullable := false
		if v, ok := key(m, "elementNullable", "element_nullable"); ok {
			nullable, _ = v.(bool)
		}
		return ArrayType{Element: t, ElementNullable: nullable}, nil
	}
	if k, ok := key(m, "keyType", "key_type"); ok {
		vRaw, okV := key(m, "valueType", "value_type")
		if !okV {
			return nil, fmt.Errorf("map type missing valueType")
		}
		kt, err := ParseWireValue(k)
		if err != nil {
			return nil, err
		}
		vt, err := ParseWireValue(vRaw)
		if err != nil {
			return nil, err
		}
		return MapType{Key: kt, Value: vt}, nil
	}
	if fields, ok := m["fields"]; ok {
		list, ok := fields.([]any)
		if !ok {
			return nil, fmt.Errorf("tuple fields must be an array")
		}
		out := NamedTupleType{}
		for _, entry := range list {
			pair, ok := entry.([]any)
			if !ok || len(pair) != 2 {
				return nil, fmt.Errorf("tuple field must be a [name, type] pair")
			}
			name, ok := pair[0].(string)
			if !ok {
				return nil, fmt.Errorf("tuple field name must be a string")
			}
			t, err := ParseWireValue(pair[1])
			if err != nil {
				return nil, err
			}
			out.Fields = append(out.Fields, TupleField{Name: name, Type: t})
		}
		return out, nil
	}
	if cols, ok := m["columns"]; ok {
		name, _ := m["name"].(string)
		jwt := false
		if v, ok := m["jwt"]; ok {
			jwt, _ = v.(bool)
		}
		list, ok := cols.([]any)
		if !ok {
			return nil, fmt.Errorf("nested columns must be an array")
		}
		nested := NestedType{Name: name, JWT: jwt}
		for _, c := range list {
			colMap, ok := c.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("nested column must be an object")
			}
			col, err := columnFromWire(colMap)
			if err != nil {
				return nil, err
			}
			nested.Columns = append(nested.Columns, col)
		}
		return nested, nil
	}
	if values, ok := m["values"]; ok {
		name, _ := m["name"].(string)
		list, ok := values.([]any)
		if !ok {
			return nil, fmt.Errorf("enum values must be an array")
		}
		enum := EnumType{Name: name}
		for _, entry := range list {
			em, ok := entry.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("enum member must be an object")
			}
			memberName, _ := em["name"].(string)
			member := EnumMember{Name: memberName}
			switch val := em["value"].(type) {
			case string:
				member.IsString = true
				member.StrValue = val
			case float64:
				if val < 0 || val > 255 {
					return nil, fmt.Errorf("enum value %v does not fit in u8", val)
				}
				member.IntValue = uint8(val)
			default:
				return nil, fmt.Errorf("enum member %s has unsupported value %v", memberName, em["value"])
			}
			enum.Members = append(enum.Members, member)
		}
		return enum, nil
	}
	if isJSONObject(m) {
		return parseJSONType(m)
	}
	return nil, fmt.Errorf("unrecognized column type object with keys %v", sortedKeys(m))
}

func isJSONObject(m map[string]any) bool {
	if _, ok := m["json"]; ok {
		return true
	}
	for _, k := range []string{
		"maxDynamicPaths", "max_dynamic_paths",
		"maxDynamicTypes", "max_dynamic_types",
		"typedPaths", "typed_paths",
		"skipPaths", "skip_paths",
		"skipRegexps", "skip_regexps",
	} {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func parseJSONType(m map[string]any) (ColumnType, error) {
	out := JSONType{}
	if v, ok := key(m, "maxDynamicPaths", "max_dynamic_paths"); ok {
		if n, ok := v.(float64); ok {
			i := int(n)
			out.MaxDynamicPaths = &i
		}
	}
	if v, ok := key(m, "maxDynamicTypes", "max_dynamic_types"); ok {
		if n, ok := v.(float64); ok {
			i := int(n)
			out.MaxDynamicTypes = &i
		}
	}
	if v, ok := key(m, "typedPaths", "typed_paths"); ok {
		list, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("typedPaths must be an array")
		}
		for _, entry := range list {
			pair, ok := entry.([]any)
			if !ok || len(pair) != 2 {
				return nil, fmt.Errorf("typed path must be a [path, type] pair")
			}
			path, ok := pair[0].(string)
			if !ok {
				return nil, fmt.Errorf("typed path name must be a string")
			}
			t, err := ParseWireValue(pair[1])
			if err != nil {
				return nil, err
			}
			out.TypedPaths = append(out.TypedPaths, TypedPath{Path: path, Type: t})
		}
	}
	if v, ok := key(m, "skipPaths", "skip_paths"); ok {
		out.SkipPaths = toStringSlice(v)
	}
	if v, ok := key(m, "skipRegexps", "skip_regexps"); ok {
		out.SkipRegexps = toStringSlice(v)
	}
	return out, nil
}

func toStringSlice(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WireString renders a canonical textual form of a type, used for structural
// equality and log output. Two types are equal iff their WireStrings match.
func WireString(t ColumnType) string {
	switch v := t.(type) {
	case NullableType:
		return "Nullable(" + WireString(v.Inner) + ")"
	case ArrayType:
		if v.ElementNullable {
			return "Array(Nullable(" + WireString(v.Element) + "))"
		}
		return "Array(" + WireString(v.Element) + ")"
	case MapType:
		return "Map(" + WireString(v.Key) + ", " + WireString(v.Value) + ")"
	case NamedTupleType:
		parts := make([]string, 0, len(v.Fields))
		for _, f := range v.Fields {
			parts = append(parts, f.Name+" "+WireString(f.Type))
		}
		return "Tuple(" + strings.Join(parts, ", ") + ")"
	case NestedType:
		parts := make([]string, 0, len(v.Columns))
		for i := range v.Columns {
			parts = append(parts, v.Columns[i].Name+" "+WireString(v.Columns[i].Type))
		}
		return "Nested(" + strings.Join(parts, ", ") + ")"
	case EnumType:
		parts := make([]string, 0, len(v.Members))
		for _, m := range v.Members {
			if m.IsString {
				parts = append(parts, fmt.Sprintf("%s=%q", m.Name, m.StrValue))
			} else {
				parts = append(parts, fmt.Sprintf("%s=%d", m.Name, m.IntValue))
			}
		}
		return "Enum[" + v.Name + "](" + strings.Join(parts, ", ") + ")"
	case JSONType:
		data, _ := json.Marshal(WireValue(v))
		return "Json" + string(data)
	default:
		s, _ := WireValue(t).(string)
		return s
	}
}
