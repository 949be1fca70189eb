package olap

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/514-labs/moosestack-sub001/internal/schema"
)

// ParseColumnType converts a ClickHouse type expression from system.columns
// into the typed column model. LowCardinality is transparent: it affects
// storage, not semantics, so it is unwrapped.
func ParseColumnType(expr string) (schema.ColumnType, error) {
	expr = strings.TrimSpace(expr)
	name, args, hasArgs := splitTypeExpr(expr)

	switch name {
	case "String":
		return schema.StringType{}, nil
	case "Bool", "Boolean":
		return schema.BooleanType{}, nil
	case "UUID":
		return schema.UUIDType{}, nil
	case "Date":
		return schema.Date16Type{}, nil
	case "Date32":
		return schema.DateType{}, nil
	case "IPv4":
		return schema.IPv4Type{}, nil
	case "IPv6":
		return schema.IPv6Type{}, nil
	case "Int8", "Int16", "Int32", "Int64":
		w, _ := strconv.Atoi(strings.TrimPrefix(name, "Int"))
		return schema.IntType{Width: w, Signed: true}, nil
	case "UInt8", "UInt16", "UInt32", "UInt64":
		w, _ := strconv.Atoi(strings.TrimPrefix(name, "UInt"))
		return schema.IntType{Width: w}, nil
	case "Int128":
		return schema.BigIntType{}, nil
	case "Float32", "Float64":
		w, _ := strconv.Atoi(strings.TrimPrefix(name, "Float"))
		return schema.FloatType{Width: w}, nil
	case "Point":
		return schema.PointType{}, nil
	case "Ring":
		return schema.RingType{}, nil
	case "LineString":
		return schema.LineStringType{}, nil
	case "MultiLineString":
		return schema.MultiLineStringType{}, nil
	case "Polygon":
		return schema.PolygonType{}, nil
	case "MultiPolygon":
		return schema.MultiPolygonType{}, nil
	case "JSON":
		return parseJSONType(args)
	}

	if !hasArgs {
		if name == "DateTime" {
			return schema.DateTimeType{}, nil
		}
		return nil, fmt.Errorf("unsupported clickhouse type %q", expr)
	}

	switch name {
	case "DateTime":
		// DateTime('tz'): timezone is storage metadata, not a precision.
		return schema.DateTimeType{}, nil
	case "DateTime64":
		parts := splitTopLevel(args)
		p, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("invalid DateTime64 precision in %q", expr)
		}
		return schema.DateTimeType{Precision: &p}, nil
	case "FixedString":
		n, err := strconv.Atoi(strings.TrimSpace(args))
		if err != nil {
			return nil, fmt.Errorf("invalid FixedString length in %q", expr)
		}
		return schema.FixedStringType{Length: n}, nil
	case "Decimal":
		parts := splitTopLevel(args)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid Decimal arguments in %q", expr)
		}
		p, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
		s, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("invalid Decimal arguments in %q", expr)
		}
		return schema.DecimalType{Precision: p, Scale: s}, nil
	case "LowCardinality":
		return ParseColumnType(args)
	case "Nullable":
		inner, err := ParseColumnType(args)
		if err != nil {
			return nil, err
		}
		return schema.NullableType{Inner: inner}, nil
	case "Array":
		inner, err := ParseColumnType(args)
		if err != nil {
			return nil, err
		}
		if n, ok := inner.(schema.NullableType); ok {
			return schema.ArrayType{Element: n.Inner, ElementNullable: true}, nil
		}
		return schema.ArrayType{Element: inner}, nil
	case "Map":
		parts := splitTopLevel(args)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid Map arguments in %q", expr)
		}
		key, err := ParseColumnType(parts[0])
		if err != nil {
			return nil, err
		}
		value, err := ParseColumnType(parts[1])
		if err != nil {
			return nil, err
		}
		return schema.MapType{Key: key, Value: value}, nil
	case "Tuple":
		return parseTupleType(args)
	case "Enum8", "Enum16":
		return parseEnumType(args)
	}
	return nil, fmt.Errorf("unsupported clickhouse type %q", expr)
}

// splitTypeExpr separates "Name(args)" into its parts. A bare name returns
// hasArgs=false.
func splitTypeExpr(expr string) (name, args string, hasArgs bool) {
	open := strings.IndexByte(expr, '(')
	if open < 0 || !strings.HasSuffix(expr, ")") {
		return expr, "", false
	}
	return expr[:open], expr[open+1 : len(expr)-1], true
}

// splitTopLevel splits on commas outside parentheses and quotes.
func splitTopLevel(s string) []string {
	var parts []string
	depth := 0
	inQuote := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch {
		case inQuote:
			if s[i] == '\\' {
				i++
			} else if s[i] == '\'' {
				inQuote = false
			}
		case s[i] == '\'':
			inQuote = true
		case s[i] == '(':
			depth++
		case s[i] == ')':
			depth--
		case s[i] == ',' && depth == 0:
			parts = append(parts, strings.TrimSpace(s[start:i]))
			start = i + 1
		}
	}
	parts = append(parts, strings.TrimSpace(s[start:]))
	return parts
}

// parseTupleType handles named tuples ("name Type, …"). Unnamed tuple
// elements are rejected; the loader never produces them.
func parseTupleType(args string) (schema.ColumnType, error) {
	var fields []schema.TupleField
	for _, part := range splitTopLevel(args) {
		fieldName, typeExpr, ok := splitTupleField(part)
		if !ok {
			return nil, fmt.Errorf("unnamed tuple element %q", part)
		}
		t, err := ParseColumnType(typeExpr)
		if err != nil {
			return nil, err
		}
		fields = append(fields, schema.TupleField{Name: fieldName, Type: t})
	}
	return schema.NamedTupleType{Fields: fields}, nil
}

func splitTupleField(part string) (name, typeExpr string, ok bool) {
	part = strings.TrimSpace(part)
	if strings.HasPrefix(part, "`") {
		end := strings.IndexByte(part[1:], '`')
		if end < 0 {
			return "", "", false
		}
		return part[1 : end+1], strings.TrimSpace(part[end+2:]), true
	}
	sp := strings.IndexByte(part, ' ')
	if sp < 0 {
		return "", "", false
	}
	return part[:sp], strings.TrimSpace(part[sp+1:]), true
}

// parseEnumType reads the database rendering: 'label' = n, …. Members come
// back as integer members named by their labels, which is the cross-match
// form the enum equivalence check expects.
func parseEnumType(args string) (schema.ColumnType, error) {
	var members []schema.EnumMember
	for _, part := range splitTopLevel(args) {
		eq := strings.LastIndexByte(part, '=')
		if eq < 0 {
			return nil, fmt.Errorf("invalid enum member %q", part)
		}
		label := strings.TrimSpace(part[:eq])
		label = strings.TrimPrefix(label, "'")
		label = strings.TrimSuffix(label, "'")
		label = strings.ReplaceAll(label, `\'`, "'")
		value, err := strconv.Atoi(strings.TrimSpace(part[eq+1:]))
		if err != nil || value < 0 || value > 255 {
			return nil, fmt.Errorf("invalid enum value in %q", part)
		}
		members = append(members, schema.EnumMember{Name: label, IntValue: uint8(value)})
	}
	return schema.EnumType{Members: members}, nil
}

func parseJSONType(args string) (schema.ColumnType, error) {
	j := schema.JSONType{}
	if strings.TrimSpace(args) == "" {
		return j, nil
	}
	for _, part := range splitTopLevel(args) {
		switch {
		case strings.HasPrefix(part, "max_dynamic_paths"):
			n, err := parseJSONIntOption(part)
			if err != nil {
				return nil, err
			}
			j.MaxDynamicPaths = &n
		case strings.HasPrefix(part, "max_dynamic_types"):
			n, err := parseJSONIntOption(part)
			if err != nil {
				return nil, err
			}
			j.MaxDynamicTypes = &n
		case strings.HasPrefix(part, "SKIP REGEXP"):
			j.SkipRegexps = append(j.SkipRegexps, trimQuoted(strings.TrimPrefix(part, "SKIP REGEXP")))
		case strings.HasPrefix(part, "SKIP"):
			j.SkipPaths = append(j.SkipPaths, trimQuoted(strings.TrimPrefix(part, "SKIP")))
		default:
			// typed path: name Type
			name, typeExpr, ok := splitTupleField(part)
			if !ok {
				return nil, fmt.Errorf("invalid JSON type option %q", part)
			}
			t, err := ParseColumnType(typeExpr)
			if err != nil {
				return nil, err
			}
			j.TypedPaths = append(j.TypedPaths, schema.TypedPath{Path: name, Type: t})
		}
	}
	return j, nil
}

func parseJSONIntOption(part string) (int, error) {
	eq := strings.IndexByte(part, '=')
	if eq < 0 {
		return 0, fmt.Errorf("invalid JSON type option %q", part)
	}
	n, err := strconv.Atoi(strings.TrimSpace(part[eq+1:]))
	if err != nil {
		return 0, fmt.Errorf("invalid JSON type option %q", part)
	}
	return n, nil
}

func trimQuoted(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "`")
	s = strings.TrimSuffix(s, "`")
	s = strings.TrimPrefix(s, "'")
	s = strings.TrimSuffix(s, "'")
	return s
}
