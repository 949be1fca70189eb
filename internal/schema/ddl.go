package schema

import (
	"fmt"
	"strings"
)

// RenderEngineType renders a column type to its ClickHouse spelling for DDL.
// Types without an OLAP representation (Bytes) return ErrUnsupportedInDDL.
func RenderEngineType(t ColumnType) (string, error) {
	switch v := t.(type) {
	case StringType:
		return "String", nil
	case FixedStringType:
		return fmt.Sprintf("FixedString(%d)", v.Length), nil
	case BooleanType:
		return "Bool", nil
	case BytesType:
		return "", fmt.Errorf("%w: Bytes", ErrUnsupportedInDDL)
	case UUIDType:
		return "UUID", nil
	case DateType:
		return "Date32", nil
	case Date16Type:
		return "Date", nil
	case DateTimeType:
		if v.Precision != nil {
			return fmt.Sprintf("DateTime64(%d)", *v.Precision), nil
		}
		return "DateTime", nil
	case IPv4Type:
		return "IPv4", nil
	case IPv6Type:
		return "IPv6", nil
	case IntType:
		if v.Signed {
			return fmt.Sprintf("Int%d", v.Width), nil
		}
		return fmt.Sprintf("UInt%d", v.Width), nil
	case FloatType:
		return fmt.Sprintf("Float%d", v.Width), nil
	case BigIntType:
		return "Int128", nil
	case DecimalType:
		return fmt.Sprintf("Decimal(%d, %d)", v.Precision, v.Scale), nil
	case PointType:
		return "Point", nil
	case RingType:
		return "Ring", nil
	case LineStringType:
		return "LineString", nil
	case MultiLineStringType:
		return "MultiLineString", nil
	case PolygonType:
		return "Polygon", nil
	case MultiPolygonType:
		return "MultiPolygon", nil
	case NullableType:
		inner, err := RenderEngineType(v.Inner)
		if err != nil {
			return "", err
		}
		return "Nullable(" + inner + ")", nil
	case ArrayType:
		elem, err := RenderEngineType(v.Element)
		if err != nil {
			return "", err
		}
		if v.ElementNullable {
			return "Array(Nullable(" + elem + "))", nil
		}
		return "Array(" + elem + ")", nil
	case MapType:
		k, err := RenderEngineType(v.Key)
		if err != nil {
			return "", err
		}
		val, err := RenderEngineType(v.Value)
		if err != nil {
			return "", err
		}
		return "Map(" + k + ", " + val + ")", nil
	case NamedTupleType:
		parts := make([]string, 0, len(v.Fields))
		for _, f := range v.Fields {
			ft, err := RenderEngineType(f.Type)
			if err != nil {
				return "", err
			}
			parts = append(parts, quoteIdent(f.Name)+" "+ft)
		}
		return "Tuple(" + strings.Join(parts, ", ") + ")", nil
	case NestedType:
		parts := make([]string, 0, len(v.Columns))
		for i := range v.Columns {
			ct, err := RenderEngineType(v.Columns[i].Type)
			if err != nil {
				return "", err
			}
			parts = append(parts, quoteIdent(v.Columns[i].Name)+" "+ct)
		}
		return "Nested(" + strings.Join(parts, ", ") + ")", nil
	case EnumType:
		return renderEnum(v), nil
	case JSONType:
		return renderJSON(v), nil
	}
	return "", fmt.Errorf("%w: %T", ErrUnsupportedInDDL, t)
}

// renderEnum emits Enum8('name' = v, …). String-valued members (TypeScript
// string enums) get positional values starting at 1; the original shape is
// preserved separately through the column-comment metadata.
func renderEnum(e EnumType) string {
	parts := make([]string, 0, len(e.Members))
	for i, m := range e.Members {
		if m.IsString {
			parts = append(parts, fmt.Sprintf("%s = %d", quoteString(m.StrValue), i+1))
		} else {
			parts = append(parts, fmt.Sprintf("%s = %d", quoteString(m.Name), m.IntValue))
		}
	}
	return "Enum8(" + strings.Join(parts, ", ") + ")"
}

func renderJSON(j JSONType) string {
	var params []string
	if j.MaxDynamicPaths != nil {
		params = append(params, fmt.Sprintf("max_dynamic_paths=%d", *j.MaxDynamicPaths))
	}
	if j.MaxDynamicTypes != nil {
		params = append(params, fmt.Sprintf("max_dynamic_types=%d", *j.MaxDynamicTypes))
	}
	for _, tp := range j.TypedPaths {
		if rendered, err := RenderEngineType(tp.Type); err == nil {
			params = append(params, quoteIdent(tp.Path)+" "+rendered)
		}
	}
	for _, p := range j.SkipPaths {
		params = append(params, "SKIP "+quoteIdent(p))
	}
	for _, r := range j.SkipRegexps {
		params = append(params, "SKIP REGEXP "+quoteString(r))
	}
	if len(params) == 0 {
		return "JSON"
	}
	return "JSON(" + strings.Join(params, ", ") + ")"
}

// quoteIdent backtick-quotes an identifier for ClickHouse DDL.
func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "\\`") + "`"
}

// QuoteIdent is quoteIdent for other packages that render DDL.
func QuoteIdent(name string) string { return quoteIdent(name) }

// quoteString single-quotes a string literal, escaping embedded quotes and
// backslashes the way ClickHouse expects.
func quoteString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

// QuoteString is quoteString for other packages that render DDL.
func QuoteString(s string) string { return quoteString(s) }
