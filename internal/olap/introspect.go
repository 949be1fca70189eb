package olap

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/514-labs/moosestack-sub001/internal/infra"
	"github.com/514-labs/moosestack-sub001/internal/schema"
)

// ListTables reads system.tables and system.columns for the given databases
// and converts each live table into the typed model. A table whose engine or
// column types cannot be parsed is logged and skipped; one bad table must not
// abort a reality check.
func (c *chClient) ListTables(ctx context.Context, databases []string) ([]*infra.Table, error) {
	columns, err := c.listColumns(ctx, databases)
	if err != nil {
		return nil, err
	}

	rows, err := c.conn.Query(ctx, `
		SELECT database, name, engine_full, sorting_key, primary_key,
		       partition_key, sampling_key, create_table_query
		FROM system.tables
		WHERE database IN (?)
		  AND engine NOT IN ('View', 'MaterializedView', 'Dictionary')
		  AND NOT is_temporary
		ORDER BY database, name`, databases)
	if err != nil {
		return nil, fmt.Errorf("querying system.tables: %w", err)
	}
	defer rows.Close()

	var tables []*infra.Table
	for rows.Next() {
		var database, name, engineFull, sortingKey, primaryKey string
		var partitionKey, samplingKey, createQuery string
		if err := rows.Scan(&database, &name, &engineFull, &sortingKey, &primaryKey,
			&partitionKey, &samplingKey, &createQuery); err != nil {
			return nil, fmt.Errorf("scanning system.tables row: %w", err)
		}
		t, err := buildLiveTable(database, name, engineFull, sortingKey, primaryKey,
			partitionKey, samplingKey, createQuery, columns[database+"."+name])
		if err != nil {
			c.log.Warn("skipping unparseable live table",
				zap.String("database", database), zap.String("table", name), zap.Error(err))
			continue
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading system.tables: %w", err)
	}
	return tables, nil
}

type liveColumn struct {
	name       string
	typeExpr   string
	defaultVal string
	comment    string
}

func (c *chClient) listColumns(ctx context.Context, databases []string) (map[string][]liveColumn, error) {
	rows, err := c.conn.Query(ctx, `
		SELECT database, table, name, type, default_expression, comment
		FROM system.columns
		WHERE database IN (?)
		ORDER BY database, table, position`, databases)
	if err != nil {
		return nil, fmt.Errorf("querying system.columns: %w", err)
	}
	defer rows.Close()

	out := map[string][]liveColumn{}
	for rows.Next() {
		var database, table, name, typeExpr, defaultVal, comment string
		if err := rows.Scan(&database, &table, &name, &typeExpr, &defaultVal, &comment); err != nil {
			return nil, fmt.Errorf("scanning system.columns row: %w", err)
		}
		key := database + "." + table
		out[key] = append(out[key], liveColumn{name: name, typeExpr: typeExpr, defaultVal: defaultVal, comment: comment})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading system.columns: %w", err)
	}
	return out, nil
}

func buildLiveTable(database, name, engineFull, sortingKey, primaryKey,
	partitionKey, samplingKey, createQuery string, live []liveColumn) (*infra.Table, error) {

	engine, err := schema.ParseEngine(engineClause(engineFull))
	if err != nil {
		return nil, err
	}

	pkSet := map[string]bool{}
	for _, f := range splitKeyList(primaryKey) {
		pkSet[f] = true
	}

	cols := make([]schema.Column, 0, len(live))
	for _, lc := range live {
		col, err := buildLiveColumn(lc, pkSet[lc.name])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", lc.name, err)
		}
		cols = append(cols, col)
	}

	db := database
	t := &infra.Table{
		Name:     name,
		Database: &db,
		Columns:  cols,
		OrderBy:  orderByFromSortingKey(sortingKey),
		Engine:   engine,
	}
	if partitionKey != "" {
		t.PartitionBy = &partitionKey
	}
	if samplingKey != "" {
		t.SampleBy = &samplingKey
	}
	if ttl := extractTableTTL(createQuery); ttl != "" {
		t.TableTTL = &ttl
	}
	if settings := extractSettings(createQuery); len(settings) > 0 {
		t.TableSettings = settings
	}
	t.EngineParamsHash = schema.ParamsHash(engine, database)
	return t, nil
}

func buildLiveColumn(lc liveColumn, primaryKey bool) (schema.Column, error) {
	t, err := ParseColumnType(lc.typeExpr)
	if err != nil {
		return schema.Column{}, err
	}
	col := schema.Column{Name: lc.name, Type: t, PrimaryKey: primaryKey}
	switch t.(type) {
	case schema.NullableType:
		col.Required = false
	default:
		col.Required = true
	}
	if lc.defaultVal != "" {
		v := lc.defaultVal
		col.Default = &v
	}
	if lc.comment != "" {
		// A metadata comment restores the declared enum shape; the comment
		// itself is consumed, not carried.
		if decl, ok := schema.ParseEnumMetadataComment(lc.comment); ok {
			col.Type = restoreDeclaredEnum(col.Type, decl)
		} else {
			v := lc.comment
			col.Comment = &v
		}
	}
	return col, nil
}

// restoreDeclaredEnum swaps the database's integer-mapped enum for the
// declared one at whatever nesting depth the enum sits.
func restoreDeclaredEnum(t schema.ColumnType, decl schema.EnumType) schema.ColumnType {
	switch v := t.(type) {
	case schema.EnumType:
		if schema.EnumsEquivalent(v, decl) {
			return decl
		}
		return v
	case schema.NullableType:
		v.Inner = restoreDeclaredEnum(v.Inner, decl)
		return v
	case schema.ArrayType:
		v.Element = restoreDeclaredEnum(v.Element, decl)
		return v
	}
	return t
}

// engineClause cuts system.tables.engine_full down to the engine expression:
// everything before the first trailing clause keyword.
func engineClause(engineFull string) string {
	cut := len(engineFull)
	for _, kw := range []string{" ORDER BY ", " PRIMARY KEY ", " PARTITION BY ", " SAMPLE BY ", " TTL ", " SETTINGS "} {
		if i := strings.Index(engineFull, kw); i >= 0 && i < cut {
			cut = i
		}
	}
	return strings.TrimSpace(engineFull[:cut])
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// orderByFromSortingKey maps the sorting_key spelling back onto the model: a
// plain identifier list becomes fields, anything else stays an expression.
func orderByFromSortingKey(sortingKey string) infra.OrderBy {
	sortingKey = strings.TrimSpace(sortingKey)
	if sortingKey == "" || sortingKey == "tuple()" {
		return infra.OrderBy{}
	}
	parts := splitKeyList(sortingKey)
	for _, p := range parts {
		if !identRe.MatchString(p) {
			expr := "(" + sortingKey + ")"
			return infra.OrderBy{Expression: &expr}
		}
	}
	return infra.OrderBy{Fields: parts}
}

func splitKeyList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		p = strings.TrimPrefix(p, "`")
		p = strings.TrimSuffix(p, "`")
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

var tableTTLRe = regexp.MustCompile(`(?s)\sTTL\s+(.+?)(?:\s+SETTINGS\s|\s+COMMENT\s|$)`)

// extractTableTTL pulls the table-level TTL out of the stored CREATE
// statement; system.tables has no dedicated column for it.
func extractTableTTL(createQuery string) string {
	m := tableTTLRe.FindStringSubmatch(createQuery)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

var settingsRe = regexp.MustCompile(`(?s)\sSETTINGS\s+(.+?)(?:\s+COMMENT\s|$)`)

// extractSettings parses the trailing SETTINGS list of the stored CREATE
// statement. index_granularity is dropped: ClickHouse appends it to every
// MergeTree table and it would otherwise show up as permanent drift.
func extractSettings(createQuery string) map[string]string {
	m := settingsRe.FindStringSubmatch(createQuery)
	if m == nil {
		return nil
	}
	out := map[string]string{}
	for _, pair := range splitTopLevel(m[1]) {
		eq := strings.IndexByte(pair, '=')
		if eq < 0 {
			continue
		}
		k := strings.TrimSpace(pair[:eq])
		v := trimQuoted(pair[eq+1:])
		if k == "" || k == "index_granularity" {
			continue
		}
		out[k] = v
	}
	return out
}
