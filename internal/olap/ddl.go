package olap

import (
	"fmt"
	"sort"
	"strings"

	"github.com/514-labs/moosestack-sub001/internal/diff"
	"github.com/514-labs/moosestack-sub001/internal/infra"
	"github.com/514-labs/moosestack-sub001/internal/schema"
)

// CreateTableSQL renders the full CREATE TABLE statement, including the
// engine clause with live credentials. Always IF NOT EXISTS so replayed
// plans converge instead of failing.
func CreateTableSQL(t *infra.Table, defaultDB string) (string, error) {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(t.QualifiedName(defaultDB))
	if t.ClusterName != nil && *t.ClusterName != "" {
		fmt.Fprintf(&b, " ON CLUSTER %s", schema.QuoteIdent(*t.ClusterName))
	}
	b.WriteString("\n(\n")
	for i := range t.Columns {
		def, err := columnDefinition(&t.Columns[i])
		if err != nil {
			return "", fmt.Errorf("table %s: %w", t.Name, err)
		}
		b.WriteString("    ")
		b.WriteString(def)
		if i < len(t.Columns)-1 || len(t.Indexes) > 0 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	for i, idx := range t.Indexes {
		fmt.Fprintf(&b, "    INDEX %s %s TYPE %s", schema.QuoteIdent(idx.Name), idx.Expression, idx.Type)
		if len(idx.Arguments) > 0 {
			fmt.Fprintf(&b, "(%s)", strings.Join(idx.Arguments, ", "))
		}
		if idx.Granularity > 0 {
			fmt.Fprintf(&b, " GRANULARITY %d", idx.Granularity)
		}
		if i < len(t.Indexes)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(")\n")
	fmt.Fprintf(&b, "ENGINE = %s", t.Engine.CreateClause())

	if pk := t.PrimaryKeyColumns(); len(pk) > 0 && t.Engine.SupportsOrderBy() {
		quoted := make([]string, len(pk))
		for i, f := range pk {
			quoted[i] = schema.QuoteIdent(f)
		}
		fmt.Fprintf(&b, "\nPRIMARY KEY (%s)", strings.Join(quoted, ", "))
	}
	if t.Engine.SupportsOrderBy() {
		if !t.OrderBy.IsEmpty() {
			fmt.Fprintf(&b, "\nORDER BY %s", t.OrderBy.Render())
		} else if len(t.PrimaryKeyColumns()) == 0 {
			// MergeTree requires an ORDER BY clause even when unordered.
			b.WriteString("\nORDER BY tuple()")
		}
	}
	if t.PartitionBy != nil && *t.PartitionBy != "" {
		fmt.Fprintf(&b, "\nPARTITION BY %s", *t.PartitionBy)
	}
	if t.SampleBy != nil && *t.SampleBy != "" {
		fmt.Fprintf(&b, "\nSAMPLE BY %s", *t.SampleBy)
	}
	if t.TableTTL != nil && *t.TableTTL != "" {
		fmt.Fprintf(&b, "\nTTL %s", *t.TableTTL)
	}
	if len(t.TableSettings) > 0 {
		fmt.Fprintf(&b, "\nSETTINGS %s", renderSettings(t.TableSettings))
	}
	return b.String(), nil
}

// DropTableSQL renders the drop. IF EXISTS keeps replays idempotent.
func DropTableSQL(t *infra.Table, defaultDB string) string {
	var b strings.Builder
	b.WriteString("DROP TABLE IF EXISTS ")
	b.WriteString(t.QualifiedName(defaultDB))
	if t.ClusterName != nil && *t.ClusterName != "" {
		fmt.Fprintf(&b, " ON CLUSTER %s", schema.QuoteIdent(*t.ClusterName))
	}
	return b.String()
}

// AlterTableSQL renders one ALTER statement per column change, in change
// order. ORDER BY and primary-key changes never appear here; the diff
// upgrades those to drop+recreate.
func AlterTableSQL(u diff.TableUpdated, defaultDB string) ([]string, error) {
	table := u.After.QualifiedName(defaultDB)
	var stmts []string
	for _, c := range u.ColumnChanges {
		switch v := c.(type) {
		case diff.ColumnAdded:
			def, err := columnDefinition(&v.Column)
			if err != nil {
				return nil, fmt.Errorf("table %s: %w", u.After.Name, err)
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s", table, def)
			if v.PositionAfter != nil {
				stmt += " AFTER " + schema.QuoteIdent(*v.PositionAfter)
			} else {
				stmt += " FIRST"
			}
			stmts = append(stmts, stmt)
		case diff.ColumnRemoved:
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s",
				table, schema.QuoteIdent(v.Name)))
		case diff.ColumnUpdated:
			def, err := columnDefinition(&v.After)
			if err != nil {
				return nil, fmt.Errorf("table %s: %w", u.After.Name, err)
			}
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s MODIFY COLUMN %s", table, def))
		case diff.EnumMetadataOnly:
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s COMMENT COLUMN %s %s",
				table, schema.QuoteIdent(v.Column.Name), schema.QuoteString(v.Comment)))
		}
	}
	return stmts, nil
}

// RenameColumnSQL renders an explicit rename. The diff never emits renames
// on its own; this serves pre-planned operation lists.
func RenameColumnSQL(t *infra.Table, defaultDB, from, to string) string {
	return fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
		t.QualifiedName(defaultDB), schema.QuoteIdent(from), schema.QuoteIdent(to))
}

// ModifyTTLSQL renders the TTL alter; a nil target removes the TTL.
func ModifyTTLSQL(c diff.TableTtlChanged, defaultDB string) string {
	table := c.Table.QualifiedName(defaultDB)
	if c.After == nil || *c.After == "" {
		return fmt.Sprintf("ALTER TABLE %s REMOVE TTL", table)
	}
	return fmt.Sprintf("ALTER TABLE %s MODIFY TTL %s", table, *c.After)
}

// ModifySettingsSQL renders MODIFY SETTING for changed keys and RESET
// SETTING for removed ones.
func ModifySettingsSQL(c diff.TableSettingsChanged, defaultDB string) []string {
	table := c.Table.QualifiedName(defaultDB)
	var modified, removed []string
	for _, k := range sortedSettingKeys(c.After) {
		if before, ok := c.Before[k]; !ok || before != c.After[k] {
			modified = append(modified, fmt.Sprintf("%s = %s", k, schema.QuoteString(c.After[k])))
		}
	}
	for _, k := range sortedSettingKeys(c.Before) {
		if _, kept := c.After[k]; !kept {
			removed = append(removed, k)
		}
	}
	var stmts []string
	if len(modified) > 0 {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s MODIFY SETTING %s", table, strings.Join(modified, ", ")))
	}
	if len(removed) > 0 {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s RESET SETTING %s", table, strings.Join(removed, ", ")))
	}
	return stmts
}

// CreateMaterializedViewSQL renders the view DDL. Incremental views attach
// directly to their sources; refreshable views carry the REFRESH clause.
func CreateMaterializedViewSQL(v *infra.MaterializedView, defaultDB string) string {
	var b strings.Builder
	b.WriteString("CREATE MATERIALIZED VIEW IF NOT EXISTS ")
	b.WriteString(v.QualifiedName(defaultDB))
	if rc := v.RefreshConfig; rc != nil {
		fmt.Fprintf(&b, "\nREFRESH %s %d SECOND", rc.Kind, rc.Seconds)
		if rc.OffsetSeconds != nil {
			fmt.Fprintf(&b, " OFFSET %d SECOND", *rc.OffsetSeconds)
		}
		if rc.RandomizeSeconds != nil {
			fmt.Fprintf(&b, " RANDOMIZE FOR %d SECOND", *rc.RandomizeSeconds)
		}
		if len(rc.DependsOn) > 0 {
			deps := make([]string, len(rc.DependsOn))
			for i, d := range rc.DependsOn {
				deps[i] = schema.QuoteIdent(viewNameFromID(d))
			}
			fmt.Fprintf(&b, "\nDEPENDS ON %s", strings.Join(deps, ", "))
		}
		if rc.Append {
			b.WriteString("\nAPPEND")
		}
	}
	fmt.Fprintf(&b, "\nTO %s", v.QualifiedTarget(defaultDB))
	fmt.Fprintf(&b, "\nAS %s", v.SelectSQL)
	return b.String()
}

// PopulateViewSQL renders the one-time backfill insert issued after creating
// a brand-new incremental view.
func PopulateViewSQL(v *infra.MaterializedView, defaultDB string) string {
	return fmt.Sprintf("INSERT INTO %s %s", v.QualifiedTarget(defaultDB), v.SelectSQL)
}

// DropViewSQL renders the view drop.
func DropViewSQL(v *infra.MaterializedView, defaultDB string) string {
	return "DROP VIEW IF EXISTS " + v.QualifiedName(defaultDB)
}

func columnDefinition(c *schema.Column) (string, error) {
	rendered, err := schema.RenderEngineType(c.Type)
	if err != nil {
		return "", fmt.Errorf("column %s: %w", c.Name, err)
	}
	var b strings.Builder
	b.WriteString(schema.QuoteIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(rendered)
	if c.Default != nil && *c.Default != "" {
		fmt.Fprintf(&b, " DEFAULT %s", *c.Default)
	}
	if c.TTL != nil && *c.TTL != "" {
		fmt.Fprintf(&b, " TTL %s", *c.TTL)
	}
	if c.Comment != nil && *c.Comment != "" {
		fmt.Fprintf(&b, " COMMENT %s", schema.QuoteString(*c.Comment))
	}
	return b.String(), nil
}

func renderSettings(settings map[string]string) string {
	parts := make([]string, 0, len(settings))
	for _, k := range sortedSettingKeys(settings) {
		parts = append(parts, fmt.Sprintf("%s = %s", k, schema.QuoteString(settings[k])))
	}
	return strings.Join(parts, ", ")
}

func sortedSettingKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// viewNameFromID strips the database prefix from a stable view ID for use in
// clauses that want the bare name. Fully-qualified IDs pass through.
func viewNameFromID(id string) string {
	if i := strings.Index(id, "."); i >= 0 {
		return id
	}
	if i := strings.Index(id, "_"); i >= 0 {
		return id[i+1:]
	}
	return id
}
