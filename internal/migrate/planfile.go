package migrate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"github.com/514-labs/moosestack-sub001/internal/config"
	"github.com/514-labs/moosestack-sub001/internal/diff"
	"github.com/514-labs/moosestack-sub001/internal/infra"
	"github.com/514-labs/moosestack-sub001/internal/olap"
	"github.com/514-labs/moosestack-sub001/internal/schema"
)

// Migration workflow files. The plan and its two state snapshots live in the
// project root where they are reviewed and committed; the editor schema goes
// under the internal dir.
const (
	MigrationFile   = "migration.yaml"
	BeforeStateFile = "migration_before_state.json"
	AfterStateFile  = "migration_after_state.json"
	SchemaFile      = "migration_schema.json"
)

// Plan is the reviewed, ordered operation list applied by executor mode (b).
type Plan struct {
	CreatedAt  time.Time   `yaml:"created_at"`
	Operations []Operation `yaml:"operations"`
}

// Operation is a tagged union; exactly one member is set. Resources embed
// their JSON wire form as nested YAML so the plan stays hand-editable.
type Operation struct {
	CreateTable    *CreateTableOp    `yaml:"create_table,omitempty"`
	DropTable      *DropTableOp      `yaml:"drop_table,omitempty"`
	AddColumn      *AddColumnOp      `yaml:"add_table_column,omitempty"`
	DropColumn     *DropColumnOp     `yaml:"drop_table_column,omitempty"`
	ModifyColumn   *ModifyColumnOp   `yaml:"modify_table_column,omitempty"`
	RenameColumn   *RenameColumnOp   `yaml:"rename_table_column,omitempty"`
	CommentColumn  *CommentColumnOp  `yaml:"comment_table_column,omitempty"`
	ModifyTTL      *ModifyTTLOp      `yaml:"modify_table_ttl,omitempty"`
	ModifySettings *ModifySettingsOp `yaml:"modify_table_settings,omitempty"`
	CreateView     *CreateViewOp     `yaml:"create_materialized_view,omitempty"`
	DropView       *DropViewOp       `yaml:"drop_materialized_view,omitempty"`
	PopulateView   *PopulateViewOp   `yaml:"populate_materialized_view,omitempty"`
	RawSQL         *RawSQLOp         `yaml:"raw_sql,omitempty"`
}

type CreateTableOp struct {
	Table map[string]any `yaml:"table"`
}

type DropTableOp struct {
	Database string `yaml:"database,omitempty"`
	Table    string `yaml:"table"`
	Cluster  string `yaml:"cluster,omitempty"`
}

type AddColumnOp struct {
	Database    string         `yaml:"database,omitempty"`
	Table       string         `yaml:"table"`
	Column      map[string]any `yaml:"column"`
	AfterColumn *string        `yaml:"after_column,omitempty"`
}

type DropColumnOp struct {
	Database string `yaml:"database,omitempty"`
	Table    string `yaml:"table"`
	Column   string `yaml:"column"`
}

type ModifyColumnOp struct {
	Database string         `yaml:"database,omitempty"`
	Table    string         `yaml:"table"`
	Column   map[string]any `yaml:"column"`
}

type RenameColumnOp struct {
	Database string `yaml:"database,omitempty"`
	Table    string `yaml:"table"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

type CommentColumnOp struct {
	Database string `yaml:"database,omitempty"`
	Table    string `yaml:"table"`
	Column   string `yaml:"column"`
	Comment  string `yaml:"comment"`
}

type ModifyTTLOp struct {
	Database string  `yaml:"database,omitempty"`
	Table    string  `yaml:"table"`
	TTL      *string `yaml:"ttl"`
}

type ModifySettingsOp struct {
	Database string            `yaml:"database,omitempty"`
	Table    string            `yaml:"table"`
	Set      map[string]string `yaml:"set,omitempty"`
	Reset    []string          `yaml:"reset,omitempty"`
}

type CreateViewOp struct {
	View map[string]any `yaml:"view"`
}

type PopulateViewOp struct {
	View map[string]any `yaml:"view"`
}

type DropViewOp struct {
	Database string `yaml:"database,omitempty"`
	Name     string `yaml:"name"`
}

type RawSQLOp struct {
	Description string   `yaml:"description,omitempty"`
	SQL         []string `yaml:"sql"`
}

// GeneratePlan converts a computed change set into the reviewable operation
// list, preserving execution order.
func GeneratePlan(changes *diff.InfraChanges, target *infra.Map) (*Plan, error) {
	defaultDB := target.DefaultDatabase
	plan := &Plan{CreatedAt: time.Now().UTC()}
	add := func(op Operation) { plan.Operations = append(plan.Operations, op) }

	for _, c := range changes.Views {
		if c.Action == diff.ActionDelete || c.Action == diff.ActionUpdate {
			add(Operation{DropView: &DropViewOp{
				Database: c.Before.DatabaseOr(defaultDB), Name: c.Before.Name,
			}})
		}
	}
	for _, c := range changes.SqlResources {
		if c.Action == diff.ActionDelete || c.Action == diff.ActionUpdate {
			add(Operation{RawSQL: &RawSQLOp{Description: "teardown " + c.ID, SQL: c.Before.Teardown}})
		}
	}

	for _, c := range changes.Tables {
		ops, err := tableChangeOps(c, defaultDB)
		if err != nil {
			return nil, err
		}
		plan.Operations = append(plan.Operations, ops...)
	}

	for _, c := range changes.Views {
		if c.Action == diff.ActionDelete {
			continue
		}
		view, err := toWireMap(c.After)
		if err != nil {
			return nil, err
		}
		add(Operation{CreateView: &CreateViewOp{View: view}})
		if c.Action == diff.ActionCreate && shouldPopulate(c.After, target) {
			add(Operation{PopulateView: &PopulateViewOp{View: view}})
		}
	}
	for _, c := range changes.SqlResources {
		if c.Action == diff.ActionDelete {
			continue
		}
		add(Operation{RawSQL: &RawSQLOp{Description: "setup " + c.ID, SQL: c.After.Setup}})
	}
	return plan, nil
}

func tableChangeOps(c diff.TableChange, defaultDB string) ([]Operation, error) {
	switch v := c.(type) {
	case diff.TableAdded:
		table, err := toWireMap(v.Table)
		if err != nil {
			return nil, err
		}
		return []Operation{{CreateTable: &CreateTableOp{Table: table}}}, nil
	case diff.TableRemoved:
		op := &DropTableOp{Database: v.Table.DatabaseOr(defaultDB), Table: v.Table.Name}
		if v.Table.ClusterName != nil {
			op.Cluster = *v.Table.ClusterName
		}
		return []Operation{{DropTable: op}}, nil
	case diff.TableUpdated:
		return columnChangeOps(v, defaultDB)
	case diff.TableTtlChanged:
		return []Operation{{ModifyTTL: &ModifyTTLOp{
			Database: v.Table.DatabaseOr(defaultDB), Table: v.Table.Name, TTL: v.After,
		}}}, nil
	case diff.TableSettingsChanged:
		op := &ModifySettingsOp{
			Database: v.Table.DatabaseOr(defaultDB), Table: v.Table.Name,
			Set: map[string]string{},
		}
		for k, val := range v.After {
			if before, ok := v.Before[k]; !ok || before != val {
				op.Set[k] = val
			}
		}
		for k := range v.Before {
			if _, kept := v.After[k]; !kept {
				op.Reset = append(op.Reset, k)
			}
		}
		return []Operation{{ModifySettings: op}}, nil
	case diff.TableValidationError:
		return nil, fmt.Errorf("cannot plan invalid table %s: %s", v.ID, v.Message)
	}
	return nil, nil
}

func columnChangeOps(u diff.TableUpdated, defaultDB string) ([]Operation, error) {
	db := u.After.DatabaseOr(defaultDB)
	var ops []Operation
	for _, cc := range u.ColumnChanges {
		switch v := cc.(type) {
		case diff.ColumnAdded:
			col, err := toWireMap(v.Column)
			if err != nil {
				return nil, err
			}
			ops = append(ops, Operation{AddColumn: &AddColumnOp{
				Database: db, Table: u.After.Name, Column: col, AfterColumn: v.PositionAfter,
			}})
		case diff.ColumnRemoved:
			ops = append(ops, Operation{DropColumn: &DropColumnOp{
				Database: db, Table: u.After.Name, Column: v.Name,
			}})
		case diff.ColumnUpdated:
			col, err := toWireMap(v.After)
			if err != nil {
				return nil, err
			}
			ops = append(ops, Operation{ModifyColumn: &ModifyColumnOp{
				Database: db, Table: u.After.Name, Column: col,
			}})
		case diff.EnumMetadataOnly:
			ops = append(ops, Operation{CommentColumn: &CommentColumnOp{
				Database: db, Table: u.After.Name, Column: v.Column.Name, Comment: v.Comment,
			}})
		}
	}
	return ops, nil
}

// Statements renders an operation to its DDL. The default database applies
// when the operation has none recorded.
func (op Operation) Statements(defaultDB string) ([]string, error) {
	switch {
	case op.CreateTable != nil:
		t, err := tableFromWireMap(op.CreateTable.Table)
		if err != nil {
			return nil, err
		}
		sql, err := olap.CreateTableSQL(t, defaultDB)
		if err != nil {
			return nil, err
		}
		return []string{sql}, nil
	case op.DropTable != nil:
		t := refTable(op.DropTable.Database, op.DropTable.Table)
		if op.DropTable.Cluster != "" {
			c := op.DropTable.Cluster
			t.ClusterName = &c
		}
		return []string{olap.DropTableSQL(t, defaultDB)}, nil
	case op.AddColumn != nil:
		col, err := columnFromWireMap(op.AddColumn.Column)
		if err != nil {
			return nil, err
		}
		return olap.AlterTableSQL(diff.TableUpdated{
			After: refTable(op.AddColumn.Database, op.AddColumn.Table),
			ColumnChanges: []diff.ColumnChange{
				diff.ColumnAdded{Column: col, PositionAfter: op.AddColumn.AfterColumn},
			},
		}, defaultDB)
	case op.DropColumn != nil:
		return olap.AlterTableSQL(diff.TableUpdated{
			After:         refTable(op.DropColumn.Database, op.DropColumn.Table),
			ColumnChanges: []diff.ColumnChange{diff.ColumnRemoved{Name: op.DropColumn.Column}},
		}, defaultDB)
	case op.ModifyColumn != nil:
		col, err := columnFromWireMap(op.ModifyColumn.Column)
		if err != nil {
			return nil, err
		}
		return olap.AlterTableSQL(diff.TableUpdated{
			After:         refTable(op.ModifyColumn.Database, op.ModifyColumn.Table),
			ColumnChanges: []diff.ColumnChange{diff.ColumnUpdated{Before: col, After: col}},
		}, defaultDB)
	case op.RenameColumn != nil:
		t := refTable(op.RenameColumn.Database, op.RenameColumn.Table)
		return []string{olap.RenameColumnSQL(t, defaultDB, op.RenameColumn.From, op.RenameColumn.To)}, nil
	case op.CommentColumn != nil:
		return olap.AlterTableSQL(diff.TableUpdated{
			After: refTable(op.CommentColumn.Database, op.CommentColumn.Table),
			ColumnChanges: []diff.ColumnChange{diff.EnumMetadataOnly{
				Column:  schema.Column{Name: op.CommentColumn.Column},
				Comment: op.CommentColumn.Comment,
			}},
		}, defaultDB)
	case op.ModifyTTL != nil:
		return []string{olap.ModifyTTLSQL(diff.TableTtlChanged{
			Table: refTable(op.ModifyTTL.Database, op.ModifyTTL.Table),
			After: op.ModifyTTL.TTL,
		}, defaultDB)}, nil
	case op.ModifySettings != nil:
		before := map[string]string{}
		for _, k := range op.ModifySettings.Reset {
			before[k] = ""
		}
		return olap.ModifySettingsSQL(diff.TableSettingsChanged{
			Table:  refTable(op.ModifySettings.Database, op.ModifySettings.Table),
			Before: before,
			After:  op.ModifySettings.Set,
		}, defaultDB), nil
	case op.CreateView != nil:
		v, err := viewFromWireMap(op.CreateView.View)
		if err != nil {
			return nil, err
		}
		return []string{olap.CreateMaterializedViewSQL(v, defaultDB)}, nil
	case op.PopulateView != nil:
		v, err := viewFromWireMap(op.PopulateView.View)
		if err != nil {
			return nil, err
		}
		return []string{olap.PopulateViewSQL(v, defaultDB)}, nil
	case op.DropView != nil:
		db := op.DropView.Database
		v := &infra.MaterializedView{Name: op.DropView.Name}
		if db != "" {
			v.Database = &db
		}
		return []string{olap.DropViewSQL(v, defaultDB)}, nil
	case op.RawSQL != nil:
		return op.RawSQL.SQL, nil
	}
	return nil, fmt.Errorf("empty migration operation")
}

// Describe names the operation for progress and failure messages.
func (op Operation) Describe() string {
	switch {
	case op.CreateTable != nil:
		name, _ := op.CreateTable.Table["name"].(string)
		return "create table " + name
	case op.DropTable != nil:
		return "drop table " + op.DropTable.Table
	case op.AddColumn != nil:
		name, _ := op.AddColumn.Column["name"].(string)
		return fmt.Sprintf("add column %s to %s", name, op.AddColumn.Table)
	case op.DropColumn != nil:
		return fmt.Sprintf("drop column %s from %s", op.DropColumn.Column, op.DropColumn.Table)
	case op.ModifyColumn != nil:
		name, _ := op.ModifyColumn.Column["name"].(string)
		return fmt.Sprintf("modify column %s on %s", name, op.ModifyColumn.Table)
	case op.RenameColumn != nil:
		return fmt.Sprintf("rename column %s to %s on %s", op.RenameColumn.From, op.RenameColumn.To, op.RenameColumn.Table)
	case op.CommentColumn != nil:
		return fmt.Sprintf("comment column %s on %s", op.CommentColumn.Column, op.CommentColumn.Table)
	case op.ModifyTTL != nil:
		return "modify ttl on " + op.ModifyTTL.Table
	case op.ModifySettings != nil:
		return "modify settings on " + op.ModifySettings.Table
	case op.CreateView != nil:
		name, _ := op.CreateView.View["name"].(string)
		return "create materialized view " + name
	case op.PopulateView != nil:
		name, _ := op.PopulateView.View["name"].(string)
		return "populate materialized view " + name
	case op.DropView != nil:
		return "drop materialized view " + op.DropView.Name
	case op.RawSQL != nil:
		if op.RawSQL.Description != "" {
			return op.RawSQL.Description
		}
		return "raw sql"
	}
	return "empty operation"
}

// Placement reports the database and cluster the operation touches, for
// config validation. Empty strings mean the default.
func (op Operation) Placement() (database, cluster string) {
	switch {
	case op.CreateTable != nil:
		database, _ = op.CreateTable.Table["database"].(string)
		cluster, _ = op.CreateTable.Table["clusterName"].(string)
	case op.DropTable != nil:
		return op.DropTable.Database, op.DropTable.Cluster
	case op.AddColumn != nil:
		return op.AddColumn.Database, ""
	case op.DropColumn != nil:
		return op.DropColumn.Database, ""
	case op.ModifyColumn != nil:
		return op.ModifyColumn.Database, ""
	case op.RenameColumn != nil:
		return op.RenameColumn.Database, ""
	case op.CommentColumn != nil:
		return op.CommentColumn.Database, ""
	case op.ModifyTTL != nil:
		return op.ModifyTTL.Database, ""
	case op.ModifySettings != nil:
		return op.ModifySettings.Database, ""
	case op.CreateView != nil:
		database, _ = op.CreateView.View["database"].(string)
	case op.PopulateView != nil:
		database, _ = op.PopulateView.View["targetDatabase"].(string)
	case op.DropView != nil:
		return op.DropView.Database, ""
	}
	return database, cluster
}

// toWireMap converts a resource to its JSON wire form as a generic map.
func toWireMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func fromWireMap(m map[string]any, into any) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, into)
}

func tableFromWireMap(m map[string]any) (*infra.Table, error) {
	var t infra.Table
	if err := fromWireMap(m, &t); err != nil {
		return nil, fmt.Errorf("invalid table in migration plan: %w", err)
	}
	return &t, nil
}

func columnFromWireMap(m map[string]any) (schema.Column, error) {
	var c schema.Column
	if err := fromWireMap(m, &c); err != nil {
		return schema.Column{}, fmt.Errorf("invalid column in migration plan: %w", err)
	}
	return c, nil
}

func viewFromWireMap(m map[string]any) (*infra.MaterializedView, error) {
	var v infra.MaterializedView
	if err := fromWireMap(m, &v); err != nil {
		return nil, fmt.Errorf("invalid materialized view in migration plan: %w", err)
	}
	return &v, nil
}

func refTable(database, name string) *infra.Table {
	t := &infra.Table{Name: name}
	if database != "" {
		t.Database = &database
	}
	return t
}

// WriteFiles persists the three migration artifacts plus the editor schema.
// A file lock around the writes keeps concurrent generate runs from
// interleaving partial files.
func WriteFiles(p *config.Project, plan *Plan, before, after *infra.Map) error {
	lock := flock.New(filepath.Join(p.Root, "."+MigrationFile+".lock"))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking migration files: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	planData, err := yaml.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encoding migration plan: %w", err)
	}
	beforeData, err := before.ToJSON()
	if err != nil {
		return err
	}
	afterData, err := after.ToJSON()
	if err != nil {
		return err
	}
	for _, f := range []struct {
		name string
		data []byte
	}{
		{MigrationFile, planData},
		{BeforeStateFile, beforeData},
		{AfterStateFile, afterData},
	} {
		if err := os.WriteFile(filepath.Join(p.Root, f.name), f.data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", f.name, err)
		}
	}
	if err := WriteSchema(p); err != nil {
		return err
	}
	return nil
}

// WriteSchema writes the editor-support schema for migration.yaml under the
// project's .moose directory.
func WriteSchema(p *config.Project) error {
	path, err := p.InternalPath(SchemaFile)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(planSchemaJSON), 0o644)
}

// ReadFiles loads the three artifacts from the project root.
func ReadFiles(p *config.Project) (*Plan, *infra.Map, *infra.Map, error) {
	planData, err := os.ReadFile(filepath.Join(p.Root, MigrationFile))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("reading %s: %w", MigrationFile, err)
	}
	var plan Plan
	if err := yaml.Unmarshal(planData, &plan); err != nil {
		return nil, nil, nil, fmt.Errorf("parsing %s: %w", MigrationFile, err)
	}
	before, err := readStateFile(p, BeforeStateFile)
	if err != nil {
		return nil, nil, nil, err
	}
	after, err := readStateFile(p, AfterStateFile)
	if err != nil {
		return nil, nil, nil, err
	}
	return &plan, before, after, nil
}

func readStateFile(p *config.Project, name string) (*infra.Map, error) {
	data, err := os.ReadFile(filepath.Join(p.Root, name))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	m, err := infra.FromJSON(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", name, err)
	}
	if m.DefaultDatabase == "" {
		m.DefaultDatabase = p.ClickHouse.DBName
	}
	return m, nil
}

// planSchemaJSON is a minimal JSON schema for migration.yaml, written next
// to the plan for editor completion.
const planSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "Migration plan",
  "type": "object",
  "required": ["operations"],
  "properties": {
    "created_at": {"type": "string", "format": "date-time"},
    "operations": {
      "type": "array",
      "items": {
        "type": "object",
        "minProperties": 1,
        "maxProperties": 1,
        "properties": {
          "create_table": {"type": "object"},
          "drop_table": {"type": "object"},
          "add_table_column": {"type": "object"},
          "drop_table_column": {"type": "object"},
          "modify_table_column": {"type": "object"},
          "rename_table_column": {"type": "object"},
          "comment_table_column": {"type": "object"},
          "modify_table_ttl": {"type": "object"},
          "modify_table_settings": {"type": "object"},
          "create_materialized_view": {"type": "object"},
          "drop_materialized_view": {"type": "object"},
          "populate_materialized_view": {"type": "object"},
          "raw_sql": {"type": "object"}
        },
        "additionalProperties": false
      }
    }
  }
}`
