// Package infra models the infrastructure map: the addressable catalog of
// every resource the framework manages, with stable IDs, data-lineage edges
// and a version-stable wire form.
package infra

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/514-labs/moosestack-sub001/internal/schema"
)

// LifeCycle is the per-resource policy governing how aggressively the
// planner may mutate it.
type LifeCycle int

const (
	// FullyManaged resources are created, altered and dropped freely.
	FullyManaged LifeCycle = iota
	// DeletionProtected resources are never dropped; mutations still apply.
	DeletionProtected
	// ExternallyManaged resources are only read; the planner never emits
	// changes for them.
	ExternallyManaged
)

func (l LifeCycle) String() string {
	switch l {
	case DeletionProtected:
		return "DELETION_PROTECTED"
	case ExternallyManaged:
		return "EXTERNALLY_MANAGED"
	default:
		return "FULLY_MANAGED"
	}
}

// LifeCycleFromString maps the wire spelling back; unknown values default to
// FullyManaged for forward compatibility.
func LifeCycleFromString(s string) LifeCycle {
	switch s {
	case "DELETION_PROTECTED":
		return DeletionProtected
	case "EXTERNALLY_MANAGED":
		return ExternallyManaged
	default:
		return FullyManaged
	}
}

// OrderBy is either an explicit field list or a free-form expression.
type OrderBy struct {
	Fields     []string `json:"fields,omitempty"`
	Expression *string  `json:"expression,omitempty"`
}

// IsEmpty reports whether nothing was declared.
func (o OrderBy) IsEmpty() bool {
	return len(o.Fields) == 0 && (o.Expression == nil || *o.Expression == "")
}

// Render produces the ORDER BY clause body. An empty order-by renders
// tuple(), which is what ClickHouse requires for MergeTree without ordering.
func (o OrderBy) Render() string {
	if o.Expression != nil && *o.Expression != "" {
		return *o.Expression
	}
	if len(o.Fields) == 0 {
		return "tuple()"
	}
	quoted := make([]string, 0, len(o.Fields))
	for _, f := range o.Fields {
		quoted = append(quoted, schema.QuoteIdent(f))
	}
	return "(" + strings.Join(quoted, ", ") + ")"
}

// Equal compares rendered forms so (`id`) and expression "(`id`)" match.
func (o OrderBy) Equal(other OrderBy) bool {
	return o.Render() == other.Render()
}

// TableIndex is a secondary (data-skipping) index.
type TableIndex struct {
	Name        string   `json:"name"`
	Expression  string   `json:"expression"`
	Type        string   `json:"type"`
	Arguments   []string `json:"arguments,omitempty"`
	Granularity int      `json:"granularity,omitempty"`
}

// SourcePrimitive names the user-code declaration a resource derives from.
type SourcePrimitive struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Metadata carries display information; it never participates in diffs.
type Metadata struct {
	Description string `json:"description,omitempty"`
	SourceFile  string `json:"sourceFile,omitempty"`
}

// Table is one managed OLAP table.
type Table struct {
	Name        string
	Database    *string
	Columns     []schema.Column
	OrderBy     OrderBy
	PartitionBy *string
	SampleBy    *string
	TableTTL    *string
	ClusterName *string
	Indexes     []TableIndex
	Engine      schema.Engine
	// Version is a dotted version string; embedded in the stable ID as the
	// a_b_c suffix when non-empty.
	Version string
	Source   SourcePrimitive
	Metadata Metadata
	LifeCycle LifeCycle
	// EngineParamsHash is the stored hash over the engine's non-alterable
	// parameters plus database. Kept verbatim through reconciliation because
	// introspected DDL redacts credentials.
	EngineParamsHash string
	TableSettings    map[string]string
}

// VersionSuffix converts "1.2.3" to "1_2_3" for ID embedding.
func VersionSuffix(version string) string {
	return strings.ReplaceAll(version, ".", "_")
}

// ID computes the stable identity of the table.
//
// The rule is stability-preserving and must not change: when the table name
// itself is fully qualified ("db.name", the legacy spelling) the database
// prefix is NOT prepended, so maps written before the database field existed
// keep their IDs.
func (t *Table) ID(defaultDatabase string) string {
	db := defaultDatabase
	if t.Database != nil && *t.Database != "" {
		db = *t.Database
	}
	base := t.Name
	if !strings.Contains(t.Name, ".") {
		base = db + "_" + t.Name
	}
	if t.Version != "" {
		return base + "_" + VersionSuffix(t.Version)
	}
	return base
}

// DatabaseOr returns the explicit database or the fallback.
func (t *Table) DatabaseOr(def string) string {
	if t.Database != nil && *t.Database != "" {
		return *t.Database
	}
	return def
}

// QualifiedName renders `db`.`name` for DDL.
func (t *Table) QualifiedName(defaultDatabase string) string {
	return schema.QuoteIdent(t.DatabaseOr(defaultDatabase)) + "." + schema.QuoteIdent(t.Name)
}

// PrimaryKeyColumns returns the names of the primary-key columns in order.
func (t *Table) PrimaryKeyColumns() []string {
	var out []string
	for i := range t.Columns {
		if t.Columns[i].PrimaryKey {
			out = append(out, t.Columns[i].Name)
		}
	}
	return out
}

// Validate enforces table-level invariants.
func (t *Table) Validate() error {
	for i := range t.Columns {
		if err := t.Columns[i].Validate(); err != nil {
			return fmt.Errorf("table %s: %w", t.Name, err)
		}
	}
	if _, ok := t.Engine.(schema.ReplacingMergeTreeEngine); ok {
		if t.OrderBy.IsEmpty() && len(t.PrimaryKeyColumns()) == 0 {
			return fmt.Errorf("table %s: ReplacingMergeTree requires a non-empty ORDER BY", t.Name)
		}
	}
	return nil
}

// tableWire is the JSON wire shape. The engine is persisted as its
// proto-string (credentials stripped); the stored params hash carries
// engine identity across the redaction.
type tableWire struct {
	Name             string            `json:"name"`
	Database         *string           `json:"database,omitempty"`
	Columns          []schema.Column   `json:"columns"`
	OrderBy          OrderBy           `json:"orderBy"`
	PartitionBy      *string           `json:"partitionBy,omitempty"`
	SampleBy         *string           `json:"sampleBy,omitempty"`
	TableTTL         *string           `json:"ttl,omitempty"`
	ClusterName      *string           `json:"clusterName,omitempty"`
	Indexes          []TableIndex      `json:"indexes,omitempty"`
	Engine           string            `json:"engine"`
	Version          string            `json:"version,omitempty"`
	Source           SourcePrimitive   `json:"sourcePrimitive"`
	Metadata         Metadata          `json:"metadata"`
	LifeCycle        string            `json:"lifeCycle"`
	EngineParamsHash string            `json:"engineParamsHash,omitempty"`
	TableSettings    map[string]string `json:"tableSettings,omitempty"`
}

// MarshalJSON emits the camelCase wire form.
func (t Table) MarshalJSON() ([]byte, error) {
	engine := ""
	if t.Engine != nil {
		engine = t.Engine.ProtoString()
	}
	return json.Marshal(tableWire{
		Name:             t.Name,
		Database:         t.Database,
		Columns:          t.Columns,
		OrderBy:          t.OrderBy,
		PartitionBy:      t.PartitionBy,
		SampleBy:         t.SampleBy,
		TableTTL:         t.TableTTL,
		ClusterName:      t.ClusterName,
		Indexes:          t.Indexes,
		Engine:           engine,
		Version:          t.Version,
		Source:           t.Source,
		Metadata:         t.Metadata,
		LifeCycle:        t.LifeCycle.String(),
		EngineParamsHash: t.EngineParamsHash,
		TableSettings:    t.TableSettings,
	})
}

// UnmarshalJSON accepts the camelCase wire form plus the legacy snake_case
// field spellings older maps used.
func (t *Table) UnmarshalJSON(data []byte) error {
	// Legacy readers: lift snake_case keys to camelCase before decoding.
	normalized, err := normalizeKeys(data, map[string]string{
		"order_by":           "orderBy",
		"partition_by":       "partitionBy",
		"sample_by":          "sampleBy",
		"cluster_name":       "clusterName",
		"source_primitive":   "sourcePrimitive",
		"life_cycle":         "lifeCycle",
		"engine_params_hash": "engineParamsHash",
		"table_settings":     "tableSettings",
	})
	if err != nil {
		return err
	}
	var w tableWire
	if err := json.Unmarshal(normalized, &w); err != nil {
		return err
	}
	var engine schema.Engine
	if w.Engine != "" {
		engine, err = schema.ParseEngine(w.Engine)
		if err != nil {
			return fmt.Errorf("table %s: %w", w.Name, err)
		}
	} else {
		engine = schema.MergeTreeEngine{}
	}
	*t = Table{
		Name:             w.Name,
		Database:         w.Database,
		Columns:          w.Columns,
		OrderBy:          w.OrderBy,
		PartitionBy:      w.PartitionBy,
		SampleBy:         w.SampleBy,
		TableTTL:         w.TableTTL,
		ClusterName:      w.ClusterName,
		Indexes:          w.Indexes,
		Engine:           engine,
		Version:          w.Version,
		Source:           w.Source,
		Metadata:         w.Metadata,
		LifeCycle:        LifeCycleFromString(w.LifeCycle),
		EngineParamsHash: w.EngineParamsHash,
		TableSettings:    w.TableSettings,
	}
	return nil
}

// normalizeKeys rewrites top-level legacy keys in a JSON object.
func normalizeKeys(data []byte, aliases map[string]string) ([]byte, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	changed := false
	for legacy, current := range aliases {
		if v, ok := raw[legacy]; ok {
			if _, exists := raw[current]; !exists {
				raw[current] = v
			}
			delete(raw, legacy)
			changed = true
		}
	}
	if !changed {
		return data, nil
	}
	return json.Marshal(raw)
}
