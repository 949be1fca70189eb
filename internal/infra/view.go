package infra

import (
	"strings"

	"github.com/514-labs/moosestack-sub001/internal/schema"
)

// RefreshKind selects how a refreshable view's interval is anchored.
type RefreshKind string

const (
	// RefreshEvery schedules at fixed wall-clock intervals.
	RefreshEvery RefreshKind = "EVERY"
	// RefreshAfter schedules relative to the previous refresh completion.
	RefreshAfter RefreshKind = "AFTER"
)

// RefreshConfig makes a materialized view refreshable. When nil the view is
// incremental: inserts into its source tables trigger recomputation.
type RefreshConfig struct {
	Kind    RefreshKind `json:"kind"`
	Seconds int         `json:"seconds"`
	// OffsetSeconds shifts the schedule inside the interval.
	OffsetSeconds *int `json:"offsetSeconds,omitempty"`
	// RandomizeSeconds spreads refreshes to avoid thundering herds.
	RandomizeSeconds *int `json:"randomizeSeconds,omitempty"`
	// DependsOn lists other refreshable views that must refresh first.
	DependsOn []string `json:"dependsOn,omitempty"`
	// Append inserts instead of replacing the target's contents.
	Append bool `json:"append,omitempty"`
}

// MaterializedView is either incremental (RefreshConfig nil) or refreshable.
// Source tables drive recomputation for incremental views; for refreshable
// views they are recorded for lineage only.
type MaterializedView struct {
	Name           string         `json:"name"`
	Database       *string        `json:"database,omitempty"`
	SelectSQL      string         `json:"selectSql"`
	SourceTables   []string       `json:"sourceTables,omitempty"`
	TargetTable    string         `json:"targetTable"`
	TargetDatabase *string        `json:"targetDatabase,omitempty"`
	Metadata       Metadata       `json:"metadata"`
	LifeCycle      string         `json:"lifeCycle,omitempty"`
	RefreshConfig  *RefreshConfig `json:"refreshConfig,omitempty"`
}

// IsIncremental reports whether inserts into sources trigger this view.
func (v *MaterializedView) IsIncremental() bool { return v.RefreshConfig == nil }

// ID computes the stable identity, mirroring the table ID rule.
func (v *MaterializedView) ID(defaultDatabase string) string {
	db := defaultDatabase
	if v.Database != nil && *v.Database != "" {
		db = *v.Database
	}
	if strings.Contains(v.Name, ".") {
		return v.Name
	}
	return db + "_" + v.Name
}

// DatabaseOr returns the explicit database or the fallback.
func (v *MaterializedView) DatabaseOr(def string) string {
	if v.Database != nil && *v.Database != "" {
		return *v.Database
	}
	return def
}

// TargetDatabaseOr returns the target table's database or the fallback.
func (v *MaterializedView) TargetDatabaseOr(def string) string {
	if v.TargetDatabase != nil && *v.TargetDatabase != "" {
		return *v.TargetDatabase
	}
	return def
}

// TargetTableID is the stable ID of the table the view writes into.
func (v *MaterializedView) TargetTableID(defaultDatabase string) string {
	if strings.Contains(v.TargetTable, ".") {
		return v.TargetTable
	}
	return v.TargetDatabaseOr(defaultDatabase) + "_" + v.TargetTable
}

// QualifiedName renders `db`.`name` for DDL.
func (v *MaterializedView) QualifiedName(defaultDatabase string) string {
	return schema.QuoteIdent(v.DatabaseOr(defaultDatabase)) + "." + schema.QuoteIdent(v.Name)
}

// QualifiedTarget renders the write target for DDL.
func (v *MaterializedView) QualifiedTarget(defaultDatabase string) string {
	return schema.QuoteIdent(v.TargetDatabaseOr(defaultDatabase)) + "." + schema.QuoteIdent(v.TargetTable)
}
