// Package diff computes the ordered, typed change set between two
// infrastructure maps. Changes carry both sides of every mutation so the
// executor can render exact DDL and the CLI can render human descriptions.
package diff

import (
	"fmt"

	"github.com/514-labs/moosestack-sub001/internal/infra"
	"github.com/514-labs/moosestack-sub001/internal/schema"
)

// Action is the reconcile action taken on a resource.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Change is the generic before/after record used for every domain without
// table-grade structure. Before is set for update/delete, After for
// create/update.
type Change[T any] struct {
	Action Action
	ID     string
	Before *T
	After  *T
}

// ColumnChange is one column-level mutation inside a table update.
type ColumnChange interface {
	isColumnChange()
	Describe() string
}

type (
	// ColumnAdded appends a column, positioned after PositionAfter when set
	// (nil means first).
	ColumnAdded struct {
		Column        schema.Column
		PositionAfter *string
	}
	ColumnRemoved struct{ Name string }
	ColumnUpdated struct{ Before, After schema.Column }
	// EnumMetadataOnly adjusts only the column comment to persist the
	// declared enum shape. It never executes as a type change.
	EnumMetadataOnly struct {
		Column  schema.Column
		Comment string
	}
)

func (ColumnAdded) isColumnChange()      {}
func (ColumnRemoved) isColumnChange()    {}
func (ColumnUpdated) isColumnChange()    {}
func (EnumMetadataOnly) isColumnChange() {}

func (c ColumnAdded) Describe() string {
	if c.PositionAfter != nil {
		return fmt.Sprintf("add column %s after %s", c.Column.Name, *c.PositionAfter)
	}
	return "add column " + c.Column.Name
}
func (c ColumnRemoved) Describe() string { return "drop column " + c.Name }
func (c ColumnUpdated) Describe() string { return "modify column " + c.Before.Name }
func (c EnumMetadataOnly) Describe() string {
	return "comment column " + c.Column.Name + " (enum metadata)"
}

// OrderByChange records an ORDER BY difference. It never reaches the ALTER
// path: the strategy upgrades it to drop+recreate.
type OrderByChange struct {
	Before infra.OrderBy
	After  infra.OrderBy
}

// TableChange is the table-domain change sum.
type TableChange interface {
	isTableChange()
	TableID() string
	Describe() string
}

type (
	TableAdded   struct {
		ID    string
		Table *infra.Table
	}
	TableRemoved struct {
		ID    string
		Table *infra.Table
	}
	TableUpdated struct {
		ID            string
		Before, After *infra.Table
		ColumnChanges []ColumnChange
		OrderByChange *OrderByChange
	}
	TableTtlChanged struct {
		ID            string
		Table         *infra.Table
		Before, After *string
	}
	TableSettingsChanged struct {
		ID            string
		Table         *infra.Table
		Before, After map[string]string
	}
	TableValidationError struct {
		ID      string
		Table   *infra.Table
		Message string
	}
)

func (TableAdded) isTableChange()           {}
func (TableRemoved) isTableChange()         {}
func (TableUpdated) isTableChange()         {}
func (TableTtlChanged) isTableChange()      {}
func (TableSettingsChanged) isTableChange() {}
func (TableValidationError) isTableChange() {}

func (c TableAdded) TableID() string           { return c.ID }
func (c TableRemoved) TableID() string         { return c.ID }
func (c TableUpdated) TableID() string         { return c.ID }
func (c TableTtlChanged) TableID() string      { return c.ID }
func (c TableSettingsChanged) TableID() string { return c.ID }
func (c TableValidationError) TableID() string { return c.ID }

func (c TableAdded) Describe() string   { return "create table " + c.ID }
func (c TableRemoved) Describe() string { return "drop table " + c.ID }
func (c TableUpdated) Describe() string {
	return fmt.Sprintf("alter table %s (%d column changes)", c.ID, len(c.ColumnChanges))
}
func (c TableTtlChanged) Describe() string      { return "modify ttl on " + c.ID }
func (c TableSettingsChanged) Describe() string { return "modify settings on " + c.ID }
func (c TableValidationError) Describe() string { return "invalid table " + c.ID + ": " + c.Message }

// InfraChanges is the full ordered change set, one list per domain. Lists
// are already in execution order when produced by Diff.
type InfraChanges struct {
	Tables        []TableChange
	Views         []Change[infra.MaterializedView]
	SqlResources  []Change[infra.SqlResource]
	Topics        []Change[infra.Topic]
	SyncProcesses []Change[infra.TopicSyncProcess]
	ApiEndpoints  []Change[infra.ApiEndpoint]
	WebApps       []Change[infra.WebApp]
	Workflows     []Change[infra.Workflow]
}

// IsEmpty reports whether the plan contains no changes at all.
func (c *InfraChanges) IsEmpty() bool {
	return len(c.Tables) == 0 && len(c.Views) == 0 && len(c.SqlResources) == 0 &&
		len(c.Topics) == 0 && len(c.SyncProcesses) == 0 && len(c.ApiEndpoints) == 0 &&
		len(c.WebApps) == 0 && len(c.Workflows) == 0
}

// OlapIsEmpty reports whether the OLAP-facing portion is empty.
func (c *InfraChanges) OlapIsEmpty() bool {
	return len(c.Tables) == 0 && len(c.Views) == 0 && len(c.SqlResources) == 0
}

// Count returns the total number of change records.
func (c *InfraChanges) Count() int {
	return len(c.Tables) + len(c.Views) + len(c.SqlResources) + len(c.Topics) +
		len(c.SyncProcesses) + len(c.ApiEndpoints) + len(c.WebApps) + len(c.Workflows)
}

// InfraPlan couples a computed change set with the target map it converges
// to. Persisting the target after a successful apply is part of the plan.
type InfraPlan struct {
	Target  *infra.Map
	Changes InfraChanges
}
