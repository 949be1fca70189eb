package diff

import (
	"fmt"
	"sort"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/samber/lo"

	"github.com/514-labs/moosestack-sub001/internal/infra"
)

// IgnoreOps suppresses classes of operations during comparison. The matching
// attributes are normalized away on both sides before equality, so an ignored
// difference produces no change record at all.
type IgnoreOps struct {
	TableTTL       bool
	ColumnTTL      bool
	PartitionBy    bool
	ColumnComments bool
	TableSettings  bool
}

// ParseIgnoreOps maps the config spellings onto the flag set. Unknown names
// error so typos fail loudly instead of silently diffing everything.
func ParseIgnoreOps(names []string) (IgnoreOps, error) {
	var ops IgnoreOps
	for _, name := range names {
		switch name {
		case "table_ttl":
			ops.TableTTL = true
		case "column_ttl":
			ops.ColumnTTL = true
		case "partition_by":
			ops.PartitionBy = true
		case "column_comments":
			ops.ColumnComments = true
		case "table_settings":
			ops.TableSettings = true
		default:
			return IgnoreOps{}, fmt.Errorf("unknown ignore operation %q", name)
		}
	}
	return ops, nil
}

// Options configures a diff run.
type Options struct {
	// RespectLifeCycle filters destructive changes for protected resources.
	// The planner always sets this; tests may disable it to see raw diffs.
	RespectLifeCycle bool
	Ignore           IgnoreOps
	// Tables delegates table-update classification. Defaults to the
	// ClickHouse strategy.
	Tables TableDiffStrategy
}

// Diff computes the ordered change set that converges current onto target.
// Both maps must share a default database.
func Diff(current, target *infra.Map, opts Options) (*InfraChanges, error) {
	if opts.Tables == nil {
		opts.Tables = ClickHouseTableDiff{}
	}
	changes := &InfraChanges{}

	if err := diffTables(changes, current, target, opts); err != nil {
		return nil, err
	}
	changes.Views = diffGeneric(current.Views, target.Views, opts.RespectLifeCycle,
		func(v *infra.MaterializedView) string { return v.LifeCycle })
	changes.SqlResources = diffGeneric(current.SqlResources, target.SqlResources, false, nil)
	changes.Topics = diffGeneric(current.Topics, target.Topics, opts.RespectLifeCycle,
		func(t *infra.Topic) string { return t.LifeCycle })
	changes.SyncProcesses = diffGeneric(current.TopicSyncProcesses, target.TopicSyncProcesses, false, nil)
	changes.ApiEndpoints = diffGeneric(current.ApiEndpoints, target.ApiEndpoints, false, nil)
	changes.WebApps = diffGeneric(current.WebApps, target.WebApps, false, nil)
	changes.Workflows = diffGeneric(current.Workflows, target.Workflows, false, nil)

	orderViewChanges(changes, target)
	return changes, nil
}

func diffTables(changes *InfraChanges, current, target *infra.Map, opts Options) error {
	currentIDs := lo.Keys(current.Tables)
	targetIDs := lo.Keys(target.Tables)
	added := lo.Without(targetIDs, currentIDs...)
	removed := lo.Without(currentIDs, targetIDs...)
	common := lo.Intersect(currentIDs, targetIDs)
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(common)

	// Creates first so dependents of new tables never race their drops.
	for _, id := range added {
		t := target.Tables[id]
		if opts.RespectLifeCycle && t.LifeCycle == infra.ExternallyManaged {
			continue
		}
		if err := t.Validate(); err != nil {
			changes.Tables = append(changes.Tables, TableValidationError{ID: id, Table: t, Message: err.Error()})
			continue
		}
		changes.Tables = append(changes.Tables, TableAdded{ID: id, Table: t})
	}

	for _, id := range common {
		before, after := current.Tables[id], target.Tables[id]
		if opts.RespectLifeCycle && after.LifeCycle == infra.ExternallyManaged {
			continue
		}
		if err := after.Validate(); err != nil {
			changes.Tables = append(changes.Tables, TableValidationError{ID: id, Table: after, Message: err.Error()})
			continue
		}
		normBefore := normalizeTable(before, opts.Ignore)
		normAfter := normalizeTable(after, opts.Ignore)
		tableChanges := opts.Tables.DiffTableUpdate(id, before, after, normBefore, normAfter)
		if opts.RespectLifeCycle && after.LifeCycle == infra.DeletionProtected {
			tableChanges = blockRecreates(id, after, tableChanges)
		}
		changes.Tables = append(changes.Tables, tableChanges...)
	}

	for _, id := range removed {
		t := current.Tables[id]
		if opts.RespectLifeCycle && t.LifeCycle != infra.FullyManaged {
			continue
		}
		changes.Tables = append(changes.Tables, TableRemoved{ID: id, Table: t})
	}
	return nil
}

// blockRecreates turns a drop+recreate pair into a validation error for
// deletion-protected tables. In-place alters pass through untouched.
func blockRecreates(id string, t *infra.Table, in []TableChange) []TableChange {
	recreate := false
	for _, c := range in {
		if _, ok := c.(TableRemoved); ok {
			recreate = true
		}
	}
	if !recreate {
		return in
	}
	return []TableChange{TableValidationError{
		ID:      id,
		Table:   t,
		Message: "change requires drop and recreate, blocked by DELETION_PROTECTED life cycle",
	}}
}

// normalizeTable returns a comparison copy with ignored attributes cleared on
// both sides.
func normalizeTable(t *infra.Table, ignore IgnoreOps) *infra.Table {
	c := *t
	if ignore.TableTTL {
		c.TableTTL = nil
	}
	if ignore.PartitionBy {
		c.PartitionBy = nil
	}
	if ignore.TableSettings {
		c.TableSettings = nil
	}
	if ignore.ColumnTTL || ignore.ColumnComments {
		c.Columns = append(c.Columns[:0:0], c.Columns...)
		for i := range c.Columns {
			if ignore.ColumnTTL {
				c.Columns[i].TTL = nil
			}
			if ignore.ColumnComments {
				c.Columns[i].Comment = nil
			}
		}
	}
	return &c
}

// diffGeneric computes create/update/delete records for a resource domain.
// Updates are detected by structural hash, so new fields participate without
// per-domain equality code.
func diffGeneric[T any](current, target map[string]*T, respectLifeCycle bool, lifeCycle func(*T) string) []Change[T] {
	currentIDs := lo.Keys(current)
	targetIDs := lo.Keys(target)
	added := lo.Without(targetIDs, currentIDs...)
	removed := lo.Without(currentIDs, targetIDs...)
	common := lo.Intersect(currentIDs, targetIDs)
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(common)

	managed := func(r *T) bool {
		if !respectLifeCycle || lifeCycle == nil {
			return true
		}
		return infra.LifeCycleFromString(lifeCycle(r)) != infra.ExternallyManaged
	}
	droppable := func(r *T) bool {
		if !respectLifeCycle || lifeCycle == nil {
			return true
		}
		return infra.LifeCycleFromString(lifeCycle(r)) == infra.FullyManaged
	}

	var out []Change[T]
	// Deletes first; the executor tears down before it builds.
	for _, id := range removed {
		if droppable(current[id]) {
			out = append(out, Change[T]{Action: ActionDelete, ID: id, Before: current[id]})
		}
	}
	for _, id := range common {
		if !managed(target[id]) {
			continue
		}
		if !structurallyEqual(current[id], target[id]) {
			out = append(out, Change[T]{Action: ActionUpdate, ID: id, Before: current[id], After: target[id]})
		}
	}
	for _, id := range added {
		if managed(target[id]) {
			out = append(out, Change[T]{Action: ActionCreate, ID: id, After: target[id]})
		}
	}
	return out
}

func structurallyEqual(a, b any) bool {
	ha, errA := hashstructure.Hash(a, hashstructure.FormatV2, nil)
	hb, errB := hashstructure.Hash(b, hashstructure.FormatV2, nil)
	if errA != nil || errB != nil {
		return false
	}
	return ha == hb
}
