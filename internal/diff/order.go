package diff

import (
	"sort"

	"github.com/514-labs/moosestack-sub001/internal/infra"
)

// orderViewChanges arranges view and SQL-resource changes for execution:
// deletes first (dependents before what they read), then updates, then
// creates in dependency order. Tables always execute before either domain,
// so only same-domain edges participate here. Ties break on ID so the same
// maps always produce the same plan.
func orderViewChanges(changes *InfraChanges, target *infra.Map) {
	viewDeps := func(v *infra.MaterializedView) []string {
		var deps []string
		for _, src := range v.SourceTables {
			if _, ok := target.Views[src]; ok {
				deps = append(deps, src)
			}
		}
		if v.RefreshConfig != nil {
			deps = append(deps, v.RefreshConfig.DependsOn...)
		}
		return deps
	}
	changes.Views = orderDomain(changes.Views, viewDeps)

	sqlDeps := func(r *infra.SqlResource) []string {
		var deps []string
		for _, ref := range r.PullsFrom {
			if ref.Kind == "SqlResource" {
				deps = append(deps, ref.Name)
			}
		}
		return deps
	}
	changes.SqlResources = orderDomain(changes.SqlResources, sqlDeps)
}

func orderDomain[T any](in []Change[T], deps func(*T) []string) []Change[T] {
	var deletes, updates, creates []Change[T]
	for _, c := range in {
		switch c.Action {
		case ActionDelete:
			deletes = append(deletes, c)
		case ActionUpdate:
			updates = append(updates, c)
		default:
			creates = append(creates, c)
		}
	}
	deletes = topoOrder(deletes, func(c Change[T]) []string { return deps(c.Before) }, true)
	updates = topoOrder(updates, func(c Change[T]) []string { return deps(c.After) }, false)
	creates = topoOrder(creates, func(c Change[T]) []string { return deps(c.After) }, false)

	out := make([]Change[T], 0, len(in))
	out = append(out, deletes...)
	out = append(out, updates...)
	out = append(out, creates...)
	return out
}

// topoOrder is Kahn's algorithm restricted to edges inside the change list,
// with the ready set kept sorted for determinism. On a cycle it falls back to
// plain ID order; plan validation reports the cycle to the user separately.
func topoOrder[T any](in []Change[T], deps func(Change[T]) []string, reverse bool) []Change[T] {
	if len(in) < 2 {
		return in
	}
	byID := make(map[string]Change[T], len(in))
	ids := make([]string, 0, len(in))
	for _, c := range in {
		byID[c.ID] = c
		ids = append(ids, c.ID)
	}
	sort.Strings(ids)

	indegree := make(map[string]int, len(ids))
	dependents := make(map[string][]string)
	for _, id := range ids {
		indegree[id] = 0
	}
	for _, id := range ids {
		for _, d := range deps(byID[id]) {
			if _, inSet := byID[d]; inSet && d != id {
				indegree[id]++
				dependents[d] = append(dependents[d], id)
			}
		}
	}

	var ready, order []string
	for _, id := range ids {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if len(order) != len(ids) {
		order = ids
	}
	if reverse {
		for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
			order[i], order[j] = order[j], order[i]
		}
	}
	out := make([]Change[T], 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}
