package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/514-labs/moosestack-sub001/internal/config"
	"github.com/514-labs/moosestack-sub001/internal/diff"
	"github.com/514-labs/moosestack-sub001/internal/infra"
	"github.com/514-labs/moosestack-sub001/internal/routine"
)

// ErrOlapDisabledButRequired rejects plans that need OLAP work while the
// feature is off.
var ErrOlapDisabledButRequired = fmt.Errorf("plan requires OLAP changes but the OLAP feature is disabled")

// Validate runs the structural checks on a computed plan: feature gating,
// reference resolution, MV dependency cycles, and that every database and
// cluster the plan touches is declared in config. Findings are aggregated so
// the user sees everything at once.
func Validate(changes *diff.InfraChanges, target *infra.Map, cfg *config.Project) error {
	if !cfg.Features.OlapEnabled && !changes.OlapIsEmpty() && len(target.Tables) > 0 {
		return routine.Wrap("Plan validation failed",
			"enable the OLAP feature or remove OLAP resources from the code",
			ErrOlapDisabledButRequired)
	}

	var problems []string

	if err := target.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	problems = append(problems, viewCycles(target)...)
	problems = append(problems, undeclaredPlacements(target, cfg)...)

	for _, c := range changes.Tables {
		if v, ok := c.(diff.TableValidationError); ok {
			problems = append(problems, fmt.Sprintf("table %s: %s", v.ID, v.Message))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return routine.Newf("Plan validation failed", "%d problem(s):\n  - %s",
		len(problems), strings.Join(problems, "\n  - "))
}

// viewCycles detects circular depends_on chains between refreshable views.
func viewCycles(m *infra.Map) []string {
	const (
		unvisited = iota
		visiting
		done
	)
	states := map[string]int{}
	var problems []string

	var visit func(id string, path []string)
	visit = func(id string, path []string) {
		switch states[id] {
		case visiting:
			problems = append(problems, fmt.Sprintf(
				"circular materialized-view dependency: %s", strings.Join(append(path, id), " -> ")))
			return
		case done:
			return
		}
		states[id] = visiting
		if v, ok := m.Views[id]; ok && v.RefreshConfig != nil {
			deps := append([]string(nil), v.RefreshConfig.DependsOn...)
			sort.Strings(deps)
			for _, dep := range deps {
				visit(dep, append(path, id))
			}
		}
		states[id] = done
	}

	ids := make([]string, 0, len(m.Views))
	for id := range m.Views {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		visit(id, nil)
	}
	return problems
}

// undeclaredPlacements collects databases and clusters the target references
// without a matching config declaration, phrased as what to add.
func undeclaredPlacements(m *infra.Map, cfg *config.Project) []string {
	missingDBs := map[string]bool{}
	missingClusters := map[string]bool{}

	for _, t := range m.Tables {
		if t.Database != nil && *t.Database != "" && !cfg.HasDatabase(*t.Database) {
			missingDBs[*t.Database] = true
		}
		if t.ClusterName != nil && *t.ClusterName != "" && !cfg.HasCluster(*t.ClusterName) {
			missingClusters[*t.ClusterName] = true
		}
	}
	for _, v := range m.Views {
		if v.Database != nil && *v.Database != "" && !cfg.HasDatabase(*v.Database) {
			missingDBs[*v.Database] = true
		}
		if v.TargetDatabase != nil && *v.TargetDatabase != "" && !cfg.HasDatabase(*v.TargetDatabase) {
			missingDBs[*v.TargetDatabase] = true
		}
	}

	var problems []string
	if len(missingDBs) > 0 {
		problems = append(problems, fmt.Sprintf(
			"databases %s are not declared; add them to clickhouse_config.additional_databases in %s",
			strings.Join(sortedSetKeys(missingDBs), ", "), config.ConfigFileName))
	}
	if len(missingClusters) > 0 {
		problems = append(problems, fmt.Sprintf(
			"clusters %s are not declared; add them to clickhouse_config.clusters in %s",
			strings.Join(sortedSetKeys(missingClusters), ", "), config.ConfigFileName))
	}
	return problems
}

func sortedSetKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
