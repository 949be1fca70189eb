package migrate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/514-labs/moosestack-sub001/internal/config"
	"github.com/514-labs/moosestack-sub001/internal/diff"
	"github.com/514-labs/moosestack-sub001/internal/infra"
	"github.com/514-labs/moosestack-sub001/internal/reconcile"
	"github.com/514-labs/moosestack-sub001/internal/routine"
)

// ExecutePlan applies a reviewed migration plan. Before touching the
// database it verifies the live state still matches the plan's recorded
// before-state; a stale plan aborts with a drift report instead of running
// operations against a database they were not computed for.
func (e *Executor) ExecutePlan(ctx context.Context, plan *Plan, before, after *infra.Map) (err error) {
	lock, err := e.acquireLock(ctx)
	if err != nil {
		return routine.Wrap("Could not start migration", "another migration is in progress or the lock backend is unreachable", err)
	}
	defer func() {
		if rerr := lock.Release(context.WithoutCancel(ctx)); rerr != nil {
			e.Log.Warn("failed to release migration lock", zap.Error(rerr))
		}
	}()
	if e.Notifier != nil {
		e.Notifier.MigrationStart(ctx)
		defer e.Notifier.MigrationEnd(context.WithoutCancel(ctx))
	}

	current, err := e.reconciledCurrent(ctx, before, after)
	if err != nil {
		return err
	}

	ignore, err := diff.ParseIgnoreOps(e.Cfg.IgnoreOperations)
	if err != nil {
		return routine.Wrap("Invalid configuration", "olap_config.ignore_operations", err)
	}
	drift := DetectDrift(current, before, after, ignore)
	switch drift.Kind {
	case DriftDetected:
		return driftFailure(drift)
	case AlreadyAtTarget:
		// Another replica (or a manual run) already applied this change; the
		// operations are skipped but the target still becomes the recorded
		// state.
		e.Log.Info("database already at target state, skipping operations",
			zap.Int("skipped", len(plan.Operations)))
		if err := e.Storage.SaveMap(ctx, after); err != nil {
			return routine.Wrap("Could not persist target state", "the database is at target but the stored map is stale", err)
		}
		return nil
	}

	if err := validatePlacements(plan, e.Cfg); err != nil {
		return err
	}

	defaultDB := after.DefaultDatabase
	if defaultDB == "" {
		defaultDB = e.Cfg.ClickHouse.DBName
	}
	type step struct {
		sql  string
		desc string
	}
	var steps []step
	for _, op := range plan.Operations {
		sqls, err := op.Statements(defaultDB)
		if err != nil {
			return routine.Wrap("Could not render DDL", op.Describe(), err)
		}
		for _, sql := range sqls {
			steps = append(steps, step{sql: sql, desc: op.Describe()})
		}
	}
	for i, s := range steps {
		e.Log.Info("applying migration operation",
			zap.Int("step", i+1), zap.Int("total", len(steps)), zap.String("operation", s.desc))
		if err := e.Client.Execute(ctx, s.sql); err != nil {
			return partialFailure(i, len(steps), statement{sql: s.sql, desc: s.desc}, err)
		}
	}

	if err := e.Storage.SaveMap(ctx, after); err != nil {
		return routine.Wrap("Migration applied but state save failed",
			"the next plan will re-reconcile against the live database", err)
	}
	return nil
}

// reconciledCurrent loads live reality on top of the plan's before-state.
// Tables from the after-state are whitelisted so a half-applied or
// externally-applied change shows up as drift rather than being invisible.
func (e *Executor) reconciledCurrent(ctx context.Context, before, after *infra.Map) (*infra.Map, error) {
	whitelist := make(map[string]struct{}, len(after.Tables))
	for id := range after.Tables {
		whitelist[id] = struct{}{}
	}
	current, _, err := reconcile.New(e.Client, e.Cfg, e.Log).Reconcile(ctx, before, whitelist, after)
	if err != nil {
		return nil, routine.Wrap("Could not read live database state", "reality check before migration failed", err)
	}
	return current, nil
}

func driftFailure(d Drift) error {
	var parts []string
	if len(d.Extra) > 0 {
		parts = append(parts, "unexpected tables: "+strings.Join(d.Extra, ", "))
	}
	if len(d.Missing) > 0 {
		parts = append(parts, "missing tables: "+strings.Join(d.Missing, ", "))
	}
	if len(d.Changed) > 0 {
		parts = append(parts, "changed tables: "+strings.Join(d.Changed, ", "))
	}
	f := routine.Newf("Migration aborted: database state has drifted from the plan",
		"%s; regenerate the migration plan against the current database", strings.Join(parts, "; "))
	f.Code = routine.ExitDrift
	return f
}

// validatePlacements checks every database and cluster the plan touches
// against config, aggregated so the user sees all gaps at once.
func validatePlacements(plan *Plan, cfg *config.Project) error {
	missingDBs := map[string]bool{}
	missingClusters := map[string]bool{}
	for _, op := range plan.Operations {
		db, cluster := op.Placement()
		if db != "" && !cfg.HasDatabase(db) {
			missingDBs[db] = true
		}
		if cluster != "" && !cfg.HasCluster(cluster) {
			missingClusters[cluster] = true
		}
	}
	var problems []string
	if len(missingDBs) > 0 {
		problems = append(problems, fmt.Sprintf(
			"databases %s are not declared; add them to clickhouse_config.additional_databases in %s",
			strings.Join(sortedKeys(missingDBs), ", "), config.ConfigFileName))
	}
	if len(missingClusters) > 0 {
		problems = append(problems, fmt.Sprintf(
			"clusters %s are not declared; add them to clickhouse_config.clusters in %s",
			strings.Join(sortedKeys(missingClusters), ", "), config.ConfigFileName))
	}
	if len(problems) == 0 {
		return nil
	}
	return routine.Newf("Migration plan validation failed", "%s", strings.Join(problems, "; "))
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
