// Package migrate applies infrastructure plans: live apply for the dev loop
// and prod boot, and pre-planned YAML apply with drift detection for CI
// migration workflows.
package migrate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/514-labs/moosestack-sub001/internal/config"
	"github.com/514-labs/moosestack-sub001/internal/diff"
	"github.com/514-labs/moosestack-sub001/internal/infra"
	"github.com/514-labs/moosestack-sub001/internal/olap"
	"github.com/514-labs/moosestack-sub001/internal/routine"
	"github.com/514-labs/moosestack-sub001/internal/state"
)

// Notifier broadcasts migration boundaries so follower replicas can pause
// stream inserts. A nil Notifier is a no-op.
type Notifier interface {
	MigrationStart(ctx context.Context)
	MigrationEnd(ctx context.Context)
}

// Executor applies plans against the live database.
type Executor struct {
	Client   olap.Client
	Storage  state.Storage
	Cfg      *config.Project
	Log      *zap.Logger
	Notifier Notifier
}

// acquireLock waits out a concurrent migration up to the configured
// infrastructure timeout before giving up.
func (e *Executor) acquireLock(ctx context.Context) (state.Lock, error) {
	wait := time.Duration(e.Cfg.InfrastructureTimeoutSeconds) * time.Second
	if wait <= 0 {
		wait = 2 * time.Minute
	}
	return state.AcquireLockWait(ctx, e.Storage, wait)
}

// ApplyPlan executes a live plan in deterministic order: sync-process
// teardown, orphaned view drops, table changes, view creation in dependency
// order, sync-process recreation, then persisting the target map. The
// migration lock is held for the whole run and released on every exit path.
func (e *Executor) ApplyPlan(ctx context.Context, p *diff.InfraPlan) (err error) {
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

	if err := e.applyChanges(ctx, p); err != nil {
		return err
	}
	if err := e.Storage.SaveMap(ctx, p.Target); err != nil {
		return routine.Wrap("Migration applied but state save failed",
			"the next plan will re-reconcile against the live database", err)
	}
	return nil
}

func (e *Executor) applyChanges(ctx context.Context, p *diff.InfraPlan) error {
	changes := &p.Changes
	defaultDB := p.Target.DefaultDatabase

	// Sync processes stop first so nothing writes into tables mid-change.
	// Their lifecycle is process-level; the registry reacts to the records.
	for _, c := range changes.SyncProcesses {
		if c.Action != diff.ActionCreate {
			e.Log.Info("stopping sync process", zap.String("id", c.ID))
		}
	}

	stmts, err := e.collectStatements(changes, p.Target, defaultDB)
	if err != nil {
		return err
	}
	for i, s := range stmts {
		if err := e.Client.Execute(ctx, s.sql); err != nil {
			return partialFailure(i, len(stmts), s, err)
		}
	}

	for _, c := range changes.SyncProcesses {
		if c.Action != diff.ActionDelete {
			e.Log.Info("starting sync process", zap.String("id", c.ID))
		}
	}
	return nil
}

// statement pairs rendered SQL with a description for failure reports.
type statement struct {
	sql  string
	desc string
}

// collectStatements renders the whole plan up front, so a rendering error
// aborts before any DDL runs.
func (e *Executor) collectStatements(changes *diff.InfraChanges, target *infra.Map, defaultDB string) ([]statement, error) {
	var stmts []statement
	add := func(sql, desc string) {
		stmts = append(stmts, statement{sql: sql, desc: desc})
	}

	// Orphaned and replaced views drop before table changes; a view holds no
	// data of its own.
	for _, c := range changes.Views {
		if c.Action == diff.ActionDelete || c.Action == diff.ActionUpdate {
			add(olap.DropViewSQL(c.Before, defaultDB), "drop materialized view "+c.ID)
		}
	}
	for _, c := range changes.SqlResources {
		if c.Action == diff.ActionDelete || c.Action == diff.ActionUpdate {
			for _, sql := range c.Before.Teardown {
				add(sql, "teardown "+c.ID)
			}
		}
	}

	for _, c := range changes.Tables {
		switch v := c.(type) {
		case diff.TableAdded:
			sql, err := olap.CreateTableSQL(v.Table, defaultDB)
			if err != nil {
				return nil, routine.Wrap("Could not render DDL", c.Describe(), err)
			}
			add(sql, c.Describe())
		case diff.TableRemoved:
			add(olap.DropTableSQL(v.Table, defaultDB), c.Describe())
		case diff.TableUpdated:
			alters, err := olap.AlterTableSQL(v, defaultDB)
			if err != nil {
				return nil, routine.Wrap("Could not render DDL", c.Describe(), err)
			}
			for i, sql := range alters {
				add(sql, v.ColumnChanges[i].Describe()+" on "+v.ID)
			}
		case diff.TableTtlChanged:
			add(olap.ModifyTTLSQL(v, defaultDB), c.Describe())
		case diff.TableSettingsChanged:
			for _, sql := range olap.ModifySettingsSQL(v, defaultDB) {
				add(sql, c.Describe())
			}
		case diff.TableValidationError:
			return nil, routine.New("Plan contains an invalid table", v.Message)
		}
	}

	for _, c := range changes.Views {
		if c.Action == diff.ActionDelete {
			continue
		}
		add(olap.CreateMaterializedViewSQL(c.After, defaultDB), "create materialized view "+c.ID)
		if c.Action == diff.ActionCreate && shouldPopulate(c.After, target) {
			add(olap.PopulateViewSQL(c.After, defaultDB), "populate materialized view "+c.ID)
		}
	}
	for _, c := range changes.SqlResources {
		if c.Action == diff.ActionDelete {
			continue
		}
		for _, sql := range c.After.Setup {
			add(sql, "setup "+c.ID)
		}
	}
	return stmts, nil
}

// shouldPopulate decides whether a brand-new incremental view gets the
// one-time backfill insert. Views over S3Queue sources must not: the queue
// engine consumes rows, so a backfill select would double-ingest or fail.
func shouldPopulate(v *infra.MaterializedView, target *infra.Map) bool {
	if !v.IsIncremental() {
		return false
	}
	for _, src := range v.SourceTables {
		t, ok := target.Tables[src]
		if !ok {
			continue
		}
		if t.Engine != nil && t.Engine.Name() == "S3Queue" {
			return false
		}
	}
	return true
}

func partialFailure(failed, total int, s statement, cause error) error {
	return routine.Wrap(
		"Migration partially applied",
		fmt.Sprintf("operation %d of %d failed (%s); %d applied, %d not executed; the database is in a PARTIAL state, regenerate the plan before retrying",
			failed+1, total, s.desc, failed, total-failed-1),
		cause)
}
