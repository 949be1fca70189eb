// Package reconcile aligns the persisted infrastructure map with what the
// database actually holds, so plans are computed against reality rather than
// a stale snapshot.
package reconcile

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/514-labs/moosestack-sub001/internal/config"
	"github.com/514-labs/moosestack-sub001/internal/diff"
	"github.com/514-labs/moosestack-sub001/internal/infra"
	"github.com/514-labs/moosestack-sub001/internal/olap"
)

// Discrepancies describes how the candidate map and the live database
// disagree. It is both a reconciliation byproduct and the payload of the
// admin reality-check endpoint.
type Discrepancies struct {
	// MissingTables are in the map but absent from the database.
	MissingTables []string `json:"missing_tables"`
	// UnmappedTables exist in the database but not in the map.
	UnmappedTables []string `json:"unmapped_tables"`
	// MismatchedTables exist on both sides with structural differences.
	MismatchedTables []Mismatch `json:"mismatched_tables"`
}

// Mismatch names one structurally divergent table and what differs.
type Mismatch struct {
	TableID string   `json:"table_id"`
	Reasons []string `json:"reasons"`
}

// IsClean reports whether reality and the map agree.
func (d *Discrepancies) IsClean() bool {
	return len(d.MissingTables) == 0 && len(d.UnmappedTables) == 0 && len(d.MismatchedTables) == 0
}

// Reconciler wires the OLAP client and project config.
type Reconciler struct {
	client olap.Client
	cfg    *config.Project
	log    *zap.Logger
}

func New(client olap.Client, cfg *config.Project, log *zap.Logger) *Reconciler {
	return &Reconciler{client: client, cfg: cfg, log: log}
}

// Reconcile returns a copy of candidate adjusted to reality. Live tables not
// in the candidate are adopted only when their ID is in whitelist (the
// target map's table IDs): a table the user just declared in code must be
// recognized as already present, but a stray table must not be auto-adopted.
// The target map, when non-nil, supplies life-cycle policy for mismatches.
//
// The candidate is never modified.
func (r *Reconciler) Reconcile(ctx context.Context, candidate *infra.Map, whitelist map[string]struct{}, target *infra.Map) (*infra.Map, *Discrepancies, error) {
	defaultDB := candidate.DefaultDatabase
	if defaultDB == "" {
		// Maps persisted before the field existed bind to the project db.
		defaultDB = r.cfg.ClickHouse.DBName
	}

	reconciled := infra.New(defaultDB)
	reconciled.Topics = candidate.Topics
	reconciled.TopicSyncProcesses = candidate.TopicSyncProcesses
	reconciled.ApiEndpoints = candidate.ApiEndpoints
	reconciled.WebApps = candidate.WebApps
	reconciled.Workflows = candidate.Workflows
	reconciled.Views = candidate.Views
	reconciled.SqlResources = candidate.SqlResources

	// Re-key tables whose stored IDs predate the database-prefixed scheme.
	for id, t := range candidate.Tables {
		want := t.ID(defaultDB)
		if id != want {
			r.log.Debug("re-keying legacy table id", zap.String("from", id), zap.String("to", want))
		}
		reconciled.Tables[want] = t
	}

	live, err := r.client.ListTables(ctx, r.cfg.Databases())
	if err != nil {
		return nil, nil, fmt.Errorf("reality check failed: %w", err)
	}
	liveByID := make(map[string]*infra.Table, len(live))
	for _, t := range live {
		liveByID[t.ID(defaultDB)] = t
	}

	d := &Discrepancies{}

	for id, liveTable := range liveByID {
		if _, mapped := reconciled.Tables[id]; mapped {
			continue
		}
		d.UnmappedTables = append(d.UnmappedTables, id)
		if _, wanted := whitelist[id]; wanted {
			adopted := *liveTable
			reconciled.Tables[id] = &adopted
		}
	}

	for id, mapped := range reconciled.Tables {
		liveTable, exists := liveByID[id]
		if !exists {
			d.MissingTables = append(d.MissingTables, id)
			delete(reconciled.Tables, id)
			continue
		}
		reasons := classifyMismatch(id, mapped, liveTable)
		if len(reasons) == 0 {
			continue
		}
		d.MismatchedTables = append(d.MismatchedTables, Mismatch{TableID: id, Reasons: reasons})
		reconciled.Tables[id] = mergeReality(mapped, liveTable, lifeCycleFor(target, id, mapped))
	}

	sort.Strings(d.MissingTables)
	sort.Strings(d.UnmappedTables)
	sort.Slice(d.MismatchedTables, func(i, j int) bool {
		return d.MismatchedTables[i].TableID < d.MismatchedTables[j].TableID
	})
	return reconciled, d, nil
}

// classifyMismatch runs the table diff between the mapped record and
// reality and renders each difference as a human-readable reason. An empty
// result means the two agree.
func classifyMismatch(id string, mapped, live *infra.Table) []string {
	// The live hash is computed over redacted credentials ([HIDDEN]); carry
	// the mapped hash into the comparison copy so credential-bearing engines
	// do not read as mismatched on every run.
	cmp := *live
	if mapped.EngineParamsHash != "" && mapped.Engine.Name() == live.Engine.Name() {
		cmp.EngineParamsHash = mapped.EngineParamsHash
	}
	strategy := diff.ClickHouseTableDiff{}
	changes := strategy.DiffTableUpdate(id, mapped, &cmp, mapped, &cmp)
	reasons := make([]string, 0, len(changes))
	for _, c := range changes {
		reasons = append(reasons, c.Describe())
	}
	return reasons
}

// mergeReality builds the reconciled record: the database's structure, the
// policy fields from the map. The engine hash is always kept from the
// candidate because introspected DDL redacts credentials, which would
// otherwise flip the hash on every run.
func mergeReality(mapped, live *infra.Table, lifeCycle infra.LifeCycle) *infra.Table {
	merged := *live
	merged.Name = mapped.Name
	merged.Database = mapped.Database
	merged.Version = mapped.Version
	merged.Source = mapped.Source
	merged.Metadata = mapped.Metadata
	merged.LifeCycle = lifeCycle
	if mapped.EngineParamsHash != "" {
		merged.EngineParamsHash = mapped.EngineParamsHash
	}
	return &merged
}

func lifeCycleFor(target *infra.Map, id string, candidate *infra.Table) infra.LifeCycle {
	if target != nil {
		if t, ok := target.Tables[id]; ok {
			return t.LifeCycle
		}
	}
	return candidate.LifeCycle
}
