// Package plan composes the loader, state storage, reality reconciler and
// diff engine into the plan_changes pipeline every command runs.
package plan

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/514-labs/moosestack-sub001/internal/config"
	"github.com/514-labs/moosestack-sub001/internal/diff"
	"github.com/514-labs/moosestack-sub001/internal/infra"
	"github.com/514-labs/moosestack-sub001/internal/loader"
	"github.com/514-labs/moosestack-sub001/internal/olap"
	"github.com/514-labs/moosestack-sub001/internal/reconcile"
	"github.com/514-labs/moosestack-sub001/internal/state"
)

// Planner owns the collaborators of plan_changes. Client may be nil when
// OLAP is disabled; reconciliation is skipped in that case.
type Planner struct {
	Storage state.Storage
	Client  olap.Client
	Loader  loader.Loader
	Cfg     *config.Project
	Log     *zap.Logger
}

// Result pairs the reconciled current map with the computed plan.
type Result struct {
	Current *infra.Map
	Plan    *diff.InfraPlan
}

// Changes runs the full pipeline: load target, load current, reconcile with
// reality, diff, validate.
func (p *Planner) Changes(ctx context.Context) (*Result, error) {
	target, err := loader.LoadTarget(ctx, p.Cfg, p.Loader)
	if err != nil {
		return nil, err
	}
	return p.ChangesAgainst(ctx, target)
}

// ChangesAgainst plans toward an already-loaded target map. The admin plan
// endpoint uses this with a caller-provided target.
func (p *Planner) ChangesAgainst(ctx context.Context, target *infra.Map) (*Result, error) {
	current, err := p.Storage.LoadMap(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil {
		current = infra.EmptyFromProject(p.Cfg)
	}

	if p.Cfg.Features.OlapEnabled && p.Client != nil {
		whitelist := make(map[string]struct{}, len(target.Tables))
		for id := range target.Tables {
			whitelist[id] = struct{}{}
		}
		r := reconcile.New(p.Client, p.Cfg, p.Log)
		current, _, err = r.Reconcile(ctx, current, whitelist, target)
		if err != nil {
			return nil, err
		}
	}

	ignore, err := diff.ParseIgnoreOps(p.Cfg.IgnoreOperations)
	if err != nil {
		return nil, fmt.Errorf("invalid ignore_operations in config: %w", err)
	}
	changes, err := diff.Diff(current, target, diff.Options{
		RespectLifeCycle: true,
		Ignore:           ignore,
		Tables:           diff.ClickHouseTableDiff{},
	})
	if err != nil {
		return nil, err
	}

	if err := Validate(changes, target, p.Cfg); err != nil {
		return nil, err
	}
	return &Result{
		Current: current,
		Plan:    &diff.InfraPlan{Target: target, Changes: *changes},
	}, nil
}
