// Package devloop hot-applies infrastructure changes while the serving plane
// stays live: a debounced watcher over the source tree triggers replan,
// apply, worker resync, and an atomic swap of the shared map.
package devloop

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/514-labs/moosestack-sub001/internal/infra"
	"github.com/514-labs/moosestack-sub001/internal/migrate"
	"github.com/514-labs/moosestack-sub001/internal/plan"
)

// quietInterval coalesces editor save bursts into one reload.
const quietInterval = 500 * time.Millisecond

// Status reports one reload outcome to the CLI.
type Status struct {
	Changes int
	Err     error
}

// Loop owns the dev reload pipeline. The live map behind the read-write
// lock is what HTTP handlers and admin endpoints read; it only advances on
// a fully successful reload.
type Loop struct {
	Planner  *plan.Planner
	Executor *migrate.Executor
	Registry *Registry
	Coord    *Coordinator
	Cache    *CachedClient
	Log      *zap.Logger
	// OnStatus receives each reload outcome; optional.
	OnStatus func(Status)

	mu   sync.RWMutex
	live *infra.Map

	reload chan struct{}
}

// Live returns the map readers should serve from. Never nil after the first
// successful reload.
func (l *Loop) Live() *infra.Map {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.live
}

// Reload runs the full pipeline once: replan, apply, resync workers, swap
// the live map. Failures leave the previous map live.
func (l *Loop) Reload(ctx context.Context) error {
	err := l.Coord.Exclusive(func() error {
		res, err := l.Planner.Changes(ctx)
		if err != nil {
			return err
		}
		count := res.Plan.Changes.Count()
		if !res.Plan.Changes.IsEmpty() {
			if err := l.Executor.ApplyPlan(ctx, res.Plan); err != nil {
				return err
			}
			if l.Cache != nil {
				l.Cache.Invalidate()
			}
		}
		if l.Registry != nil {
			l.Registry.Sync(ctx, ProcessSpecs(res.Plan.Target))
		}
		l.mu.Lock()
		l.live = res.Plan.Target
		l.mu.Unlock()
		l.Log.Info("reload complete", zap.Int("changes", count))
		if l.OnStatus != nil {
			l.OnStatus(Status{Changes: count})
		}
		return nil
	})
	if err != nil {
		l.Log.Error("reload failed, previous state stays live", zap.Error(err))
		if l.OnStatus != nil {
			l.OnStatus(Status{Err: err})
		}
	}
	return err
}

// Run performs the initial reload, then watches root until ctx is
// cancelled. A reload in flight finishes before shutdown completes.
func (l *Loop) Run(ctx context.Context, root string) error {
	l.reload = make(chan struct{}, 1)

	watcher, err := NewWatcher(root, quietInterval, l.requestReload, l.Log)
	if err != nil {
		return err
	}
	watcher.Start(ctx)
	defer func() { _ = watcher.Close() }()

	// First reload brings infrastructure up before any file changes.
	_ = l.Reload(ctx)

	for {
		select {
		case <-l.reload:
			// Reload errors are already reported; the loop keeps watching.
			_ = l.Reload(ctx)
		case <-ctx.Done():
			if l.Registry != nil {
				l.Registry.StopAll(context.WithoutCancel(ctx))
			}
			return ctx.Err()
		}
	}
}

// requestReload marks a pending reload; multiple triggers while one runs
// collapse into a single follow-up.
func (l *Loop) requestReload() {
	select {
	case l.reload <- struct{}{}:
	default:
	}
}
