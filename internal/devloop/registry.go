package devloop

import (
	"context"
	"sort"
	"sync"

	"github.com/mitchellh/hashstructure/v2"
	"go.uber.org/zap"

	"github.com/514-labs/moosestack-sub001/internal/infra"
)

// ProcessSpec describes one user-code worker the serving plane should keep
// running, keyed by its resource's stable ID. Hash covers the defining
// record; a changed hash means restart.
type ProcessSpec struct {
	ID   string
	Kind string // "api", "sync", "workflow", "webapp"
	Hash uint64
}

// ProcessHandler starts and stops the actual workers. The registry only
// tracks which ones should exist.
type ProcessHandler interface {
	StartProcess(ctx context.Context, spec ProcessSpec) error
	StopProcess(ctx context.Context, spec ProcessSpec) error
}

// Registry is the set of currently-running workers. Reads are concurrent;
// writes happen under the processing coordinator.
type Registry struct {
	mu      sync.RWMutex
	handler ProcessHandler
	log     *zap.Logger
	running map[string]ProcessSpec
}

func NewRegistry(handler ProcessHandler, log *zap.Logger) *Registry {
	return &Registry{handler: handler, log: log, running: map[string]ProcessSpec{}}
}

// Running snapshots the current worker set.
func (r *Registry) Running() []ProcessSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProcessSpec, 0, len(r.running))
	for _, s := range r.running {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sync diffs the running set against target: removed workers stop, added
// ones start, changed ones restart. Handler errors are logged and the worker
// stays out of the running set so the next reload retries it.
func (r *Registry) Sync(ctx context.Context, target []ProcessSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wanted := make(map[string]ProcessSpec, len(target))
	for _, s := range target {
		wanted[s.ID] = s
	}

	var stop, start []ProcessSpec
	for id, cur := range r.running {
		next, keep := wanted[id]
		if !keep {
			stop = append(stop, cur)
		} else if next.Hash != cur.Hash {
			stop = append(stop, cur)
			start = append(start, next)
		}
	}
	for id, s := range wanted {
		if _, ok := r.running[id]; !ok {
			start = append(start, s)
		}
	}
	sort.Slice(stop, func(i, j int) bool { return stop[i].ID < stop[j].ID })
	sort.Slice(start, func(i, j int) bool { return start[i].ID < start[j].ID })

	for _, s := range stop {
		r.log.Info("stopping worker", zap.String("id", s.ID), zap.String("kind", s.Kind))
		if err := r.handler.StopProcess(ctx, s); err != nil {
			r.log.Warn("failed to stop worker", zap.String("id", s.ID), zap.Error(err))
		}
		delete(r.running, s.ID)
	}
	for _, s := range start {
		r.log.Info("starting worker", zap.String("id", s.ID), zap.String("kind", s.Kind))
		if err := r.handler.StartProcess(ctx, s); err != nil {
			r.log.Error("failed to start worker", zap.String("id", s.ID), zap.Error(err))
			continue
		}
		r.running[s.ID] = s
	}
}

// StopAll tears every worker down, newest state last. Used on shutdown.
func (r *Registry) StopAll(ctx context.Context) {
	r.Sync(ctx, nil)
}

// ProcessSpecs derives the target worker set from a map: one worker per API
// endpoint, topic-to-table sync, and workflow.
func ProcessSpecs(m *infra.Map) []ProcessSpec {
	var specs []ProcessSpec
	for id, a := range m.ApiEndpoints {
		specs = append(specs, ProcessSpec{ID: id, Kind: "api", Hash: specHash(a)})
	}
	for id, s := range m.TopicSyncProcesses {
		specs = append(specs, ProcessSpec{ID: id, Kind: "sync", Hash: specHash(s)})
	}
	for id, wf := range m.Workflows {
		specs = append(specs, ProcessSpec{ID: id, Kind: "workflow", Hash: specHash(wf)})
	}
	for id, w := range m.WebApps {
		specs = append(specs, ProcessSpec{ID: id, Kind: "webapp", Hash: specHash(w)})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs
}

func specHash(v any) uint64 {
	h, err := hashstructure.Hash(v, hashstructure.FormatV2, nil)
	if err != nil {
		return 0
	}
	return h
}
