package devloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/514-labs/moosestack-sub001/internal/config"
	"github.com/514-labs/moosestack-sub001/internal/infra"
	"github.com/514-labs/moosestack-sub001/internal/loader"
	"github.com/514-labs/moosestack-sub001/internal/migrate"
	"github.com/514-labs/moosestack-sub001/internal/plan"
	"github.com/514-labs/moosestack-sub001/internal/schema"
	"github.com/514-labs/moosestack-sub001/internal/state"
)

func TestDebouncerCoalesces(t *testing.T) {
	var fired atomic.Int32
	d := NewDebouncer(20*time.Millisecond, func() { fired.Add(1) })
	defer d.Cancel()

	for i := 0; i < 10; i++ {
		d.Trigger()
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if n := fired.Load(); n != 1 {
		t.Fatalf("burst must coalesce to one callback, got %d", n)
	}
}

func TestDebouncerCancel(t *testing.T) {
	var fired atomic.Int32
	d := NewDebouncer(10*time.Millisecond, func() { fired.Add(1) })
	d.Trigger()
	d.Cancel()
	time.Sleep(50 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("cancelled debouncer must not fire")
	}
}

type recordingHandler struct {
	mu      sync.Mutex
	started []string
	stopped []string
	failOn  string
}

func (h *recordingHandler) StartProcess(_ context.Context, s ProcessSpec) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.ID == h.failOn {
		return errors.New("start failed")
	}
	h.started = append(h.started, s.ID)
	return nil
}

func (h *recordingHandler) StopProcess(_ context.Context, s ProcessSpec) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = append(h.stopped, s.ID)
	return nil
}

func TestRegistrySync(t *testing.T) {
	h := &recordingHandler{}
	r := NewRegistry(h, zap.NewNop())
	ctx := context.Background()

	r.Sync(ctx, []ProcessSpec{{ID: "a", Kind: "api", Hash: 1}, {ID: "b", Kind: "sync", Hash: 1}})
	if len(h.started) != 2 {
		t.Fatalf("started = %v", h.started)
	}

	// b changes, a is removed, c appears.
	h.started, h.stopped = nil, nil
	r.Sync(ctx, []ProcessSpec{{ID: "b", Kind: "sync", Hash: 2}, {ID: "c", Kind: "workflow", Hash: 1}})
	if len(h.stopped) != 2 { // a removed, b restarted
		t.Fatalf("stopped = %v", h.stopped)
	}
	if len(h.started) != 2 { // b restarted, c added
		t.Fatalf("started = %v", h.started)
	}

	running := r.Running()
	if len(running) != 2 || running[0].ID != "b" || running[1].ID != "c" {
		t.Fatalf("running = %v", running)
	}
}

func TestRegistryFailedStartRetriesNextSync(t *testing.T) {
	h := &recordingHandler{failOn: "a"}
	r := NewRegistry(h, zap.NewNop())
	ctx := context.Background()

	r.Sync(ctx, []ProcessSpec{{ID: "a", Kind: "api", Hash: 1}})
	if len(r.Running()) != 0 {
		t.Fatal("failed worker must not be recorded as running")
	}

	h.failOn = ""
	r.Sync(ctx, []ProcessSpec{{ID: "a", Kind: "api", Hash: 1}})
	if len(r.Running()) != 1 {
		t.Fatal("worker must start on the next sync")
	}
}

func TestProcessSpecsFromMap(t *testing.T) {
	m := infra.New("local")
	m.ApiEndpoints["get_events"] = &infra.ApiEndpoint{Name: "get_events", APIType: "EGRESS", Path: "/events", Method: "GET"}
	m.TopicSyncProcesses["events_to_local_Events"] = &infra.TopicSyncProcess{SourceTopicID: "events", TargetTableID: "local_Events"}
	m.Workflows["daily"] = &infra.Workflow{Name: "daily", Schedule: "@every 24h"}

	specs := ProcessSpecs(m)
	if len(specs) != 3 {
		t.Fatalf("specs = %v", specs)
	}
	for _, s := range specs {
		if s.Hash == 0 {
			t.Errorf("spec %s has zero hash", s.ID)
		}
	}
}

type memStorage struct {
	mu sync.Mutex
	m  *infra.Map
}

func (s *memStorage) LoadMap(context.Context) (*infra.Map, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m, nil
}
func (s *memStorage) SaveMap(_ context.Context, m *infra.Map) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = m
	return nil
}
func (s *memStorage) AcquireMigrationLock(context.Context) (state.Lock, error) {
	return nopLock{}, nil
}
func (s *memStorage) Close() error { return nil }

type nopLock struct{}

func (nopLock) Renew(context.Context) error   { return nil }
func (nopLock) Release(context.Context) error { return nil }

type fakeClient struct {
	mu       sync.Mutex
	executed []string
}

func (f *fakeClient) Execute(_ context.Context, sql string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, sql)
	return nil
}
func (f *fakeClient) ListTables(context.Context, []string) ([]*infra.Table, error) {
	return nil, nil
}
func (f *fakeClient) Ping(context.Context) error { return nil }
func (f *fakeClient) Close() error               { return nil }

func testLoop(target *infra.Map, loadErr error) (*Loop, *fakeClient, *memStorage) {
	cfg := &config.Project{
		ClickHouse: config.ClickHouseConfig{DBName: "local"},
		Features:   config.Features{OlapEnabled: true},
	}
	storage := &memStorage{}
	client := &fakeClient{}
	log := zap.NewNop()
	return &Loop{
		Planner: &plan.Planner{
			Storage: storage,
			Loader: loader.Func(func(context.Context, *config.Project) (*infra.Map, error) {
				return target, loadErr
			}),
			Cfg: cfg,
			Log: log,
		},
		Executor: &migrate.Executor{Client: client, Storage: storage, Cfg: cfg, Log: log},
		Registry: NewRegistry(&recordingHandler{}, log),
		Coord:    &Coordinator{},
		Log:      log,
	}, client, storage
}

func TestReloadAppliesAndSwapsLiveMap(t *testing.T) {
	target := infra.New("local")
	target.AddTable(&infra.Table{
		Name: "Events",
		Columns: []schema.Column{
			{Name: "id", Type: schema.StringType{}, Required: true, PrimaryKey: true},
		},
		OrderBy: infra.OrderBy{Fields: []string{"id"}},
		Engine:  schema.MergeTreeEngine{},
	})

	l, client, storage := testLoop(target, nil)
	if err := l.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(client.executed) != 1 {
		t.Fatalf("executed = %v", client.executed)
	}
	if l.Live() != target {
		t.Fatal("live map must swap to the new target")
	}
	if storage.m == nil {
		t.Fatal("applied map must be persisted")
	}

	// A second reload of the same code is a no-op.
	client.executed = nil
	if err := l.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(client.executed) != 0 {
		t.Fatalf("converged reload must execute nothing, got %v", client.executed)
	}
}

func TestReloadFailureKeepsLastGoodMap(t *testing.T) {
	good := infra.New("local")
	l, _, _ := testLoop(good, nil)
	if err := l.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	var status Status
	l.OnStatus = func(s Status) { status = s }
	l.Planner.Loader = loader.Func(func(context.Context, *config.Project) (*infra.Map, error) {
		return nil, errors.New("syntax error in models.ts")
	})
	if err := l.Reload(context.Background()); err == nil {
		t.Fatal("load failure must surface")
	}
	if status.Err == nil {
		t.Fatal("status callback must carry the error")
	}
	if l.Live() != good {
		t.Fatal("failed reload must keep the previous map live")
	}
}

func TestCachedClientInvalidatesOnExecute(t *testing.T) {
	inner := &fakeClient{}
	c := NewCachedClient(inner)
	ctx := context.Background()

	if _, err := c.ListTables(ctx, []string{"local"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ListTables(ctx, []string{"local"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.cache.Get("local"); !ok {
		t.Fatal("introspection result must be cached")
	}
	if err := c.Execute(ctx, "CREATE TABLE t"); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.cache.Get("local"); ok {
		t.Fatal("DDL must invalidate the introspection cache")
	}
}
