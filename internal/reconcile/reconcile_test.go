package reconcile

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/514-labs/moosestack-sub001/internal/config"
	"github.com/514-labs/moosestack-sub001/internal/infra"
	"github.com/514-labs/moosestack-sub001/internal/schema"
)

type fakeClient struct {
	tables []*infra.Table
	err    error
}

func (f *fakeClient) Execute(context.Context, string) error { return nil }
func (f *fakeClient) Ping(context.Context) error            { return nil }
func (f *fakeClient) Close() error                          { return nil }
func (f *fakeClient) ListTables(context.Context, []string) ([]*infra.Table, error) {
	return f.tables, f.err
}

func testProject() *config.Project {
	return &config.Project{
		ClickHouse: config.ClickHouseConfig{DBName: "local"},
	}
}

func table(name string) *infra.Table {
	db := "local"
	return &infra.Table{
		Name:     name,
		Database: &db,
		Columns: []schema.Column{
			{Name: "id", Type: schema.StringType{}, Required: true, PrimaryKey: true},
		},
		OrderBy: infra.OrderBy{Fields: []string{"id"}},
		Engine:  schema.MergeTreeEngine{},
	}
}

func candidateWith(tables ...*infra.Table) *infra.Map {
	m := infra.New("local")
	for _, t := range tables {
		m.AddTable(t)
	}
	return m
}

func whitelist(ids ...string) map[string]struct{} {
	w := map[string]struct{}{}
	for _, id := range ids {
		w[id] = struct{}{}
	}
	return w
}

func TestReconcileMissingTableRemoved(t *testing.T) {
	r := New(&fakeClient{}, testProject(), zap.NewNop())
	candidate := candidateWith(table("Events"))

	reconciled, d, err := r.Reconcile(context.Background(), candidate, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.MissingTables) != 1 || d.MissingTables[0] != "local_Events" {
		t.Fatalf("missing = %v", d.MissingTables)
	}
	if len(reconciled.Tables) != 0 {
		t.Errorf("missing table must leave the reconciled map, got %d tables", len(reconciled.Tables))
	}
	if len(candidate.Tables) != 1 {
		t.Error("candidate must not be modified")
	}
}

func TestReconcileUnmappedAdoptedOnlyWhenWhitelisted(t *testing.T) {
	live := table("Events")
	r := New(&fakeClient{tables: []*infra.Table{live}}, testProject(), zap.NewNop())

	reconciled, d, err := r.Reconcile(context.Background(), infra.New("local"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.UnmappedTables) != 1 {
		t.Fatalf("unmapped = %v", d.UnmappedTables)
	}
	if len(reconciled.Tables) != 0 {
		t.Error("unwhitelisted live table must not be adopted")
	}

	reconciled, _, err = r.Reconcile(context.Background(), infra.New("local"), whitelist("local_Events"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reconciled.Tables["local_Events"]; !ok {
		t.Error("whitelisted live table must be adopted")
	}
}

func TestReconcileMismatchTakesReality(t *testing.T) {
	live := table("Events")
	live.Columns = append(live.Columns, schema.Column{
		Name: "extra", Type: schema.NullableType{Inner: schema.StringType{}},
	})
	r := New(&fakeClient{tables: []*infra.Table{live}}, testProject(), zap.NewNop())

	mapped := table("Events")
	mapped.LifeCycle = infra.DeletionProtected
	mapped.EngineParamsHash = "stored-hash"

	reconciled, d, err := r.Reconcile(context.Background(), candidateWith(mapped), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.MismatchedTables) != 1 {
		t.Fatalf("mismatched = %v", d.MismatchedTables)
	}
	got := reconciled.Tables["local_Events"]
	if len(got.Columns) != 2 {
		t.Errorf("reconciled must take the database's columns, got %d", len(got.Columns))
	}
	if got.LifeCycle != infra.DeletionProtected {
		t.Error("life cycle must come from the map, not reality")
	}
	if got.EngineParamsHash != "stored-hash" {
		t.Errorf("engine hash must be kept from the candidate, got %q", got.EngineParamsHash)
	}
}

func TestReconcileLegacyDefaultDatabase(t *testing.T) {
	r := New(&fakeClient{}, testProject(), zap.NewNop())
	legacy := infra.New("")
	legacy.DefaultDatabase = ""

	reconciled, _, err := r.Reconcile(context.Background(), legacy, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if reconciled.DefaultDatabase != "local" {
		t.Errorf("default database = %q, want local", reconciled.DefaultDatabase)
	}
}

func TestReconcileRekeysLegacyIDs(t *testing.T) {
	r := New(&fakeClient{tables: []*infra.Table{table("Events")}}, testProject(), zap.NewNop())
	candidate := infra.New("local")
	// Simulate a map persisted before IDs carried the database prefix.
	candidate.Tables["Events"] = table("Events")

	reconciled, d, err := r.Reconcile(context.Background(), candidate, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reconciled.Tables["local_Events"]; !ok {
		t.Errorf("legacy key not rebuilt, keys = %v", keys(reconciled.Tables))
	}
	if !d.IsClean() {
		t.Errorf("re-keyed map should match reality, got %+v", d)
	}
}

func keys(m map[string]*infra.Table) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}
