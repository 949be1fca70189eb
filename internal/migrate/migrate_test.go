package migrate

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/514-labs/moosestack-sub001/internal/config"
	"github.com/514-labs/moosestack-sub001/internal/diff"
	"github.com/514-labs/moosestack-sub001/internal/infra"
	"github.com/514-labs/moosestack-sub001/internal/routine"
	"github.com/514-labs/moosestack-sub001/internal/schema"
	"github.com/514-labs/moosestack-sub001/internal/state"
)

type fakeClient struct {
	live     []*infra.Table
	executed []string
}

func (f *fakeClient) Execute(_ context.Context, sql string) error {
	f.executed = append(f.executed, sql)
	return nil
}
func (f *fakeClient) ListTables(context.Context, []string) ([]*infra.Table, error) {
	return f.live, nil
}
func (f *fakeClient) Ping(context.Context) error { return nil }
func (f *fakeClient) Close() error               { return nil }

type nopLock struct{}

func (nopLock) Renew(context.Context) error   { return nil }
func (nopLock) Release(context.Context) error { return nil }

type fakeStorage struct {
	saved *infra.Map
}

func (s *fakeStorage) LoadMap(context.Context) (*infra.Map, error)   { return s.saved, nil }
func (s *fakeStorage) SaveMap(_ context.Context, m *infra.Map) error { s.saved = m; return nil }
func (s *fakeStorage) AcquireMigrationLock(context.Context) (state.Lock, error) {
	return nopLock{}, nil
}
func (s *fakeStorage) Close() error { return nil }

func testCfg() *config.Project {
	return &config.Project{
		ClickHouse: config.ClickHouseConfig{DBName: "local"},
		Features:   config.Features{OlapEnabled: true},
	}
}

func eventsTable(cols ...schema.Column) *infra.Table {
	if len(cols) == 0 {
		cols = []schema.Column{
			{Name: "id", Type: schema.StringType{}, Required: true, PrimaryKey: true},
		}
	}
	return &infra.Table{
		Name:    "Events",
		Columns: cols,
		OrderBy: infra.OrderBy{Fields: []string{"id"}},
		Engine:  schema.MergeTreeEngine{},
	}
}

func mapWith(tables ...*infra.Table) *infra.Map {
	m := infra.New("local")
	for _, t := range tables {
		m.AddTable(t)
	}
	return m
}

func liveTable(cols ...schema.Column) *infra.Table {
	t := eventsTable(cols...)
	db := "local"
	t.Database = &db
	return t
}

func TestDetectDriftClassification(t *testing.T) {
	idCol := schema.Column{Name: "id", Type: schema.StringType{}, Required: true, PrimaryKey: true}
	valCol := schema.Column{Name: "value", Type: schema.StringType{}, Required: true}

	before := mapWith(eventsTable(idCol))
	after := mapWith(eventsTable(idCol, valCol))

	tests := []struct {
		name    string
		current *infra.Map
		want    DriftKind
	}{
		{"matches before", mapWith(eventsTable(idCol)), NoDrift},
		{"matches after", mapWith(eventsTable(idCol, valCol)), AlreadyAtTarget},
		{"matches neither", mapWith(eventsTable(schema.Column{Name: "wrong", Type: schema.StringType{}})), DriftDetected},
		{"table missing", infra.New("local"), DriftDetected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DetectDrift(tt.current, before, after, diff.IgnoreOps{})
			if d.Kind != tt.want {
				t.Fatalf("kind = %v, want %v", d.Kind, tt.want)
			}
		})
	}
}

func TestDetectDriftReportsTables(t *testing.T) {
	idCol := schema.Column{Name: "id", Type: schema.StringType{}, Required: true, PrimaryKey: true}
	before := mapWith(eventsTable(idCol))
	after := mapWith(eventsTable(idCol))

	extra := eventsTable(idCol)
	extra.Name = "Stray"
	extra.OrderBy = infra.OrderBy{Fields: []string{"id"}}
	current := mapWith(eventsTable(schema.Column{Name: "renamed", Type: schema.StringType{}}), extra)

	d := DetectDrift(current, before, after, diff.IgnoreOps{})
	if d.Kind != DriftDetected {
		t.Fatalf("kind = %v, want DriftDetected", d.Kind)
	}
	if len(d.Extra) != 1 || d.Extra[0] != "local_Stray" {
		t.Errorf("extra = %v, want [local_Stray]", d.Extra)
	}
	if len(d.Changed) != 1 || d.Changed[0] != "local_Events" {
		t.Errorf("changed = %v, want [local_Events]", d.Changed)
	}
}

func TestDetectDriftIgnoresBookkeeping(t *testing.T) {
	idCol := schema.Column{Name: "id", Type: schema.StringType{}, Required: true, PrimaryKey: true}
	before := mapWith(eventsTable(idCol))

	current := mapWith(eventsTable(idCol))
	cur := current.Tables["local_Events"]
	cur.LifeCycle = infra.DeletionProtected
	cur.Version = "1.2"
	cur.EngineParamsHash = "abc"
	cur.Metadata = infra.Metadata{Description: "live"}
	db := "local"
	cur.Database = &db

	d := DetectDrift(current, before, before, diff.IgnoreOps{})
	if d.Kind != NoDrift {
		t.Fatalf("policy and identity fields must not register as drift, got %v: %+v", d.Kind, d)
	}
}

func TestDetectDriftIgnoreTTL(t *testing.T) {
	idCol := schema.Column{Name: "id", Type: schema.StringType{}, Required: true, PrimaryKey: true}
	before := mapWith(eventsTable(idCol))
	current := mapWith(eventsTable(idCol))
	ttl := "timestamp + INTERVAL 30 DAY"
	current.Tables["local_Events"].TableTTL = &ttl

	if d := DetectDrift(current, before, before, diff.IgnoreOps{}); d.Kind != DriftDetected {
		t.Fatalf("ttl difference must drift by default, got %v", d.Kind)
	}
	if d := DetectDrift(current, before, before, diff.IgnoreOps{TableTTL: true}); d.Kind != NoDrift {
		t.Fatalf("ignored ttl must not drift, got %v", d.Kind)
	}
}

func TestGeneratePlanOrdering(t *testing.T) {
	idCol := schema.Column{Name: "id", Type: schema.StringType{}, Required: true, PrimaryKey: true}
	target := mapWith(eventsTable(idCol))
	oldView := &infra.MaterializedView{Name: "daily", SelectSQL: "SELECT 1", TargetTable: "Events"}
	newView := &infra.MaterializedView{
		Name: "daily", SelectSQL: "SELECT 2", TargetTable: "Events",
		SourceTables: []string{"local_Events"},
	}
	target.AddView(newView)

	changes := &diff.InfraChanges{
		Tables: []diff.TableChange{
			diff.TableAdded{ID: "local_Events", Table: target.Tables["local_Events"]},
		},
		Views: []diff.Change[infra.MaterializedView]{
			{Action: diff.ActionUpdate, ID: "local_daily", Before: oldView, After: newView},
		},
	}
	plan, err := GeneratePlan(changes, target)
	if err != nil {
		t.Fatal(err)
	}

	var kinds []string
	for _, op := range plan.Operations {
		switch {
		case op.DropView != nil:
			kinds = append(kinds, "drop_view")
		case op.CreateTable != nil:
			kinds = append(kinds, "create_table")
		case op.CreateView != nil:
			kinds = append(kinds, "create_view")
		case op.PopulateView != nil:
			kinds = append(kinds, "populate_view")
		default:
			kinds = append(kinds, "other")
		}
	}
	want := []string{"drop_view", "create_table", "create_view"}
	if len(kinds) != len(want) {
		t.Fatalf("operations = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("operations = %v, want %v", kinds, want)
		}
	}
}

func TestGeneratePlanPopulatesNewIncrementalView(t *testing.T) {
	idCol := schema.Column{Name: "id", Type: schema.StringType{}, Required: true, PrimaryKey: true}
	target := mapWith(eventsTable(idCol))
	view := &infra.MaterializedView{
		Name: "daily", SelectSQL: "SELECT 1", TargetTable: "Events",
		SourceTables: []string{"local_Events"},
	}
	target.AddView(view)

	plan, err := GeneratePlan(&diff.InfraChanges{
		Views: []diff.Change[infra.MaterializedView]{
			{Action: diff.ActionCreate, ID: "local_daily", After: view},
		},
	}, target)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Operations) != 2 || plan.Operations[1].PopulateView == nil {
		t.Fatalf("new incremental view must get a populate operation, got %d ops", len(plan.Operations))
	}
}

func TestPlanYAMLRoundTrip(t *testing.T) {
	after := "id"
	col, err := toWireMap(schema.Column{Name: "value", Type: schema.StringType{}, Required: true})
	if err != nil {
		t.Fatal(err)
	}
	plan := &Plan{Operations: []Operation{
		{AddColumn: &AddColumnOp{Database: "local", Table: "Events", Column: col, AfterColumn: &after}},
		{DropTable: &DropTableOp{Database: "local", Table: "Old"}},
		{RawSQL: &RawSQLOp{Description: "setup local_v", SQL: []string{"SELECT 1"}}},
	}}

	data, err := yaml.Marshal(plan)
	if err != nil {
		t.Fatal(err)
	}
	var back Plan
	if err := yaml.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if len(back.Operations) != 3 {
		t.Fatalf("round trip lost operations: %d", len(back.Operations))
	}
	if back.Operations[0].AddColumn == nil || back.Operations[0].AddColumn.AfterColumn == nil {
		t.Fatal("add column op lost its payload")
	}
	sqls, err := back.Operations[0].Statements("local")
	if err != nil {
		t.Fatal(err)
	}
	if len(sqls) != 1 || !strings.Contains(sqls[0], "ADD COLUMN IF NOT EXISTS `value`") {
		t.Errorf("rendered = %v", sqls)
	}
	if !strings.Contains(sqls[0], "AFTER `id`") {
		t.Errorf("position lost: %s", sqls[0])
	}
}

func TestOperationStatements(t *testing.T) {
	ttl := "timestamp + INTERVAL 7 DAY"
	tests := []struct {
		name string
		op   Operation
		want string
	}{
		{"drop table", Operation{DropTable: &DropTableOp{Database: "local", Table: "Old"}},
			"DROP TABLE IF EXISTS `local`.`Old`"},
		{"drop column", Operation{DropColumn: &DropColumnOp{Table: "Events", Column: "tmp"}},
			"DROP COLUMN IF EXISTS `tmp`"},
		{"rename column", Operation{RenameColumn: &RenameColumnOp{Table: "Events", From: "a", To: "b"}},
			"RENAME COLUMN `a` TO `b`"},
		{"modify ttl", Operation{ModifyTTL: &ModifyTTLOp{Table: "Events", TTL: &ttl}},
			"MODIFY TTL timestamp + INTERVAL 7 DAY"},
		{"remove ttl", Operation{ModifyTTL: &ModifyTTLOp{Table: "Events"}},
			"REMOVE TTL"},
		{"modify settings", Operation{ModifySettings: &ModifySettingsOp{Table: "Events", Set: map[string]string{"ttl_only_drop_parts": "1"}}},
			"MODIFY SETTING ttl_only_drop_parts = '1'"},
		{"raw sql", Operation{RawSQL: &RawSQLOp{SQL: []string{"OPTIMIZE TABLE x"}}},
			"OPTIMIZE TABLE x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sqls, err := tt.op.Statements("local")
			if err != nil {
				t.Fatal(err)
			}
			joined := strings.Join(sqls, "\n")
			if !strings.Contains(joined, tt.want) {
				t.Errorf("statements = %q, want contains %q", joined, tt.want)
			}
		})
	}
}

func TestExecutePlanApplies(t *testing.T) {
	idCol := schema.Column{Name: "id", Type: schema.StringType{}, Required: true, PrimaryKey: true}
	valCol := schema.Column{Name: "value", Type: schema.StringType{}, Required: true}
	before := mapWith(eventsTable(idCol))
	after := mapWith(eventsTable(idCol, valCol))

	col, err := toWireMap(valCol)
	if err != nil {
		t.Fatal(err)
	}
	afterID := "id"
	plan := &Plan{Operations: []Operation{
		{AddColumn: &AddColumnOp{Database: "local", Table: "Events", Column: col, AfterColumn: &afterID}},
	}}

	client := &fakeClient{live: []*infra.Table{liveTable(idCol)}}
	storage := &fakeStorage{}
	e := &Executor{Client: client, Storage: storage, Cfg: testCfg(), Log: zap.NewNop()}

	if err := e.ExecutePlan(context.Background(), plan, before, after); err != nil {
		t.Fatal(err)
	}
	if len(client.executed) != 1 || !strings.Contains(client.executed[0], "ADD COLUMN") {
		t.Fatalf("executed = %v", client.executed)
	}
	if storage.saved == nil || len(storage.saved.Tables["local_Events"].Columns) != 2 {
		t.Fatal("target map not persisted")
	}
}

func TestExecutePlanAlreadyAtTarget(t *testing.T) {
	idCol := schema.Column{Name: "id", Type: schema.StringType{}, Required: true, PrimaryKey: true}
	valCol := schema.Column{Name: "value", Type: schema.StringType{}, Required: true}
	before := mapWith(eventsTable(idCol))
	after := mapWith(eventsTable(idCol, valCol))

	col, err := toWireMap(valCol)
	if err != nil {
		t.Fatal(err)
	}
	plan := &Plan{Operations: []Operation{
		{AddColumn: &AddColumnOp{Database: "local", Table: "Events", Column: col}},
	}}

	// The database already has the new column.
	client := &fakeClient{live: []*infra.Table{liveTable(idCol, valCol)}}
	storage := &fakeStorage{}
	e := &Executor{Client: client, Storage: storage, Cfg: testCfg(), Log: zap.NewNop()}

	if err := e.ExecutePlan(context.Background(), plan, before, after); err != nil {
		t.Fatal(err)
	}
	if len(client.executed) != 0 {
		t.Fatalf("operations must be skipped at target, executed %v", client.executed)
	}
	if storage.saved == nil {
		t.Fatal("target map must still be persisted")
	}
}

func TestExecutePlanAbortsOnDrift(t *testing.T) {
	idCol := schema.Column{Name: "id", Type: schema.StringType{}, Required: true, PrimaryKey: true}
	before := mapWith(eventsTable(idCol))
	after := mapWith(eventsTable(idCol))

	client := &fakeClient{live: []*infra.Table{
		liveTable(schema.Column{Name: "renamed", Type: schema.StringType{}}),
	}}
	storage := &fakeStorage{}
	e := &Executor{Client: client, Storage: storage, Cfg: testCfg(), Log: zap.NewNop()}

	err := e.ExecutePlan(context.Background(), &Plan{}, before, after)
	if err == nil {
		t.Fatal("drift must abort the migration")
	}
	if code := routine.ExitCode(err); code != routine.ExitDrift {
		t.Errorf("exit code = %d, want %d", code, routine.ExitDrift)
	}
	if len(client.executed) != 0 {
		t.Errorf("nothing may execute after drift, executed %v", client.executed)
	}
	if storage.saved != nil {
		t.Error("state must not be persisted after drift")
	}
}

func TestExecutePlanRejectsUndeclaredDatabase(t *testing.T) {
	idCol := schema.Column{Name: "id", Type: schema.StringType{}, Required: true, PrimaryKey: true}
	before := mapWith(eventsTable(idCol))
	after := mapWith(eventsTable(idCol))

	plan := &Plan{Operations: []Operation{
		{DropTable: &DropTableOp{Database: "warehouse", Table: "Old"}},
	}}
	client := &fakeClient{live: []*infra.Table{liveTable(idCol)}}
	e := &Executor{Client: client, Storage: &fakeStorage{}, Cfg: testCfg(), Log: zap.NewNop()}

	err := e.ExecutePlan(context.Background(), plan, before, after)
	if err == nil || !strings.Contains(err.Error(), "warehouse") {
		t.Fatalf("undeclared database must fail validation, got %v", err)
	}
}

func TestWriteReadFiles(t *testing.T) {
	idCol := schema.Column{Name: "id", Type: schema.StringType{}, Required: true, PrimaryKey: true}
	before := infra.New("local")
	after := mapWith(eventsTable(idCol))
	plan := &Plan{Operations: []Operation{
		{RawSQL: &RawSQLOp{SQL: []string{"SELECT 1"}}},
	}}

	cfg := testCfg()
	cfg.Root = t.TempDir()
	if err := WriteFiles(cfg, plan, before, after); err != nil {
		t.Fatal(err)
	}
	gotPlan, gotBefore, gotAfter, err := ReadFiles(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(gotPlan.Operations) != 1 || gotPlan.Operations[0].RawSQL == nil {
		t.Fatalf("plan round trip failed: %+v", gotPlan)
	}
	if len(gotBefore.Tables) != 0 || len(gotAfter.Tables) != 1 {
		t.Fatalf("state round trip failed: before %d tables, after %d", len(gotBefore.Tables), len(gotAfter.Tables))
	}
	if _, ok := gotAfter.Tables["local_Events"]; !ok {
		t.Fatal("table ID lost in state round trip")
	}
}
