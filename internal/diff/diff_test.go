package diff

import (
	"testing"

	"github.com/514-labs/moosestack-sub001/internal/infra"
	"github.com/514-labs/moosestack-sub001/internal/schema"
)

func strPtr(s string) *string { return &s }

func baseTable(name string) *infra.Table {
	return &infra.Table{
		Name: name,
		Columns: []schema.Column{
			{Name: "id", Type: schema.StringType{}, Required: true, PrimaryKey: true},
			{Name: "value", Type: schema.FloatType{Width: 64}, Required: true},
		},
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

func TestDiffAddAndRemove(t *testing.T) {
	current := mapWith(baseTable("old"))
	target := mapWith(baseTable("fresh"))

	changes, err := Diff(current, target, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(changes.Tables) != 2 {
		t.Fatalf("expected 2 table changes, got %d", len(changes.Tables))
	}
	if add, ok := changes.Tables[0].(TableAdded); !ok || add.ID != "local_fresh" {
		t.Errorf("first change = %#v, want add local_fresh", changes.Tables[0])
	}
	if rm, ok := changes.Tables[1].(TableRemoved); !ok || rm.ID != "local_old" {
		t.Errorf("second change = %#v, want remove local_old", changes.Tables[1])
	}
}

func TestDiffNoChangesOnEqualMaps(t *testing.T) {
	a := mapWith(baseTable("events"))
	b := mapWith(baseTable("events"))

	changes, err := Diff(a, b, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !changes.IsEmpty() {
		t.Fatalf("expected empty change set, got %d changes", changes.Count())
	}
}

func TestDiffOrderByChangeRecreates(t *testing.T) {
	before := baseTable("events")
	after := baseTable("events")
	after.OrderBy = infra.OrderBy{Fields: []string{"id", "value"}}

	changes, err := Diff(mapWith(before), mapWith(after), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(changes.Tables) != 2 {
		t.Fatalf("expected drop+recreate (2 changes), got %d", len(changes.Tables))
	}
	if _, ok := changes.Tables[0].(TableRemoved); !ok {
		t.Errorf("first change = %T, want TableRemoved", changes.Tables[0])
	}
	if _, ok := changes.Tables[1].(TableAdded); !ok {
		t.Errorf("second change = %T, want TableAdded", changes.Tables[1])
	}
}

func TestDiffColumnAddPositioned(t *testing.T) {
	before := baseTable("events")
	after := baseTable("events")
	after.Columns = append(after.Columns[:1:1], append([]schema.Column{
		{Name: "ts", Type: schema.DateTimeType{}, Required: true},
	}, after.Columns[1:]...)...)

	changes, err := Diff(mapWith(before), mapWith(after), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(changes.Tables) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes.Tables))
	}
	upd, ok := changes.Tables[0].(TableUpdated)
	if !ok {
		t.Fatalf("change = %T, want TableUpdated", changes.Tables[0])
	}
	if len(upd.ColumnChanges) != 1 {
		t.Fatalf("expected 1 column change, got %d", len(upd.ColumnChanges))
	}
	add, ok := upd.ColumnChanges[0].(ColumnAdded)
	if !ok {
		t.Fatalf("column change = %T, want ColumnAdded", upd.ColumnChanges[0])
	}
	if add.PositionAfter == nil || *add.PositionAfter != "id" {
		t.Errorf("PositionAfter = %v, want id", add.PositionAfter)
	}
}

func TestDiffTtlOnly(t *testing.T) {
	before := baseTable("events")
	after := baseTable("events")
	after.TableTTL = strPtr("ts + INTERVAL 30 DAY")

	changes, err := Diff(mapWith(before), mapWith(after), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(changes.Tables) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes.Tables))
	}
	ttl, ok := changes.Tables[0].(TableTtlChanged)
	if !ok {
		t.Fatalf("change = %T, want TableTtlChanged", changes.Tables[0])
	}
	if ttl.After == nil || *ttl.After != "ts + INTERVAL 30 DAY" {
		t.Errorf("After = %v", ttl.After)
	}
}

func TestDiffIgnoreTableTTL(t *testing.T) {
	before := baseTable("events")
	after := baseTable("events")
	after.TableTTL = strPtr("ts + INTERVAL 30 DAY")

	ops, err := ParseIgnoreOps([]string{"table_ttl"})
	if err != nil {
		t.Fatal(err)
	}
	changes, err := Diff(mapWith(before), mapWith(after), Options{Ignore: ops})
	if err != nil {
		t.Fatal(err)
	}
	if !changes.IsEmpty() {
		t.Fatalf("ttl change should be suppressed, got %d changes", changes.Count())
	}
}

func TestParseIgnoreOpsRejectsUnknown(t *testing.T) {
	if _, err := ParseIgnoreOps([]string{"order_by"}); err == nil {
		t.Fatal("expected error for unknown ignore op")
	}
}

func TestDiffS3QueueSettingsOnly(t *testing.T) {
	engine := schema.S3QueueEngine{Path: "s3://bucket/data/*.json", Format: "JSONEachRow"}
	before := baseTable("ingest")
	before.Engine = engine
	before.OrderBy = infra.OrderBy{}
	before.Columns[0].PrimaryKey = false
	before.TableSettings = map[string]string{"mode": "unordered"}
	after := baseTable("ingest")
	after.Engine = engine
	after.OrderBy = infra.OrderBy{}
	after.Columns[0].PrimaryKey = false
	after.TableSettings = map[string]string{"mode": "unordered", "s3queue_loading_retries": "3"}

	changes, err := Diff(mapWith(before), mapWith(after), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(changes.Tables) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes.Tables))
	}
	if _, ok := changes.Tables[0].(TableSettingsChanged); !ok {
		t.Fatalf("change = %T, want TableSettingsChanged", changes.Tables[0])
	}
}

func TestDiffEnumMetadataOnly(t *testing.T) {
	declared := schema.EnumType{Name: "Status", Members: []schema.EnumMember{
		{Name: "ACTIVE", IsString: true, StrValue: "active"},
		{Name: "DONE", IsString: true, StrValue: "done"},
	}}
	dbSide := schema.EnumType{Name: "Status", Members: []schema.EnumMember{
		{Name: "active", IntValue: 1},
		{Name: "done", IntValue: 2},
	}}

	before := baseTable("jobs")
	before.Columns = append(before.Columns, schema.Column{Name: "status", Type: dbSide, Required: true})
	after := baseTable("jobs")
	after.Columns = append(after.Columns, schema.Column{Name: "status", Type: declared, Required: true})

	changes, err := Diff(mapWith(before), mapWith(after), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(changes.Tables) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes.Tables))
	}
	upd, ok := changes.Tables[0].(TableUpdated)
	if !ok {
		t.Fatalf("change = %T, want TableUpdated", changes.Tables[0])
	}
	if len(upd.ColumnChanges) != 1 {
		t.Fatalf("expected 1 column change, got %d", len(upd.ColumnChanges))
	}
	if _, ok := upd.ColumnChanges[0].(EnumMetadataOnly); !ok {
		t.Fatalf("column change = %T, want EnumMetadataOnly", upd.ColumnChanges[0])
	}
}

func TestDiffDeletionProtectedNeverDropped(t *testing.T) {
	protected := baseTable("audit")
	protected.LifeCycle = infra.DeletionProtected

	changes, err := Diff(mapWith(protected), mapWith(), Options{RespectLifeCycle: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(changes.Tables) != 0 {
		t.Fatalf("protected table produced %d changes", len(changes.Tables))
	}
}

func TestDiffDeletionProtectedBlocksRecreate(t *testing.T) {
	before := baseTable("audit")
	before.LifeCycle = infra.DeletionProtected
	after := baseTable("audit")
	after.LifeCycle = infra.DeletionProtected
	after.OrderBy = infra.OrderBy{Fields: []string{"value"}}

	changes, err := Diff(mapWith(before), mapWith(after), Options{RespectLifeCycle: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(changes.Tables) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes.Tables))
	}
	if _, ok := changes.Tables[0].(TableValidationError); !ok {
		t.Fatalf("change = %T, want TableValidationError", changes.Tables[0])
	}
}

func TestDiffExternallyManagedUntouched(t *testing.T) {
	external := baseTable("vendor_feed")
	external.LifeCycle = infra.ExternallyManaged
	changed := baseTable("vendor_feed")
	changed.LifeCycle = infra.ExternallyManaged
	changed.Columns = changed.Columns[:1]

	changes, err := Diff(mapWith(external), mapWith(changed), Options{RespectLifeCycle: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(changes.Tables) != 0 {
		t.Fatalf("externally managed table produced %d changes", len(changes.Tables))
	}
}

func TestDiffViewOrdering(t *testing.T) {
	base := baseTable("events")
	agg := baseTable("events_agg")
	target := mapWith(base, agg)
	// second reads from first, so first must be created before second
	target.AddView(&infra.MaterializedView{
		Name: "second", SelectSQL: "SELECT 1",
		SourceTables: []string{"local_first"},
		TargetTable:  "events_agg",
	})
	target.AddView(&infra.MaterializedView{
		Name: "first", SelectSQL: "SELECT 1",
		SourceTables: []string{"local_events"},
		TargetTable:  "events_agg",
	})

	changes, err := Diff(infra.New("local"), target, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(changes.Views) != 2 {
		t.Fatalf("expected 2 view changes, got %d", len(changes.Views))
	}
	if changes.Views[0].ID != "local_first" || changes.Views[1].ID != "local_second" {
		t.Errorf("view order = [%s, %s], want [local_first, local_second]",
			changes.Views[0].ID, changes.Views[1].ID)
	}
}

func TestDiffViewDropsBeforeAdds(t *testing.T) {
	tbl := baseTable("events")
	current := mapWith(tbl)
	current.AddView(&infra.MaterializedView{
		Name: "stale", SelectSQL: "SELECT 1",
		SourceTables: []string{"local_events"}, TargetTable: "events",
	})
	target := mapWith(tbl)
	target.AddView(&infra.MaterializedView{
		Name: "live", SelectSQL: "SELECT 1",
		SourceTables: []string{"local_events"}, TargetTable: "events",
	})

	changes, err := Diff(current, target, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(changes.Views) != 2 {
		t.Fatalf("expected 2 view changes, got %d", len(changes.Views))
	}
	if changes.Views[0].Action != ActionDelete || changes.Views[1].Action != ActionCreate {
		t.Errorf("actions = [%s, %s], want [delete, create]",
			changes.Views[0].Action, changes.Views[1].Action)
	}
}
