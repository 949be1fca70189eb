package infra

import (
	"strings"
	"testing"

	"github.com/514-labs/moosestack-sub001/internal/schema"
)

func strPtr(s string) *string { return &s }

func sampleTable(name string) *Table {
	return &Table{
		Name: name,
		Columns: []schema.Column{
			{Name: "id", Type: schema.StringType{}, Required: true, PrimaryKey: true},
			{Name: "at", Type: schema.DateTimeType{}, Required: true},
		},
		OrderBy: OrderBy{Fields: []string{"id"}},
		Engine:  schema.MergeTreeEngine{},
	}
}

func TestTableIDStability(t *testing.T) {
	tests := []struct {
		name  string
		table Table
		want  string
	}{
		{"default database prefix", Table{Name: "Events"}, "local_Events"},
		{"explicit database wins", Table{Name: "Events", Database: strPtr("analytics")}, "analytics_Events"},
		{"dotted name keeps legacy id", Table{Name: "analytics.Events"}, "analytics.Events"},
		{"version suffix", Table{Name: "Events", Version: "1.2"}, "local_Events_1_2"},
		{"dotted name with version", Table{Name: "analytics.Events", Version: "2.0"}, "analytics.Events_2_0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.table.ID("local"); got != tt.want {
				t.Errorf("ID = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProtoRoundTrip(t *testing.T) {
	m := New("local")
	m.AddTable(sampleTable("Events"))
	m.AddTable(sampleTable("Users"))

	data, err := m.ToProto()
	if err != nil {
		t.Fatalf("ToProto: %v", err)
	}
	got, err := FromProto(data)
	if err != nil {
		t.Fatalf("FromProto: %v", err)
	}
	if got.DefaultDatabase != "local" {
		t.Errorf("DefaultDatabase = %q", got.DefaultDatabase)
	}
	for _, id := range []string{"local_Events", "local_Users"} {
		tab, ok := got.Tables[id]
		if !ok {
			t.Fatalf("table %s missing after round trip", id)
		}
		if len(tab.Columns) != 2 || tab.Columns[0].Name != "id" {
			t.Errorf("table %s columns did not survive: %+v", id, tab.Columns)
		}
		if _, ok := tab.Engine.(schema.MergeTreeEngine); !ok {
			t.Errorf("table %s engine = %T", id, tab.Engine)
		}
	}
}

func TestProtoDeterministic(t *testing.T) {
	m := New("local")
	m.AddTable(sampleTable("B"))
	m.AddTable(sampleTable("A"))
	first, err := m.ToProto()
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.ToProto()
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Error("equal maps must encode to equal bytes")
	}
}

func TestTableUnmarshalLegacyKeys(t *testing.T) {
	data := []byte(`{
		"name": "Events",
		"columns": [],
		"order_by": {"fields": ["id"]},
		"life_cycle": "EXTERNALLY_MANAGED",
		"engine": "MergeTree"
	}`)
	var tab Table
	if err := tab.UnmarshalJSON(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if tab.LifeCycle != ExternallyManaged {
		t.Errorf("LifeCycle = %v", tab.LifeCycle)
	}
	if tab.OrderBy.Render() != "(`id`)" {
		t.Errorf("OrderBy = %q", tab.OrderBy.Render())
	}
}

func TestEngineSerializationStripsCredentials(t *testing.T) {
	tab := sampleTable("Imports")
	tab.Engine = schema.S3QueueEngine{
		Path:      "s3://bucket/data/*.json",
		Format:    "JSONEachRow",
		AwsKey:    strPtr("AKIA123"),
		AwsSecret: strPtr("topsecret"),
	}
	data, err := tab.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	for _, secret := range []string{"AKIA123", "topsecret"} {
		if strings.Contains(string(data), secret) {
			t.Errorf("serialized table leaks %q", secret)
		}
	}
}

func TestMapValidateRejectsDanglingView(t *testing.T) {
	m := New("local")
	m.AddView(&MaterializedView{
		Name:        "Rollup",
		SelectSQL:   "SELECT 1",
		TargetTable: "local_Missing",
	})
	if err := m.Validate(); err == nil {
		t.Fatal("view targeting a missing table must not validate")
	}
}
