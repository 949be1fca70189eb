package olap

import (
	"testing"

	"github.com/514-labs/moosestack-sub001/internal/infra"
	"github.com/514-labs/moosestack-sub001/internal/schema"
)

func TestParseColumnType(t *testing.T) {
	p3 := 3
	cases := []struct {
		in   string
		want schema.ColumnType
	}{
		{"String", schema.StringType{}},
		{"Bool", schema.BooleanType{}},
		{"UInt64", schema.IntType{Width: 64}},
		{"Int32", schema.IntType{Width: 32, Signed: true}},
		{"Int128", schema.BigIntType{}},
		{"Float64", schema.FloatType{Width: 64}},
		{"Date", schema.Date16Type{}},
		{"Date32", schema.DateType{}},
		{"DateTime", schema.DateTimeType{}},
		{"DateTime('UTC')", schema.DateTimeType{}},
		{"DateTime64(3)", schema.DateTimeType{Precision: &p3}},
		{"FixedString(16)", schema.FixedStringType{Length: 16}},
		{"Decimal(18, 4)", schema.DecimalType{Precision: 18, Scale: 4}},
		{"Nullable(String)", schema.NullableType{Inner: schema.StringType{}}},
		{"LowCardinality(String)", schema.StringType{}},
		{"Array(Nullable(UInt8))", schema.ArrayType{Element: schema.IntType{Width: 8}, ElementNullable: true}},
		{"Map(String, UInt64)", schema.MapType{Key: schema.StringType{}, Value: schema.IntType{Width: 64}}},
		{"Tuple(lat Float64, lon Float64)", schema.NamedTupleType{Fields: []schema.TupleField{
			{Name: "lat", Type: schema.FloatType{Width: 64}},
			{Name: "lon", Type: schema.FloatType{Width: 64}},
		}}},
		{"Enum8('text' = 1, 'email' = 2)", schema.EnumType{Members: []schema.EnumMember{
			{Name: "text", IntValue: 1},
			{Name: "email", IntValue: 2},
		}}},
		{"Point", schema.PointType{}},
		{"JSON", schema.JSONType{}},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseColumnType(tc.in)
			if err != nil {
				t.Fatal(err)
			}
			if !schema.TypesEqual(got, tc.want) {
				t.Errorf("ParseColumnType(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestParseColumnTypeRejectsUnknown(t *testing.T) {
	for _, in := range []string{"AggregateFunction(sum, UInt64)", "Nothing", "Tuple(String)"} {
		if _, err := ParseColumnType(in); err == nil {
			t.Errorf("ParseColumnType(%q) should fail", in)
		}
	}
}

func TestEngineClause(t *testing.T) {
	cases := []struct{ in, want string }{
		{"MergeTree ORDER BY id SETTINGS index_granularity = 8192", "MergeTree"},
		{"ReplacingMergeTree(ver) PRIMARY KEY id ORDER BY id", "ReplacingMergeTree(ver)"},
		{"S3Queue('s3://b/p', 'JSONEachRow') SETTINGS mode = 'unordered'", "S3Queue('s3://b/p', 'JSONEachRow')"},
	}
	for _, tc := range cases {
		if got := engineClause(tc.in); got != tc.want {
			t.Errorf("engineClause(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestOrderByFromSortingKey(t *testing.T) {
	ob := orderByFromSortingKey("id, ts")
	if len(ob.Fields) != 2 || ob.Fields[0] != "id" || ob.Fields[1] != "ts" {
		t.Errorf("fields = %v", ob.Fields)
	}

	expr := orderByFromSortingKey("cityHash64(id)")
	if expr.Expression == nil || *expr.Expression != "(cityHash64(id))" {
		t.Errorf("expression = %v", expr.Expression)
	}

	if !orderByFromSortingKey("tuple()").IsEmpty() {
		t.Error("tuple() should parse as empty order-by")
	}
}

func TestExtractTableTTL(t *testing.T) {
	q := "CREATE TABLE local.Events (`id` String) ENGINE = MergeTree ORDER BY id TTL ts + INTERVAL 30 DAY SETTINGS index_granularity = 8192"
	if got := extractTableTTL(q); got != "ts + INTERVAL 30 DAY" {
		t.Errorf("ttl = %q", got)
	}
	if got := extractTableTTL("CREATE TABLE t (`id` String) ENGINE = MergeTree ORDER BY id"); got != "" {
		t.Errorf("ttl on plain table = %q", got)
	}
}

func TestExtractSettingsDropsIndexGranularity(t *testing.T) {
	q := "CREATE TABLE t (`id` String) ENGINE = MergeTree ORDER BY id SETTINGS index_granularity = 8192, ttl_only_drop_parts = 1"
	got := extractSettings(q)
	if len(got) != 1 || got["ttl_only_drop_parts"] != "1" {
		t.Errorf("settings = %v", got)
	}
}

func TestRestoreDeclaredEnum(t *testing.T) {
	declared := schema.EnumType{Name: "RecordType", Members: []schema.EnumMember{
		{Name: "TEXT", IsString: true, StrValue: "text"},
		{Name: "EMAIL", IsString: true, StrValue: "email"},
	}}
	dbSide := schema.EnumType{Members: []schema.EnumMember{
		{Name: "text", IntValue: 1},
		{Name: "email", IntValue: 2},
	}}

	got := restoreDeclaredEnum(schema.NullableType{Inner: dbSide}, declared)
	n, ok := got.(schema.NullableType)
	if !ok {
		t.Fatalf("got %T", got)
	}
	if !schema.TypesEqual(n.Inner, declared) {
		t.Errorf("inner = %v, want declared enum", n.Inner)
	}
}

func TestBuildLiveTable(t *testing.T) {
	live := []liveColumn{
		{name: "id", typeExpr: "String"},
		{name: "note", typeExpr: "Nullable(String)"},
	}
	tbl, err := buildLiveTable("local", "Events",
		"MergeTree ORDER BY id SETTINGS index_granularity = 8192",
		"id", "id", "", "",
		"CREATE TABLE local.Events (`id` String) ENGINE = MergeTree ORDER BY id",
		live)
	if err != nil {
		t.Fatal(err)
	}
	if tbl.ID("local") != "local_Events" {
		t.Errorf("id = %s", tbl.ID("local"))
	}
	if !tbl.Columns[0].PrimaryKey || !tbl.Columns[0].Required {
		t.Error("id must be a required primary-key column")
	}
	if tbl.Columns[1].Required {
		t.Error("nullable column must not be required")
	}
	if tbl.OrderBy.Equal(infra.OrderBy{}) {
		t.Error("order-by must reflect the sorting key")
	}
	if tbl.EngineParamsHash == "" {
		t.Error("live tables carry a computed engine hash")
	}
}
