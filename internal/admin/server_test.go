package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/514-labs/moosestack-sub001/internal/config"
	"github.com/514-labs/moosestack-sub001/internal/infra"
	"github.com/514-labs/moosestack-sub001/internal/schema"
	"github.com/514-labs/moosestack-sub001/internal/state"
)

type memStorage struct {
	m *infra.Map
}

func (s *memStorage) LoadMap(context.Context) (*infra.Map, error)   { return s.m, nil }
func (s *memStorage) SaveMap(_ context.Context, m *infra.Map) error { s.m = m; return nil }
func (s *memStorage) AcquireMigrationLock(context.Context) (state.Lock, error) {
	return nil, state.ErrLockHeld
}
func (s *memStorage) Close() error { return nil }

type fakeClient struct {
	live []*infra.Table
}

func (f *fakeClient) Execute(context.Context, string) error { return nil }
func (f *fakeClient) ListTables(context.Context, []string) ([]*infra.Table, error) {
	return f.live, nil
}
func (f *fakeClient) Ping(context.Context) error { return nil }
func (f *fakeClient) Close() error               { return nil }

func eventsTable() *infra.Table {
	return &infra.Table{
		Name: "Events",
		Columns: []schema.Column{
			{Name: "id", Type: schema.StringType{}, Required: true, PrimaryKey: true},
		},
		OrderBy: infra.OrderBy{Fields: []string{"id"}},
		Engine:  schema.MergeTreeEngine{},
	}
}

func liveEventsTable() *infra.Table {
	t := eventsTable()
	db := "local"
	t.Database = &db
	return t
}

func testServer(live []*infra.Table, stored *infra.Map) (*Server, *memStorage) {
	target := infra.New("local")
	target.AddTable(eventsTable())
	storage := &memStorage{m: stored}
	return &Server{
		Cfg: &config.Project{
			ClickHouse: config.ClickHouseConfig{DBName: "local"},
			Features:   config.Features{OlapEnabled: true},
		},
		Log:     zap.NewNop(),
		Storage: storage,
		Client:  &fakeClient{live: live},
		Live:    func() *infra.Map { return target },
	}, storage
}

func TestHealthOpenWithoutAuth(t *testing.T) {
	t.Setenv("MOOSE_ADMIN_TOKEN", "secret")
	srv, _ := testServer(nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %d, want 200", resp.StatusCode)
	}
}

func TestBearerAuth(t *testing.T) {
	t.Setenv("MOOSE_ADMIN_TOKEN", "secret")
	srv, _ := testServer(nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/admin/inframap")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/admin/inframap", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid token = %d, want 200", resp.StatusCode)
	}

	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d, want 401", resp.StatusCode)
	}
}

func TestInfraMapNegotiation(t *testing.T) {
	srv, _ := testServer(nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/admin/inframap", nil)
	req.Header.Set("Accept", contentTypeProtobuf)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); ct != contentTypeProtobuf {
		t.Fatalf("content type = %s", ct)
	}

	resp2, err := http.Get(ts.URL + "/admin/inframap")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp2.Body.Close() }()
	var m infra.Map
	if err := json.NewDecoder(resp2.Body).Decode(&m); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Tables["local_Events"]; !ok {
		t.Fatal("JSON map missing local_Events")
	}
}

func TestRealityCheckReportsMissing(t *testing.T) {
	stored := infra.New("local")
	stored.AddTable(eventsTable())
	srv, _ := testServer(nil, stored) // live DB is empty
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/admin/reality-check")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var out RealityCheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.MissingTables) != 1 || out.MissingTables[0] != "local_Events" {
		t.Fatalf("missing = %v", out.MissingTables)
	}
}

func TestIntegrateChangesAdoptsMatching(t *testing.T) {
	// Live DB has the table; the stored map does not.
	srv, storage := testServer([]*infra.Table{liveEventsTable()}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(IntegrateRequest{Tables: []string{"Events"}})
	resp, err := http.Post(ts.URL+"/admin/integrate-changes", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var out IntegrateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Integrated) != 1 || out.Integrated[0] != "local_Events" {
		t.Fatalf("integrated = %v, skipped = %v", out.Integrated, out.Skipped)
	}
	if storage.m == nil {
		t.Fatal("adoption must be persisted")
	}
	adopted, ok := storage.m.Tables["local_Events"]
	if !ok || adopted.LifeCycle != infra.FullyManaged {
		t.Fatal("adopted table must be FullyManaged in the persisted map")
	}
}

func TestIntegrateChangesSkipsMismatched(t *testing.T) {
	live := liveEventsTable()
	live.Columns = append(live.Columns, schema.Column{Name: "extra", Type: schema.StringType{}})
	stored := infra.New("local")
	stored.AddTable(eventsTable())
	srv, _ := testServer([]*infra.Table{live}, stored)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(IntegrateRequest{Tables: []string{"Events", "Unknown"}})
	resp, err := http.Post(ts.URL+"/admin/integrate-changes", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var out IntegrateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Integrated) != 0 {
		t.Fatalf("mismatched table must not be adopted: %v", out.Integrated)
	}
	if reason := out.Skipped["Events"]; !strings.Contains(reason, "differs") {
		t.Fatalf("skipped[Events] = %q", reason)
	}
	if _, ok := out.Skipped["Unknown"]; !ok {
		t.Fatal("unknown table must be reported as skipped")
	}
}

func TestLegacyPlanComputesChanges(t *testing.T) {
	srv, _ := testServer(nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	target := infra.New("local")
	target.AddTable(eventsTable())
	body, err := target.ToJSON()
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(ts.URL+"/admin/plan", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var out struct {
		Changes []string `json:"changes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Changes) != 1 || !strings.Contains(out.Changes[0], "create table local_Events") {
		t.Fatalf("changes = %v", out.Changes)
	}
}
