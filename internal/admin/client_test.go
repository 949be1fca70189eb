package admin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/514-labs/moosestack-sub001/internal/infra"
)

func TestFetchInfraMapProtobufRoundTrip(t *testing.T) {
	srv, _ := testServer(nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	c, err := NewClient(ts.URL, "", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	m, err := c.FetchInfraMap(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Tables["local_Events"]; !ok {
		t.Fatal("fetched map missing local_Events")
	}
}

func TestFetchInfraMapSendsBearer(t *testing.T) {
	t.Setenv("MOOSE_ADMIN_TOKEN", "secret")
	srv, _ := testServer(nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	c, err := NewClient(ts.URL, "secret", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.FetchInfraMap(context.Background()); err != nil {
		t.Fatal(err)
	}

	bad, _ := NewClient(ts.URL, "wrong", zap.NewNop())
	if _, err := bad.FetchInfraMap(context.Background()); err == nil {
		t.Fatal("wrong token must fail without retrying forever")
	}
}

func TestFetchInfraMapLegacyServer(t *testing.T) {
	// A server without /admin/inframap answers 404; the client must report
	// it as a legacy server, not retry.
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/plan", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"changes":["create table local_Events"]}`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c, err := NewClient(ts.URL, "", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.FetchInfraMap(context.Background())
	if !errors.Is(err, ErrLegacyServer) {
		t.Fatalf("err = %v, want ErrLegacyServer", err)
	}

	changes, err := c.LegacyPlan(context.Background(), infra.New("local"))
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 {
		t.Fatalf("changes = %v", changes)
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient("not a url", "", zap.NewNop()); err == nil {
		t.Fatal("missing scheme must be rejected")
	}
}
