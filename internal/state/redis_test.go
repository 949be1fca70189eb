package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/514-labs/moosestack-sub001/internal/infra"
	"github.com/514-labs/moosestack-sub001/internal/schema"
)

func testStorage(t *testing.T) (Storage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStorage(client, "MS", zap.NewNop()), mr
}

func sampleMap() *infra.Map {
	m := infra.New("local")
	m.AddTable(&infra.Table{
		Name: "Events",
		Columns: []schema.Column{
			{Name: "id", Type: schema.StringType{}, Required: true, PrimaryKey: true},
		},
		OrderBy: infra.OrderBy{Fields: []string{"id"}},
		Engine:  schema.MergeTreeEngine{},
	})
	return m
}

func TestRedisMapRoundTrip(t *testing.T) {
	s, _ := testStorage(t)
	ctx := context.Background()

	got, err := s.LoadMap(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("fresh store must load nil")
	}

	if err := s.SaveMap(ctx, sampleMap()); err != nil {
		t.Fatal(err)
	}
	got, err = s.LoadMap(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.DefaultDatabase != "local" {
		t.Fatalf("loaded map = %+v", got)
	}
	if _, ok := got.Tables["local_Events"]; !ok {
		t.Errorf("table missing after round trip, have %v", len(got.Tables))
	}
}

func TestRedisMigrationLockExclusive(t *testing.T) {
	s, _ := testStorage(t)
	ctx := context.Background()

	lock, err := s.AcquireMigrationLock(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AcquireMigrationLock(ctx); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second acquire = %v, want ErrLockHeld", err)
	}
	if err := lock.Renew(ctx); err != nil {
		t.Fatalf("renew while held: %v", err)
	}
	if err := lock.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AcquireMigrationLock(ctx); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestAcquireLockWait(t *testing.T) {
	s, _ := testStorage(t)
	ctx := context.Background()

	lock, err := AcquireLockWait(ctx, s, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	// A second waiter gives up with the contention error once maxWait runs out.
	if _, err := AcquireLockWait(ctx, s, 50*time.Millisecond); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("contended acquire = %v, want ErrLockHeld", err)
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatal(err)
	}
	next, err := AcquireLockWait(ctx, s, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	_ = next.Release(ctx)
}

func TestRedisLockRenewAfterExpiry(t *testing.T) {
	s, mr := testStorage(t)
	ctx := context.Background()

	lock, err := s.AcquireMigrationLock(ctx)
	if err != nil {
		t.Fatal(err)
	}
	mr.FastForward(LockTTL * 2)
	if err := lock.Renew(ctx); err == nil {
		t.Fatal("renew after expiry must fail")
	}
	// Releasing a lost lock is a no-op, not an error.
	if err := lock.Release(ctx); err != nil {
		t.Fatal(err)
	}
}
