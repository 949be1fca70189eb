package leadership

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func testManagers(t *testing.T) (*Manager, *Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "MS", zap.NewNop()), New(client, "MS", zap.NewNop()), mr
}

func TestLeaseExclusive(t *testing.T) {
	a, b, _ := testManagers(t)
	ctx := context.Background()

	has, isNew, err := a.CheckAndRenew(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !has || !isNew {
		t.Fatalf("first acquisition: has=%v isNew=%v, want true/true", has, isNew)
	}

	has, isNew, err = b.CheckAndRenew(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if has || isNew {
		t.Fatalf("second replica must not acquire: has=%v isNew=%v", has, isNew)
	}

	// Renewal is not a fresh acquisition.
	has, isNew, err = a.CheckAndRenew(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !has || isNew {
		t.Fatalf("renewal: has=%v isNew=%v, want true/false", has, isNew)
	}
}

func TestLeaseExpiryHandsOver(t *testing.T) {
	a, b, mr := testManagers(t)
	ctx := context.Background()

	if _, _, err := a.CheckAndRenew(ctx); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(LeaseTTL * 2)

	has, isNew, err := b.CheckAndRenew(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !has || !isNew {
		t.Fatalf("expired lease must hand over: has=%v isNew=%v", has, isNew)
	}

	has, err = a.HasLock(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Fatal("old leader must not report the lock after handover")
	}
}

func TestMigrationMessagesPauseFollowers(t *testing.T) {
	a, b, _ := testManagers(t)

	b.handleMessage("<migration_start>|" + a.ID())
	if !b.Gate().Paused() {
		t.Fatal("follower must pause on migration start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := b.Gate().Wait(ctx); err == nil {
		t.Fatal("wait must block while paused")
	}

	b.handleMessage("<migration_end>|" + a.ID())
	if b.Gate().Paused() {
		t.Fatal("follower must resume on migration end")
	}
	if err := b.Gate().Wait(context.Background()); err != nil {
		t.Fatalf("open gate must not block: %v", err)
	}
}

func TestOwnMigrationMessagesIgnored(t *testing.T) {
	a, _, _ := testManagers(t)

	a.handleMessage("<migration_start>|" + a.ID())
	if a.Gate().Paused() {
		t.Fatal("a replica must not pause on its own migration")
	}
}

func TestMalformedMessageIgnored(t *testing.T) {
	a, _, _ := testManagers(t)
	a.handleMessage("garbage")
	if a.Gate().Paused() {
		t.Fatal("malformed messages must not change gate state")
	}
}
