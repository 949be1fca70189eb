// Package state persists the last-applied infrastructure map and hands out
// the exclusive migration lock. Two backends exist: Redis (the default) and
// a ClickHouse-native one for deployments without a coordination store.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/514-labs/moosestack-sub001/internal/config"
	"github.com/514-labs/moosestack-sub001/internal/infra"
)

// LockTTL is the migration-lease duration; holders renew at a fraction of it.
const LockTTL = 30 * time.Second

// ErrLockHeld is returned when another process holds the migration lock.
var ErrLockHeld = fmt.Errorf("migration lock is held by another process")

// Lock is a renewable exclusive lease. Release must be called on all exit
// paths; releasing a lost lock is a no-op.
type Lock interface {
	// Renew extends the lease. Fails if the lock was lost.
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// Storage persists the infrastructure map between runs.
type Storage interface {
	// LoadMap returns the stored map, or nil when none has been saved yet.
	LoadMap(ctx context.Context) (*infra.Map, error)
	SaveMap(ctx context.Context, m *infra.Map) error
	// AcquireMigrationLock takes the global exclusive migration lease.
	AcquireMigrationLock(ctx context.Context) (Lock, error)
	Close() error
}

// AcquireLockWait retries acquisition while another holder finishes, backing
// off exponentially up to maxWait. Errors other than contention fail fast.
func AcquireLockWait(ctx context.Context, s Storage, maxWait time.Duration) (Lock, error) {
	var lock Lock
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(maxWait)), ctx)
	err := backoff.Retry(func() error {
		l, err := s.AcquireMigrationLock(ctx)
		if err != nil {
			if errors.Is(err, ErrLockHeld) {
				return err
			}
			return backoff.Permanent(err)
		}
		lock = l
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// Open builds the backend selected by project config.
func Open(p *config.Project, log *zap.Logger) (Storage, error) {
	switch p.State.Backend {
	case "clickhouse":
		return openClickHouse(p, log)
	default:
		return openRedis(p, log)
	}
}

// decodeMap accepts both the binary wire form and the JSON fallback.
func decodeMap(data []byte) (*infra.Map, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '{' {
		return infra.FromJSON(data)
	}
	return infra.FromProto(data)
}
