// Package leadership elects one replica as leader through a renewable Redis
// lease and broadcasts migration boundaries so followers can pause stream
// inserts while DDL runs.
package leadership

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/514-labs/moosestack-sub001/internal/config"
)

const (
	leadershipKey = "leadership"
	eventsChannel = "leadership_events"

	// RenewInterval is the lease tick. The TTL is a multiple so a single
	// missed tick does not flap leadership.
	RenewInterval = 5 * time.Second
	LeaseTTL      = 15 * time.Second
)

// Event payloads on the pub/sub channel. Each message is "<event>|<sender>".
const (
	eventLeaderNew      = "leader.new"
	eventMigrationStart = "<migration_start>"
	eventMigrationEnd   = "<migration_end>"
)

// checkAndRenewScript acquires the lease when free, renews it when held by
// us, and reports who won: 2 fresh acquisition, 1 renewal, 0 held elsewhere.
var checkAndRenewScript = redis.NewScript(`
local cur = redis.call("get", KEYS[1])
if cur == ARGV[1] then
	redis.call("pexpire", KEYS[1], ARGV[2])
	return 1
end
if not cur then
	redis.call("set", KEYS[1], ARGV[1], "px", ARGV[2])
	return 2
end
return 0`)

var releaseLeaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// Manager runs the lease loop and the event subscriber for one process.
type Manager struct {
	client *redis.Client
	prefix string
	id     string
	log    *zap.Logger

	leader atomic.Bool
	gate   *Gate

	// OnLeaderNew fires when this replica freshly acquires leadership.
	OnLeaderNew func(ctx context.Context)
}

// New wraps an existing client; tests use this with miniredis.
func New(client *redis.Client, prefix string, log *zap.Logger) *Manager {
	if prefix == "" {
		prefix = "MS"
	}
	return &Manager{
		client: client,
		prefix: prefix,
		id:     uuid.NewString(),
		log:    log,
		gate:   newGate(),
	}
}

// Open connects from project config.
func Open(p *config.Project, log *zap.Logger) (*Manager, error) {
	opts, err := redis.ParseURL(p.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return New(redis.NewClient(opts), p.Redis.KeyPrefix, log), nil
}

func (m *Manager) key() string     { return m.prefix + "::" + leadershipKey }
func (m *Manager) channel() string { return m.prefix + "::" + eventsChannel }

// ID identifies this replica in broadcast messages.
func (m *Manager) ID() string { return m.id }

// IsLeader reports the result of the most recent renewal.
func (m *Manager) IsLeader() bool { return m.leader.Load() }

// Gate is the pause gate stream inserters wait on during migrations.
func (m *Manager) Gate() *Gate { return m.gate }

// CheckAndRenew acquires or extends the lease in one atomic step.
func (m *Manager) CheckAndRenew(ctx context.Context) (hasLock, isNew bool, err error) {
	n, err := checkAndRenewScript.Run(ctx, m.client, []string{m.key()}, m.id, LeaseTTL.Milliseconds()).Int()
	if err != nil {
		return false, false, fmt.Errorf("renewing leadership lease: %w", err)
	}
	return n > 0, n == 2, nil
}

// HasLock reports whether this replica currently owns the lease, without
// renewing it.
func (m *Manager) HasLock(ctx context.Context) (bool, error) {
	cur, err := m.client.Get(ctx, m.key()).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return cur == m.id, nil
}

// Run drives the renew ticker and the event subscriber until ctx is
// cancelled, then releases the lease if held.
func (m *Manager) Run(ctx context.Context) error {
	sub := m.client.Subscribe(ctx, m.channel())
	defer func() { _ = sub.Close() }()
	go m.consume(ctx, sub.Channel())

	m.tickOnce(ctx)
	ticker := time.NewTicker(RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.tickOnce(ctx)
		case <-ctx.Done():
			if m.leader.Load() {
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
				_, _ = releaseLeaseScript.Run(releaseCtx, m.client, []string{m.key()}, m.id).Result()
				cancel()
			}
			return ctx.Err()
		}
	}
}

func (m *Manager) tickOnce(ctx context.Context) {
	hasLock, isNew, err := m.CheckAndRenew(ctx)
	if err != nil {
		// Losing the store is treated as losing leadership; the next tick
		// rediscovers.
		m.log.Warn("leadership renewal failed", zap.Error(err))
		m.leader.Store(false)
		return
	}
	wasLeader := m.leader.Swap(hasLock)
	if isNew {
		m.log.Info("acquired leadership", zap.String("instance", m.id))
		m.publish(ctx, eventLeaderNew)
		if m.OnLeaderNew != nil {
			m.OnLeaderNew(ctx)
		}
	} else if wasLeader && !hasLock {
		m.log.Warn("lost leadership", zap.String("instance", m.id))
	}
}

func (m *Manager) publish(ctx context.Context, event string) {
	if err := m.client.Publish(ctx, m.channel(), event+"|"+m.id).Err(); err != nil {
		m.log.Warn("failed to publish leadership event", zap.String("event", event), zap.Error(err))
	}
}

// MigrationStart broadcasts the migration boundary. Followers pause stream
// inserts until the matching end message.
func (m *Manager) MigrationStart(ctx context.Context) { m.publish(ctx, eventMigrationStart) }

// MigrationEnd broadcasts the end of a migration.
func (m *Manager) MigrationEnd(ctx context.Context) { m.publish(ctx, eventMigrationEnd) }

func (m *Manager) consume(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			m.handleMessage(msg.Payload)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) handleMessage(payload string) {
	event, sender, ok := strings.Cut(payload, "|")
	if !ok {
		m.log.Debug("ignoring malformed leadership event", zap.String("payload", payload))
		return
	}
	switch event {
	case eventLeaderNew:
		if sender != m.id {
			m.log.Info("new leader elected", zap.String("leader", sender))
		}
	case eventMigrationStart:
		// The migrating replica holds the migration lock; only others pause.
		if sender != m.id {
			m.log.Info("migration started elsewhere, pausing stream inserts", zap.String("leader", sender))
			m.gate.Pause()
		}
	case eventMigrationEnd:
		if sender != m.id {
			m.log.Info("migration finished, resuming stream inserts", zap.String("leader", sender))
			m.gate.Resume()
		}
	}
}
