package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/514-labs/moosestack-sub001/internal/config"
	"github.com/514-labs/moosestack-sub001/internal/infra"
)

const (
	mapKey           = "infrastructure_map"
	migrationLockKey = "migration_lock"
)

type redisStorage struct {
	client *redis.Client
	prefix string
	log    *zap.Logger
}

func openRedis(p *config.Project, log *zap.Logger) (Storage, error) {
	opts, err := redis.ParseURL(p.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	prefix := p.Redis.KeyPrefix
	if prefix == "" {
		prefix = "MS"
	}
	return &redisStorage{client: redis.NewClient(opts), prefix: prefix, log: log}, nil
}

// NewRedisStorage wraps an existing client; tests use this with miniredis.
func NewRedisStorage(client *redis.Client, prefix string, log *zap.Logger) Storage {
	return &redisStorage{client: client, prefix: prefix, log: log}
}

func (s *redisStorage) key(name string) string {
	return s.prefix + "::" + name
}

func (s *redisStorage) LoadMap(ctx context.Context) (*infra.Map, error) {
	data, err := s.client.Get(ctx, s.key(mapKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading map from redis: %w", err)
	}
	return decodeMap(data)
}

func (s *redisStorage) SaveMap(ctx context.Context, m *infra.Map) error {
	data, err := m.ToProto()
	if err != nil {
		return fmt.Errorf("encoding map: %w", err)
	}
	if err := s.client.Set(ctx, s.key(mapKey), data, 0).Err(); err != nil {
		return fmt.Errorf("saving map to redis: %w", err)
	}
	return nil
}

// releaseScript deletes the lock only when we still own it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// renewScript extends the TTL only when we still own it.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

type redisLock struct {
	client *redis.Client
	key    string
	token  string
	log    *zap.Logger
}

func (s *redisStorage) AcquireMigrationLock(ctx context.Context) (Lock, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, s.key(migrationLockKey), token, LockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring migration lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	s.log.Debug("acquired migration lock", zap.String("token", token))
	return &redisLock{client: s.client, key: s.key(migrationLockKey), token: token, log: s.log}, nil
}

func (l *redisLock) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, LockTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("renewing migration lock: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("migration lock was lost")
	}
	return nil
}

func (l *redisLock) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int(); err != nil {
		return fmt.Errorf("releasing migration lock: %w", err)
	}
	l.log.Debug("released migration lock")
	return nil
}

func (s *redisStorage) Close() error {
	return s.client.Close()
}
