package state

import (
	"context"
	"crypto/tls"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/514-labs/moosestack-sub001/internal/config"
	"github.com/514-labs/moosestack-sub001/internal/infra"
)

// The ClickHouse-native backend keeps the map in a single-row versioned
// table and implements the migration lock as compare-and-swap over a lock
// row: a writer claims the row with its token and expiry, then reads it back
// to confirm no concurrent writer won the merge.
const (
	stateTable = "_MOOSE_STATE"
	lockTable  = "_MOOSE_MIGRATION_LOCK"
)

type chStorage struct {
	conn     driver.Conn
	database string
	log      *zap.Logger
}

func openClickHouse(p *config.Project, log *zap.Logger) (Storage, error) {
	cfg := p.ClickHouse
	opts := &clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.DBName,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout: 10 * time.Second,
	}
	if cfg.UseSSL {
		opts.TLS = &tls.Config{}
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening clickhouse state backend: %w", err)
	}
	s := &chStorage{conn: conn, database: cfg.DBName, log: log}
	if err := s.ensureTables(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *chStorage) ensureTables(ctx context.Context) error {
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
			id UInt8,
			map String,
			updated_at DateTime64(3) DEFAULT now64(3)
		) ENGINE = ReplacingMergeTree(updated_at) ORDER BY id`, s.database, stateTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
			id UInt8,
			owner String,
			expires_at DateTime64(3),
			claimed_at DateTime64(3) DEFAULT now64(3)
		) ENGINE = ReplacingMergeTree(claimed_at) ORDER BY id`, s.database, lockTable),
	}
	for _, stmt := range ddl {
		if err := s.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("preparing state tables: %w", err)
		}
	}
	return nil
}

func (s *chStorage) LoadMap(ctx context.Context) (*infra.Map, error) {
	var encoded string
	row := s.conn.QueryRow(ctx,
		fmt.Sprintf("SELECT map FROM %s.%s FINAL WHERE id = 1", s.database, stateTable))
	if err := row.Scan(&encoded); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading map from clickhouse: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// Rows written by older versions hold raw JSON.
		return decodeMap([]byte(encoded))
	}
	return decodeMap(data)
}

func (s *chStorage) SaveMap(ctx context.Context, m *infra.Map) error {
	data, err := m.ToProto()
	if err != nil {
		return fmt.Errorf("encoding map: %w", err)
	}
	err = s.conn.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s.%s (id, map) VALUES (1, ?)", s.database, stateTable),
		base64.StdEncoding.EncodeToString(data))
	if err != nil {
		return fmt.Errorf("saving map to clickhouse: %w", err)
	}
	return nil
}

type chLock struct {
	storage *chStorage
	token   string
}

func (s *chStorage) AcquireMigrationLock(ctx context.Context) (Lock, error) {
	owner, expires, err := s.readLockRow(ctx)
	if err != nil {
		return nil, err
	}
	if owner != "" && time.Now().Before(expires) {
		return nil, ErrLockHeld
	}

	token := uuid.NewString()
	if err := s.writeLockRow(ctx, token); err != nil {
		return nil, err
	}
	// ReplacingMergeTree resolves concurrent claims by latest claimed_at;
	// read back to learn whether our claim survived.
	time.Sleep(100 * time.Millisecond)
	owner, _, err = s.readLockRow(ctx)
	if err != nil {
		return nil, err
	}
	if owner != token {
		return nil, ErrLockHeld
	}
	s.log.Debug("acquired migration lock", zap.String("token", token))
	return &chLock{storage: s, token: token}, nil
}

func (s *chStorage) readLockRow(ctx context.Context) (owner string, expires time.Time, err error) {
	row := s.conn.QueryRow(ctx,
		fmt.Sprintf("SELECT owner, expires_at FROM %s.%s FINAL WHERE id = 1", s.database, lockTable))
	if err := row.Scan(&owner, &expires); err != nil {
		if isNoRows(err) {
			return "", time.Time{}, nil
		}
		return "", time.Time{}, fmt.Errorf("reading migration lock row: %w", err)
	}
	return owner, expires, nil
}

func (s *chStorage) writeLockRow(ctx context.Context, owner string) error {
	err := s.conn.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s.%s (id, owner, expires_at) VALUES (1, ?, ?)", s.database, lockTable),
		owner, time.Now().Add(LockTTL))
	if err != nil {
		return fmt.Errorf("writing migration lock row: %w", err)
	}
	return nil
}

func (l *chLock) Renew(ctx context.Context) error {
	owner, _, err := l.storage.readLockRow(ctx)
	if err != nil {
		return err
	}
	if owner != l.token {
		return fmt.Errorf("migration lock was lost")
	}
	return l.storage.writeLockRow(ctx, l.token)
}

func (l *chLock) Release(ctx context.Context) error {
	owner, _, err := l.storage.readLockRow(ctx)
	if err != nil {
		return err
	}
	if owner != l.token {
		return nil
	}
	// An empty owner with a past expiry marks the lock free.
	err = l.storage.conn.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s.%s (id, owner, expires_at) VALUES (1, '', ?)",
			l.storage.database, lockTable),
		time.Unix(0, 0))
	if err != nil {
		return fmt.Errorf("releasing migration lock: %w", err)
	}
	return nil
}

func (s *chStorage) Close() error {
	return s.conn.Close()
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
