// Package olap talks to ClickHouse: DDL execution, live-schema introspection
// and the statement rendering both depend on.
package olap

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/514-labs/moosestack-sub001/internal/config"
	"github.com/514-labs/moosestack-sub001/internal/infra"
)

// Client is the OLAP surface the planner, reconciler and executor share.
type Client interface {
	// Execute runs one DDL statement.
	Execute(ctx context.Context, sql string) error
	// ListTables introspects live tables across the given databases.
	ListTables(ctx context.Context, databases []string) ([]*infra.Table, error)
	Ping(ctx context.Context) error
	Close() error
}

type chClient struct {
	conn driver.Conn
	log  *zap.Logger
}

// Connect opens a native-protocol connection using the project's ClickHouse
// settings. Credentials come from config, which the caller has already
// re-resolved from the environment.
func Connect(cfg config.ClickHouseConfig, log *zap.Logger) (Client, error) {
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
		return nil, fmt.Errorf("opening clickhouse connection to %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &chClient{conn: conn, log: log}, nil
}

func (c *chClient) Execute(ctx context.Context, sql string) error {
	c.log.Debug("executing ddl", zap.String("sql", sql))
	if err := c.conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("executing %q: %w", sql, err)
	}
	return nil
}

func (c *chClient) Ping(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		return fmt.Errorf("pinging clickhouse: %w", err)
	}
	return nil
}

func (c *chClient) Close() error {
	return c.conn.Close()
}
