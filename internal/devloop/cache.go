package devloop

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/514-labs/moosestack-sub001/internal/infra"
	"github.com/514-labs/moosestack-sub001/internal/olap"
)

// introspectionTTL keeps rapid successive reloads from re-querying
// system.tables; any apply invalidates.
const introspectionTTL = 3 * time.Second

// CachedClient caches ListTables results for the dev loop. Execute
// invalidates, since DDL changes what introspection would return.
type CachedClient struct {
	olap.Client
	cache *gocache.Cache
}

func NewCachedClient(inner olap.Client) *CachedClient {
	return &CachedClient{
		Client: inner,
		cache:  gocache.New(introspectionTTL, time.Minute),
	}
}

func (c *CachedClient) ListTables(ctx context.Context, databases []string) ([]*infra.Table, error) {
	key := strings.Join(databases, ",")
	if cached, ok := c.cache.Get(key); ok {
		return cached.([]*infra.Table), nil
	}
	tables, err := c.Client.ListTables(ctx, databases)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, tables)
	return tables, nil
}

func (c *CachedClient) Execute(ctx context.Context, sql string) error {
	c.Invalidate()
	return c.Client.Execute(ctx, sql)
}

// Invalidate drops every cached introspection result.
func (c *CachedClient) Invalidate() {
	c.cache.Flush()
}
