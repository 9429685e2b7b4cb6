package cli

import (
	"context"
	"fmt"

	"nuha.dev/gpsclient/internal/config"
	"nuha.dev/gpsclient/internal/store"
	"nuha.dev/gpsclient/internal/store/impl/boltstore"
	"nuha.dev/gpsclient/internal/store/impl/memstore"
	"nuha.dev/gpsclient/internal/store/impl/pgstore"
	"nuha.dev/gpsclient/internal/store/impl/sqlitestore"
)

// OpenStore opens the queue selected by c.Driver.
func OpenStore(ctx context.Context, c *config.StoreConfig) (store.Store, error) {
	switch c.Driver {
	case config.DriverBolt:
		return boltstore.Open(&boltstore.StoreConfig{Path: c.Path, OpenTimeout: c.OpenTimeout()})
	case config.DriverSqlite:
		return sqlitestore.Open(&sqlitestore.StoreConfig{Path: c.Path})
	case config.DriverPostgres:
		return pgstore.Open(ctx, &pgstore.StoreConfig{URL: c.URL, Table: c.Table})
	case config.DriverMemory:
		return memstore.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", c.Driver)
	}
}
