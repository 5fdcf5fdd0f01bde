package server

import (
	"context"
	"fmt"

	"github.com/lox/baucua/internal/store"
	"github.com/lox/baucua/internal/store/sqlstore"
)

// OpenStore opens the store the settings describe. The memory driver with a
// dsn keeps its state in that file between runs.
func OpenStore(ctx context.Context, settings StorageSettings) (store.Store, error) {
	switch settings.Driver {
	case StorageMemory, "":
		if settings.DSN != "" {
			return store.OpenFileMemory(settings.DSN)
		}
		return store.NewMemory(), nil
	case StorageSQLite:
		return sqlstore.Open(ctx, sqlstore.DriverSQLite, settings.DSN)
	case StoragePostgres:
		return sqlstore.Open(ctx, sqlstore.DriverPostgres, settings.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", settings.Driver)
	}
}
