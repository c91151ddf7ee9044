package core

import (
	"context"
	"fmt"
	"log/slog"

	"docledger/internal/infra/persistence/memory"
	"docledger/internal/infra/persistence/postgres"
	"docledger/internal/infra/persistence/sqlite"
	"docledger/pkg/domain"
)

// StorageConfig selects and parameterizes a persistence backend.
type StorageConfig struct {
	Driver           domain.StorageDriver
	SQLitePath       string
	PostgresDSN      string
	PostgresMaxConns int32
}

// OpenPersistentStore opens the backend named by cfg.Driver. An empty driver
// defaults to sqlite.
func OpenPersistentStore(ctx context.Context, cfg StorageConfig, logger *slog.Logger) (domain.PersistentStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = domain.StorageSQLite
	}
	switch driver {
	case domain.StorageMemory:
		return memory.NewStore(), nil
	case domain.StorageSQLite:
		return sqlite.NewStore(cfg.SQLitePath, logger)
	case domain.StoragePostgres:
		return postgres.NewStore(ctx, cfg.PostgresDSN, postgres.PoolConfig{MaxConns: cfg.PostgresMaxConns}, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
