package ledger

import (
	"context"
	"fmt"
	"log/slog"
)

const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// OpenConfig selects and locates a Store.
type OpenConfig struct {
	Backend string
	// Key names the record for the postgres and redis backends.
	Key  string
	Path string

	PostgresURL string
	// Migrate applies pending migrations before opening the postgres pool.
	Migrate bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Open returns the configured Store and a function releasing its connections.
func Open(ctx context.Context, log *slog.Logger, cfg OpenConfig) (Store, func(), error) {
	switch cfg.Backend {
	case BackendFile, "":
		if cfg.Path == "" {
			return nil, nil, fmt.Errorf("ledger path is required for the file backend")
		}
		return NewFileStore(cfg.Path), func() {}, nil
	case BackendPostgres:
		if cfg.Migrate {
			if err := Migrate(log, cfg.PostgresURL, MigrateUp); err != nil {
				return nil, nil, err
			}
		}
		pool, err := OpenPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		return NewPostgresStore(pool, cfg.Key), pool.Close, nil
	case BackendRedis:
		rdb, err := OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return NewRedisStore(rdb, cfg.Key), func() { _ = rdb.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}
