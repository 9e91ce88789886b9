package admin

import (
	"fmt"
	"log/slog"
	"net/url"

	"github.com/malbeclabs/ato/milestone/pkg/ledger"
)

// PgMigrateConfig locates the postgres ledger database. URL wins over the
// individual fields when set.
type PgMigrateConfig struct {
	URL      string
	Host     string
	Port     string
	Database string
	Username string
	Password string
	SSLMode  string
}

// ConnString returns the postgres connection string.
func (cfg PgMigrateConfig) ConnString() (string, error) {
	if cfg.URL != "" {
		return cfg.URL, nil
	}
	if cfg.Host == "" || cfg.Database == "" {
		return "", fmt.Errorf("postgres url or host and database are required")
	}
	port := cfg.Port
	if port == "" {
		port = "5432"
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.Username, cfg.Password),
		Host:     cfg.Host + ":" + port,
		Path:     "/" + cfg.Database,
		RawQuery: url.Values{"sslmode": {sslMode}}.Encode(),
	}
	return u.String(), nil
}

// PgMigrateUp runs all pending ledger migrations
func PgMigrateUp(log *slog.Logger, cfg PgMigrateConfig) error {
	return pgMigrate(log, cfg, ledger.MigrateUp)
}

// PgMigrateDown rolls back the last ledger migration
func PgMigrateDown(log *slog.Logger, cfg PgMigrateConfig) error {
	return pgMigrate(log, cfg, ledger.MigrateDown)
}

// PgMigrateStatus shows the status of all ledger migrations
func PgMigrateStatus(log *slog.Logger, cfg PgMigrateConfig) error {
	return pgMigrate(log, cfg, ledger.MigrateStatus)
}

func pgMigrate(log *slog.Logger, cfg PgMigrateConfig, dir ledger.MigrateDirection) error {
	connStr, err := cfg.ConnString()
	if err != nil {
		return err
	}
	if err := ledger.Migrate(log, connStr, dir); err != nil {
		return err
	}
	log.Info("ledger migrations completed", "direction", dir)
	return nil
}
