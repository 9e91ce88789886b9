package main

import (
	"context"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/ato/admin/internal/admin"
	"github.com/malbeclabs/ato/milestone/pkg/ledger"
	"github.com/malbeclabs/ato/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Ledger configuration
	ledgerBackendFlag := flag.String("ledger-backend", ledger.BackendFile, "Ledger backend: file, postgres or redis (or set LEDGER_BACKEND env var)")
	ledgerPathFlag := flag.String("ledger-path", "data/ledger.json", "Ledger file path (or set LEDGER_PATH env var)")
	ledgerKeyFlag := flag.String("ledger-key", "default", "Ledger record key for postgres and redis (or set LEDGER_KEY env var)")
	redisAddrFlag := flag.String("redis-addr", "localhost:6379", "Redis address (or set REDIS_ADDR env var)")
	redisPasswordFlag := flag.String("redis-password", "", "Redis password (or set REDIS_PASSWORD env var)")

	// PostgreSQL configuration
	postgresURLFlag := flag.String("postgres-url", "", "PostgreSQL connection URL (or set POSTGRES_URL env var)")
	postgresHostFlag := flag.String("postgres-host", "", "PostgreSQL host, used when no URL is set (or set POSTGRES_HOST env var)")
	postgresPortFlag := flag.String("postgres-port", "5432", "PostgreSQL port (or set POSTGRES_PORT env var)")
	postgresDatabaseFlag := flag.String("postgres-database", "ato", "PostgreSQL database name (or set POSTGRES_DB env var)")
	postgresUsernameFlag := flag.String("postgres-username", "ato", "PostgreSQL username (or set POSTGRES_USER env var)")
	postgresPasswordFlag := flag.String("postgres-password", "", "PostgreSQL password (or set POSTGRES_PASSWORD env var)")
	postgresSSLModeFlag := flag.String("postgres-sslmode", "disable", "PostgreSQL sslmode (or set POSTGRES_SSLMODE env var)")

	// Commands
	pgMigrateFlag := flag.Bool("pg-migrate", false, "Run ledger database migrations using goose")
	pgMigrateDownFlag := flag.Bool("pg-migrate-down", false, "Roll back the last ledger database migration")
	pgMigrateStatusFlag := flag.Bool("pg-migrate-status", false, "Show ledger database migration status")
	showLedgerFlag := flag.Bool("show-ledger", false, "Print the announcement history as JSON")
	expireUpdatesFlag := flag.Duration("expire-marketcap-updates", 0, "Drop marketcap update dedup entries older than this age")
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")

	flag.Parse()

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	envOverride := map[string]*string{
		"LEDGER_BACKEND":    ledgerBackendFlag,
		"LEDGER_PATH":       ledgerPathFlag,
		"LEDGER_KEY":        ledgerKeyFlag,
		"REDIS_ADDR":        redisAddrFlag,
		"REDIS_PASSWORD":    redisPasswordFlag,
		"POSTGRES_URL":      postgresURLFlag,
		"POSTGRES_HOST":     postgresHostFlag,
		"POSTGRES_PORT":     postgresPortFlag,
		"POSTGRES_DB":       postgresDatabaseFlag,
		"POSTGRES_USER":     postgresUsernameFlag,
		"POSTGRES_PASSWORD": postgresPasswordFlag,
		"POSTGRES_SSLMODE":  postgresSSLModeFlag,
	}
	for key, dst := range envOverride {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	pgCfg := admin.PgMigrateConfig{
		URL:      *postgresURLFlag,
		Host:     *postgresHostFlag,
		Port:     *postgresPortFlag,
		Database: *postgresDatabaseFlag,
		Username: *postgresUsernameFlag,
		Password: *postgresPasswordFlag,
		SSLMode:  *postgresSSLModeFlag,
	}

	switch {
	case *pgMigrateFlag:
		return admin.PgMigrateUp(log, pgCfg)
	case *pgMigrateDownFlag:
		return admin.PgMigrateDown(log, pgCfg)
	case *pgMigrateStatusFlag:
		return admin.PgMigrateStatus(log, pgCfg)
	}

	if !*showLedgerFlag && *expireUpdatesFlag == 0 {
		flag.Usage()
		return nil
	}

	ctx := context.Background()
	openCfg := ledger.OpenConfig{
		Backend:       *ledgerBackendFlag,
		Key:           *ledgerKeyFlag,
		Path:          *ledgerPathFlag,
		RedisAddr:     *redisAddrFlag,
		RedisPassword: *redisPasswordFlag,
	}
	if openCfg.Backend == ledger.BackendPostgres {
		connStr, err := pgCfg.ConnString()
		if err != nil {
			return err
		}
		openCfg.PostgresURL = connStr
	}
	store, closeStore, err := ledger.Open(ctx, log, openCfg)
	if err != nil {
		return err
	}
	defer closeStore()

	if *showLedgerFlag {
		return admin.ShowLedger(ctx, store, os.Stdout)
	}
	_, err = admin.ExpireMarketcapUpdates(ctx, store, time.Now(), *expireUpdatesFlag, *dryRunFlag, os.Stdout)
	return err
}
