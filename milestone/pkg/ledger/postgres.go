package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var EmbedMigrations embed.FS

// PostgresStore keeps the history in normalized tables, keyed by ledger key so
// several launches can share a database.
type PostgresStore struct {
	pool *pgxpool.Pool
	key  string
}

func NewPostgresStore(pool *pgxpool.Pool, key string) *PostgresStore {
	return &PostgresStore{pool: pool, key: key}
}

func (s *PostgresStore) Name() string { return "postgres" }

func (s *PostgresStore) Load(ctx context.Context) (*History, error) {
	h := NewHistory()
	err := s.pool.QueryRow(ctx, `
		SELECT wallet_announced, tokens_received, initial_milestones_posted
		FROM ledger_history WHERE ledger_key = $1`, s.key,
	).Scan(&h.WalletAnnounced, &h.TokensReceived, &h.InitialMilestonesPosted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT threshold FROM ledger_executed_milestones WHERE ledger_key = $1`, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to query executed milestones: %w", err)
	}
	thresholds, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan executed milestones: %w", err)
	}
	for _, t := range thresholds {
		key, err := canonical(t)
		if err != nil {
			return nil, fmt.Errorf("executed milestone %q: %w", t, err)
		}
		h.ExecutedMilestones[key] = struct{}{}
	}

	rows, err = s.pool.Query(ctx, `SELECT marketcap, posted_at FROM ledger_marketcap_updates WHERE ledger_key = $1`, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to query marketcap updates: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var mc string
		var ts int64
		if err := rows.Scan(&mc, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan marketcap update: %w", err)
		}
		h.MarketcapUpdates[mc] = ts
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read marketcap updates: %w", err)
	}
	return h, nil
}

// Save upserts flags and update timestamps. Executed milestones are only ever
// added.
func (s *PostgresStore) Save(ctx context.Context, h *History) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_history (ledger_key, wallet_announced, tokens_received, initial_milestones_posted, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (ledger_key) DO UPDATE SET
			wallet_announced = EXCLUDED.wallet_announced,
			tokens_received = EXCLUDED.tokens_received,
			initial_milestones_posted = EXCLUDED.initial_milestones_posted,
			updated_at = now()`,
		s.key, h.WalletAnnounced, h.TokensReceived, h.InitialMilestonesPosted)
	if err != nil {
		return fmt.Errorf("failed to upsert history: %w", err)
	}

	// Dedup entries mirror the in-memory map so expired ones disappear.
	kept := make([]string, 0, len(h.MarketcapUpdates))
	for mc := range h.MarketcapUpdates {
		kept = append(kept, mc)
	}
	_, err = tx.Exec(ctx, `
		DELETE FROM ledger_marketcap_updates
		WHERE ledger_key = $1 AND NOT (marketcap = ANY($2))`, s.key, kept)
	if err != nil {
		return fmt.Errorf("failed to prune marketcap updates: %w", err)
	}

	batch := &pgx.Batch{}
	for _, t := range h.Executed() {
		batch.Queue(`
			INSERT INTO ledger_executed_milestones (ledger_key, threshold)
			VALUES ($1, $2) ON CONFLICT DO NOTHING`, s.key, t)
	}
	for mc, ts := range h.MarketcapUpdates {
		batch.Queue(`
			INSERT INTO ledger_marketcap_updates (ledger_key, marketcap, posted_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (ledger_key, marketcap) DO UPDATE SET posted_at = EXCLUDED.posted_at`, s.key, mc, ts)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to write ledger entries: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit history: %w", err)
	}
	return nil
}

// OpenPostgres creates a connection pool and verifies connectivity.
func OpenPostgres(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 4
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

// MigrateDirection selects the goose command run by Migrate.
type MigrateDirection string

const (
	MigrateUp     MigrateDirection = "up"
	MigrateDown   MigrateDirection = "down"
	MigrateStatus MigrateDirection = "status"
)

// Migrate applies the embedded ledger migrations.
func Migrate(log *slog.Logger, connStr string, dir MigrateDirection) error {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	goose.SetBaseFS(EmbedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	log.Info("ledger: running migrations", "direction", dir)
	switch dir {
	case MigrateUp:
		err = goose.Up(db, "migrations")
	case MigrateDown:
		err = goose.Down(db, "migrations")
	case MigrateStatus:
		err = goose.Status(db, "migrations")
	default:
		return fmt.Errorf("unknown migration direction %q", dir)
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations (%s): %w", dir, err)
	}
	return nil
}
