package atotesting

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PostgresConfig holds the PostgreSQL test container configuration.
type PostgresConfig struct {
	Database       string
	Username       string
	Password       string
	ContainerImage string
}

func (cfg *PostgresConfig) applyDefaults() {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.Username == "" {
		cfg.Username = "test"
	}
	if cfg.Password == "" {
		cfg.Password = "test"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "postgres:16-alpine"
	}
}

// NewPostgres starts a PostgreSQL container for the duration of the test and
// returns its connection string. Skipped with -short.
func NewPostgres(t *testing.T, cfg *PostgresConfig) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	if cfg == nil {
		cfg = &PostgresConfig{}
	}
	cfg.applyDefaults()
	ctx := t.Context()

	// Retry container start up to 3 times for retryable errors
	var container *tcpostgres.PostgresContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcpostgres.Run(ctx,
			cfg.ContainerImage,
			tcpostgres.WithDatabase(cfg.Database),
			tcpostgres.WithUsername(cfg.Username),
			tcpostgres.WithPassword(cfg.Password),
			tcpostgres.BasicWaitStrategies(),
			tcpostgres.WithSQLDriver("pgx"),
		)
		if err == nil {
			break
		}
		lastErr = err
		if !isRetryableContainerStartErr(err) || attempt == 3 {
			require.NoError(t, fmt.Errorf("failed to start PostgreSQL container: %w", lastErr))
		}
		time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
	}

	t.Cleanup(func() {
		terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Terminate(terminateCtx); err != nil {
			t.Logf("failed to terminate PostgreSQL container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get PostgreSQL connection string")
	return connStr
}

func isRetryableContainerStartErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded")
}
