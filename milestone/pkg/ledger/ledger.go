// Package ledger persists the announcement history that makes one-time
// effects idempotent across restarts.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/malbeclabs/ato/milestone/pkg/metrics"
)

// ErrNotFound is returned by a Store that has no record yet.
var ErrNotFound = errors.New("ledger record not found")

// Store reads and writes a single history record.
type Store interface {
	Name() string
	Load(ctx context.Context) (*History, error)
	Save(ctx context.Context, h *History) error
}

const defaultTimeout = 10 * time.Second

// Ledger wraps a Store with the failure policy of the control loop: reads
// never fail and writes are best-effort.
type Ledger struct {
	log     *slog.Logger
	store   Store
	timeout time.Duration
}

func New(log *slog.Logger, store Store) *Ledger {
	return &Ledger{log: log, store: store, timeout: defaultTimeout}
}

// Backend returns the name of the underlying store.
func (l *Ledger) Backend() string {
	return l.store.Name()
}

// Load returns the persisted history, or an empty one if nothing was stored
// or the store could not be read.
func (l *Ledger) Load(ctx context.Context) *History {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	h, err := l.store.Load(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		l.log.Info("ledger: no history yet, starting empty", "backend", l.store.Name())
		metrics.LedgerOperationsTotal.WithLabelValues(l.store.Name(), "load", "empty").Inc()
		return NewHistory()
	case err != nil:
		l.log.Error("ledger: failed to load history, starting empty", "backend", l.store.Name(), "error", err)
		metrics.LedgerOperationsTotal.WithLabelValues(l.store.Name(), "load", "error").Inc()
		return NewHistory()
	}
	h.init()
	metrics.LedgerOperationsTotal.WithLabelValues(l.store.Name(), "load", "success").Inc()
	l.log.Debug("ledger: history loaded", "backend", l.store.Name(), "executed", len(h.ExecutedMilestones))
	return h
}

// Save persists h. Failures are logged and returned but must not stop the
// caller; the worst case is a repeated announcement after a restart.
// Cancelling ctx does not abort the write; it runs under the ledger's own
// timeout.
func (l *Ledger) Save(ctx context.Context, h *History) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()

	if err := l.store.Save(ctx, h); err != nil {
		l.log.Error("ledger: failed to save history", "backend", l.store.Name(), "error", err)
		metrics.LedgerOperationsTotal.WithLabelValues(l.store.Name(), "save", "error").Inc()
		return err
	}
	metrics.LedgerOperationsTotal.WithLabelValues(l.store.Name(), "save", "success").Inc()
	return nil
}
