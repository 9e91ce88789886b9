// Package watcher waits for the launch tokens to arrive in the agent wallet.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/malbeclabs/ato/milestone/pkg/metrics"
	"github.com/malbeclabs/ato/milestone/pkg/wallet"
	"github.com/malbeclabs/ato/utils/pkg/retry"
)

var (
	// ErrAlreadyFunded is returned by Wait after the funded transition was
	// already reported.
	ErrAlreadyFunded = errors.New("wallet already funded")
	// ErrNotFunded is returned when MaxPolls is reached without a balance.
	ErrNotFunded = errors.New("wallet not funded")
)

type State int

const (
	AwaitingFunds State = iota
	Funded
)

func (s State) String() string {
	if s == Funded {
		return "funded"
	}
	return "awaiting_funds"
}

// Funding is reported once, when the wallet first shows a token balance.
type Funding struct {
	Balance decimal.Decimal
	At      time.Time
}

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Wallet  wallet.Backend
	Address string
	Mint    string

	PollInterval time.Duration
	// PollRetry governs the attempts within a single poll.
	PollRetry   retry.Config
	CallTimeout time.Duration
	// MaxPolls bounds the number of polls; zero polls forever.
	MaxPolls int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Wallet == nil {
		return errors.New("wallet backend is required")
	}
	if cfg.Address == "" {
		return errors.New("wallet address is required")
	}
	if cfg.Mint == "" {
		return errors.New("mint is required")
	}
	if cfg.PollInterval <= 0 {
		return errors.New("poll interval must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.PollRetry.MaxAttempts <= 0 {
		cfg.PollRetry = retry.LinearConfig(3, 2*time.Second)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return nil
}

type Watcher struct {
	log *slog.Logger
	cfg Config

	mu    sync.Mutex
	state State
}

func New(cfg Config) (*Watcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Watcher{log: cfg.Logger, cfg: cfg}, nil
}

func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Poll checks the token balance once, retrying failed checks. A check that
// keeps failing counts as a zero balance.
func (w *Watcher) Poll(ctx context.Context) decimal.Decimal {
	cfg := w.cfg.PollRetry
	cfg.Clock = w.cfg.Clock
	cfg.RetryIf = retry.Always
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		w.log.Warn("watcher: balance check failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	}

	var balance decimal.Decimal
	err := retry.Do(ctx, cfg, func() error {
		callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
		defer cancel()
		b, err := w.cfg.Wallet.CheckBalance(callCtx, w.cfg.Address, w.cfg.Mint)
		if err != nil {
			return err
		}
		balance = b.TokenOrZero()
		return nil
	})
	if err != nil {
		w.log.Warn("watcher: balance check exhausted, treating as no balance", "error", err)
		metrics.BalancePollsTotal.WithLabelValues("error").Inc()
		return decimal.Zero
	}
	metrics.BalancePollsTotal.WithLabelValues("success").Inc()
	return balance
}

// Wait polls until the token balance is positive and reports the transition.
// It reports it only once; later calls return ErrAlreadyFunded.
func (w *Watcher) Wait(ctx context.Context) (Funding, error) {
	if w.State() == Funded {
		return Funding{}, ErrAlreadyFunded
	}
	w.log.Info("watcher: waiting for tokens", "address", w.cfg.Address, "mint", w.cfg.Mint, "interval", w.cfg.PollInterval)

	for polls := 1; ; polls++ {
		balance := w.Poll(ctx)
		if err := ctx.Err(); err != nil {
			return Funding{}, err
		}
		if balance.IsPositive() {
			w.mu.Lock()
			w.state = Funded
			w.mu.Unlock()
			w.log.Info("watcher: tokens received", "balance", balance, "polls", polls)
			return Funding{Balance: balance, At: w.cfg.Clock.Now()}, nil
		}
		if w.cfg.MaxPolls > 0 && polls >= w.cfg.MaxPolls {
			return Funding{}, fmt.Errorf("%w after %d polls", ErrNotFunded, polls)
		}

		w.log.Debug("watcher: no tokens yet", "polls", polls)
		select {
		case <-ctx.Done():
			return Funding{}, ctx.Err()
		case <-w.cfg.Clock.After(w.cfg.PollInterval):
		}
	}
}
