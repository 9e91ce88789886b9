// Package executor carries out the burn, buyback and dev transfer a milestone
// prescribes.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/malbeclabs/ato/milestone/pkg/announce"
	"github.com/malbeclabs/ato/milestone/pkg/ladder"
	"github.com/malbeclabs/ato/milestone/pkg/metrics"
	"github.com/malbeclabs/ato/milestone/pkg/wallet"
	"github.com/malbeclabs/ato/utils/pkg/retry"
)

const (
	DefaultTokenDecimals = 9
	DefaultSettleDelay   = 5 * time.Second
	DefaultBuybackDelay  = 15 * time.Second
	DefaultCallTimeout   = 60 * time.Second
)

var (
	DefaultTotalSupply = decimal.NewFromInt(1_000_000_000)

	hundred = decimal.NewFromInt(100)
	two     = decimal.NewFromInt(2)
)

// DefaultSpecialThresholds are the milestones that share the burn with the dev wallet.
func DefaultSpecialThresholds() []decimal.Decimal {
	return []decimal.Decimal{decimal.NewFromInt(1_000_000), decimal.NewFromInt(10_000_000)}
}

// DefaultBurnRetry makes 3 attempts with exponential backoff.
func DefaultBurnRetry() retry.Config {
	return retry.Config{
		MaxAttempts: 3,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  10 * time.Second,
		Strategy:    retry.Exponential,
	}
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Wallet wallet.Backend
	Handle wallet.Handle
	Mint   string

	TokenDecimals uint8
	TotalSupply   decimal.Decimal

	DevAddress        string
	SpecialThresholds []decimal.Decimal
	// Milestones, when set, are checked at validation time: a special
	// milestone without a dev address is rejected.
	Milestones []ladder.Milestone

	// SettleDelay is waited before the first action, BuybackDelay between the
	// burn and the buyback. Non-positive values skip the wait.
	SettleDelay  time.Duration
	BuybackDelay time.Duration

	BurnRetry   retry.Config
	CallTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Wallet == nil {
		return errors.New("wallet backend is required")
	}
	if cfg.Mint == "" {
		return errors.New("mint is required")
	}
	if cfg.Handle.PublicKey == "" {
		return errors.New("wallet handle is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.TokenDecimals == 0 {
		cfg.TokenDecimals = DefaultTokenDecimals
	}
	if !cfg.TotalSupply.IsPositive() {
		cfg.TotalSupply = DefaultTotalSupply
	}
	if cfg.SpecialThresholds == nil {
		cfg.SpecialThresholds = DefaultSpecialThresholds()
	}
	if err := RequireDevAddress(cfg.Milestones, cfg.SpecialThresholds, cfg.DevAddress); err != nil {
		return err
	}
	if cfg.BurnRetry.MaxAttempts <= 0 {
		cfg.BurnRetry = DefaultBurnRetry()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return nil
}

// Outcome reports which sub-actions of a milestone completed.
type Outcome struct {
	ID             string
	Special        bool
	Burned         bool
	BoughtBack     bool
	DevTransferred bool
	BurnAttempts   int
	// Summary is the announcement text for this execution.
	Summary string
}

// Success is true only when no sub-action failed.
func (o Outcome) Success() bool {
	return o.Summary != "" && !announce.Failed(o.Summary)
}

type Executor struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Executor{log: cfg.Logger, cfg: cfg}, nil
}

// IsSpecial reports whether threshold takes the special path.
func (e *Executor) IsSpecial(threshold decimal.Decimal) bool {
	return isSpecial(e.cfg.SpecialThresholds, threshold)
}

func isSpecial(specials []decimal.Decimal, threshold decimal.Decimal) bool {
	for _, s := range specials {
		if s.Equal(threshold) {
			return true
		}
	}
	return false
}

// RequireDevAddress fails when a milestone in ms takes the special path and
// devAddress is empty. A nil specials list means the defaults.
func RequireDevAddress(ms []ladder.Milestone, specials []decimal.Decimal, devAddress string) error {
	if devAddress != "" {
		return nil
	}
	if specials == nil {
		specials = DefaultSpecialThresholds()
	}
	for _, m := range ms {
		if isSpecial(specials, m.Threshold) {
			return fmt.Errorf("dev address is required: milestone %s shares its burn with the dev wallet", m.Key())
		}
	}
	return nil
}

// Execute runs the path the milestone calls for.
func (e *Executor) Execute(ctx context.Context, m ladder.Milestone) Outcome {
	if e.IsSpecial(m.Threshold) {
		return e.ExecuteSpecial(ctx, m.BurnPercent, m.BuybackAmount, e.cfg.DevAddress)
	}
	return e.ExecuteStandard(ctx, m.BurnPercent, m.BuybackAmount)
}

// ExecuteStandard burns burnPercent of total supply, then buys back with
// buyback native units.
func (e *Executor) ExecuteStandard(ctx context.Context, burnPercent, buyback decimal.Decimal) Outcome {
	out := Outcome{ID: uuid.New().String()}
	log := e.log.With("execution_id", out.ID, "kind", "standard")
	log.Info("executor: executing milestone", "burn_percent", burnPercent, "buyback", buyback)

	if err := e.sleep(ctx, e.cfg.SettleDelay); err == nil {
		out.BurnAttempts, out.Burned = e.burn(ctx, log, burnPercent)
	}
	if err := e.sleep(ctx, e.cfg.BuybackDelay); err == nil {
		out.BoughtBack = e.buyback(ctx, log, buyback)
	}

	out.Summary = announce.Standard(burnPercent, buyback, out.Burned, out.BoughtBack)
	e.finish(log, "standard", out)
	return out
}

// ExecuteSpecial burns half of burnPercent, sends the other half to
// devAddress, then buys back with the full buyback amount.
func (e *Executor) ExecuteSpecial(ctx context.Context, burnPercent, buyback decimal.Decimal, devAddress string) Outcome {
	out := Outcome{ID: uuid.New().String(), Special: true}
	log := e.log.With("execution_id", out.ID, "kind", "special")
	half := burnPercent.Div(two)
	if devAddress == "" {
		// No on-chain action without somewhere to send the dev half.
		log.Error("executor: special milestone skipped, no dev address configured")
		out.Summary = announce.Special(half, buyback, false, false, false)
		e.finish(log, "special", out)
		return out
	}
	log.Info("executor: executing special milestone", "half_percent", half, "buyback", buyback, "dev_address", devAddress)

	if err := e.sleep(ctx, e.cfg.SettleDelay); err == nil {
		out.BurnAttempts, out.Burned = e.burn(ctx, log, half)
		out.DevTransferred = e.transfer(ctx, log, devAddress, half)
	}
	if err := e.sleep(ctx, e.cfg.BuybackDelay); err == nil {
		out.BoughtBack = e.buyback(ctx, log, buyback)
	}

	out.Summary = announce.Special(half, buyback, out.Burned, out.DevTransferred, out.BoughtBack)
	e.finish(log, "special", out)
	return out
}

func (e *Executor) finish(log *slog.Logger, kind string, out Outcome) {
	status := "success"
	if !out.Success() {
		status = "failed"
	}
	metrics.MilestonesExecutedTotal.WithLabelValues(kind, status).Inc()
	log.Info("executor: milestone finished",
		"status", status,
		"burned", out.Burned,
		"bought_back", out.BoughtBack,
		"dev_transferred", out.DevTransferred,
		"burn_attempts", out.BurnAttempts,
	)
}

// TokensFor converts a percentage of total supply into a token amount.
func (e *Executor) TokensFor(percent decimal.Decimal) decimal.Decimal {
	return e.cfg.TotalSupply.Mul(percent).Div(hundred)
}

func (e *Executor) retryConfig(log *slog.Logger, action string) retry.Config {
	cfg := e.cfg.BurnRetry
	cfg.Clock = e.cfg.Clock
	cfg.RetryIf = retry.Always
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Warn("executor: attempt failed, retrying", "action", action, "attempt", attempt, "wait", wait, "error", err)
	}
	return cfg
}

func (e *Executor) burn(ctx context.Context, log *slog.Logger, percent decimal.Decimal) (int, bool) {
	amount := e.TokensFor(percent)
	attempts, err := retry.DoCount(ctx, e.retryConfig(log, "burn"), func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
		sig, err := e.cfg.Wallet.Burn(callCtx, e.cfg.Handle, e.cfg.Mint, amount, e.cfg.TokenDecimals)
		if err != nil {
			return err
		}
		log.Info("executor: burned tokens", "amount", amount, "signature", sig)
		return nil
	})
	if err != nil {
		log.Error("executor: burn missed", "amount", amount, "attempts", attempts, "error", err)
		return attempts, false
	}
	return attempts, true
}

func (e *Executor) transfer(ctx context.Context, log *slog.Logger, to string, percent decimal.Decimal) bool {
	amount := e.TokensFor(percent)
	attempts, err := retry.DoCount(ctx, e.retryConfig(log, "dev transfer"), func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
		sig, err := e.cfg.Wallet.Transfer(callCtx, e.cfg.Handle, to, amount, e.cfg.Mint)
		if err != nil {
			return err
		}
		log.Info("executor: transferred tokens to dev", "amount", amount, "to", to, "signature", sig)
		return nil
	})
	if err != nil {
		log.Error("executor: dev transfer missed", "amount", amount, "attempts", attempts, "error", err)
		return false
	}
	return true
}

// buyback is attempted once; the wallet backend handles its own reliability.
func (e *Executor) buyback(ctx context.Context, log *slog.Logger, amount decimal.Decimal) bool {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	tx, err := e.cfg.Wallet.Buyback(callCtx, e.cfg.Handle, e.cfg.Mint, amount)
	if err != nil {
		log.Error("executor: buyback missed", "amount", amount, "error", err)
		return false
	}
	log.Info("executor: bought back tokens", "native_amount", amount, "transaction_id", tx)
	return true
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.cfg.Clock.After(d):
		return nil
	}
}
