// Package ladder builds the ordered list of marketcap milestones.
package ladder

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Milestone is a marketcap threshold paired with the actions it triggers.
// BurnPercent is a percentage of total supply, BuybackAmount is in native
// currency units.
type Milestone struct {
	Threshold     decimal.Decimal `json:"threshold" yaml:"threshold"`
	BurnPercent   decimal.Decimal `json:"burn_percent" yaml:"burn_percent"`
	BuybackAmount decimal.Decimal `json:"buyback_amount" yaml:"buyback_amount"`
}

// Key is the canonical string form of the threshold, used as the ledger key.
func (m Milestone) Key() string {
	return Key(m.Threshold)
}

// Key canonicalizes a threshold value.
func Key(threshold decimal.Decimal) string {
	return threshold.String()
}

func (m Milestone) String() string {
	return fmt.Sprintf("%s (burn %s%%, buyback %s)", m.Threshold, m.BurnPercent, m.BuybackAmount)
}

// New is a convenience constructor for literal tables.
func New(threshold, burnPercent, buyback string) Milestone {
	return Milestone{
		Threshold:     decimal.RequireFromString(threshold),
		BurnPercent:   decimal.RequireFromString(burnPercent),
		BuybackAmount: decimal.RequireFromString(buyback),
	}
}

// Config describes the base table and how it is extended past its last entry.
type Config struct {
	Base []Milestone

	// Growth multiplies the threshold on each extension step.
	Growth decimal.Decimal
	// BuybackStep is added to the buyback amount on each extension step.
	BuybackStep decimal.Decimal
	// BurnPlateau is the burn percent used for every extended milestone.
	BurnPlateau decimal.Decimal
	// Cap is the largest threshold the extension may produce.
	Cap decimal.Decimal
}

// DefaultBase is the early-growth table.
func DefaultBase() []Milestone {
	return []Milestone{
		New("75000", "0.5", "0.2"),
		New("150000", "0.5", "0.4"),
		New("300000", "0.5", "0.8"),
		New("600000", "0.5", "1.0"),
		New("1000000", "0.5", "1.5"),
	}
}

// DefaultConfig doubles past the base table in steps of 0.5 buyback up to 100M.
func DefaultConfig() Config {
	return Config{
		Base:        DefaultBase(),
		Growth:      decimal.NewFromInt(2),
		BuybackStep: decimal.RequireFromString("0.5"),
		BurnPlateau: decimal.RequireFromString("0.5"),
		Cap:         decimal.NewFromInt(100_000_000),
	}
}

// Default builds the production ladder.
func Default() []Milestone {
	return Build(DefaultConfig())
}

// Build produces a ladder with strictly increasing thresholds and
// non-decreasing burn and buyback. Base entries that would break ordering are
// skipped; extension stops at the first step that would not increase the
// threshold or would exceed Cap.
func Build(cfg Config) []Milestone {
	out := make([]Milestone, 0, len(cfg.Base)+16)
	for _, m := range cfg.Base {
		if !m.Threshold.IsPositive() {
			continue
		}
		if n := len(out); n > 0 {
			prev := out[n-1]
			if !m.Threshold.GreaterThan(prev.Threshold) {
				continue
			}
			m.BurnPercent = decimal.Max(m.BurnPercent, prev.BurnPercent)
			m.BuybackAmount = decimal.Max(m.BuybackAmount, prev.BuybackAmount)
		}
		out = append(out, m)
	}
	if len(out) == 0 || !cfg.Growth.GreaterThan(decimal.NewFromInt(1)) {
		return out
	}

	last := out[len(out)-1]
	burn := decimal.Max(cfg.BurnPlateau, last.BurnPercent)
	step := decimal.Max(cfg.BuybackStep, decimal.Zero)
	threshold := last.Threshold
	buyback := last.BuybackAmount
	for {
		next := threshold.Mul(cfg.Growth)
		if !next.GreaterThan(threshold) || next.GreaterThan(cfg.Cap) {
			break
		}
		threshold = next
		buyback = buyback.Add(step)
		out = append(out, Milestone{
			Threshold:     threshold,
			BurnPercent:   burn,
			BuybackAmount: buyback,
		})
	}
	return out
}

var (
	ErrEmpty          = errors.New("ladder is empty")
	ErrNotIncreasing  = errors.New("ladder thresholds must be strictly increasing")
	ErrDecreasing     = errors.New("ladder burn and buyback must be non-decreasing")
	ErrNonPositive    = errors.New("ladder values must be positive")
	ErrDuplicateEntry = errors.New("ladder threshold is duplicated")
)

// Validate checks the ladder invariants. A violation is a programming error
// and must stop the process before the monitor starts.
func Validate(ms []Milestone) error {
	if len(ms) == 0 {
		return ErrEmpty
	}
	seen := make(map[string]struct{}, len(ms))
	for i, m := range ms {
		if !m.Threshold.IsPositive() || m.BurnPercent.IsNegative() || m.BuybackAmount.IsNegative() {
			return fmt.Errorf("milestone %d (%s): %w", i, m.Threshold, ErrNonPositive)
		}
		if _, ok := seen[m.Key()]; ok {
			return fmt.Errorf("milestone %d (%s): %w", i, m.Threshold, ErrDuplicateEntry)
		}
		seen[m.Key()] = struct{}{}
		if i == 0 {
			continue
		}
		prev := ms[i-1]
		if !m.Threshold.GreaterThan(prev.Threshold) {
			return fmt.Errorf("milestone %d (%s <= %s): %w", i, m.Threshold, prev.Threshold, ErrNotIncreasing)
		}
		if m.BurnPercent.LessThan(prev.BurnPercent) || m.BuybackAmount.LessThan(prev.BuybackAmount) {
			return fmt.Errorf("milestone %d (%s): %w", i, m.Threshold, ErrDecreasing)
		}
	}
	return nil
}

// IndexOf returns the position of threshold in the ladder, or -1.
func IndexOf(ms []Milestone, threshold decimal.Decimal) int {
	for i, m := range ms {
		if m.Threshold.Equal(threshold) {
			return i
		}
	}
	return -1
}
