// Package marketcap reads the marketcap of the launched token.
package marketcap

import (
	"context"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

// Oracle returns the current marketcap of a mint in the reference currency.
type Oracle interface {
	Marketcap(ctx context.Context, mint string) (decimal.Decimal, error)
}

// PriceSource returns the unit price of a mint in the reference currency.
type PriceSource interface {
	Price(ctx context.Context, mint string) (decimal.Decimal, error)
}

// SupplyRPC is the subset of the Solana RPC client used to read token supply.
type SupplyRPC interface {
	GetTokenSupply(ctx context.Context, mint solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetTokenSupplyResult, error)
}

// SupplyOracle computes marketcap as on-chain supply times unit price.
type SupplyOracle struct {
	rpc    SupplyRPC
	prices PriceSource
}

func NewSupplyOracle(rpc SupplyRPC, prices PriceSource) *SupplyOracle {
	return &SupplyOracle{rpc: rpc, prices: prices}
}

func (o *SupplyOracle) Marketcap(ctx context.Context, mint string) (decimal.Decimal, error) {
	supply, err := o.Supply(ctx, mint)
	if err != nil {
		return decimal.Zero, err
	}
	price, err := o.prices.Price(ctx, mint)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get price: %w", err)
	}
	return supply.Mul(price), nil
}

// Supply returns the circulating supply in whole tokens.
func (o *SupplyOracle) Supply(ctx context.Context, mint string) (decimal.Decimal, error) {
	key, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid mint %q: %w", mint, err)
	}
	res, err := o.rpc.GetTokenSupply(ctx, key, solanarpc.CommitmentConfirmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get token supply: %w", err)
	}
	if res == nil || res.Value == nil {
		return decimal.Zero, fmt.Errorf("empty token supply for %s", mint)
	}
	raw, err := decimal.NewFromString(res.Value.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid supply amount %q: %w", res.Value.Amount, err)
	}
	return raw.Shift(-int32(res.Value.Decimals)), nil
}

// StaticOracle returns a fixed marketcap that can be changed at runtime. It
// backs dry runs and tests.
type StaticOracle struct {
	mu    sync.Mutex
	value decimal.Decimal
	err   error
}

func NewStaticOracle(value decimal.Decimal) *StaticOracle {
	return &StaticOracle{value: value}
}

func (o *StaticOracle) Set(value decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.value = value
	o.err = nil
}

// Fail makes subsequent reads return err until the next Set.
func (o *StaticOracle) Fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

func (o *StaticOracle) Marketcap(context.Context, string) (decimal.Decimal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return decimal.Zero, o.err
	}
	return o.value, nil
}
