// Package wallet talks to the chain-facing wallet service and the Solana RPC
// on behalf of the agent wallet.
package wallet

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/malbeclabs/ato/utils/pkg/retry"
)

// ErrNotSucceeded is returned when the backend answered but did not report
// success. It is always retryable.
var ErrNotSucceeded = retry.Retryable(errors.New("wallet backend did not report success"))

// Handle identifies the agent wallet. It is generated once and never mutated.
type Handle struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// Balance is the result of a balance check. Token is nil when the wallet has
// no token account for the mint.
type Balance struct {
	Native decimal.Decimal
	Token  *decimal.Decimal
}

// TokenOrZero returns the token balance, or zero when absent.
func (b Balance) TokenOrZero() decimal.Decimal {
	if b.Token == nil {
		return decimal.Zero
	}
	return *b.Token
}

// Backend is the set of wallet operations the milestone engine needs.
// Amounts are token or native units as decimals; signing is the backend's job.
type Backend interface {
	CheckBalance(ctx context.Context, wallet, mint string) (Balance, error)
	Burn(ctx context.Context, h Handle, mint string, amount decimal.Decimal, decimals uint8) (string, error)
	Buyback(ctx context.Context, h Handle, mint string, nativeAmount decimal.Decimal) (string, error)
	Transfer(ctx context.Context, h Handle, to string, amount decimal.Decimal, mint string) (string, error)
}
