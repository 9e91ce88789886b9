package wallet

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

const lamportsDecimals = 9

// SolanaRPC is the subset of the Solana RPC client used for balance reads.
type SolanaRPC interface {
	GetBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetTokenAccountBalanceResult, error)
}

// RPCBalances reads native and token balances directly from a Solana RPC node.
type RPCBalances struct {
	rpc        SolanaRPC
	commitment solanarpc.CommitmentType
}

func NewRPCBalances(rpc SolanaRPC) *RPCBalances {
	return &RPCBalances{rpc: rpc, commitment: solanarpc.CommitmentConfirmed}
}

// CheckBalance returns the native balance in SOL and, when mint is set, the
// balance of the wallet's associated token account in whole tokens.
func (r *RPCBalances) CheckBalance(ctx context.Context, wallet, mint string) (Balance, error) {
	owner, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return Balance{}, fmt.Errorf("invalid wallet address %q: %w", wallet, err)
	}

	native, err := r.rpc.GetBalance(ctx, owner, r.commitment)
	if err != nil {
		return Balance{}, fmt.Errorf("failed to get native balance: %w", err)
	}
	b := Balance{Native: decimal.NewFromBigInt(new(big.Int).SetUint64(native.Value), -lamportsDecimals)}
	if mint == "" {
		return b, nil
	}

	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return Balance{}, fmt.Errorf("invalid mint address %q: %w", mint, err)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mintKey)
	if err != nil {
		return Balance{}, fmt.Errorf("failed to derive token account: %w", err)
	}
	res, err := r.rpc.GetTokenAccountBalance(ctx, ata, r.commitment)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "could not find account") {
			return b, nil
		}
		return Balance{}, fmt.Errorf("failed to get token balance: %w", err)
	}
	if res == nil || res.Value == nil {
		return b, nil
	}
	raw, err := decimal.NewFromString(res.Value.Amount)
	if err != nil {
		return Balance{}, fmt.Errorf("invalid token amount %q: %w", res.Value.Amount, err)
	}
	tok := raw.Shift(-int32(res.Value.Decimals))
	b.Token = &tok
	return b, nil
}

// ChainBackend reads balances from the RPC node and delegates state-changing
// operations to the wallet service.
type ChainBackend struct {
	*Client
	balances *RPCBalances
}

func NewChainBackend(client *Client, balances *RPCBalances) *ChainBackend {
	return &ChainBackend{Client: client, balances: balances}
}

func (b *ChainBackend) CheckBalance(ctx context.Context, wallet, mint string) (Balance, error) {
	return b.balances.CheckBalance(ctx, wallet, mint)
}
