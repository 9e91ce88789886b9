package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/ato/milestone/pkg/ladder"
	"github.com/malbeclabs/ato/milestone/pkg/wallet"
	"github.com/malbeclabs/ato/utils/pkg/retry"
	atotesting "github.com/malbeclabs/ato/utils/pkg/testing"
)

type call struct {
	op     string
	amount decimal.Decimal
	to     string
}

type mockWallet struct {
	burnFunc     func(attempt int) error
	buybackFunc  func() error
	transferFunc func() error

	mu    sync.Mutex
	calls []call
	burns int
}

func (m *mockWallet) record(c call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
}

func (m *mockWallet) Calls() []call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]call(nil), m.calls...)
}

func (m *mockWallet) CheckBalance(context.Context, string, string) (wallet.Balance, error) {
	return wallet.Balance{}, nil
}

func (m *mockWallet) Burn(_ context.Context, _ wallet.Handle, _ string, amount decimal.Decimal, decimals uint8) (string, error) {
	m.mu.Lock()
	m.burns++
	attempt := m.burns
	m.mu.Unlock()
	m.record(call{op: "burn", amount: amount})
	if m.burnFunc != nil {
		if err := m.burnFunc(attempt); err != nil {
			return "", err
		}
	}
	return "burn-sig", nil
}

func (m *mockWallet) Buyback(_ context.Context, _ wallet.Handle, _ string, amount decimal.Decimal) (string, error) {
	m.record(call{op: "buyback", amount: amount})
	if m.buybackFunc != nil {
		if err := m.buybackFunc(); err != nil {
			return "", err
		}
	}
	return "buy-tx", nil
}

func (m *mockWallet) Transfer(_ context.Context, _ wallet.Handle, to string, amount decimal.Decimal, _ string) (string, error) {
	m.record(call{op: "transfer", amount: amount, to: to})
	if m.transferFunc != nil {
		if err := m.transferFunc(); err != nil {
			return "", err
		}
	}
	return "transfer-sig", nil
}

func newTestExecutor(t *testing.T, w wallet.Backend, mutate ...func(*Config)) *Executor {
	t.Helper()
	cfg := Config{
		Logger:     atotesting.NewLogger(),
		Wallet:     w,
		Handle:     wallet.Handle{PublicKey: "agent", PrivateKey: "secret"},
		Mint:       "mint",
		DevAddress: "dev",
		BurnRetry:  retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond, NoJitter: true},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestATO_Executor_Config_Validate(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)

	e := newTestExecutor(t, &mockWallet{})
	require.Equal(t, uint8(9), e.cfg.TokenDecimals)
	require.True(t, e.cfg.TotalSupply.Equal(DefaultTotalSupply))
	require.NotNil(t, e.cfg.Clock)
	require.True(t, e.IsSpecial(d("1000000")))
	require.True(t, e.IsSpecial(d("10000000.0")))
	require.False(t, e.IsSpecial(d("75000")))
}

func TestATO_Executor_Standard(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		w := &mockWallet{}
		out := newTestExecutor(t, w).ExecuteStandard(t.Context(), d("0.5"), d("0.2"))

		require.True(t, out.Success())
		require.True(t, out.Burned)
		require.True(t, out.BoughtBack)
		require.False(t, out.Special)
		require.NotEmpty(t, out.ID)
		require.Equal(t, 1, out.BurnAttempts)

		calls := w.Calls()
		require.Len(t, calls, 2)
		require.Equal(t, "burn", calls[0].op)
		require.True(t, calls[0].amount.Equal(d("5000000")), "0.5%% of 1B, got %s", calls[0].amount)
		require.Equal(t, "buyback", calls[1].op)
		require.True(t, calls[1].amount.Equal(d("0.2")))
	})

	t.Run("burn fails twice then succeeds", func(t *testing.T) {
		t.Parallel()
		w := &mockWallet{burnFunc: func(attempt int) error {
			if attempt <= 2 {
				return wallet.ErrNotSucceeded
			}
			return nil
		}}
		out := newTestExecutor(t, w).ExecuteStandard(t.Context(), d("0.5"), d("0.2"))

		require.True(t, out.Success())
		require.Equal(t, 3, out.BurnAttempts)
		require.Equal(t, 3, w.burns)
	})

	t.Run("burn exhausted is partial failure", func(t *testing.T) {
		t.Parallel()
		w := &mockWallet{burnFunc: func(int) error { return errors.New("rpc down") }}
		out := newTestExecutor(t, w).ExecuteStandard(t.Context(), d("0.5"), d("0.2"))

		require.False(t, out.Success())
		require.False(t, out.Burned)
		require.True(t, out.BoughtBack)
		require.Equal(t, 3, w.burns)
		require.Contains(t, out.Summary, "burn missed")
		require.NotContains(t, out.Summary, "buyback missed")
	})

	t.Run("buyback is attempted once", func(t *testing.T) {
		t.Parallel()
		var buys int
		w := &mockWallet{buybackFunc: func() error {
			buys++
			return errors.New("slippage")
		}}
		out := newTestExecutor(t, w).ExecuteStandard(t.Context(), d("0.5"), d("0.2"))

		require.False(t, out.Success())
		require.Equal(t, 1, buys)
		require.Contains(t, out.Summary, "buyback missed")
	})

	t.Run("permanent burn error is not retried", func(t *testing.T) {
		t.Parallel()
		w := &mockWallet{burnFunc: func(int) error { return retry.Permanent(errors.New("bad amount")) }}
		out := newTestExecutor(t, w).ExecuteStandard(t.Context(), d("0.5"), d("0.2"))

		require.False(t, out.Burned)
		require.Equal(t, 1, w.burns)
	})
}

func TestATO_Executor_Special(t *testing.T) {
	t.Parallel()

	t.Run("splits burn with dev", func(t *testing.T) {
		t.Parallel()
		w := &mockWallet{}
		e := newTestExecutor(t, w)
		out := e.Execute(t.Context(), ladder.New("1000000", "0.5", "1.5"))

		require.True(t, out.Success())
		require.True(t, out.Special)
		require.True(t, out.DevTransferred)

		calls := w.Calls()
		require.Len(t, calls, 3)
		require.Equal(t, "burn", calls[0].op)
		require.True(t, calls[0].amount.Equal(d("2500000")))
		require.Equal(t, "transfer", calls[1].op)
		require.Equal(t, "dev", calls[1].to)
		require.True(t, calls[1].amount.Equal(d("2500000")))
		require.Equal(t, "buyback", calls[2].op)
		require.True(t, calls[2].amount.Equal(d("1.5")))
	})

	t.Run("dev transfer failure is reported", func(t *testing.T) {
		t.Parallel()
		w := &mockWallet{transferFunc: func() error { return errors.New("insufficient funds") }}
		out := newTestExecutor(t, w).ExecuteSpecial(t.Context(), d("0.5"), d("1.5"), "dev")

		require.False(t, out.Success())
		require.True(t, out.Burned)
		require.False(t, out.DevTransferred)
		require.True(t, out.BoughtBack)
		require.Contains(t, out.Summary, "dev transfer missed")
	})

	t.Run("missing dev address", func(t *testing.T) {
		t.Parallel()
		w := &mockWallet{}
		out := newTestExecutor(t, w).ExecuteSpecial(t.Context(), d("0.5"), d("1.5"), "")

		require.False(t, out.Success())
		require.False(t, out.Burned)
		require.False(t, out.BoughtBack)
		require.Empty(t, w.Calls())
	})
}

func TestATO_Executor_Config_RequiresDevAddress(t *testing.T) {
	t.Parallel()

	base := func() Config {
		return Config{
			Logger: atotesting.NewLogger(),
			Wallet: &mockWallet{},
			Handle: wallet.Handle{PublicKey: "agent", PrivateKey: "secret"},
			Mint:   "mint",
		}
	}

	cfg := base()
	cfg.Milestones = ladder.Default()
	_, err := New(cfg)
	require.ErrorContains(t, err, "dev address is required")

	cfg = base()
	cfg.Milestones = []ladder.Milestone{ladder.New("75000", "0.5", "0.2")}
	_, err = New(cfg)
	require.NoError(t, err)

	cfg = base()
	cfg.Milestones = ladder.Default()
	cfg.SpecialThresholds = []decimal.Decimal{}
	_, err = New(cfg)
	require.NoError(t, err)

	cfg = base()
	cfg.Milestones = ladder.Default()
	cfg.DevAddress = "dev"
	_, err = New(cfg)
	require.NoError(t, err)
}

func TestATO_Executor_Delays(t *testing.T) {
	t.Parallel()

	t.Run("waits on the clock", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		w := &mockWallet{}
		e := newTestExecutor(t, w, func(cfg *Config) {
			cfg.Clock = clock
			cfg.SettleDelay = 5 * time.Second
			cfg.BuybackDelay = 15 * time.Second
		})

		done := make(chan Outcome, 1)
		go func() { done <- e.ExecuteStandard(context.Background(), d("0.5"), d("0.2")) }()

		require.NoError(t, clock.BlockUntilContext(t.Context(), 1))
		require.Empty(t, w.Calls())
		clock.Advance(5 * time.Second)

		require.NoError(t, clock.BlockUntilContext(t.Context(), 1))
		require.Len(t, w.Calls(), 1)
		clock.Advance(15 * time.Second)

		out := <-done
		require.True(t, out.Success())
		require.Len(t, w.Calls(), 2)
	})

	t.Run("cancellation during settle delay misses everything", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		w := &mockWallet{}
		e := newTestExecutor(t, w, func(cfg *Config) {
			cfg.Clock = clock
			cfg.SettleDelay = time.Minute
		})

		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan Outcome, 1)
		go func() { done <- e.ExecuteStandard(ctx, d("0.5"), d("0.2")) }()
		require.NoError(t, clock.BlockUntilContext(t.Context(), 1))
		cancel()

		out := <-done
		require.False(t, out.Success())
		require.Empty(t, w.Calls())
	})
}
