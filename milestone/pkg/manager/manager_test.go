package manager

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/ato/milestone/pkg/ladder"
	"github.com/malbeclabs/ato/milestone/pkg/ledger"
	"github.com/malbeclabs/ato/milestone/pkg/marketcap"
	"github.com/malbeclabs/ato/milestone/pkg/narrative"
	"github.com/malbeclabs/ato/milestone/pkg/wallet"
	"github.com/malbeclabs/ato/milestone/pkg/watcher"
	atotesting "github.com/malbeclabs/ato/utils/pkg/testing"
)

type mockCredentials struct {
	handle wallet.Handle
	err    error
}

func (c *mockCredentials) Ensure() (wallet.Handle, bool, error) {
	return c.handle, false, c.err
}

type mockWallet struct {
	mu       sync.Mutex
	balance  string
	balances int
	burns    int
	buys     int
}

func (w *mockWallet) CheckBalance(context.Context, string, string) (wallet.Balance, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances++
	v := decimal.RequireFromString(w.balance)
	return wallet.Balance{Token: &v}, nil
}

func (w *mockWallet) Burn(context.Context, wallet.Handle, string, decimal.Decimal, uint8) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.burns++
	return "burn-sig", nil
}

func (w *mockWallet) Buyback(context.Context, wallet.Handle, string, decimal.Decimal) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buys++
	return "buy-tx", nil
}

func (w *mockWallet) Transfer(context.Context, wallet.Handle, string, decimal.Decimal, string) (string, error) {
	return "transfer-sig", nil
}

func (w *mockWallet) counts() (balances, burns, buys int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances, w.burns, w.buys
}

type recordingPublisher struct {
	mu    sync.Mutex
	texts []string
}

func (p *recordingPublisher) Publish(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts = append(p.texts, text)
}

func (p *recordingPublisher) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}

func (p *recordingPublisher) Count(substr string) int {
	var n int
	for _, t := range p.Texts() {
		if strings.Contains(t, substr) {
			n++
		}
	}
	return n
}

type harness struct {
	cfg       Config
	wallet    *mockWallet
	publisher *recordingPublisher
	store     *ledger.FileStore
	clock     *clockwork.FakeClock
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	log := atotesting.NewLogger()
	h := &harness{
		wallet:    &mockWallet{balance: "1000000"},
		publisher: &recordingPublisher{},
		store:     ledger.NewFileStore(filepath.Join(t.TempDir(), "ledger.json")),
		clock:     clockwork.NewFakeClock(),
	}
	h.cfg = Config{
		Logger:      log,
		Clock:       h.clock,
		Ladder:      []ladder.Milestone{ladder.New("75000", "0.00000001", "0.001")},
		Credentials: &mockCredentials{handle: wallet.Handle{PublicKey: "agent-pub", PrivateKey: "agent-priv"}},
		Ledger:      ledger.New(log, h.store),
		Wallet:      h.wallet,
		Oracle:      marketcap.NewStaticOracle(decimal.NewFromInt(80000)),
		Publisher:   h.publisher,
		Enricher:    narrative.Passthrough{},
		Context: narrative.StaticContextSource{Context: narrative.Context{
			CurrentEvent:  "launch day",
			InnerDialogue: "here we go",
		}},
		Mint:    "mint",
		Watcher: watcher.Config{PollInterval: time.Second},
	}
	for _, m := range mutate {
		m(&h.cfg)
	}
	return h
}

func (h *harness) manager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(h.cfg)
	require.NoError(t, err)
	return m
}

func TestATO_Manager_New_RejectsInvalidLadder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *Config) {
		cfg.Ladder = []ladder.Milestone{ladder.New("150000", "0.5", "0.4"), ladder.New("75000", "0.5", "0.2")}
	})
	_, err := New(h.cfg)
	require.ErrorIs(t, err, ladder.ErrNotIncreasing)

	h = newHarness(t, func(cfg *Config) { cfg.Ladder = nil })
	_, err = New(h.cfg)
	require.ErrorIs(t, err, ladder.ErrEmpty)
}

func TestATO_Manager_Init_MissingCredentials(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *Config) {
		cfg.Credentials = &mockCredentials{err: wallet.ErrNoCredentials}
	})
	err := h.manager(t).Run(t.Context())
	require.ErrorIs(t, err, wallet.ErrNoCredentials)
	require.Empty(t, h.publisher.Texts())
}

func TestATO_Manager_PostTokensReceived_Idempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	m := h.manager(t)
	require.NoError(t, m.Init(t.Context()))

	require.True(t, m.PostTokensReceived(t.Context(), decimal.NewFromInt(1000)))
	require.False(t, m.PostTokensReceived(t.Context(), decimal.NewFromInt(1000)))
	require.Equal(t, 1, h.publisher.Count("tokens received"))

	persisted, err := h.store.Load(t.Context())
	require.NoError(t, err)
	require.True(t, persisted.TokensReceived)

	// a restarted manager sees the flag in the ledger
	restarted := h.manager(t)
	require.NoError(t, restarted.Init(t.Context()))
	require.False(t, restarted.PostTokensReceived(t.Context(), decimal.NewFromInt(1000)))
	require.Equal(t, 1, h.publisher.Count("tokens received"))
	require.True(t, restarted.Status().TokensReceived)
}

func TestATO_Manager_Run(t *testing.T) {
	t.Parallel()

	t.Run("full lifecycle", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		m := h.manager(t)

		ctx, cancel := context.WithCancel(t.Context())
		errCh := make(chan error, 1)
		go func() { errCh <- m.Run(ctx) }()

		require.Eventually(t, func() bool {
			s := m.Status()
			return s.Phase == PhaseMonitoring && s.Monitor != nil && len(s.Monitor.Executed) == 1
		}, 5*time.Second, 5*time.Millisecond)
		require.True(t, m.Ready())

		s := m.Status()
		require.Equal(t, "agent-pub", s.Wallet)
		require.True(t, s.WalletAnnounced)
		require.True(t, s.TokensReceived)
		require.True(t, s.InitialMilestonesPosted)
		require.Equal(t, []string{"75000"}, s.Monitor.Executed)

		require.Equal(t, 1, h.publisher.Count("agent-pub"))
		require.Equal(t, 1, h.publisher.Count("tokens received"))
		require.Equal(t, 1, h.publisher.Count("here's the plan"))
		require.Equal(t, 1, h.publisher.Count("milestone reached"))

		cancel()
		require.ErrorIs(t, <-errCh, context.Canceled)
		require.False(t, m.Ready())
		require.Equal(t, PhaseStopped, m.Status().Phase)

		persisted, err := h.store.Load(t.Context())
		require.NoError(t, err)
		require.Equal(t, []string{"75000"}, persisted.Executed())
	})

	t.Run("restart after funding skips watcher and executed milestones", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		prior := ledger.NewHistory()
		prior.WalletAnnounced = true
		prior.TokensReceived = true
		prior.InitialMilestonesPosted = true
		prior.MarkExecuted(decimal.NewFromInt(75000))
		require.NoError(t, h.store.Save(t.Context(), prior))

		m := h.manager(t)
		ctx, cancel := context.WithCancel(t.Context())
		errCh := make(chan error, 1)
		go func() { errCh <- m.Run(ctx) }()

		require.NoError(t, h.clock.BlockUntilContext(t.Context(), 1))
		require.Equal(t, PhaseMonitoring, m.Status().Phase)
		cancel()
		require.ErrorIs(t, <-errCh, context.Canceled)

		balances, burns, buys := h.wallet.counts()
		require.Zero(t, balances)
		require.Zero(t, burns)
		require.Zero(t, buys)
		require.Zero(t, h.publisher.Count("agent-pub"))
		require.Zero(t, h.publisher.Count("tokens received"))
		require.Zero(t, h.publisher.Count("here's the plan"))
		// the only announcement is the marketcap update
		require.Len(t, h.publisher.Texts(), 1)
		require.Contains(t, h.publisher.Texts()[0], "every milestone is done")
	})

	t.Run("unfunded wallet stops after max polls", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, func(cfg *Config) {
			cfg.Clock = clockwork.NewRealClock()
			cfg.Watcher = watcher.Config{PollInterval: time.Millisecond, MaxPolls: 2}
		})
		h.wallet.balance = "0"
		m := h.manager(t)

		err := m.Run(t.Context())
		require.ErrorIs(t, err, watcher.ErrNotFunded)
		require.Equal(t, 1, h.publisher.Count("agent-pub"))
		require.Zero(t, h.publisher.Count("tokens received"))
		require.Equal(t, PhaseStopped, m.Status().Phase)
	})

	t.Run("ledger load failure starts empty", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		require.NoError(t, os.WriteFile(h.store.Path(), []byte("{not json"), 0o600))

		m := h.manager(t)
		require.NoError(t, m.Init(t.Context()))
		require.False(t, m.Status().TokensReceived)
		require.True(t, m.PostWalletAnnouncement(t.Context()))
	})
}

func TestATO_Manager_Status_BeforeInit(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	m := h.manager(t)
	s := m.Status()
	require.Equal(t, PhaseStarting, s.Phase)
	require.Nil(t, s.Monitor)
	require.Equal(t, "file", s.LedgerBackend)
	require.False(t, m.Ready())
}
