// Package manager sequences the launch lifecycle for one agent wallet: wallet
// setup, waiting for the tokens, the initial plan, then the marketcap monitor.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/malbeclabs/ato/milestone/pkg/announce"
	"github.com/malbeclabs/ato/milestone/pkg/broadcast"
	"github.com/malbeclabs/ato/milestone/pkg/executor"
	"github.com/malbeclabs/ato/milestone/pkg/ladder"
	"github.com/malbeclabs/ato/milestone/pkg/ledger"
	"github.com/malbeclabs/ato/milestone/pkg/marketcap"
	"github.com/malbeclabs/ato/milestone/pkg/monitor"
	"github.com/malbeclabs/ato/milestone/pkg/narrative"
	"github.com/malbeclabs/ato/milestone/pkg/wallet"
	"github.com/malbeclabs/ato/milestone/pkg/watcher"
)

// Credentials returns the agent wallet, generating it on first use.
type Credentials interface {
	Ensure() (wallet.Handle, bool, error)
}

type Phase string

const (
	PhaseStarting      Phase = "starting"
	PhaseAwaitingFunds Phase = "awaiting_funds"
	PhaseMonitoring    Phase = "monitoring"
	PhaseStopped       Phase = "stopped"
)

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Ladder      []ladder.Milestone
	Credentials Credentials
	Ledger      *ledger.Ledger
	Wallet      wallet.Backend
	Oracle      marketcap.Oracle
	Publisher   broadcast.Publisher
	Enricher    narrative.Enricher
	Context     narrative.ContextSource
	Mint        string

	// Watcher, Executor and Monitor tune each phase. The shared fields
	// (logger, clock, wallet, mint, handle, ledger) are filled in by the
	// manager.
	Watcher  watcher.Config
	Executor executor.Config
	Monitor  monitor.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if err := ladder.Validate(cfg.Ladder); err != nil {
		return fmt.Errorf("invalid ladder: %w", err)
	}
	if cfg.Credentials == nil {
		return errors.New("credentials are required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Wallet == nil {
		return errors.New("wallet backend is required")
	}
	if cfg.Oracle == nil {
		return errors.New("marketcap oracle is required")
	}
	if cfg.Publisher == nil {
		return errors.New("publisher is required")
	}
	if cfg.Mint == "" {
		return errors.New("mint is required")
	}
	if cfg.Context == nil {
		cfg.Context = narrative.StaticContextSource{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Status is a point-in-time view of the lifecycle.
type Status struct {
	Phase                   Phase           `json:"phase"`
	Wallet                  string          `json:"wallet,omitempty"`
	Mint                    string          `json:"mint"`
	LedgerBackend           string          `json:"ledger_backend"`
	WalletAnnounced         bool            `json:"wallet_announced"`
	TokensReceived          bool            `json:"tokens_received"`
	InitialMilestonesPosted bool            `json:"initial_milestones_posted"`
	Milestones              int             `json:"milestones"`
	Monitor                 *monitor.Status `json:"monitor,omitempty"`
}

type Manager struct {
	log *slog.Logger
	cfg Config

	handle   wallet.Handle
	executor *executor.Executor
	watcher  *watcher.Watcher

	// mu guards the fields below and the history flags, which are only
	// written from the control goroutine.
	mu      sync.Mutex
	phase   Phase
	history *ledger.History
	monitor *monitor.Monitor
}

// New validates cfg. An invalid ladder is fatal.
func New(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Manager{log: cfg.Logger, cfg: cfg, phase: PhaseStarting}, nil
}

// Init loads the wallet credentials and the ledger and builds the phases.
// Missing credentials are fatal.
func (m *Manager) Init(ctx context.Context) error {
	h, created, err := m.cfg.Credentials.Ensure()
	if err != nil {
		return fmt.Errorf("failed to load wallet credentials: %w", err)
	}
	if created {
		m.log.Info("manager: generated agent wallet", "public_key", h.PublicKey)
	} else {
		m.log.Info("manager: using existing agent wallet", "public_key", h.PublicKey)
	}

	wcfg := m.cfg.Watcher
	wcfg.Logger = m.log
	wcfg.Clock = m.cfg.Clock
	wcfg.Wallet = m.cfg.Wallet
	wcfg.Address = h.PublicKey
	wcfg.Mint = m.cfg.Mint
	if m.watcher, err = watcher.New(wcfg); err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	ecfg := m.cfg.Executor
	ecfg.Logger = m.log
	ecfg.Clock = m.cfg.Clock
	ecfg.Wallet = m.cfg.Wallet
	ecfg.Handle = h
	ecfg.Mint = m.cfg.Mint
	ecfg.Milestones = m.cfg.Ladder
	if m.executor, err = executor.New(ecfg); err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}

	history := m.cfg.Ledger.Load(ctx)

	mcfg := m.cfg.Monitor
	mcfg.Logger = m.log
	mcfg.Clock = m.cfg.Clock
	mcfg.Ladder = m.cfg.Ladder
	mcfg.Ledger = m.cfg.Ledger
	mcfg.History = history
	mcfg.Oracle = m.cfg.Oracle
	mcfg.Executor = m.executor
	mcfg.Publisher = m.cfg.Publisher
	mcfg.Enricher = m.cfg.Enricher
	mcfg.Context = m.cfg.Context
	mcfg.Mint = m.cfg.Mint
	mon, err := monitor.New(mcfg)
	if err != nil {
		return fmt.Errorf("failed to create monitor: %w", err)
	}

	m.mu.Lock()
	m.handle = h
	m.history = history
	m.monitor = mon
	m.mu.Unlock()

	m.log.Info("manager: resumed from ledger",
		"backend", m.cfg.Ledger.Backend(),
		"wallet_announced", history.WalletAnnounced,
		"tokens_received", history.TokensReceived,
		"executed", len(history.ExecutedMilestones),
		"resume_index", mon.Index(),
	)
	return nil
}

// Run drives the lifecycle until ctx is cancelled or the watcher gives up.
func (m *Manager) Run(ctx context.Context) error {
	defer m.setPhase(PhaseStopped)

	if err := m.Init(ctx); err != nil {
		return err
	}
	m.PostWalletAnnouncement(ctx)

	if m.tokensReceived() {
		m.log.Info("manager: tokens already received, skipping balance watcher")
	} else {
		m.setPhase(PhaseAwaitingFunds)
		funding, err := m.watcher.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed waiting for tokens: %w", err)
		}
		m.PostTokensReceived(ctx, funding.Balance)
	}

	m.PostInitialMilestones(ctx)

	m.setPhase(PhaseMonitoring)
	return m.monitor.Run(ctx)
}

// PostWalletAnnouncement announces the agent wallet once.
func (m *Manager) PostWalletAnnouncement(ctx context.Context) bool {
	return m.once(ctx, "wallet announcement",
		func(h *ledger.History) *bool { return &h.WalletAnnounced },
		func() string { return announce.Wallet(m.handle.PublicKey) },
	)
}

// PostTokensReceived announces the token arrival once.
func (m *Manager) PostTokensReceived(ctx context.Context, balance decimal.Decimal) bool {
	return m.once(ctx, "tokens received",
		func(h *ledger.History) *bool { return &h.TokensReceived },
		func() string { return announce.TokensReceived(balance) },
	)
}

// PostInitialMilestones announces the first milestones with the current
// marketcap once.
func (m *Manager) PostInitialMilestones(ctx context.Context) bool {
	return m.once(ctx, "initial milestones",
		func(h *ledger.History) *bool { return &h.InitialMilestonesPosted },
		func() string { return announce.Plan(m.monitor.Marketcap(ctx), m.cfg.Ladder) },
	)
}

// once publishes text unless the flag is already set, then sets the flag and
// saves the ledger.
func (m *Manager) once(ctx context.Context, what string, flag func(*ledger.History) *bool, text func() string) bool {
	m.mu.Lock()
	done := *flag(m.history)
	m.mu.Unlock()
	if done {
		m.log.Debug("manager: already announced, skipping", "announcement", what)
		return false
	}

	m.cfg.Publisher.Publish(announce.Truncate(text(), announce.ShortFormLimit))

	m.mu.Lock()
	*flag(m.history) = true
	m.mu.Unlock()
	_ = m.cfg.Ledger.Save(ctx, m.history)
	m.log.Info("manager: announced", "announcement", what)
	return true
}

func (m *Manager) tokensReceived() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.TokensReceived
}

func (m *Manager) setPhase(p Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != p {
		m.log.Info("manager: phase changed", "from", m.phase, "to", p)
	}
	m.phase = p
}

// Ready is true once credentials and ledger are loaded and the manager has
// not stopped.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history != nil && m.phase != PhaseStopped
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	s := Status{
		Phase:         m.phase,
		Wallet:        m.handle.PublicKey,
		Mint:          m.cfg.Mint,
		LedgerBackend: m.cfg.Ledger.Backend(),
		Milestones:    len(m.cfg.Ladder),
	}
	if m.history != nil {
		s.WalletAnnounced = m.history.WalletAnnounced
		s.TokensReceived = m.history.TokensReceived
		s.InitialMilestonesPosted = m.history.InitialMilestonesPosted
	}
	mon := m.monitor
	m.mu.Unlock()

	if mon != nil {
		ms := mon.Status()
		s.Monitor = &ms
	}
	return s
}
