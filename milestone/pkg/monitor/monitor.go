// Package monitor runs the marketcap control loop: it executes each milestone
// at most once and posts rate-limited marketcap updates.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/malbeclabs/ato/milestone/pkg/announce"
	"github.com/malbeclabs/ato/milestone/pkg/broadcast"
	"github.com/malbeclabs/ato/milestone/pkg/executor"
	"github.com/malbeclabs/ato/milestone/pkg/ladder"
	"github.com/malbeclabs/ato/milestone/pkg/ledger"
	"github.com/malbeclabs/ato/milestone/pkg/marketcap"
	"github.com/malbeclabs/ato/milestone/pkg/metrics"
	"github.com/malbeclabs/ato/milestone/pkg/narrative"
)

const (
	DefaultPollInterval = 20 * time.Minute
	DefaultDedupWindow  = 6 * time.Hour
	DefaultCallTimeout  = 30 * time.Second
)

type Executor interface {
	Execute(ctx context.Context, m ladder.Milestone) executor.Outcome
}

// AdvancePolicy decides whether the pointer moves past a milestone whose
// execution failed.
type AdvancePolicy int

const (
	// AdvanceAlways moves past a reached milestone whatever the outcome. A
	// failed milestone is retried only after a restart rebuilds the pointer
	// from the ledger.
	AdvanceAlways AdvancePolicy = iota
	// AdvanceOnSuccess keeps the pointer on a failed milestone so the next
	// tick retries it.
	AdvanceOnSuccess
)

func (p AdvancePolicy) String() string {
	if p == AdvanceOnSuccess {
		return "on_success"
	}
	return "always"
}

func ParseAdvancePolicy(s string) (AdvancePolicy, error) {
	switch s {
	case "", "always":
		return AdvanceAlways, nil
	case "on_success":
		return AdvanceOnSuccess, nil
	}
	return 0, fmt.Errorf("unknown advance policy %q", s)
}

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Ladder    []ladder.Milestone
	Ledger    *ledger.Ledger
	History   *ledger.History
	Oracle    marketcap.Oracle
	Executor  Executor
	Publisher broadcast.Publisher
	Enricher  narrative.Enricher
	Context   narrative.ContextSource
	Mint      string

	PollInterval time.Duration
	// UpdateInterval is the minimum time between marketcap update attempts.
	// Defaults to PollInterval.
	UpdateInterval time.Duration
	// DedupWindow suppresses repeated updates for the same rounded marketcap.
	DedupWindow   time.Duration
	CallTimeout   time.Duration
	AnnounceLimit int
	AdvancePolicy AdvancePolicy
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if err := ladder.Validate(cfg.Ladder); err != nil {
		return fmt.Errorf("invalid ladder: %w", err)
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.History == nil {
		return errors.New("history is required")
	}
	if cfg.Oracle == nil {
		return errors.New("marketcap oracle is required")
	}
	if cfg.Executor == nil {
		return errors.New("executor is required")
	}
	if cfg.Publisher == nil {
		return errors.New("publisher is required")
	}
	if cfg.Context == nil {
		return errors.New("narrative context source is required")
	}
	if cfg.Mint == "" {
		return errors.New("mint is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = cfg.PollInterval
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.AnnounceLimit <= 0 {
		cfg.AnnounceLimit = announce.ShortFormLimit
	}
	return nil
}

// Status is a point-in-time view of the monitor for the status endpoint.
type Status struct {
	Index      int             `json:"index"`
	Next       string          `json:"next_threshold,omitempty"`
	Marketcap  decimal.Decimal `json:"marketcap"`
	LastTick   time.Time       `json:"last_tick"`
	LastUpdate time.Time       `json:"last_update"`
	Executed   []string        `json:"executed_milestones"`
}

type Monitor struct {
	log *slog.Logger
	cfg Config

	// mu guards the fields below and the history, which is only written from
	// the goroutine running Tick.
	mu         sync.Mutex
	index      int
	marketcap  decimal.Decimal
	lastTick   time.Time
	lastUpdate time.Time
}

func New(cfg Config) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	m := &Monitor{
		log:   cfg.Logger,
		cfg:   cfg,
		index: ResumeIndex(cfg.Ladder, cfg.History),
	}
	metrics.MilestonePointer.Set(float64(m.index))
	return m, nil
}

// ResumeIndex returns the index of the first milestone not in the history.
func ResumeIndex(ms []ladder.Milestone, h *ledger.History) int {
	for i, m := range ms {
		if !h.IsExecuted(m.Threshold) {
			return i
		}
	}
	return len(ms)
}

func (m *Monitor) Index() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{
		Index:      m.index,
		Marketcap:  m.marketcap,
		LastTick:   m.lastTick,
		LastUpdate: m.lastUpdate,
		Executed:   m.cfg.History.Executed(),
	}
	if m.index < len(m.cfg.Ladder) {
		s.Next = m.cfg.Ladder[m.index].Key()
	}
	return s
}

// Run ticks immediately and then every PollInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("monitor: starting", "interval", m.cfg.PollInterval, "index", m.Index(), "milestones", len(m.cfg.Ladder), "advance", m.cfg.AdvancePolicy)

	m.safeTick(ctx)

	ticker := m.cfg.Clock.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.log.Info("monitor: stopped")
			return ctx.Err()
		case <-ticker.Chan():
			m.safeTick(ctx)
		}
	}
}

// safeTick keeps the loop alive through panics in collaborators.
func (m *Monitor) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("monitor: tick panicked", "panic", r)
			metrics.MonitorTicksTotal.WithLabelValues("panic").Inc()
		}
	}()
	start := m.cfg.Clock.Now()
	m.Tick(ctx)
	metrics.MonitorTickDuration.Observe(m.cfg.Clock.Since(start).Seconds())
	metrics.MonitorTicksTotal.WithLabelValues("success").Inc()
}

// Tick runs one iteration: read the marketcap, execute the pointed milestone
// if it was reached, then post an update if UpdateInterval has elapsed.
func (m *Monitor) Tick(ctx context.Context) {
	mc := m.Marketcap(ctx)

	m.mu.Lock()
	m.marketcap = mc
	m.lastTick = m.cfg.Clock.Now()
	m.mu.Unlock()
	metrics.Marketcap.Set(mc.InexactFloat64())

	m.checkMilestone(ctx, mc)
	if ctx.Err() != nil {
		return
	}

	now := m.cfg.Clock.Now()
	m.mu.Lock()
	due := m.lastUpdate.IsZero() || now.Sub(m.lastUpdate) >= m.cfg.UpdateInterval
	if due {
		m.lastUpdate = now
	}
	m.mu.Unlock()
	if due {
		m.PostMarketcapUpdate(ctx, mc)
	}
}

// Marketcap reads the oracle, returning zero on failure.
func (m *Monitor) Marketcap(ctx context.Context) decimal.Decimal {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	mc, err := m.cfg.Oracle.Marketcap(ctx, m.cfg.Mint)
	if err != nil {
		m.log.Warn("monitor: failed to read marketcap, using 0", "error", err)
		metrics.MarketcapFetchTotal.WithLabelValues("error").Inc()
		return decimal.Zero
	}
	metrics.MarketcapFetchTotal.WithLabelValues("success").Inc()
	return mc
}

func (m *Monitor) checkMilestone(ctx context.Context, mc decimal.Decimal) {
	idx := m.Index()
	if idx >= len(m.cfg.Ladder) {
		return
	}
	next := m.cfg.Ladder[idx]
	if mc.LessThan(next.Threshold) {
		return
	}
	log := m.log.With("threshold", next.Key(), "marketcap", mc)

	if m.cfg.History.IsExecuted(next.Threshold) {
		log.Info("monitor: milestone already executed, skipping")
		m.advance(idx)
		return
	}

	log.Info("monitor: milestone reached")
	out := m.cfg.Executor.Execute(ctx, next)
	if out.Summary != "" {
		m.cfg.Publisher.Publish(out.Summary)
	}

	if out.Success() {
		m.mu.Lock()
		m.cfg.History.MarkExecuted(next.Threshold)
		m.mu.Unlock()
		// Saved before anything else happens; a save failure is already logged.
		_ = m.cfg.Ledger.Save(ctx, m.cfg.History)
		log.Info("monitor: milestone recorded", "execution_id", out.ID)
		m.advance(idx)
		return
	}

	if ctx.Err() != nil {
		log.Warn("monitor: milestone interrupted by shutdown", "execution_id", out.ID)
		return
	}
	log.Error("monitor: milestone failed", "execution_id", out.ID, "advance", m.cfg.AdvancePolicy)
	if m.cfg.AdvancePolicy == AdvanceAlways {
		m.advance(idx)
	}
}

func (m *Monitor) advance(from int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == from {
		m.index++
	}
	metrics.MilestonePointer.Set(float64(m.index))
}

// nextUnexecuted returns the first milestone not in the history, or nil.
func (m *Monitor) nextUnexecuted() *ladder.Milestone {
	i := ResumeIndex(m.cfg.Ladder, m.cfg.History)
	if i >= len(m.cfg.Ladder) {
		return nil
	}
	next := m.cfg.Ladder[i]
	return &next
}

// PostMarketcapUpdate publishes a marketcap update and reports whether it did.
// It is skipped when no story context is available or when the same rounded
// marketcap was posted within DedupWindow.
func (m *Monitor) PostMarketcapUpdate(ctx context.Context, mc decimal.Decimal) bool {
	nc, ok := m.cfg.Context.Current(ctx)
	if !ok {
		m.log.Debug("monitor: no narrative context, skipping marketcap update")
		return false
	}

	key := ledger.MarketcapKey(mc)
	now := m.cfg.Clock.Now()
	if last, ok := m.cfg.History.LastMarketcapUpdate(key); ok && now.Sub(last) < m.cfg.DedupWindow {
		m.log.Debug("monitor: marketcap update recently posted, skipping", "marketcap", key, "last", last)
		return false
	}

	base := announce.MarketcapUpdate(mc, m.nextUnexecuted())
	composeCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	text := narrative.Compose(composeCtx, m.log, m.cfg.Enricher, base, nc, m.cfg.AnnounceLimit)
	cancel()
	m.cfg.Publisher.Publish(text)

	m.mu.Lock()
	m.cfg.History.RecordMarketcapUpdate(key, now)
	m.mu.Unlock()
	_ = m.cfg.Ledger.Save(ctx, m.cfg.History)
	m.log.Info("monitor: posted marketcap update", "marketcap", key)
	return true
}
