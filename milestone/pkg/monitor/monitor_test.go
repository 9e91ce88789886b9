package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/ato/milestone/pkg/announce"
	"github.com/malbeclabs/ato/milestone/pkg/executor"
	"github.com/malbeclabs/ato/milestone/pkg/ladder"
	"github.com/malbeclabs/ato/milestone/pkg/ledger"
	"github.com/malbeclabs/ato/milestone/pkg/marketcap"
	"github.com/malbeclabs/ato/milestone/pkg/narrative"
	atotesting "github.com/malbeclabs/ato/utils/pkg/testing"
)

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

type mockExecutor struct {
	mu          sync.Mutex
	executed    []string
	executeFunc func(m ladder.Milestone) executor.Outcome
}

func (e *mockExecutor) Execute(_ context.Context, m ladder.Milestone) executor.Outcome {
	e.mu.Lock()
	e.executed = append(e.executed, m.Key())
	e.mu.Unlock()
	if e.executeFunc != nil {
		return e.executeFunc(m)
	}
	return executor.Outcome{
		ID:         "exec",
		Burned:     true,
		BoughtBack: true,
		Summary:    announce.Standard(m.BurnPercent, m.BuybackAmount, true, true),
	}
}

func (e *mockExecutor) Executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.executed...)
}

func failedOutcome(m ladder.Milestone) executor.Outcome {
	return executor.Outcome{
		ID:         "exec",
		BoughtBack: true,
		Summary:    announce.Standard(m.BurnPercent, m.BuybackAmount, false, true),
	}
}

type failingEnricher struct{}

func (failingEnricher) Enrich(context.Context, string, narrative.Context) (string, error) {
	return "", errors.New("model overloaded")
}

// blockingEnricher waits for its context to end.
type blockingEnricher struct{}

func (blockingEnricher) Enrich(ctx context.Context, _ string, _ narrative.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

// cancelAwareStore fails like a network store once its context is done.
type cancelAwareStore struct {
	*ledger.FileStore
}

func (s cancelAwareStore) Save(ctx context.Context, h *ledger.History) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.FileStore.Save(ctx, h)
}

type harness struct {
	monitor   *Monitor
	clock     *clockwork.FakeClock
	oracle    *marketcap.StaticOracle
	exec      *mockExecutor
	publisher *recordingPublisher
	store     *ledger.FileStore
	history   *ledger.History
}

var storyContext = narrative.StaticContextSource{Context: narrative.Context{
	CurrentEvent:  "the agent is watching the charts",
	InnerDialogue: "patience",
}}

func newHarness(t *testing.T, ms []ladder.Milestone, mc string, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		clock:     clockwork.NewFakeClock(),
		oracle:    marketcap.NewStaticOracle(decimal.RequireFromString(mc)),
		exec:      &mockExecutor{},
		publisher: &recordingPublisher{},
		store:     ledger.NewFileStore(filepath.Join(t.TempDir(), "ledger.json")),
		history:   ledger.NewHistory(),
	}
	log := atotesting.NewLogger()
	cfg := Config{
		Logger:       log,
		Clock:        h.clock,
		Ladder:       ms,
		Ledger:       ledger.New(log, h.store),
		History:      h.history,
		Oracle:       h.oracle,
		Executor:     h.exec,
		Publisher:    h.publisher,
		Enricher:     narrative.Passthrough{},
		Context:      storyContext,
		Mint:         "mint",
		PollInterval: time.Minute,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	mon, err := New(cfg)
	require.NoError(t, err)
	h.monitor = mon
	return h
}

func (h *harness) persisted(t *testing.T) *ledger.History {
	t.Helper()
	got, err := h.store.Load(t.Context())
	require.NoError(t, err)
	return got
}

func TestATO_Monitor_Config_Validate(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Logger: atotesting.NewLogger()})
	require.ErrorIs(t, err, ladder.ErrEmpty)

	h := newHarness(t, ladder.Default(), "0")
	require.Equal(t, time.Minute, h.monitor.cfg.UpdateInterval)
	require.Equal(t, DefaultDedupWindow, h.monitor.cfg.DedupWindow)
	require.Equal(t, announce.ShortFormLimit, h.monitor.cfg.AnnounceLimit)
}

func TestATO_Monitor_ParseAdvancePolicy(t *testing.T) {
	t.Parallel()

	p, err := ParseAdvancePolicy("")
	require.NoError(t, err)
	require.Equal(t, AdvanceAlways, p)

	p, err = ParseAdvancePolicy("on_success")
	require.NoError(t, err)
	require.Equal(t, AdvanceOnSuccess, p)
	require.Equal(t, "on_success", p.String())

	_, err = ParseAdvancePolicy("sometimes")
	require.Error(t, err)
}

func TestATO_Monitor_ResumeIndex(t *testing.T) {
	t.Parallel()

	ms := ladder.Default()
	h := ledger.NewHistory()
	require.Equal(t, 0, ResumeIndex(ms, h))

	h.MarkExecuted(ms[0].Threshold)
	h.MarkExecuted(ms[1].Threshold)
	require.Equal(t, 2, ResumeIndex(ms, h))

	for _, m := range ms {
		h.MarkExecuted(m.Threshold)
	}
	require.Equal(t, len(ms), ResumeIndex(ms, h))
}

func TestATO_Monitor_Tick(t *testing.T) {
	t.Parallel()

	t.Run("executes reached milestone once", func(t *testing.T) {
		t.Parallel()
		ms := []ladder.Milestone{ladder.New("75000", "0.00000001", "0.001")}
		h := newHarness(t, ms, "80000")

		h.monitor.Tick(t.Context())
		require.Equal(t, []string{"75000"}, h.exec.Executed())
		require.Equal(t, 1, h.monitor.Index())

		h.monitor.Tick(t.Context())
		require.Equal(t, []string{"75000"}, h.exec.Executed())
		require.Equal(t, []string{"75000"}, h.persisted(t).Executed())
	})

	t.Run("already executed milestone is not executed again", func(t *testing.T) {
		t.Parallel()
		ms := []ladder.Milestone{ladder.New("75000", "0.5", "0.2"), ladder.New("150000", "0.5", "0.4")}
		h := newHarness(t, ms, "80000", func(cfg *Config) {
			cfg.History.MarkExecuted(decimal.NewFromInt(75000))
		})
		require.Equal(t, 1, h.monitor.Index())

		h.monitor.Tick(t.Context())
		h.monitor.Tick(t.Context())
		require.Empty(t, h.exec.Executed())
	})

	t.Run("below threshold does nothing", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, ladder.Default(), "74999.99")

		h.monitor.Tick(t.Context())
		require.Empty(t, h.exec.Executed())
		require.Equal(t, 0, h.monitor.Index())
	})

	t.Run("one milestone per tick", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, ladder.Default(), "400000")

		h.monitor.Tick(t.Context())
		h.monitor.Tick(t.Context())
		require.Equal(t, []string{"75000", "150000"}, h.exec.Executed())
		require.Equal(t, 2, h.monitor.Index())
	})

	t.Run("oracle failure reads as zero", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, ladder.Default(), "80000")
		h.oracle.Fail(errors.New("price feed down"))

		require.True(t, h.monitor.Marketcap(t.Context()).IsZero())
		h.monitor.Tick(t.Context())
		require.Empty(t, h.exec.Executed())
		require.True(t, h.monitor.Status().Marketcap.IsZero())
	})

	t.Run("failed milestone advances and is not recorded", func(t *testing.T) {
		t.Parallel()
		ms := []ladder.Milestone{ladder.New("75000", "0.5", "0.2"), ladder.New("150000", "0.5", "0.4")}
		h := newHarness(t, ms, "80000")
		h.exec.executeFunc = failedOutcome

		h.monitor.Tick(t.Context())
		h.monitor.Tick(t.Context())
		require.Equal(t, []string{"75000"}, h.exec.Executed())
		require.Equal(t, 1, h.monitor.Index())
		require.False(t, h.history.IsExecuted(decimal.NewFromInt(75000)))
		require.Contains(t, h.publisher.Texts()[0], "burn missed")

		// a restart resumes at the failed milestone
		require.Equal(t, 0, ResumeIndex(ms, h.persisted(t)))
	})

	t.Run("advance on success retries failed milestone", func(t *testing.T) {
		t.Parallel()
		ms := []ladder.Milestone{ladder.New("75000", "0.5", "0.2")}
		h := newHarness(t, ms, "80000", func(cfg *Config) { cfg.AdvancePolicy = AdvanceOnSuccess })
		var calls int
		h.exec.executeFunc = func(m ladder.Milestone) executor.Outcome {
			calls++
			if calls == 1 {
				return failedOutcome(m)
			}
			return executor.Outcome{Burned: true, BoughtBack: true, Summary: announce.Standard(m.BurnPercent, m.BuybackAmount, true, true)}
		}

		h.monitor.Tick(t.Context())
		require.Equal(t, 0, h.monitor.Index())
		h.monitor.Tick(t.Context())
		require.Equal(t, 1, h.monitor.Index())
		h.monitor.Tick(t.Context())
		require.Equal(t, []string{"75000", "75000"}, h.exec.Executed())
		require.True(t, h.history.IsExecuted(decimal.NewFromInt(75000)))
	})

	t.Run("success is recorded when shutdown lands mid-execution", func(t *testing.T) {
		t.Parallel()
		store := cancelAwareStore{ledger.NewFileStore(filepath.Join(t.TempDir(), "ledger.json"))}
		ms := []ladder.Milestone{ladder.New("75000", "0.5", "0.2")}
		h := newHarness(t, ms, "80000", func(cfg *Config) {
			cfg.Ledger = ledger.New(atotesting.NewLogger(), store)
		})

		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		h.exec.executeFunc = func(m ladder.Milestone) executor.Outcome {
			cancel()
			return executor.Outcome{Burned: true, BoughtBack: true, Summary: announce.Standard(m.BurnPercent, m.BuybackAmount, true, true)}
		}

		h.monitor.Tick(ctx)
		got, err := store.Load(t.Context())
		require.NoError(t, err)
		require.Equal(t, []string{"75000"}, got.Executed())
	})

	t.Run("execution summary is published", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, ladder.Default(), "80000", func(cfg *Config) {
			cfg.Context = narrative.StaticContextSource{}
		})

		h.monitor.Tick(t.Context())
		texts := h.publisher.Texts()
		require.Len(t, texts, 1)
		require.Contains(t, texts[0], "milestone reached")
	})
}

func TestATO_Monitor_PostMarketcapUpdate(t *testing.T) {
	t.Parallel()

	t.Run("dedup window", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, ladder.Default(), "0")
		mc := decimal.RequireFromString("50000.4")

		require.True(t, h.monitor.PostMarketcapUpdate(t.Context(), mc))
		require.False(t, h.monitor.PostMarketcapUpdate(t.Context(), decimal.RequireFromString("49999.6")))
		require.Len(t, h.publisher.Texts(), 1)

		h.clock.Advance(DefaultDedupWindow)
		require.True(t, h.monitor.PostMarketcapUpdate(t.Context(), mc))
		require.Len(t, h.publisher.Texts(), 2)

		_, ok := h.persisted(t).LastMarketcapUpdate("50000")
		require.True(t, ok)
	})

	t.Run("different rounded value is not deduped", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, ladder.Default(), "0")

		require.True(t, h.monitor.PostMarketcapUpdate(t.Context(), decimal.NewFromInt(50000)))
		require.True(t, h.monitor.PostMarketcapUpdate(t.Context(), decimal.NewFromInt(50001)))
	})

	t.Run("skipped without narrative context", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, ladder.Default(), "0", func(cfg *Config) {
			cfg.Context = narrative.StaticContextSource{Context: narrative.Context{CurrentEvent: "only half"}}
		})

		require.False(t, h.monitor.PostMarketcapUpdate(t.Context(), decimal.NewFromInt(50000)))
		require.Empty(t, h.publisher.Texts())
		require.Empty(t, h.history.MarketcapUpdates)
	})

	t.Run("remaining is computed from the first unexecuted milestone", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, ladder.Default(), "0")
		h.history.MarkExecuted(decimal.NewFromInt(75000))

		require.True(t, h.monitor.PostMarketcapUpdate(t.Context(), decimal.NewFromInt(100000)))
		text := h.publisher.Texts()[0]
		require.Contains(t, text, "next milestone: 150k")
		require.Contains(t, text, "remaining: 50k")
	})

	t.Run("all executed posts bare figure", func(t *testing.T) {
		t.Parallel()
		ms := []ladder.Milestone{ladder.New("75000", "0.5", "0.2")}
		h := newHarness(t, ms, "0")
		h.history.MarkExecuted(decimal.NewFromInt(75000))

		require.True(t, h.monitor.PostMarketcapUpdate(t.Context(), decimal.NewFromInt(90000)))
		text := h.publisher.Texts()[0]
		require.Contains(t, text, "90k")
		require.NotContains(t, text, "remaining")
	})

	t.Run("enricher failure falls back to template", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, ladder.Default(), "0", func(cfg *Config) { cfg.Enricher = failingEnricher{} })

		require.True(t, h.monitor.PostMarketcapUpdate(t.Context(), decimal.NewFromInt(50000)))
		require.Equal(t, announce.MarketcapUpdate(decimal.NewFromInt(50000), &ladder.Default()[0]), h.publisher.Texts()[0])
	})

	t.Run("stalled enricher is cut off by the call timeout", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, ladder.Default(), "0", func(cfg *Config) {
			cfg.Enricher = blockingEnricher{}
			cfg.CallTimeout = 20 * time.Millisecond
		})

		done := make(chan bool, 1)
		go func() { done <- h.monitor.PostMarketcapUpdate(t.Context(), decimal.NewFromInt(50000)) }()
		select {
		case posted := <-done:
			require.True(t, posted)
		case <-time.After(5 * time.Second):
			t.Fatal("marketcap update blocked on the enricher")
		}
		require.Equal(t, announce.MarketcapUpdate(decimal.NewFromInt(50000), &ladder.Default()[0]), h.publisher.Texts()[0])
	})
}

func TestATO_Monitor_Run(t *testing.T) {
	t.Parallel()

	t.Run("ticks on interval and stops on cancel", func(t *testing.T) {
		t.Parallel()
		ms := []ladder.Milestone{ladder.New("75000", "0.5", "0.2"), ladder.New("150000", "0.5", "0.4")}
		h := newHarness(t, ms, "80000", func(cfg *Config) { cfg.UpdateInterval = time.Hour })

		ctx, cancel := context.WithCancel(t.Context())
		errCh := make(chan error, 1)
		go func() { errCh <- h.monitor.Run(ctx) }()

		require.NoError(t, h.clock.BlockUntilContext(t.Context(), 1))
		require.Equal(t, []string{"75000"}, h.exec.Executed())
		// execution summary and the first marketcap update
		require.Len(t, h.publisher.Texts(), 2)

		h.oracle.Set(decimal.NewFromInt(160000))
		h.clock.Advance(time.Minute)
		require.Eventually(t, func() bool { return len(h.exec.Executed()) == 2 }, time.Second, time.Millisecond)
		require.Eventually(t, func() bool { return h.monitor.Index() == 2 }, time.Second, time.Millisecond)
		// update interval has not elapsed
		require.Len(t, h.publisher.Texts(), 3)

		cancel()
		require.ErrorIs(t, <-errCh, context.Canceled)
	})

	t.Run("recovers from panics", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, ladder.Default(), "80000")
		h.exec.executeFunc = func(ladder.Milestone) executor.Outcome { panic("boom") }

		ctx, cancel := context.WithCancel(t.Context())
		errCh := make(chan error, 1)
		go func() { errCh <- h.monitor.Run(ctx) }()

		require.NoError(t, h.clock.BlockUntilContext(t.Context(), 1))
		require.Equal(t, []string{"75000"}, h.exec.Executed())
		cancel()
		require.ErrorIs(t, <-errCh, context.Canceled)
	})
}
