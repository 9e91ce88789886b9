package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ato_milestoned_build_info",
			Help: "Build information of the milestone daemon",
		},
		[]string{"version", "commit", "date"},
	)

	LedgerOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ato_ledger_operations_total",
			Help: "Total number of ledger loads and saves",
		},
		[]string{"backend", "operation", "status"},
	)

	WalletRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ato_wallet_requests_total",
			Help: "Total number of wallet backend requests",
		},
		[]string{"operation", "status"},
	)

	WalletRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ato_wallet_request_duration_seconds",
			Help:    "Duration of wallet backend requests",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 0.05s to ~25s
		},
		[]string{"operation"},
	)

	BalancePollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ato_balance_polls_total",
			Help: "Total number of token balance polls",
		},
		[]string{"status"},
	)

	MarketcapFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ato_marketcap_fetch_total",
			Help: "Total number of marketcap oracle reads",
		},
		[]string{"status"},
	)

	Marketcap = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ato_marketcap",
			Help: "Last observed marketcap",
		},
	)

	MilestonePointer = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ato_milestone_pointer",
			Help: "Index of the next milestone to be reached",
		},
	)

	MilestonesExecutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ato_milestones_executed_total",
			Help: "Total number of milestone executions",
		},
		[]string{"kind", "status"},
	)

	MonitorTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ato_monitor_tick_duration_seconds",
			Help:    "Duration of marketcap monitor ticks",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
	)

	MonitorTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ato_monitor_ticks_total",
			Help: "Total number of marketcap monitor ticks",
		},
		[]string{"status"},
	)

	AnnouncementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ato_announcements_total",
			Help: "Total number of announcement deliveries per channel",
		},
		[]string{"channel", "status"},
	)

	NarrativeEnrichTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ato_narrative_enrich_total",
			Help: "Total number of narrative enrichment attempts",
		},
		[]string{"status"},
	)
)
