package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/getsentry/sentry-go"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/ato/milestone/internal/config"
	"github.com/malbeclabs/ato/milestone/pkg/announce"
	"github.com/malbeclabs/ato/milestone/pkg/broadcast"
	"github.com/malbeclabs/ato/milestone/pkg/ledger"
	"github.com/malbeclabs/ato/milestone/pkg/manager"
	"github.com/malbeclabs/ato/milestone/pkg/marketcap"
	"github.com/malbeclabs/ato/milestone/pkg/metrics"
	"github.com/malbeclabs/ato/milestone/pkg/narrative"
	"github.com/malbeclabs/ato/milestone/pkg/server"
	"github.com/malbeclabs/ato/milestone/pkg/wallet"
	"github.com/malbeclabs/ato/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "Enable verbose (debug) logging")
	jsonLogsFlag := flag.Bool("json-logs", false, "Write logs as JSON")
	configFlag := flag.String("config", "", "Path to a YAML config file")
	envFileFlag := flag.String("env-file", ".env", "Path to a .env file (ignored if missing)")
	listenAddrFlag := flag.String("listen-addr", "", "HTTP listen address for health, status and metrics (overrides LISTEN_ADDR)")
	testModeFlag := flag.Bool("test-mode", false, "Use short intervals for a quick end-to-end run")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 30*time.Second, "Maximum time to wait for queued announcements during shutdown")
	flag.Parse()

	format := logger.FormatText
	if *jsonLogsFlag {
		format = logger.FormatJSON
	}
	log := logger.NewWithFormat(os.Stdout, *verboseFlag, format)

	cfg, err := config.Load(*configFlag, *envFileFlag)
	if err != nil {
		return err
	}
	if *testModeFlag {
		cfg.TestMode = true
	}
	if *listenAddrFlag != "" {
		cfg.Server.ListenAddr = *listenAddrFlag
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Release:          version,
			EnableTracing:    true,
			TracesSampleRate: 1.0,
		}); err != nil {
			log.Warn("failed to initialize sentry", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("milestoned: starting",
		"version", version,
		"mint", cfg.Mint,
		"ledger", cfg.Ledger.Backend,
		"oracle", cfg.Marketcap.Oracle,
		"test_mode", cfg.TestMode,
	)

	store, closeStore, err := ledger.Open(ctx, log, ledger.OpenConfig{
		Backend:       cfg.Ledger.Backend,
		Key:           cfg.Ledger.Key,
		Path:          cfg.Ledger.Path,
		PostgresURL:   cfg.Ledger.PostgresURL,
		Migrate:       true,
		RedisAddr:     cfg.Ledger.RedisAddr,
		RedisPassword: cfg.Ledger.RedisPassword,
		RedisDB:       cfg.Ledger.RedisDB,
	})
	if err != nil {
		return err
	}
	defer closeStore()

	var rpc *solanarpc.Client
	if cfg.Wallet.RPCURL != "" {
		rpc = solanarpc.New(cfg.Wallet.RPCURL)
		defer rpc.Close()
	}

	walletClient := wallet.NewClient(cfg.Wallet.APIURL, log, cfg.WalletClientOptions()...)
	var backend wallet.Backend = walletClient
	if rpc != nil {
		backend = wallet.NewChainBackend(walletClient, wallet.NewRPCBalances(rpc))
	}

	var oracle marketcap.Oracle
	switch cfg.Marketcap.Oracle {
	case config.OracleJupiter:
		oracle = marketcap.NewSupplyOracle(rpc, marketcap.NewJupiterPrices(cfg.Marketcap.JupiterURL))
	case config.OracleStatic:
		oracle = marketcap.NewStaticOracle(cfg.Marketcap.Static)
	}

	contextSource, enricher, err := buildNarrative(log, cfg)
	if err != nil {
		return err
	}

	dispatcher := broadcast.NewDispatcher(log, buildBroadcaster(log, cfg), cfg.Broadcast.QueueSize)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), *shutdownTimeoutFlag)
		defer closeCancel()
		if err := dispatcher.Close(closeCtx); err != nil {
			log.Warn("milestoned: announcements dropped on shutdown", "error", err)
		}
	}()

	mgr, err := manager.New(manager.Config{
		Logger:      log,
		Ladder:      cfg.BuildLadder(),
		Credentials: wallet.NewCredentialStore(cfg.Wallet.CredentialsPath, log),
		Ledger:      ledger.New(log, store),
		Wallet:      backend,
		Oracle:      oracle,
		Publisher:   dispatcher,
		Enricher:    enricher,
		Context:     contextSource,
		Mint:        cfg.Mint,
		Watcher:     cfg.WatcherConfig(),
		Executor:    cfg.ExecutorConfig(),
		Monitor:     cfg.MonitorConfig(),
	})
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	srv, err := server.New(server.Config{
		Logger:         log,
		ListenAddr:     cfg.Server.ListenAddr,
		VersionInfo:    server.VersionInfo{Version: version, Commit: commit, Date: date},
		Status:         mgr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		err := mgr.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return err
		}
		// Run only returns nil if the monitor loop ends on its own.
		return errors.New("manager stopped unexpectedly")
	})

	err = g.Wait()
	if err != nil && ctx.Err() == nil {
		sentry.CaptureException(err)
		return err
	}
	log.Info("milestoned: shutdown complete")
	return nil
}

func buildNarrative(log *slog.Logger, cfg *config.Config) (narrative.ContextSource, narrative.Enricher, error) {
	var source narrative.ContextSource = narrative.StaticContextSource{}
	if cfg.Narrative.ContextPath != "" {
		source = narrative.NewFileContextSource(cfg.Narrative.ContextPath, log)
	}

	if cfg.Narrative.AnthropicAPIKey == "" {
		log.Info("narrative: no anthropic api key, posting base announcements")
		return source, narrative.Passthrough{}, nil
	}

	prompts, err := narrative.LoadPrompts(cfg.Narrative.PromptsPath)
	if err != nil {
		return nil, nil, err
	}
	model := cfg.Narrative.Model
	if model == "" {
		model = narrative.DefaultModel
	}
	llm := narrative.NewAnthropicLLMClient(log, model, cfg.Narrative.MaxTokens, option.WithAPIKey(cfg.Narrative.AnthropicAPIKey))
	enricher, err := narrative.NewLLMEnricher(llm, prompts, announce.ShortFormLimit)
	if err != nil {
		return nil, nil, err
	}
	return source, enricher, nil
}

func buildBroadcaster(log *slog.Logger, cfg *config.Config) *broadcast.Broadcaster {
	var channels []broadcast.Channel
	if cfg.Broadcast.Log {
		channels = append(channels, broadcast.NewLogChannel(log))
	}
	if cfg.Broadcast.SlackBotToken != "" {
		channels = append(channels, broadcast.NewSlackChannel(cfg.Broadcast.SlackBotToken, cfg.Broadcast.SlackChannelID, cfg.Broadcast.SlackAPIURL, log))
	}
	if cfg.Broadcast.TelegramBotToken != "" {
		channels = append(channels, broadcast.NewTelegramChannel(cfg.Broadcast.TelegramBotToken, cfg.Broadcast.TelegramChatID, cfg.Broadcast.TelegramAPIURL))
	}
	if len(channels) == 0 {
		log.Warn("broadcast: no channels configured, announcements are dropped")
	}
	b := broadcast.New(log, channels, broadcast.WithRateLimit(time.Second, 1))
	log.Info("broadcast: channels configured", "channels", b.Channels())
	return b
}
