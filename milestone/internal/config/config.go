// Package config loads the milestone daemon configuration: defaults, then an
// optional YAML file, then .env and the environment. Flags are applied by the
// command on top.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/malbeclabs/ato/milestone/pkg/executor"
	"github.com/malbeclabs/ato/milestone/pkg/ladder"
	"github.com/malbeclabs/ato/milestone/pkg/ledger"
	"github.com/malbeclabs/ato/milestone/pkg/monitor"
	"github.com/malbeclabs/ato/milestone/pkg/wallet"
	"github.com/malbeclabs/ato/milestone/pkg/watcher"
	"github.com/malbeclabs/ato/utils/pkg/retry"
)

const (
	LedgerFile     = ledger.BackendFile
	LedgerPostgres = ledger.BackendPostgres
	LedgerRedis    = ledger.BackendRedis

	OracleJupiter = "jupiter"
	OracleStatic  = "static"
)

type WalletConfig struct {
	APIURL          string        `yaml:"api_url"`
	RPCURL          string        `yaml:"rpc_url"`
	CredentialsPath string        `yaml:"credentials_path"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
}

type LedgerConfig struct {
	Backend       string `yaml:"backend"`
	Path          string `yaml:"path"`
	Key           string `yaml:"key"`
	PostgresURL   string `yaml:"postgres_url"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type MarketcapConfig struct {
	Oracle     string          `yaml:"oracle"`
	JupiterURL string          `yaml:"jupiter_url"`
	Static     decimal.Decimal `yaml:"static"`
}

type LadderConfig struct {
	Base        []ladder.Milestone `yaml:"base"`
	Growth      decimal.Decimal    `yaml:"growth"`
	BuybackStep decimal.Decimal    `yaml:"buyback_step"`
	BurnPlateau decimal.Decimal    `yaml:"burn_plateau"`
	Cap         decimal.Decimal    `yaml:"cap"`
}

type WatcherConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxPolls     int           `yaml:"max_polls"`
}

type ExecutorConfig struct {
	TotalSupply       decimal.Decimal   `yaml:"total_supply"`
	TokenDecimals     uint8             `yaml:"token_decimals"`
	SpecialThresholds []decimal.Decimal `yaml:"special_thresholds"`
	SettleDelay       time.Duration     `yaml:"settle_delay"`
	BuybackDelay      time.Duration     `yaml:"buyback_delay"`
}

type MonitorConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	UpdateInterval time.Duration `yaml:"update_interval"`
	DedupWindow    time.Duration `yaml:"dedup_window"`
	AdvancePolicy  string        `yaml:"advance_policy"`
}

type NarrativeConfig struct {
	ContextPath     string `yaml:"context_path"`
	PromptsPath     string `yaml:"prompts_path"`
	Model           string `yaml:"model"`
	MaxTokens       int64  `yaml:"max_tokens"`
	AnthropicAPIKey string `yaml:"-"`
}

type BroadcastConfig struct {
	QueueSize        int    `yaml:"queue_size"`
	Log              bool   `yaml:"log"`
	SlackBotToken    string `yaml:"-"`
	SlackChannelID   string `yaml:"slack_channel_id"`
	SlackAPIURL      string `yaml:"slack_api_url"`
	TelegramBotToken string `yaml:"-"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	TelegramAPIURL   string `yaml:"telegram_api_url"`
}

type ServerConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Config struct {
	TestMode   bool   `yaml:"test_mode"`
	Mint       string `yaml:"mint"`
	DevAddress string `yaml:"dev_address"`
	SentryDSN  string `yaml:"-"`

	Wallet    WalletConfig    `yaml:"wallet"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Marketcap MarketcapConfig `yaml:"marketcap"`
	Ladder    LadderConfig    `yaml:"ladder"`
	Watcher   WatcherConfig   `yaml:"watcher"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Narrative NarrativeConfig `yaml:"narrative"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Server    ServerConfig    `yaml:"server"`
}

// Default returns the production defaults.
func Default() *Config {
	lc := ladder.DefaultConfig()
	return &Config{
		Wallet: WalletConfig{
			APIURL:          "http://localhost:3000",
			CredentialsPath: "data/wallet.json",
			CallTimeout:     60 * time.Second,
		},
		Ledger: LedgerConfig{
			Backend:   LedgerFile,
			Path:      "data/ledger.json",
			Key:       "default",
			RedisAddr: "localhost:6379",
		},
		Marketcap: MarketcapConfig{Oracle: OracleJupiter},
		Ladder: LadderConfig{
			Base:        lc.Base,
			Growth:      lc.Growth,
			BuybackStep: lc.BuybackStep,
			BurnPlateau: lc.BurnPlateau,
			Cap:         lc.Cap,
		},
		Watcher: WatcherConfig{PollInterval: time.Minute},
		Executor: ExecutorConfig{
			TotalSupply:       executor.DefaultTotalSupply,
			TokenDecimals:     executor.DefaultTokenDecimals,
			SpecialThresholds: executor.DefaultSpecialThresholds(),
			SettleDelay:       executor.DefaultSettleDelay,
			BuybackDelay:      executor.DefaultBuybackDelay,
		},
		Monitor: MonitorConfig{
			PollInterval: monitor.DefaultPollInterval,
			DedupWindow:  monitor.DefaultDedupWindow,
		},
		Narrative: NarrativeConfig{MaxTokens: 512},
		Broadcast: BroadcastConfig{QueueSize: 64, Log: true},
		Server:    ServerConfig{ListenAddr: "0.0.0.0:8080"},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// any), the .env file at envFile (if present) and the environment.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if envFile != "" {
		// Variables already set in the environment take precedence.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	dec := func(key string, dst *decimal.Decimal) {
		if v := os.Getenv(key); v != "" {
			d, err := decimal.NewFromString(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	if v := os.Getenv("ATO_TEST_MODE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("ATO_TEST_MODE: %w", err))
		}
		c.TestMode = b
	}
	str("ATO_MINT", &c.Mint)
	str("ATO_DEV_ADDRESS", &c.DevAddress)
	str("SENTRY_DSN", &c.SentryDSN)

	str("WALLET_API_URL", &c.Wallet.APIURL)
	str("SOLANA_RPC_URL", &c.Wallet.RPCURL)
	str("WALLET_CREDENTIALS_PATH", &c.Wallet.CredentialsPath)
	dur("WALLET_CALL_TIMEOUT", &c.Wallet.CallTimeout)

	str("LEDGER_BACKEND", &c.Ledger.Backend)
	str("LEDGER_PATH", &c.Ledger.Path)
	str("LEDGER_KEY", &c.Ledger.Key)
	str("POSTGRES_URL", &c.Ledger.PostgresURL)
	str("REDIS_ADDR", &c.Ledger.RedisAddr)
	str("REDIS_PASSWORD", &c.Ledger.RedisPassword)
	num("REDIS_DB", &c.Ledger.RedisDB)

	str("MARKETCAP_ORACLE", &c.Marketcap.Oracle)
	str("JUPITER_URL", &c.Marketcap.JupiterURL)
	dec("STATIC_MARKETCAP", &c.Marketcap.Static)

	dur("WATCHER_POLL_INTERVAL", &c.Watcher.PollInterval)
	num("WATCHER_MAX_POLLS", &c.Watcher.MaxPolls)
	dur("MONITOR_POLL_INTERVAL", &c.Monitor.PollInterval)
	dur("MONITOR_UPDATE_INTERVAL", &c.Monitor.UpdateInterval)
	dur("MONITOR_DEDUP_WINDOW", &c.Monitor.DedupWindow)
	str("MONITOR_ADVANCE_POLICY", &c.Monitor.AdvancePolicy)
	dec("TOTAL_SUPPLY", &c.Executor.TotalSupply)

	str("NARRATIVE_CONTEXT_PATH", &c.Narrative.ContextPath)
	str("NARRATIVE_PROMPTS_PATH", &c.Narrative.PromptsPath)
	str("ANTHROPIC_MODEL", &c.Narrative.Model)
	str("ANTHROPIC_API_KEY", &c.Narrative.AnthropicAPIKey)

	str("SLACK_BOT_TOKEN", &c.Broadcast.SlackBotToken)
	str("SLACK_CHANNEL_ID", &c.Broadcast.SlackChannelID)
	str("TELEGRAM_BOT_TOKEN", &c.Broadcast.TelegramBotToken)
	str("TELEGRAM_CHAT_ID", &c.Broadcast.TelegramChatID)

	str("LISTEN_ADDR", &c.Server.ListenAddr)
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = strings.Split(v, ",")
	}

	return errors.Join(errs...)
}

// ApplyTestMode shortens every interval so a full lifecycle runs in seconds.
func (c *Config) ApplyTestMode() {
	c.Watcher.PollInterval = time.Second
	if c.Watcher.MaxPolls == 0 {
		c.Watcher.MaxPolls = 2
	}
	c.Executor.SettleDelay = 0
	c.Executor.BuybackDelay = 0
	c.Monitor.PollInterval = 5 * time.Second
	c.Monitor.UpdateInterval = 0
}

// Validate checks required fields and, in test mode, applies the short
// intervals.
func (c *Config) Validate() error {
	if c.TestMode {
		c.ApplyTestMode()
	}
	if c.Mint == "" {
		return errors.New("mint is required (ATO_MINT)")
	}
	if c.Wallet.CredentialsPath == "" {
		return errors.New("wallet credentials path is required")
	}
	switch c.Ledger.Backend {
	case LedgerFile:
		if c.Ledger.Path == "" {
			return errors.New("ledger path is required for the file backend")
		}
	case LedgerPostgres:
		if c.Ledger.PostgresURL == "" {
			return errors.New("postgres url is required for the postgres backend")
		}
	case LedgerRedis:
		if c.Ledger.RedisAddr == "" {
			return errors.New("redis addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}
	switch c.Marketcap.Oracle {
	case OracleJupiter:
		if c.Wallet.RPCURL == "" {
			return errors.New("solana rpc url is required for the jupiter oracle")
		}
	case OracleStatic:
	default:
		return fmt.Errorf("unknown marketcap oracle %q", c.Marketcap.Oracle)
	}
	if _, err := monitor.ParseAdvancePolicy(c.Monitor.AdvancePolicy); err != nil {
		return err
	}
	if c.Watcher.PollInterval <= 0 {
		return errors.New("watcher poll interval must be greater than 0")
	}
	if (c.Broadcast.SlackBotToken == "") != (c.Broadcast.SlackChannelID == "") {
		return errors.New("slack needs both a bot token and a channel id")
	}
	if (c.Broadcast.TelegramBotToken == "") != (c.Broadcast.TelegramChatID == "") {
		return errors.New("telegram needs both a bot token and a chat id")
	}
	ms := c.BuildLadder()
	if err := ladder.Validate(ms); err != nil {
		return fmt.Errorf("invalid ladder: %w", err)
	}
	if err := executor.RequireDevAddress(ms, c.Executor.SpecialThresholds, c.DevAddress); err != nil {
		return fmt.Errorf("%w (ATO_DEV_ADDRESS)", err)
	}
	if c.DevAddress != "" && !wallet.IsAddress(c.DevAddress) {
		return fmt.Errorf("dev address %q is not a valid account address", c.DevAddress)
	}
	return nil
}

func (c *Config) BuildLadder() []ladder.Milestone {
	return ladder.Build(ladder.Config{
		Base:        c.Ladder.Base,
		Growth:      c.Ladder.Growth,
		BuybackStep: c.Ladder.BuybackStep,
		BurnPlateau: c.Ladder.BurnPlateau,
		Cap:         c.Ladder.Cap,
	})
}

// WalletClientOptions configures the wallet service client. The watcher owns
// the retry policy for balance reads, so the client makes a single attempt.
func (c *Config) WalletClientOptions() []wallet.ClientOption {
	opts := []wallet.ClientOption{wallet.WithReadRetry(retry.Config{MaxAttempts: 1})}
	if c.Wallet.CallTimeout > 0 {
		opts = append(opts, wallet.WithCallTimeout(c.Wallet.CallTimeout))
	}
	return opts
}

func (c *Config) WatcherConfig() watcher.Config {
	return watcher.Config{
		PollInterval: c.Watcher.PollInterval,
		MaxPolls:     c.Watcher.MaxPolls,
		CallTimeout:  c.Wallet.CallTimeout,
	}
}

func (c *Config) ExecutorConfig() executor.Config {
	return executor.Config{
		TokenDecimals:     c.Executor.TokenDecimals,
		TotalSupply:       c.Executor.TotalSupply,
		DevAddress:        c.DevAddress,
		SpecialThresholds: c.Executor.SpecialThresholds,
		SettleDelay:       c.Executor.SettleDelay,
		BuybackDelay:      c.Executor.BuybackDelay,
		CallTimeout:       c.Wallet.CallTimeout,
	}
}

func (c *Config) MonitorConfig() monitor.Config {
	// Validate has already rejected unknown policies.
	policy, _ := monitor.ParseAdvancePolicy(c.Monitor.AdvancePolicy)
	return monitor.Config{
		PollInterval:   c.Monitor.PollInterval,
		UpdateInterval: c.Monitor.UpdateInterval,
		DedupWindow:    c.Monitor.DedupWindow,
		CallTimeout:    c.Wallet.CallTimeout,
		AdvancePolicy:  policy,
	}
}
