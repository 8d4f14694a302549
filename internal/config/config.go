package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	// Network settings
	Network   string `mapstructure:"network" yaml:"network"`
	RPCUrl    string `mapstructure:"rpc_url" yaml:"rpc_url"`
	RPCAPIKey string `mapstructure:"rpc_api_key" yaml:"rpc_api_key"`

	// Wallet settings
	PrivateKey string `mapstructure:"private_key" yaml:"private_key"`
	Mnemonic   string `mapstructure:"mnemonic" yaml:"mnemonic"`
	Passphrase string `mapstructure:"passphrase" yaml:"passphrase"`

	// JITO settings
	JITO JitoConfig `mapstructure:"jito" yaml:"jito"`

	// Trading settings
	Trading TradingConfig `mapstructure:"trading" yaml:"trading"`

	// Market feed settings
	Stream StreamConfig `mapstructure:"stream" yaml:"stream"`

	// Worker settings
	Worker WorkerConfig `mapstructure:"worker" yaml:"worker"`

	// Storage settings
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Discovery filters
	Discovery DiscoveryConfig `mapstructure:"discovery" yaml:"discovery"`

	// Logging settings
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Advanced settings
	Advanced AdvancedConfig `mapstructure:"advanced" yaml:"advanced"`
}

// TradingConfig contains trading-related settings
type TradingConfig struct {
	BuyAmountSOL            float64 `mapstructure:"buy_amount_sol" yaml:"buy_amount_sol"`
	SlippagePercent         float64 `mapstructure:"slippage_percent" yaml:"slippage_percent"`
	PriorityFee             float64 `mapstructure:"priority_fee" yaml:"priority_fee"`
	Pool                    string  `mapstructure:"pool" yaml:"pool"`
	RelevantAmount          float64 `mapstructure:"relevant_amount" yaml:"relevant_amount"`
	NonRelevantTolerance    int     `mapstructure:"non_relevant_tolerance" yaml:"non_relevant_tolerance"`
	TotalBondingCurveTokens float64 `mapstructure:"total_bonding_curve_tokens" yaml:"total_bonding_curve_tokens"`
	ShrinkToBalance         bool    `mapstructure:"shrink_to_balance" yaml:"shrink_to_balance"`
	MinBalanceReserve       float64 `mapstructure:"min_balance_reserve" yaml:"min_balance_reserve"`
}

// StreamConfig contains market feed settings
type StreamConfig struct {
	URL               string `mapstructure:"url" yaml:"url"`
	APIKey            string `mapstructure:"api_key" yaml:"api_key"`
	IdleTimeoutSec    int    `mapstructure:"idle_timeout_sec" yaml:"idle_timeout_sec"`
	PingIntervalSec   int    `mapstructure:"ping_interval_sec" yaml:"ping_interval_sec"`
	ReconnectAttempts int    `mapstructure:"reconnect_attempts" yaml:"reconnect_attempts"`
	BackoffBaseMs     int    `mapstructure:"backoff_base_ms" yaml:"backoff_base_ms"`
	BackoffMaxMs      int    `mapstructure:"backoff_max_ms" yaml:"backoff_max_ms"`
	Buffer            int    `mapstructure:"buffer" yaml:"buffer"`
}

// WorkerConfig selects the roadmaps this process runs. Role is a comma
// separated list; every listed role gets its own worker and all of them
// share one token store.
type WorkerConfig struct {
	Role        string `mapstructure:"role" yaml:"role"`
	RoadmapPath string `mapstructure:"roadmap_path" yaml:"roadmap_path"`
	// ScannerRoadmapPath overrides the built-in discovery roadmap
	ScannerRoadmapPath string `mapstructure:"scanner_roadmap_path" yaml:"scanner_roadmap_path"`
	// Snipers is the number of workers started for the trading role
	Snipers int  `mapstructure:"snipers" yaml:"snipers"`
	DryRun  bool `mapstructure:"dry_run" yaml:"dry_run"`
}

// Roles returns the roles listed in Role, without blanks or repeats
func (w WorkerConfig) Roles() []string {
	var out []string
	seen := make(map[string]bool)
	for _, r := range strings.Split(w.Role, ",") {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// TradingRole returns the first role that is not the scanner, or "" when
// the process only discovers.
func (w WorkerConfig) TradingRole() string {
	for _, r := range w.Roles() {
		if r != RoleScanner {
			return r
		}
	}
	return ""
}

// HasRole reports whether role is among Roles
func (w WorkerConfig) HasRole(role string) bool {
	for _, r := range w.Roles() {
		if r == role {
			return true
		}
	}
	return false
}

// JitoConfig contains JITO-related settings
type JitoConfig struct {
	Enabled        bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey         string `mapstructure:"api_key" yaml:"api_key"`
	ConfirmTimeout int    `mapstructure:"confirm_timeout" yaml:"confirm_timeout"`
}

// StorageConfig selects the token store and change notifier
type StorageConfig struct {
	Driver       string `mapstructure:"driver" yaml:"driver"`
	DSN          string `mapstructure:"dsn" yaml:"dsn"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	AMQPURL      string `mapstructure:"amqp_url" yaml:"amqp_url"`
	Exchange     string `mapstructure:"exchange" yaml:"exchange"`
}

// DiscoveryConfig contains new-token qualification filters
type DiscoveryConfig struct {
	NamePatterns     []string `mapstructure:"name_patterns" yaml:"name_patterns"`
	Creators         []string `mapstructure:"creators" yaml:"creators"`
	BlockedCreators  []string `mapstructure:"blocked_creators" yaml:"blocked_creators"`
	MinMarketCapSol  float64  `mapstructure:"min_market_cap_sol" yaml:"min_market_cap_sol"`
	MinInitialBuySol float64  `mapstructure:"min_initial_buy_sol" yaml:"min_initial_buy_sol"`
	MaxTokensPerHour int      `mapstructure:"max_tokens_per_hour" yaml:"max_tokens_per_hour"`
	MaxAgeSec        int      `mapstructure:"max_age_sec" yaml:"max_age_sec"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	LogToFile   bool   `mapstructure:"log_to_file" yaml:"log_to_file"`
	LogFilePath string `mapstructure:"log_file_path" yaml:"log_file_path"`
	TradeLogDir string `mapstructure:"trade_log_dir" yaml:"trade_log_dir"`
}

// AdvancedConfig contains advanced settings
type AdvancedConfig struct {
	MaxRetries        int     `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelayMs      int     `mapstructure:"retry_delay_ms" yaml:"retry_delay_ms"`
	ConfirmTimeoutSec int     `mapstructure:"confirm_timeout_sec" yaml:"confirm_timeout_sec"`
	TradesPerSecond   float64 `mapstructure:"trades_per_second" yaml:"trades_per_second"`
	EnableStatus      bool    `mapstructure:"enable_status" yaml:"enable_status"`
	StatusPort        int     `mapstructure:"status_port" yaml:"status_port"`
	SummaryCron       string  `mapstructure:"summary_cron" yaml:"summary_cron"`
}

// IdleTimeout returns how long a monitoring step waits for a message
func (s StreamConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSec) * time.Second
}

// PingInterval returns the keepalive interval
func (s StreamConfig) PingInterval() time.Duration {
	return time.Duration(s.PingIntervalSec) * time.Second
}

// BackoffBase returns the first reconnect delay
func (s StreamConfig) BackoffBase() time.Duration {
	return time.Duration(s.BackoffBaseMs) * time.Millisecond
}

// BackoffMax returns the reconnect delay ceiling
func (s StreamConfig) BackoffMax() time.Duration {
	return time.Duration(s.BackoffMaxMs) * time.Millisecond
}

// RetryDelay returns the delay between trade attempts
func (a AdvancedConfig) RetryDelay() time.Duration {
	return time.Duration(a.RetryDelayMs) * time.Millisecond
}

// ConfirmTimeout returns how long to wait for a trade confirmation
func (a AdvancedConfig) ConfirmTimeout() time.Duration {
	return time.Duration(a.ConfirmTimeoutSec) * time.Second
}

// NeedsWallet reports whether a worker of this process signs trades
func (c *Config) NeedsWallet() bool {
	return c.Worker.TradingRole() != "" && !c.Worker.DryRun
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string, envPath string) (*Config, error) {
	config := &Config{}
	v := viper.New()

	// First, load .env file if specified or default locations
	if err := loadEnvFile(envPath); err != nil {
		fmt.Printf("Warning: Failed to load .env file: %v\n", err)
	}

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("bot")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.pump-roadmap-bot")
		v.AddConfigPath("/etc/pump-roadmap-bot/")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("PUMPBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Manually bind environment variables that viper might miss
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		fmt.Printf("Config file not found, using environment variables and defaults\n")
	} else {
		fmt.Printf("Using config file: %s\n", v.ConfigFileUsed())
	}

	processEnvSubstitution(v)

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// loadEnvFile loads environment variables from .env file
func loadEnvFile(envPath string) error {
	var envFiles []string

	if envPath != "" {
		envFiles = append(envFiles, envPath)
	}
	envFiles = append(envFiles, ".env", "configs/.env")

	var envFile string
	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			envFile = file
			break
		}
	}

	if envFile == "" {
		if envPath != "" {
			return fmt.Errorf("specified .env file not found: %s", envPath)
		}
		return fmt.Errorf(".env file not found in any of the expected locations: %v", envFiles)
	}

	file, err := os.Open(envFile)
	if err != nil {
		return fmt.Errorf("failed to open .env file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	loadedCount := 0

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		value = strings.TrimSpace(value)

		// Remove quotes if present
		if len(value) >= 2 {
			if (strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"")) ||
				(strings.HasPrefix(value, "'") && strings.HasSuffix(value, "'")) {
				value = value[1 : len(value)-1]
			}
		}

		// Variables already set in the process environment win
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err == nil {
			loadedCount++
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading .env file: %w", err)
	}

	fmt.Printf("Loaded %d environment variables from %s\n", loadedCount, envFile)
	return nil
}

// bindEnvVariables binds the secrets and nested keys viper might miss
func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("network", "PUMPBOT_NETWORK")
	v.BindEnv("rpc_url", "PUMPBOT_RPC_URL")
	v.BindEnv("rpc_api_key", "PUMPBOT_RPC_API_KEY")
	v.BindEnv("private_key", "PUMPBOT_PRIVATE_KEY")
	v.BindEnv("mnemonic", "PUMPBOT_MNEMONIC")
	v.BindEnv("passphrase", "PUMPBOT_PASSPHRASE")

	v.BindEnv("trading.buy_amount_sol", "PUMPBOT_TRADING_BUY_AMOUNT_SOL")
	v.BindEnv("trading.slippage_percent", "PUMPBOT_TRADING_SLIPPAGE_PERCENT")
	v.BindEnv("trading.priority_fee", "PUMPBOT_TRADING_PRIORITY_FEE")
	v.BindEnv("trading.shrink_to_balance", "PUMPBOT_TRADING_SHRINK_TO_BALANCE")

	v.BindEnv("stream.url", "PUMPBOT_STREAM_URL")
	v.BindEnv("stream.api_key", "PUMPBOT_STREAM_API_KEY")

	v.BindEnv("worker.role", "PUMPBOT_WORKER_ROLE")
	v.BindEnv("worker.roadmap_path", "PUMPBOT_WORKER_ROADMAP_PATH")
	v.BindEnv("worker.scanner_roadmap_path", "PUMPBOT_WORKER_SCANNER_ROADMAP_PATH")
	v.BindEnv("worker.snipers", "PUMPBOT_WORKER_SNIPERS")
	v.BindEnv("worker.dry_run", "PUMPBOT_WORKER_DRY_RUN")

	v.BindEnv("jito.enabled", "PUMPBOT_JITO_ENABLED")
	v.BindEnv("jito.endpoint", "PUMPBOT_JITO_ENDPOINT")
	v.BindEnv("jito.api_key", "PUMPBOT_JITO_API_KEY")

	v.BindEnv("storage.driver", "PUMPBOT_STORAGE_DRIVER")
	v.BindEnv("storage.dsn", "PUMPBOT_STORAGE_DSN")
	v.BindEnv("storage.amqp_url", "PUMPBOT_STORAGE_AMQP_URL")

	v.BindEnv("logging.level", "PUMPBOT_LOGGING_LEVEL")
	v.BindEnv("logging.format", "PUMPBOT_LOGGING_FORMAT")
}

// processEnvSubstitution processes ${VAR:-default} substitution in config values
func processEnvSubstitution(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		value, ok := v.Get(key).(string)
		if !ok || !strings.Contains(value, "${") {
			continue
		}
		v.Set(key, expandEnvVars(value))
	}
}

// expandEnvVars expands environment variables in the format ${VAR:-default}
func expandEnvVars(value string) string {
	if !strings.Contains(value, "${") {
		return value
	}

	result := value
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}

		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		varName, defaultValue, _ := strings.Cut(expr, ":-")

		envValue := os.Getenv(varName)
		if envValue == "" {
			envValue = defaultValue
		}

		result = result[:start] + envValue + result[end+1:]
	}

	return result
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("network", "mainnet")
	v.SetDefault("rpc_url", "")

	v.SetDefault("trading.buy_amount_sol", DefaultBuyAmountSOL)
	v.SetDefault("trading.slippage_percent", DefaultSlippagePercent)
	v.SetDefault("trading.priority_fee", 0.0005)
	v.SetDefault("trading.pool", "pump")
	v.SetDefault("trading.relevant_amount", DefaultRelevantAmount)
	v.SetDefault("trading.non_relevant_tolerance", DefaultNonRelevantTolerance)
	v.SetDefault("trading.total_bonding_curve_tokens", DefaultTotalBondingCurveTokens)
	v.SetDefault("trading.shrink_to_balance", false)
	v.SetDefault("trading.min_balance_reserve", 0.01)

	v.SetDefault("stream.url", PumpPortalDataWS)
	v.SetDefault("stream.api_key", "")
	v.SetDefault("stream.idle_timeout_sec", 60)
	v.SetDefault("stream.ping_interval_sec", 30)
	v.SetDefault("stream.reconnect_attempts", 5)
	v.SetDefault("stream.backoff_base_ms", 1000)
	v.SetDefault("stream.backoff_max_ms", 30000)
	v.SetDefault("stream.buffer", 256)

	v.SetDefault("worker.role", RoleScanner+","+RoleSniper)
	v.SetDefault("worker.roadmap_path", "configs/roadmaps/sniper.yaml")
	v.SetDefault("worker.scanner_roadmap_path", "")
	v.SetDefault("worker.snipers", 1)
	v.SetDefault("worker.dry_run", false)

	v.SetDefault("jito.enabled", false)
	v.SetDefault("jito.endpoint", "")
	v.SetDefault("jito.api_key", "")
	v.SetDefault("jito.confirm_timeout", 30)

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.max_idle_conns", 5)
	v.SetDefault("storage.max_open_conns", 20)
	v.SetDefault("storage.amqp_url", "")
	v.SetDefault("storage.exchange", "pumpbot.tokens")

	v.SetDefault("discovery.name_patterns", []string{})
	v.SetDefault("discovery.creators", []string{})
	v.SetDefault("discovery.blocked_creators", []string{})
	v.SetDefault("discovery.min_market_cap_sol", 0.0)
	v.SetDefault("discovery.min_initial_buy_sol", 0.0)
	v.SetDefault("discovery.max_tokens_per_hour", 0)
	v.SetDefault("discovery.max_age_sec", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.log_to_file", false)
	v.SetDefault("logging.log_file_path", "logs/bot.log")
	v.SetDefault("logging.trade_log_dir", "trades")

	v.SetDefault("advanced.max_retries", MaxRetries)
	v.SetDefault("advanced.retry_delay_ms", RetryDelayMs)
	v.SetDefault("advanced.confirm_timeout_sec", ConfirmTimeoutSec)
	v.SetDefault("advanced.trades_per_second", 2.0)
	v.SetDefault("advanced.enable_status", false)
	v.SetDefault("advanced.status_port", 8080)
	v.SetDefault("advanced.summary_cron", "0 0 0 * * *")
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.RPCUrl == "" {
		config.RPCUrl = GetRPCEndpoint(config.Network)
	}
	if config.Stream.URL == "" {
		config.Stream.URL = PumpPortalDataWS
	}
	if config.JITO.Enabled && config.JITO.Endpoint == "" {
		config.JITO.Endpoint = GetJitoBundleEndpoint(config.Network)
	}

	roles := config.Worker.Roles()
	if len(roles) == 0 {
		return fmt.Errorf("worker.role is required")
	}
	trading := 0
	for _, r := range roles {
		if r != RoleScanner {
			trading++
		}
	}
	if trading > 1 {
		return fmt.Errorf("worker.role lists %d trading roles, one process runs at most one", trading)
	}
	if trading == 1 && config.Worker.RoadmapPath == "" {
		return fmt.Errorf("worker.roadmap_path is required")
	}
	if config.Worker.Snipers < 1 {
		config.Worker.Snipers = 1
	}

	if config.NeedsWallet() && config.PrivateKey == "" && config.Mnemonic == "" {
		return fmt.Errorf("private_key or mnemonic is required")
	}

	// Validate trading amounts
	if config.Trading.BuyAmountSOL < MinTradeAmountSOL {
		return fmt.Errorf("buy_amount_sol must be at least %f", MinTradeAmountSOL)
	}
	if config.Trading.BuyAmountSOL > MaxTradeAmountSOL {
		return fmt.Errorf("buy_amount_sol must not exceed %f", MaxTradeAmountSOL)
	}
	if config.Trading.SlippagePercent <= 0 || config.Trading.SlippagePercent > 100 {
		return fmt.Errorf("slippage_percent must be between 0 and 100")
	}
	if config.Trading.PriorityFee < 0 {
		return fmt.Errorf("priority_fee must be non-negative")
	}

	// Validate analytics parameters
	if config.Trading.RelevantAmount < 0 {
		return fmt.Errorf("relevant_amount must be non-negative")
	}
	if config.Trading.NonRelevantTolerance < 0 {
		return fmt.Errorf("non_relevant_tolerance must be non-negative")
	}
	if config.Trading.TotalBondingCurveTokens <= 0 {
		return fmt.Errorf("total_bonding_curve_tokens must be positive")
	}

	// Validate stream settings
	if config.Stream.ReconnectAttempts < 1 {
		return fmt.Errorf("stream.reconnect_attempts must be at least 1")
	}
	if config.Stream.BackoffBaseMs <= 0 || config.Stream.BackoffMaxMs < config.Stream.BackoffBaseMs {
		return fmt.Errorf("stream backoff must satisfy 0 < backoff_base_ms <= backoff_max_ms")
	}

	switch config.Storage.Driver {
	case "memory":
		// Nothing outside this process can fill a memory store.
		if trading == 1 && !config.Worker.HasRole(RoleScanner) {
			return fmt.Errorf("storage.driver memory needs the scanner role in the same process: set worker.role to %q or use postgres",
				RoleScanner+","+config.Worker.TradingRole())
		}
	case "postgres":
		if config.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be 'memory' or 'postgres'")
	}

	// Create log directories if they don't exist
	if config.Logging.LogToFile {
		logDir := filepath.Dir(config.Logging.LogFilePath)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return fmt.Errorf("failed to create log directory %s: %w", logDir, err)
		}
	}

	if err := os.MkdirAll(config.Logging.TradeLogDir, 0755); err != nil {
		return fmt.Errorf("failed to create trade log directory %s: %w", config.Logging.TradeLogDir, err)
	}

	return nil
}
