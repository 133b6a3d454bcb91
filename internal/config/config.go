package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aethelgard/aethelgard/types"
)

// Config holds the static bootstrap configuration. Everything tunable at
// runtime lives in the database (dynamic params / system state); these values
// only wire the process together and seed the defaults on first open.
type Config struct {
	// Database. A postgres:// URL selects the postgres driver; anything
	// else is treated as a sqlite file path.
	DatabaseURL string

	// Trading mode
	PaperTrading bool
	AccountID    string
	AccountType  types.AccountType

	// Scan universe: comma-separated symbols, e.g. "EURUSD,GBPUSD,XAUUSD".
	ScanSymbols    []string
	ScanTimeframes []types.Timeframe
	ScanWorkers    int

	// Providers
	StreamURL       string
	StreamEnabled   bool
	SentimentURL    string
	SentimentPollMs int

	// Paper connector
	PaperBalance        decimal.Decimal
	PaperSlippagePoints int64

	// HTTP intake
	APIListenAddr string
	APIEnabled    bool

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Timeouts
	ProviderTimeout  time.Duration
	ConnectorTimeout time.Duration
	ShutdownGrace    time.Duration

	// Closure listener
	ClosurePollInterval time.Duration
	ClosureLookbackHrs  int

	Debug bool
}

// Load builds the configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", "data/aethelgard.db"),

		PaperTrading: getEnvBool("PAPER_TRADING", true),
		AccountID:    getEnv("ACCOUNT_ID", "default"),

		ScanWorkers: getEnvInt("SCAN_WORKERS", 8),

		StreamURL:       os.Getenv("STREAM_URL"),
		StreamEnabled:   getEnvBool("STREAM_ENABLED", false),
		SentimentURL:    os.Getenv("SENTIMENT_URL"),
		SentimentPollMs: getEnvInt("SENTIMENT_POLL_MS", 60000),

		PaperBalance:        getEnvDecimal("PAPER_BALANCE", decimal.NewFromInt(10000)),
		PaperSlippagePoints: int64(getEnvInt("PAPER_SLIPPAGE_POINTS", 10)),

		APIListenAddr: getEnv("API_LISTEN_ADDR", ":8742"),
		APIEnabled:    getEnvBool("API_ENABLED", true),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		ProviderTimeout:  getEnvDuration("PROVIDER_TIMEOUT", 15*time.Second),
		ConnectorTimeout: getEnvDuration("CONNECTOR_TIMEOUT", 30*time.Second),
		ShutdownGrace:    getEnvDuration("SHUTDOWN_GRACE", 5*time.Second),

		ClosurePollInterval: getEnvDuration("CLOSURE_POLL_INTERVAL", 30*time.Second),
		ClosureLookbackHrs:  getEnvInt("CLOSURE_LOOKBACK_HOURS", 24),

		Debug: getEnvBool("DEBUG", false),
	}

	if getEnvBool("ACCOUNT_REAL", false) {
		cfg.AccountType = types.AccountReal
	} else {
		cfg.AccountType = types.AccountDemo
	}

	for _, s := range strings.Split(getEnv("SCAN_SYMBOLS", "EURUSD,GBPUSD,USDJPY,XAUUSD,BTCUSD"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			cfg.ScanSymbols = append(cfg.ScanSymbols, strings.ToUpper(s))
		}
	}

	for _, s := range strings.Split(getEnv("SCAN_TIMEFRAMES", "M5,M15,H1,H4"), ",") {
		tf, err := types.ParseTimeframe(s)
		if err != nil {
			return nil, fmt.Errorf("SCAN_TIMEFRAMES: %w", err)
		}
		cfg.ScanTimeframes = append(cfg.ScanTimeframes, tf)
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.ScanWorkers < 1 {
		cfg.ScanWorkers = 1
	}

	return cfg, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
