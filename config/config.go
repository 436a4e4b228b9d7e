// Package config loads the engine configuration from YAML and the venue
// credentials from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rustyeddy/tradeengine/autotrade"
	"github.com/rustyeddy/tradeengine/broker"
	"github.com/rustyeddy/tradeengine/broker/paper"
	"github.com/rustyeddy/tradeengine/broker/rest"
	"github.com/rustyeddy/tradeengine/internal/logging"
	"github.com/rustyeddy/tradeengine/journal"
	"github.com/rustyeddy/tradeengine/signals"
	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Account   AccountConfig    `yaml:"account"`
	Venue     VenueConfig      `yaml:"venue"`
	Session   SessionConfig    `yaml:"session"`
	Feed      FeedConfig       `yaml:"feed"`
	AutoTrade autotrade.Config `yaml:"autotrade"`
	Signals   signals.Config   `yaml:"signals"`
	Journal   JournalConfig    `yaml:"journal"`
	Log       logging.Config   `yaml:"log"`
	Metrics   ServerConfig     `yaml:"metrics"`
	Stream    ServerConfig     `yaml:"stream"`
}

// AccountConfig contains account initialization parameters
type AccountConfig struct {
	ID       string  `yaml:"id"`
	Currency string  `yaml:"currency"`
	Balance  float64 `yaml:"balance"`
	// Commission is charged once per close.
	Commission float64 `yaml:"commission"`
}

type VenueConfig struct {
	Kind string `yaml:"kind"` // paper or rest
	// Timeout bounds each open, close and order confirmation.
	Timeout time.Duration `yaml:"timeout"`
	Paper   paper.Config  `yaml:"paper,omitempty"`
	REST    rest.Config   `yaml:"rest,omitempty"`
}

type SessionConfig struct {
	Lifetime      time.Duration `yaml:"lifetime"`
	RefreshMargin time.Duration `yaml:"refresh_margin"`
	Timeout       time.Duration `yaml:"timeout"`
}

type FeedConfig struct {
	Interval      time.Duration `yaml:"interval"`
	Timeout       time.Duration `yaml:"timeout"`
	DegradedAfter int           `yaml:"degraded_after"`
	Symbols       []string      `yaml:"symbols"`
	// Seeds are starting quotes. The paper venue random-walks from their
	// mid prices.
	Seeds []SeedQuote `yaml:"seeds,omitempty"`
}

type SeedQuote struct {
	Symbol string  `yaml:"symbol"`
	Bid    float64 `yaml:"bid"`
	Ask    float64 `yaml:"ask"`
}

// JournalConfig contains journaling parameters
type JournalConfig struct {
	Type       string `yaml:"type"` // "csv", "sqlite" or "none"
	TradesFile string `yaml:"trades_file,omitempty"`
	EquityFile string `yaml:"equity_file,omitempty"`
	DBPath     string `yaml:"db_path,omitempty"`
}

// ServerConfig is an optional listen address. Empty disables the server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a paper-trading configuration that validates as is.
func Default() *Config {
	return &Config{
		Account: AccountConfig{
			ID:       "PAPER-001",
			Currency: "USD",
			Balance:  10000,
		},
		Venue: VenueConfig{
			Kind:    "paper",
			Timeout: 10 * time.Second,
			Paper: paper.Config{
				AccountID:     "PAPER-001",
				TokenLifetime: paper.DefaultTokenLifetime,
				Volatility:    paper.DefaultVolatility,
				Spread:        paper.DefaultSpread,
			},
		},
		Session: SessionConfig{
			Lifetime:      6 * time.Hour,
			RefreshMargin: time.Hour,
			Timeout:       10 * time.Second,
		},
		Feed: FeedConfig{
			Interval:      3 * time.Second,
			Timeout:       5 * time.Second,
			DegradedAfter: 3,
			Symbols:       []string{"EURUSD", "BTCUSD", "XAUUSD"},
			Seeds: []SeedQuote{
				{Symbol: "EURUSD", Bid: 1.0849, Ask: 1.0851},
				{Symbol: "BTCUSD", Bid: 64990, Ask: 65010},
				{Symbol: "XAUUSD", Bid: 2329.5, Ask: 2330.5},
			},
		},
		AutoTrade: autotrade.Config{
			Interval:  autotrade.DefaultInterval,
			Threshold: autotrade.DefaultThreshold,
			Size:      100,
			Leverage:  1,
		},
		Signals: signals.Config{Kind: "random", Probability: 0.3},
		Journal: JournalConfig{
			Type:   "sqlite",
			DBPath: "./trader.sqlite",
		},
		Log: logging.Config{Level: "info"},
	}
}

// LoadFromFile reads, parses and validates a YAML configuration.
// Fields missing from the file keep their Default values.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes the configuration as YAML.
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Account.Currency == "" {
		return fmt.Errorf("account.currency is required")
	}
	if c.Account.Balance <= 0 {
		return fmt.Errorf("account.balance must be positive")
	}
	if c.Account.Commission < 0 {
		return fmt.Errorf("account.commission must not be negative")
	}

	switch c.Venue.Kind {
	case "paper":
	case "rest":
		if c.Venue.REST.BaseURL == "" {
			return fmt.Errorf("venue.rest.base_url is required for the rest venue")
		}
	default:
		return fmt.Errorf("venue.kind must be 'paper' or 'rest'")
	}

	if c.Session.Lifetime < 0 || c.Session.RefreshMargin < 0 || c.Session.Timeout < 0 {
		return fmt.Errorf("session durations must not be negative")
	}

	if c.Feed.Interval <= 0 {
		return fmt.Errorf("feed.interval must be positive")
	}
	if c.Feed.DegradedAfter < 0 {
		return fmt.Errorf("feed.degraded_after must not be negative")
	}
	if len(c.Feed.Symbols) == 0 {
		return fmt.Errorf("feed.symbols must name at least one symbol")
	}
	for _, s := range c.Feed.Seeds {
		q := broker.Quote{Symbol: s.Symbol, Bid: s.Bid, Ask: s.Ask}
		if s.Symbol == "" {
			return fmt.Errorf("feed.seeds: symbol is required")
		}
		if err := q.Validate(); err != nil {
			return fmt.Errorf("feed.seeds %s: %w", s.Symbol, err)
		}
	}

	a := c.AutoTrade
	if a.Threshold < 0 || a.Threshold > 1 || a.ReverseThreshold < 0 || a.ReverseThreshold > 1 {
		return fmt.Errorf("autotrade thresholds must be between 0 and 1")
	}
	if a.Size < 0 {
		return fmt.Errorf("autotrade.size must not be negative")
	}
	if a.RiskPercent < 0 || a.RiskPercent > 1 {
		return fmt.Errorf("autotrade.risk_percent must be between 0 and 1")
	}
	if a.RiskPercent > 0 && a.StopDistance <= 0 {
		return fmt.Errorf("autotrade.risk_percent needs a stop_distance")
	}
	if a.Leverage != 0 && a.Leverage < 1 {
		return fmt.Errorf("autotrade.leverage must be at least 1")
	}
	if a.StopDistance < 0 || a.TakeProfitDistance < 0 {
		return fmt.Errorf("autotrade stop and take-profit distances must not be negative")
	}

	switch c.Signals.Kind {
	case "", "noop", "random", "ema-cross":
	default:
		return fmt.Errorf("signals.kind must be 'noop', 'random' or 'ema-cross'")
	}

	switch c.Journal.Type {
	case "none":
	case "csv":
		if c.Journal.TradesFile == "" || c.Journal.EquityFile == "" {
			return fmt.Errorf("journal trades_file and equity_file required for CSV type")
		}
	case "sqlite":
		if c.Journal.DBPath == "" {
			return fmt.Errorf("journal db_path required for SQLite type")
		}
	default:
		return fmt.Errorf("journal.type must be 'csv', 'sqlite' or 'none'")
	}

	return nil
}

// SeedQuotes returns the configured seeds as quotes stamped with at.
func (c *Config) SeedQuotes(at time.Time) []broker.Quote {
	out := make([]broker.Quote, 0, len(c.Feed.Seeds))
	for _, s := range c.Feed.Seeds {
		out = append(out, broker.Quote{Symbol: s.Symbol, Bid: s.Bid, Ask: s.Ask, Time: at})
	}
	return out
}

// OpenJournal opens the configured journal.
func (j JournalConfig) Open() (journal.Journal, error) {
	switch j.Type {
	case "csv":
		return journal.NewCSV(j.TradesFile, j.EquityFile)
	case "sqlite":
		return journal.NewSQLite(j.DBPath)
	case "", "none":
		return journal.Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown journal type %q", j.Type)
	}
}

const (
	EnvIdentifier = "TRADER_IDENTIFIER"
	EnvPassword   = "TRADER_PASSWORD"
	EnvAPIKey     = "TRADER_API_KEY"
	EnvTOTPSecret = "TRADER_TOTP_SECRET"
)

// CredentialsFromEnv reads venue credentials from the environment after
// loading envFile, if it exists. Variables already set in the environment
// win over the file.
func CredentialsFromEnv(envFile string) (broker.Credentials, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return broker.Credentials{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	creds := broker.Credentials{
		Identifier: strings.TrimSpace(os.Getenv(EnvIdentifier)),
		Password:   os.Getenv(EnvPassword),
		APIKey:     strings.TrimSpace(os.Getenv(EnvAPIKey)),
		TOTPSecret: strings.TrimSpace(os.Getenv(EnvTOTPSecret)),
	}
	if err := creds.Validate(); err != nil {
		return broker.Credentials{}, err
	}
	return creds, nil
}
