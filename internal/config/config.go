package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// VenueConfig holds one exchange's credentials and endpoints.
type VenueConfig struct {
	Name         string `yaml:"name"` // binance_futures | bybit
	APIKey       string `yaml:"api_key"`
	APISecret    string `yaml:"api_secret"`
	RESTEndpoint string `yaml:"rest_endpoint"`
	WSEndpoint   string `yaml:"ws_endpoint"`
}

type RiskConfig struct {
	StartCapital     float64 `yaml:"start_capital"`
	MaxDailyLossPct  float64 `yaml:"max_daily_loss_pct"`  // positive number, e.g. 5.0
	MaxOpenPositions int     `yaml:"max_open_positions"`  // 0 = unlimited
	TakerFeeRate     float64 `yaml:"taker_fee_rate"`
	MakerFeeRate     float64 `yaml:"maker_fee_rate"`
}

type LLMConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	MaxTokens  int    `yaml:"max_tokens"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// Timeout is the request timeout for one completion call.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

type Config struct {
	Venue    string         `yaml:"venue"` // default venue for new entries
	Venues   []VenueConfig  `yaml:"venues"`
	Coins    []string       `yaml:"coins"` // tracked coins, e.g. [BTC, ETH, SOL]
	Risk     RiskConfig     `yaml:"risk"`
	LLM      LLMConfig      `yaml:"llm"`
	Telegram TelegramConfig `yaml:"telegram"`

	CheckIntervalSec int    `yaml:"check_interval_sec"`
	StateDB          string `yaml:"state_db"`
	MetricsPort      int    `yaml:"metrics_port"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
}

// Load reads and validates the yaml config at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// CheckInterval is the pause between decision cycles.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSec) * time.Second
}

func (c *Config) applyDefaults() {
	if c.CheckIntervalSec == 0 {
		c.CheckIntervalSec = 180
	}
	if c.StateDB == "" {
		c.StateDB = "trader.db"
	}
	if c.Risk.StartCapital == 0 {
		c.Risk.StartCapital = 10000
	}
	if c.Risk.MaxDailyLossPct == 0 {
		c.Risk.MaxDailyLossPct = 5.0
	}
	if c.Risk.TakerFeeRate == 0 {
		c.Risk.TakerFeeRate = 0.00055
	}
	if c.Risk.MakerFeeRate == 0 {
		c.Risk.MakerFeeRate = 0.0002
	}
	if c.LLM.TimeoutSec == 0 {
		c.LLM.TimeoutSec = 90
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) validate() error {
	if len(c.Coins) == 0 {
		return fmt.Errorf("config: no coins configured")
	}
	if len(c.Venues) == 0 {
		return fmt.Errorf("config: no venues configured")
	}
	if c.Venue == "" {
		c.Venue = c.Venues[0].Name
	}
	found := false
	for _, v := range c.Venues {
		if v.Name == c.Venue {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("config: default venue %q not present in venues list", c.Venue)
	}
	return nil
}

// VenueByName returns the venue config with the given name.
func (c *Config) VenueByName(name string) (VenueConfig, bool) {
	for _, v := range c.Venues {
		if v.Name == name {
			return v, true
		}
	}
	return VenueConfig{}, false
}
