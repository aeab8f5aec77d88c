package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Last price policies for position reporting.
const (
	LastPriceTrade = "trade"
	LastPriceQuote = "quote"
)

type Config struct {
	Kite struct {
		APIKey         string        `yaml:"api_key"`
		RESTEndpoint   string        `yaml:"rest_endpoint"`
		WSEndpoint     string        `yaml:"ws_endpoint"`
		Exchange       string        `yaml:"exchange"`
		Product        string        `yaml:"product"`
		MinCallSpacing time.Duration `yaml:"min_call_spacing"`
		Timeout        time.Duration `yaml:"timeout"`
	} `yaml:"kite"`
	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`
	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
	Engine struct {
		PollInterval   time.Duration `yaml:"poll_interval"`
		RetryInterval  time.Duration `yaml:"retry_interval"`
		CandleInterval string        `yaml:"candle_interval"`
		Lookback       time.Duration `yaml:"lookback"`
	} `yaml:"engine"`
	Positions struct {
		LastPrice string `yaml:"last_price"`
	} `yaml:"positions"`
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Environment overrides, so secrets can live in .env instead of the file.
const (
	EnvAPIKey      = "KITE_API_KEY"
	EnvAccessToken = "KITE_ACCESS_TOKEN"
	EnvDBPath      = "KITEBOT_DB"
	EnvLogLevel    = "KITEBOT_LOG_LEVEL"
)

// LoadEnv reads a .env file into the process environment if one exists.
// Variables already set win.
func LoadEnv(files ...string) error {
	err := godotenv.Load(files...)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.Kite.APIKey = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
}

// Validate fills zero values with defaults and rejects malformed ones.
func (c *Config) Validate() error {
	if c.Kite.MinCallSpacing < 0 || c.Kite.Timeout < 0 {
		return fmt.Errorf("kite: negative duration")
	}
	if c.Kite.MinCallSpacing == 0 {
		c.Kite.MinCallSpacing = time.Second
	}
	if c.Kite.Timeout == 0 {
		c.Kite.Timeout = 10 * time.Second
	}
	if c.Kite.Exchange == "" {
		c.Kite.Exchange = "NSE"
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "kitebot.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	e := &c.Engine
	if e.PollInterval < 0 || e.RetryInterval < 0 || e.Lookback < 0 {
		return fmt.Errorf("engine: negative duration")
	}
	if e.PollInterval == 0 {
		e.PollInterval = 300 * time.Second
	}
	if e.RetryInterval == 0 {
		e.RetryInterval = 60 * time.Second
	}
	if e.CandleInterval == "" {
		e.CandleInterval = "5minute"
	}
	if e.Lookback == 0 {
		e.Lookback = 24 * time.Hour
	}

	switch c.Positions.LastPrice {
	case "":
		c.Positions.LastPrice = LastPriceTrade
	case LastPriceTrade, LastPriceQuote:
	default:
		return fmt.Errorf("positions: unknown last_price policy %q", c.Positions.LastPrice)
	}
	return nil
}
