package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the on-disk daemon configuration. A missing file is created with
// defaults on first load; MESHD_* environment variables override the file.
type Config struct {
	Identity string `json:"identity"`
	Network  string `json:"network"` // "regtest", "testnet", "mainnet"
	DBPath   string `json:"db_path"`
	HTTPAddr string `json:"http_addr"`

	Relay struct {
		URL      string   `json:"url"`
		Lookback Duration `json:"lookback"` // replay window on (re)subscribe
	} `json:"relay"`

	Wallet struct {
		URL    string `json:"url"`
		APIKey string `json:"api_key,omitempty"`
	} `json:"wallet"`

	Inference struct {
		OllamaURL   string `json:"ollama_url"`
		OllamaModel string `json:"ollama_model"`
		OpenAIURL   string `json:"openai_url,omitempty"`
		OpenAIKey   string `json:"openai_key,omitempty"`
		OpenAIModel string `json:"openai_model,omitempty"`
	} `json:"inference"`

	Provider struct {
		PricesMsat       map[string]int64 `json:"prices_msat"`
		InvoiceTTL       Duration         `json:"invoice_ttl"`
		PollInterval     Duration         `json:"poll_interval"`
		AnnounceInterval Duration         `json:"announce_interval"`
		MaxConcurrent    int64            `json:"max_concurrent"`
	} `json:"provider"`

	Agent struct {
		Goal             string  `json:"goal"`
		Heartbeat        string  `json:"heartbeat"`
		TickBudgetMsat   int64   `json:"tick_budget_msat"`
		DailyBudgetMsat  int64   `json:"daily_budget_msat"`
		MonthlyCapMsat   int64   `json:"monthly_cap_msat"`
		RunwayDays       float64 `json:"runway_days"`
		HibernationFloor int64   `json:"hibernation_floor_msat"`
	} `json:"agent"`
}

// Duration marshals as a Go duration string ("15m") instead of nanoseconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	cfg := &Config{
		Network:  "regtest",
		DBPath:   filepath.Join(homeDir(), ".meshd", "meshd.db"),
		HTTPAddr: ":8420",
	}
	cfg.Relay.URL = "ws://localhost:7447/relay"
	cfg.Relay.Lookback = Duration(15 * time.Minute)
	cfg.Wallet.URL = "http://localhost:9737"
	cfg.Inference.OllamaURL = "http://localhost:11434"
	cfg.Inference.OllamaModel = "qwen2.5:latest"
	cfg.Provider.PricesMsat = map[string]int64{"text-generation": 10_000}
	cfg.Provider.InvoiceTTL = Duration(time.Hour)
	cfg.Provider.PollInterval = Duration(5 * time.Second)
	cfg.Provider.AnnounceInterval = Duration(10 * time.Minute)
	cfg.Provider.MaxConcurrent = 4
	cfg.Agent.Heartbeat = "@every 5m"
	cfg.Agent.TickBudgetMsat = 50_000
	cfg.Agent.DailyBudgetMsat = 500_000
	cfg.Agent.RunwayDays = 7
	cfg.Agent.HibernationFloor = 10_000
	return cfg
}

// Load reads the config file, creating it with defaults on first run, then
// applies environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = filepath.Join(homeDir(), ".meshd", "config.json")
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		if err := write(path, cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func write(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("MESHD_IDENTITY", &c.Identity)
	envStr("MESHD_NETWORK", &c.Network)
	envStr("MESHD_DB_PATH", &c.DBPath)
	envStr("MESHD_HTTP_ADDR", &c.HTTPAddr)
	envStr("MESHD_RELAY_URL", &c.Relay.URL)
	if v := os.Getenv("MESHD_RELAY_LOOKBACK"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Relay.Lookback = Duration(d)
		}
	}
	envStr("MESHD_WALLET_URL", &c.Wallet.URL)
	envStr("MESHD_WALLET_API_KEY", &c.Wallet.APIKey)
	envStr("MESHD_OLLAMA_URL", &c.Inference.OllamaURL)
	envStr("MESHD_OLLAMA_MODEL", &c.Inference.OllamaModel)
	envStr("MESHD_OPENAI_URL", &c.Inference.OpenAIURL)
	envStr("MESHD_OPENAI_KEY", &c.Inference.OpenAIKey)
	envStr("MESHD_OPENAI_MODEL", &c.Inference.OpenAIModel)
	envStr("MESHD_AGENT_GOAL", &c.Agent.Goal)
	envStr("MESHD_AGENT_HEARTBEAT", &c.Agent.Heartbeat)

	if v := os.Getenv("MESHD_TICK_BUDGET_MSAT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Agent.TickBudgetMsat = n
		}
	}
	if v := os.Getenv("MESHD_DAILY_BUDGET_MSAT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Agent.DailyBudgetMsat = n
		}
	}
}

func (c *Config) validate() error {
	if c.Identity == "" {
		return fmt.Errorf("identity is required (set it in the config file or MESHD_IDENTITY)")
	}
	if c.Network == "" {
		return fmt.Errorf("network is required")
	}
	return nil
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return "."
}
