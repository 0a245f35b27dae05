package store

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Mode        string `yaml:"mode"` // DRY_RUN or LIVE
	Exchange    string `yaml:"exchange"`
	PollSeconds int    `yaml:"poll_seconds"`
	ListenAddr  string `yaml:"listen_addr"`
	StorePath   string `yaml:"store_path"`
	Risk        struct {
		MaxLossPct           float64 `yaml:"max_loss_pct"`
		MaxLossAbs           float64 `yaml:"max_loss_abs"`
		TrailStep            float64 `yaml:"trail_step"`
		CooldownMinutes      int     `yaml:"cooldown_minutes"`
		MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
		ProfitTargetAbs      float64 `yaml:"profit_target_abs"`
		ProfitTargetPct      float64 `yaml:"profit_target_pct"`
		CapitalBaseline      float64 `yaml:"capital_baseline"`
	} `yaml:"risk"`
	Lock struct {
		TTLSeconds int `yaml:"ttl_seconds"`
	} `yaml:"lock"`
	MinLotQty map[string]int `yaml:"min_lot_qty"`
}

func (c *Config) Validate() error {
	if c.Mode != "DRY_RUN" && c.Mode != "LIVE" {
		return fmt.Errorf("invalid mode '%s': must be 'DRY_RUN' or 'LIVE'", c.Mode)
	}
	if c.Risk.MaxLossPct < 0 || c.Risk.MaxLossPct > 100 {
		return fmt.Errorf("risk.max_loss_pct must be between 0-100, got %.2f", c.Risk.MaxLossPct)
	}
	if c.Risk.MaxLossAbs < 0 {
		return fmt.Errorf("risk.max_loss_abs must be >= 0, got %.2f", c.Risk.MaxLossAbs)
	}
	if c.Risk.MaxConsecutiveLosses < 0 {
		return fmt.Errorf("risk.max_consecutive_losses must be >= 0, got %d", c.Risk.MaxConsecutiveLosses)
	}
	return nil
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	if c.PollSeconds == 0 {
		c.PollSeconds = 15
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.StorePath == "" {
		c.StorePath = "sentinel.db"
	}
	if c.Exchange == "" {
		c.Exchange = "NSE"
	}
	if c.Risk.CooldownMinutes == 0 {
		c.Risk.CooldownMinutes = 5
	}
	if c.Risk.MaxConsecutiveLosses == 0 {
		c.Risk.MaxConsecutiveLosses = 3
	}
	if c.Lock.TTLSeconds == 0 {
		c.Lock.TTLSeconds = 10
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &c, nil
}
