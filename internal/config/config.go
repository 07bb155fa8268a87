package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the application configuration.
type Config struct {
	LogLevel    string            `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	MetricsAddr string            `mapstructure:"metrics_addr"`
	AdminID     string            `mapstructure:"admin_id" validate:"required,uuid"`
	JournalPath string            `mapstructure:"journal_path"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Liquidation LiquidationConfig `mapstructure:"liquidation"`
	Markets     []MarketConfig    `mapstructure:"markets" validate:"dive"`
}

// SchedulerConfig sizes the batch worker pool.
type SchedulerConfig struct {
	Workers int `mapstructure:"workers" validate:"gte=1,lte=256"`
}

// LiquidationConfig is the liquidation guard policy.
type LiquidationConfig struct {
	Enabled                 bool   `mapstructure:"enabled"`
	MinCreationRatioPct     uint64 `mapstructure:"min_creation_ratio_pct" validate:"gte=100"`
	LiquidationThresholdPct uint64 `mapstructure:"liquidation_threshold_pct" validate:"gte=100"`
	CooldownSeconds         int64  `mapstructure:"cooldown_seconds" validate:"gte=0"`
	LiquidationDiscountPct  uint64 `mapstructure:"liquidation_discount_pct" validate:"lte=50"`
	CloseFactorPct          uint64 `mapstructure:"close_factor_pct" validate:"gt=0,lte=100"`
	CollateralCurrency      string `mapstructure:"collateral_currency" validate:"required"`
}

// MarketConfig declares one tradable market.
type MarketConfig struct {
	Symbol string `mapstructure:"symbol" validate:"required"`
	Base   string `mapstructure:"base" validate:"required"`
	Quote  string `mapstructure:"quote" validate:"required"`
}

// Load reads configuration from config.yaml in the working directory,
// ./config, or /etc/clearmatch, with CLEARMATCH_* environment overrides,
// and validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/clearmatch")
	v.SetEnvPrefix("CLEARMATCH")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No file is fine; defaults plus environment apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Liquidation.LiquidationThresholdPct >= cfg.Liquidation.MinCreationRatioPct {
		return nil, fmt.Errorf("invalid config: liquidation threshold %d%% must be below creation minimum %d%%",
			cfg.Liquidation.LiquidationThresholdPct, cfg.Liquidation.MinCreationRatioPct)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("journal_path", "./data/journal.log")
	v.SetDefault("scheduler.workers", 8)
	v.SetDefault("liquidation.enabled", true)
	v.SetDefault("liquidation.min_creation_ratio_pct", 120)
	v.SetDefault("liquidation.liquidation_threshold_pct", 110)
	v.SetDefault("liquidation.cooldown_seconds", 3600)
	v.SetDefault("liquidation.liquidation_discount_pct", 5)
	v.SetDefault("liquidation.close_factor_pct", 50)
	v.SetDefault("liquidation.collateral_currency", "ETH")
}
