package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/smallbiznis/warung/internal/settlement"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// SettlementConfig is the hot-reloadable till configuration read from settlement.yml.
type SettlementConfig struct {
	Currency      string  `mapstructure:"currency"`
	Denominations []int64 `mapstructure:"denominations"`
	// ClosingCooldown keeps self-echo suppression active after a local close finishes.
	ClosingCooldown time.Duration `mapstructure:"closingCooldown"`
	// VacateWindow is how long a locally vacated table ignores stale "available" pushes.
	VacateWindow time.Duration `mapstructure:"vacateWindow"`
}

func DefaultSettlementConfig() SettlementConfig {
	return SettlementConfig{
		Currency:        "IDR",
		Denominations:   append([]int64(nil), settlement.DefaultDenominations...),
		ClosingCooldown: 3 * time.Second,
		VacateWindow:    10 * time.Second,
	}
}

type SettlementConfigHolder struct {
	current atomic.Value // holds SettlementConfig
}

// NewStaticSettlementConfigHolder returns a holder that never reloads.
func NewStaticSettlementConfigHolder(cfg SettlementConfig) (*SettlementConfigHolder, error) {
	if err := ValidateSettlementConfig(cfg); err != nil {
		return nil, err
	}
	holder := &SettlementConfigHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func NewSettlementConfigHolder(log *zap.Logger) (*SettlementConfigHolder, error) {
	log = log.Named("config.settlement")
	v := viper.New()

	v.SetConfigName("settlement")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/warung/config")
	v.AddConfigPath("/etc/warung")
	v.AddConfigPath(".")

	v.SetEnvPrefix("WARUNG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultSettlementConfig()
	v.SetDefault("settlement.currency", defaults.Currency)
	v.SetDefault("settlement.denominations", defaults.Denominations)
	v.SetDefault("settlement.closingCooldown", defaults.ClosingCooldown)
	v.SetDefault("settlement.vacateWindow", defaults.VacateWindow)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Info("settlement config not found, using defaults")
	}

	var cfg SettlementConfig
	if err := v.UnmarshalKey("settlement", &cfg); err != nil {
		return nil, err
	}
	if err := ValidateSettlementConfig(cfg); err != nil {
		return nil, err
	}

	holder := &SettlementConfigHolder{}
	holder.current.Store(cfg)

	if v.ConfigFileUsed() != "" {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated SettlementConfig
			if err := v.UnmarshalKey("settlement", &updated); err != nil {
				log.Warn("reload failed", zap.Error(err))
				return
			}
			if err := ValidateSettlementConfig(updated); err != nil {
				log.Warn("invalid config ignored", zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

func (h *SettlementConfigHolder) Get() SettlementConfig {
	return h.current.Load().(SettlementConfig)
}

// ValidateSettlementConfig rejects denomination sets for which greedy change-making
// is not optimal.
func ValidateSettlementConfig(cfg SettlementConfig) error {
	if strings.TrimSpace(cfg.Currency) == "" {
		return errors.New("settlement.currency cannot be empty")
	}
	if len(cfg.Denominations) == 0 {
		return errors.New("settlement.denominations cannot be empty")
	}
	if err := settlement.VerifyCanonical(cfg.Denominations); err != nil {
		return fmt.Errorf("settlement.denominations: %w", err)
	}
	if cfg.ClosingCooldown < 0 || cfg.VacateWindow < 0 {
		return errors.New("settlement durations cannot be negative")
	}
	return nil
}
