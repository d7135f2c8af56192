// Package strategy holds the operator supplied trailing stop parameters.
package strategy

import (
	"binance-trailing-stop-go/internal/models"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrInvalidConfig is returned when a StrategyConfig fails validation.
var ErrInvalidConfig = errors.New("invalid strategy config")

var one = decimal.NewFromInt(1)

// Listener is notified with every committed config.
type Listener func(models.StrategyConfig)

// ConfigStore holds the current StrategyConfig. Readers always see a complete value.
type ConfigStore struct {
	mu        sync.RWMutex
	current   models.StrategyConfig
	listeners []Listener
}

// NewConfigStore validates the initial config and returns a store holding it.
func NewConfigStore(initial models.StrategyConfig) (*ConfigStore, error) {
	if err := Validate(initial); err != nil {
		return nil, err
	}
	return &ConfigStore{current: initial}, nil
}

// Validate checks retraceFraction ∈ (0,1] and purchasePrice >= 0.
func Validate(cfg models.StrategyConfig) error {
	if cfg.PurchasePrice.IsNegative() {
		return fmt.Errorf("%w: purchase price %s is negative", ErrInvalidConfig, cfg.PurchasePrice)
	}
	if !cfg.RetraceFraction.IsPositive() || cfg.RetraceFraction.GreaterThan(one) {
		return fmt.Errorf("%w: retrace fraction %s outside (0,1]", ErrInvalidConfig, cfg.RetraceFraction)
	}
	return nil
}

// OnChange registers a listener. Listeners run in commit order while the
// writer lock is held, so they must not call back into Set or Apply.
func (s *ConfigStore) OnChange(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Get returns the current config.
func (s *ConfigStore) Get() models.StrategyConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Set replaces the whole config. On validation failure the previous config is kept.
func (s *ConfigStore) Set(cfg models.StrategyConfig) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commit(cfg)
	return nil
}

// Apply merges a partial update into the current config and commits it.
func (s *ConfigStore) Apply(update models.StrategyUpdate) (models.StrategyConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := Merge(s.current, update)
	if err := Validate(next); err != nil {
		return s.current, err
	}
	s.commit(next)
	return next, nil
}

func (s *ConfigStore) commit(cfg models.StrategyConfig) {
	s.current = cfg
	for _, l := range s.listeners {
		l(cfg)
	}
}

// Merge returns base with every non-nil field of update applied.
func Merge(base models.StrategyConfig, update models.StrategyUpdate) models.StrategyConfig {
	if update.PurchasePrice != nil {
		base.PurchasePrice = *update.PurchasePrice
	}
	if update.RetraceFraction != nil {
		base.RetraceFraction = *update.RetraceFraction
	}
	if update.SellEnabled != nil {
		base.SellEnabled = *update.SellEnabled
	}
	return base
}

// PercentToFraction converts an operator supplied percentage (e.g. 1.5 for 1.5%) into a fraction.
func PercentToFraction(percent decimal.Decimal) decimal.Decimal {
	return percent.Div(decimal.NewFromInt(100))
}
