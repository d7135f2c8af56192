// Package engine implements the trailing stop decision state machine.
//
// A session starts with Reset and lasts until the next Reset. Within a session
// the peak price only moves up while price is above the purchase reference,
// and the sell decision latches: once a SellSignal has been produced, no later
// tick can produce another one or move the peak.
package engine

import (
	"binance-trailing-stop-go/internal/models"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotBound is returned for ticks that arrive before the first Reset.
	ErrNotBound = errors.New("engine is not bound to an instrument")
	// ErrSymbolMismatch is returned for ticks of an instrument other than the bound one.
	ErrSymbolMismatch = errors.New("tick symbol does not match bound instrument")
)

// Engine is safe for concurrent use. All mutations are serialized by mu.
type Engine struct {
	mu     sync.RWMutex
	config models.StrategyConfig
	state  models.EngineState
	bound  bool
	now    func() time.Time
}

// New creates an unbound engine using cfg until the next UpdateConfig.
func New(cfg models.StrategyConfig) *Engine {
	return &Engine{config: cfg, now: time.Now}
}

// Reset starts a fresh session for symbol.
func (e *Engine) Reset(symbol string, purchasePrice decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.config.PurchasePrice = purchasePrice
	e.state = models.EngineState{
		Symbol:       symbol,
		SessionStart: e.now(),
	}
	e.bound = true
}

// SeedPrice sets the displayed current price without evaluating it.
func (e *Engine) SeedPrice(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.bound || e.state.Symbol != symbol || !e.state.CurrentPrice.IsZero() {
		return
	}
	e.state.CurrentPrice = price
}

// UpdateConfig replaces the strategy parameters; they apply from the next tick on.
func (e *Engine) UpdateConfig(cfg models.StrategyConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.config = cfg
}

// OnTick evaluates one tick and returns a SellSignal when the stop triggers.
func (e *Engine) OnTick(tick models.Tick) (*models.SellSignal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.bound {
		return nil, ErrNotBound
	}
	if tick.Symbol != e.state.Symbol {
		return nil, fmt.Errorf("%w: got %s, bound %s", ErrSymbolMismatch, tick.Symbol, e.state.Symbol)
	}

	price := tick.Price
	e.state.CurrentPrice = price
	e.state.LastDecisionTime = tick.Time

	if e.state.HasSold {
		return nil, nil
	}
	if price.LessThanOrEqual(e.config.PurchasePrice) {
		return nil, nil
	}
	// A new high is never a sell trigger. Equal to peak falls through.
	if price.GreaterThan(e.state.PeakPrice) {
		e.state.PeakPrice = price
		return nil, nil
	}
	if !e.config.SellEnabled {
		return nil, nil
	}
	if price.GreaterThan(Threshold(e.state.PeakPrice, e.config.RetraceFraction)) {
		return nil, nil
	}

	e.state.HasSold = true
	return &models.SellSignal{
		Symbol:        e.state.Symbol,
		Price:         price,
		PeakPrice:     e.state.PeakPrice,
		PurchasePrice: e.config.PurchasePrice,
		Time:          tick.Time,
	}, nil
}

// Snapshot returns a copy of the current session state.
func (e *Engine) Snapshot() models.EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Config returns the parameters the next tick will be evaluated with.
func (e *Engine) Config() models.StrategyConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config
}

// Threshold is the sell price for a given peak: peak - peak*retrace.
func Threshold(peak, retrace decimal.Decimal) decimal.Decimal {
	return peak.Sub(peak.Mul(retrace))
}
