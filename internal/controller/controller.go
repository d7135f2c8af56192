// Package controller wires the instrument catalog, price feed, strategy store
// and trailing stop engine together and serves operator commands.
package controller

import (
	"binance-trailing-stop-go/internal/engine"
	"binance-trailing-stop-go/internal/exchange"
	"binance-trailing-stop-go/internal/metrics"
	"binance-trailing-stop-go/internal/models"
	"binance-trailing-stop-go/internal/statemanager"
	"binance-trailing-stop-go/internal/strategy"
	"binance-trailing-stop-go/internal/subscription"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

var (
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrShutdown          = errors.New("controller is shut down")
	// ErrSubscriptionFailure is returned when every subscribe attempt failed.
	ErrSubscriptionFailure = subscription.ErrSubscriptionFailure
)

// EventSink receives operator changes that should outlive the process.
type EventSink interface {
	DispatchEvent(event statemanager.NormalizedEvent)
}

// SignalObserver is called once per SellSignal, on the feed goroutine.
type SignalObserver func(signal models.SellSignal)

type Options struct {
	Interval       string
	DisarmOnSwitch bool
	RetryAttempts  int // total subscribe attempts per selection
	RetryMin       time.Duration
	RetryMax       time.Duration
	SeedTimeout    time.Duration
}

type Dependencies struct {
	Catalog exchange.Catalog
	Feed    exchange.PriceFeed
	Prices  exchange.PriceSource // optional
	Store   *strategy.ConfigStore
	Events  EventSink // optional
	Metrics *metrics.Metrics
}

// Controller 处理操作员命令 (选择交易对, 修改策略) 并把行情交给引擎。
// 命令由 cmdMu 串行化, 行情处理路径从不获取 cmdMu。
type Controller struct {
	catalog exchange.Catalog
	prices  exchange.PriceSource
	store   *strategy.ConfigStore
	events  EventSink
	metrics *metrics.Metrics
	engine  *engine.Engine
	subs    *subscription.Manager
	opts    Options
	logger  *zap.Logger

	cmdMu    sync.Mutex
	shutdown bool

	stateMu    sync.RWMutex
	instrument *models.Instrument // nil 表示未绑定
	lastErr    string

	watchMu     sync.RWMutex
	watchers    map[int]chan models.Snapshot
	nextWatch   int
	watchClosed bool

	signalMu  sync.RWMutex
	observers []SignalObserver
}

func New(deps Dependencies, opts Options, logger *zap.Logger) *Controller {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	if opts.Interval == "" {
		opts.Interval = "1m"
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	if opts.RetryMin <= 0 {
		opts.RetryMin = 200 * time.Millisecond
	}
	if opts.RetryMax < opts.RetryMin {
		opts.RetryMax = opts.RetryMin
	}
	if opts.SeedTimeout <= 0 {
		opts.SeedTimeout = 3 * time.Second
	}

	c := &Controller{
		catalog:  deps.Catalog,
		prices:   deps.Prices,
		store:    deps.Store,
		events:   deps.Events,
		metrics:  deps.Metrics,
		engine:   engine.New(deps.Store.Get()),
		opts:     opts,
		logger:   logger,
		watchers: make(map[int]chan models.Snapshot),
	}
	c.subs = subscription.NewManager(deps.Feed, opts.Interval, c.handleTick, deps.Metrics, logger.Named("subscription"))
	c.subs.OnLost(c.handleLost)
	// 配置变更按提交顺序推给引擎, 下一笔行情生效
	c.store.OnChange(c.engine.UpdateConfig)
	return c
}

// Instruments returns the catalog the operator can choose from.
func (c *Controller) Instruments() []models.Instrument {
	return c.catalog.List()
}

// OnSellSignal registers an observer for sell signals.
func (c *Controller) OnSellSignal(fn SignalObserver) {
	c.signalMu.Lock()
	defer c.signalMu.Unlock()
	c.observers = append(c.observers, fn)
}

// SelectInstrument 切换监控的交易对。每次选择都从全新的会话开始。
func (c *Controller) SelectInstrument(ctx context.Context, symbol string) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if c.shutdown {
		return ErrShutdown
	}

	inst, ok := c.catalog.Lookup(symbol)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstrument, symbol)
	}

	prev := c.currentInstrument()
	if c.opts.DisarmOnSwitch && prev != nil && prev.Symbol != inst.Symbol {
		c.disarm()
	}

	cfg := c.store.Get()
	c.engine.Reset(inst.Symbol, cfg.PurchasePrice)

	tag, err := c.bindWithRetry(ctx, inst)
	if err != nil {
		c.recoverFromFailedSwitch(inst, err)
		c.publish()
		return err
	}

	c.setInstrument(&inst, "")
	c.metrics.InstrumentSwitches.Inc()
	c.dispatch(statemanager.InstrumentSelectedEvent, inst.Symbol)
	c.logger.Info("instrument selected",
		zap.String("symbol", inst.Symbol), zap.String("tag", tag),
		zap.String("purchase_price", cfg.PurchasePrice.String()))

	c.seedPrice(ctx, inst.Symbol)
	c.publish()
	return nil
}

func (c *Controller) disarm() {
	cfg := c.store.Get()
	if !cfg.SellEnabled {
		return
	}
	cfg.SellEnabled = false
	if err := c.store.Set(cfg); err != nil {
		// the stored config was already valid
		c.logger.Error("failed to disarm selling", zap.Error(err))
		return
	}
	c.dispatch(statemanager.StrategyChangedEvent, cfg)
	c.logger.Info("selling disarmed for instrument switch")
}

func (c *Controller) bindWithRetry(ctx context.Context, inst models.Instrument) (string, error) {
	b := &backoff.Backoff{Min: c.opts.RetryMin, Max: c.opts.RetryMax, Factor: 2}
	var lastErr error
	for attempt := 1; ; attempt++ {
		tag, err := c.subs.Bind(ctx, inst)
		if err == nil {
			return tag, nil
		}
		lastErr = err
		if attempt >= c.opts.RetryAttempts {
			break
		}

		wait := b.Duration()
		c.logger.Warn("订阅失败, 准备重试",
			zap.String("symbol", inst.Symbol), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %s: %v", ErrSubscriptionFailure, inst.Symbol, ctx.Err())
		case <-time.After(wait):
		}
	}
	return "", lastErr
}

// recoverFromFailedSwitch 在新订阅失败后回到仍然有效的旧订阅, 否则进入未绑定状态。
func (c *Controller) recoverFromFailedSwitch(target models.Instrument, err error) {
	if active, tag, ok := c.subs.Active(); ok {
		c.engine.Reset(active.Symbol, c.store.Get().PurchasePrice)
		c.setInstrument(&active, err.Error())
		c.logger.Error("instrument switch failed, still watching previous instrument",
			zap.String("requested", target.Symbol), zap.String("watching", active.Symbol),
			zap.String("tag", tag), zap.Error(err))
		return
	}
	c.setInstrument(nil, err.Error())
	c.logger.Error("instrument switch failed, no instrument is watched",
		zap.String("requested", target.Symbol), zap.Error(err))
}

func (c *Controller) seedPrice(ctx context.Context, symbol string) {
	if c.prices == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.SeedTimeout)
	defer cancel()
	price, err := c.prices.LastPrice(ctx, symbol)
	if err != nil {
		c.logger.Debug("could not seed current price", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	c.engine.SeedPrice(symbol, price)
}

// UpdateStrategy 合并并提交策略参数。校验失败时返回 ErrInvalidConfig, 原配置不变。
func (c *Controller) UpdateStrategy(update models.StrategyUpdate) (models.StrategyConfig, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if c.shutdown {
		return c.store.Get(), ErrShutdown
	}

	cfg, err := c.store.Apply(update)
	if err != nil {
		return cfg, err
	}
	c.dispatch(statemanager.StrategyChangedEvent, cfg)
	c.logger.Info("strategy updated",
		zap.String("purchase_price", cfg.PurchasePrice.String()),
		zap.String("retrace_fraction", cfg.RetraceFraction.String()),
		zap.Bool("sell_enabled", cfg.SellEnabled))
	c.publish()
	return cfg, nil
}

// CurrentSnapshot returns a consistent read-only view for displays.
func (c *Controller) CurrentSnapshot() models.Snapshot {
	c.stateMu.RLock()
	inst := c.instrument
	lastErr := c.lastErr
	c.stateMu.RUnlock()

	snap := models.Snapshot{
		Strategy:  c.store.Get(),
		Status:    models.StatusUnbound,
		LastError: lastErr,
		UpdatedAt: time.Now(),
	}
	if inst == nil {
		return snap
	}

	instCopy := *inst
	snap.Instrument = &instCopy
	snap.Engine = c.engine.Snapshot()
	snap.SellPrice = engine.Threshold(snap.Engine.PeakPrice, snap.Strategy.RetraceFraction)
	snap.Status = models.StatusTracking
	if snap.Engine.HasSold {
		snap.Status = models.StatusSold
	}
	if _, tag, ok := c.subs.Active(); ok {
		snap.SubscriptionTag = tag
	}
	return snap
}

// Watch 返回一个快照通道。消费过慢时丢弃快照, 不会阻塞行情处理。
func (c *Controller) Watch(buffer int) (<-chan models.Snapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan models.Snapshot, buffer)

	c.watchMu.Lock()
	if c.watchClosed {
		c.watchMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextWatch
	c.nextWatch++
	c.watchers[id] = ch
	c.watchMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.watchMu.Lock()
			defer c.watchMu.Unlock()
			if w, ok := c.watchers[id]; ok {
				delete(c.watchers, id)
				close(w)
			}
		})
	}
	return ch, cancel
}

// Shutdown 取消所有订阅; 之后的命令返回 ErrShutdown。
func (c *Controller) Shutdown() {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if c.shutdown {
		return
	}
	c.shutdown = true

	c.subs.UnbindAll()
	c.setInstrument(nil, "")
	c.publish()

	c.watchMu.Lock()
	c.watchClosed = true
	for id, w := range c.watchers {
		delete(c.watchers, id)
		close(w)
	}
	c.watchMu.Unlock()
	c.logger.Info("controller shut down")
}

// handleTick runs on the feed goroutine of the active subscription.
func (c *Controller) handleTick(tick models.Tick) {
	signal, err := c.engine.OnTick(tick)
	if err != nil {
		c.metrics.TicksRejected.Inc()
		c.logger.Debug("tick rejected", zap.String("symbol", tick.Symbol), zap.Error(err))
		return
	}
	c.metrics.TicksProcessed.Inc()

	state := c.engine.Snapshot()
	c.metrics.CurrentPrice.Set(state.CurrentPrice.InexactFloat64())
	c.metrics.PeakPrice.Set(state.PeakPrice.InexactFloat64())

	if signal != nil {
		c.metrics.SellSignals.Inc()
		c.logger.Info("SOLD",
			zap.String("symbol", signal.Symbol),
			zap.String("price", signal.Price.String()),
			zap.String("peak", signal.PeakPrice.String()),
			zap.String("purchase_price", signal.PurchasePrice.String()))
		c.emit(*signal)
	}
	c.publish()
}

// handleLost 与命令串行执行。通知到达前如果已经重新绑定, 丢失的是旧订阅, 忽略。
func (c *Controller) handleLost(inst models.Instrument, tag string, err error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if c.shutdown {
		return
	}
	if _, activeTag, ok := c.subs.Active(); ok {
		c.logger.Debug("ignoring loss of superseded subscription",
			zap.String("symbol", inst.Symbol), zap.String("tag", tag), zap.String("active", activeTag))
		return
	}

	c.stateMu.Lock()
	if c.instrument != nil && c.instrument.Symbol == inst.Symbol {
		c.instrument = nil
		c.lastErr = err.Error()
	}
	c.stateMu.Unlock()
	c.publish()
}

func (c *Controller) emit(signal models.SellSignal) {
	c.signalMu.RLock()
	observers := make([]SignalObserver, len(c.observers))
	copy(observers, c.observers)
	c.signalMu.RUnlock()

	for _, fn := range observers {
		fn(signal)
	}
}

func (c *Controller) publish() {
	snap := c.CurrentSnapshot()
	c.watchMu.RLock()
	defer c.watchMu.RUnlock()
	for _, w := range c.watchers {
		select {
		case w <- snap:
		default:
		}
	}
}

func (c *Controller) dispatch(t statemanager.EventType, data interface{}) {
	if c.events == nil {
		return
	}
	c.events.DispatchEvent(statemanager.NormalizedEvent{Type: t, Timestamp: time.Now(), Data: data})
}

func (c *Controller) currentInstrument() *models.Instrument {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.instrument
}

func (c *Controller) setInstrument(inst *models.Instrument, lastErr string) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.instrument = inst
	c.lastErr = lastErr
}
