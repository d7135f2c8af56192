package subscription

import (
	"binance-trailing-stop-go/internal/exchange"
	"binance-trailing-stop-go/internal/metrics"
	"binance-trailing-stop-go/internal/models"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jxskiss/base62"
	"go.uber.org/zap"
)

// ErrSubscriptionFailure 表示无法订阅新交易对, 之前的订阅 (如果有) 仍然有效。
var ErrSubscriptionFailure = errors.New("subscription failure")

// TickHandler 处理来自当前有效订阅的价格。
type TickHandler func(tick models.Tick)

// LostHandler 在有效订阅意外终止时被调用。
type LostHandler func(instrument models.Instrument, tag string, err error)

type binding struct {
	id         uint64
	tag        string
	instrument models.Instrument
	sub        exchange.Subscription
}

// Manager 保证任意时刻最多只有一个订阅能把价格送进 handler。
// 每个订阅的回调都带着自己的 id, 投递时与 activeID 比较, 不一致的直接丢弃。
type Manager struct {
	feed     exchange.PriceFeed
	interval string
	handler  TickHandler
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu       sync.Mutex // 串行化 Bind / UnbindAll, 回调路径从不获取
	nextID   uint64
	activeID atomic.Uint64 // 0 表示没有有效订阅
	active   atomic.Pointer[binding]

	// 投递在读锁内完成 id 检查和 handler 调用; 切换 activeID 需要写锁,
	// 所以切换返回后不会再有旧订阅的价格正在进入 handler。
	gate sync.RWMutex

	lostMu sync.RWMutex
	onLost LostHandler
}

func NewManager(feed exchange.PriceFeed, interval string, handler TickHandler, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Manager{
		feed:     feed,
		interval: interval,
		handler:  handler,
		metrics:  m,
		logger:   logger,
	}
}

// Tag 将订阅 id 编码成日志和快照里使用的短标签。
func Tag(id uint64) string {
	return string(base62.FormatUint(id))
}

// OnLost 注册订阅丢失回调。
func (m *Manager) OnLost(fn LostHandler) {
	m.lostMu.Lock()
	defer m.lostMu.Unlock()
	m.onLost = fn
}

// Active 返回当前有效的交易对和订阅标签。
func (m *Manager) Active() (models.Instrument, string, bool) {
	b := m.active.Load()
	if b == nil {
		return models.Instrument{}, "", false
	}
	return b.instrument, b.tag, true
}

// Bind 切换到新的交易对。先建立新订阅, 成功后再取消旧订阅;
// 新订阅失败时恢复旧的 id, 旧订阅继续有效。
func (m *Manager) Bind(ctx context.Context, instrument models.Instrument) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.active.Load()
	if old != nil && old.instrument.Symbol == instrument.Symbol {
		return old.tag, nil
	}

	m.nextID++
	id := m.nextID
	tag := Tag(id)
	prevID := m.activeID.Load()

	// 从这里开始旧订阅的投递全部视为过期
	m.setActiveID(id)
	sub, err := m.feed.Subscribe(ctx, instrument.Symbol, m.interval, m.forwarder(id, tag))
	if err != nil {
		m.setActiveID(prevID)
		m.metrics.SubscriptionFailures.Inc()
		m.logger.Warn("subscribe failed",
			zap.String("symbol", instrument.Symbol), zap.String("tag", tag), zap.Error(err))
		return "", fmt.Errorf("%w: %s: %v", ErrSubscriptionFailure, instrument.Symbol, err)
	}

	b := &binding{id: id, tag: tag, instrument: instrument, sub: sub}
	m.active.Store(b)
	go m.watch(b)

	if old != nil {
		m.release(old)
	}
	m.logger.Info("subscription bound", zap.String("symbol", instrument.Symbol), zap.String("tag", tag))
	return tag, nil
}

// UnbindAll 取消当前订阅, 之后到达的价格全部丢弃。
func (m *Manager) UnbindAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setActiveID(0)
	if old := m.active.Swap(nil); old != nil {
		m.release(old)
	}
}

func (m *Manager) release(b *binding) {
	if err := m.feed.Unsubscribe(b.sub); err != nil {
		// 即使旧流没有按时退出, 它的投递也会因为 id 不匹配被丢弃
		m.logger.Warn("unsubscribe did not complete cleanly",
			zap.String("symbol", b.instrument.Symbol), zap.String("tag", b.tag), zap.Error(err))
		return
	}
	m.logger.Debug("subscription released", zap.String("symbol", b.instrument.Symbol), zap.String("tag", b.tag))
}

// setActiveID 等待正在进行的投递结束后再切换。
func (m *Manager) setActiveID(id uint64) {
	m.gate.Lock()
	defer m.gate.Unlock()
	m.activeID.Store(id)
}

func (m *Manager) forwarder(id uint64, tag string) exchange.TickCallback {
	return func(tick models.Tick) {
		m.gate.RLock()
		defer m.gate.RUnlock()
		if m.activeID.Load() != id {
			m.metrics.StaleDropped.Inc()
			m.logger.Debug("stale delivery dropped",
				zap.String("tag", tag), zap.String("symbol", tick.Symbol), zap.String("price", tick.Price.String()))
			return
		}
		m.handler(tick)
	}
}

// watch 等待订阅结束。主动取消时 Err 为 nil, 不做处理。
func (m *Manager) watch(b *binding) {
	<-b.sub.Done()
	err := b.sub.Err()
	if err == nil {
		return
	}

	m.mu.Lock()
	lost := m.active.Load() == b
	if lost {
		m.setActiveID(0)
		m.active.Store(nil)
	}
	m.mu.Unlock()
	if !lost {
		return
	}

	m.logger.Error("active subscription lost",
		zap.String("symbol", b.instrument.Symbol), zap.String("tag", b.tag), zap.Error(err))
	m.lostMu.RLock()
	fn := m.onLost
	m.lostMu.RUnlock()
	if fn != nil {
		fn(b.instrument, b.tag, err)
	}
}
