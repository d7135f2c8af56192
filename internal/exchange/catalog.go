package exchange

import (
	"binance-trailing-stop-go/internal/models"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const symbolStatusTrading = "TRADING"

// BinanceCatalog 缓存币安现货交易对列表, 并提供最新价格查询。
type BinanceCatalog struct {
	client *binance.Client
	logger *zap.Logger

	mu          sync.RWMutex
	instruments []models.Instrument
	bySymbol    map[string]models.Instrument
	refreshedAt time.Time
}

// NewBinanceCatalog 创建目录实例。交易对列表和行情属于公共接口, 不需要API Key。
func NewBinanceCatalog(baseURL string, logger *zap.Logger) *BinanceCatalog {
	client := binance.NewClient("", "")
	if baseURL != "" {
		client.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &BinanceCatalog{
		client:   client,
		logger:   logger,
		bySymbol: make(map[string]models.Instrument),
	}
}

// Refresh 从 exchangeInfo 重新加载可交易的交易对, 保持交易所返回的顺序。
func (c *BinanceCatalog) Refresh(ctx context.Context) error {
	info, err := c.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("获取交易对列表失败: %w", err)
	}

	instruments := make([]models.Instrument, 0, len(info.Symbols))
	bySymbol := make(map[string]models.Instrument, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "" && s.Status != symbolStatusTrading {
			continue
		}
		inst := models.Instrument{Symbol: s.Symbol, BaseAsset: s.BaseAsset, QuoteAsset: s.QuoteAsset}
		instruments = append(instruments, inst)
		bySymbol[inst.Symbol] = inst
	}

	c.mu.Lock()
	c.instruments = instruments
	c.bySymbol = bySymbol
	c.refreshedAt = time.Now()
	c.mu.Unlock()

	c.logger.Info("instrument catalog refreshed", zap.Int("instruments", len(instruments)))
	return nil
}

// Run 周期性刷新交易对列表, 直到 ctx 结束。
func (c *BinanceCatalog) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn("instrument catalog refresh failed, keeping previous list", zap.Error(err))
			}
		}
	}
}

// List 返回交易对列表的副本。
func (c *BinanceCatalog) List() []models.Instrument {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Instrument, len(c.instruments))
	copy(out, c.instruments)
	return out
}

// Lookup 按 symbol 查找交易对 (不区分大小写)。
func (c *BinanceCatalog) Lookup(symbol string) (models.Instrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.bySymbol[strings.ToUpper(symbol)]
	return inst, ok
}

// RefreshedAt 返回最后一次成功刷新的时间。
func (c *BinanceCatalog) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}

// LastPrice 获取指定交易对的最新价格。
func (c *BinanceCatalog) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := c.client.NewListPricesService().Symbol(strings.ToUpper(symbol)).Do(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("获取 %s 最新价格失败: %w", symbol, err)
	}
	for _, p := range prices {
		if strings.EqualFold(p.Symbol, symbol) {
			return decimal.NewFromString(p.Price)
		}
	}
	return decimal.Zero, fmt.Errorf("未找到交易对 %s 的价格", symbol)
}

// StaticCatalog 是固定内容的目录, 用于测试和离线运行。
type StaticCatalog struct {
	instruments []models.Instrument
}

// NewStaticCatalog 创建固定目录。
func NewStaticCatalog(instruments ...models.Instrument) *StaticCatalog {
	return &StaticCatalog{instruments: instruments}
}

func (c *StaticCatalog) List() []models.Instrument {
	out := make([]models.Instrument, len(c.instruments))
	copy(out, c.instruments)
	return out
}

func (c *StaticCatalog) Lookup(symbol string) (models.Instrument, bool) {
	for _, inst := range c.instruments {
		if strings.EqualFold(inst.Symbol, symbol) {
			return inst, true
		}
	}
	return models.Instrument{}, false
}
