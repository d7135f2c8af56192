package exchange

import (
	"binance-trailing-stop-go/internal/models"
	"context"

	"github.com/shopspring/decimal"
)

// TickCallback 接收单个订阅的价格推送。同一订阅的回调按到达顺序串行调用。
type TickCallback func(tick models.Tick)

// Subscription 是一条活跃的行情订阅。
type Subscription interface {
	Symbol() string
	// Done 在订阅终止时关闭 (主动取消或重连次数耗尽)。
	Done() <-chan struct{}
	// Err 返回导致订阅终止的错误, 主动取消时为 nil。
	Err() error
}

// PriceFeed 定义了行情源必须提供的订阅接口。
// 这使得订阅管理器可以在真实行情和测试行情之间轻松切换。
type PriceFeed interface {
	Subscribe(ctx context.Context, symbol, interval string, cb TickCallback) (Subscription, error)
	Unsubscribe(sub Subscription) error
}

// Catalog 提供 symbol -> Instrument 的查询。
type Catalog interface {
	List() []models.Instrument
	Lookup(symbol string) (models.Instrument, bool)
}

// PriceSource 提供最新成交价, 用于切换交易对时预填当前价格。
type PriceSource interface {
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}
