package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	IsTestnet     bool   `json:"is_testnet"` // 是否使用测试网
	DBPath        string `json:"db_path"`    // 操作员状态数据库路径 (badger 目录)
	LiveAPIURL    string `json:"live_api_url"`
	LiveWSURL     string `json:"live_ws_url"`
	TestnetAPIURL string `json:"testnet_api_url"`
	TestnetWSURL  string `json:"testnet_ws_url"`

	Symbol        string         `json:"symbol"`         // 启动时默认监控的交易对，如 "ETHBTC"
	KlineInterval string         `json:"kline_interval"` // K线推送周期，默认 "1m"
	Strategy      StrategyParams `json:"strategy"`       // 初始策略参数
	HTTPAddr      string         `json:"http_addr"`      // 操作员 API 监听地址
	LogConfig     LogConfig      `json:"log"`
	Telegram      TelegramConfig `json:"telegram"`

	StatusIntervalSec      int `json:"status_interval_sec"`       // 状态表打印间隔(秒), 0 表示关闭
	CatalogRefreshSec      int `json:"catalog_refresh_sec"`       // 交易对列表刷新间隔(秒)
	SubscribeRetryAttempts int `json:"subscribe_retry_attempts"`  // 订阅失败时的重试次数
	RetryInitialDelayMs    int `json:"retry_initial_delay_ms"`    // 重试前的初始延迟毫秒数
	RetryMaxDelayMs        int `json:"retry_max_delay_ms"`        // 重试延迟上限
	ReconnectAttempts      int `json:"reconnect_attempts"`        // 断线重连次数上限, 0 表示无限
	UnsubscribeTimeoutMs   int `json:"unsubscribe_timeout_ms"`    // 取消订阅时等待读循环退出的时间
	WebSocketPingInterval  int `json:"websocket_ping_interval_sec,omitempty"`
	WebSocketPongTimeout   int `json:"websocket_pong_timeout_sec,omitempty"`

	BaseURL   string `json:"base_url"`    // REST API基础地址 (将由程序动态设置)
	WSBaseURL string `json:"ws_base_url"` // WebSocket基础地址 (将由程序动态设置)
}

// StrategyParams 是配置文件中的初始策略参数
type StrategyParams struct {
	PurchasePrice   decimal.Decimal `json:"purchase_price"`
	RetraceFraction decimal.Decimal `json:"retrace_fraction"`
	SellEnabled     bool            `json:"sell_enabled"`
	DisarmOnSwitch  *bool           `json:"disarm_on_switch,omitempty"` // 切换交易对时自动关闭卖出, 默认开启
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// TelegramConfig 卖出通知配置, token 从环境变量读取
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	ChatID  string `json:"chat_id"`
	Token   string `json:"-"`
}

// Instrument identifies a tradable pair. It is never mutated once selected.
type Instrument struct {
	Symbol     string `json:"symbol"`
	BaseAsset  string `json:"base_asset"`
	QuoteAsset string `json:"quote_asset"`
}

// Tick is a single price observation.
type Tick struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Time   time.Time       `json:"time"`
}

// StrategyConfig holds the operator supplied trailing stop parameters.
type StrategyConfig struct {
	PurchasePrice   decimal.Decimal `json:"purchase_price"`   // 0 means nothing bought yet
	RetraceFraction decimal.Decimal `json:"retrace_fraction"` // in (0,1]
	SellEnabled     bool            `json:"sell_enabled"`
}

// StrategyUpdate is a partial StrategyConfig; nil fields are left as they are.
type StrategyUpdate struct {
	PurchasePrice   *decimal.Decimal `json:"purchase_price,omitempty"`
	RetraceFraction *decimal.Decimal `json:"retrace_fraction,omitempty"`
	SellEnabled     *bool            `json:"sell_enabled,omitempty"`
}

// EngineState is the per-session decision state.
type EngineState struct {
	Symbol           string          `json:"symbol"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	PeakPrice        decimal.Decimal `json:"peak_price"`
	HasSold          bool            `json:"has_sold"`
	LastDecisionTime time.Time       `json:"last_decision_time"`
	SessionStart     time.Time       `json:"session_start"`
}

// SellSignal is emitted at most once per session.
type SellSignal struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	PeakPrice     decimal.Decimal `json:"peak_price"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	Time          time.Time       `json:"time"`
}

// Status is the controller state for the watched instrument.
type Status string

const (
	StatusUnbound  Status = "unbound"
	StatusTracking Status = "tracking"
	StatusSold     Status = "sold"
)

// Snapshot is the consolidated read-only view handed to displays.
type Snapshot struct {
	Instrument      *Instrument     `json:"instrument,omitempty"`
	Strategy        StrategyConfig  `json:"strategy"`
	Engine          EngineState     `json:"engine"`
	SellPrice       decimal.Decimal `json:"sell_price"`
	Status          Status          `json:"status"`
	SubscriptionTag string          `json:"subscription_tag,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// KlineEvent 定义了来自 WebSocket 的K线事件 (<symbol>@kline_<interval>)
type KlineEvent struct {
	EventType string    `json:"e"` // Event type, "kline"
	EventTime int64     `json:"E"` // Event time
	Symbol    string    `json:"s"` // Symbol
	Kline     KlineData `json:"k"`
}

// KlineData 是K线事件中的K线数据
type KlineData struct {
	StartTime int64  `json:"t"` // Kline start time
	CloseTime int64  `json:"T"` // Kline close time
	Interval  string `json:"i"` // Interval
	Open      string `json:"o"`
	Close     string `json:"c"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
	IsFinal   bool   `json:"x"` // Is this kline closed?
}
