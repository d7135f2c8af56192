package config

import (
	"binance-trailing-stop-go/internal/models"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	config := &models.Config{}
	err = decoder.Decode(config)
	if err != nil {
		return nil, err
	}

	ApplyDefaults(config)
	ApplyEnv(config)
	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyDefaults 为未设置的字段填充默认值
func ApplyDefaults(cfg *models.Config) {
	if cfg.LiveAPIURL == "" {
		cfg.LiveAPIURL = "https://api.binance.com"
	}
	if cfg.LiveWSURL == "" {
		cfg.LiveWSURL = "wss://stream.binance.com:9443"
	}
	if cfg.TestnetAPIURL == "" {
		cfg.TestnetAPIURL = "https://testnet.binance.vision"
	}
	if cfg.TestnetWSURL == "" {
		cfg.TestnetWSURL = "wss://testnet.binance.vision"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "data/state"
	}
	if cfg.KlineInterval == "" {
		cfg.KlineInterval = "1m"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	// 未设置时回撤比例默认为 1%
	if cfg.Strategy.RetraceFraction.IsZero() {
		cfg.Strategy.RetraceFraction = decimal.RequireFromString("0.01")
	}
	if cfg.Strategy.DisarmOnSwitch == nil {
		disarm := true
		cfg.Strategy.DisarmOnSwitch = &disarm
	}
	if cfg.CatalogRefreshSec == 0 {
		cfg.CatalogRefreshSec = 3600
	}
	if cfg.SubscribeRetryAttempts == 0 {
		cfg.SubscribeRetryAttempts = 5
	}
	if cfg.RetryInitialDelayMs == 0 {
		cfg.RetryInitialDelayMs = 200
	}
	if cfg.RetryMaxDelayMs == 0 {
		cfg.RetryMaxDelayMs = 5000
	}
	if cfg.UnsubscribeTimeoutMs == 0 {
		cfg.UnsubscribeTimeoutMs = 2000
	}
	if cfg.WebSocketPongTimeout == 0 {
		cfg.WebSocketPongTimeout = 60
	}
	if cfg.WebSocketPingInterval == 0 {
		cfg.WebSocketPingInterval = cfg.WebSocketPongTimeout * 9 / 10
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = "console"
	}

	if cfg.IsTestnet {
		cfg.BaseURL = cfg.TestnetAPIURL
		cfg.WSBaseURL = cfg.TestnetWSURL
	} else {
		cfg.BaseURL = cfg.LiveAPIURL
		cfg.WSBaseURL = cfg.LiveWSURL
	}
}

// ApplyEnv 从环境变量读取密钥类配置
func ApplyEnv(cfg *models.Config) {
	if token := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")); token != "" {
		cfg.Telegram.Token = token
	}
	if chatID := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")); chatID != "" {
		cfg.Telegram.ChatID = chatID
	}
}

// Validate 检查配置的合法性
func Validate(cfg *models.Config) error {
	s := cfg.Strategy
	if s.PurchasePrice.IsNegative() {
		return errors.New("strategy.purchase_price must be >= 0")
	}
	if !s.RetraceFraction.IsPositive() || s.RetraceFraction.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("strategy.retrace_fraction must be in (0,1], got %s", s.RetraceFraction)
	}
	if cfg.SubscribeRetryAttempts < 0 {
		return errors.New("subscribe_retry_attempts must be >= 0")
	}
	if cfg.ReconnectAttempts < 0 {
		return errors.New("reconnect_attempts must be >= 0")
	}
	if cfg.WebSocketPingInterval >= cfg.WebSocketPongTimeout {
		return errors.New("websocket_ping_interval_sec must be less than websocket_pong_timeout_sec")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram enabled but TELEGRAM_BOT_TOKEN or chat_id is missing")
	}
	return nil
}
