package exchange

import (
	"binance-trailing-stop-go/internal/models"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrReconnectExhausted 表示断线重连次数已用完, 订阅终止。
var ErrReconnectExhausted = errors.New("websocket reconnect attempts exhausted")

// LiveFeedOptions 配置 LiveFeed 的心跳与重连行为。
type LiveFeedOptions struct {
	PingPeriod         time.Duration
	PongWait           time.Duration
	ReconnectAttempts  int // 0 表示无限重连
	BackoffMin         time.Duration
	BackoffMax         time.Duration
	UnsubscribeTimeout time.Duration
}

// LiveFeed 实现了 PriceFeed 接口，通过币安K线 WebSocket 推送价格。
type LiveFeed struct {
	wsBaseURL string
	opts      LiveFeedOptions
	dialer    *websocket.Dialer
	logger    *zap.Logger
}

// NewLiveFeed 创建一个新的 LiveFeed 实例。
func NewLiveFeed(wsBaseURL string, opts LiveFeedOptions, logger *zap.Logger) *LiveFeed {
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PingPeriod = (opts.PongWait * 9) / 10 // Must be less than pongWait
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = 100 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 5 * time.Second
	}
	if opts.UnsubscribeTimeout <= 0 {
		opts.UnsubscribeTimeout = 2 * time.Second
	}
	return &LiveFeed{
		wsBaseURL: strings.TrimRight(wsBaseURL, "/"),
		opts:      opts,
		dialer:    websocket.DefaultDialer,
		logger:    logger,
	}
}

// StreamURL 返回K线流地址, 例如 wss://stream.binance.com:9443/ws/ethbtc@kline_1m
func (f *LiveFeed) StreamURL(symbol, interval string) string {
	return fmt.Sprintf("%s/ws/%s@kline_%s", f.wsBaseURL, strings.ToLower(symbol), interval)
}

type liveSubscription struct {
	symbol string
	url    string
	cb     TickCallback

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
	err  error
}

func (s *liveSubscription) Symbol() string        { return s.symbol }
func (s *liveSubscription) Done() <-chan struct{} { return s.done }

func (s *liveSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *liveSubscription) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

func (s *liveSubscription) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// Subscribe 建立K线流连接。首次连接失败直接返回错误, 之后的断线由后台循环负责重连。
func (f *LiveFeed) Subscribe(ctx context.Context, symbol, interval string, cb TickCallback) (Subscription, error) {
	symbol = strings.ToUpper(symbol)
	sub := &liveSubscription{
		symbol: symbol,
		url:    f.StreamURL(symbol, interval),
		cb:     cb,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	conn, _, err := f.dialer.DialContext(ctx, sub.url, nil)
	if err != nil {
		return nil, fmt.Errorf("WebSocket连接失败 %s: %w", sub.url, err)
	}
	sub.setConn(conn)

	go f.streamLoop(sub, conn)
	return sub, nil
}

// Unsubscribe 关闭连接并等待读循环退出 (最多 UnsubscribeTimeout)。
func (f *LiveFeed) Unsubscribe(s Subscription) error {
	sub, ok := s.(*liveSubscription)
	if !ok {
		return fmt.Errorf("unsupported subscription type %T", s)
	}

	sub.stopOnce.Do(func() {
		close(sub.stop)
		sub.mu.Lock()
		conn := sub.conn
		sub.mu.Unlock()
		if conn != nil {
			// 优雅关闭: 先发送关闭帧, 再关闭底层连接以唤醒阻塞的读操作
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		}
	})

	select {
	case <-sub.done:
		return nil
	case <-time.After(f.opts.UnsubscribeTimeout):
		return fmt.Errorf("timed out waiting for %s stream to stop", sub.symbol)
	}
}

// streamLoop 是一个守护进程，负责维持WebSocket的连接和重连
func (f *LiveFeed) streamLoop(sub *liveSubscription, conn *websocket.Conn) {
	defer close(sub.done)

	b := &backoff.Backoff{Min: f.opts.BackoffMin, Max: f.opts.BackoffMax}
	failures := 0
	for {
		// handleMessages 会阻塞直到连接断开
		err := f.handleMessages(sub, conn, b)
		_ = conn.Close()
		if sub.stopped() {
			f.logger.Debug("kline stream stopped", zap.String("symbol", sub.symbol))
			return
		}

		for {
			failures++
			if f.opts.ReconnectAttempts > 0 && failures > f.opts.ReconnectAttempts {
				sub.mu.Lock()
				sub.err = fmt.Errorf("%w: %s: last error: %v", ErrReconnectExhausted, sub.symbol, err)
				sub.mu.Unlock()
				f.logger.Error("kline stream lost", zap.String("symbol", sub.symbol), zap.Error(err))
				return
			}

			wait := b.Duration()
			f.logger.Warn("WebSocket连接已断开，准备重连",
				zap.String("symbol", sub.symbol), zap.Error(err), zap.Duration("wait", wait))
			select {
			case <-sub.stop:
				return
			case <-time.After(wait):
			}

			conn, _, err = f.dialer.Dial(sub.url, nil)
			if err == nil {
				break
			}
		}

		sub.setConn(conn)
		// Unsubscribe may have raced with the redial.
		if sub.stopped() {
			_ = conn.Close()
			return
		}
		failures = 0
		f.logger.Info("WebSocket重连成功", zap.String("symbol", sub.symbol))
	}
}

// handleMessages 为一个已建立的连接处理消息，并实现心跳机制
func (f *LiveFeed) handleMessages(sub *liveSubscription, conn *websocket.Conn, b *backoff.Backoff) error {
	pongWait := f.opts.PongWait

	// 设置Pong处理器来延长读取超时
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingStop := make(chan struct{})
	defer close(pingStop)
	go func() {
		pingTicker := time.NewTicker(f.opts.PingPeriod)
		defer pingTicker.Stop()
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					f.logger.Debug("发送Ping失败", zap.String("symbol", sub.symbol), zap.Error(err))
					return
				}
			case <-pingStop:
				return
			case <-sub.stop:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			// 任何读取错误都意味着连接已损坏，返回错误让 streamLoop 处理重连
			return fmt.Errorf("读取消息失败: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		tick, ok, err := ParseKlineMessage(message)
		if err != nil {
			f.logger.Warn("解析K线消息失败", zap.String("symbol", sub.symbol), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		b.Reset()
		if sub.stopped() {
			return nil
		}
		sub.cb(tick)
	}
}

// ParseKlineMessage 将K线推送解码为 Tick。非K线消息返回 ok=false。
func ParseKlineMessage(message []byte) (models.Tick, bool, error) {
	var event models.KlineEvent
	if err := json.Unmarshal(message, &event); err != nil {
		return models.Tick{}, false, err
	}
	if event.EventType != "kline" {
		return models.Tick{}, false, nil
	}
	price, err := decimal.NewFromString(event.Kline.Close)
	if err != nil {
		return models.Tick{}, false, fmt.Errorf("invalid close price %q: %w", event.Kline.Close, err)
	}
	if !price.IsPositive() {
		return models.Tick{}, false, fmt.Errorf("non-positive close price %s", price)
	}
	return models.Tick{
		Symbol: strings.ToUpper(event.Symbol),
		Price:  price,
		Time:   time.UnixMilli(event.EventTime),
	}, true, nil
}
