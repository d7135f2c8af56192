// Package notify delivers sell signals to the operator.
package notify

import (
	"binance-trailing-stop-go/internal/models"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Notifier interface {
	Notify(ctx context.Context, signal models.SellSignal) error
}

// FormatSellMessage renders the operator facing sell message.
func FormatSellMessage(s models.SellSignal) string {
	return fmt.Sprintf("SOLD at: %s\n%s peak %s, purchase %s\n%s",
		s.Price.String(), s.Symbol, s.PeakPrice.String(), s.PurchasePrice.String(),
		s.Time.UTC().Format(time.RFC3339))
}

// LogNotifier writes sell signals to the log.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, s models.SellSignal) error {
	n.logger.Warn(FormatSellMessage(s),
		zap.String("symbol", s.Symbol),
		zap.String("price", s.Price.String()),
		zap.String("peak", s.PeakPrice.String()))
	return nil
}

// Dispatcher 在后台依次调用各个 Notifier, 使行情处理不被网络请求阻塞。
type Dispatcher struct {
	notifiers []Notifier
	timeout   time.Duration
	queue     chan models.SellSignal
	logger    *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewDispatcher(logger *zap.Logger, timeout time.Duration, notifiers ...Notifier) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		notifiers: notifiers,
		timeout:   timeout,
		queue:     make(chan models.SellSignal, 16),
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (d *Dispatcher) Start() {
	go d.loop()
}

// Stop 处理完队列里剩余的信号后返回。
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
		<-d.done
	})
}

// Observe queues a signal without blocking; it is meant to be registered as a sell signal observer.
func (d *Dispatcher) Observe(s models.SellSignal) {
	select {
	case d.queue <- s:
	default:
		d.logger.Error("notification queue full, dropping sell signal", zap.String("symbol", s.Symbol))
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		select {
		case s := <-d.queue:
			d.deliver(s)
		case <-d.stop:
			for {
				select {
				case s := <-d.queue:
					d.deliver(s)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(s models.SellSignal) {
	for _, n := range d.notifiers {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := n.Notify(ctx, s); err != nil {
			d.logger.Error("sell notification failed", zap.String("symbol", s.Symbol), zap.Error(err))
		}
		cancel()
	}
}
