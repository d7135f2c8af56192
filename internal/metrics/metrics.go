package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(v float64)
}

// Metrics 汇总了行情处理与订阅切换相关的指标。
type Metrics struct {
	TicksProcessed       Counter
	TicksRejected        Counter
	StaleDropped         Counter
	SellSignals          Counter
	SubscriptionFailures Counter
	InstrumentSwitches   Counter
	CurrentPrice         Gauge
	PeakPrice            Gauge
}

type noop struct{}

func (noop) Inc()        {}
func (noop) Set(float64) {}

func NewNoop() *Metrics {
	n := noop{}
	return &Metrics{
		TicksProcessed:       n,
		TicksRejected:        n,
		StaleDropped:         n,
		SellSignals:          n,
		SubscriptionFailures: n,
		InstrumentSwitches:   n,
		CurrentPrice:         n,
		PeakPrice:            n,
	}
}
