package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "trailing_stop"

type Prometheus struct {
	Metrics *Metrics

	registry             *prometheus.Registry
	ticksProcessed       prometheus.Counter
	ticksRejected        prometheus.Counter
	staleDropped         prometheus.Counter
	sellSignals          prometheus.Counter
	subscriptionFailures prometheus.Counter
	instrumentSwitches   prometheus.Counter
	currentPrice         prometheus.Gauge
	peakPrice            prometheus.Gauge
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry:             prometheus.NewRegistry(),
		ticksProcessed:       newCounter("ticks_processed_total", "Total number of price ticks evaluated by the engine."),
		ticksRejected:        newCounter("ticks_rejected_total", "Total number of ticks rejected because they did not match the bound instrument."),
		staleDropped:         newCounter("stale_deliveries_dropped_total", "Total number of deliveries dropped from superseded subscriptions."),
		sellSignals:          newCounter("sell_signals_total", "Total number of sell signals emitted."),
		subscriptionFailures: newCounter("subscription_failures_total", "Total number of failed subscribe attempts."),
		instrumentSwitches:   newCounter("instrument_switches_total", "Total number of successful instrument selections."),
		currentPrice:         newGauge("current_price", "Last observed price of the watched instrument."),
		peakPrice:            newGauge("peak_price", "Running peak price of the current session."),
	}

	p.registry.MustRegister(
		p.ticksProcessed, p.ticksRejected, p.staleDropped, p.sellSignals,
		p.subscriptionFailures, p.instrumentSwitches, p.currentPrice, p.peakPrice,
	)

	p.Metrics = &Metrics{
		TicksProcessed:       p.ticksProcessed,
		TicksRejected:        p.ticksRejected,
		StaleDropped:         p.staleDropped,
		SellSignals:          p.sellSignals,
		SubscriptionFailures: p.subscriptionFailures,
		InstrumentSwitches:   p.instrumentSwitches,
		CurrentPrice:         p.currentPrice,
		PeakPrice:            p.peakPrice,
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
