package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type prometheusObserver struct {
	onlineGauge      prometheus.Gauge
	pushCounter      prometheus.Counter
	flushCounter     prometheus.Counter
	storeFailCounter prometheus.Counter
}

var (
	onlineGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskpulse_online_clients",
		Help: "Number of connected realtime clients",
	})
	pushCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskpulse_push_total",
		Help: "Total frames pushed to clients",
	})
	flushCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskpulse_pending_flush_total",
		Help: "Pending deliveries flushed to reconnected clients",
	})
	storeFailCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskpulse_store_failure_total",
		Help: "Message persists that failed against the data store",
	})
)

func NewPrometheusObserver() HubObserver {
	return &prometheusObserver{
		onlineGauge:      onlineGauge,
		pushCounter:      pushCounter,
		flushCounter:     flushCounter,
		storeFailCounter: storeFailCounter,
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func (p *prometheusObserver) IncOnline() {
	p.onlineGauge.Inc()
}

func (p *prometheusObserver) DecOnline() {
	p.onlineGauge.Dec()
}

func (p *prometheusObserver) RecordPush() {
	p.pushCounter.Inc()
}

func (p *prometheusObserver) RecordPendingFlush() {
	p.flushCounter.Inc()
}

func (p *prometheusObserver) RecordStoreFailure() {
	p.storeFailCounter.Inc()
}
