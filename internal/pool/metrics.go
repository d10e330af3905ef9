package pool

import "github.com/prometheus/client_golang/prometheus"

var (
	liveInstances = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lllms",
		Subsystem: "pool",
		Name:      "live_instances",
		Help:      "Number of live model instances",
	})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lllms",
		Subsystem: "pool",
		Name:      "queue_depth",
		Help:      "Requests waiting for an instance",
	})

	evictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lllms",
		Subsystem: "pool",
		Name:      "evictions_total",
		Help:      "Instances evicted to make room for another model",
	})

	loadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lllms",
		Subsystem: "pool",
		Name:      "loads_total",
		Help:      "Instances spawned, by model",
	}, []string{"model"})

	tokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lllms",
		Subsystem: "pool",
		Name:      "tokens_total",
		Help:      "Tokens processed, by model and direction",
	}, []string{"model", "direction"})
)

func init() {
	prometheus.MustRegister(liveInstances, queueDepth, evictionsTotal, loadsTotal, tokensTotal)
}
