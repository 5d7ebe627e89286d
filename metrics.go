package xmysql

import (
	"github.com/prometheus/client_golang/prometheus"
)

var pre = "xmysql_"

// ClientMeasures groups the client's metrics. They are registered with the
// default prometheus registry on init.
var ClientMeasures = struct {
	Queries    *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
	PoolEvents *prometheus.CounterVec
}{
	Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: pre + "queries_total",
		Help: "Queries executed, by kind and outcome.",
	}, []string{"kind", "outcome"}),
	Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    pre + "query_duration_seconds",
		Help:    "Round-trip time of executed queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"}),
	PoolEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: pre + "pool_events_total",
		Help: "Connection pool lifecycle events.",
	}, []string{"event"}),
}

func init() {
	for _, c := range []prometheus.Collector{
		ClientMeasures.Queries,
		ClientMeasures.Duration,
		ClientMeasures.PoolEvents,
	} {
		if err := prometheus.Register(c); err != nil {
			panic(err)
		}
	}
}
