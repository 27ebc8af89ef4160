package zorel

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records relation loads. A nil *Metrics records nothing.
type Metrics struct {
	loads    *prometheus.CounterVec
	queries  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the relation metrics on reg under namespace.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		loads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relation_loads_total",
			Help:      "Relation batch loads by relation kind and outcome",
		}, []string{"kind", "outcome"}),
		queries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relation_queries_total",
			Help:      "Queries issued by relation batch loads",
		}, []string{"kind"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relation_load_duration_seconds",
			Help:      "Duration of relation batch loads",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"kind"}),
	}
}

func (m *Metrics) observeLoad(def *Definition, queries int, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	kind := string(def.Kind)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.loads.WithLabelValues(kind, outcome).Inc()
	m.queries.WithLabelValues(kind).Add(float64(queries))
	m.duration.WithLabelValues(kind).Observe(elapsed.Seconds())
}
