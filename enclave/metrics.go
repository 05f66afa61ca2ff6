package enclave

import (
	"time"

	"github.com/phoreproject/sidechain/primitives"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors of an enclave.
type Metrics struct {
	blocksProduced prometheus.Counter
	slotSkips      *prometheus.CounterVec
	submitted      *prometheus.CounterVec
	poolReady      *prometheus.GaugeVec
	execSeconds    prometheus.Histogram
}

// NewMetrics creates the enclave metrics and registers them with registerer.
// A nil registerer leaves them unregistered.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		blocksProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sidechain",
			Name:      "blocks_produced_total",
			Help:      "Total sidechain blocks produced by this enclave.",
		}),
		slotSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sidechain",
			Name:      "slot_skips_total",
			Help:      "Total slots skipped, by reason.",
		}, []string{"reason"}),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sidechain",
			Name:      "operations_submitted_total",
			Help:      "Total trusted operations submitted, by result.",
		}, []string{"result"}),
		poolReady: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sidechain",
			Name:      "pool_ready",
			Help:      "Ready calls in the pool after the last slot, by shard.",
		}, []string{"shard"}),
		execSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sidechain",
			Name:      "operation_exec_seconds",
			Help:      "Execution time of trusted calls and getters.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.blocksProduced,
			m.slotSkips,
			m.submitted,
			m.poolReady,
			m.execSeconds,
		)
	}

	return m
}

// ObserveExecution records the duration of an executed operation.
func (m *Metrics) ObserveExecution(d time.Duration) {
	m.execSeconds.Observe(d.Seconds())
}

func (m *Metrics) blockProduced() {
	m.blocksProduced.Inc()
}

func (m *Metrics) slotSkipped(reason SkipReason) {
	m.slotSkips.WithLabelValues(reason.String()).Inc()
}

func (m *Metrics) operationSubmitted(err error) {
	result := "accepted"
	if err != nil {
		result = "rejected"
	}
	m.submitted.WithLabelValues(result).Inc()
}

func (m *Metrics) setPoolReady(shard primitives.ShardIdentifier, ready int) {
	m.poolReady.WithLabelValues(shard.String()).Set(float64(ready))
}
