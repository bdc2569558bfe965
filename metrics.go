package kvlogtable

import "github.com/prometheus/client_golang/prometheus"

// metricsSet holds the engine's prometheus collectors. It always
// collects — Config.MetricsRegisterer only controls whether the
// collectors are exposed to a scrape endpoint.
type metricsSet struct {
	operations          *prometheus.CounterVec
	transactions         prometheus.Counter
	transactionDurations prometheus.Histogram
	compactions          prometheus.Counter
	logBytes             prometheus.Gauge
}

func newMetrics(registerer prometheus.Registerer) *metricsSet {
	m := &metricsSet{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kvlogtable_table_operations_total",
			Help: "Count of single-table Insert/Delete calls, by table and operation.",
		}, []string{"table", "op"}),
		transactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvlogtable_transactions_committed_total",
			Help: "Count of transaction closures that committed a batch record.",
		}),
		transactionDurations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kvlogtable_transaction_duration_seconds",
			Help:    "Wall-clock time of a transaction call, from before its table write locks are acquired until they are released.",
			Buckets: prometheus.DefBuckets,
		}),
		compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvlogtable_compactions_total",
			Help: "Count of completed on-demand or background log compactions.",
		}),
		logBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvlogtable_log_bytes",
			Help: "Size in bytes of the schema's log file, last measured after a compaction.",
		}),
	}

	if registerer != nil {
		for _, c := range []prometheus.Collector{
			m.operations, m.transactions, m.transactionDurations, m.compactions, m.logBytes,
		} {
			_ = registerer.Register(c) // duplicate registration across Opens is not fatal
		}
	}
	return m
}

func (m *metricsSet) observeOp(table, op string) {
	m.operations.WithLabelValues(table, op).Inc()
}

func (m *metricsSet) observeTransaction() {
	m.transactions.Inc()
}
