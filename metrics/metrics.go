package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type MetricsGenerator interface {
	IncOpReceived(status string)
	IncOpIncluded()
	IncBundleSent(status string)
	SetMempoolSize(n int)
	ObserveBundleSize(n int)
}

// BundlerMetrics contains instrumented metrics incremented along the
// admission and bundling pipeline.
type BundlerMetrics struct {
	numOpsReceived *prometheus.CounterVec
	numOpsIncluded prometheus.Counter
	// if bundles with status=failed keeps increasing, the wallet is
	// being griefed or the node is unhealthy
	numBundlesSent *prometheus.CounterVec
	mempoolSize    prometheus.Gauge
	bundleSize     prometheus.Histogram
}

const bundlerNamespace = "bundler"

func NewBundlerMetrics(reg prometheus.Registerer) *BundlerMetrics {
	return &BundlerMetrics{
		numOpsReceived: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: bundlerNamespace,
				Name:      "num_userops_received_total",
				Help:      "The number of userops received over RPC, by admission outcome",
			}, []string{"status"}),

		numOpsIncluded: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: bundlerNamespace,
				Name:      "num_userops_included_total",
				Help:      "The number of userops observed as included on-chain",
			}),

		numBundlesSent: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: bundlerNamespace,
				Name:      "num_bundles_sent_total",
				Help:      "The number of handleOps transactions submitted, by outcome",
			}, []string{"status"}),

		mempoolSize: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: bundlerNamespace,
				Name:      "mempool_size",
				Help:      "The number of userops currently pending in the mempool",
			}),

		bundleSize: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: bundlerNamespace,
				Name:      "bundle_size",
				Help:      "The number of userops per submitted bundle",
				Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
			}),
	}
}

func (m *BundlerMetrics) IncOpReceived(status string) {
	m.numOpsReceived.WithLabelValues(status).Inc()
}

func (m *BundlerMetrics) IncOpIncluded() {
	m.numOpsIncluded.Inc()
}

func (m *BundlerMetrics) IncBundleSent(status string) {
	m.numBundlesSent.WithLabelValues(status).Inc()
}

func (m *BundlerMetrics) SetMempoolSize(n int) {
	m.mempoolSize.Set(float64(n))
}

func (m *BundlerMetrics) ObserveBundleSize(n int) {
	m.bundleSize.Observe(float64(n))
}
