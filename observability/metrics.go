package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// BiddingMetrics tracks bid lifecycle activity and settlement volume.
type BiddingMetrics struct {
	operations  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	settledWei  *prometheus.CounterVec
	openBids    prometheus.Gauge
	mintedTotal prometheus.Counter
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	biddingMetricsOnce sync.Once
	biddingRegistry    *BiddingMetrics
)

// ModuleMetrics returns the lazily-initialised module metrics registry used to
// record RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nns",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total JSON-RPC module requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nns",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total JSON-RPC module errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nns",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nns",
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Count of module requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status is the JSON-RPC
// error code, or zero on success.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status != 0 {
		outcome = "error"
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// Bidding returns the metrics registry for the bidding module.
func Bidding() *BiddingMetrics {
	biddingMetricsOnce.Do(func() {
		biddingRegistry = &BiddingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nns",
				Subsystem: "bidding",
				Name:      "operations_total",
				Help:      "Bid lifecycle operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nns",
				Subsystem: "bidding",
				Name:      "operation_duration_seconds",
				Help:      "Latency of bid lifecycle operations including state commit.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			settledWei: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nns",
				Subsystem: "bidding",
				Name:      "settled_wei_total",
				Help:      "Native currency moved by settlements segmented by transfer reason.",
			}, []string{"reason"}),
			openBids: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nns",
				Subsystem: "bidding",
				Name:      "bids_total",
				Help:      "Number of bids ever offered.",
			}),
			mintedTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nns",
				Subsystem: "nft",
				Name:      "minted_total",
				Help:      "Tokens minted by settlements.",
			}),
		}
		prometheus.MustRegister(
			biddingRegistry.operations,
			biddingRegistry.latency,
			biddingRegistry.settledWei,
			biddingRegistry.openBids,
			biddingRegistry.mintedTotal,
		)
	})
	return biddingRegistry
}

// Observe records a lifecycle operation. Failures are labelled with the
// supplied reason so dashboards can separate rejections from faults.
func (m *BiddingMetrics) Observe(operation string, duration time.Duration, err error, reason string) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = labelReason(reason)
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordTransfer adds a settlement transfer to the volume counter.
func (m *BiddingMetrics) RecordTransfer(reason string, amount *big.Int) {
	if m == nil {
		return
	}
	m.settledWei.WithLabelValues(labelReason(reason)).Add(bigToFloat(amount))
}

// SetBidCount publishes the current bid store length.
func (m *BiddingMetrics) SetBidCount(count uint64) {
	if m == nil {
		return
	}
	m.openBids.Set(float64(count))
}

// RecordMint increments the minted token counter.
func (m *BiddingMetrics) RecordMint() {
	if m == nil {
		return
	}
	m.mintedTotal.Inc()
}

func labelReason(reason string) string {
	trimmed := strings.ToLower(strings.TrimSpace(reason))
	if trimmed == "" {
		return "error"
	}
	return trimmed
}

func bigToFloat(value *big.Int) float64 {
	if value == nil || value.Sign() < 0 {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
