package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics captures counters for the financial write paths.
type Metrics struct {
	ledgerEntries    *prometheus.CounterVec
	writeConflicts   *prometheus.CounterVec
	planTransitions  *prometheus.CounterVec
	voucherRedeemed  prometheus.Counter
	rolloverAdvances prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		ledgerEntries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "ledger_entries_total",
			Help:      "Ledger entries appended, by transaction kind.",
		}, []string{"kind"}),
		writeConflicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "write_conflicts_total",
			Help:      "Optimistic-version conflicts observed, by aggregate.",
		}, []string{"aggregate"}),
		planTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "subscription_transitions_total",
			Help:      "Subscription transitions recorded, by cause.",
		}, []string{"cause"}),
		voucherRedeemed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "voucher_redemptions_total",
			Help:      "Successful voucher redemptions.",
		}),
		rolloverAdvances: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "period_rollovers_total",
			Help:      "Billing periods advanced by the rollover sweep.",
		}),
	}
}

func (m *Metrics) RecordLedgerEntry(kind string) {
	if m == nil {
		return
	}
	m.ledgerEntries.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordWriteConflict(aggregate string) {
	if m == nil {
		return
	}
	m.writeConflicts.WithLabelValues(aggregate).Inc()
}

func (m *Metrics) RecordTransition(cause string) {
	if m == nil {
		return
	}
	m.planTransitions.WithLabelValues(cause).Inc()
}

func (m *Metrics) RecordVoucherRedemption() {
	if m == nil {
		return
	}
	m.voucherRedeemed.Inc()
}

func (m *Metrics) RecordRolloverAdvance() {
	if m == nil {
		return
	}
	m.rolloverAdvances.Inc()
}

// HTTPMetrics observes request durations and counts.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewHTTPMetrics() *HTTPMetrics {
	return &HTTPMetrics{
		requests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "http_requests_total",
			Help:      "HTTP requests served.",
		}, []string{"method", "route", "status"}),
		duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "billing",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// GinMiddleware records per-request metrics.
func GinMiddleware(m *HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		m.requests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.duration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
