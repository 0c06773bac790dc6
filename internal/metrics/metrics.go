package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the billgate server.
// Every helper method is safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Auth and throttling.
	AuthFailuresTotal  *prometheus.CounterVec
	QuotaChecksTotal   *prometheus.CounterVec
	ChatThrottledTotal prometheus.Counter

	// Billing operations.
	PaymentsTotal       *prometheus.CounterVec
	PaymentAmountTotal  prometheus.Counter
	BillsIngestedTotal  *prometheus.CounterVec
	BillsSkippedTotal   *prometheus.CounterVec
	StoreConflictsTotal *prometheus.CounterVec

	// Chat / tool bridge.
	ChatTurnsTotal    *prometheus.CounterVec
	ModelCallDuration prometheus.Histogram
	ToolCallsTotal    *prometheus.CounterVec

	// Tool call journal.
	JournalBufferSize    prometheus.Gauge
	JournalFlushesTotal  *prometheus.CounterVec
	JournalFlushDuration prometheus.Histogram
	JournalRecordsTotal  prometheus.Counter

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billgate_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billgate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path_pattern"}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billgate_auth_failures_total",
			Help: "Total number of rejected API keys.",
		}, []string{"surface"}),

		QuotaChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billgate_quota_checks_total",
			Help: "Daily query quota decisions.",
		}, []string{"result"}),

		ChatThrottledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billgate_chat_throttled_total",
			Help: "Chat requests rejected by the per-client throttle.",
		}),

		PaymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billgate_payments_total",
			Help: "Payment attempts by outcome.",
		}, []string{"outcome"}),

		PaymentAmountTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billgate_payment_amount_total",
			Help: "Sum of committed payment amounts.",
		}),

		BillsIngestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billgate_bills_ingested_total",
			Help: "Bills written by admin add and batch upload.",
		}, []string{"source"}),

		BillsSkippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billgate_bills_skipped_total",
			Help: "Batch rows skipped as incomplete or malformed.",
		}, []string{"source"}),

		StoreConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billgate_store_conflicts_total",
			Help: "Atomic updates retried after a conflicting write.",
		}, []string{"backend"}),

		ChatTurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billgate_chat_turns_total",
			Help: "Conversational turns by outcome.",
		}, []string{"outcome"}),

		ModelCallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "billgate_model_call_duration_seconds",
			Help:    "Conversational model call duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8),
		}),

		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billgate_tool_calls_total",
			Help: "Tool calls requested by the model, by tool and outcome.",
		}, []string{"tool", "outcome"}),

		JournalBufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "billgate_journal_buffer_size",
			Help: "Current number of buffered tool call records.",
		}),

		JournalFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billgate_journal_flushes_total",
			Help: "Total number of journal flushes.",
		}, []string{"status"}),

		JournalFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "billgate_journal_flush_duration_seconds",
			Help:    "Duration of journal flush operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		JournalRecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billgate_journal_records_total",
			Help: "Total number of tool call records journaled.",
		}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "billgate_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthFailuresTotal,
		m.QuotaChecksTotal,
		m.ChatThrottledTotal,
		m.PaymentsTotal,
		m.PaymentAmountTotal,
		m.BillsIngestedTotal,
		m.BillsSkippedTotal,
		m.StoreConflictsTotal,
		m.ChatTurnsTotal,
		m.ModelCallDuration,
		m.ToolCallsTotal,
		m.JournalBufferSize,
		m.JournalFlushesTotal,
		m.JournalFlushDuration,
		m.JournalRecordsTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	if m == nil || statFunc == nil {
		return
	}
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, pattern string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pattern).Observe(seconds)
}

// IncAuthFailure increments the auth failure counter for the given surface.
func (m *Metrics) IncAuthFailure(surface string) {
	if m == nil {
		return
	}
	m.AuthFailuresTotal.WithLabelValues(surface).Inc()
}

// IncQuota records a quota decision.
func (m *Metrics) IncQuota(allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	m.QuotaChecksTotal.WithLabelValues(result).Inc()
}

// IncChatThrottled counts a throttled chat request.
func (m *Metrics) IncChatThrottled() {
	if m == nil {
		return
	}
	m.ChatThrottledTotal.Inc()
}

// ObservePayment records a payment attempt. amount is only added on success.
func (m *Metrics) ObservePayment(outcome string, amount float64) {
	if m == nil {
		return
	}
	m.PaymentsTotal.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		m.PaymentAmountTotal.Add(amount)
	}
}

// ObserveIngest records bills written and rows skipped for a source.
func (m *Metrics) ObserveIngest(source string, written, skipped int) {
	if m == nil {
		return
	}
	m.BillsIngestedTotal.WithLabelValues(source).Add(float64(written))
	m.BillsSkippedTotal.WithLabelValues(source).Add(float64(skipped))
}

// IncStoreConflict counts a retried atomic update.
func (m *Metrics) IncStoreConflict(backend string) {
	if m == nil {
		return
	}
	m.StoreConflictsTotal.WithLabelValues(backend).Inc()
}

// IncChatTurn counts a finished conversational turn.
func (m *Metrics) IncChatTurn(outcome string) {
	if m == nil {
		return
	}
	m.ChatTurnsTotal.WithLabelValues(outcome).Inc()
}

// ObserveModelCall records one round trip to the conversational model.
func (m *Metrics) ObserveModelCall(seconds float64) {
	if m == nil {
		return
	}
	m.ModelCallDuration.Observe(seconds)
}

// IncToolCall counts a tool call by name and outcome.
func (m *Metrics) IncToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
}

// IncJournalRecords counts one journaled record.
func (m *Metrics) IncJournalRecords() {
	if m == nil {
		return
	}
	m.JournalRecordsTotal.Inc()
}

// SetJournalBuffer sets the current journal buffer size.
func (m *Metrics) SetJournalBuffer(n int) {
	if m == nil {
		return
	}
	m.JournalBufferSize.Set(float64(n))
}

// ObserveJournalFlush records a journal flush and its result.
func (m *Metrics) ObserveJournalFlush(seconds float64, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.JournalFlushesTotal.WithLabelValues(status).Inc()
	m.JournalFlushDuration.Observe(seconds)
}
