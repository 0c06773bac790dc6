package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON view of the live counters served on the stats endpoint.
type Summary struct {
	HTTP     httpSummary `json:"http"`
	Quota    quotaInfo   `json:"quota"`
	Payments paymentInfo `json:"payments"`
	Ingest   ingestInfo  `json:"ingest"`
	Chat     chatInfo    `json:"chat"`
	Journal  journalInfo `json:"journal"`
	Auth     authInfo    `json:"auth"`
	DB       dbInfo      `json:"db"`
	Server   serverInfo  `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type quotaInfo struct {
	Allowed  float64 `json:"allowed"`
	Rejected float64 `json:"rejected"`
}

type paymentInfo struct {
	Succeeded float64 `json:"succeeded"`
	Failed    float64 `json:"failed"`
	Amount    float64 `json:"amount"`
	Conflicts float64 `json:"conflicts"`
}

type ingestInfo struct {
	Written float64 `json:"written"`
	Skipped float64 `json:"skipped"`
}

type chatInfo struct {
	Turns        float64 `json:"turns"`
	Throttled    float64 `json:"throttled"`
	ToolCalls    float64 `json:"toolCalls"`
	UnknownTools float64 `json:"unknownTools"`
	P95Model     float64 `json:"p95Model"`
}

type journalInfo struct {
	BufferSize   float64 `json:"bufferSize"`
	TotalFlushes float64 `json:"totalFlushes"`
	FlushErrors  float64 `json:"flushErrors"`
	Records      float64 `json:"records"`
}

type authInfo struct {
	Failures float64 `json:"failures"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type dbInfo struct {
	TotalConns         float64 `json:"totalConns"`
	IdleConns          float64 `json:"idleConns"`
	AcquiredConns      float64 `json:"acquiredConns"`
	MaxConns           float64 `json:"maxConns"`
	EmptyAcquires      float64 `json:"emptyAcquires"`
	AcquireWaitSeconds float64 `json:"acquireWaitSeconds"`
}

// Handler returns an http.HandlerFunc that serves live metrics in JSON format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := m.Summarize()
		if err != nil {
			http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store")
		_ = json.NewEncoder(w).Encode(summary)
	}
}

// Summarize gathers the registry and folds it into a Summary.
func (m *Metrics) Summarize() (*Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	start := gaugeValue(fam["billgate_server_start_time_seconds"])
	return &Summary{
		HTTP: httpSummary{
			TotalRequests: sumCounter(fam["billgate_http_requests_total"]),
			ErrorRate:     computeErrorRate(fam["billgate_http_requests_total"]),
			P50Latency:    histogramPercentile(fam["billgate_http_request_duration_seconds"], 0.50),
			P95Latency:    histogramPercentile(fam["billgate_http_request_duration_seconds"], 0.95),
			P99Latency:    histogramPercentile(fam["billgate_http_request_duration_seconds"], 0.99),
		},
		Quota: quotaInfo{
			Allowed:  counterWithLabel(fam["billgate_quota_checks_total"], "result", "allowed"),
			Rejected: counterWithLabel(fam["billgate_quota_checks_total"], "result", "rejected"),
		},
		Payments: paymentInfo{
			Succeeded: counterWithLabel(fam["billgate_payments_total"], "outcome", "success"),
			Failed:    sumCounter(fam["billgate_payments_total"]) - counterWithLabel(fam["billgate_payments_total"], "outcome", "success"),
			Amount:    sumCounter(fam["billgate_payment_amount_total"]),
			Conflicts: sumCounter(fam["billgate_store_conflicts_total"]),
		},
		Ingest: ingestInfo{
			Written: sumCounter(fam["billgate_bills_ingested_total"]),
			Skipped: sumCounter(fam["billgate_bills_skipped_total"]),
		},
		Chat: chatInfo{
			Turns:        sumCounter(fam["billgate_chat_turns_total"]),
			Throttled:    sumCounter(fam["billgate_chat_throttled_total"]),
			ToolCalls:    sumCounter(fam["billgate_tool_calls_total"]),
			UnknownTools: sumCounterWithLabel(fam["billgate_tool_calls_total"], "outcome", "unknown"),
			P95Model:     histogramPercentile(fam["billgate_model_call_duration_seconds"], 0.95),
		},
		Journal: journalInfo{
			BufferSize:   gaugeValue(fam["billgate_journal_buffer_size"]),
			TotalFlushes: sumCounter(fam["billgate_journal_flushes_total"]),
			FlushErrors:  counterWithLabel(fam["billgate_journal_flushes_total"], "status", "error"),
			Records:      sumCounter(fam["billgate_journal_records_total"]),
		},
		Auth: authInfo{
			Failures: sumCounter(fam["billgate_auth_failures_total"]),
		},
		DB: dbInfo{
			TotalConns:         gaugeValue(fam["billgate_db_pool_total_conns"]),
			IdleConns:          gaugeValue(fam["billgate_db_pool_idle_conns"]),
			AcquiredConns:      gaugeValue(fam["billgate_db_pool_acquired_conns"]),
			MaxConns:           gaugeValue(fam["billgate_db_pool_max_conns"]),
			EmptyAcquires:      sumCounter(fam["billgate_db_pool_empty_acquires_total"]),
			AcquireWaitSeconds: sumCounter(fam["billgate_db_pool_acquire_wait_seconds_total"]),
		},
		Server: serverInfo{
			StartTime:     start,
			UptimeSeconds: float64(time.Now().Unix()) - start,
		},
	}, nil
}

// --- Prometheus metric helpers ---

func sumCounter(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetGauge() != nil {
		return ms[0].GetGauge().GetValue()
	}
	return 0
}

func hasLabel(m *dto.Metric, name, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

func counterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	return sumCounterWithLabel(f, labelName, labelValue)
}

func sumCounterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if hasLabel(m, labelName, labelValue) && m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func computeErrorRate(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total, errors float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" {
				code := lp.GetValue()
				if len(code) > 0 && code[0] >= '5' {
					errors += v
				}
			}
		}
	}
	if total == 0 {
		return 0
	}
	return errors / total
}

// histogramPercentile computes a percentile from aggregated histogram buckets
// using linear interpolation.
func histogramPercentile(f *dto.MetricFamily, q float64) float64 {
	if f == nil {
		return 0
	}

	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}

	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if math.IsInf(b.upperBound, 1) {
			break
		}
		if float64(b.cumulativeCount) >= rank {
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	for i := len(buckets) - 1; i >= 0; i-- {
		if !math.IsInf(buckets[i].upperBound, 1) {
			return buckets[i].upperBound
		}
	}
	return 0
}
