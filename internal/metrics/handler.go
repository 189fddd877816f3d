package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the metrics snapshot endpoint.
type Summary struct {
	Mode       string         `json:"mode"`
	HTTP       httpSummary    `json:"http"`
	Management httpSummary    `json:"management"`
	Relay      relaySummary   `json:"relay"`
	Payments   paymentSummary `json:"payments"`
	RateLimit  rateLimitInfo  `json:"rateLimit"`
	Collector  collectorInfo  `json:"collector"`
	Auth       authInfo       `json:"auth"`
	DB         dbInfo         `json:"db"`
	Server     serverInfo     `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type relaySummary struct {
	TotalRequests   float64 `json:"totalRequests"`
	ActiveRequests  float64 `json:"activeRequests"`
	P50Upstream     float64 `json:"p50Upstream"`
	P95Upstream     float64 `json:"p95Upstream"`
	UpstreamErrors  float64 `json:"upstreamErrors"`
	UsageParseFails float64 `json:"usageParseFailures"`
}

type paymentSummary struct {
	BalanceRequests     float64 `json:"balanceRequests"`
	X402Requests        float64 `json:"x402Requests"`
	Settlements         float64 `json:"settlements"`
	Refunds             float64 `json:"refunds"`
	RefundFailures      float64 `json:"refundFailures"`
	ReservationRejected float64 `json:"reservationRejected"`
}

type rateLimitInfo struct {
	Rejections float64 `json:"rejections"`
}

type collectorInfo struct {
	BufferSize   float64 `json:"bufferSize"`
	TotalFlushes float64 `json:"totalFlushes"`
	FlushErrors  float64 `json:"flushErrors"`
	Records      float64 `json:"records"`
}

type authInfo struct {
	Failures  float64 `json:"failures"`
	Successes float64 `json:"successes"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// Handler returns an http.HandlerFunc that serves a JSON snapshot of the
// gateway's metrics, aggregated from the Prometheus registry.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.handleSnapshot(w)
	}
}

func (m *Metrics) handleSnapshot(w http.ResponseWriter) {
	families, err := m.registry.Gather()
	if err != nil {
		http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
		return
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	startTime := gaugeValue(fam["peage_server_start_time_seconds"])

	summary := Summary{
		Mode: "live",
		HTTP: httpSummary{
			TotalRequests: sumCounter(fam["peage_http_requests_total"], labelIs("kind", "gateway")),
			ErrorRate:     errorRate(fam["peage_http_requests_total"], labelIs("kind", "gateway")),
			P50Latency:    histogramPercentile(fam["peage_http_request_duration_seconds"], 0.50, labelIs("kind", "gateway")),
			P95Latency:    histogramPercentile(fam["peage_http_request_duration_seconds"], 0.95, labelIs("kind", "gateway")),
			P99Latency:    histogramPercentile(fam["peage_http_request_duration_seconds"], 0.99, labelIs("kind", "gateway")),
		},
		Management: httpSummary{
			TotalRequests: sumCounter(fam["peage_http_requests_total"], labelIs("kind", "management")),
			ErrorRate:     errorRate(fam["peage_http_requests_total"], labelIs("kind", "management")),
			P50Latency:    histogramPercentile(fam["peage_http_request_duration_seconds"], 0.50, labelIs("kind", "management")),
			P95Latency:    histogramPercentile(fam["peage_http_request_duration_seconds"], 0.95, labelIs("kind", "management")),
			P99Latency:    histogramPercentile(fam["peage_http_request_duration_seconds"], 0.99, labelIs("kind", "management")),
		},
		Relay: relaySummary{
			TotalRequests:   sumCounter(fam["peage_relay_requests_total"], nil),
			ActiveRequests:  sumGauge(fam["peage_relay_active_requests"]),
			P50Upstream:     histogramPercentile(fam["peage_relay_upstream_duration_seconds"], 0.50, nil),
			P95Upstream:     histogramPercentile(fam["peage_relay_upstream_duration_seconds"], 0.95, nil),
			UpstreamErrors:  sumCounter(fam["peage_relay_upstream_errors_total"], nil),
			UsageParseFails: sumCounter(fam["peage_usage_parse_failures_total"], nil),
		},
		Payments: paymentSummary{
			BalanceRequests:     sumCounter(fam["peage_resource_requests_total"], labelIs("payment", "api_key")),
			X402Requests:        sumCounter(fam["peage_resource_requests_total"], labelIs("payment", "x402")),
			Settlements:         sumCounter(fam["peage_settlements_total"], nil),
			Refunds:             sumCounter(fam["peage_refunds_total"], nil),
			RefundFailures:      sumCounter(fam["peage_refunds_total"], labelIs("status", "failed")),
			ReservationRejected: counterValue(fam["peage_reservation_rejections_total"]),
		},
		RateLimit: rateLimitInfo{
			Rejections: counterValue(fam["peage_ratelimit_rejections_total"]),
		},
		Collector: collectorInfo{
			BufferSize:   gaugeValue(fam["peage_collector_buffer_size"]),
			TotalFlushes: sumCounter(fam["peage_collector_flushes_total"], nil),
			FlushErrors:  sumCounter(fam["peage_collector_flushes_total"], labelIs("status", "error")),
			Records:      counterValue(fam["peage_collector_records_total"]),
		},
		Auth: authInfo{
			Failures:  sumCounter(fam["peage_auth_failures_total"], nil),
			Successes: sumCounter(fam["peage_auth_successes_total"], nil),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["peage_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["peage_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["peage_db_pool_acquired_conns"]),
		},
		Server: serverInfo{
			StartTime:     startTime,
			UptimeSeconds: float64(time.Now().Unix()) - startTime,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	_ = json.NewEncoder(w).Encode(summary)
}

// --- Prometheus metric helpers ---

// matchFunc filters metrics within a family. A nil matchFunc matches all.
type matchFunc func(*dto.Metric) bool

// labelIs returns a matchFunc selecting metrics carrying the given label pair.
func labelIs(name, value string) matchFunc {
	return func(m *dto.Metric) bool {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == name && lp.GetValue() == value {
				return true
			}
		}
		return false
	}
}

func sumCounter(f *dto.MetricFamily, match matchFunc) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if match != nil && !match(m) {
			continue
		}
		if m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func sumGauge(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetGauge() != nil {
			total += m.GetGauge().GetValue()
		}
	}
	return total
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 || ms[0].GetGauge() == nil {
		return 0
	}
	return ms[0].GetGauge().GetValue()
}

func counterValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 || ms[0].GetCounter() == nil {
		return 0
	}
	return ms[0].GetCounter().GetValue()
}

// errorRate computes the share of matched requests with a 4xx or 5xx
// status_code label.
func errorRate(f *dto.MetricFamily, match matchFunc) float64 {
	if f == nil {
		return 0
	}
	var total, errors float64
	for _, m := range f.GetMetric() {
		if match != nil && !match(m) {
			continue
		}
		if m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" {
				code := lp.GetValue()
				if len(code) > 0 && code[0] >= '4' {
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
func histogramPercentile(f *dto.MetricFamily, q float64, match matchFunc) float64 {
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
		if match != nil && !match(m) {
			continue
		}
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
			// Linear interpolation within this bucket.
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

	// Fall back to the last finite bucket upper bound.
	for i := len(buckets) - 1; i >= 0; i-- {
		if !math.IsInf(buckets[i].upperBound, 1) {
			return buckets[i].upperBound
		}
	}
	return 0
}
