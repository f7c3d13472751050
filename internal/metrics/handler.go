package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the metrics summary endpoint.
type Summary struct {
	HTTP        httpSummary     `json:"http"`
	Admin       httpSummary     `json:"admin"`
	Proxy       proxySummary    `json:"proxy"`
	Enforcement enforcementInfo `json:"enforcement"`
	Spend       spendInfo       `json:"spend"`
	Persistence persistenceInfo `json:"persistence"`
	DB          poolInfo        `json:"db"`
	Cache       poolInfo        `json:"cache"`
	Server      serverInfo      `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type proxySummary struct {
	TotalRequests  float64 `json:"totalRequests"`
	Forwarded      float64 `json:"forwarded"`
	Replayed       float64 `json:"replayed"`
	ActiveStreams  float64 `json:"activeStreams"`
	P50Upstream    float64 `json:"p50Upstream"`
	P95Upstream    float64 `json:"p95Upstream"`
	UpstreamErrors float64 `json:"upstreamErrors"`
}

type enforcementInfo struct {
	Rejections   float64            `json:"rejections"`
	ByCode       map[string]float64 `json:"byCode"`
	BreakerTrips float64            `json:"breakerTrips"`
	AutoFreezes  float64            `json:"autoFreezes"`
}

type spendInfo struct {
	ReservedCents    float64 `json:"reservedCents"`
	SettledCents     float64 `json:"settledCents"`
	Settlements      float64 `json:"settlements"`
	ReserveFallbacks float64 `json:"reserveFallbacks"`
}

type persistenceInfo struct {
	Failures          float64 `json:"failures"`
	CollectorFailures float64 `json:"collectorFailures"`
	CacheRetries      float64 `json:"cacheRetries"`
	WebhookErrors     float64 `json:"webhookErrors"`
}

type poolInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
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

// Summarize gathers the registry into a Summary.
func (m *Metrics) Summarize() (Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return Summary{}, err
	}
	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	httpFor := func(kind string) httpSummary {
		reqs, lat := fam["tollgate_http_requests_total"], fam["tollgate_http_request_duration_seconds"]
		return httpSummary{
			TotalRequests: sumCounterWithLabel(reqs, "kind", kind),
			ErrorRate:     computeErrorRateWithLabel(reqs, "kind", kind),
			P50Latency:    histogramPercentileWithLabel(lat, 0.50, "kind", kind),
			P95Latency:    histogramPercentileWithLabel(lat, 0.95, "kind", kind),
			P99Latency:    histogramPercentileWithLabel(lat, 0.99, "kind", kind),
		}
	}
	poolFor := func(prefix string) poolInfo {
		return poolInfo{
			TotalConns:    gaugeValue(fam[prefix+"_total_conns"]),
			IdleConns:     gaugeValue(fam[prefix+"_idle_conns"]),
			AcquiredConns: gaugeValue(fam[prefix+"_acquired_conns"]),
		}
	}

	start := gaugeValue(fam["tollgate_server_start_time_seconds"])
	return Summary{
		HTTP:  httpFor("proxy"),
		Admin: httpFor("admin"),
		Proxy: proxySummary{
			TotalRequests:  sumCounter(fam["tollgate_proxy_requests_total"]),
			Forwarded:      sumCounterWithLabel(fam["tollgate_proxy_requests_total"], "outcome", "ok"),
			Replayed:       sumCounterWithLabel(fam["tollgate_proxy_requests_total"], "outcome", "replay"),
			ActiveStreams:  gaugeValue(fam["tollgate_proxy_active_streams"]),
			P50Upstream:    histogramPercentileWithLabel(fam["tollgate_proxy_upstream_duration_seconds"], 0.50, "", ""),
			P95Upstream:    histogramPercentileWithLabel(fam["tollgate_proxy_upstream_duration_seconds"], 0.95, "", ""),
			UpstreamErrors: sumCounter(fam["tollgate_proxy_upstream_errors_total"]),
		},
		Enforcement: enforcementInfo{
			Rejections:   sumCounter(fam["tollgate_rejections_total"]),
			ByCode:       countersByLabel(fam["tollgate_rejections_total"], "code"),
			BreakerTrips: counterValue(fam["tollgate_breaker_trips_total"]),
			AutoFreezes:  sumCounter(fam["tollgate_auto_freezes_total"]),
		},
		Spend: spendInfo{
			ReservedCents:    counterValue(fam["tollgate_reserved_cents_total"]),
			SettledCents:     sumCounter(fam["tollgate_settled_cents_total"]),
			Settlements:      sumCounter(fam["tollgate_settlements_total"]),
			ReserveFallbacks: sumCounterWithLabel(fam["tollgate_settlements_total"], "usage_source", "reserve"),
		},
		Persistence: persistenceInfo{
			Failures:          sumCounter(fam["tollgate_persist_failures_total"]),
			CollectorFailures: counterValue(fam["tollgate_collector_flush_failures_total"]),
			CacheRetries:      sumCounter(fam["tollgate_cache_retries_total"]),
			WebhookErrors:     sumCounterWithLabel(fam["tollgate_webhook_deliveries_total"], "result", "error"),
		},
		DB:    poolFor("tollgate_db_pool"),
		Cache: poolFor("tollgate_cache_pool"),
		Server: serverInfo{
			StartTime:     start,
			UptimeSeconds: float64(time.Now().Unix()) - start,
		},
	}, nil
}

// --- Prometheus metric helpers ---

func sumCounter(f *dto.MetricFamily) float64 {
	return sumCounterWithLabel(f, "", "")
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil || len(f.GetMetric()) == 0 {
		return 0
	}
	return f.GetMetric()[0].GetGauge().GetValue()
}

func counterValue(f *dto.MetricFamily) float64 {
	if f == nil || len(f.GetMetric()) == 0 {
		return 0
	}
	return f.GetMetric()[0].GetCounter().GetValue()
}

// hasLabel reports whether m carries name=value. An empty name matches all.
func hasLabel(m *dto.Metric, name, value string) bool {
	if name == "" {
		return true
	}
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func sumCounterWithLabel(f *dto.MetricFamily, labelName, value string) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if hasLabel(m, labelName, value) && m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func countersByLabel(f *dto.MetricFamily, labelName string) map[string]float64 {
	out := map[string]float64{}
	if f == nil {
		return out
	}
	for _, m := range f.GetMetric() {
		if m.GetCounter() != nil {
			out[labelValue(m, labelName)] += m.GetCounter().GetValue()
		}
	}
	return out
}

func computeErrorRateWithLabel(f *dto.MetricFamily, labelName, value string) float64 {
	if f == nil {
		return 0
	}
	var total, errors float64
	for _, m := range f.GetMetric() {
		if !hasLabel(m, labelName, value) || m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		if code := labelValue(m, "status_code"); len(code) > 0 && code[0] >= '4' {
			errors += v
		}
	}
	if total == 0 {
		return 0
	}
	return errors / total
}

// histogramPercentileWithLabel computes a percentile from the aggregated
// buckets of the matching series using linear interpolation.
func histogramPercentileWithLabel(f *dto.MetricFamily, q float64, labelName, value string) float64 {
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
		if h == nil || !hasLabel(m, labelName, value) {
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
			n := b.cumulativeCount - prevCount
			if n == 0 {
				return b.upperBound
			}
			return prevBound + (rank-float64(prevCount))/float64(n)*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	// Past the last finite bucket.
	for i := len(buckets) - 1; i >= 0; i-- {
		if !math.IsInf(buckets[i].upperBound, 1) {
			return buckets[i].upperBound
		}
	}
	return 0
}
