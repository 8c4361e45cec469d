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
	Public      httpSummary     `json:"public"`
	Management  httpSummary     `json:"management"`
	Track       trackSummary    `json:"track"`
	Settlements settleSummary   `json:"settlements"`
	TopUps      topUpSummary    `json:"topUps"`
	RateLimit   rateLimitInfo   `json:"rateLimit"`
	Activity    activitySummary `json:"activity"`
	DB          dbInfo          `json:"db"`
	Server      serverInfo      `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type trackSummary struct {
	Total        float64 `json:"total"`
	Free         float64 `json:"free"`
	Eth          float64 `json:"eth"`
	Credits      float64 `json:"credits"`
	Insufficient float64 `json:"insufficient"`
	Replays      float64 `json:"replays"`
}

type settleSummary struct {
	Captured float64 `json:"captured"`
	Released float64 `json:"released"`
	Rejected float64 `json:"rejected"`
}

type topUpSummary struct {
	Submitted float64 `json:"submitted"`
	Confirmed float64 `json:"confirmed"`
	Failed    float64 `json:"failed"`
	Duplicate float64 `json:"duplicate"`
	P50Lag    float64 `json:"p50LagSeconds"`
	P95Lag    float64 `json:"p95LagSeconds"`
}

type rateLimitInfo struct {
	Rejections float64 `json:"rejections"`
}

type activitySummary struct {
	BufferSize   float64 `json:"bufferSize"`
	TotalFlushes float64 `json:"totalFlushes"`
	FlushErrors  float64 `json:"flushErrors"`
	Entries      float64 `json:"entries"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
	MaxConns      float64 `json:"maxConns"`
	EmptyAcquires float64 `json:"emptyAcquires"`
}

// Handler returns an http.HandlerFunc that serves a JSON summary of the
// registry.
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
func (m *Metrics) Summarize() (*Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	track := fam["agentpay_track_total"]
	settle := fam["agentpay_settlements_total"]
	topups := fam["agentpay_topups_total"]
	start := gaugeValue(fam["agentpay_server_start_time_seconds"])

	return &Summary{
		Public:     httpFor(fam, "public"),
		Management: httpFor(fam, "management"),
		Track: trackSummary{
			Total:        sumCounter(track),
			Free:         sumCounter(track, label{"outcome", "free"}),
			Eth:          sumCounter(track, label{"outcome", "eth"}),
			Credits:      sumCounter(track, label{"outcome", "credits"}),
			Insufficient: sumCounter(track, label{"outcome", "insufficient"}),
			Replays:      sumCounter(track, label{"outcome", "replay"}),
		},
		Settlements: settleSummary{
			Captured: sumCounter(settle, label{"op", "capture"}, label{"outcome", "ok"}),
			Released: sumCounter(settle, label{"op", "release"}, label{"outcome", "ok"}),
			Rejected: sumCounter(settle, label{"outcome", "rejected"}),
		},
		TopUps: topUpSummary{
			Submitted: sumCounter(topups, label{"stage", "submitted"}),
			Confirmed: sumCounter(topups, label{"stage", "confirmed"}),
			Failed:    sumCounter(topups, label{"stage", "failed"}),
			Duplicate: sumCounter(topups, label{"stage", "duplicate"}),
			P50Lag:    histogramPercentile(fam["agentpay_topup_confirmation_lag_seconds"], 0.50),
			P95Lag:    histogramPercentile(fam["agentpay_topup_confirmation_lag_seconds"], 0.95),
		},
		RateLimit: rateLimitInfo{
			Rejections: sumCounter(fam["agentpay_ratelimit_rejections_total"]),
		},
		Activity: activitySummary{
			BufferSize:   gaugeValue(fam["agentpay_activity_buffer_size"]),
			TotalFlushes: sumCounter(fam["agentpay_activity_flushes_total"]),
			FlushErrors:  sumCounter(fam["agentpay_activity_flushes_total"], label{"status", "error"}),
			Entries:      sumCounter(fam["agentpay_activity_entries_total"]),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["agentpay_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["agentpay_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["agentpay_db_pool_acquired_conns"]),
			MaxConns:      gaugeValue(fam["agentpay_db_pool_max_conns"]),
			EmptyAcquires: sumCounter(fam["agentpay_db_pool_empty_acquires_total"]),
		},
		Server: serverInfo{
			StartTime:     start,
			UptimeSeconds: float64(time.Now().Unix()) - start,
		},
	}, nil
}

func httpFor(fam map[string]*dto.MetricFamily, kind string) httpSummary {
	reqs := fam["agentpay_http_requests_total"]
	dur := fam["agentpay_http_request_duration_seconds"]
	k := label{"kind", kind}
	return httpSummary{
		TotalRequests: sumCounter(reqs, k),
		ErrorRate:     errorRate(reqs, k),
		P50Latency:    histogramPercentile(dur, 0.50, k),
		P95Latency:    histogramPercentile(dur, 0.95, k),
		P99Latency:    histogramPercentile(dur, 0.99, k),
	}
}

// --- Prometheus metric helpers ---

type label struct {
	name, value string
}

func matches(m *dto.Metric, want []label) bool {
	for _, l := range want {
		found := false
		for _, lp := range m.GetLabel() {
			if lp.GetName() == l.name && lp.GetValue() == l.value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// sumCounter adds every counter in f carrying all of the given labels.
func sumCounter(f *dto.MetricFamily, want ...label) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() != nil && matches(m, want) {
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
	if len(ms) == 0 || ms[0].GetGauge() == nil {
		return 0
	}
	return ms[0].GetGauge().GetValue()
}

// errorRate is the share of requests answered with a 4xx or 5xx status.
func errorRate(f *dto.MetricFamily, want ...label) float64 {
	if f == nil {
		return 0
	}
	var total, errors float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() == nil || !matches(m, want) {
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

// histogramPercentile computes a percentile from the aggregated buckets of
// every histogram in f carrying all of the given labels, using linear
// interpolation.
func histogramPercentile(f *dto.MetricFamily, q float64, want ...label) float64 {
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
		if h == nil || !matches(m, want) {
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

	// Past the last finite bucket.
	for i := len(buckets) - 1; i >= 0; i-- {
		if !math.IsInf(buckets[i].upperBound, 1) {
			return buckets[i].upperBound
		}
	}
	return 0
}
