// Package metrics is the process-wide counter/gauge registry described in
// spec §3 and §4.1. It is backed by prometheus/client_golang so the scanner
// exposes the same instrumentation idiom as the teacher's services, but its
// public surface is a JSON snapshot (metrics.json) rather than a
// scrape endpoint, since this is a batch CLI, not a long-running server.
package metrics

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registry wraps a private prometheus.Registry plus the raw counters needed
// to reconstruct metrics.json's exact shape (requests_by_status,
// http_{429,403,5xx}_total, retries_total, latency histogram buckets).
type Registry struct {
	reg *prometheus.Registry

	requestsTotal *prometheus.CounterVec // labels: endpoint, status
	retriesTotal  *prometheus.CounterVec // labels: endpoint, reason
	latencyMs     *prometheus.HistogramVec
	stageElapsed  *prometheus.GaugeVec // labels: stage
	pipelineCount *prometheus.CounterVec // labels: outcome (skipped/success/failed/timeouts)
}

// New builds a fresh registry. One Registry is created per run.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scanner_http_requests_total",
		Help: "HTTP requests by endpoint and status label.",
	}, []string{"endpoint", "status"})

	r.retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scanner_http_retries_total",
		Help: "HTTP retries by endpoint and reason.",
	}, []string{"endpoint", "reason"})

	r.latencyMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scanner_http_latency_ms",
		Help:    "HTTP request latency in milliseconds.",
		Buckets: []float64{25, 50, 100, 250, 500, 1000, 2000, 5000},
	}, []string{"endpoint"})

	r.stageElapsed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scanner_stage_elapsed_ms",
		Help: "Per-stage elapsed time in milliseconds.",
	}, []string{"stage"})

	r.pipelineCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scanner_pipeline_stage_total",
		Help: "Pipeline stage outcomes.",
	}, []string{"outcome"})

	r.reg.MustRegister(r.requestsTotal, r.retriesTotal, r.latencyMs, r.stageElapsed, r.pipelineCount)
	return r
}

// RecordRequest records one HTTP attempt outcome (spec §4.1: "every attempt
// records (endpoint, status_label, latency_ms)").
func (r *Registry) RecordRequest(endpoint, statusLabel string, latencyMs float64) {
	r.requestsTotal.WithLabelValues(endpoint, statusLabel).Inc()
	r.latencyMs.WithLabelValues(endpoint).Observe(latencyMs)
}

// RecordRetry records one retry attempt (spec §4.1: "every retry records
// (endpoint, reason)").
func (r *Registry) RecordRetry(endpoint, reason string) {
	r.retriesTotal.WithLabelValues(endpoint, reason).Inc()
}

// SetStageElapsed records a stage's elapsed wall-clock time.
func (r *Registry) SetStageElapsed(stage string, ms float64) {
	r.stageElapsed.WithLabelValues(stage).Set(ms)
}

// RecordStageOutcome increments the pipeline counter for outcome
// (skipped/success/failed/timeout).
func (r *Registry) RecordStageOutcome(outcome string) {
	r.pipelineCount.WithLabelValues(outcome).Inc()
}

// Snapshot is the JSON shape persisted to metrics.json, matching the
// original reference's update_http_metrics output (requests_by_status,
// http_429_total, http_403_total, http_5xx_total, latency_ms.buckets) plus
// the pipeline/stage gauges spec.md's §3 Metrics type names.
type Snapshot struct {
	RequestsTotal    int              `json:"requests_total"`
	ErrorsTotal      int              `json:"errors_total"`
	RetriesTotal     int              `json:"retries_total"`
	RequestsByStatus map[string]int   `json:"requests_by_status"`
	HTTP429Total     int              `json:"http_429_total"`
	HTTP403Total     int              `json:"http_403_total"`
	HTTP5xxTotal     int              `json:"http_5xx_total"`
	LatencyMs        LatencySnapshot  `json:"latency_ms"`
	StageElapsedMs   map[string]float64 `json:"stage_elapsed_ms"`
	PipelineCounts   map[string]int   `json:"pipeline_stage_total"`
	RunDegraded      int              `json:"run_degraded,omitempty"`
}

// LatencySnapshot mirrors the original's {count,min,max,buckets} shape.
type LatencySnapshot struct {
	Count   int            `json:"count"`
	Min     *float64       `json:"min"`
	Max     *float64       `json:"max"`
	Buckets map[string]int `json:"buckets"`
}

// Snapshot builds the metrics.json payload from current counter state.
func (r *Registry) Snapshot() Snapshot {
	families, _ := r.reg.Gather()

	requestsByStatus := make(map[string]int)
	requestsTotal := 0
	http429 := 0
	http403 := 0
	http5xx := 0
	errorsTotal := 0
	retriesTotal := 0
	stageElapsed := make(map[string]float64)
	pipelineCounts := make(map[string]int)

	var latencies []float64
	buckets := make(map[string]int)
	for _, b := range []float64{25, 50, 100, 250, 500, 1000, 2000, 5000} {
		buckets[formatBucket(b)] = 0
	}

	for _, fam := range families {
		switch fam.GetName() {
		case "scanner_http_requests_total":
			for _, m := range fam.GetMetric() {
				status := labelValue(m, "status")
				v := int(m.GetCounter().GetValue())
				requestsByStatus[status] += v
				requestsTotal += v
				switch status {
				case "429":
					http429 += v
				case "403":
					http403 += v
				default:
					if isServerErrorLabel(status) {
						http5xx += v
					}
				}
				if !isSuccessLabel(status) {
					errorsTotal += v
				}
			}
		case "scanner_http_retries_total":
			for _, m := range fam.GetMetric() {
				retriesTotal += int(m.GetCounter().GetValue())
			}
		case "scanner_stage_elapsed_ms":
			for _, m := range fam.GetMetric() {
				stageElapsed[labelValue(m, "stage")] = m.GetGauge().GetValue()
			}
		case "scanner_pipeline_stage_total":
			for _, m := range fam.GetMetric() {
				pipelineCounts[labelValue(m, "outcome")] += int(m.GetCounter().GetValue())
			}
		case "scanner_http_latency_ms":
			for _, m := range fam.GetMetric() {
				h := m.GetHistogram()
				if h == nil {
					continue
				}
				for _, b := range h.GetBucket() {
					key := formatBucket(b.GetUpperBound())
					if _, ok := buckets[key]; ok {
						buckets[key] += int(b.GetCumulativeCount())
					}
				}
				latencies = append(latencies, h.GetSampleSum())
			}
		}
	}

	latencyCount := 0
	for _, v := range requestsByStatus {
		latencyCount += v
	}
	buckets["+inf"] = latencyCount

	snap := Snapshot{
		RequestsTotal:    requestsTotal,
		ErrorsTotal:      errorsTotal,
		RetriesTotal:     retriesTotal,
		RequestsByStatus: requestsByStatus,
		HTTP429Total:     http429,
		HTTP403Total:     http403,
		HTTP5xxTotal:      http5xx,
		LatencyMs: LatencySnapshot{
			Count:   latencyCount,
			Buckets: buckets,
		},
		StageElapsedMs: stageElapsed,
		PipelineCounts: pipelineCounts,
	}
	return snap
}

func formatBucket(v float64) string {
	switch v {
	case 25:
		return "25"
	case 50:
		return "50"
	case 100:
		return "100"
	case 250:
		return "250"
	case 500:
		return "500"
	case 1000:
		return "1000"
	case 2000:
		return "2000"
	case 5000:
		return "5000"
	default:
		return "+inf"
	}
}

func isServerErrorLabel(status string) bool {
	if len(status) != 3 {
		return false
	}
	return status[0] == '5'
}

func isSuccessLabel(status string) bool {
	if len(status) != 3 {
		return false
	}
	return status[0] == '2'
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// SummarizeHealth derives run_health from a persisted metrics.json payload,
// matching original_source/scanner/obs/metrics.py:summarize_api_health:
// api_unstable if any 5xx; else degraded if any 429/403 or an explicit
// degraded flag; else ok.
func SummarizeHealth(snap Snapshot) string {
	if snap.HTTP5xxTotal > 0 {
		return "api_unstable"
	}
	if snap.HTTP429Total > 0 || snap.HTTP403Total > 0 || snap.RunDegraded > 0 {
		return "degraded"
	}
	return "ok"
}

// SortedKeys returns m's keys in ascending order, for deterministic
// iteration over a snapshot's maps.
func SortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
