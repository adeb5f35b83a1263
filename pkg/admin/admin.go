// Package admin implements the small HTTP admin surface of the proxy:
// counters, an in-flight gauge and latency histograms, exposed as
// Prometheus text on /metrics plus /healthz, /statusz and /varz.
package admin

import (
	"encoding/json"
	"html"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// HistogramBuckets defines the latency buckets (seconds) used when observing
// request durations. The upper buckets are generous: artifact downloads
// through the origin run for minutes.
var HistogramBuckets = []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 15, 60, 300, 900}

// Metrics is the concrete metrics container behind cacheproxy.Metrics.
type Metrics struct {
	sync.Mutex

	TotalRequests uint64 `json:"total_requests"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Expired       uint64 `json:"expired"`
	Uncached      uint64 `json:"uncached"`
	Waits         uint64 `json:"waits"`
	Coalesced     uint64 `json:"coalesced"`
	OriginErrors  uint64 `json:"origin_errors"`
	CacheErrors   uint64 `json:"cache_errors"`

	// Redirect counts keyed by rule reason (host, normalize, static, rule).
	Redirects map[string]uint64 `json:"redirects"`

	// In-flight gauge + map of id->start time for /statusz
	Inflight     int                  `json:"inflight"`
	InflightList map[string]time.Time `json:"inflight_list"`

	// Histograms: outcome -> counts per bucket
	HistCounts map[string][]uint64 `json:"hist_counts"`
	HistSum    map[string]float64  `json:"hist_sum"`
	HistTotal  map[string]uint64   `json:"hist_total"`
}

// NewMetrics constructs a Metrics instance with initialized maps.
func NewMetrics() *Metrics {
	return &Metrics{
		Redirects:    make(map[string]uint64),
		InflightList: make(map[string]time.Time),
		HistCounts:   make(map[string][]uint64),
		HistSum:      make(map[string]float64),
		HistTotal:    make(map[string]uint64),
	}
}

// InflightAdd records an in-flight request with id.
func (m *Metrics) InflightAdd(id string) {
	m.Lock()
	defer m.Unlock()
	m.Inflight++
	m.InflightList[id] = time.Now()
}

// InflightRemove removes an in-flight request id.
func (m *Metrics) InflightRemove(id string) {
	m.Lock()
	defer m.Unlock()
	if m.Inflight > 0 {
		m.Inflight--
	}
	delete(m.InflightList, id)
}

// Increment helpers
func (m *Metrics) IncTotalRequests() { m.Lock(); m.TotalRequests++; m.Unlock() }
func (m *Metrics) IncHit()           { m.Lock(); m.Hits++; m.Unlock() }
func (m *Metrics) IncMiss()          { m.Lock(); m.Misses++; m.Unlock() }
func (m *Metrics) IncExpired()       { m.Lock(); m.Expired++; m.Unlock() }
func (m *Metrics) IncUncached()      { m.Lock(); m.Uncached++; m.Unlock() }
func (m *Metrics) IncWait()          { m.Lock(); m.Waits++; m.Unlock() }
func (m *Metrics) IncCoalesced()     { m.Lock(); m.Coalesced++; m.Unlock() }
func (m *Metrics) IncOriginErrors()  { m.Lock(); m.OriginErrors++; m.Unlock() }
func (m *Metrics) IncCacheErrors()   { m.Lock(); m.CacheErrors++; m.Unlock() }

// IncRedirect counts a redirect decision by rule reason.
func (m *Metrics) IncRedirect(reason string) {
	m.Lock()
	m.Redirects[reason]++
	m.Unlock()
}

// ObserveDuration records a request duration (in seconds) under an outcome.
func (m *Metrics) ObserveDuration(outcome string, seconds float64) {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.HistCounts[outcome]; !ok {
		m.HistCounts[outcome] = make([]uint64, len(HistogramBuckets))
	}
	m.HistSum[outcome] += seconds
	m.HistTotal[outcome]++
	for i, b := range HistogramBuckets {
		if seconds <= b {
			m.HistCounts[outcome][i]++
			return
		}
	}
	// larger than last bucket: counted via HistTotal (+Inf)
}

// HandleHealth is a simple healthz handler.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// HandleVarz writes the provided config as JSON.
func HandleVarz(w http.ResponseWriter, cfg interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cfg)
}

// HandleMetrics renders m in Prometheus text exposition format.
func HandleMetrics(w http.ResponseWriter, m *Metrics) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	m.Lock()
	defer m.Unlock()

	counter := func(name, help string, v uint64) {
		_, _ = w.Write([]byte("# HELP " + name + " " + help + "\n"))
		_, _ = w.Write([]byte("# TYPE " + name + " counter\n"))
		_, _ = w.Write([]byte(name + " " + strconv.FormatUint(v, 10) + "\n\n"))
	}
	counter("cacheproxy_requests_total", "Total requests processed", m.TotalRequests)
	counter("cacheproxy_hits_total", "Served from fresh disk cache", m.Hits)
	counter("cacheproxy_misses_total", "Cold fetches from origin", m.Misses)
	counter("cacheproxy_expired_total", "Stale entries refetched and replaced", m.Expired)
	counter("cacheproxy_uncached_total", "Responses served from salvaged bytes after cache write failure", m.Uncached)
	counter("cacheproxy_waits_total", "Clients told to retry while a fetch was in flight", m.Waits)
	counter("cacheproxy_coalesced_total", "Requests that joined another request's origin fetch", m.Coalesced)
	counter("cacheproxy_origin_errors_total", "Errors contacting origin (network/DNS/timeout/status)", m.OriginErrors)
	counter("cacheproxy_cache_errors_total", "Disk cache write failures", m.CacheErrors)

	_, _ = w.Write([]byte("# HELP cacheproxy_redirects_total Redirect responses by rule reason\n"))
	_, _ = w.Write([]byte("# TYPE cacheproxy_redirects_total counter\n"))
	for reason, v := range m.Redirects {
		_, _ = w.Write([]byte("cacheproxy_redirects_total{reason=\"" + reason + "\"} " + strconv.FormatUint(v, 10) + "\n"))
	}
	_, _ = w.Write([]byte("\n"))

	_, _ = w.Write([]byte("# HELP cacheproxy_inflight_requests In-flight requests\n"))
	_, _ = w.Write([]byte("# TYPE cacheproxy_inflight_requests gauge\n"))
	_, _ = w.Write([]byte("cacheproxy_inflight_requests " + strconv.Itoa(m.Inflight) + "\n\n"))

	_, _ = w.Write([]byte("# HELP cacheproxy_request_duration_seconds Request duration by cache outcome\n"))
	_, _ = w.Write([]byte("# TYPE cacheproxy_request_duration_seconds histogram\n"))
	for outcome, counts := range m.HistCounts {
		cumulative := uint64(0)
		for i, b := range HistogramBuckets {
			cumulative += counts[i]
			_, _ = w.Write([]byte(
				"cacheproxy_request_duration_seconds_bucket{outcome=\"" + outcome + "\",le=\"" +
					strconv.FormatFloat(b, 'f', -1, 64) + "\"} " + strconv.FormatUint(cumulative, 10) + "\n"))
		}
		_, _ = w.Write([]byte(
			"cacheproxy_request_duration_seconds_bucket{outcome=\"" + outcome + "\",le=\"+Inf\"} " +
				strconv.FormatUint(m.HistTotal[outcome], 10) + "\n"))
		_, _ = w.Write([]byte(
			"cacheproxy_request_duration_seconds_sum{outcome=\"" + outcome + "\"} " +
				strconv.FormatFloat(m.HistSum[outcome], 'f', -1, 64) + "\n"))
		_, _ = w.Write([]byte(
			"cacheproxy_request_duration_seconds_count{outcome=\"" + outcome + "\"} " +
				strconv.FormatUint(m.HistTotal[outcome], 10) + "\n\n"))
	}
}

// HandleStatusz renders a small HTML page showing in-flight requests.
func HandleStatusz(w http.ResponseWriter, m *Metrics) {
	m.Lock()
	defer m.Unlock()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><head><title>Status</title></head><body>"))
	_, _ = w.Write([]byte("<h1>Status</h1>"))
	_, _ = w.Write([]byte("<p>Inflight: " + strconv.Itoa(m.Inflight) + "</p>"))
	_, _ = w.Write([]byte("<table border='1' cellpadding='4' cellspacing='0'>"))
	_, _ = w.Write([]byte("<tr><th>Request</th><th>Start (RFC3339)</th><th>Age (s)</th></tr>"))
	now := time.Now()
	for k, t := range m.InflightList {
		age := now.Sub(t).Seconds()
		_, _ = w.Write([]byte("<tr><td>" + html.EscapeString(k) + "</td><td>" + t.Format(time.RFC3339) + "</td><td>" + strconv.FormatFloat(age, 'f', 3, 64) + "</td></tr>"))
	}
	_, _ = w.Write([]byte("</table></body></html>"))
}
