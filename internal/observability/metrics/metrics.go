package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// SearchLabel identifies a search query counter by index slug and outcome.
type SearchLabel struct {
	Index  string
	Status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, search queries, transfer submissions, preview fetches, auth
// events, and upstream service health. It coordinates concurrent writers via
// a RWMutex while exposing a thread-safe gauge for active session tracking.
type Recorder struct {
	mu                  sync.RWMutex
	requestCount        map[requestLabel]uint64
	requestDuration     map[requestLabel]time.Duration
	searchQueries       map[SearchLabel]uint64
	transferEvents      map[string]uint64
	previewEvents       map[string]uint64
	authEvents          map[string]uint64
	upstreamHealthValue map[string]float64
	upstreamHealthState map[string]string
	activeSessions      atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:        make(map[requestLabel]uint64),
		requestDuration:     make(map[requestLabel]time.Duration),
		searchQueries:       make(map[SearchLabel]uint64),
		transferEvents:      make(map[string]uint64),
		previewEvents:       make(map[string]uint64),
		authEvents:          make(map[string]uint64),
		upstreamHealthValue: make(map[string]float64),
		upstreamHealthState: make(map[string]string),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveSearch records a search query against the named index with its
// outcome ("ok" or "error").
func (r *Recorder) ObserveSearch(index, status string) {
	label := SearchLabel{Index: normalizeName(index), Status: normalizeName(status)}
	r.mu.Lock()
	r.searchQueries[label]++
	r.mu.Unlock()
}

// ObserveTransfer records a transfer lifecycle event keyed by event name
// (e.g., "submitted", "failed", "manifest_checked").
func (r *Recorder) ObserveTransfer(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.transferEvents[normalized]++
	r.mu.Unlock()
}

// ObservePreview records a preview fetch outcome keyed by result code
// (e.g., "rendered", "BinaryData", "PreviewTooLarge").
func (r *Recorder) ObservePreview(outcome string) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.previewEvents[normalized]++
	r.mu.Unlock()
}

// ObserveAuthEvent records an auth lifecycle event keyed by event name
// (e.g., "login", "logout", "token_refresh", "revoke_failed").
func (r *Recorder) ObserveAuthEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.authEvents[normalized]++
	r.mu.Unlock()
}

// SessionCreated increments the active session gauge atomically so
// concurrent logins remain consistent.
func (r *Recorder) SessionCreated() {
	r.activeSessions.Add(1)
}

// SessionRevoked decrements the active session gauge, guarding against
// negative counts when concurrent updates race.
func (r *Recorder) SessionRevoked() {
	r.decrementGauge(&r.activeSessions)
}

// ActiveSessions exposes the current gauge of live sessions.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// SetUpstreamHealth normalizes upstream service identifiers, maps status
// strings to numeric health values, and stores both representations for
// export.
func (r *Recorder) SetUpstreamHealth(service, status string) {
	normalizedService := normalizeName(service)
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	value := 0.0
	switch normalizedStatus {
	case "ok", "healthy":
		value = 1
	case "disabled":
		value = 0
	default:
		value = -1
	}
	r.mu.Lock()
	r.upstreamHealthValue[normalizedService] = value
	r.upstreamHealthState[normalizedService] = normalizedStatus
	r.mu.Unlock()
}

// SearchCounts returns a copy of the search query counters for testing and
// reporting purposes.
func (r *Recorder) SearchCounts() map[SearchLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[SearchLabel]uint64, len(r.searchQueries))
	for k, v := range r.searchQueries {
		counts[k] = v
	}
	return counts
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.searchQueries = make(map[SearchLabel]uint64)
	r.transferEvents = make(map[string]uint64)
	r.previewEvents = make(map[string]uint64)
	r.authEvents = make(map[string]uint64)
	r.upstreamHealthValue = make(map[string]float64)
	r.upstreamHealthState = make(map[string]string)
	r.activeSessions.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	searchLabels := r.sortedSearchLabels()
	transferEvents := sortedKeys(r.transferEvents)
	previewEvents := sortedKeys(r.previewEvents)
	authEvents := sortedKeys(r.authEvents)
	upstreamServices := sortedFloatKeys(r.upstreamHealthValue)

	fmt.Fprintln(w, "# HELP portal_http_requests_total Total number of HTTP requests processed by the portal")
	fmt.Fprintln(w, "# TYPE portal_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "portal_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP portal_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE portal_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "portal_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP portal_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE portal_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "portal_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP portal_search_queries_total Search queries by index and outcome")
	fmt.Fprintln(w, "# TYPE portal_search_queries_total counter")
	for _, label := range searchLabels {
		count := r.searchQueries[label]
		fmt.Fprintf(w, "portal_search_queries_total{index=\"%s\",status=\"%s\"} %d\n", label.Index, label.Status, count)
	}

	fmt.Fprintln(w, "# HELP portal_transfer_events_total Transfer lifecycle events by type")
	fmt.Fprintln(w, "# TYPE portal_transfer_events_total counter")
	for _, event := range transferEvents {
		count := r.transferEvents[event]
		fmt.Fprintf(w, "portal_transfer_events_total{event=\"%s\"} %d\n", event, count)
	}

	fmt.Fprintln(w, "# HELP portal_preview_fetches_total Preview fetches by outcome")
	fmt.Fprintln(w, "# TYPE portal_preview_fetches_total counter")
	for _, event := range previewEvents {
		count := r.previewEvents[event]
		fmt.Fprintf(w, "portal_preview_fetches_total{outcome=\"%s\"} %d\n", event, count)
	}

	fmt.Fprintln(w, "# HELP portal_auth_events_total Auth lifecycle events by type")
	fmt.Fprintln(w, "# TYPE portal_auth_events_total counter")
	for _, event := range authEvents {
		count := r.authEvents[event]
		fmt.Fprintf(w, "portal_auth_events_total{event=\"%s\"} %d\n", event, count)
	}

	fmt.Fprintln(w, "# HELP portal_active_sessions Current number of live portal sessions")
	fmt.Fprintln(w, "# TYPE portal_active_sessions gauge")
	fmt.Fprintf(w, "portal_active_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP portal_upstream_health Health status reported by upstream services (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE portal_upstream_health gauge")
	for _, service := range upstreamServices {
		value := r.upstreamHealthValue[service]
		status := r.upstreamHealthState[service]
		fmt.Fprintf(w, "portal_upstream_health{service=\"%s\",status=\"%s\"} %f\n", service, status, value)
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedSearchLabels() []SearchLabel {
	labels := make([]SearchLabel, 0, len(r.searchQueries))
	for label := range r.searchQueries {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Index != labels[j].Index {
			return labels[i].Index < labels[j].Index
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedFloatKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 24 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveSearch records a search query on the default recorder.
func ObserveSearch(index, status string) {
	defaultRecorder.ObserveSearch(index, status)
}

// ObserveTransfer records a transfer event on the default recorder.
func ObserveTransfer(event string) {
	defaultRecorder.ObserveTransfer(event)
}

// ObservePreview records a preview outcome on the default recorder.
func ObservePreview(outcome string) {
	defaultRecorder.ObservePreview(outcome)
}

// ObserveAuthEvent records an auth event on the default recorder.
func ObserveAuthEvent(event string) {
	defaultRecorder.ObserveAuthEvent(event)
}

// SessionCreated increments the active session gauge on the default recorder.
func SessionCreated() {
	defaultRecorder.SessionCreated()
}

// SessionRevoked decrements the active session gauge on the default recorder.
func SessionRevoked() {
	defaultRecorder.SessionRevoked()
}

// SetUpstreamHealth updates upstream health on the default recorder.
func SetUpstreamHealth(service, status string) {
	defaultRecorder.SetUpstreamHealth(service, status)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
