package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// endpointMetrics accumulates request counts and a coarse latency
// histogram for one logical handler, matching the bucket boundaries and
// counter layout the server's request middleware already used.
type endpointMetrics struct {
	ok2xx, ok4xx, ok5xx, other uint64
	b001, b005, b010, b050, b100, bInf uint64
	sumNS, cnt uint64
}

func (m *endpointMetrics) inc(status int, dur time.Duration) {
	switch {
	case status >= 200 && status < 300:
		atomic.AddUint64(&m.ok2xx, 1)
	case status >= 400 && status < 500:
		atomic.AddUint64(&m.ok4xx, 1)
	case status >= 500:
		atomic.AddUint64(&m.ok5xx, 1)
	default:
		atomic.AddUint64(&m.other, 1)
	}

	ms := dur.Seconds() * 1000

	switch {
	case ms <= 1:
		atomic.AddUint64(&m.b001, 1)
	case ms <= 5:
		atomic.AddUint64(&m.b005, 1)
	case ms <= 10:
		atomic.AddUint64(&m.b010, 1)
	case ms <= 50:
		atomic.AddUint64(&m.b050, 1)
	case ms <= 100:
		atomic.AddUint64(&m.b100, 1)
	default:
		atomic.AddUint64(&m.bInf, 1)
	}

	atomic.AddUint64(&m.sumNS, uint64(dur.Nanoseconds()))
	atomic.AddUint64(&m.cnt, 1)
}

// metricsRecorder wraps every handler with security headers, CORS,
// request-ID injection, panic recovery, and latency/outcome recording.
type metricsRecorder struct {
	endpoints  map[string]*endpointMetrics
	inflight   int64
	rlDrops    uint64
	accessLog  bool
}

func newMetricsRecorder() *metricsRecorder {
	m := &metricsRecorder{endpoints: make(map[string]*endpointMetrics)}

	for _, name := range []string{"healthz", "list", "get", "check-update", "upload-zip", "upload-file", "create-version", "check-files", "blob", "metrics", "apps"} {
		m.endpoints[name] = &endpointMetrics{}
	}

	m.accessLog = strings.EqualFold(strings.TrimSpace(os.Getenv("FLEETPACK_REGISTRY_ACCESS_LOG")), "true")

	return m
}

type statusWriter struct {
	rw   http.ResponseWriter
	code int
	n    int64
}

func (s *statusWriter) Header() http.Header { return s.rw.Header() }

func (s *statusWriter) Write(b []byte) (int, error) {
	if s.code == 0 {
		s.code = http.StatusOK
	}

	n, err := s.rw.Write(b)
	s.n += int64(n)

	return n, err
}

func (s *statusWriter) WriteHeader(code int) {
	s.code = code
	s.rw.WriteHeader(code)
}

func (s *statusWriter) Flush() {
	if f, ok := s.rw.(http.Flusher); ok {
		f.Flush()
	}
}

func genReqID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)

	return hex.EncodeToString(b)
}

// wrap installs the shared middleware stack around h and attributes its
// outcome to the named endpoint metric bucket.
func (m *metricsRecorder) wrap(name string, cors corsConfig, h http.HandlerFunc) http.HandlerFunc {
	em := m.endpoints[name]

	return func(w http.ResponseWriter, r *http.Request) {
		reqID := genReqID()
		w.Header().Set("X-Request-ID", reqID)
		setSecurityHeaders(w, r)
		cors.apply(w, r)

		if r.Method == http.MethodOptions && cors.allow(r) {
			w.WriteHeader(http.StatusNoContent)

			return
		}

		atomic.AddInt64(&m.inflight, 1)
		defer atomic.AddInt64(&m.inflight, -1)

		sw := &statusWriter{rw: w}
		start := time.Now()

		defer func() {
			if rec := recover(); rec != nil {
				if sw.code == 0 {
					http.Error(sw, "internal server error", http.StatusInternalServerError)
				}
			}

			dur := time.Since(start)
			if em != nil {
				em.inc(sw.code, dur)
			}

			if m.accessLog {
				log.Printf("%s %s %s %d %dB %s req=%s", r.Method, r.URL.Path, r.RemoteAddr, sw.code, sw.n, dur, reqID)
			}
		}()

		h(sw, r)
	}
}

// serveMetrics renders all endpoint counters in Prometheus text exposition
// format, prefixed fleetpack_ instead of the teacher's orizon_ prefix.
func (m *metricsRecorder) serveMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	var b strings.Builder

	fmt.Fprintf(&b, "# HELP fleetpack_inflight In-flight HTTP requests\n# TYPE fleetpack_inflight gauge\nfleetpack_inflight %d\n", atomic.LoadInt64(&m.inflight))
	fmt.Fprintf(&b, "# HELP fleetpack_ratelimit_dropped_total Requests dropped by the rate limiter\n# TYPE fleetpack_ratelimit_dropped_total counter\nfleetpack_ratelimit_dropped_total %d\n", atomic.LoadUint64(&m.rlDrops))

	fmt.Fprint(&b, "# HELP fleetpack_requests_total Requests by handler and outcome class\n# TYPE fleetpack_requests_total counter\n")

	for name, em := range m.endpoints {
		fmt.Fprintf(&b, "fleetpack_requests_total{handler=%q,class=\"2xx\"} %d\n", name, atomic.LoadUint64(&em.ok2xx))
		fmt.Fprintf(&b, "fleetpack_requests_total{handler=%q,class=\"4xx\"} %d\n", name, atomic.LoadUint64(&em.ok4xx))
		fmt.Fprintf(&b, "fleetpack_requests_total{handler=%q,class=\"5xx\"} %d\n", name, atomic.LoadUint64(&em.ok5xx))
		fmt.Fprintf(&b, "fleetpack_requests_total{handler=%q,class=\"other\"} %d\n", name, atomic.LoadUint64(&em.other))
	}

	fmt.Fprint(&b, "# HELP fleetpack_request_duration_seconds Request latency buckets\n# TYPE fleetpack_request_duration_seconds histogram\n")

	for name, em := range m.endpoints {
		fmt.Fprintf(&b, "fleetpack_request_duration_seconds_bucket{handler=%q,le=\"0.001\"} %d\n", name, atomic.LoadUint64(&em.b001))
		fmt.Fprintf(&b, "fleetpack_request_duration_seconds_bucket{handler=%q,le=\"0.005\"} %d\n", name, atomic.LoadUint64(&em.b005))
		fmt.Fprintf(&b, "fleetpack_request_duration_seconds_bucket{handler=%q,le=\"0.01\"} %d\n", name, atomic.LoadUint64(&em.b010))
		fmt.Fprintf(&b, "fleetpack_request_duration_seconds_bucket{handler=%q,le=\"0.05\"} %d\n", name, atomic.LoadUint64(&em.b050))
		fmt.Fprintf(&b, "fleetpack_request_duration_seconds_bucket{handler=%q,le=\"0.1\"} %d\n", name, atomic.LoadUint64(&em.b100))
		fmt.Fprintf(&b, "fleetpack_request_duration_seconds_bucket{handler=%q,le=\"+Inf\"} %d\n", name, atomic.LoadUint64(&em.bInf))
		fmt.Fprintf(&b, "fleetpack_request_duration_seconds_sum{handler=%q} %f\n", name, float64(atomic.LoadUint64(&em.sumNS))/1e9)
		fmt.Fprintf(&b, "fleetpack_request_duration_seconds_count{handler=%q} %d\n", name, atomic.LoadUint64(&em.cnt))
	}

	_, _ = w.Write([]byte(b.String()))
}

// setSecurityHeaders applies the same baseline response headers the
// registry HTTP server set on every response.
func setSecurityHeaders(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	if r.TLS != nil {
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains; preload")
	}

	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none';")

	if !strings.Contains(r.URL.Path, "/healthz") {
		h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		h.Set("Pragma", "no-cache")
		h.Set("Expires", "0")
	}
}

// corsConfig mirrors the registry server's origin allow-list logic.
type corsConfig struct {
	origins map[string]bool
	any     bool
}

func getCORS() corsConfig {
	raw := strings.TrimSpace(os.Getenv("FLEETPACK_REGISTRY_CORS_ORIGINS"))
	if raw == "" {
		return corsConfig{}
	}

	if raw == "*" {
		return corsConfig{any: true}
	}

	origins := make(map[string]bool)

	for _, o := range strings.Split(raw, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins[o] = true
		}
	}

	return corsConfig{origins: origins}
}

func (c corsConfig) allow(r *http.Request) bool {
	if c.any {
		return true
	}

	origin := r.Header.Get("Origin")

	return origin != "" && c.origins[origin]
}

func (c corsConfig) apply(w http.ResponseWriter, r *http.Request) {
	if !c.allow(r) {
		return
	}

	origin := r.Header.Get("Origin")
	if c.any {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}

	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
}
