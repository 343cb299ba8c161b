package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-kvcache/internal/logger"
)

const (
	historySize = 1000
	maxAlerts   = 100
)

// Health states, worst last.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusCritical = "critical"
)

// HealthStatus is the body of /status.
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      time.Duration   `json:"uptime"`
	Runtime     RuntimeInfo     `json:"runtime"`
	Cache       CacheInfo       `json:"cache"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

type RuntimeInfo struct {
	GoVersion  string `json:"go_version"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	Goroutines int    `json:"goroutines"`
	HeapMB     int    `json:"heap_mb"`
}

// CacheInfo describes the paged cache served by this process.
type CacheInfo struct {
	Device         string `json:"device"`
	NumLayers      int    `json:"num_layers"`
	NumBlocks      int    `json:"num_blocks"`
	BlockSize      int    `json:"block_size"`
	DType          string `json:"dtype"`
	KernelsLoaded  int    `json:"kernels_loaded"`
	OffloadedBytes int64  `json:"offloaded_bytes"`
	GPUMemoryBytes int64  `json:"gpu_memory_bytes"`
}

// PerformanceInfo summarizes the most recent cache operations.
type PerformanceInfo struct {
	Operations    int                `json:"operations"`
	AvgLatencyMs  float64            `json:"avg_latency_ms"`
	P95LatencyMs  float64            `json:"p95_latency_ms"`
	ErrorRate     float64            `json:"error_rate"`
	PerOperation  map[string]OpStats `json:"per_operation,omitempty"`
	LastOperation time.Time          `json:"last_operation"`
}

type OpStats struct {
	Count        int     `json:"count"`
	Failed       int     `json:"failed"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

type Alert struct {
	Level      string     `json:"level"`     // warning, error, critical
	Component  string     `json:"component"` // cache, gpu, offload
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Limits are the thresholds that raise alerts. Zero disables a limit.
type Limits struct {
	SlowOperation  time.Duration
	GPUMemoryBytes int64
	OffloadBytes   int64
}

// DefaultLimits alerts on operations slower than a second.
func DefaultLimits() Limits {
	return Limits{SlowOperation: time.Second}
}

type sample struct {
	at       time.Time
	op       string
	duration time.Duration
	failed   bool
}

// HealthMonitor serves /health, /status and /metrics for a cache process and
// implements engine.Observer.
type HealthMonitor struct {
	started   time.Time
	version   string
	limits    Limits
	cacheInfo func() CacheInfo
	server    *http.Server

	mu      sync.RWMutex
	alerts  []Alert
	history []sample // ring of the last historySize operations
	next    int
}

// NewHealthMonitor returns a monitor. cacheInfo, if non-nil, is polled for
// every status report.
func NewHealthMonitor(version string, cacheInfo func() CacheInfo, limits Limits) *HealthMonitor {
	return &HealthMonitor{
		started:   time.Now(),
		version:   version,
		limits:    limits,
		cacheInfo: cacheInfo,
	}
}

func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", hm.handleHealth)
	mux.HandleFunc("GET /healthz", hm.handleHealth)
	mux.HandleFunc("GET /status", hm.handleStatus)
	mux.HandleFunc("GET /admin/alerts", hm.handleAlerts)
	mux.HandleFunc("POST /admin/clear-alerts", hm.handleClearAlerts)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Start serves the monitoring endpoints on addr until Stop is called.
func (hm *HealthMonitor) Start(addr string) error {
	hm.server = &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Log.Info("Health monitor starting", "addr", addr)
	if err := hm.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server == nil {
		return nil
	}
	return hm.server.Shutdown(ctx)
}

// RecordOperation records one completed cache operation. Failures raise an
// error alert and slow operations a warning.
func (hm *HealthMonitor) RecordOperation(op string, duration time.Duration, err error) {
	s := sample{at: time.Now(), op: op, duration: duration, failed: err != nil}

	hm.mu.Lock()
	if len(hm.history) < historySize {
		hm.history = append(hm.history, s)
	} else {
		hm.history[hm.next] = s
	}
	hm.next = (hm.next + 1) % historySize
	hm.mu.Unlock()

	switch {
	case err != nil:
		hm.AddAlert("error", "cache", fmt.Sprintf("%s failed: %v", op, err))
	case hm.limits.SlowOperation > 0 && duration > hm.limits.SlowOperation:
		hm.AddAlert("warning", "cache", fmt.Sprintf("slow %s: %s", op, duration))
	}
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[len(hm.alerts)-maxAlerts:]
	}
	hm.mu.Unlock()

	logger.Log.Warn("Alert raised", "level", level, "component", component, "message", message)
}

// ResolveAlert marks the alert at index resolved. Out of range is a no-op.
func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if index < 0 || index >= len(hm.alerts) {
		return
	}
	now := time.Now()
	hm.alerts[index].Resolved = true
	hm.alerts[index].ResolvedAt = &now
}

// Status builds the current report. Limits checked against the polled cache
// info add alerts to the report without storing them.
func (hm *HealthMonitor) Status() HealthStatus {
	var cache CacheInfo
	if hm.cacheInfo != nil {
		cache = hm.cacheInfo()
	}
	now := time.Now()

	hm.mu.RLock()
	alerts := slices.Clone(hm.alerts)
	perf := hm.performance()
	hm.mu.RUnlock()

	if lim := hm.limits.GPUMemoryBytes; lim > 0 && cache.GPUMemoryBytes > lim {
		alerts = append(alerts, Alert{Level: "critical", Component: "gpu", Timestamp: now,
			Message: fmt.Sprintf("device memory %d bytes over limit %d", cache.GPUMemoryBytes, lim)})
	}
	if lim := hm.limits.OffloadBytes; lim > 0 && cache.OffloadedBytes > lim {
		alerts = append(alerts, Alert{Level: "warning", Component: "offload", Timestamp: now,
			Message: fmt.Sprintf("offload store %d bytes over limit %d", cache.OffloadedBytes, lim)})
	}

	return HealthStatus{
		Status:      overall(alerts),
		Timestamp:   now,
		Version:     hm.version,
		Uptime:      time.Since(hm.started),
		Runtime:     runtimeInfo(),
		Cache:       cache,
		Performance: perf,
		Alerts:      alerts,
	}
}

func overall(alerts []Alert) string {
	status := StatusHealthy
	for _, a := range alerts {
		if a.Resolved {
			continue
		}
		switch a.Level {
		case "critical":
			return StatusCritical
		case "error":
			status = StatusDegraded
		}
	}
	return status
}

// performance must be called with hm.mu held.
func (hm *HealthMonitor) performance() PerformanceInfo {
	info := PerformanceInfo{Operations: len(hm.history)}
	if len(hm.history) == 0 {
		return info
	}

	latencies := make([]float64, len(hm.history))
	failed := 0
	perOp := make(map[string]OpStats)
	for i, s := range hm.history {
		ms := float64(s.duration.Nanoseconds()) / 1e6
		latencies[i] = ms
		st := perOp[s.op]
		st.AvgLatencyMs = (st.AvgLatencyMs*float64(st.Count) + ms) / float64(st.Count+1)
		st.Count++
		if s.failed {
			st.Failed++
			failed++
		}
		perOp[s.op] = st
		if s.at.After(info.LastOperation) {
			info.LastOperation = s.at
		}
	}
	slices.Sort(latencies)

	info.AvgLatencyMs = stat.Mean(latencies, nil)
	info.P95LatencyMs = stat.Quantile(0.95, stat.Empirical, latencies, nil)
	info.ErrorRate = float64(failed) / float64(len(hm.history))
	info.PerOperation = perOp
	return info
}

func runtimeInfo() RuntimeInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return RuntimeInfo{
		GoVersion:  runtime.Version(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		Goroutines: runtime.NumGoroutine(),
		HeapMB:     int(m.HeapAlloc >> 20),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Debug("Encoding response", "error", err)
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := hm.Status()
	code := http.StatusOK
	if st.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status":    st.Status,
		"timestamp": st.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	hm.mu.RLock()
	alerts := slices.Clone(hm.alerts)
	hm.mu.RUnlock()
	if alerts == nil {
		alerts = []Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, _ *http.Request) {
	hm.mu.Lock()
	hm.alerts = nil
	hm.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "alerts cleared"})
}
