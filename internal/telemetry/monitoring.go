package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check result
type HealthCheck struct {
	Name        string            `json:"name"`
	Status      HealthStatus      `json:"status"`
	Message     string            `json:"message"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration"`
	Details     map[string]string `json:"details,omitempty"`
}

// MonitoringServer exposes health checks and collected metrics over HTTP.
type MonitoringServer struct {
	collector *Collector
	server    *http.Server

	mu           sync.RWMutex
	healthChecks map[string]func() HealthCheck
}

// NewMonitoringServer creates a new monitoring server
func NewMonitoringServer(addr string, collector *Collector) *MonitoringServer {
	ms := &MonitoringServer{
		collector:    collector,
		healthChecks: make(map[string]func() HealthCheck),
	}
	ms.server = &http.Server{
		Addr:              addr,
		Handler:           ms.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ms
}

// Handler returns the routes served by the monitoring server.
func (ms *MonitoringServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", ms.healthHandler)
	mux.HandleFunc("GET /metrics", ms.metricsHandler)
	mux.HandleFunc("GET /api/metrics", ms.apiMetricsHandler)
	mux.HandleFunc("GET /api/health", ms.apiHealthHandler)
	return mux
}

func overall(checks []HealthCheck) HealthStatus {
	status := HealthStatusHealthy
	for _, check := range checks {
		if check.Status == HealthStatusUnhealthy {
			return HealthStatusUnhealthy
		}
		if check.Status == HealthStatusDegraded {
			status = HealthStatusDegraded
		}
	}
	return status
}

// healthHandler answers 503 unless every check is healthy.
func (ms *MonitoringServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	checks := ms.runHealthChecks()
	status := overall(checks)

	w.Header().Set("Content-Type", "application/json")
	if status != HealthStatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"timestamp": time.Now(),
		"checks":    checks,
	})
}

// metricsHandler provides Prometheus-style metrics
func (ms *MonitoringServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	typed := make(map[string]bool)
	for _, s := range ms.collector.Series() {
		if !typed[s.Name] {
			fmt.Fprintf(w, "# TYPE %s %s\n", s.Name, promType(s.Type))
			typed[s.Name] = true
		}
		labelStr := ""
		if len(s.Labels) > 0 {
			pairs := make([]string, 0, len(s.Labels))
			for k, v := range s.Labels {
				pairs = append(pairs, fmt.Sprintf(`%s=%q`, k, v))
			}
			sort.Strings(pairs)
			labelStr = "{" + strings.Join(pairs, ",") + "}"
		}
		fmt.Fprintf(w, "%s%s %g\n", s.Name, labelStr, s.Value)
	}
}

func promType(t MetricType) string {
	if t == Gauge {
		return "gauge"
	}
	return "counter"
}

func (ms *MonitoringServer) apiMetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ms.collector.Series())
}

// apiHealthHandler always answers 200 with the check details.
func (ms *MonitoringServer) apiHealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := ms.runHealthChecks()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    overall(checks),
		"timestamp": time.Now(),
		"checks":    checks,
	})
}

// RegisterHealthCheck registers a health check function
func (ms *MonitoringServer) RegisterHealthCheck(name string, checkFn func() HealthCheck) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.healthChecks[name] = checkFn
}

// runHealthChecks executes all registered health checks in name order.
func (ms *MonitoringServer) runHealthChecks() []HealthCheck {
	ms.mu.RLock()
	names := make([]string, 0, len(ms.healthChecks))
	for name := range ms.healthChecks {
		names = append(names, name)
	}
	fns := make(map[string]func() HealthCheck, len(ms.healthChecks))
	for k, v := range ms.healthChecks {
		fns[k] = v
	}
	ms.mu.RUnlock()
	sort.Strings(names)

	checks := make([]HealthCheck, 0, len(names))
	for _, name := range names {
		start := time.Now()
		check := fns[name]()
		if check.Name == "" {
			check.Name = name
		}
		check.Duration = time.Since(start)
		check.LastChecked = time.Now()
		checks = append(checks, check)
	}
	return checks
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (ms *MonitoringServer) Start() error {
	log.Info().Str("addr", ms.server.Addr).Msg("starting monitoring server")
	err := ms.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve is Start on an existing listener.
func (ms *MonitoringServer) Serve(l net.Listener) error {
	log.Info().Str("addr", l.Addr().String()).Msg("starting monitoring server")
	err := ms.server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the monitoring server
func (ms *MonitoringServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

// GoroutineCheck reports degraded or unhealthy past the given goroutine counts.
func GoroutineCheck(degraded, unhealthy int) func() HealthCheck {
	return func() HealthCheck {
		count := runtime.NumGoroutine()
		status := HealthStatusHealthy
		message := fmt.Sprintf("goroutines: %d", count)
		if count > degraded {
			status = HealthStatusDegraded
			message = fmt.Sprintf("high goroutine count: %d", count)
		}
		if count > unhealthy {
			status = HealthStatusUnhealthy
			message = fmt.Sprintf("critical goroutine count: %d", count)
		}
		return HealthCheck{
			Name:    "goroutines",
			Status:  status,
			Message: message,
			Details: map[string]string{"count": fmt.Sprintf("%d", count)},
		}
	}
}
