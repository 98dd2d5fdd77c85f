package telemetry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
	Timer   MetricType = "timer"
)

// Metric is one recorded sample.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Series is the aggregate of all samples sharing a name and label set.
type Series struct {
	Name   string            `json:"name"`
	Type   MetricType        `json:"type"`
	Labels map[string]string `json:"labels"`
	// Value is the running sum for counters and timers, the last value for gauges.
	Value float64 `json:"value"`
	Count int64   `json:"count"`
}

// Collector keeps a buffer of recent samples and per-series aggregates.
type Collector struct {
	mu       sync.RWMutex
	enabled  bool
	samples  []Metric
	series   map[string]*Series
	interval time.Duration
	flushCh  chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

const maxBufferedSamples = 256

// NewCollector creates a collector. When enabled and interval is positive, buffered
// samples are flushed to the log periodically.
func NewCollector(enabled bool, interval time.Duration) *Collector {
	c := &Collector{
		enabled:  enabled,
		series:   make(map[string]*Series),
		interval: interval,
		flushCh:  make(chan struct{}, 1),
	}
	if enabled && interval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.done = make(chan struct{})
		go c.periodicFlush(ctx)
	}
	return c
}

// Counter adds value to a counter.
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Counter, Value: value, Labels: labels})
}

// Gauge sets a gauge.
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Gauge, Value: value, Labels: labels})
}

// Timer records a duration in milliseconds.
func (c *Collector) Timer(name string, d time.Duration, labels map[string]string) {
	c.add(Metric{Name: name, Type: Timer, Value: float64(d.Milliseconds()), Labels: labels, Unit: "ms"})
}

func (c *Collector) add(m Metric) {
	if !c.enabled {
		return
	}
	m.Timestamp = time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	key := seriesKey(m.Name, m.Labels)
	s, ok := c.series[key]
	if !ok {
		s = &Series{Name: m.Name, Type: m.Type, Labels: m.Labels}
		c.series[key] = s
	}
	if m.Type == Gauge {
		s.Value = m.Value
	} else {
		s.Value += m.Value
	}
	s.Count++

	c.samples = append(c.samples, m)
	if len(c.samples) >= maxBufferedSamples {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

func seriesKey(name string, labels map[string]string) string {
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}

// Series returns the aggregates sorted by name and labels.
func (c *Collector) Series() []Series {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.series))
	for k := range c.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Series, 0, len(keys))
	for _, k := range keys {
		out = append(out, *c.series[k])
	}
	return out
}

// Value returns the aggregate of one series.
func (c *Collector) Value(name string, labels map[string]string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.series[seriesKey(name, labels)]
	if !ok {
		return 0, false
	}
	return s.Value, true
}

// FlushMetrics logs and drops the buffered samples. Aggregates are kept.
func (c *Collector) FlushMetrics() {
	c.mu.Lock()
	samples := c.samples
	c.samples = nil
	c.mu.Unlock()

	if len(samples) == 0 {
		return
	}
	log.Debug().Int("count", len(samples)).Msg("flushing telemetry metrics")
	for _, m := range samples {
		log.Debug().
			Str("name", m.Name).
			Str("type", string(m.Type)).
			Float64("value", m.Value).
			Interface("labels", m.Labels).
			Time("timestamp", m.Timestamp).
			Msg("telemetry_metric")
	}
}

func (c *Collector) periodicFlush(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.FlushMetrics()
		case <-c.flushCh:
			c.FlushMetrics()
		}
	}
}

// Shutdown stops periodic flushing and flushes what is left.
func (c *Collector) Shutdown() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
		c.cancel = nil
	}
	c.FlushMetrics()
}

var (
	globalMu        sync.RWMutex
	globalCollector *Collector
)

// InitGlobal installs the process-wide collector.
func InitGlobal(enabled bool, interval time.Duration) *Collector {
	c := NewCollector(enabled, interval)
	globalMu.Lock()
	prev := globalCollector
	globalCollector = c
	globalMu.Unlock()
	if prev != nil {
		prev.Shutdown()
	}
	return c
}

// GetGlobal returns the process-wide collector, a disabled one if none was installed.
func GetGlobal() *Collector {
	globalMu.RLock()
	c := globalCollector
	globalMu.RUnlock()
	if c != nil {
		return c
	}
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(false, 0)
	}
	return globalCollector
}

func CounterGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Counter(name, value, labels)
}

func GaugeGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Gauge(name, value, labels)
}

func TimerGlobal(name string, d time.Duration, labels map[string]string) {
	GetGlobal().Timer(name, d, labels)
}

// Shutdown shuts down the global collector.
func Shutdown() {
	globalMu.RLock()
	c := globalCollector
	globalMu.RUnlock()
	if c != nil {
		c.Shutdown()
	}
}
