// Package metrics is the in-process metrics hub: counters, gauges, and
// histograms with label sets, span timing, periodic snapshots, and
// threshold alerting. Families are exposed twice, once as the standard
// text exposition rendered by the hub itself and once through a
// prometheus.Collector bridge so the client_golang ecosystem works
// unchanged.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/Amicidal/sigmachad-sub002/pkg/config"
)

// Labels is one metric's label set
type Labels map[string]string

// Kind discriminates metric families
type Kind string

const (
	KindCounter   Kind = "counter"
	KindGauge     Kind = "gauge"
	KindHistogram Kind = "histogram"
)

// defaultBuckets mirror the conventional latency buckets in seconds
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

const (
	spanRingSize = 256
)

// histogram accumulates observations into cumulative-on-read buckets
type histogram struct {
	buckets []float64 // upper bounds, ascending
	counts  []uint64  // one per bucket, non-cumulative
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(v float64) {
	h.sum += v
	h.count++
	for i, ub := range h.buckets {
		if v <= ub {
			h.counts[i]++
			return
		}
	}
	// larger than every bound; only the implicit +Inf bucket counts it
}

// series is one labeled instance within a family
type series struct {
	labels Labels
	value  float64
	hist   *histogram
}

// family groups all series sharing a metric name
type family struct {
	name   string
	help   string
	kind   Kind
	labels []string // label keys, fixed at declaration
	series map[string]*series
}

// Hub is the process-wide metrics registry. The zero value is not usable;
// a nil *Hub is, every method no-ops, so instrumentation can be wired
// optionally.
type Hub struct {
	cfg *config.MetricsConfig

	mu       sync.RWMutex
	families map[string]*family

	spanMu     sync.Mutex
	spans      map[string]*Span
	finished   []*Span
	snapshots  *snapshotRing
	probes     []probe
	lastPool   PoolStats
	lastAgents AgentStats

	alertMu sync.Mutex
	rules   []*AlertRule
	active  map[string]*Alert
	history []*Alert

	loopCancel func()
	loopDone   chan struct{}
}

// NewHub creates a hub with the built-in families and default alert rules
func NewHub(cfg *config.MetricsConfig) *Hub {
	if cfg == nil {
		cfg = config.DefaultMetricsConfig()
	}
	h := &Hub{
		cfg:       cfg,
		families:  make(map[string]*family),
		spans:     make(map[string]*Span),
		snapshots: newSnapshotRing(cfg.RetentionDays),
		active:    make(map[string]*Alert),
	}
	h.declareDefaults()
	h.rules = defaultAlertRules()
	return h
}

// Declare registers a metric family up front so exposition carries help
// text and a stable label schema. Re-declaring an existing family is a
// no-op.
func (h *Hub) Declare(name, help string, kind Kind, labelKeys ...string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.families[name]; ok {
		return
	}
	sort.Strings(labelKeys)
	h.families[name] = &family{
		name:   name,
		help:   help,
		kind:   kind,
		labels: labelKeys,
		series: make(map[string]*series),
	}
}

func (h *Hub) declareDefaults() {
	declare := func(name, help string, kind Kind, labelKeys ...string) {
		sort.Strings(labelKeys)
		h.families[name] = &family{
			name:   name,
			help:   help,
			kind:   kind,
			labels: labelKeys,
			series: make(map[string]*series),
		}
	}

	declare("sessions_created_total", "Sessions created since process start", KindCounter)
	declare("sessions_active", "Live session documents", KindGauge)
	declare("session_events_total", "Session events appended, by event type", KindCounter, "type")
	declare("session_checkpoints_total", "Checkpoints materialized, by outcome", KindCounter, "outcome")
	declare("session_operation_duration_seconds", "Duration of session operations", KindHistogram, "operation")

	declare("agents_registered", "Agents currently registered, by status", KindGauge, "status")
	declare("dead_agents", "Agents currently marked dead", KindGauge)
	declare("tasks_submitted_total", "Tasks accepted for scheduling", KindCounter)
	declare("tasks_completed_total", "Tasks finished successfully", KindCounter)
	declare("tasks_failed_total", "Task failures, terminal and retried", KindCounter, "terminal")
	declare("tasks_queued", "Tasks waiting for assignment", KindGauge)
	declare("handoffs_total", "Session handoffs between agents", KindCounter)

	declare("rollback_operations_total", "Rollback operations, by type and final status", KindCounter, "type", "status")
	declare("rollback_conflicts_total", "Conflicts encountered during rollback", KindCounter, "resolution")
	declare("snapshots_stored", "Snapshots currently held by the snapshot store", KindGauge)

	declare("kv_pool_connections", "Pooled KV connections, by state", KindGauge, "state")
	declare("kv_pool_waiters", "Callers blocked waiting for a connection", KindGauge)

	declare("api_requests_total", "API requests, by method and status class", KindCounter, "method", "status")
	declare("api_request_duration_seconds", "API request duration", KindHistogram, "method")
	declare("ws_clients_connected", "WebSocket clients currently connected", KindGauge)

	declare("errors_total", "Errors observed, by component", KindCounter, "component")
}

// IncCounter adds one to a counter series
func (h *Hub) IncCounter(name string, labels Labels) {
	h.AddCounter(name, labels, 1)
}

// AddCounter adds v (must be non-negative) to a counter series
func (h *Hub) AddCounter(name string, labels Labels, v float64) {
	if h == nil || v < 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.seriesFor(name, KindCounter, labels)
	s.value += v
}

// SetGauge sets a gauge series to v
func (h *Hub) SetGauge(name string, labels Labels, v float64) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.seriesFor(name, KindGauge, labels)
	s.value = v
}

// AddGauge adjusts a gauge series by delta
func (h *Hub) AddGauge(name string, labels Labels, delta float64) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.seriesFor(name, KindGauge, labels)
	s.value += delta
}

// Observe records one observation into a histogram series
func (h *Hub) Observe(name string, labels Labels, v float64) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.seriesFor(name, KindHistogram, labels)
	if s.hist == nil {
		s.hist = newHistogram(defaultBuckets)
	}
	s.hist.observe(v)
}

// seriesFor finds or creates a series; callers hold h.mu
func (h *Hub) seriesFor(name string, kind Kind, labels Labels) *series {
	fam, ok := h.families[name]
	if !ok {
		keys := make([]string, 0, len(labels))
		for k := range labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fam = &family{
			name:   name,
			help:   name,
			kind:   kind,
			labels: keys,
			series: make(map[string]*series),
		}
		h.families[name] = fam
	}

	key := seriesKey(fam.labels, labels)
	s, ok := fam.series[key]
	if !ok {
		s = &series{labels: projectLabels(fam.labels, labels)}
		if fam.kind == KindHistogram {
			s.hist = newHistogram(defaultBuckets)
		}
		fam.series[key] = s
	}
	return s
}

// CounterValue sums a counter family across all series
func (h *Hub) CounterValue(name string) float64 {
	return h.familySum(name)
}

// GaugeValue sums a gauge family across all series
func (h *Hub) GaugeValue(name string) float64 {
	return h.familySum(name)
}

func (h *Hub) familySum(name string) float64 {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	fam, ok := h.families[name]
	if !ok {
		return 0
	}
	var total float64
	for _, s := range fam.series {
		total += s.value
	}
	return total
}

// HistogramStats reports the cumulative sum and count of a histogram
// family across all series.
func (h *Hub) HistogramStats(name string) (sum float64, count uint64) {
	if h == nil {
		return 0, 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	fam, ok := h.families[name]
	if !ok || fam.kind != KindHistogram {
		return 0, 0
	}
	for _, s := range fam.series {
		if s.hist == nil {
			continue
		}
		sum += s.hist.sum
		count += s.hist.count
	}
	return sum, count
}

// WriteText renders every family in the Prometheus text exposition format
func (h *Hub) WriteText(w io.Writer) error {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.families))
	for name := range h.families {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fam := h.families[name]
		if len(fam.series) == 0 {
			continue
		}
		if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", fam.name, fam.help, fam.name, fam.kind); err != nil {
			return err
		}

		keys := make([]string, 0, len(fam.series))
		for k := range fam.series {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			s := fam.series[k]
			if fam.kind == KindHistogram {
				if err := writeHistogram(w, fam.name, s); err != nil {
					return err
				}
				continue
			}
			if _, err := fmt.Fprintf(w, "%s%s %s\n", fam.name, renderLabels(s.labels, ""), formatValue(s.value)); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeHistogram(w io.Writer, name string, s *series) error {
	var cumulative uint64
	for i, ub := range s.hist.buckets {
		cumulative += s.hist.counts[i]
		le := formatValue(ub)
		if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", name, renderLabels(s.labels, le), cumulative); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", name, renderLabels(s.labels, "+Inf"), s.hist.count); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%s_sum%s %s\n", name, renderLabels(s.labels, ""), formatValue(s.hist.sum)); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%s_count%s %d\n", name, renderLabels(s.labels, ""), s.hist.count)
	return err
}

// renderLabels builds the {k="v",...} block; le, when non-empty, is
// appended as the bucket bound label.
func renderLabels(labels Labels, le string) string {
	if len(labels) == 0 && le == "" {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		// %q escapes backslashes, quotes, and newlines the way the
		// exposition format requires.
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	if le != "" {
		if len(keys) > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "le=%q", le)
	}
	b.WriteByte('}')
	return b.String()
}

func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}

// seriesKey canonicalizes a label set against the family's fixed keys
func seriesKey(keys []string, labels Labels) string {
	if len(keys) == 0 {
		return ""
	}
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

// projectLabels keeps only the family's declared keys, filling absent
// values with "" so schemas stay rectangular.
func projectLabels(keys []string, labels Labels) Labels {
	if len(keys) == 0 {
		return nil
	}
	out := make(Labels, len(keys))
	for _, k := range keys {
		out[k] = labels[k]
	}
	return out
}
