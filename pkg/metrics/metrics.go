// Package metrics provides agentdb's Prometheus-shaped metrics registry.
//
// Four instrument kinds are supported, matching spec §4.3 exactly:
//
//   - Counter: monotonically non-decreasing, increment-only.
//   - Gauge: arbitrary up/down value.
//   - Histogram: bucketed observations with sum/count, plus p50/p90/p95/p99
//     computed from a capped rolling sample of raw observations (not from
//     bucket-boundary estimation, which Prometheus's own histograms use).
//   - Summary: client_golang's streaming summary with caller-configurable
//     quantile objectives over its default time window; it does not keep
//     a fixed-size sample of raw observations.
//
// All four are backed by github.com/prometheus/client_golang/prometheus —
// the same library the broader example pack reaches for whenever it wants a
// Prometheus-shaped metrics surface (see DESIGN.md) — so Export() produces
// byte-for-byte standard Prometheus text exposition format.
package metrics

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// ErrMissingLabel is returned when an observation omits a label the
// instrument was registered with.
type ErrMissingLabel struct {
	Instrument string
	Label      string
}

func (e *ErrMissingLabel) Error() string {
	return fmt.Sprintf("metrics: %s: missing label %q", e.Instrument, e.Label)
}

// Registry is agentdb's metrics registry: a thin, label-validating façade
// over a prometheus.Registry.
type Registry struct {
	mu  sync.Mutex
	reg *prometheus.Registry

	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	summaries  map[string]*Summary
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		summaries:  make(map[string]*Summary),
	}
}

func labelsToPromLabels(instrument string, labelNames []string, labels map[string]string) (prometheus.Labels, error) {
	out := make(prometheus.Labels, len(labelNames))
	for _, name := range labelNames {
		v, ok := labels[name]
		if !ok {
			return nil, &ErrMissingLabel{Instrument: instrument, Label: name}
		}
		out[name] = v
	}
	return out, nil
}

func labelKey(labelNames []string, labels map[string]string) string {
	parts := make([]string, len(labelNames))
	for i, name := range labelNames {
		parts[i] = labels[name]
	}
	return strings.Join(parts, "\x1f")
}

// Counter is a monotonically non-decreasing instrument.
type Counter struct {
	name       string
	labelNames []string
	vec        *prometheus.CounterVec
}

// Inc increments the counter for the given label set by 1.
func (c *Counter) Inc(labels map[string]string) error { return c.Add(1, labels) }

// Add increments the counter for the given label set by value. value must
// be non-negative (Counter semantics).
func (c *Counter) Add(value float64, labels map[string]string) error {
	pl, err := labelsToPromLabels(c.name, c.labelNames, labels)
	if err != nil {
		return err
	}
	m, err := c.vec.GetMetricWith(pl)
	if err != nil {
		return err
	}
	m.Add(value)
	return nil
}

// Counter registers (or returns the existing) counter instrument.
func (r *Registry) Counter(name, help string, labelNames []string) (*Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.counters[name]; ok {
		return c, nil
	}

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labelNames)
	if err := r.reg.Register(vec); err != nil {
		return nil, err
	}
	c := &Counter{name: name, labelNames: labelNames, vec: vec}
	r.counters[name] = c
	return c, nil
}

// Gauge is a set/inc/dec instrument.
type Gauge struct {
	name       string
	labelNames []string
	vec        *prometheus.GaugeVec
}

func (g *Gauge) metric(labels map[string]string) (prometheus.Gauge, error) {
	pl, err := labelsToPromLabels(g.name, g.labelNames, labels)
	if err != nil {
		return nil, err
	}
	return g.vec.GetMetricWith(pl)
}

// Set sets the gauge's value for the given label set.
func (g *Gauge) Set(value float64, labels map[string]string) error {
	m, err := g.metric(labels)
	if err != nil {
		return err
	}
	m.Set(value)
	return nil
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc(labels map[string]string) error {
	m, err := g.metric(labels)
	if err != nil {
		return err
	}
	m.Inc()
	return nil
}

// Dec decrements the gauge by 1.
func (g *Gauge) Dec(labels map[string]string) error {
	m, err := g.metric(labels)
	if err != nil {
		return err
	}
	m.Dec()
	return nil
}

// Gauge registers (or returns the existing) gauge instrument.
func (r *Registry) Gauge(name, help string, labelNames []string) (*Gauge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.gauges[name]; ok {
		return g, nil
	}

	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labelNames)
	if err := r.reg.Register(vec); err != nil {
		return nil, err
	}
	g := &Gauge{name: name, labelNames: labelNames, vec: vec}
	r.gauges[name] = g
	return g, nil
}

// defaultSampleCap bounds the rolling raw-sample buffer a Histogram keeps
// per label combination, used to compute p50/p90/p95/p99. This is separate
// from the Prometheus bucket boundaries, which remain exact sum/count.
const defaultSampleCap = 1000

// Histogram is a bucketed-observation instrument. In addition to the
// standard Prometheus sum/count/bucket exposition, it retains a capped
// rolling sample of raw observations per label combination so that
// Quantile can report true sample percentiles rather than bucket-boundary
// estimates.
type Histogram struct {
	name       string
	labelNames []string
	vec        *prometheus.HistogramVec

	mu      sync.Mutex
	samples map[string][]float64
	sampCap int
}

// Observe records a value for the given label set.
func (h *Histogram) Observe(value float64, labels map[string]string) error {
	pl, err := labelsToPromLabels(h.name, h.labelNames, labels)
	if err != nil {
		return err
	}
	m, err := h.vec.GetMetricWith(pl)
	if err != nil {
		return err
	}
	m.Observe(value)

	key := labelKey(h.labelNames, labels)
	h.mu.Lock()
	s := h.samples[key]
	if len(s) >= h.sampCap {
		// Drop the oldest to keep the rolling window bounded.
		s = s[1:]
	}
	h.samples[key] = append(s, value)
	h.mu.Unlock()
	return nil
}

// Quantile returns the q-th quantile (0 <= q <= 1) of the retained raw
// samples for the given label set. Returns 0, false if there are no
// samples yet.
func (h *Histogram) Quantile(q float64, labels map[string]string) (float64, bool) {
	key := labelKey(h.labelNames, labels)
	h.mu.Lock()
	s := append([]float64(nil), h.samples[key]...)
	h.mu.Unlock()

	if len(s) == 0 {
		return 0, false
	}
	sort.Float64s(s)
	idx := int(q * float64(len(s)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s) {
		idx = len(s) - 1
	}
	return s[idx], true
}

// Histogram registers (or returns the existing) histogram instrument. A nil
// or empty buckets slice uses prometheus.DefBuckets.
func (r *Registry) Histogram(name, help string, buckets []float64, labelNames []string) (*Histogram, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.histograms[name]; ok {
		return h, nil
	}

	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labelNames)
	if err := r.reg.Register(vec); err != nil {
		return nil, err
	}
	h := &Histogram{
		name:       name,
		labelNames: labelNames,
		vec:        vec,
		samples:    make(map[string][]float64),
		sampCap:    defaultSampleCap,
	}
	r.histograms[name] = h
	return h, nil
}

// Summary is a streaming-quantile instrument with caller-configured quantile
// objectives (e.g. {0.5: 0.05, 0.9: 0.01, 0.99: 0.001} — quantile: allowed
// rank error, per client_golang convention).
type Summary struct {
	name       string
	labelNames []string
	vec        *prometheus.SummaryVec
}

// Observe records a value for the given label set.
func (s *Summary) Observe(value float64, labels map[string]string) error {
	pl, err := labelsToPromLabels(s.name, s.labelNames, labels)
	if err != nil {
		return err
	}
	m, err := s.vec.GetMetricWith(pl)
	if err != nil {
		return err
	}
	m.Observe(value)
	return nil
}

// Summary registers (or returns the existing) summary instrument.
// maxSamples is passed to client_golang as BufCap, the size of the buffer
// that batches observations before they enter the quantile stream; 0 uses
// 10000. It does not bound the observations quantiles are computed over:
// those cover client_golang's default time window (MaxAge).
func (r *Registry) Summary(name, help string, objectives map[float64]float64, maxSamples int, labelNames []string) (*Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.summaries[name]; ok {
		return s, nil
	}

	if maxSamples <= 0 {
		maxSamples = 10000
	}
	if len(objectives) == 0 {
		objectives = map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.95: 0.005, 0.99: 0.001}
	}
	vec := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Name:       name,
		Help:       help,
		Objectives: objectives,
		BufCap:     uint32(maxSamples),
	}, labelNames)
	if err := r.reg.Register(vec); err != nil {
		return nil, err
	}
	s := &Summary{name: name, labelNames: labelNames, vec: vec}
	r.summaries[name] = s
	return s, nil
}

// Export renders every registered metric in standard Prometheus text
// exposition format.
func (r *Registry) Export() (string, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return "", fmt.Errorf("metrics: gather: %w", err)
	}

	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return "", fmt.Errorf("metrics: encode %s: %w", mf.GetName(), err)
		}
	}
	return buf.String(), nil
}

// Snapshot is a structured, non-Prometheus-format view of the registry's
// current state, suitable for JSON serialization or programmatic
// inspection (e.g. by cmd/agentdbctl's `metrics` subcommand).
type Snapshot struct {
	Families []FamilySnapshot `json:"families"`
}

// FamilySnapshot captures one metric family's gathered samples.
type FamilySnapshot struct {
	Name string        `json:"name"`
	Help string        `json:"help"`
	Type string        `json:"type"`
	Rows []SampleRow   `json:"rows"`
}

// SampleRow is one label-combination's observed value(s).
type SampleRow struct {
	Labels map[string]string `json:"labels"`
	Value  float64           `json:"value,omitempty"`
	Sum    float64           `json:"sum,omitempty"`
	Count  uint64            `json:"count,omitempty"`
}

// GetSnapshot gathers every registered metric family into a structured,
// serializable Snapshot.
func (r *Registry) GetSnapshot() (Snapshot, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return Snapshot{}, fmt.Errorf("metrics: gather: %w", err)
	}

	snap := Snapshot{Families: make([]FamilySnapshot, 0, len(families))}
	for _, mf := range families {
		fs := FamilySnapshot{Name: mf.GetName(), Help: mf.GetHelp(), Type: mf.GetType().String()}
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			row := SampleRow{Labels: labels}
			switch {
			case m.Counter != nil:
				row.Value = m.GetCounter().GetValue()
			case m.Gauge != nil:
				row.Value = m.GetGauge().GetValue()
			case m.Histogram != nil:
				row.Sum = m.GetHistogram().GetSampleSum()
				row.Count = m.GetHistogram().GetSampleCount()
			case m.Summary != nil:
				row.Sum = m.GetSummary().GetSampleSum()
				row.Count = m.GetSummary().GetSampleCount()
			}
			fs.Rows = append(fs.Rows, row)
		}
		snap.Families = append(snap.Families, fs)
	}
	return snap, nil
}
