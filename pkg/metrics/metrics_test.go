package metrics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCounter_IncAndAdd(t *testing.T) {
	r := NewRegistry()
	c, err := r.Counter("agentdb_ops_total", "total ops", []string{"op"})
	require.NoError(t, err)

	require.NoError(t, c.Inc(map[string]string{"op": "insert"}))
	require.NoError(t, c.Add(4, map[string]string{"op": "insert"}))

	snap, err := r.GetSnapshot()
	require.NoError(t, err)
	require.Len(t, snap.Families, 1)
	require.Equal(t, float64(5), snap.Families[0].Rows[0].Value)
}

func TestCounter_MissingLabel(t *testing.T) {
	r := NewRegistry()
	c, err := r.Counter("agentdb_ops_total", "total ops", []string{"op"})
	require.NoError(t, err)

	err = c.Inc(map[string]string{})
	require.Error(t, err)
	var missing *ErrMissingLabel
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "op", missing.Label)
}

func TestGauge_SetIncDec(t *testing.T) {
	r := NewRegistry()
	g, err := r.Gauge("agentdb_queue_depth", "queue depth", []string{"bus"})
	require.NoError(t, err)

	labels := map[string]string{"bus": "default"}
	require.NoError(t, g.Set(10, labels))
	require.NoError(t, g.Inc(labels))
	require.NoError(t, g.Dec(labels))

	snap, err := r.GetSnapshot()
	require.NoError(t, err)
	require.Equal(t, float64(10), snap.Families[0].Rows[0].Value)
}

func TestHistogram_ObserveAndQuantile(t *testing.T) {
	r := NewRegistry()
	h, err := r.Histogram("agentdb_search_latency_ms", "search latency", nil, []string{"metric"})
	require.NoError(t, err)

	labels := map[string]string{"metric": "cosine"}
	for i := 1; i <= 100; i++ {
		require.NoError(t, h.Observe(float64(i), labels))
	}

	p50, ok := h.Quantile(0.5, labels)
	require.True(t, ok)
	require.InDelta(t, 50, p50, 2)

	p99, ok := h.Quantile(0.99, labels)
	require.True(t, ok)
	require.InDelta(t, 99, p99, 2)
}

func TestHistogram_QuantileEmpty(t *testing.T) {
	r := NewRegistry()
	h, err := r.Histogram("agentdb_empty_hist", "unused", nil, []string{"metric"})
	require.NoError(t, err)

	_, ok := h.Quantile(0.5, map[string]string{"metric": "x"})
	require.False(t, ok)
}

func TestSummary_Observe(t *testing.T) {
	r := NewRegistry()
	s, err := r.Summary("agentdb_insert_latency_ms", "insert latency", nil, 0, []string{"store"})
	require.NoError(t, err)

	labels := map[string]string{"store": "vectordb"}
	for i := 0; i < 50; i++ {
		require.NoError(t, s.Observe(float64(i), labels))
	}

	snap, err := r.GetSnapshot()
	require.NoError(t, err)
	require.Equal(t, uint64(50), snap.Families[0].Rows[0].Count)
}

func TestRegistry_RegisterIdempotent(t *testing.T) {
	r := NewRegistry()
	c1, err := r.Counter("agentdb_dup", "dup", []string{"op"})
	require.NoError(t, err)
	c2, err := r.Counter("agentdb_dup", "dup", []string{"op"})
	require.NoError(t, err)
	require.Same(t, c1, c2)
}

func TestExport_ProducesPrometheusText(t *testing.T) {
	r := NewRegistry()
	c, err := r.Counter("agentdb_export_total", "exported total", []string{"op"})
	require.NoError(t, err)
	require.NoError(t, c.Inc(map[string]string{"op": "insert"}))

	text, err := r.Export()
	require.NoError(t, err)
	require.True(t, strings.Contains(text, "agentdb_export_total"))
	require.True(t, strings.Contains(text, "# HELP"))
	require.True(t, strings.Contains(text, "# TYPE"))
}
