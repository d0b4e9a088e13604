// Package hnsw implements agentdb's approximate nearest-neighbour index.
//
// Two backends satisfy the same narrow Index contract: Graph, a real
// multi-layer hierarchical navigable small world graph (the "native"
// backend), and Linear, a pure linear-scan fallback that exists so
// correctness never depends on the graph's approximate behaviour. Both
// round-trip through the same persistent binary snapshot format.
//
// Grounded on the teacher's pkg/index/index.go, which documents exactly
// this parameter set (M, efConstruction, efSearch) and multi-layer
// navigation idea but stubs the algorithm itself with a brute-force
// fallback; Graph here is the real implementation that stub was
// describing, generalized to the configurable-metric contract.
package hnsw

import (
	"context"
	"errors"
	"fmt"

	"github.com/god-agent/agentdb/pkg/vector"
)

// Backend selects which Index implementation New constructs.
type Backend string

const (
	// BackendAuto picks Graph, falling back to Linear only if Graph
	// construction fails (which, for the pure in-memory implementation
	// here, it never does — Auto and Native are equivalent today, but the
	// distinction is kept so a future real native library can slot in
	// without changing callers).
	BackendAuto Backend = "auto"
	// BackendNative forces the graph-based approximate index.
	BackendNative Backend = "native"
	// BackendFallback forces the linear-scan exact index.
	BackendFallback Backend = "fallback"
)

// ErrNotFound is returned by operations addressing a vector id that does
// not exist (or has been deleted).
var ErrNotFound = errors.New("hnsw: vector not found")

// SearchResult is one ranked hit. Score's meaning depends on Metric:
// for Cosine/Dot, higher is better; for Euclidean/Manhattan, lower is
// better. Results are always ordered best-first regardless.
type SearchResult struct {
	ID     string
	Score  float64
	Vector []float32
}

// Index is the narrow contract both backends satisfy — small enough that
// a future real ANN library could implement it directly.
type Index interface {
	Insert(v []float32) (string, error)
	InsertWithID(id string, v []float32) error
	Search(ctx context.Context, query []float32, k int, includeVectors bool) ([]SearchResult, error)
	GetVector(id string) ([]float32, bool)
	Delete(id string) bool
	Count() int
	Save(path string) error
	Load(path string) (bool, error)
	Clear()
}

// Config configures a new Index. Defaults match spec's advisory HNSW
// parameters: M=32, efConstruction=200, efSearch=50.
type Config struct {
	Dimension      int
	Metric         vector.Metric
	Backend        Backend
	M              int
	EfConstruction int
	EfSearch       int
}

// DefaultConfig returns the advisory-default configuration for the given
// dimension and metric.
func DefaultConfig(dimension int, metric vector.Metric) Config {
	return Config{
		Dimension:      dimension,
		Metric:         metric,
		Backend:        BackendAuto,
		M:              32,
		EfConstruction: 200,
		EfSearch:       50,
	}
}

// New constructs an Index per cfg.Backend.
func New(cfg Config) (Index, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("hnsw: dimension must be positive, got %d", cfg.Dimension)
	}
	if !vector.IsSimilarityMetric(cfg.Metric) && cfg.Metric != vector.MetricEuclidean && cfg.Metric != vector.MetricManhattan {
		return nil, fmt.Errorf("hnsw: unknown metric %q", cfg.Metric)
	}

	switch cfg.Backend {
	case BackendFallback:
		return newLinear(cfg), nil
	case BackendNative, BackendAuto, "":
		return newGraph(cfg), nil
	default:
		return nil, fmt.Errorf("hnsw: unknown backend %q", cfg.Backend)
	}
}
