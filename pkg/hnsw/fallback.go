package hnsw

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/god-agent/agentdb/pkg/vector"
)

// Linear is the pure linear-scan fallback backend. It exists so the
// correctness contract never depends on the graph's approximate recall —
// spec §4.5/§9 requires exactly this ("a linear-scan implementation must
// suffice for correctness").
type Linear struct {
	mu        sync.RWMutex
	dimension int
	metric    vector.Metric
	vectors   map[string][]float32
}

func newLinear(cfg Config) *Linear {
	return &Linear{
		dimension: cfg.Dimension,
		metric:    cfg.Metric,
		vectors:   make(map[string][]float32),
	}
}

func (l *Linear) Insert(v []float32) (string, error) {
	if err := vector.AssertDimensions(v, l.dimension, "hnsw.Insert"); err != nil {
		return "", err
	}
	id := uuid.NewString()
	l.mu.Lock()
	l.vectors[id] = vector.Copy(v)
	l.mu.Unlock()
	return id, nil
}

func (l *Linear) InsertWithID(id string, v []float32) error {
	if err := vector.AssertDimensions(v, l.dimension, "hnsw.InsertWithID"); err != nil {
		return err
	}
	l.mu.Lock()
	l.vectors[id] = vector.Copy(v)
	l.mu.Unlock()
	return nil
}

func (l *Linear) Search(ctx context.Context, query []float32, k int, includeVectors bool) ([]SearchResult, error) {
	if err := vector.AssertDimensions(query, l.dimension, "hnsw.Search"); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	results := make([]SearchResult, 0, len(l.vectors))
	for id, v := range l.vectors {
		results = append(results, SearchResult{ID: id, Score: vector.Distance(l.metric, query, v)})
	}

	better := vector.IsSimilarityMetric(l.metric)
	sort.Slice(results, func(i, j int) bool {
		if better {
			return results[i].Score > results[j].Score
		}
		return results[i].Score < results[j].Score
	})

	if len(results) > k {
		results = results[:k]
	}
	if includeVectors {
		for i := range results {
			results[i].Vector = vector.Copy(l.vectors[results[i].ID])
		}
	}
	return results, nil
}

func (l *Linear) GetVector(id string) ([]float32, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.vectors[id]
	if !ok {
		return nil, false
	}
	return vector.Copy(v), true
}

func (l *Linear) Delete(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.vectors[id]; !ok {
		return false
	}
	delete(l.vectors, id)
	return true
}

func (l *Linear) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.vectors)
}

func (l *Linear) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.vectors = make(map[string][]float32)
}

func (l *Linear) Save(path string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return writeSnapshot(path, l.dimension, l.vectors)
}

func (l *Linear) Load(path string) (bool, error) {
	vecs, ok, err := readSnapshot(path, l.dimension)
	if err != nil || !ok {
		return ok, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.vectors = vecs
	return true, nil
}
