package hnsw

import (
	"context"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/god-agent/agentdb/pkg/vector"
)

func randomUnitVector(dim int, seed int64) []float32 {
	rng := rand.New(rand.NewSource(seed))
	v := make([]float32, dim)
	var norm float64
	for i := range v {
		x := rng.Float64()*2 - 1
		v[i] = float32(x)
		norm += x * x
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

func newTestGraph(t *testing.T) Index {
	t.Helper()
	idx, err := New(Config{Dimension: 16, Metric: vector.MetricCosine, Backend: BackendNative, M: 8, EfConstruction: 64, EfSearch: 32})
	require.NoError(t, err)
	return idx
}

func TestGraph_InsertAndSearchFindsSelf(t *testing.T) {
	idx := newTestGraph(t)
	v := randomUnitVector(16, 1)
	id, err := idx.Insert(v)
	require.NoError(t, err)

	results, err := idx.Search(context.Background(), v, 1, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, id, results[0].ID)
	require.InDelta(t, 1.0, results[0].Score, 1e-4)
}

func TestGraph_SearchOrdersBestFirst(t *testing.T) {
	idx := newTestGraph(t)
	base := randomUnitVector(16, 2)
	idBase, err := idx.Insert(base)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, err := idx.Insert(randomUnitVector(16, int64(100+i)))
		require.NoError(t, err)
	}

	results, err := idx.Search(context.Background(), base, 5, false)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, idBase, results[0].ID)
	for i := 1; i < len(results); i++ {
		require.LessOrEqual(t, results[i].Score, results[i-1].Score)
	}
}

func TestGraph_DeleteRemovesFromSearch(t *testing.T) {
	idx := newTestGraph(t)
	v := randomUnitVector(16, 3)
	id, err := idx.Insert(v)
	require.NoError(t, err)
	require.Equal(t, 1, idx.Count())

	require.True(t, idx.Delete(id))
	require.Equal(t, 0, idx.Count())

	_, ok := idx.GetVector(id)
	require.False(t, ok)

	results, err := idx.Search(context.Background(), v, 5, false)
	require.NoError(t, err)
	for _, r := range results {
		require.NotEqual(t, id, r.ID)
	}
}

func TestGraph_InsertWithIDReplaces(t *testing.T) {
	idx := newTestGraph(t)
	v1 := randomUnitVector(16, 4)
	v2 := randomUnitVector(16, 5)

	require.NoError(t, idx.InsertWithID("fixed", v1))
	require.Equal(t, 1, idx.Count())
	require.NoError(t, idx.InsertWithID("fixed", v2))
	require.Equal(t, 1, idx.Count())

	got, ok := idx.GetVector("fixed")
	require.True(t, ok)
	require.InDelta(t, float64(v2[0]), float64(got[0]), 1e-6)
}

func TestGraph_SaveLoadRoundTrip(t *testing.T) {
	idx := newTestGraph(t)
	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		id, err := idx.Insert(randomUnitVector(16, int64(200+i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	path := filepath.Join(t.TempDir(), "snap.bin")
	require.NoError(t, idx.Save(path))

	idx2, err := New(Config{Dimension: 16, Metric: vector.MetricCosine, Backend: BackendNative})
	require.NoError(t, err)
	ok, err := idx2.Load(path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 5, idx2.Count())

	for _, id := range ids {
		original, ok1 := idx.GetVector(id)
		restored, ok2 := idx2.GetVector(id)
		require.True(t, ok1)
		require.True(t, ok2)
		for i := range original {
			require.InDelta(t, float64(original[i]), float64(restored[i]), 1e-6)
		}
	}
}

func TestGraph_LoadMissingFileReturnsFalse(t *testing.T) {
	idx := newTestGraph(t)
	ok, err := idx.Load(filepath.Join(t.TempDir(), "does-not-exist.bin"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGraph_LoadWrongDimensionErrors(t *testing.T) {
	idx16, err := New(Config{Dimension: 16, Metric: vector.MetricCosine, Backend: BackendNative})
	require.NoError(t, err)
	_, err = idx16.Insert(randomUnitVector(16, 7))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "snap16.bin")
	require.NoError(t, idx16.Save(path))

	idx8, err := New(Config{Dimension: 8, Metric: vector.MetricCosine, Backend: BackendNative})
	require.NoError(t, err)
	_, err = idx8.Load(path)
	require.Error(t, err)
}

func TestLinear_MatchesContract(t *testing.T) {
	idx, err := New(Config{Dimension: 16, Metric: vector.MetricEuclidean, Backend: BackendFallback})
	require.NoError(t, err)

	v1 := randomUnitVector(16, 10)
	v2 := randomUnitVector(16, 11)
	id1, err := idx.Insert(v1)
	require.NoError(t, err)
	_, err = idx.Insert(v2)
	require.NoError(t, err)

	results, err := idx.Search(context.Background(), v1, 1, true)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, id1, results[0].ID)
	require.InDelta(t, 0, results[0].Score, 1e-4)
	require.NotNil(t, results[0].Vector)
}

func TestClear_ResetsCount(t *testing.T) {
	idx := newTestGraph(t)
	_, err := idx.Insert(randomUnitVector(16, 42))
	require.NoError(t, err)
	idx.Clear()
	require.Equal(t, 0, idx.Count())
}

func TestNew_RejectsUnknownMetric(t *testing.T) {
	_, err := New(Config{Dimension: 16, Metric: "bogus"})
	require.Error(t, err)
}
