package vectordb

import (
	"context"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/god-agent/agentdb/pkg/bus"
	"github.com/god-agent/agentdb/pkg/metrics"
	"github.com/god-agent/agentdb/pkg/vector"
)

func unitVector(seed int64) []float32 {
	rng := rand.New(rand.NewSource(seed))
	v := make([]float32, vector.Dim)
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

func newTestDB(t *testing.T) *DB {
	t.Helper()
	b := bus.New(bus.Config{QueueCapacity: 100, SocketPath: filepath.Join(t.TempDir(), "nope.sock")})
	t.Cleanup(b.Shutdown)
	db, err := New(vector.Dim, Config{Metric: vector.MetricCosine, Bus: b, Metrics: metrics.NewRegistry()})
	require.NoError(t, err)
	return db
}

func TestInsert_RejectsInvalidVector(t *testing.T) {
	db := newTestDB(t)
	_, err := db.Insert([]float32{1, 2, 3})
	require.Error(t, err)
}

func TestInsertAndSearch(t *testing.T) {
	db := newTestDB(t)
	v := unitVector(1)
	id, err := db.Insert(v)
	require.NoError(t, err)

	results, err := db.Search(context.Background(), v, 1, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, id, results[0].ID)
}

func TestBatchInsert_AtomicOnValidationFailure(t *testing.T) {
	db := newTestDB(t)
	vs := [][]float32{unitVector(2), {1, 2, 3}, unitVector(3)}

	_, err := db.BatchInsert(vs)
	require.Error(t, err)
	require.Equal(t, 0, db.Count())
}

func TestBatchInsert_Succeeds(t *testing.T) {
	db := newTestDB(t)
	vs := [][]float32{unitVector(4), unitVector(5), unitVector(6)}

	ids, err := db.BatchInsert(vs)
	require.NoError(t, err)
	require.Len(t, ids, 3)
	require.Equal(t, 3, db.Count())
}

func TestDeleteAndCount(t *testing.T) {
	db := newTestDB(t)
	id, err := db.Insert(unitVector(7))
	require.NoError(t, err)
	require.Equal(t, 1, db.Count())

	require.True(t, db.Delete(id))
	require.Equal(t, 0, db.Count())
	require.False(t, db.Delete(id))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	db := newTestDB(t)
	for i := 0; i < 5; i++ {
		_, err := db.Insert(unitVector(int64(10 + i)))
		require.NoError(t, err)
	}

	path := filepath.Join(t.TempDir(), "vectors.bin")
	require.NoError(t, db.Save(path))

	db2 := newTestDB(t)
	ok, err := db2.Load(path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 5, db2.Count())
}

func TestAutoSave_PersistsOnMutation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auto.bin")
	b := bus.New(bus.Config{QueueCapacity: 10, SocketPath: filepath.Join(t.TempDir(), "nope.sock")})
	t.Cleanup(b.Shutdown)
	db, err := New(vector.Dim, Config{Metric: vector.MetricCosine, AutoSave: true, AutoSavePath: path, Bus: b})
	require.NoError(t, err)

	_, err = db.Insert(unitVector(20))
	require.NoError(t, err)

	db2, err := New(vector.Dim, Config{Metric: vector.MetricCosine})
	require.NoError(t, err)
	ok, err := db2.Load(path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, db2.Count())
}
