// Package vectordb implements agentdb's standalone vector database: an
// HNSW-backed store of identified, validated embeddings with save/load,
// batch insert, and full observability-bus/metrics instrumentation.
//
// Grounded on the teacher's pkg/storage/badger.go for the
// validate-then-persist-with-retry-then-emit shape (the storage engine's
// CreateNode path), generalized here from a BadgerDB-backed node store to
// an in-memory HNSW graph with its own binary snapshot.
package vectordb

import (
	"context"
	"fmt"
	"time"

	"github.com/god-agent/agentdb/pkg/bus"
	"github.com/god-agent/agentdb/pkg/hnsw"
	"github.com/god-agent/agentdb/pkg/metrics"
	"github.com/god-agent/agentdb/pkg/vector"
)

// Result is one ranked search hit.
type Result struct {
	ID         string
	Similarity float64
	Vector     []float32
}

// Config configures a DB.
type Config struct {
	Metric  vector.Metric
	Backend hnsw.Backend

	M              int
	EfConstruction int
	EfSearch       int

	// AutoSave, when true, persists to AutoSavePath (with retry) after
	// every mutating operation, per spec §4.5.
	AutoSave     bool
	AutoSavePath string

	Bus     *bus.Bus
	Metrics *metrics.Registry
}

// DB is an HNSW-backed vector database enforcing the validation contract
// (pkg/vector) at every boundary.
type DB struct {
	index hnsw.Index
	cfg   Config

	insertCounter   *metrics.Counter
	searchCounter   *metrics.Counter
	searchHistogram *metrics.Histogram
}

// New constructs a DB whose index has the given dimension. Insert,
// InsertWithID, BatchInsert and Search validate every vector against
// vector.Dim (1536) first, so a DB built with any other dimension rejects
// every vector.
func New(dimension int, cfg Config) (*DB, error) {
	if cfg.Metric == "" {
		cfg.Metric = vector.MetricCosine
	}
	idx, err := hnsw.New(hnsw.Config{
		Dimension:      dimension,
		Metric:         cfg.Metric,
		Backend:        cfg.Backend,
		M:              cfg.M,
		EfConstruction: cfg.EfConstruction,
		EfSearch:       cfg.EfSearch,
	})
	if err != nil {
		return nil, fmt.Errorf("vectordb: %w", err)
	}

	db := &DB{index: idx, cfg: cfg}
	if cfg.Metrics != nil {
		db.insertCounter, _ = cfg.Metrics.Counter("agentdb_vectordb_inserts_total", "vector DB inserts", []string{"op"})
		db.searchCounter, _ = cfg.Metrics.Counter("agentdb_vectordb_searches_total", "vector DB searches", []string{"status"})
		db.searchHistogram, _ = cfg.Metrics.Histogram("agentdb_vectordb_search_latency_ms", "vector DB search latency", nil, []string{"metric"})
	}
	return db, nil
}

func (db *DB) emit(op, status string, durationMs float64, meta map[string]any) {
	if db.cfg.Bus == nil {
		return
	}
	db.cfg.Bus.Emit(bus.Event{Component: "vectordb", Operation: op, Status: status, DurationMs: durationMs, Metadata: meta})
}

func (db *DB) maybeAutoSave() error {
	if !db.cfg.AutoSave || db.cfg.AutoSavePath == "" {
		return nil
	}
	return vector.WithRetry(context.Background(), vector.DefaultRetryConfig("vectordb.autosave"), func(ctx context.Context) error {
		return db.index.Save(db.cfg.AutoSavePath)
	})
}

// Insert validates v, assigns a new UUID, and stores it.
func (db *DB) Insert(v []float32) (string, error) {
	db.emit("insert", "started", 0, nil)
	start := time.Now()

	cv, err := vector.CreateValidatedVector(v)
	if err != nil {
		db.emit("insert", "failed", 0, map[string]any{"error": err.Error()})
		return "", err
	}

	id, err := db.index.Insert(cv)
	if err != nil {
		db.emit("insert", "failed", 0, map[string]any{"error": err.Error()})
		return "", err
	}
	if err := db.maybeAutoSave(); err != nil {
		db.emit("insert", "failed", 0, map[string]any{"error": err.Error()})
		return "", err
	}

	if db.insertCounter != nil {
		_ = db.insertCounter.Inc(map[string]string{"op": "insert"})
	}
	db.emit("insert", "completed", float64(time.Since(start).Milliseconds()), map[string]any{"id": id})
	return id, nil
}

// InsertWithID validates v and stores it under id, replacing any existing
// vector with that id.
func (db *DB) InsertWithID(id string, v []float32) error {
	db.emit("insert", "started", 0, map[string]any{"id": id})
	start := time.Now()

	cv, err := vector.CreateValidatedVector(v)
	if err != nil {
		db.emit("insert", "failed", 0, map[string]any{"error": err.Error()})
		return err
	}
	if err := db.index.InsertWithID(id, cv); err != nil {
		db.emit("insert", "failed", 0, map[string]any{"error": err.Error()})
		return err
	}
	if err := db.maybeAutoSave(); err != nil {
		db.emit("insert", "failed", 0, map[string]any{"error": err.Error()})
		return err
	}

	if db.insertCounter != nil {
		_ = db.insertCounter.Inc(map[string]string{"op": "insertWithId"})
	}
	db.emit("insert", "completed", float64(time.Since(start).Milliseconds()), map[string]any{"id": id})
	return nil
}

// BatchInsert validates every vector first, then inserts all atomically
// (all-or-nothing): if any validation fails, nothing is inserted.
func (db *DB) BatchInsert(vs [][]float32) ([]string, error) {
	db.emit("batch_operation", "started", 0, map[string]any{"count": len(vs)})
	start := time.Now()

	validated := make([][]float32, len(vs))
	for i, v := range vs {
		cv, err := vector.CreateValidatedVector(v)
		if err != nil {
			db.emit("batch_operation", "failed", 0, map[string]any{"error": err.Error(), "index": i})
			return nil, fmt.Errorf("vectordb: batch insert validation failed at index %d: %w", i, err)
		}
		validated[i] = cv
	}

	ids := make([]string, len(validated))
	for i, v := range validated {
		id, err := db.index.Insert(v)
		if err != nil {
			db.emit("batch_operation", "failed", 0, map[string]any{"error": err.Error(), "index": i})
			return nil, err
		}
		ids[i] = id
	}
	if err := db.maybeAutoSave(); err != nil {
		db.emit("batch_operation", "failed", 0, map[string]any{"error": err.Error()})
		return nil, err
	}

	if db.insertCounter != nil {
		_ = db.insertCounter.Add(float64(len(ids)), map[string]string{"op": "batchInsert"})
	}
	db.emit("batch_operation", "completed", float64(time.Since(start).Milliseconds()), map[string]any{"count": len(ids)})
	return ids, nil
}

// Search returns the k best matches to q, ordered best-first.
func (db *DB) Search(ctx context.Context, q []float32, k int, includeVectors bool) ([]Result, error) {
	db.emit("search", "started", 0, map[string]any{"k": k})
	start := time.Now()

	if k <= 0 {
		k = 10
	}
	cv, err := vector.CreateValidatedVector(q)
	if err != nil {
		db.emit("search", "failed", 0, map[string]any{"error": err.Error()})
		if db.searchCounter != nil {
			_ = db.searchCounter.Inc(map[string]string{"status": "failed"})
		}
		return nil, err
	}

	hits, err := db.index.Search(ctx, cv, k, includeVectors)
	elapsed := float64(time.Since(start).Milliseconds())
	if err != nil {
		db.emit("search", "failed", elapsed, map[string]any{"error": err.Error()})
		if db.searchCounter != nil {
			_ = db.searchCounter.Inc(map[string]string{"status": "failed"})
		}
		return nil, err
	}

	results := make([]Result, len(hits))
	for i, h := range hits {
		results[i] = Result{ID: h.ID, Similarity: h.Score, Vector: h.Vector}
	}

	if db.searchCounter != nil {
		_ = db.searchCounter.Inc(map[string]string{"status": "completed"})
	}
	if db.searchHistogram != nil {
		_ = db.searchHistogram.Observe(elapsed, map[string]string{"metric": string(db.cfg.Metric)})
	}
	db.emit("search", "completed", elapsed, map[string]any{"hits": len(results)})
	return results, nil
}

// GetVector returns a copy of the stored vector for id, if present.
func (db *DB) GetVector(id string) ([]float32, bool) {
	return db.index.GetVector(id)
}

// Delete removes id, reporting whether it was present.
func (db *DB) Delete(id string) bool {
	ok := db.index.Delete(id)
	if ok {
		_ = db.maybeAutoSave()
	}
	return ok
}

// Count returns the number of live vectors.
func (db *DB) Count() int { return db.index.Count() }

// Clear removes every vector.
func (db *DB) Clear() { db.index.Clear() }

// Save persists the index to path, with retry.
func (db *DB) Save(path string) error {
	return vector.WithRetry(context.Background(), vector.DefaultRetryConfig("vectordb.save"), func(ctx context.Context) error {
		return db.index.Save(path)
	})
}

// Load restores the index from path. Returns false (not an error) if path
// does not exist.
func (db *DB) Load(path string) (bool, error) {
	return db.index.Load(path)
}
