// Package agentdb is the root façade wiring the hypergraph store, vector
// index, episode store, episode linker, observability bus, and metrics
// registry into a single embeddable engine, matching spec §6's persistence
// layout under a configurable base directory.
//
// Grounded on the teacher's own top-level package (its storage + embedding
// + search wiring), generalized here from a Bolt/Cypher server entrypoint
// to a library façade with no network surface: Open constructs every
// layer, New* constructors are never called directly by application code.
package agentdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/god-agent/agentdb/pkg/bus"
	"github.com/god-agent/agentdb/pkg/config"
	"github.com/god-agent/agentdb/pkg/episode"
	"github.com/god-agent/agentdb/pkg/graph"
	"github.com/god-agent/agentdb/pkg/hnsw"
	"github.com/god-agent/agentdb/pkg/linker"
	"github.com/god-agent/agentdb/pkg/metrics"
	"github.com/god-agent/agentdb/pkg/vector"
	"github.com/god-agent/agentdb/pkg/vectordb"
)

// DB is the engine: every component shares one base directory, one bus,
// and one metrics registry.
type DB struct {
	cfg *config.Config

	lock *flock.Flock

	Graph    *graph.Graph
	Vectors  *vectordb.DB
	Episodes *episode.Store
	Linker   *linker.Linker
	Bus      *bus.Bus
	Metrics  *metrics.Registry

	vectorsPath string
}

// layout names the files and directories Open creates beneath cfg.Storage.BaseDir.
type layout struct {
	graphsDir        string
	vectorsPath      string
	episodesPath     string
	episodeVectors   string
	timeIndexPath    string
}

func newLayout(baseDir string) layout {
	return layout{
		graphsDir:      filepath.Join(baseDir, "graphs", "default"),
		vectorsPath:    filepath.Join(baseDir, "vectors.bin"),
		episodesPath:   filepath.Join(baseDir, "episodes.db"),
		episodeVectors: filepath.Join(baseDir, "episode-vectors.bin"),
		timeIndexPath:  filepath.Join(baseDir, "time-index.bin"),
	}
}

// Open brings up every layer under cfg.Storage.BaseDir, taking an
// exclusive advisory lock on the directory first (spec §5: concurrent
// processes on the same directory must fail fast).
func Open(cfg *config.Config) (*DB, error) {
	if cfg == nil {
		cfg = config.LoadFromEnv()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("agentdb: invalid config: %w", err)
	}

	if err := os.MkdirAll(cfg.Storage.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("agentdb: creating base dir: %w", err)
	}

	lockPath := filepath.Join(cfg.Storage.BaseDir, ".lock")
	fl := flock.New(lockPath)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Storage.LockTimeout)
	defer cancel()
	locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("agentdb: acquiring lock on %s: %w", lockPath, err)
	}
	if !locked {
		return nil, fmt.Errorf("agentdb: base dir %s is locked by another process", cfg.Storage.BaseDir)
	}

	db, err := open(cfg, fl)
	if err != nil {
		_ = fl.Unlock()
		return nil, err
	}
	return db, nil
}

func open(cfg *config.Config, fl *flock.Flock) (*DB, error) {
	b := bus.New(bus.Config{
		QueueCapacity: 10000,
		SocketPath:    cfg.Bus.SocketPath,
	})
	metricsReg := metrics.NewRegistry()

	l := newLayout(cfg.Storage.BaseDir)

	g, err := graph.Open(graph.Config{
		DataDir:   l.graphsDir,
		Dimension: vector.Dim,
		Bus:       b,
		Metrics:   metricsReg,
	})
	if err != nil {
		return nil, fmt.Errorf("agentdb: opening graph store: %w", err)
	}

	vdb, err := vectordb.New(vector.Dim, vectordb.Config{
		Metric:         vector.Metric(cfg.HNSW.Metric),
		Backend:        hnsw.BackendAuto,
		M:              cfg.HNSW.M,
		EfConstruction: cfg.HNSW.EfConstruction,
		EfSearch:       cfg.HNSW.EfSearch,
		AutoSave:       true,
		AutoSavePath:   l.vectorsPath,
		Bus:            b,
		Metrics:        metricsReg,
	})
	if err != nil {
		_ = g.Close()
		return nil, fmt.Errorf("agentdb: opening vector db: %w", err)
	}
	if _, err := vdb.Load(l.vectorsPath); err != nil {
		_ = g.Close()
		return nil, fmt.Errorf("agentdb: loading vector snapshot: %w", err)
	}

	store, err := episode.Open(episode.Config{
		Path:           l.episodesPath,
		Dimension:      vector.Dim,
		VectorPath:     l.episodeVectors,
		TimeIndexOrder: 0,
		Bus:            b,
		Metrics:        metricsReg,
	})
	if err != nil {
		_ = g.Close()
		return nil, fmt.Errorf("agentdb: opening episode store: %w", err)
	}

	lk, err := linker.New(store)
	if err != nil {
		_ = store.Close()
		_ = g.Close()
		return nil, fmt.Errorf("agentdb: building episode linker: %w", err)
	}

	return &DB{
		cfg:         cfg,
		lock:        fl,
		Graph:       g,
		Vectors:     vdb,
		Episodes:    store,
		Linker:      lk,
		Bus:         b,
		Metrics:     metricsReg,
		vectorsPath: l.vectorsPath,
	}, nil
}

// Save persists the vector index snapshot and the episode store's vector
// index, with retry. The episode time index is not written to disk.
func (db *DB) Save() error {
	if err := vector.WithRetry(context.Background(), vector.DefaultRetryConfig("agentdb.save"), func(ctx context.Context) error {
		return db.Vectors.Save(db.vectorsPath)
	}); err != nil {
		return fmt.Errorf("agentdb: saving vector db: %w", err)
	}
	if err := db.Episodes.Save(); err != nil {
		return fmt.Errorf("agentdb: saving episode store: %w", err)
	}
	return nil
}

// Integrity runs the hypergraph's integrity check, per spec §4.4.
func (db *DB) Integrity() (*graph.IntegrityReport, error) {
	return db.Graph.ValidateIntegrity()
}

// Close flushes every component and releases the base-directory lock.
func (db *DB) Close() error {
	var errs []error
	if err := db.Save(); err != nil {
		errs = append(errs, err)
	}
	if err := db.Episodes.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := db.Graph.Close(); err != nil {
		errs = append(errs, err)
	}
	db.Bus.Shutdown()
	if err := db.lock.Unlock(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("agentdb: close: %v", errs)
	}
	return nil
}
