// Package episode implements agentdb's episode store: a hybrid of a
// relational table (episodes + episode_links junction), an HNSW vector
// index keyed by episode id (pkg/vectordb), and a B+-tree time index
// (pkg/btree), exactly as spec'd.
//
// The relational half is grounded on the parameterized-query,
// QueryContext/row-scanning style of the pack's hypergraph query layer,
// using github.com/mattn/go-sqlite3 as the driver. WAL journaling mirrors
// the durability intent of the teacher's own write-ahead log.
package episode

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "github.com/mattn/go-sqlite3"

	"github.com/god-agent/agentdb/pkg/btree"
	"github.com/god-agent/agentdb/pkg/bus"
	"github.com/god-agent/agentdb/pkg/metrics"
	"github.com/god-agent/agentdb/pkg/vector"
	"github.com/god-agent/agentdb/pkg/vectordb"
)

const schema = `
CREATE TABLE IF NOT EXISTS episodes (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	end_time INTEGER,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_episodes_task_id ON episodes(task_id);
CREATE INDEX IF NOT EXISTS idx_episodes_start_time ON episodes(start_time);

CREATE TABLE IF NOT EXISTS episode_links (
	source_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	link_type TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (source_id, target_id)
);
CREATE INDEX IF NOT EXISTS idx_episode_links_target ON episode_links(target_id);
`

// Config configures a Store.
type Config struct {
	// Path is the SQLite file path, or ":memory:" for an in-memory store.
	Path string

	// Dimension is the width of the episode vector index; 0 uses vector.Dim.
	// Embeddings are validated against vector.Dim (1536) before they reach
	// the index, so any other value makes every embedding insert fail.
	Dimension int

	// VectorPath is where the episode vector index autosaves to; empty
	// disables autosave.
	VectorPath string

	// TimeIndexOrder is the B+-tree order for the time index; 0 uses
	// btree.DefaultOrder.
	TimeIndexOrder int

	Bus     *bus.Bus
	Metrics *metrics.Registry
}

// Store is the episode store: relational table + vector index + time
// index, kept consistent by a single owning transaction per write.
type Store struct {
	db      *sql.DB
	vectors *vectordb.DB
	times   *btree.Tree
	cfg     Config

	opCounter *metrics.Counter
}

// Open opens (creating if necessary) the episode store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("episode: open sqlite: %w", err)
	}
	if path == ":memory:" {
		// Every connection to ":memory:" gets its own empty database, so
		// the pool is held to one connection that carries the schema.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("episode: apply schema: %w", err)
	}

	dim := cfg.Dimension
	if dim == 0 {
		dim = vector.Dim
	}
	vdb, err := vectordb.New(dim, vectordb.Config{
		AutoSave:     cfg.VectorPath != "",
		AutoSavePath: cfg.VectorPath,
		Bus:          cfg.Bus,
		Metrics:      cfg.Metrics,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("episode: open vector index: %w", err)
	}

	order := cfg.TimeIndexOrder
	if order == 0 {
		order = btree.DefaultOrder
	}

	s := &Store{db: db, vectors: vdb, times: btree.New(order), cfg: cfg}
	if cfg.Metrics != nil {
		s.opCounter, _ = cfg.Metrics.Counter("agentdb_episode_ops_total", "episode store operations", []string{"op", "status"})
	}
	return s, nil
}

func (s *Store) emit(op, status string, meta map[string]any) {
	if s.cfg.Bus == nil {
		return
	}
	s.cfg.Bus.Emit(bus.Event{Component: "episode", Operation: op, Status: status, Metadata: meta})
}

func (s *Store) count(op, status string) {
	if s.opCounter != nil {
		_ = s.opCounter.Inc(map[string]string{"op": op, "status": status})
	}
}

// CreateEpisode validates opts, then inserts the row, link rows, and
// embedding atomically inside a single transaction retried via withRetry.
func (s *Store) CreateEpisode(opts CreateOptions) (string, error) {
	if opts.TaskID == "" {
		return "", &ValidationError{Reason: "taskId is required"}
	}
	if opts.EndTime != nil && opts.EndTime.Before(opts.StartTime) {
		return "", &ValidationError{Reason: "endTime must be >= startTime"}
	}
	if len(opts.Links) > MaxLinksPerEpisode {
		return "", &ValidationError{Reason: fmt.Sprintf("link count %d exceeds max %d", len(opts.Links), MaxLinksPerEpisode)}
	}
	if err := validateMetadata(opts.Metadata); err != nil {
		return "", err
	}

	var cv []float32
	if opts.Embedding != nil {
		var err error
		cv, err = vector.CreateValidatedVector(opts.Embedding)
		if err != nil {
			return "", err
		}
	}

	id := uuid.NewString()
	now := time.Now()
	metaJSON, err := json.Marshal(opts.Metadata)
	if err != nil {
		return "", &ValidationError{Reason: "metadata must be JSON-serialisable"}
	}
	if len(metaJSON) > MaxMetadataBytes {
		return "", &ValidationError{Reason: fmt.Sprintf("serialised metadata is %d bytes, exceeds max %d", len(metaJSON), MaxMetadataBytes)}
	}

	s.emit("create", "started", map[string]any{"taskId": opts.TaskID})

	err = vector.WithRetry(context.Background(), vector.DefaultRetryConfig("episode.create"), func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return &StorageError{Message: "begin transaction", Cause: err}
		}
		defer tx.Rollback()

		var endTime any
		if opts.EndTime != nil {
			endTime = opts.EndTime.UnixMilli()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO episodes (id, task_id, start_time, end_time, metadata, created_at, updated_at) VALUES (?,?,?,?,?,?,?)`,
			id, opts.TaskID, opts.StartTime.UnixMilli(), endTime, string(metaJSON), now.UnixMilli(), now.UnixMilli(),
		); err != nil {
			return &StorageError{Message: "insert episode row", Cause: err}
		}

		for _, l := range opts.Links {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO episode_links (source_id, target_id, link_type, created_at) VALUES (?,?,?,?)`,
				id, l.TargetID, l.LinkType, now.UnixMilli(),
			); err != nil {
				return &StorageError{Message: "insert link row", Cause: err}
			}
		}

		if cv != nil {
			if err := s.vectors.InsertWithID(id, cv); err != nil {
				return &StorageError{Message: "insert embedding", Cause: err}
			}
		}

		if err := tx.Commit(); err != nil {
			if cv != nil {
				s.vectors.Delete(id)
			}
			return &StorageError{Message: "commit transaction", Cause: err}
		}
		return nil
	})
	if err != nil {
		s.emit("create", "failed", map[string]any{"error": err.Error()})
		s.count("create", "failed")
		return "", err
	}

	s.times.Insert(opts.StartTime.UnixMilli(), id)

	s.emit("create", "completed", map[string]any{"id": id})
	s.count("create", "completed")
	return id, nil
}

// GetByID returns the episode, or ErrNotFound.
func (s *Store) GetByID(id string) (*Episode, error) {
	row := s.db.QueryRow(`SELECT id, task_id, start_time, end_time, metadata, created_at, updated_at FROM episodes WHERE id = ?`, id)
	ep, err := scanEpisode(row)
	if err != nil {
		return nil, err
	}
	if v, ok := s.vectors.GetVector(id); ok {
		ep.Embedding = v
	}
	return ep, nil
}

func scanRowScanner(s rowScanner) (*Episode, error) {
	var ep Episode
	var endTime sql.NullInt64
	var startMs, createdMs, updatedMs int64
	var metaJSON string

	if err := s.Scan(&ep.ID, &ep.TaskID, &startMs, &endTime, &metaJSON, &createdMs, &updatedMs); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("episode: scan: %w", err)
	}

	ep.StartTime = time.UnixMilli(startMs)
	ep.CreatedAt = time.UnixMilli(createdMs)
	ep.UpdatedAt = time.UnixMilli(updatedMs)
	if endTime.Valid {
		t := time.UnixMilli(endTime.Int64)
		ep.EndTime = &t
	}
	if err := json.Unmarshal([]byte(metaJSON), &ep.Metadata); err != nil {
		return nil, fmt.Errorf("episode: decode metadata: %w", err)
	}
	return &ep, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEpisode(row *sql.Row) (*Episode, error) { return scanRowScanner(row) }

// QueryByTimeRange returns episodes with startTime in [q.Start, q.End],
// including ongoing episodes (end_time IS NULL) iff q.IncludeOngoing.
func (s *Store) QueryByTimeRange(q TimeRangeQuery) ([]*Episode, error) {
	sqlQuery := `SELECT id, task_id, start_time, end_time, metadata, created_at, updated_at FROM episodes WHERE start_time >= ? AND start_time <= ?`
	args := []any{q.Start.UnixMilli(), q.End.UnixMilli()}
	if !q.IncludeOngoing {
		sqlQuery += " AND end_time IS NOT NULL"
	}
	sqlQuery += " ORDER BY start_time ASC"
	if q.Limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("episode: query by time range: %w", err)
	}
	defer rows.Close()

	var out []*Episode
	for rows.Next() {
		ep, err := scanRowScanner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// SearchBySimilarity ranks episodes by embedding similarity to q.Embedding,
// optionally restricted to q.TaskIDs and a minimum similarity floor.
func (s *Store) SearchBySimilarity(ctx context.Context, q SimilarityQuery) ([]*Episode, error) {
	k := q.K
	if k <= 0 {
		k = 10
	}
	allowed := map[string]bool{}
	for _, t := range q.TaskIDs {
		allowed[t] = true
	}

	searchK := k
	if len(allowed) > 0 {
		searchK = k * 4 // over-fetch to survive post-filtering by taskId
	}

	hits, err := s.vectors.Search(ctx, q.Embedding, searchK, false)
	if err != nil {
		return nil, err
	}

	var out []*Episode
	for _, h := range hits {
		if q.MinSimilarity > 0 && h.Similarity < q.MinSimilarity {
			continue
		}
		ep, err := s.GetByID(h.ID)
		if err != nil {
			continue // vector index and relational store can briefly diverge
		}
		if len(allowed) > 0 && !allowed[ep.TaskID] {
			continue
		}
		out = append(out, ep)
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

// Update applies a partial update. Setting EndTime flips an ongoing episode
// closed. Setting Embedding re-indexes the vector. Setting Links replaces
// the episode's full outgoing link set.
func (s *Store) Update(id string, opts UpdateOptions) error {
	if opts.EndTime != nil {
		ep, err := s.GetByID(id)
		if err != nil {
			return err
		}
		if opts.EndTime.Before(ep.StartTime) {
			return &ValidationError{Reason: "endTime must be >= startTime"}
		}
	}
	if len(opts.Links) > MaxLinksPerEpisode {
		return &ValidationError{Reason: fmt.Sprintf("link count %d exceeds max %d", len(opts.Links), MaxLinksPerEpisode)}
	}
	var metaJSON []byte
	if opts.Metadata != nil {
		if err := validateMetadata(opts.Metadata); err != nil {
			return err
		}
		var err error
		metaJSON, err = json.Marshal(opts.Metadata)
		if err != nil {
			return &ValidationError{Reason: "metadata must be JSON-serialisable"}
		}
		if len(metaJSON) > MaxMetadataBytes {
			return &ValidationError{Reason: fmt.Sprintf("serialised metadata is %d bytes, exceeds max %d", len(metaJSON), MaxMetadataBytes)}
		}
	}

	var cv []float32
	if opts.Embedding != nil {
		var err error
		cv, err = vector.CreateValidatedVector(opts.Embedding)
		if err != nil {
			return err
		}
	}

	now := time.Now()
	err := vector.WithRetry(context.Background(), vector.DefaultRetryConfig("episode.update"), func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return &StorageError{Message: "begin transaction", Cause: err}
		}
		defer tx.Rollback()

		if opts.EndTime != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE episodes SET end_time = ?, updated_at = ? WHERE id = ?`, opts.EndTime.UnixMilli(), now.UnixMilli(), id); err != nil {
				return &StorageError{Message: "update end_time", Cause: err}
			}
		}
		if opts.Metadata != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE episodes SET metadata = ?, updated_at = ? WHERE id = ?`, string(metaJSON), now.UnixMilli(), id); err != nil {
				return &StorageError{Message: "update metadata", Cause: err}
			}
		}
		if opts.Links != nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM episode_links WHERE source_id = ?`, id); err != nil {
				return &StorageError{Message: "clear links", Cause: err}
			}
			for _, l := range opts.Links {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO episode_links (source_id, target_id, link_type, created_at) VALUES (?,?,?,?)`,
					id, l.TargetID, l.LinkType, now.UnixMilli(),
				); err != nil {
					return &StorageError{Message: "insert link row", Cause: err}
				}
			}
		}

		return tx.Commit()
	})
	if err != nil {
		return err
	}

	if cv != nil {
		if err := s.vectors.InsertWithID(id, cv); err != nil {
			return &StorageError{Message: "update embedding", Cause: err}
		}
	}
	return nil
}

// Delete removes the episode row, cascading its link rows and embedding.
func (s *Store) Delete(id string) error {
	ep, err := s.GetByID(id)
	if err != nil {
		return err
	}

	err = vector.WithRetry(context.Background(), vector.DefaultRetryConfig("episode.delete"), func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return &StorageError{Message: "begin transaction", Cause: err}
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `DELETE FROM episode_links WHERE source_id = ? OR target_id = ?`, id, id); err != nil {
			return &StorageError{Message: "delete links", Cause: err}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM episodes WHERE id = ?`, id); err != nil {
			return &StorageError{Message: "delete episode row", Cause: err}
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.vectors.Delete(id)
	s.times.Remove(ep.StartTime.UnixMilli(), id)
	return nil
}

// GetLinks returns every link row where episodeId is the source.
func (s *Store) GetLinks(episodeID string) ([]Link, error) {
	rows, err := s.db.Query(`SELECT source_id, target_id, link_type, created_at FROM episode_links WHERE source_id = ?`, episodeID)
	if err != nil {
		return nil, fmt.Errorf("episode: get links: %w", err)
	}
	defer rows.Close()

	var out []Link
	for rows.Next() {
		var l Link
		var createdMs int64
		if err := rows.Scan(&l.SourceID, &l.TargetID, &l.LinkType, &createdMs); err != nil {
			return nil, fmt.Errorf("episode: scan link: %w", err)
		}
		l.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, l)
	}
	return out, rows.Err()
}

// AddLink inserts one link row, persisted outside of episode creation (used
// by pkg/linker for explicit link operations).
func (s *Store) AddLink(l Link) error {
	now := time.Now()
	_, err := s.db.Exec(`INSERT INTO episode_links (source_id, target_id, link_type, created_at) VALUES (?,?,?,?)`,
		l.SourceID, l.TargetID, l.LinkType, now.UnixMilli())
	if err != nil {
		return &StorageError{Message: "insert link row", Cause: err}
	}
	return nil
}

// RemoveLink deletes the link row between source and target, reporting
// whether one existed.
func (s *Store) RemoveLink(sourceID, targetID string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM episode_links WHERE source_id = ? AND target_id = ?`, sourceID, targetID)
	if err != nil {
		return false, &StorageError{Message: "delete link row", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &StorageError{Message: "count deleted rows", Cause: err}
	}
	return n > 0, nil
}

// ListIncomingLinks returns every link row where episodeID is the target.
func (s *Store) ListIncomingLinks(episodeID string) ([]Link, error) {
	rows, err := s.db.Query(`SELECT source_id, target_id, link_type, created_at FROM episode_links WHERE target_id = ?`, episodeID)
	if err != nil {
		return nil, fmt.Errorf("episode: get incoming links: %w", err)
	}
	defer rows.Close()

	var out []Link
	for rows.Next() {
		var l Link
		var createdMs int64
		if err := rows.Scan(&l.SourceID, &l.TargetID, &l.LinkType, &createdMs); err != nil {
			return nil, fmt.Errorf("episode: scan link: %w", err)
		}
		l.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, l)
	}
	return out, rows.Err()
}

// AllLinks returns every link row, used to seed pkg/linker's in-memory
// adjacency maps on startup.
func (s *Store) AllLinks() ([]Link, error) {
	rows, err := s.db.Query(`SELECT source_id, target_id, link_type, created_at FROM episode_links`)
	if err != nil {
		return nil, fmt.Errorf("episode: list all links: %w", err)
	}
	defer rows.Close()

	var out []Link
	for rows.Next() {
		var l Link
		var createdMs int64
		if err := rows.Scan(&l.SourceID, &l.TargetID, &l.LinkType, &createdMs); err != nil {
			return nil, fmt.Errorf("episode: scan link: %w", err)
		}
		l.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, l)
	}
	return out, rows.Err()
}

// Exists reports whether id names an episode.
func (s *Store) Exists(id string) (bool, error) {
	var found int
	err := s.db.QueryRow(`SELECT 1 FROM episodes WHERE id = ?`, id).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("episode: exists: %w", err)
	}
	return true, nil
}

// QueryByTaskID returns up to limit episodes sharing taskID, most recent
// first.
func (s *Store) QueryByTaskID(taskID string, limit int) ([]*Episode, error) {
	query := `SELECT id, task_id, start_time, end_time, metadata, created_at, updated_at FROM episodes WHERE task_id = ? ORDER BY start_time DESC`
	args := []any{taskID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("episode: query by taskId: %w", err)
	}
	defer rows.Close()

	var out []*Episode
	for rows.Next() {
		ep, err := scanRowScanner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// GetRecentInWindow returns up to limit episodes whose startTime falls
// within window of now, resolved through the B+-tree time index.
func (s *Store) GetRecentInWindow(window time.Duration, limit int) ([]*Episode, error) {
	now := time.Now()
	ids := s.times.QueryRange(now.Add(-window).UnixMilli(), now.UnixMilli())

	// QueryRange returns oldest-first; take the most recent `limit`.
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}

	out := make([]*Episode, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		ep, err := s.GetByID(ids[i])
		if err != nil {
			continue // time index and relational store can briefly diverge
		}
		out = append(out, ep)
	}
	return out, nil
}

// Save persists the vector index with retry.
func (s *Store) Save() error {
	if s.cfg.VectorPath == "" {
		return nil
	}
	return s.vectors.Save(s.cfg.VectorPath)
}

// Close flushes the vector index (if a path is configured) then closes the
// underlying SQLite connection.
func (s *Store) Close() error {
	if err := s.Save(); err != nil {
		return err
	}
	return s.db.Close()
}
